package consumer

import (
	"sync"
	"time"
)

// logThrottle rate-limits repeated log lines per key. The consumer polls
// every few seconds, so a persistently failing endpoint would otherwise
// write the same line hundreds of times an hour.
type logThrottle struct {
	mu       sync.Mutex
	interval time.Duration
	last     map[string]time.Time
}

func newLogThrottle(interval time.Duration) *logThrottle {
	return &logThrottle{
		interval: interval,
		last:     make(map[string]time.Time),
	}
}

// Allow reports whether the keyed line may log now, and if so starts the
// key's next quiet window.
func (t *logThrottle) Allow(key string, now time.Time) bool {
	if t == nil {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if last, ok := t.last[key]; ok && now.Sub(last) < t.interval {
		return false
	}
	t.last[key] = now
	return true
}
