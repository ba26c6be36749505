package tenants

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce coalesces the burst of filesystem events an editor or
// atomic rename produces into a single reload.
const watchDebounce = 500 * time.Millisecond

// Watch reloads the registry whenever its file changes, until ctx ends.
// It watches the parent directory so atomic rename-over installs are
// seen. A reload failure keeps the previous directory and is logged.
func (r *Registry) Watch(ctx context.Context) error {
	if r == nil {
		return fmt.Errorf("registry is not configured")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create registry watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(r.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch registry dir %s: %w", dir, err)
	}

	var pending *time.Timer
	var pendingC <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != r.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if pending == nil {
				pending = time.NewTimer(watchDebounce)
				pendingC = pending.C
			} else {
				if !pending.Stop() {
					<-pending.C
				}
				pending.Reset(watchDebounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logf("tenant registry watch: %v", err)
		case <-pendingC:
			pending = nil
			pendingC = nil
			if err := r.Reload(); err != nil {
				r.logf("tenant registry reload: %v", err)
				continue
			}
			r.logf("tenant registry reloaded from %s", r.path)
		}
	}
}
