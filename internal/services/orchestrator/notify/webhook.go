// Package notify delivers guild announcements over per-guild webhooks.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/evanmarey/bandstand/internal/platform/timeouts"
	"github.com/evanmarey/bandstand/internal/services/orchestrator/domain"
)

// EndpointResolver maps a guild to its announcement webhook URL. A miss
// means the guild opted out of announcements.
type EndpointResolver func(guildID string) (string, bool)

// Webhook posts announcements as JSON to each guild's webhook URL.
// Guilds without a URL are skipped without error; announcement delivery
// is best-effort by contract.
type Webhook struct {
	resolve EndpointResolver
	client  *http.Client
	clock   func() time.Time
}

// NewWebhook creates a webhook announcer. A nil client gets a default
// with the notification request timeout applied.
func NewWebhook(resolve EndpointResolver, client *http.Client) *Webhook {
	if client == nil {
		client = &http.Client{Timeout: timeouts.NotifyRequest}
	}
	return &Webhook{
		resolve: resolve,
		client:  client,
		clock:   time.Now,
	}
}

type announcement struct {
	GuildID string `json:"guild_id"`
	Kind    string `json:"kind"`
	Text    string `json:"text"`
	SentAt  string `json:"sent_at"`
}

// Announce posts one announcement to the guild's webhook.
func (w *Webhook) Announce(ctx context.Context, guildID string, kind domain.AnnouncementKind, text string) error {
	if w == nil || w.resolve == nil {
		return nil
	}
	url, ok := w.resolve(strings.TrimSpace(guildID))
	if !ok || strings.TrimSpace(url) == "" {
		return nil
	}

	body, err := json.Marshal(announcement{
		GuildID: guildID,
		Kind:    string(kind),
		Text:    text,
		SentAt:  w.clock().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("encode announcement: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build announcement request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("announcement request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("announcement returned %s", resp.Status)
	}
	return nil
}

// Noop discards announcements. Offline tooling uses it where posting to
// guild channels would be noise.
type Noop struct{}

// Announce drops the announcement.
func (Noop) Announce(context.Context, string, domain.AnnouncementKind, string) error {
	return nil
}
