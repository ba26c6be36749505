// Package httptransport short-polls a guild's remote operator panel
// over HTTP. Commands are pulled from the panel's actions endpoint and
// results and status snapshots are posted back, each request carrying a
// bearer token minted from the tenant's shared secret.
package httptransport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/evanmarey/bandstand/internal/platform/id"
	"github.com/evanmarey/bandstand/internal/platform/timeouts"
	"github.com/evanmarey/bandstand/internal/services/orchestrator/domain"
	"github.com/evanmarey/bandstand/internal/services/orchestrator/tenants"
)

// tokenTTL bounds how long a minted request token stays valid. Tokens
// are minted per request, so the window only needs to cover transit.
const tokenTTL = time.Minute

// tokenIssuer identifies the orchestrator in minted request tokens.
const tokenIssuer = "bandstand-orchestrator"

// tokenAudience names the operator panel audience in minted tokens.
const tokenAudience = "bandstand-panel"

// Config holds one tenant's remote panel coordinates.
type Config struct {
	Endpoint     string
	SharedSecret string
}

// Client is the HTTP polling transport for one tenant.
type Client struct {
	endpoint *url.URL
	secret   []byte
	client   *http.Client
	clock    func() time.Time
	newID    func() (string, error)
}

// New creates an HTTP transport for one tenant's panel endpoint. A nil
// client gets a default with the transport request timeout applied; a
// nil clock uses wall-clock time.
func New(cfg Config, client *http.Client, clock func() time.Time) (*Client, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("endpoint is required")
	}
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("endpoint scheme %q is not supported", parsed.Scheme)
	}
	if strings.TrimSpace(cfg.SharedSecret) == "" {
		return nil, fmt.Errorf("shared secret is required")
	}
	if client == nil {
		client = &http.Client{Timeout: timeouts.TransportRequest}
	}
	if clock == nil {
		clock = time.Now
	}
	return &Client{
		endpoint: parsed,
		secret:   []byte(strings.TrimSpace(cfg.SharedSecret)),
		client:   client,
		clock:    clock,
		newID:    id.NewID,
	}, nil
}

// Kind names the strategy.
func (c *Client) Kind() tenants.TransportKind {
	return tenants.TransportHTTP
}

type pullResponse struct {
	Actions []domain.Action `json:"actions"`
}

// Pull fetches up to limit queued commands from the panel, oldest
// first. The response envelope is decoded strictly; an unexpected body
// is an error rather than a partial read.
func (c *Client) Pull(ctx context.Context, guildID string, limit int) ([]domain.Action, error) {
	if c == nil {
		return nil, fmt.Errorf("http transport is not configured")
	}
	guildID = strings.TrimSpace(guildID)
	if guildID == "" {
		return nil, fmt.Errorf("guild id is required")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}

	target := c.resolve("actions")
	query := target.Query()
	query.Set("limit", strconv.Itoa(limit))
	target.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build pull request: %w", err)
	}
	if err := c.authorize(req, guildID); err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("pull actions: %w", err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, fmt.Errorf("pull actions: %w", err)
	}

	decoder := json.NewDecoder(resp.Body)
	decoder.DisallowUnknownFields()
	var envelope pullResponse
	if err := decoder.Decode(&envelope); err != nil {
		return nil, fmt.Errorf("decode pull response: %w", err)
	}

	actions := make([]domain.Action, 0, len(envelope.Actions))
	for _, action := range envelope.Actions {
		action.GuildID = guildID
		action.Status = domain.ActionStatusProcessing
		actions = append(actions, action)
	}
	return actions, nil
}

// Push posts one command's result back to the panel.
func (c *Client) Push(ctx context.Context, result domain.Result) error {
	if c == nil {
		return fmt.Errorf("http transport is not configured")
	}
	return c.post(ctx, "results", result.GuildID, result)
}

// PublishSnapshot posts the guild's status view to the panel.
func (c *Client) PublishSnapshot(ctx context.Context, snapshot domain.Snapshot) error {
	if c == nil {
		return fmt.Errorf("http transport is not configured")
	}
	return c.post(ctx, "status", snapshot.TenantID, snapshot)
}

func (c *Client) post(ctx context.Context, path, guildID string, payload any) error {
	guildID = strings.TrimSpace(guildID)
	if guildID == "" {
		return fmt.Errorf("guild id is required")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", path, err)
	}
	target := c.resolve(path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if err := c.authorize(req, guildID); err != nil {
		return err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// authorize mints a short-lived HS256 bearer token for the request. The
// subject names the guild so a panel serving several guilds can scope
// the call.
func (c *Client) authorize(req *http.Request, guildID string) error {
	jti, err := c.newID()
	if err != nil {
		return fmt.Errorf("mint token id: %w", err)
	}
	now := c.clock().UTC()
	claims := jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		Subject:   guildID,
		Audience:  jwt.ClaimStrings{tokenAudience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
		ID:        jti,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return fmt.Errorf("sign request token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

func (c *Client) resolve(path string) *url.URL {
	target := *c.endpoint
	target.Path = strings.TrimSuffix(target.Path, "/") + "/" + path
	return &target
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		return nil
	}
	return fmt.Errorf("panel returned %s", resp.Status)
}
