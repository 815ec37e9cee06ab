// Package creds looks up per-user source-control tokens from the external
// settings service. The service is an out-of-process collaborator; a missing
// or failed lookup degrades git operations to unauthenticated access rather
// than failing them.
package creds

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/termspace/termspace-core/logger"
)

// cacheTTL bounds how long a looked-up token is reused before re-fetching.
const cacheTTL = 5 * time.Minute

// Provider resolves an access token for a user. An empty token with a nil
// error means "no credential configured".
type Provider interface {
	Lookup(ctx context.Context, userID string) (string, error)
}

// Client talks to the settings service over HTTP.
type Client struct {
	baseURL string
	httpc   *http.Client

	mu    sync.Mutex
	cache map[string]cachedToken
}

type cachedToken struct {
	token   string
	fetched time.Time
}

// NewClient creates a credential client for the settings service at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpc:   &http.Client{Timeout: 10 * time.Second},
		cache:   make(map[string]cachedToken),
	}
}

// credentialResponse mirrors the settings service payload.
type credentialResponse struct {
	Token string `json:"token"`
}

// Lookup returns the user's git access token, or empty when none is
// configured or the settings service is unreachable. Lookup never returns a
// hard error for an absent credential; only context cancellation surfaces.
func (c *Client) Lookup(ctx context.Context, userID string) (string, error) {
	c.mu.Lock()
	if entry, ok := c.cache[userID]; ok && time.Since(entry.fetched) < cacheTTL {
		c.mu.Unlock()
		return entry.token, nil
	}
	c.mu.Unlock()

	log := logger.WithComponent("creds")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/settings/credentials", nil)
	if err != nil {
		return "", fmt.Errorf("failed to build credential request: %w", err)
	}
	req.Header.Set("X-User-Id", userID)

	resp, err := c.httpc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		log.Warn("credential lookup failed, proceeding unauthenticated", "error", err)
		return "", nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Debug("no credential configured", "status", resp.StatusCode, "userID", userID)
		c.store(userID, "")
		return "", nil
	}

	var payload credentialResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		log.Warn("malformed credential response, proceeding unauthenticated", "error", err)
		return "", nil
	}

	c.store(userID, payload.Token)
	return payload.Token, nil
}

func (c *Client) store(userID, token string) {
	c.mu.Lock()
	c.cache[userID] = cachedToken{token: token, fetched: time.Now()}
	c.mu.Unlock()
}

// Static is a Provider returning a fixed token. Testing and single-tenant use.
type Static string

// Lookup returns the fixed token.
func (s Static) Lookup(ctx context.Context, userID string) (string, error) {
	return string(s), nil
}
