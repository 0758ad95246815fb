// Package authn implements the Auth Validator and Token Cache of spec.md
// §4.3: validate bearer tokens against an external Auth Proxy, caching
// successful results and never caching (or logging) a negative result or a
// raw token.
package authn

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/controlplane/fleet/internal/clockid"
	"github.com/controlplane/fleet/internal/telemetry"
)

// Subject is the authenticated principal behind a request.
type Subject struct {
	ID    string
	Roles map[string]struct{}
}

// HasRole reports whether the subject holds role.
func (s *Subject) HasRole(role string) bool {
	_, ok := s.Roles[role]
	return ok
}

// ErrUnauthenticated is returned by Validate when the token is missing,
// invalid, expired, or the Auth Proxy call failed.
var ErrUnauthenticated = errors.New("unauthenticated")

type cacheEntry struct {
	subject   *Subject
	expiresAt time.Time
}

// TokenCache is a bounded, TTL-expiring map from token fingerprint to
// Subject. Token strings are hashed before ever being used as a key — the
// raw secret is never retained (spec.md §4.3, §7).
type TokenCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	ttl     time.Duration
	clock   clockid.Clock
}

// NewTokenCache creates an empty cache with the given TTL.
func NewTokenCache(ttl time.Duration, clock clockid.Clock) *TokenCache {
	if clock == nil {
		clock = clockid.SystemClock{}
	}
	return &TokenCache{entries: make(map[string]cacheEntry), ttl: ttl, clock: clock}
}

// Get returns the cached Subject for tokenHash if present and unexpired.
func (c *TokenCache) Get(tokenHash string) (*Subject, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[tokenHash]
	if !ok {
		return nil, false
	}
	if c.clock.Now().After(entry.expiresAt) {
		delete(c.entries, tokenHash)
		return nil, false
	}
	return entry.subject, true
}

// Put stores subject under tokenHash with the cache's TTL and evicts any
// already-expired entries encountered along the way — never a negative
// result, per spec.md §4.3.
func (c *TokenCache) Put(tokenHash string, subject *Subject) {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
		}
	}
	c.entries[tokenHash] = cacheEntry{subject: subject, expiresAt: now.Add(c.ttl)}
}

// Validator implements the validate(token) flow of spec.md §4.3.
type Validator struct {
	authProxyURL string
	httpClient   *http.Client
	cache        *TokenCache
	logger       telemetry.Logger
}

// NewValidator creates a Validator that calls authProxyURL for cache misses.
func NewValidator(authProxyURL string, cache *TokenCache, logger telemetry.Logger) *Validator {
	if logger == nil {
		logger = telemetry.NoOp()
	}
	return &Validator{
		authProxyURL: authProxyURL,
		httpClient:   &http.Client{Timeout: 10 * time.Second},
		cache:        cache,
		logger:       logger.WithComponent("framework/authn"),
	}
}

type validateRequest struct {
	Token string `json:"token"`
}

type validateResponse struct {
	UserID string   `json:"user_id"`
	Roles  []string `json:"roles"`
}

// Validate implements the cache-then-HTTP-POST flow exactly as spec.md §4.3
// describes it. On any non-2xx response, timeout, or malformed body it
// returns ErrUnauthenticated and records an authentication-failure metric —
// it never returns a negative result to the cache.
func (v *Validator) Validate(ctx context.Context, token string) (*Subject, error) {
	if token == "" {
		return nil, ErrUnauthenticated
	}

	tokenHash := clockid.Fingerprint(token)
	if subject, ok := v.cache.Get(tokenHash); ok {
		return subject, nil
	}

	reqBody, err := json.Marshal(validateRequest{Token: token})
	if err != nil {
		return nil, fmt.Errorf("authn: failed to marshal validate request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.authProxyURL+"/auth/validate", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("authn: failed to build validate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		telemetry.Counter("authn.failures", "reason", "transport")
		v.logger.ErrorWithContext(ctx, "auth proxy request failed", map[string]interface{}{"error": err.Error()})
		return nil, ErrUnauthenticated
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		telemetry.Counter("authn.failures", "reason", "read_body")
		return nil, ErrUnauthenticated
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		telemetry.Counter("authn.failures", "reason", "status", "status_code", fmt.Sprintf("%d", resp.StatusCode))
		v.logger.WarnWithContext(ctx, "auth proxy denied token", map[string]interface{}{"status": resp.StatusCode})
		return nil, ErrUnauthenticated
	}

	var parsed validateResponse
	if err := json.Unmarshal(body, &parsed); err != nil || parsed.UserID == "" {
		telemetry.Counter("authn.failures", "reason", "malformed_body")
		return nil, ErrUnauthenticated
	}

	roles := make(map[string]struct{}, len(parsed.Roles))
	for _, r := range parsed.Roles {
		roles[r] = struct{}{}
	}
	subject := &Subject{ID: parsed.UserID, Roles: roles}
	v.cache.Put(tokenHash, subject)
	return subject, nil
}
