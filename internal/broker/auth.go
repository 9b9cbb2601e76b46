// auth.go manages broker API credentials and the cached access token.
//
// The broker issues access tokens valid for 24 hours. Auth refreshes the
// token one hour before expiry so in-flight calls never race the deadline.
// Token state is never logged in cleartext; TokenInfo exposes only status,
// validity, and age.
package broker

import (
	"context"
	"fmt"
	"sync"
	"time"
)

const (
	tokenTTL    = 24 * time.Hour
	tokenMargin = time.Hour
)

// TokenSource fetches a fresh access token from the broker's token
// endpoint. Implemented by the SDK; stubbed in tests.
type TokenSource interface {
	FetchToken(ctx context.Context, apiKey, apiSecret string) (string, error)
}

// Auth caches the broker access token behind a lock. A token is served
// from cache while its age is under TTL minus the safety margin.
type Auth struct {
	apiKey    string
	apiSecret string
	source    TokenSource

	mu        sync.Mutex
	token     string
	createdAt time.Time
}

// TokenInfo is the diagnostic view of the token cache. The token itself is
// deliberately absent.
type TokenInfo struct {
	HasToken      bool
	IsValid       bool
	CreatedAt     time.Time
	Age           time.Duration
	TimeRemaining time.Duration
	TTL           time.Duration
}

// NewAuth validates credentials and builds the token cache. Missing
// credentials are a hard failure: the process must not start without them.
func NewAuth(apiKey, apiSecret string, source TokenSource) (*Auth, error) {
	if apiKey == "" || apiSecret == "" {
		return nil, fmt.Errorf("%w: GROWW_API_KEY and GROWW_SECRET are required", ErrAuthentication)
	}
	return &Auth{apiKey: apiKey, apiSecret: apiSecret, source: source}, nil
}

// AccessToken returns a valid access token, refreshing when the cached one
// is missing, stale, or force is set. A failed refresh invalidates the
// cache and is retried once; the second failure surfaces.
func (a *Auth) AccessToken(ctx context.Context, force bool) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !force && a.tokenValid(time.Now()) {
		return a.token, nil
	}

	a.token = ""
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		token, err := a.source.FetchToken(ctx, a.apiKey, a.apiSecret)
		if err != nil {
			lastErr = err
			continue
		}
		a.token = token
		a.createdAt = time.Now()
		return token, nil
	}
	return "", fmt.Errorf("%w: fetch access token: %v", ErrAuthentication, lastErr)
}

// InvalidateToken drops the cached token, forcing a refresh on next use.
func (a *Auth) InvalidateToken() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.token = ""
	a.createdAt = time.Time{}
}

// TokenInfo returns cache diagnostics without exposing the token.
func (a *Auth) TokenInfo() TokenInfo {
	a.mu.Lock()
	defer a.mu.Unlock()

	info := TokenInfo{TTL: tokenTTL}
	if a.token == "" {
		return info
	}
	now := time.Now()
	info.HasToken = true
	info.IsValid = a.tokenValid(now)
	info.CreatedAt = a.createdAt
	info.Age = now.Sub(a.createdAt)
	if remaining := tokenTTL - info.Age; remaining > 0 {
		info.TimeRemaining = remaining
	}
	return info
}

// tokenValid reports whether the cached token is inside the safe window.
// Caller holds mu.
func (a *Auth) tokenValid(now time.Time) bool {
	if a.token == "" {
		return false
	}
	return now.Sub(a.createdAt) < tokenTTL-tokenMargin
}
