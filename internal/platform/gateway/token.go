package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// tokenSkew is subtracted from the advertised lifetime so a token is never
// presented within 30 s of its expiry.
const tokenSkew = 30 * time.Second

// defaultTokenTTL applies when the auth response omits expiresIn.
const defaultTokenTTL = 30 * time.Minute

type sessionToken struct {
	value      string
	acquiredAt time.Time
	expiresIn  time.Duration
}

func (t sessionToken) valid(now time.Time) bool {
	return t.value != "" && now.Before(t.acquiredAt.Add(t.expiresIn-tokenSkew))
}

// tokenCache holds the current gateway session token. Reads take the read
// lock; a miss funnels every waiter through one single-flight acquisition.
type tokenCache struct {
	mu    sync.RWMutex
	tok   sessionToken
	group singleflight.Group
}

type authRequest struct {
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
	GrantType    string `json:"grantType"`
}

type authResponse struct {
	AccessToken string `json:"accessToken"`
	TokenType   string `json:"tokenType"`
	ExpiresIn   int    `json:"expiresIn"`
}

// token returns a valid session token, acquiring one if needed.
func (c *Client) token(ctx context.Context) (string, error) {
	c.tokens.mu.RLock()
	tok := c.tokens.tok
	c.tokens.mu.RUnlock()
	if tok.valid(time.Now()) {
		return tok.value, nil
	}
	return c.refreshToken(ctx)
}

// refreshToken forces acquisition of a fresh token. Concurrent callers
// share one in-flight acquisition.
func (c *Client) refreshToken(ctx context.Context) (string, error) {
	v, err, _ := c.tokens.group.Do("token", func() (interface{}, error) {
		// A racing caller may have refreshed already.
		c.tokens.mu.RLock()
		tok := c.tokens.tok
		c.tokens.mu.RUnlock()
		if tok.valid(time.Now()) {
			return tok.value, nil
		}

		fresh, err := c.acquireToken(ctx)
		if err != nil {
			return "", err
		}

		c.tokens.mu.Lock()
		c.tokens.tok = fresh
		c.tokens.mu.Unlock()
		return fresh.value, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// invalidateToken drops the cached token after a 401 so the retry
// acquires a fresh one.
func (c *Client) invalidateToken() {
	c.tokens.mu.Lock()
	c.tokens.tok = sessionToken{}
	c.tokens.mu.Unlock()
}

func (c *Client) acquireToken(ctx context.Context) (sessionToken, error) {
	body, err := json.Marshal(authRequest{
		ClientID:     c.cfg.ClientID,
		ClientSecret: c.cfg.ClientSecret,
		GrantType:    "client_credentials",
	})
	if err != nil {
		return sessionToken{}, fmt.Errorf("marshal auth request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.AuthURL, bytes.NewReader(body))
	if err != nil {
		return sessionToken{}, fmt.Errorf("build auth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return sessionToken{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	c.logger.Debug().
		Str("path", "auth").
		Int("status", resp.StatusCode).
		Dur("latency", time.Since(start)).
		Msg("gateway auth")

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return sessionToken{}, ErrAuth
	}
	if resp.StatusCode != http.StatusOK {
		return sessionToken{}, fmt.Errorf("%w: auth endpoint status %d", ErrUnavailable, resp.StatusCode)
	}

	var ar authResponse
	if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
		return sessionToken{}, fmt.Errorf("%w: %v", ErrResponse, err)
	}
	if ar.AccessToken == "" {
		return sessionToken{}, fmt.Errorf("%w: empty access token", ErrResponse)
	}

	ttl := defaultTokenTTL
	if ar.ExpiresIn > 0 {
		ttl = time.Duration(ar.ExpiresIn) * time.Second
	}
	return sessionToken{value: ar.AccessToken, acquiredAt: time.Now(), expiresIn: ttl}, nil
}
