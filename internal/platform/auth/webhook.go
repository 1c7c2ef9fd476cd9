package auth

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
)

// Webhook verification headers. ABDM callbacks are signed with a shared
// secret: signature = HMAC-SHA256(secret, timestamp + "." + nonce + "." + body).
const (
	HeaderWebhookSignature = "X-ABDM-Signature"
	HeaderWebhookTimestamp = "X-ABDM-Timestamp"
	HeaderWebhookNonce     = "X-ABDM-Nonce"
)

// maxWebhookClockSkew bounds how old or future-dated a signed callback may be.
const maxWebhookClockSkew = 5 * time.Minute

// nonceCache remembers recently seen nonces to reject replays within the
// clock-skew window.
type nonceCache struct {
	mu    sync.Mutex
	seen  map[string]time.Time
	limit time.Duration
}

func newNonceCache(limit time.Duration) *nonceCache {
	return &nonceCache{seen: make(map[string]time.Time), limit: limit}
}

// remember returns false when the nonce was already seen inside the window.
func (n *nonceCache) remember(nonce string, now time.Time) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	// Opportunistic cleanup of expired entries.
	for k, at := range n.seen {
		if now.Sub(at) > n.limit {
			delete(n.seen, k)
		}
	}

	if _, dup := n.seen[nonce]; dup {
		return false
	}
	n.seen[nonce] = now
	return true
}

// WebhookVerifierConfig configures the webhook ingress guard.
type WebhookVerifierConfig struct {
	SharedSecret string
	// AllowedCIDRs restricts source addresses; empty means no IP filtering.
	AllowedCIDRs []string
}

// WebhookVerifier returns middleware securing the public ABDM webhook
// endpoints: HMAC signature over timestamp, nonce and body, a bounded
// timestamp window, nonce replay rejection, and an optional source IP
// allowlist. Verification failures return 401; the webhook handlers behind
// it own the 200-on-no-op policy.
func WebhookVerifier(cfg WebhookVerifierConfig) echo.MiddlewareFunc {
	var networks []*net.IPNet
	for _, cidr := range cfg.AllowedCIDRs {
		if _, n, err := net.ParseCIDR(cidr); err == nil {
			networks = append(networks, n)
		}
	}
	nonces := newNonceCache(maxWebhookClockSkew)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if len(networks) > 0 {
				ip := net.ParseIP(c.RealIP())
				allowed := false
				for _, n := range networks {
					if ip != nil && n.Contains(ip) {
						allowed = true
						break
					}
				}
				if !allowed {
					return echo.NewHTTPError(http.StatusUnauthorized, "source address not allowed")
				}
			}

			if cfg.SharedSecret == "" {
				// Development only: transport trust alone.
				return next(c)
			}

			sig := c.Request().Header.Get(HeaderWebhookSignature)
			tsStr := c.Request().Header.Get(HeaderWebhookTimestamp)
			nonce := c.Request().Header.Get(HeaderWebhookNonce)
			if sig == "" || tsStr == "" || nonce == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing webhook signature headers")
			}

			tsMillis, err := strconv.ParseInt(tsStr, 10, 64)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid webhook timestamp")
			}
			ts := time.UnixMilli(tsMillis)
			now := time.Now()
			if ts.Before(now.Add(-maxWebhookClockSkew)) || ts.After(now.Add(maxWebhookClockSkew)) {
				return echo.NewHTTPError(http.StatusUnauthorized, "webhook timestamp outside accepted window")
			}

			body, err := io.ReadAll(c.Request().Body)
			if err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, "unreadable body")
			}
			c.Request().Body = io.NopCloser(bytes.NewReader(body))

			if !verifySignature(cfg.SharedSecret, tsStr, nonce, body, sig) {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid webhook signature")
			}

			if !nonces.remember(nonce, now) {
				return echo.NewHTTPError(http.StatusUnauthorized, "webhook nonce replayed")
			}

			return next(c)
		}
	}
}

// SignWebhookPayload computes the signature a caller must present. Exposed
// for tests and local tooling that emulates the gateway.
func SignWebhookPayload(secret, timestamp, nonce string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write([]byte(nonce))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func verifySignature(secret, timestamp, nonce string, body []byte, presented string) bool {
	expected := SignWebhookPayload(secret, timestamp, nonce, body)
	return hmac.Equal([]byte(expected), []byte(presented))
}
