package auth

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

const testSecret = "webhook-secret"

func webhookRequest(t *testing.T, body string, sign bool, mutate func(*http.Request)) (*httptest.ResponseRecorder, error) {
	t.Helper()
	e := echo.New()
	mw := WebhookVerifier(WebhookVerifierConfig{SharedSecret: testSecret})
	handler := mw(func(c echo.Context) error {
		got, _ := io.ReadAll(c.Request().Body)
		return c.String(http.StatusOK, string(got))
	})

	req := httptest.NewRequest(http.MethodPost, "/api/abdm/consent/callback", strings.NewReader(body))
	if sign {
		ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
		nonce := "nonce-" + t.Name()
		req.Header.Set(HeaderWebhookTimestamp, ts)
		req.Header.Set(HeaderWebhookNonce, nonce)
		req.Header.Set(HeaderWebhookSignature, SignWebhookPayload(testSecret, ts, nonce, []byte(body)))
	}
	if mutate != nil {
		mutate(req)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	return rec, handler(c)
}

func TestWebhookVerifier_ValidSignature(t *testing.T) {
	rec, err := webhookRequest(t, `{"event":"GRANTED"}`, true, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	// The body must be readable again by the handler after verification.
	if rec.Body.String() != `{"event":"GRANTED"}` {
		t.Errorf("handler saw body %q", rec.Body.String())
	}
}

func TestWebhookVerifier_MissingHeaders(t *testing.T) {
	_, err := webhookRequest(t, `{}`, false, nil)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusUnauthorized {
		t.Errorf("error = %v, want 401", err)
	}
}

func TestWebhookVerifier_TamperedBody(t *testing.T) {
	_, err := webhookRequest(t, `{}`, true, func(r *http.Request) {
		r.Body = io.NopCloser(strings.NewReader(`{"event":"REVOKED"}`))
		r.ContentLength = int64(len(`{"event":"REVOKED"}`))
	})
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusUnauthorized {
		t.Errorf("error = %v, want 401 for tampered body", err)
	}
}

func TestWebhookVerifier_StaleTimestamp(t *testing.T) {
	body := `{}`
	_, err := webhookRequest(t, body, false, func(r *http.Request) {
		ts := strconv.FormatInt(time.Now().Add(-10*time.Minute).UnixMilli(), 10)
		r.Header.Set(HeaderWebhookTimestamp, ts)
		r.Header.Set(HeaderWebhookNonce, "n1")
		r.Header.Set(HeaderWebhookSignature, SignWebhookPayload(testSecret, ts, "n1", []byte(body)))
	})
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusUnauthorized {
		t.Errorf("error = %v, want 401 for stale timestamp", err)
	}
}

func TestWebhookVerifier_NonceReplay(t *testing.T) {
	e := echo.New()
	mw := WebhookVerifier(WebhookVerifierConfig{SharedSecret: testSecret})
	handler := mw(func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	body := `{"seq":1}`
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	sig := SignWebhookPayload(testSecret, ts, "replay-nonce", []byte(body))

	send := func() error {
		req := httptest.NewRequest(http.MethodPost, "/cb", strings.NewReader(body))
		req.Header.Set(HeaderWebhookTimestamp, ts)
		req.Header.Set(HeaderWebhookNonce, "replay-nonce")
		req.Header.Set(HeaderWebhookSignature, sig)
		rec := httptest.NewRecorder()
		return handler(e.NewContext(req, rec))
	}

	if err := send(); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	err := send()
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusUnauthorized {
		t.Errorf("replay error = %v, want 401", err)
	}
}

func TestWebhookVerifier_CIDRFilter(t *testing.T) {
	e := echo.New()
	mw := WebhookVerifier(WebhookVerifierConfig{AllowedCIDRs: []string{"10.0.0.0/8"}})
	handler := mw(func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	req := httptest.NewRequest(http.MethodPost, "/cb", nil)
	req.RemoteAddr = "192.168.1.5:4001"
	rec := httptest.NewRecorder()
	err := handler(e.NewContext(req, rec))
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusUnauthorized {
		t.Errorf("error = %v, want 401 for out-of-range source", err)
	}

	req = httptest.NewRequest(http.MethodPost, "/cb", nil)
	req.RemoteAddr = "10.1.2.3:4001"
	rec = httptest.NewRecorder()
	if err := handler(e.NewContext(req, rec)); err != nil {
		t.Errorf("allowed source rejected: %v", err)
	}
}
