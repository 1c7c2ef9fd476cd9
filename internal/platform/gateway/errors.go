package gateway

import (
	"errors"
	"fmt"
)

var (
	// ErrAuth means the gateway rejected our client credentials. Never
	// retried; surfaces as 503 with an operator alarm.
	ErrAuth = errors.New("gateway authentication failed")

	// ErrUnavailable means a timeout or 5xx persisted after retries.
	ErrUnavailable = errors.New("gateway unavailable")

	// ErrResponse means the gateway replied but the body did not decode.
	ErrResponse = errors.New("gateway response undecodable")
)

// ProtocolError is a non-retryable 4xx from the gateway (other than 401,
// which triggers a single token refresh).
type ProtocolError struct {
	Status  int
	Code    string
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("gateway protocol error: status %d code %q: %s", e.Status, e.Code, e.Message)
}

// IsProtocolError extracts a ProtocolError from err, if present.
func IsProtocolError(err error) (*ProtocolError, bool) {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
