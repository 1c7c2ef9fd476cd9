package audit

import (
	"context"

	"github.com/google/uuid"
)

// Repository persists audit events and access log entries. Both tables are
// append-only; there are no update or delete operations.
type Repository interface {
	AppendEvent(ctx context.Context, e *ConsentEvent) error
	EventsByConsent(ctx context.Context, consentRequestID uuid.UUID) ([]*ConsentEvent, error)
	EventsByRecord(ctx context.Context, recordID uuid.UUID) ([]*ConsentEvent, error)

	AppendAccess(ctx context.Context, a *AccessEntry) error
	AccessByRecord(ctx context.Context, recordID uuid.UUID) ([]*AccessEntry, error)
}
