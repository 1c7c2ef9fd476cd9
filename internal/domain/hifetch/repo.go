package hifetch

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository covers fetch requests, processing logs and callback dedup.
type Repository interface {
	InsertFetch(ctx context.Context, f *FetchRequest) error
	GetFetch(ctx context.Context, id uuid.UUID) (*FetchRequest, error)
	// GetFetchByABDMID locks the row for the duration of the transaction.
	GetFetchByABDMID(ctx context.Context, abdmRequestID string) (*FetchRequest, error)
	// LockFetch re-reads a fetch row FOR UPDATE inside a transaction.
	LockFetch(ctx context.Context, id uuid.UUID) (*FetchRequest, error)
	SetABDMRequestID(ctx context.Context, id uuid.UUID, abdmRequestID string) error
	UpdateStatus(ctx context.Context, id uuid.UUID, status string, errReason *string, terminalAt *time.Time) error
	// UpdateBookkeeping persists the stream counters for a locked row.
	UpdateBookkeeping(ctx context.Context, f *FetchRequest) error

	InsertLog(ctx context.Context, l *ProcessingLog) error
	LogsByFetch(ctx context.Context, fetchRequestID uuid.UUID) ([]*ProcessingLog, error)

	// StaleLive returns PENDING or PROCESSING rows untouched since cutoff.
	StaleLive(ctx context.Context, cutoff time.Time, limit int) ([]*FetchRequest, error)

	// RememberCallback records a dedup marker and reports whether it was new.
	RememberCallback(ctx context.Context, abdmRequestID, dedupKey string) (bool, error)
}
