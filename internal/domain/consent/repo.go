package consent

import (
	"context"

	"github.com/google/uuid"
)

// Repository covers consent requests, artifacts and callback dedup markers.
type Repository interface {
	InsertRequest(ctx context.Context, r *ConsentRequest) error
	GetRequest(ctx context.Context, id uuid.UUID) (*ConsentRequest, error)
	GetRequestByABDMID(ctx context.Context, abdmRequestID string) (*ConsentRequest, error)
	// UpdateRequestStatus persists status plus the error marker columns.
	UpdateRequestStatus(ctx context.Context, id uuid.UUID, status string, errReason *string, errRecoverable bool) error
	SetABDMRequestID(ctx context.Context, id uuid.UUID, abdmRequestID string) error

	InsertArtifact(ctx context.Context, a *ConsentArtifact) error
	ActiveArtifactByRequest(ctx context.Context, consentRequestID uuid.UUID) (*ConsentArtifact, error)
	ArtifactByRequest(ctx context.Context, consentRequestID uuid.UUID) (*ConsentArtifact, error)
	UpdateArtifactStatus(ctx context.Context, id uuid.UUID, status string) error

	// ActiveConsents lists GRANTED requests paired with their live artifact
	// for a patient.
	ActiveConsents(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]ActiveConsent, int, error)

	// ExpiredRequests returns REQUESTED rows whose expiry has passed.
	ExpiredRequests(ctx context.Context, limit int) ([]ConsentRequest, error)
	// ExpiredArtifacts returns ACTIVE artifacts whose expiry has passed.
	ExpiredArtifacts(ctx context.Context, limit int) ([]ConsentArtifact, error)

	// RememberCallback records a dedup marker and reports whether it was new.
	RememberCallback(ctx context.Context, abdmRequestID, dedupKey string) (bool, error)
}
