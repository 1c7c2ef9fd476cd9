package record

import (
	"context"

	"github.com/google/uuid"
)

// Repository persists health records. Version history is append-only: a new
// version supersedes the prior ACTIVE row for the same abdm_record_id.
type Repository interface {
	Insert(ctx context.Context, r *HealthRecord) error
	GetByID(ctx context.Context, id uuid.UUID) (*HealthRecord, error)
	ActiveByABDMRecordID(ctx context.Context, abdmRecordID string) (*HealthRecord, error)
	MarkStatus(ctx context.Context, id uuid.UUID, status string) error
	FindByPatient(ctx context.Context, patientID uuid.UUID, f Filters, limit, offset int) ([]*HealthRecord, int, error)
}
