package record

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Record sources.
const (
	SourceABDM     = "ABDM"
	SourceLocal    = "LOCAL"
	SourceImported = "IMPORTED"
)

// Record statuses. A new version SUPERSEDES the previous; rows are never
// destructively updated except for these status transitions.
const (
	StatusActive     = "ACTIVE"
	StatusSuperseded = "SUPERSEDED"
	StatusDeleted    = "DELETED"
)

// HealthRecord maps to the health_records table: one ingested FHIR resource.
type HealthRecord struct {
	ID             uuid.UUID       `db:"id" json:"id"`
	PatientID      uuid.UUID       `db:"patient_id" json:"patientId"`
	FetchRequestID *uuid.UUID      `db:"fetch_request_id" json:"fetchRequestId,omitempty"`
	ABDMRecordID   *string         `db:"abdm_record_id" json:"abdmRecordId,omitempty"`
	RecordType     string          `db:"record_type" json:"recordType"`
	RecordDate     time.Time       `db:"record_date" json:"recordDate"`
	ProviderID     *string         `db:"provider_id" json:"providerId,omitempty"`
	ProviderName   *string         `db:"provider_name" json:"providerName,omitempty"`
	ProviderType   *string         `db:"provider_type" json:"providerType,omitempty"`
	FHIRResource   json.RawMessage `db:"fhir_resource" json:"fhirResource"`
	Checksum       string          `db:"checksum" json:"checksum"`
	Source         string          `db:"source" json:"source"`
	Status         string          `db:"status" json:"status"`
	Version        int             `db:"version" json:"version"`
	CreatedAt      time.Time       `db:"created_at" json:"createdAt"`
}

// Filters narrows FindByPatient results.
type Filters struct {
	RecordType string
	Source     string
	From       *time.Time
	To         *time.Time
}
