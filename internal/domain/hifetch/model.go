package hifetch

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Fetch request statuses. PENDING and PROCESSING are live; the rest are
// terminal.
const (
	StatusPending    = "PENDING"
	StatusProcessing = "PROCESSING"
	StatusCompleted  = "COMPLETED"
	StatusPartial    = "PARTIAL"
	StatusFailed     = "FAILED"
	StatusCancelled  = "CANCELLED"
)

// Processing pipeline stages.
const (
	StageReceive  = "RECEIVE"
	StageDecrypt  = "DECRYPT"
	StageValidate = "VALIDATE"
	StageStore    = "STORE"
	StageError    = "ERROR"
)

// Per-stage outcomes.
const (
	OutcomeSuccess = "SUCCESS"
	OutcomeFailure = "FAILURE"
	OutcomeSkipped = "SKIPPED"
)

// IsTerminal reports whether a fetch status admits no further progress.
func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusPartial, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// FetchRequest maps to the hi_fetch_requests table: one health-information
// retrieval against a granted consent.
type FetchRequest struct {
	ID               uuid.UUID `db:"id" json:"id"`
	ConsentRequestID uuid.UUID `db:"consent_request_id" json:"consentRequestId"`
	PatientID        uuid.UUID `db:"patient_id" json:"patientId"`
	ABDMRequestID    *string   `db:"abdm_request_id" json:"abdmRequestId,omitempty"`
	HITypes          []string  `db:"hi_types" json:"hiTypes"`
	DateRangeFrom    time.Time `db:"date_range_from" json:"dateRangeFrom"`
	DateRangeTo      time.Time `db:"date_range_to" json:"dateRangeTo"`
	Status           string    `db:"status" json:"status"`
	// TotalRecords is unknown until the provider announces it.
	TotalRecords     *int       `db:"total_records" json:"totalRecords,omitempty"`
	ReceivedRecords  int        `db:"received_records" json:"receivedRecords"`
	ProcessedRecords int        `db:"processed_records" json:"processedRecords"`
	FailedRecords    int        `db:"failed_records" json:"failedRecords"`
	EndOfStream      bool       `db:"end_of_stream" json:"endOfStream"`
	ErrorReason      *string    `db:"error_reason" json:"errorReason,omitempty"`
	RequestedBy      string     `db:"requested_by" json:"requestedBy"`
	CreatedAt        time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt        time.Time  `db:"updated_at" json:"updatedAt"`
	TerminalAt       *time.Time `db:"terminal_at" json:"terminalAt,omitempty"`
}

// Progress returns completion as a percentage, or -1 while the total is
// unknown.
func (f *FetchRequest) Progress() int {
	if f.TotalRecords == nil || *f.TotalRecords == 0 {
		if IsTerminal(f.Status) {
			return 100
		}
		return -1
	}
	done := f.ProcessedRecords + f.FailedRecords
	if done > *f.TotalRecords {
		done = *f.TotalRecords
	}
	return done * 100 / *f.TotalRecords
}

// ProcessingLog maps to the hi_processing_logs table: one pipeline stage
// outcome for one record.
type ProcessingLog struct {
	ID             uuid.UUID       `db:"id" json:"id"`
	FetchRequestID uuid.UUID       `db:"fetch_request_id" json:"fetchRequestId"`
	ABDMRecordID   *string         `db:"abdm_record_id" json:"abdmRecordId,omitempty"`
	Stage          string          `db:"stage" json:"stage"`
	Outcome        string          `db:"outcome" json:"outcome"`
	Details        json.RawMessage `db:"details" json:"details,omitempty"`
	ProcessingMs   int64           `db:"processing_ms" json:"processingTimeMs"`
	At             time.Time       `db:"at" json:"at"`
}

// CallbackRecord is one encrypted entry in an HI callback page.
type CallbackRecord struct {
	ABDMRecordID  string `json:"abdmRecordId"`
	HIType        string `json:"hiType"`
	EncryptedData string `json:"encryptedData"`
	Checksum      string `json:"checksum,omitempty"`
	RecordDate    string `json:"recordDate,omitempty"`
	ProviderID    string `json:"providerId,omitempty"`
	ProviderName  string `json:"providerName,omitempty"`
	ProviderType  string `json:"providerType,omitempty"`
}

// Callback is one page of the health-information webhook (§6.2): a batch of
// encrypted records plus stream bookkeeping.
type Callback struct {
	ABDMRequestID string           `json:"abdmRequestId"`
	Seq           int              `json:"seq"`
	TotalRecords  *int             `json:"totalRecords,omitempty"`
	EndOfStream   bool             `json:"endOfStream"`
	Records       []CallbackRecord `json:"records"`
}

// StatusView is the consolidated answer for fetch status queries.
type StatusView struct {
	Request  *FetchRequest `json:"request"`
	Progress int           `json:"progress"`
}
