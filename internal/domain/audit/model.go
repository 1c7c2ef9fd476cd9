package audit

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Consent audit event types. Corrections are additional events; rows are
// never mutated.
const (
	EventCreated          = "CREATED"
	EventSubmitted        = "SUBMITTED"
	EventGranted          = "GRANTED"
	EventDenied           = "DENIED"
	EventExpired          = "EXPIRED"
	EventRevoked          = "REVOKED"
	EventError            = "ERROR"
	EventCallbackReceived = "CALLBACK_RECEIVED"
	EventSecurity         = "SECURITY"
)

// Access types for record reads.
const (
	AccessView   = "VIEW"
	AccessExport = "EXPORT"
	AccessPrint  = "PRINT"
	AccessShare  = "SHARE"
)

// ConsentEvent maps to the consent_audit_events table.
type ConsentEvent struct {
	ID               uuid.UUID       `db:"id" json:"id"`
	ConsentRequestID uuid.UUID       `db:"consent_request_id" json:"consentRequestId"`
	// RecordID is set for SECURITY events raised against a health record.
	RecordID *uuid.UUID      `db:"record_id" json:"recordId,omitempty"`
	Event    string          `db:"event" json:"event"`
	Actor    string          `db:"actor" json:"actor"`
	Details  json.RawMessage `db:"details" json:"details,omitempty"`
	At       time.Time       `db:"at" json:"at"`
}

// AccessEntry maps to the access_logs table: who read what, when.
type AccessEntry struct {
	ID             uuid.UUID `db:"id" json:"id"`
	HealthRecordID uuid.UUID `db:"health_record_id" json:"healthRecordId"`
	UserID         string    `db:"user_id" json:"userId"`
	AccessType     string    `db:"access_type" json:"accessType"`
	IP             string    `db:"ip" json:"ip"`
	UserAgent      string    `db:"user_agent" json:"userAgent"`
	At             time.Time `db:"at" json:"at"`
}
