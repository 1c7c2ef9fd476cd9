package consent

import (
	"time"

	"github.com/google/uuid"
)

// ConsentRequest statuses. Transitions are monotonic except REQUESTED may
// move to any state, and GRANTED may move to REVOKED or EXPIRED.
const (
	StatusRequested = "REQUESTED"
	StatusGranted   = "GRANTED"
	StatusDenied    = "DENIED"
	StatusExpired   = "EXPIRED"
	StatusRevoked   = "REVOKED"
	StatusError     = "ERROR"
)

// ConsentArtifact statuses.
const (
	ArtifactActive  = "ACTIVE"
	ArtifactExpired = "EXPIRED"
	ArtifactRevoked = "REVOKED"
)

// Callback events delivered by the Consent Manager.
const (
	CallbackGranted = "GRANTED"
	CallbackDenied  = "DENIED"
	CallbackExpired = "EXPIRED"
	CallbackRevoked = "REVOKED"
)

// hiTypes is the closed enumeration of ABDM health-information types.
var hiTypes = map[string]bool{
	"DiagnosticReport": true, "Prescription": true, "DischargeSummary": true,
	"OPConsultation": true, "ImmunizationRecord": true, "HealthDocumentRecord": true,
	"WellnessRecord": true, "Observation": true, "Condition": true,
	"Procedure": true, "MedicationRequest": true, "AllergyIntolerance": true,
}

// ValidHIType reports membership in the closed HI type enumeration.
func ValidHIType(t string) bool { return hiTypes[t] }

// SubsetOf reports whether every element of sub is in super.
func SubsetOf(sub, super []string) bool {
	set := make(map[string]bool, len(super))
	for _, s := range super {
		set[s] = true
	}
	for _, s := range sub {
		if !set[s] {
			return false
		}
	}
	return true
}

// IsTerminal reports whether a request status admits no further transitions
// (ERROR with a recoverable marker may still be re-submitted).
func IsTerminal(status string) bool {
	switch status {
	case StatusDenied, StatusExpired, StatusRevoked, StatusError:
		return true
	}
	return false
}

// ConsentRequest maps to the consent_requests table.
type ConsentRequest struct {
	ID            uuid.UUID  `db:"id" json:"id"`
	PatientID     uuid.UUID  `db:"patient_id" json:"patientId"`
	PatientAbhaID string     `db:"patient_abha_id" json:"patientAbhaId"`
	RequesterID   string     `db:"requester_id" json:"requesterId"`
	PurposeCode   string     `db:"purpose_code" json:"purposeCode"`
	PurposeText   string     `db:"purpose_text" json:"purposeText"`
	HITypes       []string   `db:"hi_types" json:"hiTypes"`
	DateRangeFrom time.Time  `db:"date_range_from" json:"dateRangeFrom"`
	DateRangeTo   time.Time  `db:"date_range_to" json:"dateRangeTo"`
	ExpiresAt     time.Time  `db:"expires_at" json:"expiresAt"`
	HIPs          []string   `db:"hips" json:"hips,omitempty"`
	ABDMRequestID *string    `db:"abdm_request_id" json:"abdmRequestId,omitempty"`
	Status        string     `db:"status" json:"status"`
	// ErrorReason and ErrorRecoverable are set only in status ERROR. A
	// recoverable ERROR may be re-submitted; a fatal one is terminal.
	ErrorReason      *string   `db:"error_reason" json:"errorReason,omitempty"`
	ErrorRecoverable bool      `db:"error_recoverable" json:"errorRecoverable,omitempty"`
	CreatedAt        time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt        time.Time `db:"updated_at" json:"updatedAt"`
}

// ConsentArtifact maps to the consent_artifacts table: the signed permission
// returned by the Consent Manager on GRANT.
type ConsentArtifact struct {
	ID               uuid.UUID `db:"id" json:"id"`
	ConsentRequestID uuid.UUID `db:"consent_request_id" json:"consentRequestId"`
	ABDMArtifactID   string    `db:"abdm_artifact_id" json:"abdmArtifactId"`
	AccessMode       string    `db:"access_mode" json:"accessMode"`
	HITypes          []string  `db:"hi_types" json:"hiTypes"`
	DateRangeFrom    time.Time `db:"date_range_from" json:"dateRangeFrom"`
	DateRangeTo      time.Time `db:"date_range_to" json:"dateRangeTo"`
	DataEraseAt      time.Time `db:"data_erase_at" json:"dataEraseAt"`
	// SignedPayload is the opaque CM-signed blob retained for audit;
	// KeyMaterial is the key-exchange input for HI bundle decryption.
	SignedPayload []byte    `db:"signed_payload" json:"-"`
	KeyMaterial   []byte    `db:"key_material" json:"-"`
	GrantedAt     time.Time `db:"granted_at" json:"grantedAt"`
	ExpiresAt     time.Time `db:"expires_at" json:"expiresAt"`
	Status        string    `db:"status" json:"status"`
}

// CallbackArtifact is the artifact section of a consent callback payload.
type CallbackArtifact struct {
	ABDMArtifactID string   `json:"abdmArtifactId"`
	AccessMode     string   `json:"accessMode"`
	HITypes        []string `json:"hiTypes"`
	DateRangeFrom  string   `json:"dateRangeFrom"`
	DateRangeTo    string   `json:"dateRangeTo"`
	DataEraseAt    string   `json:"dataEraseAt"`
	ExpiresAt      string   `json:"expiresAt"`
	GrantedAt      string   `json:"grantedAt"`
	SignedPayload  []byte   `json:"signedPayload"`
	KeyMaterial    []byte   `json:"keyMaterial"`
	Signature      string   `json:"signature"`
}

// Callback is the consent notification payload delivered by the gateway.
type Callback struct {
	ABDMRequestID string            `json:"abdmRequestId"`
	Event         string            `json:"event"`
	Artifact      *CallbackArtifact `json:"artifact,omitempty"`
	At            time.Time         `json:"at"`
	Seq           int               `json:"seq"`
}

// ActiveConsent pairs a GRANTED request with its live artifact, so listings
// expose the granted scope and expiry alongside the request.
type ActiveConsent struct {
	Request  *ConsentRequest  `json:"request"`
	Artifact *ConsentArtifact `json:"artifact"`
}

// Status is the consolidated answer for GetConsentStatus.
type Status struct {
	Request   *ConsentRequest  `json:"request"`
	Artifact  *ConsentArtifact `json:"artifact,omitempty"`
	LastEvent string           `json:"lastEvent,omitempty"`
}
