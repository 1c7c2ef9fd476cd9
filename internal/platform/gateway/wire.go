package gateway

// Outbound wire shapes for the ABDM gateway. The live gateway contract is
// not finalized; every field name that crosses the wire lives in this file
// so a conformance change touches nothing else.

// ConsentInitRequest is the Consent-Init payload (POST /consent-requests/init).
type ConsentInitRequest struct {
	RequestID   string   `json:"requestId"`
	PatientAbha string   `json:"patientAbhaId"`
	Purpose     Purpose  `json:"purpose"`
	HITypes     []string `json:"hiTypes"`
	Permission  Window   `json:"permission"`
	HIPs        []string `json:"hips,omitempty"`
	CallbackURL string   `json:"callbackUrl"`
}

// Purpose describes why the data is being requested.
type Purpose struct {
	Code string `json:"code"`
	Text string `json:"text"`
}

// Window is a requested access window.
type Window struct {
	DateRangeFrom string `json:"dateRangeFrom"`
	DateRangeTo   string `json:"dateRangeTo"`
	ExpiresAt     string `json:"expiresAt"`
}

// ConsentInitResponse carries the gateway-assigned request id.
type ConsentInitResponse struct {
	ABDMRequestID string `json:"abdmRequestId"`
}

// HIRequest is the health-information request payload
// (POST /health-information/cm/request).
type HIRequest struct {
	RequestID     string   `json:"requestId"`
	ConsentID     string   `json:"consentArtifactId"`
	HITypes       []string `json:"hiTypes"`
	DateRangeFrom string   `json:"dateRangeFrom"`
	DateRangeTo   string   `json:"dateRangeTo"`
	CallbackURL   string   `json:"callbackUrl"`
}

// HIRequestResponse carries the gateway-assigned request id.
type HIRequestResponse struct {
	ABDMRequestID string `json:"abdmRequestId"`
}

// Paths on the gateway base URL.
const (
	PathConsentInit = "/consent-requests/init"
	PathHIRequest   = "/health-information/cm/request"
)
