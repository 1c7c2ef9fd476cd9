package consent

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"

	"github.com/abdm-hiu/abdm-core/internal/platform/apperr"
)

// SignatureVerifier checks the Consent Manager's signature over an
// artifact's signed payload. The gateway sandbox signs with a shared
// secret; production deployments swap in a certificate-based verifier.
type SignatureVerifier interface {
	Verify(signedPayload []byte, signature string) error
}

type hmacVerifier struct{ secret []byte }

// NewHMACVerifier verifies artifact signatures as hex HMAC-SHA256 over the
// signed payload.
func NewHMACVerifier(secret string) SignatureVerifier {
	return &hmacVerifier{secret: []byte(secret)}
}

func (v *hmacVerifier) Verify(signedPayload []byte, signature string) error {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write(signedPayload)
	want := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(want), []byte(signature)) {
		return apperr.New(apperr.KindValidation, "artifact signature mismatch")
	}
	return nil
}
