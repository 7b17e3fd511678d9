package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// HeaderReviewSignature carries the review service's HMAC over the raw
// webhook body.
const HeaderReviewSignature = "X-Review-Signature"

func ComputeWebhookSignature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// ValidateWebhookSignature checks the signature over the raw body. An
// empty secret disables verification (development setups).
func ValidateWebhookSignature(secret, signature string, body []byte) bool {
	if secret == "" {
		return true
	}
	expected := ComputeWebhookSignature(secret, body)
	return hmac.Equal([]byte(signature), []byte(expected))
}
