package webhook

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"
)

// ReplayWindow bounds how far an email-style callback's timestamp may
// drift from the validator's clock, in either direction.
const ReplayWindow = 600 * time.Second

// SendGridValidator verifies SendGrid-style event webhook signatures.
//
// SendGrid signs timestamp || rawBody with an ECDSA P-256 key over
// SHA-256 and delivers the ASN.1 signature base64-encoded alongside a
// unix-seconds timestamp header. Signatures older or newer than
// ReplayWindow are rejected regardless of validity.
type SendGridValidator struct {
	// PublicKey is the provider's verification key.
	PublicKey *ecdsa.PublicKey

	// Now supplies the clock for the replay-window check.
	// Defaults to time.Now.
	Now func() time.Time
}

// ParsePublicKey decodes a base64 DER-encoded ECDSA public key, the
// format the provider hands out in its console.
func ParsePublicKey(encoded string) (*ecdsa.PublicKey, error) {
	der, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("webhook: decode public key: %w", err)
	}
	key, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("webhook: parse public key: %w", err)
	}
	ecKey, ok := key.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("webhook: public key is %T, want *ecdsa.PublicKey", key)
	}
	return ecKey, nil
}

// Validate reports whether the claimed signature matches the payload
// and the timestamp falls inside the replay window.
func (v SendGridValidator) Validate(signature, timestamp, body string) bool {
	if v.PublicKey == nil || signature == "" || timestamp == "" {
		return false
	}

	seconds, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}

	now := time.Now()
	if v.Now != nil {
		now = v.Now()
	}
	skew := now.Sub(time.Unix(seconds, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > ReplayWindow {
		return false
	}

	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}

	digest := sha256.Sum256([]byte(timestamp + body))
	return ecdsa.VerifyASN1(v.PublicKey, digest[:], sig)
}
