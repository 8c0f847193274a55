// Package webhook verifies that inbound provider callbacks genuinely
// originate from the claimed provider before they are allowed to touch
// engine state. Validators are pure functions of the claimed signature,
// the raw payload, and the shared secret or public key. They never
// return an error: any malformed input is a validation failure (fail
// closed).
package webhook

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"sort"
	"strings"
)

// TwilioValidator verifies Twilio-style webhook signatures.
//
// Twilio signs the full request URL concatenated with every POST
// parameter key and value, keys sorted lexicographically, no
// separators, using HMAC-SHA1 keyed with the account's auth token.
// The X-Twilio-Signature header carries the base64-encoded digest.
type TwilioValidator struct {
	// AuthToken is the shared secret for the account.
	AuthToken string
}

// Validate reports whether the claimed signature matches the request.
// requestURL must be the exact URL Twilio delivered to, including
// scheme, host, path, and query string.
func (v TwilioValidator) Validate(requestURL string, params map[string]string, signature string) bool {
	if v.AuthToken == "" || signature == "" || requestURL == "" {
		return false
	}

	claimed, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var canonical strings.Builder
	canonical.WriteString(requestURL)
	for _, k := range keys {
		canonical.WriteString(k)
		canonical.WriteString(params[k])
	}

	mac := hmac.New(sha1.New, []byte(v.AuthToken))
	mac.Write([]byte(canonical.String()))

	// hmac.Equal is constant-time; never short-circuit the comparison.
	return hmac.Equal(mac.Sum(nil), claimed)
}
