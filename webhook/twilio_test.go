package webhook

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"sort"
	"testing"
)

// signTwilio computes the provider-side signature for a request, used to
// build known-good inputs.
func signTwilio(authToken, requestURL string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	canonical := requestURL
	for _, k := range keys {
		canonical += k + params[k]
	}

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(canonical))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestTwilioValidator_Validate_DocumentedVector(t *testing.T) {
	// The signing example from Twilio's security documentation.
	v := TwilioValidator{AuthToken: "12345"}
	url := "https://mycompany.com/myapp.php?foo=1&bar=2"
	params := map[string]string{
		"CallSid": "CA1234567890ABCDE",
		"Caller":  "+14158675310",
		"Digits":  "1234",
		"From":    "+14158675310",
		"To":      "+18005551212",
	}

	if !v.Validate(url, params, "RSOYDt4T1cUTdK1PDd93/VVr8B8=") {
		t.Error("Validate() = false for the documented signing vector, want true")
	}
}

func TestTwilioValidator_Validate(t *testing.T) {
	const token = "test-auth-token"
	url := "https://example.com/webhooks/sms"
	params := map[string]string{
		"From": "+15551230000",
		"To":   "+15559990000",
		"Body": "YES",
	}
	good := signTwilio(token, url, params)

	tests := []struct {
		name      string
		token     string
		url       string
		params    map[string]string
		signature string
		want      bool
	}{
		{
			name:      "valid signature",
			token:     token,
			url:       url,
			params:    params,
			signature: good,
			want:      true,
		},
		{
			name:      "valid signature with no params",
			token:     token,
			url:       url,
			params:    nil,
			signature: signTwilio(token, url, nil),
			want:      true,
		},
		{
			name:      "tampered signature",
			token:     token,
			url:       url,
			params:    params,
			signature: flipFirstChar(good),
			want:      false,
		},
		{
			name:  "tampered body parameter",
			token: token,
			url:   url,
			params: map[string]string{
				"From": "+15551230000",
				"To":   "+15559990000",
				"Body": "NO",
			},
			signature: good,
			want:      false,
		},
		{
			name:      "tampered URL",
			token:     token,
			url:       "https://example.com/webhooks/sms?x=1",
			params:    params,
			signature: good,
			want:      false,
		},
		{
			name:      "wrong auth token",
			token:     "other-token",
			url:       url,
			params:    params,
			signature: good,
			want:      false,
		},
		{
			name:      "empty auth token fails closed",
			token:     "",
			url:       url,
			params:    params,
			signature: good,
			want:      false,
		},
		{
			name:      "empty signature fails closed",
			token:     token,
			url:       url,
			params:    params,
			signature: "",
			want:      false,
		},
		{
			name:      "empty URL fails closed",
			token:     token,
			url:       "",
			params:    params,
			signature: good,
			want:      false,
		},
		{
			name:      "signature not base64 fails closed",
			token:     token,
			url:       url,
			params:    params,
			signature: "not base64!!!",
			want:      false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := TwilioValidator{AuthToken: tt.token}
			got := v.Validate(tt.url, tt.params, tt.signature)
			if got != tt.want {
				t.Errorf("Validate() = %v, want %v", got, tt.want)
			}
		})
	}
}

// flipFirstChar corrupts a base64 signature while keeping it decodable.
func flipFirstChar(s string) string {
	b := []byte(s)
	if b[0] == 'A' {
		b[0] = 'B'
	} else {
		b[0] = 'A'
	}
	return string(b)
}
