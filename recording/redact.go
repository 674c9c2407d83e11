package recording

import (
	"math"
	"net/url"
	"strings"
)

// Redacted replaces secret values everywhere. The original value is gone
// for good — recordings outlive tasks and must never hold credentials.
const Redacted = "[REDACTED]"

// secretHeaders are request headers whose values are always redacted.
var secretHeaders = map[string]bool{
	"authorization":       true,
	"cookie":              true,
	"set-cookie":          true,
	"proxy-authorization": true,
	"x-api-key":           true,
	"x-auth-token":        true,
	"x-csrf-token":        true,
	"x-xsrf-token":        true,
}

// secretParamHints are query/body key substrings that mark a value as a
// credential regardless of its entropy.
var secretParamHints = []string{
	"token", "secret", "password", "passwd", "apikey", "api_key",
	"auth", "session", "signature", "sig",
}

func redactHeaders(h map[string]string) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for name, value := range h {
		lower := strings.ToLower(name)
		if secretHeaders[lower] || looksSecret(lower, value) {
			out[lower] = Redacted
			continue
		}
		out[lower] = value
	}
	return out
}

// RedactURL redacts secret-shaped query values while preserving the key
// set — the ranker needs query keys for endpoint identity, never values.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	changed := false
	for key, values := range q {
		for i, v := range values {
			if looksSecret(strings.ToLower(key), v) {
				values[i] = Redacted
				changed = true
			}
		}
		q[key] = values
	}
	if changed {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// Scrub redacts secret-shaped substrings from free text (error messages,
// log lines) before they are logged, persisted, or returned.
func Scrub(s string) string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\n' || r == '"' || r == '\''
	})
	for _, f := range fields {
		if isHighEntropy(f) {
			s = strings.ReplaceAll(s, f, Redacted)
		}
	}
	return s
}

// looksSecret reports whether a key/value pair is credential-shaped:
// either the key carries a secret hint or the value is a long
// high-entropy token.
func looksSecret(lowerKey, value string) bool {
	for _, hint := range secretParamHints {
		if strings.Contains(lowerKey, hint) {
			return true
		}
	}
	return isHighEntropy(value)
}

// entropy thresholds for token detection. Values shorter than the length
// floor are never flagged; above it, Shannon entropy per byte decides.
const (
	entropyMinLen  = 20
	entropyPerByte = 4.0
)

func isHighEntropy(s string) bool {
	if len(s) < entropyMinLen {
		return false
	}
	// Only consider token-shaped strings; prose has spaces.
	if strings.ContainsAny(s, " \t\n") {
		return false
	}
	var freq [256]int
	for i := 0; i < len(s); i++ {
		freq[s[i]]++
	}
	var h float64
	n := float64(len(s))
	for _, c := range freq {
		if c == 0 {
			continue
		}
		p := float64(c) / n
		h -= p * math.Log2(p)
	}
	return h >= entropyPerByte
}
