package policy

import (
	"net/http"
	"strings"
)

const redactedValue = "<redacted>"

// SanitizeHeaders copies h with the configured sensitive names and any
// secret-derived names replaced, ready for attempt persistence.
func (e *Enforcer) SanitizeHeaders(h http.Header, secretDerived []string) http.Header {
	if h == nil {
		return nil
	}
	out := make(http.Header, len(h))
	for name, values := range h {
		out[name] = append([]string(nil), values...)
	}
	for _, name := range e.cfg.RedactHeaders {
		redact(out, name)
	}
	for _, name := range secretDerived {
		redact(out, name)
	}
	return out
}

func redact(h http.Header, name string) {
	for key := range h {
		if strings.EqualFold(key, name) {
			h[key] = []string{redactedValue}
		}
	}
}

// TruncateBody caps a recorded body at the policy limit, reporting whether
// bytes were dropped.
func (e *Enforcer) TruncateBody(body []byte) ([]byte, bool) {
	if int64(len(body)) <= e.cfg.MaxBodyBytes {
		return body, false
	}
	return body[:e.cfg.MaxBodyBytes], true
}

// RedactBody replaces a body that is known to carry secret material.
func RedactBody() []byte {
	return []byte("<body-redacted:contains-secrets>")
}
