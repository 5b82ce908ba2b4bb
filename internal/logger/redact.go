package logger

import (
	"io"
	"regexp"
)

// RedactWriter wraps an io.Writer and masks sensitive values before writing.
// It redacts session tokens, admin and LAPI keys, Redis passwords and Bearer
// credentials from log lines.
type RedactWriter struct {
	w          io.Writer
	patterns   []*regexp.Regexp
	redactWith string
}

var defaultPatterns = []*regexp.Regexp{
	// Session tokens: "token":"<hex>" or token=<hex>
	regexp.MustCompile(`(?i)((?:security_)?token["'\s:=]+)[A-Fa-f0-9]{16,}`),
	// Admin API key
	regexp.MustCompile(`(?i)(admin[_-]?api[_-]?key["'\s:=]+)\S+`),
	regexp.MustCompile(`(?i)(X-Api-Key["'\s:=]+)\S+`),
	// Passwords, including REDIS_PASSWORD
	regexp.MustCompile(`(?i)(password["'\s:=]+)\S+`),
	// Bearer tokens in Authorization headers
	regexp.MustCompile(`(?i)(Bearer\s+)[A-Za-z0-9\-_\.]+`),
	// CrowdSec LAPI key
	regexp.MustCompile(`(?i)(lapi[_-]?key["'\s:=]+)\S+`),
}

// NewRedactWriter returns a RedactWriter that applies all default sensitive patterns.
func NewRedactWriter(w io.Writer) *RedactWriter {
	return &RedactWriter{
		w:          w,
		patterns:   defaultPatterns,
		redactWith: "[REDACTED]",
	}
}

// Write applies all redaction patterns before forwarding to the underlying writer.
func (r *RedactWriter) Write(p []byte) (int, error) {
	sanitized := p
	replacement := []byte("${1}" + r.redactWith)
	for _, re := range r.patterns {
		sanitized = re.ReplaceAll(sanitized, replacement)
	}
	n, err := r.w.Write(sanitized)
	if n > len(sanitized) {
		n = len(sanitized)
	}
	if err != nil {
		return n, err
	}
	// Report the original length so callers don't see short writes
	// when redaction changed the byte count.
	return len(p), nil
}
