package risk

import (
	"net/http"
	"strings"
	"time"
)

// RequestMeta is the validated view of an inbound request that the
// evaluator scores.
type RequestMeta struct {
	Method     string
	Path       string
	UserAgent  string
	Headers    http.Header
	SourceAddr string
	At         time.Time

	// KnownBad is set when the source address is on the reputation feed.
	KnownBad bool
}

// NewRequestMeta copies the fields the evaluator needs out of r. Headers are
// cloned so the evaluator never observes later mutation by handlers.
func NewRequestMeta(r *http.Request, at time.Time) RequestMeta {
	path := r.URL.Path
	if path == "" {
		path = "/"
	}
	return RequestMeta{
		Method:    strings.ToUpper(r.Method),
		Path:      path,
		UserAgent: strings.TrimSpace(r.Header.Get("User-Agent")),
		Headers:   r.Header.Clone(),
		At:        at,
	}
}
