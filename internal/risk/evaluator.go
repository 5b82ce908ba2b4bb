// Package risk scores inbound requests against a session's history.
package risk

import (
	"math"
	"strings"
	"time"

	"github.com/developingchet/streamguard/internal/session"
)

// Check names, also used as metric labels and block reasons.
const (
	CheckRate           = "rate"
	CheckBreadth        = "breadth"
	CheckChurn          = "ua_churn"
	CheckRegularity     = "regularity"
	CheckDenylist       = "ua_denylist"
	CheckMissingHeaders = "missing_headers"
	CheckReputation     = "reputation"
)

// Hit is one check that fired. Points may be zero when the check is
// report-only under the current policy.
type Hit struct {
	Check  string `json:"check"`
	Points int    `json:"points"`
	Detail string `json:"detail,omitempty"`
}

// Verdict is the evaluator's proposal for one request.
type Verdict struct {
	Delta  int
	Block  bool
	Hits   []Hit
	Reason string
}

// Fired reports whether the named check fired.
func (v Verdict) Fired(check string) bool {
	for _, h := range v.Hits {
		if h.Check == check {
			return true
		}
	}
	return false
}

// Evaluator scores requests. It reads the record it is given and never
// writes to the store.
type Evaluator struct {
	policy   Policy
	denylist *Denylist
}

// NewEvaluator returns an Evaluator. A nil denylist uses the built-ins only.
func NewEvaluator(p Policy, d *Denylist) *Evaluator {
	if d == nil {
		d = NewDenylist(nil)
	}
	return &Evaluator{policy: p, denylist: d}
}

// Policy returns the evaluator's policy.
func (e *Evaluator) Policy() Policy { return e.policy }

// Evaluate scores req against rec. rec must already include the hit for req
// and still carry the User-Agent seen before req. Every check runs; the
// total for this request decides the block.
func (e *Evaluator) Evaluate(rec session.Record, req RequestMeta) Verdict {
	var hits []Hit
	add := func(h Hit, ok bool) {
		if ok {
			hits = append(hits, h)
		}
	}

	window := windowHits(rec.Hits, req.At, e.policy.RateWindow)

	add(e.rate(window))
	add(e.breadth(window))
	add(e.churn(rec, req))
	add(e.regularity(rec.Hits, req.At))
	add(e.uaDenylist(req))
	add(e.reputation(req))

	if h, ok := e.missingHeaders(req); ok {
		switch e.policy.MissingHeaderMode {
		case MissingHeadersAlone:
		case MissingHeadersLog:
			h.Points = 0
		default:
			if sumPoints(hits) == 0 {
				h.Points = 0
			}
		}
		hits = append(hits, h)
	}

	v := Verdict{Hits: hits, Delta: sumPoints(hits)}
	v.Block = v.Delta >= e.policy.Threshold
	v.Reason = topCheck(hits)
	return v
}

func sumPoints(hits []Hit) int {
	n := 0
	for _, h := range hits {
		n += h.Points
	}
	return n
}

// topCheck names the highest-scoring hit; ties go to evaluation order.
func topCheck(hits []Hit) string {
	best, reason := 0, ""
	for _, h := range hits {
		if h.Points > best {
			best, reason = h.Points, h.Check
		}
	}
	return reason
}

// windowHits returns the hits inside (now-window, now]. Hits are normally in
// arrival order but instances sharing a store may interleave slightly, so
// every hit is checked.
func windowHits(all []session.Hit, now time.Time, window time.Duration) []session.Hit {
	cutoff := now.Add(-window)
	out := make([]session.Hit, 0, len(all))
	for _, h := range all {
		if h.At.After(cutoff) && !h.At.After(now) {
			out = append(out, h)
		}
	}
	return out
}

func (e *Evaluator) rate(window []session.Hit) (Hit, bool) {
	if e.policy.RateLimit <= 0 || len(window) <= e.policy.RateLimit {
		return Hit{}, false
	}
	return Hit{Check: CheckRate, Points: e.policy.RatePenalty}, true
}

func (e *Evaluator) breadth(window []session.Hit) (Hit, bool) {
	if e.policy.BreadthMinPaths <= 0 || len(window) < e.policy.BreadthMinPaths {
		return Hit{}, false
	}
	minutes := e.policy.RateWindow.Minutes()
	if minutes <= 0 {
		minutes = 1
	}
	perMinute := float64(len(window)) / minutes
	if perMinute < float64(e.policy.BreadthMinRate) {
		return Hit{}, false
	}
	paths := make(map[string]struct{}, len(window))
	for _, h := range window {
		paths[h.Path] = struct{}{}
	}
	if len(paths) < e.policy.BreadthMinPaths {
		return Hit{}, false
	}
	return Hit{Check: CheckBreadth, Points: e.policy.BreadthPenalty}, true
}

func (e *Evaluator) churn(rec session.Record, req RequestMeta) (Hit, bool) {
	if rec.LastUserAgent == "" || req.UserAgent == "" || rec.LastUserAgent == req.UserAgent {
		return Hit{}, false
	}
	return Hit{Check: CheckChurn, Points: e.policy.ChurnPenalty}, true
}

// regularity looks at the most recent inter-arrival intervals. Gaps longer
// than RegularityMaxInterval end the run so idle periods are not compared
// against bursts. It fires when enough intervals sit within tolerance of
// their mean. Runs whose mean is under RegularityMinMean are page-load
// bursts, not pacing, and never fire.
func (e *Evaluator) regularity(all []session.Hit, now time.Time) (Hit, bool) {
	p := e.policy
	if p.RegularityMinSamples < 2 || len(all) < p.RegularityMinSamples+1 {
		return Hit{}, false
	}
	maxSamples := p.RegularityMaxSamples
	if maxSamples < p.RegularityMinSamples {
		maxSamples = p.RegularityMinSamples
	}

	intervals := make([]float64, 0, maxSamples)
	for i := len(all) - 1; i > 0 && len(intervals) < maxSamples; i-- {
		if all[i].At.After(now) {
			continue
		}
		d := all[i].At.Sub(all[i-1].At)
		if d < 0 || (p.RegularityMaxInterval > 0 && d > p.RegularityMaxInterval) {
			break
		}
		intervals = append(intervals, float64(d))
	}
	if len(intervals) < p.RegularityMinSamples {
		return Hit{}, false
	}

	var mean float64
	for _, d := range intervals {
		mean += d
	}
	mean /= float64(len(intervals))
	if mean < float64(p.RegularityMinMean) {
		return Hit{}, false
	}
	slack := mean * p.RegularityTolerance

	clustered := 0
	for _, d := range intervals {
		if math.Abs(d-mean) <= slack {
			clustered++
		}
	}
	if float64(clustered)/float64(len(intervals)) < p.RegularityFraction {
		return Hit{}, false
	}
	return Hit{
		Check:  CheckRegularity,
		Points: p.RegularityPenalty,
		Detail: time.Duration(mean).Round(time.Millisecond).String(),
	}, true
}

func (e *Evaluator) uaDenylist(req RequestMeta) (Hit, bool) {
	sig, ok := e.denylist.Match(req.UserAgent)
	if !ok {
		return Hit{}, false
	}
	return Hit{Check: CheckDenylist, Points: e.policy.DenylistPenalty, Detail: sig}, true
}

func (e *Evaluator) missingHeaders(req RequestMeta) (Hit, bool) {
	var missing []string
	if req.UserAgent == "" {
		missing = append(missing, "User-Agent")
	}
	for _, h := range e.policy.RequiredHeaders {
		if req.Headers.Get(h) == "" {
			missing = append(missing, h)
		}
	}
	if len(missing) == 0 {
		return Hit{}, false
	}
	return Hit{Check: CheckMissingHeaders, Points: e.policy.MissingHeaderPenalty, Detail: strings.Join(missing, ",")}, true
}

func (e *Evaluator) reputation(req RequestMeta) (Hit, bool) {
	if !req.KnownBad {
		return Hit{}, false
	}
	return Hit{Check: CheckReputation, Points: e.policy.ReputationPenalty}, true
}
