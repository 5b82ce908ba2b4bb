package risk

import (
	"fmt"
	"time"
)

// MissingHeaderMode controls how the missing-header check contributes.
type MissingHeaderMode string

const (
	// MissingHeadersCombined counts only when another check also fired.
	MissingHeadersCombined MissingHeaderMode = "combined"
	// MissingHeadersAlone always counts.
	MissingHeadersAlone MissingHeaderMode = "alone"
	// MissingHeadersLog reports the check but never adds to the score.
	MissingHeadersLog MissingHeaderMode = "log"
)

// ParseMissingHeaderMode validates a mode string.
func ParseMissingHeaderMode(s string) (MissingHeaderMode, error) {
	switch m := MissingHeaderMode(s); m {
	case MissingHeadersCombined, MissingHeadersAlone, MissingHeadersLog:
		return m, nil
	case "":
		return MissingHeadersCombined, nil
	}
	return "", fmt.Errorf("unknown missing-header mode %q", s)
}

// Policy holds every weight and threshold the evaluator uses.
type Policy struct {
	Threshold int

	RateLimit   int
	RateWindow  time.Duration
	RatePenalty int

	BreadthMinPaths int
	BreadthMinRate  int // requests per minute
	BreadthPenalty  int

	ChurnPenalty int

	RegularityMinSamples  int
	RegularityMaxSamples  int
	RegularityTolerance   float64
	RegularityMinMean     time.Duration // runs averaging faster than this are bursts
	RegularityFraction    float64
	RegularityMaxInterval time.Duration
	RegularityPenalty     int

	DenylistPenalty int

	RequiredHeaders      []string
	MissingHeaderMode    MissingHeaderMode
	MissingHeaderPenalty int

	ReputationPenalty int

	// SignalAttemptPenalty is added per reported devtools shortcut.
	SignalAttemptPenalty int
}

// DefaultPolicy returns the stock weights.
func DefaultPolicy() Policy {
	return Policy{
		Threshold: 70,

		RateLimit:   120,
		RateWindow:  time.Minute,
		RatePenalty: 100,

		BreadthMinPaths: 25,
		BreadthMinRate:  60,
		BreadthPenalty:  40,

		ChurnPenalty: 15,

		RegularityMinSamples:  10,
		RegularityMaxSamples:  20,
		RegularityTolerance:   0.10,
		RegularityMinMean:     50 * time.Millisecond,
		RegularityFraction:    0.80,
		RegularityMaxInterval: 10 * time.Second,
		RegularityPenalty:     30,

		DenylistPenalty: 100,

		RequiredHeaders:      []string{"Accept", "Accept-Language"},
		MissingHeaderMode:    MissingHeadersCombined,
		MissingHeaderPenalty: 25,

		ReputationPenalty: 50,

		SignalAttemptPenalty: 20,
	}
}
