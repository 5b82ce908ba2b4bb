// Package collector is the client half of signal collection: probes that
// notice an open developer console, a key-shortcut guard, and a client that
// reports what they find to the gate.
package collector

import (
	"context"
	"sync"
	"time"
)

// Probe is one detection method. Check reports true only on the transition
// from not-detected to detected, so a probe that keeps seeing the same
// condition does not report again.
type Probe interface {
	Name() string
	Check(ctx context.Context) bool
}

// Viewport is a window size sample.
type Viewport struct {
	OuterWidth, InnerWidth   int
	OuterHeight, InnerHeight int
}

// exceeds reports whether either outer-inner delta is larger than threshold.
func (v Viewport) exceeds(threshold int) bool {
	return v.OuterWidth-v.InnerWidth > threshold || v.OuterHeight-v.InnerHeight > threshold
}

// DefaultViewportThreshold is the outer-inner delta in pixels that suggests
// a docked developer panel.
const DefaultViewportThreshold = 160

// ViewportProbe flags a docked developer panel from the window geometry. A
// sample over the threshold is confirmed by a second sample ConfirmDelay
// later so a transient resize does not report.
type ViewportProbe struct {
	Source       func() Viewport
	Threshold    int
	ConfirmDelay time.Duration

	mu   sync.Mutex
	open bool
}

func (p *ViewportProbe) Name() string { return "viewport" }

func (p *ViewportProbe) Check(ctx context.Context) bool {
	threshold := p.Threshold
	if threshold <= 0 {
		threshold = DefaultViewportThreshold
	}
	if !p.Source().exceeds(threshold) {
		p.set(false)
		return false
	}
	if p.ConfirmDelay > 0 {
		t := time.NewTimer(p.ConfirmDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return false
		case <-t.C:
		}
	}
	if !p.Source().exceeds(threshold) {
		return false
	}
	return p.set(true)
}

// set records the state and reports a closed-to-open edge.
func (p *ViewportProbe) set(open bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	edge := open && !p.open
	p.open = open
	return edge
}

// DefaultTimingThreshold is how long a normally instant operation may take
// before the console is assumed to be attached.
const DefaultTimingThreshold = 100 * time.Millisecond

// TimingProbe flags when Op, normally near instant, runs slower than
// Threshold. An attached console makes logging and breakpoints slow.
type TimingProbe struct {
	Op        func()
	Threshold time.Duration
	Now       func() time.Time

	mu   sync.Mutex
	slow bool
}

func (p *TimingProbe) Name() string { return "timing" }

func (p *TimingProbe) Check(context.Context) bool {
	now := p.Now
	if now == nil {
		now = time.Now
	}
	threshold := p.Threshold
	if threshold <= 0 {
		threshold = DefaultTimingThreshold
	}

	start := now()
	p.Op()
	slow := now().Sub(start) > threshold

	p.mu.Lock()
	defer p.mu.Unlock()
	edge := slow && !p.slow
	p.slow = slow
	return edge
}
