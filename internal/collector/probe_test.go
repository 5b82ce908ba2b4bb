package collector

import (
	"context"
	"testing"
	"time"
)

func TestViewportProbeEdgeTriggered(t *testing.T) {
	v := Viewport{OuterWidth: 1920, InnerWidth: 1920, OuterHeight: 1080, InnerHeight: 1000}
	p := &ViewportProbe{Source: func() Viewport { return v }}

	if p.Check(context.Background()) {
		t.Fatal("normal window should not report")
	}

	v.InnerWidth = 1400 // docked panel
	if !p.Check(context.Background()) {
		t.Fatal("docked panel should report")
	}
	if p.Check(context.Background()) {
		t.Error("still open: must not report again")
	}

	v.InnerWidth = 1920
	p.Check(context.Background())
	v.InnerHeight = 700
	if !p.Check(context.Background()) {
		t.Error("reopened after closing should report again")
	}
}

func TestViewportProbeThresholdBoundary(t *testing.T) {
	v := Viewport{OuterWidth: 1000, InnerWidth: 840, OuterHeight: 800, InnerHeight: 800}
	p := &ViewportProbe{Source: func() Viewport { return v }}
	if p.Check(context.Background()) {
		t.Error("delta equal to the threshold should not report")
	}
	v.InnerWidth = 839
	if !p.Check(context.Background()) {
		t.Error("delta one over the threshold should report")
	}
}

func TestViewportProbeNeedsConfirmation(t *testing.T) {
	samples := []Viewport{
		{OuterWidth: 1920, InnerWidth: 1000},
		{OuterWidth: 1920, InnerWidth: 1920}, // resize settled
	}
	i := 0
	p := &ViewportProbe{
		Source: func() Viewport {
			v := samples[i%len(samples)]
			i++
			return v
		},
		ConfirmDelay: time.Millisecond,
	}
	if p.Check(context.Background()) {
		t.Error("unconfirmed sample should not report")
	}
}

func TestViewportProbeCancelledDuringConfirm(t *testing.T) {
	p := &ViewportProbe{
		Source:       func() Viewport { return Viewport{OuterWidth: 1920, InnerWidth: 1000} },
		ConfirmDelay: time.Hour,
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if p.Check(ctx) {
		t.Error("cancelled check should not report")
	}
}

func TestTimingProbe(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	var cost time.Duration
	p := &TimingProbe{
		Op:  func() { now = now.Add(cost) },
		Now: func() time.Time { return now },
	}

	cost = time.Millisecond
	if p.Check(context.Background()) {
		t.Fatal("fast op should not report")
	}
	cost = 250 * time.Millisecond
	if !p.Check(context.Background()) {
		t.Fatal("slow op should report")
	}
	if p.Check(context.Background()) {
		t.Error("still slow: must not report again")
	}
	cost = 0
	p.Check(context.Background())
	cost = time.Second
	if !p.Check(context.Background()) {
		t.Error("slow again after recovering should report")
	}
}

func TestIsDevToolsShortcut(t *testing.T) {
	cases := []struct {
		name string
		e    KeyEvent
		want bool
	}{
		{"F12", KeyEvent{Key: "F12"}, true},
		{"ctrl shift i", KeyEvent{Key: "i", Ctrl: true, Shift: true}, true},
		{"ctrl shift J", KeyEvent{Key: "J", Ctrl: true, Shift: true}, true},
		{"ctrl shift c", KeyEvent{Key: "c", Ctrl: true, Shift: true}, true},
		{"ctrl alt i", KeyEvent{Key: "I", Ctrl: true, Alt: true}, true},
		{"alt shift i", KeyEvent{Key: "i", Alt: true, Shift: true}, true},
		{"shift F7", KeyEvent{Key: "F7", Shift: true}, true},
		{"cmd alt j", KeyEvent{Key: "j", Meta: true, Alt: true}, true},
		{"ctrl c copy", KeyEvent{Key: "c", Ctrl: true}, false},
		{"plain i", KeyEvent{Key: "i"}, false},
		{"F7 alone", KeyEvent{Key: "F7"}, false},
		{"ctrl shift k", KeyEvent{Key: "k", Ctrl: true, Shift: true}, false},
	}
	for _, c := range cases {
		if got := IsDevToolsShortcut(c.e); got != c.want {
			t.Errorf("%s: got %v, want %v", c.name, got, c.want)
		}
	}
}
