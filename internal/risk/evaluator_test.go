package risk

import (
	"fmt"
	"math/rand"
	"net/http"
	"testing"
	"time"

	"github.com/developingchet/streamguard/internal/session"
)

const browserUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0 Safari/537.36"

var t0 = time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)

func browserHeaders() http.Header {
	h := http.Header{}
	h.Set("User-Agent", browserUA)
	h.Set("Accept", "application/json")
	h.Set("Accept-Language", "en-US,en;q=0.9")
	return h
}

func meta(at time.Time, path string, h http.Header) RequestMeta {
	return RequestMeta{
		Method:     "GET",
		Path:       path,
		UserAgent:  h.Get("User-Agent"),
		Headers:    h,
		SourceAddr: "203.0.113.9",
		At:         at,
	}
}

// drive replays requests through the evaluator the way the gate does:
// append the hit, evaluate, then remember the User-Agent. It returns every
// verdict in order.
func drive(e *Evaluator, reqs []RequestMeta) []Verdict {
	var rec session.Record
	out := make([]Verdict, 0, len(reqs))
	for _, r := range reqs {
		rec.AppendHit(session.Hit{At: r.At, Path: r.Path}, session.DefaultMaxHits)
		v := e.Evaluate(rec, r)
		rec.Score += v.Delta
		rec.LastUserAgent = r.UserAgent
		out = append(out, v)
	}
	return out
}

func randomSpacing(n int, seed int64, min, max time.Duration, path func(int) string) []RequestMeta {
	rng := rand.New(rand.NewSource(seed))
	at := t0
	reqs := make([]RequestMeta, 0, n)
	for i := 0; i < n; i++ {
		reqs = append(reqs, meta(at, path(i), browserHeaders()))
		at = at.Add(min + time.Duration(rng.Int63n(int64(max-min))))
	}
	return reqs
}

func samePath(int) string { return "/api/anime/trending" }

func TestRateBlocksOn121st(t *testing.T) {
	e := NewEvaluator(DefaultPolicy(), nil)
	reqs := randomSpacing(121, 42, 100*time.Millisecond, 490*time.Millisecond, samePath)
	if span := reqs[120].At.Sub(reqs[0].At); span >= time.Minute {
		t.Fatalf("fixture spans %s, want < 1m", span)
	}

	verdicts := drive(e, reqs)
	for i, v := range verdicts[:120] {
		if v.Block {
			t.Fatalf("request %d blocked early: %+v", i+1, v)
		}
		if v.Fired(CheckRate) {
			t.Fatalf("rate fired on request %d", i+1)
		}
	}
	last := verdicts[120]
	if !last.Block || !last.Fired(CheckRate) || last.Reason != CheckRate {
		t.Errorf("121st request should be blocked by rate: %+v", last)
	}
}

func TestRate119DoesNotBlock(t *testing.T) {
	e := NewEvaluator(DefaultPolicy(), nil)
	reqs := randomSpacing(119, 7, 100*time.Millisecond, 490*time.Millisecond, samePath)
	for i, v := range drive(e, reqs) {
		if v.Block || v.Fired(CheckRate) {
			t.Fatalf("request %d of 119 should not trip the rate check: %+v", i+1, v)
		}
	}
}

func TestRateWindowSlides(t *testing.T) {
	e := NewEvaluator(DefaultPolicy(), nil)
	// 200 requests at 600ms: never more than 100 inside any 60s window.
	reqs := make([]RequestMeta, 0, 200)
	for i := 0; i < 200; i++ {
		at := t0.Add(time.Duration(i)*600*time.Millisecond + time.Duration(i%3)*time.Millisecond*40)
		reqs = append(reqs, meta(at, samePath(i), browserHeaders()))
	}
	for i, v := range drive(e, reqs) {
		if v.Fired(CheckRate) {
			t.Fatalf("rate fired on request %d at ~100/min", i+1)
		}
	}
}

func TestRegularityConstantSpacing(t *testing.T) {
	e := NewEvaluator(DefaultPolicy(), nil)
	const n = 30
	reqs := make([]RequestMeta, 0, n)
	for i := 0; i < n; i++ {
		reqs = append(reqs, meta(t0.Add(time.Duration(i)*500*time.Millisecond), samePath(i), browserHeaders()))
	}
	verdicts := drive(e, reqs)
	last := verdicts[n-1]
	if !last.Fired(CheckRegularity) {
		t.Fatalf("constant 500ms spacing should fire regularity: %+v", last)
	}
	if last.Delta != DefaultPolicy().RegularityPenalty {
		t.Errorf("Delta = %d, want only the regularity penalty", last.Delta)
	}
	if last.Block {
		t.Error("regularity alone should not block")
	}
}

func TestRegularityRandomSpacing(t *testing.T) {
	e := NewEvaluator(DefaultPolicy(), nil)
	reqs := randomSpacing(30, 1234, 100*time.Millisecond, 2000*time.Millisecond, samePath)
	for i, v := range drive(e, reqs) {
		if v.Fired(CheckRegularity) {
			t.Fatalf("random spacing fired regularity on request %d", i+1)
		}
	}
}

// A page load pulls many sub-resources within a few milliseconds of each
// other. Tiny random gaps are not pacing.
func TestRegularityIgnoresJitteredBurst(t *testing.T) {
	e := NewEvaluator(DefaultPolicy(), nil)
	gaps := []int{0, 7, 1, 3, 9, 0, 2, 8, 4, 1, 6}
	at := t0
	reqs := make([]RequestMeta, 0, 60)
	for i := 0; i < 60; i++ {
		reqs = append(reqs, meta(at, fmt.Sprintf("/assets/a%d.js", i%30), browserHeaders()))
		at = at.Add(time.Duration(gaps[i%len(gaps)]) * time.Millisecond)
	}
	for i, v := range drive(e, reqs) {
		if v.Fired(CheckRegularity) {
			t.Fatalf("jittered burst fired regularity on request %d: %+v", i+1, v)
		}
		if v.Block {
			t.Fatalf("browser burst blocked on request %d: %+v", i+1, v)
		}
	}
}

func TestRegularityNeedsMinSamples(t *testing.T) {
	e := NewEvaluator(DefaultPolicy(), nil)
	reqs := make([]RequestMeta, 0, 10)
	for i := 0; i < 10; i++ {
		reqs = append(reqs, meta(t0.Add(time.Duration(i)*time.Second), samePath(i), browserHeaders()))
	}
	for _, v := range drive(e, reqs) {
		if v.Fired(CheckRegularity) {
			t.Fatal("9 intervals are below the 10-sample minimum")
		}
	}
}

func TestCurlBlockedOnFirstRequest(t *testing.T) {
	e := NewEvaluator(DefaultPolicy(), nil)
	h := browserHeaders()
	h.Set("User-Agent", "curl/8.5.0")
	v := drive(e, []RequestMeta{meta(t0, "/api/anime/1", h)})[0]
	if !v.Block || v.Reason != CheckDenylist {
		t.Errorf("curl should be blocked on first request: %+v", v)
	}
}

func TestDenylistCaseInsensitive(t *testing.T) {
	e := NewEvaluator(DefaultPolicy(), nil)
	for _, ua := range []string{"Python-Requests/2.31", "Mozilla/5.0 HeadlessChrome/120", "Scrapy/2.11 (+https://scrapy.org)", "Wget/1.21"} {
		h := browserHeaders()
		h.Set("User-Agent", ua)
		if v := drive(e, []RequestMeta{meta(t0, "/", h)})[0]; !v.Fired(CheckDenylist) {
			t.Errorf("%q should match the denylist", ua)
		}
	}
	if v := drive(e, []RequestMeta{meta(t0, "/", browserHeaders())})[0]; v.Fired(CheckDenylist) {
		t.Error("a regular browser UA must not match")
	}
}

func TestMissingHeadersModes(t *testing.T) {
	bare := http.Header{}
	bare.Set("User-Agent", browserUA)

	cases := []struct {
		mode      MissingHeaderMode
		wantDelta int
	}{
		{MissingHeadersCombined, 0},
		{MissingHeadersAlone, 25},
		{MissingHeadersLog, 0},
	}
	for _, c := range cases {
		t.Run(string(c.mode), func(t *testing.T) {
			p := DefaultPolicy()
			p.MissingHeaderMode = c.mode
			v := drive(NewEvaluator(p, nil), []RequestMeta{meta(t0, "/", bare)})[0]
			if !v.Fired(CheckMissingHeaders) {
				t.Fatal("missing headers should always be reported")
			}
			if v.Delta != c.wantDelta {
				t.Errorf("Delta = %d, want %d", v.Delta, c.wantDelta)
			}
			if v.Block {
				t.Error("missing headers alone must never block at default weights")
			}
		})
	}
}

func TestMissingHeadersCombinedWithOtherSignal(t *testing.T) {
	e := NewEvaluator(DefaultPolicy(), nil)
	bare := http.Header{}
	bare.Set("User-Agent", browserUA)
	r := meta(t0, "/", bare)
	r.KnownBad = true
	v := drive(e, []RequestMeta{r})[0]
	if v.Delta != 50+25 {
		t.Errorf("Delta = %d, want reputation+missing headers = 75", v.Delta)
	}
	if !v.Block || v.Reason != CheckReputation {
		t.Errorf("combined signals should block with reason reputation: %+v", v)
	}
}

func TestUserAgentChurn(t *testing.T) {
	e := NewEvaluator(DefaultPolicy(), nil)
	h2 := browserHeaders()
	h2.Set("User-Agent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 14_5) Safari/605.1.15")
	v := drive(e, []RequestMeta{
		meta(t0, "/", browserHeaders()),
		meta(t0.Add(3*time.Second), "/", h2),
	})
	if v[0].Fired(CheckChurn) {
		t.Error("first request has no previous UA")
	}
	if !v[1].Fired(CheckChurn) || v[1].Delta != 15 || v[1].Block {
		t.Errorf("UA switch should add the churn penalty only: %+v", v[1])
	}
}

func TestBreadthCrawl(t *testing.T) {
	e := NewEvaluator(DefaultPolicy(), nil)
	distinct := func(i int) string { return fmt.Sprintf("/api/anime/%d", i) }
	reqs := randomSpacing(70, 99, 150*time.Millisecond, 800*time.Millisecond, distinct)
	verdicts := drive(e, reqs)
	if !verdicts[69].Fired(CheckBreadth) {
		t.Errorf("70 distinct paths at >60/min should fire breadth: %+v", verdicts[69])
	}
	for i, v := range verdicts[:59] {
		if v.Fired(CheckBreadth) {
			t.Fatalf("breadth fired at request %d, below the rate floor", i+1)
		}
	}
}

func TestBreadthSamePathDoesNotFire(t *testing.T) {
	e := NewEvaluator(DefaultPolicy(), nil)
	reqs := randomSpacing(90, 5, 150*time.Millisecond, 600*time.Millisecond, samePath)
	for _, v := range drive(e, reqs) {
		if v.Fired(CheckBreadth) {
			t.Fatal("a single path is never a broad crawl")
		}
	}
}

func TestAllChecksEvaluated(t *testing.T) {
	e := NewEvaluator(DefaultPolicy(), nil)
	h := http.Header{}
	h.Set("User-Agent", "python-requests/2.31")
	r := meta(t0, "/", h)
	r.KnownBad = true
	v := drive(e, []RequestMeta{r})[0]
	for _, c := range []string{CheckDenylist, CheckReputation, CheckMissingHeaders} {
		if !v.Fired(c) {
			t.Errorf("%s should have been evaluated and fired: %+v", c, v.Hits)
		}
	}
	if v.Delta != 100+50+25 {
		t.Errorf("Delta = %d, want 175", v.Delta)
	}
	if v.Reason != CheckDenylist {
		t.Errorf("Reason = %q, want the highest-penalty check", v.Reason)
	}
}

func TestEvaluateIsPure(t *testing.T) {
	e := NewEvaluator(DefaultPolicy(), nil)
	rec := session.Record{LastUserAgent: "old", Score: 10}
	rec.AppendHit(session.Hit{At: t0, Path: "/"}, 10)
	before := fmt.Sprintf("%+v", rec)
	_ = e.Evaluate(rec, meta(t0, "/", browserHeaders()))
	if after := fmt.Sprintf("%+v", rec); after != before {
		t.Errorf("Evaluate mutated its input:\n%s\n%s", before, after)
	}
}

func TestNewRequestMeta(t *testing.T) {
	r, _ := http.NewRequest("get", "http://x/api/search?q=one+piece", nil)
	r.Header.Set("User-Agent", "  "+browserUA+" ")
	m := NewRequestMeta(r, t0)
	if m.Method != "GET" || m.Path != "/api/search" || m.UserAgent != browserUA || !m.At.Equal(t0) {
		t.Errorf("unexpected meta: %+v", m)
	}
	r.Header.Set("Accept", "changed")
	if m.Headers.Get("Accept") != "" {
		t.Error("Headers must be a copy")
	}
}

func TestParseMissingHeaderMode(t *testing.T) {
	if m, err := ParseMissingHeaderMode(""); err != nil || m != MissingHeadersCombined {
		t.Errorf("empty mode: %v %v", m, err)
	}
	if _, err := ParseMissingHeaderMode("never"); err == nil {
		t.Error("expected error for unknown mode")
	}
}
