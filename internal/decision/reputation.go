package decision

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/crowdsecurity/crowdsec/pkg/models"
	csbouncer "github.com/crowdsecurity/go-cs-bouncer"
	"github.com/developingchet/streamguard/internal/metrics"
	"github.com/rs/zerolog"
)

// Reputation is an expiring set of addresses and networks flagged by an
// external source. The access gate consults it as one risk input.
type Reputation struct {
	mu       sync.RWMutex
	addrs    map[netip.Addr]time.Time
	prefixes map[netip.Prefix]time.Time
	now      func() time.Time
}

// NewReputation returns an empty set.
func NewReputation() *Reputation {
	return &Reputation{
		addrs:    make(map[netip.Addr]time.Time),
		prefixes: make(map[netip.Prefix]time.Time),
		now:      time.Now,
	}
}

// Add flags value (an IP or CIDR) until expires. A zero expires never lapses.
func (r *Reputation) Add(value string, expires time.Time) error {
	sanitized, isCIDR, err := ParseAndSanitize(value)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if isCIDR {
		r.prefixes[netip.MustParsePrefix(sanitized)] = expires
	} else {
		r.addrs[netip.MustParseAddr(sanitized)] = expires
	}
	r.updateGauge()
	return nil
}

// Remove clears a flag. Unknown values are ignored.
func (r *Reputation) Remove(value string) {
	sanitized, isCIDR, err := ParseAndSanitize(value)
	if err != nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if isCIDR {
		delete(r.prefixes, netip.MustParsePrefix(sanitized))
	} else {
		delete(r.addrs, netip.MustParseAddr(sanitized))
	}
	r.updateGauge()
}

// Contains reports whether ip is currently flagged. Expired entries are
// treated as absent and left for Prune.
func (r *Reputation) Contains(ip string) bool {
	a, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	a = a.Unmap().WithZone("")
	now := r.now()

	r.mu.RLock()
	defer r.mu.RUnlock()
	if exp, ok := r.addrs[a]; ok && live(exp, now) {
		return true
	}
	for p, exp := range r.prefixes {
		if p.Contains(a) && live(exp, now) {
			return true
		}
	}
	return false
}

// Prune drops expired entries and returns how many were removed.
func (r *Reputation) Prune() int {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for a, exp := range r.addrs {
		if !live(exp, now) {
			delete(r.addrs, a)
			n++
		}
	}
	for p, exp := range r.prefixes {
		if !live(exp, now) {
			delete(r.prefixes, p)
			n++
		}
	}
	r.updateGauge()
	return n
}

// Len returns the number of entries, expired ones included.
func (r *Reputation) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.addrs) + len(r.prefixes)
}

// caller holds r.mu
func (r *Reputation) updateGauge() {
	metrics.ReputationEntries.Set(float64(len(r.addrs) + len(r.prefixes)))
}

func live(exp, now time.Time) bool {
	return exp.IsZero() || now.Before(exp)
}

// FeedConfig configures the CrowdSec LAPI stream.
type FeedConfig struct {
	APIURL       string
	APIKey       string
	VerifyTLS    bool
	PollInterval time.Duration
	UserAgent    string
	Filter       FilterConfig
}

// Feed keeps a Reputation set in sync with CrowdSec decisions.
type Feed struct {
	set       *Reputation
	filterCfg FilterConfig
	stream    *csbouncer.StreamBouncer
	log       zerolog.Logger
}

// NewFeed builds a Feed. Nothing is contacted until Run.
func NewFeed(cfg FeedConfig, set *Reputation, log zerolog.Logger) *Feed {
	skipVerify := !cfg.VerifyTLS
	return &Feed{
		set:       set,
		filterCfg: cfg.Filter,
		log:       log,
		stream: &csbouncer.StreamBouncer{
			APIKey:              cfg.APIKey,
			APIUrl:              cfg.APIURL,
			TickerInterval:      cfg.PollInterval.String(),
			InsecureSkipVerify:  &skipVerify,
			UserAgent:           cfg.UserAgent,
			RetryInitialConnect: true,
		},
	}
}

// Run initialises the stream and applies decisions until ctx is cancelled.
func (f *Feed) Run(ctx context.Context) error {
	if err := f.stream.Init(); err != nil {
		return fmt.Errorf("init CrowdSec stream: %w", err)
	}
	go f.stream.Run(ctx)

	f.log.Info().Str("lapi", f.stream.APIUrl).Msg("reputation feed started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case resp, ok := <-f.stream.Stream:
			if !ok {
				return fmt.Errorf("CrowdSec stream closed")
			}
			f.Apply(resp)
		}
	}
}

// Apply folds one stream response into the set.
func (f *Feed) Apply(resp *models.DecisionsStreamResponse) {
	if resp == nil {
		return
	}
	added, removed := 0, 0
	for _, d := range resp.New {
		res := Filter(d, f.filterCfg, f.log)
		if !res.Passed {
			continue
		}
		var expires time.Time
		if res.Duration > 0 {
			expires = f.set.now().Add(res.Duration)
		}
		if err := f.set.Add(res.Value, expires); err != nil {
			f.log.Warn().Err(err).Str("value", res.Value).Msg("reputation add failed")
			continue
		}
		added++
	}
	for _, d := range resp.Deleted {
		res := FilterDeleted(d, f.filterCfg, f.log)
		if !res.Passed {
			continue
		}
		f.set.Remove(res.Value)
		removed++
	}
	if added > 0 || removed > 0 {
		f.log.Debug().Int("added", added).Int("removed", removed).Int("entries", f.set.Len()).Msg("reputation updated")
	}
}
