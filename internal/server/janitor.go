package server

import (
	"context"
	"time"

	"github.com/developingchet/streamguard/internal/decision"
	"github.com/developingchet/streamguard/internal/metrics"
	"github.com/developingchet/streamguard/internal/session"
	"github.com/developingchet/streamguard/internal/storage"
	"github.com/rs/zerolog"
)

// Janitor performs periodic housekeeping: evicting stale sessions, pruning
// the journal and the reputation set, updating gauges.
type Janitor struct {
	store            session.Store
	journal          storage.Journal      // optional
	reputation       *decision.Reputation // optional
	recorder         *JournalRecorder     // optional
	interval         time.Duration
	retention        time.Duration
	journalRetention time.Duration
	now              func() time.Time
	log              zerolog.Logger
}

// JanitorConfig holds the janitor schedule and retention windows.
type JanitorConfig struct {
	Interval         time.Duration
	Retention        time.Duration
	JournalRetention time.Duration
}

// NewJanitor creates a Janitor. journal, reputation and recorder may be nil.
func NewJanitor(store session.Store, journal storage.Journal, reputation *decision.Reputation,
	recorder *JournalRecorder, cfg JanitorConfig, log zerolog.Logger) *Janitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Minute
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 30 * time.Minute
	}
	return &Janitor{
		store:            store,
		journal:          journal,
		reputation:       reputation,
		recorder:         recorder,
		interval:         cfg.Interval,
		retention:        cfg.Retention,
		journalRetention: cfg.JournalRetention,
		now:              time.Now,
		log:              log,
	}
}

// Run executes the janitor loop until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	// Run immediately on start
	j.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			j.tick(ctx)
		}
	}
}

func (j *Janitor) tick(ctx context.Context) {
	now := j.now()

	start := time.Now()
	evicted, err := j.store.Sweep(ctx, now, j.retention)
	metrics.SweepDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.StoreErrors.WithLabelValues("sweep").Inc()
		j.log.Warn().Err(err).Msg("janitor: sweep failed")
	} else if evicted > 0 {
		metrics.SessionsEvicted.Add(float64(evicted))
		j.log.Info().Int("count", evicted).Msg("janitor: evicted stale sessions")
	}

	// Session gauges
	entries, err := j.store.List(ctx)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("list").Inc()
		j.log.Warn().Err(err).Msg("janitor: list sessions failed")
	} else {
		blocked := 0
		for _, e := range entries {
			if e.Record.ActiveBlock(now) {
				blocked++
			}
		}
		metrics.ActiveSessions.Set(float64(len(entries)))
		metrics.BlockedSessions.Set(float64(blocked))
	}

	if j.journal != nil {
		if j.journalRetention > 0 {
			pruned, err := j.journal.Prune(now.Add(-j.journalRetention))
			if err != nil {
				j.log.Warn().Err(err).Msg("janitor: prune journal failed")
			} else if pruned > 0 {
				j.log.Info().Int("count", pruned).Msg("janitor: pruned journal events")
			}
		}
		size, err := j.journal.SizeBytes()
		if err != nil {
			j.log.Warn().Err(err).Msg("janitor: read journal size failed")
		} else {
			metrics.JournalSizeBytes.Set(float64(size))
		}
	}

	if j.reputation != nil {
		if n := j.reputation.Prune(); n > 0 {
			j.log.Debug().Int("count", n).Msg("janitor: pruned reputation entries")
		}
	}

	if j.recorder != nil {
		metrics.WorkerQueueDepth.WithLabelValues("journal").Set(float64(j.recorder.Depth()))
	}

	j.log.Debug().Msg("janitor: tick complete")
}
