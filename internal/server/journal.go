package server

import (
	"context"
	"fmt"

	"github.com/developingchet/streamguard/internal/pool"
	"github.com/developingchet/streamguard/internal/storage"
	"github.com/rs/zerolog"
)

// journalJob is one block state transition waiting to be written.
type journalJob struct {
	ev storage.Event
}

func (j journalJob) Kind() string { return "journal_" + j.ev.Kind }

// JournalRecorder writes gate events to the journal off the request path.
// It implements gate.EventSink.
type JournalRecorder struct {
	pool *pool.Pool[journalJob]
	log  zerolog.Logger
}

// NewJournalRecorder builds a recorder backed by a bounded worker pool.
func NewJournalRecorder(j storage.Journal, cfg pool.Config, log zerolog.Logger) (*JournalRecorder, error) {
	if cfg.Name == "" {
		cfg.Name = "journal"
	}
	p, err := pool.New(cfg, makeJournalHandler(j, log), log)
	if err != nil {
		return nil, fmt.Errorf("create journal pool: %w", err)
	}
	return &JournalRecorder{pool: p, log: log}, nil
}

// makeJournalHandler returns the pool handler that appends one event.
func makeJournalHandler(j storage.Journal, log zerolog.Logger) pool.Handler[journalJob] {
	return func(_ context.Context, job journalJob) error {
		ev, err := j.Append(job.ev)
		if err != nil {
			return fmt.Errorf("append %s event: %w", job.ev.Kind, err)
		}
		log.Debug().Str("event_id", ev.ID).Str("kind", ev.Kind).
			Str("identity", ev.Identity).Str("reason", ev.Reason).Msg("journal event recorded")
		return nil
	}
}

// Start launches the writers.
func (r *JournalRecorder) Start(ctx context.Context) { r.pool.Start(ctx) }

// Stop drains queued events.
func (r *JournalRecorder) Stop() { r.pool.Stop() }

// Depth reports queued events.
func (r *JournalRecorder) Depth() int { return r.pool.Depth() }

// Emit queues ev. A full queue drops it; the request path never waits.
func (r *JournalRecorder) Emit(ev storage.Event) {
	if !r.pool.Enqueue(journalJob{ev: ev}) {
		r.log.Warn().Str("kind", ev.Kind).Str("identity", ev.Identity).Msg("journal event dropped")
	}
}
