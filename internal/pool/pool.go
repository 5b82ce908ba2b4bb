package pool

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/developingchet/streamguard/internal/metrics"
	"github.com/rs/zerolog"
)

// Job is a unit of work. Kind labels metrics and logs.
type Job interface {
	Kind() string
}

// Handler processes a single job. Returns an error if the job should be retried.
type Handler[J Job] func(ctx context.Context, job J) error

// Config holds worker pool configuration.
type Config struct {
	// Name labels the queue depth gauge.
	Name       string
	Workers    int
	QueueDepth int
	MaxRetries int
	RetryBase  time.Duration
}

// Pool is a bounded worker pool with inline retry. Enqueue never blocks the
// caller; a full queue drops the job.
type Pool[J Job] struct {
	cfg      Config
	jobs     chan J
	handler  Handler[J]
	log      zerolog.Logger
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a Pool with the given config and handler.
func New[J Job](cfg Config, handler Handler[J], log zerolog.Logger) (*Pool[J], error) {
	if cfg.Workers < 1 || cfg.Workers > 64 {
		return nil, fmt.Errorf("pool workers must be 1–64, got %d", cfg.Workers)
	}
	if handler == nil {
		return nil, fmt.Errorf("pool handler is required")
	}
	if cfg.QueueDepth < 1 {
		cfg.QueueDepth = 1024
	}
	if cfg.RetryBase == 0 {
		cfg.RetryBase = time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	return &Pool[J]{
		cfg:     cfg,
		jobs:    make(chan J, cfg.QueueDepth),
		handler: handler,
		log:     log.With().Str("pool", cfg.Name).Logger(),
	}, nil
}

// Start launches the worker goroutines. ctx controls worker lifetime.
func (p *Pool[J]) Start(ctx context.Context) {
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// Enqueue attempts a non-blocking send. Returns false if the buffer is full
// or the pool has been stopped.
func (p *Pool[J]) Enqueue(job J) (ok bool) {
	defer func() {
		// send on a closed channel after Stop
		if recover() != nil {
			metrics.JobsDropped.WithLabelValues("stopped").Inc()
			ok = false
		}
	}()
	select {
	case p.jobs <- job:
		metrics.JobsEnqueued.WithLabelValues(job.Kind()).Inc()
		metrics.WorkerQueueDepth.WithLabelValues(p.cfg.Name).Set(float64(len(p.jobs)))
		return true
	default:
		metrics.JobsDropped.WithLabelValues("buffer_full").Inc()
		p.log.Warn().Str("kind", job.Kind()).Msg("job dropped: queue full")
		return false
	}
}

// Stop closes the job channel and waits for workers to drain what is queued.
func (p *Pool[J]) Stop() {
	p.stopOnce.Do(func() {
		close(p.jobs)
	})
	p.wg.Wait()
}

// Depth returns the current number of pending jobs.
func (p *Pool[J]) Depth() int {
	return len(p.jobs)
}

func (p *Pool[J]) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	log := p.log.With().Int("worker_id", id).Logger()

	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			metrics.WorkerQueueDepth.WithLabelValues(p.cfg.Name).Set(float64(len(p.jobs)))
			p.processWithRetry(ctx, job, log)
		}
	}
}

// processWithRetry runs the handler inline with exponential backoff so a
// retry never re-enqueues onto a channel that may already be closed.
func (p *Pool[J]) processWithRetry(ctx context.Context, job J, log zerolog.Logger) {
	kind := job.Kind()
	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := p.backoff(attempt - 1)
			log.Debug().Str("kind", kind).Int("attempt", attempt).
				Dur("backoff", backoff).Msg("retrying job")
			select {
			case <-ctx.Done():
				metrics.JobsProcessed.WithLabelValues(kind, "error").Inc()
				return
			case <-time.After(backoff):
			}
		}

		if err := p.handler(ctx, job); err != nil {
			if attempt < p.cfg.MaxRetries {
				metrics.JobsProcessed.WithLabelValues(kind, "retried").Inc()
				continue
			}
			metrics.JobsProcessed.WithLabelValues(kind, "error").Inc()
			log.Debug().Err(err).Str("kind", kind).
				Int("max_retries", p.cfg.MaxRetries).Msg("job failed")
			return
		}

		metrics.JobsProcessed.WithLabelValues(kind, "success").Inc()
		return
	}
}

// backoff computes exponential backoff with a max cap.
func (p *Pool[J]) backoff(retries int) time.Duration {
	multiplier := math.Pow(2, float64(retries))
	d := time.Duration(float64(p.cfg.RetryBase) * multiplier)
	if max := time.Minute; d > max {
		d = max
	}
	return d
}
