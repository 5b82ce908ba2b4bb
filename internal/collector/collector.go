package collector

import (
	"context"
	"fmt"
	"time"

	"github.com/developingchet/streamguard/internal/metrics"
	"github.com/developingchet/streamguard/internal/pool"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Report kinds.
const (
	KindDevTools = "devtools"
	KindShortcut = "shortcut"
)

// Reporter delivers a report. *Client implements it.
type Reporter interface {
	Report(ctx context.Context, r Report) error
}

type reportJob struct {
	r Report
}

func (j reportJob) Kind() string { return "report_" + j.r.Kind }

// Config holds collector scheduling.
type Config struct {
	// Interval between checks of each probe.
	Interval   time.Duration
	QueueDepth int
}

// Collector runs probes on independent tickers and sends what they detect.
// Delivery is fire-and-forget: failures are logged at debug and counted,
// never retried, never surfaced to the page.
type Collector struct {
	reporter Reporter
	probes   []Probe
	interval time.Duration
	pool     *pool.Pool[reportJob]
	log      zerolog.Logger
}

// New builds a Collector.
func New(reporter Reporter, cfg Config, log zerolog.Logger, probes ...Probe) (*Collector, error) {
	if reporter == nil {
		return nil, fmt.Errorf("collector reporter is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 16
	}
	c := &Collector{reporter: reporter, probes: probes, interval: cfg.Interval, log: log}
	p, err := pool.New(pool.Config{
		Name:       "collector",
		Workers:    1,
		QueueDepth: cfg.QueueDepth,
		MaxRetries: 0,
	}, c.send, log)
	if err != nil {
		return nil, err
	}
	c.pool = p
	return c, nil
}

// send is the pool handler. It swallows delivery errors.
func (c *Collector) send(ctx context.Context, job reportJob) error {
	if err := c.reporter.Report(ctx, job.r); err != nil {
		metrics.CollectorReports.WithLabelValues(job.r.Kind, "error").Inc()
		c.log.Debug().Err(err).Str("kind", job.r.Kind).Msg("signal report failed")
		return nil
	}
	metrics.CollectorReports.WithLabelValues(job.r.Kind, "sent").Inc()
	return nil
}

// Shortcut inspects a keydown. It returns true when e is a developer tools
// shortcut, in which case an attempt is reported and the caller should
// suppress the key.
func (c *Collector) Shortcut(e KeyEvent) bool {
	if !IsDevToolsShortcut(e) {
		return false
	}
	c.enqueue(Report{Kind: KindShortcut, DevToolsOpen: true, At: time.Now()})
	return true
}

func (c *Collector) enqueue(r Report) {
	if !c.pool.Enqueue(reportJob{r: r}) {
		metrics.CollectorReports.WithLabelValues(r.Kind, "dropped").Inc()
	}
}

// Run starts the probes and blocks until ctx is cancelled. Queued reports
// are flushed before it returns.
func (c *Collector) Run(ctx context.Context) error {
	// workers outlive ctx so Stop can drain what the probes queued
	c.pool.Start(context.WithoutCancel(ctx))
	defer c.pool.Stop()

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range c.probes {
		g.Go(func() error {
			c.runProbe(gctx, p)
			return nil
		})
	}
	_ = g.Wait()
	<-ctx.Done()
	return nil
}

func (c *Collector) runProbe(ctx context.Context, p Probe) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		if p.Check(ctx) {
			c.log.Debug().Str("probe", p.Name()).Msg("developer tools detected")
			c.enqueue(Report{Kind: KindDevTools, DevToolsOpen: true, At: time.Now()})
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
