package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "streamguard"

var (
	// GateRequests counts requests seen by the access gate, by outcome.
	GateRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "gate_requests_total",
		Help:      "Requests seen by the access gate, by outcome.",
	}, []string{"outcome"})

	// HeuristicHits counts risk checks that contributed to an evaluation.
	HeuristicHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "heuristic_hits_total",
		Help:      "Risk checks that fired during request evaluation.",
	}, []string{"check"})

	// BlocksTotal counts sessions moved to the blocked state.
	BlocksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "blocks_total",
		Help:      "Sessions blocked, by triggering reason.",
	}, []string{"reason"})

	// UnblocksTotal counts sessions returned to the active state.
	UnblocksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "unblocks_total",
		Help:      "Sessions unblocked, by cause.",
	}, []string{"cause"})

	// TokensIssued counts session tokens handed out.
	TokensIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tokens_issued_total",
		Help:      "Session tokens issued, by status.",
	}, []string{"status"})

	// SignalsReceived counts behavioral signal reports.
	SignalsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "signals_received_total",
		Help:      "Behavioral signal reports received, by kind and token validity.",
	}, []string{"kind", "valid"})

	// StoreErrors counts session store failures on the request path.
	StoreErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "store_errors_total",
		Help:      "Session store failures, by operation.",
	}, []string{"op"})

	// ActiveSessions is the number of tracked session records.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions",
		Help:      "Tracked session records.",
	})

	// BlockedSessions is the number of tracked records currently blocked.
	BlockedSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "blocked_sessions",
		Help:      "Tracked session records currently blocked.",
	})

	// SessionsEvicted counts records removed by the sweep.
	SessionsEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_evicted_total",
		Help:      "Session records evicted by the retention sweep.",
	})

	// SweepDuration records how long a retention sweep took.
	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "sweep_duration_seconds",
		Help:      "Retention sweep duration in seconds.",
		Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
	})

	// JournalSizeBytes tracks the bbolt journal file size.
	JournalSizeBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "journal_size_bytes",
		Help:      "bbolt journal on-disk file size in bytes.",
	})

	// JobsEnqueued counts jobs placed into a worker pool.
	JobsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_enqueued_total",
		Help:      "Jobs placed into a worker pool queue.",
	}, []string{"kind"})

	// JobsDropped counts jobs discarded before processing.
	JobsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_dropped_total",
		Help:      "Jobs discarded before processing.",
	}, []string{"reason"})

	// JobsProcessed counts worker completions.
	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_processed_total",
		Help:      "Worker job completions.",
	}, []string{"kind", "status"})

	// WorkerQueueDepth tracks current job channel length.
	WorkerQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "worker_queue_depth",
		Help:      "Current job channel buffer depth.",
	}, []string{"pool"})

	// ReputationEntries is the size of the CrowdSec-fed reputation set.
	ReputationEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "reputation_entries",
		Help:      "Addresses currently flagged by the reputation feed.",
	})

	// DecisionsFiltered counts CrowdSec decisions rejected per filter stage.
	DecisionsFiltered = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "decisions_filtered_total",
		Help:      "CrowdSec decisions rejected per filter stage.",
	}, []string{"stage", "reason"})

	// CollectorReports counts signal reports sent by the client collector.
	CollectorReports = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "collector_reports_total",
		Help:      "Signal reports sent by the collector, by kind and status.",
	}, []string{"kind", "status"})

	// CollectorAPIDuration records collector round-trip latency.
	CollectorAPIDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "collector_api_duration_seconds",
		Help:      "Collector API call latency in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
	}, []string{"endpoint"})
)
