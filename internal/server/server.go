// Package server wires the gate, the token and signal endpoints, the
// upstream proxy and the side listeners into one process.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/developingchet/streamguard/internal/config"
	"github.com/developingchet/streamguard/internal/decision"
	"github.com/developingchet/streamguard/internal/gate"
	"github.com/developingchet/streamguard/internal/identity"
	"github.com/developingchet/streamguard/internal/metrics"
	"github.com/developingchet/streamguard/internal/pool"
	"github.com/developingchet/streamguard/internal/risk"
	"github.com/developingchet/streamguard/internal/session"
	"github.com/developingchet/streamguard/internal/storage"
	"github.com/developingchet/streamguard/internal/token"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// BinaryVersion is set at startup from the -X main.Version ldflags value.
var BinaryVersion = "dev"

// Deps are the stateful collaborators built by the caller.
type Deps struct {
	Store   session.Store
	Journal storage.Journal // nil when the journal is disabled
	Now     func() time.Time
}

// Server wires together the gate, the reputation feed, the journal recorder
// and the HTTP listeners.
type Server struct {
	cfg        *config.Config
	store      session.Store
	journal    storage.Journal
	recorder   *JournalRecorder
	resolver   identity.Resolver
	issuer     *token.Issuer
	gate       *gate.Gate
	denylist   *risk.Denylist
	reputation *decision.Reputation
	feed       *decision.Feed
	usage      *decision.UsageReporter
	janitor    *Janitor
	upstream   http.Handler
	log        zerolog.Logger
}

// New constructs a fully wired Server.
func New(cfg *config.Config, deps Deps, log zerolog.Logger) (*Server, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	policy, err := PolicyFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	allowlist, err := decision.ParseAllowlist(cfg.GateAllowlist)
	if err != nil {
		return nil, fmt.Errorf("parse allowlist: %w", err)
	}

	s := &Server{
		cfg:      cfg,
		store:    deps.Store,
		journal:  deps.Journal,
		resolver: identity.Resolver{IncludeUserAgent: cfg.IdentityIncludeUserAgent},
		denylist: risk.NewDenylist(cfg.RiskDenylistExtra),
		log:      log,
	}

	var sinks fanout
	if deps.Journal != nil {
		s.recorder, err = NewJournalRecorder(deps.Journal, pool.Config{
			Name:       "journal",
			Workers:    cfg.PoolWorkers,
			QueueDepth: cfg.PoolQueueDepth,
			MaxRetries: cfg.PoolMaxRetries,
			RetryBase:  cfg.PoolRetryBase,
		}, log)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, s.recorder)
	}

	var reputation gate.ReputationChecker
	if cfg.CrowdSecEnabled {
		s.reputation = decision.NewReputation()
		filterCfg := decision.NewFilterConfig()
		filterCfg.ScenarioExclude = cfg.BlockScenarioExclude
		filterCfg.AllowedOrigins = cfg.CrowdSecOrigins
		filterCfg.Allowlist = allowlist
		filterCfg.MinDuration = cfg.BlockMinDuration
		s.feed = decision.NewFeed(decision.FeedConfig{
			APIURL:       cfg.CrowdSecLAPIURL,
			APIKey:       cfg.CrowdSecLAPIKey,
			VerifyTLS:    cfg.CrowdSecLAPIVerifyTLS,
			PollInterval: cfg.CrowdSecPollInterval,
			UserAgent:    "streamguard/" + BinaryVersion,
			Filter:       filterCfg,
		}, s.reputation, log)
		reputation = s.reputation
		s.usage = decision.NewUsageReporter(decision.UsageConfig{
			APIURL:    cfg.CrowdSecLAPIURL,
			APIKey:    cfg.CrowdSecLAPIKey,
			VerifyTLS: cfg.CrowdSecLAPIVerifyTLS,
			Version:   BinaryVersion,
			Interval:  cfg.CrowdSecMetricsInterval,
		}, log)
		sinks = append(sinks, s.usage)
	}
	var sink gate.EventSink
	if len(sinks) > 0 {
		sink = sinks
	}

	s.gate, err = gate.New(gate.Config{
		Resolver:       s.resolver,
		Store:          deps.Store,
		Evaluator:      risk.NewEvaluator(policy, s.denylist),
		Reputation:     reputation,
		Allowlist:      allowlist,
		ExemptPrefixes: cfg.GateExemptPrefixes,
		BlockDuration:  cfg.BlockDuration,
		MaxHits:        cfg.MaxTrackedRequests,
		Events:         sink,
		Now:            deps.Now,
	}, log)
	if err != nil {
		return nil, err
	}

	s.issuer = token.NewIssuer(deps.Store, cfg.TokenReissueClearsBlock)
	s.issuer.Now = deps.Now
	s.issuer.OnUnblock = func(id, cause string) {
		metrics.UnblocksTotal.WithLabelValues(cause).Inc()
		if sink != nil {
			sink.Emit(storage.Event{At: deps.Now(), Kind: storage.KindUnblock, Identity: id, Reason: cause})
		}
	}

	s.upstream, err = newUpstream(cfg.UpstreamURL, log)
	if err != nil {
		return nil, err
	}

	s.janitor = NewJanitor(deps.Store, deps.Journal, s.reputation, s.recorder, JanitorConfig{
		Interval:         cfg.SweepInterval,
		Retention:        cfg.SessionRetention,
		JournalRetention: cfg.JournalRetention,
	}, log)
	s.janitor.now = deps.Now

	return s, nil
}

// PolicyFromConfig maps the RISK_* settings onto a risk.Policy.
func PolicyFromConfig(cfg *config.Config) (risk.Policy, error) {
	p := risk.DefaultPolicy()
	mode, err := risk.ParseMissingHeaderMode(cfg.RiskMissingHeaderMode)
	if err != nil {
		return p, err
	}
	p.Threshold = cfg.RiskThreshold
	p.RateLimit = cfg.RiskRateLimit
	p.RateWindow = cfg.RiskRateWindow
	p.RatePenalty = cfg.RiskRatePenalty
	p.BreadthMinPaths = cfg.RiskBreadthMinPaths
	p.BreadthMinRate = cfg.RiskBreadthMinRate
	p.BreadthPenalty = cfg.RiskBreadthPenalty
	p.ChurnPenalty = cfg.RiskChurnPenalty
	p.RegularityMinSamples = cfg.RiskRegularityMinSamples
	if p.RegularityMaxSamples < p.RegularityMinSamples {
		p.RegularityMaxSamples = p.RegularityMinSamples
	}
	p.RegularityTolerance = cfg.RiskRegularityTolerance
	p.RegularityFraction = cfg.RiskRegularityFraction
	p.RegularityMaxInterval = cfg.RiskRegularityMaxInterval
	p.RegularityPenalty = cfg.RiskRegularityPenalty
	p.DenylistPenalty = cfg.RiskDenylistPenalty
	p.MissingHeaderMode = mode
	p.MissingHeaderPenalty = cfg.RiskMissingHeaderPenalty
	p.ReputationPenalty = cfg.RiskReputationPenalty
	p.SignalAttemptPenalty = cfg.SignalAttemptPenalty
	return p, nil
}

// newUpstream returns the reverse proxy for protected content, or a 404
// handler when no upstream is configured.
func newUpstream(raw string, log zerolog.Logger) (http.Handler, error) {
	if raw == "" {
		return http.NotFoundHandler(), nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse upstream url: %w", err)
	}
	proxy := httputil.NewSingleHostReverseProxy(u)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		log.Warn().Err(err).Str("path", r.URL.Path).Msg("upstream request failed")
		gate.WriteError(w, http.StatusBadGateway, "upstream_unavailable", "The content service is unavailable.")
	}
	return proxy, nil
}

// Handler returns the public router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	if s.cfg.TrustProxyHeaders {
		r.Use(middleware.RealIP)
	}
	r.Use(middleware.Recoverer)
	if len(s.cfg.CORSAllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   s.cfg.CORSAllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Content-Type"},
			ExposedHeaders:   []string{gate.StatusHeader, "Retry-After"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}
	if s.usage != nil {
		r.Use(s.countProcessed)
	}
	r.Use(s.gate.Middleware)

	r.Get("/api/security/token", s.handleToken)
	r.Post("/api/security/devtools-detection", s.handleDevTools)
	r.Handle("/*", s.upstream)
	return r
}

// countProcessed feeds the usage reporter one tick per gated request.
func (s *Server) countProcessed(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.gate.Exempt(r.URL.Path) {
			s.usage.RecordProcessed()
		}
		next.ServeHTTP(w, r)
	})
}

// fanout delivers each event to every sink.
type fanout []gate.EventSink

func (f fanout) Emit(ev storage.Event) {
	for _, s := range f {
		s.Emit(ev)
	}
}

// HealthHandler returns the liveness and readiness endpoints.
func (s *Server) HealthHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if p, ok := s.store.(interface{ Ping(context.Context) error }); ok {
			if err := p.Ping(r.Context()); err != nil {
				http.Error(w, "not ready: "+err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	return mux
}

// Run starts all goroutines and blocks until ctx is cancelled or a fatal error occurs.
func (s *Server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if s.recorder != nil {
		// detached so Stop below drains events queued during shutdown
		s.recorder.Start(context.WithoutCancel(gctx))
	}

	// CrowdSec reputation stream
	if s.feed != nil {
		g.Go(func() error {
			return s.feed.Run(gctx)
		})
	}

	if s.usage != nil {
		g.Go(func() error {
			return s.usage.Run(gctx)
		})
	}

	if s.cfg.RiskDenylistFile != "" {
		g.Go(func() error {
			return s.denylist.Watch(gctx, s.cfg.RiskDenylistFile, s.log)
		})
	}

	g.Go(func() error {
		return s.janitor.Run(gctx)
	})

	g.Go(func() error {
		return s.serve(gctx, "gate", s.cfg.ListenAddr, s.Handler())
	})

	// Health endpoints
	g.Go(func() error {
		return s.serve(gctx, "health", s.cfg.HealthAddr, s.HealthHandler())
	})

	// Prometheus metrics server
	if s.cfg.MetricsEnabled {
		g.Go(func() error {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			return s.serve(gctx, "metrics", s.cfg.MetricsAddr, mux)
		})
	}

	if s.cfg.AdminAddr != "" {
		g.Go(func() error {
			return s.serve(gctx, "admin", s.cfg.AdminAddr, s.AdminHandler())
		})
	}

	err := g.Wait()
	if s.recorder != nil {
		s.recorder.Stop()
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// serve runs one listener until ctx is done.
func (s *Server) serve(ctx context.Context, name, addr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.log.Info().Str("addr", addr).Msg(name + " server started")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s server: %w", name, err)
	}
	return nil
}
