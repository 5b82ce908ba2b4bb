// Package gate is the access-control middleware in front of protected
// routes. It owns every block and unblock transition of a session.
package gate

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/developingchet/streamguard/internal/decision"
	"github.com/developingchet/streamguard/internal/identity"
	"github.com/developingchet/streamguard/internal/metrics"
	"github.com/developingchet/streamguard/internal/risk"
	"github.com/developingchet/streamguard/internal/session"
	"github.com/developingchet/streamguard/internal/storage"
	"github.com/rs/zerolog"
)

// StatusHeader is set on every gated response.
const (
	StatusHeader = "X-Security-Status"
	StatusValue  = "protected"
)

// Block reasons for client-reported signals. Heuristic blocks use the risk
// check name.
const (
	ReasonDevTools = "devtools"
	ReasonShortcut = "devtools_shortcut"
)

// Signal kinds accepted by ApplySignal.
const (
	KindDevTools = "devtools"
	KindShortcut = "shortcut"
)

var (
	// ErrInvalidToken means the token is missing, stale or belongs to another identity.
	ErrInvalidToken = errors.New("gate: invalid token")
	// ErrNotFound is returned by Unblock for an unknown identity.
	ErrNotFound = errors.New("gate: session not found")
)

// ReputationChecker reports whether a source address is known bad.
type ReputationChecker interface {
	Contains(ip string) bool
}

// EventSink receives block state transitions. Emit must not block.
type EventSink interface {
	Emit(ev storage.Event)
}

// Config wires a Gate.
type Config struct {
	Resolver       identity.Resolver
	Store          session.Store
	Evaluator      *risk.Evaluator
	Reputation     ReputationChecker // optional
	Allowlist      decision.Allowlist
	ExemptPrefixes []string
	BlockDuration  time.Duration
	MaxHits        int
	Events         EventSink // optional
	Now            func() time.Time
}

// Gate decides allow or reject for each request.
type Gate struct {
	cfg Config
	log zerolog.Logger
}

// New returns a Gate. Store and Evaluator are required.
func New(cfg Config, log zerolog.Logger) (*Gate, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("gate: store is required")
	}
	if cfg.Evaluator == nil {
		return nil, fmt.Errorf("gate: evaluator is required")
	}
	if cfg.BlockDuration <= 0 {
		cfg.BlockDuration = time.Hour
	}
	if cfg.MaxHits <= 0 {
		cfg.MaxHits = session.DefaultMaxHits
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Gate{cfg: cfg, log: log}, nil
}

// Exempt reports whether path bypasses the gate.
func (g *Gate) Exempt(path string) bool {
	for _, p := range g.cfg.ExemptPrefixes {
		if p != "" && strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// outcome is what one gated request did to its session.
type outcome struct {
	expired   bool
	rejected  bool
	blocked   bool
	verdict   risk.Verdict
	expiresAt time.Time
	score     int
}

// Middleware wraps next with the gate.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(StatusHeader, StatusValue)

		if g.Exempt(r.URL.Path) {
			metrics.GateRequests.WithLabelValues("exempt").Inc()
			next.ServeHTTP(w, r)
			return
		}

		conn := identity.FromRequest(r)
		addr := identity.Address(conn)
		if g.cfg.Allowlist.Contains(addr) {
			metrics.GateRequests.WithLabelValues("allowlisted").Inc()
			next.ServeHTTP(w, r)
			return
		}

		now := g.cfg.Now()
		req := risk.NewRequestMeta(r, now)
		req.SourceAddr = addr
		if g.cfg.Reputation != nil {
			req.KnownBad = g.cfg.Reputation.Contains(addr)
		}
		id := g.cfg.Resolver.Resolve(conn)

		var out outcome
		_, err := g.cfg.Store.Upsert(r.Context(), id.String(), func(rec *session.Record) error {
			out = g.step(rec, req)
			return nil
		})
		if err != nil {
			metrics.StoreErrors.WithLabelValues("upsert").Inc()
			metrics.GateRequests.WithLabelValues("fail_open").Inc()
			g.log.Warn().Err(err).Str("identity", id.String()).Msg("session store unavailable, allowing request")
			next.ServeHTTP(w, r)
			return
		}

		if out.expired {
			metrics.UnblocksTotal.WithLabelValues(storage.CauseExpired).Inc()
			g.emit(storage.Event{At: now, Kind: storage.KindUnblock, Identity: id.String(),
				Address: addr, UserAgent: req.UserAgent, Path: req.Path, Reason: storage.CauseExpired})
		}
		for _, h := range out.verdict.Hits {
			metrics.HeuristicHits.WithLabelValues(h.Check).Inc()
		}

		switch {
		case out.rejected:
			metrics.GateRequests.WithLabelValues("rejected").Inc()
			retryAfter(w, out.expiresAt.Sub(now))
			WriteError(w, http.StatusForbidden, "access_denied", "Your session has been terminated for security reasons.")

		case out.blocked:
			v := out.verdict
			metrics.GateRequests.WithLabelValues("blocked").Inc()
			metrics.BlocksTotal.WithLabelValues(v.Reason).Inc()
			g.log.Info().Str("identity", id.String()).Str("addr", addr).Str("reason", v.Reason).
				Int("delta", v.Delta).Int("score", out.score).Time("expires_at", out.expiresAt).
				Msg("session blocked")
			g.emit(storage.Event{At: now, Kind: storage.KindBlock, Identity: id.String(),
				Address: addr, UserAgent: req.UserAgent, Path: req.Path, Reason: v.Reason,
				Score: out.score, ExpiresAt: out.expiresAt})
			retryAfter(w, g.cfg.BlockDuration)
			if v.Fired(risk.CheckRate) {
				WriteError(w, http.StatusTooManyRequests, "rate_limited", "Too many requests")
				return
			}
			WriteError(w, http.StatusForbidden, "access_denied", "Your session has been terminated for security reasons.")

		default:
			metrics.GateRequests.WithLabelValues("allowed").Inc()
			next.ServeHTTP(w, r)
		}
	})
}

// step is the read-modify-write applied to one session for one request.
// It may run more than once when the store retries an optimistic update.
func (g *Gate) step(rec *session.Record, req risk.RequestMeta) outcome {
	var out outcome
	now := req.At
	rec.LastSeenAt = now
	if req.UserAgent != "" {
		defer func() { rec.LastUserAgent = req.UserAgent }()
	}

	if rec.BlockExpired(now) {
		rec.Unblock()
		out.expired = true
	}
	if rec.ActiveBlock(now) {
		out.rejected = true
		out.expiresAt = rec.BlockExpiresAt
		return out
	}

	rec.AppendHit(session.Hit{At: now, Path: req.Path}, g.cfg.MaxHits)
	out.verdict = g.cfg.Evaluator.Evaluate(*rec, req)
	rec.Score += out.verdict.Delta
	if out.verdict.Block {
		rec.Block(now, g.cfg.BlockDuration, out.verdict.Reason)
		out.blocked = true
		out.expiresAt = rec.BlockExpiresAt
	}
	out.score = rec.Score
	return out
}

// Signal is a client-reported observation.
type Signal struct {
	Token        string
	DevToolsOpen bool
	Kind         string
	Timestamp    int64
}

// SignalResult describes what ApplySignal did.
type SignalResult struct {
	Blocked   bool
	Expired   bool
	Score     int
	ExpiresAt time.Time
}

// ApplySignal validates sig.Token against the caller's session and applies
// the signal in the same update. An invalid token returns ErrInvalidToken
// and leaves the store untouched.
func (g *Gate) ApplySignal(ctx context.Context, r *http.Request, sig Signal) (SignalResult, error) {
	kind := KindDevTools
	if sig.Kind == KindShortcut {
		kind = KindShortcut
	}
	conn := identity.FromRequest(r)
	id := g.cfg.Resolver.Resolve(conn)
	now := g.cfg.Now()
	threshold := g.cfg.Evaluator.Policy().Threshold

	var res SignalResult
	var newlyBlocked bool
	var reason string
	_, err := g.cfg.Store.Upsert(ctx, id.String(), func(rec *session.Record) error {
		res, newlyBlocked, reason = SignalResult{}, false, ""
		if sig.Token == "" || rec.Token == "" ||
			subtle.ConstantTimeCompare([]byte(rec.Token), []byte(sig.Token)) != 1 {
			return ErrInvalidToken
		}
		rec.LastSeenAt = now
		if rec.BlockExpired(now) {
			rec.Unblock()
			res.Expired = true
		}
		if rec.ActiveBlock(now) || !sig.DevToolsOpen {
			res.Blocked = rec.Blocked
			res.Score = rec.Score
			res.ExpiresAt = rec.BlockExpiresAt
			return nil
		}

		switch kind {
		case KindShortcut:
			// Shortcut attempts escalate on their own count; request
			// heuristics already had their chance to block per request.
			penalty := g.cfg.Evaluator.Policy().SignalAttemptPenalty
			rec.Attempts++
			rec.Score += penalty
			if rec.Attempts*penalty >= threshold {
				reason = ReasonShortcut
			}
		default:
			if rec.Score < threshold {
				rec.Score = threshold
			}
			reason = ReasonDevTools
		}
		if reason != "" {
			rec.Block(now, g.cfg.BlockDuration, reason)
			newlyBlocked = true
		}
		res.Blocked = rec.Blocked
		res.Score = rec.Score
		res.ExpiresAt = rec.BlockExpiresAt
		return nil
	})
	if errors.Is(err, ErrInvalidToken) {
		metrics.SignalsReceived.WithLabelValues(kind, "false").Inc()
		return SignalResult{}, err
	}
	if err != nil {
		metrics.StoreErrors.WithLabelValues("signal").Inc()
		return SignalResult{}, fmt.Errorf("apply signal: %w", err)
	}
	metrics.SignalsReceived.WithLabelValues(kind, "true").Inc()

	addr := identity.Address(conn)
	if res.Expired {
		metrics.UnblocksTotal.WithLabelValues(storage.CauseExpired).Inc()
		g.emit(storage.Event{At: now, Kind: storage.KindUnblock, Identity: id.String(),
			Address: addr, Reason: storage.CauseExpired})
	}
	if newlyBlocked {
		metrics.BlocksTotal.WithLabelValues(reason).Inc()
		g.log.Info().Str("identity", id.String()).Str("addr", addr).Str("reason", reason).
			Int("score", res.Score).Msg("session blocked by client signal")
		g.emit(storage.Event{At: now, Kind: storage.KindBlock, Identity: id.String(),
			Address: addr, UserAgent: conn.UserAgent, Path: r.URL.Path, Reason: reason,
			Score: res.Score, ExpiresAt: res.ExpiresAt})
	}
	return res, nil
}

// Unblock lifts a block by hand and resets the session score.
func (g *Gate) Unblock(ctx context.Context, id string) (session.Record, error) {
	var was bool
	rec, err := g.cfg.Store.Upsert(ctx, id, func(rec *session.Record) error {
		if rec.IssuedAt.IsZero() && rec.LastSeenAt.IsZero() {
			return ErrNotFound
		}
		was = rec.Blocked
		rec.Unblock()
		return nil
	})
	if err != nil {
		return session.Record{}, err
	}
	if was {
		metrics.UnblocksTotal.WithLabelValues(storage.CauseManual).Inc()
		g.emit(storage.Event{At: g.cfg.Now(), Kind: storage.KindUnblock, Identity: id, Reason: storage.CauseManual})
	}
	return rec, nil
}

func (g *Gate) emit(ev storage.Event) {
	if g.cfg.Events != nil {
		g.cfg.Events.Emit(ev)
	}
}

func retryAfter(w http.ResponseWriter, d time.Duration) {
	if d <= 0 {
		return
	}
	secs := int((d + time.Second - 1) / time.Second)
	w.Header().Set("Retry-After", strconv.Itoa(secs))
}

// WriteError writes the JSON rejection body.
func WriteError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code, "message": msg})
}
