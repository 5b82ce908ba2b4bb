package server

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"

	"github.com/developingchet/streamguard/internal/gate"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// APIKeyHeader carries the admin API key.
const APIKeyHeader = "X-Api-Key"

const defaultJournalLimit = 100

type sessionView struct {
	ID     string `json:"id"`
	Active bool   `json:"active_block"`
	Hits   int    `json:"hit_count"`
	Record any    `json:"record"`
}

// AdminHandler returns the operator API. Every route requires the API key.
func (s *Server) AdminHandler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requireAPIKey)

	r.Route("/admin", func(r chi.Router) {
		r.Get("/sessions", s.adminListSessions)
		r.Get("/sessions/{id}", s.adminGetSession)
		r.Post("/sessions/{id}/unblock", s.adminUnblock)
		r.Get("/journal", s.adminJournal)
	})
	return r
}

func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(APIKeyHeader)
		if s.cfg.AdminAPIKey == "" || subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.AdminAPIKey)) != 1 {
			gate.WriteError(w, http.StatusUnauthorized, "unauthorized", "A valid API key is required.")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) adminListSessions(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.List(r.Context())
	if err != nil {
		s.log.Warn().Err(err).Msg("admin: list sessions failed")
		gate.WriteError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	now := s.janitor.now()
	blockedOnly := r.URL.Query().Get("blocked") == "true"
	out := make([]sessionView, 0, len(entries))
	for _, e := range entries {
		active := e.Record.ActiveBlock(now)
		if blockedOnly && !active {
			continue
		}
		out = append(out, sessionView{ID: e.ID, Active: active, Hits: len(e.Record.Hits), Record: e.Record})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) adminGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := s.store.Get(r.Context(), id)
	if err != nil {
		gate.WriteError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	if rec == nil {
		gate.WriteError(w, http.StatusNotFound, "not_found", "No session with that id.")
		return
	}
	writeJSON(w, http.StatusOK, sessionView{ID: id, Active: rec.ActiveBlock(s.janitor.now()), Hits: len(rec.Hits), Record: rec})
}

func (s *Server) adminUnblock(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := s.gate.Unblock(r.Context(), id)
	if errors.Is(err, gate.ErrNotFound) {
		gate.WriteError(w, http.StatusNotFound, "not_found", "No session with that id.")
		return
	}
	if err != nil {
		s.log.Warn().Err(err).Str("identity", id).Msg("admin: unblock failed")
		gate.WriteError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	s.log.Info().Str("identity", id).Msg("session unblocked by operator")
	writeJSON(w, http.StatusOK, sessionView{ID: id, Hits: len(rec.Hits), Record: rec})
}

func (s *Server) adminJournal(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		gate.WriteError(w, http.StatusNotFound, "journal_disabled", "The block journal is disabled.")
		return
	}
	limit := defaultJournalLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			gate.WriteError(w, http.StatusBadRequest, "bad_limit", "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	events, err := s.journal.List(limit)
	if err != nil {
		gate.WriteError(w, http.StatusInternalServerError, "journal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, events)
}
