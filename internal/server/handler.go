package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/developingchet/streamguard/internal/gate"
	"github.com/developingchet/streamguard/internal/identity"
	"github.com/developingchet/streamguard/internal/metrics"
)

// maxSignalBody caps the devtools report body.
const maxSignalBody = 4 << 10

type tokenResponse struct {
	Token string `json:"token"`
}

// signalReport is the body of POST /api/security/devtools-detection.
type signalReport struct {
	Token        string `json:"token"`
	DevToolsOpen bool   `json:"devToolsOpen"`
	Timestamp    int64  `json:"timestamp"`
	Kind         string `json:"kind,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// handleToken issues a fresh token for the caller's identity. Only the
// latest token validates.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	id := s.resolver.Resolve(identity.FromRequest(r))
	tok, err := s.issuer.Issue(r.Context(), id.String())
	if err != nil {
		metrics.TokensIssued.WithLabelValues("error").Inc()
		s.log.Error().Err(err).Str("identity", id.String()).Msg("token issuance failed")
		gate.WriteError(w, http.StatusInternalServerError, "token_unavailable", "Could not issue a security token.")
		return
	}
	metrics.TokensIssued.WithLabelValues("ok").Inc()
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, tokenResponse{Token: tok})
}

// handleDevTools accepts a client-side detection report. Every report gets
// the same 403 body whatever happened to it; only a valid token changes
// session state.
func (s *Server) handleDevTools(w http.ResponseWriter, r *http.Request) {
	defer gate.WriteError(w, http.StatusForbidden, "access_denied", "Developer tools are not allowed.")

	var rep signalReport
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSignalBody)).Decode(&rep); err != nil {
		s.log.Debug().Err(err).Msg("malformed devtools report")
		return
	}

	_, err := s.gate.ApplySignal(r.Context(), r, gate.Signal{
		Token:        rep.Token,
		DevToolsOpen: rep.DevToolsOpen,
		Kind:         rep.Kind,
		Timestamp:    rep.Timestamp,
	})
	switch {
	case errors.Is(err, gate.ErrInvalidToken):
		s.log.Debug().Str("kind", rep.Kind).Msg("devtools report with invalid token ignored")
	case err != nil:
		s.log.Warn().Err(err).Msg("devtools report not applied")
	}
}
