// Package httpapi exposes the research engine over HTTP: a run submission
// endpoint, SSE and websocket event streams, and archived run lookup.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fathomlabs/fathom/internal/archive"
	"github.com/fathomlabs/fathom/internal/auth"
	"github.com/fathomlabs/fathom/internal/config"
	"github.com/fathomlabs/fathom/internal/research"
	"github.com/fathomlabs/fathom/internal/session"
	"github.com/fathomlabs/fathom/internal/streaming"
)

// Runner starts research runs. Implemented by research.Engine.
type Runner interface {
	Run(ctx context.Context, req research.Request) (*research.Result, error)
}

// RunStore reads archived runs. Implemented by archive.Archive.
type RunStore interface {
	GetRun(ctx context.Context, runID string) (*archive.RunRecord, []archive.SourceRecord, error)
	RecentRuns(ctx context.Context, limit int) ([]archive.RunRecord, error)
}

// Server holds the API dependencies.
type Server struct {
	runner   Runner
	sessions *session.Store
	stream   *streaming.Manager
	runs     RunStore // optional
	verifier *auth.Verifier
	authCfg  config.AuthConfig
	ready    http.Handler // optional
	logger   *zap.Logger
}

// NewServer wires the API. runs may be nil when archiving is disabled.
func NewServer(
	runner Runner,
	sessions *session.Store,
	stream *streaming.Manager,
	runs RunStore,
	authCfg config.AuthConfig,
	logger *zap.Logger,
) *Server {
	s := &Server{
		runner:   runner,
		sessions: sessions,
		stream:   stream,
		runs:     runs,
		authCfg:  authCfg,
		logger:   logger,
	}
	if authCfg.Enabled && !authCfg.SkipAuth {
		s.verifier = auth.NewVerifier(authCfg.JWTSecret)
	}
	return s
}

// WithReadiness installs a readiness handler served at /readyz.
func (s *Server) WithReadiness(h http.Handler) *Server {
	s.ready = h
	return s
}

// Handler builds the routed and authenticated http.Handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/research", s.handleStartResearch)
	mux.HandleFunc("GET /api/v1/runs", s.handleRecentRuns)
	mux.HandleFunc("GET /api/v1/runs/{id}", s.handleGetRun)
	mux.HandleFunc("GET /api/v1/stream/sse", s.handleSSE)
	mux.HandleFunc("GET /api/v1/stream/ws", s.handleWS)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	if s.ready != nil {
		mux.Handle("GET /readyz", s.ready)
	}
	return s.withAuth(mux)
}

// withAuth enforces bearer tokens on /api/ routes when auth is enabled.
func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.verifier == nil || !strings.HasPrefix(r.URL.Path, "/api/") {
			next.ServeHTTP(w, r)
			return
		}
		token, err := auth.ExtractBearerToken(r.Header.Get("Authorization"))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "missing or malformed bearer token")
			return
		}
		principal, err := s.verifier.Verify(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), principal)))
	})
}

type startRequest struct {
	Topic      string `json:"topic"`
	UserKey    string `json:"user_key"`
	ChannelKey string `json:"channel_key"`
	SessionID  string `json:"session_id,omitempty"`
	Wait       bool   `json:"wait,omitempty"`
}

type startResponse struct {
	RunID     string           `json:"run_id"`
	SessionID string           `json:"session_id"`
	Result    *research.Result `json:"result,omitempty"`
}

func (s *Server) handleStartResearch(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Topic) == "" {
		writeError(w, http.StatusBadRequest, "topic is required")
		return
	}
	if req.UserKey == "" || req.ChannelKey == "" {
		writeError(w, http.StatusBadRequest, "user_key and channel_key are required")
		return
	}

	sess := s.resolveSession(req)
	runReq := research.Request{
		RunID:      uuid.NewString(),
		SessionID:  sess.ID,
		Topic:      req.Topic,
		UserKey:    req.UserKey,
		ChannelKey: req.ChannelKey,
	}

	if req.Wait {
		result, err := s.runner.Run(r.Context(), runReq)
		if err != nil && result == nil {
			s.writeRunError(w, runReq.RunID, err)
			return
		}
		writeJSON(w, http.StatusOK, startResponse{
			RunID:     runReq.RunID,
			SessionID: sess.ID,
			Result:    result,
		})
		return
	}

	go func() {
		// Detached from the request: the run outlives the HTTP exchange
		// and clients follow it over the event stream.
		if _, err := s.runner.Run(context.Background(), runReq); err != nil {
			s.logger.Warn("Research run failed",
				zap.String("run_id", runReq.RunID),
				zap.Error(err),
			)
		}
	}()
	writeJSON(w, http.StatusAccepted, startResponse{RunID: runReq.RunID, SessionID: sess.ID})
}

func (s *Server) resolveSession(req startRequest) *session.Session {
	if req.SessionID != "" {
		if sess, err := s.sessions.Get(req.SessionID); err == nil {
			_ = s.sessions.Touch(sess.ID)
			return sess
		}
	}
	identity := session.Identity{UserKey: req.UserKey, ChannelKey: req.ChannelKey}
	if sess, ok := s.sessions.GetActive(identity); ok {
		_ = s.sessions.Touch(sess.ID)
		return sess
	}
	return s.sessions.Create(identity)
}

func (s *Server) writeRunError(w http.ResponseWriter, runID string, err error) {
	kind, _ := research.KindOf(err)
	status := http.StatusBadGateway
	if kind == research.KindInvalidInput {
		status = http.StatusBadRequest
	}
	s.logger.Warn("Research run rejected", zap.String("run_id", runID), zap.Error(err))
	writeJSON(w, status, map[string]string{
		"run_id": runID,
		"kind":   string(kind),
		"error":  research.UserMessageOf(err),
	})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeError(w, http.StatusNotFound, "run archive is not enabled")
		return
	}
	run, sources, err := s.runs.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"run":     run,
		"sources": sources,
	})
}

func (s *Server) handleRecentRuns(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeError(w, http.StatusNotFound, "run archive is not enabled")
		return
	}
	limit := 20
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}
	runs, err := s.runs.RecentRuns(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"runs": runs})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

var errStreamingUnsupported = errors.New("streaming not supported")
