package api

import (
	"LinkGuard/internal/command"
	"LinkGuard/internal/engine/orchestrator"
	"LinkGuard/internal/metrics"
	"LinkGuard/internal/model"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

const maxBodyBytes = 4 << 10

// StatusProvider exposes the detector's diagnostic view.
type StatusProvider interface {
	Status() orchestrator.Status
}

// EventStore gives read access to recently emitted events.
type EventStore interface {
	Recent(n int) []model.ThreatEvent
	Get(id string) (model.ThreatEvent, bool)
}

// Deps groups the handler dependencies. Events may be nil when no memory
// sink is configured.
type Deps struct {
	Status    StatusProvider
	Events    EventStore
	Commands  *command.Channel
	Validator command.Validator
	Allow     *command.AllowList
	Metrics   *metrics.Metrics
	Logger    zerolog.Logger
}

// Server is the HTTP status and control API.
type Server struct {
	deps   Deps
	server *http.Server
	logger zerolog.Logger
}

// NewServer builds the router and the http.Server listening on addr.
func NewServer(addr string, deps Deps) *Server {
	s := &Server{deps: deps, logger: deps.Logger.With().Str("component", "api").Logger()}
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the routed handler with recovery and access logging.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.healthHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/status", s.statusHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/events", s.eventsHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/events/{id}", s.eventHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/mode", s.getModeHandler).Methods(http.MethodGet)
	r.Handle("/api/v1/mode", s.allowed(http.HandlerFunc(s.setModeHandler))).Methods(http.MethodPost)
	if s.deps.Metrics != nil {
		r.Handle("/metrics", s.deps.Metrics.Handler()).Methods(http.MethodGet)
	}

	recovered := handlers.RecoveryHandler(handlers.RecoveryLogger(recoveryLogger{s.logger}), handlers.PrintRecoveryStack(false))(r)
	return handlers.LoggingHandler(accessLog{s.logger}, recovered)
}

// ListenAndServe serves until Shutdown is called.
func (s *Server) ListenAndServe() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("API server starting")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("could not listen on %s: %w", s.server.Addr, err)
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("API server shutting down...")
	return s.server.Shutdown(ctx)
}

func (s *Server) allowed(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.deps.Allow.Allows(r.RemoteAddr) {
			s.logger.Warn().Str("peer", r.RemoteAddr).Msg("Control request from unlisted peer rejected")
			http.Error(w, "peer not allowed", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Status.Status())
}

func (s *Server) eventsHandler(w http.ResponseWriter, r *http.Request) {
	if s.deps.Events == nil {
		http.Error(w, "no event store configured", http.StatusNotFound)
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, fmt.Sprintf("invalid limit %q", v), http.StatusBadRequest)
			return
		}
		limit = n
	}
	alertsOnly := r.URL.Query().Get("alerts") == "true"

	var out []model.ThreatEvent
	for _, e := range s.deps.Events.Recent(0) {
		if alertsOnly && !e.IsAlert() {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	if out == nil {
		out = []model.ThreatEvent{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) eventHandler(w http.ResponseWriter, r *http.Request) {
	if s.deps.Events == nil {
		http.Error(w, "no event store configured", http.StatusNotFound)
		return
	}
	e, ok := s.deps.Events.Get(mux.Vars(r)["id"])
	if !ok {
		http.Error(w, "event not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

type modeView struct {
	Mode      model.DetectionMode   `json:"mode"`
	Available []model.DetectionMode `json:"available"`
}

func (s *Server) getModeHandler(w http.ResponseWriter, r *http.Request) {
	view := modeView{Mode: s.deps.Status.Status().Mode, Available: []model.DetectionMode{}}
	for _, m := range model.AllModes {
		if s.deps.Validator == nil || s.deps.Validator.Available(m) == nil {
			view.Available = append(view.Available, m)
		}
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) setModeHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to read request body: %v", err), http.StatusBadRequest)
		return
	}
	var req command.Request
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, fmt.Sprintf("failed to decode request: %v", err), http.StatusBadRequest)
		return
	}
	cmd, err := req.Decode("http")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	resp := s.deps.Commands.Submit(r.Context(), cmd)
	writeJSON(w, httpStatus(resp), resp)
}

func httpStatus(resp command.Response) int {
	switch {
	case resp.OK:
		return http.StatusOK
	case errors.Is(resp.Err, model.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(resp.Err, model.ErrUnavailable):
		return http.StatusConflict
	case errors.Is(resp.Err, command.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to marshal response: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(data)
}

// accessLog feeds Apache-style access lines into the structured log.
type accessLog struct {
	logger zerolog.Logger
}

func (a accessLog) Write(p []byte) (int, error) {
	a.logger.Debug().Msg(string(trimNewline(p)))
	return len(p), nil
}

type recoveryLogger struct {
	logger zerolog.Logger
}

func (r recoveryLogger) Println(v ...interface{}) {
	r.logger.Error().Msg(fmt.Sprint(v...))
}

func trimNewline(p []byte) []byte {
	if n := len(p); n > 0 && p[n-1] == '\n' {
		return p[:n-1]
	}
	return p
}
