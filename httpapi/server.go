package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pkt.systems/moorage/core"
	"pkt.systems/moorage/internal/logx"
	"pkt.systems/moorage/schema"
)

// Orchestrator is the container lifecycle served over HTTP.
type Orchestrator interface {
	Available() bool
	Create(ctx context.Context, id schema.SessionID) (string, error)
	Ensure(ctx context.Context, id schema.SessionID) (schema.ContainerHandle, error)
	Stop(ctx context.Context, id schema.SessionID) (bool, error)
	Remove(ctx context.Context, id schema.SessionID) (bool, error)
	Exec(ctx context.Context, id schema.SessionID, command string) (schema.ExecResult, error)
}

// SessionStore reads session records and reports backend health.
type SessionStore interface {
	GetState(ctx context.Context, id schema.SessionID) (schema.Session, bool, error)
	Ping(ctx context.Context) error
}

// Maintenance runs the eviction sweep and record cleanup on demand.
type Maintenance interface {
	SweepInactive(ctx context.Context, threshold time.Duration) ([]schema.SessionID, error)
	Cleanup(ctx context.Context, maxAge time.Duration) ([]schema.SessionID, error)
}

// Deps are the collaborators behind the HTTP routes.
type Deps struct {
	Orchestrator Orchestrator
	Store        SessionStore
	Tracker      *core.Tracker
	Tasks        *core.Tasks
	Maintenance  Maintenance
	// Gatherer backs /metrics. Nil uses the default registry.
	Gatherer prometheus.Gatherer
}

// Server serves the session API.
type Server struct {
	cfg      Config
	deps     Deps
	basePath string
}

// NewServer constructs an HTTP server.
func NewServer(cfg Config, deps Deps) *Server {
	if cfg.SweepThreshold <= 0 {
		cfg.SweepThreshold = 30 * time.Minute
	}
	if cfg.CleanupMaxAge <= 0 {
		cfg.CleanupMaxAge = 24 * time.Hour
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		cfg:      cfg,
		deps:     deps,
		basePath: normalizeBasePath(cfg.BasePath),
	}
}

// Handler returns an http.Handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))

	mux.HandleFunc("GET /v1/sessions/{id}", s.handleState)
	mux.HandleFunc("POST /v1/sessions/{id}/exec", s.handleExec)
	mux.HandleFunc("POST /v1/sessions/{id}/container", s.handleCreate)
	mux.HandleFunc("DELETE /v1/sessions/{id}/container", s.handleRemove)
	mux.HandleFunc("POST /v1/sessions/{id}/ensure", s.handleEnsure)
	mux.HandleFunc("POST /v1/sessions/{id}/stop", s.handleStop)
	mux.HandleFunc("POST /v1/sessions/{id}/clone", s.handleClone)
	mux.HandleFunc("POST /v1/sessions/{id}/modules", s.handleModule)
	mux.HandleFunc("POST /v1/sessions/{id}/debug", s.handleDebug)
	mux.HandleFunc("POST /v1/sweep", s.handleSweep)
	mux.HandleFunc("POST /v1/cleanup", s.handleCleanup)

	handler := withRequestLogging(mux)
	if s.basePath == "" {
		return handler
	}
	prefix := s.basePath
	root := http.NewServeMux()
	root.Handle(prefix+"/", http.StripPrefix(prefix, handler))
	root.HandleFunc(prefix, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != prefix {
			http.NotFound(w, r)
			return
		}
		http.Redirect(w, r, prefix+"/", http.StatusTemporaryRedirect)
	})
	return root
}

// runTask runs fn for the path session inside a tracked task.
func runTask[T any](s *Server, r *http.Request, task string, fn func(context.Context, schema.SessionID) (T, error)) (T, error) {
	id := schema.SessionID(strings.TrimSpace(r.PathValue("id")))
	return core.Track(r.Context(), s.deps.Tracker, id, task, func(ctx context.Context) (T, error) {
		return fn(ctx, id)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	body := map[string]any{"status": "ok", "store": "ok", "runtime": "available"}
	if err := s.deps.Store.Ping(r.Context()); err != nil {
		status = http.StatusServiceUnavailable
		body["status"] = "unavailable"
		body["store"] = err.Error()
	}
	if !s.deps.Orchestrator.Available() {
		body["runtime"] = "unavailable"
		if status == http.StatusOK {
			body["status"] = "degraded"
		}
	}
	writeJSON(w, status, body)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	id := schema.SessionID(strings.TrimSpace(r.PathValue("id")))
	if id == "" {
		writeError(w, http.StatusBadRequest, schema.ErrInvalidArgument)
		return
	}
	sess, ok, err := s.deps.Store.GetState(r.Context(), id)
	if err != nil {
		s.writeFailure(w, r, "state", err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("session %s not found", id))
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleExec(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Command string `json:"command"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(payload.Command) == "" {
		writeError(w, http.StatusBadRequest, errors.New("command is required"))
		return
	}
	res, err := runTask(s, r, core.TaskExec, func(ctx context.Context, id schema.SessionID) (schema.ExecResult, error) {
		return s.deps.Orchestrator.Exec(ctx, id, payload.Command)
	})
	s.writeEnvelope(w, r, "exec", res, err)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	containerID, err := runTask(s, r, core.TaskCreate, s.deps.Orchestrator.Create)
	if err != nil {
		s.writeFailure(w, r, "create", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"container_id": containerID})
}

func (s *Server) handleEnsure(w http.ResponseWriter, r *http.Request) {
	handle, err := runTask(s, r, core.TaskEnsure, s.deps.Orchestrator.Ensure)
	if err != nil {
		s.writeFailure(w, r, "ensure", err)
		return
	}
	writeJSON(w, http.StatusOK, handle)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	stopped, err := runTask(s, r, core.TaskStop, s.deps.Orchestrator.Stop)
	if err != nil {
		s.writeFailure(w, r, "stop", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stopped": stopped})
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	removed, err := runTask(s, r, core.TaskRemove, s.deps.Orchestrator.Remove)
	if err != nil {
		s.writeFailure(w, r, "remove", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}

func (s *Server) handleClone(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		GitURL string `json:"git_url"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	res, err := runTask(s, r, core.TaskCloneAndInstall, func(ctx context.Context, id schema.SessionID) (schema.ExecResult, error) {
		return s.deps.Tasks.CloneAndInstall(ctx, id, payload.GitURL)
	})
	s.writeEnvelope(w, r, "clone", res, err)
}

func (s *Server) handleModule(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Module string   `json:"module"`
		Args   []string `json:"args"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	res, err := runTask(s, r, core.TaskExecuteModule, func(ctx context.Context, id schema.SessionID) (schema.ExecResult, error) {
		return s.deps.Tasks.ExecuteModule(ctx, id, payload.Module, payload.Args...)
	})
	s.writeEnvelope(w, r, "module", res, err)
}

func (s *Server) handleDebug(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Message string `json:"message"`
		Level   string `json:"level"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	res, err := runTask(s, r, core.TaskDebug, func(ctx context.Context, id schema.SessionID) (core.DebugResult, error) {
		return s.deps.Tasks.Debug(ctx, id, payload.Message, payload.Level)
	})
	if err != nil {
		s.writeFailure(w, r, "debug", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Threshold string `json:"threshold"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	threshold, err := durationOr(payload.Threshold, s.cfg.SweepThreshold)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("threshold: %w", err))
		return
	}
	evicted, err := s.deps.Maintenance.SweepInactive(r.Context(), threshold)
	if err != nil {
		s.writeFailure(w, r, "sweep", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"evicted": nonNil(evicted), "threshold": threshold.String()})
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		MaxAge string `json:"max_age"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	maxAge, err := durationOr(payload.MaxAge, s.cfg.CleanupMaxAge)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("max_age: %w", err))
		return
	}
	deleted, err := s.deps.Maintenance.Cleanup(r.Context(), maxAge)
	if err != nil {
		s.writeFailure(w, r, "cleanup", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": nonNil(deleted), "max_age": maxAge.String()})
}

// writeEnvelope writes an exec envelope. A failed command is still a 200
// unless the caller asked for ?strict=true.
func (s *Server) writeEnvelope(w http.ResponseWriter, r *http.Request, op string, res schema.ExecResult, err error) {
	var cmdErr *schema.CommandError
	if err != nil && !errors.As(err, &cmdErr) {
		s.writeFailure(w, r, op, err)
		return
	}
	status := http.StatusOK
	if !res.Success && strictRequested(r) {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, res)
}

func (s *Server) writeFailure(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := statusFor(err)
	log := logx.ForSession(r.Context(), schema.SessionID(r.PathValue("id")))
	if status >= http.StatusInternalServerError {
		log.Warn("http "+op+" failed", "status", status, "err", err)
	} else {
		log.Info("http "+op+" rejected", "status", status, "err", err)
	}
	writeError(w, status, err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, schema.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, schema.ErrStoreConflict):
		return http.StatusConflict
	case errors.Is(err, schema.ErrRuntimeUnavailable), errors.Is(err, schema.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, schema.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func strictRequested(r *http.Request) bool {
	strict, err := strconv.ParseBool(r.URL.Query().Get("strict"))
	return err == nil && strict
}

func durationOr(value string, fallback time.Duration) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, errors.New("must be positive")
	}
	return d, nil
}

func nonNil(ids []schema.SessionID) []schema.SessionID {
	if ids == nil {
		return []schema.SessionID{}
	}
	return ids
}

func decodeJSON(body io.Reader, target any) error {
	decoder := json.NewDecoder(body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	data, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}
