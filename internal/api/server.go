// Package api implements the operational HTTP API: health, version,
// Prometheus metrics, job control, habit completion history and a live
// event stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/habitual/internal/buildinfo"
	"github.com/nugget/habitual/internal/connwatch"
	"github.com/nugget/habitual/internal/events"
	"github.com/nugget/habitual/internal/habit"
	"github.com/nugget/habitual/internal/jobs"
	"github.com/nugget/habitual/internal/ledger"
	"github.com/nugget/habitual/internal/metrics"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// JobRunner is the job control surface exposed over HTTP.
type JobRunner interface {
	Jobs() []jobs.JobInfo
	History(name string, limit int) ([]*jobs.Execution, error)
	Trigger(ctx context.Context, name string) (*jobs.Execution, error)
}

// HabitLookup resolves a habit by id; nil, nil when it does not exist.
type HabitLookup interface {
	Get(id string) (*habit.Habit, error)
}

// CompletionHistory lists a habit's ledger entries, newest first.
type CompletionHistory interface {
	History(habitID string, limit int) ([]ledger.Completion, error)
}

// HealthSource reports external service health.
type HealthSource interface {
	Status() map[string]connwatch.ServiceStatus
	Healthy() bool
}

// defaultWriteTimeout bounds responses while no job timeout is known.
const defaultWriteTimeout = 150 * time.Second

// writeMargin is added to the longest job timeout so that a manual run
// that hits its deadline can still report the failed execution.
const writeMargin = 30 * time.Second

// Server is the HTTP API server.
type Server struct {
	address      string
	port         int
	writeTimeout time.Duration

	jobs        JobRunner
	habits      HabitLookup
	completions CompletionHistory
	health      HealthSource
	bus      *events.Bus
	logger   *slog.Logger
	server   *http.Server
	upgrader websocket.Upgrader
}

// NewServer creates a new API server.
func NewServer(address string, port int, runner JobRunner, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address:      address,
		port:         port,
		writeTimeout: defaultWriteTimeout,
		jobs:         runner,
		logger:       logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
}

// SetHealth configures the source behind /health.
func (s *Server) SetHealth(h HealthSource) {
	s.health = h
}

// SetJobTimeout sizes the response write timeout for manual job runs,
// which hold the request open until the pass ends.
func (s *Server) SetJobTimeout(longest time.Duration) {
	s.writeTimeout = max(longest+writeMargin, defaultWriteTimeout)
}

// SetCompletions configures the sources behind
// /v1/habits/{id}/completions.
func (s *Server) SetCompletions(habits HabitLookup, completions CompletionHistory) {
	s.habits = habits
	s.completions = completions
}

// SetEventBus configures the bus streamed on /v1/events.
func (s *Server) SetEventBus(b *events.Bus) {
	s.bus = b
}

// Handler returns the routed handler with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health endpoints
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /{$}", s.handleRoot)

	// Jobs
	mux.HandleFunc("GET /v1/jobs", s.handleJobList)
	mux.HandleFunc("GET /v1/jobs/{name}/runs", s.handleJobRuns)
	mux.HandleFunc("POST /v1/jobs/{name}/run", s.handleJobRun)

	// Habits
	mux.HandleFunc("GET /v1/habits/{id}/completions", s.handleCompletions)

	// Live events
	mux.HandleFunc("GET /v1/events", s.handleEvents)

	return s.withLogging(mux)
}

func (s *Server) httpServer(ctx context.Context) *http.Server {
	return &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: s.writeTimeout,
		BaseContext:  func(_ net.Listener) context.Context { return ctx },
	}
}

// Start begins serving HTTP requests. It returns
// [http.ErrServerClosed] after Shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.server = s.httpServer(ctx)

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		level := slog.LevelInfo
		if r.URL.Path == "/metrics" || r.URL.Path == "/health" {
			level = slog.LevelDebug
		}
		s.logger.Log(r.Context(), level, "request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "Habitual",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.RuntimeInfo(), s.logger)
}

// handleHealth always answers 200 while the process is up. Degraded
// external services show in the body.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "healthy"}
	if s.health != nil {
		if !s.health.Healthy() {
			resp["status"] = "degraded"
		}
		resp["services"] = s.health.Status()
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}

func (s *Server) handleJobList(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "job runner not configured")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"jobs": s.jobs.Jobs()}, s.logger)
}

func (s *Server) handleJobRuns(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "job runner not configured")
		return
	}
	name := r.PathValue("name")
	limit := parseIntParam(r, "limit", 20)

	runs, err := s.jobs.History(name, limit)
	if errors.Is(err, jobs.ErrUnknownJob) {
		s.errorResponse(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("failed to list job runs", "job", name, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to list job runs")
		return
	}
	if runs == nil {
		runs = []*jobs.Execution{}
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"job": name, "runs": runs}, s.logger)
}

// handleJobRun runs a job now and answers with the recorded execution.
// A pass that ran and failed is still a 200; its status says failed.
func (s *Server) handleJobRun(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "job runner not configured")
		return
	}
	name := r.PathValue("name")

	exec, err := s.jobs.Trigger(r.Context(), name)
	switch {
	case errors.Is(err, jobs.ErrUnknownJob):
		s.errorResponse(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, jobs.ErrJobRunning):
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		writeJSON(w, exec, s.logger)
		return
	case err != nil && exec == nil:
		s.logger.Error("failed to run job", "job", name, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to run job")
		return
	}

	s.logger.Info("job run requested", "job", name, "status", exec.Status)
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, exec, s.logger)
}

type completionJSON struct {
	Date       string    `json:"date"`
	RecordedAt time.Time `json:"recorded_at"`
}

func (s *Server) handleCompletions(w http.ResponseWriter, r *http.Request) {
	if s.habits == nil || s.completions == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "completion ledger not configured")
		return
	}
	id := r.PathValue("id")
	limit := parseIntParam(r, "limit", 30)

	h, err := s.habits.Get(id)
	if err != nil {
		s.logger.Error("failed to load habit", "habit_id", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to load habit")
		return
	}
	if h == nil {
		s.errorResponse(w, http.StatusNotFound, "habit not found")
		return
	}

	history, err := s.completions.History(id, limit)
	if err != nil {
		s.logger.Error("failed to list completions", "habit_id", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to list completions")
		return
	}
	out := make([]completionJSON, 0, len(history))
	for _, c := range history {
		out = append(out, completionJSON{Date: c.Date.String(), RecordedAt: c.RecordedAt})
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"habit_id":       h.ID,
		"action":         h.Action,
		"time":           h.Time.String(),
		"frequency_days": h.FrequencyDays,
		"completions":    out,
	}, s.logger)
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

func parseIntParam(r *http.Request, name string, defaultVal int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}
