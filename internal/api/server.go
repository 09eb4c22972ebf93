// Package api implements the HTTP API: a JSON front door to the agent
// for clients other than Telegram.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/nugget/starkbot/internal/agent"
	"github.com/nugget/starkbot/internal/buildinfo"
	"github.com/nugget/starkbot/internal/scheduler"
	"github.com/nugget/starkbot/internal/usage"
)

// SessionPrefix starts every HTTP session key, keeping HTTP clients out
// of other transports' sessions.
const SessionPrefix = "api-"

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 64 << 10

// Runner abstracts the agent loop for testability. The real
// implementation is *agent.Loop.
type Runner interface {
	Run(ctx context.Context, req *agent.Request) (*agent.Response, error)
}

// Jobs is the background job control surface. The real implementation
// is *scheduler.Scheduler.
type Jobs interface {
	Job(sessionKey string) (scheduler.Job, bool)
	Stop(ctx context.Context, sessionKey string) (string, error)
}

// UsageReporter returns a session's token totals. The real
// implementation is *usage.Store.
type UsageReporter interface {
	SessionSummary(ctx context.Context, sessionKey string) (*usage.Summary, error)
}

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, status int, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP API server.
type Server struct {
	address string
	port    int
	runner  Runner
	jobs    Jobs
	outbox  *Outbox
	usage   UsageReporter
	logger  *slog.Logger

	srvMu  sync.Mutex
	server *http.Server
	closed bool

	statsMu sync.RWMutex
	stats   map[string]func() map[string]any
}

// NewServer creates an API server.
func NewServer(address string, port int, runner Runner, jobs Jobs, outbox *Outbox, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if outbox == nil {
		outbox = NewOutbox()
	}
	return &Server{
		address: address,
		port:    port,
		runner:  runner,
		jobs:    jobs,
		outbox:  outbox,
		logger:  logger.With("component", "api"),
		stats:   make(map[string]func() map[string]any),
	}
}

// AddStats registers a stats source reported by /health under name.
func (s *Server) AddStats(name string, fn func() map[string]any) {
	s.statsMu.Lock()
	s.stats[name] = fn
	s.statsMu.Unlock()
}

// SetUsage enables the per-session usage endpoint.
func (s *Server) SetUsage(u UsageReporter) {
	s.usage = u
}

// Handler returns the router with all routes and middleware.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(s.withLogging)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))

	r.Get("/health", s.handleHealth)
	r.Get("/v1/version", s.handleVersion)

	r.Route("/v1/sessions/{session}", func(r chi.Router) {
		r.Post("/messages", s.handleMessage)
		r.Get("/job", s.handleGetJob)
		r.Delete("/job", s.handleStopJob)
		r.Get("/notifications", s.handleNotifications)
		r.Get("/usage", s.handleUsage)
	})

	return r
}

// Start begins serving HTTP requests. It returns http.ErrServerClosed
// after Shutdown.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      6 * time.Minute, // an agent turn may take minutes
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	s.srvMu.Lock()
	if s.closed {
		s.srvMu.Unlock()
		return http.ErrServerClosed
	}
	s.server = srv
	s.srvMu.Unlock()

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return srv.ListenAndServe()
}

// Shutdown gracefully stops the server. A later Start returns
// http.ErrServerClosed immediately.
func (s *Server) Shutdown(ctx context.Context) error {
	s.srvMu.Lock()
	s.closed = true
	srv := s.server
	s.srvMu.Unlock()
	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"request_id", chiMiddleware.GetReqID(r.Context()),
			"duration", time.Since(start),
		)
	})
}

func (s *Server) errorResponse(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message}, s.logger)
}

// sessionKey maps the URL session to an agent session key.
func sessionKey(r *http.Request) (string, bool) {
	session := chi.URLParam(r, "session")
	if session == "" || len(session) > 128 || strings.ContainsAny(session, " \t\r\n") {
		return "", false
	}
	return SessionPrefix + session, true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.statsMu.RLock()
	names := make([]string, 0, len(s.stats))
	for name := range s.stats {
		names = append(names, name)
	}
	sort.Strings(names)
	stats := make(map[string]any, len(names))
	for _, name := range names {
		stats[name] = s.stats[name]()
	}
	s.statsMu.RUnlock()
	stats["outbox"] = s.outbox.Stats()

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "healthy",
		"version": buildinfo.Version,
		"uptime":  buildinfo.Uptime().Round(time.Second).String(),
		"stats":   stats,
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, buildinfo.Info(), s.logger)
}

// MessageRequest is the body of POST /v1/sessions/{session}/messages.
type MessageRequest struct {
	Message string `json:"message"`
}

// MessageResponse is the agent's reply to a message.
type MessageResponse struct {
	RequestID  string `json:"request_id"`
	Content    string `json:"content"`
	Model      string `json:"model"`
	Iterations int    `json:"iterations"`
	ToolCalls  int    `json:"tool_calls"`
	Usage      Usage  `json:"usage"`
	DurationMS int64  `json:"duration_ms"`
}

// Usage represents token usage.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	key, ok := sessionKey(r)
	if !ok {
		s.errorResponse(w, http.StatusBadRequest, "invalid session")
		return
	}

	var req MessageRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		s.errorResponse(w, http.StatusBadRequest, "message is required")
		return
	}

	resp, err := s.runner.Run(r.Context(), &agent.Request{SessionKey: key, Message: req.Message, Source: "api"})
	if err != nil {
		s.logger.Error("agent loop failed", "session", key, "error", err)
		switch {
		case errors.Is(err, agent.ErrMaxIterations):
			s.errorResponse(w, http.StatusUnprocessableEntity, err.Error())
		case errors.Is(err, context.DeadlineExceeded):
			s.errorResponse(w, http.StatusGatewayTimeout, "agent timed out")
		default:
			s.errorResponse(w, http.StatusBadGateway, "agent error")
		}
		return
	}

	writeJSON(w, http.StatusOK, MessageResponse{
		RequestID:  resp.RequestID,
		Content:    resp.Content,
		Model:      resp.Model,
		Iterations: resp.Iterations,
		ToolCalls:  resp.ToolCalls,
		Usage:      Usage{InputTokens: resp.InputTokens, OutputTokens: resp.OutputTokens},
		DurationMS: resp.Duration.Milliseconds(),
	}, s.logger)
}

// JobResponse describes a session's background job.
type JobResponse struct {
	ID              string    `json:"id"`
	Directive       string    `json:"directive"`
	IntervalSeconds float64   `json:"interval_seconds"`
	CreatedAt       time.Time `json:"created_at"`
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	key, ok := sessionKey(r)
	if !ok {
		s.errorResponse(w, http.StatusBadRequest, "invalid session")
		return
	}
	job, ok := s.jobs.Job(key)
	if !ok {
		s.errorResponse(w, http.StatusNotFound, "no background job")
		return
	}
	writeJSON(w, http.StatusOK, JobResponse{
		ID:              job.ID,
		Directive:       job.Directive,
		IntervalSeconds: job.Interval.Seconds(),
		CreatedAt:       job.CreatedAt,
	}, s.logger)
}

func (s *Server) handleStopJob(w http.ResponseWriter, r *http.Request) {
	key, ok := sessionKey(r)
	if !ok {
		s.errorResponse(w, http.StatusBadRequest, "invalid session")
		return
	}
	ack, err := s.jobs.Stop(r.Context(), key)
	if err != nil {
		s.logger.Error("stop job failed", "session", key, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "stop failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": ack}, s.logger)
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	key, ok := sessionKey(r)
	if !ok {
		s.errorResponse(w, http.StatusBadRequest, "invalid session")
		return
	}
	notes := s.outbox.Drain(key)
	if notes == nil {
		notes = []Notification{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": notes}, s.logger)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	key, ok := sessionKey(r)
	if !ok {
		s.errorResponse(w, http.StatusBadRequest, "invalid session")
		return
	}
	if s.usage == nil {
		s.errorResponse(w, http.StatusNotFound, "usage tracking disabled")
		return
	}
	sum, err := s.usage.SessionSummary(r.Context(), key)
	if err != nil {
		s.logger.Error("usage query failed", "session", key, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "usage query failed")
		return
	}
	writeJSON(w, http.StatusOK, sum, s.logger)
}
