// Package server implements the HTTP API for dirwatcher.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/dirwatcher/internal/model"
	"github.com/ashita-ai/dirwatcher/internal/scheduler"
)

// Store is the persistence the HTTP API needs. Both storage.DB and
// sqlite.DB satisfy it.
type Store interface {
	Ping(ctx context.Context) error
	GetWatchConfig(ctx context.Context) (model.WatchConfig, error)
	PutWatchConfig(ctx context.Context, cfg model.WatchConfig) (model.WatchConfig, error)
	CreateRun(ctx context.Context, run model.TaskRun) (model.TaskRun, error)
	GetRun(ctx context.Context, id uuid.UUID) (model.TaskRun, error)
	ListRuns(ctx context.Context, limit, offset int) ([]model.TaskRun, int, error)
	UpdateRun(ctx context.Context, id uuid.UUID, mutate func(model.TaskRun) (model.TaskRun, error)) (model.TaskRun, error)
	DeleteRun(ctx context.Context, id uuid.UUID) error
}

// Scheduler is the task control surface. *scheduler.Driver satisfies it.
type Scheduler interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Status() scheduler.Status
}

// Server is the dirwatcher HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
type ServerConfig struct {
	Store     Store
	Scheduler Scheduler
	Broker    *Broker // optional
	Logger    *slog.Logger

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Store:               cfg.Store,
		Scheduler:           cfg.Scheduler,
		Broker:              cfg.Broker,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	mux := http.NewServeMux()

	// Configuration.
	mux.HandleFunc("GET /config", h.HandleGetConfig)
	mux.HandleFunc("PUT /config", h.HandlePutConfig)

	// Task runs (administrative CRUD).
	mux.HandleFunc("GET /task-runs", h.HandleListRuns)
	mux.HandleFunc("POST /task-runs", h.HandleCreateRun)
	mux.HandleFunc("GET /task-runs/events", h.HandleRunEvents)
	mux.HandleFunc("GET /task-runs/{id}", h.HandleGetRun)
	mux.HandleFunc("PUT /task-runs/{id}", h.HandleUpdateRun)
	mux.HandleFunc("DELETE /task-runs/{id}", h.HandleDeleteRun)

	// Task control.
	mux.HandleFunc("POST /task-control", h.HandleTaskControl)
	mux.HandleFunc("GET /task-status", h.HandleTaskStatus)

	// Health.
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			WriteTimeout:      cfg.WriteTimeout,
			ReadHeaderTimeout: 10 * time.Second,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
