// Package server sets up the HTTP server, router, and all route definitions.
//
// SERVER ARCHITECTURE:
// This package is the "wiring" layer. It decides:
// - Which URL patterns map to which handler functions
// - What middleware runs on which routes
// - How the server starts and stops gracefully
//
// DEPENDENCY INJECTION FLOW:
// main.go creates the runtime, orchestrator, workspace manager, batch
// coordinator, database, job queue and RunService, then hands them to New.
// The server owns the lifetime of the queue and the database from then on:
// both are shut down in Run once HTTP traffic has drained.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sakif/submission-runner/internal/auth"
	"github.com/sakif/submission-runner/internal/handler"
	"github.com/sakif/submission-runner/internal/middleware"
)

// Config holds server configuration.
type Config struct {
	Port int
	// RateLimitRPS and RateLimitBurst bound the POST endpoints per client.
	// A zero RPS disables limiting.
	RateLimitRPS   float64
	RateLimitBurst int
	// ShutdownTimeout bounds the wait for in-flight requests and running
	// jobs. Defaults to 30s.
	ShutdownTimeout time.Duration
	// HandlerGrace bounds the wait for requests cancelled at the shutdown
	// deadline to remove their containers and workspaces. Defaults to 10s.
	HandlerGrace time.Duration
}

// Stopper is the job queue as seen by the server.
type Stopper interface {
	Stop(ctx context.Context) (int, error)
}

// Deps are the collaborators the routes are built from. Tokens, Queue, DB
// and Health may be nil.
type Deps struct {
	Runs   handler.RunService
	Tokens *auth.TokenService
	Queue  Stopper
	DB     interface{ Close() error }
	// Health reports whether the container runtime is usable.
	Health func(ctx context.Context) error
}

// Server represents the HTTP server and all its dependencies.
type Server struct {
	router  *chi.Mux
	config  Config
	deps    Deps
	limiter *middleware.RateLimiter
	logger  *slog.Logger
}

// New creates a Server and registers its routes.
func New(cfg Config, deps Deps, logger *slog.Logger) (*Server, error) {
	if deps.Runs == nil {
		return nil, errors.New("server: a RunService is required")
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.HandlerGrace <= 0 {
		cfg.HandlerGrace = 10 * time.Second
	}

	s := &Server{
		router:  chi.NewRouter(),
		config:  cfg,
		deps:    deps,
		limiter: middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst),
		logger:  logger,
	}
	s.setupRoutes()
	return s, nil
}

// Handler exposes the router, mainly for httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRoutes configures all middleware and route handlers.
//
// ROUTE STRUCTURE:
// GET    /healthz                   → liveness + runtime check
// GET    /metrics                   → Prometheus metrics
// POST   /api/submissions           → run one submission, wait for the result
// POST   /api/submissions/async     → queue one submission (202 + run)
// POST   /api/batches               → queue a batch (202 + run)
// POST   /api/batches/sync          → run a batch, wait for the report
// GET    /api/runs                  → list run history
// GET    /api/runs/{id}             → one run with its report
// GET    /api/folders?parent=       → candidate submission folders
//
// MIDDLEWARE ORDER MATTERS:
// 1. RequestID: assigns unique ID to each request (for tracing)
// 2. RealIP: extracts real client IP from proxy headers (the rate limiter keys on it)
// 3. Recoverer: catches panics and returns 500 instead of crashing
// 4. Logger: logs each request with timing info
func (s *Server) setupRoutes() {
	s.router.Use(chimiddleware.RequestID)
	s.router.Use(chimiddleware.RealIP)
	s.router.Use(chimiddleware.Recoverer)
	s.router.Use(middleware.Logger(s.logger))

	s.router.Get("/healthz", s.handleHealth)
	s.router.Handle("/metrics", promhttp.Handler())

	submissions := handler.NewSubmissionHandler(s.deps.Runs, s.logger)
	runs := handler.NewRunHandler(s.deps.Runs, s.logger)

	s.router.Route("/api", func(r chi.Router) {
		r.Use(auth.RequireAuth(s.deps.Tokens))

		// Only the endpoints that start containers are rate limited.
		r.Group(func(r chi.Router) {
			r.Use(s.limiter.Middleware)
			r.Post("/submissions", submissions.HandleRun)
			r.Post("/submissions/async", submissions.HandleSubmit)
			r.Post("/batches", submissions.HandleSubmitBatch)
			r.Post("/batches/sync", submissions.HandleRunBatch)
		})

		r.Get("/runs", runs.HandleList)
		r.Get("/runs/{id}", runs.HandleGet)
		r.Get("/folders", runs.HandleFolders)
	})
}

type healthResponse struct {
	Status  string `json:"status"`
	Runtime string `json:"runtime,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health == nil {
		writeHealth(w, http.StatusOK, healthResponse{Status: "ok"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	if err := s.deps.Health(ctx); err != nil {
		s.logger.Warn("runtime health check failed", slog.String("error", err.Error()))
		writeHealth(w, http.StatusServiceUnavailable, healthResponse{Status: "degraded", Runtime: err.Error()})
		return
	}
	writeHealth(w, http.StatusOK, healthResponse{Status: "ok", Runtime: "ok"})
}

// Start starts the HTTP server and blocks until SIGINT/SIGTERM or a listen
// error.
//
// GRACEFUL SHUTDOWN:
//  1. Stop accepting new HTTP connections and wait for in-flight requests
//  2. Past ShutdownTimeout, cancel the requests still running (their
//     containers are killed and workspaces removed) and wait up to
//     HandlerGrace for them to return
//  3. Stop the job queue: running jobs finish, queued ones are dropped
//     (they are marked failed on the next start)
//  4. Close the database
func (s *Server) Start() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return s.Run(ctx)
}

// Run serves until ctx is done, then shuts down.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.config.Port))
	if err != nil {
		s.stopQueue()
		s.closeDB()
		return fmt.Errorf("server error: %w", err)
	}
	return s.serve(ctx, ln)
}

func (s *Server) serve(ctx context.Context, ln net.Listener) error {
	defer s.closeDB()

	cleanupCtx, cancelCleanup := context.WithCancel(ctx)
	defer cancelCleanup()
	s.limiter.StartCleanup(cleanupCtx, 5*time.Minute)

	// Request contexts derive from baseCtx, not from ctx: a signal must not
	// abort requests that can still finish within ShutdownTimeout.
	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()

	var inflight sync.WaitGroup
	srv := &http.Server{
		Handler:           trackHandlers(&inflight, s.router),
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// No WriteTimeout: a synchronous batch legitimately runs for minutes.
		IdleTimeout: 60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("server starting",
			slog.String("addr", ln.Addr().String()),
			slog.String("url", fmt.Sprintf("http://localhost:%d", s.config.Port)),
			slog.Bool("auth", s.deps.Tokens != nil),
		)
		serverErrors <- srv.Serve(ln)
	}()

	select {
	case err := <-serverErrors:
		s.stopQueue()
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil

	case <-ctx.Done():
		s.logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("requests still running at shutdown deadline, cancelling them",
			slog.String("error", err.Error()),
		)
		cancelBase()
		if !waitTimeout(&inflight, s.config.HandlerGrace) {
			s.logger.Error("cancelled requests did not return in time",
				slog.Duration("grace", s.config.HandlerGrace),
			)
		}
		_ = srv.Close()
		s.stopQueue()
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	s.stopQueue()
	s.logger.Info("server stopped gracefully")
	return nil
}

// trackHandlers counts running handlers so shutdown can wait for cancelled
// ones to clean up after http.Server.Shutdown has given up on them.
func trackHandlers(wg *sync.WaitGroup, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wg.Add(1)
		defer wg.Done()
		next.ServeHTTP(w, r)
	})
}

// waitTimeout reports whether wg drained within d.
func waitTimeout(wg *sync.WaitGroup, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

func (s *Server) stopQueue() {
	if s.deps.Queue == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	if _, err := s.deps.Queue.Stop(ctx); err != nil {
		s.logger.Error("job queue did not stop cleanly", slog.String("error", err.Error()))
	}
}

func (s *Server) closeDB() {
	if s.deps.DB == nil {
		return
	}
	if err := s.deps.DB.Close(); err != nil {
		s.logger.Error("closing database", slog.String("error", err.Error()))
	}
}

func writeHealth(w http.ResponseWriter, status int, body healthResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
