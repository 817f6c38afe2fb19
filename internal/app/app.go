// Package app assembles the runner from configuration. It is the composition
// root shared by cmd/server and the grader CLI.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/sakif/submission-runner/internal/auth"
	"github.com/sakif/submission-runner/internal/batch"
	"github.com/sakif/submission-runner/internal/config"
	"github.com/sakif/submission-runner/internal/executor"
	"github.com/sakif/submission-runner/internal/executor/cli"
	"github.com/sakif/submission-runner/internal/executor/docker"
	"github.com/sakif/submission-runner/internal/jobs"
	sqliteRepo "github.com/sakif/submission-runner/internal/repository/sqlite"
	"github.com/sakif/submission-runner/internal/server"
	"github.com/sakif/submission-runner/internal/service"
	"github.com/sakif/submission-runner/internal/workspace"
)

// staleWorkspaceAge is how old a leftover workspace must be before the
// startup sweep removes it. Longer than any run, so a grader CLI started
// next to a live server never deletes the server's workspaces.
const staleWorkspaceAge = time.Hour

// interruptedReason is stored on runs that a previous process left queued
// or running.
const interruptedReason = "run interrupted: the server stopped before it finished"

type pinger interface {
	Ping(ctx context.Context) error
}

// App holds the wired components.
type App struct {
	Config     *config.Config
	Runs       *service.RunService
	Batch      *batch.Coordinator
	Workspaces *workspace.Manager
	Queue      *jobs.Queue
	Tokens     *auth.TokenService

	db      *sqliteRepo.DB
	runtime pinger
	closers []func() error
	logger  *slog.Logger
}

// Options tune Build for the two entry points.
type Options struct {
	// Recover marks runs left unfinished by a previous process as failed and
	// sweeps stale workspaces. Only the long-running server should set it.
	Recover bool
	// Confine restricts batch folders, input files and folder listings to
	// cfg.SubmissionsRoot. Set it wherever the service is reachable over
	// HTTP.
	Confine bool
}

// Build wires the runtime, orchestrator, workspaces, batch coordinator, run
// history, job queue and RunService. The queue is started.
func Build(ctx context.Context, cfg *config.Config, opts Options, logger *slog.Logger) (*App, error) {
	a := &App{Config: cfg, logger: logger}

	rt, err := a.buildRuntime(ctx)
	if err != nil {
		return nil, err
	}
	orch := executor.NewOrchestrator(rt, cfg.Executor(), logger)

	a.Workspaces = workspace.NewManager(cfg.WorkspaceRoot(), logger)
	a.Batch = batch.NewCoordinator(a.Workspaces, orch, logger,
		batch.WithWorkers(cfg.BatchWorkers),
	)

	if dir := filepath.Dir(cfg.DBPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: creating database directory %s: %w", dir, err)
		}
	}
	a.db, err = sqliteRepo.New(cfg.DBPath)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("app: opening database: %w", err)
	}

	if opts.Recover {
		a.recoverInterrupted(ctx)
	}

	a.Queue = jobs.New(cfg.JobWorkers, cfg.JobQueueSize, logger)
	a.Queue.Start()

	var runOpts []service.Option
	if opts.Confine {
		if err := os.MkdirAll(cfg.SubmissionsRoot, 0o755); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: creating submissions root %s: %w", cfg.SubmissionsRoot, err)
		}
		runOpts = append(runOpts, service.WithSubmissionsRoot(cfg.SubmissionsRoot))
		logger.Info("batch paths confined", slog.String("root", cfg.SubmissionsRoot))
	}
	a.Runs = service.NewRunService(orch, a.Workspaces, a.Batch, a.db, a.Queue, logger, runOpts...)

	if cfg.JWTSecret != "" {
		a.Tokens, err = auth.NewTokenService(cfg.JWTSecret)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("app: %w", err)
		}
	} else {
		logger.Warn("JWT_SECRET not set, API authentication is disabled")
	}

	return a, nil
}

func (a *App) buildRuntime(ctx context.Context) (executor.Runtime, error) {
	cfg := a.Config
	switch cfg.Runtime {
	case config.RuntimeDocker:
		rt, err := docker.New(docker.DefaultConfig(), a.logger)
		if err != nil {
			return nil, fmt.Errorf("app: docker runtime: %w", err)
		}
		a.closers = append(a.closers, rt.Close)
		a.runtime = rt
		// The runner image is usually built locally, so a failed pull is
		// not fatal; the first run reports the launch error instead.
		if err := rt.EnsureImage(ctx, cfg.Image); err != nil {
			a.logger.Warn("runner image unavailable",
				slog.String("image", cfg.Image),
				slog.String("error", err.Error()),
			)
		}
		return rt, nil
	default:
		rt := cli.New(cfg.ContainerBin, a.logger)
		a.runtime = rt
		return rt, nil
	}
}

func (a *App) recoverInterrupted(ctx context.Context) {
	if _, err := a.Workspaces.Sweep(staleWorkspaceAge); err != nil {
		a.logger.Warn("sweeping stale workspaces", slog.String("error", err.Error()))
	}

	n, err := a.db.FailUnfinished(ctx, interruptedReason)
	if err != nil {
		a.logger.Warn("failing interrupted runs", slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		a.logger.Info("marked interrupted runs as failed", slog.Int("count", n))
	}
}

// Health reports whether the container runtime answers.
func (a *App) Health(ctx context.Context) error {
	return a.runtime.Ping(ctx)
}

// ServerDeps hands the server everything it serves and owns.
func (a *App) ServerDeps() server.Deps {
	return server.Deps{
		Runs:   a.Runs,
		Tokens: a.Tokens,
		Queue:  a.Queue,
		DB:     a.db,
		Health: a.Health,
	}
}

// Close stops the queue and releases the database and runtime. Used by the
// CLI commands; the server shuts these down itself.
func (a *App) Close() error {
	var errs []error
	if a.Queue != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if _, err := a.Queue.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
		cancel()
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, c := range a.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
