// Package main is the entry point for the submission runner's HTTP server.
//
// MAIN PACKAGE IN GO:
// The main package should be kept minimal. Its job is to:
// 1. Read configuration (env vars and an optional .env file)
// 2. Create dependencies (logger, runtime, database, job queue)
// 3. Start the application
//
// All actual logic lives in imported packages. internal/app does the wiring
// so the grader CLI's "serve" command starts exactly the same server.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/sakif/submission-runner/internal/app"
	"github.com/sakif/submission-runner/internal/config"
	"github.com/sakif/submission-runner/internal/server"
)

func main() {
	// === 1. READ CONFIGURATION ===
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// === 2. SET UP LOGGING ===
	// LOG_LEVEL picks the level, LOG_FORMAT=json switches to JSON lines.
	logger := cfg.NewLogger(os.Stdout)
	slog.SetDefault(logger)

	// === 3. WIRE DEPENDENCIES ===
	// Recover: runs left queued by a crash are marked failed and stale
	// workspaces are removed before new work is accepted.
	a, err := app.Build(context.Background(), cfg, app.Options{Recover: true, Confine: true}, logger)
	if err != nil {
		logger.Error("failed to start", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer a.Close()

	// === 4. CREATE AND START THE SERVER ===
	srv, err := server.New(server.Config{
		Port:           cfg.Port,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
	}, a.ServerDeps(), logger)
	if err != nil {
		logger.Error("failed to create server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Start() blocks until the server is shut down (via Ctrl+C or SIGTERM)
	if err := srv.Start(); err != nil {
		logger.Error("server error", slog.String("error", err.Error()))
		a.Close()
		os.Exit(1)
	}
}
