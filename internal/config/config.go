// Package config loads the runner's settings from the environment.
//
// WHY ENV VARS?
// The runner is usually deployed as a container next to the container
// engine it drives. Env vars are the one configuration channel every
// orchestrator supports, and a local .env file covers development.
//
// Every key has a default, so an empty environment gives a working
// single-worker server on :8080 with authentication disabled.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/sakif/submission-runner/internal/executor"
)

// Runtime names accepted by RUNTIME.
const (
	RuntimeCLI    = "cli"
	RuntimeDocker = "docker"
)

// Config holds every setting of the server and the grader CLI.
type Config struct {
	Port    int
	DataDir string
	DBPath  string

	// SubmissionsRoot bounds the folders and input files the HTTP API may
	// read. The grader CLI is not confined.
	SubmissionsRoot string

	// Runtime selects how containers are launched: RuntimeCLI shells out to
	// ContainerBin, RuntimeDocker talks to the Engine API.
	Runtime      string
	ContainerBin string
	Image        string

	RunTimeout    time.Duration
	KillGrace     time.Duration
	MemoryLimitMB int64
	CPULimit      float64

	BatchWorkers int
	JobWorkers   int
	JobQueueSize int

	// JWTSecret enables bearer authentication on /api when set.
	JWTSecret      string
	RateLimitRPS   float64
	RateLimitBurst int

	LogLevel  slog.Level
	LogFormat string
}

// Load reads .env (if present) and the environment. Malformed values are
// reported together rather than silently replaced by defaults.
func Load() (*Config, error) {
	// A missing .env is normal outside development.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config: loading .env: %w", err)
	}

	var l loader
	dataDir := getEnv("DATA_DIR", "data")

	cfg := &Config{
		Port:    l.getEnvInt("PORT", 8080),
		DataDir: dataDir,
		DBPath:  getEnv("DB_PATH", filepath.Join(dataDir, "runs.db")),

		SubmissionsRoot: getEnv("SUBMISSIONS_ROOT", filepath.Join(dataDir, "submissions")),

		Runtime:      strings.ToLower(getEnv("RUNTIME", RuntimeCLI)),
		ContainerBin: getEnv("CONTAINER_BIN", "docker"),
		Image:        getEnv("RUNNER_IMAGE", "python-runner"),

		RunTimeout:    l.getEnvDuration("RUN_TIMEOUT", 10*time.Second),
		KillGrace:     l.getEnvDuration("KILL_GRACE", 5*time.Second),
		MemoryLimitMB: int64(l.getEnvInt("MEMORY_LIMIT_MB", 256)),
		CPULimit:      l.getEnvFloat("CPU_LIMIT", 0.5),

		BatchWorkers: l.getEnvInt("BATCH_WORKERS", 1),
		JobWorkers:   l.getEnvInt("JOB_WORKERS", 1),
		JobQueueSize: l.getEnvInt("JOB_QUEUE_SIZE", 16),

		JWTSecret:      getEnv("JWT_SECRET", ""),
		RateLimitRPS:   l.getEnvFloat("RATE_LIMIT_RPS", 5),
		RateLimitBurst: l.getEnvInt("RATE_LIMIT_BURST", 10),

		LogLevel:  l.getEnvLevel("LOG_LEVEL", slog.LevelInfo),
		LogFormat: strings.ToLower(getEnv("LOG_FORMAT", "text")),
	}

	if err := errors.Join(l.errs...); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("PORT %d out of range", c.Port))
	}
	if c.Runtime != RuntimeCLI && c.Runtime != RuntimeDocker {
		errs = append(errs, fmt.Errorf("RUNTIME must be %q or %q, got %q", RuntimeCLI, RuntimeDocker, c.Runtime))
	}
	if c.RunTimeout <= 0 {
		errs = append(errs, errors.New("RUN_TIMEOUT must be positive"))
	}
	if c.MemoryLimitMB <= 0 {
		errs = append(errs, errors.New("MEMORY_LIMIT_MB must be positive"))
	}
	if c.CPULimit <= 0 {
		errs = append(errs, errors.New("CPU_LIMIT must be positive"))
	}
	if c.BatchWorkers < 1 || c.JobWorkers < 1 || c.JobQueueSize < 1 {
		errs = append(errs, errors.New("BATCH_WORKERS, JOB_WORKERS and JOB_QUEUE_SIZE must be at least 1"))
	}
	if c.JWTSecret != "" && len(c.JWTSecret) < 16 {
		errs = append(errs, errors.New("JWT_SECRET must be at least 16 characters"))
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be text or json, got %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

// Executor returns the per-run limits for the orchestrator.
func (c *Config) Executor() executor.Config {
	cfg := executor.DefaultConfig()
	cfg.Image = c.Image
	cfg.MemoryLimit = c.MemoryLimitMB * 1024 * 1024
	cfg.CPULimit = c.CPULimit
	cfg.Timeout = c.RunTimeout
	cfg.KillGrace = c.KillGrace
	return cfg
}

// WorkspaceRoot is where per-run directories are created.
func (c *Config) WorkspaceRoot() string {
	return filepath.Join(c.DataDir, "temp_submissions")
}

// NewLogger builds the process logger: text for terminals, JSON for log
// shippers.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.LogLevel}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// loader collects parse errors so Load can report all of them at once.
type loader struct {
	errs []error
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return defaultValue
}

func (l *loader) getEnvInt(key string, defaultValue int) int {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("%s: %q is not an integer", key, value))
		return defaultValue
	}
	return n
}

func (l *loader) getEnvFloat(key string, defaultValue float64) float64 {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("%s: %q is not a number", key, value))
		return defaultValue
	}
	return f
}

func (l *loader) getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("%s: %q is not a duration", key, value))
		return defaultValue
	}
	return d
}

func (l *loader) getEnvLevel(key string, defaultValue slog.Level) slog.Level {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return defaultValue
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(value)); err != nil {
		l.errs = append(l.errs, fmt.Errorf("%s: %q is not a log level", key, value))
		return defaultValue
	}
	return level
}
