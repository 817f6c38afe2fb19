// Package service contains the business logic layer of the runner.
//
// THE LAYERS:
//
//	Handler / CLI        → parse requests, render responses
//	Service (this)       → validate, record history, dispatch
//	Batch / Executor     → workspaces and containers
//	Repository           → run history in SQLite
//
// RunService accepts primitives (code text, folder paths), never HTTP types,
// so the HTTP API, the grader CLI and background jobs all share it.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/sakif/submission-runner/internal/apperror"
	"github.com/sakif/submission-runner/internal/executor"
	"github.com/sakif/submission-runner/internal/folders"
	"github.com/sakif/submission-runner/internal/jobs"
	"github.com/sakif/submission-runner/internal/model"
	"github.com/sakif/submission-runner/internal/repository"
	"github.com/sakif/submission-runner/internal/workspace"
)

const (
	MaxCodeLength    = 100000 // ~100KB of code
	MaxInputLength   = 1 << 20
	MaxBatchSize     = 500
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// ErrHistoryDisabled is returned by the async and history operations when the
// service was built without a repository or queue.
var ErrHistoryDisabled = errors.New("run history is not configured")

// BatchRunner runs submissions and returns the report.
type BatchRunner interface {
	RunBatch(ctx context.Context, subs []model.Submission, input string) string
}

// Dispatcher accepts background jobs.
type Dispatcher interface {
	Submit(job jobs.Job) error
}

// RunService runs single submissions and batches, synchronously or through a
// Dispatcher, and records every run when a repository is configured.
type RunService struct {
	exec       executor.Executor
	workspaces *workspace.Manager
	batch      BatchRunner
	repo       repository.RunRepository
	queue      Dispatcher
	root       string
	logger     *slog.Logger
}

// Option configures a RunService.
type Option func(*RunService)

// WithSubmissionsRoot restricts every folder, input file and listing parent
// to paths under root. Relative paths are taken relative to root. Without it
// any host path is accepted, which only suits a local CLI.
func WithSubmissionsRoot(root string) Option {
	return func(s *RunService) {
		s.root = root
	}
}

// NewRunService wires a RunService. repo and queue may be nil; the sync
// operations then run without history and the async ones are unavailable.
func NewRunService(
	exec executor.Executor,
	ws *workspace.Manager,
	batch BatchRunner,
	repo repository.RunRepository,
	queue Dispatcher,
	logger *slog.Logger,
	opts ...Option,
) *RunService {
	s := &RunService{
		exec:       exec,
		workspaces: ws,
		batch:      batch,
		repo:       repo,
		queue:      queue,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RunSubmission runs code against input in a fresh workspace and returns the
// rendered ExecutionResult.
func (s *RunService) RunSubmission(ctx context.Context, code, input string) (string, error) {
	if err := validateSubmission(code, input); err != nil {
		return "", err
	}
	run, err := s.record(ctx, model.RunKindSingle, 1)
	if err != nil {
		return "", err
	}
	return s.execute(ctx, run, func(ctx context.Context) (string, error) {
		return s.runSubmission(ctx, code, input)
	})
}

// RunBatch runs every folder against the contents of inputFilePath and
// returns the batch report. Per-submission failures are part of the report;
// only invalid arguments and an unreadable input file are returned as errors.
func (s *RunService) RunBatch(ctx context.Context, folderPaths []string, inputFilePath string) (string, error) {
	folderPaths, input, err := s.prepareBatch(folderPaths, inputFilePath)
	if err != nil {
		return "", err
	}
	run, err := s.record(ctx, model.RunKindBatch, len(folderPaths))
	if err != nil {
		return "", err
	}
	subs := model.SubmissionsFromFolders(folderPaths)
	return s.execute(ctx, run, func(ctx context.Context) (string, error) {
		return s.batch.RunBatch(ctx, subs, input), nil
	})
}

// SubmitSubmission queues a single run and returns its queued record.
func (s *RunService) SubmitSubmission(ctx context.Context, code, input string) (*model.Run, error) {
	if err := validateSubmission(code, input); err != nil {
		return nil, err
	}
	return s.submit(ctx, model.RunKindSingle, 1, func(ctx context.Context) (string, error) {
		return s.runSubmission(ctx, code, input)
	})
}

// SubmitBatch validates the batch and reads its input now, then queues it.
func (s *RunService) SubmitBatch(ctx context.Context, folderPaths []string, inputFilePath string) (*model.Run, error) {
	folderPaths, input, err := s.prepareBatch(folderPaths, inputFilePath)
	if err != nil {
		return nil, err
	}
	subs := model.SubmissionsFromFolders(folderPaths)
	return s.submit(ctx, model.RunKindBatch, len(subs), func(ctx context.Context) (string, error) {
		return s.batch.RunBatch(ctx, subs, input), nil
	})
}

// GetRun returns one run record.
func (s *RunService) GetRun(ctx context.Context, id string) (*model.Run, error) {
	if s.repo == nil {
		return nil, apperror.NotFound("run", id)
	}
	return s.repo.GetByID(ctx, id)
}

// ListRuns returns run records newest first.
func (s *RunService) ListRuns(ctx context.Context, opts repository.ListOptions) ([]model.Run, error) {
	if s.repo == nil {
		return []model.Run{}, nil
	}
	switch opts.Kind {
	case "", model.RunKindSingle, model.RunKindBatch:
	default:
		return nil, apperror.ValidationFailed("kind", fmt.Sprintf("unknown run kind %q", opts.Kind))
	}
	switch opts.Status {
	case "", model.RunStatusQueued, model.RunStatusRunning, model.RunStatusSucceeded, model.RunStatusFailed:
	default:
		return nil, apperror.ValidationFailed("status", fmt.Sprintf("unknown run status %q", opts.Status))
	}
	if opts.Limit <= 0 {
		opts.Limit = DefaultListLimit
	}
	if opts.Limit > MaxListLimit {
		opts.Limit = MaxListLimit
	}
	opts.Offset = max(opts.Offset, 0)
	return s.repo.List(ctx, opts)
}

// ListFolders returns the submission folders under parent. With a
// submissions root, an empty parent lists the root itself.
func (s *RunService) ListFolders(parent string) ([]string, error) {
	if s.root != "" {
		if strings.TrimSpace(parent) == "" {
			parent = s.root
		}
		var err error
		if parent, err = s.confine(parent, "parent"); err != nil {
			return nil, err
		}
	}
	return folders.List(parent)
}

// confine applies the submissions root, if any.
func (s *RunService) confine(path, field string) (string, error) {
	if s.root == "" {
		return path, nil
	}
	return folders.Confine(s.root, path, field)
}

func (s *RunService) runSubmission(ctx context.Context, code, input string) (string, error) {
	ws, err := s.workspaces.Acquire("")
	if err != nil {
		return "", err
	}
	defer s.workspaces.Release(ws)

	if err := ws.WriteCode(code); err != nil {
		return "", err
	}
	if err := ws.WriteInput(input); err != nil {
		return "", err
	}

	res, err := s.exec.Execute(ctx, executor.ExecutionRequest{
		CodePath:   ws.CodeFile,
		InputPath:  ws.InputFile,
		OutputPath: ws.OutputFile,
	})
	if err != nil {
		return "", err
	}
	return res.String(), nil
}

// prepareBatch validates a batch request and reads its input. It returns the
// folder paths as they should be run, confined to the submissions root.
func (s *RunService) prepareBatch(folderPaths []string, inputFilePath string) ([]string, string, error) {
	if len(folderPaths) == 0 {
		return nil, "", apperror.ValidationFailed("folders", "at least one submission folder is required")
	}
	if len(folderPaths) > MaxBatchSize {
		return nil, "", apperror.ValidationFailed("folders",
			fmt.Sprintf("a batch can hold at most %d submissions", MaxBatchSize))
	}
	if strings.TrimSpace(inputFilePath) == "" {
		return nil, "", apperror.ValidationFailed("inputFilePath", "input file path is required")
	}

	confined := make([]string, len(folderPaths))
	for i, folder := range folderPaths {
		path, err := s.confine(folder, "folders")
		if err != nil {
			return nil, "", err
		}
		confined[i] = path
	}
	inputFilePath, err := s.confine(inputFilePath, "inputFilePath")
	if err != nil {
		return nil, "", err
	}

	data, err := os.ReadFile(inputFilePath)
	if err != nil {
		return nil, "", &apperror.AppError{
			Err:     apperror.ErrValidation,
			Message: fmt.Sprintf("Failed to read input file %s: %v", inputFilePath, err),
			Field:   "inputFilePath",
			Cause:   err,
		}
	}
	if len(data) > MaxInputLength {
		return nil, "", apperror.ValidationFailed("inputFilePath",
			fmt.Sprintf("input must be %d bytes or less", MaxInputLength))
	}
	return confined, string(data), nil
}

func validateSubmission(code, input string) error {
	if strings.TrimSpace(code) == "" {
		return apperror.ValidationFailed("code", "code is required")
	}
	if len(code) > MaxCodeLength {
		return apperror.ValidationFailed("code",
			fmt.Sprintf("code must be %d characters or less", MaxCodeLength))
	}
	if len(input) > MaxInputLength {
		return apperror.ValidationFailed("input",
			fmt.Sprintf("input must be %d bytes or less", MaxInputLength))
	}
	return nil
}

// record creates the queued history entry of a run, or returns nil when
// history is disabled. The entry is written even when ctx is already
// cancelled, so an interrupted run still shows up as failed.
func (s *RunService) record(ctx context.Context, kind model.RunKind, submissions int) (*model.Run, error) {
	if s.repo == nil {
		return nil, nil
	}
	run := &model.Run{Kind: kind, Status: model.RunStatusQueued, Submissions: submissions}
	if err := s.repo.Create(context.WithoutCancel(ctx), run); err != nil {
		return nil, fmt.Errorf("service: recording run: %w", err)
	}
	return run, nil
}

func (s *RunService) submit(ctx context.Context, kind model.RunKind, submissions int, fn func(context.Context) (string, error)) (*model.Run, error) {
	if s.repo == nil || s.queue == nil {
		return nil, ErrHistoryDisabled
	}
	run, err := s.record(ctx, kind, submissions)
	if err != nil {
		return nil, err
	}
	queued := *run

	err = s.queue.Submit(func(jobCtx context.Context) {
		_, _ = s.execute(jobCtx, run, fn)
	})
	if err != nil {
		now := time.Now().UTC()
		run.Status = model.RunStatusFailed
		run.Error = err.Error()
		run.FinishedAt = &now
		s.update(ctx, run)
		return nil, fmt.Errorf("service: queueing run: %w", err)
	}

	s.logger.Info("run queued", slog.String("id", run.ID), slog.String("kind", string(kind)))
	return &queued, nil
}

// execute runs fn and moves run through running to its terminal status.
// run may be nil when history is disabled.
func (s *RunService) execute(ctx context.Context, run *model.Run, fn func(context.Context) (string, error)) (string, error) {
	logger := s.logger
	if run != nil {
		logger = logger.With(slog.String("run", run.ID))
		started := time.Now().UTC()
		run.Status = model.RunStatusRunning
		run.StartedAt = &started
		s.update(ctx, run)
	}

	start := time.Now()
	report, err := fn(ctx)
	if err != nil {
		logger.Error("run failed",
			slog.String("error", err.Error()),
			slog.Duration("elapsed", time.Since(start)),
		)
	} else {
		logger.Info("run finished", slog.Duration("elapsed", time.Since(start)))
	}

	if run != nil {
		finished := time.Now().UTC()
		run.FinishedAt = &finished
		if err != nil {
			run.Status = model.RunStatusFailed
			run.Error = err.Error()
		} else {
			run.Status = model.RunStatusSucceeded
			run.Report = report
		}
		s.update(ctx, run)
	}
	return report, err
}

// update writes run back to history, even when ctx was cancelled.
func (s *RunService) update(ctx context.Context, run *model.Run) {
	if err := s.repo.Update(context.WithoutCancel(ctx), run); err != nil {
		s.logger.Error("failed to update run",
			slog.String("id", run.ID),
			slog.String("error", err.Error()),
		)
	}
}
