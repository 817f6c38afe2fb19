// Package batch runs a list of submission folders against one shared input and
// folds every outcome into a single plain-text report.
//
// REPORT FORMAT:
// Each submission contributes one section, in submission order:
//
//	--- Running Submission: alice ---
//	Result for alice:
//	Execution Output:
//	...
//
// A folder without a source file produces "Error: <reason>" instead of a
// result, and a failed run produces "Error for <name>:". No per-submission
// failure ever aborts the batch.
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/sakif/submission-runner/internal/apperror"
	"github.com/sakif/submission-runner/internal/executor"
	"github.com/sakif/submission-runner/internal/metrics"
	"github.com/sakif/submission-runner/internal/model"
	"github.com/sakif/submission-runner/internal/workspace"
)

// SourceExt is the extension of a submission's source file. The runner image
// always executes user_code.py with python, so no other language is accepted.
const SourceExt = ".py"

// Coordinator drives submissions through workspaces and an Executor.
type Coordinator struct {
	workspaces *workspace.Manager
	exec       executor.Executor
	logger     *slog.Logger
	workers    int
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithWorkers runs up to n submissions at once. Values below 2 keep the
// sequential behaviour.
func WithWorkers(n int) Option {
	return func(c *Coordinator) {
		if n > 1 {
			c.workers = n
		}
	}
}

// NewCoordinator creates a sequential Coordinator unless WithWorkers says otherwise.
func NewCoordinator(ws *workspace.Manager, exec executor.Executor, logger *slog.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		workspaces: ws,
		exec:       exec,
		logger:     logger,
		workers:    1,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RunBatch runs every submission and returns the concatenated report. It
// always returns a report; cancelling ctx marks the submissions that have not
// started yet as cancelled.
func (c *Coordinator) RunBatch(ctx context.Context, subs []model.Submission, input string) string {
	c.logger.Info("starting batch",
		slog.Int("submissions", len(subs)),
		slog.Int("workers", c.workers),
	)

	sections := make([]string, len(subs))
	if c.workers <= 1 {
		for i, sub := range subs {
			sections[i] = c.runOne(ctx, sub, input)
		}
	} else {
		var g errgroup.Group
		g.SetLimit(c.workers)
		for i, sub := range subs {
			if ctx.Err() != nil {
				sections[i] = cancelledSection(sub, ctx.Err())
				continue
			}
			i, sub := i, sub // per-iteration copies (go.mod targets Go 1.21 loop semantics)
			g.Go(func() error {
				sections[i] = c.runOne(ctx, sub, input)
				return nil
			})
		}
		_ = g.Wait()
	}

	c.logger.Info("batch finished", slog.Int("submissions", len(subs)))
	return strings.Join(sections, "")
}

// runOne produces the report section of a single submission.
func (c *Coordinator) runOne(ctx context.Context, sub model.Submission, input string) string {
	if err := ctx.Err(); err != nil {
		metrics.BatchSubmissions.WithLabelValues("skipped").Inc()
		return cancelledSection(sub, err)
	}

	var b strings.Builder
	b.WriteString(header(sub))

	logger := c.logger.With(slog.String("submission", sub.DisplayName))

	codeFile, err := ResolveCodeFile(sub.FolderPath)
	if err != nil {
		logger.Warn("no source file", slog.String("folder", sub.FolderPath))
		metrics.BatchSubmissions.WithLabelValues("skipped").Inc()
		fmt.Fprintf(&b, "Error: %s\n\n", err)
		return b.String()
	}

	res, err := c.execute(ctx, sub, codeFile, input)
	if err != nil {
		logger.Error("error processing submission", slog.String("error", err.Error()))
		metrics.BatchSubmissions.WithLabelValues("error").Inc()
		fmt.Fprintf(&b, "Error for %s:\n%s\n\n", sub.DisplayName, err)
		return b.String()
	}

	metrics.BatchSubmissions.WithLabelValues("ok").Inc()
	fmt.Fprintf(&b, "Result for %s:\n%s\n\n", sub.DisplayName, res)
	return b.String()
}

func (c *Coordinator) execute(ctx context.Context, sub model.Submission, codeFile, input string) (*executor.ExecutionResult, error) {
	ws, err := c.workspaces.Acquire(sub.DisplayName)
	if err != nil {
		return nil, err
	}
	defer c.workspaces.Release(ws)

	if err := ws.CopyCode(codeFile); err != nil {
		return nil, err
	}
	if err := ws.WriteInput(input); err != nil {
		return nil, err
	}

	return c.exec.Execute(ctx, executor.ExecutionRequest{
		CodePath:   ws.CodeFile,
		InputPath:  ws.InputFile,
		OutputPath: ws.OutputFile,
	})
}

func header(sub model.Submission) string {
	return fmt.Sprintf("--- Running Submission: %s ---\n", sub.DisplayName)
}

func cancelledSection(sub model.Submission, cause error) string {
	return fmt.Sprintf("%sError for %s:\nRun cancelled before it started: %s\n\n", header(sub), sub.DisplayName, cause)
}

// ResolveCodeFile returns the first regular .py file in folder, in name
// order. A missing, unreadable or empty folder is a resolution error.
func ResolveCodeFile(folder string) (string, error) {
	entries, err := os.ReadDir(folder)
	if err != nil {
		return "", apperror.Resolution(folder)
	}
	for _, entry := range entries {
		if filepath.Ext(entry.Name()) != SourceExt {
			continue
		}
		path := filepath.Join(folder, entry.Name())
		// Stat follows symlinks, so a link to a source file counts.
		info, err := os.Stat(path)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		return path, nil
	}
	return "", apperror.Resolution(folder)
}
