package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/rs/xid"
	"golang.org/x/text/encoding/unicode"

	"github.com/sakif/submission-runner/internal/apperror"
	"github.com/sakif/submission-runner/internal/metrics"
)

var _ Executor = (*Orchestrator)(nil)

// Orchestrator implements Executor on top of a Runtime. It carries no state
// between runs besides its configuration, so one value can serve any number
// of sequential or concurrent runs.
type Orchestrator struct {
	runtime Runtime
	config  Config
	logger  *slog.Logger
}

// NewOrchestrator creates an Orchestrator. Zero fields of cfg take their
// DefaultConfig values.
func NewOrchestrator(rt Runtime, cfg Config, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		runtime: rt,
		config:  cfg.withDefaults(),
		logger:  logger,
	}
}

// Config returns the effective configuration.
func (o *Orchestrator) Config() Config {
	return o.config
}

type waitResult struct {
	out *ProcessOutput
	err error
}

// Execute runs req in one container and waits for it, its deadline, or ctx.
//
// Exactly one of three things happens: the process exits on its own, it is
// killed at the deadline (ErrTimeout), or it never starts (ErrLaunch). Output
// is only read back after a zero exit status.
func (o *Orchestrator) Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
	start := time.Now()
	res, err := o.execute(ctx, req)
	metrics.ExecutionDuration.Observe(time.Since(start).Seconds())
	metrics.ExecutionsTotal.WithLabelValues(outcome(err)).Inc()
	return res, err
}

func (o *Orchestrator) execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
	if err := o.primeOutput(req.OutputPath); err != nil {
		return nil, err
	}

	spec := o.containerSpec(req)
	logger := o.logger.With(slog.String("container", spec.Name))
	logger.Info("starting container",
		slog.String("image", spec.Image),
		slog.String("output", req.OutputPath),
	)

	proc, err := o.runtime.Start(ctx, spec)
	if err != nil {
		logger.Error("failed to start container", slog.String("error", err.Error()))
		return nil, apperror.Launch(err)
	}

	done := make(chan waitResult, 1)
	go func() {
		out, err := proc.Wait()
		done <- waitResult{out: out, err: err}
	}()

	timer := time.NewTimer(o.config.Timeout)
	defer timer.Stop()

	var res waitResult
	select {
	case res = <-done:
	case <-timer.C:
		logger.Warn("container timed out", slog.Duration("timeout", o.config.Timeout))
		o.terminate(logger, proc, done)
		return nil, apperror.Timeout(o.config.Timeout)
	case <-ctx.Done():
		logger.Warn("run cancelled", slog.String("error", ctx.Err().Error()))
		o.terminate(logger, proc, done)
		return nil, fmt.Errorf("executor: run cancelled: %w", ctx.Err())
	}

	if res.err != nil {
		logger.Error("container wait failed", slog.String("error", res.err.Error()))
		return nil, apperror.Launch(res.err)
	}

	if res.out.ExitCode != 0 {
		logger.Info("container exited with failure", slog.Int("status", res.out.ExitCode))
		return nil, apperror.NonZeroExit(res.out.ExitCode, decodeLossy(res.out.Stderr))
	}

	contents, err := readOutput(req.OutputPath)
	if err != nil {
		logger.Error("failed to read output", slog.String("error", err.Error()))
		return nil, err
	}

	logger.Info("container finished", slog.Int("outputBytes", len(contents)))
	return &ExecutionResult{
		ResultContents: contents,
		Stdout:         decodeLossy(res.out.Stdout),
		Stderr:         decodeLossy(res.out.Stderr),
	}, nil
}

// terminate kills proc and waits, up to KillGrace, for it to actually exit.
// A failed kill is logged; the caller still reports the timeout.
func (o *Orchestrator) terminate(logger *slog.Logger, proc Process, done <-chan waitResult) {
	if err := proc.Kill(); err != nil {
		metrics.KillFailures.Inc()
		logger.Error("failed to kill timed-out container", slog.String("error", err.Error()))
	}

	grace := time.NewTimer(o.config.KillGrace)
	defer grace.Stop()
	select {
	case <-done:
	case <-grace.C:
		logger.Error("container still running after kill", slog.Duration("grace", o.config.KillGrace))
	}
}

// primeOutput leaves an empty regular file at path, whatever was there
// before. A directory at path is removed together with its contents.
func (o *Orchestrator) primeOutput(path string) error {
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		o.logger.Warn("output path is a directory, removing it", slog.String("path", path))
		if err := os.RemoveAll(path); err != nil {
			return apperror.Workspace("remove existing directory at "+path, err)
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o666)
	if err != nil {
		return apperror.Workspace("create or open output file "+path, err)
	}
	if err := f.Close(); err != nil {
		return apperror.Workspace("create or open output file "+path, err)
	}
	return nil
}

func (o *Orchestrator) containerSpec(req ExecutionRequest) ContainerSpec {
	cmd := make([]string, 0, len(o.config.Entrypoint)+3)
	cmd = append(cmd, o.config.Entrypoint...)
	cmd = append(cmd, ContainerCodePath, ContainerInputPath, ContainerOutputPath)

	return ContainerSpec{
		Name:  "submission-runner-" + xid.New().String(),
		Image: o.config.Image,
		Cmd:   cmd,
		Mounts: []Mount{
			{Source: req.CodePath, Target: ContainerCodePath, ReadOnly: true},
			{Source: req.InputPath, Target: ContainerInputPath, ReadOnly: true},
			{Source: req.OutputPath, Target: ContainerOutputPath},
		},
		MemoryBytes:     o.config.MemoryLimit,
		CPUs:            o.config.CPULimit,
		NetworkDisabled: true,
	}
}

// readOutput reads the result file of a successful run, classifying every
// way it can be missing.
func readOutput(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		if info, statErr := os.Stat(path); statErr == nil {
			if info.IsDir() {
				return "", apperror.OutputUnreadable(apperror.ReasonDirectoryFound, path, err)
			}
			if info.Mode().IsRegular() {
				return "", apperror.OutputUnreadable(apperror.ReasonOpenFailed, path, err)
			}
		}
		return "", apperror.OutputUnreadable(apperror.ReasonReadFailed, path, err)
	}
	defer f.Close()

	// Opening a directory succeeds on most platforms; reading it does not.
	if info, err := f.Stat(); err == nil && info.IsDir() {
		return "", apperror.OutputUnreadable(apperror.ReasonDirectoryFound, path, nil)
	}

	data, err := io.ReadAll(f)
	if err != nil {
		return "", apperror.OutputUnreadable(apperror.ReasonReadFailed, path, err)
	}
	return decodeLossy(data), nil
}

// decodeLossy decodes UTF-8, replacing invalid sequences with U+FFFD.
func decodeLossy(b []byte) string {
	out, err := unicode.UTF8.NewDecoder().Bytes(b)
	if err != nil {
		return string([]rune(string(b)))
	}
	return string(out)
}

func outcome(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeSuccess
	case errors.Is(err, apperror.ErrTimeout):
		return metrics.OutcomeTimeout
	case errors.Is(err, apperror.ErrNonZeroExit):
		return metrics.OutcomeNonZeroExit
	case errors.Is(err, apperror.ErrOutputUnreadable):
		return metrics.OutcomeOutputUnreadable
	case errors.Is(err, apperror.ErrWorkspace):
		return metrics.OutcomeWorkspaceError
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return metrics.OutcomeCancelled
	default:
		return metrics.OutcomeLaunchError
	}
}
