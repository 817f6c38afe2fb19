// Package cli runs containers through the container engine's command line
// (docker or podman) using a plain argument vector. Nothing is ever passed
// through a shell, so paths with spaces, quotes or metacharacters reach the
// engine unchanged.
package cli

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/sakif/submission-runner/internal/executor"
)

// killTimeout bounds each "<binary> kill|rm -f <name>" call issued on timeout.
const killTimeout = 5 * time.Second

var _ executor.Runtime = (*Runtime)(nil)

// Runtime starts one "<binary> run --rm ..." process per container.
type Runtime struct {
	binary string
	logger *slog.Logger
}

// New returns a Runtime that invokes binary ("docker" when empty).
func New(binary string, logger *slog.Logger) *Runtime {
	if binary == "" {
		binary = "docker"
	}
	return &Runtime{binary: binary, logger: logger}
}

// Ping checks that the engine answers "<binary> version", which needs both
// the CLI and its daemon.
func (r *Runtime) Ping(ctx context.Context) error {
	out, err := exec.CommandContext(ctx, r.binary, "version").CombinedOutput()
	if err != nil {
		return fmt.Errorf("cli: %s version: %w: %s", r.binary, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Start launches the container CLI and returns immediately.
func (r *Runtime) Start(_ context.Context, spec executor.ContainerSpec) (executor.Process, error) {
	args := Args(spec)
	r.logger.Debug("executing container command",
		slog.String("binary", r.binary),
		slog.Any("args", args),
	)

	// Not CommandContext: the orchestrator decides when to kill, and has to
	// kill the container as well as the CLI process.
	cmd := exec.Command(r.binary, args...)
	p := &process{
		cmd:    cmd,
		binary: r.binary,
		name:   spec.Name,
		logger: r.logger,
	}
	cmd.Stdout = &p.stdout
	cmd.Stderr = &p.stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("cli: starting %s: %w", r.binary, err)
	}
	return p, nil
}

// Args builds the "run" argument vector for spec.
func Args(spec executor.ContainerSpec) []string {
	args := []string{"run", "--rm"}
	if spec.Name != "" {
		args = append(args, "--name", spec.Name)
	}
	if spec.NetworkDisabled {
		args = append(args, "--network=none")
	}
	if spec.MemoryBytes > 0 {
		args = append(args, "--memory="+formatMemory(spec.MemoryBytes))
	}
	if spec.CPUs > 0 {
		args = append(args, "--cpus="+strconv.FormatFloat(spec.CPUs, 'f', -1, 64))
	}
	for _, m := range spec.Mounts {
		args = append(args, "--mount", mountArg(m))
	}
	args = append(args, spec.Image)
	args = append(args, spec.Cmd...)
	return args
}

// mountArg renders a --mount value. The engine parses it as one CSV record,
// so fields containing commas or quotes are CSV-quoted.
func mountArg(m executor.Mount) string {
	fields := []string{"type=bind", "source=" + m.Source, "target=" + m.Target}
	if m.ReadOnly {
		fields = append(fields, "readonly")
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	_ = w.Write(fields)
	w.Flush()
	return strings.TrimRight(buf.String(), "\r\n")
}

func formatMemory(b int64) string {
	const mib = 1024 * 1024
	if b%mib == 0 {
		return strconv.FormatInt(b/mib, 10) + "m"
	}
	return strconv.FormatInt(b, 10) + "b"
}

type process struct {
	cmd    *exec.Cmd
	stdout bytes.Buffer
	stderr bytes.Buffer
	binary string
	name   string
	logger *slog.Logger
}

func (p *process) Wait() (*executor.ProcessOutput, error) {
	err := p.cmd.Wait()
	out := &executor.ProcessOutput{
		Stdout: p.stdout.Bytes(),
		Stderr: p.stderr.Bytes(),
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			out.ExitCode = exitErr.ExitCode()
			if out.ExitCode == 0 {
				out.ExitCode = -1
			}
			return out, nil
		}
		return nil, fmt.Errorf("cli: waiting for %s: %w", p.binary, err)
	}
	return out, nil
}

// Kill kills the CLI process and then the container it started; with --rm
// the container would otherwise keep running after its CLI is gone.
//
// "rm -f" follows even when kill finds no container: a create that was still
// in flight when the CLI died leaves a container that was never started, and
// --rm never removes those.
func (p *process) Kill() error {
	var errs []error
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		errs = append(errs, fmt.Errorf("cli: killing %s process: %w", p.binary, err))
	}

	if p.name != "" {
		if err := p.engine("kill", p.name); err != nil {
			errs = append(errs, err)
		}
		if err := p.engine("rm", "-f", p.name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// engine runs one container management command, treating a container that
// is already gone as success.
func (p *process) engine(args ...string) error {
	ctx, cancel := context.WithTimeout(context.Background(), killTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, p.binary, args...).CombinedOutput()
	if err != nil && !containerGone(string(out)) {
		return fmt.Errorf("cli: %s %s: %w: %s", p.binary, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}

// containerGone matches engine replies for a container that already exited
// or was never created.
func containerGone(out string) bool {
	out = strings.ToLower(out)
	return strings.Contains(out, "no such container") || strings.Contains(out, "is not running")
}
