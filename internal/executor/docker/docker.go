// Package docker implements executor.Runtime on the Docker Engine API.
//
// WHY THE ENGINE API?
// The CLI runtime needs a docker binary on PATH and learns about the container
// only through its exit status. Talking to the daemon directly gives typed
// errors, a real exit code from ContainerWait and demultiplexed logs, and it
// works when the service itself runs in a container with only the socket
// mounted.
package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/sakif/submission-runner/internal/executor"
)

var _ executor.Runtime = (*Runtime)(nil)

// Runtime creates one short-lived container per run.
type Runtime struct {
	cli    *client.Client
	config Config
	logger *slog.Logger
}

// New connects to the daemon described by the DOCKER_* environment.
func New(cfg Config, logger *slog.Logger) (*Runtime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	def := DefaultConfig()
	if cfg.PullTimeout <= 0 {
		cfg.PullTimeout = def.PullTimeout
	}
	if cfg.RemoveTimeout <= 0 {
		cfg.RemoveTimeout = def.RemoveTimeout
	}
	if cfg.KillSignal == "" {
		cfg.KillSignal = def.KillSignal
	}
	return &Runtime{cli: cli, config: cfg, logger: logger}, nil
}

// Close releases the client connection.
func (r *Runtime) Close() error {
	return r.cli.Close()
}

// Ping checks that the daemon answers.
func (r *Runtime) Ping(ctx context.Context) error {
	if _, err := r.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker: ping: %w", err)
	}
	return nil
}

// EnsureImage pulls ref unless the daemon already has it.
func (r *Runtime) EnsureImage(ctx context.Context, ref string) error {
	if _, err := r.cli.ImageInspect(ctx, ref); err == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.config.PullTimeout)
	defer cancel()

	r.logger.Info("pulling docker image", slog.String("image", ref))
	reader, err := r.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("docker: pulling %s: %w", ref, err)
	}
	defer reader.Close()
	// Read everything to block until the pull is complete
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("docker: pulling %s: %w", ref, err)
	}
	r.logger.Info("docker image is ready", slog.String("image", ref))
	return nil
}

// Start creates and starts a container for spec.
func (r *Runtime) Start(ctx context.Context, spec executor.ContainerSpec) (executor.Process, error) {
	mounts := make([]mount.Mount, 0, len(spec.Mounts))
	for _, m := range spec.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	hostConfig := &container.HostConfig{
		Mounts: mounts,
		Resources: container.Resources{
			Memory:   spec.MemoryBytes,
			NanoCPUs: int64(spec.CPUs * 1e9),
		},
	}
	if spec.NetworkDisabled {
		hostConfig.NetworkMode = "none"
	}

	resp, err := r.cli.ContainerCreate(ctx, &container.Config{
		Image:           spec.Image,
		Cmd:             spec.Cmd,
		NetworkDisabled: spec.NetworkDisabled,
	}, hostConfig, nil, nil, spec.Name)
	if err != nil {
		return nil, fmt.Errorf("docker: ContainerCreate failed: %w", err)
	}

	p := &process{runtime: r, id: resp.ID, name: spec.Name}
	if err := r.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		p.remove()
		return nil, fmt.Errorf("docker: ContainerStart failed: %w", err)
	}

	r.logger.Debug("container started", slog.String("id", resp.ID), slog.String("name", spec.Name))
	return p, nil
}

type process struct {
	runtime *Runtime
	id      string
	name    string

	removeOnce sync.Once
	// cancel aborts a Wait that is blocked on the daemon.
	mu     sync.Mutex
	cancel context.CancelFunc
}

// Wait blocks until the container stops, collects its logs and removes it.
func (p *process) Wait() (*executor.ProcessOutput, error) {
	defer p.remove()

	ctx, cancel := context.WithCancel(context.Background())
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()
	defer cancel()

	statusCh, errCh := p.runtime.cli.ContainerWait(ctx, p.id, container.WaitConditionNotRunning)
	var status int64
	select {
	case err := <-errCh:
		return nil, fmt.Errorf("docker: waiting for %s: %w", p.name, err)
	case res := <-statusCh:
		if res.Error != nil && res.Error.Message != "" {
			return nil, fmt.Errorf("docker: waiting for %s: %s", p.name, res.Error.Message)
		}
		status = res.StatusCode
	}

	logs, err := p.runtime.cli.ContainerLogs(ctx, p.id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("docker: reading logs of %s: %w", p.name, err)
	}
	defer logs.Close()

	var stdout, stderr bytes.Buffer
	// Use stdcopy to demultiplex stdout from stderr
	if _, err := stdcopy.StdCopy(&stdout, &stderr, logs); err != nil {
		return nil, fmt.Errorf("docker: reading logs of %s: %w", p.name, err)
	}

	return &executor.ProcessOutput{
		ExitCode: int(status),
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
	}, nil
}

// Kill signals the container. If the daemon refuses, the pending Wait is
// aborted so the caller is not left blocked on it.
func (p *process) Kill() error {
	ctx, cancel := context.WithTimeout(context.Background(), p.runtime.config.RemoveTimeout)
	defer cancel()

	err := p.runtime.cli.ContainerKill(ctx, p.id, p.runtime.config.KillSignal)
	if err != nil {
		p.mu.Lock()
		if p.cancel != nil {
			p.cancel()
		}
		p.mu.Unlock()
		return errors.Join(fmt.Errorf("docker: killing %s: %w", p.name, err), p.remove())
	}
	return nil
}

// remove force removes the container once; later calls are no-ops.
func (p *process) remove() error {
	var err error
	p.removeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), p.runtime.config.RemoveTimeout)
		defer cancel()

		err = p.runtime.cli.ContainerRemove(ctx, p.id, container.RemoveOptions{Force: true})
		if err != nil {
			p.runtime.logger.Error("failed to remove container",
				slog.String("id", p.id),
				slog.String("error", err.Error()),
			)
			err = fmt.Errorf("docker: removing %s: %w", p.name, err)
		}
	})
	return err
}
