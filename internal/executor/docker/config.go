package docker

import (
	"time"
)

// Config holds the Engine API specific settings. Resource limits and the
// image come from the ContainerSpec built by the orchestrator.
type Config struct {
	// PullTimeout bounds EnsureImage when the image has to be pulled.
	PullTimeout time.Duration
	// RemoveTimeout bounds the forced removal of a finished container.
	RemoveTimeout time.Duration
	// KillSignal is sent to a container that ran past its deadline.
	KillSignal string
}

// DefaultConfig provides sensible defaults for a local Docker daemon.
func DefaultConfig() Config {
	return Config{
		PullTimeout:   2 * time.Minute,
		RemoveTimeout: 5 * time.Second,
		KillSignal:    "SIGKILL",
	}
}
