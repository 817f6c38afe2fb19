package executor

import (
	"time"
)

// Config holds the fixed per-run constraints. They are applied to every run;
// nothing in an ExecutionRequest can change them.
type Config struct {
	// Image is the pre-built runner image containing the driver script.
	Image string
	// Entrypoint is the driver invocation; the three container paths are
	// appended as positional arguments.
	Entrypoint []string
	// MemoryLimit is the maximum amount of memory the container can use (in bytes).
	MemoryLimit int64
	// CPULimit is the number of CPUs the container can use.
	CPULimit float64
	// Timeout is the wall-clock budget of one run.
	Timeout time.Duration
	// KillGrace bounds how long a killed process is awaited before giving up.
	KillGrace time.Duration
}

// DefaultConfig mirrors the runner image's reference limits.
func DefaultConfig() Config {
	return Config{
		Image:      "python-runner",
		Entrypoint: []string{"python", ContainerDriver},
		// 256 MB memory limit
		MemoryLimit: 256 * 1024 * 1024,
		// 0.5 CPU shares
		CPULimit:  0.5,
		Timeout:   10 * time.Second,
		KillGrace: 5 * time.Second,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Image == "" {
		c.Image = def.Image
	}
	if len(c.Entrypoint) == 0 {
		c.Entrypoint = def.Entrypoint
	}
	if c.MemoryLimit <= 0 {
		c.MemoryLimit = def.MemoryLimit
	}
	if c.CPULimit <= 0 {
		c.CPULimit = def.CPULimit
	}
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	if c.KillGrace <= 0 {
		c.KillGrace = def.KillGrace
	}
	return c
}
