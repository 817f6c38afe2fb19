// Package executor launches one containerized run of a submission and turns
// its outcome into an ExecutionResult or a classified error.
//
// The Orchestrator owns the policy (output priming, deadline, kill, output
// retrieval); a Runtime owns the mechanics of starting and killing a
// container. Two runtimes exist: executor/cli drives the container CLI with
// an argument vector, executor/docker talks to the Docker Engine API.
package executor

import (
	"context"
	"fmt"
)

// ExecutionRequest names the three host files bound into the container. All
// three belong to exactly one run.
type ExecutionRequest struct {
	CodePath   string `json:"codePath"`
	InputPath  string `json:"inputPath"`
	OutputPath string `json:"outputPath"`
}

// ExecutionResult is the result file plus the captured console streams of a
// container that exited successfully.
type ExecutionResult struct {
	ResultContents string `json:"result"`
	Stdout         string `json:"stdout"`
	Stderr         string `json:"stderr"`
}

// String renders the result the way it appears in reports.
func (r *ExecutionResult) String() string {
	return fmt.Sprintf("Execution Output:\n%s\n\nConsole Output (from script_runner.py):\n%s\n\nConsole Errors (from script_runner.py):\n%s",
		r.ResultContents, r.Stdout, r.Stderr)
}

// Executor runs one request to completion.
type Executor interface {
	Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error)
}

// Fixed in-container locations and entry point.
const (
	ContainerCodePath   = "/app/user_code.py"
	ContainerInputPath  = "/app/input.txt"
	ContainerOutputPath = "/app/output.txt"
	ContainerDriver     = "/app/script_runner.py"
)

// Mount binds a host path to a fixed container path.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// ContainerSpec is everything a Runtime needs to start one container.
type ContainerSpec struct {
	Name        string
	Image       string
	Cmd         []string
	Mounts      []Mount
	MemoryBytes int64
	CPUs        float64
	// Network is always disabled; the field documents the contract for runtimes.
	NetworkDisabled bool
}

// ProcessOutput is what a finished container process left behind.
type ProcessOutput struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// Process is a started container process.
type Process interface {
	// Wait blocks until the process exits. A non-zero exit is reported through
	// ProcessOutput.ExitCode, not as an error.
	Wait() (*ProcessOutput, error)
	// Kill forcibly terminates the process.
	Kill() error
}

// Runtime starts container processes.
type Runtime interface {
	Start(ctx context.Context, spec ContainerSpec) (Process, error)
}
