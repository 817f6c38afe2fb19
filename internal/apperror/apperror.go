// Package apperror defines the error kinds shared by every layer of the runner.
//
// ERROR KINDS:
// Each failure mode of a run has one sentinel error. Concrete errors wrap their
// sentinel, so any caller can classify with errors.Is without knowing the
// concrete type:
//
//	errors.Is(err, apperror.ErrTimeout)     // the run was killed at the deadline
//	errors.Is(err, apperror.ErrNonZeroExit) // the container reported failure
//
// Use errors.As to pull out the details (exit status, stderr, output reason).
package apperror

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrValidation = errors.New("Validation Error")

	ErrWorkspace        = errors.New("workspace error")
	ErrLaunch           = errors.New("launch error")
	ErrTimeout          = errors.New("execution timed out")
	ErrNonZeroExit      = errors.New("non-zero exit")
	ErrOutputUnreadable = errors.New("output unreadable")
	ErrResolution       = errors.New("resolution error")
)

type AppError struct {
	Err     error  // kind sentinel
	Message string // Human-readable error message
	Field   string // Optional: field causing the error
	Cause   error  // Optional: underlying error
}

func (e *AppError) Error() string {
	return e.Message
}

// Unwrap exposes both the kind and the underlying cause to errors.Is/As.
func (e *AppError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Err}
	}
	return []error{e.Err, e.Cause}
}

func NotFound(resource, id string) *AppError {
	return &AppError{
		Err:     ErrNotFound,
		Message: fmt.Sprintf("%s not found with id %s", resource, id),
	}
}

func ValidationFailed(field, message string) *AppError {
	return &AppError{
		Err:     ErrValidation,
		Message: message,
		Field:   field,
	}
}

// Workspace reports a failed directory or file preparation step.
func Workspace(op string, cause error) *AppError {
	return &AppError{
		Err:     ErrWorkspace,
		Message: fmt.Sprintf("Failed to %s: %v", op, cause),
		Cause:   cause,
	}
}

// Launch reports a container process that could not be started.
func Launch(cause error) *AppError {
	return &AppError{
		Err:     ErrLaunch,
		Message: fmt.Sprintf("Failed to start container process: %v", cause),
		Cause:   cause,
	}
}

// Timeout reports a run that was forcibly terminated at its deadline.
func Timeout(after time.Duration) *AppError {
	return &AppError{
		Err:     ErrTimeout,
		Message: fmt.Sprintf("Execution timed out after %s.", after),
	}
}

// Resolution reports a submission folder without a Python source file.
func Resolution(folder string) *AppError {
	return &AppError{
		Err:     ErrResolution,
		Message: fmt.Sprintf("No Python file (.py) found in folder: %s", folder),
		Field:   folder,
	}
}

// ExitError is returned when the container ran to completion but exited with a
// failure status. The output file is never read in that case.
type ExitError struct {
	Status int
	Stderr string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("Docker execution failed with status: exit status %d\nStderr: %s", e.Status, e.Stderr)
}

func (e *ExitError) Unwrap() error { return ErrNonZeroExit }

// NonZeroExit builds an ExitError.
func NonZeroExit(status int, stderr string) *ExitError {
	return &ExitError{Status: status, Stderr: stderr}
}

// OutputReason says why a successful run's result could not be retrieved.
type OutputReason string

const (
	ReasonDirectoryFound OutputReason = "directory-found"
	ReasonOpenFailed     OutputReason = "open-failed"
	ReasonReadFailed     OutputReason = "read-failed"
)

// OutputError is returned when the container exited 0 but its result file
// could not be read back.
type OutputError struct {
	Reason OutputReason
	Path   string
	Cause  error
}

func (e *OutputError) Error() string {
	switch e.Reason {
	case ReasonDirectoryFound:
		return fmt.Sprintf("Failed to open output file: %s (path is unexpectedly a directory)", e.Path)
	case ReasonOpenFailed:
		return fmt.Sprintf("Failed to open output file: %s (path is a file, but another error: %v)", e.Path, e.Cause)
	default:
		return fmt.Sprintf("Failed to read output file %s: %v", e.Path, e.Cause)
	}
}

func (e *OutputError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrOutputUnreadable}
	}
	return []error{ErrOutputUnreadable, e.Cause}
}

// OutputUnreadable builds an OutputError.
func OutputUnreadable(reason OutputReason, path string, cause error) *OutputError {
	return &OutputError{Reason: reason, Path: path, Cause: cause}
}

// IsExecution reports whether err is one of the per-run execution kinds.
func IsExecution(err error) bool {
	for _, kind := range []error{ErrWorkspace, ErrLaunch, ErrTimeout, ErrNonZeroExit, ErrOutputUnreadable, ErrResolution} {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}
