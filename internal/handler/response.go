package handler

// RESPONSE HELPERS:
// Every endpoint answers with JSON. Errors always have the same shape:
//
//	{"error": "timeout", "message": "Execution timed out after 10s."}
//
// plus a "details" object for failures that carry structured data (exit
// status and stderr of a failed container).

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/sakif/submission-runner/internal/apperror"
	"github.com/sakif/submission-runner/internal/jobs"
	"github.com/sakif/submission-runner/internal/service"
)

// maxBodyBytes bounds request bodies; code plus input fit well within it.
const maxBodyBytes = 2 << 20

// ErrorResponse is the standard error format returned by all API endpoints.
type ErrorResponse struct {
	Error   string `json:"error"`             // Machine-readable error type (e.g., "not_found")
	Message string `json:"message"`           // Human-readable description
	Details any    `json:"details,omitempty"` // Optional structured data
}

// ExitDetails describes a container that exited with a failure status.
type ExitDetails struct {
	Status int    `json:"status"`
	Stderr string `json:"stderr"`
}

// OutputDetails describes why the output file could not be read.
type OutputDetails struct {
	Reason apperror.OutputReason `json:"reason"`
}

// writeJSON sends a JSON response with the given status code.
// Headers and status go out before the body; later header changes are ignored.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			// Headers are already sent, we can only log it.
			slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
		}
	}
}

// decodeJSON reads a bounded JSON body into dst.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return apperror.ValidationFailed("body", "request body is too large")
		}
		return apperror.ValidationFailed("body", "invalid JSON body: "+err.Error())
	}
	return nil
}

// writeError maps a domain error to an HTTP status and sends it.
//
// The service and executor return sentinel-wrapped errors; errors.Is walks
// the chain, so a wrapped AppError still classifies:
//
//	ErrValidation                     → 400
//	ErrNotFound                       → 404
//	ErrTimeout                        → 504
//	other execution kinds             → 422
//	queue full / history disabled     → 503
//	anything else                     → 500 (message hidden)
func writeError(w http.ResponseWriter, err error) {
	resp := ErrorResponse{Error: "internal_error", Message: "An internal error occurred"}
	status := http.StatusInternalServerError

	switch {
	case errors.Is(err, apperror.ErrValidation):
		status, resp.Error = http.StatusBadRequest, "validation_error"
	case errors.Is(err, apperror.ErrNotFound):
		status, resp.Error = http.StatusNotFound, "not_found"
	case errors.Is(err, apperror.ErrTimeout):
		status, resp.Error = http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, apperror.ErrNonZeroExit):
		status, resp.Error = http.StatusUnprocessableEntity, "non_zero_exit"
		var exitErr *apperror.ExitError
		if errors.As(err, &exitErr) {
			resp.Details = ExitDetails{Status: exitErr.Status, Stderr: exitErr.Stderr}
		}
	case errors.Is(err, apperror.ErrOutputUnreadable):
		status, resp.Error = http.StatusUnprocessableEntity, "output_unreadable"
		var outErr *apperror.OutputError
		if errors.As(err, &outErr) {
			resp.Details = OutputDetails{Reason: outErr.Reason}
		}
	case errors.Is(err, apperror.ErrLaunch):
		status, resp.Error = http.StatusUnprocessableEntity, "launch_error"
	case errors.Is(err, apperror.ErrWorkspace):
		status, resp.Error = http.StatusUnprocessableEntity, "workspace_error"
	case errors.Is(err, apperror.ErrResolution):
		status, resp.Error = http.StatusUnprocessableEntity, "resolution_error"
	case errors.Is(err, jobs.ErrQueueFull), errors.Is(err, jobs.ErrStopped):
		status, resp.Error = http.StatusServiceUnavailable, "queue_unavailable"
	case errors.Is(err, service.ErrHistoryDisabled):
		status, resp.Error = http.StatusServiceUnavailable, "history_disabled"
	}

	if status != http.StatusInternalServerError {
		resp.Message = message(err)
	} else {
		// NEVER expose internal error details to the client.
		slog.Error("internal error", slog.String("error", err.Error()))
	}
	writeJSON(w, status, resp)
}

// message prefers the AppError text over any wrapping prefixes.
func message(err error) string {
	var appErr *apperror.AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	var exitErr *apperror.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Error()
	}
	var outErr *apperror.OutputError
	if errors.As(err, &outErr) {
		return outErr.Error()
	}
	return err.Error()
}
