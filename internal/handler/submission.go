package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/sakif/submission-runner/internal/model"
	"github.com/sakif/submission-runner/internal/repository"
)

// RunService is the slice of service.RunService the handlers use.
type RunService interface {
	RunSubmission(ctx context.Context, code, input string) (string, error)
	RunBatch(ctx context.Context, folderPaths []string, inputFilePath string) (string, error)
	SubmitSubmission(ctx context.Context, code, input string) (*model.Run, error)
	SubmitBatch(ctx context.Context, folderPaths []string, inputFilePath string) (*model.Run, error)
	GetRun(ctx context.Context, id string) (*model.Run, error)
	ListRuns(ctx context.Context, opts repository.ListOptions) ([]model.Run, error)
	ListFolders(parent string) ([]string, error)
}

// SubmissionRequest is the body of POST /api/submissions[/async].
type SubmissionRequest struct {
	Code  string `json:"code"`
	Input string `json:"input"`
}

// BatchRequest is the body of POST /api/batches[/sync]. Paths are on the
// server's filesystem.
type BatchRequest struct {
	Folders       []string `json:"folders"`
	InputFilePath string   `json:"inputFilePath"`
}

// OutputResponse carries the rendered result of a synchronous single run.
type OutputResponse struct {
	Output string `json:"output"`
}

// ReportResponse carries the report of a synchronous batch.
type ReportResponse struct {
	Report string `json:"report"`
}

// SubmissionHandler serves the single-run and batch endpoints.
type SubmissionHandler struct {
	svc    RunService
	logger *slog.Logger
}

// NewSubmissionHandler creates a new SubmissionHandler.
func NewSubmissionHandler(svc RunService, logger *slog.Logger) *SubmissionHandler {
	return &SubmissionHandler{svc: svc, logger: logger}
}

// HandleRun runs one submission and waits for it.
//
// HTTP: POST /api/submissions
func (h *SubmissionHandler) HandleRun(w http.ResponseWriter, r *http.Request) {
	var req SubmissionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.logger.Warn("invalid submission request body", slog.String("error", err.Error()))
		writeError(w, err)
		return
	}

	out, err := h.svc.RunSubmission(r.Context(), req.Code, req.Input)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, OutputResponse{Output: out})
}

// HandleSubmit queues one submission.
//
// HTTP: POST /api/submissions/async → 202 with the queued run
func (h *SubmissionHandler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmissionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	run, err := h.svc.SubmitSubmission(r.Context(), req.Code, req.Input)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Location", "/api/runs/"+run.ID)
	writeJSON(w, http.StatusAccepted, run)
}

// HandleSubmitBatch queues a batch.
//
// HTTP: POST /api/batches → 202 with the queued run
func (h *SubmissionHandler) HandleSubmitBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	run, err := h.svc.SubmitBatch(r.Context(), req.Folders, req.InputFilePath)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Location", "/api/runs/"+run.ID)
	writeJSON(w, http.StatusAccepted, run)
}

// HandleRunBatch runs a batch and waits for the report.
//
// HTTP: POST /api/batches/sync
func (h *SubmissionHandler) HandleRunBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	h.logger.Info("running batch", slog.Int("submissions", len(req.Folders)))
	report, err := h.svc.RunBatch(r.Context(), req.Folders, req.InputFilePath)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ReportResponse{Report: report})
}
