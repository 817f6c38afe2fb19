package handler

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/sakif/submission-runner/internal/apperror"
	"github.com/sakif/submission-runner/internal/model"
	"github.com/sakif/submission-runner/internal/repository"
)

// FoldersResponse lists submission folders under a parent directory.
type FoldersResponse struct {
	Parent  string   `json:"parent"`
	Folders []string `json:"folders"`
}

// RunHandler serves the run history and folder discovery.
type RunHandler struct {
	svc    RunService
	logger *slog.Logger
}

// NewRunHandler creates a new RunHandler.
func NewRunHandler(svc RunService, logger *slog.Logger) *RunHandler {
	return &RunHandler{svc: svc, logger: logger}
}

// HandleGet returns one run.
//
// HTTP: GET /api/runs/{id}
func (h *RunHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	run, err := h.svc.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// HandleList returns runs newest first.
//
// HTTP: GET /api/runs?kind=batch&status=failed&limit=20&offset=0
func (h *RunHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := repository.ListOptions{
		Kind:   model.RunKind(q.Get("kind")),
		Status: model.RunStatus(q.Get("status")),
	}

	var err error
	if opts.Limit, err = intParam(q.Get("limit"), "limit"); err != nil {
		writeError(w, err)
		return
	}
	if opts.Offset, err = intParam(q.Get("offset"), "offset"); err != nil {
		writeError(w, err)
		return
	}

	runs, err := h.svc.ListRuns(r.Context(), opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

// HandleFolders lists the submission folders under ?parent=.
//
// HTTP: GET /api/folders?parent=alice-cohort (relative to the submissions root)
func (h *RunHandler) HandleFolders(w http.ResponseWriter, r *http.Request) {
	parent := r.URL.Query().Get("parent")
	dirs, err := h.svc.ListFolders(parent)
	if err != nil {
		writeError(w, err)
		return
	}
	if dirs == nil {
		dirs = []string{}
	}
	writeJSON(w, http.StatusOK, FoldersResponse{Parent: parent, Folders: dirs})
}

func intParam(raw, name string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, apperror.ValidationFailed(name, name+" must be a non-negative integer")
	}
	return n, nil
}
