package repository

import (
	"context"

	"github.com/sakif/submission-runner/internal/model"
)

type ListOptions struct {
	Limit  int
	Offset int
	// Kind and Status filter when non-empty.
	Kind   model.RunKind
	Status model.RunStatus
}

// RunRepository stores the run history.
type RunRepository interface {
	Create(ctx context.Context, run *model.Run) error
	GetByID(ctx context.Context, id string) (*model.Run, error)
	List(ctx context.Context, opts ListOptions) ([]model.Run, error)
	Update(ctx context.Context, run *model.Run) error
	// FailUnfinished marks every queued or running run as failed with reason
	// and returns how many were changed.
	FailUnfinished(ctx context.Context, reason string) (int, error)
}
