package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/submission-runner/internal/apperror"
	"github.com/sakif/submission-runner/internal/model"
	"github.com/sakif/submission-runner/internal/repository"
)

// newTestDB returns a fresh in-memory database closed at the end of the test.
func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(":memory:")
	if err != nil {
		t.Fatalf("failed to create test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func createTestRun(t *testing.T, db *DB, kind model.RunKind) *model.Run {
	t.Helper()
	run := &model.Run{Kind: kind, Submissions: 1}
	if err := db.Create(context.Background(), run); err != nil {
		t.Fatalf("failed to create test run: %v", err)
	}
	return run
}

func TestCreate(t *testing.T) {
	db := newTestDB(t)

	run := &model.Run{Kind: model.RunKindBatch, Submissions: 3}
	require.NoError(t, db.Create(context.Background(), run))

	assert.Len(t, run.ID, 20, "xid IDs are 20 characters")
	assert.Equal(t, model.RunStatusQueued, run.Status)
	assert.False(t, run.CreatedAt.IsZero())
}

func TestGetByID(t *testing.T) {
	db := newTestDB(t)
	created := createTestRun(t, db, model.RunKindSingle)

	got, err := db.GetByID(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, model.RunKindSingle, got.Kind)
	assert.Equal(t, model.RunStatusQueued, got.Status)
	assert.Equal(t, 1, got.Submissions)
	assert.WithinDuration(t, created.CreatedAt, got.CreatedAt, time.Second)
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.FinishedAt)
}

func TestGetByID_NotFound(t *testing.T) {
	db := newTestDB(t)

	_, err := db.GetByID(context.Background(), "nonexistent")
	assert.True(t, errors.Is(err, apperror.ErrNotFound))
}

func TestUpdate(t *testing.T) {
	db := newTestDB(t)
	run := createTestRun(t, db, model.RunKindBatch)

	started := time.Now()
	finished := started.Add(2 * time.Second)
	run.Status = model.RunStatusSucceeded
	run.Report = "--- Running Submission: alice ---\n"
	run.StartedAt = &started
	run.FinishedAt = &finished
	require.NoError(t, db.Update(context.Background(), run))

	got, err := db.GetByID(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSucceeded, got.Status)
	assert.Equal(t, run.Report, got.Report)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.FinishedAt)
	assert.WithinDuration(t, started, *got.StartedAt, time.Second)
	assert.WithinDuration(t, finished, *got.FinishedAt, time.Second)
	assert.True(t, got.Done())
}

func TestUpdate_NotFound(t *testing.T) {
	db := newTestDB(t)

	err := db.Update(context.Background(), &model.Run{ID: "missing", Status: model.RunStatusFailed})
	assert.True(t, errors.Is(err, apperror.ErrNotFound))
}

func TestList(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		kind := model.RunKindSingle
		if i%2 == 0 {
			kind = model.RunKindBatch
		}
		ids = append(ids, createTestRun(t, db, kind).ID)
	}

	t.Run("newest first", func(t *testing.T) {
		runs, err := db.List(ctx, repository.ListOptions{})
		require.NoError(t, err)
		require.Len(t, runs, 5)
		assert.Equal(t, ids[4], runs[0].ID)
		assert.Equal(t, ids[0], runs[4].ID)
	})

	t.Run("pagination", func(t *testing.T) {
		runs, err := db.List(ctx, repository.ListOptions{Limit: 2, Offset: 1})
		require.NoError(t, err)
		require.Len(t, runs, 2)
		assert.Equal(t, ids[3], runs[0].ID)
		assert.Equal(t, ids[2], runs[1].ID)
	})

	t.Run("kind filter", func(t *testing.T) {
		runs, err := db.List(ctx, repository.ListOptions{Kind: model.RunKindBatch})
		require.NoError(t, err)
		assert.Len(t, runs, 3)
		for _, r := range runs {
			assert.Equal(t, model.RunKindBatch, r.Kind)
		}
	})

	t.Run("status filter", func(t *testing.T) {
		runs, err := db.List(ctx, repository.ListOptions{Status: model.RunStatusSucceeded})
		require.NoError(t, err)
		assert.Empty(t, runs)
	})
}

func TestFailUnfinished(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	queued := createTestRun(t, db, model.RunKindSingle)
	running := createTestRun(t, db, model.RunKindBatch)
	running.Status = model.RunStatusRunning
	require.NoError(t, db.Update(ctx, running))
	done := createTestRun(t, db, model.RunKindSingle)
	done.Status = model.RunStatusSucceeded
	require.NoError(t, db.Update(ctx, done))

	n, err := db.FailUnfinished(ctx, "interrupted by restart")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, id := range []string{queued.ID, running.ID} {
		got, err := db.GetByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, model.RunStatusFailed, got.Status)
		assert.Equal(t, "interrupted by restart", got.Error)
		assert.NotNil(t, got.FinishedAt)
	}

	got, err := db.GetByID(ctx, done.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSucceeded, got.Status)
}

func TestNew_FileMigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.db")

	db, err := New(path)
	require.NoError(t, err)
	run := createTestRun(t, db, model.RunKindSingle)
	require.NoError(t, db.Close())

	db, err = New(path)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	got, err := db.GetByID(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)
}
