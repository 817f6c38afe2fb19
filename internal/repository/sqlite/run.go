package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/xid"

	"github.com/sakif/submission-runner/internal/apperror"
	"github.com/sakif/submission-runner/internal/model"
	"github.com/sakif/submission-runner/internal/repository"
)

var _ repository.RunRepository = (*DB)(nil)

const runColumns = `id, kind, status, submissions, report, error, created_at, started_at, finished_at`

// Create inserts run, assigning its ID and CreatedAt.
func (db *DB) Create(ctx context.Context, run *model.Run) error {
	run.ID = xid.New().String()
	run.CreatedAt = time.Now().UTC()
	if run.Status == "" {
		run.Status = model.RunStatusQueued
	}

	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO runs (`+runColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID,
		string(run.Kind),
		string(run.Status),
		run.Submissions,
		run.Report,
		run.Error,
		run.CreatedAt,
		nullTime(run.StartedAt),
		nullTime(run.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: creating run: %w", err)
	}
	return nil
}

// GetByID returns the run with id, or an ErrNotFound error.
func (db *DB) GetByID(ctx context.Context, id string) (*model.Run, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = ?`,
		id,
	)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("run", id)
		}
		return nil, fmt.Errorf("sqlite: getting run %s: %w", id, err)
	}
	return run, nil
}

// List returns runs newest first. Limit defaults to 20 and is capped at 100.
func (db *DB) List(ctx context.Context, opts repository.ListOptions) ([]model.Run, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	offset := max(opts.Offset, 0)

	var (
		where []string
		args  []any
	)
	if opts.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(opts.Kind))
	}
	if opts.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(opts.Status))
	}

	query := `SELECT ` + runColumns + ` FROM runs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	// xid IDs sort by creation time; stored timestamps are text with a
	// variable-width fraction and do not sort reliably.
	query += ` ORDER BY id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing runs: %w", err)
	}
	defer rows.Close()

	runs := make([]model.Run, 0, limit)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scanning run: %w", err)
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating runs: %w", err)
	}
	return runs, nil
}

// Update writes the mutable fields of run.
func (db *DB) Update(ctx context.Context, run *model.Run) error {
	result, err := db.conn.ExecContext(ctx,
		`UPDATE runs
		 SET status = ?, submissions = ?, report = ?, error = ?, started_at = ?, finished_at = ?
		 WHERE id = ?`,
		string(run.Status),
		run.Submissions,
		run.Report,
		run.Error,
		nullTime(run.StartedAt),
		nullTime(run.FinishedAt),
		run.ID,
	)
	if err != nil {
		return fmt.Errorf("sqlite: updating run %s: %w", run.ID, err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: checking rows affected: %w", err)
	}
	if n == 0 {
		return apperror.NotFound("run", run.ID)
	}
	return nil
}

// FailUnfinished closes out runs a previous process left queued or running.
func (db *DB) FailUnfinished(ctx context.Context, reason string) (int, error) {
	result, err := db.conn.ExecContext(ctx,
		`UPDATE runs
		 SET status = ?, error = ?, finished_at = ?
		 WHERE status IN (?, ?)`,
		string(model.RunStatusFailed),
		reason,
		time.Now().UTC(),
		string(model.RunStatusQueued),
		string(model.RunStatusRunning),
	)
	if err != nil {
		return 0, fmt.Errorf("sqlite: failing unfinished runs: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite: checking rows affected: %w", err)
	}
	return int(n), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*model.Run, error) {
	var (
		run                 model.Run
		kind, status        string
		startedAt, finished sql.NullTime
	)
	err := s.Scan(
		&run.ID,
		&kind,
		&status,
		&run.Submissions,
		&run.Report,
		&run.Error,
		&run.CreatedAt,
		&startedAt,
		&finished,
	)
	if err != nil {
		return nil, err
	}
	run.Kind = model.RunKind(kind)
	run.Status = model.RunStatus(status)
	if startedAt.Valid {
		t := startedAt.Time
		run.StartedAt = &t
	}
	if finished.Valid {
		t := finished.Time
		run.FinishedAt = &t
	}
	return &run, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
