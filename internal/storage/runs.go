package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/dirwatcher/internal/model"
)

const runColumns = `id, start_time, end_time, runtime_ms, files_added, files_deleted, magic_string_occurrences, status`

// Retry settings for read-modify-write transactions.
const (
	txMaxRetries = 3
	txBaseDelay  = 10 * time.Millisecond
)

// CreateRun inserts a task run and returns it. A nil ID is replaced with a
// new UUID.
func (db *DB) CreateRun(ctx context.Context, run model.TaskRun) (model.TaskRun, error) {
	run = run.Clone()
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	run.StartTime = run.StartTime.UTC()

	_, err := db.pool.Exec(ctx,
		`INSERT INTO task_runs (`+runColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		run.ID, run.StartTime, run.EndTime, run.Runtime,
		run.FilesAdded, run.FilesDeleted, run.MagicStringOccurrences, string(run.Status),
	)
	if err != nil {
		return model.TaskRun{}, fmt.Errorf("storage: create run: %w", err)
	}
	db.notifyRun(ctx, run.ID, run.Status)
	return run, nil
}

// GetRun retrieves a task run by ID.
func (db *DB) GetRun(ctx context.Context, id uuid.UUID) (model.TaskRun, error) {
	run, err := scanRun(db.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM task_runs WHERE id = $1`, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.TaskRun{}, fmt.Errorf("storage: run %s: %w", id, ErrNotFound)
		}
		return model.TaskRun{}, fmt.Errorf("storage: get run: %w", err)
	}
	return run, nil
}

// ListRuns returns task runs ordered by start_time DESC together with the
// total row count.
func (db *DB) ListRuns(ctx context.Context, limit, offset int) ([]model.TaskRun, int, error) {
	if limit <= 0 {
		limit = 50
	}

	var total int
	if err := db.pool.QueryRow(ctx, `SELECT COUNT(*) FROM task_runs`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count runs: %w", err)
	}

	rows, err := db.pool.Query(ctx,
		`SELECT `+runColumns+` FROM task_runs
		 ORDER BY start_time DESC, id
		 LIMIT $1 OFFSET $2`,
		limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list runs: %w", err)
	}
	defer rows.Close()

	runs := []model.TaskRun{}
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("storage: scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, total, rows.Err()
}

// AppendFiles appends names to the run's filesAdded and filesDeleted lists
// in a single statement.
func (db *DB) AppendFiles(ctx context.Context, id uuid.UUID, added, deleted []string) error {
	if added == nil {
		added = []string{}
	}
	if deleted == nil {
		deleted = []string{}
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE task_runs
		 SET files_added = files_added || $2::text[], files_deleted = files_deleted || $3::text[]
		 WHERE id = $1`,
		id, added, deleted,
	)
	if err != nil {
		return fmt.Errorf("storage: append files: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: append files %s: %w", id, ErrNotFound)
	}
	return nil
}

// IncrementOccurrences adds delta to the run's magic string count.
func (db *DB) IncrementOccurrences(ctx context.Context, id uuid.UUID, delta int64) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE task_runs SET magic_string_occurrences = magic_string_occurrences + $2 WHERE id = $1`,
		id, delta,
	)
	if err != nil {
		return fmt.Errorf("storage: increment occurrences: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: increment occurrences %s: %w", id, ErrNotFound)
	}
	return nil
}

// FinalizeRun writes the completion fields of an in-progress run. A run that
// is already terminal is left untouched and nil is returned.
func (db *DB) FinalizeRun(ctx context.Context, id uuid.UUID, c model.RunCompletion) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE task_runs SET end_time = $2, runtime_ms = $3, status = $4
		 WHERE id = $1 AND status = 'in-progress'`,
		id, c.EndTime.UTC(), c.Runtime, string(c.Status),
	)
	if err != nil {
		return fmt.Errorf("storage: finalize run: %w", err)
	}
	if tag.RowsAffected() == 1 {
		db.notifyRun(ctx, id, c.Status)
		return nil
	}

	var exists bool
	if err := db.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM task_runs WHERE id = $1)`, id,
	).Scan(&exists); err != nil {
		return fmt.Errorf("storage: finalize run: %w", err)
	}
	if !exists {
		return fmt.Errorf("storage: finalize run %s: %w", id, ErrNotFound)
	}
	db.logger.Debug("storage: run already finalized", "run_id", id)
	return nil
}

// UpdateRun loads the run under a row lock, passes it to mutate and writes
// the result back. Errors from mutate are returned wrapped and nothing is
// written. Serialization failures are retried.
func (db *DB) UpdateRun(ctx context.Context, id uuid.UUID, mutate func(model.TaskRun) (model.TaskRun, error)) (model.TaskRun, error) {
	var updated model.TaskRun
	err := WithRetry(ctx, txMaxRetries, txBaseDelay, func() error {
		tx, err := db.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("storage: begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		current, err := scanRun(tx.QueryRow(ctx,
			`SELECT `+runColumns+` FROM task_runs WHERE id = $1 FOR UPDATE`, id,
		))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("storage: run %s: %w", id, ErrNotFound)
			}
			return fmt.Errorf("storage: load run: %w", err)
		}

		next, err := mutate(current)
		if err != nil {
			return fmt.Errorf("storage: update run: %w", err)
		}
		next.ID = id

		if _, err := tx.Exec(ctx,
			`UPDATE task_runs
			 SET start_time = $2, end_time = $3, runtime_ms = $4, files_added = $5,
			     files_deleted = $6, magic_string_occurrences = $7, status = $8
			 WHERE id = $1`,
			id, next.StartTime.UTC(), next.EndTime, next.Runtime,
			nonNil(next.FilesAdded), nonNil(next.FilesDeleted), next.MagicStringOccurrences, string(next.Status),
		); err != nil {
			return fmt.Errorf("storage: update run: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("storage: commit update: %w", err)
		}
		updated = next.Clone()
		return nil
	})
	if err != nil {
		return model.TaskRun{}, err
	}
	return updated, nil
}

// DeleteRun removes a task run.
func (db *DB) DeleteRun(ctx context.Context, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx, `DELETE FROM task_runs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: delete run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: delete run %s: %w", id, ErrNotFound)
	}
	return nil
}

func scanRun(row pgx.Row) (model.TaskRun, error) {
	var r model.TaskRun
	if err := row.Scan(
		&r.ID, &r.StartTime, &r.EndTime, &r.Runtime,
		&r.FilesAdded, &r.FilesDeleted, &r.MagicStringOccurrences, &r.Status,
	); err != nil {
		return model.TaskRun{}, err
	}
	r.StartTime = r.StartTime.UTC()
	if r.EndTime != nil {
		t := r.EndTime.UTC()
		r.EndTime = &t
	}
	return r.Clone(), nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
