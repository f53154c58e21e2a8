package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/dirwatcher/internal/model"
	"github.com/ashita-ai/dirwatcher/internal/storage"
)

const runColumns = `id, start_time, end_time, runtime_ms, files_added, files_deleted, magic_string_occurrences, status`

type rowScanner interface {
	Scan(dest ...any) error
}

// CreateRun inserts a task run and returns it. A nil ID is replaced with a
// new UUID.
func (s *DB) CreateRun(ctx context.Context, run model.TaskRun) (model.TaskRun, error) {
	run = run.Clone()
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	run.StartTime = run.StartTime.UTC().Truncate(time.Millisecond)

	added, deleted, err := encodeLists(run)
	if err != nil {
		return model.TaskRun{}, fmt.Errorf("sqlite: create run: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO task_runs (`+runColumns+`, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID.String(), run.StartTime.UnixMilli(), nullMillis(run.EndTime), nullInt(run.Runtime),
		added, deleted, run.MagicStringOccurrences, string(run.Status), time.Now().UnixMilli(),
	)
	if err != nil {
		return model.TaskRun{}, fmt.Errorf("sqlite: create run: %w", err)
	}
	return run, nil
}

// GetRun retrieves a task run by ID.
func (s *DB) GetRun(ctx context.Context, id uuid.UUID) (model.TaskRun, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM task_runs WHERE id = ?`, id.String(),
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.TaskRun{}, fmt.Errorf("sqlite: run %s: %w", id, storage.ErrNotFound)
		}
		return model.TaskRun{}, fmt.Errorf("sqlite: get run: %w", err)
	}
	return run, nil
}

// ListRuns returns task runs ordered by start_time DESC together with the
// total row count.
func (s *DB) ListRuns(ctx context.Context, limit, offset int) ([]model.TaskRun, int, error) {
	if limit <= 0 {
		limit = 50
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM task_runs`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("sqlite: count runs: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM task_runs ORDER BY start_time DESC, id LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("sqlite: list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	runs := []model.TaskRun{}
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("sqlite: scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, total, rows.Err()
}

// AppendFiles appends names to the run's file lists inside one transaction.
func (s *DB) AppendFiles(ctx context.Context, id uuid.UUID, added, deleted []string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		run, err := scanRun(tx.QueryRowContext(ctx,
			`SELECT `+runColumns+` FROM task_runs WHERE id = ?`, id.String(),
		))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("sqlite: append files %s: %w", id, storage.ErrNotFound)
			}
			return fmt.Errorf("sqlite: append files: %w", err)
		}
		run.FilesAdded = append(run.FilesAdded, added...)
		run.FilesDeleted = append(run.FilesDeleted, deleted...)

		a, d, err := encodeLists(run)
		if err != nil {
			return fmt.Errorf("sqlite: append files: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE task_runs SET files_added = ?, files_deleted = ? WHERE id = ?`,
			a, d, id.String(),
		); err != nil {
			return fmt.Errorf("sqlite: append files: %w", err)
		}
		return nil
	})
}

// IncrementOccurrences adds delta to the run's magic string count.
func (s *DB) IncrementOccurrences(ctx context.Context, id uuid.UUID, delta int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE task_runs SET magic_string_occurrences = magic_string_occurrences + ? WHERE id = ?`,
		delta, id.String(),
	)
	if err != nil {
		return fmt.Errorf("sqlite: increment occurrences: %w", err)
	}
	return requireRow(res, "increment occurrences", id)
}

// FinalizeRun writes the completion fields of an in-progress run. A run that
// is already terminal is left untouched and nil is returned.
func (s *DB) FinalizeRun(ctx context.Context, id uuid.UUID, c model.RunCompletion) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE task_runs SET end_time = ?, runtime_ms = ?, status = ?
		 WHERE id = ? AND status = 'in-progress'`,
		c.EndTime.UnixMilli(), c.Runtime, string(c.Status), id.String(),
	)
	if err != nil {
		return fmt.Errorf("sqlite: finalize run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: finalize run: %w", err)
	}
	if n == 1 {
		return nil
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM task_runs WHERE id = ?)`, id.String(),
	).Scan(&exists); err != nil {
		return fmt.Errorf("sqlite: finalize run: %w", err)
	}
	if !exists {
		return fmt.Errorf("sqlite: finalize run %s: %w", id, storage.ErrNotFound)
	}
	s.logger.Debug("sqlite: run already finalized", "run_id", id)
	return nil
}

// UpdateRun loads the run, passes it to mutate and writes the result back in
// one transaction. Errors from mutate are returned wrapped and nothing is
// written.
func (s *DB) UpdateRun(ctx context.Context, id uuid.UUID, mutate func(model.TaskRun) (model.TaskRun, error)) (model.TaskRun, error) {
	var updated model.TaskRun
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := scanRun(tx.QueryRowContext(ctx,
			`SELECT `+runColumns+` FROM task_runs WHERE id = ?`, id.String(),
		))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("sqlite: run %s: %w", id, storage.ErrNotFound)
			}
			return fmt.Errorf("sqlite: load run: %w", err)
		}

		next, err := mutate(current)
		if err != nil {
			return fmt.Errorf("sqlite: update run: %w", err)
		}
		next.ID = id
		next = next.Clone()
		next.StartTime = next.StartTime.UTC().Truncate(time.Millisecond)

		a, d, err := encodeLists(next)
		if err != nil {
			return fmt.Errorf("sqlite: update run: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE task_runs
			 SET start_time = ?, end_time = ?, runtime_ms = ?, files_added = ?,
			     files_deleted = ?, magic_string_occurrences = ?, status = ?
			 WHERE id = ?`,
			next.StartTime.UnixMilli(), nullMillis(next.EndTime), nullInt(next.Runtime),
			a, d, next.MagicStringOccurrences, string(next.Status), id.String(),
		); err != nil {
			return fmt.Errorf("sqlite: update run: %w", err)
		}
		updated = next
		return nil
	})
	if err != nil {
		return model.TaskRun{}, err
	}
	return updated, nil
}

// DeleteRun removes a task run.
func (s *DB) DeleteRun(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM task_runs WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("sqlite: delete run: %w", err)
	}
	return requireRow(res, "delete run", id)
}

func scanRun(row rowScanner) (model.TaskRun, error) {
	var (
		r              model.TaskRun
		id             string
		start          int64
		end, runtime   sql.NullInt64
		added, deleted string
		status         string
	)
	if err := row.Scan(&id, &start, &end, &runtime, &added, &deleted, &r.MagicStringOccurrences, &status); err != nil {
		return model.TaskRun{}, err
	}

	parsed, err := uuid.Parse(id)
	if err != nil {
		return model.TaskRun{}, fmt.Errorf("parse id %q: %w", id, err)
	}
	r.ID = parsed
	r.StartTime = time.UnixMilli(start).UTC()
	if end.Valid {
		t := time.UnixMilli(end.Int64).UTC()
		r.EndTime = &t
	}
	if runtime.Valid {
		ms := runtime.Int64
		r.Runtime = &ms
	}
	r.Status = model.TaskRunStatus(status)
	if err := json.Unmarshal([]byte(added), &r.FilesAdded); err != nil {
		return model.TaskRun{}, fmt.Errorf("decode files_added: %w", err)
	}
	if err := json.Unmarshal([]byte(deleted), &r.FilesDeleted); err != nil {
		return model.TaskRun{}, fmt.Errorf("decode files_deleted: %w", err)
	}
	return r.Clone(), nil
}

func encodeLists(run model.TaskRun) (added, deleted string, err error) {
	run = run.Clone()
	a, err := json.Marshal(run.FilesAdded)
	if err != nil {
		return "", "", err
	}
	d, err := json.Marshal(run.FilesDeleted)
	if err != nil {
		return "", "", err
	}
	return string(a), string(d), nil
}

func requireRow(res sql.Result, op string, id uuid.UUID) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: %s: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("sqlite: %s %s: %w", op, id, storage.ErrNotFound)
	}
	return nil
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}
