package monitor

import (
	"context"

	"github.com/google/uuid"

	"github.com/ashita-ai/dirwatcher/internal/model"
)

// Store persists task runs on behalf of the Coordinator. Both the Postgres
// (storage.DB) and SQLite (sqlite.DB) stores satisfy it.
//
// FinalizeRun on an id that is already terminal must be a no-op success.
// Methods taking an id return an error matching storage.ErrNotFound when it
// is unknown.
type Store interface {
	CreateRun(ctx context.Context, run model.TaskRun) (model.TaskRun, error)
	GetRun(ctx context.Context, id uuid.UUID) (model.TaskRun, error)
	AppendFiles(ctx context.Context, id uuid.UUID, added, deleted []string) error
	IncrementOccurrences(ctx context.Context, id uuid.UUID, delta int64) error
	FinalizeRun(ctx context.Context, id uuid.UUID, completion model.RunCompletion) error
}

// ConfigSource returns the current monitoring configuration, or an error
// matching storage.ErrNotConfigured when none has been saved.
type ConfigSource interface {
	GetWatchConfig(ctx context.Context) (model.WatchConfig, error)
}

// Scanner counts magic string occurrences in a file. *scanner.Scanner
// satisfies it.
type Scanner interface {
	Scan(path, pattern string) (int64, error)
}
