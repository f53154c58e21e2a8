package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ashita-ai/dirwatcher/internal/model"
	"github.com/ashita-ai/dirwatcher/internal/storage"
)

// GetWatchConfig returns the singleton configuration, or storage.ErrNotConfigured.
func (s *DB) GetWatchConfig(ctx context.Context) (model.WatchConfig, error) {
	var (
		cfg     model.WatchConfig
		updated int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT directory_path, interval_ms, magic_string, updated_at FROM watch_config WHERE id = 1`,
	).Scan(&cfg.DirectoryPath, &cfg.Interval, &cfg.MagicString, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.WatchConfig{}, storage.ErrNotConfigured
		}
		return model.WatchConfig{}, fmt.Errorf("sqlite: get watch config: %w", err)
	}
	cfg.UpdatedAt = time.UnixMilli(updated).UTC()
	return cfg, nil
}

// PutWatchConfig creates or replaces the singleton configuration.
func (s *DB) PutWatchConfig(ctx context.Context, cfg model.WatchConfig) (model.WatchConfig, error) {
	cfg.UpdatedAt = time.Now().UTC().Truncate(time.Millisecond)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO watch_config (id, directory_path, interval_ms, magic_string, updated_at)
		 VALUES (1, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE
		 SET directory_path = excluded.directory_path, interval_ms = excluded.interval_ms,
		     magic_string = excluded.magic_string, updated_at = excluded.updated_at`,
		cfg.DirectoryPath, cfg.Interval, cfg.MagicString, cfg.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return model.WatchConfig{}, fmt.Errorf("sqlite: put watch config: %w", err)
	}
	return cfg, nil
}

// SeedWatchConfig stores cfg only if no configuration exists yet. It reports
// whether the row was written.
func (s *DB) SeedWatchConfig(ctx context.Context, cfg model.WatchConfig) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO watch_config (id, directory_path, interval_ms, magic_string, updated_at)
		 VALUES (1, ?, ?, ?, ?)
		 ON CONFLICT (id) DO NOTHING`,
		cfg.DirectoryPath, cfg.Interval, cfg.MagicString, time.Now().UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("sqlite: seed watch config: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlite: seed watch config: %w", err)
	}
	return n == 1, nil
}
