package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/dirwatcher/internal/model"
)

// GetWatchConfig returns the singleton configuration, or ErrNotConfigured.
func (db *DB) GetWatchConfig(ctx context.Context) (model.WatchConfig, error) {
	var cfg model.WatchConfig
	err := db.pool.QueryRow(ctx,
		`SELECT directory_path, interval_ms, magic_string, updated_at FROM watch_config WHERE id = 1`,
	).Scan(&cfg.DirectoryPath, &cfg.Interval, &cfg.MagicString, &cfg.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.WatchConfig{}, ErrNotConfigured
		}
		return model.WatchConfig{}, fmt.Errorf("storage: get watch config: %w", err)
	}
	cfg.UpdatedAt = cfg.UpdatedAt.UTC()
	return cfg, nil
}

// PutWatchConfig creates or replaces the singleton configuration.
func (db *DB) PutWatchConfig(ctx context.Context, cfg model.WatchConfig) (model.WatchConfig, error) {
	cfg.UpdatedAt = time.Now().UTC().Truncate(time.Millisecond)
	_, err := db.pool.Exec(ctx,
		`INSERT INTO watch_config (id, directory_path, interval_ms, magic_string, updated_at)
		 VALUES (1, $1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE
		 SET directory_path = EXCLUDED.directory_path, interval_ms = EXCLUDED.interval_ms,
		     magic_string = EXCLUDED.magic_string, updated_at = EXCLUDED.updated_at`,
		cfg.DirectoryPath, cfg.Interval, cfg.MagicString, cfg.UpdatedAt,
	)
	if err != nil {
		return model.WatchConfig{}, fmt.Errorf("storage: put watch config: %w", err)
	}
	return cfg, nil
}

// SeedWatchConfig stores cfg only if no configuration exists yet. It reports
// whether the row was written.
func (db *DB) SeedWatchConfig(ctx context.Context, cfg model.WatchConfig) (bool, error) {
	tag, err := db.pool.Exec(ctx,
		`INSERT INTO watch_config (id, directory_path, interval_ms, magic_string, updated_at)
		 VALUES (1, $1, $2, $3, $4)
		 ON CONFLICT (id) DO NOTHING`,
		cfg.DirectoryPath, cfg.Interval, cfg.MagicString, time.Now().UTC().Truncate(time.Millisecond),
	)
	if err != nil {
		return false, fmt.Errorf("storage: seed watch config: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
