package storage

import "errors"

// ErrNotFound is returned when a requested task run does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrNotConfigured is returned by GetWatchConfig when no configuration has
// been saved yet.
var ErrNotConfigured = errors.New("storage: watch config not set")
