package model

import (
	"fmt"
	"strings"
	"time"
)

// MinWatchInterval is the smallest scheduling interval accepted for a WatchConfig.
const MinWatchInterval = 1000 * time.Millisecond

// DefaultWatchInterval matches the interval used when a config omits one.
const DefaultWatchInterval = 60 * time.Second

// WatchConfig is the singleton monitoring configuration.
// Interval is carried on the wire in milliseconds.
type WatchConfig struct {
	DirectoryPath string    `json:"directoryPath"`
	Interval      int64     `json:"interval"` // milliseconds
	MagicString   string    `json:"magicString"`
	UpdatedAt     time.Time `json:"updatedAt,omitzero"`
}

// IntervalDuration returns Interval as a time.Duration.
func (c WatchConfig) IntervalDuration() time.Duration {
	return time.Duration(c.Interval) * time.Millisecond
}

// Validate checks that the configuration can drive a monitoring cycle.
func (c WatchConfig) Validate() error {
	if strings.TrimSpace(c.DirectoryPath) == "" {
		return fmt.Errorf("directoryPath is required")
	}
	if c.IntervalDuration() < MinWatchInterval {
		return fmt.Errorf("interval must be at least %dms", MinWatchInterval.Milliseconds())
	}
	if c.MagicString == "" {
		return fmt.Errorf("magicString is required")
	}
	return nil
}
