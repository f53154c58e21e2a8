package config

import (
	"strings"
	"testing"
	"time"
)

func TestEnvIntValid(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	v, err := envInt("TEST_INT", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 42 {
		t.Fatalf("expected 42, got %d", v)
	}
}

func TestEnvIntFallback(t *testing.T) {
	// TEST_INT_MISSING is not set.
	v, err := envInt("TEST_INT_MISSING", 99)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 99 {
		t.Fatalf("expected fallback 99, got %d", v)
	}
}

func TestEnvIntInvalid(t *testing.T) {
	t.Setenv("TEST_INT_BAD", "abc")
	_, err := envInt("TEST_INT_BAD", 0)
	if err == nil {
		t.Fatal("expected error for non-integer value, got nil")
	}
	if got := err.Error(); got != `TEST_INT_BAD="abc" is not a valid integer` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvBoolInvalid(t *testing.T) {
	t.Setenv("TEST_BOOL_BAD", "maybe")
	_, err := envBool("TEST_BOOL_BAD", false)
	if err == nil {
		t.Fatal("expected error for non-boolean value, got nil")
	}
	if got := err.Error(); got != `TEST_BOOL_BAD="maybe" is not a valid boolean` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvDurationInvalid(t *testing.T) {
	t.Setenv("TEST_DUR_BAD", "five-seconds")
	_, err := envDuration("TEST_DUR_BAD", 0)
	if err == nil {
		t.Fatal("expected error for invalid duration, got nil")
	}
	if got := err.Error(); got != `TEST_DUR_BAD="five-seconds" is not a valid duration` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestLoadSucceedsWithDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected Load() to succeed with defaults, got: %v", err)
	}
	if cfg.Port != 3000 {
		t.Fatalf("expected default port 3000, got %d", cfg.Port)
	}
	if cfg.Store != StoreSQLite {
		t.Fatalf("expected default store sqlite, got %q", cfg.Store)
	}
	if !cfg.Autostart {
		t.Fatal("expected autostart to default to true")
	}
	if cfg.FallbackInterval != time.Minute {
		t.Fatalf("expected fallback interval 1m, got %s", cfg.FallbackInterval)
	}
	if cfg.HasSeed() {
		t.Fatal("expected no seed config by default")
	}
}

func TestLoadFailsOnMultipleInvalid(t *testing.T) {
	t.Setenv("DIRWATCHER_PORT", "abc")
	t.Setenv("DIRWATCHER_AUTOSTART", "sometimes")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail with multiple invalid vars")
	}
	got := err.Error()
	for _, want := range []string{"DIRWATCHER_PORT", "abc", "DIRWATCHER_AUTOSTART"} {
		if !strings.Contains(got, want) {
			t.Fatalf("error should mention %s, got: %s", want, got)
		}
	}
}

func TestLoadPostgresRequiresURL(t *testing.T) {
	t.Setenv("DIRWATCHER_STORE", "postgres")
	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "DATABASE_URL") {
		t.Fatalf("expected DATABASE_URL error, got: %v", err)
	}

	t.Setenv("DATABASE_URL", "postgres://localhost/dirwatcher")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Store != StorePostgres {
		t.Fatalf("expected postgres store, got %q", cfg.Store)
	}
}

func TestLoadRejectsUnknownStore(t *testing.T) {
	t.Setenv("DIRWATCHER_STORE", "redis")
	if _, err := Load(); err == nil {
		t.Fatal("expected unknown store to be rejected")
	}
}

func TestLoadSeed(t *testing.T) {
	t.Setenv("DIRWATCHER_SEED_DIRECTORY", "/srv/inbox")
	t.Setenv("DIRWATCHER_SEED_MAGIC_STRING", "TODO")
	t.Setenv("DIRWATCHER_SEED_INTERVAL", "5s")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cfg.HasSeed() {
		t.Fatal("expected seed to be present")
	}
	if cfg.SeedInterval != 5*time.Second {
		t.Fatalf("expected seed interval 5s, got %s", cfg.SeedInterval)
	}
}

func TestLoadWatchDebounce(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.WatchDebounce != 100*time.Millisecond {
		t.Fatalf("expected default debounce 100ms, got %s", cfg.WatchDebounce)
	}

	t.Setenv("DIRWATCHER_WATCH_DEBOUNCE", "0s")
	cfg, err = Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.WatchDebounce != 0 {
		t.Fatalf("expected debounce disabled, got %s", cfg.WatchDebounce)
	}

	t.Setenv("DIRWATCHER_WATCH_DEBOUNCE", "-1s")
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "DIRWATCHER_WATCH_DEBOUNCE") {
		t.Fatalf("expected negative debounce to be rejected, got: %v", err)
	}
}
