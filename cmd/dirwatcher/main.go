package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/dirwatcher/internal/config"
	"github.com/ashita-ai/dirwatcher/internal/model"
	"github.com/ashita-ai/dirwatcher/internal/monitor"
	"github.com/ashita-ai/dirwatcher/internal/scanner"
	"github.com/ashita-ai/dirwatcher/internal/scheduler"
	"github.com/ashita-ai/dirwatcher/internal/server"
	"github.com/ashita-ai/dirwatcher/internal/storage"
	"github.com/ashita-ai/dirwatcher/internal/storage/sqlite"
	"github.com/ashita-ai/dirwatcher/internal/telemetry"
	"github.com/ashita-ai/dirwatcher/internal/watch"
	"github.com/ashita-ai/dirwatcher/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

// store is what both backends provide to the coordinator and the HTTP API.
type store interface {
	server.Store
	monitor.Store
	SeedWatchConfig(ctx context.Context, cfg model.WatchConfig) (bool, error)
}

func main() {
	os.Exit(run0())
}

func run0() int {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	logger.Info("dirwatcher starting", "version", version, "port", cfg.Port, "store", cfg.Store)

	otelShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Endpoint:       cfg.OTELEndpoint,
		Insecure:       cfg.OTELInsecure,
		ServiceName:    cfg.ServiceName,
		ServiceVersion: version,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := otelShutdown(context.Background()); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	st, notifier, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	if cfg.HasSeed() {
		seedWatchConfig(ctx, st, cfg, logger)
	}

	policy, err := monitor.ParseCompletionPolicy(cfg.Completion)
	if err != nil {
		return fmt.Errorf("config: DIRWATCHER_COMPLETION: %w", err)
	}

	watcher, err := watch.NewWatcher(logger, cfg.EventBufferSize, watch.WithDebounce(cfg.WatchDebounce))
	if err != nil {
		return fmt.Errorf("watch: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	coord := monitor.New(st, st, logger,
		monitor.WithScanner(scanner.New(cfg.ScanMaxBytes)),
		monitor.WithCompletionPolicy(policy),
	)
	driver := scheduler.New(coord, watcher, logger,
		scheduler.WithFallbackInterval(cfg.FallbackInterval),
		scheduler.WithPollBuffer(cfg.EventBufferSize),
	)

	if cfg.Autostart {
		if err := driver.Start(ctx); err != nil {
			return fmt.Errorf("scheduler: %w", err)
		}
	} else {
		logger.Info("scheduler: autostart disabled, waiting for POST /task-control")
	}

	// Run events stream only over a dedicated LISTEN/NOTIFY connection.
	var broker *server.Broker
	if notifier != nil {
		broker = server.NewBroker(notifier, logger)
		go broker.Start(ctx)
	} else {
		logger.Info("run events: disabled (no notify connection)")
	}

	srv := server.New(server.ServerConfig{
		Store:               st,
		Scheduler:           driver,
		Broker:              broker,
		Logger:              logger,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("dirwatcher shutting down")

		// Each phase gets its own timeout so an early one cannot starve the
		// next. Order: stop accepting requests, then stop the scheduler so the
		// in-flight run is finalized before the store closes.
		httpCtx, httpCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer httpCancel()
		if err := srv.Shutdown(httpCtx); err != nil {
			logger.Error("http shutdown error", "error", err)
		}

		stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer stopCancel()
		if err := driver.Stop(stopCtx); err != nil && !errors.Is(err, scheduler.ErrNotRunning) {
			logger.Error("scheduler shutdown error", "error", err)
		}
		return nil
	})

	err = g.Wait()
	logger.Info("dirwatcher stopped")
	return err
}

// openStore connects the configured backend and applies its migrations.
// The notifier is non-nil only for Postgres with a notify URL.
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (store, server.Notifier, func(), error) {
	switch cfg.Store {
	case config.StorePostgres:
		db, err := storage.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, logger)
		if err != nil {
			return nil, nil, nil, err
		}
		if err := db.RunMigrations(ctx, migrations.Postgres); err != nil {
			db.Close(context.Background())
			return nil, nil, nil, err
		}
		var notifier server.Notifier
		if db.HasNotifyConn() {
			notifier = db
		}
		return db, notifier, func() { db.Close(context.Background()) }, nil
	default:
		db, err := sqlite.Open(ctx, cfg.SQLitePath, logger)
		if err != nil {
			return nil, nil, nil, err
		}
		if err := db.RunMigrations(ctx, migrations.SQLite); err != nil {
			_ = db.Close()
			return nil, nil, nil, err
		}
		logger.Info("sqlite store ready", "path", db.Path())
		return db, nil, func() {
			if err := db.Close(); err != nil {
				logger.Warn("sqlite close failed", "error", err)
			}
		}, nil
	}
}

// seedWatchConfig writes the seed configuration unless one already exists.
// Failures are logged; the service can still be configured over HTTP.
func seedWatchConfig(ctx context.Context, st store, cfg config.Config, logger *slog.Logger) {
	seed := model.WatchConfig{
		DirectoryPath: cfg.SeedDirectory,
		Interval:      cfg.SeedInterval.Milliseconds(),
		MagicString:   cfg.SeedMagicString,
	}
	if err := seed.Validate(); err != nil {
		logger.Warn("seed watch config invalid, skipping", "error", err)
		return
	}
	written, err := st.SeedWatchConfig(ctx, seed)
	if err != nil {
		logger.Warn("seed watch config failed", "error", err)
		return
	}
	if written {
		logger.Info("seed watch config stored", "directory", seed.DirectoryPath, "interval_ms", seed.Interval)
	}
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
