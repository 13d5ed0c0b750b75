/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the tutoring schedule and billing server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags and load configuration
  2. Open the store (sqlite, postgres or memory); postgres runs migrations
  3. Optionally connect the Redis student lock
  4. Create the service, metrics, handler and router
  5. Start the makeup scheduler
  6. Start the HTTP server and wait for a signal

COMMAND-LINE FLAGS:
  -config  YAML configuration file (optional, see config/config.go)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the scheduler, then close Redis and the store

EXAMPLES:
  # SQLite file store with defaults
  ./server

  # Postgres with a Redis lock
  TUTOR_STORE_DRIVER=postgres TUTOR_STORE_POSTGRES_DSN=postgres://... \
  TUTOR_REDIS_ENABLED=true ./server -config=config.yaml

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: Configuration keys
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/warp/lesson-engine/api"
	"github.com/warp/lesson-engine/config"
	"github.com/warp/lesson-engine/logging"
	"github.com/warp/lesson-engine/store/memory"
	"github.com/warp/lesson-engine/store/postgres"
	"github.com/warp/lesson-engine/store/redislock"
	"github.com/warp/lesson-engine/store/sqlite"
	"github.com/warp/lesson-engine/tutoring"
)

func main() {
	configPath := flag.String("config", "", "YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.App.Env)

	if err := run(cfg, log); err != nil {
		log.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	opts := []tutoring.Option{tutoring.WithLogger(log)}
	if cfg.Redis.Enabled {
		lockCfg := redislock.DefaultConfig()
		lockCfg.Addr = cfg.Redis.Addr
		lockCfg.Password = cfg.Redis.Password
		lockCfg.DB = cfg.Redis.DB
		lockCfg.TTL = cfg.Redis.LockTTL
		locker, err := redislock.New(ctx, lockCfg, log)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer func() { _ = locker.Close() }()
		opts = append(opts, tutoring.WithLocker(locker))
		log.Info("redis student lock enabled", "addr", cfg.Redis.Addr)
	}
	svc := tutoring.NewService(repo, opts...)

	var metrics *api.Metrics
	if cfg.Metrics.Enabled {
		metrics = api.NewMetrics()
	}
	handler := api.NewHandler(svc, log, metrics)
	handler.MaxPeriodDays = cfg.HTTP.MaxPeriodDays
	router := api.NewRouter(handler, api.RouterOptions{
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		Metrics:        metrics,
	})

	scheduler := api.NewMakeupScheduler(svc, log, metrics)
	scheduler.Enabled = cfg.Scheduler.Enabled
	scheduler.CheckInterval = cfg.Scheduler.Interval
	scheduler.Start()
	defer scheduler.Stop()

	server := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server started", "addr", cfg.HTTP.Addr, "store", cfg.Store.Driver)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info("graceful shutdown complete")
	return nil
}

func openStore(ctx context.Context, cfg config.Config, log *slog.Logger) (tutoring.Repository, func(), error) {
	switch cfg.Store.Driver {
	case config.DriverMemory:
		log.Warn("using in-memory store, data is lost on exit")
		return memory.New(), func() {}, nil

	case config.DriverPostgres:
		if err := postgres.Migrate(cfg.Store.PostgresDSN); err != nil {
			return nil, nil, fmt.Errorf("postgres migrations: %w", err)
		}
		log.Info("migrations applied")
		store, err := postgres.New(ctx, cfg.Store.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		log.Info("db connected", "driver", config.DriverPostgres)
		return store, func() { _ = store.Close() }, nil

	default:
		store, err := sqlite.New(cfg.Store.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite %s: %w", cfg.Store.SQLitePath, err)
		}
		log.Info("db connected", "driver", config.DriverSQLite, "path", cfg.Store.SQLitePath)
		return store, func() { _ = store.Close() }, nil
	}
}
