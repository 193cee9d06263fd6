package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/heijmerikx/stashd-sub001/internal/api"
	"github.com/heijmerikx/stashd-sub001/internal/config"
	"github.com/heijmerikx/stashd-sub001/internal/credentials"
	"github.com/heijmerikx/stashd-sub001/internal/db"
	"github.com/heijmerikx/stashd-sub001/internal/destination"
	"github.com/heijmerikx/stashd-sub001/internal/executor"
	"github.com/heijmerikx/stashd-sub001/internal/maintenance"
	"github.com/heijmerikx/stashd-sub001/internal/notification"
	"github.com/heijmerikx/stashd-sub001/internal/queue"
	"github.com/heijmerikx/stashd-sub001/internal/repositories"
	"github.com/heijmerikx/stashd-sub001/internal/scheduler"
	"github.com/heijmerikx/stashd-sub001/internal/secrets"
	"github.com/heijmerikx/stashd-sub001/internal/source"
	"github.com/heijmerikx/stashd-sub001/internal/worker"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// drainPollInterval is how often shutdown re-checks the active count
// while waiting for in-flight runs to finish.
const drainPollInterval = 2 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "stashd",
		Short: "stashd — backup execution core",
		Long: `stashd is a backup execution core. It schedules configured backup
jobs, runs database dumps and bucket syncs through a bounded worker
pool, copies artifacts to one or more destinations, and keeps a run
history with heartbeat-based crash recovery. All configuration comes
from environment variables; MODE selects which halves run here.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())
	root.AddCommand(newMigrateCmd())

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("stashd %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger, err := buildLogger(cfg.LogLevel)
			if err != nil {
				return fmt.Errorf("failed to build logger: %w", err)
			}
			defer logger.Sync() //nolint:errcheck

			database, err := db.New(db.Config{
				Driver:  cfg.DBDriver,
				DSN:     cfg.DatabaseDSN(),
				Migrate: true,
				Logger:  logger,
			})
			if err != nil {
				return fmt.Errorf("migrations failed: %w", err)
			}
			closeDatabase(database, logger)
			logger.Info("migrations applied")
			return nil
		},
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting stashd",
		zap.String("version", version),
		zap.String("mode", string(cfg.Mode)),
		zap.String("http_addr", cfg.HTTPAddr),
		zap.String("db_driver", cfg.DBDriver),
	)

	if err := secrets.Init(cfg.EncryptionSecret); err != nil {
		return fmt.Errorf("failed to initialize secret envelope: %w", err)
	}

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Migrations run only on the API half so that a fleet of workers
	// never races on schema changes.
	database, err := db.New(db.Config{
		Driver:  cfg.DBDriver,
		DSN:     cfg.DatabaseDSN(),
		Migrate: cfg.APIEnabled(),
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer closeDatabase(database, logger)

	q, err := queue.New(queue.Options{
		Addr:     cfg.RedisAddr(),
		Username: cfg.RedisUsername,
		Password: cfg.RedisPassword,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("failed to build queue: %w", err)
	}
	defer q.Close() //nolint:errcheck

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	err = q.Ping(pingCtx)
	pingCancel()
	if err != nil {
		return fmt.Errorf("failed to reach redis at %s: %w", cfg.RedisAddr(), err)
	}

	jobs := repositories.NewJobRepository(database)
	runs := repositories.NewRunRepository(database)
	providers := repositories.NewCredentialProviderRepository(database)

	// The scheduler is built in every mode: the worker half owns the
	// repeatable engine, the api half only uses TriggerNow.
	sched := scheduler.New(jobs, q, logger)

	var w *worker.Worker
	if cfg.WorkerEnabled() {
		resolver := credentials.NewResolver(providers, logger)
		exec := executor.New(executor.Config{
			Jobs:              jobs,
			Runs:              runs,
			Sources:           source.NewRegistry(),
			Copier:            destination.NewRouter(resolver),
			Credentials:       resolver,
			Notifier:          notification.NewLogEmitter(logger),
			Logger:            logger,
			TempDir:           cfg.TempBackupDir,
			BackupDir:         cfg.BackupDir,
			HeartbeatInterval: cfg.HeartbeatInterval,
		})
		maint := maintenance.New(runs, jobs, cfg.StaleRunThreshold, logger)

		w, err = worker.New(worker.Config{
			Redis:           q.RedisOpt(),
			HandleBackup:    exec.HandleBackupTask,
			HandleReap:      maint.HandleReapStale,
			HandleRetention: maint.HandleRetentionSweep,
			Concurrency:     cfg.BackupConcurrency,
			Logger:          logger,
		})
		if err != nil {
			return err
		}
		if err := w.Start(); err != nil {
			return err
		}

		if err := sched.InitializeAll(ctx); err != nil {
			return fmt.Errorf("failed to initialize scheduler: %w", err)
		}
		if err := maint.Register(q, cfg.MaintenanceInterval); err != nil {
			return err
		}
		q.StartRepeatables()
	}

	var httpServer *http.Server
	httpErr := make(chan error, 1)
	if cfg.APIEnabled() {
		router := api.NewRouter(api.RouterConfig{
			Queue:     q,
			Trigger:   sched,
			Jobs:      jobs,
			Runs:      runs,
			Providers: providers,
			DB:        database,
			Logger:    logger,
		})
		httpServer = &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				httpErr <- err
			}
		}()
	}

	select {
	case err := <-httpErr:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	// A second SIGTERM after this point falls back to default handling
	// and kills the process immediately.
	logger.Info("shutting down")
	shutdown(logger, q, w, httpServer)
	return nil
}

// shutdown drains the process in order: stop new pickups, close the
// HTTP surface, wait for active runs, then release the workers. Queue
// and database connections close via the deferred calls in run.
func shutdown(logger *zap.Logger, q *queue.Queue, w *worker.Worker, httpServer *http.Server) {
	if w != nil {
		if err := q.StopRepeatables(); err != nil {
			logger.Warn("failed to stop repeatable engine", zap.Error(err))
		}
		w.Stop()
	}

	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http server shutdown failed", zap.Error(err))
		}
		cancel()
	}

	if w != nil {
		// No hard timeout here: a running dump finishes at its own
		// pace, and heartbeats keep its liveness visible meanwhile.
		for {
			active, err := q.ActiveCount()
			if err != nil {
				logger.Warn("failed to read active count, shutting down workers", zap.Error(err))
				break
			}
			if active == 0 {
				break
			}
			logger.Info("waiting for active runs to finish", zap.Int("active", active))
			time.Sleep(drainPollInterval)
		}
		w.Shutdown()
	}

	logger.Info("shutdown complete")
}

func closeDatabase(database *gorm.DB, logger *zap.Logger) {
	sqlDB, err := database.DB()
	if err != nil {
		return
	}
	if err := sqlDB.Close(); err != nil {
		logger.Warn("failed to close database", zap.Error(err))
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}
