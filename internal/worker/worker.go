// Package worker hosts the task servers that consume the two channels.
// Backups and system tasks run in separate pools so a long dump can
// never starve the reaper.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/heijmerikx/stashd-sub001/internal/queue"
)

const (
	// DefaultBackupConcurrency bounds simultaneous backup runs per
	// worker process.
	DefaultBackupConcurrency = 2
	// SystemConcurrency keeps maintenance strictly sequential.
	SystemConcurrency = 1

	DefaultShutdownTimeout = 30 * time.Second
)

// TaskHandler processes one dequeued task.
type TaskHandler func(ctx context.Context, task *asynq.Task) error

type Config struct {
	Redis           asynq.RedisClientOpt
	HandleBackup    TaskHandler
	HandleReap      TaskHandler
	HandleRetention TaskHandler
	Logger          *zap.Logger
	// Concurrency is the backup pool size; zero means
	// DefaultBackupConcurrency.
	Concurrency int
	// ShutdownTimeout bounds the wait for in-flight tasks during
	// Shutdown; zero means DefaultShutdownTimeout.
	ShutdownTimeout time.Duration
}

type Worker struct {
	backups     *asynq.Server
	system      *asynq.Server
	backupMux   *asynq.ServeMux
	systemMux   *asynq.ServeMux
	concurrency int
	logger      *zap.Logger
}

// New builds both servers. Call Start to begin consuming.
func New(cfg Config) (*Worker, error) {
	if cfg.HandleBackup == nil || cfg.HandleReap == nil || cfg.HandleRetention == nil {
		return nil, errors.New("worker: all task handlers are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("worker")

	timeout := cfg.ShutdownTimeout
	if timeout == 0 {
		timeout = DefaultShutdownTimeout
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultBackupConcurrency
	}

	errorHandler := asynq.ErrorHandlerFunc(func(_ context.Context, task *asynq.Task, err error) {
		logger.Error("task failed",
			zap.String("type", task.Type()),
			zap.Error(err))
	})

	backups := asynq.NewServer(cfg.Redis, asynq.Config{
		Concurrency:     concurrency,
		Queues:          map[string]int{queue.ChannelBackups: 1},
		RetryDelayFunc:  queue.RetryDelay,
		ErrorHandler:    errorHandler,
		Logger:          newAsynqLogger(logger.Named("backups")),
		ShutdownTimeout: timeout,
	})
	system := asynq.NewServer(cfg.Redis, asynq.Config{
		Concurrency:     SystemConcurrency,
		Queues:          map[string]int{queue.ChannelSystem: 1},
		RetryDelayFunc:  queue.RetryDelay,
		ErrorHandler:    errorHandler,
		Logger:          newAsynqLogger(logger.Named("system")),
		ShutdownTimeout: timeout,
	})

	backupMux := asynq.NewServeMux()
	backupMux.HandleFunc(queue.TypeBackupRun, cfg.HandleBackup)

	systemMux := asynq.NewServeMux()
	systemMux.HandleFunc(queue.TypeReapStale, cfg.HandleReap)
	systemMux.HandleFunc(queue.TypeRetentionSweep, cfg.HandleRetention)

	return &Worker{
		backups:     backups,
		system:      system,
		backupMux:   backupMux,
		systemMux:   systemMux,
		concurrency: concurrency,
		logger:      logger,
	}, nil
}

// Start begins consuming both channels. It does not block.
func (w *Worker) Start() error {
	if err := w.backups.Start(w.backupMux); err != nil {
		return fmt.Errorf("worker: start backups server: %w", err)
	}
	if err := w.system.Start(w.systemMux); err != nil {
		w.backups.Shutdown()
		return fmt.Errorf("worker: start system server: %w", err)
	}
	w.logger.Info("workers started",
		zap.Int("backup_concurrency", w.concurrency),
		zap.Int("system_concurrency", SystemConcurrency))
	return nil
}

// Stop halts fetching on both channels. In-flight tasks keep running;
// call Shutdown once the queue reports no active work.
func (w *Worker) Stop() {
	w.backups.Stop()
	w.system.Stop()
	w.logger.Info("workers stopped fetching")
}

// Shutdown waits for in-flight tasks up to the shutdown timeout and
// releases server resources.
func (w *Worker) Shutdown() {
	w.backups.Shutdown()
	w.system.Shutdown()
	w.logger.Info("workers shut down")
}

// zapAsynqLogger bridges the server's leveled log lines onto zap.
type zapAsynqLogger struct {
	s *zap.SugaredLogger
}

func newAsynqLogger(l *zap.Logger) asynq.Logger {
	return &zapAsynqLogger{s: l.Sugar()}
}

func (l *zapAsynqLogger) Debug(args ...interface{}) { l.s.Debug(args...) }
func (l *zapAsynqLogger) Info(args ...interface{})  { l.s.Info(args...) }
func (l *zapAsynqLogger) Warn(args ...interface{})  { l.s.Warn(args...) }
func (l *zapAsynqLogger) Error(args ...interface{}) { l.s.Error(args...) }
func (l *zapAsynqLogger) Fatal(args ...interface{}) { l.s.Fatal(args...) }
