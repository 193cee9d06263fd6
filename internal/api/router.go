package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/heijmerikx/stashd-sub001/internal/metrics"
	"github.com/heijmerikx/stashd-sub001/internal/queue"
	"github.com/heijmerikx/stashd-sub001/internal/repositories"
)

// QueueAdmin is the slice of the work queue the admin surface drives.
// *queue.Queue satisfies it.
type QueueAdmin interface {
	Stats(channel string) (*queue.Stats, error)
	ListByState(channel string, state queue.State, page, size int) ([]queue.TaskInfo, error)
	Pause(channel string) error
	Resume(channel string) error
	Drain(channel string) (int, error)
	Clean(channel string, state queue.State, olderThan time.Duration) (int, error)
	RetryFailed(channel string) (int, error)
	RetryTask(channel, id string) error
	RemoveTask(channel, id string) error
	ListRepeatable() []queue.RepeatableInfo
	Workers() ([]queue.WorkerInfo, error)
	Pinger
}

// Pinger reports broker liveness for health checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RouterConfig holds all dependencies needed to build the HTTP router.
// It is populated in main.go after all components are initialized and
// passed to NewRouter as a single struct to keep the constructor
// signature manageable.
type RouterConfig struct {
	Queue     QueueAdmin
	Trigger   JobTrigger
	Jobs      repositories.JobRepository
	Runs      repositories.RunRepository
	Providers repositories.CredentialProviderRepository
	DB        *gorm.DB
	Logger    *zap.Logger
}

// NewRouter builds and returns the fully configured Chi router. The
// operational endpoints (/healthz, /metrics) live at the root; everything
// else is under /api/v1.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	healthHandler := NewHealthHandler(cfg.DB, cfg.Queue, cfg.Logger)
	queueHandler := NewQueueHandler(cfg.Queue, cfg.Logger)
	historyHandler := NewHistoryHandler(cfg.Runs, cfg.Logger)
	jobHandler := NewJobHandler(cfg.Jobs, cfg.Trigger, cfg.Logger)
	providerHandler := NewProviderHandler(cfg.Providers, cfg.Logger)

	r.Get("/healthz", healthHandler.Check)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// Run history
		r.Get("/history/recent", historyHandler.Recent)
		r.Get("/jobs/stats", historyHandler.JobStats)
		r.Get("/jobs/statuses", historyHandler.RecentStatuses)
		r.Get("/jobs/{id}/runs", historyHandler.RunsForJob)

		// Admin surface
		r.Route("/admin", func(r chi.Router) {
			r.Get("/queues", queueHandler.Stats)
			r.Route("/queues/{channel}", func(r chi.Router) {
				r.Get("/", queueHandler.ChannelStats)
				r.Get("/tasks", queueHandler.ListTasks)
				r.Post("/pause", queueHandler.Pause)
				r.Post("/resume", queueHandler.Resume)
				r.Post("/drain", queueHandler.Drain)
				r.Post("/clean", queueHandler.Clean)
				r.Post("/retry-failed", queueHandler.RetryFailed)
				r.Post("/tasks/{id}/retry", queueHandler.RetryTask)
				r.Delete("/tasks/{id}", queueHandler.RemoveTask)
			})
			r.Get("/repeatable", queueHandler.ListRepeatable)
			r.Get("/workers", queueHandler.Workers)

			r.Get("/jobs/{id}", jobHandler.GetByID)
			r.Post("/jobs/{id}/trigger", jobHandler.Trigger)
			r.Get("/providers/{id}", providerHandler.GetByID)
		})
	})

	return r
}
