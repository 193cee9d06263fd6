package api

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const healthCheckTimeout = 3 * time.Second

// HealthHandler reports liveness of the two stateful dependencies: the
// history database and the queue broker.
type HealthHandler struct {
	db     *gorm.DB
	broker Pinger
	logger *zap.Logger
}

func NewHealthHandler(database *gorm.DB, broker Pinger, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{
		db:     database,
		broker: broker,
		logger: logger.Named("health_handler"),
	}
}

// Check handles GET /healthz. Returns 200 when both dependencies answer,
// 503 with per-component detail otherwise.
func (h *HealthHandler) Check(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	status := http.StatusOK
	components := map[string]string{"database": "ok", "queue": "ok"}

	sqlDB, err := h.db.DB()
	if err == nil {
		err = sqlDB.PingContext(ctx)
	}
	if err != nil {
		components["database"] = "unavailable"
		status = http.StatusServiceUnavailable
		h.logger.Warn("database health check failed", zap.Error(err))
	}

	if err := h.broker.Ping(ctx); err != nil {
		components["queue"] = "unavailable"
		status = http.StatusServiceUnavailable
		h.logger.Warn("queue health check failed", zap.Error(err))
	}

	overall := "ok"
	if status != http.StatusOK {
		overall = "degraded"
	}
	JSON(w, status, envelope{"status": overall, "components": components})
}
