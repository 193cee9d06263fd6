package executor

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// heartbeater advances last_heartbeat_at for every tracked outcome at a
// fixed cadence. Outcomes are untracked right before their terminal
// write; a beat racing that write is absorbed by the store's
// running-only guard.
type heartbeater struct {
	runs     RunStore
	interval time.Duration
	logger   *zap.Logger

	mu  sync.Mutex
	ids map[uuid.UUID]struct{}

	stop chan struct{}
	done chan struct{}
}

func newHeartbeater(runs RunStore, interval time.Duration, logger *zap.Logger) *heartbeater {
	h := &heartbeater{
		runs:     runs,
		interval: interval,
		logger:   logger,
		ids:      make(map[uuid.UUID]struct{}),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go h.loop()
	return h
}

func (h *heartbeater) loop() {
	defer close(h.done)
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			h.beat()
		}
	}
}

func (h *heartbeater) beat() {
	h.mu.Lock()
	ids := make([]uuid.UUID, 0, len(h.ids))
	for id := range h.ids {
		ids = append(ids, id)
	}
	h.mu.Unlock()

	// Heartbeats are liveness signals; they must land even while the
	// run's own context is being cancelled for shutdown.
	ctx, cancel := context.WithTimeout(context.Background(), h.interval)
	defer cancel()
	for _, id := range ids {
		if err := h.runs.Heartbeat(ctx, id); err != nil {
			h.logger.Warn("heartbeat failed",
				zap.String("outcome_id", id.String()),
				zap.Error(err))
		}
	}
}

func (h *heartbeater) Track(id uuid.UUID) {
	h.mu.Lock()
	h.ids[id] = struct{}{}
	h.mu.Unlock()
}

func (h *heartbeater) Untrack(id uuid.UUID) {
	h.mu.Lock()
	delete(h.ids, id)
	h.mu.Unlock()
}

// Stop ends the loop and waits for any in-flight beat to finish.
func (h *heartbeater) Stop() {
	close(h.stop)
	<-h.done
}
