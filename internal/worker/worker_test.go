package worker

import (
	"context"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/heijmerikx/stashd-sub001/internal/queue"
)

func newTestWorker(t *testing.T, counts map[string]*int) *Worker {
	t.Helper()
	count := func(key string) TaskHandler {
		return func(context.Context, *asynq.Task) error {
			*counts[key]++
			return nil
		}
	}
	w, err := New(Config{
		Redis:           asynq.RedisClientOpt{Addr: "127.0.0.1:1"},
		HandleBackup:    count("backup"),
		HandleReap:      count("reap"),
		HandleRetention: count("retention"),
		Logger:          zap.NewNop(),
	})
	require.NoError(t, err)
	return w
}

func TestTaskRouting(t *testing.T) {
	var backup, reap, retention int
	w := newTestWorker(t, map[string]*int{"backup": &backup, "reap": &reap, "retention": &retention})
	ctx := context.Background()

	require.NoError(t, w.backupMux.ProcessTask(ctx, asynq.NewTask(queue.TypeBackupRun, nil)))
	require.NoError(t, w.systemMux.ProcessTask(ctx, asynq.NewTask(queue.TypeReapStale, nil)))
	require.NoError(t, w.systemMux.ProcessTask(ctx, asynq.NewTask(queue.TypeRetentionSweep, nil)))

	assert.Equal(t, 1, backup)
	assert.Equal(t, 1, reap)
	assert.Equal(t, 1, retention)
}

func TestChannelsAreIsolated(t *testing.T) {
	var backup, reap, retention int
	w := newTestWorker(t, map[string]*int{"backup": &backup, "reap": &reap, "retention": &retention})
	ctx := context.Background()

	// System tasks have no handler on the backup mux and vice versa.
	assert.Error(t, w.backupMux.ProcessTask(ctx, asynq.NewTask(queue.TypeReapStale, nil)))
	assert.Error(t, w.systemMux.ProcessTask(ctx, asynq.NewTask(queue.TypeBackupRun, nil)))
	assert.Zero(t, backup)
	assert.Zero(t, reap)
}

func TestNewRequiresHandlers(t *testing.T) {
	_, err := New(Config{Redis: asynq.RedisClientOpt{Addr: "127.0.0.1:1"}})
	require.Error(t, err)
}
