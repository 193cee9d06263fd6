package queue

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// newTestQueue builds a Queue pointed at an address nothing listens on.
// Clients connect lazily, so everything broker-free is exercisable.
func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	q, err := New(Options{Addr: "127.0.0.1:1", Logger: zap.NewNop()})
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() }) //nolint:errcheck
	return q
}

func backupTask(t *testing.T, payload BackupPayload) *asynq.Task {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return asynq.NewTask(TypeBackupRun, raw)
}

func TestRetryDelayDefaultBase(t *testing.T) {
	task := backupTask(t, BackupPayload{JobID: "j1"})

	assert.Equal(t, 5*time.Second, RetryDelay(1, nil, task))
	assert.Equal(t, 10*time.Second, RetryDelay(2, nil, task))
	assert.Equal(t, 20*time.Second, RetryDelay(3, nil, task))
	assert.Equal(t, 40*time.Second, RetryDelay(4, nil, task))
}

func TestRetryDelayPayloadBase(t *testing.T) {
	task := backupTask(t, BackupPayload{JobID: "j1", BackoffMS: 1000})

	assert.Equal(t, time.Second, RetryDelay(1, nil, task))
	assert.Equal(t, 2*time.Second, RetryDelay(2, nil, task))
	assert.Equal(t, 4*time.Second, RetryDelay(3, nil, task))
}

func TestRetryDelayBounds(t *testing.T) {
	task := backupTask(t, BackupPayload{JobID: "j1"})

	// Below-range attempt counts behave like the first attempt.
	assert.Equal(t, 5*time.Second, RetryDelay(0, nil, task))
	assert.Equal(t, 5*time.Second, RetryDelay(-3, nil, task))

	// The exponent caps instead of overflowing.
	assert.Equal(t, DefaultBackoffBase<<(maxBackoffShift-1), RetryDelay(100, nil, task))
}

func TestRetryDelayNonJSONPayload(t *testing.T) {
	task := asynq.NewTask(TypeReapStale, []byte("not json"))
	assert.Equal(t, 5*time.Second, RetryDelay(1, nil, task))
}

func TestStateLabel(t *testing.T) {
	assert.Equal(t, "waiting", stateLabel(asynq.TaskStatePending))
	assert.Equal(t, "active", stateLabel(asynq.TaskStateActive))
	assert.Equal(t, "delayed", stateLabel(asynq.TaskStateScheduled))
	assert.Equal(t, "delayed", stateLabel(asynq.TaskStateRetry))
	assert.Equal(t, "failed", stateLabel(asynq.TaskStateArchived))
	assert.Equal(t, "completed", stateLabel(asynq.TaskStateCompleted))
}

func TestParseState(t *testing.T) {
	for _, label := range []string{"waiting", "active", "completed", "failed", "delayed"} {
		state, err := ParseState(label)
		require.NoError(t, err)
		assert.Equal(t, State(label), state)
	}

	_, err := ParseState("archived")
	assert.Error(t, err)
}

func TestRepeatableBookkeeping(t *testing.T) {
	q := newTestQueue(t)

	err := q.AddRepeatableCron("backup-job-one", "0 3 * * *", TypeBackupRun,
		BackupPayload{JobID: "one"}, EnqueueOptions{Channel: ChannelBackups})
	require.NoError(t, err)
	err = q.AddRepeatableInterval("system-reap", 2*time.Minute, TypeReapStale,
		nil, EnqueueOptions{Channel: ChannelSystem})
	require.NoError(t, err)

	entries := q.ListRepeatable()
	require.Len(t, entries, 2)

	// Sorted by key.
	assert.Equal(t, "backup-job-one", entries[0].Key)
	assert.Equal(t, ChannelBackups, entries[0].Channel)
	assert.Equal(t, "0 3 * * *", entries[0].Spec)
	assert.Equal(t, "system-reap", entries[1].Key)
	assert.Equal(t, ChannelSystem, entries[1].Channel)
	assert.Equal(t, "@every 2m0s", entries[1].Spec)

	q.RemoveRepeatable("backup-job-one")
	entries = q.ListRepeatable()
	require.Len(t, entries, 1)
	assert.Equal(t, "system-reap", entries[0].Key)

	// Unknown keys are a no-op.
	q.RemoveRepeatable("backup-job-one")
	assert.Len(t, q.ListRepeatable(), 1)
}

func TestAddRepeatableReplacesExisting(t *testing.T) {
	q := newTestQueue(t)

	require.NoError(t, q.AddRepeatableCron("backup-job-one", "0 3 * * *", TypeBackupRun,
		BackupPayload{JobID: "one"}, EnqueueOptions{Channel: ChannelBackups}))
	require.NoError(t, q.AddRepeatableCron("backup-job-one", "30 4 * * 1", TypeBackupRun,
		BackupPayload{JobID: "one"}, EnqueueOptions{Channel: ChannelBackups}))

	entries := q.ListRepeatable()
	require.Len(t, entries, 1)
	assert.Equal(t, "30 4 * * 1", entries[0].Spec)
}

func TestAddRepeatableRejectsBadCron(t *testing.T) {
	q := newTestQueue(t)

	err := q.AddRepeatableCron("backup-job-bad", "not a cron", TypeBackupRun,
		BackupPayload{JobID: "bad"}, EnqueueOptions{})
	require.Error(t, err)
	assert.Empty(t, q.ListRepeatable())
}

func TestRepeatableNextRunAfterStart(t *testing.T) {
	q := newTestQueue(t)

	require.NoError(t, q.AddRepeatableCron("backup-job-one", "0 3 * * *", TypeBackupRun,
		BackupPayload{JobID: "one"}, EnqueueOptions{Channel: ChannelBackups}))

	q.StartRepeatables()
	defer q.StopRepeatables() //nolint:errcheck

	assert.Eventually(t, func() bool {
		entries := q.ListRepeatable()
		return len(entries) == 1 && !entries[0].NextRun.IsZero()
	}, 2*time.Second, 20*time.Millisecond)
}
