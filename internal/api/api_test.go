package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/heijmerikx/stashd-sub001/internal/db"
	"github.com/heijmerikx/stashd-sub001/internal/queue"
	"github.com/heijmerikx/stashd-sub001/internal/repositories"
	"github.com/heijmerikx/stashd-sub001/internal/secrets"
)

func TestMain(m *testing.M) {
	if err := secrets.Init("api-test-secret-0123456789abcdef"); err != nil {
		panic(err)
	}
	m.Run()
}

// -----------------------------------------------------------------------------
// Fakes
// -----------------------------------------------------------------------------

type fakeQueueAdmin struct {
	stats    map[string]*queue.Stats
	tasks    []queue.TaskInfo
	paused   map[string]bool
	drained  int
	cleaned  int
	retried  int
	taskErr  error
	repeat   []queue.RepeatableInfo
	workers  []queue.WorkerInfo
	pingErr  error
	lastOp   string
	lastArgs []string
}

func newFakeQueueAdmin() *fakeQueueAdmin {
	return &fakeQueueAdmin{
		stats: map[string]*queue.Stats{
			queue.ChannelBackups: {Waiting: 3, Active: 1, Completed: 7, Failed: 2, Delayed: 1},
			queue.ChannelSystem:  {},
		},
		paused: map[string]bool{},
	}
}

func (f *fakeQueueAdmin) Stats(channel string) (*queue.Stats, error) {
	if s, ok := f.stats[channel]; ok {
		return s, nil
	}
	return &queue.Stats{}, nil
}

func (f *fakeQueueAdmin) ListByState(channel string, state queue.State, page, size int) ([]queue.TaskInfo, error) {
	f.lastOp = "list"
	f.lastArgs = []string{channel, string(state), fmt.Sprint(page), fmt.Sprint(size)}
	return f.tasks, nil
}

func (f *fakeQueueAdmin) Pause(channel string) error {
	f.paused[channel] = true
	return nil
}

func (f *fakeQueueAdmin) Resume(channel string) error {
	f.paused[channel] = false
	return nil
}

func (f *fakeQueueAdmin) Drain(channel string) (int, error) {
	f.lastOp = "drain"
	return f.drained, nil
}

func (f *fakeQueueAdmin) Clean(channel string, state queue.State, olderThan time.Duration) (int, error) {
	f.lastOp = "clean"
	f.lastArgs = []string{channel, string(state), olderThan.String()}
	return f.cleaned, nil
}

func (f *fakeQueueAdmin) RetryFailed(channel string) (int, error) {
	return f.retried, nil
}

func (f *fakeQueueAdmin) RetryTask(channel, id string) error {
	if f.taskErr != nil {
		return fmt.Errorf("queue: retry entry %s on %s: %w", id, channel, f.taskErr)
	}
	return nil
}

func (f *fakeQueueAdmin) RemoveTask(channel, id string) error {
	if f.taskErr != nil {
		return fmt.Errorf("queue: remove entry %s on %s: %w", id, channel, f.taskErr)
	}
	return nil
}

func (f *fakeQueueAdmin) ListRepeatable() []queue.RepeatableInfo { return f.repeat }

func (f *fakeQueueAdmin) Workers() ([]queue.WorkerInfo, error) { return f.workers, nil }

func (f *fakeQueueAdmin) Ping(context.Context) error { return f.pingErr }

type fakeTrigger struct {
	taskID string
	err    error
	calls  []uuid.UUID
}

func (f *fakeTrigger) TriggerNow(_ context.Context, id uuid.UUID) (string, error) {
	f.calls = append(f.calls, id)
	if f.err != nil {
		return "", f.err
	}
	return f.taskID, nil
}

// -----------------------------------------------------------------------------
// Harness
// -----------------------------------------------------------------------------

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	database, err := db.New(db.Config{
		Driver:  "sqlite",
		DSN:     ":memory:",
		Migrate: true,
		Logger:  zap.NewNop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := database.DB(); err == nil {
			sqlDB.Close() //nolint:errcheck
		}
	})
	return database
}

func newTestServer(t *testing.T, q *fakeQueueAdmin, trigger *fakeTrigger) (*httptest.Server, *gorm.DB) {
	t.Helper()
	database := openTestDB(t)
	router := NewRouter(RouterConfig{
		Queue:     q,
		Trigger:   trigger,
		Jobs:      repositories.NewJobRepository(database),
		Runs:      repositories.NewRunRepository(database),
		Providers: repositories.NewCredentialProviderRepository(database),
		DB:        database,
		Logger:    zap.NewNop(),
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, database
}

func doJSON(t *testing.T, method, url string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck

	var body map[string]any
	if resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	}
	return resp.StatusCode, body
}

func dataOf(t *testing.T, body map[string]any) map[string]any {
	t.Helper()
	data, ok := body["data"].(map[string]any)
	require.True(t, ok, "response has no data object: %v", body)
	return data
}

// -----------------------------------------------------------------------------
// Health and metrics
// -----------------------------------------------------------------------------

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t, newFakeQueueAdmin(), &fakeTrigger{})

	status, body := doJSON(t, http.MethodGet, srv.URL+"/healthz")
	assert.Equal(t, http.StatusOK, status)
	data := dataOf(t, body)
	assert.Equal(t, "ok", data["status"])
}

func TestHealthzDegradedBroker(t *testing.T) {
	q := newFakeQueueAdmin()
	q.pingErr = fmt.Errorf("connection refused")
	srv, _ := newTestServer(t, q, &fakeTrigger{})

	status, body := doJSON(t, http.MethodGet, srv.URL+"/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, status)
	data := dataOf(t, body)
	assert.Equal(t, "degraded", data["status"])
	components := data["components"].(map[string]any)
	assert.Equal(t, "unavailable", components["queue"])
	assert.Equal(t, "ok", components["database"])
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, newFakeQueueAdmin(), &fakeTrigger{})

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

// -----------------------------------------------------------------------------
// Queue admin
// -----------------------------------------------------------------------------

func TestQueueStats(t *testing.T) {
	srv, _ := newTestServer(t, newFakeQueueAdmin(), &fakeTrigger{})

	status, body := doJSON(t, http.MethodGet, srv.URL+"/api/v1/admin/queues")
	require.Equal(t, http.StatusOK, status)

	data := dataOf(t, body)
	backups := data[queue.ChannelBackups].(map[string]any)
	assert.EqualValues(t, 3, backups["waiting"])
	assert.EqualValues(t, 1, backups["active"])
	assert.EqualValues(t, 2, backups["failed"])
	assert.Contains(t, data, queue.ChannelSystem)
}

func TestChannelStatsRejectsUnknownChannel(t *testing.T) {
	srv, _ := newTestServer(t, newFakeQueueAdmin(), &fakeTrigger{})

	status, _ := doJSON(t, http.MethodGet, srv.URL+"/api/v1/admin/queues/bogus")
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestListTasks(t *testing.T) {
	q := newFakeQueueAdmin()
	q.tasks = []queue.TaskInfo{{ID: "t1", Type: queue.TypeBackupRun, Channel: queue.ChannelBackups, State: "waiting"}}
	srv, _ := newTestServer(t, q, &fakeTrigger{})

	status, body := doJSON(t, http.MethodGet,
		srv.URL+"/api/v1/admin/queues/"+queue.ChannelBackups+"/tasks?state=waiting&page=2&page_size=10")
	require.Equal(t, http.StatusOK, status)
	data := dataOf(t, body)
	items := data["items"].([]any)
	require.Len(t, items, 1)
	assert.Equal(t, []string{queue.ChannelBackups, "waiting", "2", "10"}, q.lastArgs)
}

func TestListTasksRejectsUnknownState(t *testing.T) {
	srv, _ := newTestServer(t, newFakeQueueAdmin(), &fakeTrigger{})

	status, _ := doJSON(t, http.MethodGet,
		srv.URL+"/api/v1/admin/queues/"+queue.ChannelBackups+"/tasks?state=archived")
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestPauseAndResume(t *testing.T) {
	q := newFakeQueueAdmin()
	srv, _ := newTestServer(t, q, &fakeTrigger{})
	base := srv.URL + "/api/v1/admin/queues/" + queue.ChannelBackups

	status, body := doJSON(t, http.MethodPost, base+"/pause")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, dataOf(t, body)["paused"])
	assert.True(t, q.paused[queue.ChannelBackups])

	status, body = doJSON(t, http.MethodPost, base+"/resume")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, dataOf(t, body)["paused"])
	assert.False(t, q.paused[queue.ChannelBackups])
}

func TestDrain(t *testing.T) {
	q := newFakeQueueAdmin()
	q.drained = 4
	srv, _ := newTestServer(t, q, &fakeTrigger{})

	status, body := doJSON(t, http.MethodPost,
		srv.URL+"/api/v1/admin/queues/"+queue.ChannelBackups+"/drain")
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 4, dataOf(t, body)["removed"])
}

func TestClean(t *testing.T) {
	q := newFakeQueueAdmin()
	q.cleaned = 9
	srv, _ := newTestServer(t, q, &fakeTrigger{})
	base := srv.URL + "/api/v1/admin/queues/" + queue.ChannelBackups + "/clean"

	status, body := doJSON(t, http.MethodPost, base+"?state=failed&older_than=24h")
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 9, dataOf(t, body)["removed"])
	assert.Equal(t, []string{queue.ChannelBackups, "failed", "24h0m0s"}, q.lastArgs)

	// Clean only applies to terminal states.
	status, _ = doJSON(t, http.MethodPost, base+"?state=waiting")
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = doJSON(t, http.MethodPost, base+"?state=failed&older_than=soon")
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestRetryTaskNotFound(t *testing.T) {
	q := newFakeQueueAdmin()
	q.taskErr = asynq.ErrTaskNotFound
	srv, _ := newTestServer(t, q, &fakeTrigger{})

	status, _ := doJSON(t, http.MethodPost,
		srv.URL+"/api/v1/admin/queues/"+queue.ChannelBackups+"/tasks/t1/retry")
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = doJSON(t, http.MethodDelete,
		srv.URL+"/api/v1/admin/queues/"+queue.ChannelBackups+"/tasks/t1")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestRemoveTask(t *testing.T) {
	srv, _ := newTestServer(t, newFakeQueueAdmin(), &fakeTrigger{})

	status, _ := doJSON(t, http.MethodDelete,
		srv.URL+"/api/v1/admin/queues/"+queue.ChannelBackups+"/tasks/t1")
	assert.Equal(t, http.StatusNoContent, status)
}

func TestWorkers(t *testing.T) {
	q := newFakeQueueAdmin()
	q.workers = []queue.WorkerInfo{{Host: "worker-1", PID: 42, Concurrency: 2}}
	srv, _ := newTestServer(t, q, &fakeTrigger{})

	status, body := doJSON(t, http.MethodGet, srv.URL+"/api/v1/admin/workers")
	require.Equal(t, http.StatusOK, status)
	items := body["data"].([]any)
	require.Len(t, items, 1)
	assert.Equal(t, "worker-1", items[0].(map[string]any)["host"])
}

// -----------------------------------------------------------------------------
// Jobs
// -----------------------------------------------------------------------------

func TestTriggerJob(t *testing.T) {
	trigger := &fakeTrigger{taskID: "task-123"}
	srv, database := newTestServer(t, newFakeQueueAdmin(), trigger)

	job := &db.BackupJob{Name: "nightly", Type: db.JobTypePostgres, Config: `{}`}
	require.NoError(t, repositories.NewJobRepository(database).Create(context.Background(), job))

	status, body := doJSON(t, http.MethodPost, srv.URL+"/api/v1/admin/jobs/"+job.ID.String()+"/trigger")
	require.Equal(t, http.StatusOK, status)
	data := dataOf(t, body)
	assert.Equal(t, "task-123", data["task_id"])
	assert.Equal(t, job.ID.String(), data["job_id"])
	require.Len(t, trigger.calls, 1)
	assert.Equal(t, job.ID, trigger.calls[0])
}

func TestTriggerJobMissing(t *testing.T) {
	trigger := &fakeTrigger{err: fmt.Errorf("scheduler: trigger job: %w", repositories.ErrNotFound)}
	srv, _ := newTestServer(t, newFakeQueueAdmin(), trigger)

	status, _ := doJSON(t, http.MethodPost, srv.URL+"/api/v1/admin/jobs/"+uuid.NewString()+"/trigger")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestTriggerJobBadID(t *testing.T) {
	srv, _ := newTestServer(t, newFakeQueueAdmin(), &fakeTrigger{})

	status, _ := doJSON(t, http.MethodPost, srv.URL+"/api/v1/admin/jobs/not-a-uuid/trigger")
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestJobConfigIsMasked(t *testing.T) {
	srv, database := newTestServer(t, newFakeQueueAdmin(), &fakeTrigger{})

	token, err := secrets.Encrypt("super-secret-password")
	require.NoError(t, err)
	job := &db.BackupJob{Name: "nightly", Type: db.JobTypePostgres}
	require.NoError(t, job.SetConfigMap(map[string]any{
		"host": "db.internal", "database": "appdb", "username": "u", "password": token,
	}))
	require.NoError(t, repositories.NewJobRepository(database).Create(context.Background(), job))

	status, body := doJSON(t, http.MethodGet, srv.URL+"/api/v1/admin/jobs/"+job.ID.String())
	require.Equal(t, http.StatusOK, status)

	cfg := dataOf(t, body)["config"].(map[string]any)
	assert.Equal(t, secrets.Masked, cfg["password"])
	assert.Equal(t, "db.internal", cfg["host"])
}

func TestProviderConfigIsMasked(t *testing.T) {
	srv, database := newTestServer(t, newFakeQueueAdmin(), &fakeTrigger{})

	keyToken, err := secrets.Encrypt("AKIAEXAMPLE")
	require.NoError(t, err)
	secretToken, err := secrets.Encrypt("wJalrXUtnFEMI")
	require.NoError(t, err)
	provider := &db.CredentialProvider{Name: "prod-s3", Type: "s3", Preset: "aws"}
	require.NoError(t, provider.SetConfigMap(map[string]any{
		"region": "eu-west-1", "access_key_id": keyToken, "secret_access_key": secretToken,
	}))
	require.NoError(t, repositories.NewCredentialProviderRepository(database).Create(context.Background(), provider))

	status, body := doJSON(t, http.MethodGet, srv.URL+"/api/v1/admin/providers/"+provider.ID.String())
	require.Equal(t, http.StatusOK, status)

	cfg := dataOf(t, body)["config"].(map[string]any)
	assert.Equal(t, secrets.Masked, cfg["access_key_id"])
	assert.Equal(t, secrets.Masked, cfg["secret_access_key"])
	assert.Equal(t, "eu-west-1", cfg["region"])
}

// -----------------------------------------------------------------------------
// History
// -----------------------------------------------------------------------------

func TestRecentHistory(t *testing.T) {
	srv, database := newTestServer(t, newFakeQueueAdmin(), &fakeTrigger{})
	runs := repositories.NewRunRepository(database)
	ctx := context.Background()

	run := &db.BackupRun{JobID: uuid.New(), RunID: "run-1"}
	require.NoError(t, runs.CreateOutcome(ctx, run))
	require.NoError(t, runs.Complete(ctx, run.ID, 128, "/backups/a.sql.gz", "", ""))

	status, body := doJSON(t, http.MethodGet, srv.URL+"/api/v1/history/recent?limit=5")
	require.Equal(t, http.StatusOK, status)
	items := dataOf(t, body)["items"].([]any)
	require.Len(t, items, 1)
	row := items[0].(map[string]any)
	assert.Equal(t, "run-1", row["run_id"])
	assert.Equal(t, db.RunStatusCompleted, row["status"])
}

func TestRunsForJob(t *testing.T) {
	srv, database := newTestServer(t, newFakeQueueAdmin(), &fakeTrigger{})
	runs := repositories.NewRunRepository(database)
	ctx := context.Background()
	jobID := uuid.New()

	for i := 0; i < 2; i++ {
		run := &db.BackupRun{JobID: jobID, RunID: "run-x"}
		require.NoError(t, runs.CreateOutcome(ctx, run))
		require.NoError(t, runs.Complete(ctx, run.ID, 64, "/backups/x.sql.gz", "", ""))
	}

	status, body := doJSON(t, http.MethodGet, srv.URL+"/api/v1/jobs/"+jobID.String()+"/runs")
	require.Equal(t, http.StatusOK, status)
	data := dataOf(t, body)
	assert.EqualValues(t, 1, data["total"], "two outcomes with one run_id aggregate to one run")
	items := data["items"].([]any)
	require.Len(t, items, 1)
	assert.EqualValues(t, 2, items[0].(map[string]any)["total_destinations"])
}

func TestJobStatsRequiresIDs(t *testing.T) {
	srv, _ := newTestServer(t, newFakeQueueAdmin(), &fakeTrigger{})

	status, _ := doJSON(t, http.MethodGet, srv.URL+"/api/v1/jobs/stats")
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = doJSON(t, http.MethodGet, srv.URL+"/api/v1/jobs/stats?ids=nope")
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestJobStats(t *testing.T) {
	srv, database := newTestServer(t, newFakeQueueAdmin(), &fakeTrigger{})
	runs := repositories.NewRunRepository(database)
	ctx := context.Background()
	jobID := uuid.New()

	run := &db.BackupRun{JobID: jobID, RunID: "run-s"}
	require.NoError(t, runs.CreateOutcome(ctx, run))
	require.NoError(t, runs.Complete(ctx, run.ID, 64, "/backups/s.sql.gz", "", ""))

	status, body := doJSON(t, http.MethodGet, srv.URL+"/api/v1/jobs/stats?ids="+jobID.String())
	require.Equal(t, http.StatusOK, status)
	stats := dataOf(t, body)[jobID.String()].(map[string]any)
	assert.EqualValues(t, 1, stats["total"])
	assert.EqualValues(t, 1, stats["success"])
}
