package repositories

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/heijmerikx/stashd-sub001/internal/db"
)

// openTestDB opens an in-memory sqlite database and applies the real
// migrations, so repository tests exercise the same schema production
// runs on.
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

func TestJobCreateAndGet(t *testing.T) {
	database := openTestDB(t)
	repo := NewJobRepository(database)
	ctx := context.Background()

	job := &db.BackupJob{
		Name:          "nightly postgres",
		Type:          db.JobTypePostgres,
		Config:        `{"host":"db.internal","database":"appdb"}`,
		Schedule:      "0 3 * * *",
		Enabled:       true,
		RetentionDays: 14,
		RetryCount:    3,
	}
	require.NoError(t, repo.Create(ctx, job))
	assert.NotEqual(t, uuid.Nil, job.ID)

	got, err := repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "nightly postgres", got.Name)
	assert.Equal(t, db.JobTypePostgres, got.Type)
	assert.Equal(t, 3, got.RetryCount)

	_, err = repo.GetByID(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestJobCreateDefaultsEmptyConfig(t *testing.T) {
	database := openTestDB(t)
	repo := NewJobRepository(database)
	ctx := context.Background()

	job := &db.BackupJob{Name: "bare", Type: db.JobTypeRedis}
	require.NoError(t, repo.Create(ctx, job))

	got, err := repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "{}", got.Config)
}

func TestJobUpdate(t *testing.T) {
	database := openTestDB(t)
	repo := NewJobRepository(database)
	ctx := context.Background()

	job := &db.BackupJob{Name: "before", Type: db.JobTypeMySQL, Enabled: true}
	require.NoError(t, repo.Create(ctx, job))

	job.Name = "after"
	job.Enabled = false
	job.Schedule = "*/30 * * * *"
	require.NoError(t, repo.Update(ctx, job))

	got, err := repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "after", got.Name)
	assert.False(t, got.Enabled)
	assert.Equal(t, "*/30 * * * *", got.Schedule)

	missing := &db.BackupJob{Name: "ghost"}
	missing.ID = uuid.New()
	assert.ErrorIs(t, repo.Update(ctx, missing), ErrNotFound)
}

func TestJobListSchedulable(t *testing.T) {
	database := openTestDB(t)
	repo := NewJobRepository(database)
	ctx := context.Background()

	scheduled := &db.BackupJob{Name: "scheduled", Type: db.JobTypePostgres, Schedule: "0 * * * *", Enabled: true}
	disabled := &db.BackupJob{Name: "disabled", Type: db.JobTypePostgres, Schedule: "0 * * * *", Enabled: false}
	manual := &db.BackupJob{Name: "manual", Type: db.JobTypePostgres, Enabled: true}
	badCron := &db.BackupJob{Name: "bad cron", Type: db.JobTypePostgres, Schedule: "INVALID", Enabled: true}
	for _, j := range []*db.BackupJob{scheduled, disabled, manual, badCron} {
		require.NoError(t, repo.Create(ctx, j))
	}

	jobs, err := repo.ListSchedulable(ctx)
	require.NoError(t, err)

	names := make([]string, 0, len(jobs))
	for _, j := range jobs {
		names = append(names, j.Name)
	}
	// Cron validity is the scheduler's concern, not the query's.
	assert.ElementsMatch(t, []string{"scheduled", "bad cron"}, names)
}

func TestJobDestinationLinks(t *testing.T) {
	database := openTestDB(t)
	jobs := NewJobRepository(database)
	dests := NewDestinationRepository(database)
	ctx := context.Background()

	job := &db.BackupJob{Name: "linked", Type: db.JobTypePostgres, Enabled: true}
	require.NoError(t, jobs.Create(ctx, job))

	first := &db.Destination{Name: "first", Type: db.DestinationTypeLocal, Config: `{"path":"/out"}`}
	second := &db.Destination{Name: "second", Type: db.DestinationTypeLocal, Config: `{"path":"/mirror"}`}
	require.NoError(t, dests.Create(ctx, first))
	require.NoError(t, dests.Create(ctx, second))

	require.NoError(t, jobs.AddDestination(ctx, job.ID, first.ID))
	require.NoError(t, jobs.AddDestination(ctx, job.ID, second.ID))
	assert.ErrorIs(t, jobs.AddDestination(ctx, job.ID, first.ID), ErrConflict)

	linked, err := dests.ListForJob(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, linked, 2)
	assert.Equal(t, "first", linked[0].Name)
	assert.Equal(t, "second", linked[1].Name)

	require.NoError(t, jobs.RemoveDestination(ctx, job.ID, first.ID))
	assert.ErrorIs(t, jobs.RemoveDestination(ctx, job.ID, first.ID), ErrNotFound)

	linked, err = dests.ListForJob(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, linked, 1)
	assert.Equal(t, "second", linked[0].Name)
}

func TestJobGetByIDWithRefs(t *testing.T) {
	database := openTestDB(t)
	jobs := NewJobRepository(database)
	dests := NewDestinationRepository(database)
	channels := NewNotificationChannelRepository(database)
	ctx := context.Background()

	job := &db.BackupJob{Name: "full", Type: db.JobTypeMySQL, Enabled: true}
	require.NoError(t, jobs.Create(ctx, job))

	dest := &db.Destination{Name: "vault", Type: db.DestinationTypeS3}
	require.NoError(t, dests.Create(ctx, dest))
	require.NoError(t, jobs.AddDestination(ctx, job.ID, dest.ID))

	channel := &db.NotificationChannel{Name: "ops", Kind: "webhook", Enabled: true}
	require.NoError(t, channels.Create(ctx, channel))
	require.NoError(t, jobs.SetNotificationPref(ctx, &db.JobNotification{
		JobID:           job.ID,
		ChannelID:       channel.ID,
		NotifyOnFailure: true,
	}))

	got, gotDests, prefs, err := jobs.GetByIDWithRefs(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	require.Len(t, gotDests, 1)
	assert.Equal(t, "vault", gotDests[0].Name)
	require.Len(t, prefs, 1)
	assert.Equal(t, "ops", prefs[0].Channel.Name)
	assert.True(t, prefs[0].OnFailure)
	assert.False(t, prefs[0].OnSuccess)

	// Upserting the same pair flips the flags instead of duplicating.
	require.NoError(t, jobs.SetNotificationPref(ctx, &db.JobNotification{
		JobID:           job.ID,
		ChannelID:       channel.ID,
		NotifyOnSuccess: true,
	}))
	_, _, prefs, err = jobs.GetByIDWithRefs(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, prefs, 1)
	assert.True(t, prefs[0].OnSuccess)
	assert.False(t, prefs[0].OnFailure)
}

func TestJobDeleteCleansLinks(t *testing.T) {
	database := openTestDB(t)
	jobs := NewJobRepository(database)
	dests := NewDestinationRepository(database)
	ctx := context.Background()

	job := &db.BackupJob{Name: "doomed", Type: db.JobTypePostgres}
	require.NoError(t, jobs.Create(ctx, job))
	dest := &db.Destination{Name: "kept", Type: db.DestinationTypeLocal}
	require.NoError(t, dests.Create(ctx, dest))
	require.NoError(t, jobs.AddDestination(ctx, job.ID, dest.ID))

	require.NoError(t, jobs.Delete(ctx, job.ID))
	assert.ErrorIs(t, jobs.Delete(ctx, job.ID), ErrNotFound)

	var links int64
	require.NoError(t, database.Model(&db.JobDestination{}).Where("job_id = ?", job.ID).Count(&links).Error)
	assert.Zero(t, links)

	// The destination itself survives; it may serve other jobs.
	_, err := dests.GetByID(ctx, dest.ID)
	assert.NoError(t, err)
}

func TestCredentialProviderRoundTrip(t *testing.T) {
	database := openTestDB(t)
	repo := NewCredentialProviderRepository(database)
	ctx := context.Background()

	provider := &db.CredentialProvider{
		Name:   "wasabi",
		Preset: "wasabi",
		Config: `{"endpoint":"s3.wasabisys.com","access_key_id":"AKIA","secret_access_key":"shh"}`,
	}
	require.NoError(t, repo.Create(ctx, provider))
	assert.Equal(t, "s3", provider.Type)

	got, err := repo.GetByID(ctx, provider.ID)
	require.NoError(t, err)
	assert.Equal(t, "wasabi", got.Name)

	got.Name = "wasabi-eu"
	require.NoError(t, repo.Update(ctx, got))

	list, total, err := repo.List(ctx, ListOptions{Limit: 10})
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	require.Len(t, list, 1)
	assert.Equal(t, "wasabi-eu", list[0].Name)

	require.NoError(t, repo.Delete(ctx, got.ID))
	assert.ErrorIs(t, repo.Delete(ctx, got.ID), ErrNotFound)
}

func TestDestinationListPagination(t *testing.T) {
	database := openTestDB(t)
	repo := NewDestinationRepository(database)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, repo.Create(ctx, &db.Destination{
			Name: string(rune('a' + i)),
			Type: db.DestinationTypeLocal,
		}))
	}

	page, total, err := repo.List(ctx, ListOptions{Limit: 2, Offset: 2})
	require.NoError(t, err)
	assert.EqualValues(t, 5, total)
	assert.Len(t, page, 2)
}
