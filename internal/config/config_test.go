package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ENCRYPTION_SECRET", "0123456789abcdef0123456789abcdef")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ModeBoth, cfg.Mode)
	assert.True(t, cfg.APIEnabled())
	assert.True(t, cfg.WorkerEnabled())
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "postgres", cfg.DBDriver)
	assert.Equal(t, 5432, cfg.DBPort)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr())
	assert.Equal(t, 2, cfg.BackupConcurrency)
	assert.Equal(t, 30*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 5*time.Minute, cfg.StaleRunThreshold)
	assert.Equal(t, 2*time.Minute, cfg.MaintenanceInterval)
}

func TestLoadRequiresEncryptionSecret(t *testing.T) {
	t.Setenv("ENCRYPTION_SECRET", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ENCRYPTION_SECRET")
}

func TestLoadModes(t *testing.T) {
	tests := []struct {
		mode          string
		wantErr       bool
		apiEnabled    bool
		workerEnabled bool
	}{
		{mode: "", apiEnabled: true, workerEnabled: true},
		{mode: "api-only", apiEnabled: true, workerEnabled: false},
		{mode: "worker-only", apiEnabled: false, workerEnabled: true},
		{mode: "standalone", wantErr: true},
	}

	for _, tt := range tests {
		t.Run("mode="+tt.mode, func(t *testing.T) {
			t.Setenv("ENCRYPTION_SECRET", "0123456789abcdef0123456789abcdef")
			t.Setenv("MODE", tt.mode)

			cfg, err := Load()
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.apiEnabled, cfg.APIEnabled())
			assert.Equal(t, tt.workerEnabled, cfg.WorkerEnabled())
		})
	}
}

func TestDatabaseDSN(t *testing.T) {
	t.Setenv("ENCRYPTION_SECRET", "0123456789abcdef0123456789abcdef")
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("DB_PORT", "5433")
	t.Setenv("DB_NAME", "stash_prod")
	t.Setenv("DB_USER", "app")
	t.Setenv("DB_PASSWORD", "hunter2")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "host=db.internal port=5433 user=app password=hunter2 dbname=stash_prod sslmode=disable", cfg.DatabaseDSN())

	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("DB_NAME", "/var/lib/stashd/stash.db")
	cfg, err = Load()
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/stashd/stash.db", cfg.DatabaseDSN())
}

func TestLoadRejectsBadIntegers(t *testing.T) {
	t.Setenv("ENCRYPTION_SECRET", "0123456789abcdef0123456789abcdef")
	t.Setenv("REDIS_PORT", "not-a-port")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REDIS_PORT")
}
