package source

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heijmerikx/stashd-sub001/internal/db"
)

func TestArtifactName(t *testing.T) {
	ts := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)

	assert.Equal(t, "postgres_appdb_20250314T092653Z.sql.gz", artifactName("postgres", "appdb", ts, "sql.gz"))
	assert.Equal(t, "redis_0_20250314T092653Z.rdb.gz", artifactName("redis", "0", ts, "rdb.gz"))
	assert.Equal(t, "mongodb_all_20250314T092653Z.archive.gz", artifactName("mongodb", "all", ts, "archive.gz"))

	// Hostile database names cannot escape the artifact directory.
	assert.Equal(t, "mysql_my-db-prod-1_20250314T092653Z.sql.gz", artifactName("mysql", "my/db prod#1", ts, "sql.gz"))
	assert.Equal(t, "mysql_db_20250314T092653Z.sql.gz", artifactName("mysql", "", ts, "sql.gz"))
}

func TestIsDatabase(t *testing.T) {
	for _, typ := range []string{db.JobTypePostgres, db.JobTypeMySQL, db.JobTypeMongoDB, db.JobTypeRedis} {
		assert.True(t, IsDatabase(typ), typ)
	}
	assert.False(t, IsDatabase(db.JobTypeS3))
	assert.False(t, IsDatabase("ftp"))
}

func TestSensitiveFields(t *testing.T) {
	assert.Equal(t, []string{"password"}, SensitiveFields(db.JobTypePostgres))
	assert.Equal(t, []string{"password"}, SensitiveFields(db.JobTypeMySQL))
	assert.Equal(t, []string{"password"}, SensitiveFields(db.JobTypeRedis))
	assert.Equal(t, []string{"uri"}, SensitiveFields(db.JobTypeMongoDB))
	assert.Equal(t, []string{"access_key_id", "secret_access_key"}, SensitiveFields(db.JobTypeS3))
	assert.Nil(t, SensitiveFields("ftp"))
}

func TestRegistryLookup(t *testing.T) {
	r := NewRegistry()

	for _, typ := range []string{db.JobTypePostgres, db.JobTypeMySQL, db.JobTypeMongoDB, db.JobTypeRedis} {
		d, err := r.Dumper(typ)
		require.NoError(t, err, typ)
		assert.NotNil(t, d)
	}

	_, err := r.Dumper(db.JobTypeS3)
	assert.Error(t, err)

	s, err := r.Syncer(db.JobTypeS3)
	require.NoError(t, err)
	assert.NotNil(t, s)

	_, err = r.Syncer(db.JobTypePostgres)
	assert.Error(t, err)
}

func TestDecodeConfigCoercesJSONNumbers(t *testing.T) {
	// Configs decoded from JSON carry ports as float64.
	var c postgresConfig
	require.NoError(t, decodeConfig(map[string]any{
		"host":     "db.internal",
		"port":     float64(5433),
		"database": "appdb",
		"username": "app",
		"password": "pw",
		"extra":    "ignored",
	}, &c))

	assert.Equal(t, 5433, c.Port)
	assert.Equal(t, "appdb", c.Database)
}

func TestDatabaseFromURI(t *testing.T) {
	tests := []struct {
		uri  string
		want string
	}{
		{uri: "mongodb://user:pw@mongo.internal:27017/appdb?authSource=admin", want: "appdb"},
		{uri: "mongodb+srv://user:pw@cluster0.mongodb.net/analytics", want: "analytics"},
		{uri: "mongodb://mongo.internal:27017", want: ""},
		{uri: "mongodb://mongo.internal:27017/", want: ""},
		{uri: "://not a uri", want: ""},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, databaseFromURI(tt.uri), tt.uri)
	}
}
