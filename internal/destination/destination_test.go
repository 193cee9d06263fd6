package destination

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heijmerikx/stashd-sub001/internal/backup"
	"github.com/heijmerikx/stashd-sub001/internal/db"
)

func writeArtifact(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "postgres_appdb_20250314T092653Z.sql.gz")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func localDest(t *testing.T, dir string) *db.Destination {
	t.Helper()
	dest := &db.Destination{Name: "nas", Type: db.DestinationTypeLocal}
	require.NoError(t, dest.SetConfigMap(map[string]any{"path": dir}))
	return dest
}

func TestLocalCopy(t *testing.T) {
	src := writeArtifact(t, "dump-bytes")
	dir := t.TempDir()

	result, err := Local{}.Copy(context.Background(), src, localDest(t, dir))
	require.NoError(t, err)

	assert.Equal(t, int64(len("dump-bytes")), result.FileSize)
	assert.True(t, filepath.IsAbs(result.FilePath))
	assert.Equal(t, filepath.Base(src), filepath.Base(result.FilePath))

	copied, err := os.ReadFile(result.FilePath)
	require.NoError(t, err)
	assert.Equal(t, "dump-bytes", string(copied))

	assert.Contains(t, result.ExecutionLog, "Copying to ")
	assert.Contains(t, result.ExecutionLog, "Copied 10 bytes")
}

func TestLocalCopyCreatesNestedDirectory(t *testing.T) {
	src := writeArtifact(t, "x")
	dir := filepath.Join(t.TempDir(), "a", "b", "c")

	result, err := Local{}.Copy(context.Background(), src, localDest(t, dir))
	require.NoError(t, err)
	assert.FileExists(t, result.FilePath)
}

func TestLocalCopyLeavesSourceUntouched(t *testing.T) {
	src := writeArtifact(t, "original")

	_, err := Local{}.Copy(context.Background(), src, localDest(t, t.TempDir()))
	require.NoError(t, err)

	content, err := os.ReadFile(src)
	require.NoError(t, err)
	assert.Equal(t, "original", string(content))
}

func TestLocalCopyMissingSource(t *testing.T) {
	dest := localDest(t, t.TempDir())

	_, err := Local{}.Copy(context.Background(), filepath.Join(t.TempDir(), "gone.sql.gz"), dest)
	require.Error(t, err)

	be := backup.AsError(err)
	require.NotNil(t, be)
	assert.Equal(t, backup.KindDestination, be.Kind)
	assert.Contains(t, be.ExecutionLog, "local copy to ")
	assert.Contains(t, be.ExecutionLog, "failed")
}

func TestLocalCopyNoPathConfigured(t *testing.T) {
	dest := &db.Destination{Name: "nas", Type: db.DestinationTypeLocal, Config: "{}"}

	_, err := Local{}.Copy(context.Background(), writeArtifact(t, "x"), dest)
	require.Error(t, err)

	be := backup.AsError(err)
	require.NotNil(t, be)
	assert.Equal(t, backup.KindDestination, be.Kind)
	assert.Contains(t, be.Message, `"nas"`)
}

func TestLocalCopyCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Local{}.Copy(ctx, writeArtifact(t, "x"), localDest(t, t.TempDir()))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestS3CopyWithoutProvider(t *testing.T) {
	dest := &db.Destination{Name: "offsite", Type: db.DestinationTypeS3}
	require.NoError(t, dest.SetConfigMap(map[string]any{"bucket": "backups"}))

	router := NewRouter(nil)
	_, err := router.Copy(context.Background(), writeArtifact(t, "x"), dest)
	require.Error(t, err)

	be := backup.AsError(err)
	require.NotNil(t, be)
	assert.Equal(t, backup.KindCredential, be.Kind)
	assert.Contains(t, be.Message, "no credential provider")
	assert.NotEmpty(t, be.ExecutionLog)
}

func TestS3CopyWithoutBucket(t *testing.T) {
	dest := &db.Destination{Name: "offsite", Type: db.DestinationTypeS3, Config: "{}"}

	_, err := NewRouter(nil).Copy(context.Background(), writeArtifact(t, "x"), dest)
	require.Error(t, err)

	be := backup.AsError(err)
	require.NotNil(t, be)
	assert.Equal(t, backup.KindDestination, be.Kind)
	assert.Contains(t, be.Message, "no bucket")
}

func TestRouterUnsupportedType(t *testing.T) {
	dest := &db.Destination{Name: "tape", Type: "ftp"}

	_, err := NewRouter(nil).Copy(context.Background(), "/tmp/whatever", dest)
	require.Error(t, err)

	be := backup.AsError(err)
	require.NotNil(t, be)
	assert.Equal(t, backup.KindDestination, be.Kind)
	assert.Contains(t, be.Message, `"ftp"`)
}

func TestJoinKey(t *testing.T) {
	assert.Equal(t, "dump.sql.gz", joinKey("", "dump.sql.gz"))
	assert.Equal(t, "backups/dump.sql.gz", joinKey("backups", "dump.sql.gz"))
	assert.Equal(t, "backups/dump.sql.gz", joinKey("/backups/", "dump.sql.gz"))
	assert.Equal(t, "a/b/dump.sql.gz", joinKey("a/b", "dump.sql.gz"))
}
