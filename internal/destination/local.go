package destination

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/heijmerikx/stashd-sub001/internal/backup"
	"github.com/heijmerikx/stashd-sub001/internal/db"
)

// Local copies artifacts into a directory on the worker's filesystem,
// creating it as needed.
type Local struct{}

func (Local) Copy(ctx context.Context, srcPath string, dest *db.Destination) (*backup.CopyResult, error) {
	rlog := backup.NewLog()

	cfg, err := dest.ConfigMap()
	if err != nil {
		return nil, destinationFailure(rlog, fmt.Sprintf("destination %q has invalid config", dest.Name), err)
	}
	dir := stringField(cfg, "path")
	if dir == "" {
		return nil, destinationFailure(rlog, fmt.Sprintf("destination %q has no path configured", dest.Name), nil)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, destinationFailure(rlog, fmt.Sprintf("creating directory %q failed", dir), err)
	}

	dstPath := filepath.Join(dir, filepath.Base(srcPath))
	rlog.Add("Copying to %s", dstPath)

	size, err := copyFile(ctx, srcPath, dstPath)
	if err != nil {
		return nil, destinationFailure(rlog, fmt.Sprintf("local copy to %q failed", dstPath), err)
	}

	absPath, err := filepath.Abs(dstPath)
	if err != nil {
		absPath = dstPath
	}

	rlog.Add("Copied %d bytes", size)
	return &backup.CopyResult{
		FileSize:     size,
		FilePath:     absPath,
		ExecutionLog: rlog.String(),
	}, nil
}

// copyFile streams src into dst. The source is opened read-only and stays
// untouched however the copy ends; partial copies are removed.
func copyFile(ctx context.Context, srcPath, dstPath string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	src, err := os.Open(srcPath)
	if err != nil {
		return 0, err
	}
	defer src.Close() //nolint:errcheck

	dst, err := os.Create(dstPath)
	if err != nil {
		return 0, err
	}

	size, copyErr := io.Copy(dst, src)
	if err := dst.Close(); copyErr == nil {
		copyErr = err
	}
	if copyErr != nil {
		os.Remove(dstPath)
		return 0, copyErr
	}
	return size, nil
}
