package destination

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"

	"github.com/heijmerikx/stashd-sub001/internal/backup"
	"github.com/heijmerikx/stashd-sub001/internal/credentials"
	"github.com/heijmerikx/stashd-sub001/internal/db"
	"github.com/heijmerikx/stashd-sub001/internal/objectstore"
)

// S3 uploads artifacts to an S3-compatible bucket using the destination's
// credential provider.
type S3 struct {
	resolver *credentials.Resolver
}

func (s *S3) Copy(ctx context.Context, srcPath string, dest *db.Destination) (*backup.CopyResult, error) {
	rlog := backup.NewLog()

	cfg, err := dest.ConfigMap()
	if err != nil {
		return nil, destinationFailure(rlog, fmt.Sprintf("destination %q has invalid config", dest.Name), err)
	}
	bucket := stringField(cfg, "bucket")
	if bucket == "" {
		return nil, destinationFailure(rlog, fmt.Sprintf("destination %q has no bucket configured", dest.Name), nil)
	}
	prefix := stringField(cfg, "prefix")

	if dest.CredentialProviderID == nil {
		msg := fmt.Sprintf("destination %q has no credential provider", dest.Name)
		rlog.Add("%s", msg)
		return nil, &backup.Error{
			Kind:         backup.KindCredential,
			Message:      msg,
			ExecutionLog: rlog.String(),
		}
	}

	bundle, err := s.resolver.Resolve(ctx, *dest.CredentialProviderID)
	if err != nil {
		if be := backup.AsError(err); be != nil {
			rlog.Add("%v", be)
			return nil, be.WithLog(rlog.String())
		}
		return nil, destinationFailure(rlog, fmt.Sprintf("resolving credentials for destination %q failed", dest.Name), err)
	}

	client, err := objectstore.NewClient(bundle)
	if err != nil {
		return nil, destinationFailure(rlog, fmt.Sprintf("building client for destination %q failed", dest.Name), err)
	}

	key := joinKey(prefix, filepath.Base(srcPath))
	rlog.Add("Uploading to s3://%s/%s", bucket, key)

	info, err := client.FPutObject(ctx, bucket, key, srcPath, minio.PutObjectOptions{})
	if err != nil {
		return nil, destinationFailure(rlog, fmt.Sprintf("upload to s3://%s/%s failed", bucket, key), err)
	}

	rlog.Add("Uploaded %d bytes", info.Size)
	return &backup.CopyResult{
		FileSize:     info.Size,
		FilePath:     fmt.Sprintf("s3://%s/%s", bucket, key),
		ExecutionLog: rlog.String(),
	}, nil
}

// joinKey joins a configured prefix and an object name with exactly one
// separating slash, whatever slashes the prefix carries.
func joinKey(prefix, name string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}
