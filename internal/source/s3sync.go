package source

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"

	"github.com/heijmerikx/stashd-sub001/internal/backup"
	"github.com/heijmerikx/stashd-sub001/internal/credentials"
	"github.com/heijmerikx/stashd-sub001/internal/objectstore"
)

type s3SourceConfig struct {
	Bucket          string `json:"bucket"`
	Prefix          string `json:"prefix"`
	Endpoint        string `json:"endpoint"`
	Region          string `json:"region"`
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
}

// S3Sync copies every object under the source prefix into a timestamped
// folder below the destination prefix, preserving relative paths. Objects
// stream bucket to bucket; nothing is staged on local disk.
type S3Sync struct{}

func (S3Sync) Sync(ctx context.Context, cfg map[string]any, target SyncTarget) (*backup.Artifact, error) {
	rlog := backup.NewLog()
	rlog.Add("Starting s3 backup")

	var c s3SourceConfig
	if err := decodeConfig(cfg, &c); err != nil {
		return nil, sourceFailure(rlog, "invalid s3 config", err)
	}
	if c.Bucket == "" {
		return nil, sourceFailure(rlog, "s3 config requires a bucket", nil)
	}

	srcClient, err := objectstore.NewClient(&credentials.Bundle{
		Endpoint:        c.Endpoint,
		Region:          c.Region,
		AccessKeyID:     c.AccessKeyID,
		SecretAccessKey: c.SecretAccessKey,
	})
	if err != nil {
		return nil, sourceFailure(rlog, "s3 source client setup failed", err)
	}
	dstClient, err := objectstore.NewClient(target.Credentials)
	if err != nil {
		return nil, sourceFailure(rlog, "s3 destination client setup failed", err)
	}

	// Each run gets its own timestamped folder under the destination
	// prefix, so consecutive syncs never overwrite each other.
	destRoot := path.Join(target.Prefix, time.Now().UTC().Format("20060102T150405Z"))
	rlog.Add("Syncing s3://%s/%s to s3://%s/%s/", c.Bucket, c.Prefix, target.Bucket, destRoot)

	var (
		totalSize int64
		count     int
	)
	for obj := range srcClient.ListObjects(ctx, c.Bucket, minio.ListObjectsOptions{
		Prefix:    c.Prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, sourceFailure(rlog, fmt.Sprintf("listing s3://%s/%s failed", c.Bucket, c.Prefix), obj.Err)
		}
		if strings.HasSuffix(obj.Key, "/") {
			// Folder placeholder objects carry no data.
			continue
		}

		rel := strings.TrimPrefix(strings.TrimPrefix(obj.Key, c.Prefix), "/")
		destKey := path.Join(destRoot, rel)

		if err := copyObject(ctx, srcClient, dstClient, c.Bucket, obj, target.Bucket, destKey); err != nil {
			return nil, sourceFailure(rlog, fmt.Sprintf("copying %q failed", obj.Key), err)
		}

		rlog.Add("Copied %s (%d bytes)", rel, obj.Size)
		totalSize += obj.Size
		count++
	}

	if count == 0 {
		rlog.Add("No objects matched s3://%s/%s", c.Bucket, c.Prefix)
	}
	rlog.Add("Backup completed, copied %d objects (%d bytes)", count, totalSize)

	return &backup.Artifact{
		FilePath: fmt.Sprintf("s3://%s/%s/", target.Bucket, destRoot),
		FileSize: totalSize,
		Metadata: map[string]any{
			"objects":       count,
			"source_bucket": c.Bucket,
			"source_prefix": c.Prefix,
		},
		ExecutionLog: rlog.String(),
	}, nil
}

func copyObject(ctx context.Context, src, dst *minio.Client, srcBucket string, obj minio.ObjectInfo, dstBucket, dstKey string) error {
	reader, err := src.GetObject(ctx, srcBucket, obj.Key, minio.GetObjectOptions{})
	if err != nil {
		return err
	}
	defer reader.Close() //nolint:errcheck

	_, err = dst.PutObject(ctx, dstBucket, dstKey, reader, obj.Size, minio.PutObjectOptions{
		ContentType: obj.ContentType,
	})
	return err
}
