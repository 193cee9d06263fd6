// Package source implements the per-type backup strategies. Database
// sources shell out to their native dump tool and stream the output into
// a compressed artifact file; the s3 source syncs objects directly into a
// destination bucket and never touches local disk.
package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/heijmerikx/stashd-sub001/internal/backup"
	"github.com/heijmerikx/stashd-sub001/internal/credentials"
	"github.com/heijmerikx/stashd-sub001/internal/db"
)

// Dumper materializes a database backup into dir and returns its artifact
// descriptor. The config map arrives with sensitive fields already
// decrypted.
type Dumper interface {
	Dump(ctx context.Context, cfg map[string]any, dir string) (*backup.Artifact, error)
}

// SyncTarget is the destination bundle handed to a Syncer: the bucket and
// prefix to write under, with resolved credentials.
type SyncTarget struct {
	Bucket      string
	Prefix      string
	Credentials *credentials.Bundle
}

// Syncer copies a source bucket's objects into a destination bundle.
type Syncer interface {
	Sync(ctx context.Context, cfg map[string]any, target SyncTarget) (*backup.Artifact, error)
}

// Registry maps source types to their strategies.
type Registry struct {
	dumpers map[string]Dumper
	syncer  Syncer
}

// NewRegistry returns a registry with all built-in strategies.
func NewRegistry() *Registry {
	return &Registry{
		dumpers: map[string]Dumper{
			db.JobTypePostgres: Postgres{},
			db.JobTypeMySQL:    MySQL{},
			db.JobTypeMongoDB:  MongoDB{},
			db.JobTypeRedis:    Redis{},
		},
		syncer: S3Sync{},
	}
}

// Dumper returns the dump strategy for a database source type.
func (r *Registry) Dumper(sourceType string) (Dumper, error) {
	d, ok := r.dumpers[sourceType]
	if !ok {
		return nil, fmt.Errorf("source: unsupported source type %q", sourceType)
	}
	return d, nil
}

// Syncer returns the sync strategy for bucket-to-bucket source types.
func (r *Registry) Syncer(sourceType string) (Syncer, error) {
	if sourceType != db.JobTypeS3 {
		return nil, fmt.Errorf("source: %q is not a sync source", sourceType)
	}
	return r.syncer, nil
}

// IsDatabase reports whether sourceType is a dump-style database source.
func IsDatabase(sourceType string) bool {
	switch sourceType {
	case db.JobTypePostgres, db.JobTypeMySQL, db.JobTypeMongoDB, db.JobTypeRedis:
		return true
	}
	return false
}

// SensitiveFields names the config fields that are stored as envelope
// tokens for a given source type.
func SensitiveFields(sourceType string) []string {
	switch sourceType {
	case db.JobTypePostgres, db.JobTypeMySQL, db.JobTypeRedis:
		return []string{"password"}
	case db.JobTypeMongoDB:
		return []string{"uri"}
	case db.JobTypeS3:
		return []string{"access_key_id", "secret_access_key"}
	}
	return nil
}

// decodeConfig maps a config object onto a typed strategy config. Unknown
// fields are ignored; merged credential fields ride along in the same
// object.
func decodeConfig(cfg map[string]any, out any) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("source: encode config: %w", err)
	}
	if err := json.NewDecoder(bytes.NewReader(raw)).Decode(out); err != nil {
		return fmt.Errorf("source: decode config: %w", err)
	}
	return nil
}

// artifactName builds the canonical artifact file name:
// {type}_{database}_{timestamp}.{ext}, with the timestamp in compact UTC
// form so names sort chronologically.
func artifactName(sourceType, database string, ts time.Time, ext string) string {
	return fmt.Sprintf("%s_%s_%s.%s", sourceType, sanitizeName(database), ts.UTC().Format("20060102T150405Z"), ext)
}

// sanitizeName keeps database names filesystem-safe.
func sanitizeName(name string) string {
	if name == "" {
		return "db"
	}
	out := []byte(name)
	for i, c := range out {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '.', c == '_', c == '-':
		default:
			out[i] = '-'
		}
	}
	return string(out)
}

// sourceFailure records the failure line on the execution log and wraps
// everything into a kinded error. The log always ends with this line.
func sourceFailure(rlog *backup.Log, message string, cause error) error {
	if cause != nil {
		rlog.Add("%s: %v", message, cause)
	} else {
		rlog.Add("%s", message)
	}
	return &backup.Error{
		Kind:         backup.KindSource,
		Message:      message,
		ExecutionLog: rlog.String(),
		Cause:        cause,
	}
}
