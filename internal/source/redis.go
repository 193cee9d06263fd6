package source

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"github.com/heijmerikx/stashd-sub001/internal/backup"
)

type redisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Password string `json:"password"`
	// Database is a display label recorded in the artifact metadata; an
	// RDB snapshot always covers every keyspace.
	Database string `json:"database"`
}

// Redis snapshots the keyspace with redis-cli --rdb, gzip-compressed.
type Redis struct{}

func (Redis) Dump(ctx context.Context, cfg map[string]any, dir string) (*backup.Artifact, error) {
	rlog := backup.NewLog()
	rlog.Add("Starting redis backup")

	var c redisConfig
	if err := decodeConfig(cfg, &c); err != nil {
		return nil, sourceFailure(rlog, "invalid redis config", err)
	}
	if c.Port == 0 {
		c.Port = 6379
	}
	if c.Database == "" {
		c.Database = "0"
	}

	rlog.Add("Snapshotting %s:%d", c.Host, c.Port)

	outPath := filepath.Join(dir, artifactName("redis", c.Database, time.Now(), "rdb.gz"))
	size, err := runToFile(ctx, buildRedisCommand(c), outPath, true)
	if err != nil {
		return nil, sourceFailure(rlog, fmt.Sprintf("redis snapshot of %s:%d failed", c.Host, c.Port), err)
	}

	rlog.Add("Backup completed, wrote %d bytes", size)
	return &backup.Artifact{
		FilePath: outPath,
		FileSize: size,
		Metadata: map[string]any{
			"database":   c.Database,
			"format":     "rdb",
			"compressed": true,
		},
		ExecutionLog: rlog.String(),
	}, nil
}

func buildRedisCommand(c redisConfig) command {
	cmd := command{
		name: "redis-cli",
		args: []string{
			"-h", c.Host,
			"-p", strconv.Itoa(c.Port),
			"--rdb", "-",
		},
	}
	if c.Password != "" {
		cmd.env = []string{"REDISCLI_AUTH=" + c.Password}
	}
	return cmd
}
