package source

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"github.com/heijmerikx/stashd-sub001/internal/backup"
)

type postgresConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Database string `json:"database"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// Postgres dumps a database with pg_dump, gzip-compressed.
type Postgres struct{}

func (Postgres) Dump(ctx context.Context, cfg map[string]any, dir string) (*backup.Artifact, error) {
	rlog := backup.NewLog()
	rlog.Add("Starting postgres backup")

	var c postgresConfig
	if err := decodeConfig(cfg, &c); err != nil {
		return nil, sourceFailure(rlog, "invalid postgres config", err)
	}
	if c.Port == 0 {
		c.Port = 5432
	}

	rlog.Add("Dumping database %q from %s:%d", c.Database, c.Host, c.Port)

	outPath := filepath.Join(dir, artifactName("postgres", c.Database, time.Now(), "sql.gz"))
	size, err := runToFile(ctx, buildPostgresCommand(c), outPath, true)
	if err != nil {
		return nil, sourceFailure(rlog, fmt.Sprintf("postgres dump of %q failed", c.Database), err)
	}

	rlog.Add("Backup completed, wrote %d bytes", size)
	return &backup.Artifact{
		FilePath: outPath,
		FileSize: size,
		Metadata: map[string]any{
			"database":   c.Database,
			"host":       c.Host,
			"format":     "sql",
			"compressed": true,
		},
		ExecutionLog: rlog.String(),
	}, nil
}

func buildPostgresCommand(c postgresConfig) command {
	return command{
		name: "pg_dump",
		args: []string{
			"-h", c.Host,
			"-p", strconv.Itoa(c.Port),
			"-U", c.Username,
			"-d", c.Database,
			"--no-password",
		},
		env: []string{"PGPASSWORD=" + c.Password},
	}
}
