package source

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"github.com/heijmerikx/stashd-sub001/internal/backup"
)

type mysqlConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Database string `json:"database"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// MySQL dumps a database with mysqldump, gzip-compressed.
type MySQL struct{}

func (MySQL) Dump(ctx context.Context, cfg map[string]any, dir string) (*backup.Artifact, error) {
	rlog := backup.NewLog()
	rlog.Add("Starting mysql backup")

	var c mysqlConfig
	if err := decodeConfig(cfg, &c); err != nil {
		return nil, sourceFailure(rlog, "invalid mysql config", err)
	}
	if c.Port == 0 {
		c.Port = 3306
	}

	rlog.Add("Dumping database %q from %s:%d", c.Database, c.Host, c.Port)

	outPath := filepath.Join(dir, artifactName("mysql", c.Database, time.Now(), "sql.gz"))
	size, err := runToFile(ctx, buildMySQLCommand(c), outPath, true)
	if err != nil {
		return nil, sourceFailure(rlog, fmt.Sprintf("mysql dump of %q failed", c.Database), err)
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

func buildMySQLCommand(c mysqlConfig) command {
	return command{
		name: "mysqldump",
		args: []string{
			"-h", c.Host,
			"-P", strconv.Itoa(c.Port),
			"-u", c.Username,
			"--single-transaction",
			"--quick",
			c.Database,
		},
		env: []string{"MYSQL_PWD=" + c.Password},
	}
}
