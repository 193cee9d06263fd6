package source

import (
	"context"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/heijmerikx/stashd-sub001/internal/backup"
)

type mongoConfig struct {
	URI string `json:"uri"`
}

// MongoDB dumps via mongodump in archive mode. The tool handles its own
// gzip compression, so the output is written directly.
type MongoDB struct{}

func (MongoDB) Dump(ctx context.Context, cfg map[string]any, dir string) (*backup.Artifact, error) {
	rlog := backup.NewLog()
	rlog.Add("Starting mongodb backup")

	var c mongoConfig
	if err := decodeConfig(cfg, &c); err != nil {
		return nil, sourceFailure(rlog, "invalid mongodb config", err)
	}
	if c.URI == "" {
		return nil, sourceFailure(rlog, "mongodb config requires a connection uri", nil)
	}

	database := databaseFromURI(c.URI)
	if database == "" {
		database = "all"
	}
	rlog.Add("Dumping database %q", database)

	outPath := filepath.Join(dir, artifactName("mongodb", database, time.Now(), "archive.gz"))
	if err := run(ctx, buildMongoCommand(c, outPath)); err != nil {
		return nil, sourceFailure(rlog, fmt.Sprintf("mongodb dump of %q failed", database), err)
	}

	size, err := fileSize(outPath)
	if err != nil {
		return nil, sourceFailure(rlog, "mongodb dump produced no readable archive", err)
	}

	rlog.Add("Backup completed, wrote %d bytes", size)
	return &backup.Artifact{
		FilePath: outPath,
		FileSize: size,
		Metadata: map[string]any{
			"database":   database,
			"format":     "archive",
			"compressed": true,
		},
		ExecutionLog: rlog.String(),
	}, nil
}

func buildMongoCommand(c mongoConfig, outPath string) command {
	return command{
		name: "mongodump",
		args: []string{
			"--uri", c.URI,
			"--archive=" + outPath,
			"--gzip",
		},
	}
}

// databaseFromURI extracts the database name from a mongodb connection
// string, or "" when the URI addresses the whole deployment.
func databaseFromURI(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return ""
	}
	name := strings.TrimPrefix(u.Path, "/")
	if i := strings.IndexByte(name, '/'); i >= 0 {
		name = name[:i]
	}
	return name
}
