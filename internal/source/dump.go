package source

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/klauspost/compress/gzip"
)

// killGracePeriod is how long a dump tool gets to exit after SIGTERM
// before it is killed. Dump tools flush and close cleanly on SIGTERM, so
// the grace period keeps cancelled runs from leaving corrupt server-side
// state behind.
const killGracePeriod = 10 * time.Second

// command describes one dump tool invocation. Passwords travel in env
// where the tool supports it, keeping them out of the process table.
type command struct {
	name string
	args []string
	env  []string
}

func (c command) build(ctx context.Context) *exec.Cmd {
	cmd := exec.CommandContext(ctx, c.name, c.args...)
	cmd.Env = append(cmd.Environ(), c.env...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = killGracePeriod
	return cmd
}

// runToFile executes the command and streams its stdout into outPath,
// gzip-compressing on the way when compress is set. Partial output files
// are removed on failure. Returns the written size.
func runToFile(ctx context.Context, c command, outPath string, compress bool) (int64, error) {
	out, err := os.Create(outPath)
	if err != nil {
		return 0, fmt.Errorf("%s: create output file: %w", c.name, err)
	}

	cmd := c.build(ctx)
	var stderr strings.Builder
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		out.Close() //nolint:errcheck
		os.Remove(outPath)
		return 0, fmt.Errorf("%s: stdout pipe: %w", c.name, err)
	}

	if err := cmd.Start(); err != nil {
		out.Close() //nolint:errcheck
		os.Remove(outPath)
		return 0, fmt.Errorf("%s: start: %w", c.name, err)
	}

	var sink io.Writer = out
	var gz *gzip.Writer
	if compress {
		gz = gzip.NewWriter(out)
		sink = gz
	}

	_, copyErr := io.Copy(sink, stdout)
	waitErr := cmd.Wait()

	var closeErr error
	if gz != nil {
		closeErr = gz.Close()
	}
	if err := out.Close(); closeErr == nil {
		closeErr = err
	}

	if err := firstError(commandError(c.name, waitErr, stderr.String()), copyErr, closeErr); err != nil {
		os.Remove(outPath)
		return 0, err
	}

	info, err := os.Stat(outPath)
	if err != nil {
		return 0, fmt.Errorf("%s: stat output file: %w", c.name, err)
	}
	return info.Size(), nil
}

// run executes a command whose tool writes its own output file, capturing
// stderr for diagnostics.
func run(ctx context.Context, c command) error {
	cmd := c.build(ctx)
	var stderr strings.Builder
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return commandError(c.name, err, stderr.String())
	}
	return nil
}

func commandError(name string, err error, stderr string) error {
	if err == nil {
		return nil
	}
	if s := strings.TrimSpace(stderr); s != "" {
		return fmt.Errorf("%s: command failed: %w\n%s", name, err, s)
	}
	return fmt.Errorf("%s: command failed: %w", name, err)
}

func firstError(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func fileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}
