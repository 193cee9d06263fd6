// Package backup holds the vocabulary shared by sources, destinations and
// the executor: artifact descriptors, the timestamped run log, and the
// kinded error type that carries an execution log across layer boundaries.
package backup

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind classifies a run-execution failure. The executor uses the kind to
// decide how far a failure reaches: source and credential failures taint
// every outcome of the run, destination failures stay bounded to their own
// outcome row.
type Kind string

const (
	KindCredential  Kind = "credential_missing"
	KindDecrypt     Kind = "decrypt_failure"
	KindSource      Kind = "source_execution_failure"
	KindDestination Kind = "destination_copy_failure"
)

// Error is a run-execution failure tagged with a kind. ExecutionLog holds
// the log lines captured up to the failure point so they can be persisted
// on the outcome row next to the error message.
type Error struct {
	Kind         Kind
	Message      string
	ExecutionLog string
	Cause        error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// WithLog returns a copy of e with the execution log set. Used by layers
// that add context to an error produced below them without mutating it.
func (e *Error) WithLog(log string) *Error {
	clone := *e
	clone.ExecutionLog = log
	return &clone
}

// AsError returns the *Error in err's chain, or nil.
func AsError(err error) *Error {
	var be *Error
	if errors.As(err, &be) {
		return be
	}
	return nil
}

// LogFromError extracts the execution log attached to err, or "".
func LogFromError(err error) string {
	if be := AsError(err); be != nil {
		return be.ExecutionLog
	}
	return ""
}

// Artifact describes the product of a source execution: where it landed,
// how big it is, and source-specific metadata recorded on the outcome row.
type Artifact struct {
	FilePath     string
	FileSize     int64
	Metadata     map[string]any
	ExecutionLog string
}

// CopyResult describes a finished copy to one destination.
type CopyResult struct {
	FileSize     int64
	FilePath     string
	ExecutionLog string
}

// Log accumulates human-readable execution log lines, each prefixed with
// the UTC timestamp at which it was recorded.
type Log struct {
	lines []string
}

func NewLog() *Log { return &Log{} }

// Add appends a formatted line.
func (l *Log) Add(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	l.lines = append(l.lines, "["+time.Now().UTC().Format(time.RFC3339)+"] "+msg)
}

func (l *Log) String() string {
	return strings.Join(l.lines, "\n")
}

// JoinLogs concatenates two execution logs, typically a source log and a
// destination copy log, skipping empty halves.
func JoinLogs(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	default:
		return a + "\n" + b
	}
}
