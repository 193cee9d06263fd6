package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/heijmerikx/stashd-sub001/internal/backup"
	"github.com/heijmerikx/stashd-sub001/internal/db"
	"github.com/heijmerikx/stashd-sub001/internal/source"
)

// outcomeResult is the in-memory record of one outcome, feeding the
// notification event after all terminal writes are done.
type outcomeResult struct {
	destName string
	status   string
	fileSize int64
	filePath string
	errMsg   string
}

// slot pairs a destination with its opened outcome row.
type slot struct {
	dest      *db.Destination
	outcomeID uuid.UUID
	openErr   error
}

// executeOnceCopyMany dumps the source once into a run-private temp
// directory and copies the artifact to every destination sequentially.
// A copy failure is bounded to its own outcome; the artifact is unlinked
// after the last copy terminates.
func (e *Executor) executeOnceCopyMany(ctx context.Context, job *db.BackupJob, cfg map[string]any, dests []db.Destination, runID string, logger *zap.Logger) []outcomeResult {
	artifact, workDir, artifactErr := e.produceArtifact(ctx, job, cfg, runID)

	// Every outcome row exists before any of them goes terminal, so
	// readers always see the run's full destination count.
	slots := make([]slot, len(dests))
	for i := range dests {
		id, err := e.openOutcome(ctx, job, &dests[i].ID, runID)
		slots[i] = slot{dest: &dests[i], outcomeID: id, openErr: err}
	}

	if artifactErr != nil {
		logger.Error("artifact production failed", zap.Error(artifactErr))
		return e.failAllSlots(ctx, slots, artifactErr, logger)
	}

	beat := newHeartbeater(e.runs, e.heartbeatInterval, logger)
	defer beat.Stop()
	for _, s := range slots {
		if s.openErr == nil {
			beat.Track(s.outcomeID)
		}
	}

	results := make([]outcomeResult, 0, len(slots))
	for _, s := range slots {
		if s.openErr != nil {
			logger.Error("failed to open outcome row",
				zap.String("destination", s.dest.Name),
				zap.Error(s.openErr))
			results = append(results, outcomeResult{
				destName: s.dest.Name,
				status:   db.RunStatusFailed,
				errMsg:   fmt.Sprintf("recording outcome failed: %v", s.openErr),
			})
			continue
		}

		copyRes, err := e.copier.Copy(ctx, artifact.FilePath, s.dest)
		beat.Untrack(s.outcomeID)
		if err != nil {
			execLog := backup.JoinLogs(artifact.ExecutionLog, backup.LogFromError(err))
			msg := e.failOutcome(ctx, s.outcomeID, err.Error(), execLog, logger)
			results = append(results, outcomeResult{
				destName: s.dest.Name,
				status:   db.RunStatusFailed,
				errMsg:   msg,
			})
			continue
		}

		execLog := backup.JoinLogs(artifact.ExecutionLog, copyRes.ExecutionLog)
		e.completeOutcome(ctx, s.outcomeID, copyRes.FileSize, copyRes.FilePath, encodeMetadata(artifact.Metadata), execLog, logger)
		results = append(results, outcomeResult{
			destName: s.dest.Name,
			status:   db.RunStatusCompleted,
			fileSize: copyRes.FileSize,
			filePath: copyRes.FilePath,
		})
	}

	if err := os.RemoveAll(workDir); err != nil {
		logger.Warn("failed to remove temporary artifact",
			zap.String("path", workDir),
			zap.Error(err))
	}
	return results
}

// produceArtifact runs the dump strategy into a run-private directory
// under the temp area. The directory is cleaned up here on failure and
// by the caller after copies otherwise.
func (e *Executor) produceArtifact(ctx context.Context, job *db.BackupJob, cfg map[string]any, runID string) (*backup.Artifact, string, error) {
	dumper, err := e.sources.Dumper(job.Type)
	if err != nil {
		return nil, "", err
	}

	workDir := filepath.Join(e.tempDir, runID)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, "", fmt.Errorf("executor: create work dir: %w", err)
	}

	artifact, err := dumper.Dump(ctx, cfg, workDir)
	if err != nil {
		os.RemoveAll(workDir)
		return nil, "", err
	}
	return artifact, workDir, nil
}

// executePerDestination drives an s3-sync job: each destination gets its
// own source execution against its own bundle. preFailure carries a
// source-credential failure that dooms every outcome before any sync
// starts.
func (e *Executor) executePerDestination(ctx context.Context, job *db.BackupJob, cfg map[string]any, dests []db.Destination, runID string, preFailure error, logger *zap.Logger) []outcomeResult {
	syncer, err := e.sources.Syncer(job.Type)
	if preFailure == nil && err != nil {
		preFailure = err
	}

	slots := make([]slot, len(dests))
	for i := range dests {
		id, err := e.openOutcome(ctx, job, &dests[i].ID, runID)
		slots[i] = slot{dest: &dests[i], outcomeID: id, openErr: err}
	}

	if preFailure != nil {
		logger.Error("s3 sync cannot start", zap.Error(preFailure))
		return e.failAllSlots(ctx, slots, preFailure, logger)
	}

	beat := newHeartbeater(e.runs, e.heartbeatInterval, logger)
	defer beat.Stop()
	for _, s := range slots {
		if s.openErr == nil {
			beat.Track(s.outcomeID)
		}
	}

	results := make([]outcomeResult, 0, len(slots))
	for _, s := range slots {
		if s.openErr != nil {
			logger.Error("failed to open outcome row",
				zap.String("destination", s.dest.Name),
				zap.Error(s.openErr))
			results = append(results, outcomeResult{
				destName: s.dest.Name,
				status:   db.RunStatusFailed,
				errMsg:   fmt.Sprintf("recording outcome failed: %v", s.openErr),
			})
			continue
		}

		result := e.syncOne(ctx, syncer, cfg, s, logger)
		beat.Untrack(s.outcomeID)
		results = append(results, result)
	}
	return results
}

func (e *Executor) syncOne(ctx context.Context, syncer source.Syncer, cfg map[string]any, s slot, logger *zap.Logger) outcomeResult {
	target, err := e.syncTarget(ctx, s.dest)
	if err != nil {
		msg := e.failOutcome(ctx, s.outcomeID, err.Error(), backup.LogFromError(err), logger)
		return outcomeResult{destName: s.dest.Name, status: db.RunStatusFailed, errMsg: msg}
	}

	artifact, err := syncer.Sync(ctx, cfg, target)
	if err != nil {
		msg := e.failOutcome(ctx, s.outcomeID, err.Error(), backup.LogFromError(err), logger)
		return outcomeResult{destName: s.dest.Name, status: db.RunStatusFailed, errMsg: msg}
	}

	e.completeOutcome(ctx, s.outcomeID, artifact.FileSize, artifact.FilePath, encodeMetadata(artifact.Metadata), artifact.ExecutionLog, logger)
	return outcomeResult{
		destName: s.dest.Name,
		status:   db.RunStatusCompleted,
		fileSize: artifact.FileSize,
		filePath: artifact.FilePath,
	}
}

// syncTarget builds the destination bundle for one s3 sync.
func (e *Executor) syncTarget(ctx context.Context, dest *db.Destination) (source.SyncTarget, error) {
	destCfg, err := dest.ConfigMap()
	if err != nil {
		return source.SyncTarget{}, &backup.Error{
			Kind:    backup.KindDestination,
			Message: fmt.Sprintf("destination %q has invalid config", dest.Name),
			Cause:   err,
		}
	}
	bucket, _ := destCfg["bucket"].(string)
	if bucket == "" {
		return source.SyncTarget{}, &backup.Error{
			Kind:    backup.KindDestination,
			Message: fmt.Sprintf("destination %q has no bucket configured", dest.Name),
		}
	}
	prefix, _ := destCfg["prefix"].(string)

	if dest.CredentialProviderID == nil {
		return source.SyncTarget{}, &backup.Error{
			Kind:    backup.KindCredential,
			Message: fmt.Sprintf("destination %q has no credential provider", dest.Name),
		}
	}
	bundle, err := e.creds.Resolve(ctx, *dest.CredentialProviderID)
	if err != nil {
		return source.SyncTarget{}, err
	}

	return source.SyncTarget{Bucket: bucket, Prefix: prefix, Credentials: bundle}, nil
}

// executeToDefaultDir handles database jobs with no destinations: one
// outcome with a null destination, the dump written straight into the
// default backup directory.
func (e *Executor) executeToDefaultDir(ctx context.Context, job *db.BackupJob, cfg map[string]any, runID string, logger *zap.Logger) []outcomeResult {
	id, openErr := e.openOutcome(ctx, job, nil, runID)
	if openErr != nil {
		logger.Error("failed to open outcome row", zap.Error(openErr))
		return []outcomeResult{{
			destName: "local",
			status:   db.RunStatusFailed,
			errMsg:   fmt.Sprintf("recording outcome failed: %v", openErr),
		}}
	}

	beat := newHeartbeater(e.runs, e.heartbeatInterval, logger)
	defer beat.Stop()
	beat.Track(id)

	fail := func(err error) []outcomeResult {
		beat.Untrack(id)
		msg := e.failOutcome(ctx, id, err.Error(), backup.LogFromError(err), logger)
		return []outcomeResult{{destName: "local", status: db.RunStatusFailed, errMsg: msg}}
	}

	dumper, err := e.sources.Dumper(job.Type)
	if err != nil {
		return fail(err)
	}
	if err := os.MkdirAll(e.backupDir, 0o755); err != nil {
		return fail(fmt.Errorf("executor: create backup dir: %w", err))
	}

	artifact, err := dumper.Dump(ctx, cfg, e.backupDir)
	if err != nil {
		return fail(err)
	}

	beat.Untrack(id)
	e.completeOutcome(ctx, id, artifact.FileSize, artifact.FilePath, encodeMetadata(artifact.Metadata), artifact.ExecutionLog, logger)
	return []outcomeResult{{
		destName: "local",
		status:   db.RunStatusCompleted,
		fileSize: artifact.FileSize,
		filePath: artifact.FilePath,
	}}
}

// failAllSlots closes every opened outcome with the same failure. Used
// when the run dies before per-destination work starts.
func (e *Executor) failAllSlots(ctx context.Context, slots []slot, cause error, logger *zap.Logger) []outcomeResult {
	execLog := backup.LogFromError(cause)
	results := make([]outcomeResult, 0, len(slots))
	for _, s := range slots {
		msg := cause.Error()
		if s.openErr != nil {
			logger.Error("failed to open outcome row",
				zap.String("destination", s.dest.Name),
				zap.Error(s.openErr))
		} else {
			msg = e.failOutcome(ctx, s.outcomeID, msg, execLog, logger)
		}
		results = append(results, outcomeResult{
			destName: s.dest.Name,
			status:   db.RunStatusFailed,
			errMsg:   msg,
		})
	}
	return results
}

func (e *Executor) openOutcome(ctx context.Context, job *db.BackupJob, destID *uuid.UUID, runID string) (uuid.UUID, error) {
	outcome := &db.BackupRun{JobID: job.ID, DestinationID: destID, RunID: runID}
	if err := e.runs.CreateOutcome(ctx, outcome); err != nil {
		return uuid.Nil, err
	}
	return outcome.ID, nil
}

// failOutcome records the terminal failure, swapping in a stable message
// when the run was cancelled by shutdown. Returns the message written.
func (e *Executor) failOutcome(ctx context.Context, id uuid.UUID, errMsg, execLog string, logger *zap.Logger) string {
	if ctx.Err() != nil {
		errMsg = "shutdown"
	}
	if err := e.runs.Fail(context.WithoutCancel(ctx), id, errMsg, execLog); err != nil {
		logger.Error("failed to record outcome failure",
			zap.String("outcome_id", id.String()),
			zap.Error(err))
	}
	return errMsg
}

// completeOutcome records the terminal success. The write is detached
// from the run context so a completed copy survives shutdown.
func (e *Executor) completeOutcome(ctx context.Context, id uuid.UUID, size int64, path, metadata, execLog string, logger *zap.Logger) {
	if err := e.runs.Complete(context.WithoutCancel(ctx), id, size, path, metadata, execLog); err != nil {
		logger.Error("failed to record outcome completion",
			zap.String("outcome_id", id.String()),
			zap.Error(err))
	}
}

func encodeMetadata(m map[string]any) string {
	if len(m) == 0 {
		return ""
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	return string(raw)
}
