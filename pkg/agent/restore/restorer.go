package restore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/controlplane-com/dbmaint/pkg/agent/backup"
	"github.com/controlplane-com/dbmaint/pkg/agent/budget"
	"github.com/controlplane-com/dbmaint/pkg/agent/dbconn"
	"github.com/controlplane-com/dbmaint/pkg/agent/decompress"
	"github.com/controlplane-com/dbmaint/pkg/agent/statestore"
	"github.com/controlplane-com/dbmaint/pkg/agent/swap"
	"github.com/controlplane-com/dbmaint/pkg/shared/fs"
	"github.com/controlplane-com/dbmaint/pkg/shared/types"
	"github.com/controlplane-com/dbmaint/pkg/sqlscan"
)

const maxConsecutiveFailures = 3

// Cutover checks the restored data and makes it live
type Cutover interface {
	// CheckTables vets the table names found in the dump before import
	CheckTables(names []string) error
	Verify(ctx context.Context, m *sqlscan.RewriteMap) error
	Swap(ctx context.Context, restoreID string, m *sqlscan.RewriteMap) error
	// Finalize discards the rollback plan and the displaced tables
	Finalize(ctx context.Context) error
}

// Restorer drives one restore job through its phases
type Restorer struct {
	store     *statestore.Store
	files     *fs.Sandbox
	decomp    *decompress.Decompressor
	consumer  *Consumer
	exec      Executor
	cutover   Cutover
	backupDir string
	tempDir   string
	database  string
	stateTTL  time.Duration
	now       func() time.Time
}

// RestorerConfig wires a Restorer
type RestorerConfig struct {
	Store        *statestore.Store
	Files        *fs.Sandbox
	Decompressor *decompress.Decompressor
	Executor     Executor
	Cutover      Cutover
	BackupDir    string
	TempDir      string
	Database     string
	TablePrefix  string
	StateTTL     time.Duration
}

func NewRestorer(cfg RestorerConfig) *Restorer {
	ttl := cfg.StateTTL
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &Restorer{
		store:    cfg.Store,
		files:    cfg.Files,
		decomp:   cfg.Decompressor,
		exec:     cfg.Executor,
		cutover:  cfg.Cutover,
		consumer: NewConsumer(cfg.Executor, cfg.Files, ConsumerOptions{TablePrefix: cfg.TablePrefix, Database: cfg.Database}),

		backupDir: cfg.BackupDir,
		tempDir:   cfg.TempDir,
		database:  cfg.Database,
		stateTTL:  ttl,
		now:       time.Now,
	}
}

// Start creates a restore job for an artifact in the backup directory
func (r *Restorer) Start(ctx context.Context, req types.RestoreRequest) (*Job, error) {
	if req.File == "" || filepath.Base(req.File) != req.File {
		return nil, invalid("invalid backup file name %q", req.File)
	}
	path, err := r.files.Join(r.backupDir, req.File)
	if err != nil {
		return nil, invalid("%v", err)
	}
	id := uuid.New().String()
	plain, err := r.files.Join(r.tempDir, "restore-"+id+".sql")
	if err != nil {
		return nil, err
	}

	job := &Job{
		ID:         id,
		File:       req.File,
		Path:       path,
		Plain:      plain,
		Database:   r.database,
		SkipFilter: req.SkipSafetyFilter,
		Phase:      PhaseValidate,
		Status:     types.JobStatusRunning,
		StartedAt:  r.now().Unix(),
	}
	if job.SkipFilter {
		slog.Warn("statement safety filter disabled by operator", "jobId", id, "file", req.File)
	}
	if err := r.save(ctx, job); err != nil {
		return nil, err
	}
	slog.Info("restore job created", "jobId", id, "file", req.File)
	return job, nil
}

func (r *Restorer) Load(ctx context.Context, id string) (*Job, bool, error) {
	var job Job
	found, err := r.store.Get(ctx, StateKey(id), &job)
	if err != nil || !found {
		return nil, found, err
	}
	return &job, true, nil
}

func (r *Restorer) save(ctx context.Context, job *Job) error {
	job.UpdatedAt = r.now().Unix()
	if err := r.store.Set(ctx, StateKey(job.ID), job, r.stateTTL); err != nil {
		return fmt.Errorf("failed to persist restore job %s: %w", job.ID, err)
	}
	return nil
}

// Fatal reports errors that end a restore without retry
func Fatal(err error) bool {
	var ve *ValidationError
	var se *sqlscan.SecurityError
	var ie *swap.IntegrityError
	if errors.As(err, &ve) || errors.As(err, &se) || errors.As(err, &ie) || errors.Is(err, sqlscan.ErrTruncated) || errors.Is(err, swap.ErrPlanPending) {
		return true
	}
	if errors.Is(err, dbconn.ErrConnectionLost) || dbconn.IsConnectionLost(err) {
		return false
	}
	switch mysqlCode(err) {
	case 0, errLockWait, errLockDeadlock:
		return false
	}
	// any other server error means the statement itself is bad
	return true
}

// Tick advances the job through as many phases as fit in the budget. It
// returns true once the restored tables are live and cleaned up. A returned
// error ends the job; check job.Swapped to decide whether to roll back.
func (r *Restorer) Tick(ctx context.Context, job *Job, b budget.Budget) (bool, error) {
	switch job.Status {
	case types.JobStatusDone:
		return true, nil
	case types.JobStatusError:
		return false, errors.New(job.Error)
	}

	work, err := job.clone()
	if err != nil {
		return false, err
	}
	work.Ticks++
	err = r.tick(ctx, work, b)
	if err != nil {
		// the phase may have committed its side effect before failing
		if work.Swapped {
			job.Swapped = true
		}
		job.Failures++
		job.Error = err.Error()
		if Fatal(err) || job.Failures >= maxConsecutiveFailures {
			return false, r.fail(ctx, job, err)
		}
		slog.Warn("restore tick failed, will resume from last checkpoint",
			"jobId", job.ID, "phase", job.Phase, "failures", job.Failures, "error", err)
		return false, r.save(ctx, job)
	}

	work.Failures = 0
	work.Error = ""
	*job = *work
	if job.Phase != PhaseDone {
		return false, r.save(ctx, job)
	}
	job.Status = types.JobStatusDone
	job.CompletedAt = r.now().Unix()
	if err := r.store.Delete(ctx, StateKey(job.ID)); err != nil {
		slog.Warn("failed to delete finished restore state", "jobId", job.ID, "error", err)
	}
	slog.Info("restore job finished", "jobId", job.ID, "file", job.File,
		"statements", job.Progress.Statements, "tables", len(job.Progress.Map.Tables), "ticks", job.Ticks)
	return true, nil
}

// Abort ends a job that can no longer be ticked, e.g. after its tick crashed
func (r *Restorer) Abort(ctx context.Context, job *Job, cause error) error {
	if job.Status != types.JobStatusRunning {
		return nil
	}
	job.Error = cause.Error()
	return r.fail(ctx, job, cause)
}

func (r *Restorer) fail(ctx context.Context, job *Job, cause error) error {
	job.Status = types.JobStatusError
	job.CompletedAt = r.now().Unix()
	r.cleanup(ctx, job)
	slog.Error("restore job failed", "jobId", job.ID, "phase", job.Phase, "error", cause)
	if err := r.save(ctx, job); err != nil {
		return err
	}
	return fmt.Errorf("restore %s failed: %w", job.ID, cause)
}

func (r *Restorer) cleanup(ctx context.Context, job *Job) {
	if r.files.Exists(job.Plain) {
		if err := r.files.Remove(job.Plain); err != nil {
			slog.Warn("failed to remove decompressed dump", "jobId", job.ID, "path", job.Plain, "error", err)
		}
	}
	if err := r.exec.Clear(ctx, job.ID); err != nil {
		slog.Warn("failed to clear replay checkpoint", "jobId", job.ID, "error", err)
	}
}

func (r *Restorer) tick(ctx context.Context, job *Job, b budget.Budget) error {
	deadline := r.now().Add(b.TimeBox)
	for job.Phase != PhaseDone {
		if !r.now().Before(deadline) {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		remaining := b
		remaining.TimeBox = deadline.Sub(r.now())

		advanced, err := r.step(ctx, job, remaining, deadline)
		if err != nil {
			return err
		}
		if !advanced {
			return nil
		}
	}
	return nil
}

// step runs the current phase once. advanced is false when the phase needs
// another tick.
func (r *Restorer) step(ctx context.Context, job *Job, b budget.Budget, deadline time.Time) (bool, error) {
	switch job.Phase {
	case PhaseValidate:
		var meta types.ArtifactMeta
		found, err := r.store.Get(ctx, backup.ArtifactKey(job.File), &meta)
		if err != nil {
			return false, err
		}
		if !found {
			return false, invalid("no metadata recorded for %s", job.File)
		}
		if job.Checksum.Offset == 0 {
			if err := Validate(r.files, &meta, job.Path, r.database); err != nil {
				return false, err
			}
		}
		if err := checksumStep(r.files, job.Path, meta.SHA256, &job.Checksum, deadline, r.now); err != nil {
			return false, err
		}
		if !job.Checksum.Done {
			return false, nil
		}
		job.Phase = PhaseDecompress

	case PhaseDecompress:
		if !job.Decompress.Done {
			done, err := r.decomp.Step(ctx, job.Path, job.Plain, &job.Decompress, deadline)
			if err != nil || !done {
				return false, err
			}
		}
		if err := scanStep(r.files, job.Plain, &job.Scan, deadline, r.now); err != nil {
			return false, err
		}
		if !job.Scan.Done {
			return false, nil
		}
		if err := r.cutover.CheckTables(job.Scan.Tables); err != nil {
			return false, invalid("%v", err)
		}
		slog.Info("backup contents checked", "jobId", job.ID, "tables", len(job.Scan.Tables),
			"size", job.Decompress.Written)
		job.Phase = PhaseImport

	case PhaseImport:
		done, err := r.consumer.Tick(ctx, job, b)
		if err != nil || !done {
			return false, err
		}
		job.Phase = PhaseIndexes

	case PhaseIndexes:
		done, err := r.consumer.BuildIndexes(ctx, job, b)
		if err != nil || !done {
			return false, err
		}
		job.Phase = PhaseVerify

	case PhaseVerify:
		if err := r.cutover.Verify(ctx, &job.Progress.Map); err != nil {
			return false, err
		}
		job.Phase = PhaseSwap

	case PhaseSwap:
		if err := r.cutover.Swap(ctx, job.ID, &job.Progress.Map); err != nil {
			return false, err
		}
		job.Swapped = true
		job.Phase = PhaseFinalize

	case PhaseFinalize:
		r.cleanup(ctx, job)
		if err := r.cutover.Finalize(ctx); err != nil {
			slog.Warn("failed to drop displaced tables, housekeeping will retry", "jobId", job.ID, "error", err)
		}
		job.Phase = PhaseDone

	default:
		return false, fmt.Errorf("unknown restore phase %q", job.Phase)
	}
	return true, nil
}

// Tables lists the original table names restored so far
func (j *Job) Tables() []string {
	return j.Progress.Map.Originals()
}

// Describe renders a progress message for status queries
func (j *Job) Describe() string {
	var sb strings.Builder
	sb.WriteString(j.Summary())
	switch j.Phase {
	case PhaseImport:
		fmt.Fprintf(&sb, " (%d statements, %d tables)", j.Progress.Statements, len(j.Progress.Map.Tables))
	case PhaseIndexes:
		fmt.Fprintf(&sb, " (%d of %d tables)", len(j.Progress.Indexed), len(j.Progress.Deferred))
	}
	return sb.String()
}
