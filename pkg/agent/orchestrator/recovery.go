package orchestrator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hashicorp/go-multierror"

	"github.com/controlplane-com/dbmaint/pkg/agent/backup"
	"github.com/controlplane-com/dbmaint/pkg/agent/taskqueue"
	"github.com/controlplane-com/dbmaint/pkg/shared/types"
)

// Register binds the orchestrator's handlers to r
func (o *Orchestrator) Register(r *taskqueue.Runner) {
	r.Handle(HandlerRestoreTick, o.Tick)
	r.Handle(HandlerBackupTick, o.BackupTick)
	r.Handle(HandlerRollback, o.RollbackTick)
	r.OnPanic(o.HandleCrash)
	r.OnFailure(o.HandleFailure)
}

// HandleCrash settles an operation whose tick panicked. Restores that may
// have swapped are rolled back; everything else ends in error.
func (o *Orchestrator) HandleCrash(ctx context.Context, task taskqueue.Task, recovered any) {
	o.settle(ctx, task, fmt.Errorf("%s crashed: %v", task.Handler, recovered))
}

// HandleFailure settles an operation whose tick kept failing
func (o *Orchestrator) HandleFailure(ctx context.Context, task taskqueue.Task, err error) {
	o.settle(ctx, task, fmt.Errorf("%s failed after %d attempts: %w", task.Handler, task.Attempts, err))
}

func (o *Orchestrator) settle(ctx context.Context, task taskqueue.Task, cause error) {
	o.store.ResetLocal()

	var err error
	switch task.Handler {
	case HandlerRestoreTick:
		err = o.crashedRestore(ctx, task.Args, cause)
	case HandlerRollback:
		var rec *Orchestration
		var found bool
		rec, found, err = o.load(ctx, task.Args)
		if err == nil && found && rec.State == types.StateRollbackStarting {
			err = o.rollbackRetry(ctx, rec, cause)
		}
	case HandlerBackupTick:
		err = o.crashedBackup(ctx, task.Args, cause)
	default:
		slog.Error("task could not be settled", "handler", task.Handler, "args", task.Args, "error", cause)
		return
	}
	if err != nil {
		slog.Error("failed to settle operation", "handler", task.Handler, "id", task.Args, "error", err)
	}
}

func (o *Orchestrator) crashedRestore(ctx context.Context, id string, cause error) error {
	rec, found, err := o.load(ctx, id)
	if err != nil || !found || rec.State.Terminal() {
		return err
	}

	switch rec.State {
	case types.StateSafetyBackupRunning:
		if job, found, err := o.producer.Load(ctx, rec.BackupJobID); err == nil && found {
			_ = o.producer.Abort(ctx, job, cause)
		}
	case types.StateRestoreRunning:
		job, found, err := o.restorer.Load(ctx, rec.RestoreJobID)
		if err != nil {
			return err
		}
		if found && o.needsRollback(ctx, job) {
			return o.startRollback(ctx, rec, "restore interrupted, rolling back: "+cause.Error())
		}
		if found {
			_ = o.restorer.Abort(ctx, job, cause)
			o.dropShadows(ctx, job)
		}
	case types.StateRollbackStarting:
		return o.schedule(ctx, HandlerRollback, rec.ID, rollbackRetryDelay)
	}
	return o.finish(ctx, rec, types.StateError, "restore interrupted", cause)
}

func (o *Orchestrator) crashedBackup(ctx context.Context, id string, cause error) error {
	job, found, err := o.producer.Load(ctx, id)
	if err != nil || !found {
		return err
	}
	_ = o.producer.Abort(ctx, job, cause)
	o.recordBackup(job, "backup interrupted")
	return nil
}

// Resume re-arms operations that were in flight when the agent stopped and
// clears a lock or maintenance flag nothing owns anymore.
func (o *Orchestrator) Resume(ctx context.Context) error {
	o.store.ResetLocal()
	var errs *multierror.Error

	for _, kind := range []types.OperationKind{types.OperationRestore, types.OperationRollback} {
		for _, op := range o.history.Unfinished(kind) {
			if err := o.resumeOrchestration(ctx, op); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("resume %s %s: %w", kind, op.ID, err))
			}
		}
	}
	for _, op := range o.history.Unfinished(types.OperationBackup) {
		if err := o.resumeBackup(ctx, op); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("resume backup %s: %w", op.ID, err))
		}
	}

	if err := o.releaseOrphans(ctx); err != nil {
		errs = multierror.Append(errs, err)
	}
	return errs.ErrorOrNil()
}

func (o *Orchestrator) resumeOrchestration(ctx context.Context, op types.Operation) error {
	rec, found, err := o.load(ctx, op.ID)
	if err != nil {
		return err
	}
	if !found {
		op.State = string(types.StateError)
		op.Error = "operation state lost"
		op.EndedAt = o.now().Unix()
		return o.history.Record(op)
	}
	if rec.State.Terminal() {
		o.record(rec)
		return nil
	}

	ok, err := o.store.Acquire(ctx, LockKey, rec.ID, o.lockTTL)
	if err != nil {
		return err
	}
	if !ok {
		return o.refuse(ctx, rec, "restore lock taken by another operation")
	}
	if err := o.maintenance.Raise(ctx, string(rec.Kind)+" "+rec.ID+" resumed"); err != nil {
		return err
	}
	handler := HandlerRestoreTick
	if rec.State == types.StateRollbackStarting {
		handler = HandlerRollback
	}
	slog.Info("resuming operation", "id", rec.ID, "kind", rec.Kind, "state", rec.State)
	return o.schedule(ctx, handler, rec.ID, 0)
}

func (o *Orchestrator) resumeBackup(ctx context.Context, op types.Operation) error {
	job, found, err := o.producer.Load(ctx, op.ID)
	if err != nil {
		return err
	}
	if !found {
		// finished jobs drop their state; the artifact metadata tells which
		done, err := o.store.Exists(ctx, backup.ArtifactKey(op.File))
		if err != nil {
			return err
		}
		op.State = string(types.JobStatusDone)
		if !done {
			op.State = string(types.JobStatusError)
			op.Error = "backup state lost"
		}
		op.EndedAt = o.now().Unix()
		return o.history.Record(op)
	}
	if job.Status != types.JobStatusRunning {
		o.recordBackup(job, "backup "+string(job.Status))
		return nil
	}
	slog.Info("resuming backup", "jobId", job.ID)
	return o.schedule(ctx, HandlerBackupTick, job.ID, 0)
}

func (o *Orchestrator) releaseOrphans(ctx context.Context) error {
	owner, held, err := o.store.Owner(ctx, LockKey)
	if err != nil {
		return err
	}
	if !held {
		return nil
	}
	rec, found, err := o.load(ctx, owner)
	if err != nil {
		return err
	}
	if found && !rec.State.Terminal() {
		return nil
	}
	// an operator raised flag without a lock is left alone
	slog.Warn("releasing orphaned restore lock", "owner", owner)
	o.releaseAll(ctx, owner)
	return nil
}
