// Package orchestrator drives restores end to end: safety backup, restore,
// swap and, when needed, rollback. Every step is a bounded tick re-armed
// through the task queue.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/controlplane-com/dbmaint/pkg/agent/backup"
	"github.com/controlplane-com/dbmaint/pkg/agent/budget"
	"github.com/controlplane-com/dbmaint/pkg/agent/history"
	"github.com/controlplane-com/dbmaint/pkg/agent/maintenance"
	"github.com/controlplane-com/dbmaint/pkg/agent/restore"
	"github.com/controlplane-com/dbmaint/pkg/agent/statestore"
	"github.com/controlplane-com/dbmaint/pkg/agent/swap"
	"github.com/controlplane-com/dbmaint/pkg/shared/types"
	"github.com/controlplane-com/dbmaint/pkg/sqlscan"
)

// Task handler names
const (
	HandlerRestoreTick = "dbmaint.restore_tick"
	HandlerBackupTick  = "dbmaint.backup_tick"
	HandlerRollback    = "dbmaint.rollback"
)

// LockKey holds the id of the one active restore or rollback
const LockKey = "active_job"

const (
	maxRollbackAttempts = 3
	rollbackRetryDelay  = 5 * time.Second
)

var (
	ErrAlreadyRunning = errors.New("another restore or rollback is already running")
	ErrNotFound       = errors.New("operation not found")
)

// Scheduler arms a handler for a later time
type Scheduler interface {
	Schedule(ctx context.Context, handler, args string, notBefore time.Time) error
}

// Rollbacker is the part of the swap controller the orchestrator drives directly
type Rollbacker interface {
	LoadPlan(ctx context.Context) (*swap.Plan, bool, error)
	Rollback(ctx context.Context) (bool, error)
	DropShadows(ctx context.Context, m *sqlscan.RewriteMap) error
}

// Budgeter hands out the tick budget
type Budgeter interface {
	Budget() budget.Budget
}

func StateKey(id string) string { return "orchestration:" + id }

// Orchestration is the persisted top-level state of one restore or rollback
type Orchestration struct {
	ID               string                   `json:"id"`
	Kind             types.OperationKind      `json:"kind"`
	State            types.OrchestrationState `json:"state"`
	Message          string                   `json:"message"`
	File             string                   `json:"file,omitempty"`
	SkipFilter       bool                     `json:"skipFilter,omitempty"`
	BackupJobID      string                   `json:"backupJobId,omitempty"`
	SafetyFile       string                   `json:"safetyFile,omitempty"`
	RestoreJobID     string                   `json:"restoreJobId,omitempty"`
	RollbackAttempts int                      `json:"rollbackAttempts,omitempty"`
	Error            string                   `json:"error,omitempty"`
	StartedAt        int64                    `json:"startedAt"`
	UpdatedAt        int64                    `json:"updatedAt"`
	EndedAt          int64                    `json:"endedAt,omitempty"`
}

type Config struct {
	Store       *statestore.Store
	Producer    *backup.Producer
	Restorer    *restore.Restorer
	Swap        Rollbacker
	Maintenance *maintenance.Flag
	History     *history.Store
	Queue       Scheduler
	Budget      Budgeter
	LockTTL     time.Duration
	StateTTL    time.Duration
}

type Orchestrator struct {
	store       *statestore.Store
	producer    *backup.Producer
	restorer    *restore.Restorer
	swap        Rollbacker
	maintenance *maintenance.Flag
	history     *history.Store
	queue       Scheduler
	budget      Budgeter
	lockTTL     time.Duration
	stateTTL    time.Duration
	now         func() time.Time
}

func New(cfg Config) *Orchestrator {
	o := &Orchestrator{
		store:       cfg.Store,
		producer:    cfg.Producer,
		restorer:    cfg.Restorer,
		swap:        cfg.Swap,
		maintenance: cfg.Maintenance,
		history:     cfg.History,
		queue:       cfg.Queue,
		budget:      cfg.Budget,
		lockTTL:     cfg.LockTTL,
		stateTTL:    cfg.StateTTL,
		now:         time.Now,
	}
	if o.lockTTL <= 0 {
		o.lockTTL = 30 * time.Minute
	}
	if o.stateTTL <= 0 {
		o.stateTTL = 7 * 24 * time.Hour
	}
	return o
}

func (o *Orchestrator) load(ctx context.Context, id string) (*Orchestration, bool, error) {
	var rec Orchestration
	found, err := o.store.Get(ctx, StateKey(id), &rec)
	if err != nil || !found {
		return nil, found, err
	}
	return &rec, true, nil
}

func (o *Orchestrator) save(ctx context.Context, rec *Orchestration) error {
	rec.UpdatedAt = o.now().Unix()
	if err := o.store.Set(ctx, StateKey(rec.ID), rec, o.stateTTL); err != nil {
		return fmt.Errorf("failed to persist orchestration %s: %w", rec.ID, err)
	}
	return nil
}

func (o *Orchestrator) record(rec *Orchestration) {
	op := types.Operation{
		ID:        rec.ID,
		Kind:      rec.Kind,
		State:     string(rec.State),
		Message:   rec.Message,
		Error:     rec.Error,
		File:      rec.File,
		StartedAt: rec.StartedAt,
		EndedAt:   rec.EndedAt,
	}
	if err := o.history.Record(op); err != nil {
		slog.Warn("failed to record operation history", "id", rec.ID, "error", err)
	}
}

func (o *Orchestrator) schedule(ctx context.Context, handler, id string, delay time.Duration) error {
	if err := o.queue.Schedule(ctx, handler, id, o.now().Add(delay)); err != nil {
		return fmt.Errorf("failed to schedule %s for %s: %w", handler, id, err)
	}
	return nil
}

// StartRestore takes the global lock, raises the maintenance flag and arms
// the first tick. A second restore while one is active is rejected.
func (o *Orchestrator) StartRestore(ctx context.Context, req types.RestoreRequest) (string, error) {
	known, err := o.store.Exists(ctx, backup.ArtifactKey(req.File))
	if err != nil {
		return "", err
	}
	if !known {
		return "", &restore.ValidationError{Reason: fmt.Sprintf("no metadata recorded for %s", req.File)}
	}

	id := uuid.New().String()
	ok, err := o.store.Acquire(ctx, LockKey, id, o.lockTTL)
	if err != nil {
		return "", fmt.Errorf("failed to take restore lock: %w", err)
	}
	if !ok {
		return "", ErrAlreadyRunning
	}

	rec := &Orchestration{
		ID:         id,
		Kind:       types.OperationRestore,
		State:      types.StateSafetyBackupStarting,
		Message:    "starting safety backup",
		File:       req.File,
		SkipFilter: req.SkipSafetyFilter,
		StartedAt:  o.now().Unix(),
	}
	if err := o.begin(ctx, rec, "restore of "+req.File, HandlerRestoreTick); err != nil {
		return "", err
	}
	slog.Info("restore started", "id", id, "file", req.File, "skipSafetyFilter", req.SkipSafetyFilter)
	return id, nil
}

// begin persists a freshly locked orchestration and arms its first tick. On
// failure the lock and flag are given back.
func (o *Orchestrator) begin(ctx context.Context, rec *Orchestration, reason, handler string) error {
	err := o.maintenance.Raise(ctx, reason)
	if err == nil {
		err = o.save(ctx, rec)
	}
	if err == nil {
		err = o.schedule(ctx, handler, rec.ID, 0)
	}
	if err != nil {
		o.releaseAll(ctx, rec.ID)
		return err
	}
	o.record(rec)
	return nil
}

func (o *Orchestrator) releaseAll(ctx context.Context, id string) {
	if err := o.maintenance.Clear(ctx); err != nil {
		slog.Error("failed to clear maintenance flag", "id", id, "error", err)
	}
	if err := o.store.Release(ctx, LockKey, id); err != nil {
		slog.Error("failed to release restore lock", "id", id, "error", err)
	}
}

// finish moves rec to a terminal state. The maintenance flag and the lock
// are cleared on every terminal path.
func (o *Orchestrator) finish(ctx context.Context, rec *Orchestration, state types.OrchestrationState, msg string, cause error) error {
	rec.State = state
	rec.Message = msg
	rec.EndedAt = o.now().Unix()
	if cause != nil {
		rec.Error = cause.Error()
	}
	o.releaseAll(ctx, rec.ID)
	err := o.save(ctx, rec)
	o.record(rec)

	if cause != nil {
		slog.Error("operation failed", "id", rec.ID, "kind", rec.Kind, "state", state, "error", cause)
	} else {
		slog.Info("operation finished", "id", rec.ID, "kind", rec.Kind, "state", state, "message", msg)
	}
	return err
}

// refuse ends rec while another operation holds the lock. The lock and the
// maintenance flag belong to that operation and are left alone.
func (o *Orchestrator) refuse(ctx context.Context, rec *Orchestration, msg string) error {
	owner, _, _ := o.store.Owner(ctx, LockKey)
	rec.State = types.StateError
	rec.Message = msg
	rec.Error = ErrAlreadyRunning.Error()
	rec.EndedAt = o.now().Unix()
	err := o.save(ctx, rec)
	o.record(rec)
	slog.Warn("operation refused, lock held elsewhere", "id", rec.ID, "kind", rec.Kind, "owner", owner)
	return err
}

// Tick advances a restore orchestration by one step
func (o *Orchestrator) Tick(ctx context.Context, id string) error {
	o.store.ResetLocal()
	rec, found, err := o.load(ctx, id)
	if err != nil {
		return err
	}
	if !found {
		slog.Warn("restore tick for unknown orchestration", "id", id)
		return nil
	}
	if rec.State.Terminal() || rec.State == types.StateRollbackStarting {
		return nil
	}

	held, err := o.store.Acquire(ctx, LockKey, id, o.lockTTL)
	if err != nil {
		return err
	}
	if !held {
		return o.refuse(ctx, rec, "restore lock lost to another operation")
	}

	b := o.budget.Budget()
	switch rec.State {
	case types.StateSafetyBackupStarting:
		job, err := o.producer.Start(ctx, "safety backup before restore "+id, true)
		if err != nil {
			return o.finish(ctx, rec, types.StateError, "safety backup could not start", err)
		}
		rec.BackupJobID = job.ID
		rec.SafetyFile = job.File
		rec.State = types.StateSafetyBackupRunning
		rec.Message = "safety backup started: " + job.File
		return o.next(ctx, rec, 0)

	case types.StateSafetyBackupRunning:
		job, found, err := o.producer.Load(ctx, rec.BackupJobID)
		if err != nil {
			return err
		}
		if !found {
			return o.finish(ctx, rec, types.StateError, "safety backup state lost", errors.New("backup job "+rec.BackupJobID+" not found"))
		}
		done, err := o.producer.Tick(ctx, job, b)
		if err != nil {
			// the live data was never touched
			return o.finish(ctx, rec, types.StateError, "safety backup failed, restore aborted", err)
		}
		if done {
			rec.State = types.StateRestoreStarting
			rec.Message = fmt.Sprintf("safety backup %s complete (%s)", job.File, humanize.IBytes(uint64(job.BytesWritten)))
			return o.next(ctx, rec, 0)
		}
		rec.Message = backupMessage(job)
		return o.next(ctx, rec, b.Delay)

	case types.StateRestoreStarting:
		job, err := o.restorer.Start(ctx, types.RestoreRequest{File: rec.File, SkipSafetyFilter: rec.SkipFilter})
		if err != nil {
			return o.finish(ctx, rec, types.StateError, "restore could not start", err)
		}
		rec.RestoreJobID = job.ID
		rec.State = types.StateRestoreRunning
		rec.Message = job.Summary()
		return o.next(ctx, rec, 0)

	case types.StateRestoreRunning:
		job, found, err := o.restorer.Load(ctx, rec.RestoreJobID)
		if err != nil {
			return err
		}
		if !found {
			return o.finish(ctx, rec, types.StateError, "restore state lost", errors.New("restore job "+rec.RestoreJobID+" not found"))
		}
		done, err := o.restorer.Tick(ctx, job, b)
		if err != nil {
			return o.restoreFailed(ctx, rec, job, err)
		}
		if done {
			return o.finish(ctx, rec, types.StateDone,
				fmt.Sprintf("restored %d tables from %s", len(job.Tables()), rec.File), nil)
		}
		rec.Message = restoreMessage(job)
		return o.next(ctx, rec, b.Delay)
	}
	return fmt.Errorf("orchestration %s in unexpected state %s", id, rec.State)
}

func (o *Orchestrator) next(ctx context.Context, rec *Orchestration, delay time.Duration) error {
	if err := o.save(ctx, rec); err != nil {
		return err
	}
	return o.schedule(ctx, HandlerRestoreTick, rec.ID, delay)
}

// restoreFailed rolls back when the swap may have happened, otherwise drops
// the shadow tables and ends the orchestration
func (o *Orchestrator) restoreFailed(ctx context.Context, rec *Orchestration, job *restore.Job, cause error) error {
	if o.needsRollback(ctx, job) {
		return o.startRollback(ctx, rec, "restore failed after swap, rolling back: "+cause.Error())
	}
	o.dropShadows(ctx, job)
	return o.finish(ctx, rec, types.StateError, "restore failed, live data untouched", cause)
}

func (o *Orchestrator) needsRollback(ctx context.Context, job *restore.Job) bool {
	if job == nil {
		return false
	}
	if job.Swapped {
		return true
	}
	plan, found, err := o.swap.LoadPlan(ctx)
	if err != nil {
		// unknown; rolling back an unapplied plan is harmless
		slog.Warn("failed to read rollback plan", "restoreId", job.ID, "error", err)
		return true
	}
	return found && plan.RestoreID == job.ID
}

func (o *Orchestrator) dropShadows(ctx context.Context, job *restore.Job) {
	if job == nil {
		return
	}
	m := sqlscan.NewRewriteMap(sqlscan.JobToken(job.ID))
	for _, t := range job.Scan.Tables {
		m.Assign(t)
	}
	for _, t := range job.Tables() {
		m.Assign(t)
	}
	if err := o.swap.DropShadows(ctx, m); err != nil {
		slog.Warn("failed to drop shadow tables, housekeeping will retry", "restoreId", job.ID, "error", err)
	}
}

func (o *Orchestrator) startRollback(ctx context.Context, rec *Orchestration, msg string) error {
	rec.State = types.StateRollbackStarting
	rec.Message = msg
	if err := o.save(ctx, rec); err != nil {
		return err
	}
	o.record(rec)
	slog.Warn("rollback scheduled", "id", rec.ID, "reason", msg)
	return o.schedule(ctx, HandlerRollback, rec.ID, 0)
}

// RollbackTick runs the rollback controller for an orchestration in
// rollback_starting. The controller is re-entrant, so a retried tick
// picks up whatever is left.
func (o *Orchestrator) RollbackTick(ctx context.Context, id string) error {
	o.store.ResetLocal()
	rec, found, err := o.load(ctx, id)
	if err != nil {
		return err
	}
	if !found || rec.State != types.StateRollbackStarting {
		slog.Warn("rollback tick without a pending rollback", "id", id)
		return nil
	}
	held, err := o.store.Acquire(ctx, LockKey, id, o.lockTTL)
	if err != nil {
		return err
	}
	if !held {
		return o.refuse(ctx, rec, "rollback refused, restore lock taken by another operation")
	}

	rolledBack, err := o.swap.Rollback(ctx)
	if err != nil {
		return o.rollbackRetry(ctx, rec, err)
	}
	msg := "rollback complete, previous tables restored"
	if !rolledBack {
		msg = "nothing to roll back"
	}
	return o.finish(ctx, rec, types.StateRollbackDone, msg, nil)
}

func (o *Orchestrator) rollbackRetry(ctx context.Context, rec *Orchestration, cause error) error {
	rec.RollbackAttempts++
	if rec.RollbackAttempts >= maxRollbackAttempts {
		return o.finish(ctx, rec, types.StateError, "rollback failed", cause)
	}
	rec.Message = fmt.Sprintf("rollback attempt %d failed, retrying: %v", rec.RollbackAttempts, cause)
	slog.Warn("rollback attempt failed", "id", rec.ID, "attempt", rec.RollbackAttempts, "error", cause)
	if err := o.save(ctx, rec); err != nil {
		return err
	}
	return o.schedule(ctx, HandlerRollback, rec.ID, rollbackRetryDelay)
}

// RequestRollback schedules a rollback of the last swap on operator request
func (o *Orchestrator) RequestRollback(ctx context.Context) (*types.RollbackResponse, error) {
	plan, found, err := o.swap.LoadPlan(ctx)
	if err != nil {
		return nil, err
	}
	if !found {
		return &types.RollbackResponse{Scheduled: false, Message: "no rollback plan recorded"}, nil
	}

	id := uuid.New().String()
	ok, err := o.store.Acquire(ctx, LockKey, id, o.lockTTL)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrAlreadyRunning
	}
	rec := &Orchestration{
		ID:           id,
		Kind:         types.OperationRollback,
		State:        types.StateRollbackStarting,
		Message:      "rollback requested for restore " + plan.RestoreID,
		RestoreJobID: plan.RestoreID,
		StartedAt:    o.now().Unix(),
	}
	if err := o.begin(ctx, rec, "rollback of restore "+plan.RestoreID, HandlerRollback); err != nil {
		return nil, err
	}
	return &types.RollbackResponse{Scheduled: true, Message: "rollback " + id + " scheduled"}, nil
}

// Status answers the operator status query. An empty id asks about the
// active operation.
func (o *Orchestrator) Status(ctx context.Context, id string) (*types.StatusResponse, error) {
	owner, held, err := o.store.Owner(ctx, LockKey)
	if err != nil {
		return nil, err
	}
	if id == "" {
		if !held {
			return &types.StatusResponse{State: types.StateNotRunning, Message: "no operation running"}, nil
		}
		id = owner
	}
	rec, found, err := o.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if found {
		return &types.StatusResponse{ID: id, State: rec.State, Message: rec.Message}, nil
	}
	if held && owner == id {
		return &types.StatusResponse{ID: id, State: types.StateStarting, Message: "starting"}, nil
	}
	return &types.StatusResponse{ID: id, State: types.StateNotRunning, Message: "not running"}, nil
}

// ActiveID returns the id holding the lock, if any
func (o *Orchestrator) ActiveID(ctx context.Context) (string, bool, error) {
	return o.store.Owner(ctx, LockKey)
}

// StartBackup creates a standalone backup and arms its first tick
func (o *Orchestrator) StartBackup(ctx context.Context, req types.BackupRequest) (string, error) {
	job, err := o.producer.Start(ctx, req.Label, false)
	if err != nil {
		return "", err
	}
	if err := o.schedule(ctx, HandlerBackupTick, job.ID, 0); err != nil {
		return "", err
	}
	o.recordBackup(job, "backup started")
	return job.ID, nil
}

func (o *Orchestrator) recordBackup(job *backup.Job, msg string) {
	op := types.Operation{
		ID:        job.ID,
		Kind:      types.OperationBackup,
		State:     string(job.Status),
		Message:   msg,
		Error:     job.Error,
		File:      job.File,
		StartedAt: job.StartedAt,
		EndedAt:   job.CompletedAt,
	}
	if err := o.history.Record(op); err != nil {
		slog.Warn("failed to record operation history", "id", job.ID, "error", err)
	}
}

// BackupTick advances a standalone backup
func (o *Orchestrator) BackupTick(ctx context.Context, id string) error {
	o.store.ResetLocal()
	job, found, err := o.producer.Load(ctx, id)
	if err != nil {
		return err
	}
	if !found {
		slog.Warn("backup tick for unknown job", "jobId", id)
		return nil
	}
	b := o.budget.Budget()
	done, err := o.producer.Tick(ctx, job, b)
	if err != nil {
		o.recordBackup(job, "backup failed")
		return err
	}
	if done {
		o.recordBackup(job, fmt.Sprintf("backup complete: %s rows, %s", humanize.Comma(job.Rows), humanize.IBytes(uint64(job.BytesWritten))))
		return nil
	}
	return o.schedule(ctx, HandlerBackupTick, id, b.Delay)
}

// BackupStatus reports a backup from its live state, or from history once
// the state is gone
func (o *Orchestrator) BackupStatus(ctx context.Context, id string) (*types.BackupJobInfo, error) {
	job, found, err := o.producer.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if found {
		return job.Info(), nil
	}
	op, ok := o.history.Get(id)
	if !ok || op.Kind != types.OperationBackup {
		return nil, ErrNotFound
	}
	return &types.BackupJobInfo{
		ID:        op.ID,
		Status:    types.JobStatus(op.State),
		Phase:     string(backup.PhaseDone),
		File:      op.File,
		Error:     op.Error,
		StartedAt: op.StartedAt,
		UpdatedAt: op.EndedAt,
	}, nil
}

func backupMessage(job *backup.Job) string {
	table := ""
	if job.Table != nil {
		table = job.Table.Name + ", "
	}
	return fmt.Sprintf("safety backup running: %s%d/%d tables, %s rows", table, job.TableIndex, len(job.Tables), humanize.Comma(job.Rows))
}

func restoreMessage(job *restore.Job) string {
	switch job.Phase {
	case restore.PhaseImport:
		return fmt.Sprintf("%s, %s of %s", job.Describe(), humanize.IBytes(uint64(job.Progress.Offset)),
			humanize.IBytes(uint64(job.Decompress.Written)))
	case restore.PhaseDecompress:
		return fmt.Sprintf("%s: %s", job.Summary(), humanize.IBytes(uint64(job.Decompress.Written)))
	}
	return job.Describe()
}
