package restore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/controlplane-com/dbmaint/pkg/agent/budget"
	"github.com/controlplane-com/dbmaint/pkg/agent/metrics"
	"github.com/controlplane-com/dbmaint/pkg/shared/fs"
	"github.com/controlplane-com/dbmaint/pkg/sqldump"
	"github.com/controlplane-com/dbmaint/pkg/sqlscan"
)

// ConsumerOptions tune replay. Zero values take defaults.
type ConsumerOptions struct {
	TxBytes        int           // statement text per transaction
	TxInterval     time.Duration // max time a transaction stays open
	SplitThreshold int           // INSERTs above this are split
	SubBatchBytes  int64
	MaxSubBatch    int
	TablePrefix    string
	Database       string
}

func (o ConsumerOptions) withDefaults() ConsumerOptions {
	if o.TxBytes <= 0 {
		o.TxBytes = 5 << 20
	}
	if o.TxInterval <= 0 {
		o.TxInterval = 10 * time.Second
	}
	if o.SplitThreshold <= 0 {
		o.SplitThreshold = 1 << 20
	}
	if o.SubBatchBytes <= 0 {
		o.SubBatchBytes = 512 << 10
	}
	if o.MaxSubBatch <= 0 {
		o.MaxSubBatch = 5000
	}
	return o
}

// Consumer replays a plain SQL dump into shadow tables
type Consumer struct {
	exec  Executor
	files *fs.Sandbox
	opts  ConsumerOptions
	now   func() time.Time
}

func NewConsumer(exec Executor, files *fs.Sandbox, opts ConsumerOptions) *Consumer {
	return &Consumer{exec: exec, files: files, opts: opts.withDefaults(), now: time.Now}
}

// progress returns the checkpointed position, which wins over the job copy
func (c *Consumer) progress(ctx context.Context, job *Job) (*Progress, error) {
	p, found, err := c.exec.Load(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	if !found {
		p = job.Progress.clone()
		p.JobID = job.ID
	}
	if p.Map.Token == "" {
		p.Map = *sqlscan.NewRewriteMap(sqlscan.JobToken(job.ID))
	}
	if p.Map.Tables == nil {
		p.Map.Tables = map[string]string{}
	}
	if p.Deferred == nil {
		p.Deferred = map[string][]string{}
	}
	if p.Indexed == nil {
		p.Indexed = map[string]bool{}
	}
	return p, nil
}

// Tick replays at most b.ChunksPerTick transactions (a DDL statement counts as
// one) within b.TimeBox. It returns true once the whole dump is replayed.
func (c *Consumer) Tick(ctx context.Context, job *Job, b budget.Budget) (bool, error) {
	p, err := c.progress(ctx, job)
	if err != nil {
		return false, err
	}
	if p.Done {
		job.Progress = *p
		return true, nil
	}

	f, err := c.files.Open(job.Plain)
	if err != nil {
		return false, fmt.Errorf("failed to open decompressed dump: %w", err)
	}
	defer f.Close()
	if _, err := f.Seek(p.Offset, io.SeekStart); err != nil {
		return false, err
	}

	r := &replay{
		c:        c,
		job:      job,
		p:        p,
		reader:   sqlscan.NewStatementReader(f, p.Offset),
		rewriter: &sqlscan.Rewriter{Map: &p.Map, Database: c.opts.Database, Prefix: c.opts.TablePrefix},
		deadline: c.now().Add(b.TimeBox),
		chunks:   b.ChunksPerTick,
	}
	if err := r.run(ctx); err != nil {
		if r.inTx {
			if rbErr := c.exec.Rollback(); rbErr != nil {
				slog.Warn("rollback after failed replay failed", "jobId", job.ID, "error", rbErr)
			}
		}
		return false, err
	}
	job.Progress = *p
	return p.Done, nil
}

type replay struct {
	c        *Consumer
	job      *Job
	p        *Progress
	reader   *sqlscan.StatementReader
	rewriter *sqlscan.Rewriter
	deadline time.Time
	chunks   int

	inTx    bool
	txStart time.Time
	txBytes int
	units   int
	dirty   bool
}

func (r *replay) run(ctx context.Context) error {
	if err := r.restoreSession(ctx, r.p.Session); err != nil {
		return err
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		now := r.c.now()
		if r.inTx && (!now.Before(r.deadline) || r.txBytes >= r.c.opts.TxBytes || now.Sub(r.txStart) >= r.c.opts.TxInterval) {
			if err := r.commit(ctx); err != nil {
				return err
			}
		}
		if !r.inTx && (r.units >= r.chunks || !now.Before(r.deadline)) {
			break
		}

		stmt, err := r.reader.Next()
		if errors.Is(err, io.EOF) {
			if r.inTx {
				if err := r.commit(ctx); err != nil {
					return err
				}
			}
			r.p.Done = true
			r.dirty = true
			slog.Info("dump replayed", "jobId", r.job.ID, "statements", r.p.Statements,
				"inserts", r.p.Inserts, "tables", len(r.p.Map.Tables))
			break
		}
		if err != nil {
			return err
		}
		if err := r.apply(ctx, stmt); err != nil {
			return fmt.Errorf("statement at line %d: %w", stmt.Line, err)
		}
	}
	if r.dirty {
		return r.c.exec.Save(ctx, r.p)
	}
	return nil
}

// restoreSession registers session settings with the executor so they hold
// on this tick's connection and any reconnect
func (r *replay) restoreSession(ctx context.Context, session []string) error {
	stmts := append([]string{"SET FOREIGN_KEY_CHECKS=0"}, session...)
	if err := r.c.exec.SetSession(ctx, stmts); err != nil {
		return fmt.Errorf("failed to restore session settings: %w", err)
	}
	return nil
}

// mergeSession returns session with stmt appended. Earlier statements that
// only set variables stmt sets again are dropped.
func mergeSession(session []string, stmt string) []string {
	assigned := map[string]bool{}
	for _, v := range sqlscan.SessionVars(stmt) {
		assigned[v] = true
	}
	out := make([]string, 0, len(session)+1)
	for _, prev := range session {
		vars := sqlscan.SessionVars(prev)
		covered := len(vars) > 0
		for _, v := range vars {
			covered = covered && assigned[v]
		}
		if !covered {
			out = append(out, prev)
		}
	}
	return append(out, stmt)
}

func (r *replay) commit(ctx context.Context) error {
	r.p.Transactions++
	if err := r.c.exec.Commit(ctx, r.p); err != nil {
		return err
	}
	r.inTx = false
	r.txBytes = 0
	r.units++
	r.dirty = false
	return nil
}

func (r *replay) advance(stmt sqlscan.Statement) {
	r.p.Offset = stmt.End
	r.dirty = true
}

func (r *replay) skip(stmt sqlscan.Statement) {
	r.p.Skipped++
	r.advance(stmt)
}

// check applies the safety filter unless the operator disabled it
func (r *replay) check(sql string) error {
	err := sqlscan.Filter{}.Check(sql)
	if err == nil {
		return nil
	}
	if r.job.SkipFilter {
		slog.Warn("safety filter bypassed", "jobId", r.job.ID, "reason", err.Error())
		return nil
	}
	metrics.StatementsRejected.Inc()
	return err
}

func (r *replay) apply(ctx context.Context, stmt sqlscan.Statement) error {
	sql, _ := sqlscan.UnwrapVersioned(stmt.SQL)
	kind := sqlscan.Classify(sql)

	switch kind {
	case sqlscan.KindInsert:
		return r.insert(ctx, sql, stmt)
	case sqlscan.KindControl:
		if sqlscan.IsTransactionControl(sql) {
			r.skip(stmt)
			return nil
		}
		if err := r.check(sql); err != nil {
			return err
		}
		session := mergeSession(r.p.Session, sql)
		if err := r.restoreSession(ctx, session); err != nil {
			return err
		}
		r.p.Session = session
		r.p.Statements++
		r.advance(stmt)
		metrics.StatementsReplayed.WithLabelValues(kind.String()).Inc()
		return nil
	case sqlscan.KindLock:
		// table locks would block the checkpoint writes; names are still vetted
		if err := r.check(sql); err != nil {
			return err
		}
		if _, err := r.rewriter.Rewrite(sql); err != nil {
			return err
		}
		r.skip(stmt)
		return nil
	}
	return r.ddl(ctx, sql, kind, stmt)
}

func (r *replay) insert(ctx context.Context, sql string, stmt sqlscan.Statement) error {
	rw, err := r.rewriter.Rewrite(sql)
	if err != nil {
		return err
	}
	if rw.Internal {
		r.skip(stmt)
		return nil
	}
	if len(rw.Tables) == 0 {
		// nothing was pointed at a shadow table, so it would hit live data
		metrics.StatementsRejected.Inc()
		return &sqlscan.SecurityError{Statement: sql, Reason: "insert target not recognized"}
	}
	if !r.inTx {
		if err := r.c.exec.Begin(ctx); err != nil {
			return err
		}
		r.inTx = true
		r.txStart = r.c.now()
	}

	parts := []string{rw.SQL}
	if len(rw.SQL) > r.c.opts.SplitThreshold {
		if ins, err := sqlscan.ParseInsert(rw.SQL); err == nil {
			rows := sqldump.RowsForBytes(ins.AvgTupleLen(), r.c.opts.SubBatchBytes, 1, r.c.opts.MaxSubBatch)
			parts = ins.Batches(rows)
		}
	}
	for _, part := range parts {
		if err := r.c.exec.Exec(ctx, part); err != nil {
			return err
		}
	}
	r.txBytes += len(rw.SQL)
	r.p.Inserts++
	r.p.Statements++
	r.advance(stmt)
	metrics.StatementsReplayed.WithLabelValues("insert").Inc()
	return nil
}

// ddl runs a statement that implicitly commits, so any open transaction is
// committed first and the checkpoint is saved right after
func (r *replay) ddl(ctx context.Context, sql string, kind sqlscan.Kind, stmt sqlscan.Statement) error {
	if err := r.check(sql); err != nil {
		return err
	}
	rw, err := r.rewriter.Rewrite(sql)
	if err != nil {
		return err
	}
	if rw.Internal {
		r.skip(stmt)
		return nil
	}
	if r.inTx {
		if err := r.commit(ctx); err != nil {
			return err
		}
	}

	switch {
	case kind == sqlscan.KindCreate && len(rw.Tables) > 0:
		shadow := r.p.Map.Assign(rw.Tables[0])
		split, err := sqlscan.SplitCreateTable(rw.SQL)
		if err != nil {
			return err
		}
		// a resumed tick may find the table already created
		if err := r.c.exec.Exec(ctx, "DROP TABLE IF EXISTS "+sqldump.QuoteIdent(shadow)); err != nil {
			return err
		}
		if err := r.c.exec.Exec(ctx, split.SQL); err != nil {
			return err
		}
		if len(split.Deferred) > 0 {
			r.p.Deferred[shadow] = split.Deferred
		} else {
			delete(r.p.Deferred, shadow)
		}
		delete(r.p.Indexed, shadow)
	case kind == sqlscan.KindAlter:
		if err := r.c.exec.Exec(ctx, rw.SQL); err != nil {
			if !repeatableDDL(err) {
				return err
			}
			slog.Debug("alter already applied", "jobId", r.job.ID, "error", err)
		}
	default:
		if kind == sqlscan.KindOther {
			slog.Warn("executing unclassified statement", "jobId", r.job.ID, "line", stmt.Line)
		}
		if err := r.c.exec.Exec(ctx, rw.SQL); err != nil {
			return err
		}
	}

	r.p.Statements++
	r.advance(stmt)
	if err := r.c.exec.Save(ctx, r.p); err != nil {
		return err
	}
	r.dirty = false
	r.units++
	metrics.StatementsReplayed.WithLabelValues(kind.String()).Inc()
	return nil
}

// repeatableDDL reports errors from re-running an ALTER that already applied
func repeatableDDL(err error) bool {
	switch mysqlCode(err) {
	case errDupFieldName, errDupKeyName, errCantDropKey:
		return true
	}
	return false
}

// BuildIndexes adds the deferred secondary indexes, one table per unit
func (c *Consumer) BuildIndexes(ctx context.Context, job *Job, b budget.Budget) (bool, error) {
	p, err := c.progress(ctx, job)
	if err != nil {
		return false, err
	}
	deadline := c.now().Add(b.TimeBox)

	var pending []string
	for shadow := range p.Deferred {
		if !p.Indexed[shadow] {
			pending = append(pending, shadow)
		}
	}
	sort.Strings(pending)

	built := 0
	for _, shadow := range pending {
		if built >= b.ChunksPerTick || !c.now().Before(deadline) {
			break
		}
		if err := ctx.Err(); err != nil {
			return false, err
		}
		start := c.now()
		for _, alter := range sqlscan.IndexAlters(shadow, p.Deferred[shadow]) {
			// a rerun finds the statements that already went through
			if err := c.exec.Exec(ctx, alter); err != nil && mysqlCode(err) != errDupKeyName {
				return false, fmt.Errorf("failed to build indexes on %s: %w", shadow, err)
			}
		}
		p.Indexed[shadow] = true
		if err := c.exec.Save(ctx, p); err != nil {
			return false, err
		}
		built++
		slog.Info("indexes built", "jobId", job.ID, "table", shadow,
			"indexes", len(p.Deferred[shadow]), "duration", c.now().Sub(start))
	}
	job.Progress = *p
	return built == len(pending), nil
}
