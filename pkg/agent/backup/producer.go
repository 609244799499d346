package backup

import (
	"context"
	"crypto/sha256"
	"encoding"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/pgzip"
	"github.com/spf13/afero"

	"github.com/controlplane-com/dbmaint/pkg/agent/budget"
	"github.com/controlplane-com/dbmaint/pkg/agent/metrics"
	"github.com/controlplane-com/dbmaint/pkg/agent/statestore"
	"github.com/controlplane-com/dbmaint/pkg/shared/fs"
	"github.com/controlplane-com/dbmaint/pkg/shared/types"
	"github.com/controlplane-com/dbmaint/pkg/sqldump"
	"github.com/controlplane-com/dbmaint/pkg/sqlscan"
)

const maxConsecutiveFailures = 3

// Options tune the producer. Zero values take defaults.
type Options struct {
	ReadTarget     int64 // row bytes per read
	MinBatch       int
	MaxKeysetBatch int
	MaxOffsetBatch int
	FlushBytes     int
	FlushRows      int
	PressureEvery  int // rows between memory checks
	MemoryLimit    uint64
	StateTTL       time.Duration
	// TablePrefix marks engine tables, which are never dumped
	TablePrefix string
}

func (o Options) withDefaults() Options {
	if o.ReadTarget <= 0 {
		o.ReadTarget = 2 << 20
	}
	if o.MinBatch <= 0 {
		o.MinBatch = 10
	}
	if o.MaxKeysetBatch <= 0 {
		o.MaxKeysetBatch = 500
	}
	if o.MaxOffsetBatch <= 0 {
		o.MaxOffsetBatch = 200
	}
	if o.FlushBytes <= 0 {
		o.FlushBytes = 2 << 20
	}
	if o.FlushRows <= 0 {
		o.FlushRows = 500
	}
	if o.PressureEvery <= 0 {
		o.PressureEvery = 1000
	}
	if o.StateTTL <= 0 {
		o.StateTTL = 7 * 24 * time.Hour
	}
	return o
}

// Producer dumps the source database into a gzip-compressed SQL artifact a
// few chunks at a time.
type Producer struct {
	source Source
	store  *statestore.Store
	files  *fs.Sandbox
	dir    string
	opts   Options
	now    func() time.Time
}

func NewProducer(source Source, store *statestore.Store, files *fs.Sandbox, dir string, opts Options) *Producer {
	return &Producer{
		source: source,
		store:  store,
		files:  files,
		dir:    dir,
		opts:   opts.withDefaults(),
		now:    time.Now,
	}
}

// Start creates and persists a new job. No data is read until the first tick.
func (p *Producer) Start(ctx context.Context, label string, safety bool) (*Job, error) {
	id := uuid.New().String()
	now := p.now()

	kind := "backup"
	if safety {
		kind = "safety"
	}
	file := fmt.Sprintf("%s-%s-%s-%s.sql.gz", kind, p.source.Database(), now.UTC().Format("20060102-150405"), id[:8])
	path, err := p.files.Join(p.dir, file)
	if err != nil {
		return nil, err
	}

	job := &Job{
		ID:        id,
		Label:     label,
		Safety:    safety,
		File:      file,
		Path:      path,
		Database:  p.source.Database(),
		Phase:     PhaseInit,
		Status:    types.JobStatusRunning,
		StartedAt: now.Unix(),
	}
	if err := p.save(ctx, job); err != nil {
		return nil, err
	}
	slog.Info("backup job created", "jobId", id, "file", file, "safety", safety)
	return job, nil
}

// Load reads a job from the state store
func (p *Producer) Load(ctx context.Context, id string) (*Job, bool, error) {
	var job Job
	found, err := p.store.Get(ctx, StateKey(id), &job)
	if err != nil || !found {
		return nil, found, err
	}
	return &job, true, nil
}

func (p *Producer) save(ctx context.Context, job *Job) error {
	job.UpdatedAt = p.now().Unix()
	if err := p.store.Set(ctx, StateKey(job.ID), job, p.opts.StateTTL); err != nil {
		return fmt.Errorf("failed to persist backup job %s: %w", job.ID, err)
	}
	return nil
}

// Tick advances job by at most b.ChunksPerTick data chunks within b.TimeBox.
// It returns true once the artifact is complete. A returned error means the
// job failed for good; transient failures are retried by later ticks from
// the last persisted state.
func (p *Producer) Tick(ctx context.Context, job *Job, b budget.Budget) (bool, error) {
	switch job.Status {
	case types.JobStatusDone:
		return true, nil
	case types.JobStatusError:
		return false, errors.New(job.Error)
	}

	work := *job
	work.Ticks++
	err := p.tick(ctx, &work, b)
	if err != nil {
		job.Failures++
		job.Error = err.Error()
		if job.Failures >= maxConsecutiveFailures {
			return false, p.fail(ctx, job, err)
		}
		slog.Warn("backup tick failed, will resume from last checkpoint",
			"jobId", job.ID, "failures", job.Failures, "error", err)
		return false, p.save(ctx, job)
	}

	work.Failures = 0
	work.Error = ""
	*job = work
	if job.Phase != PhaseDone {
		return false, p.save(ctx, job)
	}

	job.Status = types.JobStatusDone
	job.CompletedAt = p.now().Unix()
	if err := p.store.Delete(ctx, StateKey(job.ID)); err != nil {
		slog.Warn("failed to delete finished backup state", "jobId", job.ID, "error", err)
	}
	slog.Info("backup job finished", "jobId", job.ID, "file", job.File, "rows", job.Rows,
		"size", job.BytesWritten, "ticks", job.Ticks)
	return true, nil
}

// Abort ends a job that can no longer be ticked, e.g. after its tick crashed
func (p *Producer) Abort(ctx context.Context, job *Job, cause error) error {
	if job.Status != types.JobStatusRunning {
		return nil
	}
	job.Error = cause.Error()
	return p.fail(ctx, job, cause)
}

func (p *Producer) fail(ctx context.Context, job *Job, cause error) error {
	job.Status = types.JobStatusError
	job.CompletedAt = p.now().Unix()
	if err := p.files.Remove(job.Path); err != nil {
		slog.Warn("failed to remove partial backup", "jobId", job.ID, "path", job.Path, "error", err)
	}
	slog.Error("backup job failed", "jobId", job.ID, "error", cause)
	if err := p.save(ctx, job); err != nil {
		return err
	}
	return fmt.Errorf("backup %s failed: %w", job.ID, cause)
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(b []byte) (int, error) {
	n, err := c.w.Write(b)
	c.n += int64(n)
	return n, err
}

// openOutput opens the artifact positioned at the last durable length and
// restores the running checksum
func (p *Producer) openOutput(job *Job) (afero.File, hash.Hash, error) {
	f, err := p.files.OpenFile(job.Path, os.O_CREATE|os.O_RDWR, 0640)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open backup file: %w", err)
	}
	if err := f.Truncate(job.BytesWritten); err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("failed to truncate backup file: %w", err)
	}
	if _, err := f.Seek(job.BytesWritten, io.SeekStart); err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("failed to seek backup file: %w", err)
	}

	h := sha256.New()
	if job.BytesWritten > 0 {
		if err := h.(encoding.BinaryUnmarshaler).UnmarshalBinary(job.HashState); err != nil {
			f.Close()
			return nil, nil, fmt.Errorf("failed to restore checksum state: %w", err)
		}
	}
	return f, h, nil
}

func (p *Producer) tick(ctx context.Context, job *Job, b budget.Budget) error {
	deadline := p.now().Add(b.TimeBox)

	f, h, err := p.openOutput(job)
	if err != nil {
		return err
	}
	out := &countingWriter{w: io.MultiWriter(f, h)}
	gz := pgzip.NewWriter(out)
	finished := false
	defer func() {
		if !finished {
			gz.Close()
			f.Close()
		}
	}()

	chunks := 0
	for job.Phase != PhaseDone {
		if !p.now().Before(deadline) {
			break
		}
		if job.Phase == PhaseData && chunks >= b.ChunksPerTick {
			break
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		switch job.Phase {
		case PhaseInit:
			err = p.writeHeader(ctx, job, gz)
		case PhaseTables:
			err = p.writeSchema(ctx, job, gz)
		case PhaseData:
			err = p.writeChunk(ctx, job, gz)
			chunks++
		case PhaseFooter:
			if _, err = io.WriteString(gz, sqldump.Footer()); err == nil {
				job.Phase = PhaseDone
			}
		default:
			err = fmt.Errorf("unknown backup phase %q", job.Phase)
		}
		if err != nil {
			return err
		}
	}

	finished = true
	if err := gz.Close(); err != nil {
		f.Close()
		return fmt.Errorf("failed to finish compressed stream: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync backup file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close backup file: %w", err)
	}

	state, err := h.(encoding.BinaryMarshaler).MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to save checksum state: %w", err)
	}
	job.BytesWritten += out.n
	job.HashState = state
	metrics.BackupBytes.Add(float64(out.n))

	if job.Phase == PhaseDone {
		job.SHA256 = hex.EncodeToString(h.Sum(nil))
		return p.publish(ctx, job)
	}
	return nil
}

func (p *Producer) writeHeader(ctx context.Context, job *Job, w io.Writer) error {
	tables, err := p.source.Tables(ctx)
	if err != nil {
		return err
	}
	job.Tables = nil
	for _, t := range tables {
		if sqlscan.IsEngineTable(t, p.opts.TablePrefix) {
			continue
		}
		job.Tables = append(job.Tables, t)
	}
	header := sqldump.Header(sqldump.HeaderInfo{
		Database:  job.Database,
		CreatedAt: time.Unix(job.StartedAt, 0),
	})
	if _, err := io.WriteString(w, header); err != nil {
		return err
	}
	job.Phase = PhaseTables
	return nil
}

func (p *Producer) writeSchema(ctx context.Context, job *Job, w io.Writer) error {
	if job.TableIndex >= len(job.Tables) {
		job.Table = nil
		job.Phase = PhaseFooter
		return nil
	}
	name := job.Tables[job.TableIndex]

	info, err := p.source.Describe(ctx, name)
	if errors.Is(err, ErrTableGone) {
		slog.Warn("table disappeared during backup, skipping", "jobId", job.ID, "table", name)
		job.TableIndex++
		return nil
	}
	if err != nil {
		return err
	}
	create, err := p.source.CreateStatement(ctx, name)
	if err != nil {
		return err
	}

	text := sqldump.TableBanner(name) + sqldump.DropTable(name) + sqldump.CreateTable(create)
	if _, err := io.WriteString(w, text); err != nil {
		return err
	}

	job.Table = &info
	job.Cursor, job.HasCursor, job.Offset, job.TableRows = "", false, 0, 0
	job.Phase = PhaseData
	return nil
}

// batchSize applies the shared sizing policy; offset pages are kept smaller
func (p *Producer) batchSize(t *TableInfo) int {
	hi := p.opts.MaxKeysetBatch
	if t.Key == "" {
		hi = p.opts.MaxOffsetBatch
	}
	return sqldump.RowsForBytes(t.AvgRowLength, p.opts.ReadTarget, p.opts.MinBatch, hi)
}

// writeChunk dumps one read batch of the current table
func (p *Producer) writeChunk(ctx context.Context, job *Job, w io.Writer) error {
	t := job.Table
	limit := p.batchSize(t)
	rows, err := p.source.Rows(ctx, RowQuery{
		Table:    *t,
		After:    job.Cursor,
		HasAfter: job.HasCursor,
		Offset:   job.Offset,
		Limit:    limit,
	})
	if err != nil {
		return err
	}

	var columns []string
	if len(t.Generated) > 0 {
		columns = t.ColumnNames()
	}
	ins := sqldump.NewInsertBuilder(t.Name, columns...)
	flush := func() error {
		stmt := ins.Flush()
		if stmt == "" {
			return nil
		}
		job.Inserts++
		_, err := io.WriteString(w, stmt)
		return err
	}

	for _, row := range rows {
		values := make([]string, len(row))
		for i, v := range row {
			kind := sqldump.KindString
			if i < len(t.Columns) {
				kind = t.Columns[i].Kind
			}
			values[i] = sqldump.FormatValue(v, kind)
		}
		ins.AddRow(values)
		job.Rows++

		pressure := job.Rows%int64(p.opts.PressureEvery) == 0 && budget.UnderPressure(p.opts.MemoryLimit)
		if pressure || ins.Size() >= p.opts.FlushBytes || ins.Len() >= p.opts.FlushRows {
			if err := flush(); err != nil {
				return err
			}
			if pressure {
				slog.Debug("memory pressure, flushed early", "jobId", job.ID, "table", t.Name)
				budget.Relieve()
			}
		}
	}
	if err := flush(); err != nil {
		return err
	}

	if k := t.KeyIndex(); k >= 0 && len(rows) > 0 {
		cursor, err := keyValue(rows[len(rows)-1][k])
		if err != nil {
			return fmt.Errorf("table %s: %w", t.Name, err)
		}
		job.Cursor, job.HasCursor = cursor, true
	}
	job.Offset += int64(len(rows))
	job.TableRows += int64(len(rows))
	job.Chunks++
	metrics.RowsDumped.Add(float64(len(rows)))

	if len(rows) < limit {
		slog.Debug("table dumped", "jobId", job.ID, "table", t.Name, "rows", job.TableRows)
		job.TableIndex++
		job.Table = nil
		job.Phase = PhaseTables
	}
	return nil
}

func keyValue(v any) (string, error) {
	switch k := v.(type) {
	case []byte:
		return string(k), nil
	case string:
		return k, nil
	case int64:
		return strconv.FormatInt(k, 10), nil
	case int:
		return strconv.Itoa(k), nil
	case nil:
		return "", errors.New("NULL key value")
	default:
		return fmt.Sprint(k), nil
	}
}

// publish verifies the finished file and records its metadata
func (p *Producer) publish(ctx context.Context, job *Job) error {
	st, err := p.files.Stat(job.Path)
	if err != nil {
		return err
	}
	if st.Size() != job.BytesWritten {
		return fmt.Errorf("backup file size %d does not match %d bytes written", st.Size(), job.BytesWritten)
	}
	if err := p.files.Chmod(job.Path, 0600); err != nil {
		return err
	}

	meta := types.ArtifactMeta{
		Filename:  job.File,
		Size:      job.BytesWritten,
		Database:  job.Database,
		CreatedAt: job.StartedAt,
		SHA256:    job.SHA256,
		Generator: sqldump.Generator,
		Label:     job.Label,
	}
	if err := p.store.Set(ctx, ArtifactKey(job.File), meta, 0); err != nil {
		return fmt.Errorf("failed to record artifact metadata: %w", err)
	}
	return nil
}
