package backup

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/pgzip"
	"github.com/spf13/afero"

	"github.com/controlplane-com/dbmaint/pkg/agent/budget"
	"github.com/controlplane-com/dbmaint/pkg/agent/statestore"
	"github.com/controlplane-com/dbmaint/pkg/shared/fs"
	"github.com/controlplane-com/dbmaint/pkg/shared/types"
	"github.com/controlplane-com/dbmaint/pkg/sqldump"
)

const backupDir = "/data/backups"

type fakeTable struct {
	info TableInfo
	rows [][]any
}

// fakeSource serves generated rows and can fail chosen Rows calls
type fakeSource struct {
	tables map[string]*fakeTable
	extra  []string // listed but never described
	calls  int
	failOn map[int]bool
	fail   bool
	gone   map[string]bool
}

func (s *fakeSource) Database() string { return "wp" }

func (s *fakeSource) Tables(ctx context.Context) ([]string, error) {
	names := append([]string(nil), s.extra...)
	for name := range s.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *fakeSource) Describe(ctx context.Context, table string) (TableInfo, error) {
	if s.gone[table] {
		return TableInfo{}, fmt.Errorf("%w: %s", ErrTableGone, table)
	}
	t, ok := s.tables[table]
	if !ok {
		return TableInfo{}, fmt.Errorf("unexpected describe of %s", table)
	}
	return t.info, nil
}

func (s *fakeSource) CreateStatement(ctx context.Context, table string) (string, error) {
	return "CREATE TABLE `" + table + "` (\n  `id` bigint NOT NULL,\n  `name` varchar(64)\n)", nil
}

func (s *fakeSource) Rows(ctx context.Context, q RowQuery) ([][]any, error) {
	s.calls++
	if s.fail || s.failOn[s.calls] {
		return nil, errors.New("connection reset by peer")
	}
	t := s.tables[q.Table.Name]
	var out [][]any
	if q.Table.Key != "" {
		after := int64(-1)
		if q.HasAfter {
			after, _ = strconv.ParseInt(q.After, 10, 64)
		}
		for _, r := range t.rows {
			id, _ := strconv.ParseInt(string(r[0].([]byte)), 10, 64)
			if id > after {
				out = append(out, r)
			}
			if len(out) == q.Limit {
				break
			}
		}
		return out, nil
	}
	start := int(q.Offset)
	if start > len(t.rows) {
		start = len(t.rows)
	}
	end := start + q.Limit
	if end > len(t.rows) {
		end = len(t.rows)
	}
	return t.rows[start:end], nil
}

func genTable(name string, n int, keyset bool) *fakeTable {
	info := TableInfo{
		Name: name,
		Columns: []Column{
			{Name: "id", DataType: "bigint", Kind: sqldump.KindNumeric},
			{Name: "name", DataType: "varchar", Kind: sqldump.KindString},
		},
	}
	if keyset {
		info.Key = "id"
	}
	t := &fakeTable{info: info}
	for i := 1; i <= n; i++ {
		var name any = []byte(fmt.Sprintf("row %d it's", i))
		if i%97 == 0 {
			name = nil
		}
		t.rows = append(t.rows, []any{[]byte(strconv.Itoa(i)), name})
	}
	return t
}

func scenarioSource() *fakeSource {
	return &fakeSource{
		tables: map[string]*fakeTable{
			"wp_big":   genTable("wp_big", 9400, true),
			"wp_mid":   genTable("wp_mid", 450, true),
			"wp_small": genTable("wp_small", 150, false),
		},
		extra: []string{"dbmaint_checkpoints", "_sabc123_wp_posts"},
	}
}

type harness struct {
	files   *fs.Sandbox
	durable *statestore.MemoryDurable
	store   *statestore.Store
	clock   time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	files := fs.New(afero.NewMemMapFs(), backupDir)
	if err := files.MkdirAll(); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	durable := statestore.NewMemoryDurable()
	return &harness{
		files:   files,
		durable: durable,
		store:   statestore.New(statestore.NewMemoryCache(), durable),
		clock:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (h *harness) producer(src Source) *Producer {
	p := NewProducer(src, h.store, h.files, backupDir, Options{TablePrefix: "dbmaint_"})
	p.now = func() time.Time { return h.clock }
	return p
}

var testBudget = budget.Budget{ChunksPerTick: 5, TimeBox: time.Minute}

func runToCompletion(t *testing.T, p *Producer, job *Job) int {
	t.Helper()
	for i := 1; i <= 100; i++ {
		done, err := p.Tick(context.Background(), job, testBudget)
		if err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
		if done {
			return i
		}
	}
	t.Fatal("backup did not finish in 100 ticks")
	return 0
}

func readDump(t *testing.T, files *fs.Sandbox, path string) (string, []byte) {
	t.Helper()
	raw, err := files.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	gz, err := pgzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("gzip: %v", err)
	}
	text, err := io.ReadAll(gz)
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	return string(text), raw
}

func TestProducer_Scenario(t *testing.T) {
	h := newHarness(t)
	p := h.producer(scenarioSource())
	ctx := context.Background()

	job, err := p.Start(ctx, "nightly", false)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !strings.HasPrefix(job.File, "backup-wp-20260301-120000-") || !strings.HasSuffix(job.File, ".sql.gz") {
		t.Errorf("unexpected file name %q", job.File)
	}

	ticks := runToCompletion(t, p, job)
	// 19 chunks for wp_big, one each for wp_mid and wp_small, five per tick
	if ticks != 5 {
		t.Errorf("ticks = %d, want 5", ticks)
	}
	if job.Chunks != 21 {
		t.Errorf("chunks = %d, want 21", job.Chunks)
	}
	if job.Rows != 10000 {
		t.Errorf("rows = %d, want 10000", job.Rows)
	}
	if job.Status != types.JobStatusDone {
		t.Errorf("status = %s", job.Status)
	}

	text, raw := readDump(t, h.files, job.Path)
	if got := strings.Count(text, "INSERT INTO `wp_big` VALUES "); got != 19 {
		t.Errorf("wp_big INSERT statements = %d, want 19", got)
	}
	if got := strings.Count(text, "INSERT INTO `wp_small` VALUES "); got != 1 {
		t.Errorf("wp_small INSERT statements = %d, want 1", got)
	}
	for _, excluded := range []string{"dbmaint_checkpoints", "_sabc123_wp_posts"} {
		if strings.Contains(text, excluded) {
			t.Errorf("dump contains engine table %s", excluded)
		}
	}
	for _, want := range []string{
		"DROP TABLE IF EXISTS `wp_big`;\n",
		"(97,NULL)",
		"'row 1 it\\'s'",
		"-- Dump completed",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("dump missing %q", want)
		}
	}
	if !strings.HasPrefix(text, "-- ") {
		t.Errorf("dump does not start with header comment")
	}

	sum := sha256.Sum256(raw)
	if job.SHA256 != hex.EncodeToString(sum[:]) {
		t.Errorf("checksum %s does not match file %x", job.SHA256, sum)
	}
	if job.BytesWritten != int64(len(raw)) {
		t.Errorf("BytesWritten = %d, file has %d", job.BytesWritten, len(raw))
	}

	var meta types.ArtifactMeta
	found, err := h.store.Get(ctx, ArtifactKey(job.File), &meta)
	if err != nil || !found {
		t.Fatalf("artifact metadata missing: %v", err)
	}
	if meta.Size != int64(len(raw)) || meta.SHA256 != job.SHA256 || meta.Label != "nightly" || meta.Generator != sqldump.Generator {
		t.Errorf("unexpected metadata %+v", meta)
	}

	st, err := h.files.Stat(job.Path)
	if err != nil {
		t.Fatal(err)
	}
	if st.Mode().Perm() != 0600 {
		t.Errorf("artifact mode = %v, want 0600", st.Mode().Perm())
	}

	if _, found, _ := p.Load(ctx, job.ID); found {
		t.Error("job state kept after completion")
	}
}

func TestProducer_ResumeAcrossProcesses(t *testing.T) {
	ctx := context.Background()

	base := newHarness(t)
	bp := base.producer(scenarioSource())
	baseJob, err := bp.Start(ctx, "", false)
	if err != nil {
		t.Fatal(err)
	}
	runToCompletion(t, bp, baseJob)
	want, _ := readDump(t, base.files, baseJob.Path)

	h := newHarness(t)
	src := scenarioSource()
	job, err := h.producer(src).Start(ctx, "", false)
	if err != nil {
		t.Fatal(err)
	}
	id := job.ID
	var path string
	for i := 0; i < 20; i++ {
		// every tick starts from a fresh producer and only durable state
		h.store.ResetLocal()
		p := h.producer(src)
		loaded, found, err := p.Load(ctx, id)
		if err != nil || !found {
			t.Fatalf("tick %d: load: found=%v err=%v", i, found, err)
		}
		done, err := p.Tick(ctx, loaded, testBudget)
		if err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
		if done {
			path = loaded.Path
			break
		}
	}
	if path == "" {
		t.Fatal("resumed backup did not finish")
	}
	got, _ := readDump(t, h.files, path)
	if got != want {
		t.Error("resumed dump differs from uninterrupted dump")
	}
}

func TestProducer_FailedTickIsRetried(t *testing.T) {
	ctx := context.Background()

	base := newHarness(t)
	bp := base.producer(scenarioSource())
	baseJob, _ := bp.Start(ctx, "", false)
	runToCompletion(t, bp, baseJob)
	want, _ := readDump(t, base.files, baseJob.Path)

	h := newHarness(t)
	src := scenarioSource()
	// the 8th read happens in the middle of the second tick
	src.failOn = map[int]bool{8: true}
	p := h.producer(src)
	job, _ := p.Start(ctx, "", false)

	if done, err := p.Tick(ctx, job, testBudget); done || err != nil {
		t.Fatalf("first tick: done=%v err=%v", done, err)
	}
	before := job.BytesWritten
	rows := job.Rows

	done, err := p.Tick(ctx, job, testBudget)
	if done || err != nil {
		t.Fatalf("failing tick: done=%v err=%v", done, err)
	}
	if job.Failures != 1 || job.Error == "" {
		t.Errorf("failures = %d, error = %q", job.Failures, job.Error)
	}
	if job.BytesWritten != before || job.Rows != rows {
		t.Errorf("failed tick advanced the job")
	}
	if st, _ := h.files.Stat(job.Path); st.Size() <= before {
		t.Skip("failed tick left no partial bytes to truncate")
	}

	runToCompletion(t, p, job)
	if job.Failures != 0 {
		t.Errorf("failures not reset after success: %d", job.Failures)
	}
	got, raw := readDump(t, h.files, job.Path)
	if got != want {
		t.Error("dump after retry differs from uninterrupted dump")
	}
	sum := sha256.Sum256(raw)
	if job.SHA256 != hex.EncodeToString(sum[:]) {
		t.Error("checksum does not match file after truncation")
	}
}

func TestProducer_FatalAfterRepeatedFailures(t *testing.T) {
	h := newHarness(t)
	src := scenarioSource()
	src.fail = true
	p := h.producer(src)
	ctx := context.Background()
	job, _ := p.Start(ctx, "", true)
	if !strings.HasPrefix(job.File, "safety-wp-") {
		t.Errorf("safety backup file name %q", job.File)
	}

	for i := 1; i < maxConsecutiveFailures; i++ {
		if done, err := p.Tick(ctx, job, testBudget); done || err != nil {
			t.Fatalf("tick %d: done=%v err=%v", i, done, err)
		}
	}
	if _, err := p.Tick(ctx, job, testBudget); err == nil {
		t.Fatal("expected fatal error on third failure")
	}
	if job.Status != types.JobStatusError {
		t.Errorf("status = %s", job.Status)
	}
	if h.files.Exists(job.Path) {
		t.Error("partial backup not removed")
	}
	loaded, found, err := p.Load(ctx, job.ID)
	if err != nil || !found || loaded.Status != types.JobStatusError {
		t.Errorf("persisted job: found=%v err=%v", found, err)
	}
	if _, err := p.Tick(ctx, job, testBudget); err == nil {
		t.Error("failed job ticked again without error")
	}
}

func TestProducer_SkipsVanishedTable(t *testing.T) {
	h := newHarness(t)
	src := scenarioSource()
	src.gone = map[string]bool{"wp_mid": true}
	p := h.producer(src)
	job, _ := p.Start(context.Background(), "", false)
	runToCompletion(t, p, job)

	text, _ := readDump(t, h.files, job.Path)
	if strings.Contains(text, "wp_mid") {
		t.Error("vanished table present in dump")
	}
	if job.Rows != 9550 {
		t.Errorf("rows = %d, want 9550", job.Rows)
	}
}

func TestProducer_GeneratedColumns(t *testing.T) {
	h := newHarness(t)
	orders := genTable("wp_orders", 3, true)
	orders.info.Generated = []string{"total"}
	src := &fakeSource{tables: map[string]*fakeTable{
		"wp_orders": orders,
		"wp_small":  genTable("wp_small", 2, false),
	}}
	p := h.producer(src)
	job, _ := p.Start(context.Background(), "", false)
	runToCompletion(t, p, job)

	text, _ := readDump(t, h.files, job.Path)
	if !strings.Contains(text, "INSERT INTO `wp_orders` (`id`,`name`) VALUES (1,") {
		t.Errorf("insert without column list for a table with generated columns:\n%s", text)
	}
	if !strings.Contains(text, "INSERT INTO `wp_small` VALUES (1,") {
		t.Errorf("column list added for a plain table:\n%s", text)
	}
}

func TestProducer_BatchSize(t *testing.T) {
	p := NewProducer(nil, nil, nil, "", Options{})
	tests := []struct {
		name string
		info TableInfo
		want int
	}{
		{"keyset unknown average", TableInfo{Key: "id"}, 500},
		{"offset unknown average", TableInfo{}, 200},
		{"wide rows", TableInfo{Key: "id", AvgRowLength: 64 << 10}, 32},
		{"huge rows floor", TableInfo{Key: "id", AvgRowLength: 4 << 20}, 10},
		{"narrow rows cap", TableInfo{Key: "id", AvgRowLength: 100}, 500},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.batchSize(&tt.info); got != tt.want {
				t.Errorf("batchSize = %d, want %d", got, tt.want)
			}
		})
	}
}
