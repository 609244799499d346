package orchestrator

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/controlplane-com/dbmaint/pkg/agent/backup"
	"github.com/controlplane-com/dbmaint/pkg/agent/budget"
	"github.com/controlplane-com/dbmaint/pkg/agent/restore"
	"github.com/controlplane-com/dbmaint/pkg/agent/statestore"
	"github.com/controlplane-com/dbmaint/pkg/agent/swap"
	"github.com/controlplane-com/dbmaint/pkg/sqldump"
	"github.com/controlplane-com/dbmaint/pkg/sqlscan"
)

// flakyDurable fails the next acquireErrs lock acquisitions
type flakyDurable struct {
	statestore.Durable
	mu          sync.Mutex
	acquireErrs int
}

func (d *flakyDurable) failAcquire(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.acquireErrs = n
}

func (d *flakyDurable) Acquire(ctx context.Context, key string, value []byte, expiresAt time.Time) (bool, error) {
	d.mu.Lock()
	if d.acquireErrs > 0 {
		d.acquireErrs--
		d.mu.Unlock()
		return false, errors.New("state table unavailable")
	}
	d.mu.Unlock()
	return d.Durable.Acquire(ctx, key, value, expiresAt)
}

// optionsSource is a live database holding one keyed table
type optionsSource struct {
	rows    int
	panicky bool
}

func (s *optionsSource) Database() string { return "wp" }

func (s *optionsSource) Tables(ctx context.Context) ([]string, error) {
	return []string{"wp_options"}, nil
}

func (s *optionsSource) Describe(ctx context.Context, table string) (backup.TableInfo, error) {
	return backup.TableInfo{Name: table, Key: "option_id", Columns: []backup.Column{
		{Name: "option_id", DataType: "bigint", Kind: sqldump.KindOf("bigint")},
		{Name: "option_value", DataType: "longtext", Kind: sqldump.KindOf("longtext")},
	}}, nil
}

func (s *optionsSource) CreateStatement(ctx context.Context, table string) (string, error) {
	return "CREATE TABLE `" + table + "` (\n  `option_id` bigint NOT NULL,\n  `option_value` longtext,\n" +
		"  PRIMARY KEY (`option_id`)\n) ENGINE=InnoDB", nil
}

func (s *optionsSource) Rows(ctx context.Context, q backup.RowQuery) ([][]any, error) {
	if s.panicky {
		panic("source exploded")
	}
	start := 0
	if q.HasAfter {
		start, _ = strconv.Atoi(q.After)
	}
	var out [][]any
	for i := start + 1; i <= s.rows && len(out) < q.Limit; i++ {
		out = append(out, []any{[]byte(strconv.Itoa(i)), []byte("value " + strconv.Itoa(i))})
	}
	return out, nil
}

// nopExecutor accepts every statement and keeps checkpoints in memory
type nopExecutor struct {
	mu    sync.Mutex
	stmts int
	cps   map[string][]byte
}

func newNopExecutor() *nopExecutor { return &nopExecutor{cps: map[string][]byte{}} }

func (e *nopExecutor) Begin(ctx context.Context) error { return nil }

func (e *nopExecutor) Exec(ctx context.Context, stmt string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stmts++
	return nil
}

func (e *nopExecutor) SetSession(ctx context.Context, stmts []string) error { return nil }

func (e *nopExecutor) Commit(ctx context.Context, p *restore.Progress) error {
	return e.Save(ctx, p)
}

func (e *nopExecutor) Rollback() error { return nil }

func (e *nopExecutor) Save(ctx context.Context, p *restore.Progress) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cps[p.JobID] = data
	return nil
}

func (e *nopExecutor) Load(ctx context.Context, jobID string) (*restore.Progress, bool, error) {
	e.mu.Lock()
	data, ok := e.cps[jobID]
	e.mu.Unlock()
	if !ok {
		return nil, false, nil
	}
	var p restore.Progress
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, false, err
	}
	return &p, true, nil
}

func (e *nopExecutor) Clear(ctx context.Context, jobID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.cps, jobID)
	return nil
}

// fakeSwap plays both the cutover and the rollback controller
type fakeSwap struct {
	mu      sync.Mutex
	plan    *swap.Plan
	live    map[string]bool
	dropped []string

	verifyErr error
	// swapErr is returned after the plan has been recorded
	swapErr     error
	rollbackErr []error
	rollbacks   int
	finalized   bool
}

func (f *fakeSwap) CheckTables(names []string) error { return nil }

func (f *fakeSwap) Verify(ctx context.Context, m *sqlscan.RewriteMap) error {
	if f.verifyErr != nil {
		return f.verifyErr
	}
	return nil
}

func (f *fakeSwap) Swap(ctx context.Context, restoreID string, m *sqlscan.RewriteMap) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.plan = &swap.Plan{RestoreID: restoreID}
	for _, name := range m.Originals() {
		f.plan.Entries = append(f.plan.Entries, swap.Entry{Original: name, Shadow: m.Tables[name]})
	}
	if f.swapErr != nil {
		return f.swapErr
	}
	f.live = map[string]bool{}
	for _, e := range f.plan.Entries {
		f.live[e.Original] = true
	}
	return nil
}

func (f *fakeSwap) Finalize(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.plan = nil
	f.finalized = true
	return nil
}

func (f *fakeSwap) LoadPlan(ctx context.Context) (*swap.Plan, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.plan == nil {
		return nil, false, nil
	}
	p := *f.plan
	return &p, true, nil
}

func (f *fakeSwap) Rollback(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rollbacks++
	if n := f.rollbacks - 1; n < len(f.rollbackErr) && f.rollbackErr[n] != nil {
		return false, f.rollbackErr[n]
	}
	if f.plan == nil {
		return false, nil
	}
	f.plan = nil
	return true, nil
}

func (f *fakeSwap) DropShadows(ctx context.Context, m *sqlscan.RewriteMap) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, name := range m.Originals() {
		f.dropped = append(f.dropped, m.Tables[name])
	}
	sort.Strings(f.dropped)
	return nil
}

type fixedBudget struct{ b budget.Budget }

func (f fixedBudget) Budget() budget.Budget { return f.b }

var (
	errRollback = errors.New("rename failed")

	_ backup.Source    = (*optionsSource)(nil)
	_ restore.Executor = (*nopExecutor)(nil)
	_ restore.Cutover  = (*fakeSwap)(nil)
	_ Rollbacker       = (*fakeSwap)(nil)
)
