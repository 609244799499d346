package restore

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/go-sql-driver/mysql"
	"github.com/goccy/go-json"

	"github.com/controlplane-com/dbmaint/pkg/sqlscan"
)

var (
	insertTarget = regexp.MustCompile("^(?:INSERT|REPLACE)(?:\\s+(?:LOW_PRIORITY|DELAYED|HIGH_PRIORITY|IGNORE|INTO))*\\s+`([^`]+)`")
	createTarget = regexp.MustCompile("^CREATE TABLE `([^`]+)`")
	dropTargets  = regexp.MustCompile("`([^`]+)`")
	alterTarget  = regexp.MustCompile("^ALTER TABLE `([^`]+)`")
)

// memExecutor is a tiny transactional table store. INSERT rows are kept as
// tuple text, which is all a dump round trip needs to compare.
type memExecutor struct {
	mu       sync.Mutex
	tables   map[string][]string
	creates  map[string]string
	alters   map[string][]string
	session  []string
	init     []string
	executed []string
	pending  []string
	inTx     bool
	cps      map[string][]byte

	// failExec returns an error for the n-th Exec call (1-based) when set
	failExec map[int]error
	execs    int
	// failSave fails the n-th Save call
	failSave map[int]error
	saves    int
}

func newMemExecutor() *memExecutor {
	return &memExecutor{
		tables:  map[string][]string{},
		creates: map[string]string{},
		alters:  map[string][]string{},
		cps:     map[string][]byte{},
	}
}

func (m *memExecutor) Begin(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inTx {
		return fmt.Errorf("transaction already open")
	}
	m.inTx = true
	return nil
}

func (m *memExecutor) Exec(ctx context.Context, stmt string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.execs++
	if err := m.failExec[m.execs]; err != nil {
		return err
	}
	if m.inTx && sqlscan.Classify(stmt) == sqlscan.KindInsert {
		m.pending = append(m.pending, stmt)
		return nil
	}
	return m.apply(stmt)
}

func (m *memExecutor) SetSession(ctx context.Context, stmts []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init = append([]string(nil), stmts...)
	for _, stmt := range stmts {
		if err := m.apply(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (m *memExecutor) apply(stmt string) error {
	m.executed = append(m.executed, stmt)
	switch sqlscan.Classify(stmt) {
	case sqlscan.KindInsert:
		name := insertTarget.FindStringSubmatch(stmt)[1]
		if _, ok := m.creates[name]; !ok {
			return &mysql.MySQLError{Number: 1146, Message: "Table '" + name + "' doesn't exist"}
		}
		ins, err := sqlscan.ParseInsert(stmt)
		if err != nil {
			return err
		}
		m.tables[name] = append(m.tables[name], ins.Tuples...)
	case sqlscan.KindCreate:
		name := createTarget.FindStringSubmatch(stmt)[1]
		if _, ok := m.creates[name]; ok {
			return &mysql.MySQLError{Number: 1050, Message: "Table '" + name + "' already exists"}
		}
		m.creates[name] = stmt
		m.tables[name] = nil
	case sqlscan.KindDrop:
		for _, match := range dropTargets.FindAllStringSubmatch(stmt, -1) {
			delete(m.creates, match[1])
			delete(m.tables, match[1])
			delete(m.alters, match[1])
		}
	case sqlscan.KindAlter:
		name := alterTarget.FindStringSubmatch(stmt)[1]
		for _, a := range m.alters[name] {
			if a == stmt && strings.Contains(stmt, " ADD ") {
				return &mysql.MySQLError{Number: 1061, Message: "Duplicate key name"}
			}
		}
		m.alters[name] = append(m.alters[name], stmt)
	case sqlscan.KindControl:
		m.session = append(m.session, stmt)
	}
	return nil
}

func (m *memExecutor) Commit(ctx context.Context, p *Progress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, stmt := range m.pending {
		if err := m.apply(stmt); err != nil {
			return err
		}
	}
	m.pending = nil
	m.inTx = false
	return m.saveLocked(p)
}

func (m *memExecutor) Rollback() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = nil
	m.inTx = false
	return nil
}

func (m *memExecutor) Save(ctx context.Context, p *Progress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	if err := m.failSave[m.saves]; err != nil {
		return err
	}
	return m.saveLocked(p)
}

func (m *memExecutor) saveLocked(p *Progress) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	m.cps[p.JobID] = data
	return nil
}

func (m *memExecutor) Load(ctx context.Context, jobID string) (*Progress, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.cps[jobID]
	if !ok {
		return nil, false, nil
	}
	var p Progress
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, false, err
	}
	return &p, true, nil
}

func (m *memExecutor) Clear(ctx context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cps, jobID)
	return nil
}

func (m *memExecutor) tableNames() []string {
	var out []string
	for name := range m.creates {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// fakeCutover records the cutover calls
type fakeCutover struct {
	checked   []string
	verified  bool
	swapped   string
	finalized bool
	verifyErr error
	swapErr   error
}

func (f *fakeCutover) CheckTables(names []string) error {
	f.checked = names
	for _, n := range names {
		if strings.HasSuffix(n, "options") {
			return nil
		}
	}
	return fmt.Errorf("no options table")
}

func (f *fakeCutover) Verify(ctx context.Context, m *sqlscan.RewriteMap) error {
	f.verified = f.verifyErr == nil
	return f.verifyErr
}

func (f *fakeCutover) Swap(ctx context.Context, restoreID string, m *sqlscan.RewriteMap) error {
	if f.swapErr != nil {
		return f.swapErr
	}
	f.swapped = restoreID
	return nil
}

func (f *fakeCutover) Finalize(ctx context.Context) error {
	f.finalized = true
	return nil
}

var (
	_ Executor = (*memExecutor)(nil)
	_ Cutover  = (*fakeCutover)(nil)
)
