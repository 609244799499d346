package backup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/controlplane-com/dbmaint/pkg/agent/dbconn"
	"github.com/controlplane-com/dbmaint/pkg/sqldump"
)

// ErrTableGone is returned by Describe for a table dropped after listing
var ErrTableGone = errors.New("table no longer exists")

// numericLiteral guards key values inlined into keyset queries
var numericLiteral = regexp.MustCompile(`^-?\d+(\.\d+)?$`)

// Column describes one table column
type Column struct {
	Name     string             `json:"name"`
	DataType string             `json:"dataType"`
	Kind     sqldump.ColumnKind `json:"kind"`
}

// TableInfo is what the producer needs to dump one table
type TableInfo struct {
	Name    string   `json:"name"`
	Columns []Column `json:"columns"`
	// Key is a single-column numeric unique key used for keyset pagination.
	// Empty means offset pagination.
	Key string `json:"key,omitempty"`
	// OrderBy keeps offset pages stable when there is no numeric key
	OrderBy      []string `json:"orderBy,omitempty"`
	AvgRowLength int64    `json:"avgRowLength"`
	// Generated columns are computed by the server. They are not in Columns
	// and are never dumped.
	Generated []string `json:"generated,omitempty"`
}

// ColumnNames lists Columns in order
func (t TableInfo) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// KeyIndex is the position of Key in Columns, -1 if none
func (t TableInfo) KeyIndex() int {
	for i, c := range t.Columns {
		if t.Key != "" && c.Name == t.Key {
			return i
		}
	}
	return -1
}

// RowQuery selects one batch of rows
type RowQuery struct {
	Table TableInfo
	// After is the last key value seen, used with keyset pagination
	After    string
	HasAfter bool
	Offset   int64
	Limit    int
}

// Source is the live database as seen by the producer
type Source interface {
	Database() string
	Tables(ctx context.Context) ([]string, error)
	Describe(ctx context.Context, table string) (TableInfo, error)
	CreateStatement(ctx context.Context, table string) (string, error)
	// Rows returns raw column values: nil or []byte
	Rows(ctx context.Context, q RowQuery) ([][]any, error)
}

// sourceSession pins how the server renders temporal values. TIMESTAMP
// columns are dumped in UTC to match the dump header.
var sourceSession = []string{"SET time_zone = '+00:00'"}

// MySQLSource reads through the resilient connection wrapper
type MySQLSource struct {
	conn     *dbconn.Conn
	database string

	mu    sync.Mutex
	ready bool
}

func NewMySQLSource(conn *dbconn.Conn, database string) *MySQLSource {
	return &MySQLSource{conn: conn, database: database}
}

func (s *MySQLSource) Database() string { return s.database }

// session registers the dump session settings once. The wrapper re-applies
// them after a reconnect.
func (s *MySQLSource) session(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready {
		return nil
	}
	if err := s.conn.SetSessionInit(ctx, sourceSession...); err != nil {
		return fmt.Errorf("failed to set up dump session: %w", err)
	}
	s.ready = true
	return nil
}

// query runs q on the dump session
func (s *MySQLSource) query(ctx context.Context, q string, args ...any) (*sql.Rows, error) {
	if err := s.session(ctx); err != nil {
		return nil, err
	}
	return s.conn.Query(ctx, q, args...)
}

func (s *MySQLSource) Tables(ctx context.Context) ([]string, error) {
	rows, err := s.query(ctx, `SELECT TABLE_NAME FROM information_schema.TABLES
		WHERE TABLE_SCHEMA = ? AND TABLE_TYPE = 'BASE TABLE' ORDER BY TABLE_NAME`, s.database)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

type indexColumn struct {
	index  string
	unique bool
	column string
}

func (s *MySQLSource) Describe(ctx context.Context, table string) (TableInfo, error) {
	info := TableInfo{Name: table}

	rows, err := s.query(ctx, `SELECT COLUMN_NAME, DATA_TYPE, IS_NULLABLE, EXTRA FROM information_schema.COLUMNS
		WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ? ORDER BY ORDINAL_POSITION`, s.database, table)
	if err != nil {
		return info, fmt.Errorf("failed to describe %s: %w", table, err)
	}
	notNull := map[string]bool{}
	autoInc := ""
	for rows.Next() {
		var name, dataType, nullable, extra string
		if err := rows.Scan(&name, &dataType, &nullable, &extra); err != nil {
			rows.Close()
			return info, err
		}
		if generatedColumn(extra) {
			info.Generated = append(info.Generated, name)
			continue
		}
		info.Columns = append(info.Columns, Column{Name: name, DataType: dataType, Kind: sqldump.KindOf(dataType)})
		notNull[name] = nullable == "NO"
		if strings.Contains(strings.ToLower(extra), "auto_increment") {
			autoInc = name
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return info, err
	}
	if len(info.Columns) == 0 {
		return info, fmt.Errorf("%w: %s", ErrTableGone, table)
	}

	rows, err = s.query(ctx, `SELECT INDEX_NAME, NON_UNIQUE, COLUMN_NAME FROM information_schema.STATISTICS
		WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ? ORDER BY INDEX_NAME, SEQ_IN_INDEX`, s.database, table)
	if err != nil {
		return info, fmt.Errorf("failed to read indexes of %s: %w", table, err)
	}
	var idx []indexColumn
	for rows.Next() {
		var ic indexColumn
		var nonUnique int
		if err := rows.Scan(&ic.index, &nonUnique, &ic.column); err != nil {
			rows.Close()
			return info, err
		}
		ic.unique = nonUnique == 0
		idx = append(idx, ic)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return info, err
	}

	kinds := map[string]string{}
	for _, c := range info.Columns {
		kinds[c.Name] = strings.ToLower(c.DataType)
	}
	info.Key, info.OrderBy = pickKey(idx, kinds, notNull, autoInc)

	rows, err = s.query(ctx, `SELECT COALESCE(AVG_ROW_LENGTH, 0) FROM information_schema.TABLES
		WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ?`, s.database, table)
	if err != nil {
		return info, fmt.Errorf("failed to read statistics of %s: %w", table, err)
	}
	defer rows.Close()
	if rows.Next() {
		if err := rows.Scan(&info.AvgRowLength); err != nil {
			return info, err
		}
	}
	return info, rows.Err()
}

// generatedColumn reads information_schema.COLUMNS.EXTRA. DEFAULT_GENERATED
// marks an expression default, which is an ordinary stored column.
func generatedColumn(extra string) bool {
	e := strings.ToUpper(extra)
	return strings.Contains(e, "VIRTUAL GENERATED") || strings.Contains(e, "STORED GENERATED")
}

// pickKey prefers the primary key, then the auto-increment column, then any
// other unique key, among single-column NOT NULL integer or decimal keys. The
// second result orders offset pages by the primary key columns.
func pickKey(idx []indexColumn, types map[string]string, notNull map[string]bool, autoInc string) (string, []string) {
	cols := map[string][]string{}
	unique := map[string]bool{}
	var names []string
	for _, ic := range idx {
		if _, seen := cols[ic.index]; !seen {
			names = append(names, ic.index)
		}
		cols[ic.index] = append(cols[ic.index], ic.column)
		unique[ic.index] = ic.unique
	}

	paginates := func(index string) (string, bool) {
		c := cols[index]
		if !unique[index] || len(c) != 1 || !notNull[c[0]] {
			return "", false
		}
		switch types[c[0]] {
		case "tinyint", "smallint", "mediumint", "int", "integer", "bigint", "decimal", "numeric":
			return c[0], true
		}
		return "", false
	}

	if k, ok := paginates("PRIMARY"); ok {
		return k, nil
	}
	var fallback string
	for _, name := range names {
		if k, ok := paginates(name); ok {
			if k == autoInc {
				return k, nil
			}
			if fallback == "" {
				fallback = k
			}
		}
	}
	if fallback != "" {
		return fallback, nil
	}
	return "", cols["PRIMARY"]
}

func (s *MySQLSource) CreateStatement(ctx context.Context, table string) (string, error) {
	rows, err := s.query(ctx, "SHOW CREATE TABLE "+sqldump.QuoteIdent(table))
	if err != nil {
		return "", fmt.Errorf("failed to read schema of %s: %w", table, err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return "", err
		}
		return "", fmt.Errorf("no schema returned for %s", table)
	}
	var name, create string
	if err := rows.Scan(&name, &create); err != nil {
		return "", err
	}
	return create, rows.Err()
}

// RowSQL builds the batch query. Key values are inlined as validated numeric
// literals so the statement runs over the text protocol. Known columns are
// selected by name.
func RowSQL(q RowQuery) (string, error) {
	var sb strings.Builder
	sb.WriteString("SELECT ")
	if len(q.Table.Columns) == 0 {
		sb.WriteString("*")
	}
	for i, c := range q.Table.Columns {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(sqldump.QuoteIdent(c.Name))
	}
	sb.WriteString(" FROM ")
	sb.WriteString(sqldump.QuoteIdent(q.Table.Name))
	if q.Table.Key != "" {
		key := sqldump.QuoteIdent(q.Table.Key)
		if q.HasAfter {
			if !numericLiteral.MatchString(q.After) {
				return "", fmt.Errorf("invalid key cursor %q for %s", q.After, q.Table.Name)
			}
			sb.WriteString(" WHERE " + key + " > " + q.After)
		}
		sb.WriteString(" ORDER BY " + key)
		fmt.Fprintf(&sb, " LIMIT %d", q.Limit)
		return sb.String(), nil
	}
	if len(q.Table.OrderBy) > 0 {
		quoted := make([]string, len(q.Table.OrderBy))
		for i, c := range q.Table.OrderBy {
			quoted[i] = sqldump.QuoteIdent(c)
		}
		sb.WriteString(" ORDER BY " + strings.Join(quoted, ", "))
	}
	fmt.Fprintf(&sb, " LIMIT %d OFFSET %d", q.Limit, q.Offset)
	return sb.String(), nil
}

func (s *MySQLSource) Rows(ctx context.Context, q RowQuery) ([][]any, error) {
	query, err := RowSQL(q)
	if err != nil {
		return nil, err
	}
	rows, err := s.query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to read rows of %s: %w", q.Table.Name, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out [][]any
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		out = append(out, values)
	}
	return out, rows.Err()
}

var _ Source = (*MySQLSource)(nil)
