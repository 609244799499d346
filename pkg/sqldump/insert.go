package sqldump

import "strings"

// InsertBuilder accumulates formatted rows into one extended INSERT statement.
type InsertBuilder struct {
	prefix string
	rows   []string
	size   int
}

// NewInsertBuilder creates a builder for the given table. With columns the
// statement names them, so rows hold only those values.
func NewInsertBuilder(table string, columns ...string) *InsertBuilder {
	prefix := "INSERT INTO " + QuoteIdent(table)
	if len(columns) > 0 {
		quoted := make([]string, len(columns))
		for i, c := range columns {
			quoted[i] = QuoteIdent(c)
		}
		prefix += " (" + strings.Join(quoted, ",") + ")"
	}
	return &InsertBuilder{prefix: prefix + " VALUES "}
}

// AddRow adds a row of already formatted values.
func (b *InsertBuilder) AddRow(values []string) {
	row := "(" + strings.Join(values, ",") + ")"
	b.rows = append(b.rows, row)
	b.size += len(row) + 1
}

// Len is the number of pending rows
func (b *InsertBuilder) Len() int { return len(b.rows) }

// Size is the approximate byte size of the pending statement
func (b *InsertBuilder) Size() int {
	if len(b.rows) == 0 {
		return 0
	}
	return len(b.prefix) + b.size + 1
}

// Flush returns pending rows as one INSERT statement terminated by ";\n".
// Returns empty string if there are no pending rows.
func (b *InsertBuilder) Flush() string {
	if len(b.rows) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.Grow(b.Size() + 1)
	sb.WriteString(b.prefix)
	for i, row := range b.rows {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(row)
	}
	sb.WriteString(";\n")

	b.rows = b.rows[:0]
	b.size = 0
	return sb.String()
}

// RowsForBytes is the single batch sizing policy: how many rows of average
// length avg fit into target bytes, clamped to [lo, hi]. An unknown average
// yields hi.
func RowsForBytes(avg, target int64, lo, hi int) int {
	if hi < lo {
		hi = lo
	}
	if avg <= 0 {
		return hi
	}
	n := target / avg
	if n < int64(lo) {
		return lo
	}
	if n > int64(hi) {
		return hi
	}
	return int(n)
}
