package sqlscan

import (
	"errors"
	"strings"
)

// ErrNoValues is returned by ParseInsert for INSERT statements without a
// VALUES list, such as INSERT ... SELECT.
var ErrNoValues = errors.New("insert has no VALUES list")

// CreateSplit is a CREATE TABLE statement with its secondary indexes removed
type CreateSplit struct {
	SQL      string
	Deferred []string // index definitions, e.g. "KEY `k` (`c`)"
}

// SplitCreateTable removes secondary (non-unique, non-primary) index
// definitions from a CREATE TABLE statement so they can be built after the
// data is loaded. Tables with foreign keys keep their indexes, as does an
// index that leads with the AUTO_INCREMENT column.
func SplitCreateTable(stmt string) (CreateSplit, error) {
	open, closing, defs, err := topLevelList(stmt)
	if err != nil {
		return CreateSplit{}, err
	}
	if open < 0 {
		return CreateSplit{SQL: stmt}, nil
	}

	var autoCol string
	hasForeignKey := false
	for _, d := range defs {
		words := leadingWords(d, 2)
		if len(words) > 0 && (words[0] == "FOREIGN" || words[0] == "CONSTRAINT" && strings.Contains(strings.ToUpper(d), "FOREIGN KEY")) {
			hasForeignKey = true
		}
		if autoCol == "" && hasWord(d, "AUTO_INCREMENT") {
			l := newLexer(d)
			if t, ok := l.nextSignificant(); ok {
				autoCol = unquoteIdent(t.text)
			}
		}
	}
	if hasForeignKey {
		return CreateSplit{SQL: stmt}, nil
	}

	var kept, deferred []string
	for _, d := range defs {
		if isSecondaryIndex(d) && firstIndexColumn(d) != autoCol {
			deferred = append(deferred, d)
			continue
		}
		kept = append(kept, d)
	}
	if len(deferred) == 0 {
		return CreateSplit{SQL: stmt}, nil
	}

	var sb strings.Builder
	sb.WriteString(stmt[:open+1])
	sb.WriteString("\n  ")
	sb.WriteString(strings.Join(kept, ",\n  "))
	sb.WriteString("\n")
	sb.WriteString(stmt[closing:])
	return CreateSplit{SQL: sb.String(), Deferred: deferred}, nil
}

// IndexAlters builds the ALTER TABLE statements that add deferred indexes.
// Plain indexes share one statement. InnoDB builds only one FULLTEXT index
// per ALTER, so each gets its own, after the plain ones.
func IndexAlters(table string, defs []string) []string {
	prefix := "ALTER TABLE `" + strings.ReplaceAll(table, "`", "``") + "` ADD "
	var plain, out []string
	for _, def := range defs {
		if words := leadingWords(def, 1); len(words) == 1 && words[0] == "FULLTEXT" {
			out = append(out, prefix+def)
			continue
		}
		plain = append(plain, def)
	}
	if len(plain) > 0 {
		out = append([]string{prefix + strings.Join(plain, ", ADD ")}, out...)
	}
	return out
}

func isSecondaryIndex(def string) bool {
	words := leadingWords(def, 1)
	if len(words) == 0 {
		return false
	}
	switch words[0] {
	case "KEY", "INDEX", "FULLTEXT", "SPATIAL":
		return true
	}
	return false
}

func firstIndexColumn(def string) string {
	l := newLexer(def)
	seenParen := false
	for {
		t, ok := l.nextSignificant()
		if !ok {
			return ""
		}
		if t.kind == tokPunct && t.text == "(" {
			seenParen = true
			continue
		}
		if seenParen && (t.kind == tokIdent || t.kind == tokWord) {
			return unquoteIdent(t.text)
		}
	}
}

func hasWord(s, word string) bool {
	l := newLexer(s)
	for {
		t, ok := l.nextSignificant()
		if !ok {
			return false
		}
		if t.kind == tokWord && strings.EqualFold(t.text, word) {
			return true
		}
	}
}

// topLevelList finds the first parenthesised list of stmt and splits it at
// top-level commas. open is -1 when stmt has no list.
func topLevelList(stmt string) (open, closing int, items []string, err error) {
	l := newLexer(stmt)
	open, depth, itemStart := -1, 0, 0
	for {
		t, ok := l.next()
		if !ok {
			break
		}
		if t.kind != tokPunct {
			continue
		}
		switch t.text {
		case "(":
			depth++
			if depth == 1 && open < 0 {
				open = t.pos
				itemStart = t.end()
			}
		case ")":
			depth--
			if depth == 0 && open >= 0 {
				items = appendItem(items, stmt[itemStart:t.pos])
				return open, t.pos, items, nil
			}
		case ",":
			if depth == 1 && open >= 0 {
				items = appendItem(items, stmt[itemStart:t.pos])
				itemStart = t.end()
			}
		}
	}
	if open < 0 {
		return -1, -1, nil, nil
	}
	return 0, 0, nil, errors.New("unbalanced parentheses in statement")
}

func appendItem(items []string, s string) []string {
	if s = strings.TrimSpace(s); s != "" {
		items = append(items, s)
	}
	return items
}

// Insert is an extended INSERT split into its parts
type Insert struct {
	Prefix string   // through the VALUES keyword
	Tuples []string // each "(...)"
	Suffix string   // e.g. " ON DUPLICATE KEY UPDATE ..."
}

// ParseInsert splits an INSERT ... VALUES statement into row tuples by
// scanning the value list at top level.
func ParseInsert(stmt string) (*Insert, error) {
	l := newLexer(stmt)
	valuesEnd := -1
	for {
		t, ok := l.nextSignificant()
		if !ok {
			return nil, ErrNoValues
		}
		if t.kind == tokWord {
			u := strings.ToUpper(t.text)
			if u == "VALUES" || u == "VALUE" {
				valuesEnd = t.end()
				break
			}
			if u == "SELECT" {
				return nil, ErrNoValues
			}
		}
	}

	ins := &Insert{Prefix: stmt[:valuesEnd]}
	depth, tupleStart, suffixStart := 0, -1, -1
	for {
		t, ok := l.next()
		if !ok {
			break
		}
		if t.kind == tokWord && depth == 0 {
			suffixStart = t.pos
			break
		}
		if t.kind != tokPunct {
			continue
		}
		switch t.text {
		case "(":
			if depth == 0 {
				tupleStart = t.pos
			}
			depth++
		case ")":
			depth--
			if depth == 0 {
				ins.Tuples = append(ins.Tuples, stmt[tupleStart:t.end()])
			}
		}
	}
	if depth != 0 || l.unterminated {
		return nil, errors.New("unterminated value list in INSERT")
	}
	if suffixStart >= 0 {
		ins.Suffix = " " + strings.TrimSpace(stmt[suffixStart:])
	}
	return ins, nil
}

// AvgTupleLen is the mean byte length of one row tuple
func (ins *Insert) AvgTupleLen() int64 {
	if len(ins.Tuples) == 0 {
		return 0
	}
	var total int64
	for _, t := range ins.Tuples {
		total += int64(len(t))
	}
	return total / int64(len(ins.Tuples))
}

// Batches regroups the tuples into statements of at most rows tuples each
func (ins *Insert) Batches(rows int) []string {
	if rows < 1 {
		rows = 1
	}
	var out []string
	for i := 0; i < len(ins.Tuples); i += rows {
		j := min(i+rows, len(ins.Tuples))
		out = append(out, ins.Prefix+" "+strings.Join(ins.Tuples[i:j], ",")+ins.Suffix)
	}
	return out
}

// SplitInsert splits stmt into INSERT statements of at most rows tuples
func SplitInsert(stmt string, rows int) ([]string, error) {
	ins, err := ParseInsert(stmt)
	if err != nil {
		return nil, err
	}
	return ins.Batches(rows), nil
}
