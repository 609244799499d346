package sqlscan

import (
	"strings"
)

// Rewriter points table references at shadow tables. Only table-name
// positions are rewritten: the target of INSERT and REPLACE (with or without
// INTO), the name after TABLE [IF [NOT] EXISTS], TABLES, INTO, REFERENCES
// and the LIKE of a CREATE TABLE, and each name of a DROP TABLE or LOCK
// TABLES list.
// Names inside string literals, comments and column lists are untouched.
type Rewriter struct {
	Map *RewriteMap
	// Database is the restore target. A reference qualified with any other
	// schema is rejected; a qualifier naming this schema is dropped.
	Database string
	// Prefix marks the engine's own tables
	Prefix string
}

// Rewritten is the outcome of one rewrite
type Rewritten struct {
	SQL    string
	Tables []string // original names in statement order
	// Internal is set when the statement touches an engine-owned or stray
	// shadow table. The statement is returned unchanged and nothing is
	// assigned.
	Internal bool
}

type nameRef struct {
	start, end int
	name       string
}

// Rewrite rewrites every table reference in stmt
func (rw *Rewriter) Rewrite(stmt string) (Rewritten, error) {
	refs, err := rw.tableRefs(stmt)
	if err != nil {
		return Rewritten{}, err
	}
	out := Rewritten{SQL: stmt}
	for _, r := range refs {
		out.Tables = append(out.Tables, r.name)
		if IsEngineTable(r.name, rw.Prefix) {
			out.Internal = true
		}
	}
	if out.Internal || len(refs) == 0 {
		return out, nil
	}

	var sb strings.Builder
	sb.Grow(len(stmt) + 16*len(refs))
	last := 0
	for _, r := range refs {
		sb.WriteString(stmt[last:r.start])
		sb.WriteString("`" + strings.ReplaceAll(rw.Map.Assign(r.name), "`", "``") + "`")
		last = r.end
	}
	sb.WriteString(stmt[last:])
	out.SQL = sb.String()
	return out, nil
}

// insertModifiers may sit between INSERT/REPLACE and the target table
var insertModifiers = map[string]bool{
	"LOW_PRIORITY": true, "DELAYED": true, "HIGH_PRIORITY": true, "IGNORE": true, "INTO": true,
}

func (rw *Rewriter) tableRefs(stmt string) ([]nameRef, error) {
	l := newLexer(stmt)
	var (
		refs      []nameRef
		prev      string
		expect    bool
		list      bool
		depth     int
		isInsert  bool
		isCreate  bool
		likeOK    bool // right after the created table name
		firstWord = true
	)
	for {
		t, ok := l.nextSignificant()
		if !ok {
			break
		}
		if isInsert && expect && t.kind != tokWord && t.kind != tokIdent {
			// no usable target; the caller rejects the statement
			break
		}
		if likeOK && !(t.kind == tokPunct && t.text == "(") &&
			!(t.kind == tokWord && strings.EqualFold(t.text, "LIKE")) {
			likeOK = false
		}
		switch t.kind {
		case tokPunct:
			switch t.text {
			case "(":
				depth++
			case ")":
				depth--
			case ",":
				if list && depth == 0 {
					expect = true
				}
			}
			prev = t.text
			continue
		case tokWord:
			upper := strings.ToUpper(t.text)
			if firstWord {
				firstWord = false
				isInsert = upper == "INSERT" || upper == "REPLACE"
				isCreate = upper == "CREATE"
				if isInsert {
					expect = true
					prev = upper
					continue
				}
			}
			if expect && isInsert && insertModifiers[upper] {
				prev = upper
				continue
			}
			if expect && (upper == "IF" || upper == "NOT" || upper == "EXISTS") {
				prev = upper
				continue
			}
			if likeOK && upper == "LIKE" {
				likeOK = false
				expect = true
				prev = upper
				continue
			}
			if !expect {
				switch upper {
				case "TABLE":
					expect = true
					list = prev == "DROP" || prev == "TEMPORARY"
				case "TABLES":
					expect = true
					list = true
				case "INTO", "REFERENCES":
					expect = true
				}
				prev = upper
				continue
			}
		case tokString:
			prev = ""
			continue
		}

		if !expect || (t.kind != tokWord && t.kind != tokIdent) {
			prev = t.text
			continue
		}

		ref, err := rw.qualified(l, t, stmt)
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
		expect = false
		prev = ""
		if isInsert {
			// the rest of an INSERT is data
			break
		}
		likeOK = isCreate && len(refs) == 1
	}
	return refs, nil
}

// qualified reads a possibly schema-qualified name starting at t
func (rw *Rewriter) qualified(l *lexer, t token, stmt string) (nameRef, error) {
	ref := nameRef{start: t.pos, end: t.end(), name: unquoteIdent(t.text)}

	save := l.pos
	dot, ok := l.next()
	if !ok || dot.kind != tokPunct || dot.text != "." {
		l.pos = save
		return ref, nil
	}
	tbl, ok := l.next()
	if !ok || (tbl.kind != tokWord && tbl.kind != tokIdent) {
		l.pos = save
		return ref, nil
	}
	schema := ref.name
	if schema != rw.Database {
		return nameRef{}, &SecurityError{Statement: stmt, Reason: "reference to schema " + schema}
	}
	return nameRef{start: t.pos, end: tbl.end(), name: unquoteIdent(tbl.text)}, nil
}
