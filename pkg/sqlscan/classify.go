package sqlscan

import "strings"

// Kind tags a statement by its leading keyword
type Kind int

const (
	KindOther Kind = iota
	KindInsert
	KindCreate
	KindDrop
	KindAlter
	KindLock
	KindControl
)

func (k Kind) String() string {
	switch k {
	case KindInsert:
		return "insert"
	case KindCreate:
		return "create"
	case KindDrop:
		return "drop"
	case KindAlter:
		return "alter"
	case KindLock:
		return "lock"
	case KindControl:
		return "control"
	default:
		return "other"
	}
}

// Classify inspects the first keyword of stmt
func Classify(stmt string) Kind {
	switch firstWord(stmt) {
	case "INSERT", "REPLACE":
		return KindInsert
	case "CREATE":
		return KindCreate
	case "DROP":
		return KindDrop
	case "ALTER":
		return KindAlter
	case "LOCK", "UNLOCK":
		return KindLock
	case "SET", "START", "BEGIN", "COMMIT", "ROLLBACK":
		return KindControl
	default:
		return KindOther
	}
}

// IsTransactionControl reports statements that would end or reshape the
// replay transaction: START TRANSACTION, BEGIN, COMMIT, ROLLBACK and
// SET autocommit.
func IsTransactionControl(stmt string) bool {
	words := leadingWords(stmt, 2)
	if len(words) == 0 {
		return false
	}
	switch words[0] {
	case "BEGIN", "COMMIT", "ROLLBACK":
		return true
	case "START":
		return len(words) > 1 && words[1] == "TRANSACTION"
	case "SET":
		return len(words) > 1 && strings.TrimPrefix(words[1], "@@") == "AUTOCOMMIT"
	}
	return false
}

// SessionVars lists the upper-cased variables a SET statement assigns, in
// order. Scope keywords and @@session. prefixes are dropped; user variables
// keep their @. It returns nil for anything but SET.
func SessionVars(stmt string) []string {
	l := newLexer(stmt)
	t, ok := l.nextSignificant()
	if !ok || t.kind != tokWord || !strings.EqualFold(t.text, "SET") {
		return nil
	}
	var (
		vars   []string
		expect = true
		scoped bool
		depth  int
	)
	for {
		t, ok := l.nextSignificant()
		if !ok {
			return vars
		}
		switch t.kind {
		case tokPunct:
			switch {
			case t.text == "(":
				depth++
			case t.text == ")":
				depth--
			case t.text == "," && depth == 0:
				expect = true
			case t.text == "." && scoped:
				scoped = false
			}
			continue
		case tokWord, tokIdent:
			if !expect {
				continue
			}
			u := strings.ToUpper(unquoteIdent(t.text))
			switch u {
			case "SESSION", "LOCAL":
				continue
			case "@@SESSION", "@@LOCAL":
				scoped = true
				continue
			}
			vars = append(vars, strings.TrimPrefix(u, "@@"))
			expect = false
		}
	}
}

// UnwrapVersioned returns the statement inside a versioned comment such as
// "/*!40101 SET NAMES utf8mb4 */". ok is false when stmt is not exactly one
// versioned comment.
func UnwrapVersioned(stmt string) (string, bool) {
	stmt = strings.TrimSpace(stmt)
	if !strings.HasPrefix(stmt, "/*!") {
		return stmt, false
	}
	l := newLexer(stmt)
	t, ok := l.next()
	if !ok || t.kind != tokComment || t.end() != len(stmt) || l.unterminated {
		return stmt, false
	}
	inner := t.text[3 : len(t.text)-2]
	inner = strings.TrimLeft(inner, "0123456789")
	return strings.TrimSpace(inner), true
}

func firstWord(stmt string) string {
	words := leadingWords(stmt, 1)
	if len(words) == 0 {
		return ""
	}
	return words[0]
}

// leadingWords returns up to n upper-cased words from the start of stmt
func leadingWords(stmt string, n int) []string {
	l := newLexer(stmt)
	var out []string
	for len(out) < n {
		t, ok := l.nextSignificant()
		if !ok || t.kind != tokWord {
			break
		}
		out = append(out, strings.ToUpper(t.text))
	}
	return out
}
