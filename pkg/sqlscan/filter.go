package sqlscan

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// SecurityError is returned for a statement the restore refuses to run
type SecurityError struct {
	Statement string
	Reason    string
}

func (e *SecurityError) Error() string {
	return fmt.Sprintf("statement rejected (%s): %s", e.Reason, snippet(e.Statement, 120))
}

func snippet(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}

// deniedWords are rejected anywhere outside literals, even in an otherwise
// allowed statement
var deniedWords = map[string]string{
	"GRANT":      "privilege change",
	"REVOKE":     "privilege change",
	"PASSWORD":   "credential change",
	"DEFINER":    "stored program",
	"TRIGGER":    "stored program",
	"PROCEDURE":  "stored program",
	"FUNCTION":   "stored program",
	"EVENT":      "stored program",
	"OUTFILE":    "file write",
	"DUMPFILE":   "file write",
	"INFILE":     "file read",
	"LOAD_FILE":  "file read",
	"DIRECTORY":  "file placement",
	"FEDERATED":  "remote table",
	"CONNECTION": "remote table",
	"UNION":      "union select",
	"SELECT":     "embedded select",
	"RENAME":     "rename",
}

// sessionVars may be assigned by SET
var sessionVars = map[string]bool{
	"names":                    true,
	"character_set_client":     true,
	"character_set_results":    true,
	"character_set_connection": true,
	"collation_connection":     true,
	"time_zone":                true,
	"sql_mode":                 true,
	"foreign_key_checks":       true,
	"unique_checks":            true,
	"sql_notes":                true,
	"autocommit":               true,
	"sql_quote_show_create":    true,
	"innodb_strict_mode":       true,
	"sql_auto_is_null":         true,
}

// Filter is the restore safety filter. Only allow-listed statement shapes
// pass: CREATE/DROP/ALTER TABLE, LOCK/UNLOCK TABLES, transaction control,
// recognised session SET forms and versioned-comment pragmas wrapping one of
// those.
type Filter struct{}

// Check returns a *SecurityError when stmt is not allowed
func (Filter) Check(stmt string) error {
	if inner, ok := UnwrapVersioned(stmt); ok {
		stmt = inner
	}

	l := newLexer(stmt)
	var words []string
	for {
		t, ok := l.nextSignificant()
		if !ok {
			break
		}
		if t.kind != tokWord {
			continue
		}
		w := strings.ToUpper(t.text)
		if reason, bad := deniedWords[w]; bad {
			return &SecurityError{Statement: stmt, Reason: reason}
		}
		if w == "LOAD" || w == "HANDLER" || w == "SHUTDOWN" {
			return &SecurityError{Statement: stmt, Reason: "disallowed command"}
		}
		if len(words) < 2 {
			words = append(words, w)
		}
	}
	if l.unterminated {
		return &SecurityError{Statement: stmt, Reason: "unterminated literal"}
	}
	if len(words) == 0 {
		return nil
	}

	second := ""
	if len(words) > 1 {
		second = words[1]
	}
	switch words[0] {
	case "CREATE", "DROP", "ALTER":
		if second == "TABLE" {
			return nil
		}
	case "LOCK", "UNLOCK":
		if second == "TABLES" {
			return nil
		}
	case "START":
		if second == "TRANSACTION" {
			return nil
		}
	case "BEGIN", "COMMIT", "ROLLBACK":
		return nil
	case "SET":
		return checkSet(stmt)
	}
	return &SecurityError{Statement: stmt, Reason: "statement shape not allowed"}
}

// checkSet allows session variables, user variables and the NAMES /
// CHARACTER SET forms. GLOBAL and PERSIST scopes are refused.
func checkSet(stmt string) error {
	// drop the SET keyword
	l := newLexer(stmt)
	first, _ := l.nextSignificant()
	body := stmt[first.end():]

	_, _, parts, err := topLevelList("(" + body + ")")
	if err != nil {
		return &SecurityError{Statement: stmt, Reason: "malformed SET"}
	}
	for _, part := range parts {
		upper := strings.ToUpper(part)
		if strings.HasPrefix(upper, "NAMES") || strings.HasPrefix(upper, "CHARACTER SET") || strings.HasPrefix(upper, "CHARSET") {
			continue
		}
		eq := assignmentOp(part)
		if eq < 0 {
			return &SecurityError{Statement: stmt, Reason: "malformed SET"}
		}
		name := strings.ToLower(strings.TrimSpace(strings.TrimSuffix(part[:eq], ":")))

		for _, p := range []string{"session ", "local "} {
			name = strings.TrimSpace(strings.TrimPrefix(name, p))
		}
		if strings.HasPrefix(name, "global") || strings.HasPrefix(name, "persist") ||
			strings.HasPrefix(name, "@@global.") || strings.HasPrefix(name, "@@persist") {
			return &SecurityError{Statement: stmt, Reason: "privilege-escalating SET"}
		}
		if strings.HasPrefix(name, "@@") {
			name = strings.TrimPrefix(name, "@@")
			name = strings.TrimPrefix(name, "session.")
			name = strings.TrimPrefix(name, "local.")
		} else if strings.HasPrefix(name, "@") {
			continue
		}
		name = strings.Trim(name, "`")
		if !sessionVars[name] {
			return &SecurityError{Statement: stmt, Reason: "SET of " + name + " not allowed"}
		}
	}
	return nil
}

// assignmentOp finds the first top-level '=' of an assignment
func assignmentOp(s string) int {
	l := newLexer(s)
	for {
		t, ok := l.nextSignificant()
		if !ok {
			return -1
		}
		if t.kind == tokPunct && t.text == "=" {
			return t.pos
		}
	}
}
