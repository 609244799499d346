package sqlscan

import (
	"fmt"
	"hash/fnv"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"
)

// MaxIdentLength is MySQL's identifier length limit in characters
const MaxIdentLength = 64

var strayPattern = regexp.MustCompile(`^_[so][0-9a-f]{6}_`)

// JobToken derives the 6 hex digit tag embedded in a job's table names
func JobToken(jobID string) string {
	return fmt.Sprintf("%06x", hash24(jobID))
}

func hash24(s string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return h.Sum32() & 0xffffff
}

// ShadowName is the staging table name for table within the job tagged token
func ShadowName(token, table string) string {
	return boundName("_s"+token+"_", table)
}

// OldName is the name a displaced live table takes during a swap
func OldName(token, table string) string {
	return boundName("_o"+token+"_", table)
}

func boundName(prefix, table string) string {
	name := prefix + table
	if utf8.RuneCountInString(name) <= MaxIdentLength {
		return name
	}
	suffix := fmt.Sprintf("_%06x", hash24(table))
	keep := MaxIdentLength - utf8.RuneCountInString(prefix) - len(suffix)
	runes := []rune(table)
	return prefix + string(runes[:keep]) + suffix
}

// IsStray reports names shaped like a shadow or displaced table
func IsStray(table string) bool {
	return strayPattern.MatchString(table)
}

// IsEngineTable reports tables the engine owns: its own bookkeeping tables
// carrying prefix, and stray shadow or displaced tables.
func IsEngineTable(table, prefix string) bool {
	if prefix != "" && strings.HasPrefix(strings.ToLower(table), strings.ToLower(prefix)) {
		return true
	}
	return IsStray(table)
}

// RewriteMap maps original table names to shadow names for one restore. A
// name, once assigned, never changes.
type RewriteMap struct {
	Token  string            `json:"token"`
	Tables map[string]string `json:"tables"`
}

func NewRewriteMap(token string) *RewriteMap {
	return &RewriteMap{Token: token, Tables: map[string]string{}}
}

// Shadow looks up the shadow name of table
func (m *RewriteMap) Shadow(table string) (string, bool) {
	s, ok := m.Tables[table]
	return s, ok
}

// Assign returns the shadow name of table, assigning one on first sight
func (m *RewriteMap) Assign(table string) string {
	if m.Tables == nil {
		m.Tables = map[string]string{}
	}
	if s, ok := m.Tables[table]; ok {
		return s
	}
	s := ShadowName(m.Token, table)
	m.Tables[table] = s
	return s
}

// Originals lists the original names in sorted order
func (m *RewriteMap) Originals() []string {
	out := make([]string, 0, len(m.Tables))
	for name := range m.Tables {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
