package sqlscan

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestJobToken(t *testing.T) {
	a := JobToken("job-1")
	if len(a) != 6 {
		t.Errorf("JobToken() = %q, want 6 hex digits", a)
	}
	if a != JobToken("job-1") {
		t.Error("JobToken() is not deterministic")
	}
	if !IsStray(ShadowName(a, "t")) || !IsStray(OldName(a, "t")) {
		t.Error("derived names are not recognised as stray")
	}
}

func TestShadowName(t *testing.T) {
	if got := ShadowName("abc123", "wp_posts"); got != "_sabc123_wp_posts" {
		t.Errorf("ShadowName() = %q", got)
	}
	if got := OldName("abc123", "wp_posts"); got != "_oabc123_wp_posts" {
		t.Errorf("OldName() = %q", got)
	}

	long1 := strings.Repeat("x", 60) + "_one"
	long2 := strings.Repeat("x", 60) + "_two"
	s1, s2 := ShadowName("abc123", long1), ShadowName("abc123", long2)
	if n := utf8.RuneCountInString(s1); n != MaxIdentLength {
		t.Errorf("long shadow name has %d characters, want %d", n, MaxIdentLength)
	}
	if s1 == s2 {
		t.Errorf("truncated names collide: %q", s1)
	}
	if !strings.HasPrefix(s1, "_sabc123_") {
		t.Errorf("truncated name lost prefix: %q", s1)
	}

	multi := strings.Repeat("é", 70)
	if n := utf8.RuneCountInString(ShadowName("abc123", multi)); n != MaxIdentLength {
		t.Errorf("multibyte shadow name has %d characters", n)
	}
}

func TestIsEngineTable(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"dbmaint_state", true},
		{"DBMAINT_tasks", true},
		{"_sabc123_wp_posts", true},
		{"_o00ff00_wp_users", true},
		{"_sxyz123_wp_posts", false},
		{"wp_posts", false},
	}
	for _, tt := range tests {
		if got := IsEngineTable(tt.name, "dbmaint_"); got != tt.want {
			t.Errorf("IsEngineTable(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestRewriteMap(t *testing.T) {
	m := NewRewriteMap("abc123")
	first := m.Assign("b")
	if again := m.Assign("b"); again != first {
		t.Errorf("Assign() changed name: %q then %q", first, again)
	}
	m.Assign("a")
	if got := m.Originals(); strings.Join(got, ",") != "a,b" {
		t.Errorf("Originals() = %v", got)
	}
	if _, ok := m.Shadow("c"); ok {
		t.Error("Shadow() found an unassigned name")
	}
}
