// Package sqlscan reads MySQL dump streams: it splits them into statements,
// classifies and filters statements, and rewrites table references onto
// shadow tables. It is a narrow character scanner, not a SQL parser.
package sqlscan

type lexState int

const (
	stDefault lexState = iota
	stBacktick
	stSingle
	stDouble
	stLineComment
	stBlockComment
)

type tokenKind int

const (
	tokSpace tokenKind = iota
	tokWord
	tokIdent // `quoted`
	tokString
	tokComment
	tokPunct
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func (t token) end() int { return t.pos + len(t.text) }

// significant tokens carry meaning for statement shape
func (t token) significant() bool {
	return t.kind != tokSpace && t.kind != tokComment
}

// lexer splits one complete statement into tokens. Unterminated quotes or
// comments extend to the end of the input and set unterminated.
type lexer struct {
	src          string
	pos          int
	unterminated bool
}

func newLexer(src string) *lexer {
	return &lexer{src: src}
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f' || c == '\v'
}

func isWordByte(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' ||
		c == '_' || c == '$' || c == '@' || c >= 0x80
}

// startsLineComment reports whether src[i:] opens a "-- " or "#" comment
func startsLineComment(src string, i int) bool {
	if src[i] == '#' {
		return true
	}
	if src[i] != '-' || i+1 >= len(src) || src[i+1] != '-' {
		return false
	}
	return i+2 >= len(src) || isSpace(src[i+2]) || src[i+2] < 0x20
}

func (l *lexer) next() (token, bool) {
	if l.pos >= len(l.src) {
		return token{}, false
	}
	start := l.pos
	c := l.src[start]

	var st lexState
	kind := tokPunct
	switch {
	case isSpace(c):
		for l.pos < len(l.src) && isSpace(l.src[l.pos]) {
			l.pos++
		}
		return token{kind: tokSpace, text: l.src[start:l.pos], pos: start}, true
	case c == '`':
		st, kind = stBacktick, tokIdent
	case c == '\'':
		st, kind = stSingle, tokString
	case c == '"':
		st, kind = stDouble, tokString
	case startsLineComment(l.src, start):
		st, kind = stLineComment, tokComment
	case c == '/' && start+1 < len(l.src) && l.src[start+1] == '*':
		st, kind = stBlockComment, tokComment
		l.pos++
	case isWordByte(c):
		for l.pos < len(l.src) && isWordByte(l.src[l.pos]) {
			l.pos++
		}
		return token{kind: tokWord, text: l.src[start:l.pos], pos: start}, true
	default:
		l.pos++
		return token{kind: tokPunct, text: l.src[start:l.pos], pos: start}, true
	}

	l.pos++
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		switch st {
		case stBacktick:
			if c == '`' {
				if l.pos+1 < len(l.src) && l.src[l.pos+1] == '`' {
					l.pos += 2
					continue
				}
				l.pos++
				return token{kind: kind, text: l.src[start:l.pos], pos: start}, true
			}
		case stSingle, stDouble:
			quote := byte('\'')
			if st == stDouble {
				quote = '"'
			}
			if c == '\\' {
				l.pos += 2
				continue
			}
			if c == quote {
				if l.pos+1 < len(l.src) && l.src[l.pos+1] == quote {
					l.pos += 2
					continue
				}
				l.pos++
				return token{kind: kind, text: l.src[start:l.pos], pos: start}, true
			}
		case stLineComment:
			if c == '\n' {
				return token{kind: kind, text: l.src[start:l.pos], pos: start}, true
			}
		case stBlockComment:
			if c == '*' && l.pos+1 < len(l.src) && l.src[l.pos+1] == '/' {
				l.pos += 2
				return token{kind: kind, text: l.src[start:l.pos], pos: start}, true
			}
		}
		l.pos++
	}
	if l.pos > len(l.src) {
		l.pos = len(l.src)
	}
	if st != stLineComment {
		l.unterminated = true
	}
	return token{kind: kind, text: l.src[start:l.pos], pos: start}, true
}

// nextSignificant skips whitespace and comments
func (l *lexer) nextSignificant() (token, bool) {
	for {
		t, ok := l.next()
		if !ok || t.significant() {
			return t, ok
		}
	}
}

// unquoteIdent strips backticks from a quoted identifier
func unquoteIdent(s string) string {
	if len(s) >= 2 && s[0] == '`' && s[len(s)-1] == '`' {
		s = s[1 : len(s)-1]
		out := make([]byte, 0, len(s))
		for i := 0; i < len(s); i++ {
			out = append(out, s[i])
			if s[i] == '`' && i+1 < len(s) && s[i+1] == '`' {
				i++
			}
		}
		return string(out)
	}
	return s
}
