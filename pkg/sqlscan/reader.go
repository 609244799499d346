package sqlscan

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrTruncated is returned when the stream ends inside a statement
var ErrTruncated = errors.New("stream ends inside an unterminated statement")

// Statement is one complete SQL statement read from a dump
type Statement struct {
	SQL  string // without the terminating ';'
	End  int64  // stream offset just past the terminating ';'
	Line int    // line on which the statement ended
}

// StatementReader splits a dump stream into statements. It reads line by
// line, carries quote and comment state across lines, skips lines that hold
// only a comment, and ends a statement at a ';' outside quotes and comments.
type StatementReader struct {
	br *bufio.Reader

	pending    string
	pendingOff int64
	nextOff    int64
	line       int

	buf   strings.Builder
	state lexState
	end   int64
}

// NewStatementReader reads statements from r, whose first byte sits at
// offset in the underlying stream.
func NewStatementReader(r io.Reader, offset int64) *StatementReader {
	return &StatementReader{
		br:         bufio.NewReaderSize(r, 1<<20),
		pendingOff: offset,
		nextOff:    offset,
		end:        offset,
	}
}

// Offset is the resume point just past the last statement returned
func (s *StatementReader) Offset() int64 { return s.end }

// Next returns the next statement or io.EOF. A non-blank remainder at the end
// of the stream yields ErrTruncated.
func (s *StatementReader) Next() (Statement, error) {
	for {
		if s.pending == "" {
			line, err := s.br.ReadString('\n')
			if err != nil && !errors.Is(err, io.EOF) {
				return Statement{}, fmt.Errorf("read error at line %d: %w", s.line+1, err)
			}
			if line == "" {
				return Statement{}, s.finish()
			}
			s.line++
			s.pendingOff = s.nextOff
			s.nextOff += int64(len(line))

			if s.buf.Len() == 0 && s.state == stDefault && skippable(line) {
				continue
			}
			s.pending = line
		}

		if stmt, ok := s.scan(); ok {
			return stmt, nil
		}
	}
}

// skippable lines are blank or hold only a line comment
func skippable(line string) bool {
	t := strings.TrimSpace(line)
	return t == "" || startsLineComment(t, 0)
}

// scan consumes pending up to and including a terminating ';'
func (s *StatementReader) scan() (Statement, bool) {
	p := s.pending
	for i := 0; i < len(p); i++ {
		c := p[i]
		switch s.state {
		case stDefault:
			switch {
			case c == '`':
				s.state = stBacktick
			case c == '\'':
				s.state = stSingle
			case c == '"':
				s.state = stDouble
			case startsLineComment(p, i):
				s.state = stLineComment
			case c == '/' && i+1 < len(p) && p[i+1] == '*':
				s.state = stBlockComment
				i++
			case c == ';':
				s.write(p[:i])
				s.pending = p[i+1:]
				s.pendingOff += int64(i + 1)
				sql := strings.TrimSpace(s.buf.String())
				s.buf.Reset()
				if isBlank(sql) {
					return s.scan()
				}
				s.end = s.pendingOff
				return Statement{SQL: sql, End: s.end, Line: s.line}, true
			}
		// a doubled quote closes and reopens the literal
		case stBacktick:
			if c == '`' {
				s.state = stDefault
			}
		case stSingle, stDouble:
			quote := byte('\'')
			if s.state == stDouble {
				quote = '"'
			}
			if c == '\\' {
				i++
			} else if c == quote {
				s.state = stDefault
			}
		case stLineComment:
			if c == '\n' {
				s.state = stDefault
			}
		case stBlockComment:
			if c == '*' && i+1 < len(p) && p[i+1] == '/' {
				s.state = stDefault
				i++
			}
		}
	}
	s.write(p)
	s.pendingOff += int64(len(p))
	s.pending = ""
	return Statement{}, false
}

func (s *StatementReader) write(seg string) {
	if s.buf.Len() == 0 {
		seg = strings.TrimLeft(seg, " \t\r\n")
	}
	s.buf.WriteString(seg)
}

func (s *StatementReader) finish() error {
	rest := strings.TrimSpace(s.buf.String())
	s.buf.Reset()
	if isBlank(rest) {
		return io.EOF
	}
	return fmt.Errorf("%w (line %d)", ErrTruncated, s.line)
}

// isBlank reports whether sql holds nothing but whitespace and comments
func isBlank(sql string) bool {
	l := newLexer(sql)
	for {
		t, ok := l.next()
		if !ok {
			return true
		}
		if t.significant() {
			return false
		}
		// versioned comments carry statements
		if t.kind == tokComment && strings.HasPrefix(t.text, "/*!") {
			return false
		}
	}
}
