package dump

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Scanner splits a SQL script into statements on ';'. Terminators inside
// quoted strings, quoted identifiers, comments and PostgreSQL dollar-quoted
// bodies do not split. Comments are dropped from the returned statements and
// statements made only of whitespace or comments are skipped.
type Scanner struct {
	r            *bufio.Reader
	backslash    bool
	hashComments bool
	dollarQuotes bool

	buf     []byte
	hasCode bool
}

func NewScanner(r io.Reader, dialect Dialect) *Scanner {
	name := dialect.Name()
	return &Scanner{
		r:            bufio.NewReaderSize(r, 64*1024),
		backslash:    dialect.BackslashEscapes(),
		hashComments: name == "mysql",
		dollarQuotes: name == "postgres",
	}
}

// Next returns the next statement without its terminator, or io.EOF once the
// script is exhausted. A trailing statement without ';' is still returned.
func (s *Scanner) Next() (string, error) {
	for {
		c, err := s.r.ReadByte()
		if errors.Is(err, io.EOF) {
			if s.hasCode {
				return s.take(), nil
			}
			s.reset()
			return "", io.EOF
		}
		if err != nil {
			return "", fmt.Errorf("failed to read SQL script: %w", err)
		}

		switch {
		case c == ';':
			if s.hasCode {
				return s.take(), nil
			}
			s.reset()

		case c == '\'' || c == '"' || c == '`':
			escapes := s.backslash && c != '`'
			if c == '\'' && s.afterEscapePrefix() {
				escapes = true
			}
			s.code(c)
			if err := s.quoted(c, escapes); err != nil {
				return "", err
			}

		case c == '-' && s.peekIs('-') && s.lineCommentAfterDashes():
			if err := s.skipLine(); err != nil {
				return "", err
			}

		case c == '#' && s.hashComments:
			if err := s.skipLine(); err != nil {
				return "", err
			}

		case c == '/' && s.peekIs('*'):
			if err := s.skipBlock(); err != nil {
				return "", err
			}

		case c == '$' && s.dollarQuotes:
			if err := s.dollar(); err != nil {
				return "", err
			}

		case isSpace(c):
			if len(s.buf) > 0 {
				s.buf = append(s.buf, c)
			}

		default:
			s.code(c)
		}
	}
}

// SplitStatements runs a Scanner over script and collects every statement.
func SplitStatements(script string, dialect Dialect) []string {
	scanner := NewScanner(strings.NewReader(script), dialect)
	var statements []string
	for {
		stmt, err := scanner.Next()
		if err != nil {
			return statements
		}
		statements = append(statements, stmt)
	}
}

func (s *Scanner) code(c byte) {
	s.buf = append(s.buf, c)
	s.hasCode = true
}

func (s *Scanner) take() string {
	stmt := strings.TrimSpace(string(s.buf))
	s.reset()
	return stmt
}

func (s *Scanner) reset() {
	s.buf = s.buf[:0]
	s.hasCode = false
}

// afterEscapePrefix reports whether the buffer ends in a standalone E, the
// PostgreSQL marker for a backslash-escaped string.
func (s *Scanner) afterEscapePrefix() bool {
	n := len(s.buf)
	if n == 0 || (s.buf[n-1] != 'E' && s.buf[n-1] != 'e') {
		return false
	}
	return n == 1 || !isIdentByte(s.buf[n-2])
}

func (s *Scanner) quoted(quote byte, escapes bool) error {
	for {
		c, err := s.r.ReadByte()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read SQL script: %w", err)
		}
		s.buf = append(s.buf, c)

		if escapes && c == '\\' {
			next, err := s.r.ReadByte()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("failed to read SQL script: %w", err)
			}
			s.buf = append(s.buf, next)
			continue
		}

		if c == quote {
			if s.peekIs(quote) {
				next, _ := s.r.ReadByte()
				s.buf = append(s.buf, next)
				continue
			}
			return nil
		}
	}
}

// MySQL only treats "--" as a comment when whitespace or the end of input
// follows it; other engines always do.
func (s *Scanner) lineCommentAfterDashes() bool {
	if !s.hashComments {
		return true
	}
	peek, err := s.r.Peek(2)
	if len(peek) < 2 {
		return err != nil
	}
	return isSpace(peek[1])
}

func (s *Scanner) skipLine() error {
	for {
		c, err := s.r.ReadByte()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read SQL script: %w", err)
		}
		if c == '\n' {
			if len(s.buf) > 0 {
				s.buf = append(s.buf, '\n')
			}
			return nil
		}
	}
}

func (s *Scanner) skipBlock() error {
	s.r.ReadByte() // '*'
	var prev byte
	for {
		c, err := s.r.ReadByte()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read SQL script: %w", err)
		}
		if prev == '*' && c == '/' {
			if len(s.buf) > 0 {
				s.buf = append(s.buf, ' ')
			}
			return nil
		}
		prev = c
	}
}

// dollar consumes a $tag$ ... $tag$ body. A '$' that does not open a valid
// tag (for example a positional parameter) is kept as ordinary code.
func (s *Scanner) dollar() error {
	s.code('$')

	peek, _ := s.r.Peek(64)
	end := bytes.IndexByte(peek, '$')
	if end < 0 {
		return nil
	}
	tag := peek[:end]
	for i, b := range tag {
		if !isIdentByte(b) || (i == 0 && b >= '0' && b <= '9') {
			return nil
		}
	}

	delim := append([]byte{'$'}, tag...)
	delim = append(delim, '$')
	s.buf = append(s.buf, delim[1:]...)
	s.r.Discard(end + 1)
	bodyStart := len(s.buf)

	for {
		c, err := s.r.ReadByte()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read SQL script: %w", err)
		}
		s.buf = append(s.buf, c)
		if c == '$' && len(s.buf)-bodyStart >= len(delim) && bytes.HasSuffix(s.buf, delim) {
			return nil
		}
	}
}

func (s *Scanner) peekIs(c byte) bool {
	peek, _ := s.r.Peek(1)
	return len(peek) == 1 && peek[0] == c
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\n' || c == '\r' || c == '\t' || c == '\f' || c == '\v'
}

func isIdentByte(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c >= 0x80
}
