package parser

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIllegal
	tokIdent   // bare name or keyword
	tokQuoted  // "double quoted name", quotes kept
	tokNumber  // 12, -3, 0.1
	tokColon   // :
	tokSemi    // ;
	tokLBrack  // [
	tokRBrack  // ]
	tokRange   // ..
	tokAttr    // { ... } kept raw
	tokDefault // := ... up to the terminating ';' (not included)
	tokEquals  // =
)

var tokenNames = map[tokenKind]string{
	tokEOF:     "end of input",
	tokIllegal: "illegal",
	tokIdent:   "name",
	tokQuoted:  "quoted name",
	tokNumber:  "number",
	tokColon:   "':'",
	tokSemi:    "';'",
	tokLBrack:  "'['",
	tokRBrack:  "']'",
	tokRange:   "'..'",
	tokAttr:    "attribute block",
	tokDefault: "default value",
	tokEquals:  "'='",
}

func (k tokenKind) String() string {
	if s, ok := tokenNames[k]; ok {
		return s
	}
	return fmt.Sprintf("token(%d)", int(k))
}

type token struct {
	kind tokenKind
	text string
	line int
	col  int
}

func (t token) String() string {
	switch t.kind {
	case tokIdent, tokQuoted, tokNumber:
		return fmt.Sprintf("%s %s", t.kind, t.text)
	case tokIllegal:
		return t.text
	}
	return t.kind.String()
}

// lexer splits DB/UDT source into tokens. It never reads more than the
// token being returned, so the parser can ask it to drop the rest of a line.
type lexer struct {
	src  string
	pos  int
	line int
	col  int
}

func newLexer(src string) *lexer {
	return &lexer{src: strings.TrimPrefix(src, "\ufeff"), line: 1, col: 1}
}

func (l *lexer) peek(n int) byte {
	if l.pos+n >= len(l.src) {
		return 0
	}
	return l.src[l.pos+n]
}

// advance consumes one rune and keeps line/col current.
func (l *lexer) advance() {
	if l.pos >= len(l.src) {
		return
	}
	r, size := utf8.DecodeRuneInString(l.src[l.pos:])
	l.pos += size
	if r == '\n' {
		l.line++
		l.col = 1
	} else {
		l.col++
	}
}

func (l *lexer) skipSpaceAndComments() {
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		switch {
		case c == ' ' || c == '\t' || c == '\r' || c == '\n':
			l.advance()
		case c == '/' && l.peek(1) == '/':
			for l.pos < len(l.src) && l.src[l.pos] != '\n' {
				l.advance()
			}
		case c == '(' && l.peek(1) == '*':
			l.advance()
			l.advance()
			for l.pos < len(l.src) && !(l.src[l.pos] == '*' && l.peek(1) == ')') {
				l.advance()
			}
			l.advance()
			l.advance()
		default:
			return
		}
	}
}

// skipLine drops everything up to the end of the current line.
func (l *lexer) skipLine() {
	for l.pos < len(l.src) && l.src[l.pos] != '\n' {
		l.advance()
	}
}

func isWordChar(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' ||
		c == '_' || c == '-' || c == '.' || c == '/' || c == '#' || c >= utf8.RuneSelf
}

func (l *lexer) next() token {
	l.skipSpaceAndComments()
	tok := token{line: l.line, col: l.col}
	if l.pos >= len(l.src) {
		tok.kind = tokEOF
		return tok
	}

	start := l.pos
	c := l.src[l.pos]
	switch {
	case c == '"':
		l.advance()
		for l.pos < len(l.src) && l.src[l.pos] != '"' && l.src[l.pos] != '\n' {
			l.advance()
		}
		if l.pos >= len(l.src) || l.src[l.pos] != '"' {
			tok.kind, tok.text = tokIllegal, "unterminated quoted name"
			return tok
		}
		l.advance()
		tok.kind, tok.text = tokQuoted, l.src[start:l.pos]

	case c == ':' && l.peek(1) == '=':
		l.advance()
		l.advance()
		from := l.pos
		quoted := false
		for l.pos < len(l.src) && (quoted || l.src[l.pos] != ';') {
			if l.src[l.pos] == '\'' {
				quoted = !quoted
			}
			l.advance()
		}
		if l.pos >= len(l.src) {
			tok.kind, tok.text = tokIllegal, "default value without ';'"
			return tok
		}
		tok.kind, tok.text = tokDefault, strings.TrimSpace(l.src[from:l.pos])

	case c == '{':
		for l.pos < len(l.src) && l.src[l.pos] != '}' {
			l.advance()
		}
		if l.pos >= len(l.src) {
			tok.kind, tok.text = tokIllegal, "unterminated attribute block"
			return tok
		}
		l.advance()
		tok.kind, tok.text = tokAttr, l.src[start:l.pos]

	case c == '.' && l.peek(1) == '.':
		l.advance()
		l.advance()
		tok.kind, tok.text = tokRange, ".."

	case isWordChar(c):
		for l.pos < len(l.src) && isWordChar(l.src[l.pos]) {
			if l.src[l.pos] == '.' && l.peek(1) == '.' {
				break
			}
			l.advance()
		}
		tok.text = l.src[start:l.pos]
		tok.kind = tokIdent
		if isNumber(tok.text) {
			tok.kind = tokNumber
		}

	default:
		l.advance()
		tok.text = l.src[start:l.pos]
		switch c {
		case ':':
			tok.kind = tokColon
		case ';':
			tok.kind = tokSemi
		case '[':
			tok.kind = tokLBrack
		case ']':
			tok.kind = tokRBrack
		case '=':
			tok.kind = tokEquals
		default:
			tok.kind, tok.text = tokIllegal, fmt.Sprintf("unexpected character %q", tok.text)
		}
	}
	return tok
}

// isNumber matches an optionally signed integer or a dotted version number.
func isNumber(s string) bool {
	s = strings.TrimPrefix(s, "-")
	if s == "" {
		return false
	}
	dot := false
	for i := 0; i < len(s); i++ {
		switch {
		case s[i] >= '0' && s[i] <= '9':
		case s[i] == '.' && !dot && i > 0 && i < len(s)-1:
			dot = true
		default:
			return false
		}
	}
	return true
}
