// Package parser reads Siemens DB and UDT source exports into a schema tree.
package parser

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"dbscope/s7"
	"dbscope/schema"
)

// Error is a malformed-input error at a source position. No tree is
// returned alongside it.
type Error struct {
	Line   int
	Column int
	Msg    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("line %d, column %d: %s", e.Line, e.Column, e.Msg)
}

// Result is a parsed source file.
type Result struct {
	Datablock *schema.Datablock   // nil for a file holding only TYPE blocks
	Udts      *schema.UdtRegistry // every template known after the parse
	Warnings  []error             // skipped fields, each a *FieldError
}

type options struct {
	types *s7.TypeRegistry
	udts  *schema.UdtRegistry
}

// Option configures a parse.
type Option func(*options)

// WithTypes sets the primitive type table. The default table is used otherwise.
func WithTypes(types *s7.TypeRegistry) Option {
	return func(o *options) { o.types = types }
}

// WithUdts makes the templates of udts available to the source being parsed.
// udts itself is not modified.
func WithUdts(udts *schema.UdtRegistry) Option {
	return func(o *options) { o.udts = udts }
}

// Parse reads a source file that contains one DATA_BLOCK, optionally after
// any number of TYPE blocks.
func Parse(src string, opts ...Option) (*Result, error) {
	return parse(src, true, opts)
}

// ParseTypes reads a source file of TYPE blocks. A DATA_BLOCK, if present,
// is parsed too.
func ParseTypes(src string, opts ...Option) (*Result, error) {
	return parse(src, false, opts)
}

func parse(src string, requireDB bool, opts []Option) (*Result, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.types == nil {
		o.types = s7.NewTypeRegistry()
	}

	p := &parser{
		lex: newLexer(src),
		st:  newState(o.types, o.udts.Copy()),
	}
	p.next()
	if err := p.parseFile(); err != nil {
		return nil, err
	}
	if requireDB && p.st.root == nil {
		return nil, p.errorf("no DATA_BLOCK in source")
	}
	return &Result{Datablock: p.st.root, Udts: p.st.udts, Warnings: p.st.warnings}, nil
}

type parser struct {
	lex *lexer
	tok token
	st  *ParserState
}

func (p *parser) next() { p.tok = p.lex.next() }

func (p *parser) errorf(format string, args ...interface{}) error {
	return &Error{Line: p.tok.line, Column: p.tok.col, Msg: fmt.Sprintf(format, args...)}
}

func (p *parser) is(kind tokenKind) bool { return p.tok.kind == kind }

// keyword matches a bare word case-insensitively.
func (p *parser) keyword(kw string) bool {
	return p.tok.kind == tokIdent && strings.EqualFold(p.tok.text, kw)
}

func (p *parser) expect(kind tokenKind) (token, error) {
	tok := p.tok
	if tok.kind != kind {
		return tok, p.unexpected(kind.String())
	}
	p.next()
	return tok, nil
}

func (p *parser) expectKeyword(kw string) error {
	if !p.keyword(kw) {
		return p.unexpected(kw)
	}
	p.next()
	return nil
}

func (p *parser) unexpected(want string) error {
	if p.tok.kind == tokIllegal {
		return p.errorf("%s", p.tok.text)
	}
	return p.errorf("expected %s, found %s", want, p.tok)
}

// name accepts a quoted or bare name token.
func (p *parser) name() (token, error) {
	if p.is(tokQuoted) || p.is(tokIdent) {
		tok := p.tok
		p.next()
		return tok, nil
	}
	return p.tok, p.unexpected("name")
}

func (p *parser) number() (int, error) {
	tok := p.tok
	if tok.kind != tokNumber {
		return 0, p.unexpected("number")
	}
	n, err := strconv.Atoi(tok.text)
	if err != nil {
		return 0, p.errorf("%s is not an integer", tok.text)
	}
	p.next()
	return n, nil
}

var headerWords = []string{"TITLE", "AUTHOR", "FAMILY", "NAME"}

// skipHeaderLine drops descriptive header lines such as TITLE = ... .
func (p *parser) skipHeaderLine() bool {
	for _, w := range headerWords {
		if p.keyword(w) {
			p.lex.skipLine()
			p.next()
			return true
		}
	}
	return false
}

func (p *parser) version() (string, error) {
	p.next()
	if _, err := p.expect(tokColon); err != nil {
		return "", err
	}
	tok, err := p.expect(tokNumber)
	if err != nil {
		return "", err
	}
	return tok.text, nil
}

func (p *parser) parseFile() error {
	for p.keyword("TYPE") {
		if err := p.parseUdt(); err != nil {
			return err
		}
	}
	if p.keyword("DATA_BLOCK") {
		// Anything after the datablock body (BEGIN section, END_DATA_BLOCK)
		// holds no declarations.
		return p.parseDatablock()
	}
	if !p.is(tokEOF) {
		return p.unexpected("TYPE or DATA_BLOCK")
	}
	return nil
}

func (p *parser) parseUdt() error {
	p.next()
	nameTok, err := p.name()
	if err != nil {
		return err
	}
	t := p.st.openUdt(nameTok.text)

	for !p.keyword("STRUCT") {
		switch {
		case p.keyword("VERSION"):
			if t.Version, err = p.version(); err != nil {
				return err
			}
		case p.is(tokAttr):
			p.next()
		case p.skipHeaderLine():
		default:
			return p.unexpected("STRUCT")
		}
	}
	p.next()

	if err := p.parseFields(false); err != nil {
		return err
	}
	if err := p.endStruct(); err != nil {
		return err
	}
	return p.expectKeyword("END_TYPE")
}

var dbNumberName = regexp.MustCompile(`(?i)^DB(\d+)$`)

func (p *parser) parseDatablock() error {
	p.next()
	nameTok, err := p.name()
	if err != nil {
		return err
	}
	db := p.st.openDatablock(nameTok.text)
	if m := dbNumberName.FindStringSubmatch(db.Name); m != nil {
		db.Number, _ = strconv.Atoi(m[1])
	}

header:
	for {
		switch {
		case p.keyword("VERSION"):
			if db.Version, err = p.version(); err != nil {
				return err
			}
		case p.is(tokAttr):
			db.Attributes = p.tok.text
			p.next()
		case p.keyword("NON_RETAIN"):
			db.NonRetain = true
			p.next()
		case p.keyword("STRUCT"):
			p.next()
			break header
		case p.skipHeaderLine():
		default:
			// A datablock typed by a UDT has no STRUCT line.
			break header
		}
	}

	if err := p.parseFields(true); err != nil {
		return err
	}
	if p.keyword("BEGIN") {
		return nil
	}
	return p.endStruct()
}

// endStruct consumes END_STRUCT; and closes the innermost scope.
func (p *parser) endStruct() error {
	if err := p.expectKeyword("END_STRUCT"); err != nil {
		return err
	}
	if _, err := p.expect(tokSemi); err != nil {
		return err
	}
	if err := p.st.closeStruct(); err != nil {
		return p.errorf("%v", err)
	}
	return nil
}

// parseFields reads declarations up to END_STRUCT, or BEGIN when inDB is set.
// The terminator is left for the caller.
func (p *parser) parseFields(inDB bool) error {
	for {
		switch {
		case p.keyword("END_STRUCT"):
			return nil
		case inDB && p.keyword("BEGIN"):
			return nil
		case p.is(tokEOF):
			return p.unexpected("END_STRUCT")
		}
		if err := p.parseField(inDB); err != nil {
			return err
		}
	}
}

func (p *parser) parseField(inDB bool) error {
	nameTok, err := p.name()
	if err != nil {
		return err
	}

	if inDB && nameTok.kind == tokQuoted && !p.is(tokColon) && !p.is(tokAttr) {
		p.st.include(nameTok.text, nameTok.line)
		if p.is(tokSemi) {
			p.next()
		}
		return nil
	}

	p.st.setName(nameTok.text, nameTok.line)
	if p.is(tokAttr) {
		p.next()
	}
	if _, err := p.expect(tokColon); err != nil {
		return err
	}

	if p.keyword("Array") {
		p.next()
		if _, err := p.expect(tokLBrack); err != nil {
			return err
		}
		start, err := p.number()
		if err != nil {
			return err
		}
		if _, err := p.expect(tokRange); err != nil {
			return err
		}
		end, err := p.number()
		if err != nil {
			return err
		}
		if _, err := p.expect(tokRBrack); err != nil {
			return err
		}
		if err := p.expectKeyword("of"); err != nil {
			return err
		}
		p.st.setArray(start, end)
	}

	if p.keyword("Struct") {
		p.next()
		p.st.openStruct()
		if err := p.parseFields(false); err != nil {
			return err
		}
		return p.endStruct()
	}

	typeTok, err := p.name()
	if err != nil {
		return err
	}
	typ := typeTok.text
	if typeTok.kind == tokIdent && p.is(tokLBrack) {
		p.next()
		n, err := p.number()
		if err != nil {
			return err
		}
		if _, err := p.expect(tokRBrack); err != nil {
			return err
		}
		typ = fmt.Sprintf("%s[%d]", typ, n)
	}
	p.st.setType(typ)

	if p.is(tokDefault) {
		p.next()
	}
	if _, err := p.expect(tokSemi); err != nil {
		return err
	}
	p.st.materialize()
	return nil
}
