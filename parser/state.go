package parser

import (
	"errors"
	"fmt"

	"dbscope/logging"
	"dbscope/s7"
	"dbscope/schema"
)

// ErrUnknownUdtReference is reported for a quoted field type that names no
// registered UDT.
var ErrUnknownUdtReference = errors.New("unknown UDT reference")

// FieldError is a per-field problem. The field is skipped and parsing goes on.
type FieldError struct {
	Field string
	Type  string
	Line  int
	Err   error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("line %d: field %s: %v: %s", e.Line, e.Field, e.Err, e.Type)
}

func (e *FieldError) Unwrap() error { return e.Err }

// scope is one open container on the parse stack.
type scope struct {
	udt  *schema.UdtTemplate
	node schema.Container // *schema.Datablock or *schema.Struct

	// set for structures declared as Array[start..end] of Struct
	isArray    bool
	start, end int
}

// container returns the node children are attached to, nil inside a template.
func (s scope) container() schema.Container {
	if s.udt != nil {
		return nil
	}
	return s.node
}

// ParserState is the mutable context the grammar drives: the scope stack,
// the registries and the capture slots of the field being read.
type ParserState struct {
	types *s7.TypeRegistry
	udts  *schema.UdtRegistry
	root  *schema.Datablock
	stack []scope

	pendingName string
	pendingType string
	isArray     bool
	arrayStart  int
	arrayEnd    int
	line        int

	warnings []error
}

func newState(types *s7.TypeRegistry, udts *schema.UdtRegistry) *ParserState {
	return &ParserState{types: types, udts: udts}
}

func (s *ParserState) top() (scope, bool) {
	if len(s.stack) == 0 {
		return scope{}, false
	}
	return s.stack[len(s.stack)-1], true
}

func (s *ParserState) push(sc scope) { s.stack = append(s.stack, sc) }

func (s *ParserState) pop() (scope, bool) {
	sc, ok := s.top()
	if ok {
		s.stack = s.stack[:len(s.stack)-1]
	}
	return sc, ok
}

func (s *ParserState) warn(err error) {
	logging.DebugLog("parser", "%v", err)
	s.warnings = append(s.warnings, err)
}

// add attaches n to the container at the top of the stack.
func (s *ParserState) add(n schema.Node) {
	sc, ok := s.top()
	if !ok {
		return
	}
	if sc.udt != nil {
		sc.udt.Add(n)
		return
	}
	schema.Append(sc.node, n)
}

func (s *ParserState) clear() {
	s.pendingName, s.pendingType = "", ""
	s.isArray, s.arrayStart, s.arrayEnd = false, 0, 0
}

func (s *ParserState) openUdt(rawName string) *schema.UdtTemplate {
	t := schema.NewUdtTemplate(rawName)
	s.push(scope{udt: t})
	logging.DebugLog("parser", "TYPE %s", t.Name)
	return t
}

func (s *ParserState) openDatablock(rawName string) *schema.Datablock {
	s.root = schema.NewDatablock(schema.Unquote(rawName))
	s.push(scope{node: s.root})
	logging.DebugLog("parser", "DATA_BLOCK %s", s.root.Name)
	return s.root
}

func (s *ParserState) setName(name string, line int) {
	s.pendingName = name
	s.line = line
}

func (s *ParserState) setArray(start, end int) {
	s.isArray, s.arrayStart, s.arrayEnd = true, start, end
}

func (s *ParserState) setType(typ string) { s.pendingType = typ }

// openStruct starts a nested structure named by the pending field.
func (s *ParserState) openStruct() {
	parent := scope{}
	if sc, ok := s.top(); ok {
		parent = sc
	}
	st := schema.NewStruct(schema.Unquote(s.pendingName), parent.container())
	s.push(scope{node: st, isArray: s.isArray, start: s.arrayStart, end: s.arrayEnd})
	s.clear()
}

// closeStruct handles END_STRUCT. Closing a template's body registers it,
// closing a nested structure attaches it to the enclosing container, and
// closing the datablock body leaves the root in place.
func (s *ParserState) closeStruct() error {
	sc, ok := s.pop()
	if !ok {
		return errors.New("END_STRUCT without an open structure")
	}

	switch {
	case sc.udt != nil:
		s.udts.Register(sc.udt)
		logging.DebugLog("parser", "registered UDT %s with %d fields", sc.udt.Name, len(sc.udt.Children))
		return nil

	case sc.node == schema.Container(s.root):
		return nil
	}

	body, ok := sc.node.(*schema.Struct)
	if !ok {
		return fmt.Errorf("%w: %T", schema.ErrUnhandledNodeKind, sc.node)
	}
	var n schema.Node = body
	if sc.isArray {
		parent := scope{}
		if top, ok := s.top(); ok {
			parent = top
		}
		arr, err := schema.NewStructArray(body.Name, body, sc.start, sc.end, parent.container(), s.types)
		if err != nil {
			s.warn(&FieldError{Field: body.Name, Type: "Struct", Line: s.line, Err: err})
			return nil
		}
		n = arr
	}
	s.add(n)
	return nil
}

// materialize builds the pending field and attaches it. Unknown primitive
// types and unknown UDTs are reported as warnings and the field is dropped.
func (s *ParserState) materialize() {
	defer s.clear()

	name := schema.Unquote(s.pendingName)
	var parent schema.Container
	if sc, ok := s.top(); ok {
		parent = sc.container()
	}

	if schema.IsQuoted(s.pendingType) {
		t, ok := s.udts.Lookup(s.pendingType)
		if !ok {
			s.warn(&FieldError{Field: name, Type: s.pendingType, Line: s.line, Err: ErrUnknownUdtReference})
			return
		}
		var (
			n   schema.Node
			err error
		)
		if s.isArray {
			n, err = schema.InstantiateUdtArray(name, t, s.arrayStart, s.arrayEnd, parent, s.types)
		} else {
			n, err = schema.InstantiateUdt(name, t, parent, s.types)
		}
		if err != nil {
			s.warn(&FieldError{Field: name, Type: s.pendingType, Line: s.line, Err: err})
			return
		}
		s.add(n)
		return
	}

	if !s.types.Known(s.pendingType) {
		s.warn(&FieldError{Field: name, Type: s.pendingType, Line: s.line, Err: s7.ErrUnknownType})
		return
	}
	var (
		n   schema.Node
		err error
	)
	if s.isArray {
		n, err = schema.NewStandardArray(name, s.pendingType, s.arrayStart, s.arrayEnd, parent, s.types)
	} else {
		n, err = schema.NewScalar(name, s.pendingType, parent, s.types)
	}
	if err != nil {
		s.warn(&FieldError{Field: name, Type: s.pendingType, Line: s.line, Err: err})
		return
	}
	s.add(n)
}

// include handles a bare quoted UDT name inside a datablock body. Names that
// resolve to no template are ignored without a warning.
func (s *ParserState) include(rawName string, line int) {
	if _, ok := s.udts.Lookup(rawName); !ok {
		logging.DebugLog("parser", "line %d: ignoring %s, not a known UDT", line, rawName)
		s.clear()
		return
	}
	s.setName(rawName, line)
	s.setType(rawName)
	s.materialize()
}
