package schema

import (
	"errors"
	"fmt"

	"dbscope/s7"
)

// ErrInvalidFilterCombination is returned for criteria that match no filter mode.
var ErrInvalidFilterCombination = errors.New("invalid filter combination")

// Predicate decides whether a leaf is visible.
type Predicate func(*Field) bool

// Mode is the active filter shape.
type Mode int

const (
	ModeReset     Mode = iota // no criteria: everything visible
	ModeValue                 // leaf value equals target
	ModeName                  // leaf name equals target
	ModeValueName             // both of the above
	ModeContainer             // leaf inside a named container, value equals target
)

func (m Mode) String() string {
	switch m {
	case ModeReset:
		return "reset"
	case ModeValue:
		return "value"
	case ModeName:
		return "name"
	case ModeValueName:
		return "value+name"
	case ModeContainer:
		return "container+value"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Criteria is what a user typed into the filter bar. nil means not supplied.
type Criteria struct {
	Value          *string `json:"value,omitempty"`
	Name           *string `json:"name,omitempty"`
	Container      *string `json:"container,omitempty"`
	ContainerValue *string `json:"container_value,omitempty"`
}

// Mode classifies the criteria.
func (c Criteria) Mode() (Mode, error) {
	hasValue, hasName := c.Value != nil, c.Name != nil
	hasContainer, hasContainerValue := c.Container != nil, c.ContainerValue != nil

	switch {
	case hasContainer || hasContainerValue:
		if hasContainer && hasContainerValue && !hasValue && !hasName {
			return ModeContainer, nil
		}
	case hasValue && hasName:
		return ModeValueName, nil
	case hasValue:
		return ModeValue, nil
	case hasName:
		return ModeName, nil
	default:
		return ModeReset, nil
	}
	return 0, ErrInvalidFilterCombination
}

// ValueMatcher returns a predicate for "value equals target". Empty text
// matches every leaf.
func ValueMatcher(target s7.Value) Predicate {
	if target.IsEmpty() {
		return func(*Field) bool { return true }
	}
	return func(f *Field) bool { return f.Value.Equal(target) }
}

// NameMatcher returns a predicate for "name equals target".
func NameMatcher(target string) Predicate {
	return func(f *Field) bool { return f.Name == target }
}

// ApplyFilter sets every leaf's visibility to pred and every container's to
// whether any child is visible. It returns the root's visibility.
func ApplyFilter(n Node, pred Predicate) bool {
	if l, ok := n.(Leaf); ok {
		f := l.field()
		f.Visible = pred(f)
		return f.Visible
	}
	shown := false
	for _, child := range Children(n) {
		if ApplyFilter(child, pred) {
			shown = true
		}
	}
	n.meta().Visible = shown
	return shown
}

// ApplyContainerFilter shows leaves whose value matches and that sit anywhere
// below a container named container. Ancestors of a visible node stay visible.
func ApplyContainerFilter(n Node, container string, pred Predicate) bool {
	return containerPass(n, container, pred, false)
}

func containerPass(n Node, container string, pred Predicate, inside bool) bool {
	if l, ok := n.(Leaf); ok {
		f := l.field()
		f.Visible = inside && pred(f)
		return f.Visible
	}
	if _, root := n.(*Datablock); !root && Name(n) == container {
		inside = true
	}
	shown := false
	for _, child := range Children(n) {
		if containerPass(child, container, pred, inside) {
			shown = true
		}
	}
	n.meta().Visible = shown
	return shown
}

// ResetFilter marks every node visible.
func ResetFilter(n Node) {
	Walk(n, func(n Node) bool {
		n.meta().Visible = true
		return true
	})
}

// Filter applies criteria to db. Invalid criteria are rejected before the
// tree is touched.
func Filter(db *Datablock, c Criteria) (Mode, error) {
	mode, err := c.Mode()
	if err != nil {
		return mode, err
	}

	switch mode {
	case ModeReset:
		ResetFilter(db)
	case ModeValue:
		ApplyFilter(db, ValueMatcher(s7.ParseLiteral(*c.Value)))
	case ModeName:
		ApplyFilter(db, NameMatcher(*c.Name))
	case ModeValueName:
		byValue := ValueMatcher(s7.ParseLiteral(*c.Value))
		byName := NameMatcher(*c.Name)
		ApplyFilter(db, func(f *Field) bool { return byName(f) && byValue(f) })
	case ModeContainer:
		ApplyContainerFilter(db, *c.Container, ValueMatcher(s7.ParseLiteral(*c.ContainerValue)))
	}
	return mode, nil
}
