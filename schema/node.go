// Package schema models a datablock as a tree of typed fields and implements
// UDT instantiation, byte.bit layout, buffer decode/encode and visibility
// filtering over that tree.
package schema

import (
	"errors"
	"fmt"

	"dbscope/s7"
)

// ErrUnhandledNodeKind is returned when an operation meets a node type it
// has no case for.
var ErrUnhandledNodeKind = errors.New("unhandled node kind")

// Node is implemented by every tree node. The set of implementations is closed:
// *Scalar, *ArrayElement, *StandardArray, *Struct, *StructArray,
// *UdtInstance, *UdtArray and *Datablock.
type Node interface {
	meta() *Meta
	Parent() Container
}

// Container is a node with ordered children.
type Container interface {
	Node
	group() *Group
}

// Leaf is a node holding a decoded value.
type Leaf interface {
	Node
	field() *Field
}

// Meta holds what every node carries.
type Meta struct {
	Name    string
	Type    string
	Visible bool
	parent  Container
}

func (m *Meta) meta() *Meta { return m }

// Parent returns the owning container, or nil for the root and for template children.
func (m *Meta) Parent() Container { return m.parent }

// Field is the part shared by all leaves.
type Field struct {
	Meta
	Offset s7.Offset
	Value  s7.Value
}

func (f *Field) field() *Field { return f }

// FieldOf returns the leaf data of n, or nil if n is a container.
func FieldOf(n Node) *Field {
	if l, ok := n.(Leaf); ok {
		return l.field()
	}
	return nil
}

// Scalar is a plain typed field.
type Scalar struct {
	Field
}

// ArrayElement is one element of a StandardArray.
type ArrayElement struct {
	Field
	Index    int
	MaxIndex int
}

// Group is the part shared by all containers.
type Group struct {
	Meta
	Children []Node
}

func (g *Group) group() *Group { return g }

// Elem marks a structure that is one element of an array.
type Elem struct {
	Indexed  bool
	Index    int
	MaxIndex int
}

// StandardArray is Array[Start..End] of a primitive type.
type StandardArray struct {
	Group
	Start, End int
}

// Struct is an inline STRUCT, or one element of a StructArray.
type Struct struct {
	Group
	Elem
}

// StructArray is Array[Start..End] of Struct.
type StructArray struct {
	Group
	Start, End int
}

// UdtInstance is one instance of a UDT template, or one element of a UdtArray.
type UdtInstance struct {
	Group
	Elem
}

// UdtArray is Array[Start..End] of a UDT.
type UdtArray struct {
	Group
	Start, End int
}

// Datablock is the tree root.
type Datablock struct {
	Group
	Number     int
	Version    string
	NonRetain  bool
	Attributes string
	MaxOffset  s7.Offset
}

// NewDatablock returns an empty root.
func NewDatablock(name string) *Datablock {
	db := &Datablock{}
	db.Name = name
	db.Type = "DATA_BLOCK"
	db.Visible = true
	return db
}

// Size returns the number of bytes the laid-out datablock spans.
func (db *Datablock) Size() int {
	if db.MaxOffset.Bit > 0 {
		return db.MaxOffset.Byte + 1
	}
	return db.MaxOffset.Byte
}

// Name returns a node's name.
func Name(n Node) string { return n.meta().Name }

// TypeOf returns a node's declared type.
func TypeOf(n Node) string { return n.meta().Type }

// Visible reports a node's visibility flag.
func Visible(n Node) bool { return n.meta().Visible }

// Children returns a container's children, or nil for a leaf.
func Children(n Node) []Node {
	if c, ok := n.(Container); ok {
		return c.group().Children
	}
	return nil
}

// Append adds child to c and sets its parent.
func Append(c Container, child Node) {
	child.meta().parent = c
	g := c.group()
	g.Children = append(g.Children, child)
}

func newMeta(name, typ string, parent Container) Meta {
	return Meta{Name: name, Type: typ, Visible: true, parent: parent}
}

// NewScalar returns a plain field after checking its type.
func NewScalar(name, typ string, parent Container, types *s7.TypeRegistry) (*Scalar, error) {
	if !types.Known(typ) {
		return nil, fmt.Errorf("field %s: %w: %q", name, s7.ErrUnknownType, typ)
	}
	return &Scalar{Field: Field{Meta: newMeta(name, typ, parent)}}, nil
}

// NewStandardArray builds Array[start..end] of typ with one element per index
// named name[i]. start > end yields an empty array.
func NewStandardArray(name, typ string, start, end int, parent Container, types *s7.TypeRegistry) (*StandardArray, error) {
	if !types.Known(typ) {
		return nil, fmt.Errorf("field %s: %w: %q", name, s7.ErrUnknownType, typ)
	}
	arr := &StandardArray{Group: Group{Meta: newMeta(name, typ, parent)}, Start: start, End: end}
	for i := start; i <= end; i++ {
		Append(arr, &ArrayElement{
			Field:    Field{Meta: newMeta(elemName(name, i), typ, nil)},
			Index:    i,
			MaxIndex: end,
		})
	}
	return arr, nil
}

// NewStruct returns an empty inline structure.
func NewStruct(name string, parent Container) *Struct {
	return &Struct{Group: Group{Meta: newMeta(name, "Struct", parent)}}
}

func elemName(base string, i int) string {
	return fmt.Sprintf("%s[%d]", base, i)
}
