package schema

import (
	"fmt"

	"dbscope/s7"
)

// CloneUnder deep-copies n so that it belongs to parent. Offsets and values
// are not copied; the clone is ready for a fresh layout.
func CloneUnder(n Node, parent Container, types *s7.TypeRegistry) (Node, error) {
	switch v := n.(type) {
	case *Scalar:
		return &Scalar{Field: Field{Meta: newMeta(v.Name, v.Type, parent)}}, nil

	case *ArrayElement:
		return &ArrayElement{
			Field:    Field{Meta: newMeta(v.Name, v.Type, parent)},
			Index:    v.Index,
			MaxIndex: v.MaxIndex,
		}, nil

	case *StandardArray:
		arr, err := NewStandardArray(v.Name, v.Type, v.Start, v.End, parent, types)
		if err != nil {
			return nil, err
		}
		return arr, nil

	case *Struct:
		s := &Struct{Group: Group{Meta: newMeta(v.Name, v.Type, parent)}, Elem: v.Elem}
		if err := cloneChildren(s, v.Children, types); err != nil {
			return nil, err
		}
		return s, nil

	case *UdtInstance:
		inst := &UdtInstance{Group: Group{Meta: newMeta(v.Name, v.Type, parent)}, Elem: v.Elem}
		if err := cloneChildren(inst, v.Children, types); err != nil {
			return nil, err
		}
		return inst, nil

	case *StructArray:
		arr := &StructArray{Group: Group{Meta: newMeta(v.Name, v.Type, parent)}, Start: v.Start, End: v.End}
		if err := cloneChildren(arr, v.Children, types); err != nil {
			return nil, err
		}
		return arr, nil

	case *UdtArray:
		arr := &UdtArray{Group: Group{Meta: newMeta(v.Name, v.Type, parent)}, Start: v.Start, End: v.End}
		if err := cloneChildren(arr, v.Children, types); err != nil {
			return nil, err
		}
		return arr, nil

	default:
		return nil, fmt.Errorf("%w: %T", ErrUnhandledNodeKind, n)
	}
}

func cloneChildren(dst Container, children []Node, types *s7.TypeRegistry) error {
	for _, child := range children {
		c, err := CloneUnder(child, dst, types)
		if err != nil {
			return err
		}
		Append(dst, c)
	}
	return nil
}

// InstantiateUdt creates an instance of t named name under parent.
func InstantiateUdt(name string, t *UdtTemplate, parent Container, types *s7.TypeRegistry) (*UdtInstance, error) {
	inst := &UdtInstance{Group: Group{Meta: newMeta(name, t.Name, parent)}}
	if err := cloneChildren(inst, t.Children, types); err != nil {
		return nil, fmt.Errorf("instantiate %s: %w", t.Name, err)
	}
	return inst, nil
}

// InstantiateUdtArray creates Array[start..end] of t. One body is cloned from
// the template and every element is a deep copy of that body.
func InstantiateUdtArray(name string, t *UdtTemplate, start, end int, parent Container, types *s7.TypeRegistry) (*UdtArray, error) {
	arr := &UdtArray{Group: Group{Meta: newMeta(name, t.Name, parent)}, Start: start, End: end}
	if start > end {
		return arr, nil
	}

	base, err := InstantiateUdt(name, t, nil, types)
	if err != nil {
		return nil, err
	}
	for i := start; i <= end; i++ {
		n, err := CloneUnder(base, arr, types)
		if err != nil {
			return nil, err
		}
		el := n.(*UdtInstance)
		el.Name = elemName(name, i)
		el.Elem = Elem{Indexed: true, Index: i, MaxIndex: end}
		Append(arr, el)
	}
	return arr, nil
}

// NewStructArray creates Array[start..end] of body, one deep copy per index.
func NewStructArray(name string, body *Struct, start, end int, parent Container, types *s7.TypeRegistry) (*StructArray, error) {
	arr := &StructArray{Group: Group{Meta: newMeta(name, "Struct", parent)}, Start: start, End: end}
	for i := start; i <= end; i++ {
		n, err := CloneUnder(body, arr, types)
		if err != nil {
			return nil, err
		}
		el := n.(*Struct)
		el.Name = elemName(name, i)
		el.Elem = Elem{Indexed: true, Index: i, MaxIndex: end}
		Append(arr, el)
	}
	return arr, nil
}
