package session

import (
	"dbscope/s7"
	"dbscope/schema"
)

// Node kinds reported in a NodeView.
const (
	KindDatablock   = "datablock"
	KindScalar      = "scalar"
	KindElement     = "element"
	KindArray       = "array"
	KindStruct      = "struct"
	KindStructArray = "struct_array"
	KindUdtInstance = "udt"
	KindUdtArray    = "udt_array"
)

// NodeView is a read-only copy of one tree node for presentation.
type NodeView struct {
	Name     string      `json:"name"`
	Path     string      `json:"path"`
	Type     string      `json:"type"`
	Kind     string      `json:"kind"`
	Offset   string      `json:"offset,omitempty"`
	Address  string      `json:"address,omitempty"`
	Value    interface{} `json:"value,omitempty"`
	Visible  bool        `json:"visible"`
	Children []NodeView  `json:"children,omitempty"`
}

// IsLeaf reports whether the view describes a field with a value.
func (v NodeView) IsLeaf() bool {
	return v.Kind == KindScalar || v.Kind == KindElement
}

func kindOf(n schema.Node) string {
	switch n.(type) {
	case *schema.Datablock:
		return KindDatablock
	case *schema.Scalar:
		return KindScalar
	case *schema.ArrayElement:
		return KindElement
	case *schema.StandardArray:
		return KindArray
	case *schema.Struct:
		return KindStruct
	case *schema.StructArray:
		return KindStructArray
	case *schema.UdtInstance:
		return KindUdtInstance
	case *schema.UdtArray:
		return KindUdtArray
	}
	return ""
}

// buildView copies n and, when deep, its subtree. Hidden children are
// skipped when visibleOnly is set.
func buildView(n schema.Node, number int, types *s7.TypeRegistry, deep, visibleOnly bool) NodeView {
	v := NodeView{
		Name:    schema.Name(n),
		Path:    schema.Path(n),
		Type:    schema.TypeOf(n),
		Kind:    kindOf(n),
		Visible: schema.Visible(n),
	}
	if f := schema.FieldOf(n); f != nil {
		v.Offset = f.Offset.String()
		v.Value = f.Value.Interface()
		if p, err := types.Lookup(f.Type); err == nil {
			v.Address = s7.FormatAddress(number, f.Offset, p)
			v.Value = p.Render(f.Value)
		}
		return v
	}
	if !deep {
		return v
	}
	for _, c := range schema.Children(n) {
		if visibleOnly && !schema.Visible(c) {
			continue
		}
		v.Children = append(v.Children, buildView(c, number, types, true, visibleOnly))
	}
	return v
}
