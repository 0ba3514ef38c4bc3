package schema

import (
	"strings"

	"dbscope/s7"
)

// Walk visits n and its descendants in declaration order. Returning false
// from fn skips the children of the node just visited.
func Walk(n Node, fn func(Node) bool) {
	if !fn(n) {
		return
	}
	for _, child := range Children(n) {
		Walk(child, fn)
	}
}

// Leaves returns every leaf under n in declaration order.
func Leaves(n Node) []Leaf {
	var out []Leaf
	Walk(n, func(n Node) bool {
		if l, ok := n.(Leaf); ok {
			out = append(out, l)
		}
		return true
	})
	return out
}

// isElement reports whether n is one element of an array. Element names
// already carry their base name, so paths skip the array node itself.
func isElement(n Node) bool {
	switch v := n.(type) {
	case *ArrayElement:
		return true
	case *Struct:
		return v.Indexed
	case *UdtInstance:
		return v.Indexed
	}
	return false
}

// Path returns the dotted path of n below its datablock, such as
// "M1.Speed" or "Motors[2].Speed". The root's path is "".
func Path(n Node) string {
	var parts []string
	for cur := n; cur != nil; {
		if _, ok := cur.(*Datablock); ok {
			break
		}
		parts = append(parts, Name(cur))
		parent := cur.Parent()
		if parent == nil {
			break
		}
		if isElement(cur) {
			if grand := parent.Parent(); grand != nil {
				parent = grand
			} else {
				break
			}
		}
		cur = parent
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, ".")
}

// Find returns the node whose Path equals path.
func Find(db *Datablock, path string) (Node, bool) {
	var found Node
	Walk(db, func(n Node) bool {
		if found != nil {
			return false
		}
		if n != Node(db) && Path(n) == path {
			found = n
			return false
		}
		return true
	})
	return found, found != nil
}

// FindByOffset returns the first leaf placed exactly at off.
func FindByOffset(db *Datablock, off s7.Offset) (Leaf, bool) {
	for _, l := range Leaves(db) {
		if l.field().Offset == off {
			return l, true
		}
	}
	return nil, false
}
