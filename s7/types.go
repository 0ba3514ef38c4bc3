// Package s7 provides the Siemens S7 primitive type table, scalar values and
// the big-endian codec used to map datablock memory, plus a thin client for
// reading and writing datablocks on a PLC.
package s7

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Class groups primitives by how their bytes are interpreted.
type Class int

const (
	ClassBit      Class = iota // single bit inside a byte
	ClassUnsigned              // big-endian unsigned integer
	ClassSigned                // big-endian two's complement integer
	ClassFloat                 // IEEE 754, kept as its bit pattern
	ClassText                  // fixed-length raw byte run
)

// Footprint is the memory a primitive occupies.
// Bits is non-zero only for BOOL.
type Footprint struct {
	Bytes int
	Bits  int
}

// Primitive describes one entry of the type table.
type Primitive struct {
	Name      string // canonical lowercase name
	Footprint Footprint
	Class     Class
}

var defaultPrimitives = []Primitive{
	{"bool", Footprint{0, 1}, ClassBit},
	{"byte", Footprint{1, 0}, ClassUnsigned},
	{"char", Footprint{1, 0}, ClassText},
	{"word", Footprint{2, 0}, ClassUnsigned},
	{"int", Footprint{2, 0}, ClassSigned},
	{"dint", Footprint{4, 0}, ClassSigned},
	{"real", Footprint{4, 0}, ClassFloat},
	{"string", Footprint{256, 0}, ClassText},
	{"date", Footprint{2, 0}, ClassUnsigned},
	{"dword", Footprint{4, 0}, ClassUnsigned},
	{"lreal", Footprint{8, 0}, ClassFloat},
	{"sint", Footprint{1, 0}, ClassSigned},
	{"time", Footprint{4, 0}, ClassUnsigned},
	{"udint", Footprint{4, 0}, ClassUnsigned},
	{"uint", Footprint{2, 0}, ClassUnsigned},
	{"usint", Footprint{1, 0}, ClassUnsigned},
}

// TypeRegistry maps primitive type names to their footprints.
// Lookups are case-insensitive. A registry is built once and then only read.
type TypeRegistry struct {
	types map[string]Primitive
}

// NewTypeRegistry returns a registry holding the standard S7 primitives.
func NewTypeRegistry() *TypeRegistry {
	r := &TypeRegistry{types: make(map[string]Primitive, len(defaultPrimitives))}
	for _, p := range defaultPrimitives {
		r.types[p.Name] = p
	}
	return r
}

// Lookup returns the primitive for a type name.
// Besides the table entries it understands the sized form STRING[n],
// which occupies n characters plus the two S7 length bytes.
func (r *TypeRegistry) Lookup(name string) (Primitive, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if p, ok := r.types[key]; ok {
		return p, nil
	}
	if n, ok := sizedString(key); ok {
		return Primitive{Name: key, Footprint: Footprint{Bytes: n + 2}, Class: ClassText}, nil
	}
	return Primitive{}, fmt.Errorf("%w: %q", ErrUnknownType, name)
}

// SizeOf returns the footprint of a type name.
func (r *TypeRegistry) SizeOf(name string) (Footprint, error) {
	p, err := r.Lookup(name)
	if err != nil {
		return Footprint{}, err
	}
	return p.Footprint, nil
}

// Known reports whether name is a primitive type.
func (r *TypeRegistry) Known(name string) bool {
	_, err := r.Lookup(name)
	return err == nil
}

// Names returns the table's type names in sorted order.
func (r *TypeRegistry) Names() []string {
	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// sizedString parses "string[n]" and returns n.
func sizedString(key string) (int, bool) {
	if !strings.HasPrefix(key, "string[") || !strings.HasSuffix(key, "]") {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(key[len("string[") : len(key)-1]))
	if err != nil || n < 0 || n > 254 {
		return 0, false
	}
	return n, true
}
