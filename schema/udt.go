package schema

import (
	"sort"
	"strings"
)

// UdtTemplate is a registered user-defined type. Its children are never laid
// out or decoded; every use site clones them.
type UdtTemplate struct {
	Name     string // unquoted
	RawName  string // as written in the source, quotes included
	Version  string
	Children []Node
}

// NewUdtTemplate returns an empty template for a raw (possibly quoted) name.
func NewUdtTemplate(rawName string) *UdtTemplate {
	return &UdtTemplate{Name: Unquote(rawName), RawName: rawName}
}

// Add appends a template child. Template children have no parent.
func (t *UdtTemplate) Add(n Node) {
	n.meta().parent = nil
	t.Children = append(t.Children, n)
}

// UdtRegistry maps UDT names to templates.
type UdtRegistry struct {
	templates map[string]*UdtTemplate
}

// NewUdtRegistry returns an empty registry.
func NewUdtRegistry() *UdtRegistry {
	return &UdtRegistry{templates: make(map[string]*UdtTemplate)}
}

// Register adds or replaces a template.
func (r *UdtRegistry) Register(t *UdtTemplate) {
	r.templates[t.Name] = t
}

// Lookup finds a template by name. Surrounding double quotes are ignored.
func (r *UdtRegistry) Lookup(name string) (*UdtTemplate, bool) {
	if r == nil {
		return nil, false
	}
	t, ok := r.templates[Unquote(name)]
	return t, ok
}

// Len returns the number of templates.
func (r *UdtRegistry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.templates)
}

// Names returns the registered names in sorted order.
func (r *UdtRegistry) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.templates))
	for name := range r.templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Copy returns a registry holding the same templates. Templates themselves
// are shared; they are only ever read after registration.
func (r *UdtRegistry) Copy() *UdtRegistry {
	c := NewUdtRegistry()
	if r != nil {
		for k, v := range r.templates {
			c.templates[k] = v
		}
	}
	return c
}

// Merge registers every template of other into r.
func (r *UdtRegistry) Merge(other *UdtRegistry) {
	if other == nil {
		return
	}
	for k, v := range other.templates {
		r.templates[k] = v
	}
}

// IsQuoted reports whether s is wrapped in double quotes.
func IsQuoted(s string) bool {
	return len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"'
}

// Unquote strips one pair of surrounding double quotes.
func Unquote(s string) string {
	s = strings.TrimSpace(s)
	if IsQuoted(s) {
		return s[1 : len(s)-1]
	}
	return s
}
