// Package snapshot flattens a decoded datablock into a list of entries and
// stores raw buffer captures for offline replay.
package snapshot

import (
	"time"

	"dbscope/s7"
	"dbscope/schema"
)

// Entry is one decoded leaf.
type Entry struct {
	Path    string      `json:"path" msgpack:"path"`
	Type    string      `json:"type" msgpack:"type"`
	Address string      `json:"address" msgpack:"address"`
	Offset  string      `json:"offset" msgpack:"offset"`
	Value   interface{} `json:"value" msgpack:"value"`
	Visible bool        `json:"visible" msgpack:"visible"`
}

// Snapshot is the state of a datablock at one poll.
type Snapshot struct {
	Datablock string    `json:"datablock" msgpack:"datablock"`
	Number    int       `json:"number" msgpack:"number"`
	Size      int       `json:"size" msgpack:"size"`
	Timestamp time.Time `json:"timestamp" msgpack:"timestamp"`
	Entries   []Entry   `json:"entries" msgpack:"entries"`
	Raw       []byte    `json:"-" msgpack:"raw"`
}

// Take flattens every leaf of a laid-out, decoded datablock.
func Take(db *schema.Datablock, raw []byte, types *s7.TypeRegistry, at time.Time) *Snapshot {
	leaves := schema.Leaves(db)
	s := &Snapshot{
		Datablock: db.Name,
		Number:    db.Number,
		Size:      db.Size(),
		Timestamp: at,
		Entries:   make([]Entry, 0, len(leaves)),
		Raw:       append([]byte(nil), raw...),
	}
	for _, l := range leaves {
		f := schema.FieldOf(l)
		e := Entry{
			Path:    schema.Path(l),
			Type:    f.Type,
			Offset:  f.Offset.String(),
			Value:   f.Value.Interface(),
			Visible: f.Visible,
		}
		if p, err := types.Lookup(f.Type); err == nil {
			e.Address = s7.FormatAddress(db.Number, f.Offset, p)
			e.Value = p.Render(f.Value)
		}
		s.Entries = append(s.Entries, e)
	}
	return s
}

// Find returns the entry for a path.
func (s *Snapshot) Find(path string) (Entry, bool) {
	for _, e := range s.Entries {
		if e.Path == path {
			return e, true
		}
	}
	return Entry{}, false
}

// Changed returns the entries whose value differs from prev. Every entry
// is returned when prev is nil or describes another datablock.
func (s *Snapshot) Changed(prev *Snapshot) []Entry {
	if prev == nil || prev.Datablock != s.Datablock || len(prev.Entries) != len(s.Entries) {
		return append([]Entry(nil), s.Entries...)
	}
	var out []Entry
	for i, e := range s.Entries {
		p := prev.Entries[i]
		if p.Path != e.Path || p.Value != e.Value {
			out = append(out, e)
		}
	}
	return out
}
