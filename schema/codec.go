package schema

import (
	"fmt"

	"dbscope/s7"
)

// Decode reads every leaf value of a laid-out datablock from buf.
// Values are committed only if every read succeeds.
func Decode(db *Datablock, buf []byte, types *s7.TypeRegistry) error {
	leaves := Leaves(db)
	values := make([]s7.Value, len(leaves))
	for i, l := range leaves {
		f := l.field()
		v, err := s7.DecodeScalar(buf, f.Offset, f.Type, types)
		if err != nil {
			return fmt.Errorf("decode %s: field %s: %w", db.Name, Path(l), err)
		}
		values[i] = v
	}
	for i, l := range leaves {
		l.field().Value = values[i]
	}
	return nil
}

// Encode writes every leaf value into a new buffer of db.Size() bytes.
func Encode(db *Datablock, types *s7.TypeRegistry) ([]byte, error) {
	buf := make([]byte, db.Size())
	if err := EncodeInto(db, buf, types); err != nil {
		return nil, err
	}
	return buf, nil
}

// EncodeInto writes every leaf value into buf, leaving padding bytes untouched.
func EncodeInto(db *Datablock, buf []byte, types *s7.TypeRegistry) error {
	for _, l := range Leaves(db) {
		f := l.field()
		if err := s7.EncodeScalar(buf, f.Offset, f.Type, f.Value, types); err != nil {
			return fmt.Errorf("encode %s: field %s: %w", db.Name, Path(l), err)
		}
	}
	return nil
}

// EncodeLeaf writes v for a single leaf into buf and stores what buf now
// decodes to as the leaf's value. buf is not modified if the value does not fit.
func EncodeLeaf(buf []byte, l Leaf, v s7.Value, types *s7.TypeRegistry) error {
	f := l.field()
	if err := s7.EncodeScalar(buf, f.Offset, f.Type, v, types); err != nil {
		return fmt.Errorf("field %s: %w", Path(l), err)
	}
	written, err := s7.DecodeScalar(buf, f.Offset, f.Type, types)
	if err != nil {
		return fmt.Errorf("field %s: %w", Path(l), err)
	}
	f.Value = written
	return nil
}
