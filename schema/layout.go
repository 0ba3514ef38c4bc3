package schema

import (
	"fmt"

	"dbscope/logging"
	"dbscope/s7"
)

// placement is an offset computed for a leaf but not yet stored.
type placement struct {
	field *Field
	off   s7.Offset
}

type layouter struct {
	types  *s7.TypeRegistry
	cur    s7.Offset
	staged []placement
}

// Layout assigns a byte.bit offset to every leaf of db, continuing from
// db.MaxOffset, and leaves the final cursor in db.MaxOffset. On error no
// offset is changed. Running it twice without resetting MaxOffset shifts
// every field; use Relayout for that.
func Layout(db *Datablock, types *s7.TypeRegistry) error {
	l := &layouter{types: types, cur: db.MaxOffset}
	for _, child := range db.Children {
		if err := l.node(child); err != nil {
			return fmt.Errorf("layout %s: %w", db.Name, err)
		}
	}

	for _, p := range l.staged {
		p.field.Offset = p.off
	}
	if l.cur.Bit >= 8 {
		l.cur.Byte++
		l.cur.Bit = 0
	}
	db.MaxOffset = l.cur

	logging.DebugLog("layout", "%s: %d fields, end %s, %d bytes", db.Name, len(l.staged), db.MaxOffset, db.Size())
	return nil
}

// Relayout lays db out again starting from offset 0.0.
func Relayout(db *Datablock, types *s7.TypeRegistry) error {
	saved := db.MaxOffset
	db.MaxOffset = s7.Offset{}
	if err := Layout(db, types); err != nil {
		db.MaxOffset = saved
		return err
	}
	return nil
}

func (l *layouter) node(n Node) error {
	switch v := n.(type) {
	case *Scalar:
		return l.leaf(v)
	case *ArrayElement:
		return l.leaf(v)
	case *StandardArray, *Struct, *StructArray, *UdtInstance, *UdtArray:
		l.openContainer()
		for _, child := range Children(v) {
			if err := l.node(child); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("%w: %T", ErrUnhandledNodeKind, n)
	}
}

// leaf places one primitive. A byte-granular type never shares a byte with
// preceding bits, a bool never straddles a byte, and anything wider than a
// byte starts on an even byte.
func (l *layouter) leaf(n Leaf) error {
	f := n.field()
	fp, err := l.types.SizeOf(f.Type)
	if err != nil {
		return fmt.Errorf("field %s: %w", Path(n), err)
	}

	if l.cur.Bit+fp.Bits > 8 || (fp.Bits == 0 && l.cur.Bit > 0) {
		l.cur.Byte++
		l.cur.Bit = 0
	}
	if fp.Bytes > 1 {
		l.alignEven()
	}

	l.staged = append(l.staged, placement{field: f, off: l.cur})
	l.cur.Byte += fp.Bytes
	l.cur.Bit += fp.Bits
	return nil
}

// openContainer moves the cursor to the even byte a structure or array starts on.
func (l *layouter) openContainer() {
	if l.cur.Bit > 0 {
		l.cur.Byte++
		l.cur.Bit = 0
	}
	l.alignEven()
}

func (l *layouter) alignEven() {
	if l.cur.Byte%2 != 0 {
		l.cur.Byte++
	}
	l.cur.Bit = 0
}
