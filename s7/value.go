package s7

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"strings"

	"fortio.org/safecast"
)

// Offset is a byte.bit address inside a datablock.
type Offset struct {
	Byte int
	Bit  int
}

// Less orders offsets by byte, then bit.
func (o Offset) Less(other Offset) bool {
	if o.Byte != other.Byte {
		return o.Byte < other.Byte
	}
	return o.Bit < other.Bit
}

func (o Offset) String() string {
	return fmt.Sprintf("%d.%d", o.Byte, o.Bit)
}

// Kind is the tag of a Value.
type Kind uint8

const (
	KindText Kind = iota
	KindInt
	KindBool
)

func (k Kind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindBool:
		return "bool"
	default:
		return "text"
	}
}

// Value is a decoded scalar: an integer, a boolean or text.
// The zero Value is empty text.
type Value struct {
	kind Kind
	i    int64
	b    bool
	s    string
}

// IntValue returns an integer Value.
func IntValue(i int64) Value { return Value{kind: KindInt, i: i} }

// BoolValue returns a boolean Value.
func BoolValue(b bool) Value { return Value{kind: KindBool, b: b} }

// TextValue returns a text Value.
func TextValue(s string) Value { return Value{kind: KindText, s: s} }

// Kind returns the tag of the value.
func (v Value) Kind() Kind { return v.kind }

// Int returns the integer and whether the value is an integer.
func (v Value) Int() (int64, bool) { return v.i, v.kind == KindInt }

// Bool returns the boolean and whether the value is a boolean.
func (v Value) Bool() (bool, bool) { return v.b, v.kind == KindBool }

// Text returns the text and whether the value is text.
func (v Value) Text() (string, bool) { return v.s, v.kind == KindText }

// IsEmpty reports whether v is empty text.
func (v Value) IsEmpty() bool { return v.kind == KindText && v.s == "" }

// Equal compares tag and payload. Values of different kinds are never equal.
func (v Value) Equal(other Value) bool {
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case KindInt:
		return v.i == other.i
	case KindBool:
		return v.b == other.b
	default:
		return v.s == other.s
	}
}

func (v Value) String() string {
	switch v.kind {
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindBool:
		return strconv.FormatBool(v.b)
	default:
		return v.s
	}
}

// Interface returns the payload as a plain Go value.
func (v Value) Interface() interface{} {
	switch v.kind {
	case KindInt:
		return v.i
	case KindBool:
		return v.b
	default:
		return v.s
	}
}

// Render returns the value as presented for this primitive: REAL and LREAL
// bit patterns become floats, everything else is the plain payload.
func (p Primitive) Render(v Value) interface{} {
	if p.Class == ClassFloat && v.kind == KindInt {
		if p.Footprint.Bytes == 4 {
			return float64(math.Float32frombits(uint32(v.i)))
		}
		return math.Float64frombits(uint64(v.i))
	}
	return v.Interface()
}

// ParseLiteral turns user input into a Value: an integer if it parses as
// one, then true/false (any case), otherwise the raw text.
func ParseLiteral(text string) Value {
	if i, err := strconv.ParseInt(strings.TrimSpace(text), 10, 64); err == nil {
		return IntValue(i)
	}
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "true":
		return BoolValue(true)
	case "false":
		return BoolValue(false)
	}
	return TextValue(text)
}

// ParseScalar turns user input into the Value that decoding the named type
// would produce. REAL and LREAL text becomes the float's bit pattern, and
// 0/1 become booleans for BOOL. Other types fall back to ParseLiteral.
func ParseScalar(text, typeName string, reg *TypeRegistry) (Value, error) {
	p, err := reg.Lookup(typeName)
	if err != nil {
		return Value{}, err
	}
	switch p.Class {
	case ClassFloat:
		u, err := floatBits(text, p.Footprint.Bytes)
		if err != nil {
			return Value{}, err
		}
		return IntValue(int64(u)), nil
	case ClassBit:
		switch strings.TrimSpace(text) {
		case "1":
			return BoolValue(true), nil
		case "0":
			return BoolValue(false), nil
		}
	case ClassText:
		return TextValue(text), nil
	}
	return ParseLiteral(text), nil
}

// DecodeScalar reads one value of the named type at off.
func DecodeScalar(buf []byte, off Offset, typeName string, reg *TypeRegistry) (Value, error) {
	p, err := reg.Lookup(typeName)
	if err != nil {
		return Value{}, err
	}
	return p.Decode(buf, off)
}

// EncodeScalar writes v as the named type at off. It is the inverse of DecodeScalar.
func EncodeScalar(buf []byte, off Offset, typeName string, v Value, reg *TypeRegistry) error {
	p, err := reg.Lookup(typeName)
	if err != nil {
		return err
	}
	return p.Encode(buf, off, v)
}

// span returns the byte run a primitive occupies at off, or a BoundsError.
func (p Primitive) span(buf []byte, off Offset) ([]byte, error) {
	n := p.Footprint.Bytes
	if p.Class == ClassBit {
		n = 1
	}
	if off.Byte < 0 || off.Byte+n > len(buf) {
		return nil, &BoundsError{Offset: off, Need: n, Have: len(buf)}
	}
	return buf[off.Byte : off.Byte+n], nil
}

// Decode reads the primitive at off. Multi-byte numbers are big-endian;
// signed types are sign-extended.
func (p Primitive) Decode(buf []byte, off Offset) (Value, error) {
	b, err := p.span(buf, off)
	if err != nil {
		return Value{}, err
	}

	switch p.Class {
	case ClassBit:
		return BoolValue((b[0]>>uint(off.Bit))&1 == 1), nil
	case ClassText:
		return TextValue(string(bytes.TrimRight(b, "\x00"))), nil
	}

	var u uint64
	for _, c := range b {
		u = u<<8 | uint64(c)
	}
	if p.Class == ClassSigned && len(b) < 8 {
		shift := uint(64 - 8*len(b))
		return IntValue(int64(u<<shift) >> shift), nil
	}
	return IntValue(int64(u)), nil
}

// Encode writes v at off.
func (p Primitive) Encode(buf []byte, off Offset, v Value) error {
	b, err := p.span(buf, off)
	if err != nil {
		return err
	}

	switch p.Class {
	case ClassBit:
		on, ok := v.Bool()
		if !ok {
			i, isInt := v.Int()
			if !isInt || (i != 0 && i != 1) {
				return fmt.Errorf("%w: %s for %s", ErrValueKind, v.Kind(), p.Name)
			}
			on = i == 1
		}
		mask := byte(1) << uint(off.Bit)
		if on {
			b[0] |= mask
		} else {
			b[0] &^= mask
		}
		return nil

	case ClassText:
		s, ok := v.Text()
		if !ok {
			s = v.String()
		}
		n := copy(b, s)
		for i := n; i < len(b); i++ {
			b[i] = 0
		}
		return nil
	}

	u, err := p.encodeBits(v)
	if err != nil {
		return err
	}
	for i := len(b) - 1; i >= 0; i-- {
		b[i] = byte(u)
		u >>= 8
	}
	return nil
}

// encodeBits converts v to the raw big-endian bit pattern for a numeric primitive.
func (p Primitive) encodeBits(v Value) (uint64, error) {
	i, isInt := v.Int()
	if !isInt {
		if p.Class == ClassFloat {
			if s, ok := v.Text(); ok {
				return floatBits(s, p.Footprint.Bytes)
			}
		}
		return 0, fmt.Errorf("%w: %s for %s", ErrValueKind, v.Kind(), p.Name)
	}

	var err error
	switch p.Class {
	case ClassSigned:
		switch p.Footprint.Bytes {
		case 1:
			_, err = safecast.Conv[int8](i)
		case 2:
			_, err = safecast.Conv[int16](i)
		case 4:
			_, err = safecast.Conv[int32](i)
		}
	case ClassUnsigned, ClassFloat:
		switch p.Footprint.Bytes {
		case 1:
			_, err = safecast.Conv[uint8](i)
		case 2:
			_, err = safecast.Conv[uint16](i)
		case 4:
			_, err = safecast.Conv[uint32](i)
		case 8:
			if p.Class == ClassUnsigned {
				_, err = safecast.Conv[uint64](i)
			}
		}
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %d for %s", ErrValueRange, i, p.Name)
	}
	return uint64(i), nil
}

func floatBits(s string, size int) (uint64, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a number", ErrValueKind, s)
	}
	if size == 4 {
		return uint64(math.Float32bits(float32(f))), nil
	}
	return math.Float64bits(f), nil
}
