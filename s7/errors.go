package s7

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownType is returned for a type name missing from the registry.
	ErrUnknownType = errors.New("unknown type")

	// ErrBufferTooSmall is returned when a read or write would run past the buffer.
	ErrBufferTooSmall = errors.New("buffer too small")

	// ErrValueKind is returned when a value's kind does not fit the field type.
	ErrValueKind = errors.New("value kind does not match type")

	// ErrValueRange is returned when an integer does not fit the field type.
	ErrValueRange = errors.New("value out of range")

	// ErrNotConnected is returned by client calls made without a live connection.
	ErrNotConnected = errors.New("not connected")
)

// BoundsError reports an access outside the supplied buffer.
// It matches ErrBufferTooSmall with errors.Is.
type BoundsError struct {
	Offset Offset
	Need   int // bytes required from Offset.Byte
	Have   int // len(buffer)
}

func (e *BoundsError) Error() string {
	return fmt.Sprintf("buffer too small: need %d byte(s) at %s, buffer has %d", e.Need, e.Offset, e.Have)
}

// Is lets errors.Is treat a BoundsError as ErrBufferTooSmall.
func (e *BoundsError) Is(target error) bool {
	return target == ErrBufferTooSmall
}
