package s7

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Address is a parsed absolute datablock address.
type Address struct {
	DBNumber int    // Data block number
	Offset   Offset // Byte and bit; Bit is 0 for non-bit access
	Width    byte   // X, B, W, D, L, or 0 for the plain DB1.4 form
	Size     int    // Bytes covered (1 for bit access, 0 if unknown)
}

var (
	// DB1.DBX0.0 (bit), DB1.DBB0, DB1.DBW0, DB1.DBD0, DB1.DBL0
	reDB = regexp.MustCompile(`^DB(\d+)\.DB([XBWDL])(\d+)(?:\.(\d))?$`)

	// DB1.4 or DB1.4.3: offset only, width taken from the field
	reDBSimple = regexp.MustCompile(`^DB(\d+)\.(\d+)(?:\.(\d))?$`)
)

// ParseAddress parses a datablock address.
// Supported formats:
//   - DB1.DBX0.0 - bit
//   - DB1.DBB0   - byte
//   - DB1.DBW0   - word
//   - DB1.DBD0   - double word
//   - DB1.DBL0   - long word
//   - DB1.4      - offset only
//   - DB1.4.3    - offset and bit
func ParseAddress(addr string) (*Address, error) {
	addr = strings.ToUpper(strings.TrimSpace(addr))
	if addr == "" {
		return nil, fmt.Errorf("empty address")
	}

	if m := reDBSimple.FindStringSubmatch(addr); m != nil {
		dbNum, _ := strconv.Atoi(m[1])
		off, _ := strconv.Atoi(m[2])
		bit := 0
		if m[3] != "" {
			bit, _ = strconv.Atoi(m[3])
			if bit > 7 {
				return nil, fmt.Errorf("bit number must be 0-7, got %d", bit)
			}
		}
		return &Address{DBNumber: dbNum, Offset: Offset{Byte: off, Bit: bit}}, nil
	}

	m := reDB.FindStringSubmatch(addr)
	if m == nil {
		return nil, fmt.Errorf("invalid datablock address: %s", addr)
	}

	dbNum, _ := strconv.Atoi(m[1])
	off, _ := strconv.Atoi(m[3])
	a := &Address{DBNumber: dbNum, Offset: Offset{Byte: off}, Width: m[2][0]}

	switch a.Width {
	case 'X':
		if m[4] == "" {
			return nil, fmt.Errorf("DBX requires bit number (e.g., DB1.DBX0.0)")
		}
		bit, _ := strconv.Atoi(m[4])
		if bit > 7 {
			return nil, fmt.Errorf("bit number must be 0-7, got %d", bit)
		}
		a.Offset.Bit = bit
		a.Size = 1
	case 'B':
		a.Size = 1
	case 'W':
		a.Size = 2
	case 'D':
		a.Size = 4
	case 'L':
		a.Size = 8
	}
	if a.Width != 'X' && m[4] != "" {
		return nil, fmt.Errorf("DB%c takes no bit number", a.Width)
	}

	return a, nil
}

// FormatAddress renders the absolute address of a field of primitive p at off.
// Text fields are addressed by their first byte.
func FormatAddress(dbNumber int, off Offset, p Primitive) string {
	if p.Class == ClassBit {
		return fmt.Sprintf("DB%d.DBX%d.%d", dbNumber, off.Byte, off.Bit)
	}
	if p.Class == ClassText {
		return fmt.Sprintf("DB%d.DBB%d", dbNumber, off.Byte)
	}
	switch p.Footprint.Bytes {
	case 2:
		return fmt.Sprintf("DB%d.DBW%d", dbNumber, off.Byte)
	case 4:
		return fmt.Sprintf("DB%d.DBD%d", dbNumber, off.Byte)
	case 8:
		return fmt.Sprintf("DB%d.DBL%d", dbNumber, off.Byte)
	default:
		return fmt.Sprintf("DB%d.DBB%d", dbNumber, off.Byte)
	}
}
