package bytecode

import "fmt"

// Width is the size of a value in bits. Its numeric value doubles as the
// size tag byte in the operand encoding.
type Width uint8

const (
	W8  Width = 8
	W16 Width = 16
	W32 Width = 32
	W64 Width = 64
)

// Valid reports whether w is one of the four encodable widths.
func (w Width) Valid() bool {
	return w == W8 || w == W16 || w == W32 || w == W64
}

// Bytes returns the number of bytes a value of width w occupies.
func (w Width) Bytes() int {
	return int(w) / 8
}

// Mask returns a mask selecting the low w bits.
func (w Width) Mask() uint64 {
	if w >= W64 {
		return ^uint64(0)
	}
	return uint64(1)<<w - 1
}

// Truncate drops all bits of v above w.
func (w Width) Truncate(v uint64) uint64 {
	return v & w.Mask()
}

// SignExtend interprets the low w bits of v as a two's complement integer.
func (w Width) SignExtend(v uint64) int64 {
	shift := 64 - uint(w)
	return int64(v<<shift) >> shift
}

func (w Width) String() string {
	return fmt.Sprintf("%d", uint8(w))
}

// Type is the numeric type a typed opcode operates on.
type Type uint8

const (
	U8 Type = iota
	U16
	U32
	U64
	I8
	I16
	I32
	I64
	F32
	F64
)

// NumericTypes lists every type in opcode order.
var NumericTypes = []Type{U8, U16, U32, U64, I8, I16, I32, I64, F32, F64}

// IntegerTypes lists the types the bitwise opcodes are defined for.
var IntegerTypes = []Type{U8, U16, U32, U64, I8, I16, I32, I64}

var typeNames = [...]string{"u8", "u16", "u32", "u64", "i8", "i16", "i32", "i64", "f32", "f64"}

func (t Type) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

// Width returns the storage width of t.
func (t Type) Width() Width {
	switch t {
	case U8, I8:
		return W8
	case U16, I16:
		return W16
	case U32, I32, F32:
		return W32
	default:
		return W64
	}
}

// Signed reports whether t is a signed integer type.
func (t Type) Signed() bool {
	return t >= I8 && t <= I64
}

// Float reports whether t is a floating point type.
func (t Type) Float() bool {
	return t == F32 || t == F64
}
