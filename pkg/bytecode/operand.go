package bytecode

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// OperandTag selects the addressing mode of an encoded operand.
type OperandTag byte

const (
	TagImmediate             OperandTag = 0x00 // literal value
	TagPointer               OperandTag = 0x01 // memory at address
	TagPointerOffset         OperandTag = 0x02 // memory at base+offset
	TagIndirectPointer       OperandTag = 0x03 // memory at the 64-bit pointer stored at address
	TagIndirectPointerOffset OperandTag = 0x04 // memory at (pointer stored at address)+offset
	TagRegister              OperandTag = 0x05 // register file cell
)

// NumRegisters is the number of addressable register cells.
const NumRegisters = 32

var tagNames = [...]string{"imm", "ptr", "ptr+off", "ind", "ind+off", "reg"}

func (t OperandTag) String() string {
	if t.Valid() {
		return tagNames[t]
	}
	return fmt.Sprintf("tag(0x%02X)", byte(t))
}

// Valid reports whether t names an addressing mode.
func (t OperandTag) Valid() bool {
	return t <= TagRegister
}

// Writable reports whether an operand with tag t can be a destination.
func (t OperandTag) Writable() bool {
	return t.Valid() && t != TagImmediate
}

// valueCount returns how many size-tagged values follow the tag byte.
func (t OperandTag) valueCount() int {
	switch t {
	case TagPointerOffset, TagIndirectPointerOffset:
		return 2
	case TagRegister:
		return 0
	default:
		return 1
	}
}

var (
	ErrOperandTruncated = errors.New("operand runs past end of code")
	ErrInvalidTag       = errors.New("invalid operand tag")
	ErrInvalidSize      = errors.New("invalid size tag")
)

// Operand is one decoded operand encoding. Values holds the literal for
// immediates and the address (then the offset) for the memory modes.
type Operand struct {
	Tag      OperandTag
	Sizes    [2]Width
	Values   [2]uint64
	Register uint8
}

// Imm builds an immediate operand holding v at width w.
func Imm(w Width, v uint64) Operand {
	return Operand{Tag: TagImmediate, Sizes: [2]Width{w}, Values: [2]uint64{w.Truncate(v)}}
}

// Ptr builds a direct memory operand.
func Ptr(w Width, addr uint64) Operand {
	return Operand{Tag: TagPointer, Sizes: [2]Width{w}, Values: [2]uint64{w.Truncate(addr)}}
}

// PtrOffset builds a base+offset memory operand.
func PtrOffset(w Width, base, offset uint64) Operand {
	return Operand{Tag: TagPointerOffset, Sizes: [2]Width{w, w}, Values: [2]uint64{w.Truncate(base), w.Truncate(offset)}}
}

// Indirect builds an operand that dereferences the pointer stored at addr.
func Indirect(w Width, addr uint64) Operand {
	return Operand{Tag: TagIndirectPointer, Sizes: [2]Width{w}, Values: [2]uint64{w.Truncate(addr)}}
}

// IndirectOffset builds an operand that dereferences the pointer stored at
// addr after adding offset to it.
func IndirectOffset(w Width, addr, offset uint64) Operand {
	return Operand{Tag: TagIndirectPointerOffset, Sizes: [2]Width{w, w}, Values: [2]uint64{w.Truncate(addr), w.Truncate(offset)}}
}

// Reg builds a register operand.
func Reg(index uint8) Operand {
	return Operand{Tag: TagRegister, Register: index}
}

// Target builds the 64-bit immediate used by jump, call and spawn.
func Target(offset int) Operand {
	return Imm(W64, uint64(offset))
}

// Len returns the encoded length of o in bytes.
func (o Operand) Len() int {
	if o.Tag == TagRegister {
		return 2
	}
	n := 1
	for i := 0; i < o.Tag.valueCount(); i++ {
		n += 1 + o.Sizes[i].Bytes()
	}
	return n
}

// Append appends the encoding of o to buf.
func (o Operand) Append(buf []byte) []byte {
	buf = append(buf, byte(o.Tag))
	if o.Tag == TagRegister {
		return append(buf, o.Register)
	}
	for i := 0; i < o.Tag.valueCount(); i++ {
		buf = append(buf, byte(o.Sizes[i]))
		buf = AppendUint(buf, o.Sizes[i], o.Values[i])
	}
	return buf
}

// Encode returns the encoding of o.
func (o Operand) Encode() []byte {
	return o.Append(make([]byte, 0, o.Len()))
}

func (o Operand) String() string {
	switch o.Tag {
	case TagImmediate:
		return fmt.Sprintf("imm%d %d", o.Sizes[0], o.Values[0])
	case TagPointer:
		return fmt.Sprintf("[0x%X]", o.Values[0])
	case TagPointerOffset:
		return fmt.Sprintf("[0x%X+%d]", o.Values[0], o.Values[1])
	case TagIndirectPointer:
		return fmt.Sprintf("[[0x%X]]", o.Values[0])
	case TagIndirectPointerOffset:
		return fmt.Sprintf("[[0x%X]+%d]", o.Values[0], o.Values[1])
	case TagRegister:
		return fmt.Sprintf("r%d", o.Register)
	}
	return o.Tag.String()
}

// DecodeOperand parses the operand encoding starting at code[pos]. It
// returns the operand and the position just past it. Only the structure
// is checked; register indices and addresses are resolved by the VM.
func DecodeOperand(code []byte, pos int) (Operand, int, error) {
	if pos < 0 || pos >= len(code) {
		return Operand{}, pos, fmt.Errorf("%w: missing tag at %d", ErrOperandTruncated, pos)
	}
	o := Operand{Tag: OperandTag(code[pos])}
	pos++
	if !o.Tag.Valid() {
		return Operand{}, pos, fmt.Errorf("%w: 0x%02X", ErrInvalidTag, byte(o.Tag))
	}
	if o.Tag == TagRegister {
		if pos >= len(code) {
			return Operand{}, pos, fmt.Errorf("%w: missing register index", ErrOperandTruncated)
		}
		o.Register = code[pos]
		return o, pos + 1, nil
	}
	for i := 0; i < o.Tag.valueCount(); i++ {
		if pos >= len(code) {
			return Operand{}, pos, fmt.Errorf("%w: missing size tag", ErrOperandTruncated)
		}
		w := Width(code[pos])
		pos++
		if !w.Valid() {
			return Operand{}, pos, fmt.Errorf("%w: %d", ErrInvalidSize, byte(w))
		}
		if len(code)-pos < w.Bytes() {
			return Operand{}, pos, fmt.Errorf("%w: need %d value bytes", ErrOperandTruncated, w.Bytes())
		}
		o.Sizes[i] = w
		o.Values[i] = Uint(code[pos:], w)
		pos += w.Bytes()
	}
	return o, pos, nil
}

// AppendUint appends the low w bits of v to buf, most significant byte first.
func AppendUint(buf []byte, w Width, v uint64) []byte {
	switch w {
	case W8:
		return append(buf, byte(v))
	case W16:
		return binary.BigEndian.AppendUint16(buf, uint16(v))
	case W32:
		return binary.BigEndian.AppendUint32(buf, uint32(v))
	default:
		return binary.BigEndian.AppendUint64(buf, v)
	}
}

// Uint reads a big-endian value of width w from the start of b.
func Uint(b []byte, w Width) uint64 {
	switch w {
	case W8:
		return uint64(b[0])
	case W16:
		return uint64(binary.BigEndian.Uint16(b))
	case W32:
		return uint64(binary.BigEndian.Uint32(b))
	default:
		return binary.BigEndian.Uint64(b)
	}
}

// PutUint writes the low w bits of v into b, most significant byte first.
func PutUint(b []byte, w Width, v uint64) {
	switch w {
	case W8:
		b[0] = byte(v)
	case W16:
		binary.BigEndian.PutUint16(b, uint16(v))
	case W32:
		binary.BigEndian.PutUint32(b, uint32(v))
	default:
		binary.BigEndian.PutUint64(b, v)
	}
}
