package bytecode

import "fmt"

// Opcode represents a bytecode instruction.
//
// Control opcodes occupy 0x00-0x07. Typed opcodes follow in families, one
// opcode per numeric type, in the order listed by NumericTypes (or
// IntegerTypes for the bitwise families).
type Opcode byte

const (
	// ========================================================================
	// Control (0x00-0x07)
	// ========================================================================

	OpNop   Opcode = iota // No operation
	OpHalt                // Terminate the current process
	OpWait                // Mark the current process Waiting
	OpSpawn               // Start a new process: OpSpawn <target:operand64>
	OpJmp                 // Unconditional jump: OpJmp <target:operand64>
	OpIfJmp               // Pop one byte, jump when nonzero: OpIfJmp <target:operand64>
	OpCall                // Push return offset and jump: OpCall <target:operand64>
	OpRet                 // Pop return offset and jump to it

	// ========================================================================
	// Stack
	// ========================================================================

	OpPushU8
	OpPushU16
	OpPushU32
	OpPushU64
	OpPushI8
	OpPushI16
	OpPushI32
	OpPushI64
	OpPushF32
	OpPushF64

	OpPopU8
	OpPopU16
	OpPopU32
	OpPopU64
	OpPopI8
	OpPopI16
	OpPopI32
	OpPopI64
	OpPopF32
	OpPopF64

	OpCopyU8
	OpCopyU16
	OpCopyU32
	OpCopyU64
	OpCopyI8
	OpCopyI16
	OpCopyI32
	OpCopyI64
	OpCopyF32
	OpCopyF64

	// ========================================================================
	// Memory
	// ========================================================================

	OpLoadU8
	OpLoadU16
	OpLoadU32
	OpLoadU64
	OpLoadI8
	OpLoadI16
	OpLoadI32
	OpLoadI64
	OpLoadF32
	OpLoadF64

	OpSaveU8
	OpSaveU16
	OpSaveU32
	OpSaveU64
	OpSaveI8
	OpSaveI16
	OpSaveI32
	OpSaveI64
	OpSaveF32
	OpSaveF64

	// ========================================================================
	// Arithmetic
	// ========================================================================

	OpAddU8
	OpAddU16
	OpAddU32
	OpAddU64
	OpAddI8
	OpAddI16
	OpAddI32
	OpAddI64
	OpAddF32
	OpAddF64

	OpSubU8
	OpSubU16
	OpSubU32
	OpSubU64
	OpSubI8
	OpSubI16
	OpSubI32
	OpSubI64
	OpSubF32
	OpSubF64

	OpMulU8
	OpMulU16
	OpMulU32
	OpMulU64
	OpMulI8
	OpMulI16
	OpMulI32
	OpMulI64
	OpMulF32
	OpMulF64

	OpDivU8
	OpDivU16
	OpDivU32
	OpDivU64
	OpDivI8
	OpDivI16
	OpDivI32
	OpDivI64
	OpDivF32
	OpDivF64

	OpRemU8
	OpRemU16
	OpRemU32
	OpRemU64
	OpRemI8
	OpRemI16
	OpRemI32
	OpRemI64
	OpRemF32
	OpRemF64

	// ========================================================================
	// Bitwise
	// ========================================================================

	OpAndU8
	OpAndU16
	OpAndU32
	OpAndU64
	OpAndI8
	OpAndI16
	OpAndI32
	OpAndI64

	OpOrU8
	OpOrU16
	OpOrU32
	OpOrU64
	OpOrI8
	OpOrI16
	OpOrI32
	OpOrI64

	OpXorU8
	OpXorU16
	OpXorU32
	OpXorU64
	OpXorI8
	OpXorI16
	OpXorI32
	OpXorI64

	OpShlU8
	OpShlU16
	OpShlU32
	OpShlU64
	OpShlI8
	OpShlI16
	OpShlI32
	OpShlI64

	OpShrU8
	OpShrU16
	OpShrU32
	OpShrU64
	OpShrI8
	OpShrI16
	OpShrI32
	OpShrI64

	OpNotU8
	OpNotU16
	OpNotU32
	OpNotU64
	OpNotI8
	OpNotI16
	OpNotI32
	OpNotI64

	OpNegU8
	OpNegU16
	OpNegU32
	OpNegU64
	OpNegI8
	OpNegI16
	OpNegI32
	OpNegI64
	OpNegF32
	OpNegF64

	// ========================================================================
	// Comparison
	// ========================================================================

	OpLtU8
	OpLtU16
	OpLtU32
	OpLtU64
	OpLtI8
	OpLtI16
	OpLtI32
	OpLtI64
	OpLtF32
	OpLtF64

	OpLteU8
	OpLteU16
	OpLteU32
	OpLteU64
	OpLteI8
	OpLteI16
	OpLteI32
	OpLteI64
	OpLteF32
	OpLteF64

	OpGtU8
	OpGtU16
	OpGtU32
	OpGtU64
	OpGtI8
	OpGtI16
	OpGtI32
	OpGtI64
	OpGtF32
	OpGtF64

	OpGteU8
	OpGteU16
	OpGteU32
	OpGteU64
	OpGteI8
	OpGteI16
	OpGteI32
	OpGteI64
	OpGteF32
	OpGteF64

	OpEqU8
	OpEqU16
	OpEqU32
	OpEqU64
	OpEqI8
	OpEqI16
	OpEqI32
	OpEqI64
	OpEqF32
	OpEqF64

	OpNeqU8
	OpNeqU16
	OpNeqU32
	OpNeqU64
	OpNeqI8
	OpNeqI16
	OpNeqI32
	OpNeqI64
	OpNeqF32
	OpNeqF64

	opcodeLimit // one past the last defined opcode
)

// Family groups the typed variants of one operation.
type Family uint8

const (
	FamNop Family = iota
	FamHalt
	FamWait
	FamSpawn
	FamJmp
	FamIfJmp
	FamCall
	FamRet
	FamPush
	FamPop
	FamCopy
	FamLoad
	FamSave
	FamAdd
	FamSub
	FamMul
	FamDiv
	FamRem
	FamAnd
	FamOr
	FamXor
	FamShl
	FamShr
	FamNot
	FamNeg
	FamLt
	FamLte
	FamGt
	FamGte
	FamEq
	FamNeq
)

var familyNames = [...]string{
	"nop", "halt", "wait", "spawn", "jmp", "if_jmp", "call", "ret",
	"push", "pop", "copy", "load", "save",
	"add", "sub", "mul", "div", "rem",
	"and", "or", "xor", "shl", "shr", "not", "neg",
	"lt", "lte", "gt", "gte", "eq", "neq",
}

func (f Family) String() string {
	if int(f) < len(familyNames) {
		return familyNames[f]
	}
	return fmt.Sprintf("family(%d)", uint8(f))
}

// Comparison reports whether f pushes a one byte truth value.
func (f Family) Comparison() bool {
	return f >= FamLt && f <= FamNeq
}

// Binary reports whether f pops two operands and pushes one result.
func (f Family) Binary() bool {
	return (f >= FamAdd && f <= FamShr) || f.Comparison()
}

// Unary reports whether f pops one value and pushes one result.
func (f Family) Unary() bool {
	return f == FamNot || f == FamNeg
}

// OperandUse describes how an opcode consumes its encoded operand.
type OperandUse uint8

const (
	OperandNone  OperandUse = iota // no operand follows the opcode
	OperandRead                    // operand is resolved and read
	OperandWrite                   // operand is resolved and written
)

// OpcodeInfo contains metadata about an opcode.
type OpcodeInfo struct {
	Op      Opcode
	Name    string // e.g. "add_u8"
	Family  Family
	Type    Type // meaningless when Typed is false
	Typed   bool
	Operand OperandUse
	// OperandWidth is the width the operand is read or written at.
	OperandWidth Width
}

// opcodeInfoTable maps opcodes to their metadata. It is filled by init
// from the family layout below.
var opcodeInfoTable [opcodeLimit]OpcodeInfo

// opcodeByName maps instruction names back to opcodes.
var opcodeByName = map[string]Opcode{}

type familyLayout struct {
	first   Opcode
	family  Family
	types   []Type
	operand OperandUse
}

var typedFamilies = []familyLayout{
	{OpPushU8, FamPush, NumericTypes, OperandRead},
	{OpPopU8, FamPop, NumericTypes, OperandWrite},
	{OpCopyU8, FamCopy, NumericTypes, OperandNone},
	{OpLoadU8, FamLoad, NumericTypes, OperandNone},
	{OpSaveU8, FamSave, NumericTypes, OperandNone},
	{OpAddU8, FamAdd, NumericTypes, OperandNone},
	{OpSubU8, FamSub, NumericTypes, OperandNone},
	{OpMulU8, FamMul, NumericTypes, OperandNone},
	{OpDivU8, FamDiv, NumericTypes, OperandNone},
	{OpRemU8, FamRem, NumericTypes, OperandNone},
	{OpAndU8, FamAnd, IntegerTypes, OperandNone},
	{OpOrU8, FamOr, IntegerTypes, OperandNone},
	{OpXorU8, FamXor, IntegerTypes, OperandNone},
	{OpShlU8, FamShl, IntegerTypes, OperandNone},
	{OpShrU8, FamShr, IntegerTypes, OperandNone},
	{OpNotU8, FamNot, IntegerTypes, OperandNone},
	{OpNegU8, FamNeg, NumericTypes, OperandNone},
	{OpLtU8, FamLt, NumericTypes, OperandNone},
	{OpLteU8, FamLte, NumericTypes, OperandNone},
	{OpGtU8, FamGt, NumericTypes, OperandNone},
	{OpGteU8, FamGte, NumericTypes, OperandNone},
	{OpEqU8, FamEq, NumericTypes, OperandNone},
	{OpNeqU8, FamNeq, NumericTypes, OperandNone},
}

func init() {
	control := []struct {
		op      Opcode
		operand OperandUse
	}{
		{OpNop, OperandNone},
		{OpHalt, OperandNone},
		{OpWait, OperandNone},
		{OpSpawn, OperandRead},
		{OpJmp, OperandRead},
		{OpIfJmp, OperandRead},
		{OpCall, OperandRead},
		{OpRet, OperandNone},
	}
	for _, c := range control {
		info := OpcodeInfo{
			Op:      c.op,
			Name:    Family(c.op).String(),
			Family:  Family(c.op),
			Operand: c.operand,
		}
		if c.operand != OperandNone {
			info.OperandWidth = W64
		}
		register(info)
	}

	for _, fam := range typedFamilies {
		for i, t := range fam.types {
			info := OpcodeInfo{
				Op:      fam.first + Opcode(i),
				Name:    fam.family.String() + "_" + t.String(),
				Family:  fam.family,
				Type:    t,
				Typed:   true,
				Operand: fam.operand,
			}
			if fam.operand != OperandNone {
				info.OperandWidth = t.Width()
			}
			register(info)
		}
	}
}

func register(info OpcodeInfo) {
	if opcodeInfoTable[info.Op].Name != "" {
		panic(fmt.Sprintf("bytecode: opcode 0x%02X registered twice", byte(info.Op)))
	}
	opcodeInfoTable[info.Op] = info
	opcodeByName[info.Name] = info.Op
}

// Lookup validates a raw opcode byte and returns its metadata.
func Lookup(b byte) (OpcodeInfo, bool) {
	if Opcode(b) >= opcodeLimit {
		return OpcodeInfo{}, false
	}
	return opcodeInfoTable[b], true
}

// GetOpcodeInfo returns metadata for an opcode.
// Returns a zero OpcodeInfo with name "UNKNOWN" if the opcode is not recognized.
func GetOpcodeInfo(op Opcode) OpcodeInfo {
	if info, ok := Lookup(byte(op)); ok {
		return info
	}
	return OpcodeInfo{Op: op, Name: fmt.Sprintf("UNKNOWN(0x%02X)", byte(op))}
}

// ParseOpcode returns the opcode with the given instruction name.
func ParseOpcode(name string) (Opcode, bool) {
	op, ok := opcodeByName[name]
	return op, ok
}

// Typed returns the variant of family f for type t.
func Typed(f Family, t Type) (Opcode, bool) {
	return ParseOpcode(f.String() + "_" + t.String())
}

// String returns the human-readable name of an opcode.
func (op Opcode) String() string {
	return GetOpcodeInfo(op).Name
}

// Valid reports whether op is a defined opcode.
func (op Opcode) Valid() bool {
	return op < opcodeLimit
}

// HasOperand reports whether an operand encoding follows op.
func (op Opcode) HasOperand() bool {
	return GetOpcodeInfo(op).Operand != OperandNone
}

// IsJump returns true if this opcode transfers control to an encoded target.
func (op Opcode) IsJump() bool {
	return op >= OpSpawn && op <= OpCall
}

// AllOpcodes returns a slice of all defined opcodes in numeric order.
func AllOpcodes() []Opcode {
	opcodes := make([]Opcode, 0, opcodeLimit)
	for op := Opcode(0); op < opcodeLimit; op++ {
		opcodes = append(opcodes, op)
	}
	return opcodes
}

// OpcodeCount returns the number of defined opcodes.
func OpcodeCount() int {
	return int(opcodeLimit)
}
