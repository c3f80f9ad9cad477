// Package asm assembles procvm assembly text into bytecode images.
//
// A program is a sequence of lines, each holding an optional label
// definition and an optional instruction:
//
//	start:
//	    push_u8 5          ; bare numbers take the opcode's width
//	    push_u16 imm16 300 ; or an explicit imm8..imm64 size
//	    pop_u8 r3
//	    pop_u8 [0x10+2]
//	    jmp start
//
// Bare numbers for float opcodes are values (push_f32 2.5); explicit
// immediates are raw bits, which is what the disassembler prints.
package asm

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/chazu/procvm/pkg/bytecode"
)

// Error is a single assembly error at a source position.
type Error struct {
	Pos Position
	Msg string
}

func (e *Error) Error() string {
	return fmt.Sprintf("line %d: %s", e.Pos.Line, e.Msg)
}

// ErrorList collects assembly errors, one per offending line.
type ErrorList []*Error

func (e ErrorList) Error() string {
	if len(e) == 1 {
		return "asm: " + e[0].Error()
	}
	lines := make([]string, len(e))
	for i, err := range e {
		lines[i] = err.Error()
	}
	return fmt.Sprintf("asm: %d errors:\n  %s", len(e), strings.Join(lines, "\n  "))
}

// Assemble parses src and returns the resulting image with its labels.
func Assemble(src string) (*bytecode.Image, error) {
	a := NewAssembler(src)
	a.Parse()
	if errs := a.Errors(); len(errs) > 0 {
		return nil, ErrorList(errs)
	}
	return a.Image(), nil
}

// fixup is a jump whose label was not yet defined when it was emitted.
type fixup struct {
	placeholder int
	label       string
	pos         Position
}

// Assembler is a single-pass assembler with forward reference patching.
type Assembler struct {
	lexer     *Lexer
	curToken  Token
	peekToken Token
	errors    []*Error

	b      *bytecode.Builder
	labels map[string]int
	fixups []fixup
}

// NewAssembler creates an assembler for the given input.
func NewAssembler(input string) *Assembler {
	a := &Assembler{
		lexer:  NewLexer(input),
		b:      bytecode.NewBuilder(),
		labels: make(map[string]int),
	}
	a.nextToken()
	a.nextToken()
	return a
}

func (a *Assembler) nextToken() {
	a.curToken = a.peekToken
	a.peekToken = a.lexer.NextToken()
}

func (a *Assembler) curTokenIs(t TokenType) bool {
	return a.curToken.Type == t
}

func (a *Assembler) expect(t TokenType) bool {
	if a.curTokenIs(t) {
		a.nextToken()
		return true
	}
	a.errorf("expected %s, got %s", t, a.curToken)
	return false
}

func (a *Assembler) errorf(format string, args ...interface{}) {
	a.errorAt(a.curToken.Pos, format, args...)
}

func (a *Assembler) errorAt(pos Position, format string, args ...interface{}) {
	a.errors = append(a.errors, &Error{Pos: pos, Msg: fmt.Sprintf(format, args...)})
}

// Errors returns accumulated errors.
func (a *Assembler) Errors() []*Error {
	return a.errors
}

// Image returns the assembled image. Call after Parse.
func (a *Assembler) Image() *bytecode.Image {
	return a.b.Image()
}

// ---------------------------------------------------------------------------
// Lines
// ---------------------------------------------------------------------------

// Parse assembles the whole input and resolves forward jumps.
func (a *Assembler) Parse() {
	for !a.curTokenIs(TokenEOF) {
		errs, line := len(a.errors), a.curToken.Pos.Line
		a.parseLine()
		// Resume at the next line unless the failing line was already consumed.
		if len(a.errors) > errs && a.curToken.Pos.Line == line {
			a.skipLine()
		}
	}

	for _, f := range a.fixups {
		target, ok := a.labels[f.label]
		if !ok {
			a.errorAt(f.pos, "undefined label %q", f.label)
			continue
		}
		a.b.PatchTarget(f.placeholder, target)
	}
}

func (a *Assembler) skipLine() {
	for !a.curTokenIs(TokenNewline) && !a.curTokenIs(TokenEOF) {
		a.nextToken()
	}
	if a.curTokenIs(TokenNewline) {
		a.nextToken()
	}
}

func (a *Assembler) endLine() {
	switch a.curToken.Type {
	case TokenNewline:
		a.nextToken()
	case TokenEOF:
	default:
		a.errorf("unexpected %s at end of instruction", a.curToken)
	}
}

func (a *Assembler) parseLine() {
	if a.curTokenIs(TokenNewline) {
		a.nextToken()
		return
	}
	if a.curTokenIs(TokenError) {
		a.errorf("%s", a.curToken.Literal)
		return
	}
	if !a.curTokenIs(TokenIdentifier) {
		a.errorf("expected label or instruction, got %s", a.curToken)
		return
	}

	if a.peekToken.Type == TokenColon {
		a.defineLabel(a.curToken)
		a.nextToken()
		a.nextToken()
		if !a.curTokenIs(TokenIdentifier) {
			a.endLine()
			return
		}
	}
	a.parseInstruction()
}

func (a *Assembler) defineLabel(tok Token) {
	if _, dup := a.labels[tok.Literal]; dup {
		a.errorAt(tok.Pos, "label %q already defined", tok.Literal)
		return
	}
	a.labels[tok.Literal] = a.b.Label(tok.Literal)
}

func (a *Assembler) parseInstruction() {
	nameTok := a.curToken
	op, ok := bytecode.ParseOpcode(nameTok.Literal)
	if !ok {
		a.errorf("unknown instruction %q", nameTok.Literal)
		return
	}
	info := bytecode.GetOpcodeInfo(op)
	a.nextToken()

	if info.Operand == bytecode.OperandNone {
		a.b.Emit(op)
		a.endLine()
		return
	}

	if op.IsJump() && a.curTokenIs(TokenIdentifier) && !isImmediateSize(a.curToken.Literal) {
		a.emitJump(op, a.curToken)
		a.nextToken()
		a.endLine()
		return
	}

	if info.Operand == bytecode.OperandWrite && (a.curTokenIs(TokenNewline) || a.curTokenIs(TokenEOF)) {
		a.errorAt(nameTok.Pos, "%s needs a destination operand (register or address)", info.Name)
		return
	}

	operand, ok := a.parseOperand(info)
	if !ok {
		return
	}
	if info.Operand == bytecode.OperandWrite && !operand.Tag.Writable() {
		a.errorAt(nameTok.Pos, "%s needs a writable operand, got %s", info.Name, operand)
		return
	}
	a.b.Emit(op, operand)
	a.endLine()
}

func (a *Assembler) emitJump(op bytecode.Opcode, label Token) {
	if target, ok := a.labels[label.Literal]; ok {
		a.b.Emit(op, bytecode.Target(target))
		return
	}
	placeholder := a.b.EmitJump(op)
	a.fixups = append(a.fixups, fixup{placeholder: placeholder, label: label.Literal, pos: label.Pos})
}

// ---------------------------------------------------------------------------
// Operands
// ---------------------------------------------------------------------------

func (a *Assembler) parseOperand(info bytecode.OpcodeInfo) (bytecode.Operand, bool) {
	switch a.curToken.Type {
	case TokenIdentifier:
		lit := a.curToken.Literal
		if w, ok := immediateSize(lit); ok {
			a.nextToken()
			v, ok := a.parseRaw(w)
			return bytecode.Imm(w, v), ok
		}
		if idx, ok := registerIndex(lit); ok {
			a.nextToken()
			return bytecode.Reg(idx), true
		}
		a.errorf("unknown operand %q", lit)
		return bytecode.Operand{}, false

	case TokenInteger, TokenFloat:
		w := info.OperandWidth
		v, ok := a.parseValue(info, w)
		return bytecode.Imm(w, v), ok

	case TokenLBracket:
		return a.parseAddress()
	}
	a.errorf("expected operand, got %s", a.curToken)
	return bytecode.Operand{}, false
}

// parseAddress parses [a], [a+o], [[a]] and [[a]+o].
func (a *Assembler) parseAddress() (bytecode.Operand, bool) {
	a.nextToken() // [
	indirect := a.curTokenIs(TokenLBracket)
	if indirect {
		a.nextToken()
	}

	base, ok := a.parseAddressNumber()
	if !ok {
		return bytecode.Operand{}, false
	}
	if indirect && !a.expect(TokenRBracket) {
		return bytecode.Operand{}, false
	}

	var offset uint64
	hasOffset := a.curTokenIs(TokenPlus)
	if hasOffset {
		a.nextToken()
		if offset, ok = a.parseAddressNumber(); !ok {
			return bytecode.Operand{}, false
		}
	}
	if !a.expect(TokenRBracket) {
		return bytecode.Operand{}, false
	}

	w := fitWidth(base)
	switch {
	case indirect && hasOffset:
		return bytecode.IndirectOffset(fitWidth(base|offset), base, offset), true
	case indirect:
		return bytecode.Indirect(w, base), true
	case hasOffset:
		return bytecode.PtrOffset(fitWidth(base|offset), base, offset), true
	}
	return bytecode.Ptr(w, base), true
}

func (a *Assembler) parseAddressNumber() (uint64, bool) {
	if !a.curTokenIs(TokenInteger) {
		a.errorf("expected address, got %s", a.curToken)
		return 0, false
	}
	v, err := strconv.ParseUint(a.curToken.Literal, 0, 64)
	if err != nil {
		a.errorf("invalid address %q", a.curToken.Literal)
		return 0, false
	}
	a.nextToken()
	return v, true
}

// parseRaw parses the integer following an explicit immediate size.
func (a *Assembler) parseRaw(w bytecode.Width) (uint64, bool) {
	if !a.curTokenIs(TokenInteger) {
		a.errorf("expected integer after imm%d, got %s", w, a.curToken)
		return 0, false
	}
	v, err := parseInteger(a.curToken.Literal, w)
	if err != nil {
		a.errorf("%v", err)
		return 0, false
	}
	a.nextToken()
	return v, true
}

// parseValue parses a bare number as a value of the opcode's type.
func (a *Assembler) parseValue(info bytecode.OpcodeInfo, w bytecode.Width) (uint64, bool) {
	tok := a.curToken
	a.nextToken()

	if info.Typed && info.Type.Float() {
		f, err := strconv.ParseFloat(strings.ReplaceAll(tok.Literal, "_", ""), 64)
		if err != nil {
			a.errorAt(tok.Pos, "invalid number %q", tok.Literal)
			return 0, false
		}
		if info.Type == bytecode.F32 {
			return uint64(math.Float32bits(float32(f))), true
		}
		return math.Float64bits(f), true
	}

	if tok.Type == TokenFloat {
		a.errorAt(tok.Pos, "%s takes an integer, got %s", info.Name, tok.Literal)
		return 0, false
	}
	v, err := parseInteger(tok.Literal, w)
	if err != nil {
		a.errorAt(tok.Pos, "%v", err)
		return 0, false
	}
	return v, true
}

// parseInteger parses lit and checks that it fits w, as either an
// unsigned or a two's complement value.
func parseInteger(lit string, w bytecode.Width) (uint64, error) {
	if strings.HasPrefix(lit, "-") {
		v, err := strconv.ParseInt(lit, 0, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid integer %q", lit)
		}
		if w < bytecode.W64 && v < -(int64(1)<<(uint(w)-1)) {
			return 0, fmt.Errorf("%s does not fit in %d bits", lit, w)
		}
		return w.Truncate(uint64(v)), nil
	}
	v, err := strconv.ParseUint(lit, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q", lit)
	}
	if v > w.Mask() {
		return 0, fmt.Errorf("%s does not fit in %d bits", lit, w)
	}
	return v, nil
}

func immediateSize(lit string) (bytecode.Width, bool) {
	switch lit {
	case "imm8":
		return bytecode.W8, true
	case "imm16":
		return bytecode.W16, true
	case "imm32":
		return bytecode.W32, true
	case "imm64":
		return bytecode.W64, true
	}
	return 0, false
}

func isImmediateSize(lit string) bool {
	_, ok := immediateSize(lit)
	return ok
}

func registerIndex(lit string) (uint8, bool) {
	if len(lit) < 2 || lit[0] != 'r' {
		return 0, false
	}
	n, err := strconv.ParseUint(lit[1:], 10, 8)
	if err != nil || n >= bytecode.NumRegisters {
		return 0, false
	}
	return uint8(n), true
}

// fitWidth returns the narrowest width holding v.
func fitWidth(v uint64) bytecode.Width {
	switch {
	case v <= math.MaxUint8:
		return bytecode.W8
	case v <= math.MaxUint16:
		return bytecode.W16
	case v <= math.MaxUint32:
		return bytecode.W32
	}
	return bytecode.W64
}
