package bytecode

import (
	"fmt"
	"strings"
)

// Disassemble returns a human-readable listing of the image.
func (img *Image) Disassemble() string {
	return img.DisassembleWithName("")
}

// DisassembleWithName returns a human-readable listing with a name header.
func (img *Image) DisassembleWithName(name string) string {
	var sb strings.Builder

	if name != "" {
		sb.WriteString(fmt.Sprintf("; === %s ===\n", name))
	}
	sb.WriteString(fmt.Sprintf("; procvm bytecode v%d\n", img.Version))
	sb.WriteString(fmt.Sprintf("; Flags: 0x%04X", uint16(img.Flags)))
	if img.Flags&ImageFlagLabels != 0 {
		sb.WriteString(" [LABELS]")
	}
	sb.WriteString(fmt.Sprintf("\n; Code: %d bytes\n\n", len(img.Code)))

	offset := 0
	for offset < len(img.Code) {
		if label, ok := img.LabelAt(offset); ok {
			sb.WriteString(label + ":\n")
		}
		line, n := disassembleInstruction(img.Code, offset)
		sb.WriteString(fmt.Sprintf("%04X  %s\n", offset, line))
		offset += n
	}
	return sb.String()
}

// DisassembleCode lists raw code without an image header.
func DisassembleCode(code []byte) string {
	var sb strings.Builder
	offset := 0
	for offset < len(code) {
		line, n := disassembleInstruction(code, offset)
		sb.WriteString(fmt.Sprintf("%04X  %s\n", offset, line))
		offset += n
	}
	return sb.String()
}

// disassembleInstruction disassembles a single instruction at the given offset.
// Returns the formatted string and the instruction length.
func disassembleInstruction(code []byte, offset int) (string, int) {
	if offset >= len(code) {
		return "<end of code>", 0
	}

	info, ok := Lookup(code[offset])
	if !ok {
		return fmt.Sprintf("UNKNOWN(0x%02X)", code[offset]), 1
	}
	if info.Operand == OperandNone {
		return info.Name, 1
	}

	operand, next, err := DecodeOperand(code, offset+1)
	if err != nil {
		// Nothing after a malformed operand can be trusted.
		if info.Operand == OperandWrite {
			return fmt.Sprintf("%s <%v; %s takes a destination operand>", info.Name, err, info.Name), len(code) - offset
		}
		return fmt.Sprintf("%s <%v>", info.Name, err), len(code) - offset
	}
	if info.Op.IsJump() && operand.Tag == TagImmediate {
		return fmt.Sprintf("%-10s -> %04X", info.Name, operand.Values[0]), next - offset
	}
	return fmt.Sprintf("%-10s %s", info.Name, operand), next - offset
}
