// Package bytecode defines the instruction set of the procvm virtual
// machine and the tooling around it.
//
// A program is a flat byte slice. Each instruction is one opcode byte
// followed by the operand encodings the opcode requires. Only push, pop
// and the control transfer opcodes (jmp, if_jmp, call, spawn) carry an
// operand; every other opcode works on the execution stack alone.
//
// # Operand encoding
//
// An operand starts with an OperandTag byte:
//
//	imm      tag | size | value            literal
//	ptr      tag | size | addr             memory at addr
//	ptr+off  tag | size | base | size | off  memory at base+off
//	ind      tag | size | addr             memory at load64(addr)
//	ind+off  tag | size | addr | size | off  memory at load64(addr)+off
//	reg      tag | index                   register cell
//
// The size byte is the width in bits (8, 16, 32 or 64) and the value
// bytes that follow are big-endian. Control transfer targets are 64-bit
// immediates holding an absolute offset into the program.
//
// # Components
//
//   - Opcodes: control opcodes followed by typed families (push_u8 ...
//     neq_f64). Lookup validates raw bytes against the table.
//
//   - Builder: emits instructions and patches forward jump targets.
//
//   - Image: a program with a header, serialized in the "PVBC" format.
//
//   - Disassembler: renders an Image or raw code as a listing.
package bytecode
