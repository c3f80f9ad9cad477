// Package testutil provides programs and helpers shared by procvm tests.
package testutil

import (
	"os"
	"path/filepath"
	"testing"

	bc "github.com/chazu/procvm/pkg/bytecode"
)

// countLoop emits a loop that applies step to the u8 on top of the stack
// until it equals limit. The value stays on the stack afterwards.
func countLoop(b *bc.Builder, step bc.Opcode, limit uint64) {
	loop := b.Offset()
	b.Emit(bc.OpPushU8, bc.Imm(bc.W8, 1))
	b.Emit(step)
	b.Emit(bc.OpCopyU8)
	b.Emit(bc.OpPushU8, bc.Imm(bc.W8, limit))
	b.Emit(bc.OpNeqU8)
	b.Emit(bc.OpIfJmp, bc.Target(loop))
}

// CountDownUp pushes 255, counts down to 0, counts back up to 255 and
// halts. The final stack holds a single u8 255.
func CountDownUp() []byte {
	b := bc.NewBuilder()
	b.Emit(bc.OpPushU8, bc.Imm(bc.W8, 255))
	countLoop(b, bc.OpSubU8, 0)
	countLoop(b, bc.OpAddU8, 255)
	b.Emit(bc.OpHalt)
	return b.Bytes()
}

// SpawnCounter counts from 5 down to 0, stores the result in r0 and
// spawns a child, then jumps to the end of the program. The child counts
// from 0 up to 5, stores 5 at ChildResultAddr and halts.
func SpawnCounter() []byte {
	b := bc.NewBuilder()
	b.Emit(bc.OpPushU8, bc.Imm(bc.W8, 5))
	countLoop(b, bc.OpSubU8, 0)
	b.Emit(bc.OpPopU8, bc.Reg(0))
	spawn := b.EmitJump(bc.OpSpawn)
	end := b.EmitJump(bc.OpJmp)

	b.PatchHere(spawn)
	b.Emit(bc.OpPushU8, bc.Imm(bc.W8, 0))
	countLoop(b, bc.OpAddU8, 5)
	b.Emit(bc.OpPopU8, bc.Ptr(bc.W64, ChildResultAddr))
	b.Emit(bc.OpHalt)

	b.PatchHere(end)
	return b.Bytes()
}

// ChildResultAddr is where the SpawnCounter child stores its count.
const ChildResultAddr = 0x10

// CallCounter calls a function that counts from 0 to 5, stores the count
// in r1 and returns. The caller then halts.
func CallCounter() []byte {
	b := bc.NewBuilder()
	fn := b.EmitJump(bc.OpCall)
	b.Emit(bc.OpHalt)

	b.PatchHere(fn)
	b.Emit(bc.OpPushU8, bc.Imm(bc.W8, 0))
	countLoop(b, bc.OpAddU8, 5)
	b.Emit(bc.OpPopU8, bc.Reg(1))
	b.Emit(bc.OpRet)
	return b.Bytes()
}

// NestedCalls calls three functions nested inside each other. Each pushes
// its depth (1, 2, 3) as a u8 before returning.
func NestedCalls() []byte {
	b := bc.NewBuilder()
	first := b.EmitJump(bc.OpCall)
	b.Emit(bc.OpHalt)

	b.PatchHere(first)
	b.Emit(bc.OpPushU8, bc.Imm(bc.W8, 1))
	second := b.EmitJump(bc.OpCall)
	b.Emit(bc.OpRet)

	b.PatchHere(second)
	b.Emit(bc.OpPushU8, bc.Imm(bc.W8, 2))
	third := b.EmitJump(bc.OpCall)
	b.Emit(bc.OpRet)

	b.PatchHere(third)
	b.Emit(bc.OpPushU8, bc.Imm(bc.W8, 3))
	b.Emit(bc.OpRet)
	return b.Bytes()
}

// Spin jumps to itself forever.
func Spin() []byte {
	b := bc.NewBuilder()
	b.Emit(bc.OpJmp, bc.Target(0))
	return b.Bytes()
}

// BinaryOp pushes a and b as type t, applies op and halts.
func BinaryOp(op bc.Opcode, t bc.Type, a, b uint64) []byte {
	w := t.Width()
	bld := bc.NewBuilder()
	bld.EmitTyped(bc.FamPush, t, bc.Imm(w, a))
	bld.EmitTyped(bc.FamPush, t, bc.Imm(w, b))
	bld.Emit(op)
	bld.Emit(bc.OpHalt)
	return bld.Bytes()
}

// TempFile writes content to a file in a per-test directory and returns
// its path.
func TempFile(t *testing.T, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	return path
}

// ImageFile serializes code as an image and writes it to a temp file.
func ImageFile(t *testing.T, code []byte) string {
	t.Helper()
	data, err := bc.NewImage(code).Serialize()
	if err != nil {
		t.Fatalf("Serialize failed: %v", err)
	}
	return TempFile(t, "program.pvbc", data)
}
