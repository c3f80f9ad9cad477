package vm

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chazu/procvm/internal/testutil"
	bc "github.com/chazu/procvm/pkg/bytecode"
)

func runProgram(t *testing.T, code []byte, opts Options) *Interpreter {
	t.Helper()
	in := NewInterpreter(code, opts)
	if err := in.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	return in
}

func runFault(t *testing.T, code []byte, want error) *Fault {
	t.Helper()
	in := NewInterpreter(code, Options{})
	err := in.Run(context.Background())
	if !errors.Is(err, want) {
		t.Fatalf("Run err = %v, want %v", err, want)
	}
	f, ok := AsFault(err)
	if !ok {
		t.Fatalf("Run err %T is not a *Fault", err)
	}
	return f
}

func topU8(t *testing.T, p *Process) uint64 {
	t.Helper()
	v, err := p.Stack().Peek(bc.W8)
	if err != nil {
		t.Fatalf("Peek: %v", err)
	}
	return v
}

func TestVMEmptyProgram(t *testing.T) {
	in := runProgram(t, nil, Options{})
	if in.Process().State() != StateTerminated {
		t.Errorf("state = %s", in.Process().State())
	}
	if in.Stats().Steps != 0 {
		t.Errorf("Steps = %d", in.Stats().Steps)
	}
}

func TestVMHalt(t *testing.T) {
	b := bc.NewBuilder()
	b.Emit(bc.OpHalt)
	b.Emit(bc.OpPushU8, bc.Imm(bc.W8, 1))
	in := runProgram(t, b.Bytes(), Options{})
	if in.Process().Stack().Len() != 0 {
		t.Error("instruction after halt executed")
	}
	if in.Process().PC() != 1 {
		t.Errorf("pc = %d", in.Process().PC())
	}
}

func TestVMArithmetic(t *testing.T) {
	tests := []struct {
		name string
		op   bc.Opcode
		typ  bc.Type
		a, b uint64
		want uint64
	}{
		{"add_u8 wraps", bc.OpAddU8, bc.U8, 255, 1, 0},
		{"sub_u16", bc.OpSubU16, bc.U16, 10, 3, 7},
		{"sub order", bc.OpSubU8, bc.U8, 3, 10, 249},
		{"div order", bc.OpDivU32, bc.U32, 100, 5, 20},
		{"mul_i64", bc.OpMulI64, bc.I64, ^uint64(1), 3, ^uint64(5)}, // -2 * 3 = -6
		{"lt_u8", bc.OpLtU8, bc.U8, 1, 2, 1},
		{"gte_i8", bc.OpGteI8, bc.I8, 0xFE, 1, 0},
		{"eq_u64", bc.OpEqU64, bc.U64, 42, 42, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := runProgram(t, testutil.BinaryOp(tt.op, tt.typ, tt.a, tt.b), Options{})
			w := tt.typ.Width()
			if bc.GetOpcodeInfo(tt.op).Family.Comparison() {
				w = bc.W8
			}
			got, err := in.Process().Stack().Pop(w)
			if err != nil {
				t.Fatalf("Pop: %v", err)
			}
			if got != tt.want {
				t.Errorf("got 0x%X, want 0x%X", got, tt.want)
			}
			if in.Process().Stack().Len() != 0 {
				t.Errorf("%d bytes left on stack", in.Process().Stack().Len())
			}
		})
	}
}

func TestVMPushPopRoundTripEveryType(t *testing.T) {
	for _, typ := range bc.NumericTypes {
		w := typ.Width()
		v := uint64(0xA1B2C3D4E5F60718) & w.Mask()
		b := bc.NewBuilder()
		b.EmitTyped(bc.FamPush, typ, bc.Imm(w, v))
		b.EmitTyped(bc.FamPop, typ, bc.Reg(24))
		in := runProgram(t, b.Bytes(), Options{})
		got, _ := in.Process().Registers().Get(24)
		if got != v {
			t.Errorf("%s: r24 = 0x%X, want 0x%X", typ, got, v)
		}
	}
}

func TestVMDivideByZero(t *testing.T) {
	f := runFault(t, testutil.BinaryOp(bc.OpDivU8, bc.U8, 1, 0), ErrDivideByZero)
	if f.PC != 8 || !f.HasOp || f.Opcode != bc.OpDivU8 {
		t.Errorf("fault = %+v", f)
	}
}

func TestVMFloatDivideByZeroIsNotAFault(t *testing.T) {
	runProgram(t, testutil.BinaryOp(bc.OpDivF64, bc.F64, 0, 0), Options{})
}

func TestVMStackUnderflow(t *testing.T) {
	b := bc.NewBuilder()
	b.Emit(bc.OpPushU8, bc.Imm(bc.W8, 1))
	b.Emit(bc.OpAddU8)
	runFault(t, b.Bytes(), ErrStackUnderflow)
}

func TestVMInvalidOpcode(t *testing.T) {
	f := runFault(t, []byte{byte(bc.OpNop), 0xFF}, ErrInvalidOpcode)
	if f.PC != 1 || f.HasOp {
		t.Errorf("fault = %+v", f)
	}
}

func TestVMPopIntoImmediate(t *testing.T) {
	b := bc.NewBuilder()
	b.Emit(bc.OpPushU8, bc.Imm(bc.W8, 1))
	b.Emit(bc.OpPopU8, bc.Imm(bc.W8, 0))
	runFault(t, b.Bytes(), ErrInvalidOperand)
}

func TestVMInvalidOperandTag(t *testing.T) {
	runFault(t, []byte{byte(bc.OpPushU8), 0x09, 8, 1}, ErrInvalidOperand)
	runFault(t, []byte{byte(bc.OpPushU8), byte(bc.TagRegister), 32}, ErrInvalidOperand)
}

func TestVMTruncatedOperand(t *testing.T) {
	tests := []struct {
		name string
		code []byte
	}{
		{"bare push at end", []byte{byte(bc.OpPushU8)}},
		{"missing value byte", []byte{byte(bc.OpPushU8), byte(bc.TagImmediate), 8}},
		{"missing register index", []byte{byte(bc.OpPushU8), byte(bc.TagRegister)}},
		{"if_jmp skips cut target", []byte{
			byte(bc.OpPushU8), byte(bc.TagImmediate), 8, 0,
			byte(bc.OpIfJmp), byte(bc.TagImmediate), 64,
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := runFault(t, tt.code, ErrProgramCounterOutOfBounds)
			if errors.Is(f, ErrInvalidOperand) {
				t.Errorf("fault %v also matches ErrInvalidOperand", f)
			}
		})
	}
}

func TestVMOperandModes(t *testing.T) {
	in := NewInterpreter(nil, Options{MemorySize: 256})
	mem := in.Memory()
	_ = mem.Store(0x10, bc.W8, 11)            // ptr
	_ = mem.Store(0x14, bc.W8, 22)            // ptr+off
	_ = mem.Store(0x20, bc.W64, 0x40)         // pointer cell
	_ = mem.Store(0x40, bc.W8, 33)            // ind
	_ = mem.Store(0x43, bc.W8, 44)            // ind+off
	_ = in.Process().Registers().Write(5, 55) // reg

	b := bc.NewBuilder()
	b.Emit(bc.OpPushU8, bc.Imm(bc.W8, 1))
	b.Emit(bc.OpPushU8, bc.Ptr(bc.W64, 0x10))
	b.Emit(bc.OpPushU8, bc.PtrOffset(bc.W8, 0x10, 4))
	b.Emit(bc.OpPushU8, bc.Indirect(bc.W8, 0x20))
	b.Emit(bc.OpPushU8, bc.IndirectOffset(bc.W8, 0x20, 3))
	b.Emit(bc.OpPushU8, bc.Reg(5))
	in.proc.program = b.Bytes()

	if err := in.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	want := []byte{1, 11, 22, 33, 44, 55}
	if !bytes.Equal(in.Process().Stack().Bytes(), want) {
		t.Errorf("stack = %v, want %v", in.Process().Stack().Bytes(), want)
	}
}

func TestVMPopThroughOperandModes(t *testing.T) {
	b := bc.NewBuilder()
	b.Emit(bc.OpPushU64, bc.Imm(bc.W64, 0x80))
	b.Emit(bc.OpPopU64, bc.Ptr(bc.W8, 0x08)) // pointer cell at 0x08 -> 0x80
	b.Emit(bc.OpPushU16, bc.Imm(bc.W16, 0xBEEF))
	b.Emit(bc.OpPopU16, bc.IndirectOffset(bc.W8, 0x08, 2))
	b.Emit(bc.OpPushU16, bc.Imm(bc.W16, 0x1234))
	b.Emit(bc.OpPopU16, bc.Reg(0)) // 8-bit bank keeps the low byte
	in := runProgram(t, b.Bytes(), Options{})

	if v, _ := in.Memory().Load(0x82, bc.W16); v != 0xBEEF {
		t.Errorf("memory[0x82] = 0x%X", v)
	}
	if v, _ := in.Process().Registers().Get(0); v != 0x34 {
		t.Errorf("r0 = 0x%X", v)
	}
}

func TestVMLoadSave(t *testing.T) {
	b := bc.NewBuilder()
	b.Emit(bc.OpPushU32, bc.Imm(bc.W32, 0xCAFEBABE))
	b.Emit(bc.OpPushU64, bc.Imm(bc.W64, 0x30))
	b.Emit(bc.OpSaveU32)
	b.Emit(bc.OpPushU64, bc.Imm(bc.W64, 0x31))
	b.Emit(bc.OpLoadU16)
	in := runProgram(t, b.Bytes(), Options{})

	v, err := in.Process().Stack().Pop(bc.W16)
	if err != nil || v != 0xFEBA {
		t.Errorf("load_u16 = 0x%X, %v", v, err)
	}
}

func TestVMLoadOutOfBounds(t *testing.T) {
	b := bc.NewBuilder()
	b.Emit(bc.OpPushU64, bc.Imm(bc.W64, 1<<40))
	b.Emit(bc.OpLoadU8)
	runFault(t, b.Bytes(), ErrMemoryOutOfBounds)
}

func TestVMIfJmp(t *testing.T) {
	for _, cond := range []uint64{0, 1, 0x80} {
		b := bc.NewBuilder()
		b.Emit(bc.OpPushU8, bc.Imm(bc.W8, cond))
		jump := b.EmitJump(bc.OpIfJmp)
		after := b.Offset()
		b.Emit(bc.OpHalt)
		target := b.Offset()
		b.Emit(bc.OpHalt)
		b.PatchTarget(jump, target)

		in := NewInterpreter(b.Bytes(), Options{})
		for i := 0; i < 2; i++ {
			if err := in.ExecuteOne(); err != nil {
				t.Fatalf("cond %d: step %d: %v", cond, i, err)
			}
		}
		want := target
		if cond == 0 {
			want = after
		}
		if in.Process().PC() != want {
			t.Errorf("cond %d: pc = %d, want %d", cond, in.Process().PC(), want)
		}
	}
}

func TestVMJumpOutOfBounds(t *testing.T) {
	b := bc.NewBuilder()
	b.Emit(bc.OpJmp, bc.Target(100))
	runFault(t, b.Bytes(), ErrProgramCounterOutOfBounds)
}

func TestVMJumpToEndTerminates(t *testing.T) {
	b := bc.NewBuilder()
	end := b.EmitJump(bc.OpJmp)
	b.Emit(bc.OpPushU8, bc.Imm(bc.W8, 1))
	b.PatchHere(end)
	in := runProgram(t, b.Bytes(), Options{})
	if in.Process().Stack().Len() != 0 {
		t.Error("skipped push executed")
	}
}

func TestVMCountDownUp(t *testing.T) {
	in := runProgram(t, testutil.CountDownUp(), Options{})
	p := in.Process()
	if p.State() != StateTerminated {
		t.Errorf("state = %s", p.State())
	}
	if p.Stack().Len() != 1 || topU8(t, p) != 255 {
		t.Errorf("stack = %v", p.Stack().Bytes())
	}
}

func TestVMCallCounter(t *testing.T) {
	in := runProgram(t, testutil.CallCounter(), Options{})
	p := in.Process()
	if p.State() != StateTerminated {
		t.Errorf("state = %s", p.State())
	}
	if p.Calls().Depth() != 0 {
		t.Errorf("call depth = %d", p.Calls().Depth())
	}
	if v, _ := p.Registers().Get(1); v != 5 {
		t.Errorf("r1 = %d, want 5", v)
	}
	if p.Stack().Len() != 0 {
		t.Errorf("stack = %v", p.Stack().Bytes())
	}
}

func TestVMNestedCalls(t *testing.T) {
	in := runProgram(t, testutil.NestedCalls(), Options{})
	p := in.Process()
	if !bytes.Equal(p.Stack().Bytes(), []byte{1, 2, 3}) {
		t.Errorf("stack = %v", p.Stack().Bytes())
	}
	if p.Calls().Depth() != 0 {
		t.Errorf("call depth = %d", p.Calls().Depth())
	}
	if in.Stats().PeakCallDepth != 3 {
		t.Errorf("PeakCallDepth = %d", in.Stats().PeakCallDepth)
	}
}

func TestVMNestedCallsReturnInOrder(t *testing.T) {
	code := testutil.NestedCalls()
	in := NewInterpreter(code, Options{})
	p := in.Process()

	var pending []int // offsets just past each active call
	returns := 0
	for !p.Terminated() {
		pc := p.PC()
		switch bc.Opcode(code[pc]) {
		case bc.OpCall:
			_, next, err := bc.DecodeOperand(code, pc+1)
			if err != nil {
				t.Fatalf("call at %d: %v", pc, err)
			}
			pending = append(pending, next)
		case bc.OpRet:
			returns++
		}
		if err := in.ExecuteOne(); err != nil {
			t.Fatalf("step at %d: %v", pc, err)
		}
		if bc.Opcode(code[pc]) == bc.OpRet {
			want := pending[len(pending)-1]
			pending = pending[:len(pending)-1]
			if p.PC() != want {
				t.Errorf("ret at %d landed at %d, want %d", pc, p.PC(), want)
			}
		}
	}

	if returns != 3 || len(pending) != 0 {
		t.Errorf("returns = %d, unreturned calls = %v", returns, pending)
	}
}

func TestVMWaitResumes(t *testing.T) {
	b := bc.NewBuilder()
	b.Emit(bc.OpWait)
	b.Emit(bc.OpPushU8, bc.Imm(bc.W8, 7))
	b.Emit(bc.OpHalt)

	in := NewInterpreter(b.Bytes(), Options{})
	p := in.Process()
	if err := in.ExecuteOne(); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if p.State() != StateWaiting {
		t.Fatalf("state after wait = %s, want %s", p.State(), StateWaiting)
	}
	if err := in.ExecuteOne(); err != nil {
		t.Fatalf("push: %v", err)
	}
	if p.State() != StateRunning {
		t.Errorf("state after push = %s, want %s", p.State(), StateRunning)
	}
	if topU8(t, p) != 7 {
		t.Errorf("top = %d", topU8(t, p))
	}

	in = NewInterpreter(b.Bytes(), Options{})
	if err := in.ExecuteOne(); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if err := in.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if in.Process().State() != StateTerminated || in.Process().Stack().Len() != 1 {
		t.Errorf("state = %s, stack = %v", in.Process().State(), in.Process().Stack().Bytes())
	}
}

func TestVMRetWithEmptyCallStack(t *testing.T) {
	runFault(t, []byte{byte(bc.OpRet)}, ErrStackUnderflow)
}

func TestVMCallDepthLimit(t *testing.T) {
	b := bc.NewBuilder()
	b.Emit(bc.OpCall, bc.Target(0))
	in := NewInterpreter(b.Bytes(), Options{MaxCallDepth: 16})
	if err := in.Run(context.Background()); !errors.Is(err, ErrStackOverflow) {
		t.Fatalf("Run err = %v", err)
	}
	if in.Process().Calls().Depth() != 16 {
		t.Errorf("depth = %d", in.Process().Calls().Depth())
	}
}

func TestVMStackLimit(t *testing.T) {
	b := bc.NewBuilder()
	b.Emit(bc.OpPushU64, bc.Imm(bc.W64, 1))
	b.Emit(bc.OpJmp, bc.Target(0))
	in := NewInterpreter(b.Bytes(), Options{MaxStackBytes: 64})
	if err := in.Run(context.Background()); !errors.Is(err, ErrStackOverflow) {
		t.Fatalf("Run err = %v", err)
	}
}

func TestVMStepLimit(t *testing.T) {
	in := NewInterpreter(testutil.Spin(), Options{MaxSteps: 1000})
	if err := in.Run(context.Background()); !errors.Is(err, ErrStepLimitExceeded) {
		t.Fatalf("Run err = %v", err)
	}
	if in.Stats().Steps != 1000 {
		t.Errorf("Steps = %d", in.Stats().Steps)
	}
}

func TestVMContextCancellation(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	in := NewInterpreter(testutil.Spin(), Options{})
	if err := in.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run err = %v", err)
	}
}

func TestVMSpawnWithoutScheduler(t *testing.T) {
	b := bc.NewBuilder()
	b.Emit(bc.OpSpawn, bc.Target(0))
	runFault(t, b.Bytes(), ErrInvalidOpcode)
}

func TestVMWaitContinuesStandalone(t *testing.T) {
	b := bc.NewBuilder()
	b.Emit(bc.OpWait)
	b.Emit(bc.OpPushU8, bc.Imm(bc.W8, 9))
	in := runProgram(t, b.Bytes(), Options{})
	if topU8(t, in.Process()) != 9 {
		t.Error("execution stopped at wait")
	}
}

func TestVMOpCounts(t *testing.T) {
	in := runProgram(t, testutil.CallCounter(), Options{CountOps: true})
	stats := in.Stats()
	if stats.OpCounts["add_u8"] != 5 {
		t.Errorf("add_u8 count = %d", stats.OpCounts["add_u8"])
	}
	if stats.OpCounts["call"] != 1 || stats.OpCounts["ret"] != 1 {
		t.Errorf("OpCounts = %v", stats.OpCounts)
	}
	top := stats.TopOps(1)
	if len(top) != 1 || top[0].Count < 5 {
		t.Errorf("TopOps = %+v", top)
	}
}

func TestVMTrace(t *testing.T) {
	plain := runProgram(t, testutil.CountDownUp(), Options{})
	traced := runProgram(t, testutil.CountDownUp(), Options{Trace: true})

	if plain.Stats().Steps != traced.Stats().Steps {
		t.Errorf("traced steps = %d, want %d", traced.Stats().Steps, plain.Stats().Steps)
	}
	if !bytes.Equal(plain.Process().Stack().Bytes(), traced.Process().Stack().Bytes()) {
		t.Errorf("traced stack = %v, want %v", traced.Process().Stack().Bytes(), plain.Process().Stack().Bytes())
	}
}

func TestVMExecuteOneAfterTermination(t *testing.T) {
	in := NewInterpreter([]byte{byte(bc.OpHalt)}, Options{})
	if err := in.ExecuteOne(); err != nil {
		t.Fatal(err)
	}
	if err := in.ExecuteOne(); err != nil {
		t.Fatal(err)
	}
	if in.Stats().Steps != 1 {
		t.Errorf("Steps = %d", in.Stats().Steps)
	}
}
