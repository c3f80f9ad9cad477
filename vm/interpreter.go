package vm

import (
	"context"
	"time"

	"github.com/chazu/procvm/pkg/bytecode"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("procvm.vm")

// ---------------------------------------------------------------------------
// Dispatch: shared by Interpreter and Scheduler
// ---------------------------------------------------------------------------

// dispatcher executes instructions for whichever process it is handed.
type dispatcher struct {
	opts  Options
	stats Stats
	// spawn starts a process at target. Nil outside a scheduler.
	spawn func(target int) error
}

func newDispatcher(opts Options) *dispatcher {
	d := &dispatcher{opts: opts}
	if opts.CountOps {
		d.stats.OpCounts = make(map[string]int64)
	}
	return d
}

func (d *dispatcher) limitReached() bool {
	return d.opts.MaxSteps > 0 && d.stats.Steps >= d.opts.MaxSteps
}

// step fetches and executes one instruction of p. Fetching at the end of
// the program terminates p instead.
func (d *dispatcher) step(p *Process) error {
	if p.state == StateNew {
		p.state = StateRunning
	}

	start := p.pc
	b, ok := p.fetch()
	if !ok {
		if p.pc > len(p.program) || p.pc < 0 {
			return d.fail(p, faultf(FaultProgramCounterOutOfBounds, "pc %d outside program of %d bytes", p.pc, len(p.program)), start, nil)
		}
		p.state = StateTerminated
		log.Debugf("process %d ran off the end of the program", p.id)
		return nil
	}

	info, ok := bytecode.Lookup(b)
	if !ok {
		return d.fail(p, faultf(FaultInvalidOpcode, "byte 0x%02X", b), start, nil)
	}

	if d.opts.Trace && log.AllowLevel(commonlog.Debug) {
		log.Debugf("[%04x] pid=%d %-10s sp=%d calls=%d", start, p.id, info.Name, p.stack.Len(), p.calls.Depth())
	}

	d.stats.Steps++
	if d.stats.OpCounts != nil {
		d.stats.OpCounts[info.Name]++
	}

	if err := d.exec(p, info); err != nil {
		return d.fail(p, err, start, &info)
	}
	d.stats.observe(p)
	return nil
}

// fail attaches the process and position to a fault raised while
// executing the instruction at pc.
func (d *dispatcher) fail(p *Process, err error, pc int, info *bytecode.OpcodeInfo) error {
	f, ok := AsFault(err)
	if !ok {
		return err
	}
	f.Process = p.id
	f.PC = pc
	if info != nil {
		f.Opcode = info.Op
		f.HasOp = true
	}
	d.stats.Faults++
	return f
}

func (d *dispatcher) exec(p *Process, info bytecode.OpcodeInfo) error {
	w := info.Type.Width()

	switch info.Family {
	// ============ Control ============
	case bytecode.FamNop:
		return nil

	case bytecode.FamHalt:
		p.state = StateTerminated
		log.Debugf("process %d halted", p.id)
		return nil

	case bytecode.FamWait:
		p.state = StateWaiting
		return nil

	case bytecode.FamSpawn:
		target, err := p.read(bytecode.W64)
		if err != nil {
			return err
		}
		if d.spawn == nil {
			return faultf(FaultInvalidOpcode, "spawn outside a scheduler")
		}
		if target > uint64(len(p.program)) {
			return faultf(FaultProgramCounterOutOfBounds, "spawn target 0x%X past end of program", target)
		}
		d.stats.Spawns++
		return d.spawn(int(target))

	case bytecode.FamJmp:
		target, err := p.read(bytecode.W64)
		if err != nil {
			return err
		}
		return p.jump(target)

	case bytecode.FamIfJmp:
		cond, err := p.stack.Pop(bytecode.W8)
		if err != nil {
			return err
		}
		if cond == 0 {
			return p.skip()
		}
		target, err := p.read(bytecode.W64)
		if err != nil {
			return err
		}
		return p.jump(target)

	case bytecode.FamCall:
		target, err := p.read(bytecode.W64)
		if err != nil {
			return err
		}
		if target > uint64(len(p.program)) {
			return faultf(FaultProgramCounterOutOfBounds, "call target 0x%X past end of program", target)
		}
		if err := p.calls.Push(p.pc); err != nil {
			return err
		}
		p.pc = int(target)
		return nil

	case bytecode.FamRet:
		ret, err := p.calls.Pop()
		if err != nil {
			return err
		}
		return p.jump(uint64(ret))

	// ============ Stack ============
	case bytecode.FamPush:
		v, err := p.read(w)
		if err != nil {
			return err
		}
		return p.stack.Push(w, v)

	case bytecode.FamPop:
		v, err := p.stack.Pop(w)
		if err != nil {
			return err
		}
		return p.write(w, v)

	case bytecode.FamCopy:
		return p.stack.Copy(w)

	// ============ Memory ============
	case bytecode.FamLoad:
		addr, err := p.stack.Pop(bytecode.W64)
		if err != nil {
			return err
		}
		v, err := p.mem.Load(addr, w)
		if err != nil {
			return err
		}
		return p.stack.Push(w, v)

	case bytecode.FamSave:
		addr, err := p.stack.Pop(bytecode.W64)
		if err != nil {
			return err
		}
		v, err := p.stack.Pop(w)
		if err != nil {
			return err
		}
		return p.mem.Store(addr, w, v)
	}

	// ============ Arithmetic, bitwise, comparison ============
	switch {
	case info.Family.Unary():
		a, err := p.stack.Pop(w)
		if err != nil {
			return err
		}
		return p.stack.Push(w, unary(info.Family, info.Type, a, d.opts.Float))

	case info.Family.Comparison():
		b, a, err := popPair(p, w)
		if err != nil {
			return err
		}
		return p.stack.Push(bytecode.W8, boolByte(compare(info.Family, info.Type, a, b, d.opts.Float)))

	case info.Family.Binary():
		b, a, err := popPair(p, w)
		if err != nil {
			return err
		}
		r, err := binary(info.Family, info.Type, a, b, d.opts.Float)
		if err != nil {
			return err
		}
		return p.stack.Push(w, r)
	}

	return faultf(FaultInvalidOpcode, "no handler for %s", info.Name)
}

// popPair pops the right operand then the left one.
func popPair(p *Process, w bytecode.Width) (right, left uint64, err error) {
	if right, err = p.stack.Pop(w); err != nil {
		return 0, 0, err
	}
	if left, err = p.stack.Pop(w); err != nil {
		return 0, 0, err
	}
	return right, left, nil
}

// ---------------------------------------------------------------------------
// Interpreter: a single process without a scheduler
// ---------------------------------------------------------------------------

// Interpreter runs one process to completion. spawn is not available;
// wait only marks the process Waiting and execution continues.
type Interpreter struct {
	proc *Process
	mem  *Memory
	d    *dispatcher
}

// NewInterpreter creates an interpreter for program with its own arena.
func NewInterpreter(program []byte, opts Options) *Interpreter {
	mem := NewMemory(opts.MemorySize)
	return &Interpreter{
		proc: newProcess(0, program, 0, mem, opts),
		mem:  mem,
		d:    newDispatcher(opts),
	}
}

// Process returns the interpreted process.
func (in *Interpreter) Process() *Process {
	return in.proc
}

// Memory returns the arena.
func (in *Interpreter) Memory() *Memory {
	return in.mem
}

// Stats returns the execution statistics so far.
func (in *Interpreter) Stats() Stats {
	return in.d.stats
}

// ExecuteOne executes a single instruction. It does nothing once the
// process has terminated.
func (in *Interpreter) ExecuteOne() error {
	if in.proc.Terminated() {
		return nil
	}
	in.resume()
	return in.d.step(in.proc)
}

// resume marks a new or waiting process running before dispatch.
func (in *Interpreter) resume() {
	if in.proc.state == StateNew || in.proc.state == StateWaiting {
		in.proc.state = StateRunning
	}
}

// Run executes until the process terminates, a fault occurs, the step
// limit is reached or ctx is cancelled.
func (in *Interpreter) Run(ctx context.Context) error {
	start := time.Now()
	defer func() { in.d.stats.Duration += time.Since(start) }()

	for !in.proc.Terminated() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if in.d.limitReached() {
			return ErrStepLimitExceeded
		}
		in.resume()
		if err := in.d.step(in.proc); err != nil {
			return err
		}
	}
	return nil
}
