package vm

import "fmt"

// State is the lifecycle state of a process.
type State uint8

const (
	StateNew State = iota
	StateRunning
	StateWaiting
	// StateReady is never assigned by the scheduler. A Ready process
	// found among the waiting processes is an invariant violation.
	StateReady
	StateTerminated
)

var stateNames = [...]string{"new", "running", "waiting", "ready", "terminated"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Process is one cooperative execution context over a shared program.
type Process struct {
	id      uint64
	state   State
	pc      int
	program []byte
	stack   *Stack
	calls   *CallStack
	regs    Registers
	mem     *Memory
}

func newProcess(id uint64, program []byte, pc int, mem *Memory, opts Options) *Process {
	return &Process{
		id:      id,
		state:   StateNew,
		pc:      pc,
		program: program,
		stack:   NewStack(opts.MaxStackBytes),
		calls:   NewCallStack(opts.MaxCallDepth),
		mem:     mem,
	}
}

// ID returns the process id, unique within its scheduler.
func (p *Process) ID() uint64 { return p.id }

// State returns the lifecycle state.
func (p *Process) State() State { return p.state }

// PC returns the offset of the next byte to fetch.
func (p *Process) PC() int { return p.pc }

// Program returns the code the process executes.
func (p *Process) Program() []byte { return p.program }

// Stack returns the execution stack.
func (p *Process) Stack() *Stack { return p.stack }

// Calls returns the call stack.
func (p *Process) Calls() *CallStack { return p.calls }

// Registers returns the register file.
func (p *Process) Registers() *Registers { return &p.regs }

// Memory returns the arena the process resolves pointers against.
func (p *Process) Memory() *Memory { return p.mem }

// Terminated reports whether the process has finished.
func (p *Process) Terminated() bool { return p.state == StateTerminated }

// fetch returns the byte at pc and advances past it. At the end of the
// program it reports false.
func (p *Process) fetch() (byte, bool) {
	if p.pc < 0 || p.pc >= len(p.program) {
		return 0, false
	}
	b := p.program[p.pc]
	p.pc++
	return b, true
}

// jump moves pc to target. A target equal to the program length is
// accepted and terminates the process on the next fetch.
func (p *Process) jump(target uint64) error {
	if target > uint64(len(p.program)) {
		return faultf(FaultProgramCounterOutOfBounds, "target 0x%X past end of program (%d bytes)", target, len(p.program))
	}
	p.pc = int(target)
	return nil
}
