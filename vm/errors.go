package vm

import (
	"errors"
	"fmt"
	"strings"

	"github.com/chazu/procvm/pkg/bytecode"
)

// FaultKind classifies a fault.
type FaultKind uint8

const (
	FaultStackUnderflow FaultKind = iota + 1
	FaultStackOverflow
	FaultInvalidOpcode
	FaultInvalidOperand
	FaultDivideByZero
	FaultProgramCounterOutOfBounds
	FaultMemoryOutOfBounds
	FaultSchedulerInvariantViolated
)

// Sentinel errors, one per fault kind. A *Fault unwraps to the sentinel
// of its kind.
var (
	ErrStackUnderflow             = errors.New("stack underflow")
	ErrStackOverflow              = errors.New("stack overflow")
	ErrInvalidOpcode              = errors.New("invalid opcode")
	ErrInvalidOperand             = errors.New("invalid operand")
	ErrDivideByZero               = errors.New("divide by zero")
	ErrProgramCounterOutOfBounds  = errors.New("program counter out of bounds")
	ErrMemoryOutOfBounds          = errors.New("memory access out of bounds")
	ErrSchedulerInvariantViolated = errors.New("scheduler invariant violated")
)

// ErrStepLimitExceeded is returned by Run when the configured step limit
// is reached before every process terminated.
var ErrStepLimitExceeded = errors.New("step limit exceeded")

var faultSentinels = map[FaultKind]error{
	FaultStackUnderflow:             ErrStackUnderflow,
	FaultStackOverflow:              ErrStackOverflow,
	FaultInvalidOpcode:              ErrInvalidOpcode,
	FaultInvalidOperand:             ErrInvalidOperand,
	FaultDivideByZero:               ErrDivideByZero,
	FaultProgramCounterOutOfBounds:  ErrProgramCounterOutOfBounds,
	FaultMemoryOutOfBounds:          ErrMemoryOutOfBounds,
	FaultSchedulerInvariantViolated: ErrSchedulerInvariantViolated,
}

// Err returns the sentinel error for k.
func (k FaultKind) Err() error {
	if err, ok := faultSentinels[k]; ok {
		return err
	}
	return fmt.Errorf("fault kind %d", uint8(k))
}

func (k FaultKind) String() string {
	return k.Err().Error()
}

// Fault is a classified error that halts execution of a process.
type Fault struct {
	Kind    FaultKind
	Process uint64
	// PC is the offset of the faulting instruction, or -1 when the fault
	// did not come from an instruction.
	PC     int
	Opcode bytecode.Opcode
	HasOp  bool
	Detail string
}

func (f *Fault) Error() string {
	var sb strings.Builder
	sb.WriteString(f.Kind.String())
	if f.PC >= 0 {
		fmt.Fprintf(&sb, ": process %d at %04X", f.Process, f.PC)
		if f.HasOp {
			fmt.Fprintf(&sb, " (%s)", f.Opcode)
		}
	}
	if f.Detail != "" {
		sb.WriteString(": ")
		sb.WriteString(f.Detail)
	}
	return sb.String()
}

func (f *Fault) Unwrap() error {
	return f.Kind.Err()
}

// faultf creates a fault without execution context. The dispatch loop
// fills in process and position.
func faultf(kind FaultKind, format string, args ...interface{}) *Fault {
	return &Fault{Kind: kind, PC: -1, Detail: fmt.Sprintf(format, args...)}
}

// AsFault returns the *Fault wrapped in err, if any.
func AsFault(err error) (*Fault, bool) {
	var f *Fault
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}
