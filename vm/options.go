package vm

import "fmt"

// SchedulerPolicy selects how the scheduler picks the next process.
type SchedulerPolicy uint8

const (
	// PolicySingle allows at most one Waiting process at switch time;
	// a second one is a SchedulerInvariantViolated fault. wait only
	// changes the process state.
	PolicySingle SchedulerPolicy = iota
	// PolicyQueue treats waiting processes as a FIFO ready queue, and
	// wait yields to the next one.
	PolicyQueue
)

func (p SchedulerPolicy) String() string {
	switch p {
	case PolicySingle:
		return "single"
	case PolicyQueue:
		return "queue"
	}
	return fmt.Sprintf("policy(%d)", uint8(p))
}

// ParseSchedulerPolicy parses "single" or "queue".
func ParseSchedulerPolicy(s string) (SchedulerPolicy, error) {
	switch s {
	case "", "single":
		return PolicySingle, nil
	case "queue":
		return PolicyQueue, nil
	}
	return 0, fmt.Errorf("unknown scheduler policy %q", s)
}

// FaultPolicy selects what a fault does to a scheduled run.
type FaultPolicy uint8

const (
	// FaultAbort stops the run and returns the fault.
	FaultAbort FaultPolicy = iota
	// FaultTerminateProcess terminates only the faulting process,
	// records the fault and keeps scheduling.
	FaultTerminateProcess
)

func (p FaultPolicy) String() string {
	switch p {
	case FaultAbort:
		return "abort"
	case FaultTerminateProcess:
		return "terminate-process"
	}
	return fmt.Sprintf("fault-policy(%d)", uint8(p))
}

// ParseFaultPolicy parses "abort" or "terminate-process".
func ParseFaultPolicy(s string) (FaultPolicy, error) {
	switch s {
	case "", "abort":
		return FaultAbort, nil
	case "terminate-process":
		return FaultTerminateProcess, nil
	}
	return 0, fmt.Errorf("unknown fault policy %q", s)
}

// FloatMode selects how f32/f64 opcodes interpret stack bits.
type FloatMode uint8

const (
	// FloatBits reinterprets the stack bits as IEEE-754 values.
	FloatBits FloatMode = iota
	// FloatNumeric converts the unsigned integer on the stack to a float,
	// and saturates results back to an unsigned integer.
	FloatNumeric
)

func (m FloatMode) String() string {
	switch m {
	case FloatBits:
		return "bits"
	case FloatNumeric:
		return "numeric"
	}
	return fmt.Sprintf("float-mode(%d)", uint8(m))
}

// ParseFloatMode parses "bits" or "numeric".
func ParseFloatMode(s string) (FloatMode, error) {
	switch s {
	case "", "bits":
		return FloatBits, nil
	case "numeric":
		return FloatNumeric, nil
	}
	return 0, fmt.Errorf("unknown float mode %q", s)
}

// Options configures an Interpreter or Scheduler. The zero value is
// usable: a default-sized arena, no limits, single policy, abort on fault.
type Options struct {
	MemorySize    int   // arena bytes; 0 means DefaultMemorySize
	MaxSteps      int64 // instructions per run; 0 means unlimited
	MaxStackBytes int   // execution stack bytes per process; 0 means unlimited
	MaxCallDepth  int   // call stack frames per process; 0 means unlimited

	Policy  SchedulerPolicy
	OnFault FaultPolicy
	Float   FloatMode

	// Trace logs every instruction at debug level.
	Trace bool
	// CountOps enables per-opcode counts in Stats.
	CountOps bool
}

// DefaultOptions returns the options used when nothing is configured.
func DefaultOptions() Options {
	return Options{MemorySize: DefaultMemorySize}
}
