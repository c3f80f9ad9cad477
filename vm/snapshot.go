package vm

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// cborEncMode uses canonical CBOR so equal states encode to equal bytes.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("vm: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// ProcessSnapshot is the serializable state of a Process.
type ProcessSnapshot struct {
	ID        uint64    `cbor:"1,keyasint"`
	State     State     `cbor:"2,keyasint"`
	PC        int       `cbor:"3,keyasint"`
	Stack     []byte    `cbor:"4,keyasint"`
	Calls     []int     `cbor:"5,keyasint"`
	Registers Registers `cbor:"6,keyasint"`
}

// SchedulerSnapshot is the serializable state of a Scheduler. The
// program itself is not included.
type SchedulerSnapshot struct {
	Current ProcessSnapshot   `cbor:"1,keyasint"`
	Waiting []ProcessSnapshot `cbor:"2,keyasint"`
	NextID  uint64            `cbor:"3,keyasint"`
	Memory  []byte            `cbor:"4,keyasint"`
	Steps   int64             `cbor:"5,keyasint"`
}

// Snapshot captures the process state.
func (p *Process) Snapshot() ProcessSnapshot {
	return ProcessSnapshot{
		ID:        p.id,
		State:     p.state,
		PC:        p.pc,
		Stack:     append([]byte(nil), p.stack.Bytes()...),
		Calls:     append([]int(nil), p.calls.Frames()...),
		Registers: p.regs,
	}
}

// Snapshot captures the scheduler state, including the memory arena.
func (s *Scheduler) Snapshot() SchedulerSnapshot {
	snap := SchedulerSnapshot{
		Current: s.current.Snapshot(),
		NextID:  s.nextID,
		Memory:  append([]byte(nil), s.mem.Bytes()...),
		Steps:   s.d.stats.Steps,
	}
	for _, p := range s.waiting {
		snap.Waiting = append(snap.Waiting, p.Snapshot())
	}
	return snap
}

func (snap ProcessSnapshot) restore(program []byte, mem *Memory, opts Options) (*Process, error) {
	if snap.PC < 0 || snap.PC > len(program) {
		return nil, fmt.Errorf("process %d: pc %d outside program of %d bytes", snap.ID, snap.PC, len(program))
	}
	if snap.State > StateTerminated {
		return nil, fmt.Errorf("process %d: invalid state %d", snap.ID, snap.State)
	}
	p := newProcess(snap.ID, program, snap.PC, mem, opts)
	p.state = snap.State
	p.stack.data = append(p.stack.data, snap.Stack...)
	p.calls.frames = append(p.calls.frames, snap.Calls...)
	p.regs = snap.Registers
	return p, nil
}

// RestoreScheduler rebuilds a scheduler for program from a snapshot.
func RestoreScheduler(program []byte, snap *SchedulerSnapshot, opts Options) (*Scheduler, error) {
	if opts.MemorySize == 0 {
		opts.MemorySize = len(snap.Memory)
	}
	if len(snap.Memory) != opts.MemorySize {
		return nil, fmt.Errorf("snapshot arena is %d bytes, options ask for %d", len(snap.Memory), opts.MemorySize)
	}

	s := &Scheduler{
		program: program,
		mem:     NewMemory(opts.MemorySize),
		opts:    opts,
		d:       newDispatcher(opts),
		nextID:  snap.NextID,
	}
	s.d.spawn = s.spawn
	s.d.stats.Steps = snap.Steps
	copy(s.mem.data, snap.Memory)

	cur, err := snap.Current.restore(program, s.mem, opts)
	if err != nil {
		return nil, err
	}
	s.current = cur
	for _, ws := range snap.Waiting {
		p, err := ws.restore(program, s.mem, opts)
		if err != nil {
			return nil, err
		}
		s.waiting = append(s.waiting, p)
	}
	return s, nil
}

// MarshalSnapshot serializes a SchedulerSnapshot to CBOR bytes.
func MarshalSnapshot(snap *SchedulerSnapshot) ([]byte, error) {
	return cborEncMode.Marshal(snap)
}

// UnmarshalSnapshot deserializes a SchedulerSnapshot from CBOR bytes.
func UnmarshalSnapshot(data []byte) (*SchedulerSnapshot, error) {
	var snap SchedulerSnapshot
	if err := cbor.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("vm: unmarshal snapshot: %w", err)
	}
	return &snap, nil
}
