package vm

import (
	"context"
	"time"
)

// Scheduler multiplexes cooperative processes over one program and one
// shared memory arena. Switches happen only when the current process
// terminates, when it spawns a child, and (under PolicyQueue) when it
// executes wait.
type Scheduler struct {
	current *Process
	waiting []*Process
	nextID  uint64

	program []byte
	mem     *Memory
	opts    Options
	d       *dispatcher
	faults  []*Fault
}

// NewScheduler creates a scheduler whose first process starts at offset 0.
func NewScheduler(program []byte, opts Options) *Scheduler {
	s := &Scheduler{
		program: program,
		mem:     NewMemory(opts.MemorySize),
		opts:    opts,
		d:       newDispatcher(opts),
	}
	s.d.spawn = s.spawn
	s.current = newProcess(s.allocID(), program, 0, s.mem, opts)
	return s
}

func (s *Scheduler) allocID() uint64 {
	id := s.nextID
	s.nextID++
	return id
}

// Current returns the process that executes next.
func (s *Scheduler) Current() *Process {
	return s.current
}

// Waiting returns the parked processes, oldest first.
func (s *Scheduler) Waiting() []*Process {
	return s.waiting
}

// Memory returns the arena shared by every process.
func (s *Scheduler) Memory() *Memory {
	return s.mem
}

// Stats returns the execution statistics so far.
func (s *Scheduler) Stats() Stats {
	return s.d.stats
}

// Faults returns the faults absorbed under FaultTerminateProcess.
func (s *Scheduler) Faults() []*Fault {
	return s.faults
}

// Done reports whether every process has terminated.
func (s *Scheduler) Done() bool {
	return s.current.Terminated() && len(s.waiting) == 0
}

// Run schedules processes until all of them terminate. It returns the
// first fault under FaultAbort, ErrStepLimitExceeded when the step limit
// is hit, or ctx's error when cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	start := time.Now()
	defer func() { s.d.stats.Duration += time.Since(start) }()

	for !s.Done() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !s.current.Terminated() && s.d.limitReached() {
			return ErrStepLimitExceeded
		}
		if err := s.ExecuteOne(); err != nil {
			return err
		}
	}
	return nil
}

// ExecuteOne performs one scheduling step: an instruction of the current
// process, or a switch when the current process has terminated.
func (s *Scheduler) ExecuteOne() error {
	if s.current.Terminated() {
		return s.switchProcess()
	}

	cur := s.current
	if err := s.d.step(cur); err != nil {
		f, ok := AsFault(err)
		if !ok || s.opts.OnFault == FaultAbort {
			log.Errorf("run aborted: %v", err)
			return err
		}
		log.Errorf("terminating process %d: %v", cur.id, f)
		s.faults = append(s.faults, f)
		cur.state = StateTerminated
		return nil
	}

	if s.opts.Policy == PolicyQueue && cur == s.current && cur.state == StateWaiting {
		return s.yield()
	}
	return nil
}

// spawn starts a child at target and makes it current. The outgoing
// process is parked as Waiting.
func (s *Scheduler) spawn(target int) error {
	parent := s.current
	child := newProcess(s.allocID(), s.program, target, s.mem, s.opts)
	child.state = StateWaiting

	parent.state = StateWaiting
	s.waiting = append(s.waiting, parent)

	child.state = StateRunning
	s.current = child
	log.Debugf("process %d spawned process %d at %04X", parent.id, child.id, target)
	return nil
}

// purge drops terminated processes from the waiting list.
func (s *Scheduler) purge() {
	kept := s.waiting[:0]
	for _, p := range s.waiting {
		if !p.Terminated() {
			kept = append(kept, p)
		}
	}
	for i := len(kept); i < len(s.waiting); i++ {
		s.waiting[i] = nil
	}
	s.waiting = kept
}

// nextWaiting returns the index of the process to resume, or -1.
func (s *Scheduler) nextWaiting() (int, error) {
	next := -1
	for i, p := range s.waiting {
		if p.state != StateWaiting {
			return -1, &Fault{Kind: FaultSchedulerInvariantViolated, Process: p.id, PC: -1,
				Detail: "process " + p.state.String() + " in waiting list"}
		}
		if next < 0 {
			next = i
			if s.opts.Policy == PolicyQueue {
				break
			}
			continue
		}
		return -1, &Fault{Kind: FaultSchedulerInvariantViolated, Process: p.id, PC: -1,
			Detail: "more than one waiting process"}
	}
	return next, nil
}

// switchProcess replaces a terminated current process with the waiting
// one. With nothing waiting the current process stays terminated.
func (s *Scheduler) switchProcess() error {
	s.purge()
	next, err := s.nextWaiting()
	if err != nil {
		s.d.stats.Faults++
		log.Errorf("switch failed: %v", err)
		return err
	}
	if next < 0 {
		return nil
	}
	s.promote(next)
	return nil
}

// yield parks a waiting current process behind the next waiting one.
// When nothing else is waiting the current process keeps running.
func (s *Scheduler) yield() error {
	s.purge()
	next, err := s.nextWaiting()
	if err != nil {
		s.d.stats.Faults++
		return err
	}
	if next < 0 {
		s.current.state = StateRunning
		return nil
	}
	s.promote(next)
	return nil
}

func (s *Scheduler) promote(i int) {
	next := s.waiting[i]
	s.waiting = append(s.waiting[:i], s.waiting[i+1:]...)
	next.state = StateRunning

	outgoing := s.current
	s.waiting = append(s.waiting, outgoing)
	s.current = next
	s.d.stats.Switches++
	log.Debugf("switched from process %d (%s) to process %d", outgoing.id, outgoing.state, next.id)
}
