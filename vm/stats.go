package vm

import (
	"sort"
	"time"
)

// Stats contains metrics about a run.
type Stats struct {
	Steps          int64            // instructions executed
	Spawns         int              // processes created by spawn
	Switches       int              // scheduler switches
	Faults         int              // faults raised, including recovered ones
	PeakStackBytes int              // deepest execution stack seen
	PeakCallDepth  int              // deepest call stack seen
	Duration       time.Duration    // wall time spent in Run
	OpCounts       map[string]int64 // per-opcode counts, when enabled
}

// OpCount is one entry of Stats.TopOps.
type OpCount struct {
	Name  string
	Count int64
}

// TopOps returns the n most executed opcodes, most frequent first.
func (s *Stats) TopOps(n int) []OpCount {
	out := make([]OpCount, 0, len(s.OpCounts))
	for name, c := range s.OpCounts {
		out = append(out, OpCount{Name: name, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Name < out[j].Name
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

func (s *Stats) observe(p *Process) {
	if n := p.stack.Len(); n > s.PeakStackBytes {
		s.PeakStackBytes = n
	}
	if d := p.calls.Depth(); d > s.PeakCallDepth {
		s.PeakCallDepth = d
	}
}
