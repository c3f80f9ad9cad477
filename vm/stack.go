package vm

import "github.com/chazu/procvm/pkg/bytecode"

// Stack is a process's execution stack: a LIFO buffer of bytes. Values
// are pushed most significant byte first, so the top of the stack holds
// the least significant byte of the last value pushed.
type Stack struct {
	data  []byte
	limit int // maximum size in bytes; 0 means unbounded
}

// NewStack creates an empty stack holding at most limit bytes.
func NewStack(limit int) *Stack {
	return &Stack{limit: limit}
}

// Len returns the number of bytes on the stack.
func (s *Stack) Len() int {
	return len(s.data)
}

// Bytes exposes the stack contents, bottom first.
func (s *Stack) Bytes() []byte {
	return s.data
}

// Clear empties the stack.
func (s *Stack) Clear() {
	s.data = s.data[:0]
}

// Push appends the low w bits of v.
func (s *Stack) Push(w bytecode.Width, v uint64) error {
	if s.limit > 0 && len(s.data)+w.Bytes() > s.limit {
		return faultf(FaultStackOverflow, "pushing %d bytes onto %d (limit %d)", w.Bytes(), len(s.data), s.limit)
	}
	s.data = bytecode.AppendUint(s.data, w, v)
	return nil
}

// Pop removes and reassembles the top w-bit value.
func (s *Stack) Pop(w bytecode.Width) (uint64, error) {
	v, err := s.Peek(w)
	if err != nil {
		return 0, err
	}
	s.data = s.data[:len(s.data)-w.Bytes()]
	return v, nil
}

// Peek returns the top w-bit value without removing it.
func (s *Stack) Peek(w bytecode.Width) (uint64, error) {
	n := w.Bytes()
	if len(s.data) < n {
		return 0, faultf(FaultStackUnderflow, "need %d bytes, have %d", n, len(s.data))
	}
	return bytecode.Uint(s.data[len(s.data)-n:], w), nil
}

// Copy duplicates the top w-bit value.
func (s *Stack) Copy(w bytecode.Width) error {
	v, err := s.Peek(w)
	if err != nil {
		return err
	}
	return s.Push(w, v)
}

// CallStack holds return offsets for call/ret.
type CallStack struct {
	frames []int
	limit  int // maximum depth; 0 means unbounded
}

// NewCallStack creates an empty call stack at most limit frames deep.
func NewCallStack(limit int) *CallStack {
	return &CallStack{limit: limit}
}

// Push records a return offset.
func (c *CallStack) Push(ret int) error {
	if c.limit > 0 && len(c.frames) >= c.limit {
		return faultf(FaultStackOverflow, "call depth limit %d reached", c.limit)
	}
	c.frames = append(c.frames, ret)
	return nil
}

// Pop removes the most recent return offset.
func (c *CallStack) Pop() (int, error) {
	if len(c.frames) == 0 {
		return 0, faultf(FaultStackUnderflow, "ret with empty call stack")
	}
	ret := c.frames[len(c.frames)-1]
	c.frames = c.frames[:len(c.frames)-1]
	return ret, nil
}

// Depth returns the number of pending returns.
func (c *CallStack) Depth() int {
	return len(c.frames)
}

// Frames exposes the return offsets, oldest first.
func (c *CallStack) Frames() []int {
	return c.frames
}
