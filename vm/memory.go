package vm

import "github.com/chazu/procvm/pkg/bytecode"

// DefaultMemorySize is the arena size used when Options.MemorySize is zero.
const DefaultMemorySize = 64 * 1024

// Memory is the byte-addressed arena that pointer operands and load/save
// resolve against. Values are stored big-endian and may be unaligned.
//
// One Memory is shared by every process of a Scheduler and there is no
// ownership or locking: any process may read or overwrite any address,
// including data another process is using. Programs that spawn must
// partition the arena themselves.
type Memory struct {
	data []byte
}

// NewMemory allocates a zeroed arena of size bytes.
func NewMemory(size int) *Memory {
	if size <= 0 {
		size = DefaultMemorySize
	}
	return &Memory{data: make([]byte, size)}
}

// Len returns the arena size in bytes.
func (m *Memory) Len() int {
	return len(m.data)
}

// Bytes exposes the arena contents.
func (m *Memory) Bytes() []byte {
	return m.data
}

func (m *Memory) check(addr uint64, n int) error {
	size := uint64(len(m.data))
	if addr > size || uint64(n) > size-addr {
		return faultf(FaultMemoryOutOfBounds, "%d-byte access at 0x%X (arena is %d bytes)", n, addr, size)
	}
	return nil
}

// Load reads a w-bit value at addr.
func (m *Memory) Load(addr uint64, w bytecode.Width) (uint64, error) {
	if err := m.check(addr, w.Bytes()); err != nil {
		return 0, err
	}
	return bytecode.Uint(m.data[addr:], w), nil
}

// Store writes the low w bits of v at addr.
func (m *Memory) Store(addr uint64, w bytecode.Width, v uint64) error {
	if err := m.check(addr, w.Bytes()); err != nil {
		return err
	}
	bytecode.PutUint(m.data[addr:], w, v)
	return nil
}

// Write copies b into the arena at addr.
func (m *Memory) Write(addr uint64, b []byte) error {
	if err := m.check(addr, len(b)); err != nil {
		return err
	}
	copy(m.data[addr:], b)
	return nil
}
