package vm

import "github.com/chazu/procvm/pkg/bytecode"

// registersPerBank is the number of cells in each width bank.
const registersPerBank = 8

// Registers is a process's register file: four banks of eight cells, one
// bank per width, addressed by a flat index. Indices 0-7 are 8-bit, 8-15
// 16-bit, 16-23 32-bit and 24-31 64-bit.
type Registers struct {
	R8  [registersPerBank]uint8
	R16 [registersPerBank]uint16
	R32 [registersPerBank]uint32
	R64 [registersPerBank]uint64
}

// BankWidth returns the width of the bank holding register index.
func BankWidth(index uint8) (bytecode.Width, bool) {
	switch index / registersPerBank {
	case 0:
		return bytecode.W8, true
	case 1:
		return bytecode.W16, true
	case 2:
		return bytecode.W32, true
	case 3:
		return bytecode.W64, true
	}
	return 0, false
}

// Get returns the raw contents of a cell.
func (r *Registers) Get(index uint8) (uint64, error) {
	slot := index % registersPerBank
	switch index / registersPerBank {
	case 0:
		return uint64(r.R8[slot]), nil
	case 1:
		return uint64(r.R16[slot]), nil
	case 2:
		return uint64(r.R32[slot]), nil
	case 3:
		return r.R64[slot], nil
	}
	return 0, faultf(FaultInvalidOperand, "register index %d out of range", index)
}

// Read returns a cell coerced to width w. Narrower cells zero-extend and
// wider cells truncate.
func (r *Registers) Read(index uint8, w bytecode.Width) (uint64, error) {
	v, err := r.Get(index)
	if err != nil {
		return 0, err
	}
	return w.Truncate(v), nil
}

// Write stores v into a cell, truncated to the cell's bank width.
func (r *Registers) Write(index uint8, v uint64) error {
	slot := index % registersPerBank
	switch index / registersPerBank {
	case 0:
		r.R8[slot] = uint8(v)
	case 1:
		r.R16[slot] = uint16(v)
	case 2:
		r.R32[slot] = uint32(v)
	case 3:
		r.R64[slot] = v
	default:
		return faultf(FaultInvalidOperand, "register index %d out of range", index)
	}
	return nil
}

// Reset zeroes every cell.
func (r *Registers) Reset() {
	*r = Registers{}
}
