package vm

import (
	"errors"

	"github.com/chazu/procvm/pkg/bytecode"
)

// decodeOperand parses the operand at pc and advances past it. An operand
// cut off by the end of the program moves pc out of bounds.
func (p *Process) decodeOperand() (bytecode.Operand, error) {
	o, next, err := bytecode.DecodeOperand(p.program, p.pc)
	if errors.Is(err, bytecode.ErrOperandTruncated) {
		return bytecode.Operand{}, faultf(FaultProgramCounterOutOfBounds, "%v", err)
	}
	if err != nil {
		return bytecode.Operand{}, faultf(FaultInvalidOperand, "%v", err)
	}
	p.pc = next
	return o, nil
}

// read decodes the next operand and returns its value at width w.
func (p *Process) read(w bytecode.Width) (uint64, error) {
	o, err := p.decodeOperand()
	if err != nil {
		return 0, err
	}
	return p.readOperand(o, w)
}

// write decodes the next operand and stores v through it.
func (p *Process) write(w bytecode.Width, v uint64) error {
	o, err := p.decodeOperand()
	if err != nil {
		return err
	}
	return p.writeOperand(o, w, v)
}

// skip advances past the next operand without resolving it.
func (p *Process) skip() error {
	_, err := p.decodeOperand()
	return err
}

// address returns the effective address of a memory operand.
func (p *Process) address(o bytecode.Operand) (uint64, error) {
	switch o.Tag {
	case bytecode.TagPointer:
		return o.Values[0], nil
	case bytecode.TagPointerOffset:
		return o.Values[0] + o.Values[1], nil
	case bytecode.TagIndirectPointer:
		return p.mem.Load(o.Values[0], bytecode.W64)
	case bytecode.TagIndirectPointerOffset:
		base, err := p.mem.Load(o.Values[0], bytecode.W64)
		if err != nil {
			return 0, err
		}
		return base + o.Values[1], nil
	}
	return 0, faultf(FaultInvalidOperand, "%s operand has no address", o.Tag)
}

func (p *Process) readOperand(o bytecode.Operand, w bytecode.Width) (uint64, error) {
	switch o.Tag {
	case bytecode.TagImmediate:
		return w.Truncate(o.Values[0]), nil
	case bytecode.TagRegister:
		return p.regs.Read(o.Register, w)
	}
	addr, err := p.address(o)
	if err != nil {
		return 0, err
	}
	return p.mem.Load(addr, w)
}

func (p *Process) writeOperand(o bytecode.Operand, w bytecode.Width, v uint64) error {
	switch o.Tag {
	case bytecode.TagImmediate:
		return faultf(FaultInvalidOperand, "immediate operand is not writable")
	case bytecode.TagRegister:
		return p.regs.Write(o.Register, w.Truncate(v))
	}
	addr, err := p.address(o)
	if err != nil {
		return err
	}
	return p.mem.Store(addr, w, v)
}
