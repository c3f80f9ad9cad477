package bytecode

// Builder assembles a program one instruction at a time.
type Builder struct {
	code   []byte
	labels []Label
}

// NewBuilder creates an empty builder.
func NewBuilder() *Builder {
	return &Builder{code: make([]byte, 0, 64)}
}

// Emit appends an opcode followed by its operand encodings and returns
// the offset of the opcode.
func (b *Builder) Emit(op Opcode, operands ...Operand) int {
	offset := len(b.code)
	b.code = append(b.code, byte(op))
	for _, o := range operands {
		b.code = o.Append(b.code)
	}
	return offset
}

// EmitTyped appends the variant of family f for type t.
func (b *Builder) EmitTyped(f Family, t Type, operands ...Operand) int {
	op, ok := Typed(f, t)
	if !ok {
		panic("bytecode: no " + f.String() + " opcode for " + t.String())
	}
	return b.Emit(op, operands...)
}

// EmitRaw appends bytes verbatim.
func (b *Builder) EmitRaw(raw ...byte) int {
	offset := len(b.code)
	b.code = append(b.code, raw...)
	return offset
}

// EmitJump emits a jump-style instruction with a placeholder target.
// Returns the offset of the placeholder, for PatchTarget.
func (b *Builder) EmitJump(op Opcode) int {
	b.Emit(op)
	placeholder := len(b.code)
	b.code = Target(0xFFFF).Append(b.code)
	return placeholder
}

// PatchTarget overwrites a placeholder emitted by EmitJump so that it
// points at target.
func (b *Builder) PatchTarget(placeholder, target int) {
	// Skip the tag and size bytes.
	PutUint(b.code[placeholder+2:], W64, uint64(target))
}

// PatchHere points a placeholder at the current offset.
func (b *Builder) PatchHere(placeholder int) {
	b.PatchTarget(placeholder, len(b.code))
}

// Label records name at the current offset and returns the offset.
func (b *Builder) Label(name string) int {
	offset := len(b.code)
	b.labels = append(b.labels, Label{Offset: uint32(offset), Name: name})
	return offset
}

// Offset returns the offset the next instruction will be emitted at.
func (b *Builder) Offset() int {
	return len(b.code)
}

// Bytes returns the assembled code.
func (b *Builder) Bytes() []byte {
	return b.code
}

// Image wraps the assembled code and labels in an Image.
func (b *Builder) Image() *Image {
	img := NewImage(append([]byte(nil), b.code...))
	for _, l := range b.labels {
		img.AddLabel(int(l.Offset), l.Name)
	}
	return img
}
