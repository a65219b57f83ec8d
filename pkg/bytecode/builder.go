package bytecode

import "math"

// Builder assembles an instruction list.
//
//	b := bytecode.NewBuilder()
//	b.Println("enter")
//	b.Op(bytecode.OpReturn)
type Builder struct {
	code *Code
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{code: &Code{}}
}

// NewLabel allocates a label for use with Mark and Jump.
func (b *Builder) NewLabel() *Label {
	return b.code.NewLabel()
}

// Add appends instructions as is.
func (b *Builder) Add(insns ...*Insn) *Builder {
	b.code.Insns = append(b.code.Insns, insns...)
	return b
}

func (b *Builder) Op(op Opcode) *Builder {
	return b.Add(Op(op))
}

// Mark places l at the current position.
func (b *Builder) Mark(l *Label) *Builder {
	return b.Add(LabelInsn(l))
}

func (b *Builder) Jump(op Opcode, l *Label) *Builder {
	return b.Add(JumpInsn(op, l))
}

// Frame declares the stack map frame at the next instruction.
func (b *Builder) Frame(f *Frame) *Builder {
	return b.Add(FrameInsn(f))
}

// Load pushes local v of the given kind ('I', 'J', 'F', 'D' or 'A').
func (b *Builder) Load(kind byte, v int) *Builder {
	return b.Add(VarInsn(LoadOp(kind), v))
}

// Store pops into local v of the given kind.
func (b *Builder) Store(kind byte, v int) *Builder {
	return b.Add(VarInsn(StoreOp(kind), v))
}

// Int pushes an int constant using the shortest instruction.
func (b *Builder) Int(v int32) *Builder {
	switch {
	case v >= -1 && v <= 5:
		return b.Op(Opcode(int32(OpIconst0) + v))
	case v >= math.MinInt8 && v <= math.MaxInt8:
		return b.Add(IntInsn(OpBipush, v))
	case v >= math.MinInt16 && v <= math.MaxInt16:
		return b.Add(IntInsn(OpSipush, v))
	}
	return b.Ldc(v)
}

// Ldc pushes a constant; see Insn.Const.
func (b *Builder) Ldc(c any) *Builder {
	return b.Add(LdcInsn(c))
}

// Zero pushes the zero value of a kind.
func (b *Builder) Zero(kind byte) *Builder {
	return b.Op(ZeroOp(kind))
}

func (b *Builder) Field(op Opcode, owner, name, desc string) *Builder {
	return b.Add(FieldInsn(op, owner, name, desc))
}

func (b *Builder) Invoke(op Opcode, owner, name, desc string) *Builder {
	return b.Add(MethodInsn(op, owner, name, desc, false))
}

func (b *Builder) InvokeInterface(owner, name, desc string) *Builder {
	return b.Add(MethodInsn(OpInvokeinterface, owner, name, desc, true))
}

func (b *Builder) Type(op Opcode, class string) *Builder {
	return b.Add(TypeInsn(op, class))
}

// Return emits the return instruction for a kind, or return for 'V'.
func (b *Builder) Return(kind byte) *Builder {
	return b.Op(ReturnOp(kind))
}

// Println emits System.out.println(s).
func (b *Builder) Println(s string) *Builder {
	return b.
		Field(OpGetstatic, "java/lang/System", "out", "Ljava/io/PrintStream;").
		Ldc(s).
		Invoke(OpInvokevirtual, "java/io/PrintStream", "println", "(Ljava/lang/String;)V")
}

// Insns returns the instructions built so far.
func (b *Builder) Insns() []*Insn {
	return b.code.Insns
}

// Code returns the built instructions as a method body.
func (b *Builder) Code() *Code {
	return b.code
}
