// Package bytecode converts between raw Code attributes and an editable
// instruction list whose operands are symbolic: member references, class
// names and literal values instead of constant pool indexes, and labels
// instead of offsets.
package bytecode

import "fmt"

// Kind distinguishes real instructions from the pseudo instructions that
// carry positions and metadata.
type Kind uint8

const (
	KindOp    Kind = iota
	KindLabel      // marks a position; Label is set
	KindFrame      // stack map frame at the next instruction; Frame is set
	KindLine       // source line of the following instructions; Line is set
)

// Label is a position in an instruction list. Labels are compared by
// identity.
type Label struct {
	ID int
}

func (l *Label) String() string {
	if l == nil {
		return "L?"
	}
	return fmt.Sprintf("L%d", l.ID)
}

// Member is a symbolic field or method reference.
type Member struct {
	Owner     string
	Name      string
	Desc      string
	Interface bool
}

func (m *Member) String() string {
	return m.Owner + "." + m.Name + ":" + m.Desc
}

// Dynamic is the operand of invokedynamic. Bootstrap indexes the class's
// BootstrapMethods table.
type Dynamic struct {
	Bootstrap uint16
	Name      string
	Desc      string
}

// ClassConst is an ldc operand loading a class literal.
type ClassConst string

// PoolConst is an ldc operand referring to a loadable constant that has no
// symbolic form here (MethodHandle, MethodType, Dynamic), by pool index.
type PoolConst uint16

// Insn is one element of an instruction list.
//
// Local variable instructions are normalized: iload_0 decodes as OpIload
// with Var 0, and wide prefixes disappear. ldc, ldc_w and ldc2_w decode as
// OpLdc, goto_w as OpGoto, jsr_w as OpJsr. Encode picks the short forms.
type Insn struct {
	Kind Kind
	Op   Opcode

	Var   int   // local index: loads, stores, iinc, ret
	Int   int32 // bipush, sipush, iinc delta, newarray type code
	Const any   // ldc: string, int32, float32, int64, float64, ClassConst or PoolConst

	Class  string // new, anewarray, checkcast, instanceof, multianewarray
	Dims   int    // multianewarray
	Member *Member
	Indy   *Dynamic

	Target *Label // branches

	// tableswitch covers Low..Low+len(Targets)-1; lookupswitch pairs Keys
	// with Targets.
	Default *Label
	Low     int32
	Keys    []int32
	Targets []*Label

	Label *Label
	Frame *Frame
	Line  int
}

// Op returns an instruction without operands.
func Op(op Opcode) *Insn {
	return &Insn{Op: op}
}

// VarInsn returns a load, store or ret of local slot v.
func VarInsn(op Opcode, v int) *Insn {
	return &Insn{Op: op, Var: v}
}

// IntInsn returns bipush, sipush or newarray with operand v.
func IntInsn(op Opcode, v int32) *Insn {
	return &Insn{Op: op, Int: v}
}

// IincInsn increments local v by delta.
func IincInsn(v int, delta int32) *Insn {
	return &Insn{Op: OpIinc, Var: v, Int: delta}
}

// LdcInsn loads a constant; see Insn.Const for the accepted types.
func LdcInsn(c any) *Insn {
	return &Insn{Op: OpLdc, Const: c}
}

// TypeInsn returns new, anewarray, checkcast or instanceof.
func TypeInsn(op Opcode, class string) *Insn {
	return &Insn{Op: op, Class: class}
}

// FieldInsn returns a getstatic, putstatic, getfield or putfield.
func FieldInsn(op Opcode, owner, name, desc string) *Insn {
	return &Insn{Op: op, Member: &Member{Owner: owner, Name: name, Desc: desc}}
}

// MethodInsn returns an invoke instruction. Interface selects an
// InterfaceMethodref and is implied by invokeinterface.
func MethodInsn(op Opcode, owner, name, desc string, iface bool) *Insn {
	return &Insn{Op: op, Member: &Member{Owner: owner, Name: name, Desc: desc, Interface: iface || op == OpInvokeinterface}}
}

// JumpInsn returns a branch to l.
func JumpInsn(op Opcode, l *Label) *Insn {
	return &Insn{Op: op, Target: l}
}

// LabelInsn places l.
func LabelInsn(l *Label) *Insn {
	return &Insn{Kind: KindLabel, Label: l}
}

// FrameInsn declares the stack map frame at the next instruction.
func FrameInsn(f *Frame) *Insn {
	return &Insn{Kind: KindFrame, Frame: f}
}

// LineInsn records the source line of the following instructions.
func LineInsn(line int) *Insn {
	return &Insn{Kind: KindLine, Line: line}
}

// IsOp reports whether in is a real instruction.
func (in *Insn) IsOp() bool {
	return in.Kind == KindOp
}

// Handler is an exception table entry. An empty Type catches everything.
type Handler struct {
	Start   *Label
	End     *Label
	Handler *Label
	Type    string
}

// Code is a decoded method body.
type Code struct {
	Insns     []*Insn
	Handlers  []Handler
	MaxStack  int
	MaxLocals int

	nextLabel int
}

// NewLabel allocates a label unique within c.
func (c *Code) NewLabel() *Label {
	c.nextLabel++
	return &Label{ID: c.nextLabel}
}

// Ops returns the real instructions of c, skipping pseudo instructions.
func (c *Code) Ops() []*Insn {
	ops := make([]*Insn, 0, len(c.Insns))
	for _, in := range c.Insns {
		if in.IsOp() {
			ops = append(ops, in)
		}
	}
	return ops
}

// Clone returns a deep copy of c with fresh labels.
func (c *Code) Clone() *Code {
	out := &Code{MaxStack: c.MaxStack, MaxLocals: c.MaxLocals, nextLabel: c.nextLabel}
	labels := make(map[*Label]*Label)
	remap := func(l *Label) *Label {
		if l == nil {
			return nil
		}
		if m, ok := labels[l]; ok {
			return m
		}
		m := &Label{ID: l.ID}
		labels[l] = m
		return m
	}
	out.Insns = CloneInsns(c.Insns, remap)
	for _, h := range c.Handlers {
		out.Handlers = append(out.Handlers, Handler{
			Start:   remap(h.Start),
			End:     remap(h.End),
			Handler: remap(h.Handler),
			Type:    h.Type,
		})
	}
	return out
}

// CloneInsns deep-copies an instruction list, passing every label through
// remap. Injected snippets are cloned at each insertion point so that a
// snippet used twice does not share labels.
func CloneInsns(insns []*Insn, remap func(*Label) *Label) []*Insn {
	out := make([]*Insn, len(insns))
	for i, in := range insns {
		cp := *in
		cp.Target = remap(in.Target)
		cp.Default = remap(in.Default)
		cp.Label = remap(in.Label)
		if in.Targets != nil {
			cp.Targets = make([]*Label, len(in.Targets))
			for j, t := range in.Targets {
				cp.Targets[j] = remap(t)
			}
		}
		if in.Keys != nil {
			cp.Keys = append([]int32(nil), in.Keys...)
		}
		if in.Member != nil {
			m := *in.Member
			cp.Member = &m
		}
		if in.Indy != nil {
			d := *in.Indy
			cp.Indy = &d
		}
		if in.Frame != nil {
			cp.Frame = in.Frame.clone(remap)
		}
		out[i] = &cp
	}
	return out
}

// Relabel clones a snippet so its labels belong to c.
func (c *Code) Relabel(insns []*Insn) []*Insn {
	labels := make(map[*Label]*Label)
	return CloneInsns(insns, func(l *Label) *Label {
		if l == nil {
			return nil
		}
		if m, ok := labels[l]; ok {
			return m
		}
		m := c.NewLabel()
		labels[l] = m
		return m
	})
}
