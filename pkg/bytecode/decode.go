package bytecode

import (
	"encoding/binary"
	"fmt"

	"github.com/daimatz/classmod/pkg/classfile"
)

// codeReader reads operands with a sticky bounds error.
type codeReader struct {
	code []byte
	pos  int
	err  error
}

func (r *codeReader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if r.pos+n > len(r.code) {
		r.err = fmt.Errorf("truncated instruction at %d", r.pos)
		return false
	}
	return true
}

func (r *codeReader) u1() uint8 {
	if !r.need(1) {
		return 0
	}
	v := r.code[r.pos]
	r.pos++
	return v
}

func (r *codeReader) s1() int32 { return int32(int8(r.u1())) }

func (r *codeReader) u2() uint16 {
	if !r.need(2) {
		return 0
	}
	v := binary.BigEndian.Uint16(r.code[r.pos:])
	r.pos += 2
	return v
}

func (r *codeReader) s2() int32 { return int32(int16(r.u2())) }

func (r *codeReader) s4() int32 {
	if !r.need(4) {
		return 0
	}
	v := binary.BigEndian.Uint32(r.code[r.pos:])
	r.pos += 4
	return int32(v)
}

// Decode converts the Code attribute of m into an instruction list.
// LocalVariableTable and LocalVariableTypeTable are not carried over.
func Decode(cf *classfile.ClassFile, m *classfile.MethodInfo) (*Code, error) {
	if m.Code == nil {
		return nil, fmt.Errorf("method %s%s has no code", m.Name, m.Descriptor)
	}
	owner, err := cf.ClassName()
	if err != nil {
		return nil, err
	}
	d := &decoder{
		cf:     cf,
		pool:   cf.ConstantPool,
		r:      &codeReader{code: m.Code.Code},
		labels: make(map[int]*Label),
		code:   &Code{MaxStack: int(m.Code.MaxStack), MaxLocals: int(m.Code.MaxLocals)},
	}
	if err := d.decodeInsns(); err != nil {
		return nil, fmt.Errorf("decoding %s.%s%s: %w", owner, m.Name, m.Descriptor, err)
	}

	for _, h := range m.Code.ExceptionHandlers {
		handler := Handler{
			Start:   d.label(int(h.StartPC)),
			End:     d.label(int(h.EndPC)),
			Handler: d.label(int(h.HandlerPC)),
		}
		if h.CatchType != 0 {
			if handler.Type, err = classfile.GetClassName(d.pool, h.CatchType); err != nil {
				return nil, fmt.Errorf("exception handler type: %w", err)
			}
		}
		d.code.Handlers = append(d.code.Handlers, handler)
	}

	lines := make(map[int][]int)
	if attr := m.Code.Attribute("LineNumberTable"); attr != nil {
		r := &codeReader{code: attr.Data}
		n := int(r.u2())
		for i := 0; i < n; i++ {
			pc, line := int(r.u2()), int(r.u2())
			lines[pc] = append(lines[pc], line)
		}
		if r.err != nil {
			return nil, fmt.Errorf("LineNumberTable: %w", r.err)
		}
	}

	var frames map[int]*Frame
	if attr := m.Code.Attribute("StackMapTable"); attr != nil {
		initial, err := InitialFrame(owner, m)
		if err != nil {
			return nil, err
		}
		if frames, err = decodeFrames(attr.Data, d.pool, initial, d.label); err != nil {
			return nil, fmt.Errorf("StackMapTable: %w", err)
		}
	}

	if err := d.assemble(lines, frames); err != nil {
		return nil, fmt.Errorf("decoding %s.%s%s: %w", owner, m.Name, m.Descriptor, err)
	}
	return d.code, nil
}

type decoder struct {
	cf     *classfile.ClassFile
	pool   []classfile.ConstantPoolEntry
	r      *codeReader
	labels map[int]*Label
	code   *Code

	ops []decodedOp
}

type decodedOp struct {
	pc int
	in *Insn
}

func (d *decoder) label(offset int) *Label {
	if l, ok := d.labels[offset]; ok {
		return l
	}
	l := &Label{}
	d.labels[offset] = l
	return l
}

func (d *decoder) decodeInsns() error {
	r := d.r
	for r.pos < len(r.code) && r.err == nil {
		pc := r.pos
		in, err := d.decodeOne(pc)
		if err != nil {
			return fmt.Errorf("at %d: %w", pc, err)
		}
		d.ops = append(d.ops, decodedOp{pc: pc, in: in})
	}
	return r.err
}

func (d *decoder) decodeOne(pc int) (*Insn, error) {
	r := d.r
	op := Opcode(r.u1())
	info := opcodes[op]
	in := &Insn{Op: op}
	switch info.form {
	case formNone:
		switch {
		case op >= OpIload0 && op <= OpAload3:
			n := int(op - OpIload0)
			in.Op, in.Var = OpIload+Opcode(n/4), n%4
		case op >= OpIstore0 && op <= OpAstore3:
			n := int(op - OpIstore0)
			in.Op, in.Var = OpIstore+Opcode(n/4), n%4
		}
	case formVar:
		in.Var = int(r.u1())
	case formIinc:
		in.Var = int(r.u1())
		in.Int = r.s1()
	case formByte:
		in.Int = r.s1()
	case formShort:
		in.Int = r.s2()
	case formNewArray:
		in.Int = int32(r.u1())
	case formLdc:
		var idx uint16
		if op == OpLdc {
			idx = uint16(r.u1())
		} else {
			idx = r.u2()
		}
		in.Op = OpLdc
		c, err := d.constant(idx)
		if err != nil {
			return nil, err
		}
		in.Const = c
	case formBranch:
		var off int32
		switch op {
		case OpGotoW:
			in.Op, off = OpGoto, r.s4()
		case OpJsrW:
			in.Op, off = OpJsr, r.s4()
		default:
			off = r.s2()
		}
		in.Target = d.label(pc + int(off))
	case formTableSwitch:
		r.pos += (4 - (pc+1)%4) % 4
		in.Default = d.label(pc + int(r.s4()))
		low, high := r.s4(), r.s4()
		if r.err == nil && (high < low || int64(high)-int64(low) >= int64(len(r.code))) {
			return nil, fmt.Errorf("invalid tableswitch range %d..%d", low, high)
		}
		in.Low = low
		for i := int64(low); i <= int64(high) && r.err == nil; i++ {
			in.Targets = append(in.Targets, d.label(pc+int(r.s4())))
		}
	case formLookupSwitch:
		r.pos += (4 - (pc+1)%4) % 4
		in.Default = d.label(pc + int(r.s4()))
		n := r.s4()
		if r.err == nil && (n < 0 || int(n) > len(r.code)) {
			return nil, fmt.Errorf("invalid lookupswitch size %d", n)
		}
		for i := int32(0); i < n && r.err == nil; i++ {
			in.Keys = append(in.Keys, r.s4())
			in.Targets = append(in.Targets, d.label(pc+int(r.s4())))
		}
	case formField:
		ref, err := classfile.ResolveFieldref(d.pool, r.u2())
		if err != nil && r.err == nil {
			return nil, err
		}
		if ref != nil {
			in.Member = &Member{Owner: ref.ClassName, Name: ref.FieldName, Desc: ref.Descriptor}
		}
	case formMethod, formInterface:
		ref, err := classfile.ResolveMethodref(d.pool, r.u2())
		if info.form == formInterface {
			r.u1()
			r.u1()
		}
		if err != nil && r.err == nil {
			return nil, err
		}
		if ref != nil {
			in.Member = &Member{Owner: ref.ClassName, Name: ref.MethodName, Desc: ref.Descriptor, Interface: ref.Interface}
		}
	case formDynamic:
		idx := r.u2()
		r.u2()
		if r.err != nil {
			break
		}
		var dyn *classfile.ConstantDynamic
		if int(idx) < len(d.pool) {
			dyn, _ = d.pool[idx].(*classfile.ConstantDynamic)
		}
		if dyn == nil || !dyn.Invoke {
			return nil, fmt.Errorf("invokedynamic operand %d is not InvokeDynamic", idx)
		}
		name, desc, err := classfile.GetNameAndType(d.pool, dyn.NameAndTypeIndex)
		if err != nil {
			return nil, err
		}
		in.Indy = &Dynamic{Bootstrap: dyn.BootstrapMethodAttrIndex, Name: name, Desc: desc}
	case formClass, formMultiANewArray:
		name, err := classfile.GetClassName(d.pool, r.u2())
		if err != nil && r.err == nil {
			return nil, err
		}
		in.Class = name
		if info.form == formMultiANewArray {
			in.Dims = int(r.u1())
		}
	case formWide:
		in.Op = Opcode(r.u1())
		switch opcodes[in.Op].form {
		case formVar:
			in.Var = int(r.u2())
		case formIinc:
			in.Var = int(r.u2())
			in.Int = r.s2()
		default:
			if r.err == nil {
				return nil, fmt.Errorf("invalid wide opcode 0x%02x", uint8(in.Op))
			}
		}
	default:
		return nil, fmt.Errorf("invalid opcode 0x%02x", uint8(op))
	}
	return in, r.err
}

// constant resolves an ldc operand.
func (d *decoder) constant(idx uint16) (any, error) {
	if d.r.err != nil {
		return nil, nil
	}
	if int(idx) >= len(d.pool) || d.pool[idx] == nil {
		return nil, fmt.Errorf("invalid ldc operand %d", idx)
	}
	switch c := d.pool[idx].(type) {
	case *classfile.ConstantInteger:
		return c.Value, nil
	case *classfile.ConstantFloat:
		return c.Value, nil
	case *classfile.ConstantLong:
		return c.Value, nil
	case *classfile.ConstantDouble:
		return c.Value, nil
	case *classfile.ConstantString:
		return classfile.GetUtf8(d.pool, c.StringIndex)
	case *classfile.ConstantClass:
		name, err := classfile.GetUtf8(d.pool, c.NameIndex)
		return ClassConst(name), err
	case *classfile.ConstantMethodHandle, *classfile.ConstantMethodType, *classfile.ConstantDynamic:
		return PoolConst(idx), nil
	}
	return nil, fmt.Errorf("constant %d (tag %d) is not loadable", idx, d.pool[idx].Tag())
}

// assemble interleaves labels, line numbers and frames with the decoded
// instructions and numbers labels in order of appearance.
func (d *decoder) assemble(lines map[int][]int, frames map[int]*Frame) error {
	codeLen := len(d.r.code)
	boundaries := make(map[int]bool, len(d.ops)+1)
	for _, op := range d.ops {
		boundaries[op.pc] = true
	}
	boundaries[codeLen] = true
	for off := range d.labels {
		if !boundaries[off] {
			return fmt.Errorf("label at %d is not an instruction boundary", off)
		}
	}
	for off := range frames {
		if !boundaries[off] || off == codeLen {
			return fmt.Errorf("frame at %d is not at an instruction", off)
		}
	}

	insns := make([]*Insn, 0, len(d.ops)+len(d.labels)+len(lines)+len(frames))
	emitAt := func(pc int) {
		if l, ok := d.labels[pc]; ok {
			insns = append(insns, LabelInsn(l))
		}
		for _, line := range lines[pc] {
			insns = append(insns, LineInsn(line))
		}
		if f, ok := frames[pc]; ok {
			insns = append(insns, FrameInsn(f))
		}
	}
	for _, op := range d.ops {
		emitAt(op.pc)
		insns = append(insns, op.in)
	}
	if l, ok := d.labels[codeLen]; ok {
		insns = append(insns, LabelInsn(l))
	}

	for _, in := range insns {
		if in.Kind == KindLabel {
			in.Label.ID = d.code.NewLabel().ID
		}
	}
	d.code.Insns = insns
	return nil
}
