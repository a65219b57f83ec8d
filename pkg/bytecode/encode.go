package bytecode

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/daimatz/classmod/pkg/classfile"
)

// Encode lays out code and stores it as the Code attribute of m, interning
// the constants it references into cf. Offsets are recomputed, branches
// that no longer fit in 16 bits are widened, and max stack and max locals
// are recomputed. For class files of version 50 and later the stack map
// frames are derived again by type flow from the entry frame. Frames are
// written in compact form unless expandFrames is set, in which case every
// frame is a full_frame.
//
// The new attribute carries only LineNumberTable and StackMapTable.
func Encode(cf *classfile.ClassFile, m *classfile.MethodInfo, code *Code, expandFrames bool) error {
	owner, err := cf.ClassName()
	if err != nil {
		return err
	}
	initial, err := InitialFrame(owner, m)
	if err != nil {
		return err
	}

	maxStack, err := computeMaxStack(code.Insns, code.Handlers, cf.ConstantPool)
	if err != nil {
		return err
	}
	if cf.MajorVersion >= 50 && !hasSubroutines(code.Insns) {
		if err := computeFrames(cf, owner, initial, code); err != nil {
			return fmt.Errorf("stack map frames: %w", err)
		}
	}

	e := &encoder{cf: cf, insns: code.Insns, wide: make(map[*Insn]bool)}
	if err := e.resolve(); err != nil {
		return err
	}
	if err := e.layout(); err != nil {
		return err
	}
	bytecode, err := e.emit()
	if err != nil {
		return err
	}
	if len(bytecode) == 0 || len(bytecode) > 65535 {
		return fmt.Errorf("code length %d out of range", len(bytecode))
	}

	maxLocals := computeMaxLocals(code.Insns, initial)

	attr := &classfile.CodeAttribute{
		MaxStack:  uint16(maxStack),
		MaxLocals: uint16(maxLocals),
		Code:      bytecode,
	}
	for _, h := range code.Handlers {
		start, err1 := e.offsetOf(h.Start)
		end, err2 := e.offsetOf(h.End)
		handler, err3 := e.offsetOf(h.Handler)
		if err := firstErr(err1, err2, err3); err != nil {
			return fmt.Errorf("exception handler: %w", err)
		}
		if start >= end {
			continue // the protected range was removed
		}
		var catchType uint16
		if h.Type != "" {
			catchType = cf.AddClass(h.Type)
		}
		attr.ExceptionHandlers = append(attr.ExceptionHandlers, classfile.ExceptionHandler{
			StartPC:   uint16(start),
			EndPC:     uint16(end),
			HandlerPC: uint16(handler),
			CatchType: catchType,
		})
	}

	if lines := e.lineTable(); lines != nil {
		attr.Attributes = append(attr.Attributes, classfile.AttributeInfo{Name: "LineNumberTable", Data: lines})
	}
	if frames := e.frames(len(bytecode)); len(frames) > 0 {
		data, err := encodeFrames(cf, frames, initial, e.offsetOf, expandFrames)
		if err != nil {
			return fmt.Errorf("StackMapTable: %w", err)
		}
		attr.Attributes = append(attr.Attributes, classfile.AttributeInfo{Name: "StackMapTable", Data: data})
	}
	if err := cf.PoolErr(); err != nil {
		return err
	}

	code.MaxStack, code.MaxLocals = maxStack, maxLocals
	m.Code = attr
	return nil
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

type encoder struct {
	cf    *classfile.ClassFile
	insns []*Insn

	index   []uint16 // constant pool operand per instruction
	pcs     []int    // offset per instruction
	labels  map[*Label]int
	wide    map[*Insn]bool // branches needing a 32-bit offset
	codeLen int
}

// resolve interns every symbolic operand. Pool indexes must be known
// before layout since they decide between ldc and ldc_w.
func (e *encoder) resolve() error {
	cf := e.cf
	e.index = make([]uint16, len(e.insns))
	for i, in := range e.insns {
		if !in.IsOp() {
			continue
		}
		switch opcodes[in.Op].form {
		case formLdc:
			idx, err := e.constIndex(in.Const)
			if err != nil {
				return fmt.Errorf("instruction %d: %w", i, err)
			}
			e.index[i] = idx
		case formField:
			if in.Member == nil {
				return fmt.Errorf("instruction %d: %s without member", i, in.Op)
			}
			e.index[i] = cf.AddFieldref(in.Member.Owner, in.Member.Name, in.Member.Desc)
		case formMethod, formInterface:
			if in.Member == nil {
				return fmt.Errorf("instruction %d: %s without member", i, in.Op)
			}
			e.index[i] = cf.AddMethodref(in.Member.Owner, in.Member.Name, in.Member.Desc, in.Member.Interface || in.Op == OpInvokeinterface)
		case formDynamic:
			if in.Indy == nil {
				return fmt.Errorf("instruction %d: invokedynamic without operand", i)
			}
			if int(in.Indy.Bootstrap) >= len(cf.BootstrapMethods) {
				return fmt.Errorf("instruction %d: bootstrap method %d out of range", i, in.Indy.Bootstrap)
			}
			e.index[i] = cf.AddInvokeDynamic(in.Indy.Bootstrap, in.Indy.Name, in.Indy.Desc)
		case formClass, formMultiANewArray:
			if in.Class == "" {
				return fmt.Errorf("instruction %d: %s without class", i, in.Op)
			}
			e.index[i] = cf.AddClass(in.Class)
		case formInvalid, formWide:
			return fmt.Errorf("instruction %d: invalid opcode 0x%02x", i, uint8(in.Op))
		}
	}
	return cf.PoolErr()
}

func (e *encoder) constIndex(c any) (uint16, error) {
	cf := e.cf
	switch c := c.(type) {
	case string:
		return cf.AddString(c), nil
	case int32:
		return cf.AddInteger(c), nil
	case float32:
		return cf.AddFloat(c), nil
	case int64:
		return cf.AddLong(c), nil
	case float64:
		return cf.AddDouble(c), nil
	case ClassConst:
		return cf.AddClass(string(c)), nil
	case PoolConst:
		if int(c) >= len(cf.ConstantPool) || cf.ConstantPool[c] == nil {
			return 0, fmt.Errorf("invalid pool constant %d", c)
		}
		return uint16(c), nil
	}
	return 0, fmt.Errorf("unsupported ldc operand %T", c)
}

func isWideConst(c any, pool []classfile.ConstantPoolEntry) bool {
	return constSlots(c, pool) == 2
}

func switchPad(pc int) int {
	return (4 - (pc+1)%4) % 4
}

func (e *encoder) size(i int, pc int) int {
	in := e.insns[i]
	if !in.IsOp() {
		return 0
	}
	switch opcodes[in.Op].form {
	case formVar:
		switch {
		case in.Var < 0:
			return 0
		case in.Var <= 3 && in.Op != OpRet:
			return 1
		case in.Var <= 255:
			return 2
		}
		return 4
	case formIinc:
		if in.Var <= 255 && in.Int >= math.MinInt8 && in.Int <= math.MaxInt8 {
			return 3
		}
		return 6
	case formByte, formNewArray:
		return 2
	case formShort:
		return 3
	case formLdc:
		if isWideConst(in.Const, e.cf.ConstantPool) || e.index[i] > 255 {
			return 3
		}
		return 2
	case formBranch:
		if !e.wide[in] {
			return 3
		}
		if in.Op == OpGoto || in.Op == OpJsr {
			return 5
		}
		return 8 // inverted branch over a goto_w
	case formTableSwitch:
		return 1 + switchPad(pc) + 12 + 4*len(in.Targets)
	case formLookupSwitch:
		return 1 + switchPad(pc) + 8 + 8*len(in.Targets)
	case formField, formMethod, formClass:
		return 3
	case formInterface, formDynamic:
		return 5
	case formMultiANewArray:
		return 4
	}
	return 1
}

// layout assigns offsets, widening branches until every offset fits.
func (e *encoder) layout() error {
	for i, in := range e.insns {
		if !in.IsOp() {
			continue
		}
		if opcodes[in.Op].form == formVar && in.Var < 0 {
			return fmt.Errorf("instruction %d: negative local index", i)
		}
		if in.Op == OpTableswitch && in.Default == nil {
			return fmt.Errorf("instruction %d: tableswitch without default", i)
		}
		if in.Op == OpLookupswitch && (in.Default == nil || len(in.Keys) != len(in.Targets)) {
			return fmt.Errorf("instruction %d: malformed lookupswitch", i)
		}
		if in.Op.IsBranch() && in.Target == nil {
			return fmt.Errorf("instruction %d: %s without target", i, in.Op)
		}
	}

	for {
		e.pcs = make([]int, len(e.insns))
		e.labels = make(map[*Label]int)
		pc := 0
		for i, in := range e.insns {
			e.pcs[i] = pc
			if in.Kind == KindLabel {
				if _, dup := e.labels[in.Label]; dup {
					return fmt.Errorf("label %s placed twice", in.Label)
				}
				e.labels[in.Label] = pc
			}
			pc += e.size(i, pc)
		}
		e.codeLen = pc

		changed := false
		for i, in := range e.insns {
			if !in.IsOp() || !in.Op.IsBranch() || e.wide[in] {
				continue
			}
			target, err := e.offsetOf(in.Target)
			if err != nil {
				return fmt.Errorf("instruction %d: %w", i, err)
			}
			if off := target - e.pcs[i]; off < math.MinInt16 || off > math.MaxInt16 {
				e.wide[in] = true
				changed = true
			}
		}
		if !changed {
			return nil
		}
	}
}

func (e *encoder) offsetOf(l *Label) (int, error) {
	if l == nil {
		return 0, fmt.Errorf("nil label")
	}
	pc, ok := e.labels[l]
	if !ok {
		return 0, fmt.Errorf("label %s is not placed", l)
	}
	return pc, nil
}

func (e *encoder) emit() ([]byte, error) {
	out := make([]byte, 0, e.codeLen)
	u1 := func(v uint8) { out = append(out, v) }
	u2 := func(v uint16) { out = append(out, byte(v>>8), byte(v)) }
	u4 := func(v int32) { out = binary.BigEndian.AppendUint32(out, uint32(v)) }
	rel := func(i int, l *Label) (int32, error) {
		t, err := e.offsetOf(l)
		return int32(t - e.pcs[i]), err
	}

	for i, in := range e.insns {
		if !in.IsOp() {
			continue
		}
		pc := e.pcs[i]
		if len(out) != pc {
			return nil, fmt.Errorf("layout mismatch at instruction %d", i)
		}
		switch opcodes[in.Op].form {
		case formNone:
			u1(uint8(in.Op))
		case formVar:
			switch {
			case in.Var <= 3 && in.Op >= OpIload && in.Op <= OpAload:
				u1(uint8(OpIload0) + uint8(in.Op-OpIload)*4 + uint8(in.Var))
			case in.Var <= 3 && in.Op >= OpIstore && in.Op <= OpAstore:
				u1(uint8(OpIstore0) + uint8(in.Op-OpIstore)*4 + uint8(in.Var))
			case in.Var <= 255:
				u1(uint8(in.Op))
				u1(uint8(in.Var))
			default:
				u1(uint8(OpWide))
				u1(uint8(in.Op))
				u2(uint16(in.Var))
			}
		case formIinc:
			if e.size(i, pc) == 3 {
				u1(uint8(OpIinc))
				u1(uint8(in.Var))
				u1(uint8(int8(in.Int)))
			} else {
				u1(uint8(OpWide))
				u1(uint8(OpIinc))
				u2(uint16(in.Var))
				u2(uint16(int16(in.Int)))
			}
		case formByte:
			u1(uint8(in.Op))
			u1(uint8(int8(in.Int)))
		case formNewArray:
			u1(uint8(in.Op))
			u1(uint8(in.Int))
		case formShort:
			u1(uint8(in.Op))
			u2(uint16(int16(in.Int)))
		case formLdc:
			switch {
			case isWideConst(in.Const, e.cf.ConstantPool):
				u1(uint8(OpLdc2W))
				u2(e.index[i])
			case e.index[i] > 255:
				u1(uint8(OpLdcW))
				u2(e.index[i])
			default:
				u1(uint8(OpLdc))
				u1(uint8(e.index[i]))
			}
		case formBranch:
			off, err := rel(i, in.Target)
			if err != nil {
				return nil, err
			}
			switch {
			case !e.wide[in]:
				u1(uint8(in.Op))
				u2(uint16(int16(off)))
			case in.Op == OpGoto:
				u1(uint8(OpGotoW))
				u4(off)
			case in.Op == OpJsr:
				u1(uint8(OpJsrW))
				u4(off)
			default:
				u1(uint8(invertBranch(in.Op)))
				u2(8)
				u1(uint8(OpGotoW))
				u4(off - 3)
			}
		case formTableSwitch, formLookupSwitch:
			u1(uint8(in.Op))
			for n := switchPad(pc); n > 0; n-- {
				u1(0)
			}
			def, err := rel(i, in.Default)
			if err != nil {
				return nil, err
			}
			u4(def)
			if in.Op == OpTableswitch {
				u4(in.Low)
				u4(in.Low + int32(len(in.Targets)) - 1)
			} else {
				u4(int32(len(in.Targets)))
			}
			for j, t := range in.Targets {
				off, err := rel(i, t)
				if err != nil {
					return nil, err
				}
				if in.Op == OpLookupswitch {
					u4(in.Keys[j])
				}
				u4(off)
			}
		case formField, formMethod, formClass:
			u1(uint8(in.Op))
			u2(e.index[i])
		case formInterface:
			md, err := classfile.ParseMethodDescriptor(in.Member.Desc)
			if err != nil {
				return nil, err
			}
			u1(uint8(in.Op))
			u2(e.index[i])
			u1(uint8(md.ArgSlots() + 1))
			u1(0)
		case formDynamic:
			u1(uint8(in.Op))
			u2(e.index[i])
			u2(0)
		case formMultiANewArray:
			u1(uint8(in.Op))
			u2(e.index[i])
			u1(uint8(in.Dims))
		}
	}
	if len(out) != e.codeLen {
		return nil, fmt.Errorf("layout mismatch at end of code")
	}
	return out, nil
}

func (e *encoder) lineTable() []byte {
	var entries [][2]uint16
	for i, in := range e.insns {
		if in.Kind == KindLine && e.pcs[i] < e.codeLen {
			entries = append(entries, [2]uint16{uint16(e.pcs[i]), uint16(in.Line)})
		}
	}
	if len(entries) == 0 {
		return nil
	}
	out := make([]byte, 0, 2+4*len(entries))
	out = binary.BigEndian.AppendUint16(out, uint16(len(entries)))
	for _, en := range entries {
		out = binary.BigEndian.AppendUint16(out, en[0])
		out = binary.BigEndian.AppendUint16(out, en[1])
	}
	return out
}

// frames collects frame pseudo instructions by offset. When several land
// on one offset the last wins; frames past the last instruction are
// dropped.
func (e *encoder) frames(codeLen int) []offsetFrame {
	var out []offsetFrame
	for i, in := range e.insns {
		if in.Kind != KindFrame || e.pcs[i] >= codeLen {
			continue
		}
		if n := len(out); n > 0 && out[n-1].offset == e.pcs[i] {
			out[n-1].frame = in.Frame
			continue
		}
		out = append(out, offsetFrame{offset: e.pcs[i], frame: in.Frame})
	}
	return out
}
