package bytecode

import (
	"fmt"

	"github.com/daimatz/classmod/pkg/classfile"
)

// stackEffect returns the operand stack slots in pops and pushes.
func stackEffect(in *Insn, pool []classfile.ConstantPoolEntry) (pop, push int, err error) {
	info := opcodes[in.Op]
	if info.form == formInvalid || info.form == formWide {
		return 0, 0, fmt.Errorf("invalid opcode 0x%02x", uint8(in.Op))
	}
	pop, push = int(info.pop), int(info.push)

	switch info.form {
	case formLdc:
		return 0, constSlots(in.Const, pool), nil
	case formMultiANewArray:
		return in.Dims, 1, nil
	case formField:
		if in.Member == nil {
			return 0, 0, fmt.Errorf("%s without member", in.Op)
		}
		ft, err := classfile.ParseFieldDescriptor(in.Member.Desc)
		if err != nil {
			return 0, 0, err
		}
		size := ft.Slots()
		switch in.Op {
		case OpGetstatic:
			return 0, size, nil
		case OpPutstatic:
			return size, 0, nil
		case OpGetfield:
			return 1, size, nil
		default:
			return 1 + size, 0, nil
		}
	case formMethod, formInterface:
		if in.Member == nil {
			return 0, 0, fmt.Errorf("%s without member", in.Op)
		}
		md, err := classfile.ParseMethodDescriptor(in.Member.Desc)
		if err != nil {
			return 0, 0, err
		}
		pop = md.ArgSlots()
		if in.Op != OpInvokestatic {
			pop++
		}
		return pop, md.ReturnSlots(), nil
	case formDynamic:
		if in.Indy == nil {
			return 0, 0, fmt.Errorf("invokedynamic without operand")
		}
		md, err := classfile.ParseMethodDescriptor(in.Indy.Desc)
		if err != nil {
			return 0, 0, err
		}
		return md.ArgSlots(), md.ReturnSlots(), nil
	}
	return pop, push, nil
}

func constSlots(c any, pool []classfile.ConstantPoolEntry) int {
	switch c := c.(type) {
	case int64, float64:
		return 2
	case PoolConst:
		if int(c) < len(pool) {
			if dyn, ok := pool[c].(*classfile.ConstantDynamic); ok {
				if _, desc, err := classfile.GetNameAndType(pool, dyn.NameAndTypeIndex); err == nil && (desc == "J" || desc == "D") {
					return 2
				}
			}
		}
	}
	return 1
}

// computeMaxStack runs a stack-depth flow analysis over insns and returns
// the largest depth reached. Exception handlers are entered with the
// thrown reference on an empty stack.
func computeMaxStack(insns []*Insn, handlers []Handler, pool []classfile.ConstantPoolEntry) (int, error) {
	at := make(map[*Label]int, len(insns)/4)
	for i, in := range insns {
		if in.Kind == KindLabel {
			at[in.Label] = i
		}
	}
	index := func(l *Label) (int, error) {
		i, ok := at[l]
		if !ok {
			return 0, fmt.Errorf("label %s is not placed", l)
		}
		return i, nil
	}

	type entry struct{ i, depth int }
	work := []entry{{0, 0}}
	for _, h := range handlers {
		i, err := index(h.Handler)
		if err != nil {
			return 0, err
		}
		work = append(work, entry{i, 1})
	}

	depths := make([]int, len(insns))
	for i := range depths {
		depths[i] = -1
	}
	deepest := 0
	for len(work) > 0 {
		e := work[len(work)-1]
		work = work[:len(work)-1]
		for i, d := e.i, e.depth; i < len(insns); i++ {
			if depths[i] >= 0 {
				if depths[i] != d {
					return 0, fmt.Errorf("stack height mismatch at instruction %d: %d vs %d", i, depths[i], d)
				}
				break
			}
			depths[i] = d
			in := insns[i]
			if !in.IsOp() {
				continue
			}
			pop, push, err := stackEffect(in, pool)
			if err != nil {
				return 0, fmt.Errorf("instruction %d: %w", i, err)
			}
			if d < pop {
				return 0, fmt.Errorf("stack underflow at instruction %d (%s)", i, in.Op)
			}
			d += push - pop
			if d > deepest {
				deepest = d
			}

			switch {
			case in.Target != nil:
				t, err := index(in.Target)
				if err != nil {
					return 0, err
				}
				work = append(work, entry{t, d})
				if in.Op == OpJsr {
					// The subroutine returns to the next instruction without
					// the return address.
					d--
				}
			case in.Op == OpTableswitch || in.Op == OpLookupswitch:
				for _, l := range append([]*Label{in.Default}, in.Targets...) {
					t, err := index(l)
					if err != nil {
						return 0, err
					}
					work = append(work, entry{t, d})
				}
			}
			if in.Op.endsBlock() {
				break
			}
		}
	}
	return deepest, nil
}

// computeMaxLocals returns the number of local slots used by parameters,
// instructions and frames.
func computeMaxLocals(insns []*Insn, initial *Frame) int {
	highest := slots(initial.Locals)
	use := func(n int) {
		if n > highest {
			highest = n
		}
	}
	for _, in := range insns {
		switch in.Kind {
		case KindFrame:
			use(slots(in.Frame.Locals))
			continue
		case KindOp:
		default:
			continue
		}
		switch in.Op {
		case OpLload, OpDload, OpLstore, OpDstore:
			use(in.Var + 2)
		case OpIload, OpFload, OpAload, OpIstore, OpFstore, OpAstore, OpIinc, OpRet:
			use(in.Var + 1)
		}
	}
	return highest
}
