package bytecode

import (
	"fmt"
	"strings"

	"github.com/daimatz/classmod/pkg/classfile"
)

// typeState is the verification state in front of an instruction. Both
// slices hold one entry per slot: a long or double is followed by top.
type typeState struct {
	locals []VType
	stack  []VType
}

func (s *typeState) clone() *typeState {
	return &typeState{
		locals: append([]VType(nil), s.locals...),
		stack:  append([]VType(nil), s.stack...),
	}
}

func isWide(v VType) bool {
	return v.Tag == TagLong || v.Tag == TagDouble
}

func isRef(v VType) bool {
	return v.Tag == TagObject || v.Tag == TagNull
}

var (
	topType    = VType{Tag: TagTop}
	intType    = VType{Tag: TagInteger}
	floatType  = VType{Tag: TagFloat}
	longType   = VType{Tag: TagLong}
	doubleType = VType{Tag: TagDouble}
	nullType   = VType{Tag: TagNull}
	objectType = VType{Tag: TagObject, Class: "java/lang/Object"}
)

func objectOf(class string) VType {
	return VType{Tag: TagObject, Class: class}
}

// toSlots expands frame entries into slots.
func toSlots(vs []VType) []VType {
	out := make([]VType, 0, len(vs)+2)
	for _, v := range vs {
		out = append(out, v)
		if isWide(v) {
			out = append(out, topType)
		}
	}
	return out
}

// fromSlots folds slots back into frame entries. Trailing tops are
// dropped from locals.
func fromSlots(vs []VType, trim bool) []VType {
	if trim {
		for len(vs) > 0 && vs[len(vs)-1].Tag == TagTop {
			vs = vs[:len(vs)-1]
		}
	}
	out := make([]VType, 0, len(vs))
	for i := 0; i < len(vs); i++ {
		out = append(out, vs[i])
		if isWide(vs[i]) {
			i++
		}
	}
	return out
}

// mergeType returns the least type both a and b are assignable to, or
// false when there is none but top. Distinct classes meet at
// java/lang/Object since no class hierarchy is consulted.
func mergeType(a, b VType) (VType, bool) {
	switch {
	case a.equal(b):
		return a, true
	case a.Tag == TagNull && isRef(b):
		return b, true
	case b.Tag == TagNull && isRef(a):
		return a, true
	case a.Tag == TagObject && b.Tag == TagObject:
		return objectType, true
	}
	return topType, false
}

// merge folds o into s and reports whether s changed.
func (s *typeState) merge(o *typeState) (bool, error) {
	if len(s.stack) != len(o.stack) {
		return false, fmt.Errorf("stack height mismatch: %d vs %d", len(s.stack), len(o.stack))
	}
	changed := false
	for i := range s.stack {
		t, ok := mergeType(s.stack[i], o.stack[i])
		if !ok {
			return false, fmt.Errorf("stack slot %d: %s vs %s", i, s.stack[i], o.stack[i])
		}
		if !t.equal(s.stack[i]) {
			s.stack[i] = t
			changed = true
		}
	}
	if len(o.locals) < len(s.locals) {
		for i := len(o.locals); i < len(s.locals); i++ {
			if s.locals[i].Tag != TagTop {
				s.locals[i] = topType
				changed = true
			}
		}
	}
	for i := 0; i < len(s.locals) && i < len(o.locals); i++ {
		t, _ := mergeType(s.locals[i], o.locals[i])
		if !t.equal(s.locals[i]) {
			s.locals[i] = t
			changed = true
		}
	}
	// a wide value whose upper half was lost is no longer usable
	for i, v := range s.locals {
		if isWide(v) && (i+1 >= len(s.locals) || s.locals[i+1].Tag != TagTop) {
			s.locals[i] = topType
			changed = true
		}
	}
	return changed, nil
}

func (s *typeState) push(v VType) {
	s.stack = append(s.stack, v)
	if isWide(v) {
		s.stack = append(s.stack, topType)
	}
}

func (s *typeState) pop(n int) ([]VType, error) {
	if len(s.stack) < n {
		return nil, fmt.Errorf("stack underflow")
	}
	out := s.stack[len(s.stack)-n:]
	s.stack = s.stack[:len(s.stack)-n]
	return append([]VType(nil), out...), nil
}

func (s *typeState) load(v int) VType {
	if v < len(s.locals) {
		return s.locals[v]
	}
	return topType
}

func (s *typeState) store(v int, t VType) {
	n := v + 1
	if isWide(t) {
		n++
	}
	for len(s.locals) < n {
		s.locals = append(s.locals, topType)
	}
	if v > 0 && isWide(s.locals[v-1]) {
		s.locals[v-1] = topType
	}
	s.locals[v] = t
	if isWide(t) {
		s.locals[v+1] = topType
	}
}

// replace substitutes to for every occurrence of from, as invokespecial
// <init> does for the object it initializes.
func (s *typeState) replace(from, to VType) {
	for i, v := range s.locals {
		if v.equal(from) {
			s.locals[i] = to
		}
	}
	for i, v := range s.stack {
		if v.equal(from) {
			s.stack[i] = to
		}
	}
}

// hasSubroutines reports whether insns use jsr or ret, which stack map
// frames cannot describe.
func hasSubroutines(insns []*Insn) bool {
	for _, in := range insns {
		if in.IsOp() && (in.Op == OpJsr || in.Op == OpJsrW || in.Op == OpRet) {
			return true
		}
	}
	return false
}

type frameAnalysis struct {
	owner string
	pool  []classfile.ConstantPoolEntry
	insns []*Insn

	labels   map[*Label]int
	news     map[*Label]string // uninitialized type label -> class
	newLabel map[int]*Label    // index of a new instruction -> its label
	declared map[int]*Frame
	states   []*typeState
	targets  map[int]bool
	work     []int
}

// computeFrames derives the stack map frame of every branch, switch and
// handler target of code by type flow from the entry frame, replacing
// the frame pseudo instructions in code.Insns. A frame already present in
// front of an instruction is taken as its state so that merge points of
// unedited code keep their precise types. Instructions never reached are
// removed.
func computeFrames(cf *classfile.ClassFile, owner string, initial *Frame, code *Code) error {
	labelNews(code)
	a := &frameAnalysis{
		owner:    owner,
		pool:     cf.ConstantPool,
		insns:    code.Insns,
		labels:   make(map[*Label]int),
		news:     make(map[*Label]string),
		newLabel: make(map[int]*Label),
		declared: make(map[int]*Frame),
		states:   make([]*typeState, len(code.Insns)),
		targets:  make(map[int]bool),
	}
	var pending *Frame
	var lastLabel *Label
	for i, in := range a.insns {
		switch in.Kind {
		case KindLabel:
			a.labels[in.Label] = i
			lastLabel = in.Label
		case KindFrame:
			pending = in.Frame
		case KindOp:
			if pending != nil {
				a.declared[i] = pending
				pending = nil
			}
			if in.Op == OpNew {
				a.news[lastLabel] = in.Class
				a.newLabel[i] = lastLabel
			}
			lastLabel = nil
		}
	}
	if err := a.run(code.Handlers, initial); err != nil {
		return err
	}

	out := make([]*Insn, 0, len(a.insns))
	for i, in := range a.insns {
		switch {
		case in.Kind == KindFrame:
			continue
		case in.IsOp() && a.states[i] == nil:
			continue
		case in.IsOp() && a.targets[i]:
			st := a.states[i]
			out = append(out, FrameInsn(&Frame{
				Locals: fromSlots(st.locals, true),
				Stack:  fromSlots(st.stack, false),
			}))
		}
		out = append(out, in)
	}
	code.Insns = out
	return nil
}

// labelNews places a label in front of every new instruction that lacks
// one, since uninitialized types are named by the position of their new.
func labelNews(code *Code) {
	var out []*Insn
	labeled := false
	for _, in := range code.Insns {
		if in.IsOp() && in.Op == OpNew && !labeled {
			out = append(out, LabelInsn(code.NewLabel()))
		}
		switch in.Kind {
		case KindLabel:
			labeled = true
		case KindOp:
			labeled = false
		}
		out = append(out, in)
	}
	code.Insns = out
}

func (a *frameAnalysis) index(l *Label) (int, error) {
	i, ok := a.labels[l]
	if !ok {
		return 0, fmt.Errorf("label %s is not placed", l)
	}
	return i, nil
}

// op returns the index of the first real instruction at or after i.
func (a *frameAnalysis) op(i int) int {
	for i < len(a.insns) && !a.insns[i].IsOp() {
		i++
	}
	return i
}

func (a *frameAnalysis) flow(i int, st *typeState) error {
	i = a.op(i)
	if i >= len(a.insns) {
		return fmt.Errorf("execution falls off the end of the code")
	}
	if cur := a.states[i]; cur != nil {
		if a.declared[i] != nil {
			return nil
		}
		changed, err := cur.merge(st)
		if err != nil {
			return fmt.Errorf("instruction %d: %w", i, err)
		}
		if changed {
			a.work = append(a.work, i)
		}
		return nil
	}
	if f := a.declared[i]; f != nil {
		st = &typeState{locals: toSlots(f.Locals), stack: toSlots(f.Stack)}
	} else {
		st = st.clone()
	}
	a.states[i] = st
	a.work = append(a.work, i)
	return nil
}

// target records that i starts a block entered by a jump and flows st
// into it.
func (a *frameAnalysis) target(l *Label, st *typeState) error {
	i, err := a.index(l)
	if err != nil {
		return err
	}
	a.targets[a.op(i)] = true
	return a.flow(i, st)
}

type handlerRange struct {
	start, end, handler int
	catch               VType
}

func (a *frameAnalysis) run(handlers []Handler, initial *Frame) error {
	var ranges []handlerRange
	for _, h := range handlers {
		start, err1 := a.index(h.Start)
		end, err2 := a.index(h.End)
		handler, err3 := a.index(h.Handler)
		if err := firstErr(err1, err2, err3); err != nil {
			return fmt.Errorf("exception handler: %w", err)
		}
		catch := objectOf("java/lang/Throwable")
		if h.Type != "" {
			catch = objectOf(h.Type)
		}
		ranges = append(ranges, handlerRange{start: start, end: end, handler: handler, catch: catch})
	}

	if err := a.flow(0, &typeState{locals: toSlots(initial.Locals)}); err != nil {
		return err
	}
	for len(a.work) > 0 {
		i := a.work[len(a.work)-1]
		a.work = a.work[:len(a.work)-1]
		in := a.insns[i]
		st := a.states[i].clone()

		var covering []handlerRange
		for _, r := range ranges {
			if r.start <= i && i < r.end {
				covering = append(covering, r)
			}
		}
		if err := a.enterHandlers(covering, st.locals); err != nil {
			return err
		}
		if err := a.execute(i, in, st); err != nil {
			return fmt.Errorf("instruction %d (%s): %w", i, in.Op, err)
		}
		if err := a.enterHandlers(covering, st.locals); err != nil {
			return err
		}

		switch {
		case in.Target != nil:
			if err := a.target(in.Target, st); err != nil {
				return err
			}
		case in.Op == OpTableswitch || in.Op == OpLookupswitch:
			for _, l := range append([]*Label{in.Default}, in.Targets...) {
				if err := a.target(l, st); err != nil {
					return err
				}
			}
		}
		if !in.Op.endsBlock() {
			if err := a.flow(i+1, st); err != nil {
				return err
			}
		}
	}
	return nil
}

func (a *frameAnalysis) enterHandlers(rs []handlerRange, locals []VType) error {
	for _, r := range rs {
		st := &typeState{locals: locals, stack: []VType{r.catch}}
		a.targets[a.op(r.handler)] = true
		if err := a.flow(r.handler, st); err != nil {
			return err
		}
	}
	return nil
}

// execute applies the effect of in to st.
func (a *frameAnalysis) execute(i int, in *Insn, st *typeState) error {
	op := in.Op
	switch {
	case op == OpNop, op == OpIinc, op == OpGoto, op == OpGotoW, op == OpReturn:
		return nil
	case op == OpAconstNull:
		st.push(nullType)
		return nil
	case op >= OpIconstM1 && op <= OpIconst5, op == OpBipush, op == OpSipush:
		st.push(intType)
		return nil
	case op == OpLconst0 || op == OpLconst1:
		st.push(longType)
		return nil
	case op >= OpFconst0 && op <= OpFconst2:
		st.push(floatType)
		return nil
	case op == OpDconst0 || op == OpDconst1:
		st.push(doubleType)
		return nil
	case op == OpLdc || op == OpLdcW || op == OpLdc2W:
		t, err := a.constType(in.Const)
		if err != nil {
			return err
		}
		st.push(t)
		return nil
	case op >= OpIload && op <= OpAload:
		return a.load(st, op, in.Var)
	case op >= OpIload0 && op <= OpAload3:
		k := op - OpIload0
		return a.load(st, OpIload+k/4, int(k%4))
	case op >= OpIstore && op <= OpAstore:
		return a.storeLocal(st, op, in.Var)
	case op >= OpIstore0 && op <= OpAstore3:
		k := op - OpIstore0
		return a.storeLocal(st, OpIstore+k/4, int(k%4))
	case op >= OpIaload && op <= OpSaload:
		vs, err := st.pop(2)
		if err != nil {
			return err
		}
		switch op {
		case OpLaload:
			st.push(longType)
		case OpFaload:
			st.push(floatType)
		case OpDaload:
			st.push(doubleType)
		case OpAaload:
			st.push(componentType(vs[0]))
		default:
			st.push(intType)
		}
		return nil
	case op >= OpPop && op <= OpSwap:
		return stackOp(st, op)
	case op >= OpIadd && op <= OpDneg:
		return a.arith(st, op, []VType{intType, longType, floatType, doubleType}[(op-OpIadd)%4])
	case op >= OpIshl && op <= OpLxor:
		if (op-OpIshl)%2 == 0 {
			return a.arith(st, op, intType)
		}
		return a.arith(st, op, longType)
	case op >= OpI2l && op <= OpI2s:
		results := []VType{longType, floatType, doubleType, intType, floatType, doubleType,
			intType, longType, doubleType, intType, longType, floatType, intType, intType, intType}
		return a.arith(st, op, results[op-OpI2l])
	case op >= OpLcmp && op <= OpDcmpg:
		return a.arith(st, op, intType)
	case op == OpNew:
		l := a.newLabel[i]
		if l == nil {
			return fmt.Errorf("new without label")
		}
		st.push(VType{Tag: TagUninitialized, Label: l})
		return nil
	case op == OpNewarray:
		if _, err := st.pop(1); err != nil {
			return err
		}
		elem, ok := newarrayTypes[in.Int]
		if !ok {
			return fmt.Errorf("invalid array type %d", in.Int)
		}
		st.push(objectOf("[" + string(elem)))
		return nil
	case op == OpAnewarray:
		if _, err := st.pop(1); err != nil {
			return err
		}
		st.push(objectOf(arrayOf(in.Class)))
		return nil
	case op == OpArraylength, op == OpInstanceof:
		if _, err := st.pop(1); err != nil {
			return err
		}
		st.push(intType)
		return nil
	case op == OpCheckcast:
		if _, err := st.pop(1); err != nil {
			return err
		}
		st.push(objectOf(in.Class))
		return nil
	case op == OpMultianewarray:
		if _, err := st.pop(in.Dims); err != nil {
			return err
		}
		st.push(objectOf(in.Class))
		return nil
	case op == OpGetstatic, op == OpGetfield, op == OpPutstatic, op == OpPutfield:
		return a.field(st, in)
	case op.IsInvoke(), op == OpInvokedynamic:
		return a.invoke(st, in)
	case op == OpJsr, op == OpJsrW, op == OpRet:
		return fmt.Errorf("subroutines are not supported")
	}
	// Branches, returns, athrow and monitors only consume operands.
	pop, _, err := stackEffect(in, a.pool)
	if err != nil {
		return err
	}
	_, err = st.pop(pop)
	return err
}

var newarrayTypes = map[int32]byte{4: 'Z', 5: 'C', 6: 'F', 7: 'D', 8: 'B', 9: 'S', 10: 'I', 11: 'J'}

// arrayOf returns the array class with the given component class.
func arrayOf(class string) string {
	if strings.HasPrefix(class, "[") {
		return "[" + class
	}
	return "[L" + class + ";"
}

// componentType returns the element type of a reference array type.
func componentType(arr VType) VType {
	if arr.Tag != TagObject || !strings.HasPrefix(arr.Class, "[") {
		return objectType
	}
	elem := arr.Class[1:]
	switch {
	case strings.HasPrefix(elem, "["):
		return objectOf(elem)
	case strings.HasPrefix(elem, "L") && strings.HasSuffix(elem, ";"):
		return objectOf(elem[1 : len(elem)-1])
	}
	return objectType
}

func kindType(kind byte) VType {
	switch kind {
	case 'J':
		return longType
	case 'F':
		return floatType
	case 'D':
		return doubleType
	case 'A':
		return objectType
	}
	return intType
}

func (a *frameAnalysis) load(st *typeState, op Opcode, v int) error {
	t := st.load(v)
	want := kindType("IJFDA"[op-OpIload])
	if op == OpAload {
		if !isRef(t) && t.Tag != TagUninitialized && t.Tag != TagUninitializedThis {
			return fmt.Errorf("local %d holds %s, not a reference", v, t)
		}
		st.stack = append(st.stack, t)
		return nil
	}
	if t.Tag != want.Tag {
		return fmt.Errorf("local %d holds %s, not %s", v, t, want)
	}
	st.push(t)
	return nil
}

func (a *frameAnalysis) storeLocal(st *typeState, op Opcode, v int) error {
	size := 1
	if op == OpLstore || op == OpDstore {
		size = 2
	}
	vs, err := st.pop(size)
	if err != nil {
		return err
	}
	st.store(v, vs[0])
	return nil
}

func (a *frameAnalysis) arith(st *typeState, op Opcode, result VType) error {
	if _, err := st.pop(int(opcodes[op].pop)); err != nil {
		return err
	}
	st.push(result)
	return nil
}

// stackOp applies a pop, dup or swap, which move slots without
// regard to their types.
func stackOp(st *typeState, op Opcode) error {
	n := int(opcodes[op].pop)
	vs, err := st.pop(n)
	if err != nil {
		return err
	}
	var order []int
	switch op {
	case OpPop, OpPop2:
	case OpDup:
		order = []int{0, 0}
	case OpDupX1:
		order = []int{1, 0, 1}
	case OpDupX2:
		order = []int{2, 0, 1, 2}
	case OpDup2:
		order = []int{0, 1, 0, 1}
	case OpDup2X1:
		order = []int{1, 2, 0, 1, 2}
	case OpDup2X2:
		order = []int{2, 3, 0, 1, 2, 3}
	case OpSwap:
		order = []int{1, 0}
	}
	for _, k := range order {
		st.stack = append(st.stack, vs[k])
	}
	return nil
}

func (a *frameAnalysis) field(st *typeState, in *Insn) error {
	if in.Member == nil {
		return fmt.Errorf("%s without member", in.Op)
	}
	ft, err := classfile.ParseFieldDescriptor(in.Member.Desc)
	if err != nil {
		return err
	}
	switch in.Op {
	case OpGetstatic:
		st.push(vtypeOf(ft))
		return nil
	case OpGetfield:
		if _, err := st.pop(1); err != nil {
			return err
		}
		st.push(vtypeOf(ft))
		return nil
	case OpPutstatic:
		_, err := st.pop(ft.Slots())
		return err
	}
	_, err = st.pop(ft.Slots() + 1)
	return err
}

func (a *frameAnalysis) invoke(st *typeState, in *Insn) error {
	desc := ""
	switch {
	case in.Op == OpInvokedynamic && in.Indy != nil:
		desc = in.Indy.Desc
	case in.Member != nil:
		desc = in.Member.Desc
	default:
		return fmt.Errorf("%s without operand", in.Op)
	}
	md, err := classfile.ParseMethodDescriptor(desc)
	if err != nil {
		return err
	}
	if _, err := st.pop(md.ArgSlots()); err != nil {
		return err
	}
	if in.Op != OpInvokestatic && in.Op != OpInvokedynamic {
		recv, err := st.pop(1)
		if err != nil {
			return err
		}
		if in.Op == OpInvokespecial && in.Member.Name == "<init>" {
			switch r := recv[0]; r.Tag {
			case TagUninitializedThis:
				st.replace(r, objectOf(a.owner))
			case TagUninitialized:
				class, ok := a.news[r.Label]
				if !ok {
					return fmt.Errorf("constructor call on %s without a matching new", r)
				}
				st.replace(r, objectOf(class))
			}
		}
	}
	if md.Return != nil {
		st.push(vtypeOf(*md.Return))
	}
	return nil
}

// constType returns the type ldc pushes for c.
func (a *frameAnalysis) constType(c any) (VType, error) {
	switch c := c.(type) {
	case string:
		return objectOf("java/lang/String"), nil
	case int32:
		return intType, nil
	case float32:
		return floatType, nil
	case int64:
		return longType, nil
	case float64:
		return doubleType, nil
	case ClassConst:
		return objectOf("java/lang/Class"), nil
	case PoolConst:
		if int(c) >= len(a.pool) {
			return topType, fmt.Errorf("invalid pool constant %d", c)
		}
		switch e := a.pool[c].(type) {
		case *classfile.ConstantMethodHandle:
			return objectOf("java/lang/invoke/MethodHandle"), nil
		case *classfile.ConstantMethodType:
			return objectOf("java/lang/invoke/MethodType"), nil
		case *classfile.ConstantDynamic:
			_, desc, err := classfile.GetNameAndType(a.pool, e.NameAndTypeIndex)
			if err != nil {
				return topType, err
			}
			ft, err := classfile.ParseFieldDescriptor(desc)
			if err != nil {
				return topType, err
			}
			return vtypeOf(ft), nil
		case *classfile.ConstantString:
			return objectOf("java/lang/String"), nil
		case *classfile.ConstantClass:
			return objectOf("java/lang/Class"), nil
		case *classfile.ConstantInteger:
			return intType, nil
		case *classfile.ConstantFloat:
			return floatType, nil
		case *classfile.ConstantLong:
			return longType, nil
		case *classfile.ConstantDouble:
			return doubleType, nil
		}
	}
	return topType, fmt.Errorf("unsupported ldc operand %T", c)
}
