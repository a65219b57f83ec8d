package vm

import (
	"fmt"
	"math"

	"github.com/daimatz/classmod/pkg/bytecode"
)

// ClassLiteral is the value of a class constant loaded by ldc.
type ClassLiteral string

// executeInstruction executes a single instruction.
// Returns (returnValue, hasReturn, error).
func (vm *VM) executeInstruction(frame *Frame, in *bytecode.Insn) (Value, bool, error) {
	switch op := in.Op; op {
	case bytecode.OpNop:

	// Constants
	case bytecode.OpAconstNull:
		frame.Push(NullValue())
	case bytecode.OpIconstM1, bytecode.OpIconst0, bytecode.OpIconst1, bytecode.OpIconst2,
		bytecode.OpIconst3, bytecode.OpIconst4, bytecode.OpIconst5:
		frame.Push(IntValue(int32(op) - int32(bytecode.OpIconst0)))
	case bytecode.OpLconst0, bytecode.OpLconst1:
		frame.Push(LongValue(int64(op - bytecode.OpLconst0)))
	case bytecode.OpFconst0, bytecode.OpFconst1, bytecode.OpFconst2:
		frame.Push(FloatValue(float32(op - bytecode.OpFconst0)))
	case bytecode.OpDconst0, bytecode.OpDconst1:
		frame.Push(DoubleValue(float64(op - bytecode.OpDconst0)))
	case bytecode.OpBipush, bytecode.OpSipush:
		frame.Push(IntValue(in.Int))
	case bytecode.OpLdc:
		v, err := ldcValue(in.Const)
		if err != nil {
			return Value{}, false, err
		}
		frame.Push(v)

	// Loads and stores
	case bytecode.OpIload, bytecode.OpLload, bytecode.OpFload, bytecode.OpDload, bytecode.OpAload:
		frame.Push(frame.GetLocal(in.Var))
	case bytecode.OpIstore, bytecode.OpLstore, bytecode.OpFstore, bytecode.OpDstore, bytecode.OpAstore:
		frame.SetLocal(in.Var, frame.Pop())
	case bytecode.OpIinc:
		frame.SetLocal(in.Var, IntValue(frame.GetLocal(in.Var).Int+in.Int))

	// Arrays
	case bytecode.OpIaload, bytecode.OpLaload, bytecode.OpFaload, bytecode.OpDaload,
		bytecode.OpAaload, bytecode.OpBaload, bytecode.OpCaload, bytecode.OpSaload:
		index := frame.Pop().Int
		arr, err := arrayRef(frame.Pop(), index)
		if err != nil {
			return Value{}, false, err
		}
		frame.Push(arr.Elements[index])
	case bytecode.OpIastore, bytecode.OpLastore, bytecode.OpFastore, bytecode.OpDastore,
		bytecode.OpAastore, bytecode.OpBastore, bytecode.OpCastore, bytecode.OpSastore:
		v := frame.Pop()
		index := frame.Pop().Int
		arr, err := arrayRef(frame.Pop(), index)
		if err != nil {
			return Value{}, false, err
		}
		arr.Elements[index] = narrow(arr.Type, v)
	case bytecode.OpNewarray:
		n := frame.Pop().Int
		if n < 0 {
			return Value{}, false, NewJavaException("java/lang/NegativeArraySizeException", fmt.Sprint(n))
		}
		elem, ok := newarrayTypes[in.Int]
		if !ok {
			return Value{}, false, fmt.Errorf("newarray: bad type %d", in.Int)
		}
		frame.Push(RefValue(newArray(elem, int(n))))
	case bytecode.OpAnewarray:
		n := frame.Pop().Int
		if n < 0 {
			return Value{}, false, NewJavaException("java/lang/NegativeArraySizeException", fmt.Sprint(n))
		}
		frame.Push(RefValue(newArray(classDescriptor(in.Class), int(n))))
	case bytecode.OpMultianewarray:
		dims := frame.PopN(in.Dims)
		arr, err := newMultiArray(in.Class, dims)
		if err != nil {
			return Value{}, false, err
		}
		frame.Push(RefValue(arr))
	case bytecode.OpArraylength:
		ref := frame.Pop()
		if ref.IsNull() {
			return Value{}, false, NewJavaException("java/lang/NullPointerException", "arraylength on null")
		}
		arr, ok := ref.Ref.(*JArray)
		if !ok {
			return Value{}, false, fmt.Errorf("arraylength: not an array: %v", ref)
		}
		frame.Push(IntValue(int32(len(arr.Elements))))

	// Stack
	case bytecode.OpPop:
		frame.Pop()
	case bytecode.OpPop2:
		if !frame.Pop().wide() {
			frame.Pop()
		}
	case bytecode.OpDup:
		frame.Push(frame.Peek(0))
	case bytecode.OpDupX1:
		v1, v2 := frame.Pop(), frame.Pop()
		frame.Push(v1)
		frame.Push(v2)
		frame.Push(v1)
	case bytecode.OpDupX2:
		v1 := frame.Pop()
		under := popSlots(frame, 2)
		frame.Push(v1)
		pushAll(frame, under)
		frame.Push(v1)
	case bytecode.OpDup2:
		top := popSlots(frame, 2)
		pushAll(frame, top)
		pushAll(frame, top)
	case bytecode.OpDup2X1:
		top := popSlots(frame, 2)
		v := frame.Pop()
		pushAll(frame, top)
		frame.Push(v)
		pushAll(frame, top)
	case bytecode.OpDup2X2:
		top := popSlots(frame, 2)
		under := popSlots(frame, 2)
		pushAll(frame, top)
		pushAll(frame, under)
		pushAll(frame, top)
	case bytecode.OpSwap:
		v1, v2 := frame.Pop(), frame.Pop()
		frame.Push(v1)
		frame.Push(v2)

	// Arithmetic
	case bytecode.OpIadd, bytecode.OpIsub, bytecode.OpImul, bytecode.OpIdiv, bytecode.OpIrem,
		bytecode.OpIshl, bytecode.OpIshr, bytecode.OpIushr, bytecode.OpIand, bytecode.OpIor, bytecode.OpIxor:
		b, a := frame.Pop().Int, frame.Pop().Int
		r, err := intOp(op, a, b)
		if err != nil {
			return Value{}, false, err
		}
		frame.Push(IntValue(r))
	case bytecode.OpLadd, bytecode.OpLsub, bytecode.OpLmul, bytecode.OpLdiv, bytecode.OpLrem,
		bytecode.OpLand, bytecode.OpLor, bytecode.OpLxor:
		b, a := frame.Pop().Long, frame.Pop().Long
		r, err := longOp(op, a, b)
		if err != nil {
			return Value{}, false, err
		}
		frame.Push(LongValue(r))
	case bytecode.OpLshl, bytecode.OpLshr, bytecode.OpLushr:
		s, a := frame.Pop().Int&0x3f, frame.Pop().Long
		switch op {
		case bytecode.OpLshl:
			a <<= s
		case bytecode.OpLshr:
			a >>= s
		default:
			a = int64(uint64(a) >> s)
		}
		frame.Push(LongValue(a))
	case bytecode.OpFadd, bytecode.OpFsub, bytecode.OpFmul, bytecode.OpFdiv, bytecode.OpFrem:
		b, a := frame.Pop().Float, frame.Pop().Float
		frame.Push(FloatValue(float32(floatOp(op-bytecode.OpFadd, float64(a), float64(b)))))
	case bytecode.OpDadd, bytecode.OpDsub, bytecode.OpDmul, bytecode.OpDdiv, bytecode.OpDrem:
		b, a := frame.Pop().Double, frame.Pop().Double
		frame.Push(DoubleValue(floatOp(op-bytecode.OpDadd, a, b)))
	case bytecode.OpIneg:
		frame.Push(IntValue(-frame.Pop().Int))
	case bytecode.OpLneg:
		frame.Push(LongValue(-frame.Pop().Long))
	case bytecode.OpFneg:
		frame.Push(FloatValue(-frame.Pop().Float))
	case bytecode.OpDneg:
		frame.Push(DoubleValue(-frame.Pop().Double))

	// Conversions
	case bytecode.OpI2l:
		frame.Push(LongValue(int64(frame.Pop().Int)))
	case bytecode.OpI2f:
		frame.Push(FloatValue(float32(frame.Pop().Int)))
	case bytecode.OpI2d:
		frame.Push(DoubleValue(float64(frame.Pop().Int)))
	case bytecode.OpL2i:
		frame.Push(IntValue(int32(frame.Pop().Long)))
	case bytecode.OpL2f:
		frame.Push(FloatValue(float32(frame.Pop().Long)))
	case bytecode.OpL2d:
		frame.Push(DoubleValue(float64(frame.Pop().Long)))
	case bytecode.OpF2i:
		frame.Push(IntValue(toInt32(float64(frame.Pop().Float))))
	case bytecode.OpF2l:
		frame.Push(LongValue(toInt64(float64(frame.Pop().Float))))
	case bytecode.OpF2d:
		frame.Push(DoubleValue(float64(frame.Pop().Float)))
	case bytecode.OpD2i:
		frame.Push(IntValue(toInt32(frame.Pop().Double)))
	case bytecode.OpD2l:
		frame.Push(LongValue(toInt64(frame.Pop().Double)))
	case bytecode.OpD2f:
		frame.Push(FloatValue(float32(frame.Pop().Double)))
	case bytecode.OpI2b:
		frame.Push(IntValue(int32(int8(frame.Pop().Int))))
	case bytecode.OpI2c:
		frame.Push(IntValue(int32(uint16(frame.Pop().Int))))
	case bytecode.OpI2s:
		frame.Push(IntValue(int32(int16(frame.Pop().Int))))

	// Comparisons
	case bytecode.OpLcmp:
		b, a := frame.Pop().Long, frame.Pop().Long
		frame.Push(IntValue(compare(a < b, a > b)))
	case bytecode.OpFcmpl, bytecode.OpFcmpg:
		b, a := float64(frame.Pop().Float), float64(frame.Pop().Float)
		frame.Push(IntValue(fcmp(a, b, op == bytecode.OpFcmpg)))
	case bytecode.OpDcmpl, bytecode.OpDcmpg:
		b, a := frame.Pop().Double, frame.Pop().Double
		frame.Push(IntValue(fcmp(a, b, op == bytecode.OpDcmpg)))

	// Control
	case bytecode.OpIfeq, bytecode.OpIfne, bytecode.OpIflt, bytecode.OpIfge, bytecode.OpIfgt, bytecode.OpIfle:
		if intCond(op-bytecode.OpIfeq, frame.Pop().Int, 0) {
			return Value{}, false, frame.jump(in.Target)
		}
	case bytecode.OpIfIcmpeq, bytecode.OpIfIcmpne, bytecode.OpIfIcmplt,
		bytecode.OpIfIcmpge, bytecode.OpIfIcmpgt, bytecode.OpIfIcmple:
		b, a := frame.Pop().Int, frame.Pop().Int
		if intCond(op-bytecode.OpIfIcmpeq, a, b) {
			return Value{}, false, frame.jump(in.Target)
		}
	case bytecode.OpIfAcmpeq, bytecode.OpIfAcmpne:
		b, a := frame.Pop(), frame.Pop()
		if sameRef(a, b) == (op == bytecode.OpIfAcmpeq) {
			return Value{}, false, frame.jump(in.Target)
		}
	case bytecode.OpIfnull, bytecode.OpIfnonnull:
		if frame.Pop().IsNull() == (op == bytecode.OpIfnull) {
			return Value{}, false, frame.jump(in.Target)
		}
	case bytecode.OpGoto:
		return Value{}, false, frame.jump(in.Target)
	case bytecode.OpTableswitch:
		key := frame.Pop().Int
		target := in.Default
		if i := int64(key) - int64(in.Low); i >= 0 && i < int64(len(in.Targets)) {
			target = in.Targets[i]
		}
		return Value{}, false, frame.jump(target)
	case bytecode.OpLookupswitch:
		key := frame.Pop().Int
		target := in.Default
		for i, k := range in.Keys {
			if k == key {
				target = in.Targets[i]
				break
			}
		}
		return Value{}, false, frame.jump(target)
	case bytecode.OpIreturn, bytecode.OpLreturn, bytecode.OpFreturn, bytecode.OpDreturn, bytecode.OpAreturn:
		return frame.Pop(), true, nil
	case bytecode.OpReturn:
		return Value{}, true, nil

	// Fields and objects
	case bytecode.OpGetstatic:
		v, err := vm.getStatic(in.Member)
		if err != nil {
			return Value{}, false, err
		}
		frame.Push(v)
	case bytecode.OpPutstatic:
		if err := vm.putStatic(in.Member, frame.Pop()); err != nil {
			return Value{}, false, err
		}
	case bytecode.OpGetfield:
		obj, err := fieldOwner(frame.Pop(), in.Member)
		if err != nil {
			return Value{}, false, err
		}
		v, ok := obj.Fields[in.Member.Name]
		if !ok {
			v = zeroValue(in.Member.Desc)
		}
		frame.Push(v)
	case bytecode.OpPutfield:
		v := frame.Pop()
		obj, err := fieldOwner(frame.Pop(), in.Member)
		if err != nil {
			return Value{}, false, err
		}
		obj.Fields[in.Member.Name] = v
	case bytecode.OpNew:
		c, err := vm.LoadClass(in.Class)
		if err != nil {
			return Value{}, false, err
		}
		if err := vm.initClass(c); err != nil {
			return Value{}, false, err
		}
		frame.Push(vm.allocate(c))
	case bytecode.OpCheckcast:
		ref := frame.Peek(0)
		if !ref.IsNull() && !vm.isInstanceOf(ref.Ref, in.Class) {
			return Value{}, false, NewJavaException("java/lang/ClassCastException",
				fmt.Sprintf("class %s cannot be cast to class %s", javaName(refClassName(ref.Ref)), javaName(in.Class)))
		}
	case bytecode.OpInstanceof:
		ref := frame.Pop()
		frame.Push(IntValue(compare(false, !ref.IsNull() && vm.isInstanceOf(ref.Ref, in.Class))))
	case bytecode.OpAthrow:
		ref := frame.Pop()
		if ref.IsNull() {
			return Value{}, false, NewJavaException("java/lang/NullPointerException", "throw null")
		}
		obj, ok := ref.Ref.(*JObject)
		if !ok {
			return Value{}, false, fmt.Errorf("athrow: not a throwable: %v", ref)
		}
		return Value{}, false, &JavaException{Object: obj}
	case bytecode.OpMonitorenter, bytecode.OpMonitorexit:
		if frame.Pop().IsNull() {
			return Value{}, false, NewJavaException("java/lang/NullPointerException", "monitor on null")
		}

	// Invocation
	case bytecode.OpInvokestatic, bytecode.OpInvokevirtual, bytecode.OpInvokespecial, bytecode.OpInvokeinterface:
		return vm.executeInvoke(frame, in)
	case bytecode.OpInvokedynamic:
		return vm.executeInvokedynamic(frame, in)

	default:
		return Value{}, false, fmt.Errorf("unsupported opcode %s (0x%02X)", op, uint8(op))
	}

	return Value{}, false, nil
}

func ldcValue(c any) (Value, error) {
	switch c := c.(type) {
	case string:
		return RefValue(c), nil
	case int32:
		return IntValue(c), nil
	case int64:
		return LongValue(c), nil
	case float32:
		return FloatValue(c), nil
	case float64:
		return DoubleValue(c), nil
	case bytecode.ClassConst:
		return RefValue(ClassLiteral(c)), nil
	}
	return Value{}, fmt.Errorf("ldc: unsupported constant %v (%T)", c, c)
}

// popSlots pops values covering n stack slots, returned in push order.
func popSlots(frame *Frame, n int) []Value {
	var out []Value
	for n > 0 {
		v := frame.Pop()
		out = append([]Value{v}, out...)
		n--
		if v.wide() {
			n--
		}
	}
	return out
}

func pushAll(frame *Frame, vs []Value) {
	for _, v := range vs {
		frame.Push(v)
	}
}

func divideByZero() error {
	return NewJavaException("java/lang/ArithmeticException", "/ by zero")
}

func intOp(op bytecode.Opcode, a, b int32) (int32, error) {
	switch op {
	case bytecode.OpIadd:
		return a + b, nil
	case bytecode.OpIsub:
		return a - b, nil
	case bytecode.OpImul:
		return a * b, nil
	case bytecode.OpIdiv:
		if b == 0 {
			return 0, divideByZero()
		}
		return a / b, nil
	case bytecode.OpIrem:
		if b == 0 {
			return 0, divideByZero()
		}
		return a % b, nil
	case bytecode.OpIshl:
		return a << (b & 0x1f), nil
	case bytecode.OpIshr:
		return a >> (b & 0x1f), nil
	case bytecode.OpIushr:
		return int32(uint32(a) >> (b & 0x1f)), nil
	case bytecode.OpIand:
		return a & b, nil
	case bytecode.OpIor:
		return a | b, nil
	default:
		return a ^ b, nil
	}
}

func longOp(op bytecode.Opcode, a, b int64) (int64, error) {
	switch op {
	case bytecode.OpLadd:
		return a + b, nil
	case bytecode.OpLsub:
		return a - b, nil
	case bytecode.OpLmul:
		return a * b, nil
	case bytecode.OpLdiv:
		if b == 0 {
			return 0, divideByZero()
		}
		return a / b, nil
	case bytecode.OpLrem:
		if b == 0 {
			return 0, divideByZero()
		}
		return a % b, nil
	case bytecode.OpLand:
		return a & b, nil
	case bytecode.OpLor:
		return a | b, nil
	default:
		return a ^ b, nil
	}
}

// floatOp applies add, sub, mul, div or rem, numbered 0 to 4 in steps of
// 4 opcodes from fadd or dadd.
func floatOp(delta bytecode.Opcode, a, b float64) float64 {
	switch delta / 4 {
	case 0:
		return a + b
	case 1:
		return a - b
	case 2:
		return a * b
	case 3:
		return a / b
	default:
		return math.Mod(a, b)
	}
}

func toInt32(f float64) int32 {
	switch {
	case math.IsNaN(f):
		return 0
	case f >= math.MaxInt32:
		return math.MaxInt32
	case f <= math.MinInt32:
		return math.MinInt32
	}
	return int32(f)
}

func toInt64(f float64) int64 {
	switch {
	case math.IsNaN(f):
		return 0
	case f >= math.MaxInt64:
		return math.MaxInt64
	case f <= math.MinInt64:
		return math.MinInt64
	}
	return int64(f)
}

func compare(less, greater bool) int32 {
	switch {
	case less:
		return -1
	case greater:
		return 1
	}
	return 0
}

func fcmp(a, b float64, nanGreater bool) int32 {
	if math.IsNaN(a) || math.IsNaN(b) {
		if nanGreater {
			return 1
		}
		return -1
	}
	return compare(a < b, a > b)
}

// intCond evaluates eq, ne, lt, ge, gt or le, numbered from 0 in opcode
// order.
func intCond(cond bytecode.Opcode, a, b int32) bool {
	switch cond {
	case 0:
		return a == b
	case 1:
		return a != b
	case 2:
		return a < b
	case 3:
		return a >= b
	case 4:
		return a > b
	default:
		return a <= b
	}
}

func sameRef(a, b Value) bool {
	if a.IsNull() || b.IsNull() {
		return a.IsNull() && b.IsNull()
	}
	return a.Ref == b.Ref
}

func fieldOwner(ref Value, m *bytecode.Member) (*JObject, error) {
	if ref.IsNull() {
		return nil, NewJavaException("java/lang/NullPointerException",
			fmt.Sprintf("cannot access field %s of null", m.Name))
	}
	obj, ok := ref.Ref.(*JObject)
	if !ok {
		return nil, fmt.Errorf("field %s on non-object %v", m, ref)
	}
	return obj, nil
}

// staticOwner finds the class in c's hierarchy declaring static field name.
func staticOwner(c *Class, name string) *Class {
	for k := c; k != nil; k = k.Super {
		if _, ok := k.Statics[name]; ok {
			return k
		}
		for _, i := range k.Interfaces {
			if o := staticOwner(i, name); o != nil {
				return o
			}
		}
	}
	return nil
}

func (vm *VM) getStatic(m *bytecode.Member) (Value, error) {
	if v, ok := vm.nativeStatic(m); ok {
		return v, nil
	}
	c, err := vm.LoadClass(m.Owner)
	if err != nil {
		return Value{}, err
	}
	if err := vm.initClass(c); err != nil {
		return Value{}, err
	}
	owner := staticOwner(c, m.Name)
	if owner == nil {
		return Value{}, fmt.Errorf("getstatic: unsupported field %s", m)
	}
	return owner.Statics[m.Name], nil
}

func (vm *VM) putStatic(m *bytecode.Member, v Value) error {
	c, err := vm.LoadClass(m.Owner)
	if err != nil {
		return err
	}
	if err := vm.initClass(c); err != nil {
		return err
	}
	owner := staticOwner(c, m.Name)
	if owner == nil {
		return fmt.Errorf("putstatic: unknown field %s", m)
	}
	owner.Statics[m.Name] = v
	return nil
}
