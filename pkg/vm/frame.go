package vm

import (
	"fmt"

	"github.com/daimatz/classmod/pkg/bytecode"
)

// ValueType represents the type of a Value on the stack or in local variables.
type ValueType int

const (
	TypeInt ValueType = iota
	TypeRef
	TypeNull
	TypeLong
	TypeFloat
	TypeDouble
)

// Value represents a value on the operand stack or in local variables.
// Longs and doubles take one Value; the slot after them in the locals is
// left unused.
type Value struct {
	Type   ValueType
	Int    int32
	Long   int64
	Float  float32
	Double float64
	Ref    any
}

// IntValue creates an integer Value.
func IntValue(v int32) Value {
	return Value{Type: TypeInt, Int: v}
}

func LongValue(v int64) Value {
	return Value{Type: TypeLong, Long: v}
}

func FloatValue(v float32) Value {
	return Value{Type: TypeFloat, Float: v}
}

func DoubleValue(v float64) Value {
	return Value{Type: TypeDouble, Double: v}
}

// RefValue creates a reference Value. A nil ref is null.
func RefValue(ref any) Value {
	if ref == nil {
		return NullValue()
	}
	return Value{Type: TypeRef, Ref: ref}
}

// NullValue creates a null reference Value.
func NullValue() Value {
	return Value{Type: TypeNull}
}

// IsNull reports whether v is the null reference.
func (v Value) IsNull() bool {
	return v.Type == TypeNull || (v.Type == TypeRef && v.Ref == nil)
}

// wide reports whether v is a category 2 value.
func (v Value) wide() bool {
	return v.Type == TypeLong || v.Type == TypeDouble
}

func (v Value) String() string {
	switch v.Type {
	case TypeInt:
		return fmt.Sprintf("int %d", v.Int)
	case TypeLong:
		return fmt.Sprintf("long %d", v.Long)
	case TypeFloat:
		return fmt.Sprintf("float %v", v.Float)
	case TypeDouble:
		return fmt.Sprintf("double %v", v.Double)
	case TypeNull:
		return "null"
	default:
		return fmt.Sprintf("ref %v", v.Ref)
	}
}

// Frame represents a stack frame for method execution.
type Frame struct {
	LocalVars    []Value
	OperandStack []Value
	SP           int
	// PC indexes Method.Code.Insns.
	PC     int
	Method *Method
}

// NewFrame creates a new Frame with the given parameters.
func NewFrame(maxLocals, maxStack int, method *Method) *Frame {
	return &Frame{
		LocalVars:    make([]Value, maxLocals),
		OperandStack: make([]Value, maxStack),
		Method:       method,
	}
}

// Push pushes a value onto the operand stack.
func (f *Frame) Push(v Value) {
	if f.SP >= len(f.OperandStack) {
		panic(fmt.Sprintf("operand stack overflow: SP=%d, max=%d", f.SP, len(f.OperandStack)))
	}
	f.OperandStack[f.SP] = v
	f.SP++
}

// Pop pops a value from the operand stack.
func (f *Frame) Pop() Value {
	if f.SP <= 0 {
		panic("operand stack underflow: SP=0")
	}
	f.SP--
	return f.OperandStack[f.SP]
}

// Peek returns the value n entries below the top of the stack.
func (f *Frame) Peek(n int) Value {
	if n < 0 || n >= f.SP {
		panic(fmt.Sprintf("operand stack underflow: peek %d, SP=%d", n, f.SP))
	}
	return f.OperandStack[f.SP-1-n]
}

// PopN pops n values and returns them in push order.
func (f *Frame) PopN(n int) []Value {
	if n > f.SP {
		panic(fmt.Sprintf("operand stack underflow: pop %d, SP=%d", n, f.SP))
	}
	out := make([]Value, n)
	copy(out, f.OperandStack[f.SP-n:f.SP])
	f.SP -= n
	return out
}

// GetLocal returns the value at the given local variable index.
func (f *Frame) GetLocal(index int) Value {
	if index < 0 || index >= len(f.LocalVars) {
		panic(fmt.Sprintf("local variable index out of range: index=%d, max=%d", index, len(f.LocalVars)))
	}
	return f.LocalVars[index]
}

// SetLocal sets the value at the given local variable index.
func (f *Frame) SetLocal(index int, v Value) {
	if index < 0 || index >= len(f.LocalVars) {
		panic(fmt.Sprintf("local variable index out of range: index=%d, max=%d", index, len(f.LocalVars)))
	}
	f.LocalVars[index] = v
}

// jump moves PC to the position of l.
func (f *Frame) jump(l *bytecode.Label) error {
	pc, ok := f.Method.labels[l]
	if !ok {
		return fmt.Errorf("jump to unknown label %s", l)
	}
	f.PC = pc
	return nil
}
