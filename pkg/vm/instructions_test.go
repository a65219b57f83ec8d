package vm

import (
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/daimatz/classmod/pkg/bytecode"
	"github.com/daimatz/classmod/pkg/classfile"
)

// executeRaw runs code as the body of a static method taking locals as
// int arguments and returns the result.
func executeRaw(t *testing.T, code []byte, ret string, locals ...int32) (Value, error) {
	t.Helper()

	maxLocals := len(locals)
	if maxLocals < 4 {
		maxLocals = 4
	}
	desc := "(" + strings.Repeat("I", len(locals)) + ")" + ret

	cf := classfile.New("Raw", "java/lang/Object", classfile.AccPublic)
	m := cf.AddMethod(classfile.AccPublic|classfile.AccStatic, "f", desc)
	m.Code = &classfile.CodeAttribute{MaxStack: 10, MaxLocals: uint16(maxLocals), Code: code}

	v, _ := newTestVM(t, cf)
	args := make([]Value, len(locals))
	for i, val := range locals {
		args[i] = IntValue(val)
	}
	return v.InvokeStatic("Raw", "f", desc, args...)
}

// executeAndGetInt runs raw bytecode ending in ireturn and returns the int
// result.
func executeAndGetInt(t *testing.T, code []byte, locals ...int32) int32 {
	t.Helper()
	ret, err := executeRaw(t, code, "I", locals...)
	if err != nil {
		t.Fatalf("execution error: %v", err)
	}
	if ret.Type != TypeInt {
		t.Fatalf("result: got %v, want an int", ret)
	}
	return ret.Int
}

// TestRawCode runs hand-assembled method bodies ending in ireturn.
func TestRawCode(t *testing.T) {
	tests := []struct {
		name   string
		code   []byte
		locals []int32
		want   int32
	}{
		{"iconst_m1", []byte{0x02, 0xAC}, nil, -1},
		{"iconst_0", []byte{0x03, 0xAC}, nil, 0},
		{"iconst_5", []byte{0x08, 0xAC}, nil, 5},
		{"bipush 127", []byte{0x10, 0x7F, 0xAC}, nil, 127},
		{"bipush -128", []byte{0x10, 0x80, 0xAC}, nil, -128},
		{"sipush 256", []byte{0x11, 0x01, 0x00, 0xAC}, nil, 256},
		{"sipush -32768", []byte{0x11, 0x80, 0x00, 0xAC}, nil, -32768},
		{"sipush 32767", []byte{0x11, 0x7F, 0xFF, 0xAC}, nil, 32767},

		// ifeq at 1 jumps +5 to the second iconst/ireturn pair at 6.
		{"ifeq taken", []byte{0x03, 0x99, 0x00, 0x05, 0x04, 0xAC, 0x05, 0xAC}, nil, 2},
		{"ifeq not taken", []byte{0x04, 0x99, 0x00, 0x05, 0x06, 0xAC, 0x07, 0xAC}, nil, 3},
		{"ifne taken", []byte{0x04, 0x9A, 0x00, 0x05, 0x06, 0xAC, 0x07, 0xAC}, nil, 4},
		{"ifne not taken", []byte{0x03, 0x9A, 0x00, 0x05, 0x06, 0xAC, 0x07, 0xAC}, nil, 3},
		{"iflt taken", []byte{0x10, 0xFF, 0x9B, 0x00, 0x05, 0x03, 0xAC, 0x04, 0xAC}, nil, 1},
		{"goto", []byte{0xA7, 0x00, 0x05, 0x04, 0xAC, 0x05, 0xAC}, nil, 2},

		{"dup", []byte{0x06, 0x59, 0x60, 0xAC}, nil, 6},
		{"pop", []byte{0x06, 0x07, 0x57, 0xAC}, nil, 3},
		// [5, 2] swapped to [2, 5]; isub gives 2-5.
		{"swap", []byte{0x08, 0x05, 0x5F, 0x64, 0xAC}, nil, -3},

		{"istore_0 iload_0", []byte{0x08, 0x3B, 0x1A, 0xAC}, nil, 5},
		{"istore 2 iload 2", []byte{0x10, 0x2A, 0x36, 0x02, 0x15, 0x02, 0xAC}, nil, 42},
		{"iload arguments", []byte{0x1A, 0x1B, 0x60, 0xAC}, []int32{10, 20}, 30},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := executeAndGetInt(t, tt.code, tt.locals...); got != tt.want {
				t.Errorf("got %d, want %d", got, tt.want)
			}
		})
	}
}

func TestArithmeticInstructions(t *testing.T) {
	tests := []struct {
		name string
		code []byte
		want int32
	}{
		{
			name: "iadd: 3+4=7",
			code: []byte{0x06, 0x07, 0x60, 0xAC}, // iconst_3, iconst_4, iadd, ireturn
			want: 7,
		},
		{
			name: "isub: 5-3=2",
			code: []byte{0x08, 0x06, 0x64, 0xAC}, // iconst_5, iconst_3, isub, ireturn
			want: 2,
		},
		{
			name: "imul: 3*4=12",
			code: []byte{0x06, 0x07, 0x68, 0xAC}, // iconst_3, iconst_4, imul, ireturn
			want: 12,
		},
		{
			name: "idiv: 5/2=2",
			code: []byte{0x08, 0x05, 0x6C, 0xAC}, // iconst_5, iconst_2, idiv, ireturn
			want: 2,
		},
		{
			name: "irem: 5%3=2",
			code: []byte{0x08, 0x06, 0x70, 0xAC}, // iconst_5, iconst_3, irem, ireturn
			want: 2,
		},
		{
			name: "ineg: -(5)=-5",
			code: []byte{0x08, 0x74, 0xAC}, // iconst_5, ineg, ireturn
			want: -5,
		},
		{
			name: "ineg double: -(-(3))=3",
			code: []byte{0x06, 0x74, 0x74, 0xAC}, // iconst_3, ineg, ineg, ireturn
			want: 3,
		},
		{
			name: "compound: (2+3)*4=20",
			code: []byte{0x05, 0x06, 0x60, 0x07, 0x68, 0xAC}, // iconst_2, iconst_3, iadd, iconst_4, imul, ireturn
			want: 20,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := executeAndGetInt(t, tt.code)
			if got != tt.want {
				t.Errorf("%s: got %d, want %d", tt.name, got, tt.want)
			}
		})
	}
}

func TestDivisionByZero(t *testing.T) {
	tests := []struct {
		name string
		code []byte
	}{
		{"idiv by zero", []byte{0x08, 0x03, 0x6C, 0xAC}}, // iconst_5, iconst_0, idiv, ireturn
		{"irem by zero", []byte{0x08, 0x03, 0x70, 0xAC}}, // iconst_5, iconst_0, irem, ireturn
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := executeRaw(t, tt.code, "I")
			var jex *JavaException
			if !errors.As(err, &jex) {
				t.Fatalf("expected ArithmeticException, got %v", err)
			}
			if got := jex.Error(); got != "java.lang.ArithmeticException: / by zero" {
				t.Errorf("error message: got %q, want %q", got, "java.lang.ArithmeticException: / by zero")
			}
		})
	}
}

func TestOverflow(t *testing.T) {
	tests := []struct {
		name   string
		code   []byte
		want   int32
		locals []int32
	}{
		{
			name: "iadd overflow wraps",
			// bipush 127 is max we can push with bipush; use locals for larger values
			// iload_0, iload_1, iadd, ireturn
			code:   []byte{0x1A, 0x1B, 0x60, 0xAC},
			locals: []int32{2147483647, 1}, // MaxInt32 + 1
			want:   -2147483648,            // wraps to MinInt32
		},
		{
			name:   "isub underflow wraps",
			code:   []byte{0x1A, 0x1B, 0x64, 0xAC},
			locals: []int32{-2147483648, 1}, // MinInt32 - 1
			want:   2147483647,              // wraps to MaxInt32
		},
		{
			name:   "imul overflow wraps",
			code:   []byte{0x1A, 0x1B, 0x68, 0xAC},
			locals: []int32{2147483647, 2},
			want:   -2,
		},
		{
			name:   "ineg MinInt32 stays MinInt32",
			code:   []byte{0x1A, 0x74, 0xAC},
			locals: []int32{-2147483648},
			want:   -2147483648, // -MinInt32 overflows back to MinInt32
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := executeAndGetInt(t, tt.code, tt.locals...)
			if got != tt.want {
				t.Errorf("%s: got %d, want %d", tt.name, got, tt.want)
			}
		})
	}
}

func TestIfIcmp(t *testing.T) {
	// Helper: builds bytecode for if_icmpXX where the two values come from locals
	// iload_0, iload_1, if_icmpXX(offset=5, target=7), iconst_0, ireturn, iconst_1, ireturn
	buildCode := func(opcode byte) []byte {
		return []byte{0x1A, 0x1B, opcode, 0x00, 0x05, 0x03, 0xAC, 0x04, 0xAC}
	}

	tests := []struct {
		name   string
		opcode byte
		a, b   int32
		want   int32 // 1=taken, 0=not taken
	}{
		{"if_icmpeq taken", 0x9F, 5, 5, 1},
		{"if_icmpeq not taken", 0x9F, 5, 3, 0},
		{"if_icmpne taken", 0xA0, 5, 3, 1},
		{"if_icmpne not taken", 0xA0, 5, 5, 0},
		{"if_icmplt taken", 0xA1, 3, 5, 1},
		{"if_icmplt not taken", 0xA1, 5, 3, 0},
		{"if_icmpge taken (>)", 0xA2, 5, 3, 1},
		{"if_icmpge taken (=)", 0xA2, 5, 5, 1},
		{"if_icmpge not taken", 0xA2, 3, 5, 0},
		{"if_icmpgt taken", 0xA3, 5, 3, 1},
		{"if_icmpgt not taken (=)", 0xA3, 5, 5, 0},
		{"if_icmple taken (<)", 0xA4, 3, 5, 1},
		{"if_icmple taken (=)", 0xA4, 5, 5, 1},
		{"if_icmple not taken", 0xA4, 5, 3, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code := buildCode(tt.opcode)
			got := executeAndGetInt(t, code, tt.a, tt.b)
			if got != tt.want {
				t.Errorf("%s (%d vs %d): got %d, want %d", tt.name, tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestRemainingBranches(t *testing.T) {
	// Tests for ifge, ifgt, ifle that aren't covered by TestBranch
	// Bytecode: iload_0, ifXX(offset=5, target=5), iconst_0, ireturn, iconst_1, ireturn
	buildCode := func(opcode byte) []byte {
		return []byte{0x1A, opcode, 0x00, 0x05, 0x03, 0xAC, 0x04, 0xAC}
	}

	tests := []struct {
		name   string
		opcode byte
		val    int32
		want   int32 // 1=taken, 0=not taken
	}{
		{"ifge taken (positive)", 0x9C, 5, 1},
		{"ifge taken (zero)", 0x9C, 0, 1},
		{"ifge not taken (negative)", 0x9C, -1, 0},
		{"ifgt taken", 0x9D, 5, 1},
		{"ifgt not taken (zero)", 0x9D, 0, 0},
		{"ifgt not taken (negative)", 0x9D, -1, 0},
		{"ifle taken (negative)", 0x9E, -1, 1},
		{"ifle taken (zero)", 0x9E, 0, 1},
		{"ifle not taken (positive)", 0x9E, 5, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := executeAndGetInt(t, buildCode(tt.opcode), tt.val)
			if got != tt.want {
				t.Errorf("%s (val=%d): got %d, want %d", tt.name, tt.val, got, tt.want)
			}
		})
	}
}

func TestIinc(t *testing.T) {
	tests := []struct {
		name    string
		initial int32
		inc     int8
		want    int32
	}{
		{"positive increment", 10, 5, 15},
		{"negative increment", 10, -3, 7},
		{"zero increment", 42, 0, 42},
		{"increment from zero", 0, 1, 1},
		{"large negative", 100, -128, -28},
		{"large positive", 0, 127, 127},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// iload_0, iinc 0 <const>, iload_0, ireturn
			code := []byte{0x1A, byte(bytecode.OpIinc), 0x00, byte(tt.inc), 0x1A, 0xAC}
			got := executeAndGetInt(t, code, tt.initial)
			if got != tt.want {
				t.Errorf("iinc(%d, %d): got %d, want %d", tt.initial, tt.inc, got, tt.want)
			}
		})
	}
}

func runBuilt(t *testing.T, desc string, b *bytecode.Builder, args ...Value) (Value, error) {
	t.Helper()
	cf := classfile.New("Built", "java/lang/Object", classfile.AccPublic)
	m := cf.AddMethod(classfile.AccPublic|classfile.AccStatic, "f", desc)
	if err := bytecode.Encode(cf, m, b.Code(), false); err != nil {
		t.Fatalf("encoding: %v", err)
	}
	v, _ := newTestVM(t, cf)
	return v.InvokeStatic("Built", "f", desc, args...)
}

func TestLongInstructions(t *testing.T) {
	binary := func(op bytecode.Opcode) *bytecode.Builder {
		return bytecode.NewBuilder().Load('J', 0).Load('J', 2).Op(op).Return('J')
	}
	got, err := runBuilt(t, "(JJ)J", binary(bytecode.OpLmul), LongValue(1<<40), LongValue(3))
	if err != nil {
		t.Fatalf("lmul: %v", err)
	}
	if got.Long != 3<<40 {
		t.Errorf("lmul: got %d, want %d", got.Long, int64(3<<40))
	}

	_, err = runBuilt(t, "(JJ)J", binary(bytecode.OpLdiv), LongValue(1), LongValue(0))
	var jex *JavaException
	if !errors.As(err, &jex) {
		t.Fatalf("ldiv by zero: got %v", err)
	}
	if msg, _ := jex.Message(); msg != "/ by zero" {
		t.Errorf("ldiv by zero message: got %q", msg)
	}

	cmp := bytecode.NewBuilder().Load('J', 0).Load('J', 2).Op(bytecode.OpLcmp).Return('I')
	for _, tt := range []struct {
		a, b int64
		want int32
	}{{1, 2, -1}, {2, 2, 0}, {1 << 40, 2, 1}} {
		got, err := runBuilt(t, "(JJ)I", cmp, LongValue(tt.a), LongValue(tt.b))
		if err != nil {
			t.Fatalf("lcmp: %v", err)
		}
		if got.Int != tt.want {
			t.Errorf("lcmp(%d, %d): got %d, want %d", tt.a, tt.b, got.Int, tt.want)
		}
	}

	l2i := bytecode.NewBuilder().Load('J', 0).Op(bytecode.OpL2i).Return('I')
	got, err = runBuilt(t, "(J)I", l2i, LongValue(1<<32+5))
	if err != nil || got.Int != 5 {
		t.Errorf("l2i: got %v, %v, want 5", got, err)
	}
}

func TestDoubleInstructions(t *testing.T) {
	div := bytecode.NewBuilder().Load('D', 0).Load('D', 2).Op(bytecode.OpDdiv).Return('D')
	got, err := runBuilt(t, "(DD)D", div, DoubleValue(7), DoubleValue(2))
	if err != nil || got.Double != 3.5 {
		t.Errorf("ddiv: got %v, %v, want 3.5", got, err)
	}
	got, err = runBuilt(t, "(DD)D", div, DoubleValue(1), DoubleValue(0))
	if err != nil || !math.IsInf(got.Double, 1) {
		t.Errorf("ddiv by zero: got %v, %v, want +Inf", got, err)
	}

	d2i := bytecode.NewBuilder().Load('D', 0).Op(bytecode.OpD2i).Return('I')
	tests := []struct {
		in   float64
		want int32
	}{
		{-3.9, -3},
		{math.NaN(), 0},
		{1e20, math.MaxInt32},
		{-1e20, math.MinInt32},
	}
	for _, tt := range tests {
		got, err := runBuilt(t, "(D)I", d2i, DoubleValue(tt.in))
		if err != nil {
			t.Fatalf("d2i(%v): %v", tt.in, err)
		}
		if got.Int != tt.want {
			t.Errorf("d2i(%v): got %d, want %d", tt.in, got.Int, tt.want)
		}
	}

	fcmp := func(op bytecode.Opcode) *bytecode.Builder {
		return bytecode.NewBuilder().Load('F', 0).Load('F', 1).Op(op).Return('I')
	}
	nan := float32(math.NaN())
	if got, _ := runBuilt(t, "(FF)I", fcmp(bytecode.OpFcmpg), FloatValue(nan), FloatValue(1)); got.Int != 1 {
		t.Errorf("fcmpg with NaN: got %d, want 1", got.Int)
	}
	if got, _ := runBuilt(t, "(FF)I", fcmp(bytecode.OpFcmpl), FloatValue(nan), FloatValue(1)); got.Int != -1 {
		t.Errorf("fcmpl with NaN: got %d, want -1", got.Int)
	}
}

func TestArrayInstructions(t *testing.T) {
	b := bytecode.NewBuilder().
		Int(3).Add(&bytecode.Insn{Op: bytecode.OpNewarray, Int: 10}).Store('A', 0).
		Load('A', 0).Int(1).Int(9).Op(bytecode.OpIastore).
		Load('A', 0).Int(1).Op(bytecode.OpIaload).
		Load('A', 0).Op(bytecode.OpArraylength).
		Op(bytecode.OpIadd).Return('I')
	got, err := runBuilt(t, "()I", b)
	if err != nil || got.Int != 12 {
		t.Errorf("int array: got %v, %v, want 12", got, err)
	}

	narrow := bytecode.NewBuilder().
		Int(1).Add(&bytecode.Insn{Op: bytecode.OpNewarray, Int: 8}).Store('A', 0).
		Load('A', 0).Int(0).Int(200).Op(bytecode.OpBastore).
		Load('A', 0).Int(0).Op(bytecode.OpBaload).Return('I')
	got, err = runBuilt(t, "()I", narrow)
	if err != nil || got.Int != -56 {
		t.Errorf("byte array: got %v, %v, want -56", got, err)
	}

	oob := bytecode.NewBuilder().
		Int(3).Add(&bytecode.Insn{Op: bytecode.OpNewarray, Int: 10}).
		Int(3).Op(bytecode.OpIaload).Return('I')
	_, err = runBuilt(t, "()I", oob)
	var jex *JavaException
	if !errors.As(err, &jex) || jex.Object.ClassName != "java/lang/ArrayIndexOutOfBoundsException" {
		t.Fatalf("out of bounds: got %v", err)
	}
	if msg, _ := jex.Message(); msg != "Index 3 out of bounds for length 3" {
		t.Errorf("out of bounds message: got %q, want %q", msg, "Index 3 out of bounds for length 3")
	}

	multi := bytecode.NewBuilder().
		Int(2).Int(3).Add(&bytecode.Insn{Op: bytecode.OpMultianewarray, Class: "[[I", Dims: 2}).
		Int(1).Op(bytecode.OpAaload).Op(bytecode.OpArraylength).Return('I')
	got, err = runBuilt(t, "()I", multi)
	if err != nil || got.Int != 3 {
		t.Errorf("multianewarray: got %v, %v, want 3", got, err)
	}
}

func TestDupForms(t *testing.T) {
	tests := []struct {
		name string
		b    *bytecode.Builder
		want int32
	}{
		{
			// 1 2 1 2 summed
			"dup2",
			bytecode.NewBuilder().Int(1).Int(2).Op(bytecode.OpDup2).
				Op(bytecode.OpIadd).Op(bytecode.OpIadd).Op(bytecode.OpIadd).Return('I'),
			6,
		},
		{
			// 2 1 2, then 1-2 and 2*-1
			"dup_x1",
			bytecode.NewBuilder().Int(1).Int(2).Op(bytecode.OpDupX1).
				Op(bytecode.OpIsub).Op(bytecode.OpImul).Return('I'),
			-2,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := runBuilt(t, "()I", tt.b)
			if err != nil {
				t.Fatalf("%s: %v", tt.name, err)
			}
			if got.Int != tt.want {
				t.Errorf("%s: got %d, want %d", tt.name, got.Int, tt.want)
			}
		})
	}
}

func TestTypeChecks(t *testing.T) {
	instanceOf := func(class string) *bytecode.Builder {
		return bytecode.NewBuilder().Load('A', 0).Type(bytecode.OpInstanceof, class).Return('I')
	}
	tests := []struct {
		class string
		arg   Value
		want  int32
	}{
		{"java/lang/CharSequence", RefValue("s"), 1},
		{"java/lang/Integer", RefValue("s"), 0},
		{"java/lang/Object", RefValue("s"), 1},
		{"java/lang/String", NullValue(), 0},
	}
	for _, tt := range tests {
		got, err := runBuilt(t, "(Ljava/lang/Object;)I", instanceOf(tt.class), tt.arg)
		if err != nil {
			t.Fatalf("instanceof %s: %v", tt.class, err)
		}
		if got.Int != tt.want {
			t.Errorf("instanceof %s on %v: got %d, want %d", tt.class, tt.arg, got.Int, tt.want)
		}
	}

	cast := bytecode.NewBuilder().Load('A', 0).Type(bytecode.OpCheckcast, "java/lang/Integer").Return('A')
	_, err := runBuilt(t, "(Ljava/lang/Object;)Ljava/lang/Object;", cast, RefValue("s"))
	var jex *JavaException
	if !errors.As(err, &jex) || jex.Object.ClassName != "java/lang/ClassCastException" {
		t.Errorf("checkcast: got %v, want ClassCastException", err)
	}
	got, err := runBuilt(t, "(Ljava/lang/Object;)Ljava/lang/Object;", cast, NullValue())
	if err != nil || !got.IsNull() {
		t.Errorf("checkcast of null: got %v, %v, want null", got, err)
	}
}
