package vm

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf16"

	"github.com/daimatz/classmod/pkg/bytecode"
	"github.com/daimatz/classmod/pkg/classfile"
	"github.com/daimatz/classmod/pkg/native"
)

func unsupportedNative(owner, name, desc string) error {
	return fmt.Errorf("unsupported native method %s.%s%s", owner, name, desc)
}

// nativeSupertypes lists the class and supertypes of a natively
// represented reference, most specific first.
func nativeSupertypes(ref any) []string {
	switch ref.(type) {
	case string:
		return []string{"java/lang/String", "java/lang/CharSequence", "java/lang/Comparable", "java/io/Serializable"}
	case *native.Integer:
		return []string{"java/lang/Integer", "java/lang/Number", "java/lang/Comparable", "java/io/Serializable"}
	case *native.HashMap:
		return []string{"java/util/HashMap", "java/util/AbstractMap", "java/util/Map", "java/lang/Cloneable", "java/io/Serializable"}
	case *native.StringBuilder:
		return []string{"java/lang/StringBuilder", "java/lang/AbstractStringBuilder", "java/lang/CharSequence", "java/lang/Appendable"}
	case *native.PrintStream:
		return []string{"java/io/PrintStream", "java/io/FilterOutputStream", "java/io/OutputStream"}
	case ClassLiteral:
		return []string{"java/lang/Class"}
	}
	return nil
}

// nativeStatic returns the value of a static field of the JDK.
func (vm *VM) nativeStatic(m *bytecode.Member) (Value, bool) {
	if m.Owner != "java/lang/System" {
		return Value{}, false
	}
	switch m.Name {
	case "out":
		return RefValue(&native.PrintStream{Writer: vm.Stdout}), true
	case "err":
		return RefValue(&native.PrintStream{Writer: vm.Stderr}), true
	}
	return Value{}, false
}

// utf16Of returns s as the UTF-16 code units Java strings are made of.
func utf16Of(s string) []uint16 {
	return utf16.Encode([]rune(s))
}

func stringHash(s string) int32 {
	var h int32
	for _, c := range utf16Of(s) {
		h = 31*h + int32(c)
	}
	return h
}

func boolValue(b bool) Value {
	if b {
		return IntValue(1)
	}
	return IntValue(0)
}

// stringOf converts v of type t to a string the way String.valueOf does.
func (vm *VM) stringOf(v Value, t classfile.FieldType) (string, error) {
	if t.IsReference() {
		return vm.refString(v)
	}
	switch t.Base {
	case 'Z':
		return native.FormatBoolean(v.Int), nil
	case 'C':
		return native.FormatChar(v.Int), nil
	case 'J':
		return strconv.FormatInt(v.Long, 10), nil
	case 'F':
		return native.FormatFloat(v.Float), nil
	case 'D':
		return native.FormatDouble(v.Double), nil
	}
	return strconv.Itoa(int(v.Int)), nil
}

// refString calls toString on a reference, interpreting it when the
// object's class overrides it.
func (vm *VM) refString(v Value) (string, error) {
	if r, ok := v.Ref.(*JObject); ok && r.Class != nil {
		if m := r.Class.FindMethod("toString", "()Ljava/lang/String;"); m != nil {
			ret, err := vm.executeMethod(m, []Value{v})
			if err != nil {
				return "", err
			}
			return vm.refString(ret)
		}
	}
	return defaultString(v), nil
}

// defaultString is toString as the JDK classes implement it.
func defaultString(v Value) string {
	if v.IsNull() {
		return "null"
	}
	switch r := v.Ref.(type) {
	case string:
		return r
	case *native.Integer:
		return r.String()
	case *native.StringBuilder:
		return r.String()
	case ClassLiteral:
		return "class " + javaName(string(r))
	case *JObject:
		if isInstance(r, "java/lang/Throwable") {
			return (&JavaException{Object: r}).Error()
		}
		return r.String()
	case *JArray:
		return fmt.Sprintf("[%s@%p", r.Type, r)
	}
	return fmt.Sprint(v.Ref)
}

func (vm *VM) callNativeStatic(owner, name, desc string, args []Value) (Value, error) {
	switch owner {
	case "java/lang/Integer":
		switch name + desc {
		case "valueOf(I)Ljava/lang/Integer;":
			return RefValue(native.BoxInt(args[0].Int)), nil
		case "parseInt(Ljava/lang/String;)I":
			s, _ := args[0].Ref.(string)
			n, err := native.ParseInt(s)
			if err != nil {
				return Value{}, NewJavaException("java/lang/NumberFormatException", err.Error())
			}
			return IntValue(n), nil
		case "toString(I)Ljava/lang/String;":
			return RefValue(strconv.Itoa(int(args[0].Int))), nil
		}
	case "java/lang/String":
		if name == "valueOf" {
			md, err := vm.methodDescriptor(desc)
			if err != nil {
				return Value{}, err
			}
			s, err := vm.stringOf(args[0], md.Parameters[0])
			if err != nil {
				return Value{}, err
			}
			return RefValue(s), nil
		}
	case "java/lang/Math":
		if v, ok := mathNative(name, desc, args); ok {
			return v, nil
		}
	case "java/lang/System":
		switch name {
		case "currentTimeMillis":
			return LongValue(time.Now().UnixMilli()), nil
		case "nanoTime":
			return LongValue(time.Now().UnixNano()), nil
		case "arraycopy":
			return Value{}, arraycopy(args)
		}
	case "java/util/Objects":
		switch name + desc {
		case "requireNonNull(Ljava/lang/Object;)Ljava/lang/Object;":
			if args[0].IsNull() {
				return Value{}, NewJavaException("java/lang/NullPointerException", "")
			}
			return args[0], nil
		case "equals(Ljava/lang/Object;Ljava/lang/Object;)Z":
			return boolValue(sameRef(args[0], args[1])), nil
		}
	}
	return Value{}, unsupportedNative(owner, name, desc)
}

func mathNative(name, desc string, args []Value) (Value, bool) {
	switch name + desc {
	case "max(II)I":
		return IntValue(max(args[0].Int, args[1].Int)), true
	case "min(II)I":
		return IntValue(min(args[0].Int, args[1].Int)), true
	case "abs(I)I":
		if args[0].Int < 0 {
			return IntValue(-args[0].Int), true
		}
		return args[0], true
	case "max(JJ)J":
		return LongValue(max(args[0].Long, args[1].Long)), true
	case "min(JJ)J":
		return LongValue(min(args[0].Long, args[1].Long)), true
	case "abs(D)D":
		return DoubleValue(math.Abs(args[0].Double)), true
	case "sqrt(D)D":
		return DoubleValue(math.Sqrt(args[0].Double)), true
	case "pow(DD)D":
		return DoubleValue(math.Pow(args[0].Double, args[1].Double)), true
	}
	return Value{}, false
}

func arraycopy(args []Value) error {
	if args[0].IsNull() || args[2].IsNull() {
		return NewJavaException("java/lang/NullPointerException", "arraycopy")
	}
	src, ok1 := args[0].Ref.(*JArray)
	dst, ok2 := args[2].Ref.(*JArray)
	if !ok1 || !ok2 {
		return NewJavaException("java/lang/ArrayStoreException", "arraycopy: not an array")
	}
	sp, dp, n := int(args[1].Int), int(args[3].Int), int(args[4].Int)
	if sp < 0 || dp < 0 || n < 0 || sp+n > len(src.Elements) || dp+n > len(dst.Elements) {
		return NewJavaException("java/lang/ArrayIndexOutOfBoundsException", "arraycopy: last source index out of bounds")
	}
	copy(dst.Elements[dp:dp+n], src.Elements[sp:sp+n])
	return nil
}

// callNativeSpecial runs a constructor or super call that resolves into a
// class of the JDK.
func (vm *VM) callNativeSpecial(name, desc string, recv Value, args []Value) (Value, error) {
	if name != "<init>" {
		return vm.callNativeVirtual(name, desc, recv, args)
	}
	switch r := recv.Ref.(type) {
	case *native.StringBuilder:
		if len(args) == 1 {
			if s, ok := args[0].Ref.(string); ok {
				r.Append(s)
			}
		}
	case *JObject:
		if !isInstance(r, "java/lang/Throwable") || len(args) == 0 {
			break
		}
		switch a := args[0].Ref.(type) {
		case string:
			r.Fields[messageField] = RefValue(a)
		case *JObject:
			// Throwable(Throwable cause) uses the cause as the message.
			s, err := vm.refString(args[0])
			if err != nil {
				return Value{}, err
			}
			r.Fields[messageField] = RefValue(s)
			r.Fields["cause"] = RefValue(a)
		}
	}
	return Value{}, nil
}

func (vm *VM) callNativeVirtual(name, desc string, recv Value, args []Value) (Value, error) {
	md, err := vm.methodDescriptor(desc)
	if err != nil {
		return Value{}, err
	}
	owner := refClassName(recv.Ref)
	switch r := recv.Ref.(type) {
	case string:
		if v, ok, err := vm.stringNative(r, name, desc, args); ok || err != nil {
			return v, err
		}
	case *native.PrintStream:
		var s string
		if len(args) == 1 {
			if s, err = vm.stringOf(args[0], md.Parameters[0]); err != nil {
				return Value{}, err
			}
		}
		switch name {
		case "println":
			if len(args) == 0 {
				r.Newline()
			} else {
				r.Println(s)
			}
			return Value{}, nil
		case "print":
			r.Print(s)
			return Value{}, nil
		case "flush":
			return Value{}, nil
		}
	case *native.StringBuilder:
		switch name {
		case "append":
			s, err := vm.stringOf(args[0], md.Parameters[0])
			if err != nil {
				return Value{}, err
			}
			return RefValue(r.Append(s)), nil
		case "toString":
			return RefValue(r.String()), nil
		case "length":
			return IntValue(int32(len(utf16Of(r.String())))), nil
		}
	case *native.Integer:
		switch name {
		case "intValue":
			return IntValue(r.Value), nil
		case "toString":
			return RefValue(r.String()), nil
		case "hashCode":
			return IntValue(r.Value), nil
		case "equals":
			o, ok := args[0].Ref.(*native.Integer)
			return boolValue(ok && o.Value == r.Value), nil
		}
	case *native.HashMap:
		switch name {
		case "get":
			return RefValue(r.Get(args[0].Ref)), nil
		case "put":
			return RefValue(r.Put(args[0].Ref, args[1].Ref)), nil
		case "containsKey":
			return boolValue(r.ContainsKey(args[0].Ref)), nil
		case "remove":
			return RefValue(r.Remove(args[0].Ref)), nil
		case "size":
			return IntValue(r.Size()), nil
		case "isEmpty":
			return boolValue(r.Size() == 0), nil
		}
	case ClassLiteral:
		switch name {
		case "getName":
			return RefValue(javaName(string(r))), nil
		case "getSimpleName":
			n := string(r)
			return RefValue(n[strings.LastIndexByte(n, '/')+1:]), nil
		}
	case *JObject:
		switch name {
		case "getMessage", "getLocalizedMessage":
			if v, ok := r.Fields[messageField]; ok {
				return v, nil
			}
			return NullValue(), nil
		case "getCause":
			if v, ok := r.Fields["cause"]; ok {
				return v, nil
			}
			return NullValue(), nil
		case "getClass":
			return RefValue(ClassLiteral(r.ClassName)), nil
		}
	}

	// java/lang/Object
	switch name + desc {
	case "hashCode()I":
		return IntValue(vm.identityHash(recv.Ref)), nil
	case "equals(Ljava/lang/Object;)Z":
		return boolValue(sameRef(recv, args[0])), nil
	case "toString()Ljava/lang/String;":
		return RefValue(defaultString(recv)), nil
	}
	return Value{}, unsupportedNative(owner, name, desc)
}

// identityHash numbers references in the order they are first hashed.
func (vm *VM) identityHash(ref any) int32 {
	if h, ok := vm.hashes[ref]; ok {
		return h
	}
	h := int32(len(vm.hashes)+1) * 0x61c88647
	vm.hashes[ref] = h
	return h
}

func (vm *VM) stringNative(s, name, desc string, args []Value) (Value, bool, error) {
	arg := func(i int) string {
		a, _ := args[i].Ref.(string)
		if sb, ok := args[i].Ref.(*native.StringBuilder); ok {
			a = sb.String()
		}
		return a
	}
	switch name + desc {
	case "length()I":
		return IntValue(int32(len(utf16Of(s)))), true, nil
	case "isEmpty()Z":
		return boolValue(s == ""), true, nil
	case "charAt(I)C":
		units := utf16Of(s)
		i := args[0].Int
		if i < 0 || int(i) >= len(units) {
			return Value{}, true, NewJavaException("java/lang/StringIndexOutOfBoundsException",
				fmt.Sprintf("index %d, length %d", i, len(units)))
		}
		return IntValue(int32(units[i])), true, nil
	case "equals(Ljava/lang/Object;)Z":
		o, ok := args[0].Ref.(string)
		return boolValue(ok && o == s), true, nil
	case "hashCode()I":
		return IntValue(stringHash(s)), true, nil
	case "toString()Ljava/lang/String;", "intern()Ljava/lang/String;":
		return RefValue(s), true, nil
	case "concat(Ljava/lang/String;)Ljava/lang/String;":
		return RefValue(s + arg(0)), true, nil
	case "contains(Ljava/lang/CharSequence;)Z":
		return boolValue(strings.Contains(s, arg(0))), true, nil
	case "startsWith(Ljava/lang/String;)Z":
		return boolValue(strings.HasPrefix(s, arg(0))), true, nil
	case "endsWith(Ljava/lang/String;)Z":
		return boolValue(strings.HasSuffix(s, arg(0))), true, nil
	case "toUpperCase()Ljava/lang/String;":
		return RefValue(strings.ToUpper(s)), true, nil
	case "toLowerCase()Ljava/lang/String;":
		return RefValue(strings.ToLower(s)), true, nil
	case "trim()Ljava/lang/String;":
		return RefValue(strings.Trim(s, " \t\n\r\f\v\x00")), true, nil
	case "replace(Ljava/lang/CharSequence;Ljava/lang/CharSequence;)Ljava/lang/String;":
		return RefValue(strings.ReplaceAll(s, arg(0), arg(1))), true, nil
	case "substring(I)Ljava/lang/String;", "substring(II)Ljava/lang/String;":
		units := utf16Of(s)
		begin, end := int(args[0].Int), len(units)
		if len(args) == 2 {
			end = int(args[1].Int)
		}
		if begin < 0 || end > len(units) || begin > end {
			return Value{}, true, NewJavaException("java/lang/StringIndexOutOfBoundsException",
				fmt.Sprintf("begin %d, end %d, length %d", begin, end, len(units)))
		}
		return RefValue(string(utf16.Decode(units[begin:end]))), true, nil
	}
	return Value{}, false, nil
}
