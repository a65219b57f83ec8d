package vm

import (
	"fmt"
	"strings"

	"github.com/daimatz/classmod/pkg/bytecode"
	"github.com/daimatz/classmod/pkg/classfile"
	"github.com/daimatz/classmod/pkg/native"
)

func noSuchMethod(owner, name, desc string) error {
	return NewJavaException("java/lang/NoSuchMethodError", javaName(owner)+"."+name+desc)
}

func nullReceiver(name string) error {
	return NewJavaException("java/lang/NullPointerException",
		fmt.Sprintf("Cannot invoke \"%s()\" because value is null", name))
}

// executeInvoke handles invokestatic, invokespecial, invokevirtual and
// invokeinterface.
func (vm *VM) executeInvoke(frame *Frame, in *bytecode.Insn) (Value, bool, error) {
	m := in.Member
	md, err := vm.methodDescriptor(m.Desc)
	if err != nil {
		return Value{}, false, err
	}
	args := frame.PopN(len(md.Parameters))

	var ret Value
	switch in.Op {
	case bytecode.OpInvokestatic:
		ret, err = vm.invokeStatic(m.Owner, m.Name, m.Desc, args)
	case bytecode.OpInvokespecial:
		ret, err = vm.invokeSpecial(m.Owner, m.Name, m.Desc, frame.Pop(), args)
	default:
		ret, err = vm.invokeVirtual(m.Name, m.Desc, frame.Pop(), args)
	}
	if err != nil {
		return Value{}, false, err
	}
	if md.Return != nil {
		frame.Push(ret)
	}
	return Value{}, false, nil
}

func (vm *VM) invokeStatic(owner, name, desc string, args []Value) (Value, error) {
	c, err := vm.LoadClass(owner)
	if err != nil {
		return Value{}, err
	}
	if c.Native {
		return vm.callNativeStatic(owner, name, desc, args)
	}
	if err := vm.initClass(c); err != nil {
		return Value{}, err
	}
	m := c.FindMethod(name, desc)
	if m == nil || !m.IsStatic() {
		return Value{}, noSuchMethod(owner, name, desc)
	}
	return vm.executeMethod(m, args)
}

// invokeSpecial calls constructors, private methods and super methods
// without virtual dispatch.
func (vm *VM) invokeSpecial(owner, name, desc string, recv Value, args []Value) (Value, error) {
	if recv.IsNull() {
		return Value{}, nullReceiver(name)
	}
	c, err := vm.LoadClass(owner)
	if err != nil {
		return Value{}, err
	}
	if m := c.FindMethod(name, desc); m != nil {
		return vm.executeMethod(m, append([]Value{recv}, args...))
	}
	// Every class ends in a native ancestor, at least java/lang/Object.
	return vm.callNativeSpecial(name, desc, recv, args)
}

// invokeVirtual dispatches on the runtime class of recv. Receivers that are
// not interpreted objects, or that do not declare the method, go to the
// natives.
func (vm *VM) invokeVirtual(name, desc string, recv Value, args []Value) (Value, error) {
	if recv.IsNull() {
		return Value{}, nullReceiver(name)
	}
	if obj, ok := recv.Ref.(*JObject); ok && obj.Class != nil {
		if m := obj.Class.FindMethod(name, desc); m != nil {
			if m.IsAbstract() {
				return Value{}, NewJavaException("java/lang/AbstractMethodError", m.String())
			}
			return vm.executeMethod(m, append([]Value{recv}, args...))
		}
	}
	return vm.callNativeVirtual(name, desc, recv, args)
}

// allocate creates an uninitialized instance of c.
func (vm *VM) allocate(c *Class) Value {
	switch c.Name {
	case "java/lang/StringBuilder", "java/lang/StringBuffer":
		return RefValue(&native.StringBuilder{})
	case "java/util/HashMap":
		return RefValue(native.NewHashMap())
	}
	return RefValue(newObject(c))
}

// isInstanceOf implements checkcast and instanceof for any reference.
func (vm *VM) isInstanceOf(ref any, className string) bool {
	if className == "java/lang/Object" {
		return true
	}
	switch r := ref.(type) {
	case *JObject:
		return isInstance(r, className)
	case *JArray:
		if !strings.HasPrefix(className, "[") {
			return className == "java/lang/Cloneable" || className == "java/io/Serializable"
		}
		desc := "[" + r.Type
		if desc == className {
			return true
		}
		return className == "[Ljava/lang/Object;" && (strings.HasPrefix(r.Type, "L") || strings.HasPrefix(r.Type, "["))
	}
	for _, name := range nativeSupertypes(ref) {
		if name == className {
			return true
		}
	}
	return false
}

func refClassName(ref any) string {
	switch r := ref.(type) {
	case *JObject:
		return r.ClassName
	case *JArray:
		return "[" + r.Type
	}
	if names := nativeSupertypes(ref); len(names) > 0 {
		return names[0]
	}
	return fmt.Sprintf("%T", ref)
}

// executeInvokedynamic supports the string concatenation bootstraps.
func (vm *VM) executeInvokedynamic(frame *Frame, in *bytecode.Insn) (Value, bool, error) {
	cf := frame.Method.Class.File
	if int(in.Indy.Bootstrap) >= len(cf.BootstrapMethods) {
		return Value{}, false, fmt.Errorf("invokedynamic: bootstrap method %d out of range", in.Indy.Bootstrap)
	}
	bsm := cf.BootstrapMethods[in.Indy.Bootstrap]
	_, ref, err := classfile.ResolveMethodHandle(cf.ConstantPool, bsm.MethodRef)
	if err != nil {
		return Value{}, false, fmt.Errorf("invokedynamic: %w", err)
	}
	md, err := vm.methodDescriptor(in.Indy.Desc)
	if err != nil {
		return Value{}, false, err
	}
	args := frame.PopN(len(md.Parameters))

	if ref.ClassName != "java/lang/invoke/StringConcatFactory" {
		return Value{}, false, fmt.Errorf("invokedynamic: unsupported bootstrap %s.%s", ref.ClassName, ref.MethodName)
	}

	var sb strings.Builder
	switch ref.MethodName {
	case "makeConcatWithConstants":
		if len(bsm.BootstrapArguments) == 0 {
			return Value{}, false, fmt.Errorf("invokedynamic: missing concat recipe")
		}
		recipe, err := classfile.GetString(cf.ConstantPool, bsm.BootstrapArguments[0])
		if err != nil {
			return Value{}, false, fmt.Errorf("invokedynamic: recipe: %w", err)
		}
		consts := bsm.BootstrapArguments[1:]
		ai, ci := 0, 0
		for _, r := range recipe {
			switch r {
			case '\u0001':
				if ai >= len(args) {
					return Value{}, false, fmt.Errorf("invokedynamic: recipe %q needs more arguments", recipe)
				}
				s, err := vm.stringOf(args[ai], md.Parameters[ai])
				if err != nil {
					return Value{}, false, err
				}
				sb.WriteString(s)
				ai++
			case '\u0002':
				if ci >= len(consts) {
					return Value{}, false, fmt.Errorf("invokedynamic: recipe %q needs more constants", recipe)
				}
				s, err := classfile.GetString(cf.ConstantPool, consts[ci])
				if err != nil {
					return Value{}, false, fmt.Errorf("invokedynamic: constant: %w", err)
				}
				sb.WriteString(s)
				ci++
			default:
				sb.WriteRune(r)
			}
		}
	case "makeConcat":
		for i, a := range args {
			s, err := vm.stringOf(a, md.Parameters[i])
			if err != nil {
				return Value{}, false, err
			}
			sb.WriteString(s)
		}
	default:
		return Value{}, false, fmt.Errorf("invokedynamic: unsupported bootstrap %s.%s", ref.ClassName, ref.MethodName)
	}
	frame.Push(RefValue(sb.String()))
	return Value{}, false, nil
}
