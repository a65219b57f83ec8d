// Package vm is a small interpreter for class files. It runs decoded
// method bodies and stands in for the JDK with native implementations of
// the handful of library classes that programs under test use.
package vm

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/tliron/commonlog"

	"github.com/daimatz/classmod/pkg/classfile"
	"github.com/daimatz/classmod/pkg/native"
)

// maxFrameDepth is the maximum number of nested method calls.
const maxFrameDepth = 1024

// VM is the virtual machine that executes Java bytecode. It is not safe
// for concurrent use.
type VM struct {
	Loader ClassLoader
	Stdout io.Writer
	Stderr io.Writer

	log        commonlog.Logger
	classes    map[string]*Class
	descs      map[string]*classfile.MethodDescriptor
	hashes     map[any]int32
	frameDepth int
}

// NewVM creates a VM loading classes from loader.
func NewVM(loader ClassLoader) *VM {
	return &VM{
		Loader:  loader,
		Stdout:  os.Stdout,
		Stderr:  os.Stderr,
		log:     commonlog.GetLogger("classmod.vm"),
		classes: make(map[string]*Class),
		descs:   make(map[string]*classfile.MethodDescriptor),
		hashes:  make(map[any]int32),
	}
}

// isJDKClass reports whether name belongs to the platform, which the VM
// implements natively.
func isJDKClass(name string) bool {
	return strings.HasPrefix(name, "java/") || strings.HasPrefix(name, "jdk/") || strings.HasPrefix(name, "sun/")
}

// LoadClass loads and links a class and its supertypes.
func (vm *VM) LoadClass(name string) (*Class, error) {
	if c, ok := vm.classes[name]; ok {
		return c, nil
	}
	jdk := isJDKClass(name)
	cf, err := vm.Loader.LoadClass(name)
	if err != nil && !jdk {
		vm.log.Debugf("loading %s: %s", name, err)
		return nil, NewJavaException("java/lang/NoClassDefFoundError", name)
	}

	c := &Class{
		Name:    name,
		File:    cf,
		Native:  jdk,
		Statics: make(map[string]Value),
		methods: make(map[string]*Method),
	}
	vm.classes[name] = c

	superName := ""
	if cf != nil {
		superName = cf.SuperClassName()
	} else if s, ok := native.ThrowableSuper(name); ok {
		superName = s
	} else if name != "java/lang/Object" {
		superName = "java/lang/Object"
	}
	if superName != "" {
		if c.Super, err = vm.LoadClass(superName); err != nil {
			delete(vm.classes, name)
			return nil, err
		}
	}
	if cf == nil {
		return c, nil
	}
	for _, iname := range cf.InterfaceNames() {
		i, err := vm.LoadClass(iname)
		if err != nil {
			delete(vm.classes, name)
			return nil, err
		}
		c.Interfaces = append(c.Interfaces, i)
	}
	if jdk {
		return c, nil
	}
	for i := range cf.Methods {
		info := &cf.Methods[i]
		c.methods[info.Name+info.Descriptor] = &Method{Class: c, Info: info, Name: info.Name, Desc: info.Descriptor}
	}
	for _, f := range cf.Fields {
		if f.AccessFlags.IsStatic() {
			c.Statics[f.Name] = zeroValue(f.Descriptor)
		}
	}
	vm.log.Debugf("linked class %s", name)
	return c, nil
}

// initClass runs the static initializers of c and its superclasses once.
func (vm *VM) initClass(c *Class) error {
	if c.state != 0 {
		return nil
	}
	c.state = 1
	if c.Super != nil {
		if err := vm.initClass(c.Super); err != nil {
			return err
		}
	}
	if m := c.declared("<clinit>", "()V"); m != nil {
		if _, err := vm.executeMethod(m, nil); err != nil {
			return err
		}
	}
	c.state = 2
	return nil
}

// Execute finds and executes the main method of the class.
func (vm *VM) Execute(className string) error {
	c, err := vm.LoadClass(className)
	if err != nil {
		return err
	}
	m := c.declared("main", "([Ljava/lang/String;)V")
	if m == nil || !m.IsStatic() {
		return fmt.Errorf("main method not found in %s", className)
	}
	return vm.guard(func() error {
		if err := vm.initClass(c); err != nil {
			return err
		}
		_, err := vm.executeMethod(m, []Value{RefValue(&JArray{Type: "Ljava/lang/String;"})})
		return err
	})
}

// InvokeStatic calls a static method and returns its result.
func (vm *VM) InvokeStatic(className, name, desc string, args ...Value) (Value, error) {
	var ret Value
	err := vm.guard(func() (err error) {
		ret, err = vm.invokeStatic(className, name, desc, args)
		return err
	})
	return ret, err
}

// InvokeVirtual calls an instance method on receiver and returns its result.
func (vm *VM) InvokeVirtual(receiver Value, name, desc string, args ...Value) (Value, error) {
	var ret Value
	err := vm.guard(func() (err error) {
		ret, err = vm.invokeVirtual(name, desc, receiver, args)
		return err
	})
	return ret, err
}

// NewObject allocates an instance of className and runs the constructor
// with descriptor ctorDesc.
func (vm *VM) NewObject(className, ctorDesc string, args ...Value) (Value, error) {
	var obj Value
	err := vm.guard(func() error {
		c, err := vm.LoadClass(className)
		if err != nil {
			return err
		}
		if err := vm.initClass(c); err != nil {
			return err
		}
		obj = vm.allocate(c)
		_, err = vm.invokeSpecial(className, "<init>", ctorDesc, obj, args)
		return err
	})
	return obj, err
}

// guard turns interpreter panics, such as a stack overflow of a frame
// with a wrong max stack, into errors.
func (vm *VM) guard(fn func() error) (err error) {
	depth := vm.frameDepth
	defer func() {
		if r := recover(); r != nil {
			vm.frameDepth = depth
			err = fmt.Errorf("vm: %v", r)
		}
	}()
	return fn()
}

func (vm *VM) methodDescriptor(desc string) (*classfile.MethodDescriptor, error) {
	if md, ok := vm.descs[desc]; ok {
		return md, nil
	}
	md, err := classfile.ParseMethodDescriptor(desc)
	if err != nil {
		return nil, err
	}
	vm.descs[desc] = md
	return md, nil
}

// executeMethod executes a method with the given arguments and returns its return value.
// Instance methods receive the receiver as the first argument.
func (vm *VM) executeMethod(method *Method, args []Value) (Value, error) {
	code, err := method.Code()
	if err != nil {
		return Value{}, err
	}

	vm.frameDepth++
	defer func() { vm.frameDepth-- }()
	if vm.frameDepth > maxFrameDepth {
		return Value{}, NewJavaException("java/lang/StackOverflowError", "")
	}

	frame := NewFrame(code.MaxLocals, code.MaxStack, method)
	slot := 0
	for _, arg := range args {
		frame.SetLocal(slot, arg)
		slot++
		if arg.wide() {
			slot++
		}
	}

	for frame.PC < len(code.Insns) {
		in := code.Insns[frame.PC]
		frame.PC++
		if !in.IsOp() {
			continue
		}

		retVal, hasReturn, err := vm.executeInstruction(frame, in)
		if err != nil {
			var jex *JavaException
			if !errors.As(err, &jex) {
				return Value{}, fmt.Errorf("%s: %s: %w", method, in.Op, err)
			}
			if !vm.catch(frame, jex) {
				return Value{}, jex
			}
			continue
		}
		if hasReturn {
			return retVal, nil
		}
	}

	// Fell off the end of the method (implicit return for void methods)
	return Value{}, nil
}

// catch transfers control to the first handler covering the instruction
// that threw jex, and reports whether there was one.
func (vm *VM) catch(frame *Frame, jex *JavaException) bool {
	code := frame.Method.code
	pc := frame.PC - 1
	for _, h := range code.Handlers {
		start, end := frame.Method.labels[h.Start], frame.Method.labels[h.End]
		if pc < start || pc >= end || !isInstance(jex.Object, h.Type) {
			continue
		}
		frame.SP = 0
		frame.Push(RefValue(jex.Object))
		return frame.jump(h.Handler) == nil
	}
	return false
}
