// Package testclass assembles small class files for tests.
package testclass

import (
	"testing"

	"github.com/daimatz/classmod/pkg/bytecode"
	"github.com/daimatz/classmod/pkg/classfile"
)

// Class returns a public class extending java/lang/Object.
func Class(name string, interfaces ...string) *classfile.ClassFile {
	return classfile.New(name, "java/lang/Object", classfile.AccPublic|classfile.AccSuper, interfaces...)
}

// Method adds a method with the body built by b.
func Method(t testing.TB, cf *classfile.ClassFile, access classfile.AccessFlags, name, desc string, b *bytecode.Builder) {
	t.Helper()
	m := cf.AddMethod(access, name, desc)
	if err := bytecode.Encode(cf, m, b.Code(), false); err != nil {
		t.Fatalf("encoding %s%s: %v", name, desc, err)
	}
}

// Init adds a no-argument constructor that calls the super constructor.
func Init(t testing.TB, cf *classfile.ClassFile) {
	t.Helper()
	b := bytecode.NewBuilder().
		Load('A', 0).
		Invoke(bytecode.OpInvokespecial, cf.SuperClassName(), "<init>", "()V").
		Return('V')
	Method(t, cf, classfile.AccPublic, "<init>", "()V", b)
}

// Bytes serializes cf.
func Bytes(t testing.TB, cf *classfile.ClassFile) []byte {
	t.Helper()
	b, err := cf.Bytes()
	if err != nil {
		t.Fatalf("writing class: %v", err)
	}
	return b
}

// ConcatBootstrap adds a StringConcatFactory.makeConcatWithConstants
// bootstrap method with the given recipe and returns its index.
func ConcatBootstrap(cf *classfile.ClassFile, recipe string, constants ...string) uint16 {
	ref := cf.AddMethodref("java/lang/invoke/StringConcatFactory", "makeConcatWithConstants",
		"(Ljava/lang/invoke/MethodHandles$Lookup;Ljava/lang/String;Ljava/lang/invoke/MethodType;Ljava/lang/String;[Ljava/lang/Object;)Ljava/lang/invoke/CallSite;", false)
	args := []uint16{cf.AddString(recipe)}
	for _, c := range constants {
		args = append(args, cf.AddString(c))
	}
	return cf.AddBootstrapMethod(cf.AddMethodHandle(classfile.RefInvokeStatic, ref), args)
}
