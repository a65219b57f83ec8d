package vm

import (
	"fmt"
	"strings"
	"sync"

	"github.com/daimatz/classmod/pkg/bytecode"
	"github.com/daimatz/classmod/pkg/classfile"
)

// Class is a loaded and linked class. Classes under java/ and jdk/ are
// never interpreted: their behavior comes from the natives, and File is
// only used for the hierarchy when the loader has it.
type Class struct {
	Name       string
	File       *classfile.ClassFile
	Super      *Class
	Interfaces []*Class
	Native     bool

	Statics map[string]Value
	// state is 0 before <clinit> runs, 1 while it runs and 2 after.
	state   int
	methods map[string]*Method
}

// IsInterface reports whether c is an interface.
func (c *Class) IsInterface() bool {
	return c.File != nil && c.File.AccessFlags.IsInterface()
}

// declared returns the method declared by c itself.
func (c *Class) declared(name, desc string) *Method {
	return c.methods[name+desc]
}

// FindMethod looks name and desc up in c and its superclasses, then in
// the superinterfaces for default methods.
func (c *Class) FindMethod(name, desc string) *Method {
	for k := c; k != nil; k = k.Super {
		if m := k.declared(name, desc); m != nil {
			return m
		}
	}
	for k := c; k != nil; k = k.Super {
		for _, i := range k.Interfaces {
			if m := i.FindMethod(name, desc); m != nil && !m.IsAbstract() {
				return m
			}
		}
	}
	return nil
}

// IsSubclassOf reports whether c is name or inherits from it.
func (c *Class) IsSubclassOf(name string) bool {
	if c == nil {
		return false
	}
	if c.Name == name {
		return true
	}
	if c.Super.IsSubclassOf(name) {
		return true
	}
	for _, i := range c.Interfaces {
		if i.IsSubclassOf(name) {
			return true
		}
	}
	return false
}

// Method is a method of a loaded class. Its body is decoded on first call.
type Method struct {
	Class *Class
	Info  *classfile.MethodInfo
	Name  string
	Desc  string

	once   sync.Once
	code   *bytecode.Code
	labels map[*bytecode.Label]int
	err    error
}

func (m *Method) IsStatic() bool   { return m.Info.AccessFlags.IsStatic() }
func (m *Method) IsAbstract() bool { return m.Info.AccessFlags.IsAbstract() }

func (m *Method) String() string {
	return m.Class.Name + "." + m.Name + m.Desc
}

// Code decodes the method body and indexes its labels.
func (m *Method) Code() (*bytecode.Code, error) {
	m.once.Do(func() {
		if m.Info.Code == nil {
			m.err = fmt.Errorf("method %s has no Code attribute", m)
			return
		}
		m.code, m.err = bytecode.Decode(m.Class.File, m.Info)
		if m.err != nil {
			return
		}
		m.labels = make(map[*bytecode.Label]int)
		for i, in := range m.code.Insns {
			if in.Kind == bytecode.KindLabel {
				m.labels[in.Label] = i
			}
		}
	})
	return m.code, m.err
}

// JObject represents a JVM object instance.
type JObject struct {
	ClassName string
	Class     *Class
	Fields    map[string]Value
	// Native holds the Go state of natively implemented classes, such as
	// the builder of a StringBuilder.
	Native any
}

func newObject(c *Class) *JObject {
	obj := &JObject{ClassName: c.Name, Class: c, Fields: make(map[string]Value)}
	for k := c; k != nil; k = k.Super {
		if k.File == nil || k.Native {
			continue
		}
		for _, f := range k.File.Fields {
			if f.AccessFlags.IsStatic() {
				continue
			}
			if _, ok := obj.Fields[f.Name]; !ok {
				obj.Fields[f.Name] = zeroValue(f.Descriptor)
			}
		}
	}
	return obj
}

func (o *JObject) String() string {
	return fmt.Sprintf("%s@%p", strings.ReplaceAll(o.ClassName, "/", "."), o)
}

// JArray represents a JVM array. Type is the element descriptor.
type JArray struct {
	Type     string
	Elements []Value
}

// zeroValue is the default value of a field or array element of type desc.
func zeroValue(desc string) Value {
	switch desc {
	case "J":
		return LongValue(0)
	case "F":
		return FloatValue(0)
	case "D":
		return DoubleValue(0)
	case "I", "Z", "B", "C", "S":
		return IntValue(0)
	}
	return NullValue()
}

// newarrayTypes maps newarray type codes to element descriptors.
var newarrayTypes = map[int32]string{
	4: "Z", 5: "C", 6: "F", 7: "D", 8: "B", 9: "S", 10: "I", 11: "J",
}

func newArray(elem string, n int) *JArray {
	arr := &JArray{Type: elem, Elements: make([]Value, n)}
	zero := zeroValue(elem)
	for i := range arr.Elements {
		arr.Elements[i] = zero
	}
	return arr
}

// newMultiArray allocates the array of type desc with the given
// dimensions. Dimensions not given are left null.
func newMultiArray(desc string, dims []Value) (*JArray, error) {
	if len(dims) == 0 || !strings.HasPrefix(desc, "[") {
		return nil, fmt.Errorf("multianewarray: bad type %s", desc)
	}
	n := dims[0].Int
	if n < 0 {
		return nil, NewJavaException("java/lang/NegativeArraySizeException", fmt.Sprint(n))
	}
	arr := newArray(desc[1:], int(n))
	if len(dims) > 1 {
		for i := range arr.Elements {
			sub, err := newMultiArray(desc[1:], dims[1:])
			if err != nil {
				return nil, err
			}
			arr.Elements[i] = RefValue(sub)
		}
	}
	return arr, nil
}

// classDescriptor is the element descriptor of an anewarray class operand.
func classDescriptor(class string) string {
	if strings.HasPrefix(class, "[") {
		return class
	}
	return "L" + class + ";"
}

func arrayRef(ref Value, index int32) (*JArray, error) {
	if ref.IsNull() {
		return nil, NewJavaException("java/lang/NullPointerException", "array is null")
	}
	arr, ok := ref.Ref.(*JArray)
	if !ok {
		return nil, fmt.Errorf("not an array: %v", ref)
	}
	if index < 0 || int(index) >= len(arr.Elements) {
		return nil, NewJavaException("java/lang/ArrayIndexOutOfBoundsException",
			fmt.Sprintf("Index %d out of bounds for length %d", index, len(arr.Elements)))
	}
	return arr, nil
}

// narrow truncates an int stored into a byte, char, short or boolean array.
func narrow(elem string, v Value) Value {
	switch elem {
	case "B":
		return IntValue(int32(int8(v.Int)))
	case "Z":
		return IntValue(v.Int & 1)
	case "C":
		return IntValue(int32(uint16(v.Int)))
	case "S":
		return IntValue(int32(int16(v.Int)))
	}
	return v
}

func javaName(internal string) string {
	return strings.ReplaceAll(internal, "/", ".")
}
