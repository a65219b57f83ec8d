package structure

import (
	"fmt"
	"sync"

	"github.com/daimatz/classmod/pkg/bytecode"
	"github.com/daimatz/classmod/pkg/classfile"
)

// ClassStructure is the parsed shape of one loaded class. It is built once
// per load and must not be modified afterwards.
type ClassStructure struct {
	Name       string
	Super      string // empty for java/lang/Object
	Interfaces []string
	Access     classfile.AccessFlags
	Version    uint16

	Methods []*Method
	Fields  []Field

	// Strings holds every CONSTANT_String of the constant pool in pool
	// order.
	Strings []string

	file *classfile.ClassFile
}

// Field is a declared field.
type Field struct {
	Name   string
	Type   string
	Access classfile.AccessFlags
}

// Method is a declared method. Its instructions are decoded on first use.
type Method struct {
	Desc MethodDesc

	file *classfile.ClassFile
	info *classfile.MethodInfo

	once  sync.Once
	code  *bytecode.Code
	err   error
	calls []MethodDesc
	strs  []string
}

// Parse builds the structure of the class in b.
func Parse(b []byte) (*ClassStructure, error) {
	cf, err := classfile.ParseBytes(b)
	if err != nil {
		return nil, err
	}
	return FromFile(cf)
}

// FromFile builds the structure of a parsed class. cf must not be modified
// while the structure is in use.
func FromFile(cf *classfile.ClassFile) (*ClassStructure, error) {
	name, err := cf.ClassName()
	if err != nil {
		return nil, fmt.Errorf("class name: %w", err)
	}
	cs := &ClassStructure{
		Name:       name,
		Super:      cf.SuperClassName(),
		Interfaces: cf.InterfaceNames(),
		Access:     cf.AccessFlags,
		Version:    cf.MajorVersion,
		file:       cf,
	}
	for _, entry := range cf.ConstantPool {
		if s, ok := entry.(*classfile.ConstantString); ok {
			v, err := classfile.GetUtf8(cf.ConstantPool, s.StringIndex)
			if err != nil {
				return nil, fmt.Errorf("string constant: %w", err)
			}
			cs.Strings = append(cs.Strings, v)
		}
	}
	for _, f := range cf.Fields {
		cs.Fields = append(cs.Fields, Field{Name: f.Name, Type: f.Descriptor, Access: f.AccessFlags})
	}
	for i := range cf.Methods {
		m := &cf.Methods[i]
		cs.Methods = append(cs.Methods, &Method{
			Desc: MethodDesc{Owner: name, Name: m.Name, Type: m.Descriptor, Access: AccessOf(m.AccessFlags)},
			file: cf,
			info: m,
		})
	}
	return cs, nil
}

// File returns the parsed class the structure was built from. It must be
// treated as read-only.
func (c *ClassStructure) File() *classfile.ClassFile {
	return c.file
}

// IsInterface reports whether the class is an interface.
func (c *ClassStructure) IsInterface() bool {
	return c.Access.IsInterface()
}

// Implements reports whether iface is among the directly implemented
// interfaces.
func (c *ClassStructure) Implements(iface string) bool {
	for _, name := range c.Interfaces {
		if name == iface {
			return true
		}
	}
	return false
}

// HasString reports whether the constant pool contains the string s.
func (c *ClassStructure) HasString(s string) bool {
	for _, v := range c.Strings {
		if v == s {
			return true
		}
	}
	return false
}

// Method returns the first declared method matching q, or nil.
func (c *ClassStructure) Method(q MethodDesc) *Method {
	for _, m := range c.Methods {
		if q.Matches(m.Desc) {
			return m
		}
	}
	return nil
}

// Field returns the declared field named name, or nil.
func (c *ClassStructure) Field(name string) *Field {
	for i := range c.Fields {
		if c.Fields[i].Name == name {
			return &c.Fields[i]
		}
	}
	return nil
}

// HasCode reports whether the method has a body.
func (m *Method) HasCode() bool {
	return m.info.Code != nil
}

// Code returns the decoded instructions of the method. The result is
// shared and must not be modified.
func (m *Method) Code() (*bytecode.Code, error) {
	m.once.Do(m.decode)
	return m.code, m.err
}

// Calls returns the call sites of the method in instruction order. A
// method without code, or whose code does not decode, calls nothing.
func (m *Method) Calls() []MethodDesc {
	m.once.Do(m.decode)
	return m.calls
}

// Strings returns the string literals the method loads with ldc.
func (m *Method) Strings() []string {
	m.once.Do(m.decode)
	return m.strs
}

func (m *Method) decode() {
	if m.info.Code == nil {
		return
	}
	m.code, m.err = bytecode.Decode(m.file, m.info)
	if m.err != nil {
		return
	}
	for _, in := range m.code.Insns {
		if !in.IsOp() {
			continue
		}
		switch {
		case in.Op.IsInvoke() && in.Member != nil:
			m.calls = append(m.calls, CallSite(in.Member))
		case in.Op == bytecode.OpLdc:
			if s, ok := in.Const.(string); ok {
				m.strs = append(m.strs, s)
			}
		}
	}
}

// CallSite returns the descriptor of the method an invoke instruction
// refers to.
func CallSite(member *bytecode.Member) MethodDesc {
	return MethodDesc{Owner: member.Owner, Name: member.Name, Type: member.Desc}
}
