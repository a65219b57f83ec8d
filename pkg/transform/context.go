package transform

import (
	"fmt"

	"github.com/daimatz/classmod/pkg/bytecode"
	"github.com/daimatz/classmod/pkg/classfile"
	"github.com/daimatz/classmod/pkg/match"
	"github.com/daimatz/classmod/pkg/structure"
)

// ClassContext is a class being rewritten. File is a private copy of the
// class that transforms edit; Structure describes the class as loaded.
type ClassContext struct {
	File      *classfile.ClassFile
	Structure *structure.ClassStructure

	methods []*MethodContext
	changed bool
}

// NewClassContext pairs a copy of a class with its structure. Both must be
// built from the same bytes so that methods line up.
func NewClassContext(cf *classfile.ClassFile, cs *structure.ClassStructure) (*ClassContext, error) {
	if len(cf.Methods) != len(cs.Methods) {
		return nil, fmt.Errorf("class %s: %d methods, structure has %d", cs.Name, len(cf.Methods), len(cs.Methods))
	}
	return &ClassContext{
		File:      cf,
		Structure: cs,
		methods:   make([]*MethodContext, len(cs.Methods)),
	}, nil
}

// Method returns the context of the i-th declared method, decoding its
// body on first use.
func (c *ClassContext) Method(i int) (*MethodContext, error) {
	if i < 0 || i >= len(c.methods) {
		return nil, fmt.Errorf("method index %d out of range", i)
	}
	if m := c.methods[i]; m != nil {
		return m, nil
	}
	m := &MethodContext{Class: c, Desc: c.Structure.Methods[i].Desc, index: i}
	if info := m.Info(); info.Code != nil {
		code, err := bytecode.Decode(c.File, info)
		if err != nil {
			return nil, err
		}
		m.Code = code
	}
	c.methods[i] = m
	return m, nil
}

// Methods returns the contexts of the declared methods on matches, in
// declaration order.
func (c *ClassContext) Methods(on match.MethodMatcher) ([]*MethodContext, error) {
	var out []*MethodContext
	for i, sm := range c.Structure.Methods {
		if on == nil || !on.Match(sm.Desc) {
			continue
		}
		m, err := c.Method(i)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// MarkChanged records an edit of File outside method bodies, such as an
// added field.
func (c *ClassContext) MarkChanged() {
	c.changed = true
}

// Dirty reports whether anything in the class was edited.
func (c *ClassContext) Dirty() bool {
	return c.changed || len(c.Changed()) > 0
}

// Changed returns the methods marked changed, in declaration order.
func (c *ClassContext) Changed() []*MethodContext {
	var out []*MethodContext
	for _, m := range c.methods {
		if m != nil && m.edits > 0 {
			out = append(out, m)
		}
	}
	return out
}

// MethodContext is one method being rewritten. Code is nil for abstract
// and native methods until a body is installed.
type MethodContext struct {
	Class *ClassContext
	Desc  structure.MethodDesc
	Code  *bytecode.Code

	index int
	edits int
}

// Info returns the method in the class being rewritten.
func (m *MethodContext) Info() *classfile.MethodInfo {
	return &m.Class.File.Methods[m.index]
}

// MarkChanged records that Code was edited and must be encoded.
func (m *MethodContext) MarkChanged() {
	m.edits++
}

// Changed reports whether the method has been edited.
func (m *MethodContext) Changed() bool {
	return m.edits > 0
}

// Edits returns the number of edits made so far. Comparing it before and
// after a rewrite step tells whether the step changed anything.
func (m *MethodContext) Edits() int {
	return m.edits
}

// SetBody installs code as the method body, making an abstract or native
// method concrete.
func (m *MethodContext) SetBody(code *bytecode.Code) {
	info := m.Info()
	info.AccessFlags &^= classfile.AccAbstract | classfile.AccNative
	m.Code = code
	m.edits++
}

// Splice replaces n instructions at index i with a copy of snippet whose
// labels are fresh in the method. It returns the index after the inserted
// instructions.
func (m *MethodContext) Splice(i, n int, snippet []*bytecode.Insn) int {
	insns := m.Code.Relabel(snippet)
	tail := append(insns, m.Code.Insns[i+n:]...)
	m.Code.Insns = append(m.Code.Insns[:i], tail...)
	m.edits++
	return i + len(insns)
}
