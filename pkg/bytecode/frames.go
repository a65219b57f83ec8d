package bytecode

import (
	"encoding/binary"
	"fmt"

	"github.com/daimatz/classmod/pkg/classfile"
)

// Verification type tags.
const (
	TagTop               uint8 = 0
	TagInteger           uint8 = 1
	TagFloat             uint8 = 2
	TagDouble            uint8 = 3
	TagLong              uint8 = 4
	TagNull              uint8 = 5
	TagUninitializedThis uint8 = 6
	TagObject            uint8 = 7
	TagUninitialized     uint8 = 8
)

// VType is a verification type. Class is set for TagObject and Label, the
// position of the creating new instruction, for TagUninitialized.
type VType struct {
	Tag   uint8
	Class string
	Label *Label
}

func (v VType) equal(o VType) bool {
	return v.Tag == o.Tag && v.Class == o.Class && v.Label == o.Label
}

func (v VType) String() string {
	switch v.Tag {
	case TagTop:
		return "top"
	case TagInteger:
		return "int"
	case TagFloat:
		return "float"
	case TagDouble:
		return "double"
	case TagLong:
		return "long"
	case TagNull:
		return "null"
	case TagUninitializedThis:
		return "uninitializedThis"
	case TagObject:
		return v.Class
	case TagUninitialized:
		return "uninitialized(" + v.Label.String() + ")"
	}
	return fmt.Sprintf("tag(%d)", v.Tag)
}

// Frame is a stack map frame in expanded form. Long and double take a
// single entry, as in the class file.
type Frame struct {
	Locals []VType
	Stack  []VType
}

func (f *Frame) clone(remap func(*Label) *Label) *Frame {
	cp := &Frame{
		Locals: make([]VType, len(f.Locals)),
		Stack:  make([]VType, len(f.Stack)),
	}
	for i, v := range f.Locals {
		v.Label = remap(v.Label)
		cp.Locals[i] = v
	}
	for i, v := range f.Stack {
		v.Label = remap(v.Label)
		cp.Stack[i] = v
	}
	return cp
}

// slots returns the number of local slots a locals list spans.
func slots(locals []VType) int {
	n := 0
	for _, v := range locals {
		n++
		if v.Tag == TagLong || v.Tag == TagDouble {
			n++
		}
	}
	return n
}

// vtypeOf returns the verification type of a value of field type ft.
func vtypeOf(ft classfile.FieldType) VType {
	switch ft.Kind() {
	case 'J':
		return VType{Tag: TagLong}
	case 'F':
		return VType{Tag: TagFloat}
	case 'D':
		return VType{Tag: TagDouble}
	case 'A':
		return VType{Tag: TagObject, Class: ft.InternalName()}
	}
	return VType{Tag: TagInteger}
}

// InitialFrame returns the implicit frame at method entry.
func InitialFrame(owner string, m *classfile.MethodInfo) (*Frame, error) {
	md, err := classfile.ParseMethodDescriptor(m.Descriptor)
	if err != nil {
		return nil, err
	}
	f := &Frame{}
	if !m.AccessFlags.IsStatic() {
		if m.Name == "<init>" && owner != "java/lang/Object" {
			f.Locals = append(f.Locals, VType{Tag: TagUninitializedThis})
		} else {
			f.Locals = append(f.Locals, VType{Tag: TagObject, Class: owner})
		}
	}
	for _, p := range md.Parameters {
		f.Locals = append(f.Locals, vtypeOf(p))
	}
	return f, nil
}

type frameReader struct {
	data []byte
	pos  int
	err  error
}

func (r *frameReader) u1() uint8 {
	if r.err != nil {
		return 0
	}
	if r.pos+1 > len(r.data) {
		r.err = fmt.Errorf("StackMapTable truncated at %d", r.pos)
		return 0
	}
	v := r.data[r.pos]
	r.pos++
	return v
}

func (r *frameReader) u2() uint16 {
	if r.err != nil {
		return 0
	}
	if r.pos+2 > len(r.data) {
		r.err = fmt.Errorf("StackMapTable truncated at %d", r.pos)
		return 0
	}
	v := binary.BigEndian.Uint16(r.data[r.pos:])
	r.pos += 2
	return v
}

// decodeFrames parses a StackMapTable into frames keyed by code offset.
// label returns the label placed at an offset.
func decodeFrames(data []byte, pool []classfile.ConstantPoolEntry, initial *Frame, label func(int) *Label) (map[int]*Frame, error) {
	r := &frameReader{data: data}
	vtype := func() VType {
		v := VType{Tag: r.u1()}
		switch v.Tag {
		case TagObject:
			idx := r.u2()
			if r.err != nil {
				return v
			}
			name, err := classfile.GetClassName(pool, idx)
			if err != nil {
				r.err = fmt.Errorf("frame object type: %w", err)
			}
			v.Class = name
		case TagUninitialized:
			v.Label = label(int(r.u2()))
		case TagTop, TagInteger, TagFloat, TagDouble, TagLong, TagNull, TagUninitializedThis:
		default:
			if r.err == nil {
				r.err = fmt.Errorf("invalid verification type tag %d", v.Tag)
			}
		}
		return v
	}
	vtypes := func(n int) []VType {
		out := make([]VType, 0, n)
		for i := 0; i < n && r.err == nil; i++ {
			out = append(out, vtype())
		}
		return out
	}

	frames := make(map[int]*Frame)
	n := int(r.u2())
	offset := -1
	locals := initial.Locals
	for i := 0; i < n && r.err == nil; i++ {
		typ := r.u1()
		var delta int
		f := &Frame{}
		switch {
		case typ < 64:
			delta = int(typ)
			f.Locals = locals
		case typ < 128:
			delta = int(typ - 64)
			f.Locals = locals
			f.Stack = vtypes(1)
		case typ == 247:
			delta = int(r.u2())
			f.Locals = locals
			f.Stack = vtypes(1)
		case typ >= 248 && typ <= 250:
			delta = int(r.u2())
			k := int(251 - typ)
			if k > len(locals) {
				return nil, fmt.Errorf("chop frame removes %d of %d locals", k, len(locals))
			}
			f.Locals = locals[:len(locals)-k]
		case typ == 251:
			delta = int(r.u2())
			f.Locals = locals
		case typ >= 252 && typ <= 254:
			delta = int(r.u2())
			added := vtypes(int(typ - 251))
			f.Locals = append(append([]VType(nil), locals...), added...)
		case typ == 255:
			delta = int(r.u2())
			f.Locals = vtypes(int(r.u2()))
			f.Stack = vtypes(int(r.u2()))
		default:
			return nil, fmt.Errorf("reserved frame type %d", typ)
		}
		offset += delta + 1
		locals = f.Locals
		f.Locals = append([]VType(nil), f.Locals...)
		frames[offset] = f
	}
	if r.err != nil {
		return nil, r.err
	}
	return frames, nil
}

type offsetFrame struct {
	offset int
	frame  *Frame
}

// encodeFrames builds StackMapTable data. Frames must be sorted by offset.
// With expand set every frame is written as a full_frame.
func encodeFrames(cf *classfile.ClassFile, frames []offsetFrame, initial *Frame, offsetOf func(*Label) (int, error), expand bool) ([]byte, error) {
	var out []byte
	u1 := func(v uint8) { out = append(out, v) }
	u2 := func(v uint16) { out = append(out, byte(v>>8), byte(v)) }
	var encErr error
	vtype := func(v VType) {
		u1(v.Tag)
		switch v.Tag {
		case TagObject:
			u2(cf.AddClass(v.Class))
		case TagUninitialized:
			off, err := offsetOf(v.Label)
			if err != nil && encErr == nil {
				encErr = err
			}
			u2(uint16(off))
		}
	}

	u2(uint16(len(frames)))
	prevOffset := -1
	prev := initial.Locals
	for _, of := range frames {
		f := of.frame
		delta := of.offset - prevOffset - 1
		if delta < 0 || delta > 0xFFFF {
			return nil, fmt.Errorf("invalid frame offset %d", of.offset)
		}
		prevOffset = of.offset

		if !expand {
			if encodeCompact(f, prev, delta, u1, u2, vtype) {
				prev = f.Locals
				continue
			}
		}
		u1(255)
		u2(uint16(delta))
		u2(uint16(len(f.Locals)))
		for _, v := range f.Locals {
			vtype(v)
		}
		u2(uint16(len(f.Stack)))
		for _, v := range f.Stack {
			vtype(v)
		}
		prev = f.Locals
	}
	if encErr != nil {
		return nil, encErr
	}
	return out, nil
}

// encodeCompact writes f in the smallest form relative to the previous
// locals, reporting false when only a full_frame can express it.
func encodeCompact(f *Frame, prev []VType, delta int, u1 func(uint8), u2 func(uint16), vtype func(VType)) bool {
	sameLocals := equalVTypes(f.Locals, prev)
	switch {
	case sameLocals && len(f.Stack) == 0:
		if delta < 64 {
			u1(uint8(delta))
		} else {
			u1(251)
			u2(uint16(delta))
		}
		return true
	case sameLocals && len(f.Stack) == 1:
		if delta < 64 {
			u1(uint8(64 + delta))
		} else {
			u1(247)
			u2(uint16(delta))
		}
		vtype(f.Stack[0])
		return true
	case len(f.Stack) != 0:
		return false
	}

	diff := len(f.Locals) - len(prev)
	switch {
	case diff < 0 && diff >= -3 && equalVTypes(f.Locals, prev[:len(f.Locals)]):
		u1(uint8(251 + diff))
		u2(uint16(delta))
		return true
	case diff > 0 && diff <= 3 && equalVTypes(f.Locals[:len(prev)], prev):
		u1(uint8(251 + diff))
		u2(uint16(delta))
		for _, v := range f.Locals[len(prev):] {
			vtype(v)
		}
		return true
	}
	return false
}

func equalVTypes(a, b []VType) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].equal(b[i]) {
			return false
		}
	}
	return true
}
