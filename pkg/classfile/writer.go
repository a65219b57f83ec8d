package classfile

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// encoder accumulates big-endian output.
type encoder struct {
	buf bytes.Buffer
}

func (e *encoder) u1(v uint8)  { e.buf.WriteByte(v) }
func (e *encoder) u2(v uint16) { e.buf.Write([]byte{byte(v >> 8), byte(v)}) }
func (e *encoder) u4(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	e.buf.Write(b[:])
}
func (e *encoder) u8(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	e.buf.Write(b[:])
}

// Bytes serializes the class file. A ClassFile that was parsed and not
// modified serializes to the exact input bytes.
func (cf *ClassFile) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if _, err := cf.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteTo writes the class file to w and returns the number of bytes
// written. It implements io.WriterTo.
//
// Method Code attributes are re-encoded from MethodInfo.Code and the
// BootstrapMethods attribute from ClassFile.BootstrapMethods, so edits to
// those take effect. Every other attribute is written as stored.
func (cf *ClassFile) WriteTo(w io.Writer) (int64, error) {
	cf.ensurePoolIndex()

	// The body is encoded first: attribute names and re-encoded attributes
	// may intern constants, and the pool is only final afterwards.
	var body encoder
	body.u2(uint16(cf.AccessFlags))
	body.u2(cf.ThisClass)
	body.u2(cf.SuperClass)
	body.u2(uint16(len(cf.Interfaces)))
	for _, iface := range cf.Interfaces {
		body.u2(iface)
	}

	body.u2(uint16(len(cf.Fields)))
	for i := range cf.Fields {
		f := &cf.Fields[i]
		body.u2(uint16(f.AccessFlags))
		body.u2(cf.AddUtf8(f.Name))
		body.u2(cf.AddUtf8(f.Descriptor))
		if err := cf.writeAttributes(&body, f.Attributes); err != nil {
			return 0, fmt.Errorf("field %s: %w", f.Name, err)
		}
	}

	body.u2(uint16(len(cf.Methods)))
	for i := range cf.Methods {
		m := &cf.Methods[i]
		body.u2(uint16(m.AccessFlags))
		body.u2(cf.AddUtf8(m.Name))
		body.u2(cf.AddUtf8(m.Descriptor))
		attrs, err := cf.methodAttributes(m)
		if err != nil {
			return 0, fmt.Errorf("method %s%s: %w", m.Name, m.Descriptor, err)
		}
		if err := cf.writeAttributes(&body, attrs); err != nil {
			return 0, fmt.Errorf("method %s%s: %w", m.Name, m.Descriptor, err)
		}
	}

	if err := cf.writeAttributes(&body, cf.classAttributes()); err != nil {
		return 0, fmt.Errorf("class attributes: %w", err)
	}

	if err := cf.PoolErr(); err != nil {
		return 0, err
	}

	var head encoder
	head.u4(classMagic)
	head.u2(cf.MinorVersion)
	head.u2(cf.MajorVersion)
	head.u2(uint16(len(cf.ConstantPool)))
	for i := 1; i < len(cf.ConstantPool); i++ {
		entry := cf.ConstantPool[i]
		if entry == nil {
			continue // second slot of a Long or Double
		}
		if err := writeConstant(&head, entry); err != nil {
			return 0, fmt.Errorf("constant pool index %d: %w", i, err)
		}
	}

	n, err := w.Write(head.buf.Bytes())
	if err != nil {
		return int64(n), err
	}
	m, err := w.Write(body.buf.Bytes())
	return int64(n + m), err
}

func writeConstant(e *encoder, entry ConstantPoolEntry) error {
	e.u1(entry.Tag())
	switch c := entry.(type) {
	case *ConstantUtf8:
		if len(c.Value) > math.MaxUint16 {
			return fmt.Errorf("Utf8 constant too long: %d bytes", len(c.Value))
		}
		e.u2(uint16(len(c.Value)))
		e.buf.WriteString(c.Value)
	case *ConstantInteger:
		e.u4(uint32(c.Value))
	case *ConstantFloat:
		e.u4(math.Float32bits(c.Value))
	case *ConstantLong:
		e.u8(uint64(c.Value))
	case *ConstantDouble:
		e.u8(math.Float64bits(c.Value))
	case *ConstantClass:
		e.u2(c.NameIndex)
	case *ConstantString:
		e.u2(c.StringIndex)
	case *ConstantFieldref:
		e.u2(c.ClassIndex)
		e.u2(c.NameAndTypeIndex)
	case *ConstantMethodref:
		e.u2(c.ClassIndex)
		e.u2(c.NameAndTypeIndex)
	case *ConstantInterfaceMethodref:
		e.u2(c.ClassIndex)
		e.u2(c.NameAndTypeIndex)
	case *ConstantNameAndType:
		e.u2(c.NameIndex)
		e.u2(c.DescriptorIndex)
	case *ConstantMethodHandle:
		e.u1(c.ReferenceKind)
		e.u2(c.ReferenceIndex)
	case *ConstantMethodType:
		e.u2(c.DescriptorIndex)
	case *ConstantDynamic:
		e.u2(c.BootstrapMethodAttrIndex)
		e.u2(c.NameAndTypeIndex)
	case *ConstantModule:
		e.u2(c.NameIndex)
	default:
		return fmt.Errorf("unsupported constant %T", entry)
	}
	return nil
}

func (cf *ClassFile) writeAttributes(e *encoder, attrs []AttributeInfo) error {
	if len(attrs) > math.MaxUint16 {
		return fmt.Errorf("too many attributes: %d", len(attrs))
	}
	e.u2(uint16(len(attrs)))
	for _, a := range attrs {
		e.u2(cf.AddUtf8(a.Name))
		e.u4(uint32(len(a.Data)))
		e.buf.Write(a.Data)
	}
	return nil
}

// methodAttributes returns m's attributes with the Code attribute rebuilt
// from m.Code. A method given code it did not have gets a new attribute.
func (cf *ClassFile) methodAttributes(m *MethodInfo) ([]AttributeInfo, error) {
	if m.Code == nil {
		return m.Attributes, nil
	}
	data, err := cf.encodeCode(m.Code)
	if err != nil {
		return nil, err
	}
	attrs := make([]AttributeInfo, 0, len(m.Attributes)+1)
	replaced := false
	for _, a := range m.Attributes {
		if a.Name == "Code" {
			a = AttributeInfo{Name: "Code", Data: data}
			replaced = true
		}
		attrs = append(attrs, a)
	}
	if !replaced {
		attrs = append(attrs, AttributeInfo{Name: "Code", Data: data})
	}
	return attrs, nil
}

func (cf *ClassFile) encodeCode(c *CodeAttribute) ([]byte, error) {
	if len(c.Code) == 0 || len(c.Code) > 65535 {
		return nil, fmt.Errorf("invalid code length %d", len(c.Code))
	}
	var e encoder
	e.u2(c.MaxStack)
	e.u2(c.MaxLocals)
	e.u4(uint32(len(c.Code)))
	e.buf.Write(c.Code)
	e.u2(uint16(len(c.ExceptionHandlers)))
	for _, h := range c.ExceptionHandlers {
		e.u2(h.StartPC)
		e.u2(h.EndPC)
		e.u2(h.HandlerPC)
		e.u2(h.CatchType)
	}
	if err := cf.writeAttributes(&e, c.Attributes); err != nil {
		return nil, err
	}
	return e.buf.Bytes(), nil
}

// classAttributes returns the class attributes with BootstrapMethods
// rebuilt from cf.BootstrapMethods.
func (cf *ClassFile) classAttributes() []AttributeInfo {
	var e encoder
	e.u2(uint16(len(cf.BootstrapMethods)))
	for _, bm := range cf.BootstrapMethods {
		e.u2(bm.MethodRef)
		e.u2(uint16(len(bm.BootstrapArguments)))
		for _, arg := range bm.BootstrapArguments {
			e.u2(arg)
		}
	}
	data := e.buf.Bytes()

	attrs := make([]AttributeInfo, 0, len(cf.Attributes)+1)
	found := false
	for _, a := range cf.Attributes {
		if a.Name == "BootstrapMethods" {
			if found {
				continue
			}
			a = AttributeInfo{Name: a.Name, Data: data}
			found = true
		}
		attrs = append(attrs, a)
	}
	if !found && len(cf.BootstrapMethods) > 0 {
		attrs = append(attrs, AttributeInfo{Name: "BootstrapMethods", Data: data})
	}
	return attrs
}
