package classfile

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

const classMagic = 0xCAFEBABE

// decoder reads big-endian values from a class file image. The first
// failure sticks: later reads return zero values and err reports it.
type decoder struct {
	data []byte
	off  int
	err  error
}

func (d *decoder) take(n int, what string) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || n > len(d.data)-d.off {
		d.err = fmt.Errorf("reading %s at offset %d: %w", what, d.off, io.ErrUnexpectedEOF)
		return nil
	}
	b := d.data[d.off : d.off+n]
	d.off += n
	return b
}

func (d *decoder) u1(what string) uint8 {
	if b := d.take(1, what); b != nil {
		return b[0]
	}
	return 0
}

func (d *decoder) u2(what string) uint16 {
	if b := d.take(2, what); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

func (d *decoder) u4(what string) uint32 {
	if b := d.take(4, what); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

func (d *decoder) u8(what string) uint64 {
	if b := d.take(8, what); b != nil {
		return binary.BigEndian.Uint64(b)
	}
	return 0
}

// ParseFile reads and parses the .class file at path.
func ParseFile(path string) (*ClassFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseBytes(data)
}

// Parse reads a whole .class file from r.
func Parse(r io.Reader) (*ClassFile, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading class file: %w", err)
	}
	return ParseBytes(data)
}

// ParseBytes parses an in-memory .class file. Attributes are kept as raw
// bytes, except Code and BootstrapMethods which are also decoded.
func ParseBytes(data []byte) (*ClassFile, error) {
	d := &decoder{data: data}
	if magic := d.u4("magic number"); d.err == nil && magic != classMagic {
		return nil, fmt.Errorf("invalid magic number: 0x%X (expected 0xCAFEBABE)", magic)
	}

	cf := &ClassFile{}
	cf.MinorVersion = d.u2("minor version")
	cf.MajorVersion = d.u2("major version")
	count := d.u2("constant pool count")
	if d.err != nil {
		return nil, d.err
	}
	pool, err := parseConstantPool(d, count)
	if err != nil {
		return nil, fmt.Errorf("parsing constant pool: %w", err)
	}
	cf.ConstantPool = pool

	cf.AccessFlags = AccessFlags(d.u2("access flags"))
	cf.ThisClass = d.u2("this_class")
	cf.SuperClass = d.u2("super_class")
	cf.Interfaces = make([]uint16, d.u2("interfaces count"))
	for i := range cf.Interfaces {
		cf.Interfaces[i] = d.u2("interface")
	}
	if d.err != nil {
		return nil, d.err
	}

	if cf.Fields, err = parseFields(d, pool); err != nil {
		return nil, fmt.Errorf("parsing fields: %w", err)
	}
	if cf.Methods, err = parseMethods(d, pool); err != nil {
		return nil, fmt.Errorf("parsing methods: %w", err)
	}
	if cf.Attributes, err = parseAttributes(d, pool); err != nil {
		return nil, fmt.Errorf("parsing class attributes: %w", err)
	}
	if a := cf.findAttribute("BootstrapMethods"); a != nil {
		if cf.BootstrapMethods, err = parseBootstrapMethods(a.Data); err != nil {
			return nil, fmt.Errorf("parsing BootstrapMethods: %w", err)
		}
	}
	if d.off != len(data) {
		return nil, fmt.Errorf("%d trailing bytes after class attributes", len(data)-d.off)
	}
	return cf, nil
}

// member is the layout shared by field_info and method_info.
type member struct {
	access     AccessFlags
	name, desc string
	attrs      []AttributeInfo
}

func parseMember(d *decoder, pool []ConstantPoolEntry) (member, error) {
	access := AccessFlags(d.u2("access flags"))
	nameIndex := d.u2("name index")
	descIndex := d.u2("descriptor index")
	if d.err != nil {
		return member{}, d.err
	}
	name, err := GetUtf8(pool, nameIndex)
	if err != nil {
		return member{}, fmt.Errorf("resolving name: %w", err)
	}
	desc, err := GetUtf8(pool, descIndex)
	if err != nil {
		return member{}, fmt.Errorf("%s: resolving descriptor: %w", name, err)
	}
	attrs, err := parseAttributes(d, pool)
	if err != nil {
		return member{}, fmt.Errorf("%s: %w", name, err)
	}
	return member{access: access, name: name, desc: desc, attrs: attrs}, nil
}

func parseFields(d *decoder, pool []ConstantPoolEntry) ([]FieldInfo, error) {
	fields := make([]FieldInfo, d.u2("fields count"))
	for i := range fields {
		m, err := parseMember(d, pool)
		if err != nil {
			return nil, fmt.Errorf("field %d: %w", i, err)
		}
		fields[i] = FieldInfo{AccessFlags: m.access, Name: m.name, Descriptor: m.desc, Attributes: m.attrs}
	}
	return fields, d.err
}

func parseMethods(d *decoder, pool []ConstantPoolEntry) ([]MethodInfo, error) {
	methods := make([]MethodInfo, d.u2("methods count"))
	for i := range methods {
		m, err := parseMember(d, pool)
		if err != nil {
			return nil, fmt.Errorf("method %d: %w", i, err)
		}
		info := MethodInfo{AccessFlags: m.access, Name: m.name, Descriptor: m.desc, Attributes: m.attrs}
		for _, a := range m.attrs {
			if a.Name != "Code" {
				continue
			}
			if info.Code, err = parseCode(a.Data, pool); err != nil {
				return nil, fmt.Errorf("method %s%s: Code: %w", m.name, m.desc, err)
			}
			break
		}
		methods[i] = info
	}
	return methods, d.err
}

func parseAttributes(d *decoder, pool []ConstantPoolEntry) ([]AttributeInfo, error) {
	attrs := make([]AttributeInfo, d.u2("attributes count"))
	for i := range attrs {
		nameIndex := d.u2("attribute name index")
		data := d.take(int(d.u4("attribute length")), "attribute data")
		if d.err != nil {
			return nil, fmt.Errorf("attribute %d: %w", i, d.err)
		}
		name, err := GetUtf8(pool, nameIndex)
		if err != nil {
			return nil, fmt.Errorf("attribute %d: resolving name: %w", i, err)
		}
		attrs[i] = AttributeInfo{Name: name, Data: append([]byte(nil), data...)}
	}
	return attrs, d.err
}

func parseCode(data []byte, pool []ConstantPoolEntry) (*CodeAttribute, error) {
	d := &decoder{data: data}
	c := &CodeAttribute{
		MaxStack:  d.u2("max_stack"),
		MaxLocals: d.u2("max_locals"),
	}
	c.Code = append([]byte(nil), d.take(int(d.u4("code length")), "code")...)
	c.ExceptionHandlers = make([]ExceptionHandler, d.u2("exception table length"))
	for i := range c.ExceptionHandlers {
		c.ExceptionHandlers[i] = ExceptionHandler{
			StartPC:   d.u2("start_pc"),
			EndPC:     d.u2("end_pc"),
			HandlerPC: d.u2("handler_pc"),
			CatchType: d.u2("catch_type"),
		}
	}
	if d.err != nil {
		return nil, d.err
	}
	attrs, err := parseAttributes(d, pool)
	if err != nil {
		return nil, err
	}
	c.Attributes = attrs
	return c, nil
}

func parseBootstrapMethods(data []byte) ([]BootstrapMethod, error) {
	d := &decoder{data: data}
	methods := make([]BootstrapMethod, d.u2("bootstrap method count"))
	for i := range methods {
		methods[i].MethodRef = d.u2("bootstrap method ref")
		methods[i].BootstrapArguments = make([]uint16, d.u2("bootstrap argument count"))
		for j := range methods[i].BootstrapArguments {
			methods[i].BootstrapArguments[j] = d.u2("bootstrap argument")
		}
		if d.err != nil {
			return nil, fmt.Errorf("bootstrap method %d: %w", i, d.err)
		}
	}
	return methods, d.err
}

// ClassName returns the fully qualified name of this class.
func (cf *ClassFile) ClassName() (string, error) {
	return GetClassName(cf.ConstantPool, cf.ThisClass)
}

func (cf *ClassFile) findAttribute(name string) *AttributeInfo {
	for i := range cf.Attributes {
		if cf.Attributes[i].Name == name {
			return &cf.Attributes[i]
		}
	}
	return nil
}

// FindMethod finds a method by name and descriptor.
func (cf *ClassFile) FindMethod(name, descriptor string) *MethodInfo {
	for i := range cf.Methods {
		if cf.Methods[i].Name == name && cf.Methods[i].Descriptor == descriptor {
			return &cf.Methods[i]
		}
	}
	return nil
}

// FindMethodByName returns the first method called name.
func (cf *ClassFile) FindMethodByName(name string) *MethodInfo {
	for i := range cf.Methods {
		if cf.Methods[i].Name == name {
			return &cf.Methods[i]
		}
	}
	return nil
}
