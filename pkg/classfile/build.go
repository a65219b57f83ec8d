package classfile

// DefaultMajorVersion is the class-file version of classes created by New
// (Java 8).
const DefaultMajorVersion = 52

// New returns an empty class with the given name, super class and
// interfaces.
func New(name, super string, access AccessFlags, interfaces ...string) *ClassFile {
	cf := &ClassFile{
		MajorVersion: DefaultMajorVersion,
		AccessFlags:  access,
	}
	cf.ThisClass = cf.AddClass(name)
	if super != "" {
		cf.SuperClass = cf.AddClass(super)
	}
	for _, iface := range interfaces {
		cf.Interfaces = append(cf.Interfaces, cf.AddClass(iface))
	}
	return cf
}

// AddField declares a field.
func (cf *ClassFile) AddField(access AccessFlags, name, desc string) {
	cf.Fields = append(cf.Fields, FieldInfo{AccessFlags: access, Name: name, Descriptor: desc})
}

// AddMethod declares a method without code. The returned pointer is valid
// until the next AddMethod.
func (cf *ClassFile) AddMethod(access AccessFlags, name, desc string) *MethodInfo {
	cf.Methods = append(cf.Methods, MethodInfo{AccessFlags: access, Name: name, Descriptor: desc})
	return &cf.Methods[len(cf.Methods)-1]
}
