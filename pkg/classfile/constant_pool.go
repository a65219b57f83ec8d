package classfile

import (
	"fmt"
	"math"
)

// Constant pool tags
const (
	TagUtf8               = 1
	TagInteger            = 3
	TagFloat              = 4
	TagLong               = 5
	TagDouble             = 6
	TagClass              = 7
	TagString             = 8
	TagFieldref           = 9
	TagMethodref          = 10
	TagInterfaceMethodref = 11
	TagNameAndType        = 12
	TagMethodHandle       = 15
	TagMethodType         = 16
	TagDynamic            = 17
	TagInvokeDynamic      = 18
	TagModule             = 19
	TagPackage            = 20
)

// Method handle reference kinds.
const (
	RefGetField         = 1
	RefGetStatic        = 2
	RefPutField         = 3
	RefPutStatic        = 4
	RefInvokeVirtual    = 5
	RefInvokeStatic     = 6
	RefInvokeSpecial    = 7
	RefNewInvokeSpecial = 8
	RefInvokeInterface  = 9
)

// parseConstantPool reads count-1 entries. The returned slice is
// 1-indexed: index 0 is nil, and so is the slot following a Long or Double.
func parseConstantPool(d *decoder, count uint16) ([]ConstantPoolEntry, error) {
	pool := make([]ConstantPoolEntry, count)
	for i := 1; i < int(count); i++ {
		tag := d.u1("tag")
		var e ConstantPoolEntry
		switch tag {
		case TagUtf8:
			e = &ConstantUtf8{Value: string(d.take(int(d.u2("Utf8 length")), "Utf8 bytes"))}
		case TagInteger:
			e = &ConstantInteger{Value: int32(d.u4("Integer"))}
		case TagFloat:
			e = &ConstantFloat{Value: math.Float32frombits(d.u4("Float"))}
		case TagLong:
			e = &ConstantLong{Value: int64(d.u8("Long"))}
		case TagDouble:
			e = &ConstantDouble{Value: math.Float64frombits(d.u8("Double"))}
		case TagClass:
			e = &ConstantClass{NameIndex: d.u2("Class")}
		case TagString:
			e = &ConstantString{StringIndex: d.u2("String")}
		case TagFieldref:
			e = &ConstantFieldref{ClassIndex: d.u2("class_index"), NameAndTypeIndex: d.u2("name_and_type_index")}
		case TagMethodref:
			e = &ConstantMethodref{ClassIndex: d.u2("class_index"), NameAndTypeIndex: d.u2("name_and_type_index")}
		case TagInterfaceMethodref:
			e = &ConstantInterfaceMethodref{ClassIndex: d.u2("class_index"), NameAndTypeIndex: d.u2("name_and_type_index")}
		case TagNameAndType:
			e = &ConstantNameAndType{NameIndex: d.u2("name_index"), DescriptorIndex: d.u2("descriptor_index")}
		case TagMethodHandle:
			e = &ConstantMethodHandle{ReferenceKind: d.u1("reference_kind"), ReferenceIndex: d.u2("reference_index")}
		case TagMethodType:
			e = &ConstantMethodType{DescriptorIndex: d.u2("MethodType")}
		case TagDynamic, TagInvokeDynamic:
			e = &ConstantDynamic{
				Invoke:                   tag == TagInvokeDynamic,
				BootstrapMethodAttrIndex: d.u2("bootstrap_method_attr_index"),
				NameAndTypeIndex:         d.u2("name_and_type_index"),
			}
		case TagModule, TagPackage:
			e = &ConstantModule{Package: tag == TagPackage, NameIndex: d.u2("Module/Package")}
		default:
			if d.err == nil {
				return nil, fmt.Errorf("unknown constant pool tag %d at index %d", tag, i)
			}
		}
		if d.err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, d.err)
		}
		pool[i] = e
		if tag == TagLong || tag == TagDouble {
			i++
		}
	}
	return pool, nil
}

func entryAt(pool []ConstantPoolEntry, index uint16) (ConstantPoolEntry, error) {
	if int(index) >= len(pool) || pool[index] == nil {
		return nil, fmt.Errorf("invalid constant pool index %d", index)
	}
	return pool[index], nil
}

// GetUtf8 returns the Utf8 string at the given constant pool index.
func GetUtf8(pool []ConstantPoolEntry, index uint16) (string, error) {
	entry, err := entryAt(pool, index)
	if err != nil {
		return "", err
	}
	utf8, ok := entry.(*ConstantUtf8)
	if !ok {
		return "", fmt.Errorf("constant pool index %d is not Utf8 (tag=%d)", index, entry.Tag())
	}
	return utf8.Value, nil
}

// GetClassName returns the class name referenced by a CONSTANT_Class entry.
func GetClassName(pool []ConstantPoolEntry, classIndex uint16) (string, error) {
	entry, err := entryAt(pool, classIndex)
	if err != nil {
		return "", err
	}
	class, ok := entry.(*ConstantClass)
	if !ok {
		return "", fmt.Errorf("constant pool index %d is not Class", classIndex)
	}
	return GetUtf8(pool, class.NameIndex)
}

// GetString returns the value of a CONSTANT_String entry.
func GetString(pool []ConstantPoolEntry, index uint16) (string, error) {
	entry, err := entryAt(pool, index)
	if err != nil {
		return "", err
	}
	s, ok := entry.(*ConstantString)
	if !ok {
		return "", fmt.Errorf("constant pool index %d is not String", index)
	}
	return GetUtf8(pool, s.StringIndex)
}

// GetNameAndType resolves a CONSTANT_NameAndType entry.
func GetNameAndType(pool []ConstantPoolEntry, index uint16) (name, descriptor string, err error) {
	entry, err := entryAt(pool, index)
	if err != nil {
		return "", "", err
	}
	nat, ok := entry.(*ConstantNameAndType)
	if !ok {
		return "", "", fmt.Errorf("constant pool index %d is not NameAndType", index)
	}
	if name, err = GetUtf8(pool, nat.NameIndex); err != nil {
		return "", "", fmt.Errorf("resolving name: %w", err)
	}
	if descriptor, err = GetUtf8(pool, nat.DescriptorIndex); err != nil {
		return "", "", fmt.Errorf("resolving descriptor: %w", err)
	}
	return name, descriptor, nil
}

// MethodRefInfo holds resolved method reference info.
type MethodRefInfo struct {
	ClassName  string
	MethodName string
	Descriptor string
	Interface  bool
}

// FieldRefInfo holds resolved field reference info.
type FieldRefInfo struct {
	ClassName  string
	FieldName  string
	Descriptor string
}

func resolveMember(pool []ConstantPoolEntry, index uint16, tags ...uint8) (owner, name, desc string, tag uint8, err error) {
	entry, err := entryAt(pool, index)
	if err != nil {
		return "", "", "", 0, err
	}
	var classIndex, natIndex uint16
	switch e := entry.(type) {
	case *ConstantFieldref:
		classIndex, natIndex = e.ClassIndex, e.NameAndTypeIndex
	case *ConstantMethodref:
		classIndex, natIndex = e.ClassIndex, e.NameAndTypeIndex
	case *ConstantInterfaceMethodref:
		classIndex, natIndex = e.ClassIndex, e.NameAndTypeIndex
	}
	tag = entry.Tag()
	accepted := false
	for _, t := range tags {
		if t == tag {
			accepted = true
		}
	}
	if !accepted {
		return "", "", "", 0, fmt.Errorf("constant pool index %d has unexpected tag %d", index, tag)
	}
	if owner, err = GetClassName(pool, classIndex); err != nil {
		return "", "", "", 0, fmt.Errorf("resolving member class: %w", err)
	}
	if name, desc, err = GetNameAndType(pool, natIndex); err != nil {
		return "", "", "", 0, err
	}
	return owner, name, desc, tag, nil
}

// ResolveMethodref resolves a CONSTANT_Methodref or CONSTANT_InterfaceMethodref
// entry. invokestatic and invokespecial may legally reference either.
func ResolveMethodref(pool []ConstantPoolEntry, index uint16) (*MethodRefInfo, error) {
	owner, name, desc, tag, err := resolveMember(pool, index, TagMethodref, TagInterfaceMethodref)
	if err != nil {
		return nil, err
	}
	return &MethodRefInfo{ClassName: owner, MethodName: name, Descriptor: desc, Interface: tag == TagInterfaceMethodref}, nil
}

// ResolveInterfaceMethodref resolves a CONSTANT_InterfaceMethodref entry.
func ResolveInterfaceMethodref(pool []ConstantPoolEntry, index uint16) (*MethodRefInfo, error) {
	owner, name, desc, _, err := resolveMember(pool, index, TagInterfaceMethodref)
	if err != nil {
		return nil, err
	}
	return &MethodRefInfo{ClassName: owner, MethodName: name, Descriptor: desc, Interface: true}, nil
}

// ResolveFieldref resolves a CONSTANT_Fieldref entry.
func ResolveFieldref(pool []ConstantPoolEntry, index uint16) (*FieldRefInfo, error) {
	owner, name, desc, _, err := resolveMember(pool, index, TagFieldref)
	if err != nil {
		return nil, err
	}
	return &FieldRefInfo{ClassName: owner, FieldName: name, Descriptor: desc}, nil
}

// ResolveMethodHandle resolves the member a CONSTANT_MethodHandle points at.
func ResolveMethodHandle(pool []ConstantPoolEntry, index uint16) (kind uint8, ref *MethodRefInfo, err error) {
	entry, err := entryAt(pool, index)
	if err != nil {
		return 0, nil, err
	}
	mh, ok := entry.(*ConstantMethodHandle)
	if !ok {
		return 0, nil, fmt.Errorf("constant pool index %d is not MethodHandle", index)
	}
	owner, name, desc, tag, err := resolveMember(pool, mh.ReferenceIndex, TagFieldref, TagMethodref, TagInterfaceMethodref)
	if err != nil {
		return 0, nil, fmt.Errorf("resolving MethodHandle: %w", err)
	}
	return mh.ReferenceKind, &MethodRefInfo{ClassName: owner, MethodName: name, Descriptor: desc, Interface: tag == TagInterfaceMethodref}, nil
}
