package classfile

import (
	"fmt"
	"math"
	"strconv"
)

// maxPoolSize is the largest constant_pool_count a class file can declare.
const maxPoolSize = 0xFFFF

// poolIndex maps a canonical key of each constant to its pool index so that
// interning an existing constant returns the existing slot. It is built on
// first use; entries added afterwards are recorded as they are appended.
type poolIndex struct {
	keys map[string]uint16
	err  error
}

func (cf *ClassFile) ensurePoolIndex() {
	if cf.pool.keys != nil {
		return
	}
	if len(cf.ConstantPool) == 0 {
		cf.ConstantPool = []ConstantPoolEntry{nil}
	}
	cf.pool.keys = make(map[string]uint16, len(cf.ConstantPool))
	for i := 1; i < len(cf.ConstantPool); i++ {
		if key, ok := cf.entryKey(uint16(i)); ok {
			if _, dup := cf.pool.keys[key]; !dup {
				cf.pool.keys[key] = uint16(i)
			}
		}
	}
}

func (cf *ClassFile) entryKey(i uint16) (string, bool) {
	pool := cf.ConstantPool
	switch e := pool[i].(type) {
	case *ConstantUtf8:
		return "U" + e.Value, true
	case *ConstantInteger:
		return "I" + strconv.FormatInt(int64(e.Value), 10), true
	case *ConstantFloat:
		return "F" + strconv.FormatUint(uint64(math.Float32bits(e.Value)), 16), true
	case *ConstantLong:
		return "J" + strconv.FormatInt(e.Value, 10), true
	case *ConstantDouble:
		return "D" + strconv.FormatUint(math.Float64bits(e.Value), 16), true
	case *ConstantClass:
		name, err := GetUtf8(pool, e.NameIndex)
		return "C" + name, err == nil
	case *ConstantString:
		s, err := GetUtf8(pool, e.StringIndex)
		return "S" + s, err == nil
	case *ConstantNameAndType:
		name, desc, err := GetNameAndType(pool, i)
		return "N" + name + ":" + desc, err == nil
	case *ConstantFieldref, *ConstantMethodref, *ConstantInterfaceMethodref:
		owner, name, desc, tag, err := resolveMember(pool, i, TagFieldref, TagMethodref, TagInterfaceMethodref)
		return "M" + strconv.Itoa(int(tag)) + owner + "." + name + ":" + desc, err == nil
	case *ConstantMethodHandle:
		return "H" + strconv.Itoa(int(e.ReferenceKind)) + ":" + strconv.Itoa(int(e.ReferenceIndex)), true
	case *ConstantDynamic:
		name, desc, err := GetNameAndType(pool, e.NameAndTypeIndex)
		return "Y" + strconv.Itoa(int(e.Tag())) + strconv.Itoa(int(e.BootstrapMethodAttrIndex)) + name + ":" + desc, err == nil
	}
	return "", false
}

func (cf *ClassFile) intern(key string, entry ConstantPoolEntry) uint16 {
	cf.ensurePoolIndex()
	if idx, ok := cf.pool.keys[key]; ok {
		return idx
	}
	width := 1
	if entry.Tag() == TagLong || entry.Tag() == TagDouble {
		width = 2
	}
	if len(cf.ConstantPool)+width > maxPoolSize {
		if cf.pool.err == nil {
			cf.pool.err = fmt.Errorf("constant pool overflow: %d entries", len(cf.ConstantPool))
		}
		return 0
	}
	idx := uint16(len(cf.ConstantPool))
	cf.ConstantPool = append(cf.ConstantPool, entry)
	if width == 2 {
		cf.ConstantPool = append(cf.ConstantPool, nil)
	}
	cf.pool.keys[key] = idx
	return idx
}

// PoolErr reports a sticky error from a failed interning call, such as
// exceeding the constant pool size limit.
func (cf *ClassFile) PoolErr() error {
	return cf.pool.err
}

func (cf *ClassFile) AddUtf8(s string) uint16 {
	return cf.intern("U"+s, &ConstantUtf8{Value: s})
}

func (cf *ClassFile) AddInteger(v int32) uint16 {
	return cf.intern("I"+strconv.FormatInt(int64(v), 10), &ConstantInteger{Value: v})
}

func (cf *ClassFile) AddFloat(v float32) uint16 {
	return cf.intern("F"+strconv.FormatUint(uint64(math.Float32bits(v)), 16), &ConstantFloat{Value: v})
}

func (cf *ClassFile) AddLong(v int64) uint16 {
	return cf.intern("J"+strconv.FormatInt(v, 10), &ConstantLong{Value: v})
}

func (cf *ClassFile) AddDouble(v float64) uint16 {
	return cf.intern("D"+strconv.FormatUint(math.Float64bits(v), 16), &ConstantDouble{Value: v})
}

func (cf *ClassFile) AddClass(name string) uint16 {
	nameIndex := cf.AddUtf8(name)
	return cf.intern("C"+name, &ConstantClass{NameIndex: nameIndex})
}

func (cf *ClassFile) AddString(s string) uint16 {
	utf := cf.AddUtf8(s)
	return cf.intern("S"+s, &ConstantString{StringIndex: utf})
}

func (cf *ClassFile) AddNameAndType(name, desc string) uint16 {
	n, d := cf.AddUtf8(name), cf.AddUtf8(desc)
	return cf.intern("N"+name+":"+desc, &ConstantNameAndType{NameIndex: n, DescriptorIndex: d})
}

func (cf *ClassFile) AddFieldref(owner, name, desc string) uint16 {
	c, nat := cf.AddClass(owner), cf.AddNameAndType(name, desc)
	key := "M" + strconv.Itoa(TagFieldref) + owner + "." + name + ":" + desc
	return cf.intern(key, &ConstantFieldref{ClassIndex: c, NameAndTypeIndex: nat})
}

// AddMethodref interns a method reference; iface selects
// CONSTANT_InterfaceMethodref.
func (cf *ClassFile) AddMethodref(owner, name, desc string, iface bool) uint16 {
	c, nat := cf.AddClass(owner), cf.AddNameAndType(name, desc)
	if iface {
		key := "M" + strconv.Itoa(TagInterfaceMethodref) + owner + "." + name + ":" + desc
		return cf.intern(key, &ConstantInterfaceMethodref{ClassIndex: c, NameAndTypeIndex: nat})
	}
	key := "M" + strconv.Itoa(TagMethodref) + owner + "." + name + ":" + desc
	return cf.intern(key, &ConstantMethodref{ClassIndex: c, NameAndTypeIndex: nat})
}

// AddMethodHandle interns a method handle of the given reference kind to
// the member at pool index ref.
func (cf *ClassFile) AddMethodHandle(kind uint8, ref uint16) uint16 {
	key := "H" + strconv.Itoa(int(kind)) + ":" + strconv.Itoa(int(ref))
	return cf.intern(key, &ConstantMethodHandle{ReferenceKind: kind, ReferenceIndex: ref})
}

// AddInvokeDynamic interns a CONSTANT_InvokeDynamic bound to the given
// BootstrapMethods entry.
func (cf *ClassFile) AddInvokeDynamic(bsm uint16, name, desc string) uint16 {
	nat := cf.AddNameAndType(name, desc)
	key := "Y" + strconv.Itoa(TagInvokeDynamic) + strconv.Itoa(int(bsm)) + name + ":" + desc
	return cf.intern(key, &ConstantDynamic{Invoke: true, BootstrapMethodAttrIndex: bsm, NameAndTypeIndex: nat})
}

// AddBootstrapMethod appends a BootstrapMethods entry and returns its index.
func (cf *ClassFile) AddBootstrapMethod(methodRef uint16, args []uint16) uint16 {
	cf.BootstrapMethods = append(cf.BootstrapMethods, BootstrapMethod{
		MethodRef:          methodRef,
		BootstrapArguments: append([]uint16(nil), args...),
	})
	return uint16(len(cf.BootstrapMethods) - 1)
}
