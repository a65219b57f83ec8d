package classfile

import (
	"fmt"
	"strings"
)

// FieldType is one parsed field descriptor.
type FieldType struct {
	// Base is the primitive descriptor character (B C D F I J S Z), or 'L'
	// for a class type.
	Base       byte
	ClassName  string
	ArrayDepth int
}

func (ft FieldType) IsArray() bool {
	return ft.ArrayDepth > 0
}

func (ft FieldType) IsPrimitive() bool {
	return ft.ArrayDepth == 0 && ft.Base != 'L'
}

func (ft FieldType) IsReference() bool {
	return !ft.IsPrimitive()
}

// Slots returns the number of local variable or operand stack slots a value
// of this type occupies.
func (ft FieldType) Slots() int {
	if ft.ArrayDepth == 0 && (ft.Base == 'J' || ft.Base == 'D') {
		return 2
	}
	return 1
}

// Kind returns the computational category used to select load, store and
// return instructions: 'I' for int-like types, 'J', 'F', 'D', or 'A' for
// references.
func (ft FieldType) Kind() byte {
	if ft.IsReference() {
		return 'A'
	}
	switch ft.Base {
	case 'J', 'F', 'D':
		return ft.Base
	}
	return 'I'
}

// Descriptor renders the type back to its descriptor form.
func (ft FieldType) Descriptor() string {
	var sb strings.Builder
	for i := 0; i < ft.ArrayDepth; i++ {
		sb.WriteByte('[')
	}
	if ft.Base == 'L' {
		sb.WriteByte('L')
		sb.WriteString(ft.ClassName)
		sb.WriteByte(';')
	} else {
		sb.WriteByte(ft.Base)
	}
	return sb.String()
}

// InternalName returns the name used by CONSTANT_Class for this type:
// the class name for class types and the descriptor for arrays.
func (ft FieldType) InternalName() string {
	if ft.ArrayDepth == 0 && ft.Base == 'L' {
		return ft.ClassName
	}
	return ft.Descriptor()
}

func (ft FieldType) String() string {
	var sb strings.Builder
	if ft.Base == 'L' {
		sb.WriteString(strings.ReplaceAll(ft.ClassName, "/", "."))
	} else {
		sb.WriteString(primitiveNames[ft.Base])
	}
	for i := 0; i < ft.ArrayDepth; i++ {
		sb.WriteString("[]")
	}
	return sb.String()
}

var primitiveNames = map[byte]string{
	'B': "byte",
	'C': "char",
	'D': "double",
	'F': "float",
	'I': "int",
	'J': "long",
	'S': "short",
	'Z': "boolean",
}

// MethodDescriptor is a parsed method descriptor. Return is nil for void.
type MethodDescriptor struct {
	Parameters []FieldType
	Return     *FieldType
}

// ArgSlots returns the number of local slots the parameters occupy, not
// counting the receiver.
func (md *MethodDescriptor) ArgSlots() int {
	n := 0
	for _, p := range md.Parameters {
		n += p.Slots()
	}
	return n
}

// ReturnSlots returns 0 for void, otherwise the slot size of the result.
func (md *MethodDescriptor) ReturnSlots() int {
	if md.Return == nil {
		return 0
	}
	return md.Return.Slots()
}

// ReturnKind returns 'V' for void, otherwise Return.Kind().
func (md *MethodDescriptor) ReturnKind() byte {
	if md.Return == nil {
		return 'V'
	}
	return md.Return.Kind()
}

func (md *MethodDescriptor) String() string {
	var sb strings.Builder
	sb.WriteString("(")
	for i, p := range md.Parameters {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(p.String())
	}
	sb.WriteString(")")
	if md.Return != nil {
		sb.WriteString(" ")
		sb.WriteString(md.Return.String())
	} else {
		sb.WriteString(" void")
	}
	return sb.String()
}

// ParseFieldDescriptor parses a descriptor such as "I" or "[Ljava/lang/String;".
func ParseFieldDescriptor(desc string) (FieldType, error) {
	ft, n, err := parseFieldType(desc, 0)
	if err != nil {
		return FieldType{}, err
	}
	if n != len(desc) {
		return FieldType{}, fmt.Errorf("trailing characters in field descriptor %q", desc)
	}
	return ft, nil
}

// ParseMethodDescriptor parses a descriptor such as "(ILjava/lang/String;)V".
func ParseMethodDescriptor(desc string) (*MethodDescriptor, error) {
	if len(desc) == 0 || desc[0] != '(' {
		return nil, fmt.Errorf("invalid method descriptor %q", desc)
	}

	md := &MethodDescriptor{}
	i := 1
	for i < len(desc) && desc[i] != ')' {
		ft, n, err := parseFieldType(desc, i)
		if err != nil {
			return nil, err
		}
		md.Parameters = append(md.Parameters, ft)
		i += n
	}
	if i >= len(desc) {
		return nil, fmt.Errorf("unterminated parameter list in %q", desc)
	}
	i++

	if i < len(desc) && desc[i] == 'V' && i+1 == len(desc) {
		return md, nil
	}
	ret, n, err := parseFieldType(desc, i)
	if err != nil {
		return nil, err
	}
	if i+n != len(desc) {
		return nil, fmt.Errorf("trailing characters in method descriptor %q", desc)
	}
	md.Return = &ret
	return md, nil
}

func parseFieldType(desc string, start int) (FieldType, int, error) {
	ft := FieldType{}
	i := start
	for i < len(desc) && desc[i] == '[' {
		ft.ArrayDepth++
		i++
	}
	if i >= len(desc) {
		return FieldType{}, 0, fmt.Errorf("truncated descriptor %q", desc)
	}

	switch c := desc[i]; c {
	case 'B', 'C', 'D', 'F', 'I', 'J', 'S', 'Z':
		ft.Base = c
		return ft, i - start + 1, nil
	case 'L':
		semicolon := strings.IndexByte(desc[i:], ';')
		if semicolon <= 1 {
			return FieldType{}, 0, fmt.Errorf("unterminated class name in %q", desc)
		}
		ft.Base = 'L'
		ft.ClassName = desc[i+1 : i+semicolon]
		return ft, i - start + semicolon + 1, nil
	default:
		return FieldType{}, 0, fmt.Errorf("invalid type %q in descriptor %q", c, desc)
	}
}
