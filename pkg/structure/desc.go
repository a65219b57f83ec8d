// Package structure describes classes and methods by shape: name, type
// descriptor, owner and access flags. Descriptors double as queries, in
// which an empty string or AnyAccess leaves a field unconstrained.
package structure

import (
	"fmt"
	"strings"

	"github.com/daimatz/classmod/pkg/classfile"
)

// Access is an optional set of access flags. The zero value, AnyAccess,
// matches any flags.
type Access int32

// AnyAccess leaves the access flags of a query unconstrained.
const AnyAccess Access = 0

const accessKnown Access = 1 << 16

// AccessOf returns the concrete Access for flags.
func AccessOf(flags classfile.AccessFlags) Access {
	return accessKnown | Access(flags)
}

// Known reports whether a is a concrete set of flags.
func (a Access) Known() bool {
	return a&accessKnown != 0
}

// Flags returns the concrete flags; zero for AnyAccess.
func (a Access) Flags() classfile.AccessFlags {
	return classfile.AccessFlags(a)
}

func (a Access) String() string {
	if !a.Known() {
		return "*"
	}
	return fmt.Sprintf("0x%04x", uint16(a.Flags()))
}

// MethodDesc identifies a method. Used as an identity every field is set;
// used as a query any field may be left as a wildcard.
//
// Descriptors of call sites carry AnyAccess since a call site does not know
// the flags of its callee.
type MethodDesc struct {
	Owner  string
	Name   string
	Type   string
	Access Access
}

// Query returns a query matching methods named name with descriptor typ
// in any class.
func Query(name, typ string) MethodDesc {
	return MethodDesc{Name: name, Type: typ}
}

// Matches reports whether every constrained field of q equals the
// corresponding field of d.
func (q MethodDesc) Matches(d MethodDesc) bool {
	if q.Name != "" && q.Name != d.Name {
		return false
	}
	if q.Type != "" && q.Type != d.Type {
		return false
	}
	if q.Owner != "" && q.Owner != d.Owner {
		return false
	}
	if q.Access.Known() && q.Access != d.Access {
		return false
	}
	return true
}

// IsConcrete reports whether no field of d is a wildcard.
func (d MethodDesc) IsConcrete() bool {
	return d.Owner != "" && d.Name != "" && d.Type != "" && d.Access.Known()
}

// Descriptor parses the type descriptor of d.
func (d MethodDesc) Descriptor() (*classfile.MethodDescriptor, error) {
	if d.Type == "" {
		return nil, fmt.Errorf("method %s has no type descriptor", d)
	}
	return classfile.ParseMethodDescriptor(d.Type)
}

func (d MethodDesc) String() string {
	var sb strings.Builder
	sb.WriteString(orStar(d.Owner))
	sb.WriteByte('.')
	sb.WriteString(orStar(d.Name))
	sb.WriteString(orStar(d.Type))
	if d.Access.Known() {
		sb.WriteString(" [")
		sb.WriteString(d.Access.String())
		sb.WriteByte(']')
	}
	return sb.String()
}

func orStar(s string) string {
	if s == "" {
		return "*"
	}
	return s
}
