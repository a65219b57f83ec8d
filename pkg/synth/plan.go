package synth

import (
	"fmt"
	"strings"

	"github.com/daimatz/classmod/pkg/classfile"
	"github.com/daimatz/classmod/pkg/structure"
	"github.com/daimatz/classmod/pkg/vm"
)

// AccessorName is the method through which a binding exposes its
// receiver. An interface may declare it with any reference return type.
const AccessorName = "getReceiver"

const (
	objectClass  = "java/lang/Object"
	objectDesc   = "Ljava/lang/Object;"
	accessorDesc = "()" + objectDesc
)

// Plan is the verified forwarding table of a binding. Generate needs
// nothing else.
type Plan struct {
	// Class is the name of the class to generate.
	Class     string
	Interface string
	Bridge    string
	// BridgeIsInterface makes forwarding calls use invokeinterface.
	BridgeIsInterface bool
	// Accessor is the descriptor of the receiver accessor.
	Accessor string
	Forwards []Forward
}

// Forward maps an interface method to the bridge method implementing it.
type Forward struct {
	Method structure.MethodDesc
	Target structure.MethodDesc

	from, to *classfile.MethodDescriptor
}

// BindingName returns the name of the class binding iface to bridge:
// namespace/Iface$Bridge, using simple names. Pairs from different packages
// may therefore share a name; a Synthesizer reports the second one as a
// binding name collision.
func BindingName(namespace, iface, bridge string) string {
	return strings.TrimSuffix(namespace, "/") + "/" + simpleName(iface) + "$" + simpleName(bridge)
}

func simpleName(name string) string {
	return name[strings.LastIndexByte(name, '/')+1:]
}

// Discover builds the plan binding iface to bridge. Every abstract method
// of iface, including inherited ones, must have a counterpart in bridge
// named prefix followed by the method name, taking the same number of
// parameters. Primitive parameters and results must have the same type;
// reference parameters are cast to the bridge's declared types. A bridge
// method returning a value may implement a void interface method.
func Discover(loader vm.ClassLoader, namespace, iface, bridge, prefix string) (*Plan, error) {
	fail := func(method, reason string, err error) error {
		return &SynthesisError{Interface: iface, Bridge: bridge, Method: method, Reason: reason, Err: err}
	}

	icf, err := loader.LoadClass(iface)
	if err != nil {
		return nil, fail("", "loading interface", err)
	}
	if !icf.AccessFlags.IsInterface() {
		return nil, fail("", "not an interface", nil)
	}
	bcf, err := loader.LoadClass(bridge)
	if err != nil {
		return nil, fail("", "loading bridge class", err)
	}

	methods, err := interfaceMethods(loader, icf)
	if err != nil {
		return nil, fail("", "reading interface hierarchy", err)
	}
	candidates, err := bridgeMethods(loader, bcf, bridge, prefix)
	if err != nil {
		return nil, fail("", "reading bridge hierarchy", err)
	}

	plan := &Plan{
		Class:             BindingName(namespace, iface, bridge),
		Interface:         iface,
		Bridge:            bridge,
		BridgeIsInterface: bcf.AccessFlags.IsInterface(),
		Accessor:          accessorDesc,
	}
	for _, m := range methods {
		md, err := m.Descriptor()
		if err != nil {
			return nil, fail(m.Name+m.Type, "bad descriptor", err)
		}
		if m.Name == AccessorName && len(md.Parameters) == 0 {
			if md.ReturnKind() != 'A' {
				return nil, fail(m.Name+m.Type, "receiver accessor must return a reference", nil)
			}
			plan.Accessor = m.Type
			continue
		}
		f, err := resolve(m, md, candidates[prefix+m.Name])
		if err != nil {
			return nil, fail(m.Name+m.Type, err.Error(), nil)
		}
		plan.Forwards = append(plan.Forwards, f)
	}
	return plan, nil
}

// interfaceMethods returns the abstract methods of icf and its
// superinterfaces, own methods first.
func interfaceMethods(loader vm.ClassLoader, icf *classfile.ClassFile) ([]structure.MethodDesc, error) {
	var out []structure.MethodDesc
	seen := make(map[string]bool)
	visited := make(map[string]bool)
	var walk func(cf *classfile.ClassFile) error
	walk = func(cf *classfile.ClassFile) error {
		name, err := cf.ClassName()
		if err != nil {
			return err
		}
		if visited[name] {
			return nil
		}
		visited[name] = true
		for _, m := range cf.Methods {
			if !m.AccessFlags.IsAbstract() || m.AccessFlags.IsStatic() || seen[m.Name+m.Descriptor] {
				continue
			}
			seen[m.Name+m.Descriptor] = true
			out = append(out, structure.MethodDesc{Owner: name, Name: m.Name, Type: m.Descriptor, Access: structure.AccessOf(m.AccessFlags)})
		}
		for _, parent := range cf.InterfaceNames() {
			scf, err := loader.LoadClass(parent)
			if err != nil {
				return fmt.Errorf("%s: %w", parent, err)
			}
			if err := walk(scf); err != nil {
				return err
			}
		}
		return nil
	}
	return out, walk(icf)
}

// bridgeMethods indexes the instance methods of bridge whose names start
// with prefix by name. Overridden methods are listed once, most specific
// first. Platform supertypes that cannot be loaded are skipped.
func bridgeMethods(loader vm.ClassLoader, cf *classfile.ClassFile, bridge, prefix string) (map[string][]structure.MethodDesc, error) {
	out := make(map[string][]structure.MethodDesc)
	seen := make(map[string]bool)
	visited := make(map[string]bool)
	queue := []*classfile.ClassFile{cf}
	names := []string{bridge}
	for len(queue) > 0 {
		k, owner := queue[0], names[0]
		queue, names = queue[1:], names[1:]
		if visited[owner] {
			continue
		}
		visited[owner] = true
		for _, m := range k.Methods {
			flags := m.AccessFlags
			if !strings.HasPrefix(m.Name, prefix) || flags.IsStatic() || flags.IsPrivate() || m.Name == "<init>" {
				continue
			}
			if seen[m.Name+m.Descriptor] {
				continue
			}
			seen[m.Name+m.Descriptor] = true
			out[m.Name] = append(out[m.Name], structure.MethodDesc{Owner: owner, Name: m.Name, Type: m.Descriptor, Access: structure.AccessOf(flags)})
		}
		supers := k.InterfaceNames()
		if s := k.SuperClassName(); s != "" {
			supers = append([]string{s}, supers...)
		}
		for _, s := range supers {
			scf, err := loader.LoadClass(s)
			if err != nil {
				if strings.HasPrefix(s, "java/") {
					continue
				}
				return nil, fmt.Errorf("%s: %w", s, err)
			}
			queue, names = append(queue, scf), append(names, s)
		}
	}
	return out, nil
}

// resolve picks the bridge method implementing m among candidates of the
// right name. An exact descriptor match wins; otherwise exactly one
// compatible candidate must exist.
func resolve(m structure.MethodDesc, md *classfile.MethodDescriptor, candidates []structure.MethodDesc) (Forward, error) {
	if len(candidates) == 0 {
		return Forward{}, fmt.Errorf("no bridge method found")
	}
	var found []Forward
	for _, c := range candidates {
		cd, err := c.Descriptor()
		if err != nil {
			return Forward{}, err
		}
		if !compatible(md, cd) {
			continue
		}
		f := Forward{Method: m, Target: c, from: md, to: cd}
		if c.Type == m.Type {
			return f, nil
		}
		found = append(found, f)
	}
	switch len(found) {
	case 0:
		types := make([]string, len(candidates))
		for i, c := range candidates {
			types[i] = c.Name + c.Type
		}
		return Forward{}, fmt.Errorf("no compatible bridge method among %s", strings.Join(types, ", "))
	case 1:
		return found[0], nil
	}
	return Forward{}, fmt.Errorf("%d bridge methods are compatible", len(found))
}

func compatible(iface, bridge *classfile.MethodDescriptor) bool {
	if len(iface.Parameters) != len(bridge.Parameters) {
		return false
	}
	for i, p := range iface.Parameters {
		if !sameShape(p, bridge.Parameters[i]) {
			return false
		}
	}
	switch {
	case iface.Return == nil:
		return true
	case bridge.Return == nil:
		return false
	}
	return sameShape(*iface.Return, *bridge.Return)
}

// sameShape reports whether a value of type a can be passed where b is
// expected after at most a checkcast.
func sameShape(a, b classfile.FieldType) bool {
	if a.IsReference() || b.IsReference() {
		return a.IsReference() && b.IsReference()
	}
	return a.Base == b.Base
}
