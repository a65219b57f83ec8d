package synth

import (
	"github.com/daimatz/classmod/pkg/bytecode"
	"github.com/daimatz/classmod/pkg/classfile"
)

const receiverField = "receiver"

// ConstructorDesc is the descriptor of a binding's constructor, which takes
// the receiver.
const ConstructorDesc = "(" + objectDesc + ")V"

// Generate emits the binding class described by plan: a final class
// implementing plan.Interface that holds a receiver, exposes it through
// the accessor and forwards every interface method to the receiver.
func Generate(plan *Plan) ([]byte, error) {
	cf := classfile.New(plan.Class, objectClass,
		classfile.AccPublic|classfile.AccFinal|classfile.AccSuper|classfile.AccSynthetic, plan.Interface)
	cf.AddField(classfile.AccPrivate|classfile.AccFinal, receiverField, objectDesc)

	ctor := bytecode.NewBuilder().
		Load('A', 0).Invoke(bytecode.OpInvokespecial, objectClass, "<init>", "()V").
		Load('A', 0).Load('A', 1).Field(bytecode.OpPutfield, plan.Class, receiverField, objectDesc).
		Return('V')
	if err := addMethod(cf, "<init>", ConstructorDesc, ctor); err != nil {
		return nil, err
	}

	accessor := loadReceiver(bytecode.NewBuilder(), plan.Class)
	md, err := classfile.ParseMethodDescriptor(plan.Accessor)
	if err != nil {
		return nil, err
	}
	castTo(accessor, *md.Return)
	if err := addMethod(cf, AccessorName, plan.Accessor, accessor.Return('A')); err != nil {
		return nil, err
	}

	for _, f := range plan.Forwards {
		if err := addMethod(cf, f.Method.Name, f.Method.Type, forward(plan, f)); err != nil {
			return nil, err
		}
	}
	return cf.Bytes()
}

func addMethod(cf *classfile.ClassFile, name, desc string, b *bytecode.Builder) error {
	m := cf.AddMethod(classfile.AccPublic, name, desc)
	return bytecode.Encode(cf, m, b.Code(), false)
}

func loadReceiver(b *bytecode.Builder, class string) *bytecode.Builder {
	return b.Load('A', 0).Field(bytecode.OpGetfield, class, receiverField, objectDesc)
}

// castTo emits a checkcast to t unless t is Object.
func castTo(b *bytecode.Builder, t classfile.FieldType) {
	if name := t.InternalName(); name != objectClass {
		b.Type(bytecode.OpCheckcast, name)
	}
}

// forward emits the body of one forwarding method.
func forward(plan *Plan, f Forward) *bytecode.Builder {
	b := loadReceiver(bytecode.NewBuilder(), plan.Class)
	b.Type(bytecode.OpCheckcast, plan.Bridge)

	slot := 1
	for i, p := range f.from.Parameters {
		b.Load(p.Kind(), slot)
		slot += p.Slots()
		if target := f.to.Parameters[i]; target.IsReference() && target.Descriptor() != p.Descriptor() {
			castTo(b, target)
		}
	}
	if plan.BridgeIsInterface {
		b.InvokeInterface(plan.Bridge, f.Target.Name, f.Target.Type)
	} else {
		b.Invoke(bytecode.OpInvokevirtual, plan.Bridge, f.Target.Name, f.Target.Type)
	}

	switch ret := f.from.ReturnKind(); {
	case ret == 'V' && f.to.Return != nil:
		b.Op(bytecode.PopOp(f.to.ReturnSlots()))
	case ret == 'A' && f.to.Return.Descriptor() != f.from.Return.Descriptor():
		castTo(b, *f.from.Return)
	}
	return b.Return(f.from.ReturnKind())
}
