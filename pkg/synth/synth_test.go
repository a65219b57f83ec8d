package synth

import (
	"bytes"
	"errors"
	"maps"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/daimatz/classmod/internal/testclass"
	"github.com/daimatz/classmod/pkg/bytecode"
	"github.com/daimatz/classmod/pkg/classfile"
	"github.com/daimatz/classmod/pkg/vm"
)

const (
	namespace = "classmod/gen"
	prefix    = "bridge$"
	player    = "demo/Player"
	entity    = "api/Entity"
)

// playerClass builds a class whose methods carry the bridge prefix:
//
//	int hp = 100; String name = "anon";
//	int bridge$health()               { return hp; }
//	void bridge$rename(String n)      { name = n; }
//	String bridge$name()              { return name; }
//	double bridge$scale(double d)     { return d * 2.0; }
//	long bridge$offset(long l)        { return l + 10; }
//	int bridge$damage(int n)          { hp -= n; return hp; }
func playerClass(t *testing.T) *classfile.ClassFile {
	cf := testclass.Class(player)
	cf.AddField(classfile.AccPrivate, "hp", "I")
	cf.AddField(classfile.AccPrivate, "name", "Ljava/lang/String;")
	testclass.Method(t, cf, classfile.AccPublic, "<init>", "()V", bytecode.NewBuilder().
		Load('A', 0).Invoke(bytecode.OpInvokespecial, "java/lang/Object", "<init>", "()V").
		Load('A', 0).Int(100).Field(bytecode.OpPutfield, player, "hp", "I").
		Load('A', 0).Ldc("anon").Field(bytecode.OpPutfield, player, "name", "Ljava/lang/String;").
		Return('V'))

	method := func(name, desc string, b *bytecode.Builder) {
		testclass.Method(t, cf, classfile.AccPublic, name, desc, b)
	}
	method("bridge$health", "()I", bytecode.NewBuilder().
		Load('A', 0).Field(bytecode.OpGetfield, player, "hp", "I").Return('I'))
	method("bridge$rename", "(Ljava/lang/String;)V", bytecode.NewBuilder().
		Load('A', 0).Load('A', 1).Field(bytecode.OpPutfield, player, "name", "Ljava/lang/String;").Return('V'))
	method("bridge$name", "()Ljava/lang/String;", bytecode.NewBuilder().
		Load('A', 0).Field(bytecode.OpGetfield, player, "name", "Ljava/lang/String;").Return('A'))
	method("bridge$scale", "(D)D", bytecode.NewBuilder().
		Load('D', 1).Ldc(2.0).Op(bytecode.OpDmul).Return('D'))
	method("bridge$offset", "(J)J", bytecode.NewBuilder().
		Load('J', 1).Ldc(int64(10)).Op(bytecode.OpLadd).Return('J'))
	method("bridge$damage", "(I)I", bytecode.NewBuilder().
		Load('A', 0).Load('A', 0).Field(bytecode.OpGetfield, player, "hp", "I").
		Load('I', 1).Op(bytecode.OpIsub).Field(bytecode.OpPutfield, player, "hp", "I").
		Load('A', 0).Field(bytecode.OpGetfield, player, "hp", "I").Return('I'))
	// Not prefixed, so never a forwarding target.
	method("health", "()I", bytecode.NewBuilder().Int(-1).Return('I'))
	return cf
}

func iface(name string, methods map[string]string, extends ...string) *classfile.ClassFile {
	cf := classfile.New(name, "java/lang/Object", classfile.AccPublic|classfile.AccInterface|classfile.AccAbstract, extends...)
	for _, n := range slices.Sorted(maps.Keys(methods)) {
		cf.AddMethod(classfile.AccPublic|classfile.AccAbstract, n, methods[n])
	}
	return cf
}

// entityInterfaces returns api/Entity, which extends api/Named.
func entityInterfaces() []*classfile.ClassFile {
	named := iface("api/Named", map[string]string{
		"name": "()Ljava/lang/CharSequence;",
	})
	ent := iface(entity, map[string]string{
		"health":     "()I",
		"rename":     "(Ljava/lang/Object;)V",
		"scale":      "(D)D",
		"offset":     "(J)J",
		"damage":     "(I)V",
		AccessorName: "()Ljava/lang/Object;",
	}, "api/Named")
	return []*classfile.ClassFile{ent, named}
}

func newLoader(t *testing.T, classes ...*classfile.ClassFile) *vm.MemoryClassLoader {
	t.Helper()
	loader := vm.NewMemoryClassLoader(nil)
	for _, cf := range classes {
		name, err := cf.ClassName()
		require.NoError(t, err)
		loader.Add(name, testclass.Bytes(t, cf))
	}
	return loader
}

func setup(t *testing.T) (*Synthesizer, *vm.MemoryClassLoader) {
	t.Helper()
	loader := newLoader(t, append(entityInterfaces(), playerClass(t))...)
	return New(loader, namespace, prefix), loader
}

func TestBindingName(t *testing.T) {
	assert.Equal(t, "classmod/gen/Entity$Player", BindingName("classmod/gen", entity, player))
	assert.Equal(t, "gen/Entity$Player", BindingName("gen/", entity, player))
}

func TestDiscover(t *testing.T) {
	_, loader := setup(t)
	plan, err := Discover(loader, namespace, entity, player, prefix)
	require.NoError(t, err)

	assert.Equal(t, "classmod/gen/Entity$Player", plan.Class)
	assert.Equal(t, "()Ljava/lang/Object;", plan.Accessor)
	assert.False(t, plan.BridgeIsInterface)

	targets := make(map[string]string)
	for _, f := range plan.Forwards {
		assert.Equal(t, player, f.Target.Owner)
		targets[f.Method.Name+f.Method.Type] = f.Target.Name + f.Target.Type
	}
	assert.Equal(t, map[string]string{
		"health()I":                      "bridge$health()I",
		"rename(Ljava/lang/Object;)V":    "bridge$rename(Ljava/lang/String;)V",
		"scale(D)D":                      "bridge$scale(D)D",
		"offset(J)J":                     "bridge$offset(J)J",
		"damage(I)V":                     "bridge$damage(I)I",
		"name()Ljava/lang/CharSequence;": "bridge$name()Ljava/lang/String;",
	}, targets)
}

func TestDiscoverFailsFast(t *testing.T) {
	tests := []struct {
		name    string
		methods map[string]string
		method  string
	}{
		{"missing method", map[string]string{"fly": "()V"}, "fly()V"},
		{"primitive mismatch", map[string]string{"damage": "(J)V"}, "damage(J)V"},
		{"arity mismatch", map[string]string{"health": "(I)I"}, "health(I)I"},
		{"result mismatch", map[string]string{"name": "()I"}, "name()I"},
		{"void bridge", map[string]string{"rename": "(Ljava/lang/String;)I"}, "rename(Ljava/lang/String;)I"},
		{"primitive accessor", map[string]string{AccessorName: "()I"}, AccessorName + "()I"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loader := newLoader(t, iface("api/Bad", tt.methods), playerClass(t))
			s := New(loader, namespace, prefix)

			_, err := s.Bind("api/Bad", player)
			var serr *SynthesisError
			require.True(t, errors.As(err, &serr), "got %v", err)
			assert.Equal(t, tt.method, serr.Method)
			assert.Equal(t, "api/Bad", serr.Interface)
			assert.Equal(t, player, serr.Bridge)

			_, err = loader.LoadClass(BindingName(namespace, "api/Bad", player))
			assert.True(t, errors.Is(err, vm.ErrClassNotFound), "class defined after failed discovery")
		})
	}
}

func TestDiscoverRejectsBadTypes(t *testing.T) {
	s, _ := setup(t)

	_, err := s.Bind(player, player)
	var serr *SynthesisError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, "not an interface", serr.Reason)

	_, err = s.Bind(entity, "demo/Missing")
	require.True(t, errors.As(err, &serr))
	assert.True(t, errors.Is(err, vm.ErrClassNotFound))
}

func TestBindingForwards(t *testing.T) {
	s, loader := setup(t)
	b, err := s.Bind(entity, player)
	require.NoError(t, err)
	assert.Equal(t, "classmod/gen/Entity$Player", b.Name())

	machine := vm.NewVM(loader)
	receiver, err := machine.NewObject(player, "()V")
	require.NoError(t, err)
	instances, err := NewInstances(machine, 8)
	require.NoError(t, err)
	e, err := instances.Get(b, receiver)
	require.NoError(t, err)

	call := func(name, desc string, args ...vm.Value) vm.Value {
		t.Helper()
		v, err := machine.InvokeVirtual(e, name, desc, args...)
		require.NoError(t, err)
		return v
	}

	assert.Equal(t, int32(100), call("health", "()I").Int)
	call("rename", "(Ljava/lang/Object;)V", vm.RefValue("hero"))
	assert.Equal(t, "hero", call("name", "()Ljava/lang/CharSequence;").Ref)
	assert.Equal(t, 3.0, call("scale", "(D)D", vm.DoubleValue(1.5)).Double)
	assert.Equal(t, int64(15), call("offset", "(J)J", vm.LongValue(5)).Long)
	call("damage", "(I)V", vm.IntValue(30))
	assert.Equal(t, int32(70), call("health", "()I").Int)
	assert.Same(t, receiver.Ref, call(AccessorName, "()Ljava/lang/Object;").Ref)

	_, err = machine.InvokeVirtual(e, "rename", "(Ljava/lang/Object;)V", receiver)
	var jex *vm.JavaException
	require.True(t, errors.As(err, &jex), "got %v", err)
	assert.Equal(t, "java/lang/ClassCastException", jex.Object.ClassName)
}

func TestBindOnce(t *testing.T) {
	s, _ := setup(t)

	var g errgroup.Group
	results := make([]*Binding, 8)
	for i := range results {
		g.Go(func() error {
			b, err := s.Bind(entity, player)
			results[i] = b
			return err
		})
	}
	require.NoError(t, g.Wait())
	for _, b := range results {
		assert.Same(t, results[0], b)
	}

	again, err := s.Bind(entity, player)
	require.NoError(t, err)
	assert.Same(t, results[0], again)
}

func TestBindingNameCollision(t *testing.T) {
	health := map[string]string{"health": "()I"}
	loader := newLoader(t, iface("a/Foo", health), iface("b/Foo", health), playerClass(t))
	s := New(loader, namespace, prefix)

	first, err := s.Bind("a/Foo", player)
	require.NoError(t, err)
	assert.Equal(t, "classmod/gen/Foo$Player", first.Name())

	_, err = s.Bind("b/Foo", player)
	var se *SynthesisError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "b/Foo", se.Interface)
	assert.Equal(t, "binding name collision", se.Reason)
	assert.Contains(t, err.Error(), "classmod/gen/Foo$Player already binds a/Foo to demo/Player")

	again, err := s.Bind("a/Foo", player)
	require.NoError(t, err)
	assert.Same(t, first, again)
}

func TestGenerateIsDeterministic(t *testing.T) {
	_, loader := setup(t)
	var out [][]byte
	for i := 0; i < 2; i++ {
		plan, err := Discover(loader, namespace, entity, player, prefix)
		require.NoError(t, err)
		b, err := Generate(plan)
		require.NoError(t, err)
		out = append(out, b)
	}
	assert.True(t, bytes.Equal(out[0], out[1]))

	cf, err := classfile.ParseBytes(out[0])
	require.NoError(t, err)
	assert.Equal(t, []string{entity}, cf.InterfaceNames())
	var listing bytes.Buffer
	require.NoError(t, bytecode.DisassembleClass(&listing, cf))
	assert.Contains(t, listing.String(), "bridge$damage")
}

func TestInstances(t *testing.T) {
	s, loader := setup(t)
	b, err := s.Bind(entity, player)
	require.NoError(t, err)

	machine := vm.NewVM(loader)
	first, err := machine.NewObject(player, "()V")
	require.NoError(t, err)
	second, err := machine.NewObject(player, "()V")
	require.NoError(t, err)

	instances, err := NewInstances(machine, 1)
	require.NoError(t, err)

	a1, err := instances.Get(b, first)
	require.NoError(t, err)
	a2, err := instances.Get(b, first)
	require.NoError(t, err)
	assert.Same(t, a1.Ref, a2.Ref)

	b1, err := instances.Get(b, second)
	require.NoError(t, err)
	assert.NotSame(t, a1.Ref, b1.Ref)
	assert.Equal(t, 1, instances.Len())

	_, err = instances.Get(b, vm.NullValue())
	assert.Error(t, err)

	_, err = NewInstances(machine, 0)
	assert.Error(t, err)
}
