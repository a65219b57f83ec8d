package rules

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daimatz/classmod/internal/testclass"
	"github.com/daimatz/classmod/pkg/bytecode"
	"github.com/daimatz/classmod/pkg/classfile"
	"github.com/daimatz/classmod/pkg/config"
	"github.com/daimatz/classmod/pkg/rewrite"
	"github.com/daimatz/classmod/pkg/structure"
	"github.com/daimatz/classmod/pkg/transform"
	"github.com/daimatz/classmod/pkg/vm"
)

const game = "demo/Game"

func gameClass(t *testing.T) []byte {
	t.Helper()
	static := classfile.AccPublic | classfile.AccStatic
	cf := testclass.Class(game)
	testclass.Method(t, cf, static, "title", "()Ljava/lang/String;",
		bytecode.NewBuilder().Ldc("FPS").Return('A'))
	testclass.Method(t, cf, static, "telemetry", "()I",
		bytecode.NewBuilder().Int(5).Return('I'))
	testclass.Method(t, cf, static, "helper", "(I)I",
		bytecode.NewBuilder().Load('I', 0).Return('I'))
	testclass.Method(t, cf, static, "compute", "()I",
		bytecode.NewBuilder().Int(6).Invoke(bytecode.OpInvokestatic, game, "helper", "(I)I").Return('I'))
	testclass.Method(t, cf, static, "log", "()V",
		bytecode.NewBuilder().Println("log").Return('V'))
	testclass.Method(t, cf, static, "run", "()V",
		bytecode.NewBuilder().Invoke(bytecode.OpInvokestatic, game, "log", "()V").Println("done").Return('V'))
	return testclass.Bytes(t, cf)
}

// load rewrites demo/Game with the rules of c while loading it.
func load(t *testing.T, c *config.Config) (*vm.VM, *bytes.Buffer) {
	t.Helper()
	gens, err := Generators(c)
	require.NoError(t, err)
	e, err := rewrite.New(gens)
	require.NoError(t, err)

	loader := vm.NewMemoryClassLoader(nil)
	loader.SetTransformer(e)
	loader.Add(game, gameClass(t))
	var out bytes.Buffer
	machine := vm.NewVM(loader)
	machine.Stdout = &out
	return machine, &out
}

func invoke(t *testing.T, machine *vm.VM, name, desc string) vm.Value {
	t.Helper()
	v, err := machine.InvokeStatic(game, name, desc)
	require.NoError(t, err)
	return v
}

func target(class, method string) config.Target {
	return config.Target{Class: class, Method: method}
}

func TestTextAndStubRules(t *testing.T) {
	c := config.Default()
	c.Text = []config.TextRule{{Target: target(game, "title"), From: "FPS", To: "FPM"}}
	c.Stub = []config.StubRule{{Target: target("demo/*", "telemetry")}}

	machine, _ := load(t, c)
	assert.Equal(t, "FPM", invoke(t, machine, "title", "()Ljava/lang/String;").Ref)
	assert.Equal(t, int32(0), invoke(t, machine, "telemetry", "()I").Int)
	assert.Equal(t, int32(6), invoke(t, machine, "compute", "()I").Int)
}

func TestStubWithoutMethodKeepsConstructors(t *testing.T) {
	cf := testclass.Class("demo/Player")
	testclass.Init(t, cf)
	testclass.Method(t, cf, classfile.AccPublic, "score", "()I",
		bytecode.NewBuilder().Int(9).Return('I'))
	testclass.Method(t, cf, classfile.AccStatic, "<clinit>", "()V",
		bytecode.NewBuilder().Println("clinit").Return('V'))

	c := config.Default()
	c.Stub = []config.StubRule{{Target: target("demo/Player", "")}}
	gens, err := Generators(c)
	require.NoError(t, err)
	e, err := rewrite.New(gens)
	require.NoError(t, err)

	cs, err := structure.Parse(testclass.Bytes(t, cf))
	require.NoError(t, err)
	bundle, err := e.Generate(&transform.Context{Facts: e.Facts()}, cs)
	require.NoError(t, err)
	require.Len(t, bundle.Methods, 1)
	on := bundle.Methods[0].Trigger()
	for _, m := range cs.Methods {
		assert.Equal(t, m.Desc.Name == "score", on.Match(m.Desc), m.Desc.Name)
	}

	// A named static initializer is still selected.
	c.Stub = []config.StubRule{{Target: target("demo/Player", "<clinit>")}}
	gens, err = Generators(c)
	require.NoError(t, err)
	bundle, err = gens[0].Generate(&transform.Context{Facts: transform.NewFacts()}, cs)
	require.NoError(t, err)
	require.NotNil(t, bundle)
	assert.True(t, bundle.Methods[0].Trigger().Match(structure.MethodDesc{Owner: "demo/Player", Name: "<clinit>", Type: "()V"}))
}

func TestRemoveRules(t *testing.T) {
	zero := 0
	c := config.Default()
	c.Remove = []config.RemoveRule{
		{Target: target(game, "compute"), Call: game + ".helper", CallDesc: "(I)I"},
		{Target: target(game, "run"), Call: "log", Pop: &zero},
	}

	machine, out := load(t, c)
	assert.Equal(t, int32(0), invoke(t, machine, "compute", "()I").Int)
	invoke(t, machine, "run", "()V")
	assert.Equal(t, "done\n", out.String())
}

func TestAdviceRules(t *testing.T) {
	c := config.Default()
	c.Advice = []config.AdviceRule{
		{Target: target(game, "run"), Call: game + ".log", Before: "before log"},
		{Target: target(game, "log"), Before: "enter", After: "exit"},
	}

	machine, out := load(t, c)
	invoke(t, machine, "run", "()V")
	assert.Equal(t, "before log\nenter\nlog\nexit\ndone\n", out.String())
}

func TestGenerators(t *testing.T) {
	c := config.Default()
	c.Text = []config.TextRule{
		{Target: target(game, "title"), From: "a", To: "b"},
		{Target: target(game, "title"), From: "c", To: "d"},
	}
	c.Stub = []config.StubRule{{Target: target("other/Class", "")}}
	gens, err := Generators(c)
	require.NoError(t, err)

	var names []string
	for _, g := range gens {
		names = append(names, g.Name())
	}
	assert.Equal(t, []string{"text#1", "text#2", "stub#1"}, names)

	cs, err := structure.Parse(gameClass(t))
	require.NoError(t, err)
	ctx := &transform.Context{Facts: transform.NewFacts()}

	bundle, err := gens[0].Generate(ctx, cs)
	require.NoError(t, err)
	require.NotNil(t, bundle)
	assert.Equal(t, game, bundle.Class)
	assert.Len(t, bundle.Methods, 1)

	bundle, err = gens[2].Generate(ctx, cs)
	require.NoError(t, err)
	assert.Nil(t, bundle, "rule for another class proposed a bundle")
}

func TestGeneratorsRejectInvalidRules(t *testing.T) {
	c := config.Default()
	c.Text = []config.TextRule{{Target: target(game, "title")}}
	_, err := Generators(c)
	var pe *transform.PreconditionError
	assert.ErrorAs(t, err, &pe)
}
