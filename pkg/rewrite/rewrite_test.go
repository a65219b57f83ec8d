package rewrite

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tliron/commonlog"

	"github.com/daimatz/classmod/internal/testclass"
	"github.com/daimatz/classmod/pkg/bytecode"
	"github.com/daimatz/classmod/pkg/classfile"
	"github.com/daimatz/classmod/pkg/match"
	"github.com/daimatz/classmod/pkg/structure"
	"github.com/daimatz/classmod/pkg/transform"
	"github.com/daimatz/classmod/pkg/vm"
)

const (
	game   = "demo/Game"
	static = classfile.AccPublic | classfile.AccStatic
)

// gameClass builds demo/Game:
//
//	static String title()      { return "Running at 60 FPS"; }
//	static String label(int n) { return "FPS: " + n; }
//	static int helper(int n)   { return n * 7; }
//	static int triple(int n)   { return n * 3; }
//	static int compute()       { return helper(6); }
//	static void log()          { System.out.println("log"); }
//	static void run()          { log(); System.out.println("done"); }
func gameClass(t *testing.T) []byte {
	t.Helper()
	cf := testclass.Class(game)
	testclass.Method(t, cf, static, "title", "()Ljava/lang/String;",
		bytecode.NewBuilder().Ldc("Running at 60 FPS").Return('A'))

	bsm := testclass.ConcatBootstrap(cf, "FPS: \u0001")
	testclass.Method(t, cf, static, "label", "(I)Ljava/lang/String;",
		bytecode.NewBuilder().Load('I', 0).
			Add(&bytecode.Insn{Op: bytecode.OpInvokedynamic, Indy: &bytecode.Dynamic{
				Bootstrap: bsm, Name: "makeConcatWithConstants", Desc: "(I)Ljava/lang/String;",
			}}).
			Return('A'))

	testclass.Method(t, cf, static, "helper", "(I)I",
		bytecode.NewBuilder().Load('I', 0).Int(7).Op(bytecode.OpImul).Return('I'))
	testclass.Method(t, cf, static, "triple", "(I)I",
		bytecode.NewBuilder().Load('I', 0).Int(3).Op(bytecode.OpImul).Return('I'))
	testclass.Method(t, cf, static, "compute", "()I",
		bytecode.NewBuilder().Int(6).Invoke(bytecode.OpInvokestatic, game, "helper", "(I)I").Return('I'))
	testclass.Method(t, cf, static, "log", "()V",
		bytecode.NewBuilder().Println("log").Return('V'))
	testclass.Method(t, cf, static, "run", "()V",
		bytecode.NewBuilder().Invoke(bytecode.OpInvokestatic, game, "log", "()V").Println("done").Return('V'))
	return testclass.Bytes(t, cf)
}

// program runs rewritten classes in a fresh VM.
type program struct {
	vm  *vm.VM
	out *bytes.Buffer
}

func newProgram(classes map[string][]byte) *program {
	loader := vm.NewMemoryClassLoader(nil)
	for name, b := range classes {
		loader.Add(name, b)
	}
	p := &program{vm: vm.NewVM(loader), out: &bytes.Buffer{}}
	p.vm.Stdout = p.out
	return p
}

func (p *program) call(t *testing.T, name, desc string, args ...vm.Value) vm.Value {
	t.Helper()
	v, err := p.vm.InvokeStatic(game, name, desc, args...)
	require.NoError(t, err)
	return v
}

func newEngine(t *testing.T, gens ...transform.Generator) *Engine {
	t.Helper()
	e, err := New(gens)
	require.NoError(t, err)
	return e
}

// propose returns a generator proposing methods for demo/Game only.
func propose(name string, methods ...transform.MethodTransform) transform.Generator {
	return transform.GeneratorFunc(name, func(_ *transform.Context, cs *structure.ClassStructure) (*transform.ClassTransform, error) {
		if cs.Name != game {
			return nil, nil
		}
		return &transform.ClassTransform{Class: cs.Name, Methods: methods}, nil
	})
}

// rewriteGame runs demo/Game through an engine with gens and returns a
// program over the result.
func rewriteGame(t *testing.T, gens ...transform.Generator) (*program, bool) {
	t.Helper()
	out, changed := newEngine(t, gens...).Transform("app", game, gameClass(t))
	return newProgram(map[string][]byte{game: out}), changed
}

func callTo(name string) match.MethodMatcher {
	return match.Method(structure.MethodDesc{Owner: game, Name: name})
}

func TestUntouchedClass(t *testing.T) {
	b := gameClass(t)
	none := transform.GeneratorFunc("none", func(*transform.Context, *structure.ClassStructure) (*transform.ClassTransform, error) {
		return nil, nil
	})
	empty := propose("empty")
	e := newEngine(t, none, empty)

	out, changed := e.Transform("app", game, b)
	assert.False(t, changed)
	assert.Equal(t, b, out)

	// A transform whose trigger matches no method applies nothing.
	e = newEngine(t, propose("miss", &transform.StubReturn{On: match.MethodNamed("absent")}))
	out, changed = e.Transform("app", game, b)
	assert.False(t, changed)
	assert.Equal(t, b, out)
}

func TestUnparsableClass(t *testing.T) {
	e := newEngine(t, propose("stub", &transform.StubReturn{On: match.Any[structure.MethodDesc]()}))
	b := []byte{0xCA, 0xFE, 0xBA, 0xBE, 0x00}
	out, changed := e.Transform("app", "broken/Class", b)
	assert.False(t, changed)
	assert.Equal(t, b, out)

	_, _, err := e.Rewrite(b, &transform.ClassTransform{Class: "broken/Class"})
	var perr *ParseError
	assert.True(t, errors.As(err, &perr))
}

func TestTextReplace(t *testing.T) {
	b := gameClass(t)
	out, changed := newEngine(t,
		propose("title", &transform.TextReplace{On: match.MethodNamed("title"), From: "Running at 60 FPS", To: "Running at 30 FPS"}),
		propose("recipe", &transform.TextReplace{On: match.MethodNamed("label"), From: "FPS", To: "FPM"}),
	).Transform("app", game, b)
	require.True(t, changed)

	p := newProgram(map[string][]byte{game: out})
	assert.Equal(t, "Running at 30 FPS", p.call(t, "title", "()Ljava/lang/String;").Ref)
	assert.Equal(t, "FPM: 5", p.call(t, "label", "(I)Ljava/lang/String;", vm.IntValue(5)).Ref)
	p.call(t, "run", "()V")
	assert.Equal(t, "log\ndone\n", p.out.String())

	// Existing pool strings are untouched; the replacements are appended.
	before, after := poolStrings(t, b), poolStrings(t, out)
	require.Len(t, after, len(before)+2)
	assert.Equal(t, before, after[:len(before)])
	assert.ElementsMatch(t, []string{"Running at 30 FPS", "FPM: \u0001"}, after[len(before):])
}

// poolStrings returns the CONSTANT_String values of a class in pool order.
func poolStrings(t *testing.T, b []byte) []string {
	t.Helper()
	cf, err := classfile.ParseBytes(b)
	require.NoError(t, err)
	var out []string
	for i, e := range cf.ConstantPool {
		if _, ok := e.(*classfile.ConstantString); !ok {
			continue
		}
		s, err := classfile.GetString(cf.ConstantPool, uint16(i))
		require.NoError(t, err)
		out = append(out, s)
	}
	return out
}

func TestTextReplaceMatchesWholeLiterals(t *testing.T) {
	p, changed := rewriteGame(t,
		propose("partial", &transform.TextReplace{On: match.MethodNamed("title"), From: "FPS", To: "FPM"}))
	assert.False(t, changed)
	assert.Equal(t, "Running at 60 FPS", p.call(t, "title", "()Ljava/lang/String;").Ref)
}

func TestInvokeRemove(t *testing.T) {
	p, changed := rewriteGame(t,
		propose("drop-helper", &transform.InvokeRemove{On: match.MethodNamed("compute"), Target: callTo("helper"), Pop: transform.AutoPop}),
		propose("drop-log", &transform.InvokeRemove{On: match.MethodNamed("run"), Target: callTo("log")}),
	)
	require.True(t, changed)
	assert.Equal(t, int32(0), p.call(t, "compute", "()I").Int)
	p.call(t, "run", "()V")
	assert.Equal(t, "done\n", p.out.String())
}

func TestInvokeReplaceCall(t *testing.T) {
	p, changed := rewriteGame(t, propose("triple", &transform.InvokeReplaceCall{
		On:     match.MethodNamed("compute"),
		Target: callTo("helper"),
		Call:   bytecode.MethodInsn(bytecode.OpInvokestatic, game, "triple", "(I)I", false),
	}))
	require.True(t, changed)
	assert.Equal(t, int32(18), p.call(t, "compute", "()I").Int)
}

func TestInvokeReplaceCode(t *testing.T) {
	p, changed := rewriteGame(t, propose("constant", &transform.InvokeReplaceCode{
		On:     match.MethodNamed("compute"),
		Target: callTo("helper"),
		Code:   []*bytecode.Insn{bytecode.Op(bytecode.OpPop), bytecode.IntInsn(bytecode.OpBipush, 99)},
	}))
	require.True(t, changed)
	assert.Equal(t, int32(99), p.call(t, "compute", "()I").Int)
}

func say(s string) []*bytecode.Insn {
	return bytecode.NewBuilder().Println(s).Insns()
}

func TestInvokeAdviceOrder(t *testing.T) {
	advise := func(name string) transform.Generator {
		return propose(name, &transform.InvokeAdvice{
			On:     match.MethodNamed("run"),
			Target: callTo("log"),
			Before: say(name + " before"),
			After:  say(name + " after"),
		})
	}
	p, changed := rewriteGame(t, advise("outer"), advise("inner"))
	require.True(t, changed)
	p.call(t, "run", "()V")
	assert.Equal(t, "outer before\ninner before\nlog\ninner after\nouter after\ndone\n", p.out.String())
}

func TestInjectedBranchesGetFrames(t *testing.T) {
	abs := func() []*bytecode.Insn {
		b := bytecode.NewBuilder()
		done := b.NewLabel()
		b.Op(bytecode.OpDup).Jump(bytecode.OpIfge, done).Op(bytecode.OpIneg).Mark(done)
		return b.Insns()
	}
	for _, expand := range []bool{false, true} {
		t.Run(fmt.Sprintf("expand=%v", expand), func(t *testing.T) {
			gen := transform.GeneratorFunc("abs", func(_ *transform.Context, cs *structure.ClassStructure) (*transform.ClassTransform, error) {
				return &transform.ClassTransform{
					Methods: []transform.MethodTransform{&transform.InvokeAdvice{
						On:     match.MethodNamed("compute"),
						Target: callTo("helper"),
						Before: []*bytecode.Insn{bytecode.Op(bytecode.OpPop), bytecode.IntInsn(bytecode.OpBipush, -6)},
						After:  abs(),
					}},
					ExpandFrames: expand,
				}, nil
			})
			out, changed := newEngine(t, gen).Transform("app", game, gameClass(t))
			require.True(t, changed)

			cf, err := classfile.ParseBytes(out)
			require.NoError(t, err)
			m := cf.FindMethodByName("compute")
			require.NotNil(t, m)
			smt := m.Code.Attribute("StackMapTable")
			require.NotNil(t, smt, "branch target without a stack map frame")
			assert.Equal(t, expand, smt.Data[2] == 0xFF, "full_frame")

			code, err := bytecode.Decode(cf, m)
			require.NoError(t, err)
			var frames []*bytecode.Frame
			for _, in := range code.Insns {
				if in.Kind == bytecode.KindFrame {
					frames = append(frames, in.Frame)
				}
			}
			require.Len(t, frames, 1)
			assert.Equal(t, []bytecode.VType{{Tag: bytecode.TagInteger}}, frames[0].Stack)

			p := newProgram(map[string][]byte{game: out})
			assert.Equal(t, int32(42), p.call(t, "compute", "()I").Int)
		})
	}
}

func TestMethodAdvice(t *testing.T) {
	wrap := transform.GeneratorFunc("trace", func(_ *transform.Context, cs *structure.ClassStructure) (*transform.ClassTransform, error) {
		return &transform.ClassTransform{Wraps: []transform.ClassWrap{&transform.MethodAdvice{
			On:    match.MethodNamed("log"),
			Enter: say("enter"),
			Exit:  say("exit"),
		}}}, nil
	})
	p, changed := rewriteGame(t, wrap)
	require.True(t, changed)
	p.call(t, "run", "()V")
	assert.Equal(t, "enter\nlog\nexit\ndone\n", p.out.String())
}

func TestBodyReplacement(t *testing.T) {
	p, changed := rewriteGame(t,
		propose("stub", &transform.StubReturn{On: match.Or(match.MethodNamed("title"), match.MethodNamed("log"))}),
		propose("seven", &transform.FullBodyReplace{On: match.MethodNamed("compute"), Body: bytecode.NewBuilder().Int(7).Return('I').Code()}),
	)
	require.True(t, changed)
	assert.True(t, p.call(t, "title", "()Ljava/lang/String;").IsNull())
	assert.Equal(t, int32(7), p.call(t, "compute", "()I").Int)
	p.call(t, "run", "()V")
	assert.Equal(t, "done\n", p.out.String())
}

func TestBodyReplacementExcludesOtherTransforms(t *testing.T) {
	stub := &transform.StubReturn{On: match.MethodNamed("compute")}
	other := &transform.InvokeRemove{On: match.MethodNamed("compute"), Target: callTo("helper"), Pop: transform.AutoPop}

	b := gameClass(t)
	out, changed := newEngine(t, propose("a", stub), propose("b", other)).Transform("app", game, b)
	assert.False(t, changed)
	assert.Equal(t, b, out)

	e := newEngine(t)
	_, _, err := e.Rewrite(b, &transform.ClassTransform{Class: game, Methods: []transform.MethodTransform{stub, other}})
	var rerr *RewriteError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, game, rerr.Class)
	assert.Equal(t, 2, rerr.Transforms)
	var pe *transform.PreconditionError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "compute()I", pe.Method)
}

func TestRewriteFailureKeepsClass(t *testing.T) {
	tests := []struct {
		name string
		wrap func(*transform.MethodContext) error
	}{
		{"error", func(*transform.MethodContext) error { return fmt.Errorf("refused") }},
		{"panic", func(*transform.MethodContext) error { panic("boom") }},
		{"invalid code", func(m *transform.MethodContext) error {
			m.Code.Insns = append([]*bytecode.Insn{bytecode.Op(bytecode.OpPop)}, m.Code.Insns...)
			m.MarkChanged()
			return nil
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := gameClass(t)
			gen := propose("wrap", &transform.GenericWrap{On: match.MethodNamed("compute"), Name: tt.name, Wrap: tt.wrap})
			out, changed := newEngine(t, gen).Transform("app", game, b)
			assert.False(t, changed)
			assert.Equal(t, b, out)

			p := newProgram(map[string][]byte{game: out})
			assert.Equal(t, int32(42), p.call(t, "compute", "()I").Int)
		})
	}
}

func TestFailureIsolatedToOneClass(t *testing.T) {
	computeClass := func(name string) []byte {
		cf := testclass.Class(name)
		testclass.Method(t, cf, static, "compute", "()I", bytecode.NewBuilder().Int(42).Return('I'))
		return testclass.Bytes(t, cf)
	}
	gen := transform.GeneratorFunc("stub", func(_ *transform.Context, cs *structure.ClassStructure) (*transform.ClassTransform, error) {
		if cs.Name == "demo/Broken" {
			return &transform.ClassTransform{Methods: []transform.MethodTransform{&transform.GenericWrap{
				On:   match.MethodNamed("compute"),
				Name: "boom",
				Wrap: func(*transform.MethodContext) error { panic("boom") },
			}}}, nil
		}
		return &transform.ClassTransform{Methods: []transform.MethodTransform{&transform.StubReturn{On: match.MethodNamed("compute")}}}, nil
	})
	e := newEngine(t, gen)

	first, changed := e.Transform("app", game, gameClass(t))
	require.True(t, changed)

	broken := computeClass("demo/Broken")
	out, changed := e.Transform("app", "demo/Broken", broken)
	assert.False(t, changed)
	assert.Equal(t, broken, out)

	last, changed := e.Transform("app", "demo/Other", computeClass("demo/Other"))
	require.True(t, changed)

	p := newProgram(map[string][]byte{game: first, "demo/Broken": out, "demo/Other": last})
	for class, want := range map[string]int32{game: 0, "demo/Broken": 42, "demo/Other": 0} {
		v, err := p.vm.InvokeStatic(class, "compute", "()I")
		require.NoError(t, err)
		assert.Equal(t, want, v.Int, class)
	}
}

func TestFailingGeneratorIsIgnored(t *testing.T) {
	panics := transform.GeneratorFunc("panics", func(*transform.Context, *structure.ClassStructure) (*transform.ClassTransform, error) {
		panic("generator bug")
	})
	fails := transform.GeneratorFunc("fails", func(*transform.Context, *structure.ClassStructure) (*transform.ClassTransform, error) {
		return nil, fmt.Errorf("no thanks")
	})
	stub := propose("stub", &transform.StubReturn{On: match.MethodNamed("compute")})

	p, changed := rewriteGame(t, panics, fails, stub)
	require.True(t, changed)
	assert.Equal(t, int32(0), p.call(t, "compute", "()I").Int)
}

func TestInvalidProposalIsIgnored(t *testing.T) {
	b := gameClass(t)
	bad := propose("bad", &transform.TextReplace{On: match.MethodNamed("title")})
	out, changed := newEngine(t, bad).Transform("app", game, b)
	assert.False(t, changed)
	assert.Equal(t, b, out)

	// The other generators' proposals still apply.
	stub := propose("stub", &transform.StubReturn{On: match.MethodNamed("compute")})
	e := newEngine(t, bad, stub)
	cs, err := structure.Parse(b)
	require.NoError(t, err)
	bundle, err := e.Generate(&transform.Context{Loader: "app", Facts: e.Facts()}, cs)
	require.NoError(t, err)
	require.Len(t, bundle.Methods, 1)
	assert.Equal(t, "StubReturn", bundle.Methods[0].Kind())

	out, changed = e.Transform("app", game, b)
	require.True(t, changed)
	p := newProgram(map[string][]byte{game: out})
	assert.Equal(t, int32(0), p.call(t, "compute", "()I").Int)
	assert.Equal(t, "Running at 60 FPS", p.call(t, "title", "()Ljava/lang/String;").Ref)
}

func TestNewRejectsBadGenerators(t *testing.T) {
	ok := propose("ok")
	tests := []struct {
		name string
		gens []transform.Generator
	}{
		{"nil", []transform.Generator{ok, nil}},
		{"unnamed", []transform.Generator{propose("")}},
		{"duplicate", []transform.Generator{ok, propose("ok")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.gens)
			var pe *transform.PreconditionError
			assert.True(t, errors.As(err, &pe), "got %v", err)
		})
	}
}

func TestLearnedFacts(t *testing.T) {
	const silenced transform.FactKey = "silenced-method"

	marker := testclass.Class("demo/Marker")
	testclass.Method(t, marker, static, "log", "()V", bytecode.NewBuilder().Return('V'))
	markerBytes := testclass.Bytes(t, marker)

	learn := transform.GeneratorFunc("learn", func(ctx *transform.Context, cs *structure.ClassStructure) (*transform.ClassTransform, error) {
		if cs.Name == "demo/Marker" {
			ctx.Facts.Learn(silenced, cs.Methods[0].Desc.Name)
		}
		return nil, nil
	})
	stub := transform.GeneratorFunc("stub", func(ctx *transform.Context, cs *structure.ClassStructure) (*transform.ClassTransform, error) {
		if cs.Name != game {
			return nil, nil
		}
		name, err := transform.Fact[string](ctx.Facts, silenced)
		if err != nil {
			return nil, err
		}
		return &transform.ClassTransform{Methods: []transform.MethodTransform{&transform.StubReturn{On: match.MethodNamed(name)}}}, nil
	}, silenced)

	e := newEngine(t, learn, stub)
	b := gameClass(t)

	_, changed := e.Transform("app", game, b)
	assert.False(t, changed, "rewritten before the fact was learned")

	_, changed = e.Transform("app", "demo/Marker", markerBytes)
	assert.False(t, changed)
	v, ok := e.Facts().Lookup(silenced)
	require.True(t, ok)
	assert.Equal(t, "log", v)

	out, changed := e.Transform("app", game, b)
	require.True(t, changed)
	p := newProgram(map[string][]byte{game: out})
	p.call(t, "run", "()V")
	assert.Equal(t, "done\n", p.out.String())
}

func TestSharedFacts(t *testing.T) {
	facts := transform.NewFacts()
	e, err := New(nil, WithFacts(facts))
	require.NoError(t, err)
	assert.Same(t, facts, e.Facts())
}

func TestWithLogger(t *testing.T) {
	log := commonlog.GetLogger("classmod.rewrite.test")
	e, err := New(nil, WithLogger(log))
	require.NoError(t, err)
	assert.Equal(t, log, e.log)

	// Failures go to the replacement logger and still leave the class as is.
	b := gameClass(t)
	out, changed := e.Transform("app", game, append(b[:8:8], 0xFF))
	assert.False(t, changed)
	assert.Len(t, out, 9)
}

func TestTrace(t *testing.T) {
	var trace bytes.Buffer
	e, err := New([]transform.Generator{
		propose("stub", &transform.StubReturn{On: match.MethodNamed("compute")}),
	}, WithTrace(&trace))
	require.NoError(t, err)

	_, changed := e.Transform("app", game, gameClass(t))
	require.True(t, changed)
	assert.Contains(t, trace.String(), "== demo/Game: 1 transforms applied")
	assert.Contains(t, trace.String(), "compute")
}

func TestLoadTimeHook(t *testing.T) {
	e := newEngine(t, propose("constant", &transform.FullBodyReplace{
		On:   match.MethodNamed("compute"),
		Body: bytecode.NewBuilder().Int(5).Return('I').Code(),
	}))
	loader := vm.NewMemoryClassLoader(nil)
	loader.SetTransformer(e)
	loader.Add(game, gameClass(t))

	v, err := vm.NewVM(loader).InvokeStatic(game, "compute", "()I")
	require.NoError(t, err)
	assert.Equal(t, int32(5), v.Int)
}
