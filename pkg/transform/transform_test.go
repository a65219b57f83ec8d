package transform

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daimatz/classmod/internal/testclass"
	"github.com/daimatz/classmod/pkg/bytecode"
	"github.com/daimatz/classmod/pkg/classfile"
	"github.com/daimatz/classmod/pkg/match"
	"github.com/daimatz/classmod/pkg/structure"
)

func multiset(ts []MethodTransform) map[MethodTransform]int {
	out := make(map[MethodTransform]int)
	for _, t := range ts {
		out[t]++
	}
	return out
}

func TestReduceAssociativity(t *testing.T) {
	run := match.MethodNamed("run")
	x := &ClassTransform{Class: "game/Hud", Methods: []MethodTransform{
		&TextReplace{On: run, From: "FPS", To: "FPM"},
	}}
	y := &ClassTransform{Class: "game/Hud", ExpandFrames: true, Methods: []MethodTransform{
		&StubReturn{On: match.MethodNamed("tick")},
		&InvokeRemove{On: run, Target: match.MethodNamed("println"), Pop: AutoPop},
	}}
	z := &ClassTransform{Methods: []MethodTransform{
		&TextReplace{On: run, From: "HP", To: "MP"},
	}, Wraps: []ClassWrap{&MethodAdvice{On: run, Enter: bytecode.NewBuilder().Println("enter").Insns()}}}

	flat, err := Reduce("game/Hud", x, y, z)
	require.NoError(t, err)
	assert.Len(t, flat.Methods, 4)
	assert.Len(t, flat.Wraps, 1)
	assert.True(t, flat.ExpandFrames)
	assert.Equal(t, 5, flat.Count())

	orders := [][]*ClassTransform{{x, y, z}, {z, y, x}, {y, x, z}, {x, z, y}}
	for _, order := range orders {
		got, err := Reduce("game/Hud", order...)
		require.NoError(t, err)
		assert.Equal(t, multiset(flat.Methods), multiset(got.Methods))
		assert.Equal(t, flat.ExpandFrames, got.ExpandFrames)
		assert.Len(t, got.Wraps, 1)
	}

	xy, err := Reduce("game/Hud", x, y)
	require.NoError(t, err)
	left, err := Reduce("game/Hud", xy, z)
	require.NoError(t, err)
	yz, err := Reduce("game/Hud", y, z)
	require.NoError(t, err)
	right, err := Reduce("game/Hud", x, yz)
	require.NoError(t, err)
	assert.Equal(t, flat.Methods, left.Methods)
	assert.Equal(t, flat.Methods, right.Methods)
	assert.Equal(t, left.ExpandFrames, right.ExpandFrames)
}

func TestReduceEmpty(t *testing.T) {
	got, err := Reduce("game/Hud")
	require.NoError(t, err)
	assert.True(t, got.IsEmpty())

	got, err = Reduce("game/Hud", nil, &ClassTransform{}, nil)
	require.NoError(t, err)
	assert.True(t, got.IsEmpty())
	assert.True(t, (*ClassTransform)(nil).IsEmpty())
}

func TestReducePreconditions(t *testing.T) {
	run := match.MethodNamed("run")
	tests := []struct {
		name   string
		bundle *ClassTransform
	}{
		{"other class", &ClassTransform{Class: "game/Menu"}},
		{"nil transform", &ClassTransform{Methods: []MethodTransform{nil}}},
		{"nil trigger", &ClassTransform{Methods: []MethodTransform{&StubReturn{}}}},
		{"empty text", &ClassTransform{Methods: []MethodTransform{&TextReplace{On: run}}}},
		{"no target", &ClassTransform{Methods: []MethodTransform{&InvokeRemove{On: run}}}},
		{"bad pop", &ClassTransform{Methods: []MethodTransform{&InvokeRemove{On: run, Target: run, Pop: -2}}}},
		{"call is not invoke", &ClassTransform{Methods: []MethodTransform{
			&InvokeReplaceCall{On: run, Target: run, Call: bytecode.Op(bytecode.OpNop)},
		}}},
		{"no advice", &ClassTransform{Methods: []MethodTransform{&InvokeAdvice{On: run, Target: run}}}},
		{"empty body", &ClassTransform{Methods: []MethodTransform{&FullBodyReplace{On: run, Body: &bytecode.Code{}}}}},
		{"no wrap func", &ClassTransform{Methods: []MethodTransform{&GenericWrap{On: run}}}},
		{"nil class wrap", &ClassTransform{Wraps: []ClassWrap{nil}}},
		{"empty method advice", &ClassTransform{Wraps: []ClassWrap{&MethodAdvice{On: run}}}},
		{"nil class wrap func", &ClassTransform{Wraps: []ClassWrap{WrapClass("x", nil)}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Reduce("game/Hud", tt.bundle)
			var pe *PreconditionError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, "game/Hud", pe.Class)
		})
	}
}

func TestFactsLearnOnce(t *testing.T) {
	f := NewFacts()
	const key FactKey = "hud.render"

	_, err := f.Require(key)
	var missing *MissingFactError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, key, missing.Key)
	assert.Equal(t, []FactKey{key}, f.Missing(key))

	var wg sync.WaitGroup
	stored := make(chan int, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, ok := f.Learn(key, i); ok {
				stored <- i
			}
		}(i)
	}
	wg.Wait()
	close(stored)
	var winners []int
	for i := range stored {
		winners = append(winners, i)
	}
	require.Len(t, winners, 1)

	v, err := Fact[int](f, key)
	require.NoError(t, err)
	assert.Equal(t, winners[0], v)

	actual, ok := f.Learn(key, 100)
	assert.False(t, ok)
	assert.Equal(t, winners[0], actual)
	assert.Empty(t, f.Missing(key))

	_, err = Fact[string](f, key)
	assert.Error(t, err)
	assert.False(t, errors.As(err, &missing))
}

func TestGeneratorFunc(t *testing.T) {
	g := GeneratorFunc("hud", func(ctx *Context, c *structure.ClassStructure) (*ClassTransform, error) {
		return nil, nil
	}, "a", "b")
	assert.Equal(t, "hud", g.Name())
	r, ok := g.(Requirer)
	require.True(t, ok)
	assert.Equal(t, []FactKey{"a", "b"}, r.Requires())
}

func newContext(t *testing.T, cf *classfile.ClassFile) *ClassContext {
	t.Helper()
	b := testclass.Bytes(t, cf)
	cs, err := structure.Parse(b)
	require.NoError(t, err)
	file, err := classfile.ParseBytes(b)
	require.NoError(t, err)
	c, err := NewClassContext(file, cs)
	require.NoError(t, err)
	return c
}

func TestMethodAdvice(t *testing.T) {
	cf := testclass.Class("game/Hud")
	b := bytecode.NewBuilder()
	end := b.NewLabel()
	testclass.Method(t, cf, classfile.AccPublic|classfile.AccStatic, "clamp", "(I)I",
		b.Load('I', 0).
			Jump(bytecode.OpIfge, end).
			Int(0).
			Return('I').
			Mark(end).
			Frame(&bytecode.Frame{Locals: []bytecode.VType{{Tag: bytecode.TagInteger}}}).
			Load('I', 0).
			Return('I'))
	c := newContext(t, cf)

	advice := &MethodAdvice{
		On:    match.MethodNamed("clamp"),
		Enter: bytecode.NewBuilder().Println("enter").Insns(),
		Exit:  bytecode.NewBuilder().Println("exit").Insns(),
	}
	require.NoError(t, advice.Apply(c))

	changed := c.Changed()
	require.Len(t, changed, 1)
	m := changed[0]
	assert.Equal(t, "clamp", m.Desc.Name)

	var trace []string
	for _, in := range m.Code.Ops() {
		switch {
		case in.Op == bytecode.OpLdc:
			trace = append(trace, in.Const.(string))
		case in.Op.IsReturn():
			trace = append(trace, "return")
		}
	}
	assert.Equal(t, []string{"enter", "exit", "return", "exit", "return"}, trace)

	require.NoError(t, bytecode.Encode(c.File, m.Info(), m.Code, false))
	// The exit advice prints while the result is already on the stack.
	assert.Equal(t, 3, m.Code.MaxStack)
	assert.EqualValues(t, 3, m.Info().Code.MaxStack)
}

func TestSetBodyClearsNative(t *testing.T) {
	cf := testclass.Class("game/Hud")
	cf.AddMethod(classfile.AccPublic|classfile.AccNative, "sync", "()V")
	c := newContext(t, cf)

	m, err := c.Method(0)
	require.NoError(t, err)
	assert.Nil(t, m.Code)
	m.SetBody(bytecode.NewBuilder().Return('V').Code())
	assert.True(t, m.Changed())
	assert.False(t, m.Info().AccessFlags.IsNative())

	_, err = c.Method(1)
	assert.Error(t, err)
}
