package match

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daimatz/classmod/internal/testclass"
	"github.com/daimatz/classmod/pkg/bytecode"
	"github.com/daimatz/classmod/pkg/classfile"
	"github.com/daimatz/classmod/pkg/structure"
)

func TestAlgebraLaws(t *testing.T) {
	even := Func[int](func(v int) bool { return v%2 == 0 })
	small := Func[int](func(v int) bool { return v < 5 })
	matchers := map[string]Matcher[int]{
		"even":  even,
		"small": small,
		"any":   Any[int](),
		"none":  None[int](),
		"not":   Not[int](even),
	}

	for an, a := range matchers {
		for bn, b := range matchers {
			for v := 0; v < 10; v++ {
				assert.Equal(t, a.Match(v) && b.Match(v), And(a, b).Match(v), "%s AND %s on %d", an, bn, v)
				assert.Equal(t, a.Match(v) || b.Match(v), Or(a, b).Match(v), "%s OR %s on %d", an, bn, v)
				assert.Equal(t, And(a, b).Match(v), And(b, a).Match(v), "AND commutes")
				assert.Equal(t, Or(a, b).Match(v), Or(b, a).Match(v), "OR commutes")
			}
		}
		for v := 0; v < 10; v++ {
			assert.Equal(t, a.Match(v), Not(Not(a)).Match(v), "NOT NOT %s on %d", an, v)
		}
	}
}

func TestEmptyAndNil(t *testing.T) {
	assert.True(t, And[int]().Match(1))
	assert.False(t, Or[int]().Match(1))
	assert.False(t, And[int](nil).Match(1))
	assert.False(t, Or[int](nil).Match(1))
	assert.True(t, Not[int](nil).Match(1))
	assert.False(t, Not(Not[int](nil)).Match(1))
}

func TestShortCircuit(t *testing.T) {
	var calls []string
	counted := func(name string, result bool) Matcher[int] {
		return Func[int](func(int) bool {
			calls = append(calls, name)
			return result
		})
	}

	assert.False(t, And(counted("cheap", false), counted("costly", true)).Match(0))
	assert.Equal(t, []string{"cheap"}, calls)

	calls = nil
	assert.True(t, Or(counted("cheap", true), counted("costly", false)).Match(0))
	assert.Equal(t, []string{"cheap"}, calls)

	calls = nil
	assert.True(t, And(counted("a", true), counted("b", true)).Match(0))
	assert.Equal(t, []string{"a", "b"}, calls)
}

func TestMethodPredicates(t *testing.T) {
	d := structure.MethodDesc{Owner: "game/Hud", Name: "render", Type: "(I)V", Access: structure.AccessOf(classfile.AccPublic)}

	assert.True(t, Method(structure.Query("render", "(I)V")).Match(d))
	assert.False(t, Method(structure.Query("render", "()V")).Match(d))
	assert.True(t, MethodNamed("render").Match(d))
	assert.True(t, MethodIn("game/Hud").Match(d))
	assert.False(t, MethodIn("game/Menu").Match(d))
	assert.True(t, Concrete().Match(d))

	abstract := d
	abstract.Access = structure.AccessOf(classfile.AccPublic | classfile.AccAbstract)
	assert.False(t, Concrete().Match(abstract))
	assert.False(t, Concrete().Match(structure.CallSite(&bytecode.Member{Owner: "a/B", Name: "c", Desc: "()V"})))
}

func TestClassPredicates(t *testing.T) {
	cf := testclass.Class("game/ui/Hud", "java/lang/Runnable")
	cf.AddField(classfile.AccPrivate, "fps", "I")
	testclass.Method(t, cf, classfile.AccPublic, "run", "()V",
		bytecode.NewBuilder().Println("FPS").Return('V'))
	cs, err := structure.Parse(testclass.Bytes(t, cf))
	require.NoError(t, err)

	printCall := Method(structure.MethodDesc{Owner: "java/io/PrintStream", Name: "println"})
	tests := []struct {
		name string
		m    ClassMatcher
		want bool
	}{
		{"class", Class("game/ui/Hud"), true},
		{"other class", Class("game/ui/Menu"), false},
		{"prefix", ClassPrefix("game/ui/"), true},
		{"extends", Extends("java/lang/Object"), true},
		{"implements", Implements("java/lang/Runnable"), true},
		{"not implements", Implements("java/io/Closeable"), false},
		{"has string", HasString("FPS"), true},
		{"missing string", HasString("FPM"), false},
		{"has field", HasField("fps"), true},
		{"has method", HasMethod(MethodNamed("run")), true},
		{"calls", Calls(printCall), true},
		{"calls nothing else", Calls(MethodNamed("exit")), false},
		{"composite", And(Class("game/ui/Hud"), HasString("FPS"), Calls(printCall)), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.m.Match(cs))
			assert.False(t, tt.m.Match(nil), "nil structure")
		})
	}
}
