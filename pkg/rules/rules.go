// Package rules turns the rules of a configuration file into generators.
package rules

import (
	"fmt"
	"strings"

	"github.com/daimatz/classmod/pkg/bytecode"
	"github.com/daimatz/classmod/pkg/config"
	"github.com/daimatz/classmod/pkg/match"
	"github.com/daimatz/classmod/pkg/structure"
	"github.com/daimatz/classmod/pkg/transform"
)

// rule is a generator proposing a fixed bundle to the classes it selects.
type rule struct {
	name    string
	classes match.ClassMatcher
	methods []transform.MethodTransform
	wraps   []transform.ClassWrap
}

func (r *rule) Name() string { return r.name }

func (r *rule) Generate(_ *transform.Context, cs *structure.ClassStructure) (*transform.ClassTransform, error) {
	if !r.classes.Match(cs) {
		return nil, nil
	}
	return &transform.ClassTransform{Class: cs.Name, Methods: r.methods, Wraps: r.wraps}, nil
}

// Generators returns one generator per rule of c, in the order text, stub,
// remove, advice and file order within each kind.
func Generators(c *config.Config) ([]transform.Generator, error) {
	var gens []transform.Generator
	add := func(kind string, i int, r *rule) error {
		r.name = fmt.Sprintf("%s#%d", kind, i+1)
		for _, t := range r.methods {
			if err := transform.Validate(t); err != nil {
				return fmt.Errorf("%s rule %d: %w", kind, i+1, err)
			}
		}
		gens = append(gens, r)
		return nil
	}

	for i, t := range c.Text {
		on := methods(t.Target)
		err := add("text", i, &rule{
			classes: selects(t.Target, on),
			methods: []transform.MethodTransform{&transform.TextReplace{On: on, From: t.From, To: t.To}},
		})
		if err != nil {
			return nil, err
		}
	}
	for i, s := range c.Stub {
		on := stubbed(s.Target)
		err := add("stub", i, &rule{
			classes: selects(s.Target, on),
			methods: []transform.MethodTransform{&transform.StubReturn{On: on}},
		})
		if err != nil {
			return nil, err
		}
	}
	for i, r := range c.Remove {
		on, target := methods(r.Target), call(r.Call, r.CallDesc)
		pop := transform.AutoPop
		if r.Pop != nil {
			pop = *r.Pop
		}
		err := add("remove", i, &rule{
			classes: match.And(selects(r.Target, on), match.Calls(target)),
			methods: []transform.MethodTransform{&transform.InvokeRemove{On: on, Target: target, Pop: pop}},
		})
		if err != nil {
			return nil, err
		}
	}
	for i, a := range c.Advice {
		on := methods(a.Target)
		r := &rule{classes: selects(a.Target, on)}
		if a.Call != "" {
			target := call(a.Call, a.CallDesc)
			r.classes = match.And(r.classes, match.Calls(target))
			r.methods = []transform.MethodTransform{&transform.InvokeAdvice{
				On: on, Target: target, Before: printing(a.Before), After: printing(a.After),
			}}
		} else {
			r.wraps = []transform.ClassWrap{&transform.MethodAdvice{
				On: match.And(on, match.Concrete()), Enter: printing(a.Before), Exit: printing(a.After),
			}}
		}
		if err := add("advice", i, r); err != nil {
			return nil, err
		}
	}
	return gens, nil
}

// selects matches the classes t names that declare a method on matches.
func selects(t config.Target, on match.MethodMatcher) match.ClassMatcher {
	var classes match.ClassMatcher
	if prefix, ok := strings.CutSuffix(t.Class, "*"); ok {
		classes = match.ClassPrefix(prefix)
	} else {
		classes = match.Class(t.Class)
	}
	return match.And(classes, match.HasMethod(on))
}

func methods(t config.Target) match.MethodMatcher {
	return match.Method(structure.MethodDesc{Name: t.Method, Type: t.Desc})
}

// stubbed is methods, except that a rule without a method name never
// selects constructors or static initializers; those must be named.
func stubbed(t config.Target) match.MethodMatcher {
	on := methods(t)
	if t.Method != "" {
		return on
	}
	return match.And(on, match.Not(match.MethodNamed("<init>")), match.Not(match.MethodNamed("<clinit>")))
}

// call matches call sites of ref, "owner.name" or a bare method name.
func call(ref, desc string) match.MethodMatcher {
	q := structure.MethodDesc{Name: ref, Type: desc}
	if i := strings.LastIndexByte(ref, '.'); i >= 0 {
		q.Owner, q.Name = ref[:i], ref[i+1:]
	}
	return match.Method(q)
}

// printing returns instructions printing s to System.out, or nothing for
// an empty s.
func printing(s string) []*bytecode.Insn {
	if s == "" {
		return nil
	}
	return bytecode.NewBuilder().Println(s).Insns()
}
