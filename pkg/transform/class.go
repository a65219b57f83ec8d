package transform

import (
	"fmt"

	"github.com/daimatz/classmod/pkg/bytecode"
	"github.com/daimatz/classmod/pkg/match"
)

// ClassTransform is the set of rewrites proposed for one class.
type ClassTransform struct {
	Class   string
	Methods []MethodTransform
	Wraps   []ClassWrap

	// ExpandFrames writes every stack map frame of rewritten methods in
	// full form.
	ExpandFrames bool
}

// IsEmpty reports whether t rewrites nothing.
func (t *ClassTransform) IsEmpty() bool {
	return t == nil || (len(t.Methods) == 0 && len(t.Wraps) == 0)
}

// Count returns the number of method transforms and wraps in t.
func (t *ClassTransform) Count() int {
	if t == nil {
		return 0
	}
	return len(t.Methods) + len(t.Wraps)
}

// ClassWrap rewrites a class as a whole. Wraps run before the method
// transforms of their bundle.
type ClassWrap interface {
	Name() string
	Apply(c *ClassContext) error
}

type validator interface {
	validate() error
}

// MethodAdvice injects Enter at the start and Exit before every return of
// the methods On matches. Neither may change the operand stack.
type MethodAdvice struct {
	On    match.MethodMatcher
	Enter []*bytecode.Insn
	Exit  []*bytecode.Insn
}

func (a *MethodAdvice) Name() string { return "MethodAdvice" }

func (a *MethodAdvice) validate() error {
	if a.On == nil {
		return fmt.Errorf("no method matcher")
	}
	if len(a.Enter) == 0 && len(a.Exit) == 0 {
		return fmt.Errorf("no advice")
	}
	return nil
}

func (a *MethodAdvice) Apply(c *ClassContext) error {
	methods, err := c.Methods(a.On)
	if err != nil {
		return err
	}
	for _, m := range methods {
		if m.Code == nil {
			continue
		}
		if len(a.Exit) > 0 {
			for i := 0; i < len(m.Code.Insns); i++ {
				if in := m.Code.Insns[i]; in.IsOp() && in.Op.IsReturn() {
					i = m.Splice(i, 0, a.Exit)
				}
			}
		}
		if len(a.Enter) > 0 {
			m.Splice(0, 0, a.Enter)
		}
	}
	return nil
}

type wrapFunc struct {
	name string
	fn   func(*ClassContext) error
}

func (w *wrapFunc) Name() string                { return w.name }
func (w *wrapFunc) Apply(c *ClassContext) error { return w.fn(c) }
func (w *wrapFunc) validate() error {
	if w.fn == nil {
		return fmt.Errorf("no wrap function")
	}
	return nil
}

// WrapClass returns a ClassWrap running fn.
func WrapClass(name string, fn func(*ClassContext) error) ClassWrap {
	return &wrapFunc{name: name, fn: fn}
}
