// Package transform describes rewrites of loaded classes: per-method
// transforms, whole-class wraps, the bundles generators produce and the
// reduction that merges them.
package transform

import (
	"fmt"

	"github.com/daimatz/classmod/pkg/bytecode"
	"github.com/daimatz/classmod/pkg/match"
)

// MethodTransform rewrites methods whose descriptor Trigger matches. The
// set of implementations is closed: *TextReplace, *InvokeRemove,
// *InvokeReplaceCall, *InvokeAdvice, *InvokeReplaceCode, *FullBodyReplace,
// *StubReturn and *GenericWrap.
type MethodTransform interface {
	Trigger() match.MethodMatcher
	Kind() string
	validate() error
}

// TextReplace replaces the string literal From with To. Literals loaded
// with ldc are replaced when equal to From; string arguments of
// invokedynamic bootstrap methods, such as string concatenation recipes,
// have every occurrence of From replaced. Strings computed at run time are
// not affected.
type TextReplace struct {
	On   match.MethodMatcher
	From string
	To   string
}

// AutoPop makes InvokeRemove discard the arguments and receiver of the
// removed call and push a zero value in place of its result.
const AutoPop = -1

// InvokeRemove drops calls matching Target. With Pop set to AutoPop the
// stack is balanced from the call's descriptor; otherwise Pop slots are
// discarded and nothing is pushed.
type InvokeRemove struct {
	On     match.MethodMatcher
	Target match.MethodMatcher
	Pop    int
}

// InvokeReplaceCall substitutes Call for calls matching Target, preceded by
// Setup.
type InvokeReplaceCall struct {
	On     match.MethodMatcher
	Target match.MethodMatcher
	Setup  []*bytecode.Insn
	Call   *bytecode.Insn
}

// InvokeAdvice runs Before immediately before and After immediately after
// calls matching Target. Before sees the call's arguments on the stack and
// must leave them there. After sees the call's result, if any, on top of
// the stack and must leave the stack as it found it.
type InvokeAdvice struct {
	On     match.MethodMatcher
	Target match.MethodMatcher
	Before []*bytecode.Insn
	After  []*bytecode.Insn
}

// InvokeReplaceCode replaces calls matching Target, including their effect
// on the stack, with Code.
type InvokeReplaceCode struct {
	On     match.MethodMatcher
	Target match.MethodMatcher
	Code   []*bytecode.Insn
}

// FullBodyReplace discards the body of the method and installs Body. It
// cannot be combined with any other transform on the same method.
type FullBodyReplace struct {
	On   match.MethodMatcher
	Body *bytecode.Code
}

// StubReturn replaces the body of the method with one returning the zero
// value of its return type. Like FullBodyReplace it excludes other
// transforms on the same method.
type StubReturn struct {
	On match.MethodMatcher
}

// GenericWrap runs Wrap on the decoded method, for rewrites the other kinds
// cannot express. Wrap reports edits through MethodContext.MarkChanged.
type GenericWrap struct {
	On   match.MethodMatcher
	Name string
	Wrap func(*MethodContext) error
}

func (t *TextReplace) Trigger() match.MethodMatcher       { return t.On }
func (t *InvokeRemove) Trigger() match.MethodMatcher      { return t.On }
func (t *InvokeReplaceCall) Trigger() match.MethodMatcher { return t.On }
func (t *InvokeAdvice) Trigger() match.MethodMatcher      { return t.On }
func (t *InvokeReplaceCode) Trigger() match.MethodMatcher { return t.On }
func (t *FullBodyReplace) Trigger() match.MethodMatcher   { return t.On }
func (t *StubReturn) Trigger() match.MethodMatcher        { return t.On }
func (t *GenericWrap) Trigger() match.MethodMatcher       { return t.On }

func (t *TextReplace) Kind() string       { return "TextReplace" }
func (t *InvokeRemove) Kind() string      { return "InvokeRemove" }
func (t *InvokeReplaceCall) Kind() string { return "InvokeReplaceCall" }
func (t *InvokeAdvice) Kind() string      { return "InvokeAdvice" }
func (t *InvokeReplaceCode) Kind() string { return "InvokeReplaceCode" }
func (t *FullBodyReplace) Kind() string   { return "FullBodyReplace" }
func (t *StubReturn) Kind() string        { return "StubReturn" }

func (t *GenericWrap) Kind() string {
	if t.Name != "" {
		return "GenericWrap(" + t.Name + ")"
	}
	return "GenericWrap"
}

// ReplacesBody reports whether t discards the whole method body.
func ReplacesBody(t MethodTransform) bool {
	switch t.(type) {
	case *FullBodyReplace, *StubReturn:
		return true
	}
	return false
}

func (t *TextReplace) validate() error {
	if t.From == "" {
		return fmt.Errorf("empty search text")
	}
	return nil
}

func (t *InvokeRemove) validate() error {
	if t.Target == nil {
		return fmt.Errorf("no target call matcher")
	}
	if t.Pop < AutoPop {
		return fmt.Errorf("invalid pop count %d", t.Pop)
	}
	return nil
}

func (t *InvokeReplaceCall) validate() error {
	if t.Target == nil {
		return fmt.Errorf("no target call matcher")
	}
	if t.Call == nil || !t.Call.IsOp() || !t.Call.Op.IsInvoke() || t.Call.Member == nil {
		return fmt.Errorf("replacement is not a method call")
	}
	return nil
}

func (t *InvokeAdvice) validate() error {
	if t.Target == nil {
		return fmt.Errorf("no target call matcher")
	}
	if len(t.Before) == 0 && len(t.After) == 0 {
		return fmt.Errorf("no advice")
	}
	return nil
}

func (t *InvokeReplaceCode) validate() error {
	if t.Target == nil {
		return fmt.Errorf("no target call matcher")
	}
	return nil
}

func (t *FullBodyReplace) validate() error {
	if t.Body == nil || len(t.Body.Ops()) == 0 {
		return fmt.Errorf("empty body")
	}
	return nil
}

func (t *StubReturn) validate() error { return nil }

func (t *GenericWrap) validate() error {
	if t.Wrap == nil {
		return fmt.Errorf("no wrap function")
	}
	return nil
}

// Validate checks the configuration of t.
func Validate(t MethodTransform) error {
	if t == nil {
		return &PreconditionError{Reason: "nil method transform"}
	}
	if t.Trigger() == nil {
		return &PreconditionError{Kind: t.Kind(), Reason: "no trigger matcher"}
	}
	if err := t.validate(); err != nil {
		return &PreconditionError{Kind: t.Kind(), Reason: err.Error()}
	}
	return nil
}
