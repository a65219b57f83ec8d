// Package rewrite applies the transforms proposed by generators to classes
// as they are loaded.
//
// Each class goes through parse, generate, reduce, rewrite and emit. A
// failure in any step leaves the class as it was: the engine never rejects
// a class and never returns a partially rewritten one.
package rewrite

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/tliron/commonlog"

	"github.com/daimatz/classmod/pkg/bytecode"
	"github.com/daimatz/classmod/pkg/classfile"
	"github.com/daimatz/classmod/pkg/structure"
	"github.com/daimatz/classmod/pkg/transform"
)

// Engine rewrites classes with an ordered list of generators. It is safe
// for concurrent use.
type Engine struct {
	generators []transform.Generator
	facts      *transform.Facts
	log        commonlog.Logger

	traceMu sync.Mutex
	trace   io.Writer
}

// Option configures an Engine.
type Option func(*Engine)

// WithTrace writes a disassembly of every rewritten class and the number
// of applied transforms to w.
func WithTrace(w io.Writer) Option {
	return func(e *Engine) { e.trace = w }
}

// WithFacts shares a facts table with other engines or with code outside
// the engine.
func WithFacts(f *transform.Facts) Option {
	return func(e *Engine) { e.facts = f }
}

// WithLogger replaces the classmod.rewrite logger, which reports ignored
// generators and classes left unchanged after a failure.
func WithLogger(log commonlog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// New returns an Engine running generators in order. Generators must be
// non-nil and have distinct, non-empty names.
func New(generators []transform.Generator, opts ...Option) (*Engine, error) {
	seen := make(map[string]bool, len(generators))
	for i, g := range generators {
		if g == nil {
			return nil, &transform.PreconditionError{Reason: fmt.Sprintf("generator %d is nil", i)}
		}
		name := g.Name()
		if name == "" {
			return nil, &transform.PreconditionError{Reason: fmt.Sprintf("generator %d has no name", i)}
		}
		if seen[name] {
			return nil, &transform.PreconditionError{Reason: "duplicate generator " + name}
		}
		seen[name] = true
	}
	e := &Engine{
		generators: append([]transform.Generator(nil), generators...),
		facts:      transform.NewFacts(),
		log:        commonlog.GetLogger("classmod.rewrite"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Facts returns the facts table shared by the generators.
func (e *Engine) Facts() *transform.Facts {
	return e.facts
}

// Transform is the class-load hook. It returns the bytes to define for
// className and whether they differ from b. On any failure it returns b.
func (e *Engine) Transform(loader, className string, b []byte) ([]byte, bool) {
	cs, err := structure.Parse(b)
	if err != nil {
		e.log.Warningf("%s", &ParseError{Class: className, Err: err})
		return b, false
	}

	bundle, err := e.Generate(&transform.Context{Loader: loader, Facts: e.facts}, cs)
	if err != nil {
		e.log.Errorf("%s", err)
		return b, false
	}
	if bundle.IsEmpty() {
		return b, false
	}

	out, applied, err := e.rewrite(b, cs, bundle)
	if err != nil {
		e.log.Errorf("%s", err)
		return b, false
	}
	if applied == 0 {
		return b, false
	}
	e.log.Debugf("rewrote %s: %d transforms applied", cs.Name, applied)
	if e.trace != nil {
		e.traceClass(cs.Name, out, applied)
	}
	return out, true
}

// Generate offers cs to every generator and reduces the proposals. Failing
// generators are logged and ignored, and so is a proposal that does not
// pass validation, without affecting the proposals of other generators. A
// generator whose required facts are not all known is skipped.
func (e *Engine) Generate(ctx *transform.Context, cs *structure.ClassStructure) (*transform.ClassTransform, error) {
	var bundles []*transform.ClassTransform
	for _, g := range e.generators {
		if r, ok := g.(transform.Requirer); ok && ctx.Facts != nil {
			if missing := ctx.Facts.Missing(r.Requires()...); len(missing) > 0 {
				e.log.Warningf("generator %s skipped for class %s: facts not learned: %v", g.Name(), cs.Name, missing)
				continue
			}
		}
		t, err := runGenerator(g, ctx, cs)
		if err != nil {
			e.log.Errorf("%s", err)
			continue
		}
		if t == nil {
			continue
		}
		if _, err := transform.Reduce(cs.Name, t); err != nil {
			e.log.Errorf("%s", &GeneratorError{Generator: g.Name(), Class: cs.Name, Err: err})
			continue
		}
		bundles = append(bundles, t)
	}
	return transform.Reduce(cs.Name, bundles...)
}

func runGenerator(g transform.Generator, ctx *transform.Context, cs *structure.ClassStructure) (t *transform.ClassTransform, err error) {
	defer func() {
		if r := recover(); r != nil {
			t, err = nil, &GeneratorError{Generator: g.Name(), Class: cs.Name, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	t, err = g.Generate(ctx, cs)
	if err != nil {
		return nil, &GeneratorError{Generator: g.Name(), Class: cs.Name, Err: err}
	}
	return t, nil
}

// Rewrite applies bundle to the class in b and returns the new bytes and
// the number of transforms that changed something. It does not fall back
// to the original bytes; errors are returned as *RewriteError.
func (e *Engine) Rewrite(b []byte, bundle *transform.ClassTransform) ([]byte, int, error) {
	cs, err := structure.Parse(b)
	if err != nil {
		return nil, 0, &ParseError{Class: bundle.Class, Err: err}
	}
	return e.rewrite(b, cs, bundle)
}

func (e *Engine) rewrite(b []byte, cs *structure.ClassStructure, bundle *transform.ClassTransform) (out []byte, applied int, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, applied = nil, 0
			err = &RewriteError{Class: cs.Name, Transforms: bundle.Count(), Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	out, applied, err = rewriteClass(b, cs, bundle)
	if err != nil {
		var rerr *RewriteError
		if !errors.As(err, &rerr) {
			rerr = &RewriteError{Err: err}
		}
		rerr.Class, rerr.Transforms = cs.Name, bundle.Count()
		return nil, 0, rerr
	}
	return out, applied, nil
}

func (e *Engine) traceClass(name string, b []byte, applied int) {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "== %s: %d transforms applied\n", name, applied)
	cf, err := classfile.ParseBytes(b)
	if err == nil {
		err = bytecode.DisassembleClass(&buf, cf)
	}
	if err != nil {
		fmt.Fprintf(&buf, "disassembly failed: %v\n", err)
	}
	e.traceMu.Lock()
	defer e.traceMu.Unlock()
	e.trace.Write(buf.Bytes())
}
