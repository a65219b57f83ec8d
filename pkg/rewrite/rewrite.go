package rewrite

import (
	"fmt"
	"strings"

	"github.com/daimatz/classmod/pkg/bytecode"
	"github.com/daimatz/classmod/pkg/classfile"
	"github.com/daimatz/classmod/pkg/match"
	"github.com/daimatz/classmod/pkg/structure"
	"github.com/daimatz/classmod/pkg/transform"
)

// rewriteClass applies bundle to a fresh copy of the class in b. Class
// wraps run first, in order. Then each method gets the method transforms
// whose trigger matches it, in bundle order, each seeing the output of the
// previous one. Only edited methods are re-encoded.
func rewriteClass(b []byte, cs *structure.ClassStructure, bundle *transform.ClassTransform) ([]byte, int, error) {
	cf, err := classfile.ParseBytes(b)
	if err != nil {
		return nil, 0, err
	}
	ctx, err := transform.NewClassContext(cf, cs)
	if err != nil {
		return nil, 0, err
	}
	r := &rewriter{class: ctx, bootstraps: make(map[bootstrapKey]uint16)}

	applied := 0
	for _, w := range bundle.Wraps {
		if err := w.Apply(ctx); err != nil {
			return nil, 0, &RewriteError{Kind: w.Name(), Err: err}
		}
		applied++
	}

	for i, sm := range cs.Methods {
		var ts []transform.MethodTransform
		for _, t := range bundle.Methods {
			if t.Trigger().Match(sm.Desc) {
				ts = append(ts, t)
			}
		}
		if len(ts) == 0 {
			continue
		}
		if err := checkBodyReplacement(cs.Name, sm.Desc, ts); err != nil {
			return nil, 0, err
		}
		m, err := ctx.Method(i)
		if err != nil {
			return nil, 0, &RewriteError{Method: sm.Desc.Name + sm.Desc.Type, Err: err}
		}
		for _, t := range ts {
			before := m.Edits()
			if err := r.apply(m, t); err != nil {
				return nil, 0, &RewriteError{Method: sm.Desc.Name + sm.Desc.Type, Kind: t.Kind(), Err: err}
			}
			if m.Edits() > before {
				applied++
			}
		}
	}

	if !ctx.Dirty() {
		return b, 0, nil
	}
	for _, m := range ctx.Changed() {
		if m.Code == nil {
			continue
		}
		if err := bytecode.Encode(cf, m.Info(), m.Code, bundle.ExpandFrames); err != nil {
			return nil, 0, &RewriteError{Method: m.Desc.Name + m.Desc.Type, Err: err}
		}
	}
	out, err := cf.Bytes()
	if err != nil {
		return nil, 0, err
	}
	return out, applied, nil
}

// checkBodyReplacement rejects a body replacement combined with any other
// transform on the same method.
func checkBodyReplacement(class string, d structure.MethodDesc, ts []transform.MethodTransform) error {
	if len(ts) < 2 {
		return nil
	}
	for _, t := range ts {
		if transform.ReplacesBody(t) {
			kinds := make([]string, len(ts))
			for i, t := range ts {
				kinds[i] = t.Kind()
			}
			return &transform.PreconditionError{
				Class:  class,
				Method: d.Name + d.Type,
				Kind:   t.Kind(),
				Reason: "body replacement combined with other transforms: " + strings.Join(kinds, ", "),
			}
		}
	}
	return nil
}

type bootstrapKey struct {
	t   *transform.TextReplace
	bsm uint16
}

type rewriter struct {
	class *transform.ClassContext
	// bootstraps maps a bootstrap method rewritten by a TextReplace to
	// its replacement, so that call sites sharing it share the copy.
	bootstraps map[bootstrapKey]uint16
}

func (r *rewriter) apply(m *transform.MethodContext, t transform.MethodTransform) error {
	switch t := t.(type) {
	case *transform.FullBodyReplace:
		m.SetBody(t.Body.Clone())
		return nil
	case *transform.StubReturn:
		body, err := stubBody(m.Desc)
		if err != nil {
			return err
		}
		m.SetBody(body)
		return nil
	case *transform.GenericWrap:
		return t.Wrap(m)
	case *transform.TextReplace:
		if m.Code == nil {
			return nil
		}
		return r.replaceText(m, t)
	case *transform.InvokeRemove:
		return eachCall(m, t.Target, func(call *bytecode.Insn) ([]*bytecode.Insn, error) {
			return removeCall(call, t.Pop)
		})
	case *transform.InvokeReplaceCall:
		return eachCall(m, t.Target, func(*bytecode.Insn) ([]*bytecode.Insn, error) {
			return append(append([]*bytecode.Insn(nil), t.Setup...), t.Call), nil
		})
	case *transform.InvokeAdvice:
		return eachCall(m, t.Target, func(call *bytecode.Insn) ([]*bytecode.Insn, error) {
			out := append([]*bytecode.Insn(nil), t.Before...)
			out = append(out, call)
			return append(out, t.After...), nil
		})
	case *transform.InvokeReplaceCode:
		return eachCall(m, t.Target, func(*bytecode.Insn) ([]*bytecode.Insn, error) {
			return t.Code, nil
		})
	default:
		return fmt.Errorf("unsupported method transform %T", t)
	}
}

// eachCall replaces every call site in m that target matches with the
// instructions fn returns. Replacements are not searched again.
func eachCall(m *transform.MethodContext, target match.MethodMatcher, fn func(call *bytecode.Insn) ([]*bytecode.Insn, error)) error {
	if m.Code == nil {
		return nil
	}
	for i := 0; i < len(m.Code.Insns); i++ {
		in := m.Code.Insns[i]
		if !in.IsOp() || !in.Op.IsInvoke() || in.Member == nil {
			continue
		}
		if !target.Match(structure.CallSite(in.Member)) {
			continue
		}
		repl, err := fn(in)
		if err != nil {
			return fmt.Errorf("call %s: %w", in.Member, err)
		}
		i = m.Splice(i, 1, repl) - 1
	}
	return nil
}

// removeCall returns the instructions standing in for a removed call.
func removeCall(call *bytecode.Insn, pop int) ([]*bytecode.Insn, error) {
	var out []*bytecode.Insn
	if pop != transform.AutoPop {
		for ; pop >= 2; pop -= 2 {
			out = append(out, bytecode.Op(bytecode.OpPop2))
		}
		if pop == 1 {
			out = append(out, bytecode.Op(bytecode.OpPop))
		}
		return out, nil
	}

	md, err := classfile.ParseMethodDescriptor(call.Member.Desc)
	if err != nil {
		return nil, err
	}
	for i := len(md.Parameters) - 1; i >= 0; i-- {
		out = append(out, bytecode.Op(bytecode.PopOp(md.Parameters[i].Slots())))
	}
	if call.Op != bytecode.OpInvokestatic {
		out = append(out, bytecode.Op(bytecode.OpPop))
	}
	if md.Return != nil {
		out = append(out, bytecode.Op(bytecode.ZeroOp(md.Return.Kind())))
	}
	return out, nil
}

// stubBody returns a body returning the zero value of d's return type.
func stubBody(d structure.MethodDesc) (*bytecode.Code, error) {
	md, err := d.Descriptor()
	if err != nil {
		return nil, err
	}
	b := bytecode.NewBuilder()
	if kind := md.ReturnKind(); kind != 'V' {
		b.Zero(kind)
	}
	return b.Return(md.ReturnKind()).Code(), nil
}

func (r *rewriter) replaceText(m *transform.MethodContext, t *transform.TextReplace) error {
	edited := false
	for _, in := range m.Code.Insns {
		if !in.IsOp() {
			continue
		}
		switch in.Op {
		case bytecode.OpLdc:
			if s, ok := in.Const.(string); ok && s == t.From {
				in.Const = t.To
				edited = true
			}
		case bytecode.OpInvokedynamic:
			bsm, ok, err := r.replaceBootstrapText(in.Indy.Bootstrap, t)
			if err != nil {
				return err
			}
			if ok {
				indy := *in.Indy
				indy.Bootstrap = bsm
				in.Indy = &indy
				edited = true
			}
		}
	}
	if edited {
		m.MarkChanged()
	}
	return nil
}

// replaceBootstrapText returns a copy of bootstrap method bsm with t
// applied to its string arguments, or false when no argument contains
// t.From. The original entry is left for other call sites.
func (r *rewriter) replaceBootstrapText(bsm uint16, t *transform.TextReplace) (uint16, bool, error) {
	key := bootstrapKey{t: t, bsm: bsm}
	if idx, ok := r.bootstraps[key]; ok {
		return idx, idx != bsm, nil
	}
	cf := r.class.File
	if int(bsm) >= len(cf.BootstrapMethods) {
		return 0, false, fmt.Errorf("bootstrap method %d out of range", bsm)
	}
	orig := cf.BootstrapMethods[bsm]
	args := append([]uint16(nil), orig.BootstrapArguments...)
	changed := false
	for i, arg := range args {
		if int(arg) >= len(cf.ConstantPool) {
			return 0, false, fmt.Errorf("bootstrap argument %d out of range", arg)
		}
		if _, ok := cf.ConstantPool[arg].(*classfile.ConstantString); !ok {
			continue
		}
		s, err := classfile.GetString(cf.ConstantPool, arg)
		if err != nil {
			return 0, false, err
		}
		if strings.Contains(s, t.From) {
			args[i] = cf.AddString(strings.ReplaceAll(s, t.From, t.To))
			changed = true
		}
	}
	idx := bsm
	if changed {
		idx = cf.AddBootstrapMethod(orig.MethodRef, args)
	}
	r.bootstraps[key] = idx
	return idx, changed, cf.PoolErr()
}
