package transform

import "errors"

var errNilWrap = errors.New("nil class wrap")

// Reduce merges the bundles proposed for class into one: method transforms
// and wraps are concatenated in argument order and ExpandFrames is set if
// any bundle sets it. Nil bundles are skipped. Every transform is
// validated; the first violation is returned as a *PreconditionError.
//
// Reduce is associative: reducing bundles in any grouping yields the same
// transform lists.
func Reduce(class string, bundles ...*ClassTransform) (*ClassTransform, error) {
	out := &ClassTransform{Class: class}
	for _, b := range bundles {
		if b == nil {
			continue
		}
		if b.Class != "" && b.Class != class {
			return nil, &PreconditionError{Class: class, Reason: "bundle targets class " + b.Class}
		}
		for _, t := range b.Methods {
			if err := Validate(t); err != nil {
				var pe *PreconditionError
				if errors.As(err, &pe) {
					pe.Class = class
				}
				return nil, err
			}
		}
		for _, w := range b.Wraps {
			if err := validateWrap(w); err != nil {
				return nil, &PreconditionError{Class: class, Kind: wrapName(w), Reason: err.Error()}
			}
		}
		out.Methods = append(out.Methods, b.Methods...)
		out.Wraps = append(out.Wraps, b.Wraps...)
		out.ExpandFrames = out.ExpandFrames || b.ExpandFrames
	}
	return out, nil
}

func validateWrap(w ClassWrap) error {
	if w == nil {
		return errNilWrap
	}
	if v, ok := w.(validator); ok {
		return v.validate()
	}
	return nil
}

func wrapName(w ClassWrap) string {
	if w == nil {
		return ""
	}
	return w.Name()
}
