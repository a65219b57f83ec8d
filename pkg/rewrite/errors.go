package rewrite

import "fmt"

// ParseError reports class bytes that could not be parsed. The class is
// loaded unchanged.
type ParseError struct {
	Class string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parsing class %s: %v", e.Class, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// GeneratorError reports a generator that failed or panicked while
// inspecting a class. It counts as no interest in the class.
type GeneratorError struct {
	Generator string
	Class     string
	Err       error
}

func (e *GeneratorError) Error() string {
	return fmt.Sprintf("generator %s on class %s: %v", e.Generator, e.Class, e.Err)
}

func (e *GeneratorError) Unwrap() error { return e.Err }

// RewriteError reports a failed rewrite. The class is loaded unchanged.
type RewriteError struct {
	Class string
	// Transforms is the number of method transforms and wraps in the
	// bundle.
	Transforms int
	// Method and Kind locate the failing step when known.
	Method string
	Kind   string
	Err    error
}

func (e *RewriteError) Error() string {
	msg := fmt.Sprintf("rewriting class %s (%d transforms)", e.Class, e.Transforms)
	if e.Method != "" {
		msg += " method " + e.Method
	}
	if e.Kind != "" {
		msg += " " + e.Kind
	}
	return msg + ": " + e.Err.Error()
}

func (e *RewriteError) Unwrap() error { return e.Err }
