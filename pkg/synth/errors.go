package synth

import "fmt"

// SynthesisError reports an interface that cannot be bound to a bridge
// class: a method without a counterpart, a counterpart of the wrong shape,
// or a class that cannot be loaded or defined. It is a configuration error;
// callers must not fall back to a partial binding.
type SynthesisError struct {
	Interface string
	Bridge    string
	// Method is the interface method at fault, if any.
	Method string
	Reason string
	Err    error
}

func (e *SynthesisError) Error() string {
	msg := fmt.Sprintf("binding %s to %s", e.Interface, e.Bridge)
	if e.Method != "" {
		msg += ": method " + e.Method
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SynthesisError) Unwrap() error { return e.Err }
