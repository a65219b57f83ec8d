package transform

import (
	"fmt"
	"strings"
)

// PreconditionError reports a malformed transform or an unsupported
// combination of transforms. It is a configuration error.
type PreconditionError struct {
	Class  string
	Method string
	Kind   string
	Reason string
}

func (e *PreconditionError) Error() string {
	var where []string
	if e.Class != "" {
		where = append(where, "class "+e.Class)
	}
	if e.Method != "" {
		where = append(where, "method "+e.Method)
	}
	if e.Kind != "" {
		where = append(where, e.Kind)
	}
	if len(where) == 0 {
		return "precondition violated: " + e.Reason
	}
	return fmt.Sprintf("precondition violated (%s): %s", strings.Join(where, ", "), e.Reason)
}

// MissingFactError reports a lookup of a fact nothing has learned yet.
type MissingFactError struct {
	Key FactKey
}

func (e *MissingFactError) Error() string {
	return fmt.Sprintf("fact %q has not been learned", string(e.Key))
}
