package transform

import (
	"fmt"
	"sync"
)

// FactKey names a fact learned while inspecting classes, such as the
// descriptor of a method found in a marker class.
type FactKey string

// Facts is an append-only table of learned facts shared by generators.
// Each fact is set at most once; later writes are ignored.
type Facts struct {
	m sync.Map
}

func NewFacts() *Facts {
	return &Facts{}
}

// Learn records v under key unless the key is already set. It returns the
// stored value and whether this call stored it.
func (f *Facts) Learn(key FactKey, v any) (any, bool) {
	actual, loaded := f.m.LoadOrStore(key, v)
	return actual, !loaded
}

// Lookup returns the value learned for key.
func (f *Facts) Lookup(key FactKey) (any, bool) {
	return f.m.Load(key)
}

// Require returns the value learned for key, or a *MissingFactError.
func (f *Facts) Require(key FactKey) (any, error) {
	v, ok := f.m.Load(key)
	if !ok {
		return nil, &MissingFactError{Key: key}
	}
	return v, nil
}

// Missing returns the keys that have not been learned, in order.
func (f *Facts) Missing(keys ...FactKey) []FactKey {
	var out []FactKey
	for _, k := range keys {
		if _, ok := f.m.Load(k); !ok {
			out = append(out, k)
		}
	}
	return out
}

// Fact returns the value learned for key as a T.
func Fact[T any](f *Facts, key FactKey) (T, error) {
	var zero T
	v, err := f.Require(key)
	if err != nil {
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("fact %q is a %T, not a %T", string(key), v, zero)
	}
	return t, nil
}
