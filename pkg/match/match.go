// Package match provides composable predicates over method descriptors and
// class structures.
//
// Matchers are pure. And and Or evaluate their operands in argument order
// and stop as soon as the result is known, so cheap matchers should come
// first:
//
//	match.And(match.Class("game/Hud"), match.HasString("FPS"))
package match

// Matcher is a predicate over T. Match must not panic; an input the
// matcher does not apply to simply does not match.
type Matcher[T any] interface {
	Match(v T) bool
}

// Func adapts a function to a Matcher.
type Func[T any] func(v T) bool

func (f Func[T]) Match(v T) bool {
	return f(v)
}

type and[T any] []Matcher[T]

func (ms and[T]) Match(v T) bool {
	for _, m := range ms {
		if !test(m, v) {
			return false
		}
	}
	return true
}

type or[T any] []Matcher[T]

func (ms or[T]) Match(v T) bool {
	for _, m := range ms {
		if test(m, v) {
			return true
		}
	}
	return false
}

type not[T any] struct {
	m Matcher[T]
}

func (n not[T]) Match(v T) bool {
	return !test(n.m, v)
}

// test applies m to v. A nil matcher matches nothing.
func test[T any](m Matcher[T], v T) bool {
	return m != nil && m.Match(v)
}

// And matches when every matcher matches. And() matches everything.
func And[T any](ms ...Matcher[T]) Matcher[T] {
	return and[T](ms)
}

// Or matches when any matcher matches. Or() matches nothing.
func Or[T any](ms ...Matcher[T]) Matcher[T] {
	return or[T](ms)
}

// Not inverts m. Not(Not(m)) matches exactly when m does.
func Not[T any](m Matcher[T]) Matcher[T] {
	if n, ok := m.(not[T]); ok && n.m != nil {
		return n.m
	}
	return not[T]{m}
}

// Any matches everything.
func Any[T any]() Matcher[T] {
	return Func[T](func(T) bool { return true })
}

// None matches nothing.
func None[T any]() Matcher[T] {
	return Func[T](func(T) bool { return false })
}
