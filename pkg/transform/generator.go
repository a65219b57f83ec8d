package transform

import "github.com/daimatz/classmod/pkg/structure"

// Context is passed to generators for every class they inspect.
type Context struct {
	// Loader identifies the class loader loading the class.
	Loader string
	Facts  *Facts
}

// Generator proposes a ClassTransform for a class, or nil to declare no
// interest. A generator that returns nil must not have had any effect
// other than learning facts.
type Generator interface {
	Name() string
	Generate(ctx *Context, class *structure.ClassStructure) (*ClassTransform, error)
}

// Requirer is implemented by generators that depend on facts learned from
// other classes. The engine skips such a generator until every required
// fact is known.
type Requirer interface {
	Requires() []FactKey
}

type funcGenerator struct {
	name     string
	requires []FactKey
	fn       func(*Context, *structure.ClassStructure) (*ClassTransform, error)
}

func (g *funcGenerator) Name() string        { return g.name }
func (g *funcGenerator) Requires() []FactKey { return g.requires }

func (g *funcGenerator) Generate(ctx *Context, class *structure.ClassStructure) (*ClassTransform, error) {
	return g.fn(ctx, class)
}

// GeneratorFunc returns a Generator calling fn. requires lists the facts fn
// depends on.
func GeneratorFunc(name string, fn func(*Context, *structure.ClassStructure) (*ClassTransform, error), requires ...FactKey) Generator {
	return &funcGenerator{name: name, requires: requires, fn: fn}
}
