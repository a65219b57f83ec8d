package match

import (
	"strings"

	"github.com/daimatz/classmod/pkg/structure"
)

// MethodMatcher matches method descriptors.
type MethodMatcher = Matcher[structure.MethodDesc]

// ClassMatcher matches class structures. A nil structure matches nothing.
type ClassMatcher = Matcher[*structure.ClassStructure]

// Method matches descriptors that the query q matches.
func Method(q structure.MethodDesc) MethodMatcher {
	return Func[structure.MethodDesc](q.Matches)
}

// MethodNamed matches methods called name, whatever their type.
func MethodNamed(name string) MethodMatcher {
	return Method(structure.MethodDesc{Name: name})
}

// MethodIn matches methods declared by owner.
func MethodIn(owner string) MethodMatcher {
	return Method(structure.MethodDesc{Owner: owner})
}

// Concrete matches methods that have a body.
func Concrete() MethodMatcher {
	return Func[structure.MethodDesc](func(d structure.MethodDesc) bool {
		return d.Access.Known() && !d.Access.Flags().IsAbstract() && !d.Access.Flags().IsNative()
	})
}

func classFunc(fn func(*structure.ClassStructure) bool) ClassMatcher {
	return Func[*structure.ClassStructure](func(c *structure.ClassStructure) bool {
		return c != nil && fn(c)
	})
}

// Class matches the class called name.
func Class(name string) ClassMatcher {
	return classFunc(func(c *structure.ClassStructure) bool { return c.Name == name })
}

// ClassPrefix matches classes whose name starts with prefix, such as a
// package path.
func ClassPrefix(prefix string) ClassMatcher {
	return classFunc(func(c *structure.ClassStructure) bool { return strings.HasPrefix(c.Name, prefix) })
}

// Extends matches direct subclasses of super.
func Extends(super string) ClassMatcher {
	return classFunc(func(c *structure.ClassStructure) bool { return c.Super == super })
}

// Implements matches classes directly implementing iface.
func Implements(iface string) ClassMatcher {
	return classFunc(func(c *structure.ClassStructure) bool { return c.Implements(iface) })
}

// HasString matches classes whose constant pool contains s.
func HasString(s string) ClassMatcher {
	return classFunc(func(c *structure.ClassStructure) bool { return c.HasString(s) })
}

// HasField matches classes declaring a field called name.
func HasField(name string) ClassMatcher {
	return classFunc(func(c *structure.ClassStructure) bool { return c.Field(name) != nil })
}

// HasMethod matches classes declaring a method m matches.
func HasMethod(m MethodMatcher) ClassMatcher {
	return classFunc(func(c *structure.ClassStructure) bool {
		for _, method := range c.Methods {
			if test(m, method.Desc) {
				return true
			}
		}
		return false
	})
}

// Calls matches classes with a call site that target matches. It decodes
// method bodies and is best placed after cheaper matchers.
func Calls(target MethodMatcher) ClassMatcher {
	return classFunc(func(c *structure.ClassStructure) bool {
		for _, method := range c.Methods {
			for _, site := range method.Calls() {
				if test(target, site) {
					return true
				}
			}
		}
		return false
	})
}
