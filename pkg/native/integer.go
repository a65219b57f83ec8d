package native

import (
	"fmt"
	"strconv"
)

// Integer represents a boxed java.lang.Integer.
type Integer struct {
	Value int32
}

func (i *Integer) String() string {
	return strconv.Itoa(int(i.Value))
}

// Boxes in [-128, 127] are shared, as Integer.valueOf guarantees.
const (
	cacheLow  = -128
	cacheHigh = 127
)

var integerCache = func() []*Integer {
	c := make([]*Integer, cacheHigh-cacheLow+1)
	for i := range c {
		c[i] = &Integer{Value: int32(i + cacheLow)}
	}
	return c
}()

// BoxInt is Integer.valueOf(int).
func BoxInt(v int32) *Integer {
	if v >= cacheLow && v <= cacheHigh {
		return integerCache[v-cacheLow]
	}
	return &Integer{Value: v}
}

// NumberFormatError is the failure of ParseInt. Its message is the one
// NumberFormatException carries.
type NumberFormatError struct {
	Input string
}

func (e *NumberFormatError) Error() string {
	return fmt.Sprintf("For input string: %q", e.Input)
}

// ParseInt is Integer.parseInt(String): decimal, optional sign, no
// surrounding whitespace.
func ParseInt(s string) (int32, error) {
	if s == "+" || s == "-" {
		return 0, &NumberFormatError{Input: s}
	}
	v, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		return 0, &NumberFormatError{Input: s}
	}
	return int32(v), nil
}
