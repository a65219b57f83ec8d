package native

import "strings"

// StringBuilder represents a java.lang.StringBuilder.
type StringBuilder struct {
	strings.Builder
}

// Append adds s and returns the builder, like StringBuilder.append.
func (sb *StringBuilder) Append(s string) *StringBuilder {
	sb.WriteString(s)
	return sb
}
