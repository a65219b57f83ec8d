package native

import "io"

// PrintStream represents a java.io.PrintStream. Values reach it already
// converted with the String.valueOf rules.
type PrintStream struct {
	Writer io.Writer
}

func (ps *PrintStream) Print(s string) {
	io.WriteString(ps.Writer, s)
}

// Println prints s and a line separator.
func (ps *PrintStream) Println(s string) {
	io.WriteString(ps.Writer, s+"\n")
}

// Newline is println().
func (ps *PrintStream) Newline() {
	io.WriteString(ps.Writer, "\n")
}
