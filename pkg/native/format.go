package native

import (
	"math"
	"strconv"
	"strings"
)

// FormatDouble formats v the way Double.toString does for the common
// cases: integral values keep a ".0" and large or small magnitudes use
// computerized scientific notation.
func FormatDouble(v float64) string {
	return formatFloat(v, 64)
}

// FormatFloat is FormatDouble for float values.
func FormatFloat(v float32) string {
	return formatFloat(float64(v), 32)
}

func formatFloat(v float64, bits int) string {
	switch {
	case math.IsNaN(v):
		return "NaN"
	case math.IsInf(v, 1):
		return "Infinity"
	case math.IsInf(v, -1):
		return "-Infinity"
	}
	abs := math.Abs(v)
	if v == 0 || (abs >= 1e-3 && abs < 1e7) {
		s := strconv.FormatFloat(v, 'f', -1, bits)
		if !strings.Contains(s, ".") {
			s += ".0"
		}
		return s
	}
	s := strconv.FormatFloat(v, 'E', -1, bits)
	mant, exp, _ := strings.Cut(s, "E")
	if !strings.Contains(mant, ".") {
		mant += ".0"
	}
	n, _ := strconv.Atoi(exp)
	return mant + "E" + strconv.Itoa(n)
}

// FormatChar formats a char value.
func FormatChar(c int32) string {
	return string(rune(uint16(c)))
}

// FormatBoolean formats a boolean value.
func FormatBoolean(z int32) string {
	if z != 0 {
		return "true"
	}
	return "false"
}
