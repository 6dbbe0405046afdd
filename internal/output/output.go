package output

import (
	"os"
	"strings"

	"golang.org/x/term"
)

const defaultWidth = 80

// Width returns the terminal width of stdout, or a default when stdout is
// not a terminal.
func Width() int {
	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || width <= 0 {
		return defaultWidth
	}
	return width
}

// Bar renders a proportional asterisk bar: one '*' per scale percent.
func Bar(percent float64, scale int) string {
	if percent < 0 || scale <= 0 {
		return ""
	}
	return strings.Repeat("*", int(percent)/scale)
}

// Rule renders a dashed separator. n <= 0 spans the terminal.
func Rule(n int) string {
	if n <= 0 {
		n = Width()
	}
	return strings.Repeat("-", n)
}

// Banner renders a double-line separator. n <= 0 spans the terminal.
func Banner(n int) string {
	if n <= 0 {
		n = Width()
	}
	return strings.Repeat("=", n)
}
