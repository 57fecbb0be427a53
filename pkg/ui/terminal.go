package ui

import (
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-isatty"
)

// ASCII logo for the application
const ASCIILogo = `
    ┌─────────────────────────────────────────────┐
    │  s u b h a r v e s t                        │
    │  archive crawler and song downloader        │
    └─────────────────────────────────────────────┘
`

var (
	out          io.Writer = os.Stdout
	colorEnabled           = isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
)

// SetOutput redirects all terminal output. Colors are only emitted when
// color is true.
func SetOutput(w io.Writer, color bool) {
	out = w
	colorEnabled = color
}

// Output returns the current terminal writer.
func Output() io.Writer {
	return out
}

// Color functions for terminal output
var (
	Cyan    = colorize("\033[36m%s\033[0m")
	Yellow  = colorize("\033[33m%s\033[0m")
	Red     = colorize("\033[31m%s\033[0m")
	Green   = colorize("\033[32m%s\033[0m")
	Magenta = colorize("\033[35m%s\033[0m")
	Dim     = colorize("\033[2m%s\033[0m")
)

// colorize returns a function that wraps text with ANSI color codes
func colorize(colorString string) func(string) string {
	return func(text string) string {
		if !colorEnabled {
			return text
		}
		return fmt.Sprintf(colorString, text)
	}
}

// PrintLogo prints the ASCII logo with color
func PrintLogo() {
	fmt.Fprint(out, Cyan(ASCIILogo))
}

// PrintError prints an error message in red
func PrintError(msg string, args ...interface{}) {
	if len(args) > 0 {
		fmt.Fprintln(out, Red(msg+": "+fmt.Sprintf("%v", args[0])))
	} else {
		fmt.Fprintln(out, Red(msg))
	}
}

// PrintSuccess prints a success message in green
func PrintSuccess(msg string) {
	fmt.Fprintln(out, Green(msg))
}

// PrintInfo prints a label and value
func PrintInfo(label string, value string) {
	fmt.Fprintf(out, "%s: %s\n", Cyan(label), Yellow(value))
}

// PrintWarning prints a warning message in yellow
func PrintWarning(msg string, args ...interface{}) {
	if len(args) > 0 {
		fmt.Fprintln(out, Yellow(msg+": "+fmt.Sprintf("%v", args[0])))
	} else {
		fmt.Fprintln(out, Yellow(msg))
	}
}

// PrintHighlight prints a highlighted message in magenta
func PrintHighlight(msg string) {
	fmt.Fprintln(out, Magenta(msg))
}
