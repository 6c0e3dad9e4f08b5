package cli

import (
	"fmt"
	"io"
	"os"
)

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorGreen  = "\033[32m"
	colorRed    = "\033[31m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[90m"
)

// colorsEnabled determines if ANSI colors should be used
var colorsEnabled = true

func init() {
	// Respect NO_COLOR environment variable
	if os.Getenv("NO_COLOR") != "" {
		colorsEnabled = false
		return
	}
	// Check if stdout is a terminal
	if fileInfo, err := os.Stdout.Stat(); err == nil {
		if (fileInfo.Mode() & os.ModeCharDevice) == 0 {
			colorsEnabled = false
		}
	}
}

// color returns the color code if colors are enabled, empty string otherwise
func color(c string) string {
	if colorsEnabled {
		return c
	}
	return ""
}

// printStep prints a setup step with spinner-style prefix
func printStep(w io.Writer, format string, args ...interface{}) {
	fmt.Fprintf(w, "  %s⏳%s %s\n", color(colorCyan), color(colorReset), fmt.Sprintf(format, args...))
}

// printSuccess prints a success message
func printSuccess(w io.Writer, format string, args ...interface{}) {
	fmt.Fprintf(w, "  %s✓%s %s\n", color(colorGreen), color(colorReset), fmt.Sprintf(format, args...))
}

func printSkip(w io.Writer, format string, args ...interface{}) {
	fmt.Fprintf(w, "  %s-%s %s\n", color(colorGray), color(colorReset), fmt.Sprintf(format, args...))
}

func printFailure(w io.Writer, format string, args ...interface{}) {
	fmt.Fprintf(w, "  %s✗%s %s\n", color(colorRed), color(colorReset), fmt.Sprintf(format, args...))
}

func printWarning(w io.Writer, format string, args ...interface{}) {
	fmt.Fprintf(w, "  %s⚠%s %s\n", color(colorYellow), color(colorReset), fmt.Sprintf(format, args...))
}

func printHeader(w io.Writer, title string) {
	fmt.Fprintf(w, "%s%s%s\n", color(colorBold), title, color(colorReset))
}
