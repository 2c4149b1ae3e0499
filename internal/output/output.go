// Package output provides formatted console output for fleet
// operations.
package output

import (
	"fmt"
	"io"
	"strings"
)

// Colors for terminal output.
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[90m"
	colorBold   = "\033[1m"
)

// Output handles formatted output.
type Output struct {
	w        io.Writer
	useColor bool
	debug    bool
}

// New creates a new output handler.
func New(w io.Writer) *Output {
	return &Output{
		w:        w,
		useColor: true,
	}
}

// SetColor enables or disables color output.
func (o *Output) SetColor(enabled bool) {
	o.useColor = enabled
}

// SetDebug enables or disables debug output.
func (o *Output) SetDebug(enabled bool) {
	o.debug = enabled
}

// color returns the string wrapped in color codes if enabled.
func (o *Output) color(c, s string) string {
	if !o.useColor {
		return s
	}
	return c + s + colorReset
}

// HostBanner prints the operation header for a host.
func (o *Output) HostBanner(action, alias, target string) {
	o.printf("\n%s %s %s\n", o.color(colorBold, strings.ToUpper(action)), alias, o.color(colorGray, target))
}

// StepStart prints a numbered step line for a multi-script run.
func (o *Output) StepStart(index, total int, name string) {
	o.printf("\n%s %s\n", o.color(colorBold, fmt.Sprintf("[%d/%d]", index, total)), name)
}

// RemoteBegin marks the start of framed remote script output.
func (o *Output) RemoteBegin(script string) {
	o.printf("%s\n", o.color(colorGray, fmt.Sprintf("--- remote output: %s ---", script)))
}

// RemoteEnd closes the remote output frame.
func (o *Output) RemoteEnd() {
	o.printf("%s\n", o.color(colorGray, "--- end remote output ---"))
}

// Info prints an informational message.
func (o *Output) Info(format string, args ...any) {
	o.printf("%s %s\n", o.color(colorBlue, "INFO"), fmt.Sprintf(format, args...))
}

// Progress prints an in-flight status message.
func (o *Output) Progress(format string, args ...any) {
	o.printf("%s %s\n", o.color(colorCyan, "...."), fmt.Sprintf(format, args...))
}

// Success prints a completion message.
func (o *Output) Success(format string, args ...any) {
	o.printf("%s %s\n", o.color(colorGreen, "OK"), fmt.Sprintf(format, args...))
}

// Warn prints a warning message.
func (o *Output) Warn(format string, args ...any) {
	o.printf("%s %s\n", o.color(colorYellow, "WARN"), fmt.Sprintf(format, args...))
}

// Error prints an error message.
func (o *Output) Error(format string, args ...any) {
	o.printf("%s %s\n", o.color(colorRed, "ERROR"), fmt.Sprintf(format, args...))
}

// Debug prints a debug message (only in debug mode).
func (o *Output) Debug(format string, args ...any) {
	if o.debug {
		o.printf("%s %s\n", o.color(colorGray, "DEBUG"), fmt.Sprintf(format, args...))
	}
}

func (o *Output) printf(format string, args ...any) {
	fmt.Fprintf(o.w, format, args...)
}
