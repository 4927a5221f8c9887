// Package cli wires the agent's commands to the terminal.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

// ansi escape codes used for terminal styling.
const (
	ansiReset  = "\033[0m"
	ansiRed    = "\033[31m"
	ansiGreen  = "\033[32m"
	ansiYellow = "\033[33m"
	ansiBold   = "\033[1m"
	ansiDim    = "\033[2m"
)

// Output renders command results as styled text or as JSON.
type Output struct {
	w      io.Writer
	json   bool
	styled bool
}

func NewOutput(cmd *cobra.Command) *Output {
	jsonMode, _ := cmd.Flags().GetBool("json")
	return &Output{
		w:      cmd.OutOrStdout(),
		json:   jsonMode,
		styled: !jsonMode && stdoutIsTerminal(),
	}
}

func stdoutIsTerminal() bool {
	info, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

// IsJSON reports whether --json was requested.
func (o *Output) IsJSON() bool { return o.json }

// JSON writes data as indented JSON.
func (o *Output) JSON(data any) error {
	enc := json.NewEncoder(o.w)
	enc.SetIndent("", "  ")
	return enc.Encode(data)
}

func (o *Output) Printf(format string, args ...any) {
	fmt.Fprintf(o.w, format, args...)
}

func (o *Output) Println(args ...any) {
	fmt.Fprintln(o.w, args...)
}

// Success, Warning and Error print one styled line each.
func (o *Output) Success(format string, args ...any) { o.line(ansiGreen, format, args...) }
func (o *Output) Warning(format string, args ...any) { o.line(ansiYellow, format, args...) }
func (o *Output) Error(format string, args ...any)   { o.line(ansiRed, format, args...) }

// Bold prints a heading line; Dim prints a de-emphasised one.
func (o *Output) Bold(format string, args ...any) { o.line(ansiBold, format, args...) }
func (o *Output) Dim(format string, args ...any)  { o.line(ansiDim, format, args...) }

func (o *Output) line(code, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if !o.styled {
		fmt.Fprintln(o.w, msg)
		return
	}
	fmt.Fprintf(o.w, "%s%s%s\n", code, msg, ansiReset)
}

// Pnl renders a signed amount, green for gains and red for losses.
func (o *Output) Pnl(v float64) string {
	text := fmt.Sprintf("%+.2f", v)
	if v < 0 {
		return o.span(ansiRed, text)
	}
	return o.span(ansiGreen, text)
}

func (o *Output) span(code, text string) string {
	if !o.styled {
		return text
	}
	return code + text + ansiReset
}
