package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
)

// Styles holds the lipgloss styles used for terminal output.
type Styles struct {
	Error   lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Title   lipgloss.Style
	Key     lipgloss.Style
	Muted   lipgloss.Style
}

// Printer writes command output to a writer, either as styled text or as
// JSON objects when --json mode is active.
type Printer struct {
	w        io.Writer
	jsonMode bool
	isTTY    bool
	styles   *Styles
}

// NewPrinter creates a Printer. Styles are emptied when the writer is not a
// terminal so that piped output stays clean.
func NewPrinter(w io.Writer, jsonMode, isTTY bool) *Printer {
	styles := &Styles{
		Error:   lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true),
		Success: lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
		Warning: lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
		Title:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12")),
		Key:     lipgloss.NewStyle().Foreground(lipgloss.Color("14")),
		Muted:   lipgloss.NewStyle().Faint(true),
	}
	if !isTTY {
		styles = &Styles{}
	}
	return &Printer{w: w, jsonMode: jsonMode, isTTY: isTTY, styles: styles}
}

// IsTTY reports whether the printer writes to a terminal.
func (p *Printer) IsTTY() bool { return p.isTTY }

// JSONMode reports whether structured output is active.
func (p *Printer) JSONMode() bool { return p.jsonMode }

// Styles returns the active style set.
func (p *Printer) Styles() *Styles { return p.styles }

// Printf writes formatted text output. No-op in JSON mode.
func (p *Printer) Printf(format string, args ...any) {
	if p.jsonMode {
		return
	}
	fmt.Fprintf(p.w, format, args...)
}

// Println writes a line of text output. No-op in JSON mode.
func (p *Printer) Println(args ...any) {
	if p.jsonMode {
		return
	}
	fmt.Fprintln(p.w, args...)
}

// Success writes a success line, styled green on a terminal.
func (p *Printer) Success(msg string) {
	if p.jsonMode {
		return
	}
	fmt.Fprintln(p.w, p.styles.Success.Render(msg))
}

// Warning writes a warning line, styled yellow on a terminal.
func (p *Printer) Warning(msg string) {
	if p.jsonMode {
		return
	}
	fmt.Fprintln(p.w, p.styles.Warning.Render(msg))
}

// Error writes an error. In JSON mode it emits {"error": ..., "code": ...}.
func (p *Printer) Error(err error) {
	if p.jsonMode {
		p.JSON(map[string]any{
			"error": err.Error(),
			"code":  GetExitCode(err),
		})
		return
	}
	fmt.Fprintln(p.w, p.styles.Error.Render("error: ")+err.Error())
}

// JSON marshals v onto the writer as a single indented object. Used by
// commands in --json mode; falls back to an error object on marshal failure.
func (p *Printer) JSON(v any) {
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(p.w, "{\"error\": %q}\n", err.Error())
	}
}

// IsTerminal checks whether a writer is an interactive terminal.
func IsTerminal(w io.Writer) bool {
	file, ok := w.(*os.File)
	if !ok {
		return false
	}
	stat, err := file.Stat()
	if err != nil {
		return false
	}
	return (stat.Mode() & os.ModeCharDevice) != 0
}
