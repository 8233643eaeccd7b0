package tui

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/muesli/termenv"

	"github.com/aretw0/storyguard/pkg/domain"
)

// NewRenderer returns a function that renders markdown using glamour.
// It falls back to the raw text when the terminal renderer cannot be built.
func NewRenderer() func(string) (string, error) {
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(80),
	)
	if err != nil {
		return PlainRenderer
	}
	return r.Render
}

// PlainRenderer returns markdown unchanged.
func PlainRenderer(markdown string) (string, error) {
	return markdown + "\n", nil
}

// Printer writes colored engine output.
type Printer struct {
	w       io.Writer
	profile termenv.Profile
	render  func(string) (string, error)
}

// NewPrinter writes to w. Colors follow the environment (NO_COLOR, CLICOLOR).
func NewPrinter(w io.Writer, render func(string) (string, error)) *Printer {
	if render == nil {
		render = PlainRenderer
	}
	return &Printer{w: w, profile: termenv.EnvColorProfile(), render: render}
}

// NewPlainPrinter writes without colors or markdown rendering.
func NewPlainPrinter(w io.Writer) *Printer {
	return &Printer{w: w, profile: termenv.Ascii, render: PlainRenderer}
}

func (p *Printer) style(s, color string) termenv.Style {
	return p.profile.String(s).Foreground(p.profile.Color(color))
}

// System prints a standardized system message.
func (p *Printer) System(format string, args ...any) {
	fmt.Fprintln(p.w, p.style(">>> "+fmt.Sprintf(format, args...), "#9ca3af"))
}

// Success prints a positive outcome.
func (p *Printer) Success(format string, args ...any) {
	fmt.Fprintln(p.w, p.style(fmt.Sprintf(format, args...), "#22c55e").Bold())
}

// Warn prints a degraded outcome.
func (p *Printer) Warn(format string, args ...any) {
	fmt.Fprintln(p.w, p.style(fmt.Sprintf(format, args...), "#f59e0b"))
}

// State prints the text of a dialogue state and its selectable options.
func (p *Printer) State(state domain.DialogueState, options []domain.DialogueOption) {
	header := fmt.Sprintf("[%s]", state.ID)
	if state.IsCriticalPath {
		header += " *"
	}
	fmt.Fprintln(p.w, p.style(header, "#818cf8").Bold())

	if text := strings.TrimSpace(state.Text); text != "" {
		out, err := p.render(text)
		if err != nil {
			out = text + "\n"
		}
		fmt.Fprint(p.w, out)
	}

	for i, opt := range options {
		label := opt.Text
		if label == "" {
			label = opt.ID
		}
		fmt.Fprintf(p.w, "  %s %s\n", p.style(fmt.Sprintf("%d)", i+1), "#38bdf8"), label)
	}
}

// Response prints the reply to a selected option.
func (p *Printer) Response(text string) {
	if text = strings.TrimSpace(text); text != "" {
		fmt.Fprintln(p.w, p.style("  "+text, "#e879f9").Italic())
	}
}

// Transactions prints one line per ledger record.
func (p *Printer) Transactions(txs []domain.Transaction, stale []string) {
	if len(txs) == 0 {
		p.System("Ledger is empty.")
		return
	}
	isStale := make(map[string]bool, len(stale))
	for _, id := range stale {
		isStale[id] = true
	}
	for _, tx := range txs {
		color := "#9ca3af"
		switch {
		case isStale[tx.ID]:
			color = "#ef4444"
		case tx.Status == domain.TxCompleted:
			color = "#22c55e"
		case tx.Status == domain.TxFailed:
			color = "#f59e0b"
		}
		line := fmt.Sprintf("%-36s %-24s %-10s attempts=%d", tx.ID, tx.Type, tx.Status, tx.Attempts)
		if isStale[tx.ID] {
			line += " STALE"
		}
		if tx.FailureReason != "" {
			line += " reason=" + tx.FailureReason
		}
		fmt.Fprintln(p.w, p.style(line, color))
	}
}
