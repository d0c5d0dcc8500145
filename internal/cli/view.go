package cli

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dmitrijs2005/lifemanager/internal/control"
	"golang.org/x/term"
)

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true)
	faintStyle  = lipgloss.NewStyle().Faint(true)
	stateStyles = map[string]lipgloss.Style{
		"ok":         lipgloss.NewStyle().Foreground(lipgloss.Color("2")),
		"idle":       lipgloss.NewStyle().Foreground(lipgloss.Color("2")),
		"syncing":    lipgloss.NewStyle().Foreground(lipgloss.Color("6")),
		"running":    lipgloss.NewStyle().Foreground(lipgloss.Color("6")),
		"needs_auth": lipgloss.NewStyle().Foreground(lipgloss.Color("3")).Bold(true),
		"backoff":    lipgloss.NewStyle().Foreground(lipgloss.Color("3")),
		"error":      lipgloss.NewStyle().Foreground(lipgloss.Color("1")),
		"pending":    faintStyle,
	}
)

// statusView renders a control.Report as a table.
type statusView struct {
	now   time.Time
	color bool
}

func (v statusView) paint(s lipgloss.Style, text string) string {
	if !v.color {
		return text
	}
	return s.Render(text)
}

func (v statusView) state(name string, width int) string {
	padded := fmt.Sprintf("%-*s", width, name)
	s, ok := stateStyles[name]
	if !ok {
		return padded
	}
	return v.paint(s, padded)
}

func (v statusView) render(w io.Writer, r *control.Report) error {
	var b strings.Builder

	fmt.Fprintf(&b, "Sync: %s", v.state(r.State, 0))
	if r.Failures > 0 {
		fmt.Fprintf(&b, " (%d consecutive failures)", r.Failures)
	}
	if !r.NextAttempt.IsZero() {
		fmt.Fprintf(&b, ", next attempt %s", until(v.now, r.NextAttempt))
	}
	b.WriteString("\n")

	if len(r.Providers) == 0 {
		b.WriteString("\nNo providers configured.\n")
		_, err := io.WriteString(w, b.String())
		return err
	}

	header := []string{"PROVIDER", "KIND", "STATE", "ACCOUNT", "LAST SYNC", "PENDING", "FAILED"}
	rows := make([][]string, 0, len(r.Providers))
	for _, p := range r.Providers {
		account := p.Account
		if account == "" {
			account = "-"
		}
		rows = append(rows, []string{
			p.Name,
			p.Kind,
			p.State,
			account,
			ago(v.now, p.LastSuccess),
			strconv.FormatInt(p.Dirty, 10),
			strconv.FormatInt(p.Failed, 10),
		})
	}

	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			widths[i] = max(widths[i], len(cell))
		}
	}

	b.WriteString("\n")
	cells := make([]string, len(header))
	for i, h := range header {
		cells[i] = v.paint(headerStyle, fmt.Sprintf("%-*s", widths[i], h))
	}
	b.WriteString(strings.TrimRight(strings.Join(cells, "  "), " ") + "\n")
	for _, row := range rows {
		for i, cell := range row {
			if i == 2 {
				cells[i] = v.state(cell, widths[i])
				continue
			}
			cells[i] = fmt.Sprintf("%-*s", widths[i], cell)
		}
		b.WriteString(strings.TrimRight(strings.Join(cells, "  "), " ") + "\n")
	}

	var notes []string
	for _, p := range r.Providers {
		if p.NeedsAuth {
			notes = append(notes, fmt.Sprintf("%s: authorization required, run \"lm auth %s\"", p.Name, p.Name))
		}
		if p.LastError != "" {
			notes = append(notes, fmt.Sprintf("%s: %s", p.Name, p.LastError))
		}
		if p.Failed > 0 {
			notes = append(notes, fmt.Sprintf("%s: %d record(s) rejected, run \"lm retry %s\" after fixing them", p.Name, p.Failed, p.Name))
		}
	}
	if len(notes) > 0 {
		b.WriteString("\n")
		for _, n := range notes {
			b.WriteString(v.paint(faintStyle, "  "+n) + "\n")
		}
	}

	_, err := io.WriteString(w, b.String())
	return err
}

func ago(now, t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	}
	return fmt.Sprintf("%dd ago", int(d.Hours()/24))
}

func until(now, t time.Time) string {
	d := t.Sub(now)
	if d <= 0 {
		return "now"
	}
	return "in " + d.Round(time.Second).String()
}
