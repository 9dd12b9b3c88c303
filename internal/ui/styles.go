// Package ui renders terminal output.
package ui

import (
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"golang.org/x/term"

	"github.com/fieldworks/fieldsync/internal/model"
	"github.com/fieldworks/fieldsync/internal/status"
)

var (
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Bold(true)
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)

	statusStyles = map[status.Status]lipgloss.Style{
		status.New:        lipgloss.NewStyle().Foreground(lipgloss.Color("39")),
		status.InProgress: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		status.Done:       lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		status.Cancelled:  lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
	}

	priorityStyles = map[model.Priority]lipgloss.Style{
		model.PriorityUrgent:    warnStyle,
		model.PriorityEmergency: failStyle,
	}
)

// RenderAccent highlights headings and progress markers.
func RenderAccent(s string) string { return accentStyle.Render(s) }

// RenderPass marks success.
func RenderPass(s string) string { return passStyle.Render(s) }

// RenderWarn marks something that needs a look.
func RenderWarn(s string) string { return warnStyle.Render(s) }

// RenderFail marks failure.
func RenderFail(s string) string { return failStyle.Render(s) }

// RenderMuted dims secondary text.
func RenderMuted(s string) string { return mutedStyle.Render(s) }

// RenderStatus colors a status label.
func RenderStatus(s status.Status) string {
	style, ok := statusStyles[s]
	if !ok {
		return s.String()
	}
	return style.Render(s.String())
}

// RenderTaskStatus shows the status the user sees, marked when it still
// waits for the server.
func RenderTaskStatus(t model.Task) string {
	out := RenderStatus(t.EffectiveStatus())
	if t.IsLocallyModified {
		out += " " + RenderWarn("*")
	}
	return out
}

// RenderPriority colors the higher priorities.
func RenderPriority(p model.Priority) string {
	if style, ok := priorityStyles[p]; ok {
		return style.Render(p.String())
	}
	return p.String()
}

// Table renders rows under headers with a rounded border, fitted to the
// terminal width when stdout is a terminal.
func Table(headers []string, rows [][]string) string {
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(mutedStyle).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	if w := TerminalWidth(); w > 0 {
		t = t.Width(w)
	}
	return t.Render()
}

// TerminalWidth returns the width of stdout, or 0 when it is not a terminal.
func TerminalWidth() int {
	fd := int(os.Stdout.Fd())
	if !term.IsTerminal(fd) {
		return 0
	}
	w, _, err := term.GetSize(fd)
	if err != nil {
		return 0
	}
	return w
}

// Truncate shortens s to n runes with an ellipsis.
func Truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if n <= 0 || len(r) <= n {
		return s
	}
	if n == 1 {
		return "…"
	}
	return string(r[:n-1]) + "…"
}
