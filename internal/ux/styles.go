// Package ux holds the terminal styles shared by the CLI and the interactive approver.
package ux

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// #region palette
var (
	ColorAccent  = lipgloss.Color("#20B9B4")
	ColorSuccess = lipgloss.Color("#2CD7C7")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
	ColorMuted   = lipgloss.Color("#6C7A80")
)

// Styles are the pre-configured lipgloss styles.
var Styles = struct {
	Title   lipgloss.Style
	Bold    lipgloss.Style
	Muted   lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
	Box     lipgloss.Style
	Added   lipgloss.Style
	Removed lipgloss.Style
}{
	Title:   lipgloss.NewStyle().Bold(true).Foreground(ColorAccent),
	Bold:    lipgloss.NewStyle().Bold(true),
	Muted:   lipgloss.NewStyle().Foreground(ColorMuted),
	Success: lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning: lipgloss.NewStyle().Foreground(ColorWarning),
	Error:   lipgloss.NewStyle().Foreground(ColorError),
	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorAccent).
		Padding(0, 1),
	Added:   lipgloss.NewStyle().Foreground(ColorSuccess),
	Removed: lipgloss.NewStyle().Foreground(ColorError),
}

// #endregion palette

// #region render
// Diff colors the +/- lines of a unified diff.
func Diff(diff string) string {
	if diff == "" {
		return Styles.Muted.Render("(no changes)")
	}
	lines := strings.Split(strings.TrimRight(diff, "\n"), "\n")
	for i, l := range lines {
		switch {
		case strings.HasPrefix(l, "+++"), strings.HasPrefix(l, "---"):
			lines[i] = Styles.Bold.Render(l)
		case strings.HasPrefix(l, "+"):
			lines[i] = Styles.Added.Render(l)
		case strings.HasPrefix(l, "-"):
			lines[i] = Styles.Removed.Render(l)
		case strings.HasPrefix(l, "@@"):
			lines[i] = Styles.Muted.Render(l)
		}
	}
	return strings.Join(lines, "\n")
}

// Accuracy colors a percentage against a target.
func Accuracy(pct, target float64) string {
	s := lipgloss.NewStyle().Bold(true)
	switch {
	case pct >= target:
		s = s.Foreground(ColorSuccess)
	case pct >= target/2:
		s = s.Foreground(ColorWarning)
	default:
		s = s.Foreground(ColorError)
	}
	return s.Render(fmt.Sprintf("%.1f%%", pct))
}

// #endregion render
