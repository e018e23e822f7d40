package output

import "github.com/charmbracelet/lipgloss"

// Styles holds every lipgloss style shared by text-mode CLI output and the
// watch TUI, grounded on the teacher's internal/output/styles.go palette.
var Styles = struct {
	Timestamp lipgloss.Style
	Device    lipgloss.Style
	State     lipgloss.Style

	Header  lipgloss.Style
	Label   lipgloss.Style
	Value   lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Danger  lipgloss.Style

	Title     lipgloss.Style
	StatusBar lipgloss.Style
	Selected  lipgloss.Style
	Help      lipgloss.Style
}{
	Timestamp: lipgloss.NewStyle().Foreground(lipgloss.Color("244")),
	Device:    lipgloss.NewStyle().Foreground(lipgloss.Color("33")),
	State:     lipgloss.NewStyle().Foreground(lipgloss.Color("142")),

	Header:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39")).BorderStyle(lipgloss.NormalBorder()).BorderBottom(true).BorderForeground(lipgloss.Color("239")),
	Label:   lipgloss.NewStyle().Foreground(lipgloss.Color("244")),
	Value:   lipgloss.NewStyle().Bold(true),
	Success: lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true),
	Warning: lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true),
	Danger:  lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),

	Title:     lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39")).Padding(0, 1),
	StatusBar: lipgloss.NewStyle().Background(lipgloss.Color("236")).Foreground(lipgloss.Color("252")).Padding(0, 1),
	Selected:  lipgloss.NewStyle().Background(lipgloss.Color("236")).Foreground(lipgloss.Color("39")),
	Help:      lipgloss.NewStyle().Foreground(lipgloss.Color("244")),
}

// StatusStyle picks Success/Warning/Danger the way the teacher's
// StatusStyle does for simulator boot state, retargeted to connection
// health (connected / degraded / down).
func StatusStyle(connected, degraded bool) lipgloss.Style {
	if !connected {
		return Styles.Danger
	}
	if degraded {
		return Styles.Warning
	}
	return Styles.Success
}
