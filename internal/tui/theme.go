package tui

import "github.com/charmbracelet/lipgloss"

type Theme struct {
	TextPrimary lipgloss.AdaptiveColor
	TextMuted   lipgloss.AdaptiveColor
	Accent      lipgloss.AdaptiveColor
	Success     lipgloss.AdaptiveColor
	Warn        lipgloss.AdaptiveColor
	Error       lipgloss.AdaptiveColor
	Border      lipgloss.AdaptiveColor

	Pane        lipgloss.Style
	PaneFocused lipgloss.Style
	PaneTitle   lipgloss.Style
	Footer      lipgloss.Style

	RoleYou lipgloss.Style
	RoleAI  lipgloss.Style

	StepActive    lipgloss.Style
	StepCompleted lipgloss.Style
	StepError     lipgloss.Style

	SessionItem     lipgloss.Style
	SessionSelected lipgloss.Style
}

func NewTheme() Theme {
	t := Theme{
		TextPrimary: lipgloss.AdaptiveColor{Light: "#1a1a1a", Dark: "#e8e8e8"},
		TextMuted:   lipgloss.AdaptiveColor{Light: "#6b6b6b", Dark: "#8a8a8a"},
		Accent:      lipgloss.AdaptiveColor{Light: "#5a4fcf", Dark: "#8b7ff0"},
		Success:     lipgloss.AdaptiveColor{Light: "#1a7f37", Dark: "#3fb950"},
		Warn:        lipgloss.AdaptiveColor{Light: "#9a6700", Dark: "#d29922"},
		Error:       lipgloss.AdaptiveColor{Light: "#cf222e", Dark: "#f85149"},
		Border:      lipgloss.AdaptiveColor{Light: "#d0d0d0", Dark: "#3a3a3a"},
	}

	t.Pane = lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(t.Border).
		Padding(0, 1)
	t.PaneFocused = t.Pane.BorderForeground(t.Accent)
	t.PaneTitle = lipgloss.NewStyle().Bold(true).Foreground(t.Accent)
	t.Footer = lipgloss.NewStyle().Foreground(t.TextMuted)

	t.RoleYou = lipgloss.NewStyle().Bold(true).Foreground(t.Accent)
	t.RoleAI = lipgloss.NewStyle().Bold(true).Foreground(t.Success)

	t.StepActive = lipgloss.NewStyle().Foreground(t.Warn)
	t.StepCompleted = lipgloss.NewStyle().Foreground(t.Success)
	t.StepError = lipgloss.NewStyle().Foreground(t.Error)

	t.SessionItem = lipgloss.NewStyle().Foreground(t.TextPrimary)
	t.SessionSelected = lipgloss.NewStyle().Bold(true).Foreground(t.Accent)

	return t
}
