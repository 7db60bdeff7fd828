package tui

import (
	"fmt"
	"strings"

	"vimo/internal/app"
)

// renderMessage formats one message for the chat pane, including the live
// progress-step list and the transient query-analyzing line.
func (m *Model) renderMessage(msg app.Message) string {
	var b strings.Builder

	switch msg.Kind {
	case app.MessageProgress:
		b.WriteString(m.theme.RoleAI.Render("assistant"))
		b.WriteString("\n")
		for _, st := range msg.Steps {
			b.WriteString("  ")
			b.WriteString(m.renderStep(st))
			b.WriteString("\n")
		}

	case app.MessageQueryAnalyzing:
		b.WriteString(m.theme.RoleAI.Render("assistant"))
		b.WriteString("\n  ")
		b.WriteString(m.theme.StepActive.Render(fmt.Sprintf("%s %s — %s", m.spinner.View(), msg.QueryStep, msg.QueryMessage)))
		b.WriteString("\n")

	default:
		role := "assistant"
		style := m.theme.RoleAI
		if msg.Role == "user" {
			role = "you"
			style = m.theme.RoleYou
		}
		b.WriteString(style.Render(role))
		b.WriteString("\n")
		b.WriteString(wrap(msg.Content, m.chatWidth()))
		b.WriteString("\n")
		if len(msg.Videos) > 0 {
			for _, v := range msg.Videos {
				b.WriteString(m.theme.Footer.Render("  ▸ " + v.Name + formatDuration(v.Duration)))
				b.WriteString("\n")
			}
		}
	}
	return b.String()
}

func (m *Model) renderStep(st app.Step) string {
	switch st.Status {
	case app.StepActive:
		return m.theme.StepActive.Render(fmt.Sprintf("%s %s — %s", m.spinner.View(), st.Name, st.Message))
	case app.StepError:
		return m.theme.StepError.Render("✗ " + st.Name + " — " + st.Message)
	default:
		return m.theme.StepCompleted.Render("✓ " + st.Name)
	}
}

func formatDuration(seconds float64) string {
	if seconds <= 0 {
		return ""
	}
	total := int(seconds)
	return fmt.Sprintf(" (%d:%02d)", total/60, total%60)
}

func wrap(s string, width int) string {
	if width <= 0 {
		return s
	}
	var out strings.Builder
	for _, line := range strings.Split(s, "\n") {
		for len(line) > width {
			cut := strings.LastIndex(line[:width], " ")
			if cut <= 0 {
				cut = width
			}
			out.WriteString(line[:cut])
			out.WriteString("\n")
			line = strings.TrimLeft(line[cut:], " ")
		}
		out.WriteString(line)
		out.WriteString("\n")
	}
	return strings.TrimRight(out.String(), "\n")
}
