package tui

import (
	"context"
	"fmt"
	"strings"

	"vimo/internal/app"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

type focusArea int

const (
	focusSessions focusArea = iota
	focusInput
)

// Model is the chat front-end. All orchestration state lives in the app
// layer; the model re-reads sessions whenever the event bus reports a change.
type Model struct {
	app   *app.Application
	theme Theme

	sessions []*app.Session
	selected int
	current  *app.Session

	chat    viewport.Model
	input   textarea.Model
	spinner spinner.Model

	events      <-chan app.SessionEvent
	cancelEvents func()

	focus  focusArea
	width  int
	height int
	status string
}

type eventMsg struct{ evt app.SessionEvent }

type opErrMsg struct{ err error }

func New(application *app.Application) *Model {
	ta := textarea.New()
	ta.Placeholder = "Ask about your videos..."
	ta.CharLimit = 4000
	ta.SetHeight(3)
	ta.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.MiniDot

	events, cancel := application.Notifier.Subscribe()

	return &Model{
		app:          application,
		theme:        NewTheme(),
		chat:         viewport.New(80, 20),
		input:        ta,
		spinner:      sp,
		events:       events,
		cancelEvents: cancel,
		focus:        focusInput,
	}
}

func Run(application *app.Application) error {
	m := New(application)
	defer m.cancelEvents()
	p := tea.NewProgram(m, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

func (m *Model) Init() tea.Cmd {
	m.reloadSessions()
	return tea.Batch(m.waitForEvent(), m.spinner.Tick, textarea.Blink)
}

func (m *Model) waitForEvent() tea.Cmd {
	return func() tea.Msg {
		evt, ok := <-m.events
		if !ok {
			return nil
		}
		return eventMsg{evt: evt}
	}
}

func (m *Model) reloadSessions() {
	sessions, err := m.app.ListSessions()
	if err != nil {
		m.status = "load failed: " + err.Error()
		return
	}
	m.sessions = sessions
	if m.selected >= len(m.sessions) {
		m.selected = len(m.sessions) - 1
	}
	if m.selected < 0 {
		m.selected = 0
	}
	if len(m.sessions) > 0 {
		m.current = m.sessions[m.selected]
	} else {
		m.current = nil
	}
	m.refreshChat()
}

func (m *Model) refreshChat() {
	if m.current == nil {
		m.chat.SetContent(m.theme.Footer.Render("No session. Press ctrl+n to start one."))
		return
	}
	sess, err := m.app.Session(m.current.ID)
	if err != nil {
		m.chat.SetContent(m.theme.Footer.Render("session unavailable"))
		return
	}
	m.current = sess

	var b strings.Builder
	for _, msg := range sess.Messages {
		b.WriteString(m.renderMessage(msg))
		b.WriteString("\n")
	}
	m.chat.SetContent(b.String())
	m.chat.GotoBottom()
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.chat.Width = m.chatWidth()
		m.chat.Height = m.height - m.input.Height() - 5
		m.input.SetWidth(m.chatWidth())
		m.refreshChat()

	case eventMsg:
		m.reloadSessions()
		cmds = append(cmds, m.waitForEvent())

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		if m.hasLiveJob() {
			m.refreshChat()
		}
		cmds = append(cmds, cmd)

	case opErrMsg:
		if msg.err != nil {
			m.status = msg.err.Error()
		}

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			return m, tea.Quit
		case "tab":
			if m.focus == focusInput {
				m.focus = focusSessions
				m.input.Blur()
			} else {
				m.focus = focusInput
				m.input.Focus()
			}
			return m, nil
		case "ctrl+n":
			return m, m.createSession()
		case "ctrl+d":
			return m, m.deleteSelected()
		}

		if m.focus == focusSessions {
			switch msg.String() {
			case "up", "k":
				if m.selected > 0 {
					m.selected--
					m.current = m.sessions[m.selected]
					m.refreshChat()
				}
			case "down", "j":
				if m.selected < len(m.sessions)-1 {
					m.selected++
					m.current = m.sessions[m.selected]
					m.refreshChat()
				}
			case "K":
				return m, m.moveSelected(-1)
			case "J":
				return m, m.moveSelected(1)
			}
			return m, nil
		}

		if msg.String() == "enter" && !strings.Contains(m.input.Value(), "\n") {
			return m, m.ask()
		}
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		cmds = append(cmds, cmd)

	default:
		var cmd tea.Cmd
		m.chat, cmd = m.chat.Update(msg)
		cmds = append(cmds, cmd)
	}

	return m, tea.Batch(cmds...)
}

func (m *Model) hasLiveJob() bool {
	return len(m.app.Controller.ActiveJobs()) > 0
}

func (m *Model) createSession() tea.Cmd {
	return func() tea.Msg {
		_, err := m.app.CreateSession("")
		return opErrMsg{err: err}
	}
}

func (m *Model) deleteSelected() tea.Cmd {
	if m.current == nil {
		return nil
	}
	id := m.current.ID
	return func() tea.Msg {
		return opErrMsg{err: m.app.DeleteSession(context.Background(), id)}
	}
}

// moveSelected shifts the selected session within the display order and
// persists the new order wholesale.
func (m *Model) moveSelected(delta int) tea.Cmd {
	target := m.selected + delta
	if m.current == nil || target < 0 || target >= len(m.sessions) {
		return nil
	}
	ids := make([]string, len(m.sessions))
	for i, s := range m.sessions {
		ids[i] = s.ID
	}
	ids[m.selected], ids[target] = ids[target], ids[m.selected]
	m.selected = target
	return func() tea.Msg {
		return opErrMsg{err: m.app.ReorderSessions(ids)}
	}
}

func (m *Model) ask() tea.Cmd {
	question := strings.TrimSpace(m.input.Value())
	if question == "" || m.current == nil {
		return nil
	}
	m.input.Reset()
	id := m.current.ID
	return func() tea.Msg {
		return opErrMsg{err: m.app.Ask(context.Background(), id, question)}
	}
}

func (m *Model) chatWidth() int {
	w := m.width - 32
	if w < 40 {
		w = 40
	}
	return w
}

func (m *Model) View() string {
	if m.width == 0 {
		return "starting..."
	}

	sessionsPane := m.renderSessions()
	chatPane := m.renderChatPane()

	panes := lipgloss.JoinHorizontal(lipgloss.Top, sessionsPane, chatPane)
	footer := m.theme.Footer.Render("tab focus · ctrl+n new · ctrl+d delete · shift+j/k reorder · ctrl+c quit")
	if m.status != "" {
		footer = m.theme.StepError.Render(m.status)
	}
	return lipgloss.JoinVertical(lipgloss.Left, panes, footer)
}

func (m *Model) renderSessions() string {
	var b strings.Builder
	b.WriteString(m.theme.PaneTitle.Render("Sessions"))
	b.WriteString("\n")
	for i, s := range m.sessions {
		line := s.Title
		switch s.AnalysisState {
		case app.AnalysisAnalyzing:
			line = fmt.Sprintf("%s %s %d%%", m.spinner.View(), line, s.AnalysisProgress)
		case app.AnalysisCompleted:
			line = "● " + line
		default:
			line = "○ " + line
		}
		style := m.theme.SessionItem
		if i == m.selected {
			style = m.theme.SessionSelected
		}
		b.WriteString(style.Render(line))
		b.WriteString("\n")
	}

	pane := m.theme.Pane
	if m.focus == focusSessions {
		pane = m.theme.PaneFocused
	}
	return pane.Width(26).Height(m.height - 4).Render(b.String())
}

func (m *Model) renderChatPane() string {
	pane := m.theme.Pane
	if m.focus == focusInput {
		pane = m.theme.PaneFocused
	}
	body := lipgloss.JoinVertical(lipgloss.Left, m.chat.View(), m.input.View())
	return pane.Width(m.chatWidth() + 2).Render(body)
}
