package tui

import (
	"strings"

	"github.com/charmbracelet/bubbles/textarea"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// inputSubmitMsg is emitted when the user presses Enter on a non-empty
// input.
type inputSubmitMsg struct {
	Value string
}

// inputModel wraps a textarea with submit handling. Enter submits,
// Alt+Enter inserts a newline.
type inputModel struct {
	Textarea textarea.Model
	Enabled  bool
}

func newInput() inputModel {
	ta := textarea.New()
	ta.Placeholder = "Type your message..."
	ta.Prompt = "> "
	ta.ShowLineNumbers = false
	ta.CharLimit = 0
	ta.SetHeight(3)
	ta.FocusedStyle.CursorLine = lipgloss.NewStyle()
	ta.FocusedStyle.Prompt = promptStyle
	ta.FocusedStyle.Placeholder = lipgloss.NewStyle().Foreground(colorFgDim)
	ta.Focus()
	return inputModel{Textarea: ta, Enabled: true}
}

func (m *inputModel) SetWidth(w int) {
	m.Textarea.SetWidth(w - 2)
}

func (m *inputModel) SetEnabled(enabled bool) {
	m.Enabled = enabled
	if enabled {
		m.Textarea.Focus()
	} else {
		m.Textarea.Blur()
	}
}

func (m inputModel) Update(msg tea.Msg) (inputModel, tea.Cmd) {
	if !m.Enabled {
		return m, nil
	}
	if _, ok := msg.(tea.MouseMsg); ok {
		return m, nil
	}

	if keyMsg, ok := msg.(tea.KeyMsg); ok && keyMsg.Type == tea.KeyEnter {
		value := strings.TrimSpace(m.Textarea.Value())
		if value == "" {
			return m, nil
		}
		m.Textarea.Reset()
		return m, func() tea.Msg { return inputSubmitMsg{Value: value} }
	}

	var cmd tea.Cmd
	m.Textarea, cmd = m.Textarea.Update(msg)
	return m, cmd
}

func (m inputModel) View() string {
	return m.Textarea.View()
}

// parseSlashCommand extracts a command and its arguments. Returns false
// when the input is a regular message.
func parseSlashCommand(input string) (cmd string, args []string, ok bool) {
	input = strings.TrimSpace(input)
	if !strings.HasPrefix(input, "/") {
		return "", nil, false
	}
	parts := strings.Fields(input)
	return strings.ToLower(parts[0]), parts[1:], true
}
