package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"chatrelay/internal/domain"
	"chatrelay/internal/usecase"
)

const helpText = `Available commands:
  /help           - Show this help
  /new            - Start a fresh conversation
  /history <id>   - Load a conversation's messages
  /more           - Load older messages
  /conversations  - List recent conversations
  /attach <path>  - Attach a file to the next message
  /regen          - Regenerate the last answer
  /stop           - Stop the active generation
  /quit           - Exit

Keybindings:
  Enter       - Send message
  Alt+Enter   - New line
  Ctrl+C      - Stop generation / quit
  PgUp/PgDn   - Scroll transcript`

// Model is the root Bubble Tea model. The session owns all chat state;
// the model only tracks UI concerns and re-renders the session snapshot
// on every stream frame.
type Model struct {
	session *usecase.ChatSession
	backend domain.Backend
	user    string
	notify  func(tea.Msg)

	renderer transcriptRenderer
	viewport viewport.Model
	input    inputModel
	spinner  spinner.Model

	notices  []string
	width    int
	height   int
	ready    bool
	atBottom bool
	waiting  bool
	quitting bool

	// gen is bumped per turn so frames from a superseded turn are
	// dropped.
	gen uint64
}

func newModel(session *usecase.ChatSession, backend domain.Backend, user string, notify func(tea.Msg)) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(colorInfo)

	return Model{
		session:  session,
		backend:  backend,
		user:     user,
		notify:   notify,
		input:    newInput(),
		spinner:  sp,
		atBottom: true,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(textarea.Blink, m.spinner.Tick)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.layout()
		m.refresh()
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case inputSubmitMsg:
		return m.handleSubmit(msg.Value)

	case streamFrameMsg:
		if msg.Gen != m.gen {
			return m, nil
		}
		m.refresh()
		return m, nil

	case turnDoneMsg:
		if msg.Gen != m.gen {
			return m, nil
		}
		m.waiting = false
		m.input.SetEnabled(true)
		if msg.Err != nil {
			m.notices = append(m.notices, "Send failed: "+msg.Err.Error())
		}
		m.refresh()
		// One delayed refresh picks up async suggested questions.
		gen := m.gen
		return m, tea.Tick(time.Second, func(time.Time) tea.Msg {
			return streamFrameMsg{Gen: gen}
		})

	case historyLoadedMsg:
		if msg.Err != nil {
			m.notices = append(m.notices, "History load failed: "+msg.Err.Error())
		}
		m.refresh()
		return m, nil

	case conversationsMsg:
		m.handleConversations(msg)
		m.refresh()
		return m, nil

	case uploadedMsg:
		if msg.Err != nil {
			m.notices = append(m.notices, "Attach failed: "+msg.Err.Error())
		} else {
			m.notices = append(m.notices, fmt.Sprintf("Attached %s (%d bytes), sent with the next message.", msg.File.Name, msg.File.Size))
		}
		m.refresh()
		return m, nil

	case quitMsg:
		m.quitting = true
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)
	}

	if !m.waiting {
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		cmds = append(cmds, cmd)
	}

	if m.ready {
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		m.atBottom = m.viewport.AtBottom()
		cmds = append(cmds, cmd)
	}

	return m, tea.Batch(cmds...)
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyCtrlC:
		if m.waiting {
			m.notices = append(m.notices, "Stopping generation...")
			m.refresh()
			return m, stopCmd(m.session)
		}
		m.quitting = true
		return m, tea.Quit

	case tea.KeyPgUp, tea.KeyPgDown:
		if m.ready {
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			m.atBottom = m.viewport.AtBottom()
			return m, cmd
		}
		return m, nil
	}

	if !m.waiting {
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m Model) handleSubmit(value string) (tea.Model, tea.Cmd) {
	if cmd, args, ok := parseSlashCommand(value); ok {
		return m.handleSlashCommand(cmd, args)
	}
	return m.startTurn(func(gen uint64) tea.Cmd {
		return sendCmd(m.session, value, gen, m.notify)
	})
}

// startTurn disables input and fires the turn command tagged with a new
// generation.
func (m Model) startTurn(build func(gen uint64) tea.Cmd) (tea.Model, tea.Cmd) {
	m.gen++
	m.waiting = true
	m.notices = nil
	m.input.SetEnabled(false)
	m.refresh()
	return m, build(m.gen)
}

func (m Model) handleSlashCommand(cmd string, args []string) (tea.Model, tea.Cmd) {
	switch cmd {
	case "/help":
		m.notices = append(m.notices, helpText)
		m.refresh()
		return m, nil

	case "/quit", "/exit":
		m.quitting = true
		return m, tea.Quit

	case "/new":
		m.session.Reset()
		m.notices = []string{"Started a fresh conversation."}
		m.refresh()
		return m, nil

	case "/stop":
		if !m.session.IsGenerating() {
			m.notices = append(m.notices, "No active generation to stop.")
			m.refresh()
			return m, nil
		}
		return m, stopCmd(m.session)

	case "/regen":
		msgs := m.session.Messages()
		for i := len(msgs) - 1; i >= 0; i-- {
			if msgs[i].Role == domain.RoleAssistant {
				id := msgs[i].ID
				return m.startTurn(func(gen uint64) tea.Cmd {
					return regenerateCmd(m.session, id, gen, m.notify)
				})
			}
		}
		m.notices = append(m.notices, "Nothing to regenerate yet.")
		m.refresh()
		return m, nil

	case "/history":
		if len(args) < 1 {
			m.notices = append(m.notices, "Usage: /history <conversation-id>")
			m.refresh()
			return m, nil
		}
		return m, loadHistoryCmd(m.session, args[0])

	case "/more":
		return m, loadMoreCmd(m.session)

	case "/conversations":
		return m, conversationsCmd(m.backend, m.user)

	case "/attach":
		if len(args) < 1 {
			m.notices = append(m.notices, "Usage: /attach <path>")
			m.refresh()
			return m, nil
		}
		return m, uploadCmd(m.session, args[0])

	default:
		m.notices = append(m.notices, fmt.Sprintf("Unknown command: %s. Type /help for available commands.", cmd))
		m.refresh()
		return m, nil
	}
}

func (m *Model) handleConversations(msg conversationsMsg) {
	if msg.Err != nil {
		m.notices = append(m.notices, "Conversation list failed: "+msg.Err.Error())
		return
	}
	if len(msg.Page.Data) == 0 {
		m.notices = append(m.notices, "No conversations yet.")
		return
	}
	var sb strings.Builder
	sb.WriteString("Recent conversations:\n")
	for _, c := range msg.Page.Data {
		name := c.Name
		if name == "" {
			name = "(unnamed)"
		}
		sb.WriteString(fmt.Sprintf("  %s  %s\n", c.ID, name))
	}
	sb.WriteString("Use /history <id> to open one.")
	m.notices = append(m.notices, sb.String())
}

func (m *Model) layout() {
	titleH := 1
	inputH := 3
	statusH := 1
	dividerH := 1
	contentH := m.height - titleH - inputH - statusH - dividerH
	if contentH < 5 {
		contentH = 5
	}

	m.renderer.SetWidth(m.width)
	m.input.SetWidth(m.width)
	if !m.ready {
		m.viewport = viewport.New(m.width, contentH)
		m.viewport.MouseWheelEnabled = true
		m.ready = true
	} else {
		m.viewport.Width = m.width
		m.viewport.Height = contentH
	}
}

// refresh re-renders the session snapshot into the viewport.
func (m *Model) refresh() {
	if !m.ready {
		return
	}
	notices := m.notices
	if suggested := m.session.Suggested(); len(suggested) > 0 && !m.waiting {
		notices = append(notices[:len(notices):len(notices)],
			"Suggested: "+strings.Join(suggested, " | "))
	}
	m.viewport.SetContent(m.renderer.Render(m.session.Messages(), notices))
	if m.atBottom {
		m.viewport.GotoBottom()
	}
}

func (m Model) View() string {
	if m.quitting {
		return "Goodbye!\n"
	}
	if m.width == 0 {
		return "  Initializing..."
	}

	title := statusBarStyle.Width(m.width).Render(m.titleLine())

	inputView := m.input.View()
	if m.waiting {
		inputView = dimText.Render("> waiting for response...") +
			"\n" + m.spinner.View() + " " + mutedText.Render("Generating (Ctrl+C to stop)")
	}

	divider := dividerStyle.Render(strings.Repeat("─", m.width))

	return lipgloss.JoinVertical(lipgloss.Left,
		title,
		m.viewport.View(),
		divider,
		inputView,
		m.statusLine(),
	)
}

func (m Model) titleLine() string {
	conv := m.session.ConversationID()
	if conv == "" {
		conv = "new conversation"
	}
	return "chatrelay " + dimText.Render(conv)
}

func (m Model) statusLine() string {
	hints := []string{
		statusKeyStyle.Render("Enter") + " Send",
		statusKeyStyle.Render("/help") + " Commands",
		statusKeyStyle.Render("Ctrl+C") + " Quit",
	}
	if m.session.HasMore() {
		hints = append(hints, statusKeyStyle.Render("/more")+" Older messages")
	}
	return statusBarStyle.Width(m.width).Render(strings.Join(hints, "  "))
}
