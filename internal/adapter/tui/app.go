package tui

import (
	"context"
	"log/slog"

	tea "github.com/charmbracelet/bubbletea"

	"chatrelay/internal/domain"
	"chatrelay/internal/usecase"
)

// App runs the chat TUI against one session. It bridges the send
// goroutine's stream frames into the Bubble Tea update loop.
type App struct {
	session *usecase.ChatSession
	backend domain.Backend
	user    string
	logger  *slog.Logger
	program *tea.Program
}

func NewApp(session *usecase.ChatSession, backend domain.Backend, user string, logger *slog.Logger) *App {
	return &App{
		session: session,
		backend: backend,
		user:    user,
		logger:  logger,
	}
}

// Start creates the Bubble Tea program and blocks until it exits.
func (a *App) Start(ctx context.Context) error {
	model := newModel(a.session, a.backend, a.user, a.send)

	a.program = tea.NewProgram(
		model,
		tea.WithAltScreen(),
		tea.WithMouseCellMotion(),
	)

	go func() {
		<-ctx.Done()
		a.send(quitMsg{})
	}()

	_, err := a.program.Run()
	return err
}

// send pushes a message into the update loop. Safe to call from any
// goroutine.
func (a *App) send(msg tea.Msg) {
	if a.program != nil {
		a.program.Send(msg)
	}
}
