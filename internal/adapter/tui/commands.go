package tui

import (
	"context"
	"os"
	"path/filepath"

	tea "github.com/charmbracelet/bubbletea"

	"chatrelay/internal/domain"
	"chatrelay/internal/usecase"
)

// sendCmd runs SendMessage in a background goroutine. Every folded
// stream event is forwarded to the program via notify so the view can
// re-render the session snapshot as chunks arrive.
func sendCmd(session *usecase.ChatSession, prompt string, gen uint64, notify func(tea.Msg)) tea.Cmd {
	return func() tea.Msg {
		err := session.SendMessage(context.Background(), prompt, func(domain.StreamEvent) {
			notify(streamFrameMsg{Gen: gen})
		})
		return turnDoneMsg{Gen: gen, Err: err}
	}
}

// regenerateCmd re-runs the turn that produced messageID.
func regenerateCmd(session *usecase.ChatSession, messageID string, gen uint64, notify func(tea.Msg)) tea.Cmd {
	return func() tea.Msg {
		err := session.RegenerateMessage(context.Background(), messageID, func(domain.StreamEvent) {
			notify(streamFrameMsg{Gen: gen})
		})
		return turnDoneMsg{Gen: gen, Err: err}
	}
}

// stopCmd asks the backend to stop the active generation. The stream
// keeps draining; the done message arrives through the send goroutine.
func stopCmd(session *usecase.ChatSession) tea.Cmd {
	return func() tea.Msg {
		_ = session.StopGeneration(context.Background())
		return nil
	}
}

func loadHistoryCmd(session *usecase.ChatSession, conversationID string) tea.Cmd {
	return func() tea.Msg {
		return historyLoadedMsg{Err: session.LoadMessages(context.Background(), conversationID)}
	}
}

func loadMoreCmd(session *usecase.ChatSession) tea.Cmd {
	return func() tea.Msg {
		return historyLoadedMsg{Err: session.LoadMoreMessages(context.Background())}
	}
}

func conversationsCmd(backend domain.Backend, user string) tea.Cmd {
	return func() tea.Msg {
		page, err := backend.Conversations(context.Background(), user, "", 20)
		return conversationsMsg{Page: page, Err: err}
	}
}

func uploadCmd(session *usecase.ChatSession, path string) tea.Cmd {
	return func() tea.Msg {
		f, err := os.Open(path)
		if err != nil {
			return uploadedMsg{Err: err}
		}
		defer f.Close()
		file, err := session.Upload(context.Background(), filepath.Base(path), f)
		return uploadedMsg{File: file, Err: err}
	}
}
