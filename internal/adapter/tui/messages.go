package tui

import "chatrelay/internal/domain"

// streamFrameMsg is injected for every stream event the session folds.
// The model re-reads the session snapshot rather than carrying state in
// the message; Gen discards frames from a cancelled turn.
type streamFrameMsg struct {
	Gen uint64
}

// turnDoneMsg signals that SendMessage (or a regenerate) returned.
type turnDoneMsg struct {
	Gen uint64
	Err error
}

// historyLoadedMsg signals a LoadMessages/LoadMoreMessages completion.
type historyLoadedMsg struct {
	Err error
}

// conversationsMsg carries one page of the conversation list.
type conversationsMsg struct {
	Page *domain.ConversationsPage
	Err  error
}

// uploadedMsg signals a file upload completion.
type uploadedMsg struct {
	File *domain.UploadedFile
	Err  error
}

// quitMsg asks the program to exit.
type quitMsg struct{}
