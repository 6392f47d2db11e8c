package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"

	"chatrelay/internal/domain"
	"chatrelay/internal/usecase"
)

// transcriptRenderer turns the session's message snapshot into styled
// terminal text. Markdown rendering goes through glamour; the renderer
// is rebuilt when the width changes.
type transcriptRenderer struct {
	width      int
	mdRenderer *glamour.TermRenderer
}

func (r *transcriptRenderer) SetWidth(w int) {
	if w == r.width {
		return
	}
	r.width = w
	r.mdRenderer = nil
}

func (r *transcriptRenderer) contentWidth() int {
	w := r.width - 4
	if w > maxContentWidth {
		w = maxContentWidth
	}
	if w < 40 {
		w = 40
	}
	return w
}

// Render produces the full transcript view. notices are system lines
// (command output, errors) appended after the messages.
func (r *transcriptRenderer) Render(messages []domain.DisplayMessage, notices []string) string {
	if len(messages) == 0 && len(notices) == 0 {
		return mutedText.Render("  No messages yet. Start a conversation!")
	}

	width := r.contentWidth()
	var sb strings.Builder
	for i := range messages {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(r.renderMessage(&messages[i], width))
	}
	for _, n := range notices {
		sb.WriteString("\n")
		sb.WriteString(systemLabel.Render("System") + "  " + wrapText(n, width-8))
		sb.WriteString("\n")
	}
	return sb.String()
}

func (r *transcriptRenderer) renderMessage(msg *domain.DisplayMessage, width int) string {
	var label string
	switch msg.Role {
	case domain.RoleUser:
		label = userLabel.Render("You")
	case domain.RoleAssistant:
		label = botLabel.Render("Bot")
	default:
		label = mutedText.Render(msg.Role)
	}
	header := label + " " + timestampText.Render(relativeTime(msg.CreatedAt))

	var body string
	if msg.Role == domain.RoleAssistant {
		body = r.renderAssistant(msg.Content, width)
	} else {
		body = wrapText(msg.Content, width-6)
	}

	var sb strings.Builder
	sb.WriteString(header)
	if body != "" {
		sb.WriteString("\n")
		sb.WriteString(body)
	}
	if files := renderFiles(msg.Files); files != "" {
		sb.WriteString("\n")
		sb.WriteString(files)
	}
	if cites := renderCitations(msg.RetrieverResources, width); cites != "" {
		sb.WriteString("\n")
		sb.WriteString(cites)
	}
	return sb.String()
}

// renderAssistant splits off a reasoning block before rendering the
// answer as markdown. Reasoning is shown faint so the answer stands out.
func (r *transcriptRenderer) renderAssistant(content string, width int) string {
	seg := usecase.ExtractThinking(content)

	var sb strings.Builder
	if seg.HasReasoning && seg.Reasoning != "" {
		sb.WriteString(thinkingText.Render(wrapText(seg.Reasoning, width-4)))
		sb.WriteString("\n")
	}
	if seg.Answer != "" {
		sb.WriteString(strings.TrimRight(r.renderMarkdown(seg.Answer, width), "\n"))
	}
	return sb.String()
}

func (r *transcriptRenderer) renderMarkdown(content string, width int) string {
	if r.mdRenderer == nil {
		md, err := glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(width),
		)
		if err != nil {
			return "  " + content
		}
		r.mdRenderer = md
	}
	rendered, err := r.mdRenderer.Render(content)
	if err != nil {
		return "  " + content
	}
	return rendered
}

func renderFiles(files []domain.MessageFile) string {
	if len(files) == 0 {
		return ""
	}
	var sb strings.Builder
	for i, f := range files {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString("  " + dimText.Render(fmt.Sprintf("[%s] %s", f.Type, f.URL)))
	}
	return sb.String()
}

func renderCitations(resources []domain.RetrieverResource, width int) string {
	if len(resources) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("  " + mutedText.Render("Sources:"))
	for _, res := range resources {
		name := res.DocumentName
		if len(name) > width-10 {
			name = name[:width-11] + "…"
		}
		sb.WriteString("\n    " + mutedText.Render(fmt.Sprintf("%d. %s", res.Position, name)))
	}
	return sb.String()
}

func relativeTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return t.Format("Jan 2 15:04")
	}
}

// wrapText wraps to width with a 2-space continuation indent. Rune
// based so multibyte content never splits mid-character.
func wrapText(s string, width int) string {
	runes := []rune(s)
	if width <= 0 || len(runes) <= width {
		return s
	}
	var lines []string
	for len(runes) > width {
		idx := -1
		for i := width - 1; i > 0; i-- {
			if runes[i] == ' ' {
				idx = i
				break
			}
		}
		if idx <= 0 {
			idx = width
		}
		lines = append(lines, string(runes[:idx]))
		runes = runes[idx:]
		for len(runes) > 0 && runes[0] == ' ' {
			runes = runes[1:]
		}
	}
	if len(runes) > 0 {
		lines = append(lines, string(runes))
	}
	return strings.Join(lines, "\n  ")
}
