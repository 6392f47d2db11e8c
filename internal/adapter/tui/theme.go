// Package tui implements a Bubble Tea chat front end for chatrelay.
// It drives a usecase.ChatSession directly, rendering the reduced
// message state on every stream frame.
package tui

import "github.com/charmbracelet/lipgloss"

// Adaptive colors so the UI reads on both light and dark terminals.
var (
	colorInfo   = lipgloss.AdaptiveColor{Light: "#0277bd", Dark: "#4fc3f7"}
	colorAccent = lipgloss.AdaptiveColor{Light: "#6a1b9a", Dark: "#ce93d8"}
	colorError  = lipgloss.AdaptiveColor{Light: "#c62828", Dark: "#ef5350"}
	colorMuted  = lipgloss.AdaptiveColor{Light: "#757575", Dark: "#9e9e9e"}
	colorBorder = lipgloss.AdaptiveColor{Light: "#bdbdbd", Dark: "#616161"}
	colorBgAlt  = lipgloss.AdaptiveColor{Light: "#f5f5f5", Dark: "#2d2d2d"}
	colorFgDim  = lipgloss.AdaptiveColor{Light: "#9e9e9e", Dark: "#757575"}
)

var (
	userLabel      = lipgloss.NewStyle().Foreground(colorInfo).Bold(true)
	botLabel       = lipgloss.NewStyle().Foreground(colorAccent).Bold(true)
	systemLabel    = lipgloss.NewStyle().Foreground(colorMuted).Bold(true)
	errorText      = lipgloss.NewStyle().Foreground(colorError).Bold(true)
	mutedText      = lipgloss.NewStyle().Foreground(colorMuted)
	dimText        = lipgloss.NewStyle().Faint(true)
	thinkingText   = lipgloss.NewStyle().Foreground(colorFgDim).Italic(true)
	timestampText  = lipgloss.NewStyle().Foreground(colorFgDim).Faint(true)
	statusBarStyle = lipgloss.NewStyle().Foreground(colorFgDim).Background(colorBgAlt).Padding(0, 1)
	statusKeyStyle = lipgloss.NewStyle().Foreground(colorInfo).Bold(true)
	promptStyle    = lipgloss.NewStyle().Foreground(colorInfo).Bold(true)
	dividerStyle   = lipgloss.NewStyle().Foreground(colorBorder)
)

// maxContentWidth keeps long lines readable on wide terminals.
const maxContentWidth = 100
