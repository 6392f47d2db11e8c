package usecase

import "strings"

// ThinkingSegments is the result of splitting assistant text into a
// reasoning sub-section and the final answer.
type ThinkingSegments struct {
	Reasoning    string
	HasReasoning bool
	Answer       string
}

const (
	thinkOpen  = "<think>"
	thinkClose = "</think>"

	detailsOpen  = "<details"
	detailsClose = "</details>"
	summaryClose = "</summary>"
)

// ExtractThinking splits assistant content into reasoning and answer.
// Two markup conventions are recognized: the lightweight <think> block
// (checked first) and the older <details>/<summary> disclosure block.
// Content may be a partial stream; an opening marker without its closing
// marker yields a tentative reasoning and an empty answer. The function
// is pure and is recomputed on every content update, so extending the
// input never rewrites answer text already emitted for a closed block.
func ExtractThinking(content string) ThinkingSegments {
	if i := strings.Index(content, thinkOpen); i >= 0 {
		return extractThinkBlock(content, i)
	}
	if i := strings.Index(content, detailsOpen); i >= 0 {
		return extractDetailsBlock(content, i)
	}
	return ThinkingSegments{Answer: content}
}

func extractThinkBlock(content string, start int) ThinkingSegments {
	rest := content[start+len(thinkOpen):]
	end := strings.Index(rest, thinkClose)
	if end < 0 {
		// Still streaming inside the block.
		return ThinkingSegments{
			Reasoning:    strings.TrimSpace(rest),
			HasReasoning: true,
		}
	}
	return ThinkingSegments{
		Reasoning:    strings.TrimSpace(rest[:end]),
		HasReasoning: true,
		Answer:       strings.TrimSpace(rest[end+len(thinkClose):]),
	}
}

func extractDetailsBlock(content string, start int) ThinkingSegments {
	rest := content[start:]
	end := strings.Index(rest, detailsClose)
	if end < 0 {
		// Incomplete block: everything after the label is tentative reasoning.
		inner := rest
		if i := strings.Index(inner, summaryClose); i >= 0 {
			inner = inner[i+len(summaryClose):]
		} else if i := strings.Index(inner, ">"); i >= 0 {
			inner = inner[i+1:]
		} else {
			// Open tag itself still arriving.
			inner = ""
		}
		return ThinkingSegments{
			Reasoning:    strings.TrimSpace(inner),
			HasReasoning: true,
		}
	}

	block := rest[:end]
	if i := strings.Index(block, summaryClose); i >= 0 {
		block = block[i+len(summaryClose):]
	} else if i := strings.Index(block, ">"); i >= 0 {
		block = block[i+1:]
	}
	return ThinkingSegments{
		Reasoning:    strings.TrimSpace(block),
		HasReasoning: true,
		Answer:       strings.TrimSpace(rest[end+len(detailsClose):]),
	}
}
