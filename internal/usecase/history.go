package usecase

import (
	"sort"
	"time"

	"chatrelay/internal/domain"
)

// historyStatusNormal filters out partial or errored backend records.
const historyStatusNormal = "normal"

// FormatHistory converts paired backend history records into flat
// DisplayMessages. Each record yields a user message and, when an answer
// is present, an assistant message one second later so the pair keeps a
// strict chronological order without relying on slice position. Files
// are split onto the side they belong to; citations go to the assistant.
func FormatHistory(records []domain.HistoryMessage) []domain.DisplayMessage {
	out := make([]domain.DisplayMessage, 0, len(records)*2)
	for _, rec := range records {
		if rec.Status != historyStatusNormal {
			continue
		}

		var userFiles, assistantFiles []domain.MessageFile
		for _, f := range rec.MessageFiles {
			if f.BelongsTo == domain.RoleAssistant {
				assistantFiles = append(assistantFiles, f)
			} else {
				userFiles = append(userFiles, f)
			}
		}

		userAt := time.Unix(rec.CreatedAt, 0)
		out = append(out, domain.DisplayMessage{
			ID:        rec.ID + "-" + domain.RoleUser,
			Role:      domain.RoleUser,
			Content:   rec.Query,
			CreatedAt: userAt,
			Files:     userFiles,
		})

		if rec.Answer != "" {
			out = append(out, domain.DisplayMessage{
				ID:                 rec.ID + "-" + domain.RoleAssistant,
				Role:               domain.RoleAssistant,
				Content:            rec.Answer,
				CreatedAt:          userAt.Add(time.Second),
				Files:              assistantFiles,
				RetrieverResources: rec.RetrieverResources,
			})
		}
	}
	sortByTime(out)
	return out
}

// MergeOlder prepends an older page to the currently-held messages,
// dropping any record whose id is already present and keeping the whole
// list chronologically sorted.
func MergeOlder(older, current []domain.DisplayMessage) []domain.DisplayMessage {
	seen := make(map[string]struct{}, len(current))
	for _, m := range current {
		seen[m.ID] = struct{}{}
	}

	merged := make([]domain.DisplayMessage, 0, len(older)+len(current))
	for _, m := range older {
		if _, dup := seen[m.ID]; dup {
			continue
		}
		merged = append(merged, m)
	}
	merged = append(merged, current...)
	sortByTime(merged)
	return merged
}

func sortByTime(msgs []domain.DisplayMessage) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
}
