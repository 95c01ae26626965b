package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"companionchat/internal/retry"
	"companionchat/pkg/domain"
	"companionchat/pkg/transcript"
)

// RecentPrompts returns the prompts of the last windowSize entries of a chat,
// oldest first. A missing transcript yields an empty slice. windowSize <= 0
// uses the configured context window.
func (a *App) RecentPrompts(ctx context.Context, username string, chatID int64, windowSize int) ([]string, error) {
	if windowSize <= 0 {
		windowSize = a.contextWindow
	}
	entries, err := retry.Value(ctx, a.retry, permanent, func() ([]domain.HistoryEntry, error) {
		return a.transcripts.Load(ctx, username, chatID)
	})
	if errors.Is(err, transcript.ErrNotFound) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load context: %w", ErrUpstream, err)
	}
	return lastPrompts(entries, windowSize), nil
}

func lastPrompts(entries []domain.HistoryEntry, n int) []string {
	if n > len(entries) {
		n = len(entries)
	}
	out := make([]string, 0, n)
	for _, e := range entries[len(entries)-n:] {
		out = append(out, e.Prompt)
	}
	return out
}

// BuildPrompt assembles persona, earlier prompts, task marker and the current
// prompt in that order.
func (a *App) BuildPrompt(history []string, prompt string) string {
	var b strings.Builder
	b.WriteString(a.systemPrompt)
	b.WriteString("\n\n")
	if len(history) > 0 {
		b.WriteString(contextHeader)
		b.WriteString("\n")
		for _, p := range history {
			b.WriteString("- ")
			b.WriteString(p)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	b.WriteString(a.taskMarker)
	b.WriteString("\n")
	b.WriteString(prompt)
	return b.String()
}
