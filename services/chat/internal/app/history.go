package app

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"companionchat/internal/retry"
	"companionchat/internal/util"
	"companionchat/pkg/domain"
	"companionchat/pkg/transcript"
)

// ReadHistory returns the user's chats in ascending chat id order. Chats
// whose transcript is missing are skipped; any other read failure fails the
// whole call and no partial result is returned.
func (a *App) ReadHistory(ctx context.Context, username string) ([]domain.ChatTranscript, error) {
	if username == "" {
		return nil, ErrUsernameRequired
	}
	user, err := a.lookupUser(ctx, username)
	if err != nil {
		return nil, err
	}
	last := user.ChatCount
	if last <= 0 {
		return []domain.ChatTranscript{}, nil
	}
	first := int64(1)
	if a.historyWindow > 0 && last > int64(a.historyWindow) {
		first = last - int64(a.historyWindow) + 1
	}

	slots := make([]*domain.ChatTranscript, last-first+1)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.historyConcurrency)
	for chatID := first; chatID <= last; chatID++ {
		g.Go(func() error {
			entries, err := retry.Value(gctx, a.retry, permanent, func() ([]domain.HistoryEntry, error) {
				return a.transcripts.Load(gctx, username, chatID)
			})
			if errors.Is(err, transcript.ErrNotFound) {
				util.LoggerFromContext(ctx).Debug("transcript missing, skipped", "username", username, "chat_id", chatID)
				return nil
			}
			if err != nil {
				return fmt.Errorf("%w: load chat %d: %w", ErrUpstream, chatID, err)
			}
			slots[chatID-first] = &domain.ChatTranscript{ChatID: chatID, Entries: entries}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]domain.ChatTranscript, 0, len(slots))
	for _, t := range slots {
		if t != nil {
			out = append(out, *t)
		}
	}
	return out, nil
}
