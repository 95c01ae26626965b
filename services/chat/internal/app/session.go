package app

import (
	"context"
	"errors"
	"fmt"

	"companionchat/internal/retry"
	"companionchat/internal/util"
	"companionchat/pkg/store"
)

// StartNewChat reserves the next chat id for username and writes its empty
// transcript. The counter increment is a single atomic directory call and is
// never retried, so concurrent calls get distinct gap-free ids.
//
// When the transcript write fails after the counter advanced, the returned
// error is a *TranscriptInitError carrying the reserved id.
func (a *App) StartNewChat(ctx context.Context, username string) (int64, error) {
	if username == "" {
		return 0, ErrUsernameRequired
	}
	chatID, err := a.users.IncrementChatCount(ctx, username)
	if errors.Is(err, store.ErrUserNotFound) {
		return 0, ErrUserNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("%w: reserve chat id: %w", ErrUpstream, err)
	}

	if err := a.createTranscript(ctx, username, chatID, false); err != nil {
		return chatID, err
	}
	return chatID, nil
}

// InitTranscript writes the empty transcript for an already reserved chat id
// without touching the counter. An existing transcript is left as it is.
func (a *App) InitTranscript(ctx context.Context, username string, chatID int64) error {
	if username == "" {
		return ErrUsernameRequired
	}
	user, err := a.lookupUser(ctx, username)
	if err != nil {
		return err
	}
	if chatID < 1 || chatID > user.ChatCount {
		return ErrInvalidChatID
	}
	return a.createTranscript(ctx, username, chatID, true)
}

func (a *App) createTranscript(ctx context.Context, username string, chatID int64, keepExisting bool) error {
	err := retry.Do(ctx, a.retry, permanent, func() error {
		if keepExisting {
			return a.transcripts.Ensure(ctx, username, chatID)
		}
		return a.transcripts.Create(ctx, username, chatID)
	})
	if err == nil {
		return nil
	}
	initErr := &TranscriptInitError{Username: username, ChatID: chatID, Err: err}
	util.LoggerFromContext(ctx).Error("chat id reserved without transcript",
		"username", username,
		"chat_id", chatID,
		"err", err,
	)
	return initErr
}
