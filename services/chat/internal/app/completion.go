package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"companionchat/internal/util"
	"companionchat/pkg/domain"
)

// Respond generates a reply to prompt within chatID, grounded on the chat's
// recent prompts, and hands the turn to the append dispatcher without
// waiting. A dropped dispatch is logged, never returned.
func (a *App) Respond(ctx context.Context, username string, chatID int64, prompt string) (string, error) {
	if username == "" {
		return "", ErrUsernameRequired
	}
	if chatID < 1 {
		return "", ErrInvalidChatID
	}
	if strings.TrimSpace(prompt) == "" {
		return "", ErrPromptRequired
	}
	logger := util.LoggerFromContext(ctx)

	history, err := a.RecentPrompts(ctx, username, chatID, a.contextWindow)
	if err != nil {
		logger.Warn("context window unavailable, answering without it", "username", username, "chat_id", chatID, "err", err)
		history = nil
	}

	callCtx, cancel := context.WithTimeout(ctx, a.inferenceTimeout)
	defer cancel()
	text, err := a.completer.Complete(callCtx, a.BuildPrompt(history, prompt), a.sampling)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			logger.Warn("completion timed out", "username", username, "chat_id", chatID, "timeout", a.inferenceTimeout)
			return "", ErrCompletionTimeout
		}
		return "", fmt.Errorf("%w: completion: %w", ErrUpstream, err)
	}

	reply := text
	if a.stripLeadingChar {
		reply = stripLeadingChar(text)
	}

	a.dispatcher.Dispatch(ctx, domain.AppendJob{
		Username: username,
		ChatID:   chatID,
		Entry:    domain.HistoryEntry{Prompt: prompt, ModelResponse: reply},
	})
	return reply, nil
}

// stripLeadingChar drops the first rune the endpoint echoes ahead of the
// generation, then any whitespace after it.
func stripLeadingChar(s string) string {
	if s == "" {
		return s
	}
	_, size := utf8.DecodeRuneInString(s)
	return strings.TrimLeftFunc(s[size:], unicode.IsSpace)
}
