package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"companionchat/internal/retry"
	"companionchat/pkg/ai"
	"companionchat/pkg/auth"
	"companionchat/pkg/domain"
	"companionchat/pkg/store"
	"companionchat/pkg/transcript"
)

const (
	DefaultSystemPrompt = "You are a friendly and empathetic companion. " +
		"Engage in meaningful conversations, respond empathetically to the user's " +
		"feelings and thoughts, and gently decline inappropriate or harmful topics."
	DefaultTaskMarker    = "Respond to this prompt only:"
	DefaultContextWindow = 5
	contextHeader        = "Earlier prompts in this conversation:"
)

// Dispatcher hands an append job off without waiting for it to be stored.
type Dispatcher interface {
	Dispatch(ctx context.Context, job domain.AppendJob) bool
}

// Config holds runtime configuration for the core application.
type Config struct {
	Directory   store.UserDirectory
	Transcripts *transcript.Store
	Completer   ai.Completer
	Dispatcher  Dispatcher
	// Passwords defaults to plaintext comparison.
	Passwords auth.PasswordScheme

	Sampling         ai.SamplingParams
	InferenceTimeout time.Duration
	StripLeadingChar bool
	SystemPrompt     string
	TaskMarker       string
	// ContextWindow is the number of recent prompts fed back to the model.
	ContextWindow int
	// HistoryWindow limits ReadHistory to the most recent chats; 0 reads all.
	HistoryWindow      int
	HistoryConcurrency int
	Retry              retry.Policy
}

// App implements chat sessions, context assembly and history reads on top of
// the user directory, transcript store, inference endpoint and append dispatcher.
type App struct {
	users       store.UserDirectory
	transcripts *transcript.Store
	completer   ai.Completer
	dispatcher  Dispatcher
	passwords   auth.PasswordScheme

	sampling           ai.SamplingParams
	inferenceTimeout   time.Duration
	stripLeadingChar   bool
	systemPrompt       string
	taskMarker         string
	contextWindow      int
	historyWindow      int
	historyConcurrency int
	retry              retry.Policy
}

// New validates cfg and fills defaults.
func New(cfg Config) (*App, error) {
	if cfg.Directory == nil {
		return nil, fmt.Errorf("user directory required")
	}
	if cfg.Transcripts == nil {
		return nil, fmt.Errorf("transcript store required")
	}
	if cfg.Completer == nil {
		return nil, fmt.Errorf("completer required")
	}
	if cfg.Dispatcher == nil {
		return nil, fmt.Errorf("append dispatcher required")
	}
	passwords := cfg.Passwords
	if passwords == nil {
		passwords = auth.Plaintext{}
	}
	sampling := cfg.Sampling
	if sampling == (ai.SamplingParams{}) {
		sampling = ai.DefaultSamplingParams()
	}
	timeout := cfg.InferenceTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	systemPrompt := cfg.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = DefaultSystemPrompt
	}
	taskMarker := cfg.TaskMarker
	if taskMarker == "" {
		taskMarker = DefaultTaskMarker
	}
	contextWindow := cfg.ContextWindow
	if contextWindow <= 0 {
		contextWindow = DefaultContextWindow
	}
	historyWindow := cfg.HistoryWindow
	if historyWindow < 0 {
		historyWindow = 0
	}
	historyConcurrency := cfg.HistoryConcurrency
	if historyConcurrency <= 0 {
		historyConcurrency = 8
	}

	return &App{
		users:              cfg.Directory,
		transcripts:        cfg.Transcripts,
		completer:          cfg.Completer,
		dispatcher:         cfg.Dispatcher,
		passwords:          passwords,
		sampling:           sampling,
		inferenceTimeout:   timeout,
		stripLeadingChar:   cfg.StripLeadingChar,
		systemPrompt:       systemPrompt,
		taskMarker:         taskMarker,
		contextWindow:      contextWindow,
		historyWindow:      historyWindow,
		historyConcurrency: historyConcurrency,
		retry:              cfg.Retry.Normalize(),
	}, nil
}

// permanent reports errors that another attempt cannot fix.
func permanent(err error) bool {
	return errors.Is(err, store.ErrUserNotFound) ||
		errors.Is(err, store.ErrUserExists) ||
		errors.Is(err, transcript.ErrNotFound) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func (a *App) lookupUser(ctx context.Context, username string) (domain.User, error) {
	type result struct {
		user domain.User
		ok   bool
	}
	res, err := retry.Value(ctx, a.retry, permanent, func() (result, error) {
		u, ok, err := a.users.GetUser(ctx, username)
		return result{user: u, ok: ok}, err
	})
	if err != nil {
		return domain.User{}, fmt.Errorf("%w: lookup user: %w", ErrUpstream, err)
	}
	if !res.ok {
		return domain.User{}, ErrUserNotFound
	}
	return res.user, nil
}
