package app

import (
	"errors"
	"fmt"
)

var (
	ErrUserNotFound        = errors.New("user not found")
	ErrUserExists          = errors.New("user already exists")
	ErrWrongPassword       = errors.New("wrong password")
	ErrCredentialsRequired = errors.New("username and password required")
	ErrUsernameRequired    = errors.New("username required")
	ErrInvalidUsername     = errors.New("invalid username")
	ErrPromptRequired      = errors.New("prompt required")
	ErrInvalidChatID       = errors.New("invalid chat id")
	// ErrCompletionTimeout means the inference endpoint did not answer in time.
	ErrCompletionTimeout = errors.New("completion timed out")
	// ErrUpstream wraps failures of the user directory, transcript store or
	// inference endpoint.
	ErrUpstream = errors.New("upstream failure")
)

// TranscriptInitError reports a chat id that was reserved on the user record
// but whose empty transcript could not be written. The chat id stays
// reserved; InitTranscript retries the write without advancing the counter.
type TranscriptInitError struct {
	Username string
	ChatID   int64
	Err      error
}

func (e *TranscriptInitError) Error() string {
	return fmt.Sprintf("chat %d reserved for %q but transcript init failed: %v", e.ChatID, e.Username, e.Err)
}

func (e *TranscriptInitError) Unwrap() error {
	return e.Err
}
