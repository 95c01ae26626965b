package store

import (
	"context"
	"errors"

	"companionchat/pkg/domain"
)

var (
	// ErrUserNotFound is returned when an operation targets an unknown username.
	ErrUserNotFound = errors.New("user not found")
	// ErrUserExists is returned by CreateUser when the username is taken.
	ErrUserExists = errors.New("user already exists")
)

// UserDirectory is the key-value user registry: username -> {password, chat_count}.
type UserDirectory interface {
	// GetUser looks up a user; ok is false when the username is unknown.
	GetUser(ctx context.Context, username string) (user domain.User, ok bool, err error)
	// CreateUser inserts the record only if the username is absent, in one
	// store-level operation. It returns ErrUserExists otherwise.
	CreateUser(ctx context.Context, user domain.User) error
	// IncrementChatCount atomically adds one to chat_count and returns the new
	// value. It never creates a record; unknown users yield ErrUserNotFound.
	IncrementChatCount(ctx context.Context, username string) (int64, error)
}
