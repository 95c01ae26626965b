package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"companionchat/internal/retry"
	"companionchat/pkg/domain"
	"companionchat/pkg/store"
)

// CreateUser registers username with chat_count 0. The directory performs
// the insert only if the username is absent.
func (a *App) CreateUser(ctx context.Context, username, password string) error {
	if username == "" || password == "" {
		return ErrCredentialsRequired
	}
	if err := validateUsername(username); err != nil {
		return err
	}
	stored, err := a.passwords.Hash(password)
	if err != nil {
		return err
	}
	user := domain.User{Username: username, Password: stored, CreatedAt: time.Now().UTC()}
	err = retry.Do(ctx, a.retry, permanent, func() error {
		return a.users.CreateUser(ctx, user)
	})
	if errors.Is(err, store.ErrUserExists) {
		return ErrUserExists
	}
	if err != nil {
		return fmt.Errorf("%w: create user: %w", ErrUpstream, err)
	}
	return nil
}

// Authenticate checks password against the stored credential.
func (a *App) Authenticate(ctx context.Context, username, password string) error {
	if username == "" || password == "" {
		return ErrCredentialsRequired
	}
	user, err := a.lookupUser(ctx, username)
	if err != nil {
		return err
	}
	if !a.passwords.Verify(password, user.Password) {
		return ErrWrongPassword
	}
	return nil
}

// validateUsername rejects names that would escape the "{username}/" key prefix.
func validateUsername(username string) error {
	if strings.TrimSpace(username) == "" || len(username) > 128 {
		return ErrInvalidUsername
	}
	if strings.ContainsAny(username, "/\\") || strings.IndexFunc(username, unicode.IsControl) >= 0 {
		return ErrInvalidUsername
	}
	if username == "." || username == ".." {
		return ErrInvalidUsername
	}
	return nil
}
