package store

import (
	"context"
	"sync"
	"time"

	"companionchat/pkg/domain"
)

// MemoryDirectory keeps users in-process (tests and single-instance runs).
type MemoryDirectory struct {
	mu    sync.Mutex
	users map[string]domain.User
}

// NewMemoryDirectory initializes an empty in-memory directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{users: make(map[string]domain.User)}
}

// GetUser looks up a user by username.
func (m *MemoryDirectory) GetUser(_ context.Context, username string) (domain.User, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[username]
	return u, ok, nil
}

// CreateUser inserts a user if the username is free.
func (m *MemoryDirectory) CreateUser(_ context.Context, u domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.users[u.Username]; exists {
		return ErrUserExists
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	m.users[u.Username] = u
	return nil
}

// IncrementChatCount bumps chat_count under the directory lock.
func (m *MemoryDirectory) IncrementChatCount(_ context.Context, username string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[username]
	if !ok {
		return 0, ErrUserNotFound
	}
	u.ChatCount++
	m.users[username] = u
	return u.ChatCount, nil
}
