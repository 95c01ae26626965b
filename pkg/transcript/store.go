// Package transcript stores per-chat history as one JSON array object per
// chat under the key "{username}/{chat_id}.json".
package transcript

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"companionchat/pkg/domain"
	"companionchat/pkg/storage"
)

// ErrNotFound is returned when a chat has no transcript object.
var ErrNotFound = errors.New("transcript not found")

const contentType = "application/json"

// Key returns the object key for a chat transcript.
func Key(username string, chatID int64) string {
	return username + "/" + strconv.FormatInt(chatID, 10) + ".json"
}

// Store reads and writes transcripts on top of an object store.
type Store struct {
	objects storage.ObjectStore
}

// NewStore wraps an object store.
func NewStore(objects storage.ObjectStore) *Store {
	return &Store{objects: objects}
}

// Create writes an empty transcript, replacing whatever was there.
func (s *Store) Create(ctx context.Context, username string, chatID int64) error {
	return s.Save(ctx, username, chatID, []domain.HistoryEntry{})
}

// Ensure creates an empty transcript only if none exists yet.
func (s *Store) Ensure(ctx context.Context, username string, chatID int64) error {
	_, err := s.Load(ctx, username, chatID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrNotFound) {
		return err
	}
	return s.Create(ctx, username, chatID)
}

// Load returns the transcript entries in turn order.
func (s *Store) Load(ctx context.Context, username string, chatID int64) ([]domain.HistoryEntry, error) {
	key := Key(username, chatID)
	data, err := s.objects.Get(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("load transcript %s: %w", key, err)
	}
	entries, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("decode transcript %s: %w", key, err)
	}
	return entries, nil
}

// Append adds entry at the end of the transcript. A missing transcript is
// treated as empty. Callers must not append to one chat concurrently.
func (s *Store) Append(ctx context.Context, username string, chatID int64, entry domain.HistoryEntry) error {
	entries, err := s.Load(ctx, username, chatID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return s.Save(ctx, username, chatID, append(entries, entry))
}

// Save replaces the whole transcript with entries.
func (s *Store) Save(ctx context.Context, username string, chatID int64, entries []domain.HistoryEntry) error {
	if entries == nil {
		entries = []domain.HistoryEntry{}
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encode transcript: %w", err)
	}
	key := Key(username, chatID)
	if err := s.objects.Put(ctx, key, bytes.NewReader(data), int64(len(data)), contentType); err != nil {
		return fmt.Errorf("save transcript %s: %w", key, err)
	}
	return nil
}

func decode(data []byte) ([]domain.HistoryEntry, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return []domain.HistoryEntry{}, nil
	}
	var entries []domain.HistoryEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []domain.HistoryEntry{}
	}
	return entries, nil
}
