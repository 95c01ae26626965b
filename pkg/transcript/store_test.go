package transcript

import (
	"context"
	"errors"
	"io"
	"testing"

	"companionchat/pkg/domain"
	"companionchat/pkg/storage"
)

func TestKey(t *testing.T) {
	if got := Key("alice", 12); got != "alice/12.json" {
		t.Fatalf("Key = %q", got)
	}
}

func TestCreateThenLoadIsEmpty(t *testing.T) {
	ctx := context.Background()
	objects := storage.NewMemoryStore()
	s := NewStore(objects)
	if err := s.Create(ctx, "alice", 1); err != nil {
		t.Fatalf("create: %v", err)
	}
	raw, _ := objects.Get(ctx, "alice/1.json")
	if string(raw) != "[]" {
		t.Fatalf("stored body = %q, want []", raw)
	}
	entries, err := s.Load(ctx, "alice", 1)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if entries == nil || len(entries) != 0 {
		t.Fatalf("expected empty non-nil slice, got %#v", entries)
	}
}

func TestLoadMissing(t *testing.T) {
	s := NewStore(storage.NewMemoryStore())
	if _, err := s.Load(context.Background(), "alice", 9); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAppendPreservesOrder(t *testing.T) {
	ctx := context.Background()
	s := NewStore(storage.NewMemoryStore())
	for _, p := range []string{"a", "b", "c"} {
		if err := s.Append(ctx, "bob", 2, domain.HistoryEntry{Prompt: p, ModelResponse: "re " + p}); err != nil {
			t.Fatalf("append %s: %v", p, err)
		}
	}
	entries, err := s.Load(ctx, "bob", 2)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(entries) != 3 || entries[0].Prompt != "a" || entries[2].Prompt != "c" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}

func TestEnsureKeepsExistingEntries(t *testing.T) {
	ctx := context.Background()
	s := NewStore(storage.NewMemoryStore())
	if err := s.Append(ctx, "bob", 1, domain.HistoryEntry{Prompt: "hi", ModelResponse: "hello"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.Ensure(ctx, "bob", 1); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	entries, _ := s.Load(ctx, "bob", 1)
	if len(entries) != 1 {
		t.Fatalf("ensure overwrote transcript: %+v", entries)
	}
	if err := s.Ensure(ctx, "bob", 2); err != nil {
		t.Fatalf("ensure new: %v", err)
	}
	if entries, err := s.Load(ctx, "bob", 2); err != nil || len(entries) != 0 {
		t.Fatalf("ensure new = %+v, %v", entries, err)
	}
}

type brokenStore struct{ storage.ObjectStore }

func (brokenStore) Get(context.Context, string) ([]byte, error) {
	return nil, errors.New("connection reset")
}

func (brokenStore) Put(context.Context, string, io.Reader, int64, string) error {
	return errors.New("connection reset")
}

func TestStoreErrorsAreNotNotFound(t *testing.T) {
	ctx := context.Background()
	s := NewStore(brokenStore{})
	if _, err := s.Load(ctx, "alice", 1); err == nil || errors.Is(err, ErrNotFound) {
		t.Fatalf("expected hard error, got %v", err)
	}
	if err := s.Append(ctx, "alice", 1, domain.HistoryEntry{}); err == nil {
		t.Fatalf("append over failing store should fail")
	}
}
