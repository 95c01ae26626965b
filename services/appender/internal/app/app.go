package app

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"

	"companionchat/internal/retry"
	"companionchat/internal/util"
	"companionchat/pkg/domain"
	"companionchat/pkg/queue"
	"companionchat/pkg/transcript"
)

const lockStripes = 64

// Config holds runtime configuration.
type Config struct {
	Transcripts *transcript.Store
	Retry       retry.Policy
}

// App appends finished turns to chat transcripts.
type App struct {
	transcripts *transcript.Store
	retry       retry.Policy
	// Appends to one transcript are read-modify-write; jobs for the same
	// chat are serialized within this process.
	locks [lockStripes]sync.Mutex
}

// New constructs the appender core.
func New(cfg Config) (*App, error) {
	if cfg.Transcripts == nil {
		return nil, fmt.Errorf("transcript store required")
	}
	return &App{transcripts: cfg.Transcripts, retry: cfg.Retry.Normalize()}, nil
}

// Append adds job.Entry to the end of the job's transcript. A missing
// transcript is created. It satisfies queue.Handler.
func (a *App) Append(ctx context.Context, job domain.AppendJob) error {
	if err := queue.ValidateJob(job); err != nil {
		return err
	}
	mu := a.lockFor(job.Username, job.ChatID)
	mu.Lock()
	defer mu.Unlock()

	entries, err := retry.Value(ctx, a.retry, permanent, func() ([]domain.HistoryEntry, error) {
		entries, err := a.transcripts.Load(ctx, job.Username, job.ChatID)
		if errors.Is(err, transcript.ErrNotFound) {
			return nil, nil
		}
		return entries, err
	})
	if err == nil {
		// Every attempt writes the same array, so a write that landed but
		// reported an error does not add the entry twice.
		entries = append(entries, job.Entry)
		err = retry.Do(ctx, a.retry, permanent, func() error {
			return a.transcripts.Save(ctx, job.Username, job.ChatID, entries)
		})
	}
	logger := util.LoggerFromContext(ctx)
	if err != nil {
		logger.Error("append history entry failed",
			"job_id", job.ID,
			"username", job.Username,
			"chat_id", job.ChatID,
			"err", err,
		)
		return fmt.Errorf("append chat %d for %q: %w", job.ChatID, job.Username, err)
	}
	logger.Debug("history entry appended", "job_id", job.ID, "username", job.Username, "chat_id", job.ChatID)
	return nil
}

func (a *App) lockFor(username string, chatID int64) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(transcript.Key(username, chatID)))
	return &a.locks[h.Sum32()%lockStripes]
}

func permanent(err error) bool {
	return errors.Is(err, queue.ErrInvalidJob) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
