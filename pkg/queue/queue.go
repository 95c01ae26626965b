// Package queue carries append jobs from the chat service to the appender.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"companionchat/pkg/domain"
)

// Publisher hands an append job to a transport.
type Publisher interface {
	Publish(ctx context.Context, job domain.AppendJob) error
}

// Handler processes one delivered job. A non-nil error asks the consumer to
// redeliver until its retry budget is spent.
type Handler func(ctx context.Context, job domain.AppendJob) error

// ErrInvalidJob marks payloads that can never be processed.
var ErrInvalidJob = errors.New("invalid append job")

// ValidateJob checks the fields every transport requires.
func ValidateJob(job domain.AppendJob) error {
	if strings.TrimSpace(job.Username) == "" {
		return fmt.Errorf("%w: username required", ErrInvalidJob)
	}
	if job.ChatID <= 0 {
		return fmt.Errorf("%w: chat_id must be positive", ErrInvalidJob)
	}
	return nil
}

func encodeJob(job domain.AppendJob) ([]byte, error) {
	if err := ValidateJob(job); err != nil {
		return nil, err
	}
	return json.Marshal(job)
}

func decodeJob(data []byte) (domain.AppendJob, error) {
	var job domain.AppendJob
	if err := json.Unmarshal(data, &job); err != nil {
		return domain.AppendJob{}, fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}
	if err := ValidateJob(job); err != nil {
		return domain.AppendJob{}, err
	}
	return job, nil
}
