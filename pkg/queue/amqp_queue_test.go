package queue

import (
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"companionchat/pkg/domain"
)

func TestNewPublishingCarriesJob(t *testing.T) {
	job := domain.AppendJob{
		ID:        "job-1",
		Username:  "alice",
		ChatID:    2,
		Entry:     domain.HistoryEntry{Prompt: "Hi", ModelResponse: "Hello"},
		CreatedAt: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
	}
	msg, err := newPublishing(job, 2)
	if err != nil {
		t.Fatalf("new publishing: %v", err)
	}
	if msg.DeliveryMode != amqp.Persistent || msg.MessageId != "job-1" {
		t.Fatalf("unexpected publishing: %+v", msg)
	}
	if got := deliveryAttempts(msg.Headers); got != 2 {
		t.Fatalf("attempts = %d", got)
	}
	decoded, err := decodeJob(msg.Body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Username != "alice" || decoded.ChatID != 2 || decoded.Entry != job.Entry {
		t.Fatalf("decoded = %+v", decoded)
	}
}

func TestDecodeJobRejectsGarbage(t *testing.T) {
	for _, body := range []string{`not json`, `{"username":"","chat_id":1}`, `{"username":"a","chat_id":0}`} {
		if _, err := decodeJob([]byte(body)); !errors.Is(err, ErrInvalidJob) {
			t.Fatalf("decodeJob(%q) = %v, want ErrInvalidJob", body, err)
		}
	}
}

func TestDeliveryAttemptsMissingHeader(t *testing.T) {
	if got := deliveryAttempts(nil); got != 0 {
		t.Fatalf("attempts = %d", got)
	}
	if got := deliveryAttempts(amqp.Table{attemptsHeader: int64(4)}); got != 4 {
		t.Fatalf("attempts = %d", got)
	}
}
