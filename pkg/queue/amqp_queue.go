package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"companionchat/internal/util"
	"companionchat/pkg/domain"
)

const attemptsHeader = "x-append-attempts"

// AMQPQueue moves append jobs through a durable RabbitMQ queue.
type AMQPQueue struct {
	conn       *amqp.Connection
	mu         sync.Mutex
	pubCh      *amqp.Channel
	queue      string
	prefetch   int
	maxRetries int
}

type AMQPConfig struct {
	URL      string
	Queue    string
	Prefetch int
	// MaxRetries is the number of deliveries before a job is dropped.
	MaxRetries int
}

// NewAMQPQueue dials the broker and declares the queue.
func NewAMQPQueue(cfg AMQPConfig) (*AMQPQueue, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, errors.New("amqp url required")
	}
	name := strings.TrimSpace(cfg.Queue)
	if name == "" {
		return nil, errors.New("amqp queue required")
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if _, err := ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare amqp queue: %w", err)
	}
	prefetch := cfg.Prefetch
	if prefetch <= 0 {
		prefetch = 10
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 1
	}
	return &AMQPQueue{
		conn:       conn,
		pubCh:      ch,
		queue:      name,
		prefetch:   prefetch,
		maxRetries: maxRetries,
	}, nil
}

// Publish sends job as a persistent message.
func (q *AMQPQueue) Publish(ctx context.Context, job domain.AppendJob) error {
	if job.ID == "" {
		job.ID = util.NewID()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	msg, err := newPublishing(job, 0)
	if err != nil {
		return err
	}
	return q.publish(ctx, msg)
}

func (q *AMQPQueue) publish(ctx context.Context, msg amqp.Publishing) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.pubCh.PublishWithContext(ctx, "", q.queue, false, false, msg); err != nil {
		return fmt.Errorf("publish append job: %w", err)
	}
	return nil
}

// Start consumes with concurrency workers until ctx is canceled.
func (q *AMQPQueue) Start(ctx context.Context, concurrency int, handler Handler) error {
	if concurrency <= 0 {
		concurrency = 1
	}
	ch, err := q.conn.Channel()
	if err != nil {
		return fmt.Errorf("open amqp consumer channel: %w", err)
	}
	if err := ch.Qos(q.prefetch, 0, false); err != nil {
		_ = ch.Close()
		return fmt.Errorf("set amqp qos: %w", err)
	}
	deliveries, err := ch.ConsumeWithContext(ctx, q.queue, "", false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return fmt.Errorf("consume amqp queue: %w", err)
	}
	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range deliveries {
				q.handleDelivery(ctx, d, handler)
			}
		}()
	}
	go func() {
		wg.Wait()
		_ = ch.Close()
	}()
	return nil
}

func (q *AMQPQueue) handleDelivery(ctx context.Context, d amqp.Delivery, handler Handler) {
	logger := util.LoggerFromContext(ctx).With("queue", q.queue, "message_id", d.MessageId)
	job, err := decodeJob(d.Body)
	if err != nil {
		logger.Warn("append queue dropped malformed message", "err", err)
		_ = d.Ack(false)
		return
	}
	attempts := deliveryAttempts(d.Headers) + 1
	logger = logger.With("job_id", job.ID, "username", job.Username, "chat_id", job.ChatID, "attempt", attempts)

	err = handler(ctx, job)
	if err == nil {
		_ = d.Ack(false)
		return
	}
	if attempts >= q.maxRetries || errors.Is(err, ErrInvalidJob) {
		logger.Error("append job failed", "err", err)
		_ = d.Ack(false)
		return
	}
	logger.Warn("append job failed, requeueing", "err", err)
	msg, encErr := newPublishing(job, attempts)
	if encErr == nil {
		encErr = q.publish(ctx, msg)
	}
	if encErr != nil {
		logger.Warn("append job requeue failed, returning to broker", "err", encErr)
		_ = d.Nack(false, true)
		return
	}
	_ = d.Ack(false)
}

// Close shuts the connection and every channel on it.
func (q *AMQPQueue) Close() error {
	return q.conn.Close()
}

func newPublishing(job domain.AppendJob, attempts int) (amqp.Publishing, error) {
	body, err := encodeJob(job)
	if err != nil {
		return amqp.Publishing{}, err
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    job.ID,
		Timestamp:    job.CreatedAt,
		Headers:      amqp.Table{attemptsHeader: int32(attempts)},
		Body:         body,
	}, nil
}

func deliveryAttempts(h amqp.Table) int {
	switch v := h[attemptsHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}
