package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"companionchat/internal/util"
	"companionchat/pkg/domain"
)

// RedisJobQueue moves append jobs through a Redis stream consumed by a
// consumer group. Each entry carries the JSON job and its attempt count.
type RedisJobQueue struct {
	client       *redis.Client
	stream       string
	group        string
	consumerBase string
	maxRetries   int
	block        time.Duration
	claimIdle    time.Duration
	retryDelay   time.Duration
	maxLen       int64
	readCount    int64
	claimCount   int64
	errorBackoff time.Duration

	groupMu    sync.Mutex
	groupReady bool
}

type RedisQueueConfig struct {
	Addr     string
	Password string
	Stream   string
	Group    string
	Consumer string
	// MaxRetries is the number of deliveries before a job is dropped.
	MaxRetries int
	Block      time.Duration
	ClaimIdle  time.Duration
	RetryDelay time.Duration
	MaxLen     int64
	ReadCount  int64
	ClaimCount int64
}

func NewRedisJobQueue(cfg RedisQueueConfig) (*RedisJobQueue, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis addr required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		return nil, errors.New("queue stream required")
	}
	group := strings.TrimSpace(cfg.Group)
	if group == "" {
		group = "appender"
	}
	consumer := strings.TrimSpace(cfg.Consumer)
	if consumer == "" {
		consumer = util.NewID()
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 1
	}
	block := cfg.Block
	if block <= 0 {
		block = 5 * time.Second
	}
	claimIdle := cfg.ClaimIdle
	if claimIdle <= 0 {
		claimIdle = 30 * time.Second
	}
	retryDelay := cfg.RetryDelay
	if retryDelay < 0 {
		retryDelay = 0
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = 10000
	}
	readCount := cfg.ReadCount
	if readCount <= 0 {
		readCount = 10
	}
	claimCount := cfg.ClaimCount
	if claimCount <= 0 {
		claimCount = 10
	}

	return &RedisJobQueue{
		client:       redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password}),
		stream:       stream,
		group:        group,
		consumerBase: consumer,
		maxRetries:   maxRetries,
		block:        block,
		claimIdle:    claimIdle,
		retryDelay:   retryDelay,
		maxLen:       maxLen,
		readCount:    readCount,
		claimCount:   claimCount,
		errorBackoff: time.Second,
	}, nil
}

// Publish appends job to the stream.
func (q *RedisJobQueue) Publish(ctx context.Context, job domain.AppendJob) error {
	if job.ID == "" {
		job.ID = util.NewID()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	payload, err := encodeJob(job)
	if err != nil {
		return err
	}
	return q.add(ctx, q.client, job.ID, payload, 0)
}

func (q *RedisJobQueue) add(ctx context.Context, c redis.Cmdable, jobID string, payload []byte, attempts int) error {
	return c.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: map[string]any{
			"job_id":   jobID,
			"payload":  string(payload),
			"attempts": strconv.Itoa(attempts),
		},
	}).Err()
}

// Start launches concurrency consumers that run until ctx is canceled. A
// group that cannot be created yet is retried by the consumers.
func (q *RedisJobQueue) Start(ctx context.Context, concurrency int, handler Handler) {
	if concurrency <= 0 {
		concurrency = 1
	}
	if err := q.ensureGroup(ctx); err != nil {
		util.LoggerFromContext(ctx).Warn("append queue group create failed", "stream", q.stream, "group", q.group, "err", err)
	}
	for i := 0; i < concurrency; i++ {
		consumer := fmt.Sprintf("%s-%d", q.consumerBase, i)
		go q.consumeLoop(ctx, consumer, handler)
	}
}

// Close releases the Redis connection pool.
func (q *RedisJobQueue) Close() error {
	return q.client.Close()
}

// ensureGroup creates the consumer group from the start of the stream, so
// jobs published before the first consumer are still delivered.
func (q *RedisJobQueue) ensureGroup(ctx context.Context) error {
	q.groupMu.Lock()
	defer q.groupMu.Unlock()
	if q.groupReady {
		return nil
	}
	err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	q.groupReady = true
	return nil
}

// dropGroup forgets the group after Redis reports it missing, e.g. after a
// restart without persistence.
func (q *RedisJobQueue) dropGroup() {
	q.groupMu.Lock()
	q.groupReady = false
	q.groupMu.Unlock()
}

func (q *RedisJobQueue) consumeLoop(ctx context.Context, consumer string, handler Handler) {
	logger := util.LoggerFromContext(ctx).With("stream", q.stream, "group", q.group, "consumer", consumer)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := q.ensureGroup(ctx); err != nil {
			if ctx.Err() == nil {
				logger.Warn("append queue group create failed", "err", err)
				q.pause(ctx)
			}
			continue
		}

		msgs, err := q.claimPending(ctx, consumer)
		if err != nil {
			if ctx.Err() == nil {
				q.readFailed(ctx, logger, "claim", err)
			}
			continue
		}
		for _, msg := range msgs {
			q.handleMessage(ctx, msg, handler)
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: consumer,
			Streams:  []string{q.stream, ">"},
			Count:    q.readCount,
			Block:    q.block,
		}).Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
				q.readFailed(ctx, logger, "read", err)
			}
			continue
		}
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				q.handleMessage(ctx, msg, handler)
			}
		}
	}
}

func (q *RedisJobQueue) readFailed(ctx context.Context, logger *slog.Logger, op string, err error) {
	if strings.Contains(err.Error(), "NOGROUP") {
		q.dropGroup()
	}
	logger.Warn("append queue "+op+" failed", "err", err)
	q.pause(ctx)
}

func (q *RedisJobQueue) pause(ctx context.Context) {
	timer := time.NewTimer(q.errorBackoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func (q *RedisJobQueue) claimPending(ctx context.Context, consumer string) ([]redis.XMessage, error) {
	res, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: consumer,
		MinIdle:  q.claimIdle,
		Start:    "0-0",
		Count:    q.claimCount,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (q *RedisJobQueue) handleMessage(ctx context.Context, msg redis.XMessage, handler Handler) {
	logger := util.LoggerFromContext(ctx).With("stream", q.stream, "message_id", msg.ID)
	payload, _ := msg.Values["payload"].(string)
	job, err := decodeJob([]byte(payload))
	if err != nil {
		logger.Warn("append queue dropped malformed message", "err", err)
		q.ackAndDel(ctx, msg.ID)
		return
	}
	attempts := 0
	if v, ok := msg.Values["attempts"].(string); ok {
		attempts, _ = strconv.Atoi(v)
	}
	attempts++

	logger = logger.With("job_id", job.ID, "username", job.Username, "chat_id", job.ChatID, "attempt", attempts)
	err = handler(ctx, job)
	if err == nil {
		q.ackAndDel(ctx, msg.ID)
		return
	}
	if attempts >= q.maxRetries || errors.Is(err, ErrInvalidJob) {
		logger.Error("append job failed", "err", err)
		q.ackAndDel(ctx, msg.ID)
		return
	}
	logger.Warn("append job failed, requeueing", "err", err)
	if q.retryDelay > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(q.retryDelay):
		}
	}
	if err := q.requeueAndAck(ctx, msg.ID, job.ID, []byte(payload), attempts); err != nil {
		logger.Warn("append job requeue failed, left pending", "err", err)
	}
}

func (q *RedisJobQueue) ackAndDel(ctx context.Context, msgID string) {
	_, _ = q.client.XAck(ctx, q.stream, q.group, msgID).Result()
	_, _ = q.client.XDel(ctx, q.stream, msgID).Result()
}

func (q *RedisJobQueue) requeueAndAck(ctx context.Context, msgID, jobID string, payload []byte, attempts int) error {
	pipe := q.client.TxPipeline()
	if err := q.add(ctx, pipe, jobID, payload, attempts); err != nil {
		return err
	}
	pipe.XAck(ctx, q.stream, q.group, msgID)
	pipe.XDel(ctx, q.stream, msgID)
	_, err := pipe.Exec(ctx)
	return err
}
