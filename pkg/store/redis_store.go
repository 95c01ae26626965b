package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"companionchat/pkg/domain"
)

const defaultUserKeyPrefix = "companionchat:user"

// createUserScript is HSET guarded by EXISTS so the check and the insert are
// one atomic step on the server.
var createUserScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
  return 0
end
redis.call("HSET", KEYS[1], "username", ARGV[1], "password", ARGV[2], "chat_count", 0, "created_at", ARGV[3])
return 1
`)

// incrementChatScript refuses to materialize a hash for unknown users, which
// a bare HINCRBY would do.
var incrementChatScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  return -1
end
return redis.call("HINCRBY", KEYS[1], "chat_count", 1)
`)

// RedisDirectory stores each user as a hash at <prefix>:<username>.
type RedisDirectory struct {
	client *redis.Client
	prefix string
}

// NewRedisDirectory wraps an existing client.
func NewRedisDirectory(client *redis.Client, prefix string) *RedisDirectory {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = defaultUserKeyPrefix
	}
	return &RedisDirectory{client: client, prefix: prefix}
}

// GetUser loads the user hash.
func (d *RedisDirectory) GetUser(ctx context.Context, username string) (domain.User, bool, error) {
	data, err := d.client.HGetAll(ctx, d.key(username)).Result()
	if err != nil {
		return domain.User{}, false, fmt.Errorf("load user: %w", err)
	}
	if len(data) == 0 {
		return domain.User{}, false, nil
	}
	u := domain.User{
		Username: username,
		Password: data["password"],
	}
	if v := data["chat_count"]; v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return domain.User{}, false, fmt.Errorf("decode chat_count for %q: %w", username, err)
		}
		u.ChatCount = n
	}
	if v := data["created_at"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			u.CreatedAt = t
		}
	}
	return u, true, nil
}

// CreateUser runs the insert-if-absent script.
func (d *RedisDirectory) CreateUser(ctx context.Context, u domain.User) error {
	createdAt := u.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	created, err := createUserScript.Run(ctx, d.client, []string{d.key(u.Username)},
		u.Username, u.Password, createdAt.Format(time.RFC3339Nano)).Int64()
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	if created == 0 {
		return ErrUserExists
	}
	return nil
}

// IncrementChatCount runs HINCRBY on an existing user hash.
func (d *RedisDirectory) IncrementChatCount(ctx context.Context, username string) (int64, error) {
	n, err := incrementChatScript.Run(ctx, d.client, []string{d.key(username)}).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, ErrUserNotFound
		}
		return 0, fmt.Errorf("increment chat count: %w", err)
	}
	if n < 0 {
		return 0, ErrUserNotFound
	}
	return n, nil
}

func (d *RedisDirectory) key(username string) string {
	return d.prefix + ":" + username
}
