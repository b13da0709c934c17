package lease

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var errMissingRedisClient = errors.New("lease: redis client is required")

var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisClient is the command subset the leaser needs; *redis.Client satisfies it.
type RedisClient interface {
	redis.Scripter
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
}

// RedisLeaser keeps the lease as a redis key with a TTL.
type RedisLeaser struct {
	client RedisClient
	key    string
}

// NewRedisLeaser constructs a lease stored under key.
func NewRedisLeaser(client RedisClient, key string) (*RedisLeaser, error) {
	if client == nil {
		return nil, errMissingRedisClient
	}
	return &RedisLeaser{client: client, key: key}, nil
}

// Acquire sets the key when absent or renews it when holder already owns it.
func (l *RedisLeaser) Acquire(ctx context.Context, holder string, ttl time.Duration) (bool, error) {
	if strings.TrimSpace(holder) == "" {
		return false, ErrMissingHolder
	}
	acquired, err := l.client.SetNX(ctx, l.key, holder, ttl).Result()
	if err != nil {
		return false, err
	}
	if acquired {
		return true, nil
	}
	renewed, err := renewScript.Run(ctx, l.client, []string{l.key}, holder, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return renewed == 1, nil
}

// Release deletes the key if holder owns it.
func (l *RedisLeaser) Release(ctx context.Context, holder string) error {
	return releaseScript.Run(ctx, l.client, []string{l.key}, holder).Err()
}
