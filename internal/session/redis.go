package session

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	lockKeyPrefix   = "photo-detect:chat-lock:"
	lockRetryDelay  = 50 * time.Millisecond
	lockReleaseWait = 2 * time.Second
)

// RedisLocker is a Locker shared by every front-end instance. Each lock is a
// SET NX key holding a random token; only the holder's token can release it.
type RedisLocker struct {
	cli *redis.Client
	ttl time.Duration
}

// NewRedisLocker returns a locker whose locks expire after ttl if the holder
// dies without releasing them.
func NewRedisLocker(cli *redis.Client, ttl time.Duration) *RedisLocker {
	return &RedisLocker{cli: cli, ttl: ttl}
}

var luaUnlock = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end`)

func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	k := lockKeyPrefix + key
	token := uuid.NewString()
	for {
		ok, err := l.cli.SetNX(ctx, k, token, l.ttl).Result()
		if err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Str("key", k).Msg("Redis lock attempt failed")
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("lock %s: %w", key, ctx.Err())
		case <-time.After(lockRetryDelay):
		}
	}

	return func() {
		rctx, cancel := context.WithTimeout(context.Background(), lockReleaseWait)
		defer cancel()
		if _, err := luaUnlock.Run(rctx, l.cli, []string{k}, token).Result(); err != nil {
			log.Warn().Err(err).Str("key", k).Msg("Redis unlock failed, lock will expire")
		}
	}, nil
}
