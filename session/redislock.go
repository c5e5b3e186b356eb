package session

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// releaseScript deletes the lock only if it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type RedisLockOpts struct {
	// Client cannot be nil.
	Client redis.UniversalClient
	// Key of the lock. Defaults to "offline-runtime:refresh-lock".
	Key string
	// Lease of the lock. A crashed holder blocks others at most this long. Defaults to 30s.
	TTL time.Duration
}

// RedisLock is a RefreshLock shared by runtimes on several hosts.
type RedisLock struct {
	opts RedisLockOpts
}

func NewRedisLock(opts RedisLockOpts) (*RedisLock, error) {
	if opts.Client == nil {
		return nil, errors.New("nil redis client")
	}
	if opts.Key == "" {
		opts.Key = "offline-runtime:refresh-lock"
	}
	if opts.TTL <= 0 {
		opts.TTL = 30 * time.Second
	}
	return &RedisLock{opts: opts}, nil
}

func (r *RedisLock) TryAcquire(ctx context.Context) (func(), error) {
	token := uuid.NewString()
	ok, err := r.opts.Client.SetNX(ctx, r.opts.Key, token, r.opts.TTL).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLocked
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := releaseScript.Run(ctx, r.opts.Client, []string{r.opts.Key}, token).Err(); err != nil {
			log.Warn().Err(err).Str("key", r.opts.Key).Msg("Could not release refresh lock")
		}
	}, nil
}

func (r *RedisLock) Held(ctx context.Context) (bool, error) {
	n, err := r.opts.Client.Exists(ctx, r.opts.Key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
