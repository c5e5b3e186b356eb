package cache

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	serializer "github.com/always-cache/offline-runtime/pkg/response-serializer"
)

type RedisCacheOpts struct {
	// Client cannot be nil.
	Client redis.UniversalClient
	// Prefix for all keys written by this cache. Defaults to "offline-runtime".
	Prefix string
	// Timeout for a single redis operation. Defaults to one second.
	Timeout time.Duration
}

// RedisCache keeps every store in its own redis hash.
// The hash field is the fingerprint, the value the serialized entry.
type RedisCache struct {
	opts RedisCacheOpts
	log  zerolog.Logger
}

func NewRedisCache(opts RedisCacheOpts) (*RedisCache, error) {
	if opts.Client == nil {
		return nil, errors.New("nil redis client")
	}
	if opts.Prefix == "" {
		opts.Prefix = "offline-runtime"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = time.Second
	}
	return &RedisCache{
		opts: opts,
		log:  log.With().Str("provider", "redis").Logger(),
	}, nil
}

func (r *RedisCache) storeKey(name string) string {
	return r.opts.Prefix + ":store:" + name
}

func (r *RedisCache) registryKey() string {
	return r.opts.Prefix + ":stores"
}

func (r *RedisCache) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), r.opts.Timeout)
}

func (r *RedisCache) Get(store string, fp Fingerprint) (Entry, bool) {
	ctx, cancel := r.ctx()
	defer cancel()
	b, err := r.opts.Client.HGet(ctx, r.storeKey(store), fp.String()).Bytes()
	if err == redis.Nil {
		return Entry{}, false
	} else if err != nil {
		r.log.Warn().Err(err).Str("store", store).Str("key", fp.String()).Msg("redis get")
		return Entry{}, false
	}
	stored, err := serializer.Unmarshal(b)
	if err != nil {
		r.log.Error().Err(err).Str("store", store).Str("key", fp.String()).Msg("Corrupted cache entry")
		return Entry{}, false
	}
	return Entry{
		Fingerprint: fp,
		Status:      stored.Status,
		Header:      stored.Header,
		Body:        stored.Body,
		StoredAt:    stored.StoredAt,
	}, true
}

func (r *RedisCache) Put(store string, e Entry) error {
	b, err := serializer.Marshal(serializer.StoredResponse{
		Method:   e.Fingerprint.Method,
		URL:      e.Fingerprint.URL,
		Status:   e.Status,
		Header:   e.Header,
		Body:     e.Body,
		StoredAt: e.StoredAt,
	})
	if err != nil {
		return err
	}
	ctx, cancel := r.ctx()
	defer cancel()
	_, err = r.opts.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, r.registryKey(), store)
		pipe.HSet(ctx, r.storeKey(store), e.Fingerprint.String(), b)
		return nil
	})
	return err
}

func (r *RedisCache) StoredAt(store string, fp Fingerprint) (time.Time, error) {
	e, ok := r.Get(store, fp)
	if !ok {
		return time.Time{}, ErrNotFound
	}
	return e.StoredAt, nil
}

func (r *RedisCache) Delete(store string, fp Fingerprint) error {
	ctx, cancel := r.ctx()
	defer cancel()
	return r.opts.Client.HDel(ctx, r.storeKey(store), fp.String()).Err()
}

func (r *RedisCache) Fingerprints(store string) iter.Seq[Fingerprint] {
	snapshot := make([]Fingerprint, 0)
	ctx, cancel := r.ctx()
	defer cancel()
	keys, err := r.opts.Client.HKeys(ctx, r.storeKey(store)).Result()
	if err != nil {
		r.log.Warn().Err(err).Str("store", store).Msg("redis hkeys")
		return sliceSeq(snapshot)
	}
	for _, key := range keys {
		if fp, ok := ParseFingerprint(key); ok {
			snapshot = append(snapshot, fp)
		}
	}
	return sliceSeq(snapshot)
}

func (r *RedisCache) DeleteStore(name string) error {
	ctx, cancel := r.ctx()
	defer cancel()
	_, err := r.opts.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.storeKey(name))
		pipe.SRem(ctx, r.registryKey(), name)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis delete store %s: %w", name, err)
	}
	return nil
}

func (r *RedisCache) Stores() ([]string, error) {
	ctx, cancel := r.ctx()
	defer cancel()
	names, err := r.opts.Client.SMembers(ctx, r.registryKey()).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

// Close closes the redis client.
func (r *RedisCache) Close() error {
	return r.opts.Client.Close()
}
