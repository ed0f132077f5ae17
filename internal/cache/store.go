package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/bopmaps/mapcache/internal/cache/redisstore"
	"github.com/bopmaps/mapcache/internal/core/model"
)

// ContentHash renders the xxhash content hash used as an ETag.
func ContentHash(payload []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(payload))
}

type redisStore struct {
	cli     *redisstore.Client
	ttls    map[Tier]time.Duration
	timeout time.Duration
}

// NewRedisStore builds a Store over Redis. overrides replaces the default
// TTL of the named tiers; timeout bounds every store operation so a slow
// store cannot hold a request thread.
func NewRedisStore(cli *redisstore.Client, overrides map[Tier]time.Duration, timeout time.Duration) Store {
	ttls := make(map[Tier]time.Duration, len(DefaultTTLs))
	for t, d := range DefaultTTLs {
		ttls[t] = d
	}
	for t, d := range overrides {
		if d > 0 {
			ttls[t] = d
		}
	}
	return &redisStore{cli: cli, ttls: ttls, timeout: timeout}
}

func (s *redisStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *redisStore) Get(ctx context.Context, tier Tier, key string) (Entry, bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	val, ok, err := s.cli.Get(ctx, key)
	if err != nil {
		return Entry{}, false, unavailable("get", key, err)
	}
	if !ok {
		return Entry{}, false, nil
	}
	return Entry{Payload: val, ETag: ContentHash(val)}, true, nil
}

func (s *redisStore) Set(ctx context.Context, tier Tier, key string, payload []byte, ttlOverride time.Duration) error {
	ttl := s.ttls[tier]
	if ttlOverride > 0 {
		ttl = ttlOverride
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.cli.Set(ctx, key, payload, ttl); err != nil {
		return unavailable("set", key, err)
	}
	return nil
}

func (s *redisStore) Delete(ctx context.Context, tier Tier, keys ...string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.cli.Del(ctx, keys...); err != nil {
		return unavailable("del", fmt.Sprintf("%d keys", len(keys)), err)
	}
	return nil
}

func (s *redisStore) DeleteByPrefix(ctx context.Context, tier Tier, prefix string) (int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	n, err := s.cli.DeleteByPrefix(ctx, prefix)
	if err != nil {
		return n, unavailable("del_prefix", prefix, err)
	}
	return n, nil
}

func (s *redisStore) Stats(ctx context.Context, tier Tier) (TierStats, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	count, size, err := s.cli.CountAndSize(ctx, string(tier)+":")
	if err != nil {
		return TierStats{}, unavailable("stats", string(tier), err)
	}
	return TierStats{KeyCount: count, ApproxBytes: size}, nil
}

// unavailable folds any backend failure into the degradation sentinel:
// callers must treat the store as a miss, not a fatal error.
func unavailable(op, subject string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %s %s: %w", model.ErrStoreUnavailable, op, subject, err)
}
