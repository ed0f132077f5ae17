// Package redisstore wraps the Redis client operations used by the cache.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bopmaps/mapcache/internal/core/observability"
)

type Option func(*redis.Options)

func WithPoolSize(n int) Option {
	return func(o *redis.Options) { o.PoolSize = n }
}

func WithMinIdleConns(n int) Option {
	return func(o *redis.Options) { o.MinIdleConns = n }
}

func WithDialTimeout(d time.Duration) Option {
	return func(o *redis.Options) { o.DialTimeout = d }
}

func WithReadTimeout(d time.Duration) Option {
	return func(o *redis.Options) { o.ReadTimeout = d }
}

func WithWriteTimeout(d time.Duration) Option {
	return func(o *redis.Options) { o.WriteTimeout = d }
}

type Client struct {
	rdb *redis.Client
}

func New(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	if addr == "" {
		return nil, errors.New("redis address is required")
	}

	ro := &redis.Options{
		Addr:         addr,
		PoolSize:     64,
		MinIdleConns: 4,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
	}
	for _, f := range opts {
		f(ro)
	}

	rdb := redis.NewClient(ro)

	start := time.Now()
	err := rdb.Ping(ctx).Err()
	observability.ObserveCacheOp("ping", err, time.Since(start).Seconds())
	if err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Client{rdb: rdb}, nil
}

// Ping checks connectivity to the backend.
func (c *Client) Ping(ctx context.Context) error {
	start := time.Now()
	err := c.rdb.Ping(ctx).Err()
	observability.ObserveCacheOp("ping", err, time.Since(start).Seconds())
	return err
}

// Get returns the value and whether the key exists.
func (c *Client) Get(ctx context.Context, key string) ([]byte, bool, error) {
	start := time.Now()
	val, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		observability.ObserveCacheOp("get", nil, time.Since(start).Seconds())
		return nil, false, nil
	}
	observability.ObserveCacheOp("get", err, time.Since(start).Seconds())
	if err != nil {
		return nil, false, fmt.Errorf("redis GET %q: %w", key, err)
	}
	return val, true, nil
}

func (c *Client) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	start := time.Now()
	err := c.rdb.Set(ctx, key, val, ttl).Err()
	observability.ObserveCacheOp("set", err, time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("redis SET %q: %w", key, err)
	}
	return nil
}

func (c *Client) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	start := time.Now()
	err := c.rdb.Del(ctx, keys...).Err()
	observability.ObserveCacheOp("del", err, time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("redis DEL %d keys: %w", len(keys), err)
	}
	return nil
}

// DeleteByPrefix removes every key matching prefix* via SCAN, batching
// deletes per scan page. Returns the number of keys removed.
func (c *Client) DeleteByPrefix(ctx context.Context, prefix string) (int, error) {
	start := time.Now()
	deleted := 0
	iter := c.rdb.Scan(ctx, 0, prefix+"*", 512).Iterator()
	batch := make([]string, 0, 512)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := c.rdb.Del(ctx, batch...).Err(); err != nil {
			return fmt.Errorf("redis DEL %d keys: %w", len(batch), err)
		}
		deleted += len(batch)
		batch = batch[:0]
		return nil
	}
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) >= 512 {
			if err := flush(); err != nil {
				observability.ObserveCacheOp("del_prefix", err, time.Since(start).Seconds())
				return deleted, err
			}
		}
	}
	if err := iter.Err(); err != nil {
		observability.ObserveCacheOp("del_prefix", err, time.Since(start).Seconds())
		return deleted, fmt.Errorf("redis SCAN %q: %w", prefix, err)
	}
	err := flush()
	observability.ObserveCacheOp("del_prefix", err, time.Since(start).Seconds())
	return deleted, err
}

// CountAndSize scans prefix* and reports key count plus the summed value
// lengths, pipelining STRLEN per scan page.
func (c *Client) CountAndSize(ctx context.Context, prefix string) (int64, int64, error) {
	start := time.Now()
	var keyCount, byteCount int64
	iter := c.rdb.Scan(ctx, 0, prefix+"*", 512).Iterator()
	page := make([]string, 0, 512)

	sum := func() error {
		if len(page) == 0 {
			return nil
		}
		cmds := make([]*redis.IntCmd, len(page))
		_, err := c.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
			for i, k := range page {
				cmds[i] = p.StrLen(ctx, k)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("redis STRLEN pipeline: %w", err)
		}
		for _, cmd := range cmds {
			byteCount += cmd.Val()
		}
		page = page[:0]
		return nil
	}

	for iter.Next(ctx) {
		keyCount++
		page = append(page, iter.Val())
		if len(page) >= 512 {
			if err := sum(); err != nil {
				observability.ObserveCacheOp("stats", err, time.Since(start).Seconds())
				return keyCount, byteCount, err
			}
		}
	}
	if err := iter.Err(); err != nil {
		observability.ObserveCacheOp("stats", err, time.Since(start).Seconds())
		return keyCount, byteCount, fmt.Errorf("redis SCAN %q: %w", prefix, err)
	}
	err := sum()
	observability.ObserveCacheOp("stats", err, time.Since(start).Seconds())
	return keyCount, byteCount, err
}

func (c *Client) Close() error {
	if err := c.rdb.Close(); err != nil {
		return fmt.Errorf("redis close: %w", err)
	}
	return nil
}
