package learn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore shares corrections between worker processes. Values are JSON
// under "<prefix><report>".
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisStore wraps an existing client. ttl of zero keeps keys forever.
func NewRedisStore(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "reportflow:correction:"
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

// DialRedis connects to addr and returns a store using the default prefix.
func DialRedis(ctx context.Context, addr, password string, db int, ttl time.Duration) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return NewRedisStore(rdb, "", ttl), nil
}

func (s *RedisStore) key(report string) string { return s.prefix + report }

func (s *RedisStore) Get(ctx context.Context, report string) (Correction, bool, error) {
	data, err := s.client.Get(ctx, s.key(report)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Correction{}, false, nil
	}
	if err != nil {
		return Correction{}, false, fmt.Errorf("redis get %s: %w", report, err)
	}
	var c Correction
	if err := json.Unmarshal(data, &c); err != nil {
		return Correction{}, false, fmt.Errorf("decode correction %s: %w", report, err)
	}
	return c, true, nil
}

func (s *RedisStore) Put(ctx context.Context, c Correction) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key(c.Report), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", c.Report, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, report string) error {
	return s.client.Del(ctx, s.key(report)).Err()
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
