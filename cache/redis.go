package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisClient is the subset of *redis.Client the store needs.
type redisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Close() error
}

// RedisOptions configures the redis-backed store.
type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisStore keeps prices in redis as decimal strings without expiry.
type RedisStore struct {
	client redisClient
	prefix string
}

// NewRedisStore connects to redis and verifies the connection.
func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", opts.Addr, err)
	}
	return newRedisStore(client, opts.KeyPrefix), nil
}

func newRedisStore(client redisClient, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) Get(ctx context.Context, title string) (float64, bool, error) {
	raw, err := s.client.Get(ctx, s.prefix+title).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	price, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false, fmt.Errorf("cached price %q for %q: %w", raw, title, err)
	}
	return price, true, nil
}

func (s *RedisStore) Set(ctx context.Context, title string, price float64) error {
	value := strconv.FormatFloat(price, 'f', -1, 64)
	return s.client.Set(ctx, s.prefix+title, value, 0).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
