package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"creatorpay/internal/payments"
)

// RedisStore shares idempotency state across service instances. A key being
// processed elsewhere yields payments.ErrInFlight and the caller should retry.
type RedisStore struct {
	client  *redis.Client
	lockTTL time.Duration
}

// NewRedisStore creates a RedisStore. lockTTL bounds how long a crashed holder
// can keep a key reserved.
func NewRedisStore(client *redis.Client, lockTTL time.Duration) *RedisStore {
	if lockTTL <= 0 {
		lockTTL = 2 * time.Minute
	}
	return &RedisStore{client: client, lockTTL: lockTTL}
}

// NewRedisClient connects to the Redis server at url and pings it.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return client, nil
}

func resultKey(key string) string { return "idem:result:" + key }
func lockKey(key string) string   { return "idem:lock:" + key }

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	payload, err := s.client.Get(ctx, resultKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading idempotency result: %w", err)
	}
	return payload, true, nil
}

func (s *RedisStore) Put(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, resultKey(key), payload, ttlOrDefault(ttl)).Err(); err != nil {
		return fmt.Errorf("storing idempotency result: %w", err)
	}
	return nil
}

func (s *RedisStore) Acquire(ctx context.Context, key string) ([]byte, bool, error) {
	if payload, found, err := s.Get(ctx, key); err != nil || found {
		return payload, found, err
	}

	ok, err := s.client.SetNX(ctx, lockKey(key), "1", s.lockTTL).Result()
	if err != nil {
		return nil, false, fmt.Errorf("reserving idempotency key: %w", err)
	}
	if !ok {
		return nil, false, payments.ErrInFlight
	}

	// The holder may have completed between the first read and the reservation.
	if payload, found, err := s.Get(ctx, key); err != nil || found {
		_ = s.client.Del(ctx, lockKey(key)).Err()
		return payload, found, err
	}
	return nil, false, nil
}

func (s *RedisStore) Complete(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, resultKey(key), payload, ttlOrDefault(ttl))
	pipe.Del(ctx, lockKey(key))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("completing idempotency key: %w", err)
	}
	return nil
}

func (s *RedisStore) Abandon(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, lockKey(key)).Err(); err != nil {
		return fmt.Errorf("releasing idempotency key: %w", err)
	}
	return nil
}
