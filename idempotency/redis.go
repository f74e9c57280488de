package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "settlement:idempotency:"

// RedisStore is a Store backed by Redis, so keys survive restarts and are
// shared between engine replicas
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisStore creates a store on client. ttl of 0 keeps keys forever.
func NewRedisStore(client redis.UniversalClient, ttl time.Duration) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: defaultKeyPrefix,
		ttl:    ttl,
	}
}

func (s *RedisStore) key(k string) string {
	return s.prefix + k
}

// Claim uses SETNX so only one caller wins the key
func (s *RedisStore) Claim(ctx context.Context, key string) (*Record, error) {
	now := time.Now().UTC()
	record := &Record{
		Key:       key,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	raw, err := sonic.Marshal(record)
	if err != nil {
		return nil, err
	}

	// the held key can expire between SETNX and GET, then the claim is retried once
	for attempt := 0; ; attempt++ {
		ok, err := s.client.SetNX(ctx, s.key(key), raw, s.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("couldn't claim idempotency key: %w", err)
		}
		if ok {
			return record, nil
		}
		existing, err := s.Get(ctx, key)
		if errors.Is(err, ErrKeyNotFound) && attempt == 0 {
			continue
		}
		if err != nil {
			return nil, err
		}
		return existing, ErrDuplicateKey
	}
}

// Complete overwrites an existing key, keeping its TTL
func (s *RedisStore) Complete(ctx context.Context, key, paymentID string) error {
	record, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	record.Status = StatusCompleted
	record.PaymentID = paymentID
	record.UpdatedAt = time.Now().UTC()

	raw, err := sonic.Marshal(record)
	if err != nil {
		return err
	}
	err = s.client.SetArgs(ctx, s.key(key), raw, redis.SetArgs{Mode: "XX", KeepTTL: true}).Err()
	if errors.Is(err, redis.Nil) {
		return ErrKeyNotFound
	}
	return err
}

func (s *RedisStore) Release(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.key(key)).Err()
}

func (s *RedisStore) Get(ctx context.Context, key string) (*Record, error) {
	raw, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("couldn't read idempotency key: %w", err)
	}
	var record Record
	if err := sonic.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("couldn't decode idempotency record: %w", err)
	}
	return &record, nil
}
