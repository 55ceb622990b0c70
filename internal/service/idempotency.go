// internal/service/idempotency.go
package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"compensation-engine/pkg/redis"
)

// IdempotencyCache is a fast path in front of the order-id uniqueness check in the store.
// The store stays authoritative; a cache miss never causes a double credit.
type IdempotencyCache interface {
	Seen(ctx context.Context, key string) (bool, error)
	Mark(ctx context.Context, key string) error
}

type RedisIdempotency struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisIdempotency creates a redis-backed idempotency guard
func NewRedisIdempotency(client *redis.Client, ttl time.Duration) *RedisIdempotency {
	return &RedisIdempotency{client: client, ttl: ttl}
}

func (r *RedisIdempotency) Seen(ctx context.Context, key string) (bool, error) {
	return r.client.Exists(ctx, r.cacheKey(key))
}

func (r *RedisIdempotency) Mark(ctx context.Context, key string) error {
	return r.client.Set(ctx, r.cacheKey(key), "1", r.ttl)
}

func (r *RedisIdempotency) cacheKey(key string) string {
	return fmt.Sprintf("idempotency:cv:%s", key)
}

// JobLock keeps a scheduled job from running twice at the same time
type JobLock interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
}

// LocalJobLock serialises jobs inside one process
type LocalJobLock struct {
	mu   sync.Mutex
	held map[string]bool
}

func NewLocalJobLock() *LocalJobLock {
	return &LocalJobLock{held: map[string]bool{}}
}

func (l *LocalJobLock) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, ErrJobRunning
	}
	l.held[key] = true
	return func() {
		l.mu.Lock()
		delete(l.held, key)
		l.mu.Unlock()
	}, nil
}

// RedisJobLock serialises jobs across instances with SET NX and a token-checked release
type RedisJobLock struct {
	client *redis.Client
}

// NewRedisJobLock creates a job lock shared across instances
func NewRedisJobLock(client *redis.Client) *RedisJobLock {
	return &RedisJobLock{client: client}
}

func (l *RedisJobLock) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.New().String()
	lockKey := "lock:" + key
	ok, err := l.client.SetNX(ctx, lockKey, token, ttl)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire job lock: %w", err)
	}
	if !ok {
		return nil, ErrJobRunning
	}
	return func() {
		// the job context may be done already
		releaseCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = l.client.DeleteIfValue(releaseCtx, lockKey, token)
	}, nil
}
