package repository

import (
	"context"
	"time"
)

const (
	failureKeyPrefix = "access-service-login-fail-"
	lockKeyPrefix    = "access-service-lock-user-"
)

// LockoutRepository tracks consecutive login failures per account in a
// rolling Redis window and holds the cooldown lock.
type LockoutRepository struct {
	redis *RedisRepo
}

func NewLockoutRepository(redis *RedisRepo) *LockoutRepository {
	return &LockoutRepository{redis: redis}
}

func (r *LockoutRepository) RecordFailure(ctx context.Context, email string, window time.Duration) (int64, error) {
	return r.redis.Incr(ctx, failureKeyPrefix+email, window)
}

func (r *LockoutRepository) ClearFailures(ctx context.Context, email string) error {
	return r.redis.DeleteKey(ctx, failureKeyPrefix+email)
}

func (r *LockoutRepository) Lock(ctx context.Context, email string, cooldown time.Duration) error {
	return r.redis.SetValue(ctx, lockKeyPrefix+email, "1", cooldown)
}

func (r *LockoutRepository) IsLocked(ctx context.Context, email string) (bool, error) {
	return r.redis.Exists(ctx, lockKeyPrefix+email)
}
