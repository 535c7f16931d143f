package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"access_service/internal/database/redis"

	redis_v9 "github.com/redis/go-redis/v9"
)

type RedisRepo struct {
	client *redis_v9.Client
}

func NewRedisRepo() *RedisRepo {
	return &RedisRepo{
		client: redis.Redis_Client,
	}
}

func (r *RedisRepo) SaveStruct(ctx context.Context, key string, model any, ttl time.Duration) error {
	val, err := json.Marshal(model)
	if err != nil {
		return fmt.Errorf("error saving struct to cache: %s", err)
	}
	if err := r.client.Set(ctx, key, val, ttl).Err(); err != nil {
		return fmt.Errorf("error saving struct to cache: %s", err)
	}
	return nil
}

// GetStruct decodes the value at key into model. A missing key is reported
// as found=false, not an error.
func (r *RedisRepo) GetStruct(ctx context.Context, key string, model any) (bool, error) {
	raw, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis_v9.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("error get struct in cache: %s", err)
	}
	return true, json.Unmarshal(raw, model)
}

func (r *RedisRepo) SetValue(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *RedisRepo) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, key, value, ttl).Result()
}

func (r *RedisRepo) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	count, err := r.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if count == 1 && ttl > 0 {
		if err := r.client.Expire(ctx, key, ttl).Err(); err != nil {
			return count, err
		}
	}
	return count, nil
}

func (r *RedisRepo) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *RedisRepo) DeleteKey(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}
