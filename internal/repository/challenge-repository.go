package repository

import (
	"context"
	"fmt"
	"time"

	"access_service/internal/models"
)

const (
	challengeKeyPrefix = "access-service-2fa-"
	attemptsKeyPrefix  = "access-service-2fa-attempts-"
	usedStepKeyPrefix  = "access-service-totp-used-"
)

// ChallengeRepository keeps pending second-factor challenges in Redis. The
// key TTL is the challenge TTL, so expiry needs no sweeper: an expired
// challenge is simply absent.
type ChallengeRepository struct {
	redis *RedisRepo
}

func NewChallengeRepository(redis *RedisRepo) *ChallengeRepository {
	return &ChallengeRepository{redis: redis}
}

func (r *ChallengeRepository) Create(ctx context.Context, challenge *models.Challenge, ttl time.Duration) error {
	return r.redis.SaveStruct(ctx, challengeKeyPrefix+challenge.ID, challenge, ttl)
}

func (r *ChallengeRepository) Get(ctx context.Context, id string) (*models.Challenge, error) {
	challenge := &models.Challenge{}
	found, err := r.redis.GetStruct(ctx, challengeKeyPrefix+id, challenge)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return challenge, nil
}

func (r *ChallengeRepository) SetState(ctx context.Context, challenge *models.Challenge, state models.ChallengeState, ttl time.Duration) error {
	challenge.State = state
	return r.redis.SaveStruct(ctx, challengeKeyPrefix+challenge.ID, challenge, ttl)
}

func (r *ChallengeRepository) Delete(ctx context.Context, id string) error {
	if err := r.redis.DeleteKey(ctx, challengeKeyPrefix+id); err != nil {
		return err
	}
	return r.redis.DeleteKey(ctx, attemptsKeyPrefix+id)
}

// IncrAttempts counts submits against a challenge atomically so concurrent
// requests cannot slip past the attempt bound.
func (r *ChallengeRepository) IncrAttempts(ctx context.Context, id string, ttl time.Duration) (int64, error) {
	return r.redis.Incr(ctx, attemptsKeyPrefix+id, ttl)
}

// MarkStepUsed records that a TOTP step index was accepted for the user.
// Returns false when the step was already used, which blocks code replay
// inside the drift window.
func (r *ChallengeRepository) MarkStepUsed(ctx context.Context, userID string, step int64, ttl time.Duration) (bool, error) {
	key := fmt.Sprintf("%s%s-%d", usedStepKeyPrefix, userID, step)
	return r.redis.SetNX(ctx, key, "1", ttl)
}
