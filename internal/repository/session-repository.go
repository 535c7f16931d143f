package repository

import (
	"context"
	"time"

	"access_service/internal/models"
)

const (
	sessionKeyPrefix = "access-service-session-"
	revokedKeyPrefix = "access-service-revoked-"
)

// SessionRepository stores sessions in Redis keyed by token. Revocation is a
// separate marker key so that a concurrent refresh rewriting the session
// value can never erase it; every validate reads Redis directly, so a revoke
// is visible to the next call.
type SessionRepository struct {
	redis *RedisRepo
}

func NewSessionRepository(redis *RedisRepo) *SessionRepository {
	return &SessionRepository{redis: redis}
}

func (r *SessionRepository) Save(ctx context.Context, session *models.Session, ttl time.Duration) error {
	return r.redis.SaveStruct(ctx, sessionKeyPrefix+session.Token, session, ttl)
}

func (r *SessionRepository) Get(ctx context.Context, token string) (*models.Session, error) {
	session := &models.Session{}
	found, err := r.redis.GetStruct(ctx, sessionKeyPrefix+token, session)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return session, nil
}

func (r *SessionRepository) MarkRevoked(ctx context.Context, token string, ttl time.Duration) error {
	return r.redis.SetValue(ctx, revokedKeyPrefix+token, "1", ttl)
}

func (r *SessionRepository) IsRevoked(ctx context.Context, token string) (bool, error) {
	return r.redis.Exists(ctx, revokedKeyPrefix+token)
}

func (r *SessionRepository) Delete(ctx context.Context, token string) error {
	return r.redis.DeleteKey(ctx, sessionKeyPrefix+token)
}
