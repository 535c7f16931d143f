package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log"
	"time"

	"access_service/internal/config"
	"access_service/internal/events"
	"access_service/internal/models"

	"github.com/google/uuid"
)

const (
	sessionTokenBytes = 32

	// Expired sessions stay in Redis this long past expiry so validate can
	// report Expired instead of Unknown, which audit distinguishes.
	sessionGrace = 24 * time.Hour
)

type SessionStore interface {
	Save(ctx context.Context, session *models.Session, ttl time.Duration) error
	Get(ctx context.Context, token string) (*models.Session, error)
	MarkRevoked(ctx context.Context, token string, ttl time.Duration) error
	IsRevoked(ctx context.Context, token string) (bool, error)
	Delete(ctx context.Context, token string) error
}

// SessionService is the sole authority on whether a caller is
// authenticated. Tokens are opaque random values; validation reads the
// store directly on every call, so a revoke is visible to the very next
// validate with no cache window.
type SessionService struct {
	sessions       SessionStore
	eventPublisher events.Publisher

	sessionTTL time.Duration
	now        func() time.Time
}

func NewSessionService(sessions SessionStore, eventPublisher events.Publisher) *SessionService {
	return &SessionService{
		sessions:       sessions,
		eventPublisher: eventPublisher,
		sessionTTL:     time.Duration(config.ServiceConfig.SessionTTLHours) * time.Hour,
		now:            time.Now,
	}
}

func (ss *SessionService) audit(ctx context.Context, eventType events.EventType, userID string, detail map[string]string) {
	if ss.eventPublisher == nil {
		return
	}
	if err := ss.eventPublisher.PublishAuthEvent(ctx, eventType, userID, detail); err != nil {
		log.Printf("Warning: Failed to publish audit event %s: %v", eventType, err)
	}
}

// Issue mints a session after the authentication chain completed. The token
// is drawn from a cryptographically secure source, never derived from user
// id or time.
func (ss *SessionService) Issue(ctx context.Context, userID string) (*models.Session, error) {
	token, err := generateSessionToken()
	if err != nil {
		return nil, err
	}

	issuedAt := ss.now()
	session := &models.Session{
		ID:        uuid.NewString(),
		Token:     token,
		UserID:    userID,
		IssuedAt:  issuedAt.Unix(),
		ExpiresAt: issuedAt.Add(ss.sessionTTL).Unix(),
	}

	if err := ss.sessions.Save(ctx, session, ss.sessionTTL+sessionGrace); err != nil {
		return nil, fmt.Errorf("error saving session: %w", err)
	}

	ss.audit(ctx, events.SessionIssued, userID, map[string]string{"sessionId": session.ID})
	return session, nil
}

// Validate resolves a token to its user. Expired, revoked, and unknown
// tokens each fail with their own kind; callers surface all three as an
// unauthenticated response.
func (ss *SessionService) Validate(ctx context.Context, token string) (*models.Session, error) {
	if token == "" {
		return nil, ErrSessionUnknown
	}

	revoked, err := ss.sessions.IsRevoked(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("error checking revocation: %w", err)
	}
	if revoked {
		return nil, ErrSessionRevoked
	}

	session, err := ss.sessions.Get(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("error loading session: %w", err)
	}
	if session == nil {
		return nil, ErrSessionUnknown
	}

	if ss.now().Unix() >= session.ExpiresAt {
		ss.audit(ctx, events.SessionExpired, session.UserID, map[string]string{"sessionId": session.ID})
		return nil, ErrSessionExpired
	}

	return session, nil
}

// Refresh extends a valid session's expiry. Expired, revoked, and unknown
// tokens are rejected with their validation kind.
func (ss *SessionService) Refresh(ctx context.Context, token string) (*models.Session, error) {
	session, err := ss.Validate(ctx, token)
	if err != nil {
		return nil, err
	}

	session.ExpiresAt = ss.now().Add(ss.sessionTTL).Unix()
	if err := ss.sessions.Save(ctx, session, ss.sessionTTL+sessionGrace); err != nil {
		return nil, fmt.Errorf("error extending session: %w", err)
	}

	ss.audit(ctx, events.SessionRefreshed, session.UserID, map[string]string{"sessionId": session.ID})
	return session, nil
}

// Revoke invalidates a token. The revocation marker is separate from the
// session value, so no concurrent refresh can resurrect the session.
func (ss *SessionService) Revoke(ctx context.Context, token string) error {
	markerTTL := ss.sessionTTL + sessionGrace

	session, err := ss.sessions.Get(ctx, token)
	if err != nil {
		return fmt.Errorf("error loading session: %w", err)
	}
	if session != nil {
		if remaining := time.Until(time.Unix(session.ExpiresAt, 0)); remaining > 0 {
			markerTTL = remaining + sessionGrace
		}
	}

	if err := ss.sessions.MarkRevoked(ctx, token, markerTTL); err != nil {
		return fmt.Errorf("error revoking session: %w", err)
	}

	if session != nil {
		ss.audit(ctx, events.SessionRevoked, session.UserID, map[string]string{"sessionId": session.ID})
	}
	return nil
}

func generateSessionToken() (string, error) {
	raw := make([]byte, sessionTokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("error generating session token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}
