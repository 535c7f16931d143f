package service

import (
	"context"
	"fmt"
	"log"
	"time"

	"access_service/internal/config"
	"access_service/internal/events"
	"access_service/internal/models"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// UserStore is the credential-field slice of user persistence the
// authentication chain needs. Session and grant data are never touched
// through it.
type UserStore interface {
	Insert(ctx context.Context, user *models.UserAuth) (*models.UserAuth, error)
	FindByEmail(ctx context.Context, email string) (*models.UserAuth, error)
	FindByID(ctx context.Context, id bson.ObjectID) (*models.UserAuth, error)
	UpdatePasswordHash(ctx context.Context, id bson.ObjectID, passwordHash string) error
	UpdateTOTP(ctx context.Context, id bson.ObjectID, secret string, state models.TOTPState) error
	RecordLogin(ctx context.Context, id bson.ObjectID, at int64) error
	Deactivate(ctx context.Context, id bson.ObjectID) error
}

type LockoutStore interface {
	RecordFailure(ctx context.Context, email string, window time.Duration) (int64, error)
	ClearFailures(ctx context.Context, email string) error
	Lock(ctx context.Context, email string, cooldown time.Duration) error
	IsLocked(ctx context.Context, email string) (bool, error)
}

type CredentialService struct {
	users          UserStore
	locks          LockoutStore
	eventPublisher events.Publisher

	lockoutThreshold int64
	lockoutWindow    time.Duration
	lockoutCooldown  time.Duration
	mandatory2FA     bool
}

func NewCredentialService(users UserStore, locks LockoutStore, eventPublisher events.Publisher) *CredentialService {
	cfg := config.ServiceConfig
	return &CredentialService{
		users:            users,
		locks:            locks,
		eventPublisher:   eventPublisher,
		lockoutThreshold: cfg.LockoutThreshold,
		lockoutWindow:    time.Duration(cfg.LockoutWindowMinutes) * time.Minute,
		lockoutCooldown:  time.Duration(cfg.LockoutCooldownMin) * time.Minute,
		mandatory2FA:     cfg.MandatorySecondFactor,
	}
}

func (cs *CredentialService) audit(ctx context.Context, eventType events.EventType, userID string, detail map[string]string) {
	if cs.eventPublisher == nil {
		return
	}
	if err := cs.eventPublisher.PublishAuthEvent(ctx, eventType, userID, detail); err != nil {
		log.Printf("Warning: Failed to publish audit event %s: %v", eventType, err)
	}
}

// Verify checks a password against the stored hash and applies the lockout
// policy. The returned user is non-nil only when the password was correct.
// The password itself is never audited, only the outcome kind.
func (cs *CredentialService) Verify(ctx context.Context, email, password string) (models.Outcome, *models.UserAuth, error) {
	locked, err := cs.locks.IsLocked(ctx, email)
	if err != nil {
		return "", nil, fmt.Errorf("error checking account lock: %w", err)
	}
	if locked {
		cs.audit(ctx, events.AccountLocked, "", map[string]string{"email": email})
		return models.OutcomeAccountLocked, nil, nil
	}

	user, err := cs.users.FindByEmail(ctx, email)
	if err != nil {
		return "", nil, fmt.Errorf("error finding user: %w", err)
	}

	if user == nil || !user.IsActive {
		// Unknown and deactivated accounts still advance the failure
		// counter so probing cannot distinguish them.
		if err := cs.recordFailure(ctx, email); err != nil {
			return "", nil, err
		}
		cs.audit(ctx, events.LoginFailed, "", map[string]string{"email": email})
		return models.OutcomeInvalidCredentials, nil, nil
	}

	ok, err := VerifyPassword(user.PasswordHash, password)
	if err != nil {
		return "", nil, fmt.Errorf("error verifying password: %w", err)
	}

	if !ok {
		if err := cs.recordFailure(ctx, email); err != nil {
			return "", nil, err
		}
		cs.audit(ctx, events.LoginFailed, user.ID.Hex(), nil)
		return models.OutcomeInvalidCredentials, nil, nil
	}

	if err := cs.locks.ClearFailures(ctx, email); err != nil {
		log.Printf("Warning: Failed to clear failure counter for %s: %v", email, err)
	}

	if err := cs.users.RecordLogin(ctx, user.ID, time.Now().Unix()); err != nil {
		log.Printf("Warning: Failed to record login for %s: %v", email, err)
	}

	if user.TOTPState == models.TOTPStateEnrolled {
		cs.audit(ctx, events.SecondFactorRequired, user.ID.Hex(), nil)
		return models.OutcomeRequireSecondFactor, user, nil
	}

	if cs.mandatory2FA {
		cs.audit(ctx, events.LoginSucceeded, user.ID.Hex(), map[string]string{"setup": "required"})
		return models.OutcomeRequireSecondFactorSetup, user, nil
	}

	cs.audit(ctx, events.LoginSucceeded, user.ID.Hex(), nil)
	return models.OutcomeAuthenticated, user, nil
}

func (cs *CredentialService) recordFailure(ctx context.Context, email string) error {
	count, err := cs.locks.RecordFailure(ctx, email, cs.lockoutWindow)
	if err != nil {
		return fmt.Errorf("error recording login failure: %w", err)
	}
	if count >= cs.lockoutThreshold {
		log.Printf("User %s failed login %d times, locked for %s", email, count, cs.lockoutCooldown)
		if err := cs.locks.Lock(ctx, email, cs.lockoutCooldown); err != nil {
			return fmt.Errorf("error locking account: %w", err)
		}
		cs.audit(ctx, events.AccountLocked, "", map[string]string{"email": email})
	}
	return nil
}

func (cs *CredentialService) Register(ctx context.Context, email, password string) (*models.UserAuth, error) {
	passwordHash, err := HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("error hashing password: %w", err)
	}

	user := &models.UserAuth{
		Email:        email,
		PasswordHash: passwordHash,
		TOTPState:    models.TOTPStateNone,
		IsActive:     true,
	}

	created, err := cs.users.Insert(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("error creating user: %w", err)
	}
	log.Printf("New auth user created: %s", created.ID.Hex())
	return created, nil
}

func (cs *CredentialService) ChangePassword(ctx context.Context, userID bson.ObjectID, oldPassword, newPassword string) error {
	user, err := cs.users.FindByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("error finding user: %w", err)
	}
	if user == nil || !user.IsActive {
		return ErrInvalidCredentials
	}

	ok, err := VerifyPassword(user.PasswordHash, oldPassword)
	if err != nil {
		return fmt.Errorf("error verifying password: %w", err)
	}
	if !ok {
		return ErrInvalidCredentials
	}

	passwordHash, err := HashPassword(newPassword)
	if err != nil {
		return fmt.Errorf("error hashing password: %w", err)
	}

	return cs.users.UpdatePasswordHash(ctx, userID, passwordHash)
}

// Deactivate disables an account. Accounts are never deleted.
func (cs *CredentialService) Deactivate(ctx context.Context, userID bson.ObjectID) error {
	return cs.users.Deactivate(ctx, userID)
}

func (cs *CredentialService) FindByEmail(ctx context.Context, email string) (*models.UserAuth, error) {
	return cs.users.FindByEmail(ctx, email)
}
