package service

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log"
	"time"

	"access_service/internal/config"
	"access_service/internal/events"
	"access_service/internal/models"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
)

const maxChallengeAttempts = 5

type ChallengeStore interface {
	Create(ctx context.Context, challenge *models.Challenge, ttl time.Duration) error
	Get(ctx context.Context, id string) (*models.Challenge, error)
	SetState(ctx context.Context, challenge *models.Challenge, state models.ChallengeState, ttl time.Duration) error
	Delete(ctx context.Context, id string) error
	IncrAttempts(ctx context.Context, id string, ttl time.Duration) (int64, error)
	MarkStepUsed(ctx context.Context, userID string, step int64, ttl time.Duration) (bool, error)
}

// TwoFactorService runs the TOTP challenge state machine:
// pending -> verified, or pending -> exhausted after too many failures.
// Expiry is a hard TTL checked before any code comparison.
type TwoFactorService struct {
	users          UserStore
	challenges     ChallengeStore
	eventPublisher events.Publisher

	challengeTTL time.Duration
	now          func() time.Time
}

func NewTwoFactorService(users UserStore, challenges ChallengeStore, eventPublisher events.Publisher) *TwoFactorService {
	return &TwoFactorService{
		users:          users,
		challenges:     challenges,
		eventPublisher: eventPublisher,
		challengeTTL:   time.Duration(config.ServiceConfig.ChallengeTTLMinutes) * time.Minute,
		now:            time.Now,
	}
}

func (ts *TwoFactorService) audit(ctx context.Context, eventType events.EventType, userID string, detail map[string]string) {
	if ts.eventPublisher == nil {
		return
	}
	if err := ts.eventPublisher.PublishAuthEvent(ctx, eventType, userID, detail); err != nil {
		log.Printf("Warning: Failed to publish audit event %s: %v", eventType, err)
	}
}

// Begin opens a fresh challenge for a user whose password already checked
// out. The challenge ID is what the client must present on submit.
func (ts *TwoFactorService) Begin(ctx context.Context, userID string) (*models.Challenge, error) {
	challenge := &models.Challenge{
		ID:       uuid.NewString(),
		UserID:   userID,
		IssuedAt: ts.now().Unix(),
		State:    models.ChallengePending,
	}

	if err := ts.challenges.Create(ctx, challenge, ts.challengeTTL); err != nil {
		return nil, fmt.Errorf("error creating challenge: %w", err)
	}
	return challenge, nil
}

// Submit validates a 6-digit code against the user's enrolled secret,
// accepting the current time step and one step either side for clock drift.
// An accepted step is marked used so the same code cannot replay within its
// validity window. Returns the user ID on success.
func (ts *TwoFactorService) Submit(ctx context.Context, challengeID, code string) (string, error) {
	challenge, err := ts.challenges.Get(ctx, challengeID)
	if err != nil {
		return "", fmt.Errorf("error loading challenge: %w", err)
	}
	if challenge == nil {
		ts.audit(ctx, events.SecondFactorExpired, "", map[string]string{"challengeId": challengeID})
		return "", ErrSecondFactorExpired
	}

	if challenge.State == models.ChallengeExhausted {
		return "", ErrSecondFactorExhausted
	}

	// Expiry is checked before any code comparison so an in-flight submit
	// against a stale challenge fails deterministically.
	if ts.now().Unix() >= challenge.IssuedAt+int64(ts.challengeTTL.Seconds()) {
		if err := ts.challenges.Delete(ctx, challengeID); err != nil {
			log.Printf("Warning: Failed to delete expired challenge %s: %v", challengeID, err)
		}
		ts.audit(ctx, events.SecondFactorExpired, challenge.UserID, nil)
		return "", ErrSecondFactorExpired
	}

	attempts, err := ts.challenges.IncrAttempts(ctx, challengeID, ts.challengeTTL)
	if err != nil {
		return "", fmt.Errorf("error counting challenge attempts: %w", err)
	}
	if attempts > maxChallengeAttempts {
		if err := ts.challenges.SetState(ctx, challenge, models.ChallengeExhausted, ts.challengeTTL); err != nil {
			log.Printf("Warning: Failed to mark challenge %s exhausted: %v", challengeID, err)
		}
		ts.audit(ctx, events.SecondFactorExhausted, challenge.UserID, nil)
		return "", ErrSecondFactorExhausted
	}

	userID, err := bson.ObjectIDFromHex(challenge.UserID)
	if err != nil {
		return "", fmt.Errorf("malformed user id on challenge: %w", err)
	}

	user, err := ts.users.FindByID(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("error finding user: %w", err)
	}
	if user == nil || user.TOTPState != models.TOTPStateEnrolled {
		return "", ErrSecondFactorInvalid
	}

	matched, err := ts.matchCode(ctx, user.TOTPSecret, challenge.UserID, code)
	if err != nil {
		return "", err
	}
	if !matched {
		ts.audit(ctx, events.SecondFactorFailed, challenge.UserID, nil)
		if attempts >= maxChallengeAttempts {
			if err := ts.challenges.SetState(ctx, challenge, models.ChallengeExhausted, ts.challengeTTL); err != nil {
				log.Printf("Warning: Failed to mark challenge %s exhausted: %v", challengeID, err)
			}
			ts.audit(ctx, events.SecondFactorExhausted, challenge.UserID, nil)
			return "", ErrSecondFactorExhausted
		}
		return "", ErrSecondFactorInvalid
	}

	if err := ts.challenges.Delete(ctx, challengeID); err != nil {
		log.Printf("Warning: Failed to delete verified challenge %s: %v", challengeID, err)
	}

	ts.audit(ctx, events.SecondFactorVerified, challenge.UserID, nil)
	return challenge.UserID, nil
}

// Challenge loads a pending challenge for the backup-code path, applying
// the same expiry and exhaustion checks as Submit.
func (ts *TwoFactorService) Challenge(ctx context.Context, challengeID string) (*models.Challenge, error) {
	challenge, err := ts.challenges.Get(ctx, challengeID)
	if err != nil {
		return nil, fmt.Errorf("error loading challenge: %w", err)
	}
	if challenge == nil {
		return nil, ErrSecondFactorExpired
	}
	if challenge.State == models.ChallengeExhausted {
		return nil, ErrSecondFactorExhausted
	}
	if ts.now().Unix() >= challenge.IssuedAt+int64(ts.challengeTTL.Seconds()) {
		ts.audit(ctx, events.SecondFactorExpired, challenge.UserID, nil)
		return nil, ErrSecondFactorExpired
	}
	return challenge, nil
}

// Complete closes a challenge that was satisfied outside Submit, such as by
// an accepted backup code.
func (ts *TwoFactorService) Complete(ctx context.Context, challengeID string) error {
	return ts.challenges.Delete(ctx, challengeID)
}

// matchCode compares the submitted code against the current step and its
// neighbours, marking the matched step used on acceptance. A step that was
// already used counts as no match.
func (ts *TwoFactorService) matchCode(ctx context.Context, secret, userID, code string) (bool, error) {
	currentStep := ts.now().Unix() / totpStepSecs

	for _, step := range []int64{currentStep, currentStep - 1, currentStep + 1} {
		expected, err := totpCode(secret, step)
		if err != nil {
			return false, fmt.Errorf("error computing code: %w", err)
		}
		if subtle.ConstantTimeCompare([]byte(expected), []byte(code)) != 1 {
			continue
		}

		// Two drift-window steps cover the rest of the code's validity.
		fresh, err := ts.challenges.MarkStepUsed(ctx, userID, step, 2*totpStepSecs*time.Second)
		if err != nil {
			return false, fmt.Errorf("error marking step used: %w", err)
		}
		return fresh, nil
	}
	return false, nil
}

// StartEnrollment generates a secret and parks the user in the pending
// state. The secret only becomes active once a valid code confirms the
// authenticator holds it.
func (ts *TwoFactorService) StartEnrollment(ctx context.Context, userID bson.ObjectID) (string, string, error) {
	user, err := ts.users.FindByID(ctx, userID)
	if err != nil {
		return "", "", fmt.Errorf("error finding user: %w", err)
	}
	if user == nil || !user.IsActive {
		return "", "", ErrInvalidCredentials
	}
	if user.TOTPState == models.TOTPStateEnrolled {
		return "", "", fmt.Errorf("second factor already enrolled")
	}

	secret, err := GenerateTOTPSecret()
	if err != nil {
		return "", "", err
	}

	if err := ts.users.UpdateTOTP(ctx, userID, secret, models.TOTPStatePending); err != nil {
		return "", "", err
	}

	return secret, BuildOTPAuthURL(secret, user.Email, config.ServiceConfig.ServiceName), nil
}

func (ts *TwoFactorService) ConfirmEnrollment(ctx context.Context, userID bson.ObjectID, code string) error {
	user, err := ts.users.FindByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("error finding user: %w", err)
	}
	if user == nil || user.TOTPState != models.TOTPStatePending {
		return ErrSecondFactorNotPending
	}

	matched, err := ts.matchCode(ctx, user.TOTPSecret, userID.Hex(), code)
	if err != nil {
		return err
	}
	if !matched {
		ts.audit(ctx, events.SecondFactorFailed, userID.Hex(), map[string]string{"phase": "enrollment"})
		return ErrSecondFactorInvalid
	}

	if err := ts.users.UpdateTOTP(ctx, userID, user.TOTPSecret, models.TOTPStateEnrolled); err != nil {
		return err
	}

	ts.audit(ctx, events.SecondFactorEnrolled, userID.Hex(), nil)
	return nil
}
