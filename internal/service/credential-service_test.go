package service

import (
	"context"
	"testing"
	"time"

	"access_service/internal/models"
)

func newTestCredentialService(users *fakeUserStore, locks *fakeLockoutStore, mandatory2FA bool) *CredentialService {
	return &CredentialService{
		users:            users,
		locks:            locks,
		lockoutThreshold: 5,
		lockoutWindow:    15 * time.Minute,
		lockoutCooldown:  10 * time.Minute,
		mandatory2FA:     mandatory2FA,
	}
}

func registerTestUser(t *testing.T, users *fakeUserStore, email, password string, totpState models.TOTPState) *models.UserAuth {
	t.Helper()
	hash, err := HashPassword(password)
	if err != nil {
		t.Fatalf("HashPassword() error = %v", err)
	}
	user, err := users.Insert(context.Background(), &models.UserAuth{
		Email:        email,
		PasswordHash: hash,
		TOTPState:    totpState,
		IsActive:     true,
	})
	if err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	return user
}

func TestVerifyOutcomes(t *testing.T) {
	tests := []struct {
		name      string
		email     string
		password  string
		totpState models.TOTPState
		mandatory bool
		attempt   string
		want      models.Outcome
	}{
		{
			name:      "correct password no second factor",
			email:     "plain@example.com",
			password:  "correct-horse",
			totpState: models.TOTPStateNone,
			attempt:   "correct-horse",
			want:      models.OutcomeAuthenticated,
		},
		{
			name:      "wrong password",
			email:     "plain2@example.com",
			password:  "correct-horse",
			totpState: models.TOTPStateNone,
			attempt:   "battery-staple",
			want:      models.OutcomeInvalidCredentials,
		},
		{
			name:      "enrolled user needs second factor",
			email:     "totp@example.com",
			password:  "correct-horse",
			totpState: models.TOTPStateEnrolled,
			attempt:   "correct-horse",
			want:      models.OutcomeRequireSecondFactor,
		},
		{
			name:      "mandatory policy forces setup",
			email:     "setup@example.com",
			password:  "correct-horse",
			totpState: models.TOTPStateNone,
			mandatory: true,
			attempt:   "correct-horse",
			want:      models.OutcomeRequireSecondFactorSetup,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			users := newFakeUserStore()
			locks := newFakeLockoutStore()
			registerTestUser(t, users, tt.email, tt.password, tt.totpState)

			cs := newTestCredentialService(users, locks, tt.mandatory)
			outcome, user, err := cs.Verify(context.Background(), tt.email, tt.attempt)
			if err != nil {
				t.Fatalf("Verify() error = %v", err)
			}
			if outcome != tt.want {
				t.Errorf("Verify() outcome = %s, want %s", outcome, tt.want)
			}
			if tt.want == models.OutcomeInvalidCredentials && user != nil {
				t.Error("Verify() returned a user for a wrong password")
			}
		})
	}
}

func TestVerifyUnknownUser(t *testing.T) {
	cs := newTestCredentialService(newFakeUserStore(), newFakeLockoutStore(), false)

	outcome, user, err := cs.Verify(context.Background(), "nobody@example.com", "anything")
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if outcome != models.OutcomeInvalidCredentials {
		t.Errorf("Verify() outcome = %s, want %s", outcome, models.OutcomeInvalidCredentials)
	}
	if user != nil {
		t.Error("Verify() returned a user for an unknown email")
	}
}

func TestLockoutAfterRepeatedFailures(t *testing.T) {
	users := newFakeUserStore()
	locks := newFakeLockoutStore()
	registerTestUser(t, users, "victim@example.com", "right-password", models.TOTPStateNone)

	cs := newTestCredentialService(users, locks, false)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		outcome, _, err := cs.Verify(ctx, "victim@example.com", "wrong-password")
		if err != nil {
			t.Fatalf("Verify() attempt %d error = %v", i+1, err)
		}
		if outcome != models.OutcomeInvalidCredentials {
			t.Fatalf("Verify() attempt %d outcome = %s, want %s", i+1, outcome, models.OutcomeInvalidCredentials)
		}
	}

	// Correct password during the cooldown must still come back locked.
	outcome, user, err := cs.Verify(ctx, "victim@example.com", "right-password")
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if outcome != models.OutcomeAccountLocked {
		t.Errorf("Verify() after lockout = %s, want %s", outcome, models.OutcomeAccountLocked)
	}
	if user != nil {
		t.Error("Verify() returned a user while the account is locked")
	}
}

func TestFailureCounterResetsOnSuccess(t *testing.T) {
	users := newFakeUserStore()
	locks := newFakeLockoutStore()
	registerTestUser(t, users, "careful@example.com", "right-password", models.TOTPStateNone)

	cs := newTestCredentialService(users, locks, false)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if _, _, err := cs.Verify(ctx, "careful@example.com", "wrong-password"); err != nil {
			t.Fatalf("Verify() error = %v", err)
		}
	}

	outcome, _, err := cs.Verify(ctx, "careful@example.com", "right-password")
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if outcome != models.OutcomeAuthenticated {
		t.Fatalf("Verify() = %s, want %s", outcome, models.OutcomeAuthenticated)
	}

	// Counter reset: four more failures stay below the threshold again.
	for i := 0; i < 4; i++ {
		outcome, _, err := cs.Verify(ctx, "careful@example.com", "wrong-password")
		if err != nil {
			t.Fatalf("Verify() error = %v", err)
		}
		if outcome != models.OutcomeInvalidCredentials {
			t.Fatalf("Verify() = %s, want %s", outcome, models.OutcomeInvalidCredentials)
		}
	}

	outcome, _, err = cs.Verify(ctx, "careful@example.com", "right-password")
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if outcome != models.OutcomeAuthenticated {
		t.Errorf("Verify() after reset = %s, want %s", outcome, models.OutcomeAuthenticated)
	}
}

func TestDeactivatedUserCannotLogin(t *testing.T) {
	users := newFakeUserStore()
	locks := newFakeLockoutStore()
	user := registerTestUser(t, users, "gone@example.com", "right-password", models.TOTPStateNone)

	cs := newTestCredentialService(users, locks, false)
	ctx := context.Background()

	if err := cs.Deactivate(ctx, user.ID); err != nil {
		t.Fatalf("Deactivate() error = %v", err)
	}

	outcome, _, err := cs.Verify(ctx, "gone@example.com", "right-password")
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if outcome != models.OutcomeInvalidCredentials {
		t.Errorf("Verify() for deactivated user = %s, want %s", outcome, models.OutcomeInvalidCredentials)
	}
}

func TestChangePassword(t *testing.T) {
	users := newFakeUserStore()
	locks := newFakeLockoutStore()
	user := registerTestUser(t, users, "rotate@example.com", "old-password", models.TOTPStateNone)

	cs := newTestCredentialService(users, locks, false)
	ctx := context.Background()

	if err := cs.ChangePassword(ctx, user.ID, "bad-old", "new-password"); err != ErrInvalidCredentials {
		t.Errorf("ChangePassword() with wrong old password = %v, want %v", err, ErrInvalidCredentials)
	}

	if err := cs.ChangePassword(ctx, user.ID, "old-password", "new-password"); err != nil {
		t.Fatalf("ChangePassword() error = %v", err)
	}

	outcome, _, err := cs.Verify(ctx, "rotate@example.com", "new-password")
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if outcome != models.OutcomeAuthenticated {
		t.Errorf("Verify() with new password = %s, want %s", outcome, models.OutcomeAuthenticated)
	}
}
