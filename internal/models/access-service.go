package models

import (
	"github.com/golang-jwt/jwt/v5"
	"go.mongodb.org/mongo-driver/v2/bson"
)

type TOTPState string

const (
	TOTPStateNone     TOTPState = "none"
	TOTPStatePending  TOTPState = "pending"
	TOTPStateEnrolled TOTPState = "enrolled"
)

type UserAuth struct {
	ID                  bson.ObjectID `bson:"_id,omitempty" json:"id"`
	Email               string        `bson:"email" json:"email" validate:"required,email"`
	PasswordHash        string        `bson:"passwordHash" json:"-"`
	TOTPSecret          string        `bson:"totpSecret,omitempty" json:"-"`
	TOTPState           TOTPState     `bson:"totpState" json:"totpState"`
	IsActive            bool          `bson:"isActive" json:"isActive"`
	FailedLoginAttempts int           `bson:"failedLoginAttempts" json:"-"`
	CreatedAt           int64         `bson:"createdAt" json:"createdAt"`
	UpdatedAt           int64         `bson:"updatedAt" json:"updatedAt"`
	LastLoginAt         int64         `bson:"lastLoginAt,omitempty" json:"lastLoginAt"`
}

// Session lives in Redis keyed by its token. Revocation is tracked with a
// separate marker key so a concurrent refresh cannot overwrite it.
type Session struct {
	ID        string `json:"id"`
	Token     string `json:"token"`
	UserID    string `json:"userId"`
	IssuedAt  int64  `json:"issuedAt"`
	ExpiresAt int64  `json:"expiresAt"`
}

type ChallengeState string

const (
	ChallengePending   ChallengeState = "pending"
	ChallengeVerified  ChallengeState = "verified"
	ChallengeExhausted ChallengeState = "exhausted"
)

type Challenge struct {
	ID       string         `json:"id"`
	UserID   string         `json:"userId"`
	IssuedAt int64          `json:"issuedAt"`
	State    ChallengeState `json:"state"`
}

type BackupCode struct {
	ID         bson.ObjectID `bson:"_id,omitempty" json:"id"`
	UserID     bson.ObjectID `bson:"userId" json:"userId"`
	CodeHash   string        `bson:"codeHash" json:"-"`
	Consumed   bool          `bson:"consumed" json:"consumed"`
	ConsumedAt int64         `bson:"consumedAt,omitempty" json:"consumedAt"`
	CreatedAt  int64         `bson:"createdAt" json:"createdAt"`
}

type ResourceType string

const (
	ResourceConversation ResourceType = "conversation"
	ResourceProject      ResourceType = "project"
)

type Resource struct {
	Type ResourceType `json:"resourceType"`
	ID   string       `json:"resourceId"`
}

type Role string

const (
	RoleViewer    Role = "viewer"
	RoleCommenter Role = "commenter"
	RoleEditor    Role = "editor"
	RoleOwner     Role = "owner"
)

// Level orders roles for authorization checks: owner > editor > commenter >
// viewer. Unknown roles rank below viewer.
func (r Role) Level() int {
	switch r {
	case RoleOwner:
		return 4
	case RoleEditor:
		return 3
	case RoleCommenter:
		return 2
	case RoleViewer:
		return 1
	}
	return 0
}

func (r Role) Covers(required Role) bool {
	return r.Level() >= required.Level()
}

func ParseRole(s string) (Role, bool) {
	switch Role(s) {
	case RoleViewer, RoleCommenter, RoleEditor, RoleOwner:
		return Role(s), true
	}
	return "", false
}

// MinRole returns the lower-ranked of two roles. Used to cap cascaded
// project roles at the resource-type default.
func MinRole(a, b Role) Role {
	if a.Level() <= b.Level() {
		return a
	}
	return b
}

// PermissionGrant is the ledger row: exactly one per (resource, principal).
type PermissionGrant struct {
	ID           bson.ObjectID `bson:"_id,omitempty" json:"id"`
	ResourceType ResourceType  `bson:"resourceType" json:"resourceType"`
	ResourceID   string        `bson:"resourceId" json:"resourceId"`
	PrincipalID  bson.ObjectID `bson:"principalId" json:"principalId"`
	Role         Role          `bson:"role" json:"role"`
	GrantedBy    bson.ObjectID `bson:"grantedBy" json:"grantedBy"`
	GrantedAt    int64         `bson:"grantedAt" json:"grantedAt"`
}

// ProjectResource attaches a resource to a project so project grants cascade
// to it. Cascade is resolved at authorize time, never copied per child.
type ProjectResource struct {
	ID           bson.ObjectID `bson:"_id,omitempty" json:"id"`
	ProjectID    string        `bson:"projectId" json:"projectId"`
	ResourceType ResourceType  `bson:"resourceType" json:"resourceType"`
	ResourceID   string        `bson:"resourceId" json:"resourceId"`
	AttachedBy   bson.ObjectID `bson:"attachedBy" json:"attachedBy"`
	AttachedAt   int64         `bson:"attachedAt" json:"attachedAt"`
}

type Outcome string

const (
	OutcomeAuthenticated            Outcome = "authenticated"
	OutcomeInvalidCredentials       Outcome = "invalid_credentials"
	OutcomeAccountLocked            Outcome = "account_locked"
	OutcomeRequireSecondFactor      Outcome = "require_second_factor"
	OutcomeRequireSecondFactorSetup Outcome = "require_second_factor_setup"
)

type Claims struct {
	jwt.RegisteredClaims
	UserID    string `json:"userId"`
	SessionID string `json:"sessionId"`
}
