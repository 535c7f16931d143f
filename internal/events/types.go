package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	LoginSucceeded        EventType = "auth.login.succeeded"
	LoginFailed           EventType = "auth.login.failed"
	AccountLocked         EventType = "auth.account.locked"
	SecondFactorRequired  EventType = "auth.2fa.required"
	SecondFactorVerified  EventType = "auth.2fa.verified"
	SecondFactorFailed    EventType = "auth.2fa.failed"
	SecondFactorExpired   EventType = "auth.2fa.expired"
	SecondFactorExhausted EventType = "auth.2fa.exhausted"
	SecondFactorEnrolled  EventType = "auth.2fa.enrolled"
	BackupCodeAccepted    EventType = "auth.backup.accepted"
	BackupCodeRejected    EventType = "auth.backup.rejected"
	BackupCodeReplayed    EventType = "auth.backup.replayed"
	BackupCodesExhausted  EventType = "auth.backup.exhausted"
	BackupCodesGenerated  EventType = "auth.backup.generated"
	SessionIssued         EventType = "session.issued"
	SessionRefreshed      EventType = "session.refreshed"
	SessionRevoked        EventType = "session.revoked"
	SessionExpired        EventType = "session.expired"
	GrantCreated          EventType = "grant.created"
	GrantRevoked          EventType = "grant.revoked"
	GrantRoleChanged      EventType = "grant.role_changed"
	ResourceRegistered    EventType = "grant.resource_registered"
	ResourceAttached      EventType = "grant.resource_attached"
	AuthorizeDenied       EventType = "grant.authorize_denied"
	AuthorizeNotFound     EventType = "grant.authorize_not_found"
)

type BaseEvent struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp int64     `json:"timestamp"`
	Version   string    `json:"version"`
}

func newBaseEvent(eventType EventType) BaseEvent {
	return BaseEvent{
		ID:        generateEventID(),
		Type:      eventType,
		Timestamp: time.Now().Unix(),
		Version:   "1.0",
	}
}

// AuthEvent records an authentication-chain outcome. Detail never carries
// passwords, codes, or session tokens.
type AuthEvent struct {
	BaseEvent
	UserID string            `json:"user_id"`
	Detail map[string]string `json:"detail,omitempty"`
}

func NewAuthEvent(eventType EventType, userID string, detail map[string]string) *AuthEvent {
	return &AuthEvent{
		BaseEvent: newBaseEvent(eventType),
		UserID:    userID,
		Detail:    detail,
	}
}

func (e *AuthEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

type GrantEvent struct {
	BaseEvent
	ResourceType string `json:"resource_type"`
	ResourceID   string `json:"resource_id"`
	PrincipalID  string `json:"principal_id"`
	Role         string `json:"role,omitempty"`
	ActorID      string `json:"actor_id"`
}

func NewGrantEvent(eventType EventType, resourceType, resourceID, principalID, role, actorID string) *GrantEvent {
	return &GrantEvent{
		BaseEvent:    newBaseEvent(eventType),
		ResourceType: resourceType,
		ResourceID:   resourceID,
		PrincipalID:  principalID,
		Role:         role,
		ActorID:      actorID,
	}
}

func (e *GrantEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

func generateEventID() string {
	return uuid.NewString()
}
