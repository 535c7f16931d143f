package service

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"access_service/internal/models"

	"go.mongodb.org/mongo-driver/v2/bson"
)

var (
	errDuplicateGrant  = errors.New("principal already has a grant on this resource")
	errAlreadyAttached = errors.New("resource is already attached to a project")
)

// In-memory stores backing the service tests. They mirror the persistence
// contracts, including the atomicity the Mongo and Redis layers provide.

type fakeUserStore struct {
	mu    sync.Mutex
	users map[string]*models.UserAuth
}

func newFakeUserStore() *fakeUserStore {
	return &fakeUserStore{users: make(map[string]*models.UserAuth)}
}

func (s *fakeUserStore) Insert(ctx context.Context, user *models.UserAuth) (*models.UserAuth, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if user.ID.IsZero() {
		user.ID = bson.NewObjectID()
	}
	copied := *user
	s.users[user.ID.Hex()] = &copied
	return user, nil
}

func (s *fakeUserStore) FindByEmail(ctx context.Context, email string) (*models.UserAuth, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Email == email {
			copied := *u
			return &copied, nil
		}
	}
	return nil, nil
}

func (s *fakeUserStore) FindByID(ctx context.Context, id bson.ObjectID) (*models.UserAuth, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[id.Hex()]; ok {
		copied := *u
		return &copied, nil
	}
	return nil, nil
}

func (s *fakeUserStore) UpdatePasswordHash(ctx context.Context, id bson.ObjectID, passwordHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[id.Hex()]; ok {
		u.PasswordHash = passwordHash
	}
	return nil
}

func (s *fakeUserStore) UpdateTOTP(ctx context.Context, id bson.ObjectID, secret string, state models.TOTPState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[id.Hex()]; ok {
		u.TOTPSecret = secret
		u.TOTPState = state
	}
	return nil
}

func (s *fakeUserStore) RecordLogin(ctx context.Context, id bson.ObjectID, at int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[id.Hex()]; ok {
		u.LastLoginAt = at
	}
	return nil
}

func (s *fakeUserStore) Deactivate(ctx context.Context, id bson.ObjectID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[id.Hex()]; ok {
		u.IsActive = false
	}
	return nil
}

type fakeLockoutStore struct {
	mu       sync.Mutex
	failures map[string]int64
	locked   map[string]bool
}

func newFakeLockoutStore() *fakeLockoutStore {
	return &fakeLockoutStore{
		failures: make(map[string]int64),
		locked:   make(map[string]bool),
	}
}

func (s *fakeLockoutStore) RecordFailure(ctx context.Context, email string, window time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[email]++
	return s.failures[email], nil
}

func (s *fakeLockoutStore) ClearFailures(ctx context.Context, email string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.failures, email)
	return nil
}

func (s *fakeLockoutStore) Lock(ctx context.Context, email string, cooldown time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locked[email] = true
	return nil
}

func (s *fakeLockoutStore) IsLocked(ctx context.Context, email string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.locked[email], nil
}

type challengeEntry struct {
	challenge models.Challenge
	attempts  int64
}

type fakeChallengeStore struct {
	mu         sync.Mutex
	challenges map[string]*challengeEntry
	usedSteps  map[string]bool
}

func newFakeChallengeStore() *fakeChallengeStore {
	return &fakeChallengeStore{
		challenges: make(map[string]*challengeEntry),
		usedSteps:  make(map[string]bool),
	}
}

func (s *fakeChallengeStore) Create(ctx context.Context, challenge *models.Challenge, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.challenges[challenge.ID] = &challengeEntry{challenge: *challenge}
	return nil
}

func (s *fakeChallengeStore) Get(ctx context.Context, id string) (*models.Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.challenges[id]; ok {
		copied := e.challenge
		return &copied, nil
	}
	return nil, nil
}

func (s *fakeChallengeStore) SetState(ctx context.Context, challenge *models.Challenge, state models.ChallengeState, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.challenges[challenge.ID]; ok {
		e.challenge.State = state
	}
	return nil
}

func (s *fakeChallengeStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.challenges, id)
	return nil
}

func (s *fakeChallengeStore) IncrAttempts(ctx context.Context, id string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.challenges[id]
	if !ok {
		return 0, nil
	}
	e.attempts++
	return e.attempts, nil
}

func (s *fakeChallengeStore) MarkStepUsed(ctx context.Context, userID string, step int64, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := userID + ":" + strconv.FormatInt(step, 10)
	if s.usedSteps[key] {
		return false, nil
	}
	s.usedSteps[key] = true
	return true, nil
}

type fakeSessionStore struct {
	mu       sync.Mutex
	sessions map[string]*models.Session
	revoked  map[string]bool
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{
		sessions: make(map[string]*models.Session),
		revoked:  make(map[string]bool),
	}
}

func (s *fakeSessionStore) Save(ctx context.Context, session *models.Session, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *session
	s.sessions[session.Token] = &copied
	return nil
}

func (s *fakeSessionStore) Get(ctx context.Context, token string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[token]; ok {
		copied := *sess
		return &copied, nil
	}
	return nil, nil
}

func (s *fakeSessionStore) MarkRevoked(ctx context.Context, token string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revoked[token] = true
	return nil
}

func (s *fakeSessionStore) IsRevoked(ctx context.Context, token string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revoked[token], nil
}

func (s *fakeSessionStore) Delete(ctx context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, token)
	return nil
}

type fakeBackupCodeStore struct {
	mu    sync.Mutex
	codes map[string]*models.BackupCode
}

func newFakeBackupCodeStore() *fakeBackupCodeStore {
	return &fakeBackupCodeStore{codes: make(map[string]*models.BackupCode)}
}

func (s *fakeBackupCodeStore) InsertBatch(ctx context.Context, codes []*models.BackupCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range codes {
		if c.ID.IsZero() {
			c.ID = bson.NewObjectID()
		}
		copied := *c
		s.codes[c.ID.Hex()] = &copied
	}
	return nil
}

func (s *fakeBackupCodeStore) FindByUser(ctx context.Context, userID bson.ObjectID) ([]*models.BackupCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.BackupCode
	for _, c := range s.codes {
		if c.UserID == userID {
			copied := *c
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (s *fakeBackupCodeStore) MarkConsumed(ctx context.Context, id bson.ObjectID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.codes[id.Hex()]
	if !ok || c.Consumed {
		return false, nil
	}
	c.Consumed = true
	c.ConsumedAt = time.Now().Unix()
	return true, nil
}

func (s *fakeBackupCodeStore) DeleteUnconsumed(ctx context.Context, userID bson.ObjectID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, c := range s.codes {
		if c.UserID == userID && !c.Consumed {
			delete(s.codes, id)
		}
	}
	return nil
}

func (s *fakeBackupCodeStore) CountUnconsumed(ctx context.Context, userID bson.ObjectID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, c := range s.codes {
		if c.UserID == userID && !c.Consumed {
			n++
		}
	}
	return n, nil
}

func grantKey(resourceType models.ResourceType, resourceID string, principalID bson.ObjectID) string {
	return string(resourceType) + ":" + resourceID + ":" + principalID.Hex()
}

type fakeGrantStore struct {
	mu     sync.Mutex
	grants map[string]*models.PermissionGrant
}

func newFakeGrantStore() *fakeGrantStore {
	return &fakeGrantStore{grants: make(map[string]*models.PermissionGrant)}
}

func (s *fakeGrantStore) Find(ctx context.Context, resourceType models.ResourceType, resourceID string, principalID bson.ObjectID) (*models.PermissionGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g, ok := s.grants[grantKey(resourceType, resourceID, principalID)]; ok {
		copied := *g
		return &copied, nil
	}
	return nil, nil
}

func (s *fakeGrantStore) Insert(ctx context.Context, grant *models.PermissionGrant) (*models.PermissionGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := grantKey(grant.ResourceType, grant.ResourceID, grant.PrincipalID)
	if _, ok := s.grants[key]; ok {
		return nil, errDuplicateGrant
	}
	if grant.ID.IsZero() {
		grant.ID = bson.NewObjectID()
	}
	copied := *grant
	s.grants[key] = &copied
	return grant, nil
}

func (s *fakeGrantStore) UpdateRole(ctx context.Context, resourceType models.ResourceType, resourceID string, principalID bson.ObjectID, role models.Role) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.grants[grantKey(resourceType, resourceID, principalID)]
	if !ok {
		return false, nil
	}
	g.Role = role
	return true, nil
}

func (s *fakeGrantStore) Delete(ctx context.Context, resourceType models.ResourceType, resourceID string, principalID bson.ObjectID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := grantKey(resourceType, resourceID, principalID)
	if _, ok := s.grants[key]; !ok {
		return false, nil
	}
	delete(s.grants, key)
	return true, nil
}

func (s *fakeGrantStore) FindByResource(ctx context.Context, resourceType models.ResourceType, resourceID string) ([]*models.PermissionGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.PermissionGrant
	for _, g := range s.grants {
		if g.ResourceType == resourceType && g.ResourceID == resourceID {
			copied := *g
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (s *fakeGrantStore) HasAny(ctx context.Context, resourceType models.ResourceType, resourceID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, g := range s.grants {
		if g.ResourceType == resourceType && g.ResourceID == resourceID {
			return true, nil
		}
	}
	return false, nil
}

type fakeAttachmentStore struct {
	mu          sync.Mutex
	attachments map[string]*models.ProjectResource
}

func newFakeAttachmentStore() *fakeAttachmentStore {
	return &fakeAttachmentStore{attachments: make(map[string]*models.ProjectResource)}
}

func (s *fakeAttachmentStore) Attach(ctx context.Context, attachment *models.ProjectResource) (*models.ProjectResource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := string(attachment.ResourceType) + ":" + attachment.ResourceID
	if _, ok := s.attachments[key]; ok {
		return nil, errAlreadyAttached
	}
	if attachment.ID.IsZero() {
		attachment.ID = bson.NewObjectID()
	}
	copied := *attachment
	s.attachments[key] = &copied
	return attachment, nil
}

func (s *fakeAttachmentStore) ProjectOf(ctx context.Context, resourceType models.ResourceType, resourceID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.attachments[string(resourceType)+":"+resourceID]; ok {
		return a.ProjectID, true, nil
	}
	return "", false, nil
}

func (s *fakeAttachmentStore) ResourcesOf(ctx context.Context, projectID string) ([]*models.ProjectResource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.ProjectResource
	for _, a := range s.attachments {
		if a.ProjectID == projectID {
			copied := *a
			out = append(out, &copied)
		}
	}
	return out, nil
}
