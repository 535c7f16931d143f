package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"access_service/internal/models"

	"go.mongodb.org/mongo-driver/v2/bson"
)

func newTestPermissionService() *PermissionService {
	return &PermissionService{
		grants:        newFakeGrantStore(),
		attachments:   newFakeAttachmentStore(),
		resourceLocks: newKeyedMutex(),
	}
}

func mustRegister(t *testing.T, ps *PermissionService, resource models.Resource, owner bson.ObjectID) {
	t.Helper()
	if err := ps.RegisterResource(context.Background(), resource, owner); err != nil {
		t.Fatalf("RegisterResource() error = %v", err)
	}
}

func TestRegisterResourceCreatesOwnerGrant(t *testing.T) {
	ps := newTestPermissionService()
	owner := bson.NewObjectID()
	conversation := models.Resource{Type: models.ResourceConversation, ID: "conv-1"}
	ctx := context.Background()

	mustRegister(t, ps, conversation, owner)

	allowed, err := ps.Authorize(ctx, conversation, owner, models.RoleOwner)
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}
	if !allowed {
		t.Error("owner is not authorized at owner level on their own resource")
	}

	if err := ps.RegisterResource(ctx, conversation, owner); err == nil {
		t.Error("registering the same resource twice succeeded")
	}
}

func TestGrantThenAuthorize(t *testing.T) {
	ps := newTestPermissionService()
	owner := bson.NewObjectID()
	guest := bson.NewObjectID()
	conversation := models.Resource{Type: models.ResourceConversation, ID: "conv-1"}
	ctx := context.Background()

	mustRegister(t, ps, conversation, owner)

	if err := ps.Grant(ctx, conversation, guest, models.RoleViewer, owner); err != nil {
		t.Fatalf("Grant() error = %v", err)
	}

	tests := []struct {
		name     string
		required models.Role
		want     bool
	}{
		{"viewer can view", models.RoleViewer, true},
		{"viewer cannot comment", models.RoleCommenter, false},
		{"viewer cannot edit", models.RoleEditor, false},
		{"viewer is not owner", models.RoleOwner, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			allowed, err := ps.Authorize(ctx, conversation, guest, tt.required)
			if err != nil {
				t.Fatalf("Authorize() error = %v", err)
			}
			if allowed != tt.want {
				t.Errorf("Authorize(%s) = %v, want %v", tt.required, allowed, tt.want)
			}
		})
	}
}

func TestViewerCannotGrant(t *testing.T) {
	ps := newTestPermissionService()
	owner := bson.NewObjectID()
	viewer := bson.NewObjectID()
	outsider := bson.NewObjectID()
	conversation := models.Resource{Type: models.ResourceConversation, ID: "conv-1"}
	ctx := context.Background()

	mustRegister(t, ps, conversation, owner)
	if err := ps.Grant(ctx, conversation, viewer, models.RoleViewer, owner); err != nil {
		t.Fatalf("Grant() error = %v", err)
	}

	err := ps.Grant(ctx, conversation, outsider, models.RoleViewer, viewer)
	if !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("Grant() by viewer = %v, want %v", err, ErrPermissionDenied)
	}
}

func TestEditorCanGrant(t *testing.T) {
	ps := newTestPermissionService()
	owner := bson.NewObjectID()
	editor := bson.NewObjectID()
	guest := bson.NewObjectID()
	conversation := models.Resource{Type: models.ResourceConversation, ID: "conv-1"}
	ctx := context.Background()

	mustRegister(t, ps, conversation, owner)
	if err := ps.Grant(ctx, conversation, editor, models.RoleEditor, owner); err != nil {
		t.Fatalf("Grant() error = %v", err)
	}

	if err := ps.Grant(ctx, conversation, guest, models.RoleCommenter, editor); err != nil {
		t.Errorf("Grant() by editor error = %v", err)
	}
}

func TestOwnerRoleIsImmutable(t *testing.T) {
	ps := newTestPermissionService()
	owner := bson.NewObjectID()
	editor := bson.NewObjectID()
	conversation := models.Resource{Type: models.ResourceConversation, ID: "conv-1"}
	ctx := context.Background()

	mustRegister(t, ps, conversation, owner)
	if err := ps.Grant(ctx, conversation, editor, models.RoleEditor, owner); err != nil {
		t.Fatalf("Grant() error = %v", err)
	}

	t.Run("owner is not grantable", func(t *testing.T) {
		if err := ps.Grant(ctx, conversation, bson.NewObjectID(), models.RoleOwner, owner); !errors.Is(err, ErrRoleImmutable) {
			t.Errorf("Grant(owner) = %v, want %v", err, ErrRoleImmutable)
		}
	})

	t.Run("owner grant cannot be revoked", func(t *testing.T) {
		if err := ps.Revoke(ctx, conversation, owner, editor); !errors.Is(err, ErrRoleImmutable) {
			t.Errorf("Revoke(owner) = %v, want %v", err, ErrRoleImmutable)
		}
	})

	t.Run("owner role cannot be changed", func(t *testing.T) {
		if err := ps.ChangeRole(ctx, conversation, owner, models.RoleViewer, editor); !errors.Is(err, ErrRoleImmutable) {
			t.Errorf("ChangeRole(owner) = %v, want %v", err, ErrRoleImmutable)
		}
	})

	t.Run("nobody can be promoted to owner", func(t *testing.T) {
		if err := ps.ChangeRole(ctx, conversation, editor, models.RoleOwner, owner); !errors.Is(err, ErrRoleImmutable) {
			t.Errorf("ChangeRole(to owner) = %v, want %v", err, ErrRoleImmutable)
		}
	})
}

func TestRevokeIsImmediate(t *testing.T) {
	ps := newTestPermissionService()
	owner := bson.NewObjectID()
	guest := bson.NewObjectID()
	conversation := models.Resource{Type: models.ResourceConversation, ID: "conv-1"}
	ctx := context.Background()

	mustRegister(t, ps, conversation, owner)
	if err := ps.Grant(ctx, conversation, guest, models.RoleEditor, owner); err != nil {
		t.Fatalf("Grant() error = %v", err)
	}
	if err := ps.Revoke(ctx, conversation, guest, owner); err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}

	allowed, err := ps.Authorize(ctx, conversation, guest, models.RoleViewer)
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}
	if allowed {
		t.Error("revoked principal is still authorized")
	}
}

func TestChangeRole(t *testing.T) {
	ps := newTestPermissionService()
	owner := bson.NewObjectID()
	guest := bson.NewObjectID()
	conversation := models.Resource{Type: models.ResourceConversation, ID: "conv-1"}
	ctx := context.Background()

	mustRegister(t, ps, conversation, owner)
	if err := ps.Grant(ctx, conversation, guest, models.RoleViewer, owner); err != nil {
		t.Fatalf("Grant() error = %v", err)
	}
	if err := ps.ChangeRole(ctx, conversation, guest, models.RoleEditor, owner); err != nil {
		t.Fatalf("ChangeRole() error = %v", err)
	}

	allowed, err := ps.Authorize(ctx, conversation, guest, models.RoleEditor)
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}
	if !allowed {
		t.Error("role change did not take effect")
	}
}

func TestProjectCascade(t *testing.T) {
	ps := newTestPermissionService()
	owner := bson.NewObjectID()
	member := bson.NewObjectID()
	project := models.Resource{Type: models.ResourceProject, ID: "proj-1"}
	conversation := models.Resource{Type: models.ResourceConversation, ID: "conv-1"}
	ctx := context.Background()

	mustRegister(t, ps, project, owner)
	mustRegister(t, ps, conversation, owner)
	if err := ps.AttachToProject(ctx, project.ID, conversation, owner); err != nil {
		t.Fatalf("AttachToProject() error = %v", err)
	}

	// A project-level grant reaches the attached conversation with no
	// per-child grant row.
	if err := ps.Grant(ctx, project, member, models.RoleOwner, owner); !errors.Is(err, ErrRoleImmutable) {
		t.Fatalf("Grant(owner) on project = %v, want %v", err, ErrRoleImmutable)
	}
	if err := ps.Grant(ctx, project, member, models.RoleEditor, owner); err != nil {
		t.Fatalf("Grant() on project error = %v", err)
	}

	allowed, err := ps.Authorize(ctx, conversation, member, models.RoleEditor)
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}
	if !allowed {
		t.Error("project editor is not authorized on the attached conversation")
	}

	direct, err := ps.grants.Find(ctx, conversation.Type, conversation.ID, member)
	if err != nil {
		t.Fatalf("Find() error = %v", err)
	}
	if direct != nil {
		t.Error("cascade materialized a per-child grant row")
	}
}

func TestCascadeIsCappedByResourceDefault(t *testing.T) {
	ps := newTestPermissionService()
	projectOwner := bson.NewObjectID()
	conversationOwner := bson.NewObjectID()
	project := models.Resource{Type: models.ResourceProject, ID: "proj-1"}
	conversation := models.Resource{Type: models.ResourceConversation, ID: "conv-1"}
	ctx := context.Background()

	mustRegister(t, ps, project, projectOwner)
	mustRegister(t, ps, conversation, conversationOwner)
	if err := ps.Grant(ctx, project, conversationOwner, models.RoleEditor, projectOwner); err != nil {
		t.Fatalf("Grant() error = %v", err)
	}
	if err := ps.AttachToProject(ctx, project.ID, conversation, conversationOwner); err != nil {
		t.Fatalf("AttachToProject() error = %v", err)
	}

	// The project owner cascades onto the conversation capped at editor,
	// never owner.
	allowed, err := ps.Authorize(ctx, conversation, projectOwner, models.RoleEditor)
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}
	if !allowed {
		t.Error("project owner is not an editor on the attached conversation")
	}

	allowed, err = ps.Authorize(ctx, conversation, projectOwner, models.RoleOwner)
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}
	if allowed {
		t.Error("project owner cascaded to owner on the attached conversation")
	}
}

func TestDirectGrantOverridesCascade(t *testing.T) {
	ps := newTestPermissionService()
	owner := bson.NewObjectID()
	member := bson.NewObjectID()
	project := models.Resource{Type: models.ResourceProject, ID: "proj-1"}
	conversation := models.Resource{Type: models.ResourceConversation, ID: "conv-1"}
	ctx := context.Background()

	mustRegister(t, ps, project, owner)
	mustRegister(t, ps, conversation, owner)
	if err := ps.AttachToProject(ctx, project.ID, conversation, owner); err != nil {
		t.Fatalf("AttachToProject() error = %v", err)
	}

	if err := ps.Grant(ctx, project, member, models.RoleEditor, owner); err != nil {
		t.Fatalf("Grant() on project error = %v", err)
	}
	if err := ps.Grant(ctx, conversation, member, models.RoleViewer, owner); err != nil {
		t.Fatalf("Grant() on conversation error = %v", err)
	}

	// The explicit viewer grant on the conversation wins over the cascaded
	// editor role.
	allowed, err := ps.Authorize(ctx, conversation, member, models.RoleEditor)
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}
	if allowed {
		t.Error("direct viewer grant did not override the project cascade")
	}
}

func TestCheckAccessDistinguishesMissingFromDenied(t *testing.T) {
	ps := newTestPermissionService()
	owner := bson.NewObjectID()
	stranger := bson.NewObjectID()
	conversation := models.Resource{Type: models.ResourceConversation, ID: "conv-1"}
	ctx := context.Background()

	mustRegister(t, ps, conversation, owner)

	err := ps.CheckAccess(ctx, conversation, stranger, models.RoleViewer)
	if !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("CheckAccess() on existing resource = %v, want %v", err, ErrPermissionDenied)
	}

	missing := models.Resource{Type: models.ResourceConversation, ID: "never-registered"}
	err = ps.CheckAccess(ctx, missing, stranger, models.RoleViewer)
	if !errors.Is(err, ErrResourceNotFound) {
		t.Errorf("CheckAccess() on missing resource = %v, want %v", err, ErrResourceNotFound)
	}
}

func TestHandleResourceCreated(t *testing.T) {
	ps := newTestPermissionService()
	owner := bson.NewObjectID()
	ctx := context.Background()

	if err := ps.HandleResourceCreated(ctx, "conversation", "conv-9", owner.Hex()); err != nil {
		t.Fatalf("HandleResourceCreated() error = %v", err)
	}

	allowed, err := ps.Authorize(ctx, models.Resource{Type: models.ResourceConversation, ID: "conv-9"}, owner, models.RoleOwner)
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}
	if !allowed {
		t.Error("owner grant was not recorded from the created event")
	}

	if err := ps.HandleResourceCreated(ctx, "spreadsheet", "sheet-1", owner.Hex()); err == nil {
		t.Error("unknown resource type was accepted")
	}
	if err := ps.HandleResourceCreated(ctx, "conversation", "conv-10", "not-an-object-id"); err == nil {
		t.Error("malformed owner id was accepted")
	}
}

func TestHandleResourceAttached(t *testing.T) {
	ps := newTestPermissionService()
	owner := bson.NewObjectID()
	member := bson.NewObjectID()
	ctx := context.Background()

	mustRegister(t, ps, models.Resource{Type: models.ResourceProject, ID: "proj-1"}, owner)
	if err := ps.HandleResourceCreated(ctx, "conversation", "conv-1", owner.Hex()); err != nil {
		t.Fatalf("HandleResourceCreated() error = %v", err)
	}

	// Service-side attach carries no actor and skips the role check.
	if err := ps.HandleResourceAttached(ctx, "proj-1", "conversation", "conv-1", ""); err != nil {
		t.Fatalf("HandleResourceAttached() error = %v", err)
	}

	if err := ps.Grant(ctx, models.Resource{Type: models.ResourceProject, ID: "proj-1"}, member, models.RoleViewer, owner); err != nil {
		t.Fatalf("Grant() error = %v", err)
	}
	allowed, err := ps.Authorize(ctx, models.Resource{Type: models.ResourceConversation, ID: "conv-1"}, member, models.RoleViewer)
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}
	if !allowed {
		t.Error("cascade did not apply after the attach event")
	}

	if err := ps.HandleResourceAttached(ctx, "no-such-project", "conversation", "conv-2", ""); !errors.Is(err, ErrResourceNotFound) {
		t.Errorf("HandleResourceAttached() to missing project = %v, want %v", err, ErrResourceNotFound)
	}
}

// Guarded chain across the cascade: a project editor can grant on an
// attached conversation, the viewer they grant cannot grant further.
func TestCascadedEditorCanGrantOnChild(t *testing.T) {
	ps := newTestPermissionService()
	owner := bson.NewObjectID()
	projectEditor := bson.NewObjectID()
	guest := bson.NewObjectID()
	another := bson.NewObjectID()
	project := models.Resource{Type: models.ResourceProject, ID: "proj-1"}
	conversation := models.Resource{Type: models.ResourceConversation, ID: "conv-1"}
	ctx := context.Background()

	mustRegister(t, ps, project, owner)
	mustRegister(t, ps, conversation, owner)
	if err := ps.AttachToProject(ctx, project.ID, conversation, owner); err != nil {
		t.Fatalf("AttachToProject() error = %v", err)
	}
	if err := ps.Grant(ctx, project, projectEditor, models.RoleEditor, owner); err != nil {
		t.Fatalf("Grant() on project error = %v", err)
	}

	if err := ps.Grant(ctx, conversation, guest, models.RoleViewer, projectEditor); err != nil {
		t.Fatalf("Grant() on child by project editor error = %v", err)
	}

	if err := ps.Grant(ctx, conversation, another, models.RoleViewer, guest); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("Grant() by viewer = %v, want %v", err, ErrPermissionDenied)
	}
}

// checkThenInsertAttachmentStore mimics the persistence layer: the existence
// check and the insert are separate steps with a window between them.
// Serializing attaches per resource is the service's job, so without the
// resource lock two concurrent attaches of the same resource both land.
type checkThenInsertAttachmentStore struct {
	mu   sync.Mutex
	rows []*models.ProjectResource
}

func (s *checkThenInsertAttachmentStore) find(resourceType models.ResourceType, resourceID string) *models.ProjectResource {
	for _, a := range s.rows {
		if a.ResourceType == resourceType && a.ResourceID == resourceID {
			return a
		}
	}
	return nil
}

func (s *checkThenInsertAttachmentStore) Attach(ctx context.Context, attachment *models.ProjectResource) (*models.ProjectResource, error) {
	s.mu.Lock()
	existing := s.find(attachment.ResourceType, attachment.ResourceID)
	s.mu.Unlock()
	if existing != nil {
		return nil, errAlreadyAttached
	}

	time.Sleep(5 * time.Millisecond)

	s.mu.Lock()
	defer s.mu.Unlock()
	if attachment.ID.IsZero() {
		attachment.ID = bson.NewObjectID()
	}
	copied := *attachment
	s.rows = append(s.rows, &copied)
	return attachment, nil
}

func (s *checkThenInsertAttachmentStore) ProjectOf(ctx context.Context, resourceType models.ResourceType, resourceID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a := s.find(resourceType, resourceID); a != nil {
		return a.ProjectID, true, nil
	}
	return "", false, nil
}

func (s *checkThenInsertAttachmentStore) ResourcesOf(ctx context.Context, projectID string) ([]*models.ProjectResource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.ProjectResource
	for _, a := range s.rows {
		if a.ProjectID == projectID {
			copied := *a
			out = append(out, &copied)
		}
	}
	return out, nil
}

func TestConcurrentAttachSingleWinner(t *testing.T) {
	store := &checkThenInsertAttachmentStore{}
	ps := &PermissionService{
		grants:        newFakeGrantStore(),
		attachments:   store,
		resourceLocks: newKeyedMutex(),
	}
	owner := bson.NewObjectID()
	conversation := models.Resource{Type: models.ResourceConversation, ID: "conv-1"}
	ctx := context.Background()

	mustRegister(t, ps, models.Resource{Type: models.ResourceProject, ID: "proj-1"}, owner)
	mustRegister(t, ps, models.Resource{Type: models.ResourceProject, ID: "proj-2"}, owner)
	mustRegister(t, ps, conversation, owner)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, projectID := range []string{"proj-1", "proj-2"} {
		wg.Add(1)
		go func(i int, projectID string) {
			defer wg.Done()
			errs[i] = ps.AttachToProject(ctx, projectID, conversation, owner)
		}(i, projectID)
	}
	wg.Wait()

	var succeeded int
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else if !errors.Is(err, errAlreadyAttached) {
			t.Errorf("AttachToProject() error = %v, want %v", err, errAlreadyAttached)
		}
	}
	if succeeded != 1 {
		t.Fatalf("concurrent attaches of the same resource: %d succeeded, want 1", succeeded)
	}

	var rows int
	for _, projectID := range []string{"proj-1", "proj-2"} {
		attached, err := store.ResourcesOf(ctx, projectID)
		if err != nil {
			t.Fatalf("ResourcesOf() error = %v", err)
		}
		rows += len(attached)
	}
	if rows != 1 {
		t.Errorf("attachment rows for conv-1 = %d, want 1", rows)
	}
}

func TestProjectsCannotNest(t *testing.T) {
	ps := newTestPermissionService()
	owner := bson.NewObjectID()
	outer := models.Resource{Type: models.ResourceProject, ID: "proj-outer"}
	inner := models.Resource{Type: models.ResourceProject, ID: "proj-inner"}
	ctx := context.Background()

	mustRegister(t, ps, outer, owner)
	mustRegister(t, ps, inner, owner)

	if err := ps.AttachToProject(ctx, outer.ID, inner, owner); err == nil {
		t.Error("attaching a project to a project succeeded")
	}
}
