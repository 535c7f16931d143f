package service

import (
	"context"
	"fmt"
	"log"

	"access_service/internal/events"
	"access_service/internal/models"

	"go.mongodb.org/mongo-driver/v2/bson"
)

type GrantStore interface {
	Find(ctx context.Context, resourceType models.ResourceType, resourceID string, principalID bson.ObjectID) (*models.PermissionGrant, error)
	Insert(ctx context.Context, grant *models.PermissionGrant) (*models.PermissionGrant, error)
	UpdateRole(ctx context.Context, resourceType models.ResourceType, resourceID string, principalID bson.ObjectID, role models.Role) (bool, error)
	Delete(ctx context.Context, resourceType models.ResourceType, resourceID string, principalID bson.ObjectID) (bool, error)
	FindByResource(ctx context.Context, resourceType models.ResourceType, resourceID string) ([]*models.PermissionGrant, error)
	HasAny(ctx context.Context, resourceType models.ResourceType, resourceID string) (bool, error)
}

type AttachmentStore interface {
	Attach(ctx context.Context, attachment *models.ProjectResource) (*models.ProjectResource, error)
	ProjectOf(ctx context.Context, resourceType models.ResourceType, resourceID string) (string, bool, error)
	ResourcesOf(ctx context.Context, projectID string) ([]*models.ProjectResource, error)
}

// cascadeCap bounds the role a project grant can confer on an attached
// resource of the given type.
var cascadeCap = map[models.ResourceType]models.Role{
	models.ResourceConversation: models.RoleEditor,
	models.ResourceProject:      models.RoleOwner,
}

// PermissionService is the grant ledger. Every principal with access holds
// a traceable grant row, direct or via project cascade; there is no
// anyone-with-a-link state. Mutations on one resource are serialized by a
// per-resource lock; reads never take it.
type PermissionService struct {
	grants         GrantStore
	attachments    AttachmentStore
	eventPublisher events.Publisher
	resourceLocks  *keyedMutex
}

func NewPermissionService(grants GrantStore, attachments AttachmentStore, eventPublisher events.Publisher) *PermissionService {
	return &PermissionService{
		grants:         grants,
		attachments:    attachments,
		eventPublisher: eventPublisher,
		resourceLocks:  newKeyedMutex(),
	}
}

func (ps *PermissionService) audit(ctx context.Context, eventType events.EventType, resource models.Resource, principalID, role, actorID string) {
	if ps.eventPublisher == nil {
		return
	}
	err := ps.eventPublisher.PublishGrantEvent(ctx, eventType, string(resource.Type), resource.ID, principalID, role, actorID)
	if err != nil {
		log.Printf("Warning: Failed to publish audit event %s: %v", eventType, err)
	}
}

func lockKey(resource models.Resource) string {
	return string(resource.Type) + ":" + resource.ID
}

// resolveRole computes the effective role of a principal on a resource: a
// direct grant wins; otherwise a grant on the owning project applies,
// capped at the resource-type default. Cascade is resolved here at read
// time, never materialized as rows per child resource.
func (ps *PermissionService) resolveRole(ctx context.Context, resource models.Resource, principalID bson.ObjectID) (models.Role, bool, error) {
	direct, err := ps.grants.Find(ctx, resource.Type, resource.ID, principalID)
	if err != nil {
		return "", false, fmt.Errorf("error resolving direct grant: %w", err)
	}
	if direct != nil {
		return direct.Role, true, nil
	}

	projectID, attached, err := ps.attachments.ProjectOf(ctx, resource.Type, resource.ID)
	if err != nil {
		return "", false, fmt.Errorf("error resolving project attachment: %w", err)
	}
	if !attached {
		return "", false, nil
	}

	projectGrant, err := ps.grants.Find(ctx, models.ResourceProject, projectID, principalID)
	if err != nil {
		return "", false, fmt.Errorf("error resolving project grant: %w", err)
	}
	if projectGrant == nil {
		return "", false, nil
	}

	return models.MinRole(projectGrant.Role, cascadeCap[resource.Type]), true, nil
}

// Authorize reports whether the principal's resolved role covers the
// required one. Missing resources and missing grants both resolve to
// false; CheckAccess distinguishes them for audit.
func (ps *PermissionService) Authorize(ctx context.Context, resource models.Resource, principalID bson.ObjectID, required models.Role) (bool, error) {
	role, ok, err := ps.resolveRole(ctx, resource, principalID)
	if err != nil {
		return false, err
	}
	return ok && role.Covers(required), nil
}

// CheckAccess is Authorize with an error result: ErrResourceNotFound when
// the resource was never registered, ErrPermissionDenied otherwise. The two
// are audited under distinct kinds but must stay indistinguishable to an
// unauthorized caller, so handlers map both to the same response.
func (ps *PermissionService) CheckAccess(ctx context.Context, resource models.Resource, principalID bson.ObjectID, required models.Role) error {
	allowed, err := ps.Authorize(ctx, resource, principalID, required)
	if err != nil {
		return err
	}
	if allowed {
		return nil
	}

	exists, err := ps.grants.HasAny(ctx, resource.Type, resource.ID)
	if err != nil {
		return err
	}
	if !exists {
		ps.audit(ctx, events.AuthorizeNotFound, resource, principalID.Hex(), string(required), principalID.Hex())
		return ErrResourceNotFound
	}

	ps.audit(ctx, events.AuthorizeDenied, resource, principalID.Hex(), string(required), principalID.Hex())
	return ErrPermissionDenied
}

// checkMutate guards the grant/revoke/changeRole chain: the actor must
// hold editor or better on the resource or, via cascade, on its project.
func (ps *PermissionService) checkMutate(ctx context.Context, resource models.Resource, actorID bson.ObjectID) error {
	return ps.CheckAccess(ctx, resource, actorID, models.RoleEditor)
}

// RegisterResource records a new resource by writing its owner grant. The
// owner role exists only through this path.
func (ps *PermissionService) RegisterResource(ctx context.Context, resource models.Resource, ownerID bson.ObjectID) error {
	ps.resourceLocks.Lock(lockKey(resource))
	defer ps.resourceLocks.Unlock(lockKey(resource))

	exists, err := ps.grants.HasAny(ctx, resource.Type, resource.ID)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("resource %s/%s is already registered", resource.Type, resource.ID)
	}

	_, err = ps.grants.Insert(ctx, &models.PermissionGrant{
		ResourceType: resource.Type,
		ResourceID:   resource.ID,
		PrincipalID:  ownerID,
		Role:         models.RoleOwner,
		GrantedBy:    ownerID,
	})
	if err != nil {
		return err
	}

	ps.audit(ctx, events.ResourceRegistered, resource, ownerID.Hex(), string(models.RoleOwner), ownerID.Hex())
	return nil
}

// Grant adds a principal at a role. The actor must already hold editor or
// better; a viewer cannot grant. Owner is never grantable after creation.
func (ps *PermissionService) Grant(ctx context.Context, resource models.Resource, principalID bson.ObjectID, role models.Role, actorID bson.ObjectID) error {
	if role == models.RoleOwner {
		return ErrRoleImmutable
	}

	ps.resourceLocks.Lock(lockKey(resource))
	defer ps.resourceLocks.Unlock(lockKey(resource))

	if err := ps.checkMutate(ctx, resource, actorID); err != nil {
		return err
	}

	_, err := ps.grants.Insert(ctx, &models.PermissionGrant{
		ResourceType: resource.Type,
		ResourceID:   resource.ID,
		PrincipalID:  principalID,
		Role:         role,
		GrantedBy:    actorID,
	})
	if err != nil {
		return err
	}

	ps.audit(ctx, events.GrantCreated, resource, principalID.Hex(), string(role), actorID.Hex())
	return nil
}

// Revoke removes a principal's direct grant. Removal is immediate: the next
// authorize reads the ledger directly and sees it gone.
func (ps *PermissionService) Revoke(ctx context.Context, resource models.Resource, principalID bson.ObjectID, actorID bson.ObjectID) error {
	ps.resourceLocks.Lock(lockKey(resource))
	defer ps.resourceLocks.Unlock(lockKey(resource))

	if err := ps.checkMutate(ctx, resource, actorID); err != nil {
		return err
	}

	existing, err := ps.grants.Find(ctx, resource.Type, resource.ID, principalID)
	if err != nil {
		return err
	}
	if existing == nil {
		return ErrResourceNotFound
	}
	if existing.Role == models.RoleOwner {
		return ErrRoleImmutable
	}

	if _, err := ps.grants.Delete(ctx, resource.Type, resource.ID, principalID); err != nil {
		return err
	}

	ps.audit(ctx, events.GrantRevoked, resource, principalID.Hex(), "", actorID.Hex())
	return nil
}

func (ps *PermissionService) ChangeRole(ctx context.Context, resource models.Resource, principalID bson.ObjectID, newRole models.Role, actorID bson.ObjectID) error {
	if newRole == models.RoleOwner {
		return ErrRoleImmutable
	}

	ps.resourceLocks.Lock(lockKey(resource))
	defer ps.resourceLocks.Unlock(lockKey(resource))

	if err := ps.checkMutate(ctx, resource, actorID); err != nil {
		return err
	}

	existing, err := ps.grants.Find(ctx, resource.Type, resource.ID, principalID)
	if err != nil {
		return err
	}
	if existing == nil {
		return ErrResourceNotFound
	}
	if existing.Role == models.RoleOwner {
		return ErrRoleImmutable
	}

	if _, err := ps.grants.UpdateRole(ctx, resource.Type, resource.ID, principalID, newRole); err != nil {
		return err
	}

	ps.audit(ctx, events.GrantRoleChanged, resource, principalID.Hex(), string(newRole), actorID.Hex())
	return nil
}

// AttachToProject wires a resource into a project's cascade. The actor
// needs editor on the project; the resource keeps its own grants. The
// resource lock serializes the attachment check-and-insert, so two
// concurrent attaches of the same resource cannot both land.
func (ps *PermissionService) AttachToProject(ctx context.Context, projectID string, resource models.Resource, actorID bson.ObjectID) error {
	if resource.Type == models.ResourceProject {
		return fmt.Errorf("projects cannot be attached to projects")
	}

	ps.resourceLocks.Lock(lockKey(resource))
	defer ps.resourceLocks.Unlock(lockKey(resource))

	project := models.Resource{Type: models.ResourceProject, ID: projectID}
	if err := ps.checkMutate(ctx, project, actorID); err != nil {
		return err
	}

	_, err := ps.attachments.Attach(ctx, &models.ProjectResource{
		ProjectID:    projectID,
		ResourceType: resource.Type,
		ResourceID:   resource.ID,
		AttachedBy:   actorID,
	})
	if err != nil {
		return err
	}

	ps.audit(ctx, events.ResourceAttached, resource, "", "", actorID.Hex())
	return nil
}

func (ps *PermissionService) GrantsOn(ctx context.Context, resource models.Resource) ([]*models.PermissionGrant, error) {
	return ps.grants.FindByResource(ctx, resource.Type, resource.ID)
}

// HandleResourceCreated implements the resource-events consumer callback:
// a collaborator service created a resource, record its owner grant.
func (ps *PermissionService) HandleResourceCreated(ctx context.Context, resourceType, resourceID, ownerID string) error {
	rtype, ok := parseResourceType(resourceType)
	if !ok {
		return fmt.Errorf("unknown resource type %q", resourceType)
	}

	owner, err := bson.ObjectIDFromHex(ownerID)
	if err != nil {
		return fmt.Errorf("malformed owner id %q: %w", ownerID, err)
	}

	return ps.RegisterResource(ctx, models.Resource{Type: rtype, ID: resourceID}, owner)
}

// HandleResourceAttached implements the consumer callback for project
// attachment events. An empty actor means a trusted service-side attach;
// otherwise the actor's project role is enforced.
func (ps *PermissionService) HandleResourceAttached(ctx context.Context, projectID, resourceType, resourceID, actorID string) error {
	rtype, ok := parseResourceType(resourceType)
	if !ok {
		return fmt.Errorf("unknown resource type %q", resourceType)
	}
	resource := models.Resource{Type: rtype, ID: resourceID}

	if actorID != "" {
		actor, err := bson.ObjectIDFromHex(actorID)
		if err != nil {
			return fmt.Errorf("malformed actor id %q: %w", actorID, err)
		}
		return ps.AttachToProject(ctx, projectID, resource, actor)
	}

	ps.resourceLocks.Lock(lockKey(resource))
	defer ps.resourceLocks.Unlock(lockKey(resource))

	exists, err := ps.grants.HasAny(ctx, models.ResourceProject, projectID)
	if err != nil {
		return err
	}
	if !exists {
		return ErrResourceNotFound
	}

	_, err = ps.attachments.Attach(ctx, &models.ProjectResource{
		ProjectID:    projectID,
		ResourceType: resource.Type,
		ResourceID:   resource.ID,
	})
	if err != nil {
		return err
	}

	ps.audit(ctx, events.ResourceAttached, resource, "", "", "")
	return nil
}

func parseResourceType(s string) (models.ResourceType, bool) {
	switch models.ResourceType(s) {
	case models.ResourceConversation, models.ResourceProject:
		return models.ResourceType(s), true
	}
	return "", false
}
