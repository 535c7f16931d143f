package handlers

import (
	"errors"
	"log"

	"access_service/internal/models"
	"access_service/internal/service"

	"github.com/gofiber/fiber/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.mongodb.org/mongo-driver/v2/bson"
)

var (
	// Counter for grant ledger mutations
	grantOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "access_grant_operations_total",
			Help: "Total number of grant ledger operations",
		},
		[]string{"operation", "status"}, // operation: grant/revoke/role/resource/attach
	)

	// Counter for authorization checks
	authorizeChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "access_authorize_checks_total",
			Help: "Total number of authorization checks",
		},
		[]string{"result"}, // allowed/denied
	)
)

type ShareHandler struct {
	permissionService *service.PermissionService
	credentialService *service.CredentialService
}

func NewShareHandler(permissionService *service.PermissionService, credentialService *service.CredentialService) *ShareHandler {
	return &ShareHandler{
		permissionService: permissionService,
		credentialService: credentialService,
	}
}

func (h *ShareHandler) RegisterRoutes(app *fiber.App, requireSession fiber.Handler) {
	shareGroup := app.Group("/protected/share", requireSession)

	shareGroup.Post("/resource", h.RegisterResource)
	shareGroup.Post("/attach", h.AttachToProject)
	shareGroup.Post("/grant", h.Grant)
	shareGroup.Post("/revoke", h.Revoke)
	shareGroup.Post("/role", h.ChangeRole)
	shareGroup.Get("/check", h.Check)
	shareGroup.Get("/grants", h.ListGrants)
}

func actorID(c fiber.Ctx) (bson.ObjectID, error) {
	session := c.Locals("session").(*models.Session)
	return bson.ObjectIDFromHex(session.UserID)
}

func parseResource(resourceType, resourceID string) (models.Resource, bool) {
	switch models.ResourceType(resourceType) {
	case models.ResourceConversation, models.ResourceProject:
	default:
		return models.Resource{}, false
	}
	if resourceID == "" {
		return models.Resource{}, false
	}
	return models.Resource{Type: models.ResourceType(resourceType), ID: resourceID}, true
}

// deniedResponse is the single shape unauthorized callers see. Denied and
// nonexistent resolve to the same body so probing cannot tell resources
// apart.
func deniedResponse(c fiber.Ctx) error {
	return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
		"error": "Resource not found",
	})
}

func (h *ShareHandler) ledgerError(c fiber.Ctx, operation string, err error) error {
	switch {
	case errors.Is(err, service.ErrPermissionDenied), errors.Is(err, service.ErrResourceNotFound):
		grantOperations.WithLabelValues(operation, "denied").Inc()
		return deniedResponse(c)
	case errors.Is(err, service.ErrRoleImmutable):
		grantOperations.WithLabelValues(operation, "failure").Inc()
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Owner role cannot be granted, changed, or revoked",
		})
	}
	grantOperations.WithLabelValues(operation, "failure").Inc()
	log.Printf("Error in share %s: %s", operation, err)
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"error": err.Error(),
	})
}

func (h *ShareHandler) RegisterResource(c fiber.Ctx) error {
	var registerRequest struct {
		ResourceType string `json:"resourceType"`
		ResourceID   string `json:"resourceId"`
	}

	if err := c.Bind().Body(&registerRequest); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	resource, ok := parseResource(registerRequest.ResourceType, registerRequest.ResourceID)
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Valid resource type and id are required",
		})
	}

	owner, err := actorID(c)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Service Error",
		})
	}

	if err := h.permissionService.RegisterResource(c.Context(), resource, owner); err != nil {
		return h.ledgerError(c, "resource", err)
	}

	grantOperations.WithLabelValues("resource", "success").Inc()
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"message": "Resource registered",
		"data": fiber.Map{
			"resourceType": resource.Type,
			"resourceId":   resource.ID,
			"role":         models.RoleOwner,
		},
	})
}

func (h *ShareHandler) AttachToProject(c fiber.Ctx) error {
	var attachRequest struct {
		ProjectID    string `json:"projectId"`
		ResourceType string `json:"resourceType"`
		ResourceID   string `json:"resourceId"`
	}

	if err := c.Bind().Body(&attachRequest); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	resource, ok := parseResource(attachRequest.ResourceType, attachRequest.ResourceID)
	if !ok || attachRequest.ProjectID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Project id, resource type, and resource id are required",
		})
	}

	actor, err := actorID(c)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Service Error",
		})
	}

	if err := h.permissionService.AttachToProject(c.Context(), attachRequest.ProjectID, resource, actor); err != nil {
		return h.ledgerError(c, "attach", err)
	}

	grantOperations.WithLabelValues("attach", "success").Inc()
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"message": "Resource attached to project",
	})
}

func (h *ShareHandler) Grant(c fiber.Ctx) error {
	var grantRequest struct {
		ResourceType string `json:"resourceType"`
		ResourceID   string `json:"resourceId"`
		Email        string `json:"email"`
		Role         string `json:"role"`
	}

	if err := c.Bind().Body(&grantRequest); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	resource, ok := parseResource(grantRequest.ResourceType, grantRequest.ResourceID)
	if !ok || grantRequest.Email == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Resource, email, and role are required",
		})
	}

	role, ok := models.ParseRole(grantRequest.Role)
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Unknown role",
		})
	}

	actor, err := actorID(c)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Service Error",
		})
	}

	// Grants are invite-only: the principal must resolve to a known
	// account. There is no link-based access to hand out.
	principal, err := h.credentialService.FindByEmail(c.Context(), grantRequest.Email)
	if err != nil {
		log.Printf("Error resolving principal %s: %s", grantRequest.Email, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Service Error",
		})
	}
	if principal == nil || !principal.IsActive {
		grantOperations.WithLabelValues("grant", "failure").Inc()
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "No account with that email",
		})
	}

	if err := h.permissionService.Grant(c.Context(), resource, principal.ID, role, actor); err != nil {
		return h.ledgerError(c, "grant", err)
	}

	grantOperations.WithLabelValues("grant", "success").Inc()
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"message": "Grant created",
		"data": fiber.Map{
			"principalId": principal.ID.Hex(),
			"role":        role,
		},
	})
}

func (h *ShareHandler) Revoke(c fiber.Ctx) error {
	var revokeRequest struct {
		ResourceType string `json:"resourceType"`
		ResourceID   string `json:"resourceId"`
		PrincipalID  string `json:"principalId"`
	}

	if err := c.Bind().Body(&revokeRequest); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	resource, ok := parseResource(revokeRequest.ResourceType, revokeRequest.ResourceID)
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Valid resource type and id are required",
		})
	}

	principal, err := bson.ObjectIDFromHex(revokeRequest.PrincipalID)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Valid principal id is required",
		})
	}

	actor, err := actorID(c)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Service Error",
		})
	}

	if err := h.permissionService.Revoke(c.Context(), resource, principal, actor); err != nil {
		return h.ledgerError(c, "revoke", err)
	}

	grantOperations.WithLabelValues("revoke", "success").Inc()
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"message": "Grant revoked",
	})
}

func (h *ShareHandler) ChangeRole(c fiber.Ctx) error {
	var roleRequest struct {
		ResourceType string `json:"resourceType"`
		ResourceID   string `json:"resourceId"`
		PrincipalID  string `json:"principalId"`
		Role         string `json:"role"`
	}

	if err := c.Bind().Body(&roleRequest); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	resource, ok := parseResource(roleRequest.ResourceType, roleRequest.ResourceID)
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Valid resource type and id are required",
		})
	}

	role, ok := models.ParseRole(roleRequest.Role)
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Unknown role",
		})
	}

	principal, err := bson.ObjectIDFromHex(roleRequest.PrincipalID)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Valid principal id is required",
		})
	}

	actor, err := actorID(c)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Service Error",
		})
	}

	if err := h.permissionService.ChangeRole(c.Context(), resource, principal, role, actor); err != nil {
		return h.ledgerError(c, "role", err)
	}

	grantOperations.WithLabelValues("role", "success").Inc()
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"message": "Role updated",
		"data": fiber.Map{
			"principalId": principal.Hex(),
			"role":        role,
		},
	})
}

func (h *ShareHandler) Check(c fiber.Ctx) error {
	resource, ok := parseResource(c.Query("resourceType"), c.Query("resourceId"))
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Valid resource type and id are required",
		})
	}

	role, ok := models.ParseRole(c.Query("role", string(models.RoleViewer)))
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Unknown role",
		})
	}

	principal, err := actorID(c)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Service Error",
		})
	}

	if err := h.permissionService.CheckAccess(c.Context(), resource, principal, role); err != nil {
		if errors.Is(err, service.ErrPermissionDenied) || errors.Is(err, service.ErrResourceNotFound) {
			authorizeChecks.WithLabelValues("denied").Inc()
			return deniedResponse(c)
		}
		log.Printf("Error checking access on %s/%s: %s", resource.Type, resource.ID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Service Error",
		})
	}

	authorizeChecks.WithLabelValues("allowed").Inc()
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"data": fiber.Map{
			"allowed": true,
			"role":    role,
		},
	})
}

// ListGrants shows who holds access to a resource. Reading the grant list
// is itself gated on editor.
func (h *ShareHandler) ListGrants(c fiber.Ctx) error {
	resource, ok := parseResource(c.Query("resourceType"), c.Query("resourceId"))
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Valid resource type and id are required",
		})
	}

	principal, err := actorID(c)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Service Error",
		})
	}

	if err := h.permissionService.CheckAccess(c.Context(), resource, principal, models.RoleEditor); err != nil {
		if errors.Is(err, service.ErrPermissionDenied) || errors.Is(err, service.ErrResourceNotFound) {
			return deniedResponse(c)
		}
		log.Printf("Error checking access on %s/%s: %s", resource.Type, resource.ID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Service Error",
		})
	}

	grants, err := h.permissionService.GrantsOn(c.Context(), resource)
	if err != nil {
		log.Printf("Error listing grants on %s/%s: %s", resource.Type, resource.ID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Service Error",
		})
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"data": fiber.Map{
			"grants": grants,
		},
	})
}
