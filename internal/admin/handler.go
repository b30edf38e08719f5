// Package admin exposes the access control matrix management API.
package admin

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/vergecare/vergegate/internal/platform/httpx"
	"github.com/vergecare/vergegate/internal/policy"
	"github.com/vergecare/vergegate/internal/shared"
)

// MatrixStore is the policy store contract consumed by the admin surface.
type MatrixStore interface {
	ListRoles() ([]policy.Role, error)
	ListPermissions() ([]policy.Permission, error)
	GetRolePermissions(roleID int64) ([]policy.RolePermission, error)
	SetRolePermission(ctx context.Context, roleID int64, permissionKey string, scope policy.Scope) error
	CreateRole(ctx context.Context, name string) (policy.Role, error)
	DeleteRole(ctx context.Context, roleID int64) error
}

// Evaluator authorizes admin operations through the engine itself, so matrix
// changes are governed and audited by the same rules as everything else.
type Evaluator interface {
	Evaluate(ctx context.Context, principal policy.Principal, resource policy.Resource, action string) (policy.Decision, error)
}

// Handler manages the role × permission × scope matrix.
type Handler struct {
	logger    *slog.Logger
	store     MatrixStore
	engine    Evaluator
	validator *validator.Validate
}

// NewHandler builds a Handler instance.
func NewHandler(logger *slog.Logger, store MatrixStore, engine Evaluator) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, store: store, engine: engine, validator: validator.New()}
}

// MountRoutes registers matrix routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/roles", h.listRoles)
	r.Post("/roles", h.createRole)
	r.Delete("/roles/{roleID}", h.deleteRole)
	r.Get("/roles/{roleID}/permissions", h.getRolePermissions)
	r.Put("/roles/{roleID}/permissions/{permissionKey}", h.setRolePermission)
	r.Get("/permissions", h.listPermissions)
}

type roleResponse struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	IsSystem bool   `json:"isSystem"`
}

type permissionResponse struct {
	ID       int64  `json:"id"`
	Key      string `json:"key"`
	Category string `json:"category"`
	Level    string `json:"level"`
}

type grantResponse struct {
	RoleID        int64  `json:"roleId"`
	PermissionKey string `json:"permissionKey"`
	Scope         string `json:"scope"`
}

type createRoleRequest struct {
	Name string `json:"name" validate:"required,min=2,max=64"`
}

type setScopeRequest struct {
	Scope string `json:"scope" validate:"required,oneof=all dependent own none"`
}

func (h *Handler) listRoles(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r, policy.Resource{Kind: "role", ID: "catalog"}, "read") {
		return
	}
	roles, err := h.store.ListRoles()
	if err != nil {
		h.respondStoreError(w, err)
		return
	}
	out := make([]roleResponse, 0, len(roles))
	for _, role := range roles {
		out = append(out, roleResponse{ID: role.ID, Name: role.Name, IsSystem: role.IsSystem})
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) createRole(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r, policy.Resource{Kind: "role", ID: "catalog"}, "manage") {
		return
	}
	var req createRoleRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	role, err := h.store.CreateRole(r.Context(), req.Name)
	if err != nil {
		h.respondStoreError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, roleResponse{ID: role.ID, Name: role.Name, IsSystem: role.IsSystem})
}

func (h *Handler) deleteRole(w http.ResponseWriter, r *http.Request) {
	roleID, ok := h.roleID(w, r)
	if !ok {
		return
	}
	if !h.authorize(w, r, policy.Resource{Kind: "role", ID: strconv.FormatInt(roleID, 10)}, "manage") {
		return
	}
	if err := h.store.DeleteRole(r.Context(), roleID); err != nil {
		h.respondStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) getRolePermissions(w http.ResponseWriter, r *http.Request) {
	roleID, ok := h.roleID(w, r)
	if !ok {
		return
	}
	if !h.authorize(w, r, policy.Resource{Kind: "permission", ID: strconv.FormatInt(roleID, 10)}, "read") {
		return
	}
	grants, err := h.store.GetRolePermissions(roleID)
	if err != nil {
		h.respondStoreError(w, err)
		return
	}
	out := make([]grantResponse, 0, len(grants))
	for _, grant := range grants {
		out = append(out, grantResponse{RoleID: grant.RoleID, PermissionKey: grant.PermissionKey, Scope: string(grant.Scope)})
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) setRolePermission(w http.ResponseWriter, r *http.Request) {
	roleID, ok := h.roleID(w, r)
	if !ok {
		return
	}
	permissionKey := chi.URLParam(r, "permissionKey")
	// Authorizing through the engine also writes the required audit record
	// for the mutation: action=update, resource kind=rolePermission.
	resource := policy.Resource{Kind: "rolePermission", ID: strconv.FormatInt(roleID, 10) + ":" + permissionKey}
	if !h.authorize(w, r, resource, "update") {
		return
	}
	var req setScopeRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	if err := h.store.SetRolePermission(r.Context(), roleID, permissionKey, policy.Scope(req.Scope)); err != nil {
		h.respondStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listPermissions(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r, policy.Resource{Kind: "permission", ID: "catalog"}, "read") {
		return
	}
	perms, err := h.store.ListPermissions()
	if err != nil {
		h.respondStoreError(w, err)
		return
	}
	out := make([]permissionResponse, 0, len(perms))
	for _, perm := range perms {
		out = append(out, permissionResponse{ID: perm.ID, Key: perm.Key, Category: perm.Category, Level: perm.Level})
	}
	httpx.JSON(w, http.StatusOK, out)
}

// authorize evaluates the guarding permission for the session principal and
// writes the HTTP error when access is denied.
func (h *Handler) authorize(w http.ResponseWriter, r *http.Request, resource policy.Resource, action string) bool {
	principalID, roles, err := shared.AuthenticatedPrincipal(r.Context())
	if err != nil {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "authentication required")
		return false
	}
	principal := policy.Principal{ID: principalID, Roles: roles}
	decision, err := h.engine.Evaluate(r.Context(), principal, resource, action)
	if err != nil {
		h.logger.Error("admin authorize", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return false
	}
	if !decision.Allowed {
		httpx.Problem(w, http.StatusForbidden, "Forbidden", decision.Reason)
		return false
	}
	return true
}

func (h *Handler) roleID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "roleID"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid role id")
		return 0, false
	}
	return id, true
}

func (h *Handler) respondStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, policy.ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, policy.ErrImmutableRole):
		httpx.Problem(w, http.StatusConflict, "Immutable Role", err.Error())
	case errors.Is(err, policy.ErrInvalidScope), errors.Is(err, policy.ErrInvalidRequest):
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", err.Error())
	case errors.Is(err, policy.ErrPolicyUnavailable):
		httpx.Problem(w, http.StatusServiceUnavailable, "Policy Unavailable", err.Error())
	default:
		h.logger.Error("matrix store", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
