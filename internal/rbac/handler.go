package rbac

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/odyssey-acl/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-acl/internal/security"
)

// VersionBumper invalidates every cached permission set at once.
type VersionBumper interface {
	BumpVersion(ctx context.Context) error
}

// Handler exposes the admin API for roles, permissions, overrides and blocks.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	guard     security.Middleware
	bumper    VersionBumper
	validator *validator.Validate
}

// NewHandler builds Handler instance. bumper may be nil when no cache is configured.
func NewHandler(logger *slog.Logger, service *Service, guard security.Middleware, bumper VersionBumper) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, guard: guard, bumper: bumper, validator: validator.New()}
}

// MountRoutes registers the admin routes. Every route requires security.manage.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.guard.RequireAll(security.AbilitySecurityManage))

		r.Get("/roles", h.listRoles)
		r.Post("/roles", h.createRole)
		r.Delete("/roles/{roleID}", h.deleteRole)
		r.Put("/roles/{roleID}/permissions", h.setRolePermissions)

		r.Get("/permissions", h.listPermissions)
		r.Post("/permissions", h.ensurePermission)
		r.Put("/permissions/{permissionID}/limit", h.setLimit)
		r.Delete("/permissions/{permissionID}/limit", h.clearLimit)

		r.Post("/users/{userID}/roles", h.assignRole)
		r.Delete("/users/{userID}/roles/{roleID}", h.removeRole)
		r.Put("/users/{userID}/overrides/{permissionID}", h.setOverride)
		r.Delete("/users/{userID}/overrides/{permissionID}", h.clearOverride)
		r.Put("/users/{userID}/block", h.blockUser)
		r.Delete("/users/{userID}/block", h.unblockUser)

		r.Post("/cache/flush", h.flushCache)
	})
}

type createRoleRequest struct {
	Name        string `json:"name" validate:"required,max=120"`
	Description string `json:"description" validate:"max=500"`
}

type rolePermissionsRequest struct {
	PermissionIDs []int64 `json:"permission_ids" validate:"dive,gt=0"`
}

type permissionRequest struct {
	Ability       string `json:"ability" validate:"required,max=190"`
	Description   string `json:"description" validate:"max=500"`
	RequiresOwner bool   `json:"requires_owner"`
	TenantScoped  bool   `json:"tenant_scoped"`
}

type limitRequest struct {
	Type  string `json:"type" validate:"required,oneof=monthly_count"`
	Value int64  `json:"value" validate:"gte=0"`
}

type assignRoleRequest struct {
	RoleID int64 `json:"role_id" validate:"required,gt=0"`
}

type overrideRequest struct {
	Allowed *bool `json:"allowed" validate:"required"`
}

type blockRequest struct {
	Until  *time.Time `json:"until"`
	Reason string     `json:"reason" validate:"max=500"`
}

func (h *Handler) listRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.service.ListRoles(r.Context())
	if err != nil {
		h.fail(w, "list roles", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"roles": nonNil(roles)})
}

func (h *Handler) createRole(w http.ResponseWriter, r *http.Request) {
	var req createRoleRequest
	if !h.decode(w, r, &req) {
		return
	}
	role, err := h.service.CreateRole(r.Context(), req.Name, req.Description)
	if err != nil {
		h.fail(w, "create role", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, role)
}

func (h *Handler) deleteRole(w http.ResponseWriter, r *http.Request) {
	roleID, ok := pathID(w, r, "roleID")
	if !ok {
		return
	}
	if err := h.service.DeleteRole(r.Context(), roleID); err != nil {
		h.fail(w, "delete role", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) setRolePermissions(w http.ResponseWriter, r *http.Request) {
	roleID, ok := pathID(w, r, "roleID")
	if !ok {
		return
	}
	var req rolePermissionsRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.service.SetRolePermissions(r.Context(), roleID, req.PermissionIDs); err != nil {
		h.fail(w, "set role permissions", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listPermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := h.service.ListPermissions(r.Context())
	if err != nil {
		h.fail(w, "list permissions", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"permissions": nonNil(perms)})
}

func (h *Handler) ensurePermission(w http.ResponseWriter, r *http.Request) {
	var req permissionRequest
	if !h.decode(w, r, &req) {
		return
	}
	perm, err := h.service.EnsurePermission(r.Context(), Permission{
		Ability:       req.Ability,
		Description:   req.Description,
		RequiresOwner: req.RequiresOwner,
		TenantScoped:  req.TenantScoped,
	})
	if err != nil {
		h.fail(w, "ensure permission", err)
		return
	}
	httpx.JSON(w, http.StatusOK, perm)
}

func (h *Handler) setLimit(w http.ResponseWriter, r *http.Request) {
	permissionID, ok := pathID(w, r, "permissionID")
	if !ok {
		return
	}
	var req limitRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.service.SetLimit(r.Context(), Limit{PermissionID: permissionID, Type: req.Type, Value: req.Value}); err != nil {
		h.fail(w, "set limit", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) clearLimit(w http.ResponseWriter, r *http.Request) {
	permissionID, ok := pathID(w, r, "permissionID")
	if !ok {
		return
	}
	if err := h.service.ClearLimit(r.Context(), permissionID); err != nil {
		h.fail(w, "clear limit", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) assignRole(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "userID")
	if !ok {
		return
	}
	var req assignRoleRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.service.AssignRole(r.Context(), userID, req.RoleID); err != nil {
		h.fail(w, "assign role", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) removeRole(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "userID")
	if !ok {
		return
	}
	roleID, ok := pathID(w, r, "roleID")
	if !ok {
		return
	}
	if err := h.service.RemoveRole(r.Context(), userID, roleID); err != nil {
		h.fail(w, "remove role", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) setOverride(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "userID")
	if !ok {
		return
	}
	permissionID, ok := pathID(w, r, "permissionID")
	if !ok {
		return
	}
	var req overrideRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.service.SetOverride(r.Context(), userID, permissionID, *req.Allowed); err != nil {
		h.fail(w, "set override", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) clearOverride(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "userID")
	if !ok {
		return
	}
	permissionID, ok := pathID(w, r, "permissionID")
	if !ok {
		return
	}
	if err := h.service.ClearOverride(r.Context(), userID, permissionID); err != nil {
		h.fail(w, "clear override", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) blockUser(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "userID")
	if !ok {
		return
	}
	var req blockRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.service.BlockUser(r.Context(), Block{UserID: userID, Until: req.Until, Reason: req.Reason}); err != nil {
		h.fail(w, "block user", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) unblockUser(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "userID")
	if !ok {
		return
	}
	if err := h.service.UnblockUser(r.Context(), userID); err != nil {
		h.fail(w, "unblock user", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) flushCache(w http.ResponseWriter, r *http.Request) {
	if h.bumper == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err := h.bumper.BumpVersion(r.Context()); err != nil {
		h.fail(w, "flush cache", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(r, target); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed request body")
		return false
	}
	if err := h.validator.Struct(target); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return false
	}
	return true
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrDuplicate), errors.Is(err, ErrInvalid):
		httpx.RespondError(w, err)
	case errors.Is(err, security.ErrServiceUnavailable):
		h.logger.Error("rbac "+op, slog.Any("error", err))
		httpx.RespondError(w, httpx.ErrUnavailable)
	default:
		h.logger.Error("rbac "+op, slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid "+name)
		return 0, false
	}
	return id, true
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
