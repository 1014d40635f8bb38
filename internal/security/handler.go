package security

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/odyssey-acl/internal/platform/httpx"
)

// Consumer performs an authoritative check and records one use on success.
type Consumer interface {
	Consume(ctx context.Context, user User, ability string, c *Context) (bool, error)
}

// Handler exposes the current user's permissions for diagnostics and UI gating.
type Handler struct {
	logger    *slog.Logger
	auth      Authorizer
	consumer  Consumer
	validator *validator.Validate
}

// NewHandler builds Handler instance. consumer may be nil, which disables the usage route.
func NewHandler(logger *slog.Logger, auth Authorizer, consumer Consumer) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, auth: auth, consumer: consumer, validator: validator.New()}
}

// MountRoutes registers the /me routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/permissions", h.listPermissions)
	r.With(httprate.Limit(120, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP))).
		Post("/permissions/check", h.checkPermissions)
	if h.consumer != nil {
		r.Post("/permissions/usage", h.consumePermission)
	}
}

// CheckRequest is the payload of POST /me/permissions/check.
//
// ResourceID, OwnerID and TenantID build the resource Context. Only an uncached
// Authorizer such as Evaluator applies it; a CachedAuthorizer answers by set
// membership and ignores it. Use POST /me/permissions/usage for an
// authoritative, context-aware decision.
type CheckRequest struct {
	Abilities  []string `json:"abilities" validate:"required,min=1,max=100,dive,required,max=190"`
	ResourceID int64    `json:"resource_id" validate:"gte=0"`
	OwnerID    int64    `json:"owner_id" validate:"gte=0"`
	TenantID   int64    `json:"tenant_id" validate:"gte=0"`
}

func (r CheckRequest) context() *Context {
	if r.ResourceID == 0 && r.OwnerID == 0 && r.TenantID == 0 {
		return nil
	}
	return NewResourceContext(r.ResourceID, r.OwnerID, r.TenantID)
}

// UsageRequest is the payload of POST /me/permissions/usage.
type UsageRequest struct {
	Ability    string `json:"ability" validate:"required,max=190"`
	ResourceID int64  `json:"resource_id" validate:"gte=0"`
	OwnerID    int64  `json:"owner_id" validate:"gte=0"`
	TenantID   int64  `json:"tenant_id" validate:"gte=0"`
}

// CheckResponse maps each requested ability to its decision.
type CheckResponse struct {
	Decisions map[string]bool `json:"decisions"`
}

// PermissionsResponse lists the canonical ability set.
type PermissionsResponse struct {
	UserID      int64    `json:"user_id"`
	Permissions []string `json:"permissions"`
}

func (h *Handler) listPermissions(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	perms, err := h.auth.GetPermissionsFor(r.Context(), user)
	if err != nil {
		h.respondFailure(w, "list permissions", err)
		return
	}
	httpx.JSON(w, http.StatusOK, PermissionsResponse{UserID: user.ID, Permissions: perms})
}

func (h *Handler) checkPermissions(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	var req CheckRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed request body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	c := req.context()
	decisions := make(map[string]bool, len(req.Abilities))
	if len(req.Abilities) == 1 {
		allowed, err := h.auth.Check(r.Context(), user, req.Abilities[0], c)
		if err != nil {
			h.respondFailure(w, "check permission", err)
			return
		}
		decisions[req.Abilities[0]] = allowed
	} else {
		var err error
		decisions, err = h.auth.GetPermissionMapFor(r.Context(), user, req.Abilities, c)
		if err != nil {
			h.respondFailure(w, "check permissions", err)
			return
		}
	}
	httpx.JSON(w, http.StatusOK, CheckResponse{Decisions: decisions})
}

func (h *Handler) consumePermission(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	var req UsageRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed request body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	c := CheckRequest{ResourceID: req.ResourceID, OwnerID: req.OwnerID, TenantID: req.TenantID}.context()
	allowed, err := h.consumer.Consume(r.Context(), user, req.Ability, c)
	if err != nil {
		h.respondFailure(w, "consume permission", err)
		return
	}
	if !allowed {
		httpx.RespondError(w, httpx.ErrForbidden)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) respondFailure(w http.ResponseWriter, op string, err error) {
	h.logger.Error("security "+op, slog.Any("error", err))
	if errors.Is(err, ErrServiceUnavailable) {
		httpx.RespondError(w, httpx.ErrUnavailable)
		return
	}
	httpx.RespondError(w, err)
}
