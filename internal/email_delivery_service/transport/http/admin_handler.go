package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/aradsms/email_gateway/internal/email_delivery_service/domain"
)

// TenantAdministrator manages tenant email configurations.
type TenantAdministrator interface {
	ProvisionTenant(ctx context.Context, tenantID uuid.UUID, plan domain.PlanTier) (*domain.TenantEmailConfig, bool, error)
	SetActivation(ctx context.Context, tenantID uuid.UUID, root, tenant *bool) (*domain.TenantEmailConfig, error)
	Suspend(ctx context.Context, tenantID uuid.UUID, reason string) (*domain.TenantEmailConfig, error)
	Resume(ctx context.Context, tenantID uuid.UUID) (*domain.TenantEmailConfig, error)
}

// AdminHandler serves the platform administration endpoints.
type AdminHandler struct {
	admin    TenantAdministrator
	logger   *slog.Logger
	validate *validator.Validate
}

func NewAdminHandler(admin TenantAdministrator, validate *validator.Validate, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{admin: admin, validate: validate, logger: logger.With("handler", "admin")}
}

// HandleProvision handles POST /api/v1/admin/tenants/{tenant_id}/email-config.
// It answers 201 when the configuration was created and 200 when it already existed.
func (h *AdminHandler) HandleProvision(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID, ok := tenantIDParam(w, r)
	if !ok {
		return
	}

	var req ProvisionTenantRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid JSON format", err.Error())
			return
		}
	}
	defer r.Body.Close()
	if err := h.validate.StructCtx(ctx, req); err != nil {
		writeError(w, http.StatusBadRequest, "Validation failed", err.Error())
		return
	}
	plan := domain.PlanTier(req.PlanTier)
	if plan == "" {
		plan = domain.PlanFree
	}

	cfg, created, err := h.admin.ProvisionTenant(ctx, tenantID, plan)
	if err != nil {
		h.respondError(ctx, w, tenantID, "provision", err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, cfg)
}

// HandleActivation handles PATCH /api/v1/admin/tenants/{tenant_id}/email-config/activation.
func (h *AdminHandler) HandleActivation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID, ok := tenantIDParam(w, r)
	if !ok {
		return
	}
	var req ActivationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON format", err.Error())
		return
	}
	defer r.Body.Close()
	if req.RootActivated == nil && req.TenantActivated == nil {
		writeError(w, http.StatusBadRequest, "Validation failed", "root_activated or tenant_activated is required")
		return
	}

	cfg, err := h.admin.SetActivation(ctx, tenantID, req.RootActivated, req.TenantActivated)
	if err != nil {
		h.respondError(ctx, w, tenantID, "activation", err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// HandleSuspend handles POST /api/v1/admin/tenants/{tenant_id}/email-config/suspend.
func (h *AdminHandler) HandleSuspend(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID, ok := tenantIDParam(w, r)
	if !ok {
		return
	}
	var req SuspendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON format", err.Error())
		return
	}
	defer r.Body.Close()
	if err := h.validate.StructCtx(ctx, req); err != nil {
		writeError(w, http.StatusBadRequest, "Validation failed", err.Error())
		return
	}

	cfg, err := h.admin.Suspend(ctx, tenantID, req.Reason)
	if err != nil {
		h.respondError(ctx, w, tenantID, "suspend", err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// HandleResume handles POST /api/v1/admin/tenants/{tenant_id}/email-config/resume.
func (h *AdminHandler) HandleResume(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID, ok := tenantIDParam(w, r)
	if !ok {
		return
	}
	cfg, err := h.admin.Resume(ctx, tenantID)
	if err != nil {
		h.respondError(ctx, w, tenantID, "resume", err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (h *AdminHandler) respondError(ctx context.Context, w http.ResponseWriter, tenantID uuid.UUID, op string, err error) {
	switch {
	case errors.Is(err, domain.ErrTenantConfigNotFound):
		writeError(w, http.StatusNotFound, "Tenant email configuration not found", "")
	case errors.Is(err, domain.ErrUnknownPlanTier):
		writeError(w, http.StatusBadRequest, "Unknown plan tier", "")
	default:
		h.logger.ErrorContext(ctx, "Tenant administration failed", "op", op, "tenant_id", tenantID, "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error", "")
	}
}

func tenantIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "tenant_id"))
	if err != nil || id == uuid.Nil {
		writeError(w, http.StatusBadRequest, "Invalid tenant id", "")
		return uuid.Nil, false
	}
	return id, true
}
