package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chi_middleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/aradsms/email_gateway/internal/email_delivery_service/app"
	"github.com/aradsms/email_gateway/internal/email_delivery_service/domain"
	"github.com/aradsms/email_gateway/internal/email_delivery_service/middleware"
)

// EmailSender is the send pipeline.
type EmailSender interface {
	Send(ctx context.Context, req app.SendRequest) (*app.SendResult, error)
}

// RecordReporter answers reporting queries.
type RecordReporter interface {
	ListRecords(ctx context.Context, filter domain.ReportFilter) ([]*domain.DeliveryRecord, error)
	GetRecord(ctx context.Context, id uuid.UUID, tenantID *uuid.UUID) (*domain.DeliveryRecord, error)
}

// EmailHandler serves the tenant-facing send, admission and reporting endpoints.
type EmailHandler struct {
	sender   EmailSender
	admitter app.Admitter
	reporter RecordReporter
	logger   *slog.Logger
	validate *validator.Validate
}

func NewEmailHandler(sender EmailSender, admitter app.Admitter, reporter RecordReporter, validate *validator.Validate, logger *slog.Logger) *EmailHandler {
	return &EmailHandler{
		sender:   sender,
		admitter: admitter,
		reporter: reporter,
		logger:   logger.With("handler", "email"),
		validate: validate,
	}
}

// HandleSend handles POST /api/v1/emails. Tenant callers send in their own scope; a platform
// admin without a tenant sends GLOBAL mail.
func (h *EmailHandler) HandleSend(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.logger.With("request_id", chi_middleware.GetReqID(ctx))
	principal, ok := middleware.PrincipalFromContext(ctx)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized", "")
		return
	}

	var req SendEmailRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON format", err.Error())
		return
	}
	defer r.Body.Close()
	if err := h.validate.StructCtx(ctx, req); err != nil {
		writeError(w, http.StatusBadRequest, "Validation failed", err.Error())
		return
	}

	res, err := h.sender.Send(ctx, app.SendRequest{
		TenantID:   principal.TenantID,
		Product:    req.Product,
		RuleID:     req.RuleID,
		TemplateID: req.TemplateID,
		Provider:   req.Provider,
		From:       req.From,
		To:         req.To,
		Subject:    req.Subject,
		HTMLBody:   req.HTMLBody,
		TextBody:   req.TextBody,
		Headers:    req.Headers,
		Priority:   req.Priority,
	})
	switch {
	case errors.Is(err, domain.ErrProviderNotFound):
		writeError(w, http.StatusBadRequest, "Unknown email provider", req.Provider)
		return
	case errors.Is(err, domain.ErrInvalidScope), errors.Is(err, domain.ErrMissingAddress):
		writeError(w, http.StatusBadRequest, "Invalid send request", err.Error())
		return
	case err != nil:
		logger.ErrorContext(ctx, "Send failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to send email", "")
		return
	}

	writeJSON(w, sendStatus(res), res)
}

func sendStatus(res *app.SendResult) int {
	switch {
	case !res.Admission.Allowed:
		return admissionStatus(res.Admission.Reason)
	case res.Status == domain.StatusFailed:
		return http.StatusBadGateway
	case res.NextAttemptAt != nil:
		return http.StatusAccepted
	default:
		return http.StatusOK
	}
}

// admissionStatus maps quota and rate denials to 429 and every other denial to 403.
func admissionStatus(reason string) int {
	switch reason {
	case domain.ReasonDailyLimit, domain.ReasonMonthlyLimit, domain.ReasonMinuteRateExceeded,
		domain.ReasonHourlyRateExceeded, domain.ReasonProviderDailyLimit:
		return http.StatusTooManyRequests
	}
	return http.StatusForbidden
}

// HandleAdmission handles GET /api/v1/admission.
func (h *EmailHandler) HandleAdmission(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID, ok := h.resolveTenant(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	d, err := h.admitter.CanSend(ctx, tenantID, q.Get("provider"), q.Get("tenant_provider"))
	if err != nil {
		h.logger.ErrorContext(ctx, "Admission check failed", "error", err, "tenant_id", tenantID)
		writeError(w, http.StatusInternalServerError, "Admission check failed", "")
		return
	}
	writeJSON(w, http.StatusOK, AdmissionResponse{TenantID: tenantID, Allowed: d.Allowed, Reason: d.Reason})
}

// resolveTenant returns the caller's tenant, or the tenant_id query parameter for platform admins.
func (h *EmailHandler) resolveTenant(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	principal, ok := middleware.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized", "")
		return uuid.Nil, false
	}
	if raw := r.URL.Query().Get("tenant_id"); raw != "" && principal.IsPlatformAdmin {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid tenant_id", "")
			return uuid.Nil, false
		}
		return id, true
	}
	if principal.TenantID == nil {
		writeError(w, http.StatusBadRequest, "tenant_id is required", "")
		return uuid.Nil, false
	}
	return *principal.TenantID, true
}

// HandleListRecords handles GET /api/v1/delivery-records. Widening the scope to GLOBAL or
// COMBINED requires the platform admin claim.
func (h *EmailHandler) HandleListRecords(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	principal, ok := middleware.PrincipalFromContext(ctx)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized", "")
		return
	}

	filter, err := parseReportFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid filter", err.Error())
		return
	}
	if filter.Scope != domain.ReportScopeTenant && !principal.IsPlatformAdmin {
		writeError(w, http.StatusForbidden, "Forbidden: scope widening requires platform administrator access", "")
		return
	}
	if !principal.IsPlatformAdmin || filter.TenantID == nil {
		filter.TenantID = principal.TenantID
	}

	if err := filter.Normalize(); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid filter", err.Error())
		return
	}

	records, err := h.reporter.ListRecords(ctx, filter)
	if err != nil {
		h.logger.ErrorContext(ctx, "Listing delivery records failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to list delivery records", "")
		return
	}
	if records == nil {
		records = []*domain.DeliveryRecord{}
	}
	writeJSON(w, http.StatusOK, DeliveryRecordListResponse{Records: records, Limit: filter.Limit, Offset: filter.Offset})
}

// HandleGetRecord handles GET /api/v1/delivery-records/{record_id}.
func (h *EmailHandler) HandleGetRecord(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	principal, ok := middleware.PrincipalFromContext(ctx)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized", "")
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "record_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid record id", "")
		return
	}
	scope := principal.TenantID
	if principal.IsPlatformAdmin {
		scope = nil
	}
	rec, err := h.reporter.GetRecord(ctx, id, scope)
	if errors.Is(err, domain.ErrDeliveryRecordNotFound) {
		writeError(w, http.StatusNotFound, "Delivery record not found", "")
		return
	}
	if err != nil {
		h.logger.ErrorContext(ctx, "Loading delivery record failed", "error", err, "record_id", id)
		writeError(w, http.StatusInternalServerError, "Failed to load delivery record", "")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func parseReportFilter(r *http.Request) (domain.ReportFilter, error) {
	q := r.URL.Query()
	var f domain.ReportFilter
	var err error

	if f.Scope, err = domain.ParseReportScope(q.Get("scope")); err != nil {
		return f, err
	}
	f.Reason = strings.TrimSpace(q.Get("reason"))
	f.Product = strings.TrimSpace(q.Get("product"))
	if raw := q.Get("status"); raw != "" {
		st, err := domain.ParseDeliveryStatus(raw)
		if err != nil {
			return f, err
		}
		f.Status = &st
	}
	if f.RuleID, err = optionalUUID(q.Get("rule_id")); err != nil {
		return f, errors.New("invalid rule_id")
	}
	if f.TenantID, err = optionalUUID(q.Get("tenant_id")); err != nil {
		return f, errors.New("invalid tenant_id")
	}
	if f.From, err = optionalTime(q.Get("from")); err != nil {
		return f, errors.New("invalid from, expected RFC3339")
	}
	if f.To, err = optionalTime(q.Get("to")); err != nil {
		return f, errors.New("invalid to, expected RFC3339")
	}
	if f.Limit, err = optionalInt(q.Get("limit")); err != nil {
		return f, errors.New("invalid limit")
	}
	if f.Offset, err = optionalInt(q.Get("offset")); err != nil {
		return f, errors.New("invalid offset")
	}
	return f, nil
}

func optionalUUID(raw string) (*uuid.UUID, error) {
	if raw == "" {
		return nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

func optionalTime(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, err
	}
	t = t.UTC()
	return &t, nil
}

func optionalInt(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}
