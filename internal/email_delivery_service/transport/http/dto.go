package http

import (
	"github.com/google/uuid"

	"github.com/aradsms/email_gateway/internal/email_delivery_service/domain"
)

// SendEmailRequest is the body of POST /api/v1/emails.
type SendEmailRequest struct {
	Product    string            `json:"product,omitempty" validate:"omitempty,max=100"`
	RuleID     *uuid.UUID        `json:"rule_id,omitempty"`
	TemplateID *uuid.UUID        `json:"template_id,omitempty"`
	Provider   string            `json:"provider,omitempty" validate:"omitempty,max=50"`
	From       string            `json:"from" validate:"required,email"`
	To         string            `json:"to" validate:"required,email"`
	Subject    string            `json:"subject" validate:"required,max=998"`
	HTMLBody   string            `json:"html_body,omitempty" validate:"required_without=TextBody"`
	TextBody   string            `json:"text_body,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	Priority   int               `json:"priority,omitempty" validate:"min=0,max=10"`
}

// AdmissionResponse is returned by GET /api/v1/admission.
type AdmissionResponse struct {
	TenantID uuid.UUID `json:"tenant_id"`
	Allowed  bool      `json:"allowed"`
	Reason   string    `json:"reason"`
}

// DeliveryRecordListResponse wraps a page of records.
type DeliveryRecordListResponse struct {
	Records []*domain.DeliveryRecord `json:"records"`
	Limit   int                      `json:"limit"`
	Offset  int                      `json:"offset"`
}

// ProvisionTenantRequest is the body of POST /api/v1/admin/tenants/{tenant_id}/email-config.
type ProvisionTenantRequest struct {
	PlanTier string `json:"plan_tier" validate:"omitempty,oneof=FREE BASIC PROFESSIONAL ENTERPRISE"`
}

// ActivationRequest changes activation switches; absent fields are left unchanged.
type ActivationRequest struct {
	RootActivated   *bool `json:"root_activated,omitempty"`
	TenantActivated *bool `json:"tenant_activated,omitempty"`
}

// SuspendRequest carries the reason shown in admission denials.
type SuspendRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

// GenericErrorResponse for API errors
type GenericErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
