package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aradsms/email_gateway/internal/email_delivery_service/domain"
	"github.com/aradsms/email_gateway/internal/platform/messagebroker"
)

// TenantCreatedEvent is published by the tenant service when a tenant is created.
type TenantCreatedEvent struct {
	TenantID uuid.UUID `json:"tenant_id"`
	PlanTier string    `json:"plan_tier,omitempty"`
}

// Provisioner creates and administers tenant email configurations.
type Provisioner struct {
	configs domain.TenantConfigRepository
	logger  *slog.Logger
	now     func() time.Time
}

func NewProvisioner(configs domain.TenantConfigRepository, logger *slog.Logger) *Provisioner {
	return &Provisioner{
		configs: configs,
		logger:  logger.With("service", "provisioner"),
		now:     time.Now,
	}
}

// ProvisionTenant creates the configuration for tenantID with plan defaults. An existing
// configuration is returned unchanged with created=false.
func (p *Provisioner) ProvisionTenant(ctx context.Context, tenantID uuid.UUID, plan domain.PlanTier) (*domain.TenantEmailConfig, bool, error) {
	if tenantID == uuid.Nil {
		return nil, false, errors.New("tenant id is required")
	}
	existing, err := p.configs.Get(ctx, tenantID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, domain.ErrTenantConfigNotFound) {
		return nil, false, fmt.Errorf("load tenant config: %w", err)
	}

	cfg, err := domain.NewTenantEmailConfig(tenantID, plan, p.now())
	if err != nil {
		return nil, false, err
	}
	if err := p.configs.Create(ctx, cfg); err != nil {
		// Lost a race against another provisioner; the winner's row stands.
		if existing, getErr := p.configs.Get(ctx, tenantID); getErr == nil {
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("create tenant config: %w", err)
	}
	p.logger.InfoContext(ctx, "Provisioned tenant email configuration", "tenant_id", tenantID, "plan_tier", plan)
	return cfg, true, nil
}

// SetActivation changes the platform and/or tenant activation switches; nil leaves a switch as is.
func (p *Provisioner) SetActivation(ctx context.Context, tenantID uuid.UUID, root, tenant *bool) (*domain.TenantEmailConfig, error) {
	return p.configs.UpdateLocked(ctx, tenantID, func(cfg *domain.TenantEmailConfig) error {
		if root != nil {
			cfg.RootActivated = *root
		}
		if tenant != nil {
			cfg.TenantActivated = *tenant
		}
		cfg.UpdatedAt = p.now().UTC()
		return nil
	})
}

// Suspend blocks sending for the tenant until Resume is called.
func (p *Provisioner) Suspend(ctx context.Context, tenantID uuid.UUID, reason string) (*domain.TenantEmailConfig, error) {
	cfg, err := p.configs.UpdateLocked(ctx, tenantID, func(cfg *domain.TenantEmailConfig) error {
		cfg.IsSuspended = true
		cfg.SuspensionReason = strings.TrimSpace(reason)
		cfg.UpdatedAt = p.now().UTC()
		return nil
	})
	if err == nil {
		p.logger.WarnContext(ctx, "Tenant email sending suspended", "tenant_id", tenantID, "reason", reason)
	}
	return cfg, err
}

func (p *Provisioner) Resume(ctx context.Context, tenantID uuid.UUID) (*domain.TenantEmailConfig, error) {
	return p.configs.UpdateLocked(ctx, tenantID, func(cfg *domain.TenantEmailConfig) error {
		cfg.IsSuspended = false
		cfg.SuspensionReason = ""
		cfg.UpdatedAt = p.now().UTC()
		return nil
	})
}

// SubscribeTenantCreated provisions tenants announced on subject.
func (p *Provisioner) SubscribeTenantCreated(ctx context.Context, nc messagebroker.NATSClient, subject, queueGroup string) (messagebroker.Subscription, error) {
	return nc.SubscribeToSubjectWithQueue(ctx, subject, queueGroup, func(msg messagebroker.Message) {
		p.handleTenantCreated(ctx, msg)
	})
}

func (p *Provisioner) handleTenantCreated(ctx context.Context, msg messagebroker.Message) {
	var evt TenantCreatedEvent
	if err := json.Unmarshal(msg.Data, &evt); err != nil {
		p.logger.ErrorContext(ctx, "Failed to unmarshal tenant created event", "error", err, "subject", msg.Subject)
		return
	}
	plan := domain.PlanFree
	if evt.PlanTier != "" {
		plan = domain.PlanTier(strings.ToUpper(evt.PlanTier))
	}

	jobCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, _, err := p.ProvisionTenant(jobCtx, evt.TenantID, plan); err != nil {
		p.logger.ErrorContext(jobCtx, "Failed to provision tenant", "error", err, "tenant_id", evt.TenantID, "plan_tier", plan)
	}
}
