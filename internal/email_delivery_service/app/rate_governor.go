package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aradsms/email_gateway/internal/email_delivery_service/domain"
)

// RateGovernor answers "may this tenant send now?". Denials are values; errors are reserved
// for storage failures.
type RateGovernor struct {
	configs domain.TenantConfigRepository
	limits  domain.RateLimitRepository
	logger  *slog.Logger
	now     func() time.Time
}

func NewRateGovernor(configs domain.TenantConfigRepository, limits domain.RateLimitRepository, logger *slog.Logger) *RateGovernor {
	return &RateGovernor{
		configs: configs,
		limits:  limits,
		logger:  logger.With("service", "rate_governor"),
		now:     time.Now,
	}
}

// CanSend loads the tenant configuration and the optional provider limits and evaluates
// admission. providerRef selects the global provider limit, tenantProviderRef the tenant's
// binding to a provider; either may be empty.
//
// A nested call for a tenant whose evaluation is already in progress on ctx returns
// (true, "OK (reentrant)") without re-reading anything.
func (g *RateGovernor) CanSend(ctx context.Context, tenantID uuid.UUID, providerRef, tenantProviderRef string) (domain.AdmissionDecision, error) {
	if admissionInProgress(ctx, tenantID) {
		return domain.Allow(domain.ReasonReentrant), nil
	}
	ctx = withAdmissionInProgress(ctx, tenantID)

	cfg, err := g.configs.Get(ctx, tenantID)
	if errors.Is(err, domain.ErrTenantConfigNotFound) {
		return g.record(domain.Deny(domain.ReasonTenantNotProvisioned)), nil
	}
	if err != nil {
		return domain.AdmissionDecision{}, fmt.Errorf("load tenant config: %w", err)
	}

	var providerLimit *domain.ProviderLimit
	if providerRef != "" {
		if providerLimit, err = g.limits.GetProviderLimit(ctx, providerRef); err != nil {
			return domain.AdmissionDecision{}, fmt.Errorf("load provider limit %q: %w", providerRef, err)
		}
	}
	var tenantProviderLimit *domain.TenantProviderLimit
	if tenantProviderRef != "" {
		if tenantProviderLimit, err = g.limits.GetTenantProviderLimit(ctx, tenantID, tenantProviderRef); err != nil {
			return domain.AdmissionDecision{}, fmt.Errorf("load tenant provider limit %q: %w", tenantProviderRef, err)
		}
	}

	provider := tenantProviderRef
	if provider == "" {
		provider = providerRef
	}
	d, err := g.Evaluate(ctx, cfg, provider, providerLimit, tenantProviderLimit)
	if err != nil {
		return domain.AdmissionDecision{}, err
	}
	return g.record(d), nil
}

// Evaluate applies the admission checks in their fixed order to an already loaded
// configuration. The first failing check decides. Rate windows are only evaluated when a
// provider is named. cfg is not modified; stale counters are read as zero.
func (g *RateGovernor) Evaluate(ctx context.Context, cfg *domain.TenantEmailConfig, provider string, providerLimit *domain.ProviderLimit, tenantProviderLimit *domain.TenantProviderLimit) (domain.AdmissionDecision, error) {
	current := *cfg
	current.EnsureCurrent(g.now())

	switch {
	case !current.RootActivated:
		return domain.Deny(domain.ReasonNotRootActivated), nil
	case !current.TenantActivated:
		return domain.Deny(domain.ReasonNotTenantActivated), nil
	case current.IsSuspended:
		return domain.Deny(suspendedReason(current.SuspensionReason)), nil
	case current.EmailsSentToday >= current.EmailsPerDay:
		return domain.Deny(domain.ReasonDailyLimit), nil
	case current.EmailsSentThisMonth >= current.EmailsPerMonth:
		return domain.Deny(domain.ReasonMonthlyLimit), nil
	case current.BounceRate > domain.MaxBounceRate:
		return domain.Deny(domain.ReasonHighBounceRate), nil
	case current.ComplaintRate > domain.MaxComplaintRate:
		return domain.Deny(domain.ReasonHighComplaintRate), nil
	}

	if provider == "" && providerLimit == nil && tenantProviderLimit == nil {
		return domain.Allow(domain.ReasonOK), nil
	}
	return g.checkRateLimits(ctx, &current, provider, providerLimit, tenantProviderLimit)
}

func (g *RateGovernor) checkRateLimits(ctx context.Context, cfg *domain.TenantEmailConfig, provider string, providerLimit *domain.ProviderLimit, tenantProviderLimit *domain.TenantProviderLimit) (domain.AdmissionDecision, error) {
	if tenantProviderLimit != nil {
		if !tenantProviderLimit.Enabled {
			return domain.Deny(domain.ReasonProviderDisabled), nil
		}
		// The binding re-checks tenant admission; inside CanSend the guard short-circuits it.
		d, err := g.CanSend(ctx, cfg.TenantID, "", "")
		if err != nil {
			return domain.AdmissionDecision{}, err
		}
		if !d.Allowed {
			return d, nil
		}
	}

	now := g.now()
	tenantID := cfg.TenantID
	for _, w := range domain.EffectiveWindows(cfg, providerLimit, tenantProviderLimit) {
		count, err := g.limits.CountRecentSends(ctx, &tenantID, provider, now.Add(-w.Duration))
		if err != nil {
			return domain.AdmissionDecision{}, fmt.Errorf("count sends in %s window: %w", w.Name, err)
		}
		if count >= w.Limit {
			g.logger.DebugContext(ctx, "Rate window exhausted",
				"tenant_id", tenantID, "provider", provider, "window", w.Name, "count", count, "limit", w.Limit)
			return domain.Deny(w.Reason), nil
		}
	}
	return domain.Allow(domain.ReasonOK), nil
}

func (g *RateGovernor) record(d domain.AdmissionDecision) domain.AdmissionDecision {
	result, reason := "allowed", d.Reason
	if !d.Allowed {
		result = "denied"
	}
	if strings.HasPrefix(reason, domain.ReasonSuspendedPrefix) {
		reason = domain.ReasonSuspendedPrefix
	}
	admissionDecisionsCounter.WithLabelValues(result, reason).Inc()
	return d
}

func suspendedReason(reason string) string {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return domain.ReasonSuspendedPrefix
	}
	return domain.ReasonSuspendedPrefix + ": " + reason
}
