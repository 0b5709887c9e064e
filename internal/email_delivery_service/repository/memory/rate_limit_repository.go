package memory

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/aradsms/email_gateway/internal/email_delivery_service/domain"
)

// RateLimitRepository also exposes setters, used for seeding in tests and local runs.
type RateLimitRepository struct {
	s *Store
}

func (r *RateLimitRepository) SetProviderLimit(l domain.ProviderLimit) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.providerLimits[l.Provider] = l
}

func (r *RateLimitRepository) SetTenantProviderLimit(l domain.TenantProviderLimit) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.tenantProviderLimits[tenantProviderKey{tenantID: l.TenantID, provider: l.Provider}] = l
}

// GetProviderLimit returns nil when the provider has no configured ceiling.
func (r *RateLimitRepository) GetProviderLimit(ctx context.Context, provider string) (*domain.ProviderLimit, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	l, ok := r.s.providerLimits[provider]
	if !ok {
		return nil, nil
	}
	return &l, nil
}

// GetTenantProviderLimit returns nil when the tenant has no binding for the provider.
func (r *RateLimitRepository) GetTenantProviderLimit(ctx context.Context, tenantID uuid.UUID, provider string) (*domain.TenantProviderLimit, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	l, ok := r.s.tenantProviderLimits[tenantProviderKey{tenantID: tenantID, provider: provider}]
	if !ok {
		return nil, nil
	}
	return &l, nil
}

// CountRecentSends ignores FAILED records; they never reached the provider.
func (r *RateLimitRepository) CountRecentSends(ctx context.Context, tenantID *uuid.UUID, provider string, since time.Time) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	n := 0
	for _, rec := range r.s.records {
		if rec.Status == domain.StatusFailed || rec.CreatedAt.Before(since) {
			continue
		}
		if tenantID != nil && (rec.TenantID == nil || *rec.TenantID != *tenantID) {
			continue
		}
		if provider != "" && rec.Provider != provider {
			continue
		}
		n++
	}
	return n, nil
}
