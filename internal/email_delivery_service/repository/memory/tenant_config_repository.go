package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/aradsms/email_gateway/internal/email_delivery_service/domain"
)

type tenantConfigRepository struct {
	s *Store
}

func (r *tenantConfigRepository) Create(ctx context.Context, cfg *domain.TenantEmailConfig) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, exists := r.s.configs[cfg.TenantID]; exists {
		return fmt.Errorf("tenant email config %s already exists", cfg.TenantID)
	}
	r.s.configs[cfg.TenantID] = cloneConfig(cfg)
	return nil
}

func (r *tenantConfigRepository) Get(ctx context.Context, tenantID uuid.UUID) (*domain.TenantEmailConfig, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cfg, ok := r.s.configs[tenantID]
	if !ok {
		return nil, domain.ErrTenantConfigNotFound
	}
	return cloneConfig(cfg), nil
}

func (r *tenantConfigRepository) UpdateLocked(ctx context.Context, tenantID uuid.UUID, fn func(cfg *domain.TenantEmailConfig) error) (*domain.TenantEmailConfig, error) {
	l := r.s.tenantLock(tenantID)
	l.Lock()
	defer l.Unlock()

	cfg, err := r.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if err := fn(cfg); err != nil {
		return nil, err
	}

	r.s.mu.Lock()
	r.s.configs[tenantID] = cloneConfig(cfg)
	r.s.mu.Unlock()
	return cfg, nil
}

func (r *tenantConfigRepository) ResetStaleCounters(ctx context.Context, now time.Time) (int, error) {
	r.s.mu.Lock()
	ids := make([]uuid.UUID, 0, len(r.s.configs))
	for id := range r.s.configs {
		ids = append(ids, id)
	}
	r.s.mu.Unlock()

	changed := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return changed, err
		}
		var touched bool
		_, err := r.UpdateLocked(ctx, id, func(cfg *domain.TenantEmailConfig) error {
			touched = cfg.EnsureCurrent(now)
			return nil
		})
		if err != nil {
			return changed, err
		}
		if touched {
			changed++
		}
	}
	return changed, nil
}
