package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/aradsms/email_gateway/internal/email_delivery_service/domain"
)

// QuotaService owns the tenant send counters. Every write goes through the repository's
// row lock, so concurrent increments for one tenant are linearized.
type QuotaService struct {
	configs domain.TenantConfigRepository
	logger  *slog.Logger
	now     func() time.Time
}

func NewQuotaService(configs domain.TenantConfigRepository, logger *slog.Logger) *QuotaService {
	return &QuotaService{
		configs: configs,
		logger:  logger.With("service", "quota"),
		now:     time.Now,
	}
}

// Increment records one successful send, rolling stale counters over first.
func (s *QuotaService) Increment(ctx context.Context, tenantID uuid.UUID) (*domain.TenantEmailConfig, error) {
	cfg, err := s.configs.UpdateLocked(ctx, tenantID, func(cfg *domain.TenantEmailConfig) error {
		cfg.Increment(s.now())
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("increment quota for tenant %s: %w", tenantID, err)
	}
	return cfg, nil
}

// EnsureCurrent persists a rollover for one tenant if its counters are stale.
func (s *QuotaService) EnsureCurrent(ctx context.Context, tenantID uuid.UUID) (*domain.TenantEmailConfig, error) {
	cfg, err := s.configs.UpdateLocked(ctx, tenantID, func(cfg *domain.TenantEmailConfig) error {
		cfg.EnsureCurrent(s.now())
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("roll over quota for tenant %s: %w", tenantID, err)
	}
	return cfg, nil
}

// ResetStaleCounters runs one rollover pass over all tenants.
func (s *QuotaService) ResetStaleCounters(ctx context.Context) (int, error) {
	n, err := s.configs.ResetStaleCounters(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("reset stale counters: %w", err)
	}
	quotaRolloverCounter.Add(float64(n))
	return n, nil
}

// RunRollover resets stale counters every interval until ctx is cancelled.
func (s *QuotaService) RunRollover(ctx context.Context, interval time.Duration) error {
	s.logger.InfoContext(ctx, "Quota rollover job starting", "interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.rollover(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "Quota rollover job stopping")
			return nil
		case <-ticker.C:
			s.rollover(ctx)
		}
	}
}

func (s *QuotaService) rollover(ctx context.Context) {
	n, err := s.ResetStaleCounters(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "Quota rollover failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.InfoContext(ctx, "Reset stale tenant counters", "tenants", n)
	}
}
