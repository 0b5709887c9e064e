package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/aradsms/email_gateway/internal/email_delivery_service/domain"
	"github.com/aradsms/email_gateway/internal/platform/database"
)

type pgRateLimitRepository struct {
	db database.Querier
}

func NewPgRateLimitRepository(db database.Querier) domain.RateLimitRepository {
	return &pgRateLimitRepository{db: db}
}

func (r *pgRateLimitRepository) GetProviderLimit(ctx context.Context, provider string) (*domain.ProviderLimit, error) {
	l := &domain.ProviderLimit{}
	err := r.db.QueryRow(ctx,
		`SELECT provider, per_minute, per_hour, per_day FROM provider_limits WHERE provider = $1`, provider,
	).Scan(&l.Provider, &l.PerMinute, &l.PerHour, &l.PerDay)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, mapError("get provider limit", err)
	}
	return l, nil
}

func (r *pgRateLimitRepository) GetTenantProviderLimit(ctx context.Context, tenantID uuid.UUID, provider string) (*domain.TenantProviderLimit, error) {
	l := &domain.TenantProviderLimit{}
	err := r.db.QueryRow(ctx,
		`SELECT tenant_id, provider, enabled, per_minute, per_hour, per_day
		 FROM tenant_provider_limits WHERE tenant_id = $1 AND provider = $2`, tenantID, provider,
	).Scan(&l.TenantID, &l.Provider, &l.Enabled, &l.PerMinute, &l.PerHour, &l.PerDay)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, mapError("get tenant provider limit", err)
	}
	return l, nil
}

func (r *pgRateLimitRepository) CountRecentSends(ctx context.Context, tenantID *uuid.UUID, provider string, since time.Time) (int, error) {
	conds := []string{"created_at >= $1", "status <> 'FAILED'"}
	args := []any{since.UTC()}
	if tenantID != nil {
		args = append(args, *tenantID)
		conds = append(conds, fmt.Sprintf("tenant_id = $%d", len(args)))
	}
	if provider != "" {
		args = append(args, provider)
		conds = append(conds, fmt.Sprintf("provider = $%d", len(args)))
	}
	query := `SELECT COUNT(*) FROM email_delivery_records WHERE ` + strings.Join(conds, " AND ")

	var n int64
	if err := r.db.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, mapError("count recent sends", err)
	}
	return int(n), nil
}
