package postgres

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/aradsms/email_gateway/internal/email_delivery_service/domain"
	"github.com/aradsms/email_gateway/internal/platform/database"
)

const tenantConfigColumns = `tenant_id, plan_tier, emails_per_day, emails_per_month, emails_per_minute,
		emails_sent_today, emails_sent_this_month, last_daily_reset, last_monthly_reset, last_email_sent_at,
		root_activated, tenant_activated, is_suspended, suspension_reason,
		bounce_rate, complaint_rate, reputation_score, created_at, updated_at`

type pgTenantConfigRepository struct {
	db     database.TxBeginner
	logger *slog.Logger
}

// NewPgTenantConfigRepository creates the Postgres tenant configuration repository.
func NewPgTenantConfigRepository(db database.TxBeginner, logger *slog.Logger) domain.TenantConfigRepository {
	return &pgTenantConfigRepository{db: db, logger: logger.With("repository", "tenant_email_configs")}
}

func scanTenantConfig(row pgx.Row) (*domain.TenantEmailConfig, error) {
	var cfg domain.TenantEmailConfig
	var plan string
	err := row.Scan(
		&cfg.TenantID, &plan, &cfg.EmailsPerDay, &cfg.EmailsPerMonth, &cfg.EmailsPerMinute,
		&cfg.EmailsSentToday, &cfg.EmailsSentThisMonth, &cfg.LastDailyReset, &cfg.LastMonthlyReset, &cfg.LastEmailSentAt,
		&cfg.RootActivated, &cfg.TenantActivated, &cfg.IsSuspended, &cfg.SuspensionReason,
		&cfg.BounceRate, &cfg.ComplaintRate, &cfg.ReputationScore, &cfg.CreatedAt, &cfg.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrTenantConfigNotFound
		}
		return nil, err
	}
	cfg.Plan = domain.PlanTier(plan)
	return &cfg, nil
}

func (r *pgTenantConfigRepository) Create(ctx context.Context, cfg *domain.TenantEmailConfig) error {
	query := `INSERT INTO tenant_email_configs (` + tenantConfigColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`
	_, err := r.db.Exec(ctx, query,
		cfg.TenantID, string(cfg.Plan), cfg.EmailsPerDay, cfg.EmailsPerMonth, cfg.EmailsPerMinute,
		cfg.EmailsSentToday, cfg.EmailsSentThisMonth, cfg.LastDailyReset, cfg.LastMonthlyReset, cfg.LastEmailSentAt,
		cfg.RootActivated, cfg.TenantActivated, cfg.IsSuspended, cfg.SuspensionReason,
		cfg.BounceRate, cfg.ComplaintRate, cfg.ReputationScore, cfg.CreatedAt, cfg.UpdatedAt,
	)
	return mapError("create tenant email config", err)
}

func (r *pgTenantConfigRepository) Get(ctx context.Context, tenantID uuid.UUID) (*domain.TenantEmailConfig, error) {
	query := `SELECT ` + tenantConfigColumns + ` FROM tenant_email_configs WHERE tenant_id = $1`
	cfg, err := scanTenantConfig(r.db.QueryRow(ctx, query, tenantID))
	if errors.Is(err, domain.ErrTenantConfigNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, mapError("get tenant email config", err)
	}
	return cfg, nil
}

// UpdateLocked holds the row lock from SELECT ... FOR UPDATE until commit, so concurrent callers for
// the same tenant run strictly one after another.
func (r *pgTenantConfigRepository) UpdateLocked(ctx context.Context, tenantID uuid.UUID, fn func(cfg *domain.TenantEmailConfig) error) (*domain.TenantEmailConfig, error) {
	var out *domain.TenantEmailConfig
	err := database.InTx(ctx, r.db, func(tx pgx.Tx) error {
		query := `SELECT ` + tenantConfigColumns + ` FROM tenant_email_configs WHERE tenant_id = $1 FOR UPDATE`
		cfg, err := scanTenantConfig(tx.QueryRow(ctx, query, tenantID))
		if err != nil {
			if errors.Is(err, domain.ErrTenantConfigNotFound) {
				return err
			}
			return mapError("lock tenant email config", err)
		}
		if err := fn(cfg); err != nil {
			return err
		}
		if err := r.update(ctx, tx, cfg); err != nil {
			return err
		}
		out = cfg
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *pgTenantConfigRepository) update(ctx context.Context, q database.Querier, cfg *domain.TenantEmailConfig) error {
	query := `UPDATE tenant_email_configs SET
		plan_tier = $2, emails_per_day = $3, emails_per_month = $4, emails_per_minute = $5,
		emails_sent_today = $6, emails_sent_this_month = $7, last_daily_reset = $8, last_monthly_reset = $9,
		last_email_sent_at = $10, root_activated = $11, tenant_activated = $12, is_suspended = $13,
		suspension_reason = $14, bounce_rate = $15, complaint_rate = $16, reputation_score = $17, updated_at = $18
		WHERE tenant_id = $1`
	tag, err := q.Exec(ctx, query,
		cfg.TenantID, string(cfg.Plan), cfg.EmailsPerDay, cfg.EmailsPerMonth, cfg.EmailsPerMinute,
		cfg.EmailsSentToday, cfg.EmailsSentThisMonth, cfg.LastDailyReset, cfg.LastMonthlyReset,
		cfg.LastEmailSentAt, cfg.RootActivated, cfg.TenantActivated, cfg.IsSuspended,
		cfg.SuspensionReason, cfg.BounceRate, cfg.ComplaintRate, cfg.ReputationScore, cfg.UpdatedAt,
	)
	if err != nil {
		return mapError("update tenant email config", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrTenantConfigNotFound
	}
	return nil
}

// ResetStaleCounters applies the same rollover rule as TenantEmailConfig.EnsureCurrent in one statement.
func (r *pgTenantConfigRepository) ResetStaleCounters(ctx context.Context, now time.Time) (int, error) {
	query := `UPDATE tenant_email_configs SET
		emails_sent_today = CASE WHEN last_daily_reset IS DISTINCT FROM $1::date THEN 0 ELSE emails_sent_today END,
		last_daily_reset = $1::date,
		emails_sent_this_month = CASE
			WHEN last_monthly_reset IS NULL OR date_trunc('month', last_monthly_reset) <> date_trunc('month', $1::date)
			THEN 0 ELSE emails_sent_this_month END,
		last_monthly_reset = CASE
			WHEN last_monthly_reset IS NULL OR date_trunc('month', last_monthly_reset) <> date_trunc('month', $1::date)
			THEN $1::date ELSE last_monthly_reset END,
		updated_at = $2
		WHERE last_daily_reset IS DISTINCT FROM $1::date
		   OR last_monthly_reset IS NULL
		   OR date_trunc('month', last_monthly_reset) <> date_trunc('month', $1::date)`
	tag, err := r.db.Exec(ctx, query, domain.DateOf(now), now.UTC())
	if err != nil {
		return 0, mapError("reset stale counters", err)
	}
	return int(tag.RowsAffected()), nil
}
