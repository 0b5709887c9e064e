package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PlanTier is the commercial plan of a tenant; it seeds the default send limits.
type PlanTier string

const (
	PlanFree         PlanTier = "FREE"
	PlanBasic        PlanTier = "BASIC"
	PlanProfessional PlanTier = "PROFESSIONAL"
	PlanEnterprise   PlanTier = "ENTERPRISE"
)

// PlanLimits are the per-day/month/minute send allowances of a plan.
type PlanLimits struct {
	PerDay    int
	PerMonth  int
	PerMinute int
}

var planLimits = map[PlanTier]PlanLimits{
	PlanFree:         {PerDay: 100, PerMonth: 3000, PerMinute: 10},
	PlanBasic:        {PerDay: 1000, PerMonth: 30000, PerMinute: 60},
	PlanProfessional: {PerDay: 10000, PerMonth: 300000, PerMinute: 300},
	PlanEnterprise:   {PerDay: 100000, PerMonth: 3000000, PerMinute: 1000},
}

// LimitsFor returns the default limits of a plan tier.
func LimitsFor(plan PlanTier) (PlanLimits, error) {
	l, ok := planLimits[plan]
	if !ok {
		return PlanLimits{}, fmt.Errorf("%w: %q", ErrUnknownPlanTier, plan)
	}
	return l, nil
}

// TenantEmailConfig is the per-tenant sending configuration, counters and reputation signals.
type TenantEmailConfig struct {
	TenantID uuid.UUID `json:"tenant_id"`
	Plan     PlanTier  `json:"plan_tier"`

	EmailsPerDay    int `json:"emails_per_day"`
	EmailsPerMonth  int `json:"emails_per_month"`
	EmailsPerMinute int `json:"emails_per_minute"`

	EmailsSentToday     int        `json:"emails_sent_today"`
	EmailsSentThisMonth int        `json:"emails_sent_this_month"`
	LastDailyReset      *time.Time `json:"last_daily_reset,omitempty"`
	LastMonthlyReset    *time.Time `json:"last_monthly_reset,omitempty"`
	LastEmailSentAt     *time.Time `json:"last_email_sent_at,omitempty"`

	// RootActivated is the platform-level switch, TenantActivated the tenant admin's.
	RootActivated    bool   `json:"root_activated"`
	TenantActivated  bool   `json:"tenant_activated"`
	IsSuspended      bool   `json:"is_suspended"`
	SuspensionReason string `json:"suspension_reason,omitempty"`

	BounceRate      float64 `json:"bounce_rate"`    // percent
	ComplaintRate   float64 `json:"complaint_rate"` // percent
	ReputationScore float64 `json:"reputation_score"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewTenantEmailConfig builds a fresh, not yet activated configuration for plan.
func NewTenantEmailConfig(tenantID uuid.UUID, plan PlanTier, now time.Time) (*TenantEmailConfig, error) {
	limits, err := LimitsFor(plan)
	if err != nil {
		return nil, err
	}
	now = now.UTC()
	today := DateOf(now)
	return &TenantEmailConfig{
		TenantID:         tenantID,
		Plan:             plan,
		EmailsPerDay:     limits.PerDay,
		EmailsPerMonth:   limits.PerMonth,
		EmailsPerMinute:  limits.PerMinute,
		LastDailyReset:   &today,
		LastMonthlyReset: &today,
		ReputationScore:  100,
		CreatedAt:        now,
		UpdatedAt:        now,
	}, nil
}

// DateOf truncates t to its UTC calendar date.
func DateOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// EnsureCurrent zeroes stale counters. The daily counter is stale when its reset date is not today;
// the monthly counter when its reset date is unset or falls in another month.
// It reports whether anything changed.
func (c *TenantEmailConfig) EnsureCurrent(now time.Time) bool {
	today := DateOf(now)
	changed := false

	if c.LastDailyReset == nil || !DateOf(*c.LastDailyReset).Equal(today) {
		c.EmailsSentToday = 0
		c.LastDailyReset = &today
		changed = true
	}

	if c.LastMonthlyReset == nil || !sameMonth(*c.LastMonthlyReset, today) {
		c.EmailsSentThisMonth = 0
		c.LastMonthlyReset = &today
		changed = true
	}

	if changed {
		c.UpdatedAt = now.UTC()
	}
	return changed
}

// Increment records one successful send. Callers must hold the tenant lock.
func (c *TenantEmailConfig) Increment(now time.Time) {
	c.EnsureCurrent(now)
	c.EmailsSentToday++
	c.EmailsSentThisMonth++
	sentAt := now.UTC()
	c.LastEmailSentAt = &sentAt
	c.UpdatedAt = sentAt
}

func sameMonth(a, b time.Time) bool {
	ay, am, _ := a.UTC().Date()
	by, bm, _ := b.UTC().Date()
	return ay == by && am == bm
}
