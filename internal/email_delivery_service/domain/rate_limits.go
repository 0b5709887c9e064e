package domain

import (
	"time"

	"github.com/google/uuid"
)

// Admission reasons. The tenant-level strings are part of the external contract.
const (
	ReasonOK                   = "OK"
	ReasonReentrant            = "OK (reentrant)"
	ReasonNotRootActivated     = "Email sending not activated by platform administrator"
	ReasonNotTenantActivated   = "Email sending not activated by tenant administrator"
	ReasonSuspendedPrefix      = "Email sending suspended"
	ReasonDailyLimit           = "Daily email limit exceeded"
	ReasonMonthlyLimit         = "Monthly email limit exceeded"
	ReasonHighBounceRate       = "High bounce rate detected"
	ReasonHighComplaintRate    = "High complaint rate detected"
	ReasonProviderDisabled     = "Provider disabled for tenant"
	ReasonMinuteRateExceeded   = "Per-minute sending rate exceeded"
	ReasonHourlyRateExceeded   = "Hourly sending rate exceeded"
	ReasonProviderDailyLimit   = "Provider daily sending limit exceeded"
	ReasonTenantNotProvisioned = "Email sending not configured for tenant"
)

// Reputation thresholds, in percent.
const (
	MaxBounceRate    = 10.0
	MaxComplaintRate = 0.5
)

// AdmissionDecision is the governor's verdict. A denial is a normal value, not an error.
type AdmissionDecision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
}

func Allow(reason string) AdmissionDecision { return AdmissionDecision{Allowed: true, Reason: reason} }
func Deny(reason string) AdmissionDecision  { return AdmissionDecision{Allowed: false, Reason: reason} }

// ProviderLimit is the global ceiling of a provider. Zero means unlimited.
type ProviderLimit struct {
	Provider  string `json:"provider"`
	PerMinute int    `json:"per_minute"`
	PerHour   int    `json:"per_hour"`
	PerDay    int    `json:"per_day"`
}

// TenantProviderLimit overrides a provider's limits for one tenant. Zero means no override.
type TenantProviderLimit struct {
	TenantID  uuid.UUID `json:"tenant_id"`
	Provider  string    `json:"provider"`
	Enabled   bool      `json:"enabled"`
	PerMinute int       `json:"per_minute"`
	PerHour   int       `json:"per_hour"`
	PerDay    int       `json:"per_day"`
}

// RateWindow is one sliding window evaluated by the rate-limit check.
type RateWindow struct {
	Name     string
	Duration time.Duration
	Limit    int
	Reason   string
}

// EffectiveWindows combines tenant, tenant-provider and provider limits, keeping the most
// restrictive non-zero value for every window. Windows without any limit are omitted.
func EffectiveWindows(cfg *TenantEmailConfig, provider *ProviderLimit, tenantProvider *TenantProviderLimit) []RateWindow {
	var minute, hour, day []int
	if cfg != nil {
		minute = append(minute, cfg.EmailsPerMinute)
	}
	if tenantProvider != nil {
		minute = append(minute, tenantProvider.PerMinute)
		hour = append(hour, tenantProvider.PerHour)
		day = append(day, tenantProvider.PerDay)
	}
	if provider != nil {
		minute = append(minute, provider.PerMinute)
		hour = append(hour, provider.PerHour)
		day = append(day, provider.PerDay)
	}

	var windows []RateWindow
	if l := minPositive(minute...); l > 0 {
		windows = append(windows, RateWindow{Name: "minute", Duration: time.Minute, Limit: l, Reason: ReasonMinuteRateExceeded})
	}
	if l := minPositive(hour...); l > 0 {
		windows = append(windows, RateWindow{Name: "hour", Duration: time.Hour, Limit: l, Reason: ReasonHourlyRateExceeded})
	}
	if l := minPositive(day...); l > 0 {
		windows = append(windows, RateWindow{Name: "day", Duration: 24 * time.Hour, Limit: l, Reason: ReasonProviderDailyLimit})
	}
	return windows
}

func minPositive(values ...int) int {
	out := 0
	for _, v := range values {
		if v > 0 && (out == 0 || v < out) {
			out = v
		}
	}
	return out
}
