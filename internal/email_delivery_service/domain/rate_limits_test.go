package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEffectiveWindows_MostRestrictiveWins(t *testing.T) {
	cfg := &TenantEmailConfig{EmailsPerMinute: 60}
	provider := &ProviderLimit{PerMinute: 600, PerHour: 5000, PerDay: 0}
	override := &TenantProviderLimit{PerMinute: 20, PerHour: 0, PerDay: 800}

	windows := EffectiveWindows(cfg, provider, override)

	assert.Equal(t, []RateWindow{
		{Name: "minute", Duration: time.Minute, Limit: 20, Reason: ReasonMinuteRateExceeded},
		{Name: "hour", Duration: time.Hour, Limit: 5000, Reason: ReasonHourlyRateExceeded},
		{Name: "day", Duration: 24 * time.Hour, Limit: 800, Reason: ReasonProviderDailyLimit},
	}, windows)
}

func TestEffectiveWindows_NoLimits(t *testing.T) {
	assert.Empty(t, EffectiveWindows(&TenantEmailConfig{}, nil, nil))
}

func TestSendError_UnwrapsKindAndCause(t *testing.T) {
	cause := errors.New("554 Message rejected")
	err := error(&SendError{Kind: KindVerification, Cause: cause})

	assert.ErrorIs(t, err, ErrEmailVerification)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrEmailBlacklisted)

	var se *SendError
	assert.True(t, errors.As(err, &se))
}
