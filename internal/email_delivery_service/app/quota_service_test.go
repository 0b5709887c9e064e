package app

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aradsms/email_gateway/internal/email_delivery_service/domain"
	"github.com/aradsms/email_gateway/internal/email_delivery_service/repository/memory"
)

func TestQuotaService_ConcurrentIncrementsAreLinearized(t *testing.T) {
	store := memory.NewStore()
	tenantID := activeTenant(t, store, nil)
	svc := NewQuotaService(store.TenantConfigs(), discardLogger())

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Increment(context.Background(), tenantID)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	cfg, err := store.TenantConfigs().Get(context.Background(), tenantID)
	require.NoError(t, err)
	assert.Equal(t, n, cfg.EmailsSentToday)
	assert.Equal(t, n, cfg.EmailsSentThisMonth)
	assert.NotNil(t, cfg.LastEmailSentAt)
}

func TestQuotaService_IncrementRollsOverFirst(t *testing.T) {
	store := memory.NewStore()
	tenantID := activeTenant(t, store, func(c *domain.TenantEmailConfig) {
		yesterday := domain.DateOf(time.Now()).AddDate(0, 0, -1)
		c.EmailsSentToday = 5
		c.LastDailyReset = &yesterday
	})
	svc := NewQuotaService(store.TenantConfigs(), discardLogger())

	cfg, err := svc.Increment(context.Background(), tenantID)
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.EmailsSentToday)
	assert.True(t, cfg.LastDailyReset.Equal(domain.DateOf(time.Now())))
}

func TestQuotaService_UnknownTenant(t *testing.T) {
	svc := NewQuotaService(memory.NewStore().TenantConfigs(), discardLogger())
	_, err := svc.Increment(context.Background(), uuid.New())
	assert.ErrorIs(t, err, domain.ErrTenantConfigNotFound)
}

func TestQuotaService_ResetStaleCounters(t *testing.T) {
	store := memory.NewStore()
	longAgo := domain.DateOf(time.Now()).AddDate(0, 0, -40)
	stale := activeTenant(t, store, func(c *domain.TenantEmailConfig) {
		c.EmailsSentToday = 3
		c.EmailsSentThisMonth = 30
		c.LastDailyReset = &longAgo
		c.LastMonthlyReset = &longAgo
	})
	fresh := activeTenant(t, store, func(c *domain.TenantEmailConfig) { c.EmailsSentToday = 2 })
	svc := NewQuotaService(store.TenantConfigs(), discardLogger())

	n, err := svc.ResetStaleCounters(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	cfg, err := store.TenantConfigs().Get(context.Background(), stale)
	require.NoError(t, err)
	assert.Zero(t, cfg.EmailsSentToday)
	assert.Zero(t, cfg.EmailsSentThisMonth)

	cfg, err = store.TenantConfigs().Get(context.Background(), fresh)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.EmailsSentToday)
}

func TestQuotaService_RunRolloverStopsOnCancel(t *testing.T) {
	svc := NewQuotaService(memory.NewStore().TenantConfigs(), discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.RunRollover(ctx, time.Hour) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("rollover loop did not stop")
	}
}
