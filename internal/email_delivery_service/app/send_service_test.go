package app

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/aradsms/email_gateway/internal/email_delivery_service/classifier"
	"github.com/aradsms/email_gateway/internal/email_delivery_service/domain"
	"github.com/aradsms/email_gateway/internal/email_delivery_service/provider"
	"github.com/aradsms/email_gateway/internal/email_delivery_service/repository/memory"
)

type sendFixture struct {
	store    *memory.Store
	provider *provider.MockEmailProvider
	svc      *SendService
}

func newSendFixture(t *testing.T, maxAttempts int) *sendFixture {
	t.Helper()
	store := memory.NewStore()
	mp := provider.NewMockEmailProvider(discardLogger(), "mock", 0)
	svc := NewSendService(
		NewRateGovernor(store.TenantConfigs(), store.RateLimits(), discardLogger()),
		NewQuotaService(store.TenantConfigs(), discardLogger()),
		store.Deliveries(),
		provider.NewRegistry("mock", mp),
		classifier.Default(),
		SendServiceConfig{ProviderTimeout: time.Second, MaxAttempts: maxAttempts, BaseDelay: time.Second, MaxDelay: time.Minute},
		discardLogger(),
	)
	return &sendFixture{store: store, provider: mp, svc: svc}
}

func (f *sendFixture) sentToday(t *testing.T, tenantID uuid.UUID) int {
	t.Helper()
	cfg, err := f.store.TenantConfigs().Get(context.Background(), tenantID)
	require.NoError(t, err)
	return cfg.EmailsSentToday
}

func sendRequest(tenantID *uuid.UUID) SendRequest {
	return SendRequest{
		TenantID: tenantID,
		Product:  "campaigns",
		From:     "news@example.com",
		To:       "reader@example.org",
		Subject:  "Weekly digest",
		HTMLBody: "<p>hi</p>",
	}
}

func TestSendService_Success(t *testing.T) {
	f := newSendFixture(t, 3)
	tenantID := activeTenant(t, f.store, nil)
	ctx := context.Background()

	res, err := f.svc.Send(ctx, sendRequest(&tenantID))
	require.NoError(t, err)
	assert.True(t, res.Admission.Allowed)
	assert.Equal(t, domain.StatusSent, res.Status)
	assert.NotEmpty(t, res.ProviderMessageID)

	rec, err := f.store.Deliveries().GetByID(ctx, res.RecordID)
	require.NoError(t, err)
	assert.Equal(t, domain.ScopeTenant, rec.Scope)
	assert.Equal(t, res.ProviderMessageID, *rec.ProviderMessageID)
	assert.NotNil(t, rec.SentAt)

	item, err := f.store.Deliveries().GetQueueItem(ctx, res.QueueItemID)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueItemSent, item.Status)
	assert.Equal(t, 1, item.Attempts)

	assert.Equal(t, 1, f.sentToday(t, tenantID))
	sent := f.provider.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, rec.ID.String(), sent[0].ReferenceID)
}

func TestSendService_DeniedCreatesNothing(t *testing.T) {
	f := newSendFixture(t, 3)
	tenantID := activeTenant(t, f.store, func(c *domain.TenantEmailConfig) { c.EmailsPerDay = 10; c.EmailsSentToday = 10 })

	res, err := f.svc.Send(context.Background(), sendRequest(&tenantID))
	require.NoError(t, err)
	assert.False(t, res.Admission.Allowed)
	assert.Equal(t, domain.ReasonDailyLimit, res.Admission.Reason)
	assert.Equal(t, uuid.Nil, res.RecordID)
	assert.Empty(t, f.provider.Sent())

	recs, err := f.store.Deliveries().List(context.Background(), domain.ReportFilter{Scope: domain.ReportScopeTenant, TenantID: &tenantID, Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestSendService_RetryableFailureSchedulesRetry(t *testing.T) {
	f := newSendFixture(t, 3)
	tenantID := activeTenant(t, f.store, nil)
	f.provider.FailWith(errors.New("dial tcp 10.0.0.1:587: connect: connection refused"))
	ctx := context.Background()

	before := time.Now()
	res, err := f.svc.Send(ctx, sendRequest(&tenantID))
	require.NoError(t, err)
	assert.True(t, res.Retryable)
	assert.Equal(t, domain.KindProviderConnection, res.ErrorKind)
	assert.Equal(t, domain.StatusQueued, res.Status)
	require.NotNil(t, res.NextAttemptAt)
	assert.False(t, res.NextAttemptAt.Before(before.Add(-time.Second)))
	assert.False(t, res.NextAttemptAt.After(time.Now().Add(time.Second)))

	item, err := f.store.Deliveries().GetQueueItem(ctx, res.QueueItemID)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueItemRetry, item.Status)
	assert.Equal(t, 1, item.Attempts)
	assert.NotContains(t, item.ErrorMessage, "10.0.0.1", "raw provider text must not leak")

	assert.Zero(t, f.sentToday(t, tenantID), "failed dispatch must not count against quota")
}

func TestSendService_TerminalFailure(t *testing.T) {
	f := newSendFixture(t, 3)
	tenantID := activeTenant(t, f.store, nil)
	f.provider.FailWith(errors.New("535 5.7.8 Authentication credentials invalid"))
	ctx := context.Background()

	res, err := f.svc.Send(ctx, sendRequest(&tenantID))
	require.NoError(t, err)
	assert.False(t, res.Retryable)
	assert.Equal(t, domain.KindProviderConfig, res.ErrorKind)
	assert.Equal(t, domain.StatusFailed, res.Status)
	assert.Nil(t, res.NextAttemptAt)

	rec, err := f.store.Deliveries().GetByID(ctx, res.RecordID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, rec.Status)
	assert.Equal(t, res.UserMessage, rec.ErrorMessage)

	item, err := f.store.Deliveries().GetQueueItem(ctx, res.QueueItemID)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueItemFailed, item.Status)
	assert.Zero(t, f.sentToday(t, tenantID))
}

func TestSendService_RetryableFailureWithoutAttemptsLeftFails(t *testing.T) {
	f := newSendFixture(t, 1)
	tenantID := activeTenant(t, f.store, nil)
	f.provider.FailWith(context.DeadlineExceeded)

	res, err := f.svc.Send(context.Background(), sendRequest(&tenantID))
	require.NoError(t, err)
	assert.True(t, res.Retryable)
	assert.Equal(t, domain.StatusFailed, res.Status)
	assert.Nil(t, res.NextAttemptAt)
}

func TestSendService_GlobalScopeSkipsAdmissionAndQuota(t *testing.T) {
	f := newSendFixture(t, 3)

	res, err := f.svc.Send(context.Background(), sendRequest(nil))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSent, res.Status)

	rec, err := f.store.Deliveries().GetByID(context.Background(), res.RecordID)
	require.NoError(t, err)
	assert.Equal(t, domain.ScopeGlobal, rec.Scope)
	assert.Nil(t, rec.TenantID)
}

func TestSendService_UnknownProvider(t *testing.T) {
	f := newSendFixture(t, 3)
	req := sendRequest(nil)
	req.Provider = "nope"

	_, err := f.svc.Send(context.Background(), req)
	assert.ErrorIs(t, err, domain.ErrProviderNotFound)
}

func TestSendService_RetryDispatchesClaimedItem(t *testing.T) {
	f := newSendFixture(t, 3)
	tenantID := activeTenant(t, f.store, nil)
	ctx := context.Background()

	f.provider.FailWith(errors.New("421 4.7.0 Try again later"))
	res, err := f.svc.Send(ctx, sendRequest(&tenantID))
	require.NoError(t, err)
	require.Equal(t, domain.StatusQueued, res.Status)

	claimed, err := f.store.Deliveries().ClaimDueRetries(ctx, time.Now().Add(time.Hour), time.Now().Add(2*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	f.provider.FailWith(nil)
	retried, err := f.svc.Retry(ctx, claimed[0])
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSent, retried.Status)

	item, err := f.store.Deliveries().GetQueueItem(ctx, res.QueueItemID)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueItemSent, item.Status)
	assert.Equal(t, 2, item.Attempts)
	assert.Equal(t, 1, f.sentToday(t, tenantID))
}

func TestSendService_RetryDeniedParksItem(t *testing.T) {
	f := newSendFixture(t, 3)
	tenantID := activeTenant(t, f.store, nil)
	ctx := context.Background()

	f.provider.FailWith(errors.New("connection reset by peer"))
	res, err := f.svc.Send(ctx, sendRequest(&tenantID))
	require.NoError(t, err)

	_, err = NewProvisioner(f.store.TenantConfigs(), discardLogger()).Suspend(ctx, tenantID, "review")
	require.NoError(t, err)

	claimed, err := f.store.Deliveries().ClaimDueRetries(ctx, time.Now().Add(time.Hour), time.Now().Add(2*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	parked, err := f.svc.Retry(ctx, claimed[0])
	require.NoError(t, err)
	assert.False(t, parked.Admission.Allowed)
	assert.Equal(t, "Email sending suspended: review", parked.Admission.Reason)

	item, err := f.store.Deliveries().GetQueueItem(ctx, res.QueueItemID)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueItemRetry, item.Status)
	assert.Equal(t, 1, item.Attempts, "a denied retry does not spend an attempt")
}

func TestSendService_RetryExhaustedFails(t *testing.T) {
	f := newSendFixture(t, 2)
	tenantID := activeTenant(t, f.store, nil)
	ctx := context.Background()

	f.provider.FailWith(errors.New("connection reset by peer"))
	res, err := f.svc.Send(ctx, sendRequest(&tenantID))
	require.NoError(t, err)

	claimed, err := f.store.Deliveries().ClaimDueRetries(ctx, time.Now().Add(time.Hour), time.Now().Add(2*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	retried, err := f.svc.Retry(ctx, claimed[0])
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, retried.Status)

	rec, err := f.store.Deliveries().GetByID(ctx, res.RecordID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, rec.Status)
}

// failingRecordWrites fails the first `failures` record mutations by id.
type failingRecordWrites struct {
	domain.DeliveryRepository
	failures atomic.Int32
}

func (f *failingRecordWrites) MutateByID(ctx context.Context, id uuid.UUID, fn func(m *domain.DeliveryMutation) error) error {
	if f.failures.Add(-1) >= 0 {
		return errors.New("write tcp 10.0.0.5:5432: broken pipe")
	}
	return f.DeliveryRepository.MutateByID(ctx, id, fn)
}

func newLedgerFixture(t *testing.T, failures int32) (*sendFixture, *failingRecordWrites) {
	t.Helper()
	store := memory.NewStore()
	mp := provider.NewMockEmailProvider(discardLogger(), "mock", 0)
	deliveries := &failingRecordWrites{DeliveryRepository: store.Deliveries()}
	deliveries.failures.Store(failures)
	svc := NewSendService(
		NewRateGovernor(store.TenantConfigs(), store.RateLimits(), discardLogger()),
		NewQuotaService(store.TenantConfigs(), discardLogger()),
		deliveries,
		provider.NewRegistry("mock", mp),
		classifier.Default(),
		SendServiceConfig{ProviderTimeout: time.Second, MaxAttempts: 3, LedgerWriteAttempts: 3, LedgerWriteDelay: time.Millisecond},
		discardLogger(),
	)
	return &sendFixture{store: store, provider: mp, svc: svc}, deliveries
}

func TestSendService_DispatchWriteIsRetried(t *testing.T) {
	f, _ := newLedgerFixture(t, 2)
	tenantID := activeTenant(t, f.store, nil)
	ctx := context.Background()

	res, err := f.svc.Send(ctx, sendRequest(&tenantID))
	require.NoError(t, err)
	assert.False(t, res.LedgerPending)
	assert.Equal(t, domain.StatusSent, res.Status)

	rec, err := f.store.Deliveries().GetByID(ctx, res.RecordID)
	require.NoError(t, err)
	require.NotNil(t, rec.ProviderMessageID)
	assert.Equal(t, res.ProviderMessageID, *rec.ProviderMessageID)
	assert.Equal(t, 1, f.sentToday(t, tenantID))
	assert.Len(t, f.provider.Sent(), 1)
}

func TestSendService_DispatchWriteFailureReportsAcceptedSend(t *testing.T) {
	f, _ := newLedgerFixture(t, 100)
	tenantID := activeTenant(t, f.store, nil)

	res, err := f.svc.Send(context.Background(), sendRequest(&tenantID))
	require.NoError(t, err, "the provider accepted the email, so the send is not an error")
	assert.True(t, res.LedgerPending)
	assert.Equal(t, domain.StatusSent, res.Status)
	assert.NotEmpty(t, res.ProviderMessageID)
	assert.Len(t, f.provider.Sent(), 1)
	assert.Zero(t, f.sentToday(t, tenantID), "quota moves only with a recorded dispatch")
}

type mockAdmitter struct {
	mock.Mock
}

func (m *mockAdmitter) CanSend(ctx context.Context, tenantID uuid.UUID, providerRef, tenantProviderRef string) (domain.AdmissionDecision, error) {
	args := m.Called(ctx, tenantID, providerRef, tenantProviderRef)
	return args.Get(0).(domain.AdmissionDecision), args.Error(1)
}

type mockQuota struct {
	mock.Mock
}

func (m *mockQuota) Increment(ctx context.Context, tenantID uuid.UUID) (*domain.TenantEmailConfig, error) {
	args := m.Called(ctx, tenantID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.TenantEmailConfig), args.Error(1)
}

func TestSendService_AdmissionErrorAndQuotaErrorHandling(t *testing.T) {
	store := memory.NewStore()
	mp := provider.NewMockEmailProvider(discardLogger(), "mock", 0)
	admitter := new(mockAdmitter)
	quota := new(mockQuota)
	svc := NewSendService(admitter, quota, store.Deliveries(), provider.NewRegistry("mock", mp), nil,
		SendServiceConfig{MaxAttempts: 3}, discardLogger())
	tenantID := uuid.New()

	admitter.On("CanSend", mock.Anything, tenantID, "mock", "mock").Return(domain.AdmissionDecision{}, errors.New("db down")).Once()
	_, err := svc.Send(context.Background(), sendRequest(&tenantID))
	assert.Error(t, err)
	assert.Empty(t, mp.Sent())

	// A quota write failure after a confirmed dispatch does not fail the send.
	admitter.On("CanSend", mock.Anything, tenantID, "mock", "mock").Return(domain.Allow(domain.ReasonOK), nil).Once()
	quota.On("Increment", mock.Anything, tenantID).Return(nil, errors.New("lock timeout")).Once()
	res, err := svc.Send(context.Background(), sendRequest(&tenantID))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSent, res.Status)

	admitter.AssertExpectations(t)
	quota.AssertExpectations(t)
}
