package app

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/aradsms/email_gateway/internal/email_delivery_service/domain"
	"github.com/aradsms/email_gateway/internal/email_delivery_service/repository/memory"
	"github.com/aradsms/email_gateway/internal/platform/messagebroker"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// activeTenant provisions an activated ENTERPRISE tenant and applies mutate before storing it.
func activeTenant(t *testing.T, store *memory.Store, mutate func(cfg *domain.TenantEmailConfig)) uuid.UUID {
	t.Helper()
	cfg, err := domain.NewTenantEmailConfig(uuid.New(), domain.PlanEnterprise, time.Now())
	require.NoError(t, err)
	cfg.RootActivated = true
	cfg.TenantActivated = true
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, store.TenantConfigs().Create(context.Background(), cfg))
	return cfg.TenantID
}

// dispatchedRecord stores a SENT tenant record bound to providerMessageID. withItem controls
// whether a queue item is linked.
func dispatchedRecord(t *testing.T, store *memory.Store, tenantID uuid.UUID, providerMessageID string, withItem bool) *domain.DeliveryRecord {
	t.Helper()
	ctx := context.Background()
	now := time.Now()
	rec, err := domain.NewDeliveryRecord(domain.NewRecordParams{
		Scope:     domain.ScopeTenant,
		TenantID:  &tenantID,
		Provider:  "mock",
		Recipient: "to@example.com",
		Sender:    "from@example.com",
		Subject:   "Hello",
	}, now)
	require.NoError(t, err)

	var item *domain.QueueItem
	if withItem {
		item = &domain.QueueItem{
			ID:        uuid.New(),
			TenantID:  &tenantID,
			Provider:  "mock",
			Recipient: rec.Recipient,
			Sender:    rec.Sender,
			Subject:   rec.Subject,
			Status:    domain.QueueItemSent,
			Attempts:  1,
			CreatedAt: now,
			UpdatedAt: now,
		}
		rec.QueueItemID = &item.ID
	}
	rec.MarkDispatched("mock", providerMessageID, now)
	require.NoError(t, store.Deliveries().CreateWithQueueItem(ctx, rec, item))
	return rec
}

type mockNATSClient struct {
	mock.Mock
}

func (m *mockNATSClient) Publish(ctx context.Context, subject string, data []byte) error {
	args := m.Called(ctx, subject, data)
	return args.Error(0)
}

func (m *mockNATSClient) SubscribeToSubjectWithQueue(ctx context.Context, subject, queueGroup string, handler func(msg messagebroker.Message)) (messagebroker.Subscription, error) {
	args := m.Called(ctx, subject, queueGroup, handler)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(messagebroker.Subscription), args.Error(1)
}

func (m *mockNATSClient) PublishPersistent(ctx context.Context, subject string, data []byte) error {
	args := m.Called(ctx, subject, data)
	return args.Error(0)
}

func (m *mockNATSClient) EnsureStream(ctx context.Context, cfg messagebroker.StreamConfig) error {
	args := m.Called(ctx, cfg)
	return args.Error(0)
}

func (m *mockNATSClient) ConsumeDurable(ctx context.Context, cfg messagebroker.ConsumerConfig, handler func(msg messagebroker.Message)) (messagebroker.Subscription, error) {
	args := m.Called(ctx, cfg, handler)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(messagebroker.Subscription), args.Error(1)
}

func (m *mockNATSClient) Close() {
	m.Called()
}

type recordingTracker struct {
	events []ReputationEvent
}

func (r *recordingTracker) UpdateReputation(_ context.Context, evt ReputationEvent) error {
	r.events = append(r.events, evt)
	return nil
}
