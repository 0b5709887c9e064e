package app

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/aradsms/email_gateway/internal/email_delivery_service/domain"
	"github.com/aradsms/email_gateway/internal/email_delivery_service/repository/memory"
	"github.com/aradsms/email_gateway/internal/platform/messagebroker"
)

func TestProviderFromSubject(t *testing.T) {
	tests := []struct {
		subject string
		want    string
		wantErr bool
	}{
		{subject: "email.events.raw.ses", want: "ses"},
		{subject: "email.events.raw.smtp", want: "smtp"},
		{subject: "email.events.raw.", wantErr: true},
		{subject: "email.events.raw.*", wantErr: true},
		{subject: "email.events.raw.a.b", wantErr: true},
		{subject: "dlr.raw.ses", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.subject, func(t *testing.T) {
			got, err := providerFromSubject("email.events.raw", tt.subject)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// recordingAcker captures how the consumer settled one delivery.
type recordingAcker struct {
	mu    sync.Mutex
	acks  int
	naks  []time.Duration
	terms int
}

func (a *recordingAcker) Ack() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acks++
	return nil
}

func (a *recordingAcker) NakWithDelay(delay time.Duration) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.naks = append(a.naks, delay)
	return nil
}

func (a *recordingAcker) Term() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.terms++
	return nil
}

func (a *recordingAcker) counts() (acks, naks, terms int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.acks, len(a.naks), a.terms
}

// flakyDeliveries fails the first `failures` event applications with a storage error.
type flakyDeliveries struct {
	domain.DeliveryRepository
	failures atomic.Int32
}

func (f *flakyDeliveries) MutateByProviderMessageID(ctx context.Context, providerMessageID string, fn func(m *domain.DeliveryMutation) error) error {
	if f.failures.Add(-1) >= 0 {
		return errors.New("read tcp 10.0.0.5:5432: connection reset by peer")
	}
	return f.DeliveryRepository.MutateByProviderMessageID(ctx, providerMessageID, fn)
}

func testConsumerConfig(maxDeliver int) EventConsumerConfig {
	return EventConsumerConfig{
		SubjectPrefix: "email.events.raw.",
		Stream:        "EMAIL_EVENTS",
		Durable:       "reconcilers",
		AckWait:       time.Minute,
		MaxDeliver:    maxDeliver,
		RedeliveryMin: 10 * time.Millisecond,
		RedeliveryMax: 20 * time.Millisecond,
	}
}

// startConsumer binds the consumer to a mocked stream and runs two workers until the test ends.
func startConsumer(t *testing.T, reconciler *EventReconciler, cfg EventConsumerConfig) func(messagebroker.Message) {
	t.Helper()
	nc := new(mockNATSClient)
	consumer := NewEventConsumer(nc, reconciler, cfg, discardLogger())

	var handler func(messagebroker.Message)
	nc.On("EnsureStream", mock.Anything, messagebroker.StreamConfig{
		Name:     "EMAIL_EVENTS",
		Subjects: []string{"email.events.raw.*"},
		MaxAge:   7 * 24 * time.Hour,
	}).Return(nil).Once()
	nc.On("ConsumeDurable", mock.Anything, mock.MatchedBy(func(c messagebroker.ConsumerConfig) bool {
		return c.Stream == "EMAIL_EVENTS" && c.Durable == "reconcilers" &&
			c.FilterSubject == "email.events.raw.*" && c.MaxDeliver == cfg.MaxDeliver
	}), mock.Anything).
		Run(func(args mock.Arguments) { handler = args.Get(2).(func(messagebroker.Message)) }).
		Return(nil, nil).Once()

	ctx, cancel := context.WithCancel(context.Background())
	_, err := consumer.StartConsuming(ctx)
	require.NoError(t, err)
	require.NotNil(t, handler)
	nc.AssertExpectations(t)

	done := make(chan struct{})
	go func() {
		_ = consumer.Run(ctx, 2)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("workers did not stop")
		}
	})
	return handler
}

func TestEventConsumer_ReconcilesAndAcks(t *testing.T) {
	store := memory.NewStore()
	rec := dispatchedRecord(t, store, uuid.New(), "ses-abc", true)
	handler := startConsumer(t, NewEventReconciler(store.Deliveries(), nil, 3, discardLogger()), testConsumerConfig(5))

	ok := &recordingAcker{}
	handler(messagebroker.NewMessage("email.events.raw.ses", []byte(`{"message_id":"ses-abc","event_kind":"delivery"}`), 1, ok))

	assert.Eventually(t, func() bool {
		acks, _, _ := ok.counts()
		return acks == 1
	}, 2*time.Second, 10*time.Millisecond)

	got, err := store.Deliveries().GetByID(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDelivered, got.Status)
	assert.Len(t, got.Events, 1)
}

func TestEventConsumer_TerminatesUnprocessableMessages(t *testing.T) {
	store := memory.NewStore()
	rec := dispatchedRecord(t, store, uuid.New(), "ses-abc", true)
	handler := startConsumer(t, NewEventReconciler(store.Deliveries(), nil, 3, discardLogger()), testConsumerConfig(5))

	for name, msg := range map[string]struct {
		subject string
		data    string
	}{
		"unknown kind":       {"email.events.raw.ses", `{"message_id":"ses-abc","event_kind":"REJECT"}`},
		"missing message id": {"email.events.raw.ses", `{"event_kind":"OPEN"}`},
		"malformed json":     {"email.events.raw.ses", `{`},
		"no provider":        {"email.events.raw.a.b", `{"message_id":"ses-abc","event_kind":"OPEN"}`},
	} {
		t.Run(name, func(t *testing.T) {
			acker := &recordingAcker{}
			handler(messagebroker.NewMessage(msg.subject, []byte(msg.data), 1, acker))
			acks, naks, terms := acker.counts()
			assert.Equal(t, 1, terms)
			assert.Zero(t, acks)
			assert.Zero(t, naks)
		})
	}

	got, err := store.Deliveries().GetByID(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Events, "invalid events must not reach the ledger")
}

func TestEventConsumer_RedeliversFailedEvent(t *testing.T) {
	store := memory.NewStore()
	rec := dispatchedRecord(t, store, uuid.New(), "ses-abc", true)
	deliveries := &flakyDeliveries{DeliveryRepository: store.Deliveries()}
	deliveries.failures.Store(1)
	handler := startConsumer(t, NewEventReconciler(deliveries, nil, 3, discardLogger()), testConsumerConfig(5))
	data := []byte(`{"message_id":"ses-abc","event_kind":"BOUNCE","payload":{"bounce_type":"Permanent"}}`)

	first := &recordingAcker{}
	handler(messagebroker.NewMessage("email.events.raw.ses", data, 1, first))
	assert.Eventually(t, func() bool {
		_, naks, _ := first.counts()
		return naks == 1
	}, 2*time.Second, 10*time.Millisecond)
	acks, _, terms := first.counts()
	assert.Zero(t, acks, "a failed event is not acknowledged")
	assert.Zero(t, terms)
	first.mu.Lock()
	assert.LessOrEqual(t, first.naks[0], 10*time.Millisecond, "the first redelivery waits at most the base delay")
	first.mu.Unlock()

	got, err := store.Deliveries().GetByID(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSent, got.Status)

	// The stream hands the same event back as its second delivery.
	second := &recordingAcker{}
	handler(messagebroker.NewMessage("email.events.raw.ses", data, 2, second))
	assert.Eventually(t, func() bool {
		acks, _, _ := second.counts()
		return acks == 1
	}, 2*time.Second, 10*time.Millisecond)

	got, err = store.Deliveries().GetByID(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusBounced, got.Status)
	assert.Equal(t, domain.BounceHard, got.BounceType)
	assert.Len(t, got.Events, 1)
}

func TestEventConsumer_GivesUpAfterMaxDeliver(t *testing.T) {
	store := memory.NewStore()
	dispatchedRecord(t, store, uuid.New(), "ses-abc", true)
	deliveries := &flakyDeliveries{DeliveryRepository: store.Deliveries()}
	deliveries.failures.Store(100)
	handler := startConsumer(t, NewEventReconciler(deliveries, nil, 1, discardLogger()), testConsumerConfig(3))

	last := &recordingAcker{}
	handler(messagebroker.NewMessage("email.events.raw.ses", []byte(`{"message_id":"ses-abc","event_kind":"OPEN"}`), 3, last))
	assert.Eventually(t, func() bool {
		_, _, terms := last.counts()
		return terms == 1
	}, 2*time.Second, 10*time.Millisecond)
	acks, naks, _ := last.counts()
	assert.Zero(t, acks)
	assert.Zero(t, naks)
}

func TestEventConsumer_Decode(t *testing.T) {
	c := NewEventConsumer(new(mockNATSClient), nil, testConsumerConfig(5), discardLogger())

	evt, err := c.decode([]byte(`{"message_id":"m1","event_kind":" click ","payload":{"link":"https://x"}}`))
	require.NoError(t, err)
	assert.Equal(t, domain.EventClick, evt.Kind)
	assert.Equal(t, "https://x", evt.Link())

	_, err = c.decode([]byte(`{"message_id":"m1"}`))
	assert.Error(t, err)
}
