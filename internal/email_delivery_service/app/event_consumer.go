package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/aradsms/email_gateway/internal/email_delivery_service/domain"
	"github.com/aradsms/email_gateway/internal/platform/messagebroker"
)

// ProviderEvent is a normalized delivery event together with the provider that reported it.
// Msg settles the JetStream delivery it came from.
type ProviderEvent struct {
	ProviderName string
	Event        domain.DeliveryEvent
	Msg          messagebroker.Message
}

// EventConsumerConfig binds the consumer to its stream. Every instance sharing Durable
// splits the deliveries between them.
type EventConsumerConfig struct {
	SubjectPrefix string
	Stream        string
	Durable       string
	AckWait       time.Duration
	MaxDeliver    int
	RedeliveryMin time.Duration
	RedeliveryMax time.Duration
}

// EventConsumer receives raw delivery events stored on <prefix>.<provider> and feeds them to a
// pool of reconciliation workers. An event is acknowledged only after it has been applied;
// failures are negatively acknowledged so the stream redelivers them.
type EventConsumer struct {
	natsClient messagebroker.NATSClient
	reconciler *EventReconciler
	validate   *validator.Validate
	logger     *slog.Logger
	cfg        EventConsumerConfig
	backoff    *Backoff
	events     chan ProviderEvent
	timeout    time.Duration
}

func NewEventConsumer(natsClient messagebroker.NATSClient, reconciler *EventReconciler, cfg EventConsumerConfig, logger *slog.Logger) *EventConsumer {
	cfg.SubjectPrefix = strings.TrimSuffix(cfg.SubjectPrefix, ".")
	if cfg.AckWait <= 0 {
		cfg.AckWait = time.Minute
	}
	if cfg.MaxDeliver < 1 {
		cfg.MaxDeliver = 10
	}
	return &EventConsumer{
		natsClient: natsClient,
		reconciler: reconciler,
		validate:   validator.New(),
		logger:     logger.With("service", "event_consumer"),
		cfg:        cfg,
		backoff:    NewBackoff(cfg.RedeliveryMin, cfg.RedeliveryMax),
		events:     make(chan ProviderEvent, 64),
		timeout:    30 * time.Second,
	}
}

// StartConsuming ensures the event stream exists and binds the durable consumer on <prefix>.*.
func (c *EventConsumer) StartConsuming(ctx context.Context) (messagebroker.Subscription, error) {
	subject := c.cfg.SubjectPrefix + ".*"
	if err := c.natsClient.EnsureStream(ctx, messagebroker.StreamConfig{
		Name:     c.cfg.Stream,
		Subjects: []string{subject},
		MaxAge:   7 * 24 * time.Hour,
	}); err != nil {
		return nil, err
	}
	c.logger.InfoContext(ctx, "Starting delivery event consumer", "subject", subject, "stream", c.cfg.Stream, "durable", c.cfg.Durable)
	return c.natsClient.ConsumeDurable(ctx, messagebroker.ConsumerConfig{
		Stream:        c.cfg.Stream,
		Durable:       c.cfg.Durable,
		FilterSubject: subject,
		AckWait:       c.cfg.AckWait,
		MaxDeliver:    c.cfg.MaxDeliver,
		MaxInFlight:   cap(c.events),
	}, func(msg messagebroker.Message) {
		c.handleMessage(ctx, msg)
	})
}

func (c *EventConsumer) handleMessage(ctx context.Context, msg messagebroker.Message) {
	providerName, err := providerFromSubject(c.cfg.SubjectPrefix, msg.Subject)
	if err != nil {
		c.logger.ErrorContext(ctx, "Invalid NATS subject for delivery event", "error", err, "subject", msg.Subject)
		c.settle(ctx, msg.Term())
		return
	}
	natsEventsReceivedCounter.WithLabelValues(providerName).Inc()

	evt, err := c.decode(msg.Data)
	if err != nil {
		eventsReconciledCounter.WithLabelValues("unknown", "invalid").Inc()
		c.logger.ErrorContext(ctx, "Failed to decode delivery event", "error", err, "subject", msg.Subject, "data_len", len(msg.Data))
		c.settle(ctx, msg.Term())
		return
	}

	select {
	case c.events <- ProviderEvent{ProviderName: providerName, Event: evt, Msg: msg}:
	case <-ctx.Done():
		c.logger.InfoContext(ctx, "Context cancelled, returning delivery event to the stream",
			"provider_name", providerName, "message_id", evt.MessageID, "error", ctx.Err())
		c.settle(ctx, msg.Nak(0))
	}
}

// decode unmarshals and validates an inbound event. Event kinds are accepted in any casing.
func (c *EventConsumer) decode(data []byte) (domain.DeliveryEvent, error) {
	var evt domain.DeliveryEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return evt, fmt.Errorf("unmarshal: %w", err)
	}
	evt.Kind = domain.EventKind(strings.ToUpper(strings.TrimSpace(string(evt.Kind))))
	if err := c.validate.Struct(evt); err != nil {
		return evt, fmt.Errorf("validate: %w", err)
	}
	return evt, nil
}

// Run starts the given number of reconciliation workers and blocks until ctx is cancelled.
func (c *EventConsumer) Run(ctx context.Context, workers int) error {
	if workers < 1 {
		workers = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			c.work(ctx, worker)
		}(i)
	}
	wg.Wait()
	return nil
}

func (c *EventConsumer) work(ctx context.Context, worker int) {
	var processed, failed int
	for {
		select {
		case <-ctx.Done():
			c.logger.InfoContext(ctx, "Delivery event worker stopping", "worker", worker, "processed", processed, "errors", failed)
			return
		case pe := <-c.events:
			jobCtx, cancel := context.WithTimeout(ctx, c.timeout)
			err := c.reconciler.Reconcile(jobCtx, pe.Event)
			cancel()
			if err != nil {
				failed++
				c.redeliver(ctx, pe, err)
				continue
			}
			processed++
			c.settle(ctx, pe.Msg.Ack())
		}
	}
}

// redeliver hands a failed event back to the stream with backoff, or terminates it once it has
// been delivered MaxDeliver times.
func (c *EventConsumer) redeliver(ctx context.Context, pe ProviderEvent, cause error) {
	attempt := int(pe.Msg.Delivered)
	if attempt < 1 {
		attempt = 1
	}
	logger := c.logger.With(
		"provider_name", pe.ProviderName,
		"message_id", pe.Event.MessageID,
		"event_kind", pe.Event.Kind,
		"delivery", attempt,
	)
	if attempt >= c.cfg.MaxDeliver {
		eventsRedeliveredCounter.WithLabelValues(string(pe.Event.Kind), "exhausted").Inc()
		logger.ErrorContext(ctx, "Giving up on delivery event after max deliveries", "error", cause)
		c.settle(ctx, pe.Msg.Term())
		return
	}
	delay := c.backoff.Jittered(attempt)
	eventsRedeliveredCounter.WithLabelValues(string(pe.Event.Kind), "nak").Inc()
	logger.WarnContext(ctx, "Failed to reconcile delivery event, scheduling redelivery", "error", cause, "delay", delay)
	c.settle(ctx, pe.Msg.Nak(delay))
}

func (c *EventConsumer) settle(ctx context.Context, err error) {
	if err != nil {
		c.logger.WarnContext(ctx, "Failed to settle delivery event with the stream", "error", err)
	}
}

func providerFromSubject(prefix, subject string) (string, error) {
	if !strings.HasPrefix(subject, prefix+".") {
		return "", fmt.Errorf("subject %q does not start with %q", subject, prefix)
	}
	name := strings.TrimPrefix(subject, prefix+".")
	if name == "" || name == "*" || name == ">" || strings.Contains(name, ".") {
		return "", fmt.Errorf("no provider name in subject %q", subject)
	}
	return name, nil
}
