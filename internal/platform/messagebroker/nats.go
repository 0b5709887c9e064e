package messagebroker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Acker settles a JetStream delivery.
type Acker interface {
	Ack() error
	NakWithDelay(delay time.Duration) error
	Term() error
}

// Message is the subset of a NATS message that handlers consume.
type Message struct {
	Subject string
	Data    []byte
	// Delivered is the JetStream delivery count, starting at 1. Core NATS messages carry 0.
	Delivered uint64

	acker Acker
}

// NewMessage builds a message settled through acker. A nil acker makes settlement a no-op.
func NewMessage(subject string, data []byte, delivered uint64, acker Acker) Message {
	return Message{Subject: subject, Data: data, Delivered: delivered, acker: acker}
}

// Ack confirms processing; the message is not redelivered.
func (m Message) Ack() error {
	if m.acker == nil {
		return nil
	}
	return m.acker.Ack()
}

// Nak asks for redelivery after delay.
func (m Message) Nak(delay time.Duration) error {
	if m.acker == nil {
		return nil
	}
	return m.acker.NakWithDelay(delay)
}

// Term drops a message that can never be processed.
func (m Message) Term() error {
	if m.acker == nil {
		return nil
	}
	return m.acker.Term()
}

// Subscription can be drained or unsubscribed on shutdown.
type Subscription interface {
	Unsubscribe() error
	Drain() error
}

// StreamConfig describes a JetStream stream.
type StreamConfig struct {
	Name     string
	Subjects []string
	MaxAge   time.Duration
}

// ConsumerConfig describes a durable, explicitly acknowledged JetStream consumer. Every service
// instance binding the same Durable shares its deliveries.
type ConsumerConfig struct {
	Stream        string
	Durable       string
	FilterSubject string
	AckWait       time.Duration
	MaxDeliver    int
	// MaxInFlight bounds how many unacknowledged messages the client buffers.
	MaxInFlight int
}

// NATSClient is the broker contract the application depends on; tests substitute a mock.
type NATSClient interface {
	// Publish is a fire-and-forget core NATS publish.
	Publish(ctx context.Context, subject string, data []byte) error
	// PublishPersistent returns once the stream has stored the message.
	PublishPersistent(ctx context.Context, subject string, data []byte) error
	SubscribeToSubjectWithQueue(ctx context.Context, subject, queueGroup string, handler func(msg Message)) (Subscription, error)
	EnsureStream(ctx context.Context, cfg StreamConfig) error
	ConsumeDurable(ctx context.Context, cfg ConsumerConfig, handler func(msg Message)) (Subscription, error)
	Close()
}

type natsClient struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	logger *slog.Logger
}

// NewNATSClient connects to NATS with reconnect handling and opens a JetStream context.
// natsURL example: "nats://localhost:4222"
func NewNATSClient(natsURL, appName string, logger *slog.Logger) (NATSClient, error) {
	log := logger.With("component", "nats_client")
	nc, err := nats.Connect(natsURL,
		nats.Name(appName),
		nats.Timeout(5*time.Second),
		nats.PingInterval(20*time.Second),
		nats.MaxPingsOutstanding(3),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("NATS reconnected", "url", c.ConnectedUrl())
		}),
		nats.ClosedHandler(func(c *nats.Conn) {
			log.Info("NATS connection closed", "last_error", c.LastError())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}
	return &natsClient{conn: nc, js: js, logger: log}, nil
}

func (c *natsClient) Publish(ctx context.Context, subject string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	return nil
}

func (c *natsClient) PublishPersistent(ctx context.Context, subject string, data []byte) error {
	ack, err := c.js.Publish(ctx, subject, data)
	if err != nil {
		return fmt.Errorf("jetstream publish to %s: %w", subject, err)
	}
	c.logger.DebugContext(ctx, "Stored message in stream", "subject", subject, "stream", ack.Stream, "sequence", ack.Sequence)
	return nil
}

// SubscribeToSubjectWithQueue registers handler on a queue subscription. Handlers run on the NATS
// delivery goroutine, one message at a time per subscription.
func (c *natsClient) SubscribeToSubjectWithQueue(ctx context.Context, subject, queueGroup string, handler func(msg Message)) (Subscription, error) {
	if handler == nil {
		return nil, errors.New("nil NATS message handler")
	}
	sub, err := c.conn.QueueSubscribe(subject, queueGroup, func(m *nats.Msg) {
		handler(Message{Subject: m.Subject, Data: m.Data})
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s (queue %s): %w", subject, queueGroup, err)
	}
	c.logger.InfoContext(ctx, "Subscribed to NATS subject", "subject", subject, "queue_group", queueGroup)
	return sub, nil
}

// EnsureStream creates the stream or updates it to cfg.
func (c *natsClient) EnsureStream(ctx context.Context, cfg StreamConfig) error {
	_, err := c.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     cfg.Name,
		Subjects: cfg.Subjects,
		MaxAge:   cfg.MaxAge,
		Storage:  jetstream.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("ensure stream %s: %w", cfg.Name, err)
	}
	c.logger.InfoContext(ctx, "JetStream stream ready", "stream", cfg.Name, "subjects", cfg.Subjects)
	return nil
}

// ConsumeDurable binds (or creates) a durable pull consumer and delivers its messages to handler.
// The handler owns settlement: unacknowledged messages come back after AckWait.
func (c *natsClient) ConsumeDurable(ctx context.Context, cfg ConsumerConfig, handler func(msg Message)) (Subscription, error) {
	if handler == nil {
		return nil, errors.New("nil NATS message handler")
	}
	cons, err := c.js.CreateOrUpdateConsumer(ctx, cfg.Stream, jetstream.ConsumerConfig{
		Durable:       cfg.Durable,
		FilterSubject: cfg.FilterSubject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       cfg.AckWait,
		MaxDeliver:    cfg.MaxDeliver,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("create consumer %s on %s: %w", cfg.Durable, cfg.Stream, err)
	}

	var opts []jetstream.PullConsumeOpt
	if cfg.MaxInFlight > 0 {
		opts = append(opts, jetstream.PullMaxMessages(cfg.MaxInFlight))
	}
	cc, err := cons.Consume(func(m jetstream.Msg) {
		var delivered uint64
		if meta, err := m.Metadata(); err == nil {
			delivered = meta.NumDelivered
		}
		handler(NewMessage(m.Subject(), m.Data(), delivered, m))
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", cfg.Durable, err)
	}
	c.logger.InfoContext(ctx, "Consuming JetStream durable",
		"stream", cfg.Stream, "durable", cfg.Durable, "filter_subject", cfg.FilterSubject, "max_deliver", cfg.MaxDeliver)
	return consumeSubscription{cc: cc}, nil
}

type consumeSubscription struct {
	cc jetstream.ConsumeContext
}

func (s consumeSubscription) Unsubscribe() error {
	s.cc.Stop()
	return nil
}

// Drain stops pulling; buffered messages the handler did not settle are redelivered elsewhere.
func (s consumeSubscription) Drain() error {
	s.cc.Stop()
	return nil
}

// Close drains pending messages before closing the connection.
func (c *natsClient) Close() {
	if c.conn == nil || c.conn.IsClosed() {
		return
	}
	if err := c.conn.Drain(); err != nil {
		c.logger.Warn("NATS drain failed, closing", "error", err)
		c.conn.Close()
	}
}
