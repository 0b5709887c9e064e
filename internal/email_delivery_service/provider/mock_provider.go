package provider

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aradsms/email_gateway/internal/email_delivery_service/classifier"
)

// MockEmailProvider accepts everything unless told otherwise. Used for local runs and tests.
type MockEmailProvider struct {
	logger         *slog.Logger
	name           string
	SimulatedDelay time.Duration

	mu      sync.Mutex
	failErr error
	sent    []Message
}

func NewMockEmailProvider(logger *slog.Logger, name string, delay time.Duration) *MockEmailProvider {
	if name == "" {
		name = "mock"
	}
	return &MockEmailProvider{logger: logger.With("provider", name), name: name, SimulatedDelay: delay}
}

// FailWith makes subsequent sends return err; nil restores success.
func (p *MockEmailProvider) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failErr = err
}

// Sent returns a copy of the accepted messages.
func (p *MockEmailProvider) Sent() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Message, len(p.sent))
	copy(out, p.sent)
	return out
}

func (p *MockEmailProvider) Send(ctx context.Context, msg Message) (string, error) {
	if p.SimulatedDelay > 0 {
		select {
		case <-time.After(p.SimulatedDelay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failErr != nil {
		p.logger.WarnContext(ctx, "Mock provider simulated failure", "recipient", msg.To)
		return "", p.failErr
	}
	p.sent = append(p.sent, msg)
	id := p.name + "-" + uuid.NewString()
	p.logger.DebugContext(ctx, "Mock provider accepted email", "recipient", msg.To, "provider_message_id", id)
	return id, nil
}

func (p *MockEmailProvider) Name() string { return p.name }

func (p *MockEmailProvider) Family() classifier.Family { return classifier.FamilySMTP }
