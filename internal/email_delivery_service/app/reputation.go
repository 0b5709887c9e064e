package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aradsms/email_gateway/internal/email_delivery_service/domain"
	"github.com/aradsms/email_gateway/internal/platform/messagebroker"
)

// ReputationEvent tells a reputation scorer about a delivery, bounce or complaint.
type ReputationEvent struct {
	TenantID   uuid.UUID         `json:"tenant_id"`
	RecordID   uuid.UUID         `json:"record_id"`
	Kind       domain.EventKind  `json:"event_kind"`
	BounceType domain.BounceType `json:"bounce_type,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// ReputationTracker receives reputation-relevant outcomes after they are committed.
type ReputationTracker interface {
	UpdateReputation(ctx context.Context, evt ReputationEvent) error
}

// NoopReputationTracker discards notifications.
type NoopReputationTracker struct{}

func (NoopReputationTracker) UpdateReputation(context.Context, ReputationEvent) error { return nil }

// NATSReputationPublisher publishes notifications to <prefix>.<kind> for an external scorer.
type NATSReputationPublisher struct {
	nats   messagebroker.NATSClient
	prefix string
	logger *slog.Logger
}

func NewNATSReputationPublisher(nc messagebroker.NATSClient, prefix string, logger *slog.Logger) *NATSReputationPublisher {
	return &NATSReputationPublisher{
		nats:   nc,
		prefix: strings.TrimSuffix(prefix, "."),
		logger: logger.With("component", "reputation_publisher"),
	}
}

func (p *NATSReputationPublisher) UpdateReputation(ctx context.Context, evt ReputationEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal reputation event: %w", err)
	}
	subject := p.prefix + "." + strings.ToLower(string(evt.Kind))
	if err := p.nats.Publish(ctx, subject, data); err != nil {
		return err
	}
	p.logger.DebugContext(ctx, "Published reputation event", "subject", subject, "tenant_id", evt.TenantID, "record_id", evt.RecordID)
	return nil
}
