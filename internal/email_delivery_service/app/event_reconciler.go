package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aradsms/email_gateway/internal/email_delivery_service/domain"
)

// EventReconciler applies normalized provider events to delivery records. Each event is
// applied under the record's exclusive lock; the whole unit of work is retried when the
// store reports a conflict.
type EventReconciler struct {
	deliveries  domain.DeliveryRepository
	tracker     ReputationTracker
	logger      *slog.Logger
	now         func() time.Time
	maxAttempts int
	retryDelay  time.Duration
}

func NewEventReconciler(deliveries domain.DeliveryRepository, tracker ReputationTracker, maxAttempts int, logger *slog.Logger) *EventReconciler {
	if tracker == nil {
		tracker = NoopReputationTracker{}
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &EventReconciler{
		deliveries:  deliveries,
		tracker:     tracker,
		logger:      logger.With("service", "event_reconciler"),
		now:         time.Now,
		maxAttempts: maxAttempts,
		retryDelay:  50 * time.Millisecond,
	}
}

// Reconcile applies evt. An event whose message id matches no record is logged and dropped
// (nil error): it may belong to a message sent outside this ledger.
func (r *EventReconciler) Reconcile(ctx context.Context, evt domain.DeliveryEvent) error {
	kind, err := domain.ParseEventKind(string(evt.Kind))
	if err != nil {
		eventsReconciledCounter.WithLabelValues("unknown", "invalid").Inc()
		return err
	}
	evt.Kind = kind
	evt.MessageID = strings.TrimSpace(evt.MessageID)
	if evt.MessageID == "" {
		eventsReconciledCounter.WithLabelValues(string(kind), "invalid").Inc()
		return errors.New("delivery event without message id")
	}

	start := time.Now()
	defer func() {
		reconcileDurationHist.WithLabelValues(string(kind)).Observe(time.Since(start).Seconds())
	}()

	occurredAt := evt.OccurredAt(r.now())
	var notify *ReputationEvent
	for attempt := 1; ; attempt++ {
		notify = nil
		err = r.deliveries.MutateByProviderMessageID(ctx, evt.MessageID, func(m *domain.DeliveryMutation) error {
			notify = applyEvent(m, evt, occurredAt, r.now())
			return nil
		})
		if err == nil || !errors.Is(err, domain.ErrConcurrentUpdate) || attempt >= r.maxAttempts {
			break
		}
		r.logger.WarnContext(ctx, "Conflict applying delivery event, retrying",
			"message_id", evt.MessageID, "event_kind", kind, "attempt", attempt)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * r.retryDelay):
		}
	}

	switch {
	case errors.Is(err, domain.ErrDeliveryRecordNotFound):
		eventsReconciledCounter.WithLabelValues(string(kind), "unmatched").Inc()
		r.logger.WarnContext(ctx, "No delivery record for provider message id", "message_id", evt.MessageID, "event_kind", kind)
		return nil
	case err != nil:
		eventsReconciledCounter.WithLabelValues(string(kind), "error").Inc()
		return fmt.Errorf("reconcile %s event for %s: %w", kind, evt.MessageID, err)
	}
	eventsReconciledCounter.WithLabelValues(string(kind), "applied").Inc()

	if notify != nil {
		if err := r.tracker.UpdateReputation(ctx, *notify); err != nil {
			r.logger.ErrorContext(ctx, "Failed to notify reputation tracker", "error", err, "tenant_id", notify.TenantID, "event_kind", kind)
		}
	}
	return nil
}

// applyEvent mutates the locked record and queue item for one event. It returns the
// reputation notification to send after commit, if any.
func applyEvent(m *domain.DeliveryMutation, evt domain.DeliveryEvent, at, now time.Time) *ReputationEvent {
	rec := m.Record
	rec.AppendEvent(evt.Kind, at, evt.RawPayload())
	rec.UpdatedAt = now.UTC()

	reputable := false
	switch evt.Kind {
	case domain.EventSend:
		if rec.SentAt == nil || at.Before(*rec.SentAt) {
			rec.SentAt = &at
		}
		if rec.Status == domain.StatusQueued || rec.Status == domain.StatusFailed || rec.Status == domain.StatusSent {
			rec.Status = domain.StatusSent
		}

	case domain.EventDelivery:
		if rec.DeliveredAt == nil || at.After(*rec.DeliveredAt) {
			rec.DeliveredAt = &at
		}
		switch rec.Status {
		case domain.StatusQueued, domain.StatusFailed, domain.StatusSent, domain.StatusDelivered:
			rec.Status = domain.StatusDelivered
		}
		reputable = !rec.Status.IsNegativeTerminal()

	case domain.EventBounce:
		rec.Status = domain.StatusBounced
		rec.BouncedAt = &at
		rec.BounceType = evt.BounceClassification()
		rec.BounceReason = evt.BounceReason()
		if m.QueueItem != nil {
			m.QueueItem.MarkFailed(bounceItemReason(rec.BounceReason), now)
		}
		reputable = true

	case domain.EventComplaint:
		rec.Status = domain.StatusComplained
		rec.BouncedAt = &at
		rec.BounceType = domain.BounceComplaint
		rec.BounceReason = evt.FeedbackType()
		rec.IsSpam = true
		if m.QueueItem != nil {
			m.QueueItem.MarkFailed(complaintItemReason(rec.BounceReason), now)
		}
		reputable = true

	case domain.EventOpen:
		if rec.OpenedAt == nil {
			rec.OpenedAt = &at
		}
		switch rec.Status {
		case domain.StatusDelivered, domain.StatusSent, domain.StatusOpened:
			rec.Status = domain.StatusOpened
		}
		captureClient(rec, evt)
		rec.RecomputeEngagement()

	case domain.EventClick:
		if rec.ClickedAt == nil {
			rec.ClickedAt = &at
		}
		if !rec.Status.IsNegativeTerminal() {
			rec.Status = domain.StatusClicked
		}
		captureClient(rec, evt)
		rec.RecomputeEngagement()
	}

	if !reputable || rec.TenantID == nil {
		return nil
	}
	return &ReputationEvent{
		TenantID:   *rec.TenantID,
		RecordID:   rec.ID,
		Kind:       evt.Kind,
		BounceType: rec.BounceType,
		OccurredAt: at,
	}
}

func captureClient(rec *domain.DeliveryRecord, evt domain.DeliveryEvent) {
	if ua := evt.UserAgent(); ua != "" {
		rec.UserAgent = ua
	}
	if ip := evt.IPAddress(); ip != "" {
		rec.IPAddress = ip
	}
}

func bounceItemReason(reason string) string {
	if reason == "" {
		return "Bounced"
	}
	return reason
}

func complaintItemReason(feedback string) string {
	if feedback == "" {
		return "Complaint"
	}
	return "Complaint: " + feedback
}
