package domain

import (
	"time"

	"github.com/google/uuid"
)

// QueueItemStatus is the state of a rendered payload in the send pipeline.
type QueueItemStatus string

const (
	QueueItemPending QueueItemStatus = "PENDING"
	QueueItemSending QueueItemStatus = "SENDING"
	QueueItemRetry   QueueItemStatus = "RETRY"
	QueueItemSent    QueueItemStatus = "SENT"
	QueueItemFailed  QueueItemStatus = "FAILED"
)

// QueueItem is the rendered, ready-to-send payload.
type QueueItem struct {
	ID            uuid.UUID         `json:"id"`
	TenantID      *uuid.UUID        `json:"tenant_id,omitempty"`
	Provider      string            `json:"provider,omitempty"`
	Recipient     string            `json:"recipient"`
	Sender        string            `json:"sender"`
	Subject       string            `json:"subject"`
	HTMLBody      string            `json:"html_body,omitempty"`
	TextBody      string            `json:"text_body,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	Priority      int               `json:"priority"`
	Status        QueueItemStatus   `json:"status"`
	Attempts      int               `json:"attempts"`
	ScheduledAt   time.Time         `json:"scheduled_at"`
	NextAttemptAt *time.Time        `json:"next_attempt_at,omitempty"`
	ErrorMessage  string            `json:"error_message,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// MarkFailed moves the item to FAILED unless it already is. It reports whether it changed.
func (q *QueueItem) MarkFailed(reason string, at time.Time) bool {
	if q.Status == QueueItemFailed {
		return false
	}
	q.Status = QueueItemFailed
	q.ErrorMessage = reason
	q.NextAttemptAt = nil
	q.UpdatedAt = at.UTC()
	return true
}

// MarkSent records a successful hand-off to the provider.
func (q *QueueItem) MarkSent(at time.Time) {
	q.Status = QueueItemSent
	q.ErrorMessage = ""
	q.NextAttemptAt = nil
	q.UpdatedAt = at.UTC()
}

// Claim marks the item SENDING. Until leaseUntil passes no other poller may take it; afterwards
// a claim that never finished is treated as due again.
func (q *QueueItem) Claim(leaseUntil, at time.Time) {
	q.Status = QueueItemSending
	lease := leaseUntil.UTC()
	q.NextAttemptAt = &lease
	q.UpdatedAt = at.UTC()
}

// ScheduleRetry parks the item until next.
func (q *QueueItem) ScheduleRetry(reason string, next time.Time, at time.Time) {
	q.Status = QueueItemRetry
	q.ErrorMessage = reason
	n := next.UTC()
	q.NextAttemptAt = &n
	q.UpdatedAt = at.UTC()
}
