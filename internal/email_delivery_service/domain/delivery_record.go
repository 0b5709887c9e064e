package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DeliveryStatus is the lifecycle state of a delivery record.
type DeliveryStatus string

const (
	StatusQueued     DeliveryStatus = "QUEUED"
	StatusSent       DeliveryStatus = "SENT"
	StatusDelivered  DeliveryStatus = "DELIVERED"
	StatusOpened     DeliveryStatus = "OPENED"
	StatusClicked    DeliveryStatus = "CLICKED"
	StatusBounced    DeliveryStatus = "BOUNCED"
	StatusComplained DeliveryStatus = "COMPLAINED"
	StatusFailed     DeliveryStatus = "FAILED" // pre-send failure
)

// ParseDeliveryStatus accepts any casing of a known status.
func ParseDeliveryStatus(s string) (DeliveryStatus, error) {
	st := DeliveryStatus(strings.ToUpper(strings.TrimSpace(s)))
	switch st {
	case StatusQueued, StatusSent, StatusDelivered, StatusOpened, StatusClicked,
		StatusBounced, StatusComplained, StatusFailed:
		return st, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStatus, s)
}

// IsNegativeTerminal reports whether the status is a bounce or complaint, which later
// success or engagement events never overwrite.
func (s DeliveryStatus) IsNegativeTerminal() bool {
	return s == StatusBounced || s == StatusComplained
}

func (s DeliveryStatus) in(set ...DeliveryStatus) bool {
	for _, v := range set {
		if s == v {
			return true
		}
	}
	return false
}

// BounceType classifies a bounce entry.
type BounceType string

const (
	BounceNone      BounceType = ""
	BounceHard      BounceType = "HARD"
	BounceSoft      BounceType = "SOFT"
	BounceComplaint BounceType = "COMPLAINT"
)

// RecordScope separates tenant-owned records from global (platform) ones.
type RecordScope string

const (
	ScopeTenant RecordScope = "TENANT"
	ScopeGlobal RecordScope = "GLOBAL"
)

// EventEntry is one element of a record's append-only event history.
type EventEntry struct {
	Kind      EventKind       `json:"kind"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// DeliveryRecord is the durable ledger entry for one dispatch attempt.
type DeliveryRecord struct {
	ID         uuid.UUID   `json:"id"`
	Scope      RecordScope `json:"scope"`
	TenantID   *uuid.UUID  `json:"tenant_id,omitempty"`
	Product    string      `json:"product,omitempty"`
	RuleID     *uuid.UUID  `json:"rule_id,omitempty"`
	TemplateID *uuid.UUID  `json:"template_id,omitempty"`

	// QueueItemID is a weak back-reference to the rendered payload.
	QueueItemID *uuid.UUID `json:"queue_item_id,omitempty"`

	Provider          string  `json:"provider,omitempty"`
	ProviderMessageID *string `json:"provider_message_id,omitempty"`

	Recipient string `json:"recipient"`
	Sender    string `json:"sender"`
	Subject   string `json:"subject"`

	Status      DeliveryStatus `json:"status"`
	SentAt      *time.Time     `json:"sent_at,omitempty"`
	DeliveredAt *time.Time     `json:"delivered_at,omitempty"`
	BouncedAt   *time.Time     `json:"bounced_at,omitempty"`
	OpenedAt    *time.Time     `json:"opened_at,omitempty"`
	ClickedAt   *time.Time     `json:"clicked_at,omitempty"`

	BounceType   BounceType `json:"bounce_type,omitempty"`
	BounceReason string     `json:"bounce_reason,omitempty"`
	IsSpam       bool       `json:"is_spam"`

	OpenCount        int    `json:"open_count"`
	ClickCount       int    `json:"click_count"`
	UniqueClickCount int    `json:"unique_click_count"`
	UserAgent        string `json:"user_agent,omitempty"`
	IPAddress        string `json:"ip_address,omitempty"`
	ErrorMessage     string `json:"error_message,omitempty"`

	Events []EventEntry `json:"events"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewRecordParams are the inputs of record creation at admission time.
type NewRecordParams struct {
	Scope      RecordScope
	TenantID   *uuid.UUID
	Product    string
	RuleID     *uuid.UUID
	TemplateID *uuid.UUID
	Provider   string
	Recipient  string
	Sender     string
	Subject    string
}

// Validate enforces the scope/tenant exclusivity rule.
func (p NewRecordParams) Validate() error {
	switch p.Scope {
	case ScopeTenant:
		if p.TenantID == nil || *p.TenantID == uuid.Nil {
			return fmt.Errorf("%w: tenant-scoped record requires a tenant id", ErrInvalidScope)
		}
	case ScopeGlobal:
		if p.TenantID != nil {
			return fmt.Errorf("%w: global record must not carry a tenant id", ErrInvalidScope)
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidScope, p.Scope)
	}
	if strings.TrimSpace(p.Recipient) == "" || strings.TrimSpace(p.Sender) == "" {
		return ErrMissingAddress
	}
	return nil
}

// NewDeliveryRecord creates a record in QUEUED status.
func NewDeliveryRecord(p NewRecordParams, now time.Time) (*DeliveryRecord, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	now = now.UTC()
	return &DeliveryRecord{
		ID:         uuid.New(),
		Scope:      p.Scope,
		TenantID:   p.TenantID,
		Product:    p.Product,
		RuleID:     p.RuleID,
		TemplateID: p.TemplateID,
		Provider:   p.Provider,
		Recipient:  p.Recipient,
		Sender:     p.Sender,
		Subject:    p.Subject,
		Status:     StatusQueued,
		Events:     []EventEntry{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// AppendEvent adds an entry to the event history.
func (r *DeliveryRecord) AppendEvent(kind EventKind, at time.Time, payload json.RawMessage) {
	r.Events = append(r.Events, EventEntry{Kind: kind, Timestamp: at.UTC(), Payload: payload})
}

// RecomputeEngagement derives open/click/unique-click counters by replaying the event history.
func (r *DeliveryRecord) RecomputeEngagement() {
	opens, clicks := 0, 0
	links := make(map[string]struct{})
	for _, e := range r.Events {
		switch e.Kind {
		case EventOpen:
			opens++
		case EventClick:
			clicks++
			if link := linkOf(e.Payload); link != "" {
				links[link] = struct{}{}
			}
		}
	}
	r.OpenCount = opens
	r.ClickCount = clicks
	r.UniqueClickCount = len(links)
}

func linkOf(payload json.RawMessage) string {
	if len(payload) == 0 {
		return ""
	}
	var p struct {
		Link string `json:"link"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return ""
	}
	return strings.TrimSpace(p.Link)
}

// MarkDispatched records a successful provider hand-off.
func (r *DeliveryRecord) MarkDispatched(provider, providerMessageID string, at time.Time) {
	at = at.UTC()
	r.Provider = provider
	if providerMessageID != "" {
		id := providerMessageID
		r.ProviderMessageID = &id
	}
	if r.SentAt == nil || at.Before(*r.SentAt) {
		r.SentAt = &at
	}
	if r.Status.in(StatusQueued, StatusFailed) {
		r.Status = StatusSent
	}
	r.UpdatedAt = at
}

// MarkFailed records a terminal pre-send failure.
func (r *DeliveryRecord) MarkFailed(message string, at time.Time) {
	if r.Status.IsNegativeTerminal() {
		return
	}
	r.Status = StatusFailed
	r.ErrorMessage = message
	r.UpdatedAt = at.UTC()
}
