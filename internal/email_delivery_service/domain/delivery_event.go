package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// EventKind enumerates normalized provider delivery events.
type EventKind string

const (
	EventSend      EventKind = "SEND"
	EventDelivery  EventKind = "DELIVERY"
	EventBounce    EventKind = "BOUNCE"
	EventComplaint EventKind = "COMPLAINT"
	EventOpen      EventKind = "OPEN"
	EventClick     EventKind = "CLICK"
)

// ParseEventKind accepts any casing of a known kind.
func ParseEventKind(s string) (EventKind, error) {
	k := EventKind(strings.ToUpper(strings.TrimSpace(s)))
	switch k {
	case EventSend, EventDelivery, EventBounce, EventComplaint, EventOpen, EventClick:
		return k, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownEventKind, s)
}

// DeliveryEvent is the provider-independent shape every webhook adapter produces.
type DeliveryEvent struct {
	MessageID string         `json:"message_id" validate:"required"`
	Kind      EventKind      `json:"event_kind" validate:"required,oneof=SEND DELIVERY BOUNCE COMPLAINT OPEN CLICK"`
	Timestamp string         `json:"timestamp,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// BouncedRecipient is one affected address of a bounce.
type BouncedRecipient struct {
	Address    string `json:"address"`
	Diagnostic string `json:"diagnostic"`
}

var eventTimeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.000Z0700",
	"2006-01-02T15:04:05Z0700",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// OccurredAt resolves the event time from the top-level timestamp, then payload["timestamp"],
// falling back to now. The result is always UTC.
func (e DeliveryEvent) OccurredAt(now time.Time) time.Time {
	for _, raw := range []string{e.Timestamp, e.payloadString("timestamp")} {
		if t, ok := parseEventTime(raw); ok {
			return t
		}
	}
	return now.UTC()
}

func parseEventTime(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range eventTimeLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// RawPayload returns the payload as JSON for the event history.
func (e DeliveryEvent) RawPayload() json.RawMessage {
	if len(e.Payload) == 0 {
		return json.RawMessage(`{}`)
	}
	b, err := json.Marshal(e.Payload)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}

func (e DeliveryEvent) payloadString(key string) string {
	v, ok := e.Payload[key]
	if !ok || v == nil {
		return ""
	}
	switch s := v.(type) {
	case string:
		return strings.TrimSpace(s)
	case fmt.Stringer:
		return s.String()
	default:
		return fmt.Sprint(s)
	}
}

func (e DeliveryEvent) UserAgent() string    { return e.payloadString("user_agent") }
func (e DeliveryEvent) IPAddress() string    { return e.payloadString("ip_address") }
func (e DeliveryEvent) Link() string         { return e.payloadString("link") }
func (e DeliveryEvent) FeedbackType() string { return e.payloadString("feedback_type") }

// BounceClassification maps the provider bounce type: permanent is HARD, anything else SOFT.
func (e DeliveryEvent) BounceClassification() BounceType {
	if strings.EqualFold(e.payloadString("bounce_type"), "permanent") {
		return BounceHard
	}
	return BounceSoft
}

// BouncedRecipients decodes payload["bounced_recipients"].
func (e DeliveryEvent) BouncedRecipients() []BouncedRecipient {
	raw, ok := e.Payload["bounced_recipients"]
	if !ok || raw == nil {
		return nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var out []BouncedRecipient
	if err := json.Unmarshal(b, &out); err != nil {
		return nil
	}
	return out
}

// BounceReason concatenates each affected recipient's address and diagnostic code.
func (e DeliveryEvent) BounceReason() string {
	recipients := e.BouncedRecipients()
	parts := make([]string, 0, len(recipients))
	for _, r := range recipients {
		parts = append(parts, strings.TrimSpace(r.Address+": "+r.Diagnostic))
	}
	return strings.Join(parts, "; ")
}
