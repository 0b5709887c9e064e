package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOccurredAt(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	e := DeliveryEvent{Timestamp: "2026-04-30T08:15:00.123+02:00"}
	assert.Equal(t, time.Date(2026, 4, 30, 6, 15, 0, 123000000, time.UTC), e.OccurredAt(now))

	e = DeliveryEvent{Payload: map[string]any{"timestamp": "2026-04-30 08:15:00"}}
	assert.Equal(t, time.Date(2026, 4, 30, 8, 15, 0, 0, time.UTC), e.OccurredAt(now))

	e = DeliveryEvent{Timestamp: "yesterday-ish"}
	assert.Equal(t, now, e.OccurredAt(now))

	local := time.Date(2026, 5, 1, 14, 0, 0, 0, time.FixedZone("CEST", 2*3600))
	assert.Equal(t, time.UTC, DeliveryEvent{}.OccurredAt(local).Location())
}

func TestBounceReasonAndClassification(t *testing.T) {
	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(`{
		"bounce_type": "Permanent",
		"bounced_recipients": [
			{"address": "a@x.io", "diagnostic": "smtp; 550 5.1.1 user unknown"},
			{"address": "b@x.io", "diagnostic": "smtp; 552 mailbox full"}
		]}`), &payload))
	e := DeliveryEvent{Kind: EventBounce, Payload: payload}

	assert.Equal(t, BounceHard, e.BounceClassification())
	assert.Equal(t, "a@x.io: smtp; 550 5.1.1 user unknown; b@x.io: smtp; 552 mailbox full", e.BounceReason())

	e.Payload["bounce_type"] = "Transient"
	assert.Equal(t, BounceSoft, e.BounceClassification())
	delete(e.Payload, "bounce_type")
	assert.Equal(t, BounceSoft, e.BounceClassification(), "undetermined bounces are soft")
}

func TestEngagementAccessors(t *testing.T) {
	e := DeliveryEvent{Payload: map[string]any{"user_agent": " Mozilla ", "ip_address": "10.0.0.1", "link": "https://x.io", "feedback_type": "abuse"}}
	assert.Equal(t, "Mozilla", e.UserAgent())
	assert.Equal(t, "10.0.0.1", e.IPAddress())
	assert.Equal(t, "https://x.io", e.Link())
	assert.Equal(t, "abuse", e.FeedbackType())
	assert.JSONEq(t, `{"user_agent":" Mozilla ","ip_address":"10.0.0.1","link":"https://x.io","feedback_type":"abuse"}`, string(e.RawPayload()))
	assert.JSONEq(t, `{}`, string(DeliveryEvent{}.RawPayload()))
}

func TestParseEventKind(t *testing.T) {
	k, err := ParseEventKind("click")
	require.NoError(t, err)
	assert.Equal(t, EventClick, k)

	_, err = ParseEventKind("reject")
	assert.ErrorIs(t, err, ErrUnknownEventKind)
}
