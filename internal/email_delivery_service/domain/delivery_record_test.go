package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecomputeEngagement_ReplayDerived(t *testing.T) {
	now := time.Now()
	r := &DeliveryRecord{}
	r.AppendEvent(EventDelivery, now, nil)
	r.AppendEvent(EventOpen, now, json.RawMessage(`{"user_agent":"ua"}`))
	r.AppendEvent(EventClick, now, json.RawMessage(`{"link":"https://a.example"}`))
	r.AppendEvent(EventClick, now, json.RawMessage(`{"link":"https://a.example"}`))
	r.AppendEvent(EventClick, now, json.RawMessage(`{"link":"https://b.example"}`))

	r.RecomputeEngagement()

	assert.Equal(t, 1, r.OpenCount)
	assert.Equal(t, 3, r.ClickCount)
	assert.Equal(t, 2, r.UniqueClickCount)
}

func TestRecomputeEngagement_IgnoresEmptyLinks(t *testing.T) {
	r := &DeliveryRecord{}
	r.AppendEvent(EventClick, time.Now(), json.RawMessage(`{"link":""}`))
	r.AppendEvent(EventClick, time.Now(), json.RawMessage(`not json`))
	r.AppendEvent(EventClick, time.Now(), nil)

	r.RecomputeEngagement()

	assert.Equal(t, 3, r.ClickCount)
	assert.Equal(t, 0, r.UniqueClickCount)
}

func TestNewDeliveryRecord_ScopeExclusivity(t *testing.T) {
	tenant := uuid.New()
	now := time.Now()

	rec, err := NewDeliveryRecord(NewRecordParams{Scope: ScopeTenant, TenantID: &tenant, Recipient: "a@x.io", Sender: "b@x.io"}, now)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, rec.Status)
	assert.NotEqual(t, uuid.Nil, rec.ID)
	assert.NotNil(t, rec.Events)

	_, err = NewDeliveryRecord(NewRecordParams{Scope: ScopeTenant, Recipient: "a@x.io", Sender: "b@x.io"}, now)
	assert.ErrorIs(t, err, ErrInvalidScope)

	_, err = NewDeliveryRecord(NewRecordParams{Scope: ScopeGlobal, TenantID: &tenant, Recipient: "a@x.io", Sender: "b@x.io"}, now)
	assert.ErrorIs(t, err, ErrInvalidScope)

	_, err = NewDeliveryRecord(NewRecordParams{Scope: ScopeGlobal, Recipient: "", Sender: "b@x.io"}, now)
	assert.ErrorIs(t, err, ErrMissingAddress)
}

func TestMarkDispatched_KeepsEarliestSentAt(t *testing.T) {
	early := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	r := &DeliveryRecord{Status: StatusQueued, SentAt: &early}

	r.MarkDispatched("ses", "prov-1", early.Add(time.Minute))

	assert.Equal(t, StatusSent, r.Status)
	assert.Equal(t, early, *r.SentAt)
	require.NotNil(t, r.ProviderMessageID)
	assert.Equal(t, "prov-1", *r.ProviderMessageID)
}

func TestMarkFailed_DoesNotOverrideBounce(t *testing.T) {
	r := &DeliveryRecord{Status: StatusBounced}
	r.MarkFailed("boom", time.Now())
	assert.Equal(t, StatusBounced, r.Status)
}

func TestParseDeliveryStatus(t *testing.T) {
	st, err := ParseDeliveryStatus("bounced")
	require.NoError(t, err)
	assert.Equal(t, StatusBounced, st)

	_, err = ParseDeliveryStatus("lost")
	assert.ErrorIs(t, err, ErrUnknownStatus)
}
