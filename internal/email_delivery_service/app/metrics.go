package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	admissionDecisionsCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "email_delivery",
			Name:      "admission_decisions_total",
			Help:      "Total admission decisions made by the rate governor.",
		},
		[]string{"result", "reason"}, // result: "allowed" or "denied"
	)

	sendOutcomesCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "email_delivery",
			Name:      "send_outcomes_total",
			Help:      "Total dispatch attempts by provider and outcome.",
		},
		[]string{"provider_name", "result"}, // e.g., result: "sent", "retry", "failed", "denied"
	)

	providerRequestDurationHist = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "email_delivery",
			Name:      "provider_request_duration_seconds",
			Help:      "Duration of requests to email providers.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"provider_name"},
	)

	eventsReconciledCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "email_delivery",
			Name:      "events_reconciled_total",
			Help:      "Total provider events applied to delivery records.",
		},
		[]string{"event_kind", "result"}, // result: "applied", "unmatched", "invalid", "error"
	)

	reconcileDurationHist = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "email_delivery",
			Name:      "reconcile_duration_seconds",
			Help:      "Duration of event reconciliation including conflict retries.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"event_kind"},
	)

	natsEventsReceivedCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "email_delivery",
			Name:      "nats_events_received_total",
			Help:      "Total raw delivery events received from NATS.",
		},
		[]string{"provider_name"},
	)

	eventsRedeliveredCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "email_delivery",
			Name:      "events_redelivered_total",
			Help:      "Delivery events handed back to the stream after a failed reconciliation.",
		},
		[]string{"event_kind", "result"}, // result: "nak" or "exhausted"
	)

	retryClaimsReleasedCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "email_delivery",
			Name:      "retry_claims_released_total",
			Help:      "Claimed retry items handed back to RETRY after a failed retry attempt.",
		},
	)

	ledgerWriteRetriesCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "email_delivery",
			Name:      "ledger_dispatch_writes_total",
			Help:      "Attempts to record a confirmed provider dispatch on the delivery record.",
		},
		[]string{"result"}, // result: "ok", "retry", "gave_up"
	)

	quotaRolloverCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "email_delivery",
			Name:      "quota_counters_reset_total",
			Help:      "Total tenant configurations whose stale counters were reset by the rollover job.",
		},
	)
)
