package http

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chi_middleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/aradsms/email_gateway/internal/email_delivery_service/domain"
	"github.com/aradsms/email_gateway/internal/platform/messagebroker"
)

const (
	HeaderWebhookTimestamp = "X-Webhook-Timestamp"
	HeaderWebhookSignature = "X-Webhook-Signature"

	maxWebhookBody = 1 << 20
)

// WebhookHandler accepts normalized delivery events from provider adapters and stores them
// on <subjectPrefix>.<provider_name> for reconciliation. 202 means the stream has the event;
// any failure before that is a 503 so the provider retries.
type WebhookHandler struct {
	natsClient    messagebroker.NATSClient
	logger        *slog.Logger
	validate      *validator.Validate
	secret        string
	subjectPrefix string
	now           func() time.Time
}

func NewWebhookHandler(nc messagebroker.NATSClient, validate *validator.Validate, secret, subjectPrefix string, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		natsClient:    nc,
		logger:        logger.With("handler", "webhook"),
		validate:      validate,
		secret:        secret,
		subjectPrefix: strings.TrimSuffix(subjectPrefix, "."),
		now:           time.Now,
	}
}

// HandleDeliveryEvent handles POST /webhooks/email/{provider_name}.
func (h *WebhookHandler) HandleDeliveryEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.logger.With("request_id", chi_middleware.GetReqID(ctx))

	providerName := chi.URLParam(r, "provider_name")
	if providerName == "" || strings.ContainsAny(providerName, ".*> ") {
		logger.WarnContext(ctx, "Invalid provider name in webhook URL", "provider_name", providerName)
		writeError(w, http.StatusBadRequest, "Invalid provider name", "")
		return
	}
	logger = logger.With("provider_name", providerName)

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		logger.ErrorContext(ctx, "Failed to read webhook body", "error", err)
		writeError(w, http.StatusBadRequest, "Failed to read request body", "")
		return
	}
	defer r.Body.Close()

	if err := VerifyWebhookSignature(h.secret, r.Header.Get(HeaderWebhookTimestamp), r.Header.Get(HeaderWebhookSignature), body, h.now()); err != nil {
		logger.WarnContext(ctx, "Webhook signature rejected", "error", err)
		writeError(w, http.StatusUnauthorized, "Invalid webhook signature", "")
		return
	}

	var evt domain.DeliveryEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		logger.WarnContext(ctx, "Failed to decode webhook JSON", "error", err)
		writeError(w, http.StatusBadRequest, "Invalid JSON format", err.Error())
		return
	}
	evt.Kind = domain.EventKind(strings.ToUpper(strings.TrimSpace(string(evt.Kind))))
	if err := h.validate.StructCtx(ctx, evt); err != nil {
		var verrs validator.ValidationErrors
		details := err.Error()
		if errors.As(err, &verrs) && len(verrs) > 0 {
			details = verrs[0].Field() + " failed " + verrs[0].Tag()
		}
		logger.WarnContext(ctx, "Webhook event failed validation", "error", err)
		writeError(w, http.StatusBadRequest, "Validation failed", details)
		return
	}

	data, err := json.Marshal(evt)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to marshal delivery event for NATS", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error preparing event", "")
		return
	}
	subject := h.subjectPrefix + "." + providerName
	if err := h.natsClient.PublishPersistent(ctx, subject, data); err != nil {
		logger.ErrorContext(ctx, "Failed to store delivery event in stream", "error", err, "subject", subject)
		writeError(w, http.StatusServiceUnavailable, "Failed to queue event for processing", "")
		return
	}

	logger.InfoContext(ctx, "Delivery event queued", "subject", subject, "message_id", evt.MessageID, "event_kind", evt.Kind)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "event received and queued for processing"})
}
