package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aradsms/email_gateway/internal/email_delivery_service/classifier"
	"github.com/aradsms/email_gateway/internal/email_delivery_service/domain"
	"github.com/aradsms/email_gateway/internal/email_delivery_service/provider"
)

// Admitter is the admission query the send path depends on.
type Admitter interface {
	CanSend(ctx context.Context, tenantID uuid.UUID, providerRef, tenantProviderRef string) (domain.AdmissionDecision, error)
}

// QuotaIncrementer records a successful send against the tenant's counters.
type QuotaIncrementer interface {
	Increment(ctx context.Context, tenantID uuid.UUID) (*domain.TenantEmailConfig, error)
}

// SendRequest is one rendered email. A nil TenantID makes the record GLOBAL scoped and skips
// tenant admission.
type SendRequest struct {
	TenantID   *uuid.UUID        `json:"-"`
	Product    string            `json:"product,omitempty" validate:"omitempty,max=100"`
	RuleID     *uuid.UUID        `json:"rule_id,omitempty"`
	TemplateID *uuid.UUID        `json:"template_id,omitempty"`
	Provider   string            `json:"provider,omitempty" validate:"omitempty,max=50"`
	From       string            `json:"from" validate:"required,email"`
	To         string            `json:"to" validate:"required,email"`
	Subject    string            `json:"subject" validate:"required,max=998"`
	HTMLBody   string            `json:"html_body,omitempty" validate:"required_without=TextBody"`
	TextBody   string            `json:"text_body,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	Priority   int               `json:"priority,omitempty" validate:"min=0,max=10"`
}

// SendResult reports what happened to a send. When Admission denies, no record is created
// and only Admission is set. LedgerPending marks a dispatch the provider accepted but the
// ledger could not yet record.
type SendResult struct {
	Admission         domain.AdmissionDecision `json:"admission"`
	RecordID          uuid.UUID                `json:"record_id,omitempty"`
	QueueItemID       uuid.UUID                `json:"queue_item_id,omitempty"`
	Status            domain.DeliveryStatus    `json:"status,omitempty"`
	ProviderMessageID string                   `json:"provider_message_id,omitempty"`
	Retryable         bool                     `json:"retryable"`
	NextAttemptAt     *time.Time               `json:"next_attempt_at,omitempty"`
	UserMessage       string                   `json:"user_message,omitempty"`
	ErrorKind         domain.ErrorKind         `json:"error_kind,omitempty"`
	LedgerPending     bool                     `json:"ledger_pending,omitempty"`
}

// SendServiceConfig holds the dispatch tunables. LedgerWriteAttempts bounds how often a
// confirmed dispatch is written to the ledger before giving up.
type SendServiceConfig struct {
	ProviderTimeout     time.Duration
	MaxAttempts         int
	BaseDelay           time.Duration
	MaxDelay            time.Duration
	LedgerWriteAttempts int
	LedgerWriteDelay    time.Duration
}

// SendService runs admission, ledger creation and provider dispatch. No lock is held
// across the provider call; the quota counter moves only after a confirmed dispatch.
type SendService struct {
	admitter    Admitter
	quota       QuotaIncrementer
	deliveries  domain.DeliveryRepository
	providers   *provider.Registry
	classifiers *classifier.Registry
	backoff     *Backoff
	cfg         SendServiceConfig
	logger      *slog.Logger
	now         func() time.Time
}

func NewSendService(
	admitter Admitter,
	quota QuotaIncrementer,
	deliveries domain.DeliveryRepository,
	providers *provider.Registry,
	classifiers *classifier.Registry,
	cfg SendServiceConfig,
	logger *slog.Logger,
) *SendService {
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = 15 * time.Second
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.LedgerWriteAttempts < 1 {
		cfg.LedgerWriteAttempts = 3
	}
	if cfg.LedgerWriteDelay <= 0 {
		cfg.LedgerWriteDelay = 100 * time.Millisecond
	}
	if classifiers == nil {
		classifiers = classifier.Default()
	}
	return &SendService{
		admitter:    admitter,
		quota:       quota,
		deliveries:  deliveries,
		providers:   providers,
		classifiers: classifiers,
		backoff:     NewBackoff(cfg.BaseDelay, cfg.MaxDelay),
		cfg:         cfg,
		logger:      logger.With("service", "send"),
		now:         time.Now,
	}
}

// Send admits, records and dispatches one email.
func (s *SendService) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	p, err := s.providers.Get(req.Provider)
	if err != nil {
		return nil, err
	}

	scope := domain.ScopeGlobal
	if req.TenantID != nil {
		scope = domain.ScopeTenant
		decision, err := s.admitter.CanSend(ctx, *req.TenantID, p.Name(), p.Name())
		if err != nil {
			return nil, fmt.Errorf("admission check: %w", err)
		}
		if !decision.Allowed {
			sendOutcomesCounter.WithLabelValues(p.Name(), "denied").Inc()
			s.logger.InfoContext(ctx, "Send denied by admission", "tenant_id", *req.TenantID, "provider", p.Name(), "reason", decision.Reason)
			return &SendResult{Admission: decision}, nil
		}
	}

	now := s.now()
	record, err := domain.NewDeliveryRecord(domain.NewRecordParams{
		Scope:      scope,
		TenantID:   req.TenantID,
		Product:    req.Product,
		RuleID:     req.RuleID,
		TemplateID: req.TemplateID,
		Provider:   p.Name(),
		Recipient:  req.To,
		Sender:     req.From,
		Subject:    req.Subject,
	}, now)
	if err != nil {
		return nil, err
	}
	item := &domain.QueueItem{
		ID:          uuid.New(),
		TenantID:    req.TenantID,
		Provider:    p.Name(),
		Recipient:   req.To,
		Sender:      req.From,
		Subject:     req.Subject,
		HTMLBody:    req.HTMLBody,
		TextBody:    req.TextBody,
		Headers:     req.Headers,
		Priority:    req.Priority,
		Status:      domain.QueueItemPending,
		ScheduledAt: now.UTC(),
		CreatedAt:   now.UTC(),
		UpdatedAt:   now.UTC(),
	}
	record.QueueItemID = &item.ID

	if err := s.deliveries.CreateWithQueueItem(ctx, record, item); err != nil {
		return nil, fmt.Errorf("create delivery record: %w", err)
	}
	s.logger.DebugContext(ctx, "Delivery record created", "record_id", record.ID, "queue_item_id", item.ID, "scope", scope)

	return s.dispatch(ctx, p, record.ID, item)
}

// Retry re-dispatches a claimed RETRY item. Tenant admission is re-evaluated; a denial parks
// the item again without spending an attempt.
func (s *SendService) Retry(ctx context.Context, m domain.DeliveryMutation) (*SendResult, error) {
	rec, item := m.Record, m.QueueItem
	if item == nil {
		return nil, fmt.Errorf("%w: record %s", domain.ErrQueueItemNotFound, rec.ID)
	}
	if item.Attempts >= s.cfg.MaxAttempts {
		return s.finalizeExhausted(ctx, rec.ID, item)
	}

	p, err := s.providers.Get(item.Provider)
	if err != nil {
		return s.fail(ctx, rec.ID, item.Provider, err.Error())
	}

	if rec.TenantID != nil {
		decision, err := s.admitter.CanSend(ctx, *rec.TenantID, p.Name(), p.Name())
		if err != nil {
			return nil, fmt.Errorf("admission check: %w", err)
		}
		if !decision.Allowed {
			return s.park(ctx, rec.ID, decision)
		}
	}
	return s.dispatch(ctx, p, rec.ID, item)
}

func (s *SendService) dispatch(ctx context.Context, p provider.EmailProvider, recordID uuid.UUID, item *domain.QueueItem) (*SendResult, error) {
	msg := provider.Message{
		ReferenceID: recordID.String(),
		From:        item.Sender,
		To:          item.Recipient,
		Subject:     item.Subject,
		HTMLBody:    item.HTMLBody,
		TextBody:    item.TextBody,
		Headers:     item.Headers,
	}

	dctx, cancel := context.WithTimeout(ctx, s.cfg.ProviderTimeout)
	start := time.Now()
	providerMessageID, sendErr := p.Send(dctx, msg)
	providerRequestDurationHist.WithLabelValues(p.Name()).Observe(time.Since(start).Seconds())
	cancel()

	if sendErr != nil {
		return s.handleSendError(ctx, p, recordID, item, sendErr)
	}
	return s.complete(ctx, p, recordID, providerMessageID)
}

// complete records a dispatch the provider accepted. The write is retried because a failure here
// would orphan the provider message id; if it still fails the send is reported as accepted with
// LedgerPending set rather than as an error, so callers do not resend a delivered email.
func (s *SendService) complete(ctx context.Context, p provider.EmailProvider, recordID uuid.UUID, providerMessageID string) (*SendResult, error) {
	res := &SendResult{Admission: domain.Allow(domain.ReasonOK), RecordID: recordID, ProviderMessageID: providerMessageID}
	var tenantID *uuid.UUID
	var err error
	for attempt := 1; attempt <= s.cfg.LedgerWriteAttempts; attempt++ {
		err = s.deliveries.MutateByID(ctx, recordID, func(m *domain.DeliveryMutation) error {
			now := s.now()
			m.Record.MarkDispatched(p.Name(), providerMessageID, now)
			if m.QueueItem != nil {
				m.QueueItem.Attempts++
				m.QueueItem.Provider = p.Name()
				m.QueueItem.MarkSent(now)
				res.QueueItemID = m.QueueItem.ID
			}
			res.Status = m.Record.Status
			tenantID = m.Record.TenantID
			return nil
		})
		if err == nil {
			ledgerWriteRetriesCounter.WithLabelValues("ok").Inc()
			break
		}
		if attempt == s.cfg.LedgerWriteAttempts || ctx.Err() != nil {
			break
		}
		ledgerWriteRetriesCounter.WithLabelValues("retry").Inc()
		s.logger.WarnContext(ctx, "Failed to record dispatch, retrying", "error", err, "record_id", recordID, "attempt", attempt)
		select {
		case <-ctx.Done():
		case <-time.After(time.Duration(attempt) * s.cfg.LedgerWriteDelay):
		}
	}
	sendOutcomesCounter.WithLabelValues(p.Name(), "sent").Inc()

	if err != nil {
		ledgerWriteRetriesCounter.WithLabelValues("gave_up").Inc()
		s.logger.ErrorContext(ctx, "Dispatched email but failed to update delivery record",
			"error", err, "record_id", recordID, "provider", p.Name(), "provider_message_id", providerMessageID)
		res.Status = domain.StatusSent
		res.LedgerPending = true
		return res, nil
	}

	if tenantID != nil {
		if _, err := s.quota.Increment(ctx, *tenantID); err != nil {
			s.logger.ErrorContext(ctx, "Failed to increment tenant quota after dispatch", "error", err, "tenant_id", *tenantID, "record_id", recordID)
		}
	}
	s.logger.InfoContext(ctx, "Email dispatched", "record_id", recordID, "provider", p.Name(), "provider_message_id", providerMessageID)
	return res, nil
}

func (s *SendService) handleSendError(ctx context.Context, p provider.EmailProvider, recordID uuid.UUID, item *domain.QueueItem, sendErr error) (*SendResult, error) {
	retryable, userMessage, se := s.classifiers.Classify(sendErr, p.Family(), classifier.Context{
		Provider:  p.Name(),
		Recipient: item.Recipient,
		Sender:    item.Sender,
	})
	s.logger.WarnContext(ctx, "Provider rejected email",
		"error", sendErr, "error_kind", se.Kind, "retryable", retryable, "record_id", recordID, "provider", p.Name())

	res := &SendResult{
		Admission:   domain.Allow(domain.ReasonOK),
		RecordID:    recordID,
		Retryable:   retryable,
		UserMessage: userMessage,
		ErrorKind:   se.Kind,
	}
	outcome := "failed"
	err := s.deliveries.MutateByID(ctx, recordID, func(m *domain.DeliveryMutation) error {
		now := s.now()
		qi := m.QueueItem
		if qi != nil {
			qi.Attempts++
			res.QueueItemID = qi.ID
		}
		if retryable && qi != nil && qi.Attempts < s.cfg.MaxAttempts {
			next := s.backoff.NextAttemptAt(now, qi.Attempts)
			qi.ScheduleRetry(userMessage, next, now)
			m.Record.ErrorMessage = userMessage
			m.Record.UpdatedAt = now.UTC()
			res.NextAttemptAt = qi.NextAttemptAt
			outcome = "retry"
		} else {
			if qi != nil {
				qi.MarkFailed(userMessage, now)
			}
			m.Record.MarkFailed(userMessage, now)
		}
		res.Status = m.Record.Status
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("record send failure of %s: %w", recordID, err)
	}
	sendOutcomesCounter.WithLabelValues(p.Name(), outcome).Inc()
	return res, nil
}

// park reschedules an item whose retry was denied admission.
func (s *SendService) park(ctx context.Context, recordID uuid.UUID, decision domain.AdmissionDecision) (*SendResult, error) {
	res := &SendResult{Admission: decision, RecordID: recordID, Retryable: true, UserMessage: decision.Reason}
	err := s.deliveries.MutateByID(ctx, recordID, func(m *domain.DeliveryMutation) error {
		if m.QueueItem == nil {
			return domain.ErrQueueItemNotFound
		}
		now := s.now()
		m.QueueItem.ScheduleRetry(decision.Reason, s.backoff.NextAttemptAt(now, m.QueueItem.Attempts+1), now)
		res.QueueItemID = m.QueueItem.ID
		res.NextAttemptAt = m.QueueItem.NextAttemptAt
		res.Status = m.Record.Status
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("park retry of %s: %w", recordID, err)
	}
	return res, nil
}

// Release hands a claimed item whose retry errored back to RETRY with backoff. It does not spend
// an attempt. Items already settled by the failed retry are left alone.
func (s *SendService) Release(ctx context.Context, recordID uuid.UUID, reason string) error {
	err := s.deliveries.MutateByID(ctx, recordID, func(m *domain.DeliveryMutation) error {
		if m.QueueItem == nil || m.QueueItem.Status != domain.QueueItemSending {
			return nil
		}
		now := s.now()
		m.QueueItem.ScheduleRetry(reason, s.backoff.NextAttemptAt(now, m.QueueItem.Attempts+1), now)
		return nil
	})
	if err != nil {
		return fmt.Errorf("release retry of %s: %w", recordID, err)
	}
	return nil
}

func (s *SendService) finalizeExhausted(ctx context.Context, recordID uuid.UUID, item *domain.QueueItem) (*SendResult, error) {
	reason := strings.TrimSpace(item.ErrorMessage)
	if reason == "" {
		reason = "Email sending failed"
	}
	s.logger.WarnContext(ctx, "Giving up on email after max attempts", "record_id", recordID, "attempts", item.Attempts)
	return s.fail(ctx, recordID, item.Provider, reason)
}

func (s *SendService) fail(ctx context.Context, recordID uuid.UUID, providerName, reason string) (*SendResult, error) {
	res := &SendResult{Admission: domain.Allow(domain.ReasonOK), RecordID: recordID, UserMessage: reason}
	err := s.deliveries.MutateByID(ctx, recordID, func(m *domain.DeliveryMutation) error {
		now := s.now()
		if m.QueueItem != nil {
			m.QueueItem.MarkFailed(reason, now)
			res.QueueItemID = m.QueueItem.ID
		}
		m.Record.MarkFailed(reason, now)
		res.Status = m.Record.Status
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("fail delivery %s: %w", recordID, err)
	}
	sendOutcomesCounter.WithLabelValues(providerName, "failed").Inc()
	return res, nil
}
