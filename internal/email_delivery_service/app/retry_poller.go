package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aradsms/email_gateway/internal/email_delivery_service/domain"
)

// RetryPoller periodically claims due RETRY items and hands them back to the send service.
// A claim holds for lease; an item whose retry neither settled nor was released is claimed
// again once the lease expires.
type RetryPoller struct {
	deliveries domain.DeliveryRepository
	sender     *SendService
	logger     *slog.Logger
	interval   time.Duration
	lease      time.Duration
	batchSize  int
	now        func() time.Time
}

func NewRetryPoller(deliveries domain.DeliveryRepository, sender *SendService, interval, lease time.Duration, batchSize int, logger *slog.Logger) *RetryPoller {
	if batchSize < 1 {
		batchSize = 50
	}
	if lease <= 0 {
		lease = 5 * time.Minute
	}
	return &RetryPoller{
		deliveries: deliveries,
		sender:     sender,
		logger:     logger.With("service", "retry_poller"),
		interval:   interval,
		lease:      lease,
		batchSize:  batchSize,
		now:        time.Now,
	}
}

// PollOnce claims one batch and processes it. It returns how many items were attempted.
func (p *RetryPoller) PollOnce(ctx context.Context) (int, error) {
	now := p.now().UTC()
	claimed, err := p.deliveries.ClaimDueRetries(ctx, now, now.Add(p.lease), p.batchSize)
	if err != nil {
		return 0, fmt.Errorf("claim due retries: %w", err)
	}
	if len(claimed) == 0 {
		return 0, nil
	}
	p.logger.InfoContext(ctx, "Claimed queue items for retry", "count", len(claimed))

	for _, m := range claimed {
		res, err := p.sender.Retry(ctx, m)
		if err != nil {
			p.logger.ErrorContext(ctx, "Retry failed, releasing claim", "error", err, "record_id", m.Record.ID)
			if relErr := p.sender.Release(ctx, m.Record.ID, "Retry interrupted"); relErr != nil {
				p.logger.ErrorContext(ctx, "Failed to release claimed item; it is retried after the lease",
					"error", relErr, "record_id", m.Record.ID, "lease", p.lease)
				continue
			}
			retryClaimsReleasedCounter.Inc()
			continue
		}
		p.logger.DebugContext(ctx, "Retry processed", "record_id", res.RecordID, "status", res.Status, "retryable", res.Retryable)
	}
	return len(claimed), nil
}

// Run polls every interval until ctx is cancelled.
func (p *RetryPoller) Run(ctx context.Context) error {
	p.logger.InfoContext(ctx, "Retry poller starting", "interval", p.interval, "batch_size", p.batchSize)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.logger.InfoContext(ctx, "Retry poller stopping")
			return nil
		case <-ticker.C:
			if _, err := p.PollOnce(ctx); err != nil {
				p.logger.ErrorContext(ctx, "Retry poll cycle failed", "error", err)
			}
		}
	}
}
