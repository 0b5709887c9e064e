package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// TenantConfigRepository persists tenant email configuration.
type TenantConfigRepository interface {
	Create(ctx context.Context, cfg *TenantEmailConfig) error
	Get(ctx context.Context, tenantID uuid.UUID) (*TenantEmailConfig, error)
	// UpdateLocked runs fn with the tenant's row exclusively locked and persists the result
	// atomically. If fn returns an error nothing is written.
	UpdateLocked(ctx context.Context, tenantID uuid.UUID, fn func(cfg *TenantEmailConfig) error) (*TenantEmailConfig, error)
	// ResetStaleCounters performs the periodic rollover for all tenants and returns how many rows changed.
	ResetStaleCounters(ctx context.Context, now time.Time) (int, error)
}

// RateLimitRepository reads provider limits and counts recent sends.
type RateLimitRepository interface {
	GetProviderLimit(ctx context.Context, provider string) (*ProviderLimit, error)
	GetTenantProviderLimit(ctx context.Context, tenantID uuid.UUID, provider string) (*TenantProviderLimit, error)
	// CountRecentSends counts records created since `since` for the tenant, optionally narrowed to a provider.
	CountRecentSends(ctx context.Context, tenantID *uuid.UUID, provider string, since time.Time) (int, error)
}

// DeliveryMutation is the unit of work the reconciler applies under the record lock.
// QueueItem is nil when the record has no (or a dangling) queue item reference.
type DeliveryMutation struct {
	Record    *DeliveryRecord
	QueueItem *QueueItem
}

// DeliveryRepository persists delivery records and their queue items.
type DeliveryRepository interface {
	// CreateWithQueueItem inserts the queue item (if any) and the record in one transaction.
	CreateWithQueueItem(ctx context.Context, record *DeliveryRecord, item *QueueItem) error
	GetByID(ctx context.Context, id uuid.UUID) (*DeliveryRecord, error)
	GetQueueItem(ctx context.Context, id uuid.UUID) (*QueueItem, error)
	// MutateByProviderMessageID locks the matching record (and its queue item) for the duration of fn
	// and persists both atomically. Returns ErrDeliveryRecordNotFound when nothing matches.
	MutateByProviderMessageID(ctx context.Context, providerMessageID string, fn func(m *DeliveryMutation) error) error
	// MutateByID is MutateByProviderMessageID keyed by record id; the send path uses it.
	MutateByID(ctx context.Context, id uuid.UUID, fn func(m *DeliveryMutation) error) error
	// ClaimDueRetries locks up to limit items that are due at now, marks them SENDING with a lease
	// ending at leaseUntil and returns them together with their records. Due means a RETRY item
	// whose next attempt has come, or a SENDING item whose lease has expired.
	ClaimDueRetries(ctx context.Context, now, leaseUntil time.Time, limit int) ([]DeliveryMutation, error)
	List(ctx context.Context, filter ReportFilter) ([]*DeliveryRecord, error)
}
