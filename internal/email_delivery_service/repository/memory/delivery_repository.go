package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/aradsms/email_gateway/internal/email_delivery_service/domain"
)

type deliveryRepository struct {
	s *Store
}

func (r *deliveryRepository) CreateWithQueueItem(ctx context.Context, record *domain.DeliveryRecord, item *domain.QueueItem) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, exists := r.s.records[record.ID]; exists {
		return fmt.Errorf("delivery record %s already exists", record.ID)
	}
	if item != nil {
		r.s.items[item.ID] = cloneItem(item)
		r.s.recordByItem[item.ID] = record.ID
	}
	r.s.records[record.ID] = cloneRecord(record)
	if record.ProviderMessageID != nil {
		r.s.byProviderMsg[*record.ProviderMessageID] = record.ID
	}
	return nil
}

func (r *deliveryRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.DeliveryRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rec, ok := r.s.records[id]
	if !ok {
		return nil, domain.ErrDeliveryRecordNotFound
	}
	return cloneRecord(rec), nil
}

func (r *deliveryRepository) GetQueueItem(ctx context.Context, id uuid.UUID) (*domain.QueueItem, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	item, ok := r.s.items[id]
	if !ok {
		return nil, domain.ErrQueueItemNotFound
	}
	return cloneItem(item), nil
}

func (r *deliveryRepository) MutateByProviderMessageID(ctx context.Context, providerMessageID string, fn func(m *domain.DeliveryMutation) error) error {
	r.s.mu.Lock()
	id, ok := r.s.byProviderMsg[providerMessageID]
	r.s.mu.Unlock()
	if !ok {
		return domain.ErrDeliveryRecordNotFound
	}
	return r.MutateByID(ctx, id, fn)
}

func (r *deliveryRepository) MutateByID(ctx context.Context, id uuid.UUID, fn func(m *domain.DeliveryMutation) error) error {
	l := r.s.recordLock(id)
	l.Lock()
	defer l.Unlock()

	m, err := r.load(id)
	if err != nil {
		return err
	}
	if err := fn(m); err != nil {
		return err
	}
	return r.save(m)
}

func (r *deliveryRepository) load(id uuid.UUID) (*domain.DeliveryMutation, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rec, ok := r.s.records[id]
	if !ok {
		return nil, domain.ErrDeliveryRecordNotFound
	}
	m := &domain.DeliveryMutation{Record: cloneRecord(rec)}
	if rec.QueueItemID != nil {
		if item, ok := r.s.items[*rec.QueueItemID]; ok {
			m.QueueItem = cloneItem(item)
		}
	}
	return m, nil
}

func (r *deliveryRepository) save(m *domain.DeliveryMutation) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rec := m.Record
	if rec.ProviderMessageID != nil {
		if owner, taken := r.s.byProviderMsg[*rec.ProviderMessageID]; taken && owner != rec.ID {
			return fmt.Errorf("provider message id %q already bound to record %s", *rec.ProviderMessageID, owner)
		}
		r.s.byProviderMsg[*rec.ProviderMessageID] = rec.ID
	}
	r.s.records[rec.ID] = cloneRecord(rec)
	if m.QueueItem != nil {
		r.s.items[m.QueueItem.ID] = cloneItem(m.QueueItem)
	}
	return nil
}

func (r *deliveryRepository) ClaimDueRetries(ctx context.Context, now, leaseUntil time.Time, limit int) ([]domain.DeliveryMutation, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var due []*domain.QueueItem
	for _, item := range r.s.items {
		claimable := item.Status == domain.QueueItemRetry || item.Status == domain.QueueItemSending
		if claimable && item.NextAttemptAt != nil && !item.NextAttemptAt.After(now) {
			due = append(due, item)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextAttemptAt.Before(*due[j].NextAttemptAt) })

	var claimed []domain.DeliveryMutation
	for _, item := range due {
		if limit > 0 && len(claimed) >= limit {
			break
		}
		recID, ok := r.s.recordByItem[item.ID]
		if !ok {
			continue
		}
		rec, ok := r.s.records[recID]
		if !ok {
			continue
		}
		item.Claim(leaseUntil, now)
		claimed = append(claimed, domain.DeliveryMutation{Record: cloneRecord(rec), QueueItem: cloneItem(item)})
	}
	return claimed, nil
}

func (r *deliveryRepository) List(ctx context.Context, filter domain.ReportFilter) ([]*domain.DeliveryRecord, error) {
	if err := filter.Normalize(); err != nil {
		return nil, err
	}
	r.s.mu.Lock()
	var out []*domain.DeliveryRecord
	for _, rec := range r.s.records {
		if filter.Matches(rec) {
			out = append(out, cloneRecord(rec))
		}
	}
	r.s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		switch {
		case a.SentAt != nil && b.SentAt != nil && !a.SentAt.Equal(*b.SentAt):
			return a.SentAt.After(*b.SentAt)
		case a.SentAt != nil && b.SentAt == nil:
			return true
		case a.SentAt == nil && b.SentAt != nil:
			return false
		}
		return a.CreatedAt.After(b.CreatedAt)
	})

	if filter.Offset >= len(out) {
		return []*domain.DeliveryRecord{}, nil
	}
	out = out[filter.Offset:]
	if len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}
