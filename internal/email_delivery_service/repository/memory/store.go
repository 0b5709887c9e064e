// Package memory is an in-process implementation of the delivery repositories. Per-key mutexes
// stand in for row locks, so the locking contract matches the Postgres implementation.
package memory

import (
	"sync"

	"github.com/google/uuid"

	"github.com/aradsms/email_gateway/internal/email_delivery_service/domain"
)

type tenantProviderKey struct {
	tenantID uuid.UUID
	provider string
}

// Store holds all state. Map access is guarded by mu; read-modify-write of a single tenant or
// record additionally holds that key's lock, acquired before mu.
type Store struct {
	mu sync.Mutex

	configs     map[uuid.UUID]*domain.TenantEmailConfig
	tenantLocks map[uuid.UUID]*sync.Mutex

	providerLimits       map[string]domain.ProviderLimit
	tenantProviderLimits map[tenantProviderKey]domain.TenantProviderLimit

	records       map[uuid.UUID]*domain.DeliveryRecord
	recordLocks   map[uuid.UUID]*sync.Mutex
	byProviderMsg map[string]uuid.UUID
	items         map[uuid.UUID]*domain.QueueItem
	recordByItem  map[uuid.UUID]uuid.UUID
}

func NewStore() *Store {
	return &Store{
		configs:              make(map[uuid.UUID]*domain.TenantEmailConfig),
		tenantLocks:          make(map[uuid.UUID]*sync.Mutex),
		providerLimits:       make(map[string]domain.ProviderLimit),
		tenantProviderLimits: make(map[tenantProviderKey]domain.TenantProviderLimit),
		records:              make(map[uuid.UUID]*domain.DeliveryRecord),
		recordLocks:          make(map[uuid.UUID]*sync.Mutex),
		byProviderMsg:        make(map[string]uuid.UUID),
		items:                make(map[uuid.UUID]*domain.QueueItem),
		recordByItem:         make(map[uuid.UUID]uuid.UUID),
	}
}

// TenantConfigs, RateLimits and Deliveries expose the store through the repository contracts.
func (s *Store) TenantConfigs() domain.TenantConfigRepository { return &tenantConfigRepository{s: s} }
func (s *Store) RateLimits() *RateLimitRepository             { return &RateLimitRepository{s: s} }
func (s *Store) Deliveries() domain.DeliveryRepository        { return &deliveryRepository{s: s} }

func (s *Store) tenantLock(id uuid.UUID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.tenantLocks[id]
	if !ok {
		l = &sync.Mutex{}
		s.tenantLocks[id] = l
	}
	return l
}

func (s *Store) recordLock(id uuid.UUID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.recordLocks[id]
	if !ok {
		l = &sync.Mutex{}
		s.recordLocks[id] = l
	}
	return l
}

func cloneConfig(c *domain.TenantEmailConfig) *domain.TenantEmailConfig {
	cp := *c
	return &cp
}

func cloneRecord(r *domain.DeliveryRecord) *domain.DeliveryRecord {
	cp := *r
	cp.Events = append([]domain.EventEntry(nil), r.Events...)
	if cp.Events == nil {
		cp.Events = []domain.EventEntry{}
	}
	return &cp
}

func cloneItem(q *domain.QueueItem) *domain.QueueItem {
	cp := *q
	if q.Headers != nil {
		cp.Headers = make(map[string]string, len(q.Headers))
		for k, v := range q.Headers {
			cp.Headers[k] = v
		}
	}
	return &cp
}
