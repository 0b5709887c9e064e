package app

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/aradsms/email_gateway/internal/email_delivery_service/domain"
)

// ReportingService answers dashboard queries over the delivery ledger.
type ReportingService struct {
	deliveries domain.DeliveryRepository
	logger     *slog.Logger
}

func NewReportingService(deliveries domain.DeliveryRepository, logger *slog.Logger) *ReportingService {
	return &ReportingService{deliveries: deliveries, logger: logger.With("service", "reporting")}
}

// ListRecords normalizes filter and returns matching records, newest send first.
func (s *ReportingService) ListRecords(ctx context.Context, filter domain.ReportFilter) ([]*domain.DeliveryRecord, error) {
	if err := filter.Normalize(); err != nil {
		return nil, err
	}
	return s.deliveries.List(ctx, filter)
}

// GetRecord returns one record. Tenant callers only see their own records; a nil tenantID
// means platform access.
func (s *ReportingService) GetRecord(ctx context.Context, id uuid.UUID, tenantID *uuid.UUID) (*domain.DeliveryRecord, error) {
	rec, err := s.deliveries.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if tenantID != nil && (rec.TenantID == nil || *rec.TenantID != *tenantID) {
		return nil, domain.ErrDeliveryRecordNotFound
	}
	return rec, nil
}
