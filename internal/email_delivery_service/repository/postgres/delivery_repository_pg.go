package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/aradsms/email_gateway/internal/email_delivery_service/domain"
	"github.com/aradsms/email_gateway/internal/platform/database"
)

const recordColumns = `id, scope, tenant_id, product, rule_id, template_id, queue_item_id, provider, provider_message_id,
		recipient, sender, subject, status, sent_at, delivered_at, bounced_at, opened_at, clicked_at,
		bounce_type, bounce_reason, is_spam, open_count, click_count, unique_click_count,
		user_agent, ip_address, error_message, events, created_at, updated_at`

const itemColumns = `id, tenant_id, provider, recipient, sender, subject, html_body, text_body, headers,
		priority, status, attempts, scheduled_at, next_attempt_at, error_message, created_at, updated_at`

type pgDeliveryRepository struct {
	db     database.TxBeginner
	logger *slog.Logger
}

// NewPgDeliveryRepository creates the Postgres delivery record and queue item repository.
func NewPgDeliveryRepository(db database.TxBeginner, logger *slog.Logger) domain.DeliveryRepository {
	return &pgDeliveryRepository{db: db, logger: logger.With("repository", "email_delivery_records")}
}

// recordRow holds the columns that need conversion before they become a domain.DeliveryRecord.
type recordRow struct {
	rec        domain.DeliveryRecord
	scope      string
	status     string
	bounceType string
	events     []byte
}

func (row *recordRow) dest() []any {
	r := &row.rec
	return []any{
		&r.ID, &row.scope, &r.TenantID, &r.Product, &r.RuleID, &r.TemplateID, &r.QueueItemID, &r.Provider, &r.ProviderMessageID,
		&r.Recipient, &r.Sender, &r.Subject, &row.status, &r.SentAt, &r.DeliveredAt, &r.BouncedAt, &r.OpenedAt, &r.ClickedAt,
		&row.bounceType, &r.BounceReason, &r.IsSpam, &r.OpenCount, &r.ClickCount, &r.UniqueClickCount,
		&r.UserAgent, &r.IPAddress, &r.ErrorMessage, &row.events, &r.CreatedAt, &r.UpdatedAt,
	}
}

func (row *recordRow) toDomain() (*domain.DeliveryRecord, error) {
	r := row.rec
	r.Scope = domain.RecordScope(row.scope)
	r.Status = domain.DeliveryStatus(row.status)
	r.BounceType = domain.BounceType(row.bounceType)
	r.Events = []domain.EventEntry{}
	if len(row.events) > 0 {
		if err := json.Unmarshal(row.events, &r.Events); err != nil {
			return nil, fmt.Errorf("decode events of record %s: %w", r.ID, err)
		}
	}
	return &r, nil
}

type itemRow struct {
	item    domain.QueueItem
	status  string
	headers []byte
}

func (row *itemRow) dest() []any {
	q := &row.item
	return []any{
		&q.ID, &q.TenantID, &q.Provider, &q.Recipient, &q.Sender, &q.Subject, &q.HTMLBody, &q.TextBody, &row.headers,
		&q.Priority, &row.status, &q.Attempts, &q.ScheduledAt, &q.NextAttemptAt, &q.ErrorMessage, &q.CreatedAt, &q.UpdatedAt,
	}
}

func (row *itemRow) toDomain() (*domain.QueueItem, error) {
	q := row.item
	q.Status = domain.QueueItemStatus(row.status)
	if len(row.headers) > 0 {
		if err := json.Unmarshal(row.headers, &q.Headers); err != nil {
			return nil, fmt.Errorf("decode headers of queue item %s: %w", q.ID, err)
		}
	}
	return &q, nil
}

func scanRecord(row pgx.Row) (*domain.DeliveryRecord, error) {
	var rr recordRow
	if err := row.Scan(rr.dest()...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrDeliveryRecordNotFound
		}
		return nil, err
	}
	return rr.toDomain()
}

func scanItem(row pgx.Row) (*domain.QueueItem, error) {
	var ir itemRow
	if err := row.Scan(ir.dest()...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrQueueItemNotFound
		}
		return nil, err
	}
	return ir.toDomain()
}

func (r *pgDeliveryRepository) CreateWithQueueItem(ctx context.Context, record *domain.DeliveryRecord, item *domain.QueueItem) error {
	return database.InTx(ctx, r.db, func(tx pgx.Tx) error {
		if item != nil {
			if err := insertItem(ctx, tx, item); err != nil {
				return err
			}
		}
		return insertRecord(ctx, tx, record)
	})
}

func insertItem(ctx context.Context, q database.Querier, item *domain.QueueItem) error {
	headers, err := json.Marshal(item.Headers)
	if err != nil {
		return fmt.Errorf("encode queue item headers: %w", err)
	}
	if item.Headers == nil {
		headers = []byte(`{}`)
	}
	query := `INSERT INTO email_queue_items (` + itemColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`
	_, err = q.Exec(ctx, query,
		item.ID, item.TenantID, item.Provider, item.Recipient, item.Sender, item.Subject, item.HTMLBody, item.TextBody, headers,
		item.Priority, string(item.Status), item.Attempts, item.ScheduledAt, item.NextAttemptAt, item.ErrorMessage, item.CreatedAt, item.UpdatedAt,
	)
	return mapError("insert queue item", err)
}

func insertRecord(ctx context.Context, q database.Querier, rec *domain.DeliveryRecord) error {
	events, err := encodeEvents(rec.Events)
	if err != nil {
		return err
	}
	query := `INSERT INTO email_delivery_records (` + recordColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18,
		        $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29, $30)`
	_, err = q.Exec(ctx, query,
		rec.ID, string(rec.Scope), rec.TenantID, rec.Product, rec.RuleID, rec.TemplateID, rec.QueueItemID, rec.Provider, rec.ProviderMessageID,
		rec.Recipient, rec.Sender, rec.Subject, string(rec.Status), rec.SentAt, rec.DeliveredAt, rec.BouncedAt, rec.OpenedAt, rec.ClickedAt,
		string(rec.BounceType), rec.BounceReason, rec.IsSpam, rec.OpenCount, rec.ClickCount, rec.UniqueClickCount,
		rec.UserAgent, rec.IPAddress, rec.ErrorMessage, events, rec.CreatedAt, rec.UpdatedAt,
	)
	return mapError("insert delivery record", err)
}

func encodeEvents(events []domain.EventEntry) ([]byte, error) {
	if len(events) == 0 {
		return []byte(`[]`), nil
	}
	b, err := json.Marshal(events)
	if err != nil {
		return nil, fmt.Errorf("encode delivery events: %w", err)
	}
	return b, nil
}

func (r *pgDeliveryRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.DeliveryRecord, error) {
	rec, err := scanRecord(r.db.QueryRow(ctx, `SELECT `+recordColumns+` FROM email_delivery_records WHERE id = $1`, id))
	if err != nil && !errors.Is(err, domain.ErrDeliveryRecordNotFound) {
		return nil, mapError("get delivery record", err)
	}
	return rec, err
}

func (r *pgDeliveryRepository) GetQueueItem(ctx context.Context, id uuid.UUID) (*domain.QueueItem, error) {
	item, err := scanItem(r.db.QueryRow(ctx, `SELECT `+itemColumns+` FROM email_queue_items WHERE id = $1`, id))
	if err != nil && !errors.Is(err, domain.ErrQueueItemNotFound) {
		return nil, mapError("get queue item", err)
	}
	return item, err
}

func (r *pgDeliveryRepository) MutateByProviderMessageID(ctx context.Context, providerMessageID string, fn func(m *domain.DeliveryMutation) error) error {
	return r.mutate(ctx, "provider_message_id = $1", providerMessageID, fn)
}

func (r *pgDeliveryRepository) MutateByID(ctx context.Context, id uuid.UUID, fn func(m *domain.DeliveryMutation) error) error {
	return r.mutate(ctx, "id = $1", id, fn)
}

// mutate locks the record, then its queue item, applies fn and writes both back in the same
// transaction. Locks are always taken record first.
func (r *pgDeliveryRepository) mutate(ctx context.Context, where string, key any, fn func(m *domain.DeliveryMutation) error) error {
	return database.InTx(ctx, r.db, func(tx pgx.Tx) error {
		rec, err := scanRecord(tx.QueryRow(ctx, `SELECT `+recordColumns+` FROM email_delivery_records WHERE `+where+` FOR UPDATE`, key))
		if err != nil {
			if errors.Is(err, domain.ErrDeliveryRecordNotFound) {
				return err
			}
			return mapError("lock delivery record", err)
		}

		m := &domain.DeliveryMutation{Record: rec}
		if rec.QueueItemID != nil {
			item, err := scanItem(tx.QueryRow(ctx, `SELECT `+itemColumns+` FROM email_queue_items WHERE id = $1 FOR UPDATE`, *rec.QueueItemID))
			switch {
			case errors.Is(err, domain.ErrQueueItemNotFound):
				r.logger.WarnContext(ctx, "Delivery record references a missing queue item", "record_id", rec.ID, "queue_item_id", *rec.QueueItemID)
			case err != nil:
				return mapError("lock queue item", err)
			default:
				m.QueueItem = item
			}
		}

		if err := fn(m); err != nil {
			return err
		}

		if err := updateRecord(ctx, tx, m.Record); err != nil {
			return err
		}
		if m.QueueItem != nil {
			return updateItem(ctx, tx, m.QueueItem)
		}
		return nil
	})
}

func updateRecord(ctx context.Context, q database.Querier, rec *domain.DeliveryRecord) error {
	events, err := encodeEvents(rec.Events)
	if err != nil {
		return err
	}
	query := `UPDATE email_delivery_records SET
		provider = $2, provider_message_id = $3, status = $4, sent_at = $5, delivered_at = $6, bounced_at = $7,
		opened_at = $8, clicked_at = $9, bounce_type = $10, bounce_reason = $11, is_spam = $12, open_count = $13,
		click_count = $14, unique_click_count = $15, user_agent = $16, ip_address = $17, error_message = $18,
		events = $19, updated_at = $20
		WHERE id = $1`
	tag, err := q.Exec(ctx, query,
		rec.ID, rec.Provider, rec.ProviderMessageID, string(rec.Status), rec.SentAt, rec.DeliveredAt, rec.BouncedAt,
		rec.OpenedAt, rec.ClickedAt, string(rec.BounceType), rec.BounceReason, rec.IsSpam, rec.OpenCount,
		rec.ClickCount, rec.UniqueClickCount, rec.UserAgent, rec.IPAddress, rec.ErrorMessage,
		events, rec.UpdatedAt,
	)
	if err != nil {
		return mapError("update delivery record", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrDeliveryRecordNotFound
	}
	return nil
}

func updateItem(ctx context.Context, q database.Querier, item *domain.QueueItem) error {
	query := `UPDATE email_queue_items SET
		status = $2, attempts = $3, next_attempt_at = $4, error_message = $5, provider = $6, updated_at = $7
		WHERE id = $1`
	tag, err := q.Exec(ctx, query,
		item.ID, string(item.Status), item.Attempts, item.NextAttemptAt, item.ErrorMessage, item.Provider, item.UpdatedAt,
	)
	if err != nil {
		return mapError("update queue item", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrQueueItemNotFound
	}
	return nil
}

// ClaimDueRetries skips rows other workers hold, so concurrent pollers never block each other or
// claim the same item. The lease lives in next_attempt_at while an item is SENDING.
func (r *pgDeliveryRepository) ClaimDueRetries(ctx context.Context, now, leaseUntil time.Time, limit int) ([]domain.DeliveryMutation, error) {
	var claimed []domain.DeliveryMutation
	err := database.InTx(ctx, r.db, func(tx pgx.Tx) error {
		query := `SELECT ` + prefixed("r", recordColumns) + `, ` + prefixed("q", itemColumns) + `
			FROM email_queue_items q
			JOIN email_delivery_records r ON r.queue_item_id = q.id
			WHERE q.status IN ('RETRY', 'SENDING') AND q.next_attempt_at <= $1
			ORDER BY q.next_attempt_at
			LIMIT $2
			FOR UPDATE OF q, r SKIP LOCKED`
		rows, err := tx.Query(ctx, query, now.UTC(), limit)
		if err != nil {
			return mapError("claim due retries", err)
		}
		defer rows.Close()

		var ids []uuid.UUID
		for rows.Next() {
			var rr recordRow
			var ir itemRow
			if err := rows.Scan(append(rr.dest(), ir.dest()...)...); err != nil {
				return mapError("scan due retry", err)
			}
			rec, err := rr.toDomain()
			if err != nil {
				return err
			}
			item, err := ir.toDomain()
			if err != nil {
				return err
			}
			item.Claim(leaseUntil, now)
			claimed = append(claimed, domain.DeliveryMutation{Record: rec, QueueItem: item})
			ids = append(ids, item.ID)
		}
		if err := rows.Err(); err != nil {
			return mapError("iterate due retries", err)
		}
		rows.Close()

		if len(ids) == 0 {
			return nil
		}
		_, err = tx.Exec(ctx, `UPDATE email_queue_items SET status = 'SENDING', next_attempt_at = $2, updated_at = $3 WHERE id = ANY($1)`,
			ids, leaseUntil.UTC(), now.UTC())
		return mapError("mark queue items sending", err)
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

// List builds the reporting query. The time range applies to sent_at, or created_at for unsent records.
func (r *pgDeliveryRepository) List(ctx context.Context, filter domain.ReportFilter) ([]*domain.DeliveryRecord, error) {
	if err := filter.Normalize(); err != nil {
		return nil, err
	}

	var conds []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	switch filter.Scope {
	case domain.ReportScopeTenant:
		conds = append(conds, "tenant_id = "+arg(*filter.TenantID))
	case domain.ReportScopeGlobal:
		conds = append(conds, "scope = 'GLOBAL'")
	case domain.ReportScopeCombined:
		conds = append(conds, "(scope = 'GLOBAL' OR tenant_id = "+arg(*filter.TenantID)+")")
	}
	if filter.Reason != "" {
		conds = append(conds, "bounce_reason ILIKE '%' || "+arg(filter.Reason)+" || '%'")
	}
	if filter.Status != nil {
		conds = append(conds, "status = "+arg(string(*filter.Status)))
	}
	if filter.RuleID != nil {
		conds = append(conds, "rule_id = "+arg(*filter.RuleID))
	}
	if filter.Product != "" {
		conds = append(conds, "product = "+arg(filter.Product))
	}
	if filter.From != nil {
		conds = append(conds, "COALESCE(sent_at, created_at) >= "+arg(filter.From.UTC()))
	}
	if filter.To != nil {
		conds = append(conds, "COALESCE(sent_at, created_at) <= "+arg(filter.To.UTC()))
	}

	query := `SELECT ` + recordColumns + ` FROM email_delivery_records`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY sent_at DESC NULLS LAST, created_at DESC LIMIT ` + arg(filter.Limit) + ` OFFSET ` + arg(filter.Offset)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError("list delivery records", err)
	}
	defer rows.Close()

	out := []*domain.DeliveryRecord{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, mapError("scan delivery record", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("iterate delivery records", err)
	}
	return out, nil
}
