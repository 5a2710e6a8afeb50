package tracker

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"notification-dispatch/internal/models"
)

type PostgresEventStore struct {
	db *sql.DB
}

func NewPostgresEventStore(db *sql.DB) *PostgresEventStore {
	return &PostgresEventStore{db: db}
}

const eventColumns = `id, entry_id, tenant_id, kind, channel, type_code, event_type, from_status, to_status,
	reason, attempt, provider_message_id, provider_response, occurred_at`

func (s *PostgresEventStore) Append(ctx context.Context, ev *models.DeliveryEvent) error {
	var resp interface{}
	if len(ev.ProviderResponse) > 0 {
		raw, err := json.Marshal(ev.ProviderResponse)
		if err != nil {
			return fmt.Errorf("encode provider response: %w", err)
		}
		resp = raw
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO delivery_events (`+eventColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		ev.ID, ev.EntryID, ev.TenantID, string(ev.Kind), string(ev.Channel), ev.TypeCode, string(ev.Type),
		string(ev.FromStatus), string(ev.ToStatus), ev.Reason, ev.Attempt, ev.ProviderMessageID, resp, ev.OccurredAt)
	if err != nil {
		return fmt.Errorf("append delivery event: %w", err)
	}
	return nil
}

func scanEvents(rows *sql.Rows, fn func(*models.DeliveryEvent) error) error {
	defer rows.Close()
	for rows.Next() {
		var (
			ev   models.DeliveryEvent
			resp []byte
		)
		if err := rows.Scan(&ev.ID, &ev.EntryID, &ev.TenantID, &ev.Kind, &ev.Channel, &ev.TypeCode, &ev.Type,
			&ev.FromStatus, &ev.ToStatus, &ev.Reason, &ev.Attempt, &ev.ProviderMessageID, &resp, &ev.OccurredAt); err != nil {
			return fmt.Errorf("scan delivery event: %w", err)
		}
		if len(resp) > 0 {
			if err := json.Unmarshal(resp, &ev.ProviderResponse); err != nil {
				return fmt.Errorf("decode provider response of %s: %w", ev.ID, err)
			}
		}
		if err := fn(&ev); err != nil {
			return err
		}
	}
	return rows.Err()
}

func collect(rows *sql.Rows) ([]models.DeliveryEvent, error) {
	var out []models.DeliveryEvent
	err := scanEvents(rows, func(ev *models.DeliveryEvent) error {
		out = append(out, *ev)
		return nil
	})
	return out, err
}

func (s *PostgresEventStore) ListByEntry(ctx context.Context, entryID string) ([]models.DeliveryEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM delivery_events
		WHERE entry_id = $1
		ORDER BY occurred_at, id`, entryID)
	if err != nil {
		return nil, fmt.Errorf("list entry events: %w", err)
	}
	return collect(rows)
}

func (s *PostgresEventStore) Query(ctx context.Context, f models.EventFilter) ([]models.DeliveryEvent, error) {
	var (
		where []string
		args  []interface{}
	)
	add := func(cond string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.TenantID != "" {
		add("tenant_id = $%d", f.TenantID)
	}
	if f.EntryID != "" {
		add("entry_id = $%d", f.EntryID)
	}
	if f.Channel != "" {
		add("channel = $%d", string(f.Channel))
	}
	if f.Status != "" {
		add("to_status = $%d", string(f.Status))
	}
	if f.From != nil {
		add("occurred_at >= $%d", *f.From)
	}
	if f.To != nil {
		add("occurred_at < $%d", *f.To)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}

	query := `SELECT ` + eventColumns + ` FROM delivery_events`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	args = append(args, limit)
	query += fmt.Sprintf(` ORDER BY occurred_at DESC LIMIT $%d`, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query delivery events: %w", err)
	}
	return collect(rows)
}

func (s *PostgresEventStore) Scan(ctx context.Context, tenantID string, from, to time.Time, fn func(*models.DeliveryEvent) error) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM delivery_events
		WHERE tenant_id = $1 AND occurred_at >= $2 AND occurred_at < $3
		ORDER BY occurred_at, id`, tenantID, from, to)
	if err != nil {
		return fmt.Errorf("scan delivery events: %w", err)
	}
	return scanEvents(rows, fn)
}
