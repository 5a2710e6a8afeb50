package preference

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"notification-dispatch/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) ForRecipient(ctx context.Context, tenantID string, r models.RecipientRef) (*RecipientState, error) {
	st := &RecipientState{}

	rows, err := s.db.QueryContext(ctx, `
		SELECT type_code, channel, opted_in, quiet_hours, updated_at
		FROM notification_preferences
		WHERE tenant_id = $1 AND recipient_type = $2 AND recipient_id = $3`,
		tenantID, r.Type, r.ID)
	if err != nil {
		return nil, fmt.Errorf("query preferences: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		p := models.Preference{TenantID: tenantID, Recipient: r}
		var qh []byte
		if err := rows.Scan(&p.TypeCode, &p.Channel, &p.OptedIn, &qh, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan preference: %w", err)
		}
		if len(qh) > 0 {
			var q models.QuietHours
			if err := json.Unmarshal(qh, &q); err != nil {
				return nil, fmt.Errorf("decode quiet hours: %w", err)
			}
			p.QuietHours = &q
		}
		st.Preferences = append(st.Preferences, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	holdRows, err := s.db.QueryContext(ctx, `
		SELECT channel, flag, active, created_at
		FROM compliance_holds
		WHERE tenant_id = $1 AND recipient_type = $2 AND recipient_id = $3 AND active`,
		tenantID, r.Type, r.ID)
	if err != nil {
		return nil, fmt.Errorf("query compliance holds: %w", err)
	}
	defer holdRows.Close()

	for holdRows.Next() {
		h := models.ComplianceHold{TenantID: tenantID, Recipient: r}
		if err := holdRows.Scan(&h.Channel, &h.Flag, &h.Active, &h.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan compliance hold: %w", err)
		}
		st.Holds = append(st.Holds, h)
	}
	return st, holdRows.Err()
}

func (s *PostgresStore) UpsertPreference(ctx context.Context, p *models.Preference) error {
	var qh interface{}
	if p.QuietHours != nil {
		b, err := json.Marshal(p.QuietHours)
		if err != nil {
			return err
		}
		qh = b
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO notification_preferences
			(tenant_id, recipient_type, recipient_id, type_code, channel, opted_in, quiet_hours, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		ON CONFLICT (tenant_id, recipient_type, recipient_id, type_code, channel)
		DO UPDATE SET opted_in = EXCLUDED.opted_in, quiet_hours = EXCLUDED.quiet_hours, updated_at = now()
		RETURNING updated_at`,
		p.TenantID, p.Recipient.Type, p.Recipient.ID, p.TypeCode, string(p.Channel), p.OptedIn, qh,
	).Scan(&p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert preference: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpsertHold(ctx context.Context, h *models.ComplianceHold) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO compliance_holds (tenant_id, recipient_type, recipient_id, channel, flag, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (tenant_id, recipient_type, recipient_id, channel, flag)
		DO UPDATE SET active = EXCLUDED.active
		RETURNING created_at`,
		h.TenantID, h.Recipient.Type, h.Recipient.ID, string(h.Channel), h.Flag, h.Active,
	).Scan(&h.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert compliance hold: %w", err)
	}
	return nil
}
