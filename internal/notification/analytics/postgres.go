package analytics

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"notification-dispatch/internal/common/database"
	"notification-dispatch/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Fold(ctx context.Context, ev *models.DeliveryEvent, d models.BucketDelta) (bool, error) {
	applied := false
	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO analytics_applied_events (event_id, tenant_id, day)
			VALUES ($1, $2, $3)
			ON CONFLICT (event_id) DO NOTHING`, ev.ID, ev.TenantID, ev.Day())
		if err != nil {
			return fmt.Errorf("mark event folded: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil || n == 0 {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO analytics_buckets (tenant_id, channel, type_code, day, sent, delivered, failed, opened, clicked)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (tenant_id, channel, type_code, day) DO UPDATE SET
				sent      = analytics_buckets.sent + EXCLUDED.sent,
				delivered = analytics_buckets.delivered + EXCLUDED.delivered,
				failed    = analytics_buckets.failed + EXCLUDED.failed,
				opened    = analytics_buckets.opened + EXCLUDED.opened,
				clicked   = analytics_buckets.clicked + EXCLUDED.clicked`,
			ev.TenantID, string(ev.Channel), ev.TypeCode, ev.Day(), d.Sent, d.Delivered, d.Failed, d.Opened, d.Clicked)
		if err != nil {
			return fmt.Errorf("upsert bucket: %w", err)
		}
		applied = true
		return nil
	})
	return applied, err
}

func (s *PostgresStore) Buckets(ctx context.Context, q Query) ([]models.AnalyticsBucket, error) {
	var (
		where []string
		args  []interface{}
	)
	add := func(cond string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if q.TenantID != "" {
		add("tenant_id = $%d", q.TenantID)
	}
	if q.Channel != "" {
		add("channel = $%d", string(q.Channel))
	}
	if q.TypeCode != "" {
		add("type_code = $%d", q.TypeCode)
	}
	if q.FromDay != "" {
		add("day >= $%d", q.FromDay)
	}
	if q.ToDay != "" {
		add("day <= $%d", q.ToDay)
	}

	query := `SELECT tenant_id, channel, type_code, to_char(day, 'YYYY-MM-DD'), sent, delivered, failed, opened, clicked
		FROM analytics_buckets`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY day, channel, type_code`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query buckets: %w", err)
	}
	defer rows.Close()

	var out []models.AnalyticsBucket
	for rows.Next() {
		var b models.AnalyticsBucket
		if err := rows.Scan(&b.TenantID, &b.Channel, &b.TypeCode, &b.Day,
			&b.Sent, &b.Delivered, &b.Failed, &b.Opened, &b.Clicked); err != nil {
			return nil, fmt.Errorf("scan bucket: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Reset(ctx context.Context, tenantID, fromDay, toDay string) error {
	return database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM analytics_buckets WHERE tenant_id = $1 AND day BETWEEN $2 AND $3`,
			tenantID, fromDay, toDay); err != nil {
			return fmt.Errorf("reset buckets: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM analytics_applied_events WHERE tenant_id = $1 AND day BETWEEN $2 AND $3`,
			tenantID, fromDay, toDay); err != nil {
			return fmt.Errorf("reset fold markers: %w", err)
		}
		return nil
	})
}
