package webhook

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"notification-dispatch/internal/common/database"
	"notification-dispatch/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const webhookColumns = `id, tenant_id, url, secret, events, active, consecutive_failures, disabled_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanWebhook(row rowScanner) (*models.Webhook, error) {
	var (
		w        models.Webhook
		disabled sql.NullTime
	)
	if err := row.Scan(&w.ID, &w.TenantID, &w.URL, &w.Secret, pq.Array(&w.Events), &w.Active,
		&w.ConsecutiveFailures, &disabled, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return nil, err
	}
	if disabled.Valid {
		t := disabled.Time
		w.DisabledAt = &t
	}
	return &w, nil
}

func (s *PostgresStore) Create(ctx context.Context, w *models.Webhook) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhooks (`+webhookColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		w.ID, w.TenantID, w.URL, w.Secret, pq.Array(w.Events), w.Active, w.ConsecutiveFailures,
		w.DisabledAt, w.CreatedAt, w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert webhook: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, tenantID, id string) (*models.Webhook, error) {
	w, err := scanWebhook(s.db.QueryRowContext(ctx, `
		SELECT `+webhookColumns+` FROM webhooks WHERE id = $1 AND tenant_id = $2`, id, tenantID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get webhook: %w", err)
	}
	return w, nil
}

func (s *PostgresStore) List(ctx context.Context, tenantID string) ([]*models.Webhook, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+webhookColumns+` FROM webhooks WHERE tenant_id = $1 ORDER BY created_at`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list webhooks: %w", err)
	}
	defer rows.Close()

	var out []*models.Webhook
	for rows.Next() {
		w, err := scanWebhook(rows)
		if err != nil {
			return nil, fmt.Errorf("scan webhook: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Delete(ctx context.Context, tenantID, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM webhooks WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	if err != nil {
		return fmt.Errorf("delete webhook: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Enable(ctx context.Context, tenantID, id string, at time.Time) (*models.Webhook, error) {
	w, err := scanWebhook(s.db.QueryRowContext(ctx, `
		UPDATE webhooks SET active = TRUE, consecutive_failures = 0, disabled_at = NULL, updated_at = $3
		WHERE id = $1 AND tenant_id = $2
		RETURNING `+webhookColumns, id, tenantID, at))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("enable webhook: %w", err)
	}
	return w, nil
}

func (s *PostgresStore) RecordOutcome(ctx context.Context, id string, delivered bool, disableAfter int, at time.Time) (bool, error) {
	if delivered {
		_, err := s.db.ExecContext(ctx, `
			UPDATE webhooks SET consecutive_failures = 0, updated_at = $2 WHERE id = $1`, id, at)
		if err != nil {
			return false, fmt.Errorf("reset webhook failures: %w", err)
		}
		return false, nil
	}

	disabled := false
	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		var (
			failures int
			active   bool
		)
		err := tx.QueryRowContext(ctx, `
			UPDATE webhooks SET consecutive_failures = consecutive_failures + 1, updated_at = $2
			WHERE id = $1
			RETURNING consecutive_failures, active`, id, at).Scan(&failures, &active)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("count webhook failure: %w", err)
		}
		if !active || disableAfter <= 0 || failures < disableAfter {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE webhooks SET active = FALSE, disabled_at = $2 WHERE id = $1`, id, at); err != nil {
			return fmt.Errorf("disable webhook: %w", err)
		}
		disabled = true
		return nil
	})
	return disabled, err
}
