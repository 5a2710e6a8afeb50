package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"notification-dispatch/internal/common/database"
	"notification-dispatch/internal/models"
)

// PostgresQueue is the durable queue. Claims use FOR UPDATE SKIP LOCKED on
// the partial ready index so concurrent dispatchers never block each other.
type PostgresQueue struct {
	db *sql.DB
}

func NewPostgresQueue(db *sql.DB) *PostgresQueue {
	return &PostgresQueue{db: db}
}

const entryColumns = `id, tenant_id, kind, idempotency_key, priority, status, attempts, deferrals,
	next_eligible_at, lease_owner, lease_expires_at, cancel_requested, reason, last_error,
	notification, webhook, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanEntry reads entryColumns followed by any extra destinations.
func scanEntry(row rowScanner, extra ...interface{}) (*models.QueueEntry, error) {
	var (
		e        models.QueueEntry
		lease    sql.NullTime
		notifRaw []byte
		hookRaw  []byte
	)
	dest := []interface{}{&e.ID, &e.TenantID, &e.Kind, &e.IdempotencyKey, &e.Priority, &e.Status,
		&e.Attempts, &e.Deferrals, &e.NextEligibleAt, &e.LeaseOwner, &lease, &e.CancelRequested,
		&e.Reason, &e.LastError, &notifRaw, &hookRaw, &e.CreatedAt, &e.UpdatedAt}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	if lease.Valid {
		t := lease.Time
		e.LeaseExpiresAt = &t
	}
	if len(notifRaw) > 0 {
		e.Notification = &models.NotificationRequest{}
		if err := json.Unmarshal(notifRaw, e.Notification); err != nil {
			return nil, fmt.Errorf("decode notification of %s: %w", e.ID, err)
		}
	}
	if len(hookRaw) > 0 {
		e.Webhook = &models.WebhookDelivery{}
		if err := json.Unmarshal(hookRaw, e.Webhook); err != nil {
			return nil, fmt.Errorf("decode webhook of %s: %w", e.ID, err)
		}
	}
	return &e, nil
}

func scanEntries(rows *sql.Rows) ([]*models.QueueEntry, error) {
	defer rows.Close()
	var out []*models.QueueEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func marshalPayloads(e *models.QueueEntry) (notif, hook []byte, err error) {
	if e.Notification != nil {
		if notif, err = json.Marshal(e.Notification); err != nil {
			return nil, nil, fmt.Errorf("encode notification: %w", err)
		}
	}
	if e.Webhook != nil {
		if hook, err = json.Marshal(e.Webhook); err != nil {
			return nil, nil, fmt.Errorf("encode webhook: %w", err)
		}
	}
	return notif, hook, nil
}

func (q *PostgresQueue) Enqueue(ctx context.Context, e *models.QueueEntry) (*models.QueueEntry, bool, error) {
	id := e.ID
	if id == "" {
		id = uuid.NewString()
	}
	notif, hook, err := marshalPayloads(e)
	if err != nil {
		return nil, false, err
	}

	// The conditional DO UPDATE returns no row when the existing entry is no
	// longer pending; it is then read back unchanged.
	var inserted bool
	row := q.db.QueryRowContext(ctx, `
		INSERT INTO queue_entries
			(id, tenant_id, kind, idempotency_key, priority, status, next_eligible_at, notification, webhook, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 'pending', $6, $7, $8, now(), now())
		ON CONFLICT (idempotency_key) DO UPDATE
			SET priority = EXCLUDED.priority, next_eligible_at = EXCLUDED.next_eligible_at, updated_at = now()
			WHERE queue_entries.status = 'pending'
		RETURNING `+entryColumns+`, (xmax = 0)`,
		id, e.TenantID, string(e.Kind), e.IdempotencyKey, int(e.Priority), e.NextEligibleAt, nullJSON(notif), nullJSON(hook))

	entry, err := scanEntry(row, &inserted)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		existing, err := q.getByKey(ctx, e.IdempotencyKey)
		return existing, false, err
	case err != nil:
		return nil, false, fmt.Errorf("enqueue: %w", err)
	}
	return entry, inserted, nil
}

func nullJSON(b []byte) interface{} {
	if b == nil {
		return nil
	}
	return b
}

func (q *PostgresQueue) getByKey(ctx context.Context, key string) (*models.QueueEntry, error) {
	e, err := scanEntry(q.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM queue_entries WHERE idempotency_key = $1`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get entry by key: %w", err)
	}
	return e, nil
}

func (q *PostgresQueue) DequeueBatch(ctx context.Context, n int, worker string, now time.Time, visibility time.Duration) ([]*models.QueueEntry, error) {
	rows, err := q.db.QueryContext(ctx, `
		WITH claimable AS (
			SELECT id FROM queue_entries
			WHERE (status = 'pending' AND next_eligible_at <= $1)
			   OR (status = 'in_flight' AND lease_expires_at <= $1)
			ORDER BY priority DESC, next_eligible_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE queue_entries q
		SET status = 'in_flight', lease_owner = $3, lease_expires_at = $4, updated_at = $1
		FROM claimable c
		WHERE q.id = c.id
		RETURNING `+qualified("q", entryColumns),
		now, n, worker, now.Add(visibility))
	if err != nil {
		return nil, fmt.Errorf("claim batch: %w", err)
	}
	out, err := scanEntries(rows)
	if err != nil {
		return nil, fmt.Errorf("claim batch: %w", err)
	}
	sort.SliceStable(out, func(i, j int) bool { return claimOrder(out[i], out[j]) })
	return out, nil
}

func (q *PostgresQueue) update(ctx context.Context, where string, id string, extra []interface{}, r models.Release) (*models.QueueEntry, error) {
	_, hook, err := marshalPayloads(&models.QueueEntry{Webhook: r.Webhook})
	if err != nil {
		return nil, err
	}
	args := append([]interface{}{id, string(r.Status), r.Attempts, r.Deferrals, r.Reason, r.LastError,
		nullTime(r.NextEligibleAt), nullJSON(hook)}, extra...)
	return scanEntry(q.db.QueryRowContext(ctx, `
		UPDATE queue_entries
		SET status = $2, attempts = $3, deferrals = $4, reason = $5, last_error = $6,
			next_eligible_at = CASE WHEN $2 = 'pending' THEN COALESCE($7, next_eligible_at) ELSE next_eligible_at END,
			webhook = COALESCE($8, webhook),
			lease_owner = '', lease_expires_at = NULL, updated_at = now()
		WHERE id = $1 AND `+where+`
		RETURNING `+entryColumns, args...))
}

func (q *PostgresQueue) Release(ctx context.Context, id, worker string, r models.Release) (*models.QueueEntry, error) {
	e, err := q.update(ctx, "status = 'in_flight' AND lease_owner = $9", id, []interface{}{worker}, r)
	if errors.Is(err, sql.ErrNoRows) {
		if _, gerr := q.Get(ctx, id); gerr != nil {
			return nil, gerr
		}
		return nil, ErrLeaseLost
	}
	if err != nil {
		return nil, fmt.Errorf("release entry: %w", err)
	}
	return e, nil
}

func (q *PostgresQueue) Settle(ctx context.Context, id string, r models.Release) (*models.QueueEntry, error) {
	e, err := q.update(ctx, "status = 'pending'", id, nil, r)
	if errors.Is(err, sql.ErrNoRows) {
		if _, gerr := q.Get(ctx, id); gerr != nil {
			return nil, gerr
		}
		return nil, ErrNotPending
	}
	if err != nil {
		return nil, fmt.Errorf("settle entry: %w", err)
	}
	return e, nil
}

func (q *PostgresQueue) Cancel(ctx context.Context, id string, now time.Time) (*models.QueueEntry, error) {
	var out *models.QueueEntry
	var result error
	err := database.WithTx(ctx, q.db, func(tx *sql.Tx) error {
		e, err := scanEntry(tx.QueryRowContext(ctx,
			`SELECT `+entryColumns+` FROM queue_entries WHERE id = $1 FOR UPDATE`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		switch e.Status {
		case models.StatusPending:
			_, err = tx.ExecContext(ctx, `
				UPDATE queue_entries SET status = 'failed', reason = $2, updated_at = $3 WHERE id = $1`,
				id, models.ReasonCancelled, now)
			e.Status = models.StatusFailed
			e.Reason = models.ReasonCancelled
		case models.StatusInFlight:
			_, err = tx.ExecContext(ctx, `
				UPDATE queue_entries SET cancel_requested = TRUE, updated_at = $2 WHERE id = $1`, id, now)
			e.CancelRequested = true
		default:
			result = ErrNotCancellable
		}
		e.UpdatedAt = now
		out = e
		return err
	})
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("cancel entry: %w", err)
	}
	return out, result
}

func (q *PostgresQueue) Get(ctx context.Context, id string) (*models.QueueEntry, error) {
	e, err := scanEntry(q.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM queue_entries WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get entry: %w", err)
	}
	return e, nil
}

func (q *PostgresQueue) ListDead(ctx context.Context, tenantID string, limit int) ([]*models.QueueEntry, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+entryColumns+` FROM queue_entries
		WHERE tenant_id = $1 AND status = 'dead'
		ORDER BY updated_at DESC
		LIMIT $2`, tenantID, listLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list dead entries: %w", err)
	}
	return scanEntries(rows)
}

func (q *PostgresQueue) ListWebhookDeliveries(ctx context.Context, tenantID, webhookID string, limit int) ([]*models.QueueEntry, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+entryColumns+` FROM queue_entries
		WHERE tenant_id = $1 AND kind = 'webhook' AND webhook->>'webhookId' = $2
		ORDER BY updated_at DESC
		LIMIT $3`, tenantID, webhookID, listLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list webhook deliveries: %w", err)
	}
	return scanEntries(rows)
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

// qualified prefixes every column in a comma separated list with alias.
func qualified(alias, columns string) string {
	cols := strings.Split(columns, ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}
