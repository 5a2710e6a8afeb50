package template

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"notification-dispatch/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const templateColumns = `id, tenant_id, type_code, channel, language, subject, title, body, html_body, link, active, version, updated_at`

func scanTemplate(row interface{ Scan(...interface{}) error }) (*models.Template, error) {
	var t models.Template
	err := row.Scan(&t.ID, &t.TenantID, &t.TypeCode, &t.Channel, &t.Language,
		&t.Subject, &t.Title, &t.Body, &t.HTMLBody, &t.Link, &t.Active, &t.Version, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *PostgresStore) Get(ctx context.Context, key models.TemplateKey) (*models.Template, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+templateColumns+`
		FROM notification_templates
		WHERE tenant_id = $1 AND type_code = $2 AND channel = $3 AND language = $4 AND active`,
		key.TenantID, key.TypeCode, string(key.Channel), key.Language)

	t, err := scanTemplate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get template: %w", err)
	}
	return t, nil
}

// Upsert replaces the active template for the key, bumping its version.
func (s *PostgresStore) Upsert(ctx context.Context, t *models.Template) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO notification_templates
			(id, tenant_id, type_code, channel, language, subject, title, body, html_body, link, active, version, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 1, now())
		ON CONFLICT (tenant_id, type_code, channel, language) WHERE active
		DO UPDATE SET subject = EXCLUDED.subject, title = EXCLUDED.title, body = EXCLUDED.body,
			html_body = EXCLUDED.html_body, link = EXCLUDED.link, active = EXCLUDED.active,
			version = notification_templates.version + 1, updated_at = now()
		RETURNING id, version, updated_at`,
		t.ID, t.TenantID, t.TypeCode, string(t.Channel), t.Language,
		t.Subject, t.Title, t.Body, t.HTMLBody, t.Link, t.Active,
	).Scan(&t.ID, &t.Version, &t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert template: %w", err)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, tenantID string) ([]models.Template, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+templateColumns+`
		FROM notification_templates
		WHERE tenant_id = $1
		ORDER BY type_code, channel, language`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	defer rows.Close()

	var out []models.Template
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan template: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}
