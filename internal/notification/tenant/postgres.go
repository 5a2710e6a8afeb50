package tenant

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"notification-dispatch/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Get(ctx context.Context, tenantID string) (*models.TenantConfig, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `SELECT settings FROM tenant_configs WHERE tenant_id = $1`, tenantID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get tenant config: %w", err)
	}
	var cfg models.TenantConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("decode tenant config %s: %w", tenantID, err)
	}
	cfg.TenantID = tenantID
	return &cfg, nil
}

func (s *PostgresStore) Put(ctx context.Context, cfg *models.TenantConfig) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode tenant config: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tenant_configs (tenant_id, settings, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (tenant_id) DO UPDATE SET settings = EXCLUDED.settings, updated_at = now()`,
		cfg.TenantID, raw)
	if err != nil {
		return fmt.Errorf("put tenant config: %w", err)
	}
	return nil
}
