package channel

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"notification-dispatch/internal/models"
)

// ErrNoAddress means the recipient has no address for the channel.
var ErrNoAddress = errors.New("recipient has no address for channel")

// AddressBook is a Directory that can also be written.
type AddressBook interface {
	Directory
	Set(ctx context.Context, tenantID string, r models.RecipientRef, ch models.Channel, address string) error
}

// Directory resolves where a recipient is reached on a channel: an email
// address, an E.164 phone number or a push endpoint ARN. In-app delivery
// addresses the recipient id itself.
type Directory interface {
	Resolve(ctx context.Context, tenantID string, r models.RecipientRef, ch models.Channel) (string, error)
}

type dirKey struct {
	tenantID  string
	recipient models.RecipientRef
	channel   models.Channel
}

type MemoryDirectory struct {
	mu    sync.RWMutex
	addrs map[dirKey]string
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{addrs: make(map[dirKey]string)}
}

func (d *MemoryDirectory) Set(_ context.Context, tenantID string, r models.RecipientRef, ch models.Channel, address string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.addrs[dirKey{tenantID, r, ch}] = address
	return nil
}

func (d *MemoryDirectory) Resolve(_ context.Context, tenantID string, r models.RecipientRef, ch models.Channel) (string, error) {
	if ch == models.ChannelInApp {
		return r.ID, nil
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	addr, ok := d.addrs[dirKey{tenantID, r, ch}]
	if !ok || addr == "" {
		return "", ErrNoAddress
	}
	return addr, nil
}

type PostgresDirectory struct {
	db *sql.DB
}

func NewPostgresDirectory(db *sql.DB) *PostgresDirectory {
	return &PostgresDirectory{db: db}
}

func (d *PostgresDirectory) Resolve(ctx context.Context, tenantID string, r models.RecipientRef, ch models.Channel) (string, error) {
	if ch == models.ChannelInApp {
		return r.ID, nil
	}
	var addr string
	err := d.db.QueryRowContext(ctx, `
		SELECT address FROM recipient_addresses
		WHERE tenant_id = $1 AND recipient_type = $2 AND recipient_id = $3 AND channel = $4`,
		tenantID, r.Type, r.ID, string(ch)).Scan(&addr)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && addr == "") {
		return "", ErrNoAddress
	}
	if err != nil {
		return "", fmt.Errorf("resolve address: %w", err)
	}
	return addr, nil
}

// Set stores or replaces an address.
func (d *PostgresDirectory) Set(ctx context.Context, tenantID string, r models.RecipientRef, ch models.Channel, address string) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO recipient_addresses (tenant_id, recipient_type, recipient_id, channel, address)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tenant_id, recipient_type, recipient_id, channel) DO UPDATE SET address = EXCLUDED.address`,
		tenantID, r.Type, r.ID, string(ch), address)
	if err != nil {
		return fmt.Errorf("set address: %w", err)
	}
	return nil
}
