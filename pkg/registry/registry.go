// pkg/registry/registry.go
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Catalog answers type-code lookups. It is immutable after construction and
// safe for concurrent reads.
type Catalog struct {
	version string
	types   map[string]NotificationType
}

// LoadRegistry reads a catalog file. Types in the file replace the built-in
// defaults with the same code.
func LoadRegistry(path string) (*Catalog, error) {
	reg, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	return NewCatalog(reg.Version, append(DefaultTypes(), reg.Types...)...)
}

// ReadFile decodes a registry file without merging the built-in defaults.
func ReadFile(path string) (*TypeRegistry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var reg TypeRegistry
	if err := json.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("parse registry %s: %w", path, err)
	}
	return &reg, nil
}

// Save writes the registry as indented JSON, creating parent directories.
func (r *TypeRegistry) Save(path string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal registry: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create registry dir: %w", err)
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

// Validate checks the file on its own terms: codes are unique, categories
// known and channels drawn from the supported set.
func (r *TypeRegistry) Validate() error {
	if len(r.Types) == 0 {
		return fmt.Errorf("registry contains no types")
	}
	seen := make(map[string]bool, len(r.Types))
	for _, t := range r.Types {
		if t.Code == "" {
			return fmt.Errorf("registry entry without code")
		}
		if seen[t.Code] {
			return fmt.Errorf("duplicate type code: %s", t.Code)
		}
		seen[t.Code] = true
		if _, err := NewCatalog(r.Version, t); err != nil {
			return err
		}
		for _, ch := range t.Channels {
			if !knownChannels[ch] {
				return fmt.Errorf("type %s: unknown channel %q", t.Code, ch)
			}
		}
		switch t.DefaultPriority {
		case "", "critical", "high", "normal", "low":
		default:
			return fmt.Errorf("type %s: unknown priority %q", t.Code, t.DefaultPriority)
		}
	}
	return nil
}

var knownChannels = map[string]bool{"email": true, "sms": true, "push": true, "in_app": true}

// NewCatalog builds a catalog; later entries with the same code win.
func NewCatalog(version string, types ...NotificationType) (*Catalog, error) {
	c := &Catalog{version: version, types: make(map[string]NotificationType, len(types))}
	for _, t := range types {
		if t.Code == "" {
			return nil, fmt.Errorf("registry entry without code")
		}
		switch t.Category {
		case CategorySecurity, CategoryTransactional, CategoryMarketing, CategorySystem:
		default:
			return nil, fmt.Errorf("type %s: unknown category %q", t.Code, t.Category)
		}
		c.types[t.Code] = t
	}
	return c, nil
}

// Default returns a catalog holding only the built-in types.
func Default() *Catalog {
	c, _ := NewCatalog("builtin", DefaultTypes()...)
	return c
}

// Lookup returns the type for code. Unknown codes resolve to an opt-out-able
// transactional type so an unregistered producer can never bypass preferences.
func (c *Catalog) Lookup(code string) (NotificationType, bool) {
	if t, ok := c.types[code]; ok {
		return t, true
	}
	return NotificationType{
		Code:               code,
		Category:           CategoryTransactional,
		OptOutable:         true,
		RespectsQuietHours: true,
	}, false
}

func (c *Catalog) Version() string { return c.version }

func (c *Catalog) Len() int { return len(c.types) }

// DefaultTypes are always present, even without a registry file.
func DefaultTypes() []NotificationType {
	return []NotificationType{
		{Code: "password_reset", Category: CategorySecurity, DefaultPriority: "critical"},
		{Code: "login_alert", Category: CategorySecurity, DefaultPriority: "high"},
		{Code: "payment_failed", Category: CategoryTransactional, DefaultPriority: "critical"},
		{Code: "order_confirmed", Category: CategoryTransactional, RespectsQuietHours: true, DefaultPriority: "high"},
		{Code: "promo_new_offer", Category: CategoryMarketing, OptOutable: true, RespectsQuietHours: true, DefaultPriority: "low"},
		{Code: "newsletter", Category: CategoryMarketing, OptOutable: true, RespectsQuietHours: true, DefaultPriority: "low"},
	}
}
