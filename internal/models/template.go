package models

import "time"

// GlobalTenant is the tenant id under which system default templates live.
const GlobalTenant = "global"

// Template holds placeholder content for one (tenant, type, channel, language).
// Subject is used by email, Title by push and in-app, Link by in-app.
type Template struct {
	ID        string    `json:"id" db:"id"`
	TenantID  string    `json:"tenantId" db:"tenant_id"`
	TypeCode  string    `json:"typeCode" db:"type_code"`
	Channel   Channel   `json:"channel" db:"channel"`
	Language  string    `json:"language" db:"language"`
	Subject   string    `json:"subject,omitempty" db:"subject"`
	Title     string    `json:"title,omitempty" db:"title"`
	Body      string    `json:"body" db:"body"`
	HTMLBody  string    `json:"htmlBody,omitempty" db:"html_body"`
	Link      string    `json:"link,omitempty" db:"link"`
	Active    bool      `json:"active" db:"active"`
	Version   int       `json:"version" db:"version"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}

// TemplateKey identifies the slot a template occupies. At most one active
// template exists per key.
type TemplateKey struct {
	TenantID string
	TypeCode string
	Channel  Channel
	Language string
}

func (t *Template) Key() TemplateKey {
	return TemplateKey{TenantID: t.TenantID, TypeCode: t.TypeCode, Channel: t.Channel, Language: t.Language}
}
