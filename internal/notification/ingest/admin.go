package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"

	apperrors "notification-dispatch/internal/common/errors"
	"notification-dispatch/internal/models"
	"notification-dispatch/internal/notification/preference"
	"notification-dispatch/internal/notification/tenant"
)

// UpsertTemplate stores the active template of a slot. The previous version
// of the slot is replaced.
func (s *Service) UpsertTemplate(ctx context.Context, tenantID string, t *models.Template) (*models.Template, error) {
	var problems []string
	if t.TypeCode == "" {
		problems = append(problems, "typeCode is required")
	}
	if !t.Channel.IsNotificationChannel() {
		problems = append(problems, fmt.Sprintf("channel %q cannot carry a template", t.Channel))
	}
	if t.Language == "" {
		problems = append(problems, "language is required")
	}
	if strings.TrimSpace(t.Body) == "" {
		problems = append(problems, "body is required")
	}
	if t.Channel == models.ChannelEmail && t.Subject == "" {
		problems = append(problems, "email templates need a subject")
	}
	if len(problems) > 0 {
		return nil, apperrors.NewValidationError(strings.Join(problems, "; "))
	}

	t.TenantID = tenantID
	if err := s.Templates.Upsert(ctx, t); err != nil {
		return nil, apperrors.NewStorageError("upsert template", err)
	}
	s.logger.Info("template stored", map[string]interface{}{
		"tenantId": tenantID,
		"typeCode": t.TypeCode,
		"channel":  string(t.Channel),
		"language": t.Language,
		"version":  t.Version,
		"active":   t.Active,
	})
	return t, nil
}

func (s *Service) ListTemplates(ctx context.Context, tenantID string) ([]models.Template, error) {
	out, err := s.Templates.List(ctx, tenantID)
	if err != nil {
		return nil, apperrors.NewStorageError("list templates", err)
	}
	if out == nil {
		out = []models.Template{}
	}
	return out, nil
}

// UpsertPreference stores a recipient's opt-in state for a type code,
// category and/or channel.
func (s *Service) UpsertPreference(ctx context.Context, tenantID string, p *models.Preference) (*models.Preference, error) {
	if p.Recipient.Type == "" || p.Recipient.ID == "" {
		return nil, apperrors.NewValidationError("recipient type and id are required")
	}
	if p.Channel != "" && !p.Channel.IsNotificationChannel() {
		return nil, apperrors.NewValidationError(fmt.Sprintf("channel %q has no preferences", p.Channel))
	}
	if p.QuietHours != nil {
		if _, err := preference.ParseWindow(*p.QuietHours); err != nil {
			return nil, apperrors.NewValidationError(err.Error())
		}
	}

	p.TenantID = tenantID
	if err := s.Prefs.UpsertPreference(ctx, p); err != nil {
		return nil, apperrors.NewStorageError("upsert preference", err)
	}
	return p, nil
}

// UpsertHold sets or lifts a compliance hold on a recipient.
func (s *Service) UpsertHold(ctx context.Context, tenantID string, h *models.ComplianceHold) (*models.ComplianceHold, error) {
	if h.Recipient.Type == "" || h.Recipient.ID == "" {
		return nil, apperrors.NewValidationError("recipient type and id are required")
	}
	if h.Flag == "" {
		return nil, apperrors.NewValidationError("flag is required")
	}
	if h.Channel != "" && !h.Channel.IsNotificationChannel() {
		return nil, apperrors.NewValidationError(fmt.Sprintf("channel %q cannot be held", h.Channel))
	}

	h.TenantID = tenantID
	if err := s.Prefs.UpsertHold(ctx, h); err != nil {
		return nil, apperrors.NewStorageError("upsert compliance hold", err)
	}
	s.logger.Info("compliance hold updated", map[string]interface{}{
		"tenantId":  tenantID,
		"recipient": h.Recipient.String(),
		"flag":      h.Flag,
		"active":    h.Active,
	})
	return h, nil
}

// SetAddress records where a recipient is reached on a channel.
func (s *Service) SetAddress(ctx context.Context, tenantID string, r models.RecipientRef, ch models.Channel, address string) error {
	if r.Type == "" || r.ID == "" {
		return apperrors.NewValidationError("recipient type and id are required")
	}
	if !ch.IsNotificationChannel() || ch == models.ChannelInApp {
		return apperrors.NewValidationError(fmt.Sprintf("channel %q has no directory addresses", ch))
	}
	if address == "" {
		return apperrors.NewValidationError("address is required")
	}
	if msg := checkAddress(ch, address); msg != "" {
		return apperrors.NewValidationError(msg)
	}
	if err := s.Addresses.Set(ctx, tenantID, r, ch, address); err != nil {
		return apperrors.NewStorageError("set recipient address", err)
	}
	return nil
}

// TenantConfig returns the effective configuration of a tenant.
func (s *Service) TenantConfig(ctx context.Context, tenantID string) (*models.TenantConfig, error) {
	cfg, err := s.Tenants.Config(ctx, tenantID)
	if err != nil {
		return nil, apperrors.NewStorageError("load tenant config", err)
	}
	return cfg, nil
}

// PutTenantConfig replaces the stored overrides of a tenant and returns the
// effective configuration.
func (s *Service) PutTenantConfig(ctx context.Context, tenantID string, o *models.TenantConfig) (*models.TenantConfig, error) {
	var problems []string
	for ch, q := range o.ChannelRateLimits {
		if q.Hour < 0 || q.Day < 0 || q.Month < 0 {
			problems = append(problems, fmt.Sprintf("rate limits of %s must not be negative", ch))
		}
	}
	if o.Retry != nil && o.Retry.MaxAttempts < 0 {
		problems = append(problems, "retry.max_attempts must not be negative")
	}
	if o.QuietHours != nil {
		if _, err := preference.ParseWindow(*o.QuietHours); err != nil {
			problems = append(problems, err.Error())
		}
	}
	if o.WebhookTimeoutSeconds < 0 || o.WebhookRetryAttempts < 0 || o.WebhookConcurrency < 0 {
		problems = append(problems, "webhook settings must not be negative")
	}
	if len(problems) > 0 {
		return nil, apperrors.NewValidationError(strings.Join(problems, "; "))
	}

	o.TenantID = tenantID
	if err := s.Tenants.Put(ctx, o); err != nil {
		return nil, apperrors.NewStorageError("store tenant config", err)
	}
	return s.TenantConfig(ctx, tenantID)
}

// TenantOverrides returns only what is stored for the tenant.
func (s *Service) TenantOverrides(ctx context.Context, tenantID string) (*models.TenantConfig, error) {
	o, err := s.Tenants.Overrides(ctx, tenantID)
	if errors.Is(err, tenant.ErrNotFound) {
		return &models.TenantConfig{TenantID: tenantID}, nil
	}
	if err != nil {
		return nil, apperrors.NewStorageError("load tenant overrides", err)
	}
	return o, nil
}
