// Package preference decides whether a notification may be sent to a
// recipient right now.
package preference

import (
	"context"
	"time"

	apperrors "notification-dispatch/internal/common/errors"
	"notification-dispatch/internal/common/logger"
	"notification-dispatch/internal/models"
	"notification-dispatch/pkg/registry"
)

// TypeLookup resolves type codes to their dispatch policy.
type TypeLookup interface {
	Lookup(code string) (registry.NotificationType, bool)
}

type Filter struct {
	store         Store
	types         TypeLookup
	quietChannels map[models.Channel]bool
	logger        logger.Logger
}

// NewFilter builds a filter. quietChannels lists the channels that hold
// messages during quiet hours.
func NewFilter(store Store, types TypeLookup, quietChannels []models.Channel, log logger.Logger) *Filter {
	qc := make(map[models.Channel]bool, len(quietChannels))
	for _, ch := range quietChannels {
		qc[ch] = true
	}
	return &Filter{
		store:         store,
		types:         types,
		quietChannels: qc,
		logger:        log.WithFields(map[string]interface{}{"component": "preference-filter"}),
	}
}

// Evaluate applies, in order: non-opt-out-able types pass; an opt-out for the
// type, its category or the channel, or an active compliance hold,
// suppresses; quiet hours on a respecting channel defer until the window
// ends. tenant supplies the default quiet-hours window and may be nil.
func (f *Filter) Evaluate(ctx context.Context, tenant *models.TenantConfig, tenantID string, recipient models.RecipientRef,
	typeCode string, channel models.Channel, now time.Time) (models.PreferenceDecision, error) {

	typ, _ := f.types.Lookup(typeCode)
	if !typ.OptOutable {
		return models.PreferenceDecision{Outcome: models.Eligible}, nil
	}

	st, err := f.store.ForRecipient(ctx, tenantID, recipient)
	if err != nil {
		return models.PreferenceDecision{}, apperrors.NewStorageError("load preferences", err)
	}

	for _, h := range st.Holds {
		if h.Active && (h.Channel == "" || h.Channel == channel) {
			return models.PreferenceDecision{Outcome: models.Suppressed, Reason: "compliance_hold:" + h.Flag}, nil
		}
	}

	var quiet *models.QuietHours
	for i := range st.Preferences {
		p := &st.Preferences[i]
		if !p.Matches(typeCode, typ.Category, channel) {
			continue
		}
		if !p.OptedIn {
			return models.PreferenceDecision{Outcome: models.Suppressed, Reason: optOutReason(p)}, nil
		}
		if p.QuietHours != nil && quiet == nil {
			quiet = p.QuietHours
		}
	}

	if !typ.RespectsQuietHours || !f.quietChannels[channel] {
		return models.PreferenceDecision{Outcome: models.Eligible}, nil
	}
	if quiet == nil && tenant != nil {
		quiet = tenant.QuietHours
	}
	if quiet == nil {
		return models.PreferenceDecision{Outcome: models.Eligible}, nil
	}

	w, err := ParseWindow(*quiet)
	if err != nil {
		f.logger.Warn("ignoring invalid quiet hours", map[string]interface{}{
			"tenantId":  tenantID,
			"recipient": recipient.String(),
			"error":     err.Error(),
		})
		return models.PreferenceDecision{Outcome: models.Eligible}, nil
	}
	if until, active := w.ActiveAt(now); active {
		return models.PreferenceDecision{Outcome: models.Deferred, Until: until, Reason: models.ReasonQuietHours}, nil
	}
	return models.PreferenceDecision{Outcome: models.Eligible}, nil
}

func optOutReason(p *models.Preference) string {
	scope := "all"
	switch {
	case p.TypeCode != "" && p.Channel != "":
		scope = p.TypeCode + "/" + string(p.Channel)
	case p.TypeCode != "":
		scope = p.TypeCode
	case p.Channel != "":
		scope = string(p.Channel)
	}
	return "opted_out:" + scope
}
