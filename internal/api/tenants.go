package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	apperrors "notification-dispatch/internal/common/errors"
	"notification-dispatch/internal/models"
	"notification-dispatch/internal/notification/analytics"
)

func (s *Server) deadLetters(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	entries, err := s.notifications.DeadLetters(r.Context(), chi.URLParam(r, "tenantID"), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []*models.QueueEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

func (s *Server) analyticsReport(w http.ResponseWriter, r *http.Request) {
	q := analytics.Query{
		TenantID: chi.URLParam(r, "tenantID"),
		Channel:  models.Channel(r.URL.Query().Get("channel")),
		TypeCode: r.URL.Query().Get("typeCode"),
		FromDay:  r.URL.Query().Get("from"),
		ToDay:    r.URL.Query().Get("to"),
	}
	for _, day := range []string{q.FromDay, q.ToDay} {
		if day == "" {
			continue
		}
		if _, err := analytics.ParseDay(day); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	report, err := s.analytics.Report(r.Context(), q)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) recomputeAnalytics(w http.ResponseWriter, r *http.Request) {
	var body struct {
		From string `json:"from"`
		To   string `json:"to"`
	}
	if err := s.decode(r, schemaRecompute, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	from, err := analytics.ParseDay(body.From)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	to, err := analytics.ParseDay(body.To)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.analytics.Recompute(r.Context(), chi.URLParam(r, "tenantID"), from, to)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) rateLimits(w http.ResponseWriter, r *http.Request) {
	usage, err := s.notifications.RateLimitUsage(r.Context(), chi.URLParam(r, "tenantID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"usage": usage})
}

func (s *Server) searchEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := models.EventFilter{
		TenantID: chi.URLParam(r, "tenantID"),
		EntryID:  q.Get("entryId"),
		Channel:  models.Channel(q.Get("channel")),
		Status:   models.Status(q.Get("status")),
	}
	limit, err := queryLimit(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	f.Limit = limit

	for _, p := range []struct {
		name string
		dst  **time.Time
	}{{"from", &f.From}, {"to", &f.To}} {
		raw := q.Get(p.name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.writeError(w, r, apperrors.NewValidationError(p.name+" must be an RFC 3339 timestamp"))
			return
		}
		*p.dst = &t
	}

	events, err := s.notifications.SearchEvents(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if events == nil {
		events = []models.DeliveryEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

func (s *Server) getTenantConfig(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	effective, err := s.notifications.TenantConfig(r.Context(), tenantID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	overrides, err := s.notifications.TenantOverrides(r.Context(), tenantID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"effective": effective, "overrides": overrides})
}

func (s *Server) putTenantConfig(w http.ResponseWriter, r *http.Request) {
	var cfg models.TenantConfig
	if err := s.decode(r, schemaTenant, &cfg); err != nil {
		s.writeError(w, r, err)
		return
	}
	effective, err := s.notifications.PutTenantConfig(r.Context(), chi.URLParam(r, "tenantID"), &cfg)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, effective)
}

func (s *Server) listTemplates(w http.ResponseWriter, r *http.Request) {
	out, err := s.notifications.ListTemplates(r.Context(), chi.URLParam(r, "tenantID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"templates": out})
}

func (s *Server) upsertTemplate(w http.ResponseWriter, r *http.Request) {
	t := models.Template{Active: true}
	if err := s.decode(r, schemaTemplate, &t); err != nil {
		s.writeError(w, r, err)
		return
	}
	out, err := s.notifications.UpsertTemplate(r.Context(), chi.URLParam(r, "tenantID"), &t)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) upsertPreference(w http.ResponseWriter, r *http.Request) {
	var p models.Preference
	if err := s.decode(r, schemaPreference, &p); err != nil {
		s.writeError(w, r, err)
		return
	}
	out, err := s.notifications.UpsertPreference(r.Context(), chi.URLParam(r, "tenantID"), &p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) upsertHold(w http.ResponseWriter, r *http.Request) {
	var h models.ComplianceHold
	if err := s.decode(r, schemaHold, &h); err != nil {
		s.writeError(w, r, err)
		return
	}
	out, err := s.notifications.UpsertHold(r.Context(), chi.URLParam(r, "tenantID"), &h)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) setAddress(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Recipient models.RecipientRef `json:"recipient"`
		Channel   models.Channel      `json:"channel"`
		Address   string              `json:"address"`
	}
	if err := s.decode(r, schemaAddress, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	err := s.notifications.SetAddress(r.Context(), chi.URLParam(r, "tenantID"), body.Recipient, body.Channel, body.Address)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
