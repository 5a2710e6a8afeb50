package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"notification-dispatch/internal/models"
	"notification-dispatch/internal/notification/webhook"
)

func (s *Server) registerWebhook(w http.ResponseWriter, r *http.Request) {
	var in webhook.RegisterInput
	if err := s.decode(r, schemaWebhook, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	hook, err := s.webhooks.Register(r.Context(), chi.URLParam(r, "tenantID"), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, hook)
}

func (s *Server) listWebhooks(w http.ResponseWriter, r *http.Request) {
	hooks, err := s.webhooks.List(r.Context(), chi.URLParam(r, "tenantID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if hooks == nil {
		hooks = []*models.Webhook{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"webhooks": hooks})
}

func (s *Server) deleteWebhook(w http.ResponseWriter, r *http.Request) {
	if err := s.webhooks.Delete(r.Context(), chi.URLParam(r, "tenantID"), chi.URLParam(r, "webhookID")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) enableWebhook(w http.ResponseWriter, r *http.Request) {
	hook, err := s.webhooks.Enable(r.Context(), chi.URLParam(r, "tenantID"), chi.URLParam(r, "webhookID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, hook)
}

func (s *Server) webhookDeliveries(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	entries, err := s.webhooks.Deliveries(r.Context(), chi.URLParam(r, "tenantID"), chi.URLParam(r, "webhookID"), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []*models.QueueEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"deliveries": entries})
}

func (s *Server) publishEvent(w http.ResponseWriter, r *http.Request) {
	var ev models.WebhookEvent
	if err := s.decode(r, schemaWebhookEvt, &ev); err != nil {
		s.writeError(w, r, err)
		return
	}
	ev.TenantID = chi.URLParam(r, "tenantID")
	entries, err := s.webhooks.Publish(r.Context(), ev)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.ID)
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"deliveryIds": ids})
}
