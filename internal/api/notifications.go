package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	apperrors "notification-dispatch/internal/common/errors"
	"notification-dispatch/internal/models"
	"notification-dispatch/internal/notification/ingest"
)

func (s *Server) submitNotification(w http.ResponseWriter, r *http.Request) {
	tenantID := r.Header.Get(TenantHeader)
	var req ingest.SubmitRequest
	if err := s.decode(r, schemaSubmit, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.TenantID != "" && req.TenantID != tenantID {
		s.writeError(w, r, apperrors.NewValidationError("tenantId does not match "+TenantHeader))
		return
	}
	req.TenantID = tenantID

	res, err := s.notifications.Submit(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusAccepted
	if res.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

func (s *Server) getNotification(w http.ResponseWriter, r *http.Request) {
	e, err := s.notifications.Get(r.Context(), r.Header.Get(TenantHeader), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) cancelNotification(w http.ResponseWriter, r *http.Request) {
	e, err := s.notifications.Cancel(r.Context(), r.Header.Get(TenantHeader), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) notificationEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.notifications.Events(r.Context(), r.Header.Get(TenantHeader), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if events == nil {
		events = []models.DeliveryEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

func (s *Server) recordEngagement(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Type models.EventType `json:"type"`
	}
	if err := s.decode(r, schemaEngagement, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	ev, err := s.notifications.RecordEngagement(r.Context(), r.Header.Get(TenantHeader), chi.URLParam(r, "id"), body.Type)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ev)
}
