package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	httpclient "notification-dispatch/internal/common/http"
	"notification-dispatch/internal/common/logger"
	"notification-dispatch/internal/models"
	"notification-dispatch/internal/notification/analytics"
	"notification-dispatch/internal/notification/channel"
	"notification-dispatch/internal/notification/ingest"
	"notification-dispatch/internal/notification/preference"
	"notification-dispatch/internal/notification/queue"
	"notification-dispatch/internal/notification/ratelimit"
	"notification-dispatch/internal/notification/template"
	"notification-dispatch/internal/notification/tenant"
	"notification-dispatch/internal/notification/tracker"
	"notification-dispatch/internal/notification/webhook"
	"notification-dispatch/pkg/registry"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	log := logger.NewTestLogger(t)
	types := registry.Default()
	q := queue.NewMemoryQueue()
	events := tracker.NewMemoryEventStore()
	agg := analytics.NewAggregator(analytics.NewMemoryStore(), events, log)
	tr := tracker.New(events, log, agg)
	prefs := preference.NewMemoryStore()
	templates := template.NewMemoryStore(models.Template{
		TenantID: models.GlobalTenant, TypeCode: "order_confirmed", Channel: models.ChannelEmail, Language: "en",
		Subject: "Order {{order}}", Body: "Thanks", Active: true,
	})

	svc := ingest.New(ingest.Deps{
		Queue:       q,
		Tenants:     tenant.NewResolver(tenant.NewMemoryStore(), models.TenantConfig{DefaultLanguage: "en"}),
		Types:       types,
		Renderer:    template.NewRenderer(templates, log),
		Templates:   templates,
		Prefs:       prefs,
		Preferences: preference.NewFilter(prefs, types, nil, log),
		Limiter:     ratelimit.NewMemoryLimiter(log),
		Addresses:   channel.NewMemoryDirectory(),
		Tracker:     tr,
	}, log)
	hooks := webhook.NewEngine(webhook.NewMemoryStore(), q, tr, httpclient.NewClient(time.Second, 256), nil, log)
	return NewServer(Config{}, svc, hooks, agg, log)
}

func do(t *testing.T, h http.Handler, method, path, tenantID string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if tenantID != "" {
		req.Header.Set(TenantHeader, tenantID)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	body := decodeBody(t, rec)
	e, ok := body["error"].(map[string]interface{})
	require.True(t, ok, rec.Body.String())
	return e["code"].(string)
}

var submitBody = map[string]interface{}{
	"recipient": map[string]string{"type": "user", "id": "42"},
	"typeCode":  "order_confirmed",
	"channel":   "email",
	"address":   "ada@example.com",
	"variables": map[string]string{"order": "A-1"},
	"eventId":   "evt-1",
}

func TestNotificationLifecycle(t *testing.T) {
	h := newTestServer(t).Router()

	rec := do(t, h, http.MethodPost, "/api/v1/notifications", "", submitBody)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/v1/notifications", "acme", submitBody)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	id := decodeBody(t, rec)["entryId"].(string)
	require.NotEmpty(t, id)

	rec = do(t, h, http.MethodPost, "/api/v1/notifications", "acme", submitBody)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeBody(t, rec)["duplicate"])

	rec = do(t, h, http.MethodGet, "/api/v1/notifications/"+id, "acme", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pending", decodeBody(t, rec)["status"])

	rec = do(t, h, http.MethodGet, "/api/v1/notifications/"+id, "globex", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", errorCode(t, rec))

	rec = do(t, h, http.MethodDelete, "/api/v1/notifications/"+id, "acme", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "failed", decodeBody(t, rec)["status"])

	rec = do(t, h, http.MethodDelete, "/api/v1/notifications/"+id, "acme", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/v1/notifications/"+id+"/events", "acme", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody(t, rec)["events"], 2)

	rec = do(t, h, http.MethodPost, "/api/v1/notifications/"+id+"/engagement", "acme", map[string]string{"type": "opened"})
	assert.Equal(t, http.StatusConflict, rec.Code, "cancelled entries have no engagement")
}

func TestSubmit_RejectsInvalidBodies(t *testing.T) {
	h := newTestServer(t).Router()

	tests := []struct {
		name string
		body interface{}
	}{
		{"malformed json", `{"recipient":`},
		{"empty body", nil},
		{"unknown channel", map[string]interface{}{
			"recipient": map[string]string{"type": "user", "id": "42"}, "typeCode": "x", "channel": "fax",
		}},
		{"missing recipient", map[string]interface{}{"typeCode": "order_confirmed", "channel": "email"}},
		{"no template", map[string]interface{}{
			"recipient": map[string]string{"type": "user", "id": "42"}, "typeCode": "login_alert", "channel": "email",
		}},
		{"tenant mismatch", map[string]interface{}{
			"tenantId": "globex", "recipient": map[string]string{"type": "user", "id": "42"},
			"typeCode": "order_confirmed", "channel": "email",
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, "/api/v1/notifications", "acme", tt.body)
			assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())
			assert.Equal(t, "VALIDATION_ERROR", errorCode(t, rec))
		})
	}
}

func TestWebhookRoutes(t *testing.T) {
	h := newTestServer(t).Router()
	base := "/api/v1/tenants/acme/webhooks"

	rec := do(t, h, http.MethodPost, base, "", map[string]interface{}{
		"url": "https://hooks.example.com/in", "secret": "short", "events": []string{"order.created"},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = do(t, h, http.MethodPost, base, "", map[string]interface{}{
		"url": "https://hooks.example.com/in", "secret": "0123456789abcdef", "events": []string{"order.created"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	hook := decodeBody(t, rec)
	hookID := hook["id"].(string)
	assert.NotContains(t, hook, "secret")

	rec = do(t, h, http.MethodPost, "/api/v1/tenants/acme/events", "", map[string]interface{}{
		"eventType": "order.created", "eventId": "evt-9", "data": map[string]string{"orderId": "A-1"},
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Len(t, decodeBody(t, rec)["deliveryIds"], 1)

	rec = do(t, h, http.MethodGet, base+"/"+hookID+"/deliveries", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody(t, rec)["deliveries"], 1)

	rec = do(t, h, http.MethodGet, base, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody(t, rec)["webhooks"], 1)

	rec = do(t, h, http.MethodPost, base+"/"+hookID+"/enable", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodDelete, base+"/"+hookID, "", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = do(t, h, http.MethodDelete, base+"/"+hookID, "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTenantRoutes(t *testing.T) {
	h := newTestServer(t).Router()
	base := "/api/v1/tenants/acme"

	rec := do(t, h, http.MethodPut, base+"/config", "", map[string]interface{}{
		"channel_rate_limits": map[string]interface{}{"sms": map[string]int{"hour": 2}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, h, http.MethodGet, base+"/rate-limits", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody(t, rec)["usage"], 3, "hour, day and month of sms")

	rec = do(t, h, http.MethodPut, base+"/templates", "", map[string]interface{}{
		"typeCode": "newsletter", "channel": "push", "language": "en", "title": "News", "body": "Read {{issue}}",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = do(t, h, http.MethodGet, base+"/templates", "", nil)
	assert.Len(t, decodeBody(t, rec)["templates"], 1)

	rec = do(t, h, http.MethodPut, base+"/preferences", "", map[string]interface{}{
		"recipient": map[string]string{"type": "user", "id": "42"}, "typeCode": "marketing", "optedIn": false,
	})
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, h, http.MethodPut, base+"/holds", "", map[string]interface{}{
		"recipient": map[string]string{"type": "user", "id": "42"}, "flag": "do_not_contact", "active": true,
	})
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, h, http.MethodPut, base+"/addresses", "", map[string]interface{}{
		"recipient": map[string]string{"type": "user", "id": "42"}, "channel": "sms", "address": "+4915112345678",
	})
	assert.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec = do(t, h, http.MethodGet, base+"/dead-letters?limit=x", "", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	rec = do(t, h, http.MethodGet, base+"/dead-letters", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAnalyticsAndSearchRoutes(t *testing.T) {
	h := newTestServer(t).Router()
	base := "/api/v1/tenants/acme"
	rec := do(t, h, http.MethodPost, "/api/v1/notifications", "acme", submitBody)
	require.Equal(t, http.StatusAccepted, rec.Code)

	today := time.Now().UTC().Format("2006-01-02")
	rec = do(t, h, http.MethodPost, base+"/analytics/recompute", "", map[string]string{"from": today, "to": today})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, float64(1), decodeBody(t, rec)["events"])

	rec = do(t, h, http.MethodPost, base+"/analytics/recompute", "", map[string]string{"from": "yesterday", "to": today})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = do(t, h, http.MethodGet, base+"/analytics?from="+today+"&to="+today, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, decodeBody(t, rec), "totals")

	rec = do(t, h, http.MethodGet, base+"/events/search?status=pending", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody(t, rec)["events"], 1)

	rec = do(t, h, http.MethodGet, base+"/events/search?from=today", "", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestHealthAndReadiness(t *testing.T) {
	s := newTestServer(t)
	h := s.Router()

	rec := do(t, h, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	s.AddCheck("postgres", func(context.Context) error { return nil })
	rec = do(t, h, http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	s.AddCheck("redis", func(context.Context) error { return errors.New("connection refused") })
	rec = do(t, h, http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	checks := decodeBody(t, rec)["checks"].(map[string]interface{})
	assert.Equal(t, "ok", checks["postgres"])
	assert.Equal(t, "connection refused", checks["redis"])

	rec = do(t, h, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
