// test/e2e/e2e_test.go
package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notification-dispatch/internal/api"
	httpclient "notification-dispatch/internal/common/http"
	"notification-dispatch/internal/common/logger"
	"notification-dispatch/internal/models"
	"notification-dispatch/internal/notification/analytics"
	"notification-dispatch/internal/notification/channel"
	"notification-dispatch/internal/notification/dispatcher"
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

// stack is the whole service wired on in-memory storage, served over a real
// listener. Only the outbound providers are replaced by log senders.
type stack struct {
	baseURL string
	disp    *dispatcher.Dispatcher
}

func newStack(t *testing.T) *stack {
	t.Helper()
	log := logger.NewTestLogger(t)

	types, err := registry.LoadRegistry("../../configs/notification-types.json")
	require.NoError(t, err)

	q := queue.NewMemoryQueue()
	events := tracker.NewMemoryEventStore()
	agg := analytics.NewAggregator(analytics.NewMemoryStore(), events, log)
	tr := tracker.New(events, log, agg)
	prefs := preference.NewMemoryStore()
	templates := template.NewMemoryStore(
		models.Template{
			TenantID: models.GlobalTenant, TypeCode: "order_confirmed", Channel: models.ChannelEmail, Language: "en",
			Subject: "Order {{order}} confirmed", Body: "Hi {{name}}, we got your order.", Active: true,
		},
		models.Template{
			TenantID: models.GlobalTenant, TypeCode: "promo_new_offer", Channel: models.ChannelEmail, Language: "en",
			Subject: "New offer", Body: "Take a look", Active: true,
		},
	)
	dir := channel.NewMemoryDirectory()
	tenants := tenant.NewResolver(tenant.NewMemoryStore(), models.TenantConfig{
		DefaultLanguage: "en",
		Retry:           &models.RetryPolicy{MaxAttempts: 3, BaseDelay: models.Duration(time.Second), MaxDelay: models.Duration(time.Minute)},
	})
	limiter := ratelimit.NewMemoryLimiter(log)
	filter := preference.NewFilter(prefs, types, nil, log)

	svc := ingest.New(ingest.Deps{
		Queue:       q,
		Tenants:     tenants,
		Types:       types,
		Renderer:    template.NewRenderer(templates, log),
		Templates:   templates,
		Prefs:       prefs,
		Preferences: filter,
		Limiter:     limiter,
		Addresses:   dir,
		Tracker:     tr,
	}, log)
	hooks := webhook.NewEngine(webhook.NewMemoryStore(), q, tr, httpclient.NewClient(2*time.Second, 256), nil, log)

	disp := dispatcher.New(dispatcher.Deps{
		Queue:       q,
		Tenants:     tenants,
		Preferences: filter,
		Limiter:     limiter,
		Senders:     channel.NewRegistry(time.Second, channel.NewLogSender(models.ChannelEmail, log)),
		Directory:   dir,
		Webhooks:    hooks,
		Recorder:    tr,
	}, dispatcher.Config{BatchSize: 20, WorkerPrefix: "e2e"}, log)

	srv := httptest.NewServer(api.NewServer(api.Config{}, svc, hooks, agg, log).Router())
	t.Cleanup(srv.Close)
	return &stack{baseURL: srv.URL, disp: disp}
}

func (s *stack) call(t *testing.T, method, path, tenantID string, body interface{}) (int, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, s.baseURL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if tenantID != "" {
		req.Header.Set(api.TenantHeader, tenantID)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]interface{}{}
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

// drain runs dispatcher batches until the queue has nothing due.
func (s *stack) drain(t *testing.T) {
	t.Helper()
	for i := 0; i < 10; i++ {
		n, err := s.disp.RunOnce(context.Background(), "e2e-0")
		require.NoError(t, err)
		if n == 0 {
			return
		}
	}
}

func (s *stack) status(t *testing.T, tenantID, id string) string {
	t.Helper()
	code, body := s.call(t, http.MethodGet, "/api/v1/notifications/"+id, tenantID, nil)
	require.Equal(t, http.StatusOK, code, body)
	return body["status"].(string)
}

func TestNotificationFlow(t *testing.T) {
	s := newStack(t)

	code, body := s.call(t, http.MethodPost, "/api/v1/notifications", "acme", map[string]interface{}{
		"recipient": map[string]string{"type": "user", "id": "42"},
		"typeCode":  "order_confirmed",
		"channel":   "email",
		"address":   "ada@example.com",
		"variables": map[string]string{"order": "A-1", "name": "Ada"},
		"eventId":   "order-A-1",
	})
	require.Equal(t, http.StatusAccepted, code, body)
	id := body["entryId"].(string)
	assert.Equal(t, "pending", s.status(t, "acme", id))

	s.drain(t)
	assert.Equal(t, "delivered", s.status(t, "acme", id))

	// Entries are invisible to other tenants.
	code, _ = s.call(t, http.MethodGet, "/api/v1/notifications/"+id, "globex", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, body = s.call(t, http.MethodPost, "/api/v1/notifications/"+id+"/engagement", "acme", map[string]string{"type": "opened"})
	require.Equal(t, http.StatusCreated, code, body)

	code, body = s.call(t, http.MethodGet, "/api/v1/notifications/"+id+"/events", "acme", nil)
	require.Equal(t, http.StatusOK, code)
	assert.GreaterOrEqual(t, len(body["events"].([]interface{})), 3)

	code, body = s.call(t, http.MethodGet, "/api/v1/tenants/acme/analytics", "", nil)
	require.Equal(t, http.StatusOK, code, body)
	totals := body["totals"].(map[string]interface{})
	assert.Equal(t, float64(1), totals["delivered"])
	assert.Equal(t, float64(1), totals["opened"])
}

func TestOptOutSuppressesMarketing(t *testing.T) {
	s := newStack(t)

	code, body := s.call(t, http.MethodPut, "/api/v1/tenants/acme/preferences", "", map[string]interface{}{
		"recipient": map[string]string{"type": "user", "id": "7"},
		"typeCode":  "promo_new_offer",
		"channel":   "email",
		"optedIn":   false,
	})
	require.Equal(t, http.StatusOK, code, body)

	code, body = s.call(t, http.MethodPost, "/api/v1/notifications", "acme", map[string]interface{}{
		"recipient": map[string]string{"type": "user", "id": "7"},
		"typeCode":  "promo_new_offer",
		"channel":   "email",
		"address":   "bo@example.com",
		"eventId":   "promo-1",
	})
	require.Less(t, code, 300, body)
	id := body["entryId"].(string)

	s.drain(t)
	assert.Equal(t, "failed", s.status(t, "acme", id))
}

func TestWebhookFanOut(t *testing.T) {
	s := newStack(t)

	var mu sync.Mutex
	var got []string
	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		got = append(got, r.Header.Get(webhook.EventHeader))
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer receiver.Close()

	code, body := s.call(t, http.MethodPost, "/api/v1/tenants/acme/webhooks", "", map[string]interface{}{
		"url":    receiver.URL + "/hooks",
		"secret": "0123456789abcdef0123456789abcdef",
		"events": []string{"order.shipped"},
	})
	require.Equal(t, http.StatusCreated, code, body)
	hookID := body["id"].(string)

	code, body = s.call(t, http.MethodPost, "/api/v1/tenants/acme/events", "", map[string]interface{}{
		"eventType": "order.shipped",
		"eventId":   "ship-1",
		"data":      map[string]string{"orderId": "A-1"},
	})
	require.Equal(t, http.StatusAccepted, code, body)
	require.Len(t, body["deliveryIds"], 1)

	s.drain(t)

	mu.Lock()
	assert.Equal(t, []string{"order.shipped"}, got)
	mu.Unlock()

	code, body = s.call(t, http.MethodGet, "/api/v1/tenants/acme/webhooks/"+hookID+"/deliveries", "", nil)
	require.Equal(t, http.StatusOK, code)
	deliveries := body["deliveries"].([]interface{})
	require.Len(t, deliveries, 1)
	assert.Equal(t, "delivered", deliveries[0].(map[string]interface{})["status"])
}

func TestCancelBeforeDispatch(t *testing.T) {
	s := newStack(t)

	code, body := s.call(t, http.MethodPost, "/api/v1/notifications", "acme", map[string]interface{}{
		"recipient":    map[string]string{"type": "user", "id": "9"},
		"typeCode":     "order_confirmed",
		"channel":      "email",
		"address":      "cy@example.com",
		"eventId":      "order-later",
		"scheduledFor": time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
	})
	require.Equal(t, http.StatusAccepted, code, body)
	id := body["entryId"].(string)

	code, body = s.call(t, http.MethodDelete, "/api/v1/notifications/"+id, "acme", nil)
	require.Equal(t, http.StatusOK, code, body)

	s.drain(t)
	assert.Equal(t, "failed", s.status(t, "acme", id))
}
