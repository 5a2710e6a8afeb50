package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	httpclient "notification-dispatch/internal/common/http"
	"notification-dispatch/internal/common/logger"
	"notification-dispatch/internal/models"
	"notification-dispatch/internal/notification/channel"
	"notification-dispatch/internal/notification/preference"
	"notification-dispatch/internal/notification/queue"
	"notification-dispatch/internal/notification/ratelimit"
	"notification-dispatch/internal/notification/tenant"
	"notification-dispatch/internal/notification/tracker"
	"notification-dispatch/internal/notification/webhook"
	"notification-dispatch/pkg/registry"
)

// scriptedSender replays outcomes in order, then delivers.
type scriptedSender struct {
	mu      sync.Mutex
	ch      models.Channel
	script  []models.SendResult
	pick    func() models.SendResult
	sent    []channel.Message
	counter int
}

func (s *scriptedSender) Channel() models.Channel { return s.ch }

func (s *scriptedSender) Send(_ context.Context, msg channel.Message) models.SendResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	s.counter++
	if s.pick != nil {
		return s.pick()
	}
	if len(s.script) > 0 {
		r := s.script[0]
		s.script = s.script[1:]
		return r
	}
	return models.Delivered(fmt.Sprintf("msg-%d", s.counter), nil)
}

type harness struct {
	d       *Dispatcher
	queue   *queue.MemoryQueue
	events  *tracker.MemoryEventStore
	tracker *tracker.Tracker
	tenants *tenant.MemoryStore
	prefs   *preference.MemoryStore
	dir     *channel.MemoryDirectory
	sms     *scriptedSender
	clock   time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	log := logger.NewTestLogger(t)
	h := &harness{
		queue:   queue.NewMemoryQueue(),
		events:  tracker.NewMemoryEventStore(),
		tenants: tenant.NewMemoryStore(),
		prefs:   preference.NewMemoryStore(),
		dir:     channel.NewMemoryDirectory(),
		sms:     &scriptedSender{ch: models.ChannelSMS},
		clock:   time.Date(2026, 3, 2, 10, 15, 0, 0, time.UTC),
	}
	h.tracker = tracker.New(h.events, log)
	defaults := models.TenantConfig{
		DefaultLanguage: "en",
		ChannelRetry: map[models.Channel]models.RetryPolicy{
			models.ChannelSMS:     {MaxAttempts: 5, BaseDelay: models.Duration(time.Second), MaxDelay: models.Duration(time.Minute)},
			models.ChannelWebhook: {MaxAttempts: 3, BaseDelay: models.Duration(time.Second), MaxDelay: models.Duration(time.Minute)},
		},
	}
	h.d = New(Deps{
		Queue:       h.queue,
		Tenants:     tenant.NewResolver(h.tenants, defaults),
		Preferences: preference.NewFilter(h.prefs, registry.Default(), []models.Channel{models.ChannelSMS}, log),
		Limiter:     ratelimit.NewMemoryLimiter(log),
		Senders:     channel.NewRegistry(time.Second, h.sms),
		Directory:   h.dir,
		Recorder:    h.tracker,
	}, Config{BatchSize: 10, WorkerPrefix: "test"}, log)
	h.d.now = func() time.Time { return h.clock }
	return h
}

func (h *harness) enqueue(t *testing.T, recipient, typeCode string) *models.QueueEntry {
	t.Helper()
	ctx := context.Background()
	ref := models.RecipientRef{Type: "user", ID: recipient}
	require.NoError(t, h.dir.Set(ctx, "acme", ref, models.ChannelSMS, "+4915112345678"))
	e, created, err := h.queue.Enqueue(ctx, &models.QueueEntry{
		TenantID:       "acme",
		Kind:           models.KindNotification,
		IdempotencyKey: "acme:" + recipient + ":" + typeCode,
		Priority:       models.PriorityNormal,
		NextEligibleAt: h.clock,
		Notification: &models.NotificationRequest{
			TenantID:  "acme",
			Recipient: ref,
			Channel:   models.ChannelSMS,
			TypeCode:  typeCode,
			Content:   models.SMSContent{Text: "Your order shipped"},
		},
	})
	require.NoError(t, err)
	require.True(t, created)
	require.NoError(t, h.tracker.Record(ctx, tracker.Transition(e, "", models.StatusPending, models.ReasonQueued, h.clock)))
	return e
}

func (h *harness) run(t *testing.T) int {
	t.Helper()
	n, err := h.d.RunOnce(context.Background(), "test-0")
	require.NoError(t, err)
	return n
}

func (h *harness) get(t *testing.T, id string) *models.QueueEntry {
	t.Helper()
	e, err := h.queue.Get(context.Background(), id)
	require.NoError(t, err)
	return e
}

func TestDispatcher_QuotaDefersToNextWindow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.tenants.Put(ctx, &models.TenantConfig{
		TenantID:          "acme",
		ChannelRateLimits: map[models.Channel]models.Quota{models.ChannelSMS: {Hour: 2}},
	}))

	ids := []string{
		h.enqueue(t, "u1", "order_confirmed").ID,
		h.enqueue(t, "u2", "order_confirmed").ID,
		h.enqueue(t, "u3", "order_confirmed").ID,
	}
	assert.Equal(t, 3, h.run(t))

	var delivered, deferred []*models.QueueEntry
	for _, id := range ids {
		e := h.get(t, id)
		switch e.Status {
		case models.StatusDelivered:
			delivered = append(delivered, e)
		case models.StatusPending:
			deferred = append(deferred, e)
		}
	}
	require.Len(t, delivered, 2)
	require.Len(t, deferred, 1)
	assert.Equal(t, time.Date(2026, 3, 2, 11, 0, 0, 0, time.UTC), deferred[0].NextEligibleAt)
	assert.Equal(t, models.ReasonRateLimited, deferred[0].Reason)
	assert.Equal(t, 1, deferred[0].Deferrals)
	assert.Equal(t, 0, deferred[0].Attempts, "a deferral is not an attempt")
	assert.Len(t, h.sms.sent, 2)

	// nothing is due before the boundary
	h.clock = time.Date(2026, 3, 2, 10, 59, 0, 0, time.UTC)
	assert.Equal(t, 0, h.run(t))

	h.clock = time.Date(2026, 3, 2, 11, 0, 0, 0, time.UTC)
	assert.Equal(t, 1, h.run(t))
	assert.Equal(t, models.StatusDelivered, h.get(t, deferred[0].ID).Status)
}

func TestDispatcher_DeferralsExhausted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.tenants.Put(ctx, &models.TenantConfig{
		TenantID:              "acme",
		ChannelRateLimits:     map[models.Channel]models.Quota{models.ChannelSMS: {Hour: 1}},
		MaxRateLimitDeferrals: 2,
	}))
	h.enqueue(t, "u0", "order_confirmed")
	h.run(t)

	e := h.enqueue(t, "u1", "order_confirmed")
	for i := 0; i < 3; i++ {
		h.run(t)
	}
	got := h.get(t, e.ID)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Equal(t, 1, got.Deferrals)

	// every window is consumed by a fresh entry before the deferred one is due
	for i := 2; i <= 3; i++ {
		h.clock = got.NextEligibleAt
		blocker := h.enqueue(t, fmt.Sprintf("blocker-%d", i), "order_confirmed")
		blocker.Priority = models.PriorityCritical
		_, _, err := h.queue.Enqueue(ctx, blocker)
		require.NoError(t, err)
		h.run(t)
		got = h.get(t, e.ID)
	}
	assert.Equal(t, models.StatusDead, got.Status)
	assert.Equal(t, models.ReasonDeferralsExhausted, got.Reason)
}

func TestDispatcher_RetriesThenDelivers(t *testing.T) {
	h := newHarness(t)
	h.sms.script = []models.SendResult{
		models.TransientFailure("throttled"),
		models.TransientFailure("throttled"),
		models.TransientFailure("throttled"),
	}
	e := h.enqueue(t, "u1", "order_confirmed")

	wantDelays := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	for i, delay := range wantDelays {
		require.Equal(t, 1, h.run(t))
		got := h.get(t, e.ID)
		require.Equal(t, models.StatusPending, got.Status)
		assert.Equal(t, i+1, got.Attempts)
		assert.Equal(t, h.clock.Add(delay), got.NextEligibleAt)
		assert.Equal(t, models.PriorityNormal, got.Priority, "retries keep their priority")
		h.clock = got.NextEligibleAt
	}
	require.Equal(t, 1, h.run(t))

	final := h.get(t, e.ID)
	assert.Equal(t, models.StatusDelivered, final.Status)
	assert.Equal(t, 4, final.Attempts)

	history, err := h.tracker.History(context.Background(), e.ID)
	require.NoError(t, err)
	require.Len(t, history, 5, "queued, three retries, then the delivery")
	assert.Equal(t, models.ReasonQueued, history[0].Reason)
	for _, ev := range history[1:4] {
		assert.Equal(t, models.ReasonRetry, ev.Reason)
		assert.Equal(t, "throttled", ev.ProviderResponse["reason"])
	}
	last := history[4]
	assert.Equal(t, models.StatusDelivered, last.ToStatus)
	assert.Equal(t, "msg-4", last.ProviderMessageID)
	for _, id := range h.sms.sent {
		assert.Equal(t, e.ID, id.EntryID)
	}
}

func TestDispatcher_AttemptsExhausted(t *testing.T) {
	h := newHarness(t)
	h.sms.pick = func() models.SendResult { return models.TransientFailure("provider down") }
	e := h.enqueue(t, "u1", "order_confirmed")

	for i := 0; i < 10; i++ {
		h.run(t)
		h.clock = h.clock.Add(time.Hour)
	}
	got := h.get(t, e.ID)
	assert.Equal(t, models.StatusDead, got.Status)
	assert.Equal(t, 5, got.Attempts)
	assert.Equal(t, models.ReasonAttemptsExhausted, got.Reason)
	assert.Equal(t, "provider down", got.LastError)
	assert.Len(t, h.sms.sent, 5, "dead entries are never retried")

	dead, err := h.queue.ListDead(context.Background(), "acme", 10)
	require.NoError(t, err)
	assert.Len(t, dead, 1)
}

func TestDispatcher_Gates(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(t *testing.T, h *harness, e *models.QueueEntry)
		typeCode   string
		wantStatus models.Status
		wantReason string
		wantSent   int
	}{
		{
			name:     "permanent failure is terminal",
			typeCode: "order_confirmed",
			setup: func(t *testing.T, h *harness, e *models.QueueEntry) {
				h.sms.script = []models.SendResult{models.PermanentFailure("invalid number")}
			},
			wantStatus: models.StatusFailed,
			wantReason: models.ReasonPermanentFailure,
			wantSent:   1,
		},
		{
			name:     "opted out at dispatch time",
			typeCode: "promo_new_offer",
			setup: func(t *testing.T, h *harness, e *models.QueueEntry) {
				require.NoError(t, h.prefs.UpsertPreference(context.Background(), &models.Preference{
					TenantID: "acme", Recipient: e.Notification.Recipient, TypeCode: "marketing", OptedIn: false,
				}))
			},
			wantStatus: models.StatusFailed,
			wantReason: "opted_out:marketing",
		},
		{
			name:     "quiet hours defer",
			typeCode: "promo_new_offer",
			setup: func(t *testing.T, h *harness, e *models.QueueEntry) {
				require.NoError(t, h.tenants.Put(context.Background(), &models.TenantConfig{
					TenantID:   "acme",
					QuietHours: &models.QuietHours{Start: "09:00", End: "12:00", Timezone: "UTC"},
				}))
			},
			wantStatus: models.StatusPending,
			wantReason: models.ReasonQuietHours,
		},
		{
			name:     "cancel requested while claimed",
			typeCode: "order_confirmed",
			setup: func(t *testing.T, h *harness, e *models.QueueEntry) {
				h.d.Queue = &cancelOnClaim{MemoryQueue: h.queue}
			},
			wantStatus: models.StatusFailed,
			wantReason: models.ReasonCancelled,
		},
		{
			name:     "no address",
			typeCode: "order_confirmed",
			setup: func(t *testing.T, h *harness, e *models.QueueEntry) {
				h.d.Directory = channel.NewMemoryDirectory()
			},
			wantStatus: models.StatusFailed,
			wantReason: models.ReasonPermanentFailure,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			e := h.enqueue(t, "u1", tt.typeCode)
			tt.setup(t, h, e)
			h.run(t)

			got := h.get(t, e.ID)
			assert.Equal(t, tt.wantStatus, got.Status)
			assert.Equal(t, tt.wantReason, got.Reason)
			assert.Len(t, h.sms.sent, tt.wantSent)
		})
	}
}

func TestDispatcher_ExpiredEntry(t *testing.T) {
	h := newHarness(t)
	e := h.enqueue(t, "u1", "order_confirmed")
	expiry := h.clock.Add(-time.Minute)
	h.d.Queue = &rewriteOnClaim{MemoryQueue: h.queue, fn: func(c *models.QueueEntry) { c.Notification.ExpiresAt = &expiry }}

	h.run(t)
	got := h.get(t, e.ID)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, models.ReasonExpired, got.Reason)
	assert.Empty(t, h.sms.sent)
}

type cancelOnClaim struct {
	*queue.MemoryQueue
}

func (q *cancelOnClaim) DequeueBatch(ctx context.Context, n int, worker string, now time.Time, vis time.Duration) ([]*models.QueueEntry, error) {
	entries, err := q.MemoryQueue.DequeueBatch(ctx, n, worker, now, vis)
	for _, e := range entries {
		c, cerr := q.MemoryQueue.Cancel(ctx, e.ID, now)
		if cerr == nil {
			e.CancelRequested = c.CancelRequested
		}
	}
	return entries, err
}

type rewriteOnClaim struct {
	*queue.MemoryQueue
	fn func(*models.QueueEntry)
}

func (q *rewriteOnClaim) DequeueBatch(ctx context.Context, n int, worker string, now time.Time, vis time.Duration) ([]*models.QueueEntry, error) {
	entries, err := q.MemoryQueue.DequeueBatch(ctx, n, worker, now, vis)
	for _, e := range entries {
		q.fn(e)
	}
	return entries, err
}

func TestDispatcher_StatusSequencesFollowStateMachine(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.tenants.Put(ctx, &models.TenantConfig{
		TenantID:          "acme",
		ChannelRateLimits: map[models.Channel]models.Quota{models.ChannelSMS: {Hour: 7}},
	}))
	rng := rand.New(rand.NewSource(42))
	h.sms.pick = func() models.SendResult {
		switch rng.Intn(4) {
		case 0:
			return models.TransientFailure("flaky")
		case 1:
			return models.PermanentFailure("rejected")
		default:
			return models.Delivered("ok", nil)
		}
	}

	var ids []string
	for i := 0; i < 40; i++ {
		typeCode := "order_confirmed"
		if i%5 == 0 {
			typeCode = "promo_new_offer"
			require.NoError(t, h.prefs.UpsertPreference(ctx, &models.Preference{
				TenantID: "acme", Recipient: models.RecipientRef{Type: "user", ID: fmt.Sprintf("u%d", i)},
				Channel: models.ChannelSMS, OptedIn: false,
			}))
		}
		ids = append(ids, h.enqueue(t, fmt.Sprintf("u%d", i), typeCode).ID)
	}
	for i := 0; i < 200; i++ {
		h.run(t)
		h.clock = h.clock.Add(10 * time.Minute)
	}

	for _, id := range ids {
		entry := h.get(t, id)
		history, err := h.tracker.History(ctx, id)
		require.NoError(t, err)
		require.NotEmpty(t, history)

		assert.Equal(t, models.Status(""), history[0].FromStatus)
		for i, ev := range history {
			assert.True(t, models.ValidTransition(ev.FromStatus, ev.ToStatus), "%s: %s -> %s", id, ev.FromStatus, ev.ToStatus)
			if ev.ToStatus.Terminal() {
				assert.Equal(t, len(history)-1, i, "%s: event after terminal status", id)
			}
		}
		assert.Equal(t, entry.Status, history[len(history)-1].ToStatus)
		assert.LessOrEqual(t, entry.Attempts, 5)
	}
}

func TestDispatcher_WebhookEntries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.tenants.Put(ctx, &models.TenantConfig{TenantID: "acme", WebhookAutoDisableAfter: 1}))
	hooks := webhook.NewMemoryStore()
	engine := webhook.NewEngine(hooks, h.queue, h.tracker, httpclient.NewClient(time.Second, 128), nil, logger.NewTestLogger(t))
	h.d.Webhooks = engine

	hook, err := engine.Register(ctx, "acme", webhook.RegisterInput{URL: srv.URL, Secret: "0123456789abcdef", Events: []string{"*"}})
	require.NoError(t, err)
	entries, err := engine.Publish(ctx, models.WebhookEvent{TenantID: "acme", EventType: "order.created",
		EventID: "evt-1", Data: json.RawMessage(`{}`)})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	// re-enqueueing a pending entry only moves its schedule onto the test clock
	entries[0].NextEligibleAt = h.clock
	_, _, err = h.queue.Enqueue(ctx, entries[0])
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		h.run(t)
		h.clock = h.clock.Add(time.Hour)
	}
	got := h.get(t, entries[0].ID)
	assert.Equal(t, models.StatusDead, got.Status)
	assert.Equal(t, 3, got.Attempts)
	assert.Equal(t, http.StatusServiceUnavailable, got.Webhook.ResponseStatus)
	assert.Equal(t, int32(3), calls.Load())

	stored, err := hooks.Get(ctx, "acme", hook.ID)
	require.NoError(t, err)
	assert.False(t, stored.Active, "one exhausted delivery disables at threshold 1")
}

func TestDispatcher_BusyWebhookTenantKeepsQuota(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	h := newHarness(t)
	ctx := context.Background()
	cfg := &models.TenantConfig{
		TenantID:           "acme",
		WebhookConcurrency: 1,
		ChannelRateLimits:  map[models.Channel]models.Quota{models.ChannelWebhook: {Hour: 2}},
	}
	require.NoError(t, h.tenants.Put(ctx, cfg))
	limiter := ratelimit.NewMemoryLimiter(logger.NewTestLogger(t))
	h.d.Limiter = limiter
	engine := webhook.NewEngine(webhook.NewMemoryStore(), h.queue, h.tracker, httpclient.NewClient(time.Second, 128), nil, logger.NewTestLogger(t))
	h.d.Webhooks = engine

	_, err := engine.Register(ctx, "acme", webhook.RegisterInput{URL: srv.URL, Secret: "0123456789abcdef", Events: []string{"*"}})
	require.NoError(t, err)
	entries, err := engine.Publish(ctx, models.WebhookEvent{TenantID: "acme", EventType: "order.created",
		EventID: "evt-busy", Data: json.RawMessage(`{}`)})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	entries[0].NextEligibleAt = h.clock
	_, _, err = h.queue.Enqueue(ctx, entries[0])
	require.NoError(t, err)

	// another delivery of the tenant holds the only slot
	held, err := engine.Admit(ctx, entries[0], cfg)
	require.NoError(t, err)

	used := func() int64 {
		usage, err := limiter.Usage(ctx, "acme", models.ChannelWebhook, cfg.ChannelRateLimits[models.ChannelWebhook], h.clock)
		require.NoError(t, err)
		var n int64
		for _, u := range usage {
			n += u.Used
		}
		return n
	}

	for i := 0; i < 3; i++ {
		h.run(t)
		h.clock = h.clock.Add(2 * time.Second)
	}
	got := h.get(t, entries[0].ID)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Equal(t, models.ReasonTenantConcurrency, got.Reason)
	assert.Zero(t, got.Deferrals)
	assert.Zero(t, got.Attempts)
	assert.Zero(t, used(), "busy rounds must not charge the webhook quota")
	assert.Zero(t, calls.Load())

	held.Release()
	h.run(t)
	got = h.get(t, entries[0].ID)
	assert.Equal(t, models.StatusDelivered, got.Status)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int64(1), used())
}
