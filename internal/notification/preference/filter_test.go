package preference

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notification-dispatch/internal/common/logger"
	"notification-dispatch/internal/models"
	"notification-dispatch/pkg/registry"
)

var alice = models.RecipientRef{Type: "user", ID: "alice"}

func newFilter(t *testing.T, store Store) *Filter {
	return NewFilter(store, registry.Default(), []models.Channel{models.ChannelSMS, models.ChannelPush}, logger.NewTestLogger(t))
}

func TestFilter_MarketingOptOutOnEmail(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.UpsertPreference(ctx, &models.Preference{
		TenantID: "acme", Recipient: alice, TypeCode: registry.CategoryMarketing, Channel: models.ChannelEmail, OptedIn: false,
	}))
	f := newFilter(t, store)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	d, err := f.Evaluate(ctx, nil, "acme", alice, "promo_new_offer", models.ChannelEmail, now)
	require.NoError(t, err)
	assert.Equal(t, models.Suppressed, d.Outcome)
	assert.Equal(t, "opted_out:marketing/email", d.Reason)

	d, err = f.Evaluate(ctx, nil, "acme", alice, "payment_failed", models.ChannelEmail, now)
	require.NoError(t, err)
	assert.Equal(t, models.Eligible, d.Outcome)

	d, err = f.Evaluate(ctx, nil, "acme", alice, "promo_new_offer", models.ChannelInApp, now)
	require.NoError(t, err)
	assert.Equal(t, models.Eligible, d.Outcome)
}

func TestFilter_Rules(t *testing.T) {
	ctx := context.Background()
	berlinNight := time.Date(2024, 1, 15, 22, 30, 0, 0, time.UTC) // 23:30 in Berlin
	tenant := &models.TenantConfig{QuietHours: &models.QuietHours{Start: "22:00", End: "07:00", Timezone: "Europe/Berlin"}}

	tests := []struct {
		name           string
		setup          func(s *MemoryStore)
		tenant         *models.TenantConfig
		typeCode       string
		channel        models.Channel
		now            time.Time
		validateOutput func(t *testing.T, d models.PreferenceDecision)
	}{
		{
			name: "compliance hold suppresses opt-out-able type",
			setup: func(s *MemoryStore) {
				_ = s.UpsertHold(ctx, &models.ComplianceHold{TenantID: "acme", Recipient: alice, Flag: "do_not_contact", Active: true})
			},
			typeCode: "newsletter", channel: models.ChannelEmail, now: berlinNight,
			validateOutput: func(t *testing.T, d models.PreferenceDecision) {
				assert.Equal(t, models.Suppressed, d.Outcome)
				assert.Equal(t, "compliance_hold:do_not_contact", d.Reason)
			},
		},
		{
			name: "compliance hold does not block security type",
			setup: func(s *MemoryStore) {
				_ = s.UpsertHold(ctx, &models.ComplianceHold{TenantID: "acme", Recipient: alice, Flag: "do_not_contact", Active: true})
			},
			typeCode: "password_reset", channel: models.ChannelSMS, now: berlinNight, tenant: tenant,
			validateOutput: func(t *testing.T, d models.PreferenceDecision) {
				assert.Equal(t, models.Eligible, d.Outcome)
			},
		},
		{
			name:     "tenant quiet hours defer sms",
			tenant:   tenant,
			typeCode: "promo_new_offer", channel: models.ChannelSMS, now: berlinNight,
			validateOutput: func(t *testing.T, d models.PreferenceDecision) {
				assert.Equal(t, models.Deferred, d.Outcome)
				assert.Equal(t, time.Date(2024, 1, 16, 6, 0, 0, 0, time.UTC), d.Until)
			},
		},
		{
			name:     "email ignores quiet hours",
			tenant:   tenant,
			typeCode: "promo_new_offer", channel: models.ChannelEmail, now: berlinNight,
			validateOutput: func(t *testing.T, d models.PreferenceDecision) {
				assert.Equal(t, models.Eligible, d.Outcome)
			},
		},
		{
			name: "recipient quiet hours override tenant",
			setup: func(s *MemoryStore) {
				_ = s.UpsertPreference(ctx, &models.Preference{TenantID: "acme", Recipient: alice, OptedIn: true,
					QuietHours: &models.QuietHours{Start: "09:00", End: "10:00", Timezone: "UTC"}})
			},
			tenant:   tenant,
			typeCode: "promo_new_offer", channel: models.ChannelPush, now: berlinNight,
			validateOutput: func(t *testing.T, d models.PreferenceDecision) {
				assert.Equal(t, models.Eligible, d.Outcome)
			},
		},
		{
			name: "channel-wide opt-out",
			setup: func(s *MemoryStore) {
				_ = s.UpsertPreference(ctx, &models.Preference{TenantID: "acme", Recipient: alice, Channel: models.ChannelSMS, OptedIn: false})
			},
			typeCode: "order_shipped", channel: models.ChannelSMS, now: berlinNight,
			validateOutput: func(t *testing.T, d models.PreferenceDecision) {
				assert.Equal(t, models.Suppressed, d.Outcome)
				assert.Equal(t, "opted_out:sms", d.Reason)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewMemoryStore()
			if tt.setup != nil {
				tt.setup(s)
			}
			d, err := newFilter(t, s).Evaluate(ctx, tt.tenant, "acme", alice, tt.typeCode, tt.channel, tt.now)
			require.NoError(t, err)
			tt.validateOutput(t, d)
		})
	}
}

func TestWindow_ActiveAt(t *testing.T) {
	wrap, err := ParseWindow(models.QuietHours{Start: "22:00", End: "07:00", Timezone: "UTC"})
	require.NoError(t, err)

	end, ok := wrap.ActiveAt(time.Date(2024, 3, 1, 23, 0, 0, 0, time.UTC))
	assert.True(t, ok)
	assert.Equal(t, time.Date(2024, 3, 2, 7, 0, 0, 0, time.UTC), end)

	end, ok = wrap.ActiveAt(time.Date(2024, 3, 2, 3, 0, 0, 0, time.UTC))
	assert.True(t, ok)
	assert.Equal(t, time.Date(2024, 3, 2, 7, 0, 0, 0, time.UTC), end)

	_, ok = wrap.ActiveAt(time.Date(2024, 3, 2, 7, 0, 0, 0, time.UTC))
	assert.False(t, ok)

	day, _ := ParseWindow(models.QuietHours{Start: "12:00", End: "13:30"})
	_, ok = day.ActiveAt(time.Date(2024, 3, 2, 13, 29, 0, 0, time.UTC))
	assert.True(t, ok)
	_, ok = day.ActiveAt(time.Date(2024, 3, 2, 11, 59, 0, 0, time.UTC))
	assert.False(t, ok)

	_, err = ParseWindow(models.QuietHours{Start: "25:00", End: "07:00"})
	assert.Error(t, err)
	_, err = ParseWindow(models.QuietHours{Start: "22:00", End: "07:00", Timezone: "Mars/Olympus"})
	assert.Error(t, err)
}

func TestPostgresStore_ForRecipient(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now().UTC()
	mock.ExpectQuery(regexp.QuoteMeta("FROM notification_preferences")).
		WithArgs("acme", "user", "alice").
		WillReturnRows(sqlmock.NewRows([]string{"type_code", "channel", "opted_in", "quiet_hours", "updated_at"}).
			AddRow("marketing", "email", false, nil, now).
			AddRow("", "", true, []byte(`{"start":"22:00","end":"07:00","timezone":"UTC"}`), now))
	mock.ExpectQuery(regexp.QuoteMeta("FROM compliance_holds")).
		WithArgs("acme", "user", "alice").
		WillReturnRows(sqlmock.NewRows([]string{"channel", "flag", "active", "created_at"}).AddRow("sms", "tcpa", true, now))

	st, err := NewPostgresStore(db).ForRecipient(context.Background(), "acme", alice)
	require.NoError(t, err)
	require.Len(t, st.Preferences, 2)
	assert.Equal(t, models.ChannelEmail, st.Preferences[0].Channel)
	assert.Equal(t, "22:00", st.Preferences[1].QuietHours.Start)
	require.Len(t, st.Holds, 1)
	assert.Equal(t, models.ChannelSMS, st.Holds[0].Channel)
	assert.NoError(t, mock.ExpectationsWereMet())
}
