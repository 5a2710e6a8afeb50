package template

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notification-dispatch/internal/models"
)

func TestMemoryStore_UpsertBumpsVersion(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	tpl := &models.Template{TenantID: "acme", TypeCode: "newsletter", Channel: models.ChannelEmail, Language: "en", Body: "v1", Active: true}
	require.NoError(t, s.Upsert(ctx, tpl))
	assert.Equal(t, 1, tpl.Version)

	tpl2 := &models.Template{TenantID: "acme", TypeCode: "newsletter", Channel: models.ChannelEmail, Language: "en", Body: "v2", Active: true}
	require.NoError(t, s.Upsert(ctx, tpl2))
	assert.Equal(t, 2, tpl2.Version)

	got, err := s.Get(ctx, tpl2.Key())
	require.NoError(t, err)
	assert.Equal(t, "v2", got.Body)

	list, _ := s.List(ctx, "acme")
	assert.Len(t, list, 1)
}

type countingStore struct {
	Store
	gets int
}

func (c *countingStore) Get(ctx context.Context, key models.TemplateKey) (*models.Template, error) {
	c.gets++
	return c.Store.Get(ctx, key)
}

func TestCachedStore(t *testing.T) {
	ctx := context.Background()
	inner := &countingStore{Store: NewMemoryStore(seedTemplates()...)}
	c := NewCachedStore(inner, time.Minute)
	key := models.TemplateKey{TenantID: "acme", TypeCode: "order_confirmed", Channel: models.ChannelEmail, Language: "en"}
	missingKey := models.TemplateKey{TenantID: "acme", TypeCode: "nope", Channel: models.ChannelEmail, Language: "en"}

	for i := 0; i < 3; i++ {
		_, err := c.Get(ctx, key)
		require.NoError(t, err)
		_, err = c.Get(ctx, missingKey)
		assert.ErrorIs(t, err, ErrNotFound)
	}
	assert.Equal(t, 2, inner.gets)

	require.NoError(t, c.Upsert(ctx, &models.Template{TenantID: "acme", TypeCode: "order_confirmed", Channel: models.ChannelEmail, Language: "en", Body: "new", Active: true}))
	got, err := c.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "new", got.Body)
	assert.Equal(t, 3, inner.gets)

	c.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	_, _ = c.Get(ctx, missingKey)
	assert.Equal(t, 4, inner.gets)
}

func TestPostgresStore_Get(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now().UTC()
	cols := []string{"id", "tenant_id", "type_code", "channel", "language", "subject", "title", "body", "html_body", "link", "active", "version", "updated_at"}
	mock.ExpectQuery(regexp.QuoteMeta("FROM notification_templates")).
		WithArgs("acme", "newsletter", "email", "en").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("t1", "acme", "newsletter", "email", "en", "S", "", "B", "", "", true, 3, now))
	mock.ExpectQuery(regexp.QuoteMeta("FROM notification_templates")).
		WithArgs("acme", "newsletter", "email", "de").
		WillReturnRows(sqlmock.NewRows(cols))

	s := NewPostgresStore(db)
	got, err := s.Get(context.Background(), models.TemplateKey{TenantID: "acme", TypeCode: "newsletter", Channel: models.ChannelEmail, Language: "en"})
	require.NoError(t, err)
	assert.Equal(t, models.ChannelEmail, got.Channel)
	assert.Equal(t, 3, got.Version)

	_, err = s.Get(context.Background(), models.TemplateKey{TenantID: "acme", TypeCode: "newsletter", Channel: models.ChannelEmail, Language: "de"})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Upsert(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now().UTC()
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO notification_templates")).
		WithArgs(sqlmock.AnyArg(), "acme", "newsletter", "email", "en", "S", "", "B", "", "", true).
		WillReturnRows(sqlmock.NewRows([]string{"id", "version", "updated_at"}).AddRow("t1", 2, now))

	tpl := &models.Template{TenantID: "acme", TypeCode: "newsletter", Channel: models.ChannelEmail, Language: "en", Subject: "S", Body: "B", Active: true}
	require.NoError(t, NewPostgresStore(db).Upsert(context.Background(), tpl))
	assert.Equal(t, "t1", tpl.ID)
	assert.Equal(t, 2, tpl.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}
