package newsletter

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	return NewStore(db), mock, func() { db.Close() }
}

func TestRecordOpenAtomicIncrement(t *testing.T) {
	store, mock, cleanup := newMockStore(t)
	defer cleanup()

	// The increment, timestamps and status transition ride one UPDATE
	// statement; there is no read-then-write window to race through.
	mock.ExpectExec(`UPDATE delivery_logs SET\s+open_count = open_count \+ 1`).
		WithArgs("trk_abc").
		WillReturnResult(sqlmock.NewResult(0, 1))

	found, err := store.RecordOpen(context.Background(), "trk_abc")
	require.NoError(t, err)
	assert.True(t, found)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordOpenUnknownTrackingID(t *testing.T) {
	store, mock, cleanup := newMockStore(t)
	defer cleanup()

	mock.ExpectExec(`UPDATE delivery_logs`).
		WithArgs("trk_missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	found, err := store.RecordOpen(context.Background(), "trk_missing")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRecordOpenRepeatable(t *testing.T) {
	store, mock, cleanup := newMockStore(t)
	defer cleanup()

	// Every pixel fetch increments; none errors once the row exists.
	for i := 0; i < 5; i++ {
		mock.ExpectExec(`UPDATE delivery_logs SET\s+open_count = open_count \+ 1`).
			WithArgs("trk_abc").
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
	for i := 0; i < 5; i++ {
		found, err := store.RecordOpen(context.Background(), "trk_abc")
		require.NoError(t, err)
		assert.True(t, found)
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordClickAtomicIncrement(t *testing.T) {
	store, mock, cleanup := newMockStore(t)
	defer cleanup()

	mock.ExpectExec(`UPDATE delivery_logs SET\s+click_count = click_count \+ 1`).
		WithArgs("trk_abc").
		WillReturnResult(sqlmock.NewResult(0, 1))

	found, err := store.RecordClick(context.Background(), "trk_abc")
	require.NoError(t, err)
	assert.True(t, found)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateDeliveryLog(t *testing.T) {
	store, mock, cleanup := newMockStore(t)
	defer cleanup()

	subID := uuid.New()
	artID := uuid.New()
	dl := &DeliveryLog{
		TrackingID:   "trk_1",
		SubscriberID: subID,
		ArticleID:    &artID,
		Kind:         KindNewsletter,
		Status:       StatusSent,
	}

	mock.ExpectExec(`INSERT INTO delivery_logs`).
		WithArgs("trk_1", subID, &artID, "NEWSLETTER", "SENT", sqlmock.AnyArg(), "").
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, store.CreateDeliveryLog(context.Background(), dl))
	assert.False(t, dl.SentAt.IsZero(), "SentAt must be stamped at creation")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetDeliveryLogNotFound(t *testing.T) {
	store, mock, cleanup := newMockStore(t)
	defer cleanup()

	mock.ExpectQuery(`SELECT .+ FROM delivery_logs WHERE tracking_id`).
		WithArgs("nope").
		WillReturnError(sql.ErrNoRows)

	dl, err := store.GetDeliveryLog(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, dl)
}

func TestSaveTransportConfigDeactivatesOthers(t *testing.T) {
	store, mock, cleanup := newMockStore(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE transport_configs SET is_active = FALSE WHERE is_active = TRUE`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO transport_configs`).
		WithArgs(sqlmock.AnyArg(), "smtp.example.com", 587, true, "mailer", "hunter2",
			"news@example.com", "Example Blog", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := store.SaveTransportConfig(context.Background(), &TransportConfig{
		Host: "smtp.example.com", Port: 587, UseTLS: true,
		Username: "mailer", Password: "hunter2",
		FromEmail: "news@example.com", FromName: "Example Blog",
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetActiveTransportConfigAbsent(t *testing.T) {
	store, mock, cleanup := newMockStore(t)
	defer cleanup()

	mock.ExpectQuery(`SELECT .+ FROM transport_configs WHERE is_active = TRUE`).
		WillReturnError(sql.ErrNoRows)

	tc, err := store.GetActiveTransportConfig(context.Background())
	require.NoError(t, err)
	assert.Nil(t, tc, "no active config reports as nil, not an error")
}

func TestSetDefaultTemplateSwapsInTransaction(t *testing.T) {
	store, mock, cleanup := newMockStore(t)
	defer cleanup()

	id := uuid.New()
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE newsletter_templates SET is_default = FALSE`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE newsletter_templates SET is_default = TRUE`).
		WithArgs(id).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, store.SetDefaultTemplate(context.Background(), id))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSetDefaultTemplateUnknownID(t *testing.T) {
	store, mock, cleanup := newMockStore(t)
	defer cleanup()

	id := uuid.New()
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE newsletter_templates SET is_default = FALSE`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE newsletter_templates SET is_default = TRUE`).
		WithArgs(id).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	assert.Error(t, store.SetDefaultTemplate(context.Background(), id))
}

func TestDeleteTemplateRefusesDefault(t *testing.T) {
	store, mock, cleanup := newMockStore(t)
	defer cleanup()

	id := uuid.New()
	mock.ExpectExec(`DELETE FROM newsletter_templates WHERE id = \$1 AND is_default = FALSE`).
		WithArgs(id).
		WillReturnResult(sqlmock.NewResult(0, 0))

	assert.Error(t, store.DeleteTemplate(context.Background(), id))
}

func TestListActiveSubscribers(t *testing.T) {
	store, mock, cleanup := newMockStore(t)
	defer cleanup()

	now := time.Now()
	id1, id2 := uuid.New(), uuid.New()
	rows := sqlmock.NewRows([]string{"id", "email", "name", "active", "source", "subscribed_at", "unsubscribed_at"}).
		AddRow(id1, "a@example.com", "Ada", true, "footer-form", now, nil).
		AddRow(id2, "b@example.com", "", true, "", now, nil)

	mock.ExpectQuery(`SELECT .+ FROM subscribers WHERE active = TRUE`).
		WillReturnRows(rows)

	subs, err := store.ListActiveSubscribers(context.Background())
	require.NoError(t, err)
	require.Len(t, subs, 2)
	assert.Equal(t, "a@example.com", subs[0].Email)
	assert.Equal(t, "Ada", subs[0].Name)
	assert.Nil(t, subs[0].UnsubscribedAt)
}

func TestEngagementStats(t *testing.T) {
	store, mock, cleanup := newMockStore(t)
	defer cleanup()

	rows := sqlmock.NewRows([]string{"sent", "failed", "uopen", "uclick", "opens", "clicks", "s30", "o30", "c30"}).
		AddRow(100, 5, 40, 12, 90, 20, 60, 25, 8)
	mock.ExpectQuery(`SELECT\s+COUNT`).WillReturnRows(rows)

	st, err := store.EngagementStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 100, st.TotalSent)
	assert.Equal(t, 5, st.TotalFailed)
	assert.Equal(t, 40, st.UniqueOpened)
	assert.Equal(t, 8, st.Clicked30Days)
}

func TestNormalizeEmail(t *testing.T) {
	assert.Equal(t, "user@example.com", NormalizeEmail("  User@Example.COM "))
}
