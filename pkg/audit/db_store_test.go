package audit

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var columnNames = []string{
	"id", "organization_id", "actor_id", "session_id",
	"category", "event_type", "description",
	"entity_type", "entity_id", "action",
	"before_state", "after_state", "metadata",
	"ip_address", "user_agent",
	"occurred_at", "severity", "outcome", "compliance_tags",
	"retention_until", "legal_hold", "digest", "redacted", "redacted_at",
}

func setupMockDB(t *testing.T) (*DBStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := NewDBStore(db)
	require.NoError(t, err)
	return store, mock
}

// eventRow renders e the way Postgres would return it
func eventRow(rows *sqlmock.Rows, e Event) *sqlmock.Rows {
	r := e.Record()
	var retention interface{}
	if t, ok := r.RetentionUntil.Time(); ok {
		retention = t
	}
	metadata, _ := marshalState(r.Payload.Metadata)
	before, _ := marshalState(r.Payload.BeforeState)
	after, _ := marshalState(r.Payload.AfterState)
	var redactedAt interface{}
	if r.RedactedAt != nil {
		redactedAt = *r.RedactedAt
	}
	return rows.AddRow(
		r.ID, r.OrganizationID, r.ActorID, r.SessionID,
		string(r.Category), string(r.Type), r.Description,
		r.Payload.EntityType, r.Payload.EntityID, r.Payload.Action,
		before, after, metadata,
		r.Security.IPAddress, r.Security.UserAgent,
		r.Timestamp, string(r.Severity), string(r.Outcome), "{SOX}",
		retention, r.RetentionUntil.IsNever(), string(r.Digest), r.Redacted, redactedAt,
	)
}

func TestNewDBStore(t *testing.T) {
	store, err := NewDBStore(nil)
	assert.Error(t, err)
	assert.Nil(t, store)
	assert.Contains(t, err.Error(), "database connection is required")
}

func TestDBStore_EnsureSchema(t *testing.T) {
	store, mock := setupMockDB(t)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS audit_events").WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, store.EnsureSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDBStore_Append(t *testing.T) {
	t.Run("retention bound", func(t *testing.T) {
		store, mock := setupMockDB(t)
		e := mustBuild(t, loginRequest("org-1", "user-1"), testTime)
		until, _ := e.RetentionUntil().Time()

		mock.ExpectExec("INSERT INTO audit_events").
			WithArgs(
				e.ID(), "org-1", "user-1", "sess-1",
				"AUTHENTICATION", "LOGIN", "User signed in",
				"user", "user-1", "login",
				sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
				"203.0.113.7", "Mozilla/5.0",
				e.Timestamp(), "INFO", "SUCCESS", sqlmock.AnyArg(),
				until, false, string(e.Digest()), false, sql.NullTime{},
			).
			WillReturnResult(sqlmock.NewResult(1, 1))

		require.NoError(t, store.Append(context.Background(), e))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("legal hold stores null retention", func(t *testing.T) {
		store, mock := setupMockDB(t)
		e := mustBuild(t, RecordRequest{OrganizationID: "org-1", Type: EventTypeSecurityBreach, Description: "breach"}, testTime)

		mock.ExpectExec("INSERT INTO audit_events").
			WithArgs(
				e.ID(), "org-1", "", "",
				"SECURITY", "SECURITY_BREACH", "breach",
				"", "", "",
				sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
				"", "",
				e.Timestamp(), "CRITICAL", "SUCCESS", sqlmock.AnyArg(),
				nil, true, string(e.Digest()), false, sql.NullTime{},
			).
			WillReturnResult(sqlmock.NewResult(1, 1))

		require.NoError(t, store.Append(context.Background(), e))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("database error", func(t *testing.T) {
		store, mock := setupMockDB(t)
		mock.ExpectExec("INSERT INTO audit_events").WillReturnError(errors.New("connection reset"))

		err := store.Append(context.Background(), mustBuild(t, loginRequest("org-1", "user-1"), testTime))
		assert.ErrorContains(t, err, "failed to insert audit event")
	})

	t.Run("duplicate id", func(t *testing.T) {
		store, mock := setupMockDB(t)
		mock.ExpectExec("INSERT INTO audit_events").WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value"})

		err := store.Append(context.Background(), mustBuild(t, loginRequest("org-1", "user-1"), testTime))
		assert.ErrorIs(t, err, ErrDuplicateEvent)
	})

	t.Run("zero event", func(t *testing.T) {
		store, _ := setupMockDB(t)
		assert.ErrorIs(t, store.Append(context.Background(), Event{}), ErrInvalidEvent)
	})
}

func TestDBStore_GetRoundTripVerifies(t *testing.T) {
	store, mock := setupMockDB(t)
	e := mustBuild(t, loginRequest("org-1", "user-1"), testTime)

	mock.ExpectQuery(regexp.QuoteMeta("FROM audit_events WHERE id = $1 AND organization_id = $2")).
		WithArgs(e.ID(), "org-1").
		WillReturnRows(eventRow(sqlmock.NewRows(columnNames), e))

	got, err := store.Get(context.Background(), "org-1", e.ID())
	require.NoError(t, err)
	assert.True(t, Verify(got))
	assert.Equal(t, []string{"SOX"}, got.ComplianceTags())
	assert.Equal(t, e.Payload().Metadata["method"], got.Payload().Metadata["method"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDBStore_GetNotFound(t *testing.T) {
	store, mock := setupMockDB(t)

	mock.ExpectQuery("FROM audit_events WHERE id").
		WithArgs("missing", "org-1").
		WillReturnRows(sqlmock.NewRows(columnNames))

	_, err := store.Get(context.Background(), "org-1", "missing")
	assert.ErrorIs(t, err, ErrEventNotFound)
}

func TestDBStore_Search(t *testing.T) {
	store, mock := setupMockDB(t)
	e := mustBuild(t, loginRequest("org-1", "user-1"), testTime)
	from := testTime.Add(-time.Hour)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM audit_events WHERE organization_id = $1 AND occurred_at >= $2 AND category = ANY($3)")).
		WithArgs("org-1", from, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(26))
	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY occurred_at DESC, id DESC LIMIT $4 OFFSET $5")).
		WithArgs("org-1", from, sqlmock.AnyArg(), 25, 25).
		WillReturnRows(eventRow(sqlmock.NewRows(columnNames), e))

	events, total, err := store.Search(context.Background(),
		Filter{OrganizationID: "org-1", From: &from, Categories: []Category{CategoryAuthentication}},
		Pagination{Page: 2, PageSize: 25},
		Sort{Field: SortByTimestamp, Order: SortDesc})
	require.NoError(t, err)
	assert.Equal(t, 26, total)
	assert.Len(t, events, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDBStore_SearchEscapesLike(t *testing.T) {
	store, mock := setupMockDB(t)

	mock.ExpectQuery("ILIKE").
		WithArgs("org-1", `%100\%\_done%`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	events, total, err := store.Search(context.Background(),
		Filter{OrganizationID: "org-1", Search: "100%_done"},
		Pagination{Page: 1, PageSize: 25}, Sort{})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, events)
}

func TestDBStore_ScanKeyset(t *testing.T) {
	store, mock := setupMockDB(t)
	cursor := &Cursor{Timestamp: testTime, ID: "abc"}

	mock.ExpectQuery(regexp.QuoteMeta("AND (occurred_at, id) > ($2, $3) ORDER BY occurred_at ASC, id ASC LIMIT $4")).
		WithArgs("org-1", testTime, "abc", 500).
		WillReturnRows(sqlmock.NewRows(columnNames))

	events, err := store.Scan(context.Background(), Filter{OrganizationID: "org-1"}, cursor, 500)
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDBStore_ExpiredBatch(t *testing.T) {
	store, mock := setupMockDB(t)
	now := testTime

	mock.ExpectQuery(regexp.QuoteMeta("AND id > $3 AND redacted = FALSE ORDER BY id ASC LIMIT $4")).
		WithArgs(now, sqlmock.AnyArg(), "", 100).
		WillReturnRows(sqlmock.NewRows(columnNames))

	_, err := store.ExpiredBatch(context.Background(), ExpiredQuery{
		Now:             now,
		Categories:      []Category{CategoryDataAccess},
		ExcludeRedacted: true,
		Limit:           100,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDBStore_CommitSweep(t *testing.T) {
	t.Run("commits deletes and redactions together", func(t *testing.T) {
		store, mock := setupMockDB(t)
		redacted := NewRedactor("").RedactPII(mustBuild(t, loginRequest("org-1", "user-1"), testTime))

		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta("DELETE FROM audit_events WHERE id = ANY($1) AND legal_hold = FALSE")).
			WillReturnResult(sqlmock.NewResult(0, 2))
		mock.ExpectExec("UPDATE audit_events SET").
			WithArgs(RedactionMarker, RedactionMarker, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), true, sqlmock.AnyArg(), redacted.ID(), "org-1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		err := store.CommitSweep(context.Background(), SweepBatch{Delete: []string{"a", "b"}, Redact: []Event{redacted}})
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rolls back on failure", func(t *testing.T) {
		store, mock := setupMockDB(t)

		mock.ExpectBegin()
		mock.ExpectExec("DELETE FROM audit_events").WillReturnError(errors.New("deadlock"))
		mock.ExpectRollback()

		err := store.CommitSweep(context.Background(), SweepBatch{Delete: []string{"a"}})
		assert.ErrorContains(t, err, "failed to delete expired events")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("empty batch is a no-op", func(t *testing.T) {
		store, mock := setupMockDB(t)
		require.NoError(t, store.CommitSweep(context.Background(), SweepBatch{}))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestDBStore_UpdateMissingRow(t *testing.T) {
	store, mock := setupMockDB(t)
	e := mustBuild(t, loginRequest("org-1", "user-1"), testTime)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE audit_events SET").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := store.Update(context.Background(), []Event{e})
	assert.ErrorIs(t, err, ErrEventNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
