//go:build integration

package audit

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupPostgres starts a disposable PostgreSQL and returns a store with its
// schema in place. The test is skipped when no container runtime is available.
func setupPostgres(t *testing.T) *DBStore {
	t.Helper()
	ctx := context.Background()

	provider, err := testcontainers.ProviderDocker.GetProvider()
	if err != nil {
		t.Skip("Docker/Podman not available, skipping integration tests")
	}
	provider.Close()

	container, err := postgres.Run(ctx, "postgres:15-alpine",
		postgres.WithDatabase("auditkeep_test"),
		postgres.WithUsername("auditkeep"),
		postgres.WithPassword("auditkeep_test_password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Skipf("Failed to start PostgreSQL container: %v", err)
	}
	t.Cleanup(func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := container.Terminate(cleanupCtx); err != nil {
			t.Errorf("Failed to terminate container: %v", err)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	db, err := sql.Open("postgres", connStr)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.PingContext(ctx))

	store, err := NewDBStore(db)
	require.NoError(t, err)
	require.NoError(t, store.EnsureSchema(ctx))
	require.NoError(t, store.EnsureSchema(ctx), "schema creation is idempotent")
	return store
}

func TestDBStore_Integration(t *testing.T) {
	ctx := context.Background()
	store := setupPostgres(t)
	base := time.Date(2024, 1, 10, 9, 0, 0, 123456000, time.UTC)

	var events []Event
	for i := 0; i < 5; i++ {
		e := mustBuild(t, loginRequest("org-1", "user-1"), base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, store.Append(ctx, e))
		events = append(events, e)
	}
	foreign := mustBuild(t, loginRequest("org-2", "user-9"), base)
	require.NoError(t, store.Append(ctx, foreign))

	t.Run("get round-trips and verifies", func(t *testing.T) {
		got, err := store.Get(ctx, "org-1", events[0].ID())
		require.NoError(t, err)
		assert.True(t, Verify(got))
		assert.True(t, got.Timestamp().Equal(events[0].Timestamp()))
		assert.Equal(t, events[0].Payload().Metadata["method"], got.Payload().Metadata["method"])

		_, err = store.Get(ctx, "org-2", events[0].ID())
		assert.ErrorIs(t, err, ErrEventNotFound)
	})

	t.Run("search and count are tenant scoped", func(t *testing.T) {
		filter := Filter{OrganizationID: "org-1"}
		page, total, err := store.Search(ctx, filter, Pagination{Page: 1, PageSize: 2}, Sort{})
		require.NoError(t, err)
		assert.Equal(t, 5, total)
		require.Len(t, page, 2)
		assert.Equal(t, events[4].ID(), page[0].ID(), "newest first by default")

		n, err := store.Count(ctx, filter)
		require.NoError(t, err)
		assert.Equal(t, 5, n)
	})

	t.Run("scan walks the whole range in pages", func(t *testing.T) {
		var seen []string
		var cursor *Cursor
		for {
			batch, err := store.Scan(ctx, Filter{OrganizationID: "org-1"}, cursor, 2)
			require.NoError(t, err)
			if len(batch) == 0 {
				break
			}
			for _, e := range batch {
				seen = append(seen, e.ID())
			}
			cursor = CursorOf(batch[len(batch)-1])
		}
		assert.Len(t, seen, 5)
	})

	t.Run("redaction keeps the digest valid", func(t *testing.T) {
		redacted := NewRedactor(RedactionMarker).RedactPII(events[1])
		require.NoError(t, store.Update(ctx, []Event{redacted}))

		got, err := store.Get(ctx, "org-1", events[1].ID())
		require.NoError(t, err)
		assert.True(t, got.Redacted())
		assert.NotEqual(t, "203.0.113.7", got.Security().IPAddress)
		assert.True(t, Verify(got))
	})

	t.Run("sweep deletes expired events", func(t *testing.T) {
		expired, err := store.ExpiredBatch(ctx, ExpiredQuery{
			Now:        base.Add(400 * 24 * time.Hour),
			Categories: []Category{CategoryAuthentication},
			Limit:      10,
		})
		require.NoError(t, err)
		assert.Len(t, expired, 6)

		require.NoError(t, store.CommitSweep(ctx, SweepBatch{Delete: []string{foreign.ID()}}))
		_, err = store.Get(ctx, "org-2", foreign.ID())
		assert.ErrorIs(t, err, ErrEventNotFound)
	})

	t.Run("stats", func(t *testing.T) {
		stats, err := store.Stats(ctx, "org-1", nil, nil)
		require.NoError(t, err)
		assert.EqualValues(t, 5, stats.TotalEvents)
		assert.EqualValues(t, 5, stats.EventsByCategory[CategoryAuthentication])
		assert.EqualValues(t, 1, stats.RedactedEvents)
		assert.EqualValues(t, 1, stats.UniqueActors)
	})
}
