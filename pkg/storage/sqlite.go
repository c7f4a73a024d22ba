package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/platinummonkey/auditkeep/pkg/audit"
	"github.com/platinummonkey/auditkeep/pkg/observability"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS archived_events (
	id              TEXT PRIMARY KEY,
	organization_id TEXT NOT NULL,
	category        TEXT NOT NULL,
	occurred_at     TIMESTAMP NOT NULL,
	digest          TEXT NOT NULL,
	record          BLOB NOT NULL,
	archived_at     TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_archived_events_org_time
	ON archived_events (organization_id, occurred_at);
`

// SQLiteArchiver keeps swept events in a local SQLite database, one row per
// event keyed by id
type SQLiteArchiver struct {
	db      *sql.DB
	metrics *observability.Metrics
	now     func() time.Time
}

// NewSQLiteArchiver opens (or creates) the database at path
func NewSQLiteArchiver(ctx context.Context, path string, metrics *observability.Metrics) (*SQLiteArchiver, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite archive: %w", err)
	}
	// SQLite allows one writer at a time
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create archive schema: %w", err)
	}
	return &SQLiteArchiver{db: db, metrics: metrics, now: time.Now}, nil
}

// Archive upserts the event. Re-archiving the same id replaces the row.
func (a *SQLiteArchiver) Archive(ctx context.Context, e audit.Event) (err error) {
	start := time.Now()
	defer func() { a.metrics.StorageOperation("archive", BackendSQLite, err, time.Since(start)) }()

	data, err := json.Marshal(e.Record())
	if err != nil {
		return fmt.Errorf("failed to encode event %s: %w", e.ID(), err)
	}

	_, err = a.db.ExecContext(ctx, `
		INSERT INTO archived_events (id, organization_id, category, occurred_at, digest, record, archived_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			record = excluded.record,
			digest = excluded.digest,
			archived_at = excluded.archived_at`,
		e.ID(), e.OrganizationID(), string(e.Category()), e.Timestamp().UTC(), string(e.Digest()), data, a.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to archive event %s: %w", e.ID(), err)
	}
	return nil
}

// Restore loads an archived event of one organization and verifies its digest
func (a *SQLiteArchiver) Restore(ctx context.Context, organizationID, id string) (audit.Event, error) {
	var data []byte
	err := a.db.QueryRowContext(ctx,
		`SELECT record FROM archived_events WHERE organization_id = ? AND id = ?`,
		organizationID, id,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return audit.Event{}, fmt.Errorf("event %s: %w", id, ErrObjectNotFound)
	}
	if err != nil {
		return audit.Event{}, fmt.Errorf("failed to read archived event: %w", err)
	}

	var rec audit.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return audit.Event{}, fmt.Errorf("failed to decode archived event %s: %w", id, err)
	}
	return verified(audit.Rehydrate(rec))
}

// Count returns the number of archived events of an organization
func (a *SQLiteArchiver) Count(ctx context.Context, organizationID string) (int, error) {
	var n int
	err := a.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM archived_events WHERE organization_id = ?`, organizationID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count archived events: %w", err)
	}
	return n, nil
}

// HealthCheck pings the database
func (a *SQLiteArchiver) HealthCheck(ctx context.Context) error {
	return a.db.PingContext(ctx)
}

// Close closes the database
func (a *SQLiteArchiver) Close() error {
	return a.db.Close()
}
