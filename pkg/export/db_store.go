package export

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

const jobColumns = `
	id, organization_id, requested_by, format, filter, include_details,
	state, progress, record_count, file_size, file_key, download_ref,
	expires_at, error_message, requested_at, started_at, completed_at, updated_at`

// DBJobStore implements JobStore on PostgreSQL
type DBJobStore struct {
	db *sql.DB
}

// NewDBJobStore creates a PostgreSQL-backed job store
func NewDBJobStore(db *sql.DB) (*DBJobStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	return &DBJobStore{db: db}, nil
}

// EnsureSchema creates the audit_export_jobs table if it doesn't exist
func (s *DBJobStore) EnsureSchema(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS audit_export_jobs (
		id VARCHAR(36) PRIMARY KEY,
		organization_id VARCHAR(64) NOT NULL,
		requested_by VARCHAR(64) NOT NULL,
		format VARCHAR(8) NOT NULL,
		filter JSONB NOT NULL,
		include_details BOOLEAN NOT NULL DEFAULT FALSE,
		state VARCHAR(16) NOT NULL,
		progress INTEGER NOT NULL DEFAULT 0,
		record_count INTEGER NOT NULL DEFAULT 0,
		file_size BIGINT NOT NULL DEFAULT 0,
		file_key TEXT NOT NULL DEFAULT '',
		download_ref TEXT NOT NULL DEFAULT '',
		expires_at TIMESTAMP WITH TIME ZONE,
		error_message TEXT NOT NULL DEFAULT '',
		requested_at TIMESTAMP WITH TIME ZONE NOT NULL,
		started_at TIMESTAMP WITH TIME ZONE,
		completed_at TIMESTAMP WITH TIME ZONE,
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_export_jobs_state ON audit_export_jobs(state, updated_at);
	CREATE INDEX IF NOT EXISTS idx_audit_export_jobs_requester ON audit_export_jobs(organization_id, requested_by);
	`
	_, err := s.db.ExecContext(ctx, query)
	return err
}

// Create inserts a new job
func (s *DBJobStore) Create(ctx context.Context, job Job) error {
	r := job.Record()
	filter, err := json.Marshal(r.Filter)
	if err != nil {
		return fmt.Errorf("failed to marshal export filter: %w", err)
	}

	query := `INSERT INTO audit_export_jobs (` + jobColumns + `
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`

	_, err = s.db.ExecContext(ctx, query,
		r.ID, r.OrganizationID, r.RequestedBy, string(r.Format), filter, r.Details,
		string(r.State), r.Progress, r.RecordCount, r.FileSize, r.FileKey, r.DownloadRef,
		nullTimePtr(r.ExpiresAt), r.ErrorMessage, r.RequestedAt, nullTimePtr(r.StartedAt), nullTimePtr(r.CompletedAt), r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert export job: %w", err)
	}
	return nil
}

// Get retrieves a job by id
func (s *DBJobStore) Get(ctx context.Context, id string) (Job, error) {
	query := `SELECT ` + jobColumns + ` FROM audit_export_jobs WHERE id = $1`
	job, err := scanJob(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrJobNotFound
	}
	if err != nil {
		return Job{}, fmt.Errorf("failed to get export job: %w", err)
	}
	return job, nil
}

// Save updates the mutable columns of a job if it is still in the expected state
func (s *DBJobStore) Save(ctx context.Context, job Job, expected State) error {
	r := job.Record()
	query := `
		UPDATE audit_export_jobs SET
			state = $2, progress = $3, record_count = $4, file_size = $5,
			file_key = $6, download_ref = $7, expires_at = $8, error_message = $9,
			started_at = $10, completed_at = $11, updated_at = $12
		WHERE id = $1 AND state = $13
	`
	result, err := s.db.ExecContext(ctx, query,
		r.ID, string(r.State), r.Progress, r.RecordCount, r.FileSize,
		r.FileKey, r.DownloadRef, nullTimePtr(r.ExpiresAt), r.ErrorMessage,
		nullTimePtr(r.StartedAt), nullTimePtr(r.CompletedAt), r.UpdatedAt,
		string(expected),
	)
	if err != nil {
		return fmt.Errorf("failed to update export job: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update export job: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: job %s is no longer %s", ErrInvalidTransition, r.ID, expected)
	}
	return nil
}

// List returns jobs in states last updated before the cutoff, oldest first
func (s *DBJobStore) List(ctx context.Context, states []State, updatedBefore time.Time) ([]Job, error) {
	query := `SELECT ` + jobColumns + ` FROM audit_export_jobs
		WHERE state = ANY($1) AND updated_at < $2
		ORDER BY updated_at ASC`

	rows, err := s.db.QueryContext(ctx, query, pq.Array(toStrings(states)), updatedBefore)
	if err != nil {
		return nil, fmt.Errorf("failed to list export jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan export job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// Delete removes a job record
func (s *DBJobStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM audit_export_jobs WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete export job: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (Job, error) {
	var (
		r                               JobRecord
		format, state                   string
		filter                          []byte
		expiresAt, startedAt, completed sql.NullTime
	)
	err := row.Scan(
		&r.ID, &r.OrganizationID, &r.RequestedBy, &format, &filter, &r.Details,
		&state, &r.Progress, &r.RecordCount, &r.FileSize, &r.FileKey, &r.DownloadRef,
		&expiresAt, &r.ErrorMessage, &r.RequestedAt, &startedAt, &completed, &r.UpdatedAt,
	)
	if err != nil {
		return Job{}, err
	}
	if err := json.Unmarshal(filter, &r.Filter); err != nil {
		return Job{}, fmt.Errorf("failed to unmarshal export filter: %w", err)
	}
	r.Format = Format(format)
	r.State = State(state)
	r.ExpiresAt = fromNullTime(expiresAt)
	r.StartedAt = fromNullTime(startedAt)
	r.CompletedAt = fromNullTime(completed)
	return RehydrateJob(r), nil
}

func nullTimePtr(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func fromNullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	u := t.Time.UTC()
	return &u
}
