package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

const eventColumns = `
	id, organization_id, actor_id, session_id,
	category, event_type, description,
	entity_type, entity_id, action,
	before_state, after_state, metadata,
	ip_address, user_agent,
	occurred_at, severity, outcome, compliance_tags,
	retention_until, legal_hold, digest, redacted, redacted_at`

// DBStore implements Store on PostgreSQL
type DBStore struct {
	db *sql.DB
}

// NewDBStore creates a PostgreSQL-backed event store
func NewDBStore(db *sql.DB) (*DBStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	return &DBStore{db: db}, nil
}

// EnsureSchema creates the audit_events table if it doesn't exist
func (s *DBStore) EnsureSchema(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS audit_events (
		id VARCHAR(36) PRIMARY KEY,
		organization_id VARCHAR(64) NOT NULL,
		actor_id VARCHAR(64) NOT NULL DEFAULT '',
		session_id VARCHAR(128) NOT NULL DEFAULT '',
		category VARCHAR(32) NOT NULL,
		event_type VARCHAR(64) NOT NULL,
		description TEXT NOT NULL,
		entity_type VARCHAR(100) NOT NULL DEFAULT '',
		entity_id VARCHAR(255) NOT NULL DEFAULT '',
		action VARCHAR(100) NOT NULL DEFAULT '',
		before_state JSONB,
		after_state JSONB,
		metadata JSONB,
		ip_address VARCHAR(64) NOT NULL DEFAULT '',
		user_agent TEXT NOT NULL DEFAULT '',
		occurred_at TIMESTAMP WITH TIME ZONE NOT NULL,
		severity VARCHAR(16) NOT NULL,
		outcome VARCHAR(16) NOT NULL,
		compliance_tags TEXT[] NOT NULL DEFAULT '{}',
		retention_until TIMESTAMP WITH TIME ZONE,
		legal_hold BOOLEAN NOT NULL DEFAULT FALSE,
		digest CHAR(64) NOT NULL,
		redacted BOOLEAN NOT NULL DEFAULT FALSE,
		redacted_at TIMESTAMP WITH TIME ZONE,
		CHECK ((legal_hold AND retention_until IS NULL) OR (NOT legal_hold AND retention_until IS NOT NULL))
	);

	CREATE INDEX IF NOT EXISTS idx_audit_events_org_time ON audit_events(organization_id, occurred_at DESC, id);
	CREATE INDEX IF NOT EXISTS idx_audit_events_actor ON audit_events(organization_id, actor_id);
	CREATE INDEX IF NOT EXISTS idx_audit_events_category ON audit_events(category);
	CREATE INDEX IF NOT EXISTS idx_audit_events_retention ON audit_events(retention_until) WHERE NOT legal_hold;
	`

	_, err := s.db.ExecContext(ctx, query)
	return err
}

// Append inserts a new event
func (s *DBStore) Append(ctx context.Context, event Event) error {
	if event.IsZero() {
		return ErrInvalidEvent
	}

	before, after, metadata, err := marshalPayload(event.payload)
	if err != nil {
		return err
	}

	retentionUntil, legalHold := retentionColumns(event.retention)

	query := `
		INSERT INTO audit_events (` + eventColumns + `
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7,
			$8, $9, $10,
			$11, $12, $13,
			$14, $15,
			$16, $17, $18, $19,
			$20, $21, $22, $23, $24
		)
	`

	_, err = s.db.ExecContext(ctx, query,
		event.id, event.organizationID, event.actorID, event.sessionID,
		string(event.category), string(event.eventType), event.description,
		event.payload.EntityType, event.payload.EntityID, event.payload.Action,
		before, after, metadata,
		event.security.IPAddress, event.security.UserAgent,
		event.timestamp, string(event.severity), string(event.outcome), pq.Array(nonNilTags(event.complianceTags)),
		retentionUntil, legalHold, string(event.digest), event.redacted, nullTime(event.redacted, event.redactedAt),
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return fmt.Errorf("event %s: %w", event.id, ErrDuplicateEvent)
		}
		return fmt.Errorf("failed to insert audit event: %w", err)
	}

	return nil
}

const uniqueViolation = "23505"

// Get retrieves a single event scoped to an organization
func (s *DBStore) Get(ctx context.Context, organizationID, id string) (Event, error) {
	query := `SELECT ` + eventColumns + ` FROM audit_events WHERE id = $1 AND organization_id = $2`

	rows, err := s.db.QueryContext(ctx, query, id, organizationID)
	if err != nil {
		return Event{}, fmt.Errorf("failed to get audit event: %w", err)
	}
	events, err := scanEvents(rows)
	if err != nil {
		return Event{}, err
	}
	if len(events) == 0 {
		return Event{}, ErrEventNotFound
	}
	return events[0], nil
}

// Search returns one page of matching events and the total count
func (s *DBStore) Search(ctx context.Context, filter Filter, page Pagination, order Sort) ([]Event, int, error) {
	total, err := s.Count(ctx, filter)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []Event{}, 0, nil
	}

	where, args := buildWhere(filter)
	argCount := len(args) + 1

	query := `SELECT ` + eventColumns + ` FROM audit_events ` + where
	query += " ORDER BY " + orderClause(order)
	query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", argCount, argCount+1)
	args = append(args, page.PageSize, page.Offset())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to search audit events: %w", err)
	}
	events, err := scanEvents(rows)
	if err != nil {
		return nil, 0, err
	}
	return events, total, nil
}

// Count returns the number of matching events
func (s *DBStore) Count(ctx context.Context, filter Filter) (int, error) {
	where, args := buildWhere(filter)

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM audit_events "+where, args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to count audit events: %w", err)
	}
	return total, nil
}

// Scan pages through matching events by keyset on (occurred_at, id)
func (s *DBStore) Scan(ctx context.Context, filter Filter, after *Cursor, limit int) ([]Event, error) {
	where, args := buildWhere(filter)
	argCount := len(args) + 1

	if after != nil {
		where += fmt.Sprintf(" AND (occurred_at, id) > ($%d, $%d)", argCount, argCount+1)
		args = append(args, after.Timestamp, after.ID)
		argCount += 2
	}

	query := `SELECT ` + eventColumns + ` FROM audit_events ` + where +
		fmt.Sprintf(" ORDER BY occurred_at ASC, id ASC LIMIT $%d", argCount)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to scan audit events: %w", err)
	}
	return scanEvents(rows)
}

// Update re-saves the mutable shell of events in one transaction
func (s *DBStore) Update(ctx context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin update: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, e := range events {
		n, err := updateMutable(ctx, tx, e)
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("update %s: %w", e.id, ErrEventNotFound)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit update: %w", err)
	}
	return nil
}

// Stats retrieves aggregate counts for an organization
func (s *DBStore) Stats(ctx context.Context, organizationID string, from, to *time.Time) (*Stats, error) {
	stats := newStats(from, to)
	where, args := buildWhere(Filter{OrganizationID: organizationID, From: from, To: to})

	totals := fmt.Sprintf(`SELECT COUNT(*),
		COUNT(DISTINCT NULLIF(actor_id, '')),
		COUNT(*) FILTER (WHERE legal_hold),
		COUNT(*) FILTER (WHERE redacted)
		FROM audit_events %s`, where)
	err := s.db.QueryRowContext(ctx, totals, args...).Scan(
		&stats.TotalEvents, &stats.UniqueActors, &stats.LegalHoldEvents, &stats.RedactedEvents,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get total events: %w", err)
	}

	groups := []struct {
		column string
		put    func(key string, n int64)
	}{
		{"category", func(k string, n int64) { stats.EventsByCategory[Category(k)] = n }},
		{"outcome", func(k string, n int64) { stats.EventsByOutcome[Outcome(k)] = n }},
		{"severity", func(k string, n int64) { stats.EventsBySeverity[Severity(k)] = n }},
	}
	for _, g := range groups {
		if err := s.groupCount(ctx, g.column, where, args, g.put); err != nil {
			return nil, err
		}
	}

	return stats, nil
}

func (s *DBStore) groupCount(ctx context.Context, column, where string, args []interface{}, put func(string, int64)) error {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("SELECT %s, COUNT(*) FROM audit_events %s GROUP BY %s", column, where, column), args...)
	if err != nil {
		return fmt.Errorf("failed to get events by %s: %w", column, err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var count int64
		if err := rows.Scan(&key, &count); err != nil {
			return err
		}
		put(key, count)
	}
	return rows.Err()
}

// ExpiredBatch selects expired, non-legal-hold events ordered by id
func (s *DBStore) ExpiredBatch(ctx context.Context, q ExpiredQuery) ([]Event, error) {
	categories := make([]string, len(q.Categories))
	for i, c := range q.Categories {
		categories[i] = string(c)
	}

	query := `SELECT ` + eventColumns + ` FROM audit_events
		WHERE legal_hold = FALSE
		AND retention_until <= $1
		AND category = ANY($2)
		AND id > $3`
	if q.ExcludeRedacted {
		query += " AND redacted = FALSE"
	}
	query += " ORDER BY id ASC LIMIT $4"

	rows, err := s.db.QueryContext(ctx, query, q.Now, pq.Array(categories), q.AfterID, q.Limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select expired events: %w", err)
	}
	return scanEvents(rows)
}

// CommitSweep deletes and redacts in a single transaction. Legal hold rows are
// protected by the WHERE clauses even if a caller passes them in.
func (s *DBStore) CommitSweep(ctx context.Context, batch SweepBatch) error {
	if batch.Empty() {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin sweep: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if len(batch.Delete) > 0 {
		_, err := tx.ExecContext(ctx,
			"DELETE FROM audit_events WHERE id = ANY($1) AND legal_hold = FALSE",
			pq.Array(batch.Delete))
		if err != nil {
			return fmt.Errorf("failed to delete expired events: %w", err)
		}
	}

	for _, e := range batch.Redact {
		if _, err := updateMutable(ctx, tx, e); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit sweep: %w", err)
	}
	return nil
}

func updateMutable(ctx context.Context, tx *sql.Tx, e Event) (int64, error) {
	before, err := marshalState(e.payload.BeforeState)
	if err != nil {
		return 0, err
	}
	after, err := marshalState(e.payload.AfterState)
	if err != nil {
		return 0, err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE audit_events SET
			ip_address = $1, user_agent = $2,
			before_state = $3, after_state = $4,
			compliance_tags = $5, redacted = $6, redacted_at = $7
		WHERE id = $8 AND organization_id = $9`,
		e.security.IPAddress, e.security.UserAgent,
		before, after,
		pq.Array(nonNilTags(e.complianceTags)), e.redacted, nullTime(e.redacted, e.redactedAt),
		e.id, e.organizationID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to update audit event %s: %w", e.id, err)
	}
	return res.RowsAffected()
}

// buildWhere renders the filter as a WHERE clause with positional arguments
func buildWhere(filter Filter) (string, []interface{}) {
	where := "WHERE organization_id = $1"
	args := []interface{}{filter.OrganizationID}
	argCount := 2

	if filter.From != nil {
		where += fmt.Sprintf(" AND occurred_at >= $%d", argCount)
		args = append(args, *filter.From)
		argCount++
	}

	if filter.To != nil {
		where += fmt.Sprintf(" AND occurred_at <= $%d", argCount)
		args = append(args, *filter.To)
		argCount++
	}

	if filter.ActorID != "" {
		where += fmt.Sprintf(" AND actor_id = $%d", argCount)
		args = append(args, filter.ActorID)
		argCount++
	}

	anyOf := func(column string, values []string) {
		if len(values) == 0 {
			return
		}
		where += fmt.Sprintf(" AND %s = ANY($%d)", column, argCount)
		args = append(args, pq.Array(values))
		argCount++
	}
	anyOf("action", filter.Actions)
	anyOf("entity_type", filter.Resources)
	anyOf("outcome", toStrings(filter.Outcomes))
	anyOf("category", toStrings(filter.Categories))
	anyOf("event_type", toStrings(filter.Types))
	anyOf("severity", toStrings(filter.Severities))

	if filter.Search != "" {
		where += fmt.Sprintf(" AND (description ILIKE $%[1]d OR entity_type ILIKE $%[1]d OR entity_id ILIKE $%[1]d OR action ILIKE $%[1]d)", argCount)
		args = append(args, "%"+escapeLike(filter.Search)+"%")
	}

	return where, args
}

func orderClause(order Sort) string {
	var column string
	switch order.Field {
	case SortBySeverity:
		column = "CASE severity WHEN 'INFO' THEN 0 WHEN 'NOTICE' THEN 1 WHEN 'WARNING' THEN 2 WHEN 'CRITICAL' THEN 3 ELSE -1 END"
	case SortByCategory:
		column = "category"
	case SortByType:
		column = "event_type"
	default:
		column = "occurred_at"
	}
	direction := "DESC"
	if order.Order == SortAsc {
		direction = "ASC"
	}
	return fmt.Sprintf("%s %s, id %s", column, direction, direction)
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	defer rows.Close()

	events := make([]Event, 0)
	for rows.Next() {
		var r Record
		var category, eventType, severity, outcome, digest string
		var beforeJSON, afterJSON, metadataJSON []byte
		var tags []string
		var retentionUntil, redactedAt sql.NullTime
		var legalHold bool

		err := rows.Scan(
			&r.ID, &r.OrganizationID, &r.ActorID, &r.SessionID,
			&category, &eventType, &r.Description,
			&r.Payload.EntityType, &r.Payload.EntityID, &r.Payload.Action,
			&beforeJSON, &afterJSON, &metadataJSON,
			&r.Security.IPAddress, &r.Security.UserAgent,
			&r.Timestamp, &severity, &outcome, pq.Array(&tags),
			&retentionUntil, &legalHold, &digest, &r.Redacted, &redactedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}

		r.Category = Category(category)
		r.Type = EventType(eventType)
		r.Severity = Severity(severity)
		r.Outcome = Outcome(outcome)
		r.Digest = Digest(strings.TrimSpace(digest))
		r.ComplianceTags = tags

		for _, field := range []struct {
			raw  []byte
			dest *map[string]interface{}
		}{
			{beforeJSON, &r.Payload.BeforeState},
			{afterJSON, &r.Payload.AfterState},
			{metadataJSON, &r.Payload.Metadata},
		} {
			if len(field.raw) == 0 {
				continue
			}
			if err := json.Unmarshal(field.raw, field.dest); err != nil {
				return nil, fmt.Errorf("failed to unmarshal payload of %s: %w", r.ID, err)
			}
		}

		switch {
		case legalHold:
			r.RetentionUntil = Never()
		case retentionUntil.Valid:
			r.RetentionUntil = Until(retentionUntil.Time)
		default:
			return nil, fmt.Errorf("audit event %s has no retention bound", r.ID)
		}
		if redactedAt.Valid {
			t := redactedAt.Time
			r.RedactedAt = &t
		}

		events = append(events, Rehydrate(r))
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit events: %w", err)
	}

	return events, nil
}

func marshalPayload(p Payload) (before, after, metadata []byte, err error) {
	if before, err = marshalState(p.BeforeState); err != nil {
		return nil, nil, nil, err
	}
	if after, err = marshalState(p.AfterState); err != nil {
		return nil, nil, nil, err
	}
	if metadata, err = marshalState(p.Metadata); err != nil {
		return nil, nil, nil, err
	}
	return before, after, metadata, nil
}

func marshalState(m map[string]interface{}) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return b, nil
}

func retentionColumns(r RetentionUntil) (interface{}, bool) {
	if t, ok := r.Time(); ok {
		return t, false
	}
	return nil, true
}

func nullTime(valid bool, t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: valid}
}

func nonNilTags(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}

func toStrings[T ~string](values []T) []string {
	if len(values) == 0 {
		return nil
	}
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = string(v)
	}
	return out
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
