package audit

import (
	"encoding/json"
	"fmt"
	"time"
)

// RetentionUntil is either an absolute instant or the "never expires" sentinel used
// for legal hold. The sentinel is a flag rather than a far-future date so nothing
// ever does arithmetic on it.
type RetentionUntil struct {
	at    time.Time
	never bool
}

// Never returns the legal hold sentinel
func Never() RetentionUntil {
	return RetentionUntil{never: true}
}

// Until returns a retention bound at t
func Until(t time.Time) RetentionUntil {
	return RetentionUntil{at: t.UTC()}
}

// IsNever reports whether this is the legal hold sentinel
func (r RetentionUntil) IsNever() bool {
	return r.never
}

// Time returns the instant and false for the sentinel
func (r RetentionUntil) Time() (time.Time, bool) {
	if r.never {
		return time.Time{}, false
	}
	return r.at, true
}

// ExpiredAt reports whether the bound has been reached at now. The sentinel never
// expires.
func (r RetentionUntil) ExpiredAt(now time.Time) bool {
	if r.never {
		return false
	}
	return !r.at.After(now)
}

// Equal compares two bounds
func (r RetentionUntil) Equal(o RetentionUntil) bool {
	if r.never || o.never {
		return r.never == o.never
	}
	return r.at.Equal(o.at)
}

func (r RetentionUntil) String() string {
	if r.never {
		return "never"
	}
	return r.at.Format(time.RFC3339)
}

// MarshalJSON renders the sentinel as "never"
func (r RetentionUntil) MarshalJSON() ([]byte, error) {
	if r.never {
		return json.Marshal("never")
	}
	return json.Marshal(r.at.Format(time.RFC3339Nano))
}

// UnmarshalJSON accepts "never" or an RFC3339 timestamp
func (r *RetentionUntil) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "never" {
		*r = Never()
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return fmt.Errorf("invalid retention bound %q: %w", s, err)
	}
	*r = Until(t)
	return nil
}

// Event is a single audit log entry. Its fields are unexported: the decision record
// cannot be changed after creation, and the only mutations are the evolve methods
// below, which return a new value.
type Event struct {
	id             string
	organizationID string
	actorID        string
	sessionID      string
	category       Category
	eventType      EventType
	description    string
	payload        Payload
	security       SecurityContext
	timestamp      time.Time
	severity       Severity
	outcome        Outcome
	complianceTags []string
	retention      RetentionUntil
	digest         Digest
	redacted       bool
	redactedAt     time.Time
}

func (e Event) ID() string { return e.id }
func (e Event) OrganizationID() string { return e.organizationID }
func (e Event) ActorID() string { return e.actorID }
func (e Event) SessionID() string { return e.sessionID }
func (e Event) Category() Category { return e.category }
func (e Event) Type() EventType { return e.eventType }
func (e Event) Description() string { return e.description }
func (e Event) Payload() Payload { return e.payload.clone() }
func (e Event) Security() SecurityContext { return e.security }
func (e Event) Timestamp() time.Time { return e.timestamp }
func (e Event) Severity() Severity { return e.severity }
func (e Event) Outcome() Outcome { return e.outcome }
func (e Event) RetentionUntil() RetentionUntil { return e.retention }
func (e Event) Digest() Digest { return e.digest }
func (e Event) Redacted() bool { return e.redacted }
func (e Event) RedactedAt() time.Time { return e.redactedAt }

// ComplianceTags returns a copy of the tag set
func (e Event) ComplianceTags() []string {
	if e.complianceTags == nil {
		return nil
	}
	tags := make([]string, len(e.complianceTags))
	copy(tags, e.complianceTags)
	return tags
}

// IsZero reports whether e is the zero Event
func (e Event) IsZero() bool {
	return e.id == ""
}

// WithComplianceTags returns a copy carrying tags. Tags are outside the digest.
func (e Event) WithComplianceTags(tags ...string) Event {
	out := e.copy()
	out.complianceTags = dedupe(tags)
	return out
}

// WithRetention returns a copy with a new retention bound
func (e Event) WithRetention(r RetentionUntil) Event {
	out := e.copy()
	out.retention = r
	return out
}

// withSecurity, withStates are the redaction primitives; only the Redactor uses them
func (e Event) withSecurity(sc SecurityContext) Event {
	out := e.copy()
	out.security = sc
	return out
}

func (e Event) withStates(before, after map[string]interface{}) Event {
	out := e.copy()
	out.payload.BeforeState = cloneMap(before)
	out.payload.AfterState = cloneMap(after)
	return out
}

func (e Event) markRedacted(at time.Time) Event {
	out := e.copy()
	out.redacted = true
	out.redactedAt = at.UTC()
	return out
}

func (e Event) copy() Event {
	out := e
	out.payload = e.payload.clone()
	out.complianceTags = e.ComplianceTags()
	return out
}

// Record is the persistence and wire shape of an Event
type Record struct {
	ID             string          `json:"id"`
	OrganizationID string          `json:"organization_id"`
	ActorID        string          `json:"actor_id,omitempty"`
	SessionID      string          `json:"session_id,omitempty"`
	Category       Category        `json:"category"`
	Type           EventType       `json:"type"`
	Description    string          `json:"description"`
	Payload        Payload         `json:"payload"`
	Security       SecurityContext `json:"security"`
	Timestamp      time.Time       `json:"timestamp"`
	Severity       Severity        `json:"severity"`
	Outcome        Outcome         `json:"outcome"`
	ComplianceTags []string        `json:"compliance_tags,omitempty"`
	RetentionUntil RetentionUntil  `json:"retention_until"`
	Digest         Digest          `json:"digest"`
	Redacted       bool            `json:"redacted"`
	RedactedAt     *time.Time      `json:"redacted_at,omitempty"`
}

// Record converts the event to its DTO form
func (e Event) Record() Record {
	r := Record{
		ID:             e.id,
		OrganizationID: e.organizationID,
		ActorID:        e.actorID,
		SessionID:      e.sessionID,
		Category:       e.category,
		Type:           e.eventType,
		Description:    e.description,
		Payload:        e.payload.clone(),
		Security:       e.security,
		Timestamp:      e.timestamp,
		Severity:       e.severity,
		Outcome:        e.outcome,
		ComplianceTags: e.ComplianceTags(),
		RetentionUntil: e.retention,
		Digest:         e.digest,
		Redacted:       e.redacted,
	}
	if e.redacted {
		at := e.redactedAt
		r.RedactedAt = &at
	}
	return r
}

// Rehydrate rebuilds an Event from storage. The digest is taken as stored, not
// recomputed: verification is a separate, explicit step.
func Rehydrate(r Record) Event {
	e := Event{
		id:             r.ID,
		organizationID: r.OrganizationID,
		actorID:        r.ActorID,
		sessionID:      r.SessionID,
		category:       r.Category,
		eventType:      r.Type,
		description:    r.Description,
		payload:        r.Payload.clone(),
		security:       r.Security,
		timestamp:      r.Timestamp.UTC(),
		severity:       r.Severity,
		outcome:        r.Outcome,
		complianceTags: dedupe(r.ComplianceTags),
		retention:      r.RetentionUntil,
		digest:         r.Digest,
		redacted:       r.Redacted,
	}
	if r.RedactedAt != nil {
		e.redactedAt = r.RedactedAt.UTC()
	}
	return e
}

// MarshalJSON encodes the event through its Record form
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.Record())
}

func dedupe(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
