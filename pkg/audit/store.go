package audit

import (
	"context"
	"strings"
	"time"

	"github.com/platinummonkey/auditkeep/pkg/errcode"
)

// Store persists audit events and answers queries over them. Implementations must
// make a single Append atomic and a single CommitSweep atomic; nothing else needs
// cross-event transactions.
type Store interface {
	// Append persists a new event
	Append(ctx context.Context, event Event) error

	// Get retrieves an event scoped to an organization
	Get(ctx context.Context, organizationID, id string) (Event, error)

	// Search returns one page of events matching the filter and the total match count
	Search(ctx context.Context, filter Filter, page Pagination, sort Sort) ([]Event, int, error)

	// Count returns the number of events matching the filter
	Count(ctx context.Context, filter Filter) (int, error)

	// Scan walks matching events in (timestamp, id) order after the cursor
	Scan(ctx context.Context, filter Filter, after *Cursor, limit int) ([]Event, error)

	// Update re-saves the mutable shell (security context, states, tags, redaction
	// flag) of existing events. Hashed fields are never written.
	Update(ctx context.Context, events []Event) error

	// Stats aggregates counts for an organization
	Stats(ctx context.Context, organizationID string, from, to *time.Time) (*Stats, error)

	// ExpiredBatch selects events eligible for a retention sweep
	ExpiredBatch(ctx context.Context, query ExpiredQuery) ([]Event, error)

	// CommitSweep applies one sweep batch atomically
	CommitSweep(ctx context.Context, batch SweepBatch) error
}

// Filter narrows a query. OrganizationID is mandatory.
type Filter struct {
	OrganizationID string
	From           *time.Time
	To             *time.Time
	Search         string
	ActorID        string
	Actions        []string
	Resources      []string
	Outcomes       []Outcome
	Categories     []Category
	Types          []EventType
	Severities     []Severity
}

// MaxSearchLength bounds free-text search input
const MaxSearchLength = 1000

// Validate checks the filter bounds that apply to every query
func (f Filter) Validate() error {
	if f.OrganizationID == "" {
		return ErrAccessDenied
	}
	if f.From != nil && f.To != nil && f.From.After(*f.To) {
		return errcode.New(errcode.InvalidDateRange, "date_from must not be after date_to")
	}
	if len([]rune(f.Search)) > MaxSearchLength {
		return errcode.Newf(errcode.SearchTooLong, "search text must be at most %d characters", MaxSearchLength)
	}
	return nil
}

// Matches applies the filter to a single event
func (f Filter) Matches(e Event) bool {
	if e.organizationID != f.OrganizationID {
		return false
	}
	if f.From != nil && e.timestamp.Before(*f.From) {
		return false
	}
	if f.To != nil && e.timestamp.After(*f.To) {
		return false
	}
	if f.ActorID != "" && e.actorID != f.ActorID {
		return false
	}
	if len(f.Actions) > 0 && !containsString(f.Actions, e.payload.Action) {
		return false
	}
	if len(f.Resources) > 0 && !containsString(f.Resources, e.payload.EntityType) {
		return false
	}
	if len(f.Outcomes) > 0 && !containsValue(f.Outcomes, e.outcome) {
		return false
	}
	if len(f.Categories) > 0 && !containsValue(f.Categories, e.category) {
		return false
	}
	if len(f.Types) > 0 && !containsValue(f.Types, e.eventType) {
		return false
	}
	if len(f.Severities) > 0 && !containsValue(f.Severities, e.severity) {
		return false
	}
	if f.Search != "" {
		needle := strings.ToLower(f.Search)
		haystacks := []string{e.description, e.payload.EntityType, e.payload.EntityID, e.payload.Action}
		found := false
		for _, h := range haystacks {
			if strings.Contains(strings.ToLower(h), needle) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// SortField is one of a fixed set of sortable columns
type SortField string

const (
	SortByTimestamp SortField = "timestamp"
	SortBySeverity  SortField = "severity"
	SortByCategory  SortField = "category"
	SortByType      SortField = "type"
)

// SortOrder is asc or desc
type SortOrder string

const (
	SortAsc  SortOrder = "asc"
	SortDesc SortOrder = "desc"
)

// Sort selects ordering. The zero value sorts by timestamp descending.
type Sort struct {
	Field SortField
	Order SortOrder
}

// Normalize fills defaults and rejects anything outside the whitelist
func (s Sort) Normalize() (Sort, error) {
	if s.Field == "" {
		s.Field = SortByTimestamp
	}
	if s.Order == "" {
		s.Order = SortDesc
	}
	switch s.Field {
	case SortByTimestamp, SortBySeverity, SortByCategory, SortByType:
	default:
		return Sort{}, errcode.Newf(errcode.InvalidSort, "cannot sort by %q", s.Field)
	}
	switch s.Order {
	case SortAsc, SortDesc:
	default:
		return Sort{}, errcode.Newf(errcode.InvalidSort, "invalid sort order %q", s.Order)
	}
	return s, nil
}

const (
	DefaultPageSize = 25
	MaxPageSize     = 100
)

// Pagination is 1-based
type Pagination struct {
	Page     int
	PageSize int
}

// Normalize fills defaults and rejects out-of-range values rather than clamping them
func (p Pagination) Normalize() (Pagination, error) {
	if p.Page == 0 {
		p.Page = 1
	}
	if p.PageSize == 0 {
		p.PageSize = DefaultPageSize
	}
	if p.Page < 1 {
		return Pagination{}, errcode.New(errcode.InvalidPagination, "page must be at least 1")
	}
	if p.PageSize < 1 || p.PageSize > MaxPageSize {
		return Pagination{}, errcode.Newf(errcode.InvalidPagination, "page_size must be between 1 and %d", MaxPageSize)
	}
	return p, nil
}

// Offset returns the number of rows to skip
func (p Pagination) Offset() int {
	return (p.Page - 1) * p.PageSize
}

// Page is one page of results
type Page[T any] struct {
	Items      []T `json:"items"`
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	TotalItems int `json:"total_items"`
	TotalPages int `json:"total_pages"`
}

// NewPage assembles a page and computes ceil(total/pageSize)
func NewPage[T any](items []T, p Pagination, total int) Page[T] {
	if items == nil {
		items = []T{}
	}
	pages := 0
	if p.PageSize > 0 {
		pages = (total + p.PageSize - 1) / p.PageSize
	}
	return Page[T]{
		Items:      items,
		Page:       p.Page,
		PageSize:   p.PageSize,
		TotalItems: total,
		TotalPages: pages,
	}
}

// Cursor is a keyset position in (timestamp, id) order
type Cursor struct {
	Timestamp time.Time
	ID        string
}

// CursorOf returns the position of e
func CursorOf(e Event) *Cursor {
	return &Cursor{Timestamp: e.timestamp, ID: e.id}
}

// after reports whether e sorts strictly after c
func (c *Cursor) after(e Event) bool {
	if c == nil {
		return true
	}
	if e.timestamp.Equal(c.Timestamp) {
		return e.id > c.ID
	}
	return e.timestamp.After(c.Timestamp)
}

// ExpiredQuery selects sweep candidates. Never-expiring events are excluded by every
// implementation regardless of Categories.
type ExpiredQuery struct {
	Now             time.Time
	Categories      []Category
	ExcludeRedacted bool
	AfterID         string
	Limit           int
}

// SweepBatch is the set of changes committed for one sweep batch
type SweepBatch struct {
	Delete []string
	Redact []Event
}

// Empty reports whether the batch has nothing to commit
func (b SweepBatch) Empty() bool {
	return len(b.Delete) == 0 && len(b.Redact) == 0
}

// Stats aggregates event counts
type Stats struct {
	TotalEvents      int64              `json:"total_events"`
	EventsByCategory map[Category]int64 `json:"events_by_category"`
	EventsByOutcome  map[Outcome]int64  `json:"events_by_outcome"`
	EventsBySeverity map[Severity]int64 `json:"events_by_severity"`
	UniqueActors     int64              `json:"unique_actors"`
	LegalHoldEvents  int64              `json:"legal_hold_events"`
	RedactedEvents   int64              `json:"redacted_events"`
	TimeRange        *TimeRange         `json:"time_range,omitempty"`
}

// TimeRange represents a time range for statistics
type TimeRange struct {
	Start *time.Time `json:"start,omitempty"`
	End   *time.Time `json:"end,omitempty"`
}

func newStats(from, to *time.Time) *Stats {
	s := &Stats{
		EventsByCategory: make(map[Category]int64),
		EventsByOutcome:  make(map[Outcome]int64),
		EventsBySeverity: make(map[Severity]int64),
	}
	if from != nil || to != nil {
		s.TimeRange = &TimeRange{Start: from, End: to}
	}
	return s
}

func containsString(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}

func containsValue[T comparable](values []T, v T) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}
