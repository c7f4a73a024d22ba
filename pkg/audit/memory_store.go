package audit

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used by tests and single-node development setups
type MemoryStore struct {
	mu     sync.RWMutex
	events map[string]Event
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{events: make(map[string]Event)}
}

// Append stores a new event
func (s *MemoryStore) Append(ctx context.Context, event Event) error {
	if event.IsZero() {
		return ErrInvalidEvent
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.events[event.id]; exists {
		return fmt.Errorf("event %s: %w", event.id, ErrDuplicateEvent)
	}
	s.events[event.id] = event.copy()
	return nil
}

// Get returns the event if it belongs to the organization
func (s *MemoryStore) Get(ctx context.Context, organizationID, id string) (Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.events[id]
	if !ok || e.organizationID != organizationID {
		return Event{}, ErrEventNotFound
	}
	return e.copy(), nil
}

// Search filters, sorts and pages in memory
func (s *MemoryStore) Search(ctx context.Context, filter Filter, page Pagination, order Sort) ([]Event, int, error) {
	matched := s.matching(filter)
	sortEvents(matched, order)

	total := len(matched)
	start := page.Offset()
	if start >= total {
		return []Event{}, total, nil
	}
	end := start + page.PageSize
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

// Count returns the number of matching events
func (s *MemoryStore) Count(ctx context.Context, filter Filter) (int, error) {
	return len(s.matching(filter)), nil
}

// Scan returns up to limit events after the cursor in (timestamp, id) order
func (s *MemoryStore) Scan(ctx context.Context, filter Filter, after *Cursor, limit int) ([]Event, error) {
	matched := s.matching(filter)
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].timestamp.Equal(matched[j].timestamp) {
			return matched[i].id < matched[j].id
		}
		return matched[i].timestamp.Before(matched[j].timestamp)
	})

	out := make([]Event, 0, limit)
	for _, e := range matched {
		if !after.after(e) {
			continue
		}
		out = append(out, e)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// Update replaces the mutable shell of existing events
func (s *MemoryStore) Update(ctx context.Context, events []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range events {
		if _, ok := s.events[e.id]; !ok {
			return fmt.Errorf("update %s: %w", e.id, ErrEventNotFound)
		}
	}
	for _, e := range events {
		s.events[e.id] = mergeMutable(s.events[e.id], e)
	}
	return nil
}

// Stats aggregates counts for an organization
func (s *MemoryStore) Stats(ctx context.Context, organizationID string, from, to *time.Time) (*Stats, error) {
	stats := newStats(from, to)
	actors := make(map[string]struct{})
	for _, e := range s.matching(Filter{OrganizationID: organizationID, From: from, To: to}) {
		stats.TotalEvents++
		stats.EventsByCategory[e.category]++
		stats.EventsByOutcome[e.outcome]++
		stats.EventsBySeverity[e.severity]++
		if e.actorID != "" {
			actors[e.actorID] = struct{}{}
		}
		if e.retention.IsNever() {
			stats.LegalHoldEvents++
		}
		if e.redacted {
			stats.RedactedEvents++
		}
	}
	stats.UniqueActors = int64(len(actors))
	return stats, nil
}

// ExpiredBatch selects expired events ordered by id
func (s *MemoryStore) ExpiredBatch(ctx context.Context, query ExpiredQuery) ([]Event, error) {
	s.mu.RLock()
	out := make([]Event, 0)
	for _, e := range s.events {
		if e.retention.IsNever() || !e.retention.ExpiredAt(query.Now) {
			continue
		}
		if !containsValue(query.Categories, e.category) {
			continue
		}
		if query.ExcludeRedacted && e.redacted {
			continue
		}
		if e.id <= query.AfterID {
			continue
		}
		out = append(out, e.copy())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	if query.Limit > 0 && len(out) > query.Limit {
		out = out[:query.Limit]
	}
	return out, nil
}

// CommitSweep applies deletions and redactions under one lock
func (s *MemoryStore) CommitSweep(ctx context.Context, batch SweepBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range batch.Delete {
		if e, ok := s.events[id]; ok && e.retention.IsNever() {
			return fmt.Errorf("refusing to delete legal hold event %s", id)
		}
	}
	for _, id := range batch.Delete {
		delete(s.events, id)
	}
	for _, e := range batch.Redact {
		if current, ok := s.events[e.id]; ok {
			s.events[e.id] = mergeMutable(current, e)
		}
	}
	return nil
}

// Len returns the number of stored events
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

func (s *MemoryStore) matching(filter Filter) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Event, 0)
	for _, e := range s.events {
		if filter.Matches(e) {
			out = append(out, e.copy())
		}
	}
	return out
}

// mergeMutable keeps the hashed fields of stored and takes only the redactable shell
// from updated
func mergeMutable(stored, updated Event) Event {
	out := stored.copy()
	out.security = updated.security
	out.payload.BeforeState = cloneMap(updated.payload.BeforeState)
	out.payload.AfterState = cloneMap(updated.payload.AfterState)
	out.complianceTags = updated.ComplianceTags()
	out.redacted = updated.redacted
	out.redactedAt = updated.redactedAt
	return out
}

func sortEvents(events []Event, order Sort) {
	less := func(a, b Event) int {
		switch order.Field {
		case SortBySeverity:
			return a.severity.Rank() - b.severity.Rank()
		case SortByCategory:
			return compareStrings(string(a.category), string(b.category))
		case SortByType:
			return compareStrings(string(a.eventType), string(b.eventType))
		default:
			return a.timestamp.Compare(b.timestamp)
		}
	}
	sort.SliceStable(events, func(i, j int) bool {
		c := less(events[i], events[j])
		if c == 0 {
			return events[i].id < events[j].id
		}
		if order.Order == SortAsc {
			return c < 0
		}
		return c > 0
	})
}

func compareStrings(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
