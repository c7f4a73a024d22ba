package audit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fixedPolicy keeps every event for a fixed period, except categories listed as held
type fixedPolicy struct {
	period time.Duration
	held   map[Category]bool
}

func (p fixedPolicy) ExpiryOf(category Category, createdAt time.Time) RetentionUntil {
	if p.held[category] {
		return Never()
	}
	return Until(createdAt.Add(p.period))
}

func yearPolicy() fixedPolicy {
	return fixedPolicy{period: 365 * 24 * time.Hour, held: map[Category]bool{CategorySecurity: true}}
}

func loginRequest(org, actor string) RecordRequest {
	return RecordRequest{
		OrganizationID: org,
		ActorID:        actor,
		SessionID:      "sess-1",
		Type:           EventTypeLogin,
		Description:    "User signed in",
		Payload: Payload{
			EntityType:  "user",
			EntityID:    actor,
			Action:      "login",
			BeforeState: map[string]interface{}{"status": "offline"},
			AfterState:  map[string]interface{}{"status": "online"},
			Metadata:    map[string]interface{}{"method": "password", "attempt": 1},
		},
		Security: SecurityContext{IPAddress: "203.0.113.7", UserAgent: "Mozilla/5.0"},
	}
}

func mustBuild(t *testing.T, req RecordRequest, at time.Time) Event {
	t.Helper()
	e, err := BuildEvent(req, at, yearPolicy())
	require.NoError(t, err)
	return e
}

// seed appends n login events for org, one second apart starting at base
func seed(t *testing.T, store *MemoryStore, org string, n int, base time.Time) []Event {
	t.Helper()
	events := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		e := mustBuild(t, loginRequest(org, "user-1"), base.Add(time.Duration(i)*time.Second))
		require.NoError(t, store.Append(context.Background(), e))
		events = append(events, e)
	}
	return events
}

func readActor(org string, perms ...Permission) Actor {
	return Actor{UserID: "auditor", OrganizationID: org, Permissions: perms}
}

// captureRecorder collects recorded requests
type captureRecorder struct {
	mu       sync.Mutex
	requests []RecordRequest
}

func (c *captureRecorder) Record(_ context.Context, req RecordRequest) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	return "rec-" + string(req.Type), nil
}

func (c *captureRecorder) recorded() []RecordRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]RecordRequest(nil), c.requests...)
}

type alertSpy struct {
	mu  sync.Mutex
	ids []string
}

func (a *alertSpy) Alert(_ context.Context, e Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ids = append(a.ids, e.ID())
}

func (a *alertSpy) alerted() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.ids...)
}

// tamper overwrites a stored event as-is, bypassing the mutable-shell rule
func (s *MemoryStore) tamper(id string, fn func(r *Record)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.events[id]
	if !ok {
		return
	}
	r := e.Record()
	fn(&r)
	s.events[id] = Rehydrate(r)
}
