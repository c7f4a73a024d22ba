package audit

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/auditkeep/pkg/errcode"
)

// gatedStore blocks every Append until release is closed
type gatedStore struct {
	*MemoryStore
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedStore() *gatedStore {
	return &gatedStore{
		MemoryStore: NewMemoryStore(),
		started:     make(chan struct{}),
		release:     make(chan struct{}),
	}
}

func (s *gatedStore) Append(ctx context.Context, e Event) error {
	s.once.Do(func() { close(s.started) })
	<-s.release
	return s.MemoryStore.Append(ctx, e)
}

func TestBuildEvent_Validation(t *testing.T) {
	tests := []struct {
		name string
		req  RecordRequest
	}{
		{"missing organization", RecordRequest{Type: EventTypeLogin, Description: "x"}},
		{"missing description", RecordRequest{OrganizationID: "org", Type: EventTypeLogin}},
		{"unknown type", RecordRequest{OrganizationID: "org", Type: "TELEPORT", Description: "x"}},
		{"unknown severity", RecordRequest{OrganizationID: "org", Type: EventTypeLogin, Description: "x", Severity: "LOUD"}},
		{"unknown outcome", RecordRequest{OrganizationID: "org", Type: EventTypeLogin, Description: "x", Outcome: "MAYBE"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BuildEvent(tt.req, testTime, yearPolicy())
			require.Error(t, err)
			assert.Equal(t, errcode.ValidationFailed, errcode.CodeOf(err))
		})
	}
}

func TestBuildEvent_DerivedFields(t *testing.T) {
	e := mustBuild(t, loginRequest("org-1", "user-1"), testTime)

	assert.NotEmpty(t, e.ID())
	assert.Equal(t, CategoryAuthentication, e.Category())
	assert.Equal(t, SeverityInfo, e.Severity())
	assert.Equal(t, OutcomeSuccess, e.Outcome())

	until, ok := e.RetentionUntil().Time()
	require.True(t, ok)
	assert.Equal(t, e.Timestamp().Add(365*24*time.Hour), until)

	held := mustBuild(t, RecordRequest{OrganizationID: "org-1", Type: EventTypeSecurityBreach, Description: "breach"}, testTime)
	assert.True(t, held.RetentionUntil().IsNever())
	assert.Equal(t, SeverityCritical, held.Severity())
}

func TestRecorder_SynchronousWrite(t *testing.T) {
	store := NewMemoryStore()
	r := NewRecorder(store, yearPolicy(), RecorderConfig{Workers: 0}, nil, nil)

	id, err := r.Record(context.Background(), loginRequest("org-1", "user-1"))
	require.NoError(t, err)

	e, err := store.Get(context.Background(), "org-1", id)
	require.NoError(t, err)
	assert.True(t, Verify(e))
}

func TestRecorder_AsyncDrainOnClose(t *testing.T) {
	store := NewMemoryStore()
	r := NewRecorder(store, yearPolicy(), RecorderConfig{QueueSize: 100, Workers: 4, EnqueueTimeout: time.Second}, nil, nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Record(context.Background(), loginRequest("org-1", "user-1"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Close(ctx))
	assert.Equal(t, 50, store.Len())

	_, err := r.Record(context.Background(), loginRequest("org-1", "user-1"))
	assert.True(t, errors.Is(err, ErrRecorderClosed))
	assert.NoError(t, r.Close(ctx))
}

// fillQueue occupies the single worker and the single queue slot
func fillQueue(t *testing.T, overflow OverflowPolicy) (*Recorder, *gatedStore) {
	t.Helper()
	store := newGatedStore()
	r := NewRecorder(store, yearPolicy(), RecorderConfig{
		QueueSize:      1,
		Workers:        1,
		Overflow:       overflow,
		EnqueueTimeout: 50 * time.Millisecond,
	}, nil, nil)

	_, err := r.Record(context.Background(), loginRequest("org-1", "first"))
	require.NoError(t, err)
	<-store.started

	_, err = r.Record(context.Background(), loginRequest("org-1", "second"))
	require.NoError(t, err)
	return r, store
}

func TestRecorder_OverflowReject(t *testing.T) {
	r, store := fillQueue(t, OverflowReject)

	_, err := r.Record(context.Background(), loginRequest("org-1", "third"))
	assert.True(t, errors.Is(err, ErrQueueFull))
	assert.Equal(t, errcode.RecorderOverloaded, errcode.CodeOf(err))

	close(store.release)
	require.NoError(t, r.Close(context.Background()))
	assert.Equal(t, 2, store.Len())
}

func TestRecorder_OverflowBlockTimesOut(t *testing.T) {
	r, store := fillQueue(t, OverflowBlock)

	start := time.Now()
	_, err := r.Record(context.Background(), loginRequest("org-1", "third"))
	assert.True(t, errors.Is(err, ErrQueueFull))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	close(store.release)
	require.NoError(t, r.Close(context.Background()))
}

func TestRecorder_OverflowBlockHonoursContext(t *testing.T) {
	r, store := fillQueue(t, OverflowBlock)
	r.cfg.EnqueueTimeout = time.Minute

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Record(ctx, loginRequest("org-1", "third"))
	assert.ErrorIs(t, err, context.Canceled)

	close(store.release)
	require.NoError(t, r.Close(context.Background()))
}

func TestRecorder_OverflowDropOldest(t *testing.T) {
	r, store := fillQueue(t, OverflowDropOldest)

	id, err := r.Record(context.Background(), loginRequest("org-1", "third"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), r.Dropped())

	close(store.release)
	require.NoError(t, r.Close(context.Background()))

	// first (in flight) and third survive, second was evicted
	assert.Equal(t, 2, store.Len())
	_, err = store.Get(context.Background(), "org-1", id)
	assert.NoError(t, err)
	n, err := store.Count(context.Background(), Filter{OrganizationID: "org-1", ActorID: "second"})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestParseOverflowPolicy(t *testing.T) {
	p, err := ParseOverflowPolicy("")
	require.NoError(t, err)
	assert.Equal(t, OverflowBlock, p)

	p, err = ParseOverflowPolicy("drop_oldest")
	require.NoError(t, err)
	assert.Equal(t, OverflowDropOldest, p)

	_, err = ParseOverflowPolicy("spill")
	assert.Error(t, err)
}

// flakyStore fails the first failures appends, then delegates
type flakyStore struct {
	*MemoryStore
	mu       sync.Mutex
	failures int
	calls    int
}

func (s *flakyStore) Append(ctx context.Context, e Event) error {
	s.mu.Lock()
	s.calls++
	fail := s.calls <= s.failures
	s.mu.Unlock()
	if fail {
		return errors.New("connection reset by peer")
	}
	return s.MemoryStore.Append(ctx, e)
}

func asyncConfig() RecorderConfig {
	return RecorderConfig{
		QueueSize:      10,
		Workers:        1,
		EnqueueTimeout: time.Second,
		WriteTimeout:   200 * time.Millisecond,
		RetryInterval:  time.Millisecond,
	}
}

func closeWithin(t *testing.T, r *Recorder, d time.Duration) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return r.Close(ctx)
}

func TestRecorder_AsyncRetriesTransientFailures(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore(), failures: 3}
	r := NewRecorder(store, yearPolicy(), asyncConfig(), nil, nil)

	id, err := r.Record(context.Background(), loginRequest("org-1", "user-1"))
	require.NoError(t, err)
	require.NoError(t, closeWithin(t, r, 5*time.Second))

	e, err := store.Get(context.Background(), "org-1", id)
	require.NoError(t, err)
	assert.True(t, Verify(e))
	assert.Equal(t, 4, store.calls)
	assert.Zero(t, r.Lost())
}

func TestRecorder_AsyncHoldsEventUntilStoreRecovers(t *testing.T) {
	// Several write rounds fail before the store comes back
	store := &flakyStore{MemoryStore: NewMemoryStore(), failures: 1 << 30}
	r := NewRecorder(store, yearPolicy(), asyncConfig(), nil, nil)

	id, err := r.Record(context.Background(), loginRequest("org-1", "user-1"))
	require.NoError(t, err)

	time.Sleep(500 * time.Millisecond)
	store.mu.Lock()
	store.failures = 0
	store.mu.Unlock()

	require.NoError(t, closeWithin(t, r, 5*time.Second))
	_, err = store.Get(context.Background(), "org-1", id)
	assert.NoError(t, err)
	assert.Zero(t, r.Lost())
}

func TestRecorder_AsyncSpillsWhenStoreStaysDown(t *testing.T) {
	spill, err := OpenFileSpill(filepath.Join(t.TempDir(), "spill", "events.ndjson"))
	require.NoError(t, err)
	defer spill.Close()

	down := &flakyStore{MemoryStore: NewMemoryStore(), failures: 1 << 30}
	r := NewRecorder(down, yearPolicy(), asyncConfig(), nil, nil, WithSpill(spill))

	id, err := r.Record(context.Background(), loginRequest("org-1", "user-1"))
	require.NoError(t, err)
	require.NoError(t, closeWithin(t, r, 5*time.Second))
	assert.Zero(t, r.Lost())
	assert.Equal(t, 0, down.Len())

	recovered := NewMemoryStore()
	n, err := spill.Replay(context.Background(), recovered)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	e, err := recovered.Get(context.Background(), "org-1", id)
	require.NoError(t, err)
	assert.True(t, Verify(e), "the digest survives the spill")

	n, err = spill.Replay(context.Background(), recovered)
	require.NoError(t, err)
	assert.Zero(t, n, "replay empties the spill")
}

func TestRecorder_AsyncReportsLostEventsAtShutdown(t *testing.T) {
	down := &flakyStore{MemoryStore: NewMemoryStore(), failures: 1 << 30}
	r := NewRecorder(down, yearPolicy(), asyncConfig(), nil, nil)

	_, err := r.Record(context.Background(), loginRequest("org-1", "user-1"))
	require.NoError(t, err)

	err = closeWithin(t, r, 300*time.Millisecond)
	assert.ErrorContains(t, err, "did not drain")
	assert.Equal(t, int64(1), r.Lost())
}

func TestRecorder_DuplicateAfterRetryCountsAsStored(t *testing.T) {
	store := NewMemoryStore()
	r := NewRecorder(store, yearPolicy(), asyncConfig(), nil, nil)
	e := mustBuild(t, loginRequest("org-1", "user-1"), testTime)
	require.NoError(t, store.Append(context.Background(), e))

	assert.NoError(t, r.appendWithRetry(e))
	require.NoError(t, closeWithin(t, r, time.Second))
}
