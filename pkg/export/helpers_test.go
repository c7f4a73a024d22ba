package export

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/auditkeep/pkg/audit"
	"github.com/platinummonkey/auditkeep/pkg/download"
	"github.com/platinummonkey/auditkeep/pkg/middleware"
	"github.com/platinummonkey/auditkeep/pkg/observability"
	"github.com/platinummonkey/auditkeep/pkg/retention"
)

// memFiles is an in-memory FileStore
type memFiles struct {
	mu       sync.Mutex
	files    map[string][]byte
	openErrs []error
}

func newMemFiles() *memFiles {
	return &memFiles{files: map[string][]byte{}}
}

func (f *memFiles) Put(_ context.Context, key string, body io.ReadSeeker, _ int64, _ string) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[key] = data
	return nil
}

func (f *memFiles) Open(_ context.Context, key string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.openErrs) > 0 {
		err := f.openErrs[0]
		f.openErrs = f.openErrs[1:]
		return nil, err
	}
	data, ok := f.files[key]
	if !ok {
		return nil, errors.New("no such file")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *memFiles) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.files, key)
	return nil
}

// failOpens makes the next len(errs) Open calls fail in order
func (f *memFiles) failOpens(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openErrs = append(f.openErrs, errs...)
}

func (f *memFiles) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.files)
}

type recorderSpy struct {
	mu    sync.Mutex
	types []audit.EventType
}

func (r *recorderSpy) Record(_ context.Context, req audit.RecordRequest) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types = append(r.types, req.Type)
	return "evt", nil
}

func (r *recorderSpy) recorded() []audit.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]audit.EventType(nil), r.types...)
}

type fixture struct {
	events   *audit.MemoryStore
	jobs     *MemoryJobStore
	files    *memFiles
	tokens   *download.Service
	recorder *recorderSpy
	manager  *Manager
}

func newFixture(t *testing.T, cfg Config, limiter middleware.Limiter) *fixture {
	t.Helper()
	if limiter == nil {
		limiter = middleware.NewRateLimiter(middleware.ExportRateLimitConfig())
	}
	f := &fixture{
		events:   audit.NewMemoryStore(),
		jobs:     NewMemoryJobStore(),
		files:    newMemFiles(),
		recorder: &recorderSpy{},
	}
	f.tokens = download.NewService(download.NewMemoryStore(100, 0), download.Config{}, observability.NopLogger(), nil)
	if cfg.TempDir == "" {
		cfg.TempDir = t.TempDir()
	}

	m, err := NewManager(Dependencies{
		Jobs:     f.jobs,
		Events:   f.events,
		Files:    f.files,
		Tokens:   f.tokens,
		Limiter:  limiter,
		Recorder: f.recorder,
	}, cfg, observability.NopLogger(), nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		m.Close(ctx) //nolint:errcheck
	})
	f.manager = m
	return f
}

// seed appends n events for org within the last day
func (f *fixture) seed(t *testing.T, org string, n int) {
	t.Helper()
	base := time.Now().UTC().Add(-24 * time.Hour)
	for i := 0; i < n; i++ {
		e, err := audit.BuildEvent(audit.RecordRequest{
			OrganizationID: org,
			ActorID:        "user-7",
			Type:           audit.EventTypeSettingsChanged,
			Description:    "Changed notification settings",
			Payload:        audit.Payload{EntityType: "settings", EntityID: "notifications", Action: "update"},
			Security:       audit.SecurityContext{IPAddress: "198.51.100.4"},
		}, base.Add(time.Duration(i)*time.Minute), retention.DefaultPolicy())
		require.NoError(t, err)
		require.NoError(t, f.events.Append(context.Background(), e))
	}
}

func (f *fixture) jobCount() int {
	jobs, _ := f.jobs.List(context.Background(), []State{StatePending, StateProcessing, StateCompleted, StateFailed, StateExpired}, time.Now().Add(time.Hour))
	return len(jobs)
}

func exporter(org string, perms ...audit.Permission) audit.Actor {
	if len(perms) == 0 {
		perms = []audit.Permission{audit.PermissionExport}
	}
	return audit.Actor{UserID: "auditor-1", OrganizationID: org, Permissions: perms}
}

func waitForState(t *testing.T, m *Manager, actor audit.Actor, id string, want State) Job {
	t.Helper()
	var job Job
	require.Eventually(t, func() bool {
		var err error
		job, err = m.GetStatus(context.Background(), actor, id)
		return err == nil && job.State() == want
	}, 5*time.Second, 10*time.Millisecond, "job never reached %s", want)
	return job
}
