package export

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/platinummonkey/auditkeep/pkg/async"
	"github.com/platinummonkey/auditkeep/pkg/audit"
	"github.com/platinummonkey/auditkeep/pkg/download"
	"github.com/platinummonkey/auditkeep/pkg/errcode"
	"github.com/platinummonkey/auditkeep/pkg/middleware"
	"github.com/platinummonkey/auditkeep/pkg/observability"
)

// FileStore holds generated export files
type FileStore interface {
	Put(ctx context.Context, key string, body io.ReadSeeker, size int64, contentType string) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

// Config tunes the export manager
type Config struct {
	MaxRecords    int
	PageSize      int
	MaxConcurrent int64
	JobTimeout    time.Duration
	JobRecordTTL  time.Duration
	TempDir       string
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		MaxRecords:    DefaultMaxRecords,
		PageSize:      1000,
		MaxConcurrent: 4,
		JobTimeout:    15 * time.Minute,
		JobRecordTTL:  7 * 24 * time.Hour,
	}
}

// Dependencies are the collaborators of a Manager. Recorder and Alerter may be nil.
type Dependencies struct {
	Jobs     JobStore
	Events   audit.Store
	Files    FileStore
	Tokens   *download.Service
	Limiter  middleware.Limiter
	Recorder audit.EventRecorder
	Alerter  audit.IntegrityAlerter
}

// Manager runs the export job lifecycle: request, background generation, status
// and expiry
type Manager struct {
	deps    Dependencies
	cfg     Config
	logger  logrus.FieldLogger
	metrics *observability.Metrics
	tracer  trace.Tracer
	sem     *semaphore.Weighted
	now     func() time.Time

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// NewManager creates a manager
func NewManager(deps Dependencies, cfg Config, logger logrus.FieldLogger, metrics *observability.Metrics) (*Manager, error) {
	if deps.Jobs == nil || deps.Events == nil || deps.Files == nil || deps.Tokens == nil || deps.Limiter == nil {
		return nil, errors.New("export manager needs job, event and file stores, a token service and a limiter")
	}
	defaults := DefaultConfig()
	if cfg.MaxRecords <= 0 {
		cfg.MaxRecords = defaults.MaxRecords
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaults.PageSize
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaults.MaxConcurrent
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = defaults.JobTimeout
	}
	if cfg.JobRecordTTL <= 0 {
		cfg.JobRecordTTL = defaults.JobRecordTTL
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	ctx, stop := context.WithCancel(context.Background())
	return &Manager{
		deps:    deps,
		cfg:     cfg,
		logger:  logger.WithField("component", "export_manager"),
		metrics: metrics,
		tracer:  otel.Tracer("github.com/platinummonkey/auditkeep/pkg/export"),
		sem:     semaphore.NewWeighted(cfg.MaxConcurrent),
		now:     time.Now,
		baseCtx: ctx,
		stop:    stop,
		running: make(map[string]context.CancelFunc),
	}, nil
}

// RequestExport validates and accepts an export request. On success the job is
// PENDING and generation runs in the background; on any rejection no job exists.
func (m *Manager) RequestExport(ctx context.Context, actor audit.Actor, req Request) (Job, error) {
	log := observability.LoggerFromContext(ctx, m.logger).WithFields(logrus.Fields{
		"organization_id": actor.OrganizationID,
		"user_id":         actor.UserID,
	})

	if err := actor.Authorize(audit.PermissionExport); err != nil {
		return Job{}, err
	}

	now := m.now().UTC()
	format, filter, err := req.Validate(actor.OrganizationID, now)
	if err != nil {
		return Job{}, err
	}

	// Only requests that pass every other check spend a quota slot.
	count, err := m.deps.Events.Count(ctx, filter)
	if err != nil {
		return Job{}, errcode.Wrap(errcode.Internal, "failed to count matching events", err)
	}
	if count > m.cfg.MaxRecords {
		return Job{}, errcode.Newf(errcode.ExportTooLarge, "export matches %d events, the limit is %d; narrow the filter", count, m.cfg.MaxRecords)
	}

	decision, err := m.deps.Limiter.Allow(ctx, rateKey(actor))
	if err != nil {
		log.WithError(err).Warn("export rate limiter unavailable, allowing request")
	} else if !decision.Allowed {
		m.metrics.ExportThrottled()
		log.WithField("retry_after", decision.RetryAfter).Info("export request rate limited")
		return Job{}, &RateLimitError{RetryAfter: decision.RetryAfter}
	}

	job := NewJob(uuid.NewString(), actor, format, filter, now)
	if err := m.deps.Jobs.Create(ctx, job); err != nil {
		return Job{}, errcode.Wrap(errcode.Internal, "failed to create export job", err)
	}
	m.metrics.ExportState(string(format), string(StatePending))

	m.record(ctx, audit.RecordRequest{
		OrganizationID: actor.OrganizationID,
		ActorID:        actor.UserID,
		Type:           audit.EventTypeExportRequested,
		Description:    fmt.Sprintf("Requested %s export of %d audit events", format, count),
		Payload: audit.Payload{
			EntityType: "export_job",
			EntityID:   job.ID(),
			Action:     "export",
			Metadata:   map[string]interface{}{"format": string(format), "matched": count},
		},
	})

	log.WithFields(logrus.Fields{
		"job_id":  job.ID(),
		"format":  format,
		"matched": count,
	}).Info("export job accepted")

	m.launch(job)
	return job, nil
}

// GetStatus returns a job of the caller. Jobs of other users or organizations are
// reported as not found.
func (m *Manager) GetStatus(ctx context.Context, actor audit.Actor, id string) (Job, error) {
	if err := actor.Authorize(audit.PermissionExport); err != nil {
		return Job{}, err
	}

	job, err := m.deps.Jobs.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrJobNotFound) {
			return Job{}, ErrJobNotFound
		}
		return Job{}, errcode.Wrap(errcode.Internal, "failed to load export job", err)
	}
	if job.OrganizationID() != actor.OrganizationID || job.RequestedBy() != actor.UserID {
		observability.LoggerFromContext(ctx, m.logger).WithFields(logrus.Fields{
			"job_id":              id,
			"job_organization_id": job.OrganizationID(),
			"organization_id":     actor.OrganizationID,
			"user_id":             actor.UserID,
		}).Warn("export job lookup by foreign actor")
		return Job{}, ErrJobNotFound
	}
	return job, nil
}

// View renders a job for its requester. Completed jobs carry their download token,
// derived at read time from the persisted reference.
func (m *Manager) View(job Job) JobRecord {
	r := job.Record()
	if job.State() == StateCompleted {
		r.DownloadToken = m.deps.Tokens.Reveal(job.Result().DownloadRef)
	}
	return r
}

// Download resolves a download token and opens its file. The caller must close the
// reader. The token is consumed only once the file is open, so a storage failure
// leaves it usable for a retry.
func (m *Manager) Download(ctx context.Context, token string) (download.File, io.ReadCloser, error) {
	file, err := m.deps.Tokens.Lookup(ctx, token)
	if err != nil {
		return download.File{}, nil, err
	}

	body, err := m.deps.Files.Open(ctx, file.Key)
	if err != nil {
		return download.File{}, nil, errcode.Wrap(errcode.Internal, "export file is unavailable", err)
	}

	file, err = m.deps.Tokens.Resolve(ctx, token)
	if err != nil {
		body.Close() //nolint:errcheck
		return download.File{}, nil, err
	}

	m.record(ctx, audit.RecordRequest{
		OrganizationID: file.OrganizationID,
		Type:           audit.EventTypeExportDownloaded,
		Description:    "Downloaded audit export " + file.Filename,
		Payload: audit.Payload{
			EntityType: "export_job",
			EntityID:   file.JobID,
			Action:     "download",
			Metadata:   map[string]interface{}{"size": file.Size},
		},
	})
	return file, body, nil
}

func (m *Manager) launch(job Job) {
	m.wg.Add(1)
	async.SafeGo(m.baseCtx, m.cfg.JobTimeout, "export generation", m.logger, func(ctx context.Context) error {
		defer m.wg.Done()

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		m.mu.Lock()
		m.running[job.ID()] = cancel
		m.mu.Unlock()
		defer func() {
			m.mu.Lock()
			delete(m.running, job.ID())
			m.mu.Unlock()
		}()

		return m.run(ctx, job)
	})
}

// run waits for a generation slot and drives the job to COMPLETED or FAILED
func (m *Manager) run(ctx context.Context, job Job) error {
	log := m.logger.WithFields(logrus.Fields{"job_id": job.ID(), "format": job.Format()})

	if err := m.sem.Acquire(ctx, 1); err != nil {
		m.fail(job, err, log)
		return fmt.Errorf("export %s never started: %w", job.ID(), err)
	}
	defer m.sem.Release(1)

	started, err := job.Start(m.now())
	if err != nil {
		return err
	}
	if err := m.deps.Jobs.Save(ctx, started, job.State()); err != nil {
		// expired or failed by a sweep while queued
		return fmt.Errorf("failed to start export %s: %w", job.ID(), err)
	}
	m.metrics.ExportState(string(job.Format()), string(StateProcessing))

	begin := time.Now()
	result, err := m.generate(ctx, started, log)
	if err != nil {
		m.fail(started, err, log)
		return err
	}

	current, err := m.deps.Jobs.Get(ctx, started.ID())
	if err != nil {
		current = started
	}
	completed, err := current.Complete(m.now(), result)
	if err == nil {
		err = m.deps.Jobs.Save(ctx, completed, current.State())
	}
	if err != nil {
		m.discard(result)
		return fmt.Errorf("failed to complete export %s: %w", job.ID(), err)
	}

	m.metrics.ExportState(string(job.Format()), string(StateCompleted))
	m.metrics.ExportGenerated(string(job.Format()), result.RecordCount, time.Since(begin))
	log.WithFields(logrus.Fields{
		"records":     result.RecordCount,
		"bytes":       result.FileSize,
		"duration_ms": time.Since(begin).Milliseconds(),
	}).Info("export job completed")
	return nil
}

// generate streams the job's events into a temporary file, stores it and mints a
// download token
func (m *Manager) generate(ctx context.Context, job Job, log logrus.FieldLogger) (result Result, err error) {
	ctx, span := m.tracer.Start(ctx, "export.generate", trace.WithAttributes(
		attribute.String("export.job_id", job.ID()),
		attribute.String("export.format", string(job.Format())),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	tmp, err := os.CreateTemp(m.cfg.TempDir, "audit-export-*")
	if err != nil {
		return Result{}, fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	total, err := m.deps.Events.Count(ctx, job.Filter())
	if err != nil {
		return Result{}, fmt.Errorf("failed to count events: %w", err)
	}

	w, err := NewRowWriter(job.Format(), tmp, Meta{
		JobID:          job.ID(),
		OrganizationID: job.OrganizationID(),
		RequestedBy:    job.RequestedBy(),
		GeneratedAt:    m.now().UTC(),
		Filter:         filterRecord(job.Filter()),
		Details:        job.IncludesDetails(),
	})
	if err != nil {
		return Result{}, err
	}

	written := 0
	var cursor *audit.Cursor
	for {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		page, err := m.deps.Events.Scan(ctx, job.Filter(), cursor, m.cfg.PageSize)
		if err != nil {
			return Result{}, fmt.Errorf("failed to read events: %w", err)
		}
		for _, e := range page {
			if written >= m.cfg.MaxRecords {
				return Result{}, errcode.Newf(errcode.ExportTooLarge, "export grew past %d events while generating", m.cfg.MaxRecords)
			}
			if err := w.Write(m.view(ctx, e, job.IncludesDetails())); err != nil {
				return Result{}, fmt.Errorf("failed to write event: %w", err)
			}
			written++
		}
		if len(page) > 0 {
			cursor = audit.CursorOf(page[len(page)-1])
			m.progress(ctx, job.ID(), written, total, log)
		}
		if len(page) < m.cfg.PageSize {
			break
		}
	}
	if err := w.Close(); err != nil {
		return Result{}, fmt.Errorf("failed to finish export file: %w", err)
	}

	info, err := tmp.Stat()
	if err != nil {
		return Result{}, fmt.Errorf("failed to stat export file: %w", err)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return Result{}, fmt.Errorf("failed to rewind export file: %w", err)
	}

	key := fileKey(job)
	if err := m.deps.Files.Put(ctx, key, tmp, info.Size(), job.Format().ContentType()); err != nil {
		return Result{}, fmt.Errorf("failed to store export file: %w", err)
	}

	token, err := m.deps.Tokens.Issue(ctx, download.File{
		JobID:          job.ID(),
		OrganizationID: job.OrganizationID(),
		Key:            key,
		Filename:       job.Filename(),
		ContentType:    job.Format().ContentType(),
		Size:           info.Size(),
	})
	if err != nil {
		m.deleteFile(key)
		return Result{}, err
	}

	span.SetAttributes(attribute.Int("export.records", written), attribute.Int64("export.bytes", info.Size()))
	return Result{
		RecordCount: written,
		FileSize:    info.Size(),
		FileKey:     key,
		DownloadRef: token.Ref,
		ExpiresAt:   token.ExpiresAt,
	}, nil
}

func (m *Manager) view(ctx context.Context, e audit.Event, details bool) audit.EntryView {
	verified := audit.Verify(e)
	if !verified && m.deps.Alerter != nil {
		m.deps.Alerter.Alert(ctx, e)
	}
	if details {
		return audit.FullView(e, verified)
	}
	return audit.RedactedView(e, verified, audit.RedactionMarker)
}

func (m *Manager) progress(ctx context.Context, id string, written, total int, log logrus.FieldLogger) {
	if total <= 0 {
		return
	}
	percent := written * 100 / total
	if percent > 99 {
		percent = 99
	}
	job, err := m.deps.Jobs.Get(ctx, id)
	if err != nil {
		return
	}
	updated, err := job.WithProgress(percent, m.now())
	if err != nil {
		return
	}
	if err := m.deps.Jobs.Save(ctx, updated, job.State()); err != nil {
		log.WithError(err).Debug("failed to save export progress")
	}
}

// fail moves a job to FAILED with a message fit for the requester. The raw cause
// is logged only.
func (m *Manager) fail(job Job, cause error, log logrus.FieldLogger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	current, err := m.deps.Jobs.Get(ctx, job.ID())
	if err != nil {
		current = job
	}
	if current.State().Terminal() {
		log.WithError(cause).WithField("state", current.State()).Debug("export job already closed")
		return
	}
	failed, err := current.Fail(m.now(), publicMessage(cause))
	if err != nil {
		log.WithError(cause).Error("export job failed after leaving an active state")
		return
	}
	if err := m.deps.Jobs.Save(ctx, failed, current.State()); err != nil {
		log.WithError(err).Error("failed to record export failure")
	}
	m.metrics.ExportState(string(job.Format()), string(StateFailed))
	log.WithError(cause).Warn("export job failed")
}

func publicMessage(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "export timed out"
	case errors.Is(err, context.Canceled):
		return "export was cancelled"
	case errcode.CodeOf(err) != errcode.Internal:
		return errcode.MessageOf(err)
	}
	return "export generation failed"
}

func (m *Manager) discard(result Result) {
	if result.DownloadRef != "" {
		if err := m.deps.Tokens.Revoke(context.Background(), result.DownloadRef); err != nil {
			m.logger.WithError(err).Warn("failed to revoke download token")
		}
	}
	m.deleteFile(result.FileKey)
}

func (m *Manager) deleteFile(key string) {
	if key == "" {
		return
	}
	if err := m.deps.Files.Delete(context.Background(), key); err != nil {
		m.logger.WithError(err).WithField("key", key).Warn("failed to delete export file")
	}
}

func (m *Manager) record(ctx context.Context, req audit.RecordRequest) {
	if m.deps.Recorder == nil {
		return
	}
	if _, err := m.deps.Recorder.Record(ctx, req); err != nil {
		m.logger.WithError(err).WithField("type", req.Type).Warn("failed to record export audit event")
	}
}

// Close stops accepting background work, cancels running jobs and waits for them
func (m *Manager) Close(ctx context.Context) error {
	m.stop()
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("export jobs did not stop: %w", ctx.Err())
	}
}

func rateKey(actor audit.Actor) string {
	return "export:" + actor.OrganizationID + ":" + actor.UserID
}

func fileKey(job Job) string {
	return fmt.Sprintf("exports/%s/%s.%s", job.OrganizationID(), job.ID(), job.Format().Extension())
}
