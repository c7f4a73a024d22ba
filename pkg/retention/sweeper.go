package retention

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/auditkeep/pkg/async"
	"github.com/platinummonkey/auditkeep/pkg/audit"
	"github.com/platinummonkey/auditkeep/pkg/observability"
)

// Store is the part of audit.Store the sweeper needs
type Store interface {
	ExpiredBatch(ctx context.Context, q audit.ExpiredQuery) ([]audit.Event, error)
	CommitSweep(ctx context.Context, batch audit.SweepBatch) error
}

// Archiver copies an event to cold storage. The sweeper deletes the event only
// after Archive returns nil.
type Archiver interface {
	Archive(ctx context.Context, e audit.Event) error
}

// SweeperConfig bounds the work of one run
type SweeperConfig struct {
	BatchSize          int
	ArchiveConcurrency int
	ArchiveTimeout     time.Duration
}

// DefaultSweeperConfig returns production defaults
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		BatchSize:          500,
		ArchiveConcurrency: 8,
		ArchiveTimeout:     30 * time.Second,
	}
}

const maxReportErrors = 100

// Report summarizes one sweep run
type Report struct {
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Scanned    int       `json:"scanned"`
	Deleted    int       `json:"deleted"`
	Archived   int       `json:"archived"`
	Redacted   int       `json:"redacted"`
	Skipped    int       `json:"skipped"`
	Failed     int       `json:"failed"`
	Errors     []string  `json:"errors,omitempty"`
}

func (r *Report) fail(n int, err error) {
	r.Failed += n
	if len(r.Errors) < maxReportErrors {
		r.Errors = append(r.Errors, err.Error())
	}
}

// Sweeper applies the retention policy to expired events
type Sweeper struct {
	store    Store
	policy   *Policy
	archiver Archiver
	redactor *audit.Redactor
	cfg      SweeperConfig
	logger   logrus.FieldLogger
	metrics  *observability.Metrics
}

// NewSweeper creates a sweeper. An archiver is required when any category is
// swept with ARCHIVE.
func NewSweeper(store Store, policy *Policy, archiver Archiver, cfg SweeperConfig, logger logrus.FieldLogger, metrics *observability.Metrics) (*Sweeper, error) {
	if store == nil || policy == nil {
		return nil, errors.New("retention sweeper needs a store and a policy")
	}
	if archiver == nil && len(policy.CategoriesFor(ActionArchive)) > 0 {
		return nil, errors.New("retention policy archives events but no archiver is configured")
	}
	defaults := DefaultSweeperConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}
	if cfg.ArchiveConcurrency <= 0 {
		cfg.ArchiveConcurrency = defaults.ArchiveConcurrency
	}
	if cfg.ArchiveTimeout <= 0 {
		cfg.ArchiveTimeout = defaults.ArchiveTimeout
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &Sweeper{
		store:    store,
		policy:   policy,
		archiver: archiver,
		redactor: audit.NewRedactor(audit.RedactionMarker),
		cfg:      cfg,
		logger:   logger.WithField("component", "retention_sweeper"),
		metrics:  metrics,
	}, nil
}

// Run sweeps everything expired as of now
func (s *Sweeper) Run(ctx context.Context) (Report, error) {
	return s.RunAt(ctx, time.Now().UTC())
}

// RunAt sweeps everything expired as of now. Per-event failures are counted in the
// report and do not stop the run; a failing selection query or a cancelled context
// does.
func (s *Sweeper) RunAt(ctx context.Context, now time.Time) (Report, error) {
	report := Report{StartedAt: time.Now().UTC()}
	s.logger.WithField("as_of", now).Info("retention sweep started")

	var runErr error
	for _, action := range Actions() {
		if err := s.sweepAction(ctx, now, action, &report); err != nil {
			runErr = err
			break
		}
	}

	report.FinishedAt = time.Now().UTC()
	duration := report.FinishedAt.Sub(report.StartedAt)

	status := "success"
	switch {
	case runErr != nil:
		status = "error"
	case report.Failed > 0:
		status = "partial"
	}
	s.metrics.SweepRun(status, duration)

	entry := s.logger.WithFields(logrus.Fields{
		"scanned":     report.Scanned,
		"deleted":     report.Deleted,
		"archived":    report.Archived,
		"redacted":    report.Redacted,
		"skipped":     report.Skipped,
		"failed":      report.Failed,
		"duration_ms": duration.Milliseconds(),
	})
	if runErr != nil {
		entry.WithError(runErr).Error("retention sweep aborted")
	} else {
		entry.Info("retention sweep finished")
	}
	return report, runErr
}

// sweepAction walks every expired event of the categories swept with action, in
// id order, one committed batch at a time
func (s *Sweeper) sweepAction(ctx context.Context, now time.Time, action SweepAction, report *Report) error {
	categories := s.policy.CategoriesFor(action)
	if len(categories) == 0 {
		return nil
	}

	afterID := ""
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		events, err := s.store.ExpiredBatch(ctx, audit.ExpiredQuery{
			Now:             now,
			Categories:      categories,
			ExcludeRedacted: action == ActionRedactPII,
			AfterID:         afterID,
			Limit:           s.cfg.BatchSize,
		})
		if err != nil {
			return fmt.Errorf("failed to select expired %s events: %w", action, err)
		}
		if len(events) == 0 {
			return nil
		}
		afterID = events[len(events)-1].ID()
		report.Scanned += len(events)

		s.processBatch(ctx, now, action, events, report)

		if len(events) < s.cfg.BatchSize {
			return nil
		}
	}
}

func (s *Sweeper) processBatch(ctx context.Context, now time.Time, action SweepAction, events []audit.Event, report *Report) {
	eligible := make([]audit.Event, 0, len(events))
	for _, e := range events {
		if s.eligible(e, now, action) {
			eligible = append(eligible, e)
		} else {
			report.Skipped++
		}
	}
	s.metrics.SweepEvents(string(action), "skipped", len(events)-len(eligible))
	if len(eligible) == 0 {
		return
	}

	var batch audit.SweepBatch
	switch action {
	case ActionDelete:
		for _, e := range eligible {
			batch.Delete = append(batch.Delete, e.ID())
		}
	case ActionRedactPII:
		for _, e := range eligible {
			batch.Redact = append(batch.Redact, s.redactor.RedactPII(e))
		}
	case ActionArchive:
		errs := async.Batch(ctx, eligible, s.cfg.ArchiveConcurrency, s.cfg.ArchiveTimeout, s.archiver.Archive)
		for i, err := range errs {
			if err != nil {
				report.fail(1, fmt.Errorf("archive %s: %w", eligible[i].ID(), err))
				s.logger.WithError(err).WithField("event_id", eligible[i].ID()).Warn("failed to archive audit event")
				continue
			}
			batch.Delete = append(batch.Delete, eligible[i].ID())
		}
		s.metrics.SweepEvents(string(action), "failed", len(eligible)-len(batch.Delete))
	}

	if batch.Empty() {
		return
	}
	n := len(batch.Delete) + len(batch.Redact)
	if err := s.store.CommitSweep(ctx, batch); err != nil {
		report.fail(n, fmt.Errorf("commit %s batch: %w", action, err))
		s.metrics.SweepEvents(string(action), "failed", n)
		s.logger.WithError(err).WithFields(logrus.Fields{
			"action": action,
			"events": n,
		}).Error("failed to commit retention batch")
		return
	}

	switch action {
	case ActionDelete:
		report.Deleted += n
	case ActionArchive:
		report.Archived += n
	case ActionRedactPII:
		report.Redacted += n
	}
	s.metrics.SweepEvents(string(action), "success", n)
}

// eligible re-checks a selected event against the policy before acting on it
func (s *Sweeper) eligible(e audit.Event, now time.Time, action SweepAction) bool {
	rule := s.policy.RuleFor(e.Category())
	if rule.Period == LegalHold || rule.Action != action {
		return false
	}
	if e.RetentionUntil().IsNever() || !e.RetentionUntil().ExpiredAt(now) {
		return false
	}
	if action == ActionRedactPII && e.Redacted() {
		return false
	}
	return true
}
