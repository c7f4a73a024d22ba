package export

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// SweepResult counts what one Sweep changed
type SweepResult struct {
	Expired   int `json:"expired"`
	Abandoned int `json:"abandoned"`
	Deleted   int `json:"deleted"`
	Failed    int `json:"failed"`
}

// Sweep closes the download window of completed jobs whose token has expired
// (deleting the file and revoking the token), fails jobs that stayed pending or
// processing past the job timeout, and removes terminal job records older than
// the record TTL. Per-job failures are counted and logged; only a failing list
// query aborts the sweep.
func (m *Manager) Sweep(ctx context.Context, now time.Time) (SweepResult, error) {
	now = now.UTC()
	var res SweepResult

	completed, err := m.deps.Jobs.List(ctx, []State{StateCompleted}, now.Add(time.Second))
	if err != nil {
		return res, fmt.Errorf("failed to list completed export jobs: %w", err)
	}
	for _, job := range completed {
		if now.Before(job.Result().ExpiresAt) {
			continue
		}
		if err := m.expire(ctx, job, now); err != nil {
			res.Failed++
			m.logger.WithError(err).WithField("job_id", job.ID()).Warn("failed to expire export job")
			continue
		}
		res.Expired++
	}

	stale, err := m.deps.Jobs.List(ctx, []State{StatePending, StateProcessing}, now.Add(-m.cfg.JobTimeout))
	if err != nil {
		return res, fmt.Errorf("failed to list active export jobs: %w", err)
	}
	for _, job := range stale {
		m.cancelRunning(job.ID())
		failed, err := job.Fail(now, "export was abandoned")
		if err == nil {
			err = m.deps.Jobs.Save(ctx, failed, job.State())
		}
		if err != nil {
			res.Failed++
			m.logger.WithError(err).WithField("job_id", job.ID()).Warn("failed to abandon export job")
			continue
		}
		m.metrics.ExportState(string(job.Format()), string(StateFailed))
		res.Abandoned++
	}

	old, err := m.deps.Jobs.List(ctx, []State{StateFailed, StateExpired}, now.Add(-m.cfg.JobRecordTTL))
	if err != nil {
		return res, fmt.Errorf("failed to list finished export jobs: %w", err)
	}
	for _, job := range old {
		if err := m.deps.Jobs.Delete(ctx, job.ID()); err != nil {
			res.Failed++
			m.logger.WithError(err).WithField("job_id", job.ID()).Warn("failed to delete export job record")
			continue
		}
		res.Deleted++
	}

	if res != (SweepResult{}) {
		m.logger.WithFields(logrus.Fields{
			"expired":   res.Expired,
			"abandoned": res.Abandoned,
			"deleted":   res.Deleted,
			"failed":    res.Failed,
		}).Info("export sweep finished")
	}
	return res, nil
}

func (m *Manager) expire(ctx context.Context, job Job, now time.Time) error {
	result := job.Result()
	expired, err := job.Expire(now)
	if err != nil {
		return err
	}
	if err := m.deps.Tokens.Revoke(ctx, result.DownloadRef); err != nil {
		return err
	}
	if result.FileKey != "" {
		if err := m.deps.Files.Delete(ctx, result.FileKey); err != nil {
			return fmt.Errorf("failed to delete export file: %w", err)
		}
	}
	if err := m.deps.Jobs.Save(ctx, expired, job.State()); err != nil {
		return err
	}
	m.metrics.ExportState(string(job.Format()), string(StateExpired))
	return nil
}

func (m *Manager) cancelRunning(id string) {
	m.mu.Lock()
	cancel, ok := m.running[id]
	m.mu.Unlock()
	if ok {
		cancel()
	}
}
