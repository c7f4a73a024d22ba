package retention

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// DefaultSchedule runs the sweep daily at 03:00 UTC
const DefaultSchedule = "0 3 * * *"

// Scheduler runs periodic maintenance jobs on cron schedules in UTC. A job that is
// still running when its next tick arrives is skipped, not stacked.
type Scheduler struct {
	cron   *cron.Cron
	logger logrus.FieldLogger
	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	jobs   []string
}

// NewScheduler creates a stopped scheduler
func NewScheduler(logger logrus.FieldLogger) *Scheduler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	logger = logger.WithField("component", "scheduler")
	cl := cronLogger{logger}
	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// AddJob registers fn under name on a standard five-field cron spec
func (s *Scheduler) AddJob(name, spec string, fn func(ctx context.Context) error) error {
	_, err := s.cron.AddFunc(spec, func() {
		start := time.Now()
		log := s.logger.WithField("job", name)
		log.Debug("scheduled job started")
		if err := fn(s.ctx); err != nil {
			log.WithError(err).Error("scheduled job failed")
			return
		}
		log.WithField("duration_ms", time.Since(start).Milliseconds()).Debug("scheduled job finished")
	})
	if err != nil {
		return fmt.Errorf("invalid schedule %q for %s: %w", spec, name, err)
	}

	s.mu.Lock()
	s.jobs = append(s.jobs, name)
	s.mu.Unlock()
	return nil
}

// AddSweep schedules a retention sweep
func (s *Scheduler) AddSweep(spec string, sweeper *Sweeper) error {
	if spec == "" {
		spec = DefaultSchedule
	}
	return s.AddJob("retention_sweep", spec, func(ctx context.Context) error {
		_, err := sweeper.Run(ctx)
		return err
	})
}

// Start begins running jobs in the background
func (s *Scheduler) Start() {
	s.mu.Lock()
	jobs := append([]string(nil), s.jobs...)
	s.mu.Unlock()
	s.logger.WithField("jobs", jobs).Info("scheduler started")
	s.cron.Start()
}

// Stop cancels running jobs and waits for them to return or ctx to end
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler did not stop: %w", ctx.Err())
	}
}

// cronLogger adapts logrus to cron.Logger
type cronLogger struct {
	logger logrus.FieldLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.WithFields(kvFields(keysAndValues)).Debug("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.WithError(err).WithFields(kvFields(keysAndValues)).Error("cron: " + msg)
}

func kvFields(keysAndValues []interface{}) logrus.Fields {
	fields := logrus.Fields{}
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return fields
}
