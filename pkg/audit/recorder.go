package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/auditkeep/pkg/errcode"
	"github.com/platinummonkey/auditkeep/pkg/observability"
)

// ExpiryPolicy assigns a retention bound at creation time
type ExpiryPolicy interface {
	ExpiryOf(category Category, createdAt time.Time) RetentionUntil
}

// OverflowPolicy decides what Record does when the queue is full
type OverflowPolicy string

const (
	// OverflowBlock waits up to EnqueueTimeout for room, then fails
	OverflowBlock OverflowPolicy = "block"
	// OverflowReject fails immediately
	OverflowReject OverflowPolicy = "reject"
	// OverflowDropOldest evicts the oldest queued event to make room
	OverflowDropOldest OverflowPolicy = "drop_oldest"
)

// ParseOverflowPolicy validates a configured policy name
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch p := OverflowPolicy(s); p {
	case OverflowBlock, OverflowReject, OverflowDropOldest:
		return p, nil
	case "":
		return OverflowBlock, nil
	default:
		return "", fmt.Errorf("unknown overflow policy %q", s)
	}
}

// RecorderConfig controls the write pipeline
type RecorderConfig struct {
	// QueueSize bounds the number of events waiting to be written
	QueueSize int
	// Workers drain the queue. Zero makes Record write synchronously.
	Workers        int
	Overflow       OverflowPolicy
	EnqueueTimeout time.Duration
	// WriteTimeout bounds one round of write attempts for a queued event
	WriteTimeout time.Duration
	// RetryInterval is the first backoff between write attempts
	RetryInterval time.Duration
	// SpillPath is where events the store keeps refusing are written. Empty keeps
	// them in the worker, retrying, until the store recovers or Close gives up.
	SpillPath string
}

// DefaultRecorderConfig returns production defaults
func DefaultRecorderConfig() RecorderConfig {
	return RecorderConfig{
		QueueSize:      10000,
		Workers:        4,
		Overflow:       OverflowBlock,
		EnqueueTimeout: 2 * time.Second,
		WriteTimeout:   5 * time.Second,
		RetryInterval:  50 * time.Millisecond,
	}
}

// RecordRequest is what a producer supplies. Everything else (id, timestamp,
// category, retention, digest) is derived.
type RecordRequest struct {
	OrganizationID string
	ActorID        string
	SessionID      string
	Type           EventType
	Description    string
	Payload        Payload
	Security       SecurityContext
	Severity       Severity
	Outcome        Outcome
	ComplianceTags []string
}

// BuildEvent derives and seals a new event created at the given instant
func BuildEvent(req RecordRequest, at time.Time, policy ExpiryPolicy) (Event, error) {
	if req.OrganizationID == "" {
		return Event{}, errcode.Wrap(errcode.ValidationFailed, "organization id is required", ErrInvalidEvent)
	}
	if req.Description == "" {
		return Event{}, errcode.Wrap(errcode.ValidationFailed, "description is required", ErrInvalidEvent)
	}
	category, err := req.Type.Category()
	if err != nil {
		return Event{}, errcode.Wrap(errcode.ValidationFailed, err.Error(), ErrInvalidEvent)
	}

	severity := req.Severity
	if severity == "" {
		severity = req.Type.DefaultSeverity()
	} else if severity.Rank() < 0 {
		return Event{}, errcode.Newf(errcode.ValidationFailed, "unknown severity %q", severity)
	}

	outcome := req.Outcome
	switch outcome {
	case "":
		outcome = OutcomeSuccess
	case OutcomeSuccess, OutcomeFailure, OutcomeDenied:
	default:
		return Event{}, errcode.Newf(errcode.ValidationFailed, "unknown outcome %q", outcome)
	}

	// Postgres stores microseconds; truncating here keeps the digest stable across a round trip
	timestamp := at.UTC().Truncate(time.Microsecond)

	e := Event{
		id:             uuid.NewString(),
		organizationID: req.OrganizationID,
		actorID:        req.ActorID,
		sessionID:      req.SessionID,
		category:       category,
		eventType:      req.Type,
		description:    req.Description,
		payload:        req.Payload.clone(),
		security:       req.Security,
		timestamp:      timestamp,
		severity:       severity,
		outcome:        outcome,
		complianceTags: dedupe(req.ComplianceTags),
		retention:      policy.ExpiryOf(category, timestamp),
	}

	return seal(e)
}

// Recorder is the producer entry point. It is safe for any number of concurrent
// callers.
type Recorder struct {
	store   Store
	policy  ExpiryPolicy
	cfg     RecorderConfig
	logger  logrus.FieldLogger
	metrics *observability.Metrics
	now     func() time.Time

	spill   Spill

	queue   chan Event
	mu      sync.RWMutex
	closed  bool
	wg      sync.WaitGroup
	dropped atomic.Int64
	lost    atomic.Int64

	// abort ends write retries once Close runs out of time
	abort     context.Context
	abortFunc context.CancelFunc
}

// RecorderOption customises a Recorder
type RecorderOption func(*Recorder)

// WithSpill sends events the store keeps refusing to spill instead of holding them
func WithSpill(spill Spill) RecorderOption {
	return func(r *Recorder) { r.spill = spill }
}

// NewRecorder creates a recorder and starts its workers
func NewRecorder(store Store, policy ExpiryPolicy, cfg RecorderConfig, logger logrus.FieldLogger, metrics *observability.Metrics, opts ...RecorderOption) *Recorder {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if cfg.Overflow == "" {
		cfg.Overflow = OverflowBlock
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 50 * time.Millisecond
	}

	r := &Recorder{
		store:   store,
		policy:  policy,
		cfg:     cfg,
		logger:  logger.WithField("component", "audit_recorder"),
		metrics: metrics,
		now:     time.Now,
	}
	r.abort, r.abortFunc = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(r)
	}

	if cfg.Workers > 0 {
		r.queue = make(chan Event, cfg.QueueSize)
		for i := 0; i < cfg.Workers; i++ {
			r.wg.Add(1)
			go r.worker()
		}
	}

	return r
}

// Record builds, seals, verifies and persists (or enqueues) an event and returns
// its id
func (r *Recorder) Record(ctx context.Context, req RecordRequest) (string, error) {
	e, err := BuildEvent(req, r.now(), r.policy)
	if err != nil {
		return "", err
	}

	if !Verify(e) {
		r.metrics.IntegrityViolation("write")
		r.logger.WithFields(logrus.Fields{
			"event_id":        e.id,
			"organization_id": e.organizationID,
			"event_type":      e.eventType,
		}).Error("digest verification failed before write")
		return "", ErrDigestMismatch
	}

	if r.queue == nil {
		if err := r.store.Append(ctx, e); err != nil {
			return "", fmt.Errorf("failed to record audit event: %w", err)
		}
		r.metrics.EventRecorded(string(e.category))
		return e.id, nil
	}

	if err := r.enqueue(ctx, e); err != nil {
		return "", err
	}
	return e.id, nil
}

func (r *Recorder) enqueue(ctx context.Context, e Event) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrRecorderClosed
	}
	defer func() { r.metrics.QueueDepth(len(r.queue)) }()

	select {
	case r.queue <- e:
		return nil
	default:
	}

	switch r.cfg.Overflow {
	case OverflowReject:
		r.metrics.EventDropped("rejected")
		return ErrQueueFull

	case OverflowDropOldest:
		for {
			select {
			case r.queue <- e:
				return nil
			default:
			}
			select {
			case old := <-r.queue:
				r.dropped.Add(1)
				r.metrics.EventDropped("drop_oldest")
				r.logger.WithFields(logrus.Fields{
					"event_id":   old.id,
					"event_type": old.eventType,
				}).Warn("recorder queue full, dropped oldest event")
			default:
			}
		}

	default:
		timer := time.NewTimer(r.cfg.EnqueueTimeout)
		defer timer.Stop()
		select {
		case r.queue <- e:
			return nil
		case <-timer.C:
			r.metrics.EventDropped("timeout")
			return ErrQueueFull
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (r *Recorder) worker() {
	defer r.wg.Done()
	for e := range r.queue {
		r.metrics.QueueDepth(len(r.queue))
		r.write(e)
	}
}

// write persists e, retrying with exponential backoff. An event the store keeps
// refusing goes to the spill; without one the worker keeps retrying until the store
// recovers or Close aborts, and only then is the event reported lost.
func (r *Recorder) write(e Event) {
	log := r.logger.WithFields(logrus.Fields{
		"event_id":        e.id,
		"organization_id": e.organizationID,
	})

	for {
		err := r.appendWithRetry(e)
		if err == nil {
			r.metrics.EventRecorded(string(e.category))
			return
		}

		if r.spill != nil {
			spillErr := r.spill.Spill(context.WithoutCancel(r.abort), e)
			if spillErr == nil {
				r.metrics.EventDropped("spilled")
				log.WithError(err).Warn("Store unavailable, audit event spilled")
				return
			}
			log.WithError(spillErr).Error("Failed to spill audit event")
		}

		if r.abort.Err() != nil {
			r.lost.Add(1)
			r.metrics.EventDropped("lost")
			log.WithError(err).WithField("event", e.Record()).Error("Audit event lost at shutdown")
			return
		}
		log.WithError(err).Warn("Store unavailable, holding audit event")
	}
}

func (r *Recorder) appendWithRetry(e Event) error {
	ctx, cancel := context.WithTimeout(r.abort, r.cfg.WriteTimeout)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.RetryInterval
	b.MaxInterval = r.cfg.WriteTimeout / 2
	b.MaxElapsedTime = 0

	var lastErr error
	err := backoff.Retry(func() error {
		err := r.store.Append(ctx, e)
		if errors.Is(err, ErrDuplicateEvent) {
			// an earlier attempt committed before its context ended
			return nil
		}
		lastErr = err
		return err
	}, backoff.WithContext(b, ctx))
	if err != nil && lastErr != nil {
		return lastErr
	}
	return err
}

// Lost returns how many events were neither stored nor spilled
func (r *Recorder) Lost() int64 {
	return r.lost.Load()
}

// Dropped returns how many events the drop_oldest policy has evicted
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Close stops accepting events and waits for the queue to drain or ctx to end
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	if r.queue != nil {
		close(r.queue)
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.abortFunc()
		return nil
	case <-ctx.Done():
	}

	// Writers still retrying give up, spill or report their event lost
	r.abortFunc()
	<-done
	return errors.Join(errors.New("audit recorder did not drain before deadline"), ctx.Err())
}
