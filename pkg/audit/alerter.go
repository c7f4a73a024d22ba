package audit

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/auditkeep/pkg/observability"
)

// EventRecorder is the producer interface other components record through
type EventRecorder interface {
	Record(ctx context.Context, req RecordRequest) (string, error)
}

// SecurityAlerter raises integrity violations: a warn log and a metric for every
// mismatch, plus one INTEGRITY_VIOLATION event per tampered record per window
type SecurityAlerter struct {
	recorder EventRecorder
	logger   logrus.FieldLogger
	metrics  *observability.Metrics
	mu       sync.Mutex
	seen     *expirable.LRU[string, struct{}]
}

// NewSecurityAlerter creates an alerter. window bounds how often the same record can
// produce a new violation event.
func NewSecurityAlerter(recorder EventRecorder, logger logrus.FieldLogger, metrics *observability.Metrics, window time.Duration) *SecurityAlerter {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if window <= 0 {
		window = time.Hour
	}
	return &SecurityAlerter{
		recorder: recorder,
		logger:   logger.WithField("component", "integrity_alerter"),
		metrics:  metrics,
		seen:     expirable.NewLRU[string, struct{}](10000, nil, window),
	}
}

// Alert implements IntegrityAlerter
func (a *SecurityAlerter) Alert(ctx context.Context, e Event) {
	a.metrics.IntegrityViolation("read")
	observability.LoggerFromContext(ctx, a.logger).WithFields(logrus.Fields{
		"event_id":        e.id,
		"organization_id": e.organizationID,
		"event_type":      e.eventType,
		"stored_digest":   e.digest,
	}).Warn("audit event failed digest verification")

	if a.recorder == nil {
		return
	}
	a.mu.Lock()
	alreadyRaised := a.seen.Contains(e.id)
	if !alreadyRaised {
		a.seen.Add(e.id, struct{}{})
	}
	a.mu.Unlock()
	if alreadyRaised {
		return
	}

	_, err := a.recorder.Record(ctx, RecordRequest{
		OrganizationID: e.organizationID,
		Type:           EventTypeIntegrityViolation,
		Description:    "Stored audit event failed digest verification",
		Outcome:        OutcomeFailure,
		Payload: Payload{
			EntityType: "audit_event",
			EntityID:   e.id,
			Action:     "verify",
			Metadata: map[string]interface{}{
				"stored_digest": string(e.digest),
				"event_type":    string(e.eventType),
			},
		},
	})
	if err != nil {
		a.logger.WithError(err).WithField("event_id", e.id).Error("failed to record integrity violation")
	}
}
