package audit

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/auditkeep/pkg/errcode"
)

// ErasureResult summarizes one subject erasure
type ErasureResult struct {
	SubjectID       string `json:"subject_id"`
	Scanned         int    `json:"scanned"`
	Redacted        int    `json:"redacted"`
	AlreadyRedacted int    `json:"already_redacted"`
	AuditEventID    string `json:"audit_event_id,omitempty"`
}

// Eraser handles right-to-erasure requests. It strips PII from the mutable shell of
// every event a subject produced and leaves the decision record and digest intact.
type Eraser struct {
	store     Store
	recorder  EventRecorder
	redactor  *Redactor
	batchSize int
	logger    logrus.FieldLogger
}

// NewEraser creates an eraser
func NewEraser(store Store, recorder EventRecorder, batchSize int, logger logrus.FieldLogger) *Eraser {
	if batchSize <= 0 {
		batchSize = 500
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Eraser{
		store:     store,
		recorder:  recorder,
		redactor:  NewRedactor(RedactionMarker),
		batchSize: batchSize,
		logger:    logger.WithField("component", "gdpr_eraser"),
	}
}

// EraseSubject redacts every event of subjectID in the actor's organization
func (e *Eraser) EraseSubject(ctx context.Context, actor Actor, subjectID string) (ErasureResult, error) {
	if err := actor.Authorize(PermissionErase); err != nil {
		return ErasureResult{}, err
	}
	if subjectID == "" {
		return ErasureResult{}, errcode.New(errcode.ValidationFailed, "subject id is required")
	}

	result := ErasureResult{SubjectID: subjectID}
	filter := Filter{OrganizationID: actor.OrganizationID, ActorID: subjectID}

	var cursor *Cursor
	for {
		events, err := e.store.Scan(ctx, filter, cursor, e.batchSize)
		if err != nil {
			return result, fmt.Errorf("failed to scan subject events: %w", err)
		}
		if len(events) == 0 {
			break
		}
		cursor = CursorOf(events[len(events)-1])
		result.Scanned += len(events)

		batch := make([]Event, 0, len(events))
		for _, ev := range events {
			if ev.redacted {
				result.AlreadyRedacted++
				continue
			}
			batch = append(batch, e.redactor.RedactPII(ev))
		}
		if err := e.store.Update(ctx, batch); err != nil {
			return result, fmt.Errorf("failed to save redacted events: %w", err)
		}
		result.Redacted += len(batch)

		if len(events) < e.batchSize {
			break
		}
	}

	e.logger.WithFields(logrus.Fields{
		"organization_id": actor.OrganizationID,
		"requested_by":    actor.UserID,
		"redacted":        result.Redacted,
	}).Info("subject erasure completed")

	if e.recorder != nil {
		id, err := e.recorder.Record(ctx, RecordRequest{
			OrganizationID: actor.OrganizationID,
			ActorID:        actor.UserID,
			Type:           EventTypeGDPRErasure,
			Description:    "Personal data erased from audit trail",
			Payload: Payload{
				EntityType: "data_subject",
				EntityID:   subjectID,
				Action:     "erase",
				Metadata: map[string]interface{}{
					"events_redacted":  result.Redacted,
					"already_redacted": result.AlreadyRedacted,
				},
			},
		})
		if err != nil {
			return result, fmt.Errorf("erasure applied but not recorded: %w", err)
		}
		result.AuditEventID = id
	}

	return result, nil
}
