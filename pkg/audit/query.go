package audit

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/auditkeep/pkg/observability"
)

// Permission is a capability string carried by an Actor
type Permission string

const (
	PermissionRead        Permission = "audit:read"
	PermissionReadDetails Permission = "audit:read_details"
	PermissionExport      Permission = "audit:export"
	PermissionErase       Permission = "audit:erase"
)

// Actor is the explicit caller identity passed into every read operation. The
// organization always comes from here, never from ambient state.
type Actor struct {
	UserID         string
	OrganizationID string
	Permissions    []Permission
}

// Has reports whether the actor holds p
func (a Actor) Has(p Permission) bool {
	for _, held := range a.Permissions {
		if held == p {
			return true
		}
	}
	return false
}

// Authorize checks tenant context and one permission
func (a Actor) Authorize(p Permission) error {
	if a.OrganizationID == "" || !a.Has(p) {
		return ErrAccessDenied
	}
	return nil
}

// EntryView is what callers see of an event. Without the details permission the
// actor and resource are masked and Details is nil.
type EntryView struct {
	ID          string        `json:"id"`
	Category    Category      `json:"category"`
	Type        EventType     `json:"type"`
	Description string        `json:"description"`
	Outcome     Outcome       `json:"outcome"`
	Severity    Severity      `json:"severity"`
	Timestamp   time.Time     `json:"timestamp"`
	ActorID     string        `json:"actor_id"`
	Resource    string        `json:"resource"`
	Action      string        `json:"action,omitempty"`
	HasDetails  bool          `json:"has_details"`
	Verified    bool          `json:"verified"`
	Details     *EntryDetails `json:"details,omitempty"`
}

// EntryDetails is the part of the full view hidden from redacted views
type EntryDetails struct {
	SessionID      string                 `json:"session_id,omitempty"`
	EntityType     string                 `json:"entity_type,omitempty"`
	EntityID       string                 `json:"entity_id,omitempty"`
	BeforeState    map[string]interface{} `json:"before_state,omitempty"`
	AfterState     map[string]interface{} `json:"after_state,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	Security       SecurityContext        `json:"security"`
	ComplianceTags []string               `json:"compliance_tags,omitempty"`
	RetentionUntil RetentionUntil         `json:"retention_until"`
	Digest         Digest                 `json:"digest"`
	Redacted       bool                   `json:"redacted"`
	RedactedAt     *time.Time             `json:"redacted_at,omitempty"`
}

// FullView renders every field of e
func FullView(e Event, verified bool) EntryView {
	v := baseView(e, verified)
	v.ActorID = e.actorID
	v.Resource = resourceOf(e)
	v.HasDetails = true

	r := e.Record()
	v.Details = &EntryDetails{
		SessionID:      e.sessionID,
		EntityType:     e.payload.EntityType,
		EntityID:       e.payload.EntityID,
		BeforeState:    r.Payload.BeforeState,
		AfterState:     r.Payload.AfterState,
		Metadata:       r.Payload.Metadata,
		Security:       e.security,
		ComplianceTags: r.ComplianceTags,
		RetentionUntil: e.retention,
		Digest:         e.digest,
		Redacted:       e.redacted,
		RedactedAt:     r.RedactedAt,
	}
	return v
}

// RedactedView masks actor identity and resource name with marker
func RedactedView(e Event, verified bool, marker string) EntryView {
	v := baseView(e, verified)
	v.ActorID = marker
	v.Resource = marker
	v.HasDetails = false
	return v
}

func baseView(e Event, verified bool) EntryView {
	return EntryView{
		ID:          e.id,
		Category:    e.category,
		Type:        e.eventType,
		Description: e.description,
		Outcome:     e.outcome,
		Severity:    e.severity,
		Timestamp:   e.timestamp,
		Action:      e.payload.Action,
		Verified:    verified,
	}
}

func resourceOf(e Event) string {
	switch {
	case e.payload.EntityType != "" && e.payload.EntityID != "":
		return e.payload.EntityType + "/" + e.payload.EntityID
	case e.payload.EntityType != "":
		return e.payload.EntityType
	default:
		return e.payload.EntityID
	}
}

// IntegrityAlerter is told about every digest mismatch seen on the read path
type IntegrityAlerter interface {
	Alert(ctx context.Context, e Event)
}

// QueryService is the tenant-scoped read surface over a Store
type QueryService struct {
	store    Store
	alerter  IntegrityAlerter
	redactor *Redactor
	logger   logrus.FieldLogger
}

// NewQueryService creates a query service. A nil alerter disables alerting.
func NewQueryService(store Store, alerter IntegrityAlerter, logger logrus.FieldLogger) *QueryService {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &QueryService{
		store:    store,
		alerter:  alerter,
		redactor: NewRedactor(RedactionMarker),
		logger:   logger.WithField("component", "audit_query"),
	}
}

// Search returns one page of views. The organization is taken from the actor; a
// filter naming a different organization is refused.
func (s *QueryService) Search(ctx context.Context, actor Actor, filter Filter, page Pagination, order Sort) (Page[EntryView], error) {
	if err := s.scope(ctx, actor, &filter); err != nil {
		return Page[EntryView]{}, err
	}
	if err := filter.Validate(); err != nil {
		return Page[EntryView]{}, err
	}
	page, err := page.Normalize()
	if err != nil {
		return Page[EntryView]{}, err
	}
	order, err = order.Normalize()
	if err != nil {
		return Page[EntryView]{}, err
	}

	events, total, err := s.store.Search(ctx, filter, page, order)
	if err != nil {
		return Page[EntryView]{}, err
	}

	details := actor.Has(PermissionReadDetails)
	views := make([]EntryView, 0, len(events))
	for _, e := range events {
		views = append(views, s.view(ctx, e, details))
	}

	return NewPage(views, page, total), nil
}

// Get returns a single event. Events of other organizations are reported as not
// found; the real cause only goes to the log.
func (s *QueryService) Get(ctx context.Context, actor Actor, id string) (EntryView, error) {
	if err := actor.Authorize(PermissionRead); err != nil {
		return EntryView{}, err
	}

	e, err := s.store.Get(ctx, actor.OrganizationID, id)
	if err != nil {
		if errors.Is(err, ErrEventNotFound) {
			observability.LoggerFromContext(ctx, s.logger).WithFields(logrus.Fields{
				"event_id":        id,
				"organization_id": actor.OrganizationID,
				"user_id":         actor.UserID,
			}).Info("audit event lookup outside caller organization or missing")
		}
		return EntryView{}, err
	}

	return s.view(ctx, e, actor.Has(PermissionReadDetails)), nil
}

// Stats aggregates counts for the actor's organization
func (s *QueryService) Stats(ctx context.Context, actor Actor, from, to *time.Time) (*Stats, error) {
	if err := actor.Authorize(PermissionRead); err != nil {
		return nil, err
	}
	if err := (Filter{OrganizationID: actor.OrganizationID, From: from, To: to}).Validate(); err != nil {
		return nil, err
	}
	return s.store.Stats(ctx, actor.OrganizationID, from, to)
}

func (s *QueryService) scope(ctx context.Context, actor Actor, filter *Filter) error {
	if err := actor.Authorize(PermissionRead); err != nil {
		return err
	}
	if filter.OrganizationID != "" && filter.OrganizationID != actor.OrganizationID {
		observability.LoggerFromContext(ctx, s.logger).WithFields(logrus.Fields{
			"user_id":                actor.UserID,
			"organization_id":        actor.OrganizationID,
			"requested_organization": filter.OrganizationID,
		}).Warn("cross-tenant audit search refused")
		return ErrAccessDenied
	}
	filter.OrganizationID = actor.OrganizationID
	return nil
}

func (s *QueryService) view(ctx context.Context, e Event, details bool) EntryView {
	verified := Verify(e)
	if !verified && s.alerter != nil {
		s.alerter.Alert(ctx, e)
	}
	if details {
		return FullView(e, verified)
	}
	return RedactedView(e, verified, s.redactor.Marker())
}
