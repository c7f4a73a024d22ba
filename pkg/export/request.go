package export

import (
	"time"

	"github.com/platinummonkey/auditkeep/pkg/audit"
	"github.com/platinummonkey/auditkeep/pkg/errcode"
)

const (
	// MaxRange is the widest date range one export may cover
	MaxRange = 365 * 24 * time.Hour
	// DefaultRange applies when the request gives no start date
	DefaultRange = 30 * 24 * time.Hour
	// DefaultMaxRecords is the largest export accepted
	DefaultMaxRecords = 100000
)

// Request is an export request as submitted by a caller
type Request struct {
	Format     string     `json:"format"`
	DateFrom   *time.Time `json:"date_from,omitempty"`
	DateTo     *time.Time `json:"date_to,omitempty"`
	Search     string     `json:"search,omitempty"`
	ActorID    string     `json:"actor_id,omitempty"`
	Actions    []string   `json:"actions,omitempty"`
	Resources  []string   `json:"resources,omitempty"`
	Outcomes   []string   `json:"outcomes,omitempty"`
	Categories []string   `json:"categories,omitempty"`
	Types      []string   `json:"types,omitempty"`
	Severities []string   `json:"severities,omitempty"`
}

// Validate checks the request and resolves it into a format and an organization
// scoped filter. Missing bounds default to the DefaultRange ending at now. Nothing
// is clamped: out of range input is an error.
func (r Request) Validate(organizationID string, now time.Time) (Format, audit.Filter, error) {
	format, err := ParseFormat(r.Format)
	if err != nil {
		return "", audit.Filter{}, err
	}

	now = now.UTC()
	to := now
	if r.DateTo != nil {
		to = r.DateTo.UTC()
	}
	from := to.Add(-DefaultRange)
	if r.DateFrom != nil {
		from = r.DateFrom.UTC()
	}
	if from.After(to) {
		return "", audit.Filter{}, errcode.New(errcode.InvalidDateRange, "date_from must not be after date_to")
	}
	if to.Sub(from) > MaxRange {
		return "", audit.Filter{}, errcode.New(errcode.InvalidDateRange, "export date range must not exceed 365 days")
	}

	filter := audit.Filter{
		OrganizationID: organizationID,
		From:           &from,
		To:             &to,
		Search:         r.Search,
		ActorID:        r.ActorID,
		Actions:        r.Actions,
		Resources:      r.Resources,
		Outcomes:       fromStrings[audit.Outcome](r.Outcomes),
		Categories:     fromStrings[audit.Category](r.Categories),
		Types:          fromStrings[audit.EventType](r.Types),
		Severities:     fromStrings[audit.Severity](r.Severities),
	}
	if err := filter.Validate(); err != nil {
		return "", audit.Filter{}, err
	}
	return format, filter, nil
}
