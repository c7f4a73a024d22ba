package export

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/platinummonkey/auditkeep/pkg/audit"
	"github.com/platinummonkey/auditkeep/pkg/errcode"
)

// Format is an export file format
type Format string

const (
	FormatCSV  Format = "CSV"
	FormatJSON Format = "JSON"
	FormatPDF  Format = "PDF"
)

// ParseFormat accepts a format name in any case
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToUpper(strings.TrimSpace(s))); f {
	case FormatCSV, FormatJSON, FormatPDF:
		return f, nil
	}
	return "", errcode.Newf(errcode.InvalidFormat, "unsupported export format %q, expected CSV, JSON or PDF", s)
}

// ContentType is the MIME type of the generated file
func (f Format) ContentType() string {
	switch f {
	case FormatCSV:
		return "text/csv"
	case FormatJSON:
		return "application/json"
	case FormatPDF:
		return "application/pdf"
	}
	return "application/octet-stream"
}

// Extension is the file name suffix, without the dot
func (f Format) Extension() string {
	return strings.ToLower(string(f))
}

// State is the lifecycle state of an export job
type State string

const (
	StatePending    State = "PENDING"
	StateProcessing State = "PROCESSING"
	StateCompleted  State = "COMPLETED"
	StateFailed     State = "FAILED"
	StateExpired    State = "EXPIRED"
)

// Terminal reports whether no transition leaves s. COMPLETED is not terminal: it
// still expires.
func (s State) Terminal() bool {
	return s == StateFailed || s == StateExpired
}

type transition struct {
	from State
	to   State
}

var transitions = map[transition]bool{
	{StatePending, StateProcessing}:   true,
	{StatePending, StateFailed}:       true,
	{StateProcessing, StateCompleted}: true,
	{StateProcessing, StateFailed}:    true,
	{StateCompleted, StateExpired}:    true,
}

// CanTransition reports whether from -> to is allowed
func CanTransition(from, to State) bool {
	return transitions[transition{from, to}]
}

// Result is what a finished generation produced
type Result struct {
	RecordCount int
	FileSize    int64
	FileKey     string
	DownloadRef string
	ExpiresAt   time.Time
}

// Job is an export job. It is a value: every state change goes through an evolve
// operation that returns a new Job and leaves the receiver untouched.
type Job struct {
	id             string
	organizationID string
	requestedBy    string
	format         Format
	filter         audit.Filter
	details        bool
	state          State
	progress       int
	result         Result
	errorMessage   string
	requestedAt    time.Time
	startedAt      time.Time
	completedAt    time.Time
	updatedAt      time.Time
}

// NewJob creates a PENDING job
func NewJob(id string, actor audit.Actor, format Format, filter audit.Filter, at time.Time) Job {
	at = at.UTC()
	return Job{
		id:             id,
		organizationID: actor.OrganizationID,
		requestedBy:    actor.UserID,
		format:         format,
		filter:         filter,
		details:        actor.Has(audit.PermissionReadDetails),
		state:          StatePending,
		requestedAt:    at,
		updatedAt:      at,
	}
}

func (j Job) ID() string             { return j.id }
func (j Job) OrganizationID() string { return j.organizationID }
func (j Job) RequestedBy() string    { return j.requestedBy }
func (j Job) Format() Format         { return j.format }
func (j Job) Filter() audit.Filter   { return j.filter }
func (j Job) State() State           { return j.state }
func (j Job) Progress() int          { return j.progress }
func (j Job) Result() Result         { return j.result }
func (j Job) ErrorMessage() string   { return j.errorMessage }
func (j Job) RequestedAt() time.Time { return j.requestedAt }
func (j Job) StartedAt() time.Time   { return j.startedAt }
func (j Job) CompletedAt() time.Time { return j.completedAt }
func (j Job) UpdatedAt() time.Time   { return j.updatedAt }

// IncludesDetails reports whether rows carry the full view. It is fixed from the
// requester's permissions at request time.
func (j Job) IncludesDetails() bool { return j.details }

// Filename is the suggested download name
func (j Job) Filename() string {
	return fmt.Sprintf("audit-export-%s.%s", j.requestedAt.Format("20060102-150405"), j.format.Extension())
}

func (j Job) to(next State, at time.Time) (Job, error) {
	if !CanTransition(j.state, next) {
		return j, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.state, next)
	}
	out := j
	out.state = next
	out.updatedAt = at.UTC()
	return out, nil
}

// Start moves a pending job to PROCESSING
func (j Job) Start(at time.Time) (Job, error) {
	out, err := j.to(StateProcessing, at)
	if err != nil {
		return j, err
	}
	out.startedAt = at.UTC()
	out.progress = 0
	return out, nil
}

// WithProgress records generation progress in percent. Progress never goes
// backwards and only a PROCESSING job has any.
func (j Job) WithProgress(percent int, at time.Time) (Job, error) {
	if j.state != StateProcessing {
		return j, fmt.Errorf("%w: progress on %s job", ErrInvalidTransition, j.state)
	}
	if percent < j.progress || percent > 100 {
		return j, fmt.Errorf("invalid progress %d (current %d)", percent, j.progress)
	}
	out := j
	out.progress = percent
	out.updatedAt = at.UTC()
	return out, nil
}

// Complete records a successful generation
func (j Job) Complete(at time.Time, result Result) (Job, error) {
	out, err := j.to(StateCompleted, at)
	if err != nil {
		return j, err
	}
	out.progress = 100
	out.result = result
	out.completedAt = at.UTC()
	return out, nil
}

// Fail records a failed or abandoned generation. message is shown to the requester
// and must not carry internal detail.
func (j Job) Fail(at time.Time, message string) (Job, error) {
	out, err := j.to(StateFailed, at)
	if err != nil {
		return j, err
	}
	out.errorMessage = message
	out.completedAt = at.UTC()
	return out, nil
}

// Expire closes the download window of a completed job
func (j Job) Expire(at time.Time) (Job, error) {
	out, err := j.to(StateExpired, at)
	if err != nil {
		return j, err
	}
	out.result.DownloadRef = ""
	return out, nil
}

// JobRecord is the flat persisted and wire form of a Job. DownloadToken is never
// persisted; Manager.View fills it from DownloadRef for completed jobs.
type JobRecord struct {
	ID             string       `json:"id"`
	OrganizationID string       `json:"organization_id"`
	RequestedBy    string       `json:"requested_by"`
	Format         Format       `json:"format"`
	Filter         FilterRecord `json:"filter"`
	Details        bool         `json:"include_details"`
	State          State        `json:"state"`
	Progress       int          `json:"progress"`
	RecordCount    int          `json:"record_count"`
	FileSize       int64        `json:"file_size"`
	FileKey        string       `json:"-"`
	DownloadRef    string       `json:"-"`
	DownloadToken  string       `json:"download_token,omitempty"`
	ExpiresAt      *time.Time   `json:"expires_at,omitempty"`
	ErrorMessage   string       `json:"error_message,omitempty"`
	RequestedAt    time.Time    `json:"requested_at"`
	StartedAt      *time.Time   `json:"started_at,omitempty"`
	CompletedAt    *time.Time   `json:"completed_at,omitempty"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// FilterRecord is the serialisable snapshot of the filter a job was requested with
type FilterRecord struct {
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

func filterRecord(f audit.Filter) FilterRecord {
	return FilterRecord{
		DateFrom:   f.From,
		DateTo:     f.To,
		Search:     f.Search,
		ActorID:    f.ActorID,
		Actions:    f.Actions,
		Resources:  f.Resources,
		Outcomes:   toStrings(f.Outcomes),
		Categories: toStrings(f.Categories),
		Types:      toStrings(f.Types),
		Severities: toStrings(f.Severities),
	}
}

func (r FilterRecord) filter(organizationID string) audit.Filter {
	return audit.Filter{
		OrganizationID: organizationID,
		From:           r.DateFrom,
		To:             r.DateTo,
		Search:         r.Search,
		ActorID:        r.ActorID,
		Actions:        r.Actions,
		Resources:      r.Resources,
		Outcomes:       fromStrings[audit.Outcome](r.Outcomes),
		Categories:     fromStrings[audit.Category](r.Categories),
		Types:          fromStrings[audit.EventType](r.Types),
		Severities:     fromStrings[audit.Severity](r.Severities),
	}
}

// Record flattens the job
func (j Job) Record() JobRecord {
	r := JobRecord{
		ID:             j.id,
		OrganizationID: j.organizationID,
		RequestedBy:    j.requestedBy,
		Format:         j.format,
		Filter:         filterRecord(j.filter),
		Details:        j.details,
		State:          j.state,
		Progress:       j.progress,
		RecordCount:    j.result.RecordCount,
		FileSize:       j.result.FileSize,
		FileKey:        j.result.FileKey,
		DownloadRef:    j.result.DownloadRef,
		ErrorMessage:   j.errorMessage,
		RequestedAt:    j.requestedAt,
		UpdatedAt:      j.updatedAt,
		StartedAt:      timePtr(j.startedAt),
		CompletedAt:    timePtr(j.completedAt),
		ExpiresAt:      timePtr(j.result.ExpiresAt),
	}
	return r
}

// RehydrateJob rebuilds a job read back from storage
func RehydrateJob(r JobRecord) Job {
	j := Job{
		id:             r.ID,
		organizationID: r.OrganizationID,
		requestedBy:    r.RequestedBy,
		format:         r.Format,
		filter:         r.Filter.filter(r.OrganizationID),
		details:        r.Details,
		state:          r.State,
		progress:       r.Progress,
		result: Result{
			RecordCount: r.RecordCount,
			FileSize:    r.FileSize,
			FileKey:     r.FileKey,
			DownloadRef: r.DownloadRef,
		},
		errorMessage: r.ErrorMessage,
		requestedAt:  r.RequestedAt.UTC(),
		updatedAt:    r.UpdatedAt.UTC(),
	}
	if r.StartedAt != nil {
		j.startedAt = r.StartedAt.UTC()
	}
	if r.CompletedAt != nil {
		j.completedAt = r.CompletedAt.UTC()
	}
	if r.ExpiresAt != nil {
		j.result.ExpiresAt = r.ExpiresAt.UTC()
	}
	return j
}

func (j Job) MarshalJSON() ([]byte, error) {
	return json.Marshal(j.Record())
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

func toStrings[T ~string](values []T) []string {
	if len(values) == 0 {
		return nil
	}
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = string(v)
	}
	return out
}

func fromStrings[T ~string](values []string) []T {
	if len(values) == 0 {
		return nil
	}
	out := make([]T, len(values))
	for i, v := range values {
		out[i] = T(v)
	}
	return out
}
