package export

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/auditkeep/pkg/audit"
	"github.com/platinummonkey/auditkeep/pkg/errcode"
)

var requested = time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

func TestCanTransition(t *testing.T) {
	states := []State{StatePending, StateProcessing, StateCompleted, StateFailed, StateExpired}
	allowed := map[[2]State]bool{
		{StatePending, StateProcessing}:   true,
		{StatePending, StateFailed}:       true,
		{StateProcessing, StateCompleted}: true,
		{StateProcessing, StateFailed}:    true,
		{StateCompleted, StateExpired}:    true,
	}
	for _, from := range states {
		for _, to := range states {
			assert.Equal(t, allowed[[2]State{from, to}], CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestTerminalStatesHaveNoExit(t *testing.T) {
	for _, from := range []State{StateFailed, StateExpired} {
		assert.True(t, from.Terminal())
		for _, to := range []State{StatePending, StateProcessing, StateCompleted, StateFailed, StateExpired} {
			assert.False(t, CanTransition(from, to))
		}
	}
	assert.False(t, StateCompleted.Terminal())
}

func TestJob_Lifecycle(t *testing.T) {
	actor := audit.Actor{UserID: "u1", OrganizationID: "org-1", Permissions: []audit.Permission{audit.PermissionExport, audit.PermissionReadDetails}}
	pending := NewJob("job-1", actor, FormatCSV, audit.Filter{OrganizationID: "org-1"}, requested)
	assert.Equal(t, StatePending, pending.State())
	assert.True(t, pending.IncludesDetails())

	processing, err := pending.Start(requested.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, StatePending, pending.State(), "evolve must not mutate the receiver")
	assert.Equal(t, StateProcessing, processing.State())

	halfway, err := processing.WithProgress(50, requested.Add(2*time.Second))
	require.NoError(t, err)
	_, err = halfway.WithProgress(40, requested.Add(3*time.Second))
	assert.Error(t, err)

	expires := requested.Add(24 * time.Hour)
	done, err := halfway.Complete(requested.Add(4*time.Second), Result{RecordCount: 10, FileSize: 99, FileKey: "k", DownloadRef: "ref", ExpiresAt: expires})
	require.NoError(t, err)
	assert.Equal(t, 100, done.Progress())
	assert.Equal(t, 10, done.Result().RecordCount)

	_, err = done.Fail(requested.Add(5*time.Second), "late failure")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	expired, err := done.Expire(expires)
	require.NoError(t, err)
	assert.Equal(t, StateExpired, expired.State())
	assert.Empty(t, expired.Result().DownloadRef)

	_, err = expired.Start(expires)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestJob_FailWhilePending(t *testing.T) {
	job := NewJob("job-2", audit.Actor{UserID: "u1", OrganizationID: "org-1"}, FormatJSON, audit.Filter{}, requested)
	failed, err := job.Fail(requested.Add(time.Minute), "export was abandoned")
	require.NoError(t, err)
	assert.Equal(t, StateFailed, failed.State())
	assert.Equal(t, "export was abandoned", failed.ErrorMessage())

	_, err = job.WithProgress(10, requested)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestJob_RecordRoundTrip(t *testing.T) {
	from := requested.Add(-48 * time.Hour)
	to := requested
	filter := audit.Filter{
		OrganizationID: "org-1",
		From:           &from,
		To:             &to,
		Search:         "settings",
		Categories:     []audit.Category{audit.CategoryConfiguration},
		Outcomes:       []audit.Outcome{audit.OutcomeSuccess},
	}
	job, err := NewJob("job-3", audit.Actor{UserID: "u1", OrganizationID: "org-1"}, FormatPDF, filter, requested).Start(requested)
	require.NoError(t, err)

	back := RehydrateJob(job.Record())
	assert.Equal(t, job, back)
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat(" csv ")
	require.NoError(t, err)
	assert.Equal(t, FormatCSV, f)
	assert.Equal(t, "text/csv", f.ContentType())

	_, err = ParseFormat("XLSX")
	assert.Equal(t, errcode.InvalidFormat, errcode.CodeOf(err))
}

func TestRequest_Validate(t *testing.T) {
	now := requested
	days := func(n int) time.Time { return now.Add(-time.Duration(n) * 24 * time.Hour) }
	ptr := func(t time.Time) *time.Time { return &t }

	format, filter, err := Request{Format: "json"}.Validate("org-1", now)
	require.NoError(t, err)
	assert.Equal(t, FormatJSON, format)
	assert.Equal(t, "org-1", filter.OrganizationID)
	assert.Equal(t, now, *filter.To)
	assert.Equal(t, days(30), *filter.From)

	tests := []struct {
		name string
		req  Request
		code errcode.Code
	}{
		{"400 day range", Request{Format: "CSV", DateFrom: ptr(days(400)), DateTo: ptr(now)}, errcode.InvalidDateRange},
		{"inverted range", Request{Format: "CSV", DateFrom: ptr(now), DateTo: ptr(days(1))}, errcode.InvalidDateRange},
		{"start in the future", Request{Format: "CSV", DateFrom: ptr(now.Add(time.Hour))}, errcode.InvalidDateRange},
		{"long search", Request{Format: "CSV", Search: string(make([]byte, 1001))}, errcode.SearchTooLong},
		{"unknown format", Request{Format: "DOCX"}, errcode.InvalidFormat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := tt.req.Validate("org-1", now)
			assert.Equal(t, tt.code, errcode.CodeOf(err))
		})
	}

	_, _, err = Request{Format: "CSV", DateFrom: ptr(days(365)), DateTo: ptr(now)}.Validate("org-1", now)
	assert.NoError(t, err, "exactly 365 days is allowed")
}
