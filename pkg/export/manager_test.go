package export

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/auditkeep/pkg/audit"
	"github.com/platinummonkey/auditkeep/pkg/errcode"
	"github.com/platinummonkey/auditkeep/pkg/middleware"
)

func TestManager_EndToEnd(t *testing.T) {
	f := newFixture(t, Config{PageSize: 2}, nil)
	f.seed(t, "org-1", 5)
	f.seed(t, "org-2", 3)
	actor := exporter("org-1")

	job, err := f.manager.RequestExport(context.Background(), actor, Request{Format: "csv"})
	require.NoError(t, err)
	assert.Equal(t, StatePending, job.State())

	done := waitForState(t, f.manager, actor, job.ID(), StateCompleted)
	assert.Equal(t, 5, done.Result().RecordCount)
	assert.Equal(t, 100, done.Progress())
	assert.NotEmpty(t, f.manager.View(done).DownloadToken)
	assert.Positive(t, done.Result().FileSize)

	file, body, err := f.manager.Download(context.Background(), f.manager.View(done).DownloadToken)
	require.NoError(t, err)
	defer body.Close()
	assert.Equal(t, "text/csv", file.ContentType)

	rows, err := csv.NewReader(body).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 6)
	assert.Equal(t, csvBaseHeader, rows[0])
	for _, row := range rows[1:] {
		assert.Equal(t, audit.RedactionMarker, row[7], "actor is masked without read_details")
		assert.Equal(t, "true", row[10])
	}

	_, _, err = f.manager.Download(context.Background(), f.manager.View(done).DownloadToken)
	assert.Equal(t, errcode.DownloadTokenExpired, errcode.CodeOf(err))

	assert.Equal(t, []audit.EventType{audit.EventTypeExportRequested, audit.EventTypeExportDownloaded}, f.recorder.recorded())
}

func TestManager_RejectsBeforeCreatingJobs(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	from := time.Now().Add(-400 * 24 * time.Hour)
	to := time.Now()

	_, err := f.manager.RequestExport(context.Background(), exporter("org-1"), Request{Format: "CSV", DateFrom: &from, DateTo: &to})
	assert.Equal(t, errcode.InvalidDateRange, errcode.CodeOf(err))

	_, err = f.manager.RequestExport(context.Background(), exporter("org-1", audit.PermissionRead), Request{Format: "CSV"})
	assert.Equal(t, errcode.AccessDenied, errcode.CodeOf(err))

	_, err = f.manager.RequestExport(context.Background(), audit.Actor{UserID: "u", Permissions: []audit.Permission{audit.PermissionExport}}, Request{Format: "CSV"})
	assert.Equal(t, errcode.AccessDenied, errcode.CodeOf(err))

	assert.Zero(t, f.jobCount())
}

func TestManager_TooLarge(t *testing.T) {
	f := newFixture(t, Config{MaxRecords: 2}, nil)
	f.seed(t, "org-1", 3)

	_, err := f.manager.RequestExport(context.Background(), exporter("org-1"), Request{Format: "JSON"})
	assert.Equal(t, errcode.ExportTooLarge, errcode.CodeOf(err))
	assert.Zero(t, f.jobCount())
}

func TestManager_TooLargeDoesNotSpendQuota(t *testing.T) {
	f := newFixture(t, Config{MaxRecords: 2}, nil)
	f.seed(t, "org-1", 3)
	actor := exporter("org-1")
	recent := time.Now().Add(-2 * time.Hour)

	for i := 0; i < 6; i++ {
		_, err := f.manager.RequestExport(context.Background(), actor, Request{Format: "CSV"})
		assert.Equal(t, errcode.ExportTooLarge, errcode.CodeOf(err), "request %d", i+1)
	}

	for i := 0; i < 5; i++ {
		_, err := f.manager.RequestExport(context.Background(), actor, Request{Format: "CSV", DateFrom: &recent})
		require.NoError(t, err, "accepted request %d", i+1)
	}
	_, err := f.manager.RequestExport(context.Background(), actor, Request{Format: "CSV", DateFrom: &recent})
	assert.Equal(t, errcode.RateLimitExceeded, errcode.CodeOf(err))
}

func TestManager_SixthRequestIsRateLimited(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	actor := exporter("org-1")

	for i := 0; i < 5; i++ {
		_, err := f.manager.RequestExport(context.Background(), actor, Request{Format: "CSV"})
		require.NoError(t, err, "request %d", i+1)
	}

	_, err := f.manager.RequestExport(context.Background(), actor, Request{Format: "CSV"})
	assert.Equal(t, errcode.RateLimitExceeded, errcode.CodeOf(err))
	var limited *RateLimitError
	require.ErrorAs(t, err, &limited)
	assert.Positive(t, limited.RetryAfter)
	assert.Equal(t, 5, f.jobCount())

	other := actor
	other.UserID = "auditor-2"
	_, err = f.manager.RequestExport(context.Background(), other, Request{Format: "CSV"})
	assert.NoError(t, err, "the quota is per actor")
}

func TestManager_DistributedRateLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	limiter := middleware.NewDistributedRateLimiter(client, middleware.ExportRateLimitConfig(), "test:export")
	f := newFixture(t, Config{}, limiter)
	actor := exporter("org-1")

	for i := 0; i < 5; i++ {
		_, err := f.manager.RequestExport(context.Background(), actor, Request{Format: "JSON"})
		require.NoError(t, err)
	}
	_, err := f.manager.RequestExport(context.Background(), actor, Request{Format: "JSON"})
	assert.Equal(t, errcode.RateLimitExceeded, errcode.CodeOf(err))
}

func TestManager_LimiterOutageFailsOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	mr.Close()

	f := newFixture(t, Config{}, middleware.NewDistributedRateLimiter(client, middleware.ExportRateLimitConfig(), ""))
	_, err := f.manager.RequestExport(context.Background(), exporter("org-1"), Request{Format: "CSV"})
	assert.NoError(t, err)
}

func TestManager_GetStatusHidesForeignJobs(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	owner := exporter("org-1")
	job, err := f.manager.RequestExport(context.Background(), owner, Request{Format: "CSV"})
	require.NoError(t, err)

	_, err = f.manager.GetStatus(context.Background(), exporter("org-2"), job.ID())
	assert.Equal(t, errcode.ExportNotFound, errcode.CodeOf(err))

	colleague := owner
	colleague.UserID = "someone-else"
	_, err = f.manager.GetStatus(context.Background(), colleague, job.ID())
	assert.Equal(t, errcode.ExportNotFound, errcode.CodeOf(err))

	_, err = f.manager.GetStatus(context.Background(), owner, "missing")
	assert.Equal(t, errcode.ExportNotFound, errcode.CodeOf(err))
}

func TestManager_DetailsFollowPermission(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	f.seed(t, "org-1", 1)
	actor := exporter("org-1", audit.PermissionExport, audit.PermissionReadDetails)

	job, err := f.manager.RequestExport(context.Background(), actor, Request{Format: "CSV"})
	require.NoError(t, err)
	done := waitForState(t, f.manager, actor, job.ID(), StateCompleted)

	_, body, err := f.manager.Download(context.Background(), f.manager.View(done).DownloadToken)
	require.NoError(t, err)
	defer body.Close()
	rows, err := csv.NewReader(body).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Len(t, rows[0], len(csvBaseHeader)+len(csvDetailHeader))
	assert.Equal(t, "user-7", rows[1][7])
	assert.Equal(t, "198.51.100.4", rows[1][12])
}

func TestManager_GenerationFailureIsSanitised(t *testing.T) {
	f := newFixture(t, Config{TempDir: "/nonexistent/auditkeep-test"}, nil)
	actor := exporter("org-1")

	job, err := f.manager.RequestExport(context.Background(), actor, Request{Format: "CSV"})
	require.NoError(t, err)

	failed := waitForState(t, f.manager, actor, job.ID(), StateFailed)
	assert.Equal(t, "export generation failed", failed.ErrorMessage())
	assert.Empty(t, failed.Result().DownloadRef)
}

func TestManager_Sweep(t *testing.T) {
	f := newFixture(t, Config{JobTimeout: time.Minute, JobRecordTTL: time.Hour}, nil)
	f.seed(t, "org-1", 2)
	actor := exporter("org-1")

	job, err := f.manager.RequestExport(context.Background(), actor, Request{Format: "JSON"})
	require.NoError(t, err)
	done := waitForState(t, f.manager, actor, job.ID(), StateCompleted)
	require.Equal(t, 1, f.files.len())

	stuck := NewJob("stuck", actor, FormatCSV, audit.Filter{OrganizationID: "org-1"}, time.Now().Add(-2*time.Minute))
	require.NoError(t, f.jobs.Create(context.Background(), stuck))

	old, err := NewJob("old", actor, FormatCSV, audit.Filter{OrganizationID: "org-1"}, time.Now().Add(-3*time.Hour)).Fail(time.Now().Add(-2*time.Hour), "export timed out")
	require.NoError(t, err)
	require.NoError(t, f.jobs.Create(context.Background(), old))

	res, err := f.manager.Sweep(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Abandoned: 1, Deleted: 1}, res)

	abandoned, err := f.jobs.Get(context.Background(), "stuck")
	require.NoError(t, err)
	assert.Equal(t, StateFailed, abandoned.State())
	assert.Equal(t, "export was abandoned", abandoned.ErrorMessage())

	_, err = f.jobs.Get(context.Background(), "old")
	assert.ErrorIs(t, err, ErrJobNotFound)

	after := done.Result().ExpiresAt.Add(time.Second)
	res, err = f.manager.Sweep(context.Background(), after)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Expired)

	expired, err := f.manager.GetStatus(context.Background(), actor, job.ID())
	require.NoError(t, err)
	assert.Equal(t, StateExpired, expired.State())
	assert.Zero(t, f.files.len())

	_, _, err = f.manager.Download(context.Background(), f.manager.View(done).DownloadToken)
	assert.Equal(t, errcode.DownloadTokenExpired, errcode.CodeOf(err))
}

func TestManager_DownloadKeepsTokenWhenFileIsUnavailable(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	f.seed(t, "org-1", 2)
	actor := exporter("org-1")

	job, err := f.manager.RequestExport(context.Background(), actor, Request{Format: "CSV"})
	require.NoError(t, err)
	token := f.manager.View(waitForState(t, f.manager, actor, job.ID(), StateCompleted)).DownloadToken

	f.files.failOpens(errors.New("connection reset by peer"))
	_, _, err = f.manager.Download(context.Background(), token)
	assert.Equal(t, errcode.Internal, errcode.CodeOf(err))

	_, body, err := f.manager.Download(context.Background(), token)
	require.NoError(t, err, "a storage failure must not burn the token")
	defer body.Close()
	rows, err := csv.NewReader(body).ReadAll()
	require.NoError(t, err)
	assert.Len(t, rows, 3)

	_, _, err = f.manager.Download(context.Background(), token)
	assert.Equal(t, errcode.DownloadTokenExpired, errcode.CodeOf(err))
	assert.Equal(t, []audit.EventType{audit.EventTypeExportRequested, audit.EventTypeExportDownloaded}, f.recorder.recorded())
}

func TestManager_ViewRevealsTokenOnlyWhileCompleted(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	f.seed(t, "org-1", 1)
	actor := exporter("org-1")

	job, err := f.manager.RequestExport(context.Background(), actor, Request{Format: "JSON"})
	require.NoError(t, err)
	assert.Empty(t, f.manager.View(job).DownloadToken)

	done := waitForState(t, f.manager, actor, job.ID(), StateCompleted)
	view := f.manager.View(done)
	require.NotEmpty(t, view.DownloadToken)
	assert.NotEqual(t, done.Result().DownloadRef, view.DownloadToken)
	assert.Equal(t, f.tokens.Reveal(done.Result().DownloadRef), view.DownloadToken)

	expired, err := done.Expire(time.Now())
	require.NoError(t, err)
	assert.Empty(t, f.manager.View(expired).DownloadToken)

	data, err := json.Marshal(done)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "download_token")
	assert.NotContains(t, string(data), done.Result().DownloadRef)
}

func TestManager_JSONExportIsOneDocument(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	f.seed(t, "org-1", 3)
	actor := exporter("org-1")

	job, err := f.manager.RequestExport(context.Background(), actor, Request{Format: "JSON"})
	require.NoError(t, err)
	done := waitForState(t, f.manager, actor, job.ID(), StateCompleted)

	_, body, err := f.manager.Download(context.Background(), f.manager.View(done).DownloadToken)
	require.NoError(t, err)
	defer body.Close()
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"count":3}`)
	assert.Contains(t, string(data), `"job_id":"`+job.ID()+`"`)
}
