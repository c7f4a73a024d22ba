package audit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/auditkeep/pkg/errcode"
	"github.com/platinummonkey/auditkeep/pkg/observability"
)

func TestEraser_EraseSubject(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	subject := seed(t, store, "org-1", 7, testTime)
	other := mustBuild(t, loginRequest("org-1", "user-2"), testTime)
	require.NoError(t, store.Append(ctx, other))
	foreign := mustBuild(t, loginRequest("org-2", "user-1"), testTime)
	require.NoError(t, store.Append(ctx, foreign))

	rec := &captureRecorder{}
	eraser := NewEraser(store, rec, 3, observability.NopLogger())

	result, err := eraser.EraseSubject(ctx, readActor("org-1", PermissionErase), "user-1")
	require.NoError(t, err)
	assert.Equal(t, 7, result.Scanned)
	assert.Equal(t, 7, result.Redacted)
	assert.Equal(t, "rec-GDPR_ERASURE", result.AuditEventID)

	for _, e := range subject {
		stored, err := store.Get(ctx, "org-1", e.ID())
		require.NoError(t, err)
		assert.True(t, stored.Redacted())
		assert.True(t, Verify(stored))
		assert.Equal(t, RedactionMarker, stored.Security().IPAddress)
	}

	untouched, err := store.Get(ctx, "org-1", other.ID())
	require.NoError(t, err)
	assert.False(t, untouched.Redacted())
	untouched, err = store.Get(ctx, "org-2", foreign.ID())
	require.NoError(t, err)
	assert.False(t, untouched.Redacted())

	reqs := rec.recorded()
	require.Len(t, reqs, 1)
	assert.Equal(t, EventTypeGDPRErasure, reqs[0].Type)
	assert.Equal(t, "user-1", reqs[0].Payload.EntityID)

	again, err := eraser.EraseSubject(ctx, readActor("org-1", PermissionErase), "user-1")
	require.NoError(t, err)
	assert.Zero(t, again.Redacted)
	assert.Equal(t, 7, again.AlreadyRedacted)
}

func TestEraser_Refusals(t *testing.T) {
	eraser := NewEraser(NewMemoryStore(), nil, 0, nil)

	_, err := eraser.EraseSubject(context.Background(), readActor("org-1", PermissionRead), "user-1")
	assert.Equal(t, errcode.AccessDenied, errcode.CodeOf(err))

	_, err = eraser.EraseSubject(context.Background(), readActor("org-1", PermissionErase), "")
	assert.Equal(t, errcode.ValidationFailed, errcode.CodeOf(err))
}
