package audit

import (
	"errors"

	"github.com/platinummonkey/auditkeep/pkg/errcode"
)

var (
	// ErrEventNotFound is returned when an event does not exist or belongs to another
	// organization
	ErrEventNotFound = errcode.New(errcode.EventNotFound, "audit event not found")

	// ErrAccessDenied is returned when the actor lacks tenant context or permission
	ErrAccessDenied = errcode.New(errcode.AccessDenied, "access denied")

	// ErrDigestMismatch is an internal consistency failure on the write path
	ErrDigestMismatch = errcode.New(errcode.Internal, "digest verification failed before write")

	// ErrQueueFull is returned by the recorder when its overflow policy rejects a write
	ErrQueueFull = errcode.New(errcode.RecorderOverloaded, "audit recorder queue is full")

	// ErrDuplicateEvent is returned by stores that already hold an event with the id
	ErrDuplicateEvent = errors.New("audit event already exists")

	// ErrRecorderClosed is returned after Close
	ErrRecorderClosed = errors.New("audit recorder is closed")

	// ErrInvalidEvent is returned for malformed producer input
	ErrInvalidEvent = errcode.New(errcode.ValidationFailed, "invalid audit event")
)
