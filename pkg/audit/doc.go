// Package audit records tamper-evident audit events and serves them back to tenants.
//
// # Overview
//
// Every event is sealed with a SHA-256 digest over its decision record (id,
// organization, actor, type, description, timestamp and a hash of the canonical
// metadata). IP address, user agent, state snapshots and compliance tags sit outside
// the digest so they can be redacted later without breaking verification.
//
// Events are values. Fields are read through accessors and changed only through
// operations that return a new Event.
//
// # Recording
//
//	recorder := audit.NewRecorder(store, policy, audit.DefaultRecorderConfig(), logger, metrics)
//	id, err := recorder.Record(ctx, audit.RecordRequest{
//		OrganizationID: "org-1",
//		ActorID:        "user-42",
//		Type:           audit.EventTypeLogin,
//		Description:    "User signed in",
//		Security:       audit.SecurityContext{IPAddress: "10.0.0.1"},
//	})
//
// The recorder verifies the digest before anything is written and drains a bounded
// queue with a fixed set of workers. When the queue is full the OverflowPolicy
// decides: block (default), reject or drop_oldest.
//
// # Reading
//
// QueryService scopes every query to the caller's organization, validates the
// filter, pagination and sort, and verifies each returned event. A digest mismatch
// is reported to the IntegrityAlerter; the event is still returned, flagged as
// unverified. Callers without audit:read_details get the redacted view.
//
// # Storage
//
// MemoryStore backs tests and single-node setups; DBStore persists to PostgreSQL.
// Both guarantee that events under legal hold are never deleted.
//
// # Erasure
//
// Eraser strips IP address, user agent and state snapshots from every event of one
// subject and records a GDPR_ERASURE event. Digests stay valid.
package audit
