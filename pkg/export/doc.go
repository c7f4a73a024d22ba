// Package export turns filtered audit events into downloadable files.
//
// A request is checked in a fixed order and rejected without creating a job at the
// first failure: permission, format and filter validation, the per-actor rate
// limit, and finally the number of matching events. An accepted request becomes a
// PENDING Job and generation continues in the background:
//
//	PENDING ──> PROCESSING ──> COMPLETED ──> EXPIRED
//	   │             │
//	   └─────────────┴──> FAILED
//
// Job is a value. Start, WithProgress, Complete, Fail and Expire return a new Job and
// refuse any move missing from the transition table. Stores save a job only if it
// is still in the state the caller read, so a sweep and a generator never both win.
//
// Generation streams events in keyset order into a temporary file (CSV, JSON or
// PDF), hands the file to a FileStore and mints a single-use download token. A
// semaphore bounds concurrent generations and every job runs under a deadline.
// Manager.Sweep expires completed jobs after the download window, fails jobs that
// were abandoned and drops old job records.
package export
