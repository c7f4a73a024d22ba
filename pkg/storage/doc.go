// Package storage holds the infrastructure backends behind the audit and export
// packages: where export files live, where swept events are archived, and how
// the service connects to PostgreSQL and Redis.
//
// # Export files
//
// FilesystemFileStore and S3FileStore implement the blob surface the export
// manager writes finished files to (Put, Open, Delete). Keys are slash
// separated; the filesystem store refuses keys that are absolute or escape its
// root. S3 operations run inside OpenTelemetry spans and upload with a sha256
// checksum in the object metadata.
//
// # Cold archive
//
// The retention sweeper archives events before deleting them. Two archivers are
// available:
//
//   - ObjectArchiver writes one JSON object per event to any ObjectStore, at
//     archive/{org}/{yyyy}/{mm}/{dd}/{id}.json
//   - SQLiteArchiver keeps one row per event in a local SQLite database
//
// Both are idempotent per event id and both can Restore an event, verifying its
// digest on the way out.
//
// # Connections
//
// ConnectionManager owns the PostgreSQL primary and its read replicas, selected
// round-robin. NewRedisClient builds the client shared by the distributed rate
// limiter and the download token store.
//
//	cm, err := storage.NewConnectionManager(ctx, cfg, logger)
//	events, err := audit.NewDBStore(cm.Primary())
//	reads, err := audit.NewDBStore(cm.Replica())
package storage
