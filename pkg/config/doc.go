// Package config loads the service configuration from AUDITKEEP_* environment
// variables, applies defaults and validates the result before anything starts.
//
// Server:
//
//	AUDITKEEP_HOST="0.0.0.0"
//	AUDITKEEP_PORT="8080"
//	AUDITKEEP_SHUTDOWN_TIMEOUT="30s"
//
// Storage:
//
//	AUDITKEEP_POSTGRES_URL="postgres://audit@db/audit?sslmode=disable"  # required
//	AUDITKEEP_POSTGRES_REPLICA_URLS="postgres://r1/audit,postgres://r2/audit"
//	AUDITKEEP_EXPORT_BACKEND="filesystem"   # filesystem, s3
//	AUDITKEEP_ARCHIVE_BACKEND="filesystem"  # filesystem, s3, sqlite
//	AUDITKEEP_FILESYSTEM_ROOT="/var/lib/auditkeep"
//	AUDITKEEP_S3_BUCKET="audit-exports"
//	AUDITKEEP_REDIS_URL="redis://cache:6379/0"
//
// Recording and retention:
//
//	AUDITKEEP_RECORDER_OVERFLOW="block"     # block, reject, drop_oldest
//	AUDITKEEP_RETENTION_POLICY_FILE="/etc/auditkeep/retention.yaml"
//	AUDITKEEP_RETENTION_SCHEDULE="0 3 * * *"
//	AUDITKEEP_EXPORT_SWEEP_SCHEDULE="@every 15m"
//
// Exports and downloads:
//
//	AUDITKEEP_EXPORT_MAX_RECORDS="100000"
//	AUDITKEEP_EXPORT_RATE_LIMIT="5"
//	AUDITKEEP_EXPORT_RATE_WINDOW="1h"
//	AUDITKEEP_DOWNLOAD_TOKEN_STORE="memory"  # memory, redis
//	AUDITKEEP_DOWNLOAD_TOKEN_WINDOW="24h"
//
// Observability:
//
//	AUDITKEEP_LOG_LEVEL="info"
//	AUDITKEEP_LOG_FORMAT="text"  # text, json
//	AUDITKEEP_OTEL_ENABLED="false"
//	AUDITKEEP_OTEL_ENDPOINT="localhost:4317"
//
// Unparseable numbers and durations fall back to their defaults; invalid
// choices (backends, schedules, log levels, policy files) fail LoadConfig.
package config
