package storage

import (
	"fmt"
	"time"
)

// Archive backends
const (
	BackendFilesystem = "filesystem"
	BackendS3         = "s3"
	BackendSQLite     = "sqlite"
)

// Config for the storage backends
type Config struct {
	// Export file backend: "filesystem" or "s3"
	ExportBackend string
	// Cold archive backend: "filesystem", "s3" or "sqlite"
	ArchiveBackend string

	// Filesystem config
	FilesystemRoot string

	// SQLite archive
	SQLitePath string

	// PostgreSQL config
	PostgresURL         string
	PostgresReplicaURLs []string
	PostgresMaxConns    int
	PostgresMinConns    int
	PostgresTimeout     time.Duration
	PostgresMaxLifetime time.Duration
	PostgresMaxIdleTime time.Duration

	// S3 config
	S3Endpoint     string
	S3Region       string
	S3Bucket       string
	S3AccessKey    string
	S3SecretKey    string
	S3UsePathStyle bool

	// Redis config
	RedisURL        string
	RedisPassword   string
	RedisDB         int
	RedisMaxRetries int
	RedisPoolSize   int
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() Config {
	return Config{
		ExportBackend:       BackendFilesystem,
		ArchiveBackend:      BackendFilesystem,
		FilesystemRoot:      "/var/lib/auditkeep",
		SQLitePath:          "/var/lib/auditkeep/archive.db",
		PostgresMaxConns:    20,
		PostgresMinConns:    2,
		PostgresTimeout:     10 * time.Second,
		PostgresMaxLifetime: 30 * time.Minute,
		PostgresMaxIdleTime: 5 * time.Minute,
		S3Region:            "us-east-1",
		RedisDB:             0,
		RedisMaxRetries:     3,
		RedisPoolSize:       10,
	}
}

// Validate checks backend selections and their required settings
func (c Config) Validate() error {
	switch c.ExportBackend {
	case BackendFilesystem, BackendS3:
	default:
		return fmt.Errorf("unknown export backend %q", c.ExportBackend)
	}
	switch c.ArchiveBackend {
	case BackendFilesystem, BackendS3:
	case BackendSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("sqlite archive requires a database path")
		}
	default:
		return fmt.Errorf("unknown archive backend %q", c.ArchiveBackend)
	}
	if (c.ExportBackend == BackendFilesystem || c.ArchiveBackend == BackendFilesystem) && c.FilesystemRoot == "" {
		return fmt.Errorf("filesystem backend requires a root directory")
	}
	if (c.ExportBackend == BackendS3 || c.ArchiveBackend == BackendS3) && c.S3Bucket == "" {
		return fmt.Errorf("s3 backend requires a bucket")
	}
	return nil
}
