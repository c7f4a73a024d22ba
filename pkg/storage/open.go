package storage

import (
	"context"
	"fmt"

	"github.com/platinummonkey/auditkeep/pkg/audit"
	"github.com/platinummonkey/auditkeep/pkg/observability"
)

// Archiver is a cold store for swept events
type Archiver interface {
	Archive(ctx context.Context, e audit.Event) error
}

// OpenObjectStore builds the blob backend named by backend. Export files and
// archived events share one bucket or root; their keys never overlap.
func OpenObjectStore(ctx context.Context, backend string, cfg Config, metrics *observability.Metrics) (ObjectStore, error) {
	switch backend {
	case BackendFilesystem:
		return NewFilesystemFileStore(cfg.FilesystemRoot, metrics)
	case BackendS3:
		return NewS3FileStore(ctx, cfg, "", metrics)
	default:
		return nil, fmt.Errorf("unsupported object backend: %q", backend)
	}
}

// OpenArchiver builds the archive backend of cfg. The returned close func releases
// the backend and is never nil.
func OpenArchiver(ctx context.Context, cfg Config, metrics *observability.Metrics) (Archiver, func() error, error) {
	noop := func() error { return nil }

	if cfg.ArchiveBackend == BackendSQLite {
		a, err := NewSQLiteArchiver(ctx, cfg.SQLitePath, metrics)
		if err != nil {
			return nil, noop, err
		}
		return a, a.Close, nil
	}

	objects, err := OpenObjectStore(ctx, cfg.ArchiveBackend, cfg, metrics)
	if err != nil {
		return nil, noop, fmt.Errorf("archive backend: %w", err)
	}
	return NewObjectArchiver(objects), noop, nil
}
