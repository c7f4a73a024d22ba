package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/auditkeep/pkg/async"
)

// opener is sql.Open; tests replace it to hand out sqlmock connections
var opener = sql.Open

// ConnectionManager owns the PostgreSQL primary and its read replicas. Writes
// (recording, sweeping, export jobs) use Primary; the query surface reads from
// Replica.
type ConnectionManager struct {
	primary  *sql.DB
	replicas []*sql.DB
	current  uint32
	mu       sync.RWMutex
	cfg      Config
	logger   logrus.FieldLogger
}

// ConnectionStats holds pool statistics for all connections
type ConnectionStats struct {
	Primary  sql.DBStats
	Replicas []sql.DBStats
}

// NewConnectionManager connects to the primary and every reachable replica.
// An unreachable replica is logged and skipped.
func NewConnectionManager(ctx context.Context, cfg Config, logger logrus.FieldLogger) (*ConnectionManager, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	cm := &ConnectionManager{
		cfg:    cfg,
		logger: logger.WithField("component", "postgres"),
	}

	primary, err := cm.open(ctx, cfg.PostgresURL, cfg.PostgresMaxConns)
	if err != nil {
		return nil, fmt.Errorf("primary: %w", err)
	}
	cm.primary = primary

	for i, url := range cfg.PostgresReplicaURLs {
		replica, err := cm.open(ctx, url, replicaPoolSize(cfg.PostgresMaxConns))
		if err != nil {
			cm.logger.WithError(err).WithField("replica", i).Warn("Skipping unreachable replica")
			continue
		}
		cm.replicas = append(cm.replicas, replica)
	}

	cm.logger.WithField("replicas", len(cm.replicas)).Info("Connection manager initialized")
	return cm, nil
}

func (cm *ConnectionManager) open(ctx context.Context, url string, maxConns int) (*sql.DB, error) {
	db, err := opener("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open connection: %w", err)
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(cm.cfg.PostgresMinConns)
	db.SetConnMaxLifetime(cm.cfg.PostgresMaxLifetime)
	db.SetConnMaxIdleTime(cm.cfg.PostgresMaxIdleTime)

	timeout := cm.cfg.PostgresTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping: %w", err)
	}
	return db, nil
}

func replicaPoolSize(maxConns int) int {
	n := maxConns / 2
	if n < 2 {
		n = 2
	}
	return n
}

// Primary returns the primary database connection
func (cm *ConnectionManager) Primary() *sql.DB {
	return cm.primary
}

// Replica returns a read replica chosen round-robin, or the primary when no
// replica is available
func (cm *ConnectionManager) Replica() *sql.DB {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if len(cm.replicas) == 0 {
		return cm.primary
	}
	index := atomic.AddUint32(&cm.current, 1)
	return cm.replicas[int(index%uint32(len(cm.replicas)))]
}

// HealthCheck fails when the primary is down or when there are replicas and
// none of them answers. A partial replica outage is left to the pruning routine.
func (cm *ConnectionManager) HealthCheck(ctx context.Context) error {
	if err := cm.primary.PingContext(ctx); err != nil {
		return fmt.Errorf("primary unhealthy: %w", err)
	}
	replicas := cm.snapshot()
	if len(replicas) == 0 {
		return nil
	}
	var errs []error
	for i, db := range replicas {
		err := db.PingContext(ctx)
		if err == nil {
			return nil
		}
		errs = append(errs, fmt.Errorf("replica-%d: %w", i, err))
	}
	return fmt.Errorf("all replicas unhealthy: %w", errors.Join(errs...))
}

func (cm *ConnectionManager) snapshot() []*sql.DB {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return append([]*sql.DB(nil), cm.replicas...)
}

// Stats reports pool statistics for the primary and each replica
func (cm *ConnectionManager) Stats() ConnectionStats {
	replicas := cm.snapshot()
	stats := ConnectionStats{Primary: cm.primary.Stats(), Replicas: make([]sql.DBStats, 0, len(replicas))}
	for _, db := range replicas {
		stats.Replicas = append(stats.Replicas, db.Stats())
	}
	return stats
}

// RemoveUnhealthyReplicas closes replicas that fail a ping and reports how many
// were dropped. Replica then routes around them; once all are gone it serves the
// primary.
func (cm *ConnectionManager) RemoveUnhealthyReplicas(ctx context.Context) int {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	kept := cm.replicas[:0]
	var dropped []*sql.DB
	for _, db := range cm.replicas {
		if db.PingContext(ctx) != nil {
			dropped = append(dropped, db)
			continue
		}
		kept = append(kept, db)
	}
	cm.replicas = kept
	for _, db := range dropped {
		db.Close()
	}
	return len(dropped)
}

// StartHealthCheckRoutine prunes unhealthy replicas on every tick until ctx is
// cancelled. interval defaults to 30s.
func (cm *ConnectionManager) StartHealthCheckRoutine(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	async.SafeGo(ctx, 0, "replica pruning", cm.logger, func(ctx context.Context) error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				cm.prune(ctx)
			}
		}
	})
}

func (cm *ConnectionManager) prune(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if n := cm.RemoveUnhealthyReplicas(ctx); n > 0 {
		cm.logger.WithFields(logrus.Fields{"removed": n, "remaining": len(cm.snapshot())}).Warn("Dropped unhealthy replicas")
	}
}

// Close closes the primary and every replica
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	replicas := cm.replicas
	cm.replicas = nil
	cm.mu.Unlock()

	var errs []error
	if err := cm.primary.Close(); err != nil {
		errs = append(errs, fmt.Errorf("primary: %w", err))
	}
	for i, db := range replicas {
		if err := db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("replica-%d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// ParseReplicaURLs splits a comma-separated URL list, dropping blanks
func ParseReplicaURLs(s string) []string {
	var urls []string
	for _, part := range strings.Split(s, ",") {
		if u := strings.TrimSpace(part); u != "" {
			urls = append(urls, u)
		}
	}
	return urls
}
