package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/auditkeep/pkg/audit"
	"github.com/platinummonkey/auditkeep/pkg/config"
	"github.com/platinummonkey/auditkeep/pkg/observability"
	"github.com/platinummonkey/auditkeep/pkg/retention"
	"github.com/platinummonkey/auditkeep/pkg/storage"
)

var (
	runOnce     = flag.Bool("run-once", false, "Run one sweep, print the report and exit")
	asOf        = flag.String("now", "", "Sweep as of this RFC3339 time instead of the current time. Only used with -run-once")
	schedule    = flag.String("schedule", "", "Cron schedule overriding AUDITKEEP_RETENTION_SCHEDULE")
	metricsAddr = flag.String("metrics-addr", "", "Serve /metrics on this address in scheduled mode")
)

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}
	logger := observability.NewLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat, os.Stderr)

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Fatal("Retention sweeper failed")
	}
}

func run(cfg *config.Config, logger *logrus.Logger) error {
	ctx := context.Background()

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	// The sweeper deletes, so it never reads from a replica
	cfg.Storage.PostgresReplicaURLs = nil
	cm, err := storage.NewConnectionManager(ctx, cfg.Storage, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	defer cm.Close()

	events, err := audit.NewDBStore(cm.Primary())
	if err != nil {
		return err
	}
	if err := events.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("failed to prepare audit schema: %w", err)
	}

	policy, err := cfg.Policy()
	if err != nil {
		return err
	}
	archiver, closeArchiver, err := storage.OpenArchiver(ctx, cfg.Storage, metrics)
	if err != nil {
		return err
	}
	defer closeArchiver()

	sweeper, err := retention.NewSweeper(events, policy, archiver, cfg.Retention.Sweeper, logger, metrics)
	if err != nil {
		return err
	}

	if *runOnce {
		now := time.Now().UTC()
		if *asOf != "" {
			now, err = time.Parse(time.RFC3339, *asOf)
			if err != nil {
				return fmt.Errorf("invalid -now: %w", err)
			}
		}
		report, err := sweeper.RunAt(ctx, now)
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(report); encErr != nil {
			logger.WithError(encErr).Warn("Failed to print sweep report")
		}
		if err != nil {
			return err
		}
		if report.Failed > 0 {
			return fmt.Errorf("%d events could not be swept", report.Failed)
		}
		return nil
	}

	spec := cfg.Retention.Schedule
	if *schedule != "" {
		spec = *schedule
	}
	scheduler := retention.NewScheduler(logger)
	if err := scheduler.AddSweep(spec, sweeper); err != nil {
		return err
	}

	var srv *http.Server
	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", observability.MetricsHandler(registry))
		srv = &http.Server{Addr: *metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.WithError(err).Error("Metrics server failed")
			}
		}()
	}

	scheduler.Start()
	logger.WithField("schedule", spec).Info("Retention sweeper started")

	sm := observability.NewShutdownManager(logger, srv, cfg.Server.ShutdownTimeout)
	sm.RegisterShutdownFunc("scheduler", scheduler.Stop)
	return sm.WaitForShutdown()
}
