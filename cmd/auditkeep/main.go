package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/auditkeep/pkg/api"
	"github.com/platinummonkey/auditkeep/pkg/audit"
	"github.com/platinummonkey/auditkeep/pkg/config"
	"github.com/platinummonkey/auditkeep/pkg/download"
	"github.com/platinummonkey/auditkeep/pkg/export"
	"github.com/platinummonkey/auditkeep/pkg/middleware"
	"github.com/platinummonkey/auditkeep/pkg/observability"
	"github.com/platinummonkey/auditkeep/pkg/retention"
	"github.com/platinummonkey/auditkeep/pkg/storage"
)

var version = "dev"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat, os.Stdout)
	logger.WithField("version", version).Info("Starting auditkeep")

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Fatal("auditkeep stopped with an error")
	}
}

func run(cfg *config.Config, logger *logrus.Logger) error {
	ctx := context.Background()
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()

	providers, err := observability.InitOTel(ctx, cfg.Observability.OTel, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	var (
		registry *prometheus.Registry
		metrics  *observability.Metrics
	)
	if cfg.Observability.MetricsEnabled {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		metrics = observability.NewMetrics(registry)
	}

	// Postgres: writes go to the primary, the query surface reads replicas
	cm, err := storage.NewConnectionManager(ctx, cfg.Storage, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	cm.StartHealthCheckRoutine(bgCtx, time.Minute)

	events, err := audit.NewDBStore(cm.Primary())
	if err != nil {
		return err
	}
	if err := events.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("failed to prepare audit schema: %w", err)
	}
	reads, err := audit.NewDBStore(cm.Replica())
	if err != nil {
		return err
	}

	policy, err := cfg.Policy()
	if err != nil {
		return err
	}

	var recorderOpts []audit.RecorderOption
	closeSpill := func() error { return nil }
	if cfg.Recorder.SpillPath != "" {
		spill, err := audit.OpenFileSpill(cfg.Recorder.SpillPath)
		if err != nil {
			return err
		}
		n, err := spill.Replay(ctx, events)
		if err != nil {
			logger.WithError(err).WithField("replayed", n).Error("Spilled audit events could not all be replayed; they stay in the spill file")
		} else if n > 0 {
			logger.WithField("replayed", n).Info("Replayed spilled audit events")
		}
		recorderOpts = append(recorderOpts, audit.WithSpill(spill))
		closeSpill = spill.Close
	} else if cfg.Recorder.Workers > 0 {
		logger.Warn("No recorder spill path configured; events the store refuses are held in memory until shutdown")
	}
	recorder := audit.NewRecorder(events, policy, cfg.Recorder, logger, metrics, recorderOpts...)
	alerter := audit.NewSecurityAlerter(recorder, logger, metrics, cfg.Retention.AlertWindow)
	query := audit.NewQueryService(reads, alerter, logger)
	eraser := audit.NewEraser(events, recorder, cfg.Retention.Sweeper.BatchSize, logger)

	var redisClient *redis.Client
	if cfg.Storage.RedisURL != "" {
		redisClient, err = storage.NewRedisClient(ctx, cfg.Storage)
		if err != nil {
			return err
		}
	}

	if len(cfg.Download.Secret) == 0 {
		logger.Warn("No download token secret configured; download links do not survive a restart")
	}
	tokens := download.NewService(tokenStore(cfg, redisClient), cfg.Download.Config, logger, metrics)

	files, err := storage.OpenObjectStore(ctx, cfg.Storage.ExportBackend, cfg.Storage, metrics)
	if err != nil {
		return fmt.Errorf("export backend: %w", err)
	}
	jobs, err := export.NewDBJobStore(cm.Primary())
	if err != nil {
		return err
	}
	if err := jobs.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("failed to prepare export schema: %w", err)
	}

	apiLimiter, stopAPILimiter := newLimiter(cfg.RateLimit.API, cfg.RateLimit.Distributed, redisClient, "auditkeep:ratelimit:api")
	exportLimiter, stopExportLimiter := newLimiter(cfg.RateLimit.Export, cfg.RateLimit.Distributed, redisClient, "auditkeep:ratelimit:export")

	manager, err := export.NewManager(export.Dependencies{
		Jobs:     jobs,
		Events:   reads,
		Files:    files,
		Tokens:   tokens,
		Limiter:  exportLimiter,
		Recorder: recorder,
		Alerter:  alerter,
	}, cfg.Export, logger, metrics)
	if err != nil {
		return err
	}

	archiver, closeArchiver, err := storage.OpenArchiver(ctx, cfg.Storage, metrics)
	if err != nil {
		return err
	}
	sweeper, err := retention.NewSweeper(events, policy, archiver, cfg.Retention.Sweeper, logger, metrics)
	if err != nil {
		return err
	}

	scheduler := retention.NewScheduler(logger)
	if err := scheduler.AddSweep(cfg.Retention.Schedule, sweeper); err != nil {
		return err
	}
	err = scheduler.AddJob("export_sweep", cfg.Retention.ExportSweepSchedule, func(ctx context.Context) error {
		res, err := manager.Sweep(ctx, time.Now())
		if err != nil {
			return err
		}
		logger.WithFields(logrus.Fields{
			"expired":   res.Expired,
			"abandoned": res.Abandoned,
			"deleted":   res.Deleted,
		}).Info("Export sweep finished")
		return nil
	})
	if err != nil {
		return err
	}

	health := observability.NewHealthChecker(nil, redisClient, version)
	health.AddCheck("postgres", true, cm.HealthCheck)
	if p, ok := files.(prober); ok {
		health.AddCheck("export_files", true, p.HealthCheck)
	}
	if p, ok := archiver.(prober); ok {
		health.AddCheck("archive", false, p.HealthCheck)
	}

	server := api.NewServer(
		audit.NewHandlers(query, eraser, logger),
		export.NewHandlers(manager, logger),
		api.Options{
			Logger:       logger,
			Metrics:      metrics,
			Registry:     registry,
			Health:       health,
			Limiter:      apiLimiter,
			MaxBodyBytes: cfg.Server.MaxBodyBytes,
			Tracing:      cfg.Observability.OTel.Enabled,
			Version:      version,
		},
	)

	srv := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      server,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Producers stop before the stores they write to close
	sm := observability.NewShutdownManager(logger, srv, cfg.Server.ShutdownTimeout)
	sm.RegisterShutdownFunc("scheduler", scheduler.Stop)
	sm.RegisterShutdownFunc("export manager", manager.Close)
	sm.RegisterShutdownFunc("recorder", recorder.Close)
	sm.RegisterShutdownFunc("recorder spill", func(context.Context) error { return closeSpill() })
	sm.RegisterShutdownFunc("rate limiters", func(context.Context) error {
		stopAPILimiter()
		stopExportLimiter()
		return nil
	})
	sm.RegisterShutdownFunc("archiver", func(context.Context) error { return closeArchiver() })
	if redisClient != nil {
		sm.RegisterShutdownFunc("redis", func(context.Context) error { return redisClient.Close() })
	}
	sm.RegisterShutdownFunc("postgres", func(context.Context) error {
		bgCancel()
		return cm.Close()
	})
	sm.RegisterShutdownFunc("opentelemetry", func(ctx context.Context) error {
		return observability.ShutdownOTel(ctx, providers, logger)
	})

	scheduler.Start()

	serveErr := make(chan error, 1)
	go func() {
		logger.WithField("addr", srv.Addr).Info("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	shutdown := make(chan error, 1)
	go func() { shutdown <- sm.WaitForShutdown() }()

	select {
	case err := <-serveErr:
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return errors.Join(fmt.Errorf("http server: %w", err), sm.Shutdown(ctx))
	case err := <-shutdown:
		return err
	}
}

type prober interface {
	HealthCheck(ctx context.Context) error
}

func tokenStore(cfg *config.Config, redisClient *redis.Client) download.Store {
	if cfg.Download.Store == config.TokenStoreRedis && redisClient != nil {
		return download.NewRedisStore(redisClient, "auditkeep:download")
	}
	return download.NewMemoryStore(cfg.Download.MemoryCapacity, cfg.Download.Window+cfg.Download.Grace)
}

// newLimiter returns the limiter and a func that stops its background work
func newLimiter(cfg middleware.RateLimitConfig, distributed bool, redisClient *redis.Client, prefix string) (middleware.Limiter, func()) {
	if distributed && redisClient != nil {
		return middleware.NewDistributedRateLimiter(redisClient, cfg, prefix), func() {}
	}
	limiter := middleware.NewRateLimiter(cfg)
	limiter.StartCleanup(time.Minute)
	return limiter, limiter.Stop
}
