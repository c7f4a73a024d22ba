// Package observability provides structured logging, Prometheus metrics, health
// checks, graceful shutdown and OpenTelemetry tracing.
//
// # Structured Logging
//
//	logger := observability.NewLogger("info", "json", os.Stdout)
//	observability.LoggerFromContext(ctx, logger).Info("sweep finished")
//
// LoggerFromContext adds request_id, trace_id and span_id when the context carries
// them. Inside an HTTP request the context already holds a request-scoped logger.
//
// # Prometheus Metrics
//
//	registry := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(registry)
//	metrics.EventRecorded("AUTHENTICATION")
//	router.Handle("/metrics", observability.MetricsHandler(registry))
//
// Helper methods are nil-safe; components accept a nil *Metrics.
//
// # Health Checks
//
//	checker := observability.NewHealthChecker(db, redisClient, version)
//	router.HandleFunc("/readyz", checker.Readiness)
//
// The database is required. Redis only degrades the status. Other dependencies
// register their own probes:
//
//	checker.AddCheck("archive", false, archiver.HealthCheck)
//
// # Shutdown
//
//	sm := observability.NewShutdownManager(logger, server, 30*time.Second)
//	sm.RegisterShutdownFunc("recorder", recorder.Close)
//	sm.WaitForShutdown()
//
// # OpenTelemetry
//
//	providers, err := observability.InitOTel(ctx, cfg.Observability.OTel, logger)
//	defer observability.ShutdownOTel(ctx, providers, logger)
package observability
