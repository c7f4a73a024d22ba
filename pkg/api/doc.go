// Package api assembles the HTTP server: audit and export routes, operational
// endpoints and the middleware chain.
//
//	server := api.NewServer(auditHandlers, exportHandlers, api.Options{
//		Logger:   logger,
//		Metrics:  metrics,
//		Registry: registry,
//		Health:   observability.NewHealthChecker(db, redisClient, version),
//		Limiter:  middleware.NewRateLimiter(cfg.RateLimit.API),
//	})
//	http.ListenAndServe(":8080", server)
//
// Audit and export requests pass through, in order: request ID, panic recovery,
// access logging, body limit, actor extraction, the API quota and route metrics.
package api
