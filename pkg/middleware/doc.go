// Package middleware provides request identity and rate limiting for the HTTP API.
//
// # Actor identity
//
// Authentication happens upstream. The gateway forwards the caller as headers and
// ActorMiddleware turns them into an audit.Actor:
//
//	X-Organization-ID: org-1
//	X-User-ID:         user-42
//	X-Permissions:     audit:read,audit:export
//
// Handlers read it back with ActorFromRequest. A request without an organization
// carries the zero Actor and is refused by every audit operation.
//
// # Rate limiting
//
// Both limiters implement Limiter as a sliding window log:
//
//	limiter := middleware.NewRateLimiter(middleware.DefaultRateLimitConfig())
//	router.Use(middleware.RateLimit(limiter, logger))
//
//	shared := middleware.NewDistributedRateLimiter(redisClient, middleware.ExportRateLimitConfig(), "auditkeep:export")
//
// The export manager uses a Limiter directly to cap export requests per actor
// (5 per hour by default).
package middleware
