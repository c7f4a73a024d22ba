package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/auditkeep/pkg/audit"
	"github.com/platinummonkey/auditkeep/pkg/export"
	"github.com/platinummonkey/auditkeep/pkg/httputil"
	"github.com/platinummonkey/auditkeep/pkg/middleware"
	"github.com/platinummonkey/auditkeep/pkg/observability"
)

// Options configures the ambient parts of the server. Every field is optional.
type Options struct {
	Logger   logrus.FieldLogger
	Metrics  *observability.Metrics
	Registry *prometheus.Registry
	Health   *observability.HealthChecker
	// Limiter is the per-actor API quota; nil disables it
	Limiter      middleware.Limiter
	MaxBodyBytes int64
	// Tracing wraps the server in an OpenTelemetry span per request
	Tracing bool
	Version string
}

// Server is the HTTP surface of the audit subsystem
type Server struct {
	router  *mux.Router
	handler http.Handler
}

// NewServer mounts the audit and export routes behind the identity, quota and
// metrics middleware. Operational endpoints (/healthz, /readyz, /metrics) skip
// identity and quotas.
func NewServer(audits *audit.Handlers, exports *export.Handlers, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}

	s := &Server{router: mux.NewRouter()}
	s.setupRoutes(audits, exports, opts)

	var handler http.Handler = s.router
	handler = httputil.Chain(
		httputil.RequestIDMiddleware,
		httputil.RecoveryMiddleware(opts.Logger),
		httputil.LoggingMiddleware(opts.Logger),
		httputil.MaxBytesMiddleware(opts.MaxBodyBytes),
	)(handler)
	if opts.Tracing {
		handler = otelhttp.NewHandler(handler, "auditkeep")
	}
	s.handler = handler
	return s
}

func (s *Server) setupRoutes(audits *audit.Handlers, exports *export.Handlers, opts Options) {
	s.router.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		httputil.WriteSuccess(w, map[string]string{"status": observability.StatusHealthy, "version": opts.Version}) //nolint:errcheck
	}).Methods(http.MethodGet)
	if opts.Health != nil {
		s.router.HandleFunc("/readyz", opts.Health.Readiness).Methods(http.MethodGet)
	}
	if opts.Registry != nil {
		s.router.Handle("/metrics", observability.MetricsHandler(opts.Registry)).Methods(http.MethodGet)
	}

	v1 := s.router.NewRoute().Subrouter()
	v1.Use(middleware.ActorMiddleware)
	if opts.Limiter != nil {
		v1.Use(middleware.RateLimit(opts.Limiter, opts.Logger))
	}
	v1.Use(observability.HTTPMetricsMiddleware(opts.Metrics, routeTemplate))

	if audits != nil {
		audits.RegisterRoutes(v1)
	}
	if exports != nil {
		exports.RegisterRoutes(v1)
	}

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		httputil.WriteJSON(w, http.StatusNotFound, httputil.ErrorResponse{Error: "NOT_FOUND", Message: "no such route"}) //nolint:errcheck
	})
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// routeTemplate is the matched route pattern, which keeps metric labels bounded
func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}
