package observability

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"
)

// NewLogger builds the service logger. format is "json" or "text"; an unknown
// level falls back to info.
func NewLogger(level, format string, output io.Writer) *logrus.Logger {
	if output == nil {
		output = os.Stdout
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}

	var formatter logrus.Formatter = &logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339}
	if strings.EqualFold(format, "json") {
		formatter = &logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano}
	}

	return &logrus.Logger{
		Out:          output,
		Formatter:    formatter,
		Hooks:        make(logrus.LevelHooks),
		Level:        lvl,
		ExitFunc:     os.Exit,
		ReportCaller: false,
	}
}

// NopLogger discards everything
func NopLogger() *logrus.Logger {
	return NewLogger("panic", "text", io.Discard)
}

type (
	requestIDKey struct{}
	loggerKey    struct{}
)

// WithRequestID attaches the request ID to ctx
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the request ID, or "" outside a request
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// WithLogger attaches a scoped logger to ctx
func WithLogger(ctx context.Context, logger logrus.FieldLogger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFromContext returns the logger attached to ctx (or fallback) carrying the
// request ID and the trace and span IDs of the active span.
func LoggerFromContext(ctx context.Context, fallback logrus.FieldLogger) logrus.FieldLogger {
	logger, _ := ctx.Value(loggerKey{}).(logrus.FieldLogger)
	if logger == nil {
		logger = fallback
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	fields := logrus.Fields{}
	if id := RequestIDFromContext(ctx); id != "" {
		fields["request_id"] = id
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		fields["trace_id"] = sc.TraceID().String()
		fields["span_id"] = sc.SpanID().String()
	}
	if len(fields) == 0 {
		return logger
	}
	return logger.WithFields(fields)
}
