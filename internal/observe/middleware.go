package observe

import (
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
	"go.opentelemetry.io/otel/trace"
)

// statusWriter remembers the status code a handler wrote.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// quietPaths are hit by health probes and the metrics scraper.
var quietPaths = []string{"/healthz", "/readyz", "/metrics"}

func isQuiet(path string) bool {
	return slices.ContainsFunc(quietPaths, func(p string) bool {
		return strings.HasPrefix(path, p)
	})
}

// Middleware traces, times and logs every request served by the API.
//
// The span continues a W3C trace context sent by the caller, and its trace
// ID is echoed in X-Correlation-ID. Handler panics are not recovered. A 5xx
// status marks the span as failed. Requests to the health and metrics
// endpoints log at debug level.
func Middleware(m *Metrics) func(http.Handler) http.Handler {
	prop := propagation.TraceContext{}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			method, path := r.Method, r.URL.Path

			ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := StartSpan(ctx, "HTTP "+method+" "+path,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(semconv.HTTPRequestMethodKey.String(method), semconv.URLPath(path)),
			)
			defer span.End()

			traceID := CorrelationID(ctx)
			if traceID != "" {
				w.Header().Set("X-Correlation-ID", traceID)
			}
			prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))

			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r.WithContext(ctx))
			elapsed := time.Since(start)

			m.HTTPRequestDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
				attribute.String("method", method),
				attribute.String("path", path),
				attribute.String("status", strconv.Itoa(sw.status)),
			))
			span.SetAttributes(semconv.HTTPResponseStatusCode(sw.status))
			if sw.status >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(sw.status))
			}

			level := slog.LevelInfo
			if isQuiet(path) {
				level = slog.LevelDebug
			}
			slog.LogAttrs(ctx, level, "request completed",
				slog.String("trace_id", traceID),
				slog.String("method", method),
				slog.String("path", path),
				slog.Int("status", sw.status),
				slog.Duration("duration", elapsed),
			)
		})
	}
}
