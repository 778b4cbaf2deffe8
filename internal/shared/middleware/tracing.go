package middleware

import (
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const healthPath = "/health"

var (
	httpTracer             = otel.Tracer("finlink/http")
	httpMeter              = otel.Meter("finlink/http")
	httpRequestDuration, _ = httpMeter.Float64Histogram("http.server.request.duration",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
	)
	httpRequestTotal, _ = httpMeter.Int64Counter("http.server.request.total",
		metric.WithDescription("Total HTTP requests"),
	)
)

// Tracing opens a server span per request and records request metrics.
// Paths are reported by the first matching route prefix, or "other", so
// scanners cannot blow up metric cardinality. Health probes pass untraced.
func Tracing(routes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == healthPath {
				next.ServeHTTP(w, r)
				return
			}

			route := routeFor(r.URL.Path, routes)
			ctx, span := httpTracer.Start(r.Context(), r.Method+" "+route,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.method", r.Method),
					attribute.String("http.route", route),
				),
			)
			defer span.End()

			start := time.Now()
			wrapped := wrapResponseWriter(w)
			next.ServeHTTP(wrapped, r.WithContext(ctx))

			status := wrapped.status
			if status == 0 {
				status = http.StatusOK
			}

			span.SetAttributes(attribute.Int("http.status_code", status))
			if status >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(status))
			}

			attrs := metric.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.route", route),
				attribute.Int("http.status_code", status),
			)
			httpRequestDuration.Record(ctx, time.Since(start).Seconds(), attrs)
			httpRequestTotal.Add(ctx, 1, attrs)
		})
	}
}

func routeFor(path string, routes []string) string {
	for _, route := range routes {
		if path == route || strings.HasPrefix(path, strings.TrimSuffix(route, "/")+"/") {
			return route
		}
	}
	return "other"
}
