package middleware

import (
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Telemetry adds the standard otelhttp server metrics and spans under
// operation. Health probes are filtered out.
func Telemetry(operation string) func(http.Handler) http.Handler {
	return otelhttp.NewMiddleware(operation,
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != healthPath
		}),
	)
}
