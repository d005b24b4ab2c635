package tracing

import (
	"fmt"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// SpanMiddleware returns HTTP middleware that creates a server span named
// "<METHOD> <path>" for each request and propagates trace context from
// incoming headers.
func SpanMiddleware(next http.Handler) http.Handler {
	return otelhttp.NewHandler(next, "trigger.http",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return fmt.Sprintf("%s %s", r.Method, r.URL.Path)
		}),
	)
}
