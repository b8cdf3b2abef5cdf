package middleware

import (
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/phrazzld/recipe-forge/internal/api/shared"
	"github.com/phrazzld/recipe-forge/internal/platform/logger"
	"github.com/phrazzld/recipe-forge/internal/tracing"
)

// NewTraceMiddleware starts a span per request and stores a trace ID and a
// request-scoped logger in the request context. When tracing is enabled the
// trace ID is the span's, so error responses can be looked up in the tracing
// backend.
func NewTraceMiddleware(base *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, span := tracing.StartSpan(r.Context(), "http "+r.Method,
				attribute.String("http.method", r.Method),
				attribute.String("http.target", r.URL.Path))
			defer span.End()

			traceID := ""
			if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
				traceID = sc.TraceID().String()
			}
			ctx = shared.WithTraceID(ctx, traceID)
			traceID = shared.GetTraceID(ctx)

			log := base.With(slog.String("trace_id", traceID))
			ctx = logger.WithLogger(ctx, log)

			log.Debug("request started",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("remote_addr", r.RemoteAddr))

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
