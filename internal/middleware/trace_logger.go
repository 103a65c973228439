// Package middleware carries request-scoped loggers through the page API.
package middleware

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type loggerKey struct{}

// WithTraceLogger stores a request logger in the context. It carries the
// trace and span ids when the request is traced and the session id when the
// route names one.
func WithTraceLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fields := traceFields(r.Context())
			if id := mux.Vars(r)["id"]; id != "" {
				fields = append(fields, zap.String("session_id", id))
			}
			if len(fields) > 0 {
				ctx := context.WithValue(r.Context(), loggerKey{}, logger.With(fields...))
				r = r.WithContext(ctx)
			}
			next.ServeHTTP(w, r)
		})
	}
}

func traceFields(ctx context.Context) []zap.Field {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return nil
	}
	return []zap.Field{
		zap.String("trace_id", sc.TraceID().String()),
		zap.String("span_id", sc.SpanID().String()),
	}
}

// LoggerFromContext returns the request logger, or fallback annotated with
// the active span when none was stored.
func LoggerFromContext(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if logger, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok {
		return logger
	}
	if fields := traceFields(ctx); fields != nil {
		return fallback.With(fields...)
	}
	return fallback
}

func LoggerFromRequest(r *http.Request, fallback *zap.Logger) *zap.Logger {
	return LoggerFromContext(r.Context(), fallback)
}
