package observe

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// statusRecorder captures the status code written by the downstream handler
// so it can be attached to the duration metric and the completion log line.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

// statusClass collapses a status code to its class ("2xx", "4xx", ...) to
// keep the metric cardinality flat.
func statusClass(code int) string {
	return fmt.Sprintf("%dxx", code/100)
}

// Middleware wraps an [http.Handler] so every request is timed into
// [Metrics.HTTPRequestDuration], labelled by method, path, and status class,
// and completion is debug-logged.
func Middleware(m *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rec, r)

			elapsed := time.Since(start)
			m.HTTPRequestDuration.Record(r.Context(), elapsed.Seconds(),
				metric.WithAttributes(
					attribute.String("method", r.Method),
					attribute.String("path", r.URL.Path),
					attribute.String("status", statusClass(rec.statusCode)),
				),
			)

			slog.LogAttrs(r.Context(), slog.LevelDebug, "request completed",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.statusCode),
				slog.Duration("duration", elapsed),
			)
		})
	}
}
