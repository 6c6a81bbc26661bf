package httpapi

import (
	"net/http"
	"time"
)

// MetricsRecorder is the subset of metrics.Collector the router needs,
// declared locally so httpapi doesn't import internal/metrics directly.
type MetricsRecorder interface {
	RecordHTTPRequest(method, route, statusCode string, d time.Duration)
}

type statusCapturingWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusCapturingWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// WithMetrics wraps next so every request is timed and recorded against
// rec under the given route label (the ServeMux pattern, not the raw
// path, so templated ids don't blow up metric cardinality).
func WithMetrics(rec MetricsRecorder, route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusCapturingWriter{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(sw, r)
		rec.RecordHTTPRequest(r.Method, route, statusCodeLabel(sw.status), time.Since(start))
	})
}

func statusCodeLabel(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
