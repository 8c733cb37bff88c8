// Package middleware provides the HTTP middleware chain for the public
// API: request IDs, Prometheus metrics, CORS, and request timeouts.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/newsdex/newsdex/pkg/metrics"
)

// Metrics records the request count, latency histogram, and in-flight
// gauge for every request passing through.
func Metrics(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m.HTTPRequestsInFlight.Inc()
			defer m.HTTPRequestsInFlight.Dec()

			rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
			started := time.Now()
			next.ServeHTTP(rec, r)
			elapsed := time.Since(started).Seconds()

			route := normalizePath(r.URL.Path)
			m.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rec.code)).Inc()
			m.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(elapsed)
		})
	}
}

// statusRecorder captures the status code a handler responds with. The
// first explicit WriteHeader wins; a bare Write pins the implicit 200.
type statusRecorder struct {
	http.ResponseWriter
	code  int
	wrote bool
}

func (rec *statusRecorder) WriteHeader(code int) {
	if !rec.wrote {
		rec.code = code
		rec.wrote = true
	}
	rec.ResponseWriter.WriteHeader(code)
}

func (rec *statusRecorder) Write(b []byte) (int, error) {
	rec.wrote = true
	return rec.ResponseWriter.Write(b)
}

// normalizePath maps request paths onto the fixed API surface so unknown
// paths cannot inflate label cardinality.
func normalizePath(path string) string {
	if strings.HasPrefix(path, "/api/v1/") || strings.HasPrefix(path, "/health/") {
		return path
	}
	return "other"
}
