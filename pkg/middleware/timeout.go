package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"
)

// Timeout bounds total handling time for one request. If the deadline
// passes before the handler has started a response, the client gets a 504.
func Timeout(limit time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), limit)
			defer cancel()

			tw := &trackedWriter{ResponseWriter: w}
			done := make(chan struct{})
			go func() {
				defer close(done)
				next.ServeHTTP(tw, r.WithContext(ctx))
			}()

			select {
			case <-done:
			case <-ctx.Done():
				if tw.touched.Load() {
					return
				}
				slog.Warn("request timed out",
					"method", r.Method,
					"path", r.URL.Path,
					"limit", limit,
				)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusGatewayTimeout)
				w.Write([]byte(`{"error":"request timeout"}`))
			}
		})
	}
}

// trackedWriter records whether the wrapped handler has started a response.
type trackedWriter struct {
	http.ResponseWriter
	touched atomic.Bool
}

func (tw *trackedWriter) WriteHeader(code int) {
	tw.touched.Store(true)
	tw.ResponseWriter.WriteHeader(code)
}

func (tw *trackedWriter) Write(b []byte) (int, error) {
	tw.touched.Store(true)
	return tw.ResponseWriter.Write(b)
}
