// Package middleware provides HTTP middleware functions
package middleware

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/r3e-network/accessplane/pkg/metrics"
)

// MetricsMiddleware records HTTP metrics for each request via the package's
// global Prometheus registry (see pkg/metrics.InstrumentHandler).
func MetricsMiddleware(serviceName string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return metrics.InstrumentHandler(next)
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.written {
		rw.statusCode = code
		rw.written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.written {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}
