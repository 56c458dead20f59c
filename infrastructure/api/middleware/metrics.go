package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/artresearch/idios/internal/metrics"
)

// Metrics returns a middleware recording request counts, durations and the
// in-flight gauge. The path label uses the chi route pattern rather than the
// raw URL so every model shares one series per endpoint.
func Metrics(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if m == nil {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			m.RecordRequestStart()

			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			m.RecordRequestEnd()
			m.RecordRequest(r.Method, routePattern(r), ww.Status(), time.Since(start))
		})
	}
}

// routePattern returns the matched chi pattern, e.g. /models/{model}/search.
// Unmatched requests (404s) fall back to the raw path.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}
