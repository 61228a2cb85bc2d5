package server

import (
	"net/http"
)

// rateLimit limits requests per route and client IP. Limiter errors let the
// request through.
func (s *HTTPServer) rateLimit(route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if s.deps.Limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)
			ok, err := s.deps.Limiter.Allow(r.Context(), route+":"+ip)
			if err != nil {
				s.logger.Warn("rate limiter unavailable, allowing request",
					"route", route,
					"error", err,
				)
				next.ServeHTTP(w, r)
				return
			}
			if !ok {
				if s.deps.Metrics != nil {
					s.deps.Metrics.RateLimited.WithLabelValues(route).Inc()
				}
				s.logger.Info("rate limited", "route", route, "ip", ip)
				writeError(w, http.StatusTooManyRequests, msgRateLimited)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
