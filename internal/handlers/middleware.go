package handlers

import (
	"net/http"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"demand-forecast/internal/models"
	"demand-forecast/pkg/logging"
	"demand-forecast/pkg/metrics"
)

// RequestIDHeader carries the request id in both directions
const RequestIDHeader = "X-Request-ID"

// RequestIDMiddleware propagates the caller's request id, or a new one, into
// the request context so that every log line of the request carries it.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get(RequestIDHeader)
		if reqID == "" {
			reqID = uuid.New().String()
		}

		w.Header().Set(RequestIDHeader, reqID)
		ctx := logging.ContextWithRequestID(r.Context(), reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RateLimiter rejects requests above a fixed process-wide rate
type RateLimiter struct {
	limiter *rate.Limiter
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
}

// NewRateLimiter allows requestsPerSecond on average with bursts of up to burst
func NewRateLimiter(requestsPerSecond float64, burst int, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) *RateLimiter {
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), burst),
		logger:  logger,
		metrics: metricsCollector,
	}
}

// Middleware answers 429 when the limiter has no token for the request
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.limiter.Allow() {
			l.metrics.RateLimitedTotal.Inc()
			l.logger.Warn(r.Context(), "[RATE_LIMITED] Request rejected", logging.Fields{
				"path":   r.URL.Path,
				"method": r.Method,
			})
			w.Header().Set("Retry-After", "1")
			writeJSON(w, models.ForecastErrorResponse{Error: "rate limit exceeded"}, http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
