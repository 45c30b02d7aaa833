package server

import (
	"net/http"

	"golang.org/x/sync/semaphore"

	"coursemedia/internal/observability/metrics"
)

// streamLimiter caps the number of stream transfers running at once. Requests
// over the cap are rejected immediately rather than queued, so players retry
// instead of stalling behind long downloads.
type streamLimiter struct {
	sem *semaphore.Weighted
}

func newStreamLimiter(limit int) *streamLimiter {
	if limit <= 0 {
		return nil
	}
	return &streamLimiter{sem: semaphore.NewWeighted(int64(limit))}
}

func streamLimitMiddleware(limiter *streamLimiter, recorder *metrics.Recorder, next http.Handler) http.Handler {
	if limiter == nil {
		return next
	}
	if recorder == nil {
		recorder = metrics.Default()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isStreamPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		if !limiter.sem.TryAcquire(1) {
			recorder.ObserveLimiterRejection()
			w.Header().Set("Retry-After", "1")
			writeMiddlewareError(w, http.StatusServiceUnavailable, "too many concurrent streams")
			return
		}
		defer limiter.sem.Release(1)
		next.ServeHTTP(w, r)
	})
}
