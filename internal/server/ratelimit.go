package server

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"

	"coursemedia/internal/observability/metrics"
)

// RateLimitConfig bounds request throughput. The global bucket applies to
// every request; the per-client limit applies only to stream requests and is
// shared across replicas when a Redis client is supplied.
type RateLimitConfig struct {
	GlobalRPS             float64
	GlobalBurst           int
	StreamLimit           int
	StreamWindow          time.Duration
	Redis                 redis.UniversalClient
	RedisKeyPrefix        string
	RedisTimeout          time.Duration
	TrustForwardedHeaders bool
	TrustedProxies        []string
}

type rateLimiter struct {
	global        *tokenBucket
	streamLimit   int
	streamWindow  time.Duration
	keyPrefix     string
	clientMu      sync.Mutex
	clientBuckets map[string]*ipLimiter
	store         tokenStore
}

type ipLimiter struct {
	bucket   *tokenBucket
	lastSeen time.Time
}

type tokenStore interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error)
}

func newRateLimiter(cfg RateLimitConfig) (*rateLimiter, error) {
	if cfg.GlobalRPS < 0 || math.IsNaN(cfg.GlobalRPS) || math.IsInf(cfg.GlobalRPS, 0) {
		return nil, fmt.Errorf("global rate must be a finite, non-negative number")
	}
	if cfg.StreamLimit < 0 {
		return nil, fmt.Errorf("stream limit must be non-negative")
	}
	rl := &rateLimiter{
		streamLimit:   cfg.StreamLimit,
		streamWindow:  cfg.StreamWindow,
		keyPrefix:     strings.TrimSpace(cfg.RedisKeyPrefix),
		clientBuckets: make(map[string]*ipLimiter),
	}
	if cfg.GlobalRPS > 0 {
		burst := cfg.GlobalBurst
		if burst <= 0 {
			burst = int(cfg.GlobalRPS)
			if burst < 1 {
				burst = 1
			}
		}
		rl.global = newTokenBucket(cfg.GlobalRPS, burst)
	}
	if rl.streamWindow <= 0 {
		rl.streamWindow = time.Minute
	}
	if rl.keyPrefix == "" {
		rl.keyPrefix = "coursemedia:streams:"
	}
	if cfg.Redis != nil && rl.streamLimit > 0 {
		rl.store = newRedisStore(cfg.Redis, cfg.RedisTimeout)
	}
	return rl, nil
}

func (r *rateLimiter) AllowRequest() bool {
	if r == nil || r.global == nil {
		return true
	}
	return r.global.Allow()
}

// AllowStream applies the per-client stream limit to key.
func (r *rateLimiter) AllowStream(ctx context.Context, key string) (bool, time.Duration, error) {
	if r == nil || r.streamLimit <= 0 {
		return true, 0, nil
	}
	if key == "" {
		key = "unknown"
	}
	if r.store != nil {
		return r.store.Allow(ctx, r.keyPrefix+key, r.streamLimit, r.streamWindow)
	}
	r.clientMu.Lock()
	bucket, exists := r.clientBuckets[key]
	if !exists {
		rate := float64(r.streamLimit) / r.streamWindow.Seconds()
		bucket = &ipLimiter{bucket: newTokenBucket(rate, r.streamLimit)}
		r.clientBuckets[key] = bucket
	}
	bucket.lastSeen = time.Now()
	r.cleanupLocked()
	r.clientMu.Unlock()

	if bucket.bucket.Allow() {
		return true, 0, nil
	}
	return false, time.Second, nil
}

func (r *rateLimiter) cleanupLocked() {
	if len(r.clientBuckets) == 0 {
		return
	}
	cutoff := time.Now().Add(-2 * r.streamWindow)
	for key, bucket := range r.clientBuckets {
		if bucket.lastSeen.Before(cutoff) {
			delete(r.clientBuckets, key)
		}
	}
}

func rateLimitMiddleware(rl *rateLimiter, resolver *clientIPResolver, logger *slog.Logger, recorder *metrics.Recorder, next http.Handler) http.Handler {
	if rl == nil {
		return next
	}
	if recorder == nil {
		recorder = metrics.Default()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.AllowRequest() {
			recorder.ObserveLimiterRejection()
			writeMiddlewareError(w, http.StatusTooManyRequests, "global rate limit exceeded")
			return
		}
		if isStreamPath(r.URL.Path) {
			ip, _ := resolveClientIP(r, resolver)
			allowed, retryAfter, err := rl.AllowStream(r.Context(), ip)
			if err != nil {
				// Stream limits fail open when the shared store is unreachable.
				if requestLogger := loggingWithRequest(logger, resolver, r); requestLogger != nil {
					requestLogger.Warn("stream rate limiter unavailable", "error", err)
				}
			} else if !allowed {
				recorder.ObserveLimiterRejection()
				if retryAfter > 0 {
					w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
				}
				writeMiddlewareError(w, http.StatusTooManyRequests, "too many stream requests")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// isStreamPath reports whether path addresses /api/media/{id}/stream.
func isStreamPath(path string) bool {
	rest, ok := strings.CutPrefix(path, "/api/media/")
	if !ok {
		return false
	}
	rest = strings.TrimSuffix(rest, "/")
	id, tail, found := strings.Cut(rest, "/")
	return found && id != "" && tail == "stream"
}

type tokenBucket struct {
	mu        sync.Mutex
	rate      float64
	capacity  float64
	tokens    float64
	lastCheck time.Time
}

func newTokenBucket(rate float64, burst int) *tokenBucket {
	if rate <= 0 {
		rate = 1
	}
	if burst <= 0 {
		burst = 1
	}
	now := time.Now()
	return &tokenBucket{
		rate:      rate,
		capacity:  float64(burst),
		tokens:    float64(burst),
		lastCheck: now,
	}
}

func (tb *tokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	now := time.Now()
	elapsed := now.Sub(tb.lastCheck).Seconds()
	tb.lastCheck = now
	tb.tokens += elapsed * tb.rate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	if tb.tokens < 1 {
		return false
	}
	tb.tokens -= 1
	return true
}
