package server

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"coursemedia/internal/api"
	"coursemedia/internal/catalog"
	"coursemedia/internal/observability/metrics"
	"coursemedia/internal/streaming"
)

const serverManifest = `{"files": [
  {"id": "42", "kind": "video", "mimeType": "video/mp4", "path": "lecture.mp4",
   "originalFilename": "Lecture.mp4", "uploadedAt": "2024-01-05T10:00:00Z"}
]}`

func newTestHandler(t *testing.T) (*api.Handler, *metrics.Recorder) {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "lecture.mp4"), bytes.Repeat([]byte("v"), 500), 0o600); err != nil {
		t.Fatalf("write video: %v", err)
	}
	manifestPath := filepath.Join(dir, "manifest.json")
	if err := os.WriteFile(manifestPath, []byte(serverManifest), 0o600); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	logger := discardLogger()
	media, err := catalog.NewManifestCatalog(manifestPath, catalog.WithLogger(logger))
	if err != nil {
		t.Fatalf("NewManifestCatalog error: %v", err)
	}
	recorder := metrics.New()
	handler := api.NewHandler(media, streaming.NewStreamer(streaming.StreamerConfig{Logger: logger, Metrics: recorder}))
	handler.Logger = logger
	handler.Metrics = recorder
	return handler, recorder
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{AddSource: false}))
}

func TestNewReturnsErrorWhenHandlerNil(t *testing.T) {
	t.Parallel()

	srv, err := New(nil, Config{})
	if err == nil {
		t.Fatalf("expected error when handler is nil, got server: %#v", srv)
	}
}

func TestNewRejectsInvalidRateLimit(t *testing.T) {
	handler, _ := newTestHandler(t)
	if _, err := New(handler, Config{RateLimit: RateLimitConfig{GlobalRPS: -1}}); err == nil {
		t.Fatal("expected error for negative global rate")
	}
	if _, err := New(handler, Config{RateLimit: RateLimitConfig{TrustedProxies: []string{"not-a-cidr/99"}}}); err == nil {
		t.Fatal("expected error for invalid trusted proxy")
	}
	if _, err := New(handler, Config{CORS: CORSConfig{AllowedOrigins: []string{"example.com"}}}); err == nil {
		t.Fatal("expected error for origin without scheme")
	}
}

func TestServerStreamsRangeThroughMiddleware(t *testing.T) {
	handler, recorder := newTestHandler(t)
	srv, err := New(handler, Config{
		Addr:              "127.0.0.1:0",
		CORS:              CORSConfig{AllowedOrigins: []string{"https://courses.example.com"}},
		StreamConcurrency: 4,
		Logger:            discardLogger(),
		Metrics:           recorder,
	})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	if srv.httpServer.WriteTimeout != 0 {
		t.Fatalf("expected unbounded write timeout by default, got %v", srv.httpServer.WriteTimeout)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/media/42/stream/", nil)
	req.Header.Set("Range", "bytes=100-199")
	req.Header.Set("Origin", "https://courses.example.com")
	req.Header.Set("X-Request-Id", "req-1")
	rec := httptest.NewRecorder()

	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusPartialContent {
		t.Fatalf("expected 206, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Content-Range"); got != "bytes 100-199/500" {
		t.Fatalf("unexpected Content-Range %q", got)
	}
	if rec.Body.Len() != 100 {
		t.Fatalf("expected 100 body bytes, got %d", rec.Body.Len())
	}
	if got := rec.Header().Get("Access-Control-Expose-Headers"); !strings.Contains(got, "Content-Range") {
		t.Fatalf("expected Content-Range to be exposed to the player, got %q", got)
	}
	if got := rec.Header().Get("X-Request-Id"); got != "req-1" {
		t.Fatalf("expected request id echo, got %q", got)
	}
	if rec.Header().Get("Content-Security-Policy") == "" {
		t.Fatal("expected security headers on stream responses")
	}

	var buf bytes.Buffer
	recorder.Write(&buf)
	if !strings.Contains(buf.String(), `coursemedia_http_requests_total{method="GET",path="/api/media/:id/stream",status="206"} 1`) {
		t.Fatalf("expected request metric, got:\n%s", buf.String())
	}
	if got := recorder.StreamBytes(); got != 100 {
		t.Fatalf("expected 100 streamed bytes recorded, got %d", got)
	}
}

func TestServerRoutes(t *testing.T) {
	handler, recorder := newTestHandler(t)
	srv, err := New(handler, Config{Logger: discardLogger(), Metrics: recorder})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	for _, tc := range []struct {
		path       string
		wantStatus int
	}{
		{path: "/healthz", wantStatus: http.StatusOK},
		{path: "/metrics", wantStatus: http.StatusOK},
		{path: "/api/media", wantStatus: http.StatusOK},
		{path: "/api/media/42", wantStatus: http.StatusOK},
		{path: "/api/media/42/stream", wantStatus: http.StatusOK},
		{path: "/api/media/7/stream", wantStatus: http.StatusNotFound},
		{path: "/unknown", wantStatus: http.StatusNotFound},
	} {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tc.path, nil))
		if rec.Code != tc.wantStatus {
			t.Fatalf("%s: expected %d, got %d", tc.path, tc.wantStatus, rec.Code)
		}
	}
}

func TestClientIPResolverIgnoresForwardedByDefault(t *testing.T) {
	resolver, err := newClientIPResolver(RateLimitConfig{})
	if err != nil {
		t.Fatalf("newClientIPResolver error: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/api/media/1/stream", nil)
	req.RemoteAddr = "198.51.100.10:1234"
	req.Header.Set("X-Forwarded-For", "203.0.113.1")

	ip, source := resolveClientIP(req, resolver)
	if ip != "198.51.100.10" || source != "remote_addr" {
		t.Fatalf("expected remote address, got %s from %s", ip, source)
	}
}

func TestClientIPResolverTrustsForwardedWhenEnabled(t *testing.T) {
	resolver, err := newClientIPResolver(RateLimitConfig{TrustForwardedHeaders: true})
	if err != nil {
		t.Fatalf("newClientIPResolver error: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/api/media/1/stream", nil)
	req.RemoteAddr = "198.51.100.10:1234"
	req.Header.Set("X-Forwarded-For", "203.0.113.1, 10.0.0.1")

	ip, source := resolveClientIP(req, resolver)
	if ip != "203.0.113.1" || source != "x-forwarded-for" {
		t.Fatalf("expected forwarded address, got %s from %s", ip, source)
	}
}

func TestClientIPResolverTrustedProxyCIDR(t *testing.T) {
	resolver, err := newClientIPResolver(RateLimitConfig{TrustedProxies: []string{"10.0.0.0/8", "192.0.2.7"}})
	if err != nil {
		t.Fatalf("newClientIPResolver error: %v", err)
	}

	for _, tc := range []struct {
		remote string
		want   string
	}{
		{remote: "10.1.2.3:80", want: "203.0.113.9"},
		{remote: "192.0.2.7:80", want: "203.0.113.9"},
		{remote: "198.51.100.1:80", want: "198.51.100.1"},
	} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = tc.remote
		req.Header.Set("X-Real-IP", "203.0.113.9")
		if ip, _ := resolveClientIP(req, resolver); ip != tc.want {
			t.Fatalf("remote %s: expected %s, got %s", tc.remote, tc.want, ip)
		}
	}
}

func TestIsStreamPath(t *testing.T) {
	for path, want := range map[string]bool{
		"/api/media/1/stream":     true,
		"/api/media/1/stream/":    true,
		"/api/media/abc/stream":   true,
		"/api/media/1":            false,
		"/api/media//stream":      false,
		"/api/media/1/stream/x":   false,
		"/api/media":              false,
		"/api/other/1/stream":     false,
		"/api/media/1/streamings": false,
	} {
		if got := isStreamPath(path); got != want {
			t.Fatalf("isStreamPath(%q) = %v, want %v", path, got, want)
		}
	}
}

func TestRateLimitMiddlewareGlobalBucket(t *testing.T) {
	rl, err := newRateLimiter(RateLimitConfig{GlobalRPS: 1, GlobalBurst: 1})
	if err != nil {
		t.Fatalf("newRateLimiter error: %v", err)
	}
	recorder := metrics.New()
	handler := rateLimitMiddleware(rl, nil, nil, recorder, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	rec1 := httptest.NewRecorder()
	handler.ServeHTTP(rec1, httptest.NewRequest(http.MethodGet, "/api/media", nil))
	if rec1.Code != http.StatusNoContent {
		t.Fatalf("expected first request to succeed, got %d", rec1.Code)
	}
	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, httptest.NewRequest(http.MethodGet, "/api/media", nil))
	if rec2.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second request to be throttled, got %d", rec2.Code)
	}
	if recorder.LimiterRejections() != 1 {
		t.Fatalf("expected one limiter rejection, got %d", recorder.LimiterRejections())
	}
}

func TestRateLimitMiddlewareSpoofedHeadersIgnoredByDefault(t *testing.T) {
	rl, err := newRateLimiter(RateLimitConfig{StreamLimit: 1, StreamWindow: time.Minute})
	if err != nil {
		t.Fatalf("newRateLimiter error: %v", err)
	}
	resolver, err := newClientIPResolver(RateLimitConfig{})
	if err != nil {
		t.Fatalf("newClientIPResolver error: %v", err)
	}
	handler := rateLimitMiddleware(rl, resolver, nil, metrics.New(), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req1 := httptest.NewRequest(http.MethodGet, "/api/media/1/stream", nil)
	req1.RemoteAddr = "198.51.100.10:1234"
	req1.Header.Set("X-Forwarded-For", "203.0.113.1")
	rec1 := httptest.NewRecorder()
	handler.ServeHTTP(rec1, req1)
	if rec1.Code != http.StatusNoContent {
		t.Fatalf("expected first stream to succeed, got %d", rec1.Code)
	}

	req2 := httptest.NewRequest(http.MethodGet, "/api/media/1/stream", nil)
	req2.RemoteAddr = "198.51.100.10:4321"
	req2.Header.Set("X-Forwarded-For", "203.0.113.2")
	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusTooManyRequests {
		t.Fatalf("expected spoofed header to be ignored and request throttled, got %d", rec2.Code)
	}
	if rec2.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After on throttled stream")
	}

	req3 := httptest.NewRequest(http.MethodGet, "/api/media/1", nil)
	req3.RemoteAddr = "198.51.100.10:4321"
	rec3 := httptest.NewRecorder()
	handler.ServeHTTP(rec3, req3)
	if rec3.Code != http.StatusNoContent {
		t.Fatalf("expected metadata requests to bypass the stream limit, got %d", rec3.Code)
	}
}

type failingStore struct{}

func (failingStore) Allow(context.Context, string, int, time.Duration) (bool, time.Duration, error) {
	return false, 0, io.ErrUnexpectedEOF
}

func TestRateLimitMiddlewareFailsOpenWhenStoreErrors(t *testing.T) {
	rl, err := newRateLimiter(RateLimitConfig{StreamLimit: 1})
	if err != nil {
		t.Fatalf("newRateLimiter error: %v", err)
	}
	rl.store = failingStore{}
	handler := rateLimitMiddleware(rl, nil, discardLogger(), metrics.New(), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/media/1/stream", nil))
		if rec.Code != http.StatusNoContent {
			t.Fatalf("request %d: expected pass-through, got %d", i, rec.Code)
		}
	}
}

func TestStreamLimitMiddlewareRejectsWhenSaturated(t *testing.T) {
	recorder := metrics.New()
	release := make(chan struct{})
	entered := make(chan struct{}, 2)
	handler := streamLimitMiddleware(newStreamLimiter(1), recorder, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		entered <- struct{}{}
		<-release
		w.WriteHeader(http.StatusOK)
	}))

	var wg sync.WaitGroup
	wg.Add(1)
	first := httptest.NewRecorder()
	go func() {
		defer wg.Done()
		handler.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/api/media/1/stream", nil))
	}()
	<-entered

	second := httptest.NewRecorder()
	handler.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/api/media/1/stream", nil))
	if second.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 while saturated, got %d", second.Code)
	}
	if second.Header().Get("Retry-After") != "1" {
		t.Fatalf("expected Retry-After: 1, got %q", second.Header().Get("Retry-After"))
	}
	if recorder.LimiterRejections() != 1 {
		t.Fatalf("expected rejection to be recorded, got %d", recorder.LimiterRejections())
	}

	close(release)
	wg.Wait()
	if first.Code != http.StatusOK {
		t.Fatalf("expected first stream to complete, got %d", first.Code)
	}

	third := httptest.NewRecorder()
	handler.ServeHTTP(third, httptest.NewRequest(http.MethodGet, "/api/media/1/stream", nil))
	if third.Code != http.StatusOK {
		t.Fatalf("expected slot to be released, got %d", third.Code)
	}
}

func TestStreamLimitMiddlewareDisabled(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	if newStreamLimiter(0) != nil {
		t.Fatal("expected zero concurrency to disable the limiter")
	}
	if got := streamLimitMiddleware(nil, nil, next); got == nil {
		t.Fatal("expected pass-through handler")
	}
}

func TestServerRunStopsOnCancel(t *testing.T) {
	handler, _ := newTestHandler(t)
	srv, err := New(handler, Config{Addr: "127.0.0.1:0", Logger: discardLogger(), ShutdownTimeout: time.Second})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	ready := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- srv.Run(ctx, ready)
	}()

	select {
	case <-ready:
	case <-time.After(time.Second):
		t.Fatal("server did not start")
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
