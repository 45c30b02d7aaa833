package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestSecurityHeadersMiddlewareUsesDefaults(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)

	middleware := securityHeadersMiddleware(SecurityConfig{}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	middleware.ServeHTTP(rec, req)

	res := rec.Result()
	assertDefaultSecurityHeaders(t, res)
	if csp := res.Header.Get("Content-Security-Policy"); !strings.Contains(csp, "media-src 'self'") {
		t.Fatalf("expected media-src directive, got %q", csp)
	}
}

func TestSecurityHeadersFrameAncestorsFeedDefaultPolicy(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	middleware := securityHeadersMiddleware(SecurityConfig{FrameAncestors: "https://courses.example.com"}, http.NotFoundHandler())
	middleware.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	csp := rec.Result().Header.Get("Content-Security-Policy")
	if !strings.Contains(csp, "frame-ancestors https://courses.example.com;") {
		t.Fatalf("expected configured frame ancestors, got %q", csp)
	}
}

func TestServerAppliesConfiguredSecurityHeaders(t *testing.T) {
	handler, _ := newTestHandler(t)

	customHeaders := SecurityConfig{
		ContentSecurityPolicy: "default-src 'none'; media-src https://cdn.example.com",
		FrameOptions:          "SAMEORIGIN",
		ReferrerPolicy:        "same-origin",
		PermissionsPolicy:     "autoplay=(self)",
		ContentTypeOptions:    "nosniff",
	}

	srv, err := New(handler, Config{
		Addr:     "127.0.0.1:0",
		Security: customHeaders,
		Logger:   discardLogger(),
	})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	for _, path := range []string{"/healthz", "/api/media/42/stream"} {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

		res := rec.Result()
		assertHeaderEquals(t, res, "Content-Security-Policy", customHeaders.ContentSecurityPolicy)
		assertHeaderEquals(t, res, "X-Frame-Options", customHeaders.FrameOptions)
		assertHeaderEquals(t, res, "Referrer-Policy", customHeaders.ReferrerPolicy)
		assertHeaderEquals(t, res, "Permissions-Policy", customHeaders.PermissionsPolicy)
		assertHeaderEquals(t, res, "X-Content-Type-Options", customHeaders.ContentTypeOptions)
	}
}

func assertDefaultSecurityHeaders(t *testing.T, res *http.Response) {
	t.Helper()
	assertHeaderEquals(t, res, "Content-Security-Policy", defaultContentSecurityPolicy(defaultFrameAncestors))
	assertHeaderEquals(t, res, "X-Frame-Options", defaultFrameOptions)
	assertHeaderEquals(t, res, "Referrer-Policy", defaultReferrerPolicy)
	assertHeaderEquals(t, res, "Permissions-Policy", defaultPermissionsPolicy)
	assertHeaderEquals(t, res, "X-Content-Type-Options", defaultContentTypeOptions)
}

func assertHeaderEquals(t *testing.T, res *http.Response, key, expected string) {
	t.Helper()
	if got := res.Header.Get(key); got != expected {
		t.Fatalf("expected %s=%q, got %q", key, expected, got)
	}
}
