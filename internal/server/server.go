package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"coursemedia/internal/api"
	"coursemedia/internal/observability/logging"
	"coursemedia/internal/observability/metrics"
	"coursemedia/internal/serverutil"
)

type TLSConfig struct {
	CertFile string
	KeyFile  string
}

type Config struct {
	Addr      string
	TLS       TLSConfig
	RateLimit RateLimitConfig
	CORS      CORSConfig
	Security  SecurityConfig
	// StreamConcurrency caps simultaneous stream transfers. Zero disables
	// the cap.
	StreamConcurrency int
	Logger            *slog.Logger
	Metrics           *metrics.Recorder
	// WriteTimeout bounds a whole response. Zero leaves long video
	// transfers unbounded.
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

type Server struct {
	httpServer      *http.Server
	logger          *slog.Logger
	metrics         *metrics.Recorder
	rateLimiter     *rateLimiter
	tls             serverutil.TLSConfig
	shutdownTimeout time.Duration
}

func New(handler *api.Handler, cfg Config) (*Server, error) {
	if handler == nil {
		return nil, fmt.Errorf("api handler is required")
	}
	if handler.Catalog == nil {
		return nil, fmt.Errorf("media catalog is required")
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logging.WithComponent(logger, "http")

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", handler.Health)
	mux.Handle("/metrics", recorder.Handler())
	mux.HandleFunc("/api/media", handler.Media)
	mux.HandleFunc("/api/media/", handler.MediaByID)

	rl, err := newRateLimiter(cfg.RateLimit)
	if err != nil {
		return nil, fmt.Errorf("configure rate limiter: %w", err)
	}
	resolver, err := newClientIPResolver(cfg.RateLimit)
	if err != nil {
		return nil, fmt.Errorf("configure client ip resolver: %w", err)
	}
	policy, err := newCORSPolicy(cfg.CORS)
	if err != nil {
		return nil, fmt.Errorf("configure cors: %w", err)
	}

	handlerChain := http.Handler(mux)
	handlerChain = streamLimitMiddleware(newStreamLimiter(cfg.StreamConcurrency), recorder, handlerChain)
	handlerChain = rateLimitMiddleware(rl, resolver, logger, recorder, handlerChain)
	handlerChain = corsMiddleware(policy, logger, handlerChain)
	handlerChain = securityHeadersMiddleware(cfg.Security, handlerChain)
	handlerChain = metrics.HTTPMiddleware(recorder, handlerChain)
	handlerChain = logging.RequestLogger(logging.RequestLoggerConfig{
		Logger:            logger,
		DisableRemoteAddr: true,
		AdditionalFields: func(r *http.Request, _ int, _ time.Duration) []any {
			ip, source := resolveClientIP(r, resolver)
			return []any{"remote_ip", ip, "ip_source", source}
		},
	})(handlerChain)
	handlerChain = requestIDMiddleware(logger, handlerChain)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handlerChain,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	srv := &Server{
		httpServer:  httpServer,
		logger:      logger,
		metrics:     recorder,
		rateLimiter: rl,
		tls: serverutil.TLSConfig{
			CertFile: strings.TrimSpace(cfg.TLS.CertFile),
			KeyFile:  strings.TrimSpace(cfg.TLS.KeyFile),
		},
		shutdownTimeout: cfg.ShutdownTimeout,
	}

	if srv.tls.CertFile != "" && srv.tls.KeyFile != "" {
		httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	return srv, nil
}

// Handler exposes the fully wrapped handler chain.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run serves until ctx is cancelled, then drains in-flight requests. ready,
// when non-nil, is closed once the listener is bound.
func (s *Server) Run(ctx context.Context, ready chan<- struct{}) error {
	if s.httpServer == nil {
		return fmt.Errorf("http server is not configured")
	}
	s.logger.Info("starting server", "addr", s.httpServer.Addr, "tls", s.tls.CertFile != "")
	err := serverutil.Run(ctx, serverutil.Config{
		Server:          s.httpServer,
		TLS:             s.tls,
		ShutdownTimeout: s.shutdownTimeout,
		Ready:           ready,
		Logger:          s.logger,
	})
	if err != nil {
		return err
	}
	s.logger.Info("server stopped")
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
