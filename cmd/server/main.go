// Command server starts the course media HTTP service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	redis "github.com/redis/go-redis/v9"

	"coursemedia/internal/api"
	"coursemedia/internal/catalog"
	"coursemedia/internal/observability/logging"
	"coursemedia/internal/observability/metrics"
	"coursemedia/internal/server"
	"coursemedia/internal/streaming"
)

const (
	defaultListenAddr   = ":8080"
	defaultStreamBuffer = 32 * 1024
	defaultCacheSize    = 1024
	defaultCacheTTL     = 30 * time.Second
)

type serverOptions struct {
	Addr          string
	TLS           server.TLSConfig
	CatalogDriver string
	ManifestPath  string
	ManifestPoll  time.Duration
	MediaRoot     string

	PostgresDSN            string
	PostgresMaxConns       int
	PostgresMinConns       int
	PostgresAcquireTimeout time.Duration
	PostgresAppName        string

	CacheSize int
	CacheTTL  time.Duration

	Redis    catalog.RedisConfig
	RedisTTL time.Duration

	StreamBuffer      uint64
	StreamConcurrency int
	RateLimit         server.RateLimitConfig
	CORSOrigins       []string
	FrameAncestors    string
	WriteTimeout      time.Duration
	ShutdownTimeout   time.Duration
}

func main() {
	addr := flag.String("addr", "", "HTTP listen address")
	catalogDriver := flag.String("catalog-driver", "", "media catalog driver (manifest or postgres)")
	manifestPath := flag.String("manifest", "", "path to the JSON media manifest")
	manifestPoll := flag.Duration("manifest-reload", 0, "interval between manifest reloads (0 disables)")
	mediaRoot := flag.String("media-root", "", "directory that stored media paths are relative to")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	postgresMaxConns := flag.Int("postgres-max-conns", 0, "maximum connections in the Postgres pool")
	postgresMinConns := flag.Int("postgres-min-conns", 0, "minimum idle connections maintained by the Postgres pool")
	postgresAcquireTimeout := flag.Duration("postgres-acquire-timeout", 0, "timeout for each catalog query")
	postgresAppName := flag.String("postgres-app-name", "", "application_name reported to Postgres")
	cacheSize := flag.Int("cache-size", 0, "number of media records held in the in-process cache")
	cacheTTL := flag.Duration("cache-ttl", 0, "lifetime of in-process cache entries")
	redisAddr := flag.String("redis-addr", "", "Redis address for the shared lookup cache and stream throttling")
	redisAddrs := flag.String("redis-addrs", "", "comma separated Redis addresses (cluster or sentinel)")
	redisUsername := flag.String("redis-username", "", "Redis username")
	redisPassword := flag.String("redis-password", "", "Redis password")
	redisMasterName := flag.String("redis-master-name", "", "Redis sentinel master name")
	redisPoolSize := flag.Int("redis-pool-size", 0, "maximum Redis connections")
	redisTLSCA := flag.String("redis-tls-ca", "", "path to the Redis TLS CA certificate")
	redisTLSSkipVerify := flag.Bool("redis-tls-skip-verify", false, "skip Redis TLS verification")
	redisTTL := flag.Duration("redis-ttl", 0, "lifetime of shared Redis cache entries")
	streamBuffer := flag.String("stream-buffer", "", "copy buffer per transfer (e.g. 32KiB)")
	streamConcurrency := flag.Int("stream-concurrency", 0, "maximum simultaneous stream transfers (0 disables)")
	globalRPS := flag.Float64("rate-global-rps", 0, "global request rate limit in requests per second")
	globalBurst := flag.Int("rate-global-burst", 0, "global rate limit burst allowance")
	streamLimit := flag.Int("rate-stream-limit", 0, "stream requests allowed per client per window (0 disables)")
	streamWindow := flag.Duration("rate-stream-window", 0, "window for counting stream requests per client")
	trustForwarded := flag.Bool("rate-trust-forwarded-headers", false, "trust proxy-provided client IP headers")
	trustedProxies := flag.String("rate-trusted-proxies", "", "comma separated CIDR blocks or IPs of trusted proxies")
	corsOrigins := flag.String("cors-origins", "", "comma separated origins allowed to call the API")
	frameAncestors := flag.String("frame-ancestors", "", "CSP frame-ancestors value")
	writeTimeout := flag.Duration("write-timeout", 0, "maximum duration of a whole response (0 leaves streams unbounded)")
	shutdownTimeout := flag.Duration("shutdown-timeout", 0, "time allowed for in-flight requests during shutdown")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	logLevel := flag.String("log-level", "", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, env("LOG_LEVEL"), "info"),
		Format: firstNonEmpty(*logFormat, env("LOG_FORMAT")),
	})
	recorder := metrics.Default()

	bufferSize, err := resolveByteSize(*streamBuffer, "STREAM_BUFFER", defaultStreamBuffer)
	if err != nil {
		logger.Error("invalid stream buffer", "error", err)
		os.Exit(1)
	}

	resolvedDSN := resolvePostgresDSN(*postgresDSN)
	resolvedManifest := firstNonEmpty(*manifestPath, env("MANIFEST"))
	driver, err := resolveCatalogDriver(*catalogDriver, env("CATALOG_DRIVER"), resolvedManifest, resolvedDSN)
	if err != nil {
		logger.Error("failed to resolve media catalog", "error", err)
		os.Exit(1)
	}

	redisAddresses := splitAndTrim(firstNonEmpty(*redisAddrs, env("REDIS_ADDRS")))
	opts := serverOptions{
		Addr: firstNonEmpty(*addr, env("ADDR"), defaultListenAddr),
		TLS: server.TLSConfig{
			CertFile: firstNonEmpty(*tlsCert, env("TLS_CERT")),
			KeyFile:  firstNonEmpty(*tlsKey, env("TLS_KEY")),
		},
		CatalogDriver:          driver,
		ManifestPath:           resolvedManifest,
		ManifestPoll:           resolveDuration(*manifestPoll, "MANIFEST_RELOAD", 0),
		MediaRoot:              firstNonEmpty(*mediaRoot, env("MEDIA_ROOT")),
		PostgresDSN:            resolvedDSN,
		PostgresMaxConns:       resolveInt(*postgresMaxConns, "POSTGRES_MAX_CONNS"),
		PostgresMinConns:       resolveInt(*postgresMinConns, "POSTGRES_MIN_CONNS"),
		PostgresAcquireTimeout: resolveDuration(*postgresAcquireTimeout, "POSTGRES_ACQUIRE_TIMEOUT", 0),
		PostgresAppName:        firstNonEmpty(*postgresAppName, env("POSTGRES_APP_NAME")),
		CacheSize:              resolveInt(*cacheSize, "CACHE_SIZE"),
		CacheTTL:               resolveDuration(*cacheTTL, "CACHE_TTL", defaultCacheTTL),
		Redis: catalog.RedisConfig{
			Addr:       firstNonEmpty(*redisAddr, env("REDIS_ADDR")),
			Addrs:      redisAddresses,
			Username:   firstNonEmpty(*redisUsername, env("REDIS_USERNAME")),
			Password:   firstNonEmpty(*redisPassword, env("REDIS_PASSWORD")),
			MasterName: firstNonEmpty(*redisMasterName, env("REDIS_MASTER_NAME")),
			PoolSize:   resolveInt(*redisPoolSize, "REDIS_POOL_SIZE"),
			TLS: catalog.RedisTLSConfig{
				CAFile:             firstNonEmpty(*redisTLSCA, env("REDIS_TLS_CA")),
				InsecureSkipVerify: resolveBool(*redisTLSSkipVerify, "REDIS_TLS_SKIP_VERIFY"),
			},
		},
		RedisTTL:          resolveDuration(*redisTTL, "REDIS_TTL", 0),
		StreamBuffer:      bufferSize,
		StreamConcurrency: resolveInt(*streamConcurrency, "STREAM_CONCURRENCY"),
		RateLimit: server.RateLimitConfig{
			GlobalRPS:             resolveFloat(*globalRPS, "RATE_GLOBAL_RPS"),
			GlobalBurst:           resolveInt(*globalBurst, "RATE_GLOBAL_BURST"),
			StreamLimit:           resolveInt(*streamLimit, "RATE_STREAM_LIMIT"),
			StreamWindow:          resolveDuration(*streamWindow, "RATE_STREAM_WINDOW", time.Minute),
			TrustForwardedHeaders: resolveBool(*trustForwarded, "RATE_TRUST_FORWARDED_HEADERS"),
			TrustedProxies:        splitAndTrim(firstNonEmpty(*trustedProxies, env("RATE_TRUSTED_PROXIES"))),
		},
		CORSOrigins:     splitAndTrim(firstNonEmpty(*corsOrigins, env("CORS_ORIGINS"))),
		FrameAncestors:  firstNonEmpty(*frameAncestors, env("FRAME_ANCESTORS")),
		WriteTimeout:    resolveDuration(*writeTimeout, "WRITE_TIMEOUT", 0),
		ShutdownTimeout: resolveDuration(*shutdownTimeout, "SHUTDOWN_TIMEOUT", 0),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, logger, recorder, nil); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

// run wires the catalog, API and HTTP server and blocks until ctx is
// cancelled. ready, when non-nil, is closed once the listener is bound.
func run(ctx context.Context, opts serverOptions, logger *slog.Logger, recorder *metrics.Recorder, ready chan<- struct{}) error {
	stack, err := buildCatalog(opts, logger, recorder)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := stack.Close(closeCtx); err != nil {
			logger.Warn("failed to close media catalog", "error", err)
		}
	}()

	streamer := streaming.NewStreamer(streaming.StreamerConfig{
		Logger:     logger,
		Metrics:    recorder,
		BufferSize: int(opts.StreamBuffer),
	})
	handler := api.NewHandler(stack.Catalog, streamer)
	handler.Logger = logging.WithComponent(logger, "api")
	handler.Metrics = recorder
	handler.HealthChecks = stack.HealthChecks

	rateCfg := opts.RateLimit
	rateCfg.Redis = stack.Redis

	srv, err := server.New(handler, server.Config{
		Addr:              opts.Addr,
		TLS:               opts.TLS,
		RateLimit:         rateCfg,
		CORS:              server.CORSConfig{AllowedOrigins: opts.CORSOrigins},
		Security:          server.SecurityConfig{FrameAncestors: opts.FrameAncestors},
		StreamConcurrency: opts.StreamConcurrency,
		Logger:            logger,
		Metrics:           recorder,
		WriteTimeout:      opts.WriteTimeout,
		ShutdownTimeout:   opts.ShutdownTimeout,
	})
	if err != nil {
		return fmt.Errorf("initialise server: %w", err)
	}

	if stack.Reloader != nil {
		stopReload := startReloadWorker(ctx, logging.WithComponent(logger, "manifest-reload"), stack.Reloader, opts.ManifestPoll, stack.Purge)
		defer stopReload()
	}

	summary := newStartupSummary(startupSummaryInput{
		Addr:              opts.Addr,
		TLSEnabled:        opts.TLS.CertFile != "" && opts.TLS.KeyFile != "",
		CatalogDriver:     opts.CatalogDriver,
		ManifestPath:      opts.ManifestPath,
		MediaRoot:         opts.MediaRoot,
		PostgresDSN:       opts.PostgresDSN,
		CacheSize:         stack.CacheSize,
		CacheTTL:          opts.CacheTTL,
		RedisAddrs:        redisAddrList(opts.Redis),
		RedisMasterName:   opts.Redis.MasterName,
		RedisTTL:          opts.RedisTTL,
		StreamBuffer:      opts.StreamBuffer,
		StreamConcurrency: opts.StreamConcurrency,
		StreamLimit:       opts.RateLimit.StreamLimit,
		StreamWindow:      opts.RateLimit.StreamWindow,
		GlobalRPS:         opts.RateLimit.GlobalRPS,
	})
	logger.Info("course media service configured", summary.LogArgs()...)

	if err := srv.Run(ctx, ready); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// catalogStack is the layered lookup path: backend, optional Redis cache,
// then the in-process LRU.
type catalogStack struct {
	Catalog      catalog.Catalog
	HealthChecks []api.HealthCheck
	Reloader     catalogReloader
	Redis        redis.UniversalClient
	CacheSize    int

	logger  *slog.Logger
	shared  *catalog.RedisCache
	lru     *catalog.CachedCatalog
	closers []func(context.Context) error
}

// Purge drops cached records after the backend changed. The shared Redis
// generation is bumped before the LRU is emptied so the LRU cannot refill
// from entries written before the change.
func (s *catalogStack) Purge() {
	if s.shared != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := s.shared.Purge(ctx)
		cancel()
		if err != nil && s.logger != nil {
			s.logger.Warn("failed to purge shared media cache", "error", err)
		}
	}
	if s.lru != nil {
		s.lru.Purge()
	}
}

func (s *catalogStack) Close(ctx context.Context) error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func buildCatalog(opts serverOptions, logger *slog.Logger, recorder *metrics.Recorder) (*catalogStack, error) {
	catalogLogger := logging.WithComponent(logger, "catalog")
	stack := &catalogStack{logger: catalogLogger}

	var backend catalog.Catalog
	switch opts.CatalogDriver {
	case "manifest":
		catalogOpts := []catalog.Option{catalog.WithLogger(catalogLogger)}
		if opts.MediaRoot != "" {
			catalogOpts = append(catalogOpts, catalog.WithMediaRoot(opts.MediaRoot))
		}
		manifest, err := catalog.NewManifestCatalog(opts.ManifestPath, catalogOpts...)
		if err != nil {
			return nil, fmt.Errorf("open media manifest: %w", err)
		}
		backend = manifest
		stack.Reloader = manifest
	case "postgres":
		catalogOpts := []catalog.Option{catalog.WithLogger(catalogLogger)}
		if opts.MediaRoot != "" {
			catalogOpts = append(catalogOpts, catalog.WithMediaRoot(opts.MediaRoot))
		}
		if opts.PostgresMaxConns > 0 || opts.PostgresMinConns > 0 {
			catalogOpts = append(catalogOpts, catalog.WithPostgresPoolLimits(int32(opts.PostgresMaxConns), int32(opts.PostgresMinConns)))
		}
		if opts.PostgresAcquireTimeout > 0 {
			catalogOpts = append(catalogOpts, catalog.WithPostgresAcquireTimeout(opts.PostgresAcquireTimeout))
		}
		if opts.PostgresAppName != "" {
			catalogOpts = append(catalogOpts, catalog.WithPostgresApplicationName(opts.PostgresAppName))
		}
		pg, err := catalog.NewPostgresCatalog(opts.PostgresDSN, catalogOpts...)
		if err != nil {
			return nil, fmt.Errorf("open postgres catalog: %w", err)
		}
		backend = pg
		stack.closers = append(stack.closers, pg.Close)
	default:
		return nil, fmt.Errorf("unsupported catalog driver %q", opts.CatalogDriver)
	}

	if len(redisAddrList(opts.Redis)) > 0 {
		client, err := catalog.NewRedisClient(opts.Redis)
		if err != nil {
			_ = stack.Close(context.Background())
			return nil, fmt.Errorf("configure redis: %w", err)
		}
		stack.Redis = client
		stack.closers = append(stack.closers, func(context.Context) error { return client.Close() })

		shared, err := catalog.NewRedisCache(backend, catalog.RedisCacheConfig{
			Client:  client,
			TTL:     opts.RedisTTL,
			Logger:  catalogLogger,
			Metrics: recorder,
		})
		if err != nil {
			_ = stack.Close(context.Background())
			return nil, fmt.Errorf("configure redis cache: %w", err)
		}
		backend = shared
		stack.shared = shared
		stack.HealthChecks = append(stack.HealthChecks, api.HealthCheck{Component: "redis", Check: shared.PingRedis})
	}

	size := opts.CacheSize
	if size <= 0 {
		size = defaultCacheSize
	}
	lru, err := catalog.NewCachedCatalog(backend, catalog.CacheConfig{Size: size, TTL: opts.CacheTTL, Metrics: recorder})
	if err != nil {
		_ = stack.Close(context.Background())
		return nil, fmt.Errorf("configure lookup cache: %w", err)
	}
	stack.lru = lru
	stack.Catalog = lru
	stack.CacheSize = size
	return stack, nil
}

func redisAddrList(cfg catalog.RedisConfig) []string {
	addrs := append([]string(nil), cfg.Addrs...)
	if cfg.Addr != "" {
		addrs = append(addrs, cfg.Addr)
	}
	return addrs
}
