package catalog

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"coursemedia/internal/observability/metrics"
)

// RedisTLSConfig controls TLS behaviour for Redis connections.
type RedisTLSConfig struct {
	CAFile             string
	CertFile           string
	KeyFile            string
	ServerName         string
	InsecureSkipVerify bool
}

// RedisConfig describes the Redis deployment shared by the lookup cache and
// the distributed rate limiter.
type RedisConfig struct {
	Addr         string
	Addrs        []string
	Username     string
	Password     string
	MasterName   string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	TLS          RedisTLSConfig
}

// NewRedisClient builds a go-redis client for a single node, a sentinel group
// or a cluster depending on the addresses supplied. The client connects
// lazily.
func NewRedisClient(cfg RedisConfig) (redis.UniversalClient, error) {
	addrs := make([]string, 0, len(cfg.Addrs)+1)
	for _, addr := range cfg.Addrs {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			addrs = append(addrs, trimmed)
		}
	}
	if addr := strings.TrimSpace(cfg.Addr); addr != "" {
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("redis addr is required")
	}
	tlsConfig, err := buildTLSConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}
	return redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        addrs,
		MasterName:   strings.TrimSpace(cfg.MasterName),
		Username:     strings.TrimSpace(cfg.Username),
		Password:     cfg.Password,
		TLSConfig:    tlsConfig,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   2,
	}), nil
}

func buildTLSConfig(cfg RedisTLSConfig) (*tls.Config, error) {
	if cfg.CAFile == "" && cfg.CertFile == "" && cfg.KeyFile == "" && !cfg.InsecureSkipVerify {
		return nil, nil
	}
	tlsCfg := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}
	if cfg.ServerName != "" {
		tlsCfg.ServerName = cfg.ServerName
	}
	if cfg.CAFile != "" {
		pemData, err := os.ReadFile(filepath.Clean(cfg.CAFile))
		if err != nil {
			return nil, fmt.Errorf("read redis tls ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, fmt.Errorf("redis tls ca is invalid")
		}
		tlsCfg.RootCAs = pool
	}
	if cfg.CertFile != "" || cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(filepath.Clean(cfg.CertFile), filepath.Clean(cfg.KeyFile))
		if err != nil {
			return nil, fmt.Errorf("load redis tls certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}

// RedisCacheConfig configures RedisCache.
type RedisCacheConfig struct {
	Client  redis.UniversalClient
	Prefix  string
	TTL     time.Duration
	Logger  *slog.Logger
	Metrics *metrics.Recorder
}

// RedisCache shares resolved records between API replicas. Redis failures
// degrade to direct backend lookups. Entry keys embed a generation counter
// stored in Redis; Purge bumps it so every replica stops reading older
// entries, which then age out through their TTL.
type RedisCache struct {
	backend Catalog
	client  redis.UniversalClient
	prefix  string
	ttl     time.Duration
	logger  *slog.Logger
	metrics *metrics.Recorder
}

// NewRedisCache wraps backend with a Redis lookup cache.
func NewRedisCache(backend Catalog, cfg RedisCacheConfig) (*RedisCache, error) {
	if backend == nil {
		return nil, errors.New("redis cache requires a backend")
	}
	if cfg.Client == nil {
		return nil, errors.New("redis cache requires a client")
	}
	c := &RedisCache{
		backend: backend,
		client:  cfg.Client,
		prefix:  strings.TrimSpace(cfg.Prefix),
		ttl:     cfg.TTL,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}
	if c.prefix == "" {
		c.prefix = "coursemedia:media:"
	}
	if c.ttl <= 0 {
		c.ttl = 5 * time.Minute
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("component", "catalog", "backend", "redis")
	if c.metrics == nil {
		c.metrics = metrics.Default()
	}
	return c, nil
}

func (c *RedisCache) generationKey() string {
	return strings.TrimSuffix(c.prefix, ":") + "-generation"
}

// key resolves the entry key for id under the current generation.
func (c *RedisCache) key(ctx context.Context, id string) (string, error) {
	generation, err := c.client.Get(ctx, c.generationKey()).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", err
	}
	id = strings.TrimSpace(id)
	if generation == 0 {
		return c.prefix + id, nil
	}
	return c.prefix + "g" + strconv.FormatInt(generation, 10) + ":" + id, nil
}

func (c *RedisCache) Lookup(ctx context.Context, id string) (MediaFile, error) {
	key, err := c.key(ctx, id)
	var payload []byte
	if err == nil {
		payload, err = c.client.Get(ctx, key).Bytes()
	}
	switch {
	case err == nil:
		var file MediaFile
		decodeErr := json.Unmarshal(payload, &file)
		if decodeErr == nil {
			c.metrics.ObserveCatalogLookup("redis", "hit")
			return file, nil
		}
		c.logger.Warn("discarding undecodable cache entry", "key", key, "error", decodeErr)
		c.metrics.ObserveCatalogLookup("redis", "error")
	case errors.Is(err, redis.Nil):
		c.metrics.ObserveCatalogLookup("redis", "miss")
	case ctx.Err() != nil:
		return MediaFile{}, ctx.Err()
	default:
		c.logger.Warn("redis lookup failed", "key", key, "error", err)
		c.metrics.ObserveCatalogLookup("redis", "error")
	}

	file, err := c.backend.Lookup(ctx, id)
	if err != nil {
		result := "error"
		if errors.Is(err, ErrNotFound) {
			result = "miss"
		}
		c.metrics.ObserveCatalogLookup("backend", result)
		return MediaFile{}, err
	}
	c.metrics.ObserveCatalogLookup("backend", "hit")

	if key == "" {
		return file, nil
	}
	encoded, err := json.Marshal(file)
	if err != nil {
		return file, nil
	}
	if err := c.client.Set(ctx, key, encoded, c.ttl).Err(); err != nil {
		c.logger.Warn("redis store failed", "key", key, "error", err)
	}
	return file, nil
}

func (c *RedisCache) List(ctx context.Context, filter Filter) ([]MediaFile, error) {
	return c.backend.List(ctx, filter)
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.backend.Ping(ctx)
}

// PingRedis checks the Redis connection itself.
func (c *RedisCache) PingRedis(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Invalidate removes id from the shared cache.
func (c *RedisCache) Invalidate(ctx context.Context, id string) error {
	key, err := c.key(ctx, id)
	if err != nil {
		return err
	}
	return c.client.Del(ctx, key).Err()
}

// Purge retires every shared entry by starting a new generation.
func (c *RedisCache) Purge(ctx context.Context) error {
	if err := c.client.Incr(ctx, c.generationKey()).Err(); err != nil {
		return fmt.Errorf("bump redis cache generation: %w", err)
	}
	return nil
}
