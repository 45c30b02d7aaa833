package catalog

import (
	"log/slog"
	"strings"
	"time"
)

// Option configures a catalog backend. Options that only make sense for one
// backend are ignored by the others.
type Option interface {
	applyManifest(*ManifestConfig)
	applyPostgres(*PostgresConfig)
}

type optionAdapter struct {
	manifest func(*ManifestConfig)
	pg       func(*PostgresConfig)
}

func (o optionAdapter) applyManifest(cfg *ManifestConfig) {
	if o.manifest != nil && cfg != nil {
		o.manifest(cfg)
	}
}

func (o optionAdapter) applyPostgres(cfg *PostgresConfig) {
	if o.pg != nil && cfg != nil {
		o.pg(cfg)
	}
}

func composeOption(manifest func(*ManifestConfig), pg func(*PostgresConfig)) Option {
	return optionAdapter{manifest: manifest, pg: pg}
}

func postgresOnlyOption(pg func(*PostgresConfig)) Option {
	return optionAdapter{pg: pg}
}

// WithMediaRoot sets the directory stored file paths are resolved against.
func WithMediaRoot(root string) Option {
	trimmed := strings.TrimSpace(root)
	return composeOption(
		func(cfg *ManifestConfig) {
			if trimmed != "" {
				cfg.MediaRoot = trimmed
			}
		},
		func(cfg *PostgresConfig) {
			if trimmed != "" {
				cfg.MediaRoot = trimmed
			}
		},
	)
}

func WithLogger(logger *slog.Logger) Option {
	return composeOption(
		func(cfg *ManifestConfig) {
			if logger != nil {
				cfg.Logger = logger
			}
		},
		func(cfg *PostgresConfig) {
			if logger != nil {
				cfg.Logger = logger
			}
		},
	)
}

func WithPostgresPoolLimits(maxConns, minConns int32) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		if maxConns > 0 {
			cfg.MaxConnections = maxConns
		}
		if minConns >= 0 {
			cfg.MinConnections = minConns
		}
	})
}

// WithPostgresAcquireTimeout bounds how long a lookup waits for a pooled
// connection and its query.
func WithPostgresAcquireTimeout(timeout time.Duration) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		if timeout > 0 {
			cfg.AcquireTimeout = timeout
		}
	})
}

func WithPostgresPoolDurations(maxLifetime, maxIdle, healthInterval time.Duration) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		if maxLifetime > 0 {
			cfg.MaxConnLifetime = maxLifetime
		}
		if maxIdle > 0 {
			cfg.MaxConnIdleTime = maxIdle
		}
		if healthInterval > 0 {
			cfg.HealthCheckInterval = healthInterval
		}
	})
}

func WithPostgresApplicationName(name string) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			cfg.ApplicationName = trimmed
		}
	})
}
