package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

const envPrefix = "COURSEMEDIA_"

func env(key string) string {
	return os.Getenv(envPrefix + key)
}

// resolveCatalogDriver picks the catalog backend. An explicit choice wins;
// otherwise a Postgres DSN selects postgres and a manifest path selects
// manifest.
func resolveCatalogDriver(flagValue, envValue, manifestPath, postgresDSN string) (string, error) {
	driver := strings.ToLower(firstNonEmpty(flagValue, envValue))
	switch driver {
	case "manifest", "postgres":
		return driver, nil
	case "":
	default:
		return "", fmt.Errorf("unsupported catalog driver %q", driver)
	}
	if strings.TrimSpace(postgresDSN) != "" {
		return "postgres", nil
	}
	if strings.TrimSpace(manifestPath) != "" {
		return "manifest", nil
	}
	return "", fmt.Errorf("no media catalog configured: provide -manifest or configure Postgres via COURSEMEDIA_POSTGRES_DSN, DATABASE_URL or -postgres-dsn")
}

func resolvePostgresDSN(flagValue string) string {
	return firstNonEmpty(flagValue, env("POSTGRES_DSN"), os.Getenv("DATABASE_URL"))
}

// resolveByteSize parses human readable sizes such as "64KiB" or "1MB",
// preferring the flag over the environment.
func resolveByteSize(flagValue, envKey string, fallback uint64) (uint64, error) {
	raw := firstNonEmpty(flagValue, env(envKey))
	if raw == "" {
		return fallback, nil
	}
	size, err := humanize.ParseBytes(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", strings.ToLower(envKey), err)
	}
	return size, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func resolveFloat(flagValue float64, envKey string) float64 {
	if flagValue > 0 {
		return flagValue
	}
	if raw := env(envKey); raw != "" {
		if value, err := strconv.ParseFloat(strings.TrimSpace(raw), 64); err == nil {
			return value
		}
	}
	return 0
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if raw := env(envKey); raw != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if raw := env(envKey); raw != "" {
		if value, err := time.ParseDuration(strings.TrimSpace(raw)); err == nil {
			return value
		}
	}
	if fallback > 0 {
		return fallback
	}
	return 0
}

func resolveBool(flagValue bool, envKey string) bool {
	if flagValue {
		return true
	}
	if raw, ok := os.LookupEnv(envPrefix + envKey); ok {
		if value, err := strconv.ParseBool(strings.TrimSpace(raw)); err == nil {
			return value
		}
	}
	return false
}
