package main

import (
	"net/url"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

type startupSummaryInput struct {
	Addr              string
	TLSEnabled        bool
	CatalogDriver     string
	ManifestPath      string
	MediaRoot         string
	PostgresDSN       string
	CacheSize         int
	CacheTTL          time.Duration
	RedisAddrs        []string
	RedisMasterName   string
	RedisTTL          time.Duration
	StreamBuffer      uint64
	StreamConcurrency int
	StreamLimit       int
	StreamWindow      time.Duration
	GlobalRPS         float64
}

type startupSummary struct {
	input startupSummaryInput
}

func newStartupSummary(input startupSummaryInput) startupSummary {
	return startupSummary{input: input}
}

// LogArgs renders the summary as slog key/value pairs with credentials
// redacted.
func (s startupSummary) LogArgs() []any {
	in := s.input

	catalogInfo := map[string]any{"driver": in.CatalogDriver}
	switch in.CatalogDriver {
	case "manifest":
		catalogInfo["manifest"] = in.ManifestPath
	case "postgres":
		catalogInfo["dsn"] = redactDSN(in.PostgresDSN)
	}
	if in.MediaRoot != "" {
		catalogInfo["media_root"] = in.MediaRoot
	}

	cache := map[string]any{
		"lru_size": in.CacheSize,
		"lru_ttl":  in.CacheTTL.String(),
	}
	if len(in.RedisAddrs) > 0 {
		cache["redis"] = true
		cache["redis_addrs"] = strings.Join(in.RedisAddrs, ",")
		cache["redis_ttl"] = in.RedisTTL.String()
		if in.RedisMasterName != "" {
			cache["master_name"] = in.RedisMasterName
		}
	} else {
		cache["redis"] = false
	}

	streaming := map[string]any{
		"buffer":      humanize.IBytes(in.StreamBuffer),
		"concurrency": in.StreamConcurrency,
	}

	throttle := map[string]any{"global_rps": in.GlobalRPS}
	if in.StreamLimit > 0 {
		driver := "memory"
		if len(in.RedisAddrs) > 0 {
			driver = "redis"
		}
		throttle["stream_driver"] = driver
		throttle["stream_limit"] = in.StreamLimit
		throttle["stream_window"] = in.StreamWindow.String()
	}

	return []any{
		"addr", in.Addr,
		"tls", in.TLSEnabled,
		"catalog", catalogInfo,
		"cache", cache,
		"streaming", streaming,
		"rate_limit", throttle,
	}
}

// redactDSN masks the password in URL-style and keyword-style Postgres DSNs.
func redactDSN(dsn string) string {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return ""
	}
	if parsed, err := url.Parse(dsn); err == nil && parsed.Scheme != "" {
		if parsed.User != nil {
			if _, hasPassword := parsed.User.Password(); hasPassword {
				parsed.User = url.UserPassword(parsed.User.Username(), "*****")
			}
		}
		return parsed.String()
	}
	fields := strings.Fields(dsn)
	for i, field := range fields {
		if strings.HasPrefix(strings.ToLower(field), "password=") {
			fields[i] = "password=*****"
		}
	}
	return strings.Join(fields, " ")
}
