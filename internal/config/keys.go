package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kDuration
)

func (t keyType) String() string {
	switch t {
	case kInt:
		return "int"
	case kBool:
		return "bool"
	case kDuration:
		return "duration"
	}
	return "string"
}

type keySpec struct {
	key     string
	typ     keyType
	env     string
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "OFFLINEQ_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "backend.base_url", typ: kString, env: "OFFLINEQ_BACKEND_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Backend.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Backend.BaseURL },
	},
	{
		key: "backend.timeout", typ: kDuration, env: "OFFLINEQ_BACKEND_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Backend.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Backend.Timeout },
	},
	{
		key: "queue.max_retries", typ: kInt, env: "OFFLINEQ_QUEUE_MAX_RETRIES",
		apply:   func(cfg *Config, v any) { cfg.Queue.MaxRetries = v.(int) },
		extract: func(cfg Config) any { return cfg.Queue.MaxRetries },
	},
	{
		key: "queue.retry_delay", typ: kDuration, env: "OFFLINEQ_QUEUE_RETRY_DELAY",
		apply:   func(cfg *Config, v any) { cfg.Queue.RetryDelay = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Queue.RetryDelay },
	},
	{
		key: "queue.stabilize_delay", typ: kDuration, env: "OFFLINEQ_QUEUE_STABILIZE_DELAY",
		apply:   func(cfg *Config, v any) { cfg.Queue.StabilizeDelay = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Queue.StabilizeDelay },
	},
	{
		key: "queue.sweep_schedule", typ: kString, env: "OFFLINEQ_QUEUE_SWEEP_SCHEDULE",
		apply:   func(cfg *Config, v any) { cfg.Queue.SweepSchedule = v.(string) },
		extract: func(cfg Config) any { return cfg.Queue.SweepSchedule },
	},
	{
		key: "queue.max_size", typ: kInt, env: "OFFLINEQ_QUEUE_MAX_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Queue.MaxSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Queue.MaxSize },
	},
	{
		key: "connectivity.mode", typ: kString, env: "OFFLINEQ_CONNECTIVITY_MODE",
		apply:   func(cfg *Config, v any) { cfg.Connectivity.Mode = v.(string) },
		extract: func(cfg Config) any { return cfg.Connectivity.Mode },
	},
	{
		key: "connectivity.probe_url", typ: kString, env: "OFFLINEQ_CONNECTIVITY_PROBE_URL",
		apply:   func(cfg *Config, v any) { cfg.Connectivity.ProbeURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Connectivity.ProbeURL },
	},
	{
		key: "connectivity.probe_interval", typ: kDuration, env: "OFFLINEQ_CONNECTIVITY_PROBE_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Connectivity.ProbeInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Connectivity.ProbeInterval },
	},
	{
		key: "connectivity.probe_timeout", typ: kDuration, env: "OFFLINEQ_CONNECTIVITY_PROBE_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Connectivity.ProbeTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Connectivity.ProbeTimeout },
	},
	{
		key: "connectivity.failure_threshold", typ: kInt, env: "OFFLINEQ_CONNECTIVITY_FAILURE_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Connectivity.FailureThreshold = v.(int) },
		extract: func(cfg Config) any { return cfg.Connectivity.FailureThreshold },
	},
	{
		key: "storage.data_dir", typ: kString, env: "OFFLINEQ_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "persist.cache_ttl", typ: kDuration, env: "OFFLINEQ_PERSIST_CACHE_TTL",
		apply:   func(cfg *Config, v any) { cfg.Persist.CacheTTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Persist.CacheTTL },
	},
	{
		key: "log.level", typ: kString, env: "OFFLINEQ_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "log.file", typ: kString, env: "OFFLINEQ_LOG_FILE",
		apply:   func(cfg *Config, v any) { cfg.Log.File = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.File },
	},
	{
		key: "log.max_size_mb", typ: kInt, env: "OFFLINEQ_LOG_MAX_SIZE_MB",
		apply:   func(cfg *Config, v any) { cfg.Log.MaxSizeMB = v.(int) },
		extract: func(cfg Config) any { return cfg.Log.MaxSizeMB },
	},
	{
		key: "log.max_backups", typ: kInt, env: "OFFLINEQ_LOG_MAX_BACKUPS",
		apply:   func(cfg *Config, v any) { cfg.Log.MaxBackups = v.(int) },
		extract: func(cfg Config) any { return cfg.Log.MaxBackups },
	},
	{
		key: "log.max_age_days", typ: kInt, env: "OFFLINEQ_LOG_MAX_AGE_DAYS",
		apply:   func(cfg *Config, v any) { cfg.Log.MaxAgeDays = v.(int) },
		extract: func(cfg Config) any { return cfg.Log.MaxAgeDays },
	},
	{
		key: "metrics.enabled", typ: kBool, env: "OFFLINEQ_METRICS_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Metrics.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Metrics.Enabled },
	},
}

// parseValue converts a raw string for a key of type t.
func parseValue(t keyType, raw string) (any, error) {
	switch t {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kDuration:
		return time.ParseDuration(raw)
	}
	return raw, nil
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kBool, kDuration:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if !ok || v == "" {
				continue
			}
			if pv, err := parseValue(s.typ, v); err == nil {
				s.apply(cfg, pv)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse %s from config key %s=%q: %v. Using default value.\n", s.typ, s.key, v, err)
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse %s from env var %s=%q: %v. Using default value.\n", s.typ, s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
