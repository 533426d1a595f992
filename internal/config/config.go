package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

type Config struct {
	Server       ServerConfig
	Backend      BackendConfig
	Queue        QueueConfig
	Connectivity ConnectivityConfig
	Storage      StorageConfig
	Persist      PersistConfig
	Log          LogConfig
	Metrics      MetricsConfig
}

type ServerConfig struct {
	Port int
}

type BackendConfig struct {
	BaseURL string
	Timeout time.Duration
}

type QueueConfig struct {
	MaxRetries     int
	RetryDelay     time.Duration
	StabilizeDelay time.Duration
	SweepSchedule  string
	MaxSize        int
}

type ConnectivityConfig struct {
	Mode             string
	ProbeURL         string
	ProbeInterval    time.Duration
	ProbeTimeout     time.Duration
	FailureThreshold int
}

type StorageConfig struct {
	DataDir string
}

type PersistConfig struct {
	CacheTTL time.Duration
}

type LogConfig struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

type MetricsConfig struct {
	Enabled bool
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Backend: BackendConfig{
			Timeout: 30 * time.Second,
		},
		Queue: QueueConfig{
			MaxRetries:     3,
			RetryDelay:     time.Second,
			StabilizeDelay: time.Second,
			SweepSchedule:  "@every 30s",
			MaxSize:        1000,
		},
		Connectivity: ConnectivityConfig{
			Mode:             "events",
			ProbeInterval:    5 * time.Second,
			ProbeTimeout:     3 * time.Second,
			FailureThreshold: 1,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Persist: PersistConfig{
			CacheTTL: 24 * time.Hour,
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// Load reads configuration from the JSON file backend at
// $XDG_CONFIG_HOME/offlineq/config.json. Environment variables (OFFLINEQ_*)
// override file values.
func Load() (Config, error) {
	return loadWith(newPlatformBackend())
}

func loadFromPath(path string) (Config, error) {
	return loadWith(newFileBackend(path))
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first setting that cannot work.
func (c Config) Validate() error {
	var problems []string

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		problems = append(problems, fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}
	if c.Backend.BaseURL != "" {
		if u, err := url.Parse(c.Backend.BaseURL); err != nil || !u.IsAbs() {
			problems = append(problems, fmt.Sprintf("backend.base_url %q must be an absolute URL", c.Backend.BaseURL))
		}
	}
	if c.Queue.MaxRetries < 0 {
		problems = append(problems, "queue.max_retries must not be negative")
	}
	switch c.Connectivity.Mode {
	case "", "events":
	case "probe":
		if c.Connectivity.ProbeURL == "" {
			problems = append(problems, "connectivity.probe_url is required when connectivity.mode is probe")
		}
	default:
		problems = append(problems, fmt.Sprintf("connectivity.mode %q must be events or probe", c.Connectivity.Mode))
	}

	if len(problems) > 0 {
		return errors.New("invalid config: " + strings.Join(problems, "; "))
	}
	return nil
}
