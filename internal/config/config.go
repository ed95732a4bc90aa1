// Package config loads runtime settings: an optional YAML file with
// defaults, overridden by JOBSYNC_* environment variables (a .env file is
// honored when present).
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/opswatch/jobsync/pkg/debug"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Timing  TimingConfig  `yaml:"timing"`
	Backoff BackoffConfig `yaml:"backoff"`
}

type ServerConfig struct {
	// URL is the HTTP base of the command API, e.g. http://localhost:8080.
	URL string `yaml:"url"`
	// WSURL is the sync channel endpoint. Empty derives it from URL.
	WSURL  string `yaml:"ws_url"`
	APIKey string `yaml:"api_key"`
}

type TimingConfig struct {
	PingPeriod    time.Duration `yaml:"ping_period"`
	PongWait      time.Duration `yaml:"pong_wait"`
	WriteWait     time.Duration `yaml:"write_wait"`
	HTTPTimeout   time.Duration `yaml:"http_timeout"`
	DirectedDelay time.Duration `yaml:"directed_delay"`
}

type BackoffConfig struct {
	Base             time.Duration `yaml:"base"`
	Growth           float64       `yaml:"growth"`
	Cap              time.Duration `yaml:"cap"`
	MaxAttempts      uint          `yaml:"max_attempts"`
	RefetchOnExhaust bool          `yaml:"refetch_on_exhaust"`
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			URL: "http://localhost:8080",
		},
		Timing: TimingConfig{
			PingPeriod:    25 * time.Second,
			PongWait:      60 * time.Second,
			WriteWait:     10 * time.Second,
			HTTPTimeout:   30 * time.Second,
			DirectedDelay: 500 * time.Millisecond,
		},
		Backoff: BackoffConfig{
			Base:             time.Second,
			Growth:           1.5,
			Cap:              30 * time.Second,
			MaxAttempts:      5,
			RefetchOnExhaust: true,
		},
	}
}

// Load reads the YAML file at path (skipped when path is empty or the file
// does not exist), then applies environment overrides. A .env file in the
// working directory is loaded first so local overrides reach os.Getenv.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		debug.Debug("No .env file loaded: %v", err)
	}

	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
			}
			debug.Info("Config file %s not found, using defaults", path)
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if cfg.Server.WSURL == "" {
		ws, err := deriveWSURL(cfg.Server.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to derive websocket URL: %w", err)
		}
		cfg.Server.WSURL = ws
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Server.URL = getEnvString("JOBSYNC_SERVER_URL", c.Server.URL)
	c.Server.WSURL = getEnvString("JOBSYNC_WS_URL", c.Server.WSURL)
	c.Server.APIKey = getEnvString("JOBSYNC_API_KEY", c.Server.APIKey)

	c.Timing.PingPeriod = getEnvDuration("JOBSYNC_PING_PERIOD", c.Timing.PingPeriod)
	c.Timing.PongWait = getEnvDuration("JOBSYNC_PONG_WAIT", c.Timing.PongWait)
	c.Timing.WriteWait = getEnvDuration("JOBSYNC_WRITE_WAIT", c.Timing.WriteWait)
	c.Timing.HTTPTimeout = getEnvDuration("JOBSYNC_HTTP_TIMEOUT", c.Timing.HTTPTimeout)
	c.Timing.DirectedDelay = getEnvDuration("JOBSYNC_DIRECTED_DELAY", c.Timing.DirectedDelay)

	c.Backoff.Base = getEnvDuration("JOBSYNC_BACKOFF_BASE", c.Backoff.Base)
	c.Backoff.Growth = getEnvFloat("JOBSYNC_BACKOFF_GROWTH", c.Backoff.Growth)
	c.Backoff.Cap = getEnvDuration("JOBSYNC_BACKOFF_CAP", c.Backoff.Cap)
	c.Backoff.MaxAttempts = getEnvUint("JOBSYNC_MAX_ATTEMPTS", c.Backoff.MaxAttempts)
	c.Backoff.RefetchOnExhaust = getEnvBool("JOBSYNC_REFETCH_ON_EXHAUST", c.Backoff.RefetchOnExhaust)
}

// deriveWSURL maps the command API base to the sync endpoint: http -> ws,
// https -> wss, path /ws.
func deriveWSURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
		// already a websocket URL
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = "/ws"
	return u.String(), nil
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value != "" {
		duration, err := time.ParseDuration(value)
		if err == nil {
			return duration
		}
		debug.Warning("Invalid %s value: %s, using default: %v", key, value, defaultValue)
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value != "" {
		f, err := strconv.ParseFloat(value, 64)
		if err == nil {
			return f
		}
		debug.Warning("Invalid %s value: %s, using default: %v", key, value, defaultValue)
	}
	return defaultValue
}

func getEnvUint(key string, defaultValue uint) uint {
	value := os.Getenv(key)
	if value != "" {
		n, err := strconv.ParseUint(value, 10, 32)
		if err == nil {
			return uint(n)
		}
		debug.Warning("Invalid %s value: %s, using default: %v", key, value, defaultValue)
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value != "" {
		b, err := strconv.ParseBool(value)
		if err == nil {
			return b
		}
		debug.Warning("Invalid %s value: %s, using default: %v", key, value, defaultValue)
	}
	return defaultValue
}
