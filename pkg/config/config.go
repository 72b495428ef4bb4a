package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Duration wraps time.Duration so yaml values like "30s" parse; bare
// integers are taken as nanoseconds.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}

	var n int64
	if err := unmarshal(&n); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\" or an integer nanosecond count")
	}
	*d = Duration(n)
	return nil
}

type Config struct {
	Server struct {
		Address         string   `yaml:"address"`
		ReadTimeout     Duration `yaml:"read_timeout"`
		WriteTimeout    Duration `yaml:"write_timeout"`
		ShutdownTimeout Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Signal struct {
		PingInterval        Duration `yaml:"ping_interval"`
		PongTimeout         Duration `yaml:"pong_timeout"`
		WriteTimeout        Duration `yaml:"write_timeout"`
		AllowedOrigins      []string `yaml:"allowed_origins"`
		MaxMessageSizeBytes int64    `yaml:"max_message_size_bytes"`
		SendBufferSize      int      `yaml:"send_buffer_size"`
	} `yaml:"signal"`

	WebRTC struct {
		ICEServers []struct {
			URLs       []string `yaml:"urls"`
			Username   string   `yaml:"username,omitempty"`
			Credential string   `yaml:"credential,omitempty"`
		} `yaml:"ice_servers"`
	} `yaml:"webrtc"`

	Session struct {
		NegotiationTimeout  Duration `yaml:"negotiation_timeout"`
		PingInterval        Duration `yaml:"ping_interval"`
		RebroadcastInterval Duration `yaml:"rebroadcast_interval"`
		PeriodicDriftSec    float64  `yaml:"periodic_drift_seconds"`
		SeekDriftSec        float64  `yaml:"seek_drift_seconds"`
		MissedEchoLimit     int      `yaml:"missed_echo_limit"`
	} `yaml:"session"`

	Reconnect struct {
		MaxAttempts  int      `yaml:"max_attempts"`
		InitialDelay Duration `yaml:"initial_delay"`
		MaxDelay     Duration `yaml:"max_delay"`
		Multiplier   float64  `yaml:"multiplier"`
	} `yaml:"reconnect"`

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
	} `yaml:"redis"`

	Auth struct {
		Enabled   bool     `yaml:"enabled"`
		JWTSecret string   `yaml:"jwt_secret"`
		TokenTTL  Duration `yaml:"token_ttl"`
	} `yaml:"auth"`

	RateLimiting struct {
		Enabled              bool    `yaml:"enabled"`
		ConnectionsPerMinute int     `yaml:"connections_per_minute"`
		MessagesPerSecond    float64 `yaml:"messages_per_second"`
		Burst                int     `yaml:"burst"`
	} `yaml:"rate_limiting"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
	} `yaml:"monitoring"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= c.Signal.PingInterval {
		return fmt.Errorf("signal.pong_timeout must be > signal.ping_interval")
	}
	if c.Signal.WriteTimeout <= 0 {
		return fmt.Errorf("signal.write_timeout must be > 0")
	}
	if c.Signal.MaxMessageSizeBytes <= 0 {
		return fmt.Errorf("signal.max_message_size_bytes must be > 0")
	}
	if c.Signal.SendBufferSize <= 0 {
		return fmt.Errorf("signal.send_buffer_size must be > 0")
	}

	if c.Session.NegotiationTimeout <= 0 {
		return fmt.Errorf("session.negotiation_timeout must be > 0")
	}
	if c.Session.PingInterval <= 0 {
		return fmt.Errorf("session.ping_interval must be > 0")
	}
	if c.Session.RebroadcastInterval <= 0 {
		return fmt.Errorf("session.rebroadcast_interval must be > 0")
	}
	if c.Session.PeriodicDriftSec <= 0 {
		return fmt.Errorf("session.periodic_drift_seconds must be > 0")
	}
	if c.Session.SeekDriftSec <= 0 {
		return fmt.Errorf("session.seek_drift_seconds must be > 0")
	}
	if c.Session.SeekDriftSec > c.Session.PeriodicDriftSec {
		return fmt.Errorf("session.seek_drift_seconds must be <= session.periodic_drift_seconds")
	}
	if c.Session.MissedEchoLimit <= 0 {
		return fmt.Errorf("session.missed_echo_limit must be > 0")
	}

	if c.Reconnect.MaxAttempts < 0 {
		return fmt.Errorf("reconnect.max_attempts must be >= 0")
	}
	if c.Reconnect.InitialDelay <= 0 {
		return fmt.Errorf("reconnect.initial_delay must be > 0")
	}
	if c.Reconnect.MaxDelay < c.Reconnect.InitialDelay {
		return fmt.Errorf("reconnect.max_delay must be >= reconnect.initial_delay")
	}
	if c.Reconnect.Multiplier < 1.0 {
		return fmt.Errorf("reconnect.multiplier must be >= 1.0")
	}

	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
	}

	if c.Auth.Enabled {
		if c.Auth.JWTSecret == "" {
			return fmt.Errorf("auth.jwt_secret must not be empty when auth.enabled=true")
		}
		if c.Auth.TokenTTL <= 0 {
			return fmt.Errorf("auth.token_ttl must be > 0 when auth.enabled=true")
		}
	}

	if c.RateLimiting.Enabled {
		if c.RateLimiting.ConnectionsPerMinute <= 0 {
			return fmt.Errorf("rate_limiting.connections_per_minute must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.Burst <= 0 {
			return fmt.Errorf("rate_limiting.burst must be > 0 when rate limiting is enabled")
		}
	}

	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	return nil
}

// Load reads configuration from a YAML file, applies defaults and env
// overrides. A missing file yields the defaults.
func Load(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = Duration(30 * time.Second)
	cfg.Server.WriteTimeout = Duration(30 * time.Second)
	cfg.Server.ShutdownTimeout = Duration(30 * time.Second)

	cfg.Signal.PingInterval = Duration(30 * time.Second)
	cfg.Signal.PongTimeout = Duration(60 * time.Second)
	cfg.Signal.WriteTimeout = Duration(10 * time.Second)
	cfg.Signal.AllowedOrigins = []string{"*"}
	cfg.Signal.MaxMessageSizeBytes = 64 * 1024
	cfg.Signal.SendBufferSize = 32

	cfg.Session.NegotiationTimeout = Duration(30 * time.Second)
	cfg.Session.PingInterval = Duration(5 * time.Second)
	cfg.Session.RebroadcastInterval = Duration(5 * time.Second)
	cfg.Session.PeriodicDriftSec = 2.0
	cfg.Session.SeekDriftSec = 1.0
	cfg.Session.MissedEchoLimit = 3

	cfg.Reconnect.MaxAttempts = 5
	cfg.Reconnect.InitialDelay = Duration(500 * time.Millisecond)
	cfg.Reconnect.MaxDelay = Duration(10 * time.Second)
	cfg.Reconnect.Multiplier = 2.0

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10

	cfg.Auth.Enabled = false
	cfg.Auth.JWTSecret = ""
	cfg.Auth.TokenTTL = Duration(12 * time.Hour)

	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.ConnectionsPerMinute = 60
	cfg.RateLimiting.MessagesPerSecond = 50
	cfg.RateLimiting.Burst = 100

	cfg.Monitoring.PrometheusEnabled = true

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("COUCHSYNC_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if level := os.Getenv("COUCHSYNC_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if secret := os.Getenv("COUCHSYNC_JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}
	if origin := os.Getenv("COUCHSYNC_ALLOWED_ORIGIN"); origin != "" {
		c.Signal.AllowedOrigins = []string{origin}
	}
	if addr := os.Getenv("COUCHSYNC_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
	}
}
