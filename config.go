package deribit

import (
	"fmt"
	"strconv"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/adred-codev/deribit-go/ratelimit"
	"github.com/adred-codev/deribit-go/session"
)

// Config holds all client configuration.
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Endpoint
	Host string `env:"DERIBIT_HOST" envDefault:"test.deribit.com"`
	Port int    `env:"DERIBIT_PORT" envDefault:"443"`
	Path string `env:"DERIBIT_PATH" envDefault:"/ws/api/v2"`

	// Credentials. APIKey and ClientID are equivalent spellings; the first
	// non-empty one wins.
	APIKey       string `env:"DERIBIT_API_KEY"`
	ClientID     string `env:"DERIBIT_CLIENT_ID"`
	ClientSecret string `env:"DERIBIT_CLIENT_SECRET"`

	// Client identification sent in public/hello.
	ClientName    string `env:"DERIBIT_CLIENT_NAME" envDefault:"market_maker"`
	ClientVersion string `env:"DERIBIT_CLIENT_VERSION" envDefault:"1.0.0"`

	// Session management. The raw strings keep invalid environment values
	// from failing the load; Normalize falls back and logs instead.
	AuthRefreshThresholdRaw string `env:"DERIBIT_AUTH_REFRESH_THRESHOLD"`
	RateLimitModeRaw        string `env:"DERIBIT_RATE_LIMIT_MODE"`

	// Resolved by Normalize from the raw fields above.
	AuthRefreshThreshold int
	RateLimitMode        ratelimit.Mode

	// Bootstrap behavior
	Authenticate      bool   `env:"DERIBIT_AUTHENTICATE" envDefault:"true"`
	HeartbeatInterval int    `env:"DERIBIT_HEARTBEAT_INTERVAL" envDefault:"30"`
	CODEnabled        bool   `env:"DERIBIT_COD_ENABLED" envDefault:"true"`
	CODScope          string `env:"DERIBIT_COD_SCOPE" envDefault:"connection"`

	// Time sync
	TimeSyncEnabled       bool          `env:"DERIBIT_TIME_SYNC_ENABLED" envDefault:"true"`
	TimeSyncAutoOnConnect bool          `env:"DERIBIT_TIME_SYNC_AUTO" envDefault:"true"`
	TimeSyncInterval      time.Duration `env:"DERIBIT_TIME_SYNC_INTERVAL" envDefault:"1h"`

	// Reconnection
	MaxReconnectAttempts int `env:"DERIBIT_MAX_RECONNECT_ATTEMPTS" envDefault:"5"`

	// Observability
	Namespace string `env:"DERIBIT_TELEMETRY_NAMESPACE" envDefault:"deribit_go"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// LoadConfig reads configuration from a .env file and environment variables.
// Priority: ENV vars > .env file > defaults. Invalid values for the validated
// fields fall through to their defaults with a warning instead of failing.
func LoadConfig(logger zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err == nil {
		logger.Info().Msg("loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.Normalize(logger)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Normalize resolves the fall-through fields. Out-of-range or unparseable
// values are replaced by the next source (the default) and logged.
func (c *Config) Normalize(logger zerolog.Logger) {
	c.AuthRefreshThreshold = session.DefaultRefreshThreshold
	if c.AuthRefreshThresholdRaw != "" {
		n, err := strconv.Atoi(c.AuthRefreshThresholdRaw)
		if err != nil {
			logger.Warn().
				Str("value", c.AuthRefreshThresholdRaw).
				Msg("invalid DERIBIT_AUTH_REFRESH_THRESHOLD, using default")
		} else if clamped, ok := session.ClampRefreshThreshold(n); !ok {
			logger.Warn().
				Int("value", n).
				Int("min", session.MinRefreshThreshold).
				Int("max", session.MaxRefreshThreshold).
				Msg("DERIBIT_AUTH_REFRESH_THRESHOLD out of range, using default")
			c.AuthRefreshThreshold = clamped
		} else {
			c.AuthRefreshThreshold = clamped
		}
	}

	c.RateLimitMode = ratelimit.ModeNormal
	if c.RateLimitModeRaw != "" {
		mode := ratelimit.Mode(c.RateLimitModeRaw)
		if ratelimit.ValidMode(mode) {
			c.RateLimitMode = mode
		} else {
			logger.Warn().
				Str("value", c.RateLimitModeRaw).
				Msg("invalid DERIBIT_RATE_LIMIT_MODE, using normal")
		}
	}
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be 1-65535, got %d", c.Port)
	}
	if c.CODScope != "connection" && c.CODScope != "account" {
		return fmt.Errorf("cod scope must be connection or account, got %q", c.CODScope)
	}
	if c.MaxReconnectAttempts < 0 {
		return fmt.Errorf("max reconnect attempts must be >= 0, got %d", c.MaxReconnectAttempts)
	}
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("log level must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	return nil
}

// Credentials assembles the auth material, honoring the api_key/client_id
// equivalence.
func (c *Config) Credentials() session.Credentials {
	key := c.APIKey
	if key == "" {
		key = c.ClientID
	}
	return session.Credentials{Key: key, Secret: c.ClientSecret}
}

// URL is the full WebSocket endpoint.
func (c *Config) URL() string {
	return fmt.Sprintf("wss://%s:%d%s", c.Host, c.Port, c.Path)
}

// EffectiveHeartbeatInterval floors the configured interval to the server
// minimum of 10 seconds.
func (c *Config) EffectiveHeartbeatInterval() int {
	if c.HeartbeatInterval < 10 {
		return 10
	}
	return c.HeartbeatInterval
}

// withDefaults fills zero values on a hand-built Config so New can accept
// struct literals in tests and embedding programs.
func (c *Config) withDefaults() {
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.Path == "" {
		c.Path = DefaultPath
	}
	if c.ClientName == "" {
		c.ClientName = DefaultClientName
	}
	if c.ClientVersion == "" {
		c.ClientVersion = DefaultClientVersion
	}
	if c.AuthRefreshThreshold == 0 {
		c.AuthRefreshThreshold = session.DefaultRefreshThreshold
	}
	if c.RateLimitMode == "" {
		c.RateLimitMode = ratelimit.ModeNormal
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 30
	}
	if c.CODScope == "" {
		c.CODScope = "connection"
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.TimeSyncInterval == 0 {
		c.TimeSyncInterval = time.Hour
	}
	if c.Namespace == "" {
		c.Namespace = "deribit_go"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "json"
	}
}
