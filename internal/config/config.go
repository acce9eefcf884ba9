// Package config defines all configuration for the sidecar.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via HS_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Exchange ExchangeConfig `mapstructure:"exchange"`
	Tracker  TrackerConfig  `mapstructure:"tracker"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Store    StoreConfig    `mapstructure:"store"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig controls the HTTP/WebSocket surface exposed to browser clients.
type ServerConfig struct {
	Host           string   `mapstructure:"host"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	APIKey         string   `mapstructure:"api_key"`
	RateLimitRPM   int      `mapstructure:"rate_limit_rpm"`
}

// ExchangeConfig holds the exchange endpoints and client tuning.
//
//   - InfoRPS: sliding-window cap on info requests per second.
//   - MaxRetries / RetryBaseDelay / RetryMaxDelay: transient-error retry policy.
//   - BreakerThreshold / BreakerCooldown: consecutive failures before the
//     circuit opens, and how long it stays open before probing.
type ExchangeConfig struct {
	BaseURL          string        `mapstructure:"base_url"`
	WSURL            string        `mapstructure:"ws_url"`
	Testnet          bool          `mapstructure:"testnet"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	InfoRPS          int           `mapstructure:"info_rps"`
	MaxRetries       int           `mapstructure:"max_retries"`
	RetryBaseDelay   time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay    time.Duration `mapstructure:"retry_max_delay"`
	BreakerThreshold int           `mapstructure:"breaker_threshold"`
	BreakerCooldown  time.Duration `mapstructure:"breaker_cooldown"`
}

// TrackerConfig tunes the hybrid order tracker.
//
//   - TrackDuration: how long an order stays tracked before expiring.
//   - PollInterval: polling-fallback cadence per tracked user.
//   - WSTimeout: silence on the push channel before polling takes over.
//   - MaxTracked: hard cap on concurrently tracked orders.
//   - CleanupInterval: sweep cadence for expired and terminal entries.
type TrackerConfig struct {
	TrackDuration   time.Duration `mapstructure:"track_duration"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	WSTimeout       time.Duration `mapstructure:"ws_timeout"`
	MaxTracked      int           `mapstructure:"max_tracked"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

// TelegramConfig holds the bot credentials for notifications. An empty token
// disables the notifier; the rest of the sidecar runs normally.
type TelegramConfig struct {
	BotToken string `mapstructure:"bot_token"`
}

// StoreConfig sets where chat links and per-user settings are persisted (JSON files).
type StoreConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: HS_TELEGRAM_BOT_TOKEN, HS_API_KEY.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("HS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if token := os.Getenv("HS_TELEGRAM_BOT_TOKEN"); token != "" {
		cfg.Telegram.BotToken = token
	}
	if key := os.Getenv("HS_API_KEY"); key != "" {
		cfg.Server.APIKey = key
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8081)
	v.SetDefault("server.rate_limit_rpm", 100)

	v.SetDefault("exchange.base_url", "https://api.hyperliquid.xyz")
	v.SetDefault("exchange.ws_url", "wss://api.hyperliquid.xyz/ws")
	v.SetDefault("exchange.request_timeout", 10*time.Second)
	v.SetDefault("exchange.info_rps", 10)
	v.SetDefault("exchange.max_retries", 3)
	v.SetDefault("exchange.retry_base_delay", time.Second)
	v.SetDefault("exchange.retry_max_delay", 30*time.Second)
	v.SetDefault("exchange.breaker_threshold", 5)
	v.SetDefault("exchange.breaker_cooldown", 60*time.Second)

	v.SetDefault("tracker.track_duration", time.Hour)
	v.SetDefault("tracker.poll_interval", 15*time.Second)
	v.SetDefault("tracker.ws_timeout", 45*time.Second)
	v.SetDefault("tracker.max_tracked", 500)
	v.SetDefault("tracker.cleanup_interval", 60*time.Second)

	v.SetDefault("store.data_dir", "data")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1..65535")
	}
	if c.Exchange.BaseURL == "" {
		return fmt.Errorf("exchange.base_url is required")
	}
	if c.Exchange.WSURL == "" {
		return fmt.Errorf("exchange.ws_url is required")
	}
	if c.Exchange.InfoRPS <= 0 {
		return fmt.Errorf("exchange.info_rps must be > 0")
	}
	if c.Exchange.MaxRetries < 0 {
		return fmt.Errorf("exchange.max_retries must be >= 0")
	}
	if c.Exchange.BreakerThreshold <= 0 {
		return fmt.Errorf("exchange.breaker_threshold must be > 0")
	}
	if c.Tracker.TrackDuration <= 0 {
		return fmt.Errorf("tracker.track_duration must be > 0")
	}
	if c.Tracker.PollInterval <= 0 {
		return fmt.Errorf("tracker.poll_interval must be > 0")
	}
	if c.Tracker.WSTimeout < c.Tracker.PollInterval {
		return fmt.Errorf("tracker.ws_timeout must be >= tracker.poll_interval")
	}
	if c.Tracker.MaxTracked <= 0 {
		return fmt.Errorf("tracker.max_tracked must be > 0")
	}
	return nil
}
