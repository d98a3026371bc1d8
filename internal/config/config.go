// Package config loads runtime settings for the designconnect backend from the
// environment, applying defaults and sanitising values that would otherwise
// leave the server in an unusable state.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// RelayConfig holds the WebSocket relay settings including security controls.
type RelayConfig struct {
	AllowedOrigins []string
	MaxMessageSize int64
	RateLimit      RateLimitConfig
}

// AuthConfig controls session token signing.
type AuthConfig struct {
	Secret string
	TTL    time.Duration
	Issuer string
}

// NotifyConfig carries the credentials of the outbound alert channels. Empty
// values disable the corresponding notifier.
type NotifyConfig struct {
	LineToken      string
	TelegramToken  string
	TelegramChatID string
}

// SyntheticConfig drives the uptime prober.
type SyntheticConfig struct {
	Enabled  bool
	Interval time.Duration
	BaseURL  string
	Email    string
	Password string
}

// Config holds the whole server configuration.
type Config struct {
	Env             string
	LogLevel        string
	Port            string
	MongoURI        string
	MongoDatabase   string
	RedisURL        string
	ShutdownTimeout time.Duration

	Relay     RelayConfig
	Auth      AuthConfig
	Notify    NotifyConfig
	Synthetic SyntheticConfig
}

const devSecret = "designconnect-dev-secret"

// ErrMissingSecret is returned by Validate when production runs without JWT_SECRET.
var ErrMissingSecret = errors.New("JWT_SECRET is required in production")

func defaultConfig() Config {
	return Config{
		Env:             "development",
		LogLevel:        "info",
		Port:            ":3001",
		MongoDatabase:   "designconnect",
		ShutdownTimeout: 30 * time.Second,
		Relay: RelayConfig{
			AllowedOrigins: []string{
				"http://localhost:3000",
				"http://localhost:5173",
			},
			MaxMessageSize: 4096,
			RateLimit: RateLimitConfig{
				Burst:          5,
				RefillInterval: time.Second,
			},
		},
		Auth: AuthConfig{
			Secret: devSecret,
			TTL:    24 * time.Hour,
			Issuer: "designconnect",
		},
		Synthetic: SyntheticConfig{
			Enabled:  false,
			Interval: time.Minute,
			BaseURL:  "http://localhost:3001",
			Email:    "test@example.com",
			Password: "testpassword",
		},
	}
}

// Default returns a Config populated with default values for all settings.
func Default() *Config {
	cfg := defaultConfig()
	return &cfg
}

// Load reads configuration from environment variables. A .env file in the
// working directory is loaded first when present.
func Load() *Config {
	_ = godotenv.Load()
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config using the provided lookup function, falling back to
// defaults for anything unset or invalid.
func FromEnv(getenv func(string) string) *Config {
	cfg := defaultConfig()

	cfg.Env = stringValue(getenv("ENV"), cfg.Env)
	cfg.LogLevel = stringValue(getenv("LOG_LEVEL"), cfg.LogLevel)
	cfg.Port = normalizePort(stringValue(getenv("SERVER_PORT"), cfg.Port))
	cfg.MongoURI = getenv("MONGODB_URI")
	cfg.MongoDatabase = stringValue(getenv("MONGODB_DATABASE"), cfg.MongoDatabase)
	cfg.RedisURL = getenv("REDIS_URL")
	cfg.ShutdownTimeout = parseSeconds(getenv("SHUTDOWN_TIMEOUT"), cfg.ShutdownTimeout)

	if origins := getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.Relay.AllowedOrigins = parseList(origins)
	}
	cfg.Relay.MaxMessageSize = parseMaxMessageSize(getenv("MAX_MESSAGE_SIZE"), cfg.Relay.MaxMessageSize)
	cfg.Relay.RateLimit.Burst = parseIntValue(getenv("RATE_LIMIT_BURST"), cfg.Relay.RateLimit.Burst)
	cfg.Relay.RateLimit.RefillInterval = parseSeconds(getenv("RATE_LIMIT_REFILL_INTERVAL"), cfg.Relay.RateLimit.RefillInterval)

	cfg.Auth.Secret = stringValue(getenv("JWT_SECRET"), "")
	cfg.Auth.TTL = parseDuration(getenv("JWT_TTL"), cfg.Auth.TTL)
	cfg.Auth.Issuer = stringValue(getenv("JWT_ISSUER"), cfg.Auth.Issuer)

	cfg.Notify = NotifyConfig{
		LineToken:      getenv("LINE_NOTIFY_TOKEN"),
		TelegramToken:  getenv("TELEGRAM_BOT_TOKEN"),
		TelegramChatID: getenv("TELEGRAM_CHAT_ID"),
	}

	cfg.Synthetic.Enabled = parseBool(getenv("SYNTHETIC_ENABLED"), cfg.Synthetic.Enabled)
	cfg.Synthetic.Interval = parseDuration(getenv("SYNTHETIC_INTERVAL"), cfg.Synthetic.Interval)
	cfg.Synthetic.BaseURL = strings.TrimRight(stringValue(getenv("SYNTHETIC_BASE_URL"), cfg.Synthetic.BaseURL), "/")
	cfg.Synthetic.Email = stringValue(getenv("SYNTHETIC_EMAIL"), cfg.Synthetic.Email)
	cfg.Synthetic.Password = stringValue(getenv("SYNTHETIC_PASSWORD"), cfg.Synthetic.Password)

	sanitize(&cfg)
	return &cfg
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// Validate reports configuration that must not reach a production process.
func (c *Config) Validate() error {
	if c.Env == "production" && (c.Auth.Secret == "" || c.Auth.Secret == devSecret) {
		return ErrMissingSecret
	}
	return nil
}

func sanitize(cfg *Config) {
	if cfg.Port == "" {
		cfg.Port = ":3001"
	}
	if cfg.Relay.MaxMessageSize <= 0 {
		cfg.Relay.MaxMessageSize = 4096
	}
	if cfg.Relay.RateLimit.Burst <= 0 {
		cfg.Relay.RateLimit.Burst = 5
	}
	if cfg.Relay.RateLimit.RefillInterval <= 0 {
		cfg.Relay.RateLimit.RefillInterval = time.Second
	}
	if cfg.Auth.Secret == "" && cfg.Env != "production" {
		cfg.Auth.Secret = devSecret
	}
	if cfg.Auth.TTL <= 0 {
		cfg.Auth.TTL = 24 * time.Hour
	}
	if cfg.Synthetic.Interval <= 0 {
		cfg.Synthetic.Interval = time.Minute
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
}

func stringValue(value, defaultValue string) string {
	if v := strings.TrimSpace(value); v != "" {
		return v
	}
	return defaultValue
}

// normalizePort accepts "3001" as well as ":3001" or "host:3001".
func normalizePort(port string) string {
	if port == "" || strings.Contains(port, ":") {
		return port
	}
	return ":" + port
}

func parseList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseMaxMessageSize(value string, defaultValue int64) int64 {
	if size, err := strconv.ParseInt(value, 10, 64); err == nil && size > 0 {
		return size
	}
	return defaultValue
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

// parseSeconds reads a whole number of seconds.
func parseSeconds(value string, defaultValue time.Duration) time.Duration {
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return defaultValue
}

// parseDuration accepts Go duration strings ("90s", "24h") or plain seconds.
func parseDuration(value string, defaultValue time.Duration) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	return parseSeconds(value, defaultValue)
}

func parseBool(value string, defaultValue bool) bool {
	if b, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
		return b
	}
	return defaultValue
}
