package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// Per-connection message budget. Only sends, read receipts and reactions
// are charged against it.
const (
	DefaultRateLimitRPS   = 5
	DefaultRateLimitBurst = 10
)

type Config struct {
	DatabaseURL string
	Port        string
	Env         string
	AuthKey     string
	Host        string
	LogLevel    string

	DefaultRoom string
	Rooms       []string

	HistoryLimit      int
	MessageTTL        time.Duration
	RetentionSchedule string

	RateLimitRPS   float64
	RateLimitBurst int
	MaxMessageSize int64

	BindTokenIdentity bool
	AllowedOrigins    []string

	// dotenvLoaded records whether a .env file was read, for LogSummary.
	dotenvLoaded bool
}

// Load reads an optional .env file and then the process environment.
func Load() (*Config, error) {
	loaded := godotenv.Load() == nil

	var errs []error
	cfg := &Config{
		DatabaseURL:       getEnv("DATABASE_URL", ""),
		Port:              getEnv("PORT", "8080"),
		Env:               getEnv("APP_ENV", "development"),
		AuthKey:           getEnv("AUTH_KEY", ""),
		Host:              getEnv("HOST", "localhost"),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		DefaultRoom:       getEnv("DEFAULT_ROOM", "general"),
		Rooms:             getEnvList("ROOMS", []string{"general", "random", "tech"}),
		RetentionSchedule: getEnv("RETENTION_SCHEDULE", "*/5 * * * *"),
		AllowedOrigins:    getEnvList("ALLOWED_ORIGINS", []string{"*"}),
		dotenvLoaded:      loaded,
	}

	var err error
	if cfg.HistoryLimit, err = getEnvInt("HISTORY_LIMIT", 0); err != nil {
		errs = append(errs, err)
	}
	if cfg.MessageTTL, err = getEnvDuration("MESSAGE_TTL", 0); err != nil {
		errs = append(errs, err)
	}
	if cfg.RateLimitRPS, err = getEnvFloat("RATE_LIMIT_RPS", DefaultRateLimitRPS); err != nil {
		errs = append(errs, err)
	}
	if cfg.RateLimitBurst, err = getEnvInt("RATE_LIMIT_BURST", DefaultRateLimitBurst); err != nil {
		errs = append(errs, err)
	}
	var size int
	if size, err = getEnvInt("MAX_MESSAGE_SIZE", 4096); err != nil {
		errs = append(errs, err)
	}
	cfg.MaxMessageSize = int64(size)
	if cfg.BindTokenIdentity, err = getEnvBool("BIND_TOKEN_IDENTITY", false); err != nil {
		errs = append(errs, err)
	}

	if err := cfg.Validate(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.AuthKey == "" && !c.IsDevelopment() {
		return errors.New("AUTH_KEY (JWT secret) is required outside development")
	}
	if c.BindTokenIdentity && c.AuthKey == "" {
		return errors.New("BIND_TOKEN_IDENTITY requires AUTH_KEY")
	}
	if c.DefaultRoom == "" {
		return errors.New("DEFAULT_ROOM must not be empty")
	}
	if c.HistoryLimit < 0 {
		return errors.New("HISTORY_LIMIT must be >= 0")
	}
	if c.MessageTTL < 0 {
		return errors.New("MESSAGE_TTL must be >= 0")
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		return errors.New("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive")
	}
	if c.MaxMessageSize <= 0 {
		return errors.New("MAX_MESSAGE_SIZE must be positive")
	}
	return nil
}

func (c *Config) IsDevelopment() bool {
	return strings.EqualFold(c.Env, "development")
}

// Addr is the listen address for the HTTP server.
func (c *Config) Addr() string {
	return ":" + strings.TrimPrefix(c.Port, ":")
}

// SigningKey returns the JWT secret. Development falls back to a fixed key so
// the server starts without setup.
func (c *Config) SigningKey() []byte {
	if c.AuthKey == "" {
		return []byte("development-only-signing-key")
	}
	return []byte(c.AuthKey)
}

// LogSummary writes the effective settings, with credentials masked.
func (c *Config) LogSummary(log *zap.Logger) {
	if c.dotenvLoaded {
		log.Info("loaded .env file")
	} else {
		log.Info("no .env file found, relying on system environment variables")
	}
	db := "in-memory"
	if c.DatabaseURL != "" {
		db = maskDBSource(c.DatabaseURL)
	}
	log.Info("configuration loaded",
		zap.String("env", c.Env),
		zap.String("addr", c.Addr()),
		zap.String("database", db),
		zap.Bool("auth_key_set", c.AuthKey != ""),
		zap.Strings("rooms", c.Rooms),
		zap.Int("history_limit", c.HistoryLimit),
		zap.Duration("message_ttl", c.MessageTTL),
		zap.Bool("bind_token_identity", c.BindTokenIdentity),
	)
}

func getEnv(key, defaultValue string) string {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	return value
}

func getEnvList(key string, defaultValue []string) []string {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getEnvFloat(key string, defaultValue float64) (float64, error) {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return defaultValue, nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return f, nil
}

func getEnvBool(key string, defaultValue bool) (bool, error) {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func maskDBSource(dsn string) string {
	parts := strings.Split(dsn, "@")
	if len(parts) < 2 {
		return "invalid-dsn-format"
	}
	return "postgres://****:****@" + parts[len(parts)-1]
}
