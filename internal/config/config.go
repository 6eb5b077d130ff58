package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// MinSigningKeyBytes is the shortest HMAC key the token service accepts.
const MinSigningKeyBytes = 32

const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

type Config struct {
	Port        string
	Environment string
	LogLevel    string

	Store       string
	DatabaseURL string
	RedisAddr   string

	JWT     JWTConfig
	Lockout LockoutConfig

	CORSAllowedOrigins []string

	LoginPerMinute  int
	RegisterPerHour int

	SweepInterval  time.Duration
	SweepRetention time.Duration

	AuditBuffer int
	Archive     ArchiveConfig
}

type JWTConfig struct {
	SigningKey string
	Issuer     string
	Audience   string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

type LockoutConfig struct {
	MaxAttempts int
	Duration    time.Duration
}

// ArchiveConfig points the audit archive at an S3 compatible bucket. An empty
// Bucket disables archiving.
type ArchiveConfig struct {
	Bucket    string
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// Enabled reports whether audit entries should be archived.
func (a ArchiveConfig) Enabled() bool {
	return a.Bucket != ""
}

// IsDevelopment reports whether the server runs in development mode.
func (c *Config) IsDevelopment() bool {
	return strings.EqualFold(c.Environment, "development")
}

// Load reads a .env file when one is present, then builds the configuration
// from the environment and validates it.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	return FromEnv()
}

// FromEnv builds the configuration from the process environment only.
func FromEnv() (*Config, error) {
	var errs []error
	intEnv := func(key string, def int) int {
		v, err := strconv.Atoi(getEnvOrDefault(key, strconv.Itoa(def)))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return def
		}
		return v
	}
	durEnv := func(key string, def time.Duration) time.Duration {
		v, err := time.ParseDuration(getEnvOrDefault(key, def.String()))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return def
		}
		return v
	}
	useSSL, err := strconv.ParseBool(getEnvOrDefault("S3_USE_SSL", "false"))
	if err != nil {
		errs = append(errs, fmt.Errorf("S3_USE_SSL: %w", err))
	}

	cfg := &Config{
		Port:        getEnvOrDefault("PORT", "8080"),
		Environment: getEnvOrDefault("ENVIRONMENT", "production"),
		LogLevel:    getEnvOrDefault("LOG_LEVEL", "info"),
		Store:       getEnvOrDefault("STORE", StorePostgres),
		DatabaseURL: getEnvOrDefault("DATABASE_URL", databaseURLFromParts()),
		RedisAddr:   os.Getenv("REDIS_ADDR"),
		JWT: JWTConfig{
			SigningKey: os.Getenv("JWT_SIGNING_KEY"),
			Issuer:     getEnvOrDefault("JWT_ISSUER", "crochetai"),
			Audience:   getEnvOrDefault("JWT_AUDIENCE", "crochetai-clients"),
			AccessTTL:  time.Duration(intEnv("JWT_ACCESS_TOKEN_MINUTES", 15)) * time.Minute,
			RefreshTTL: time.Duration(intEnv("JWT_REFRESH_TOKEN_DAYS", 7)) * 24 * time.Hour,
		},
		Lockout: LockoutConfig{
			MaxAttempts: intEnv("LOCKOUT_MAX_ATTEMPTS", 5),
			Duration:    time.Duration(intEnv("LOCKOUT_MINUTES", 15)) * time.Minute,
		},
		CORSAllowedOrigins: splitList(getEnvOrDefault("CORS_ALLOWED_ORIGINS", "http://localhost:5173")),
		LoginPerMinute:     intEnv("RATE_LIMIT_LOGIN_PER_MINUTE", 5),
		RegisterPerHour:    intEnv("RATE_LIMIT_REGISTER_PER_HOUR", 3),
		SweepInterval:      durEnv("SWEEP_INTERVAL", time.Hour),
		SweepRetention:     durEnv("SWEEP_RETENTION", 7*24*time.Hour),
		AuditBuffer:        intEnv("AUDIT_BUFFER", 256),
		Archive: ArchiveConfig{
			Bucket:    os.Getenv("AUDIT_ARCHIVE_BUCKET"),
			Endpoint:  getEnvOrDefault("S3_ENDPOINT", "localhost:9000"),
			Region:    getEnvOrDefault("S3_REGION", "us-east-1"),
			AccessKey: os.Getenv("S3_ACCESS_KEY"),
			SecretKey: os.Getenv("S3_SECRET_KEY"),
			UseSSL:    useSSL,
		},
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the server must not start with.
func (c *Config) Validate() error {
	var errs []error
	if c.JWT.SigningKey == "" {
		errs = append(errs, errors.New("JWT_SIGNING_KEY is required"))
	} else if len(c.JWT.SigningKey) < MinSigningKeyBytes {
		errs = append(errs, fmt.Errorf("JWT_SIGNING_KEY must be at least %d bytes", MinSigningKeyBytes))
	}
	if c.JWT.AccessTTL <= 0 {
		errs = append(errs, errors.New("JWT_ACCESS_TOKEN_MINUTES must be positive"))
	}
	if c.JWT.RefreshTTL <= 0 {
		errs = append(errs, errors.New("JWT_REFRESH_TOKEN_DAYS must be positive"))
	}
	if c.Lockout.MaxAttempts <= 0 || c.Lockout.Duration <= 0 {
		errs = append(errs, errors.New("lockout attempts and duration must be positive"))
	}
	if c.LoginPerMinute <= 0 || c.RegisterPerHour <= 0 {
		errs = append(errs, errors.New("rate limits must be positive"))
	}
	if c.SweepInterval < 0 {
		errs = append(errs, errors.New("SWEEP_INTERVAL must not be negative"))
	}
	switch c.Store {
	case StorePostgres, StoreMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown STORE %q", c.Store))
	}
	return errors.Join(errs...)
}

func databaseURLFromParts() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		getEnvOrDefault("DB_USER", "crochetai"),
		getEnvOrDefault("DB_PASSWORD", "crochetai_dev_password"),
		getEnvOrDefault("DB_HOST", "localhost"),
		getEnvOrDefault("DB_PORT", "5432"),
		getEnvOrDefault("DB_NAME", "crochetai"),
		getEnvOrDefault("DB_SSLMODE", "disable"),
	)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
