package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Email     EmailConfig
	Invite    InviteConfig
	RateLimit RateLimitConfig
	Sweep     SweepConfig
}

type ServerConfig struct {
	Host        string
	Port        int
	Environment string // "development", "production", "test"
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type EmailConfig struct {
	Provider    string // "resend", "smtp", "console"
	FromAddress string
	FromName    string
	BaseURL     string // Application base URL for invite links
	// Resend settings
	ResendAPIKey        string
	ResendWebhookSecret string // "whsec_..." signing secret for delivery webhooks
	// SMTP settings (for Mailpit in local dev)
	SMTPHost string
	SMTPPort int
}

type RateLimitConfig struct {
	InviteLimit  int           // invitations per inviter per window
	InviteWindow time.Duration // fixed window length
}

type InviteConfig struct {
	TokenTTL time.Duration // how long an invite token stays consumable
}

type SweepConfig struct {
	Enabled  bool // background expiry of stale invitations
	Interval time.Duration
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode,
	)
}

func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:        getEnv("SERVER_HOST", "0.0.0.0"),
			Port:        getEnvInt("SERVER_PORT", 8080),
			Environment: getEnv("APP_ENV", "development"),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "listshare"),
			Password: getEnv("DB_PASSWORD", "listshare"),
			DBName:   getEnv("DB_NAME", "listshare"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Email: EmailConfig{
			Provider:            getEnv("EMAIL_PROVIDER", "console"),
			FromAddress:         getEnv("EMAIL_FROM_ADDRESS", "noreply@tidylists.dev"),
			FromName:            getEnv("EMAIL_FROM_NAME", "Listshare"),
			BaseURL:             getEnv("APP_BASE_URL", "http://localhost:8080"),
			ResendAPIKey:        getEnv("RESEND_API_KEY", ""),
			ResendWebhookSecret: getEnv("RESEND_WEBHOOK_SECRET", ""),
			SMTPHost:            getEnv("SMTP_HOST", "localhost"),
			SMTPPort:            getEnvInt("SMTP_PORT", 1025),
		},
		Invite: InviteConfig{
			TokenTTL: getEnvDuration("INVITE_TOKEN_TTL", 7*24*time.Hour),
		},
		RateLimit: RateLimitConfig{
			InviteLimit:  getEnvInt("INVITE_RATE_LIMIT", 20),
			InviteWindow: getEnvDuration("INVITE_RATE_WINDOW", time.Hour),
		},
		Sweep: SweepConfig{
			Enabled:  getEnvBool("EXPIRY_SWEEP_ENABLED", false),
			Interval: getEnvDuration("EXPIRY_SWEEP_INTERVAL", time.Hour),
		},
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
