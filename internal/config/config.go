package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the application configuration
type Config struct {
	DatabaseURL string
	Port        string
	JWTSecret   string
	DevMode     bool

	// SessionTTL bounds both the signed token expiry and the revocable
	// session entry.
	SessionTTL time.Duration

	// SMTP settings; when SMTPServer is empty, verification codes are only
	// logged (dev setups).
	SMTPServer   string
	SMTPUser     string
	SMTPPassword string
	SMTPFrom     string
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Port:       "8080", // default port
		SessionTTL: 4 * time.Hour,
	}

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL environment variable is required")
	}
	cfg.DatabaseURL = databaseURL

	if port := os.Getenv("PORT"); port != "" {
		cfg.Port = port
	}

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET environment variable is required")
	}
	cfg.JWTSecret = jwtSecret

	if hours := os.Getenv("SESSION_TTL_HOURS"); hours != "" {
		n, err := strconv.Atoi(hours)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("SESSION_TTL_HOURS must be a positive integer, got %q", hours)
		}
		cfg.SessionTTL = time.Duration(n) * time.Hour
	}

	cfg.DevMode = os.Getenv("DEV_MODE") == "true"

	cfg.SMTPServer = os.Getenv("SMTP_SERVER")
	cfg.SMTPUser = os.Getenv("SMTP_USER")
	cfg.SMTPPassword = os.Getenv("SMTP_PASSWORD")
	cfg.SMTPFrom = os.Getenv("SMTP_FROM")
	if cfg.SMTPFrom == "" {
		cfg.SMTPFrom = cfg.SMTPUser
	}

	return cfg, nil
}
