package config

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Environment         string
	EncryptionKeyBase64 string
	JWTSecret           string
	DBHost              string
	DBPort              string
	DBUsername          string
	DBPassword          string
	DBName              string
	DBSSLMode           string
	Port                string

	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURL  string

	// GmailRequestsPerSecond throttles calls per account client.
	GmailRequestsPerSecond float64
	GmailFetchConcurrency  int
	// SyncLease is how long a RUNNING sync state blocks other runs before it is considered abandoned.
	SyncLease time.Duration

	// NATSURL is optional. When empty, sync events only go to WebSocket clients.
	NATSURL string
}

func NewConfig() (*Config, error) {
	env := os.Getenv("MAILMIRROR_ENV")
	if env == "" {
		env = "development"
	}

	if env == "development" {
		if err := godotenv.Load(); err != nil {
			fmt.Println("Warning: .env file not found, using environment variables")
		}
	}

	rps, err := getFloatOrDefault("MAILMIRROR_GMAIL_RPS", 40)
	if err != nil {
		return nil, err
	}
	concurrency, err := getIntOrDefault("MAILMIRROR_GMAIL_FETCH_CONCURRENCY", 8)
	if err != nil {
		return nil, err
	}
	lease, err := getDurationOrDefault("MAILMIRROR_SYNC_LEASE", 10*time.Minute)
	if err != nil {
		return nil, err
	}

	config := &Config{
		Environment:            env,
		EncryptionKeyBase64:    os.Getenv("MAILMIRROR_TOKEN_KEY_BASE64"),
		JWTSecret:              os.Getenv("MAILMIRROR_JWT_SECRET"),
		DBHost:                 getEnvOrDefault("MAILMIRROR_DB_HOST", "localhost"),
		DBPort:                 getEnvOrDefault("MAILMIRROR_DB_PORT", "5432"),
		DBUsername:             getEnvOrDefault("MAILMIRROR_DB_USER", "mailmirror"),
		DBPassword:             os.Getenv("MAILMIRROR_DB_PASSWORD"),
		DBName:                 getEnvOrDefault("MAILMIRROR_DB_NAME", "mailmirror"),
		DBSSLMode:              getEnvOrDefault("MAILMIRROR_DB_SSLMODE", "disable"),
		Port:                   getEnvOrDefault("PORT", "8080"),
		GoogleClientID:         os.Getenv("GOOGLE_CLIENT_ID"),
		GoogleClientSecret:     os.Getenv("GOOGLE_CLIENT_SECRET"),
		GoogleRedirectURL:      os.Getenv("GOOGLE_REDIRECT_URL"),
		GmailRequestsPerSecond: rps,
		GmailFetchConcurrency:  concurrency,
		SyncLease:              lease,
		NATSURL:                os.Getenv("MAILMIRROR_NATS_URL"),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) Validate() error {
	if c.EncryptionKeyBase64 == "" {
		return fmt.Errorf("MAILMIRROR_TOKEN_KEY_BASE64 is required")
	}

	key, err := base64.StdEncoding.DecodeString(c.EncryptionKeyBase64)
	if err != nil {
		return fmt.Errorf("MAILMIRROR_TOKEN_KEY_BASE64 is not valid base64: %w", err)
	}
	if len(key) != 32 {
		return fmt.Errorf("MAILMIRROR_TOKEN_KEY_BASE64 must decode to 32 bytes, got %d", len(key))
	}

	if c.JWTSecret == "" {
		return fmt.Errorf("MAILMIRROR_JWT_SECRET is required")
	}

	if c.DBPassword == "" {
		return fmt.Errorf("MAILMIRROR_DB_PASSWORD is required")
	}

	if c.GoogleClientID == "" || c.GoogleClientSecret == "" {
		return fmt.Errorf("GOOGLE_CLIENT_ID and GOOGLE_CLIENT_SECRET are required")
	}

	if c.GmailRequestsPerSecond <= 0 {
		return fmt.Errorf("MAILMIRROR_GMAIL_RPS must be positive")
	}

	if c.GmailFetchConcurrency <= 0 {
		return fmt.Errorf("MAILMIRROR_GMAIL_FETCH_CONCURRENCY must be positive")
	}

	return nil
}

// GetDatabaseURL builds a postgres URL with the credentials escaped.
func (c *Config) GetDatabaseURL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.DBUsername, c.DBPassword),
		Host:     c.DBHost + ":" + c.DBPort,
		Path:     "/" + c.DBName,
		RawQuery: "sslmode=" + url.QueryEscape(c.DBSSLMode),
	}
	return u.String()
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return parsed, nil
}

func getFloatOrDefault(key string, defaultValue float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be a number: %w", key, err)
	}
	return parsed, nil
}

func getDurationOrDefault(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration like 10m: %w", key, err)
	}
	return parsed, nil
}
