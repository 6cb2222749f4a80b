package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Storage   StorageConfig
	Upload    UploadConfig
	Lifecycle LifecycleConfig
	Cache     CacheConfig
	Security  SecurityConfig
	Site      SiteConfig
	Log       LogConfig
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int
	Host            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	Driver          string // sqlite or postgres
	Path            string // sqlite file
	DSN             string // postgres connection string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// StorageConfig selects and configures the payload store.
type StorageConfig struct {
	Backend        string // local or s3
	Path           string
	S3Bucket       string
	S3Region       string
	S3BaseEndpoint string
	S3AccessKey    string
	S3SecretKey    string
}

// UploadConfig contains file upload settings.
type UploadConfig struct {
	MaxSize             int64
	AllowedExtens       []string
	ExpiryChoices       []time.Duration
	DefaultMaxDownloads int
	MaxDownloadsLimit   int
	ScanMode            string // off, warn or reject
}

// LifecycleConfig controls the background sweeps.
type LifecycleConfig struct {
	Retention       time.Duration
	ExpiredSchedule string
	StaleSchedule   string
	SweepTimeout    time.Duration
	SweepExhausted  bool
	SchedulerOn     bool
}

// CacheConfig controls the status cache.
type CacheConfig struct {
	Enabled bool
	Size    int
	MaxTTL  time.Duration
}

// SecurityConfig contains security-related settings.
type SecurityConfig struct {
	SecretKey         string
	SessionName       string
	SessionMaxAge     int
	RateLimitRequests int
	RateLimitWindow   time.Duration
	AdminUsername     string
	AdminPasswordHash string
	JWTExpiry         time.Duration
	LoginMaxAttempts  int
	LoginLockoutTime  time.Duration
}

// SiteConfig contains site-wide settings.
type SiteConfig struct {
	Name   string
	URL    string
	Notice string // markdown shown above the upload form
}

// LogConfig selects the logger flavour.
type LogConfig struct {
	Level  string
	Format string // json or console
}

var defaultExtensions = []string{
	".txt", ".pdf", ".doc", ".docx", ".xls", ".xlsx", ".ppt", ".pptx",
	".jpg", ".jpeg", ".png", ".gif", ".bmp", ".svg",
	".mp3", ".mp4", ".avi", ".mov", ".wmv",
	".zip", ".rar", ".7z", ".tar", ".gz",
}

// Load reads configuration from the environment, after merging an optional .env file.
func Load() (*Config, error) {
	envFile := getEnv("TEMPSHARE_ENV_FILE", ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:            getEnvInt("TEMPSHARE_PORT", 8080),
			Host:            getEnv("TEMPSHARE_HOST", "0.0.0.0"),
			ReadTimeout:     getEnvDuration("TEMPSHARE_READ_TIMEOUT", 60*time.Second),
			WriteTimeout:    getEnvDuration("TEMPSHARE_WRITE_TIMEOUT", 120*time.Second),
			ShutdownTimeout: getEnvDuration("TEMPSHARE_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Database: DatabaseConfig{
			Driver:          getEnv("TEMPSHARE_DB_DRIVER", "sqlite"),
			Path:            getEnv("TEMPSHARE_DB_PATH", "./data/tempshare.db"),
			DSN:             getEnv("TEMPSHARE_DB_DSN", ""),
			MaxOpenConns:    getEnvInt("TEMPSHARE_DB_MAX_OPEN", 25),
			MaxIdleConns:    getEnvInt("TEMPSHARE_DB_MAX_IDLE", 5),
			ConnMaxLifetime: getEnvDuration("TEMPSHARE_DB_CONN_LIFETIME", 5*time.Minute),
		},
		Storage: StorageConfig{
			Backend:        getEnv("TEMPSHARE_STORAGE_BACKEND", "local"),
			Path:           getEnv("TEMPSHARE_STORAGE_PATH", "./data/files"),
			S3Bucket:       getEnv("TEMPSHARE_S3_BUCKET", "tempshare"),
			S3Region:       getEnv("TEMPSHARE_S3_REGION", "us-east-1"),
			S3BaseEndpoint: getEnv("TEMPSHARE_S3_ENDPOINT", ""),
			S3AccessKey:    getEnv("TEMPSHARE_S3_ACCESS_KEY", ""),
			S3SecretKey:    getEnv("TEMPSHARE_S3_SECRET_KEY", ""),
		},
		Upload: UploadConfig{
			MaxSize:             getEnvInt64("TEMPSHARE_MAX_UPLOAD_SIZE", 10*1024*1024), // 10MB
			AllowedExtens:       getEnvList("TEMPSHARE_ALLOWED_EXTENSIONS", defaultExtensions),
			ExpiryChoices:       getEnvDurations("TEMPSHARE_EXPIRY_CHOICES", []time.Duration{5 * time.Minute, 30 * time.Minute, time.Hour}),
			DefaultMaxDownloads: getEnvInt("TEMPSHARE_DEFAULT_MAX_DOWNLOADS", 100),
			MaxDownloadsLimit:   getEnvInt("TEMPSHARE_MAX_DOWNLOADS_LIMIT", 1000),
			ScanMode:            getEnv("TEMPSHARE_SCAN_MODE", "warn"),
		},
		Lifecycle: LifecycleConfig{
			Retention:       getEnvDuration("TEMPSHARE_RETENTION", 7*24*time.Hour),
			ExpiredSchedule: getEnv("TEMPSHARE_SWEEP_EXPIRED_SCHEDULE", "@every 5m"),
			StaleSchedule:   getEnv("TEMPSHARE_SWEEP_STALE_SCHEDULE", "0 2 * * *"),
			SweepTimeout:    getEnvDuration("TEMPSHARE_SWEEP_TIMEOUT", 2*time.Minute),
			SweepExhausted:  getEnvBool("TEMPSHARE_SWEEP_EXHAUSTED", false),
			SchedulerOn:     getEnvBool("TEMPSHARE_SCHEDULER", true),
		},
		Cache: CacheConfig{
			Enabled: getEnvBool("TEMPSHARE_CACHE_ENABLED", true),
			Size:    getEnvInt("TEMPSHARE_CACHE_SIZE", 10000),
			MaxTTL:  getEnvDuration("TEMPSHARE_CACHE_MAX_TTL", time.Hour),
		},
		Security: SecurityConfig{
			SecretKey:         getEnv("TEMPSHARE_SECRET_KEY", ""),
			SessionName:       getEnv("TEMPSHARE_SESSION_NAME", "tempshare_session"),
			SessionMaxAge:     getEnvInt("TEMPSHARE_SESSION_MAX_AGE", 86400),
			RateLimitRequests: getEnvInt("TEMPSHARE_RATE_LIMIT", 100),
			RateLimitWindow:   getEnvDuration("TEMPSHARE_RATE_WINDOW", time.Minute),
			AdminUsername:     getEnv("TEMPSHARE_ADMIN_USERNAME", "admin"),
			AdminPasswordHash: getEnv("TEMPSHARE_ADMIN_PASSWORD_HASH", ""),
			JWTExpiry:         getEnvDuration("TEMPSHARE_JWT_EXPIRY", 30*time.Minute),
			LoginMaxAttempts:  getEnvInt("TEMPSHARE_LOGIN_MAX_ATTEMPTS", 5),
			LoginLockoutTime:  getEnvDuration("TEMPSHARE_LOGIN_LOCKOUT", 15*time.Minute),
		},
		Site: SiteConfig{
			Name:   getEnv("TEMPSHARE_SITE_NAME", "TempShare"),
			URL:    strings.TrimRight(getEnv("TEMPSHARE_SITE_URL", "http://localhost:8080"), "/"),
			Notice: getEnv("TEMPSHARE_SITE_NOTICE", ""),
		},
		Log: LogConfig{
			Level:  getEnv("TEMPSHARE_LOG_LEVEL", "info"),
			Format: getEnv("TEMPSHARE_LOG_FORMAT", "json"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// validate checks that all required configuration is present and valid.
func (c *Config) validate() error {
	var errs []string

	// Generate secret key if not provided (for development only)
	if c.Security.SecretKey == "" {
		key, err := generateRandomKey(32)
		if err != nil {
			errs = append(errs, "failed to generate secret key")
		} else {
			c.Security.SecretKey = key
			fmt.Fprintln(os.Stderr, "WARNING: No TEMPSHARE_SECRET_KEY set, using randomly generated key. Sessions and admin tokens will not survive restarts.")
		}
	}

	if len(c.Security.SecretKey) < 32 {
		errs = append(errs, "TEMPSHARE_SECRET_KEY must be at least 32 characters")
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "TEMPSHARE_PORT must be between 1 and 65535")
	}

	switch c.Database.Driver {
	case "sqlite":
	case "postgres":
		if c.Database.DSN == "" {
			errs = append(errs, "TEMPSHARE_DB_DSN is required for the postgres driver")
		}
	default:
		errs = append(errs, "TEMPSHARE_DB_DRIVER must be one of: sqlite, postgres")
	}

	switch c.Storage.Backend {
	case "local":
	case "s3":
		if c.Storage.S3Bucket == "" {
			errs = append(errs, "TEMPSHARE_S3_BUCKET is required for the s3 backend")
		}
	default:
		errs = append(errs, "TEMPSHARE_STORAGE_BACKEND must be one of: local, s3")
	}

	if c.Upload.MaxSize <= 0 {
		errs = append(errs, "TEMPSHARE_MAX_UPLOAD_SIZE must be positive")
	}
	if len(c.Upload.ExpiryChoices) == 0 {
		errs = append(errs, "TEMPSHARE_EXPIRY_CHOICES must list at least one duration")
	}
	for _, d := range c.Upload.ExpiryChoices {
		if d <= 0 || d%time.Minute != 0 {
			errs = append(errs, fmt.Sprintf("TEMPSHARE_EXPIRY_CHOICES must be whole minutes, got %s", d))
			break
		}
	}
	if c.Upload.MaxDownloadsLimit < 1 {
		errs = append(errs, "TEMPSHARE_MAX_DOWNLOADS_LIMIT must be at least 1")
	}
	if c.Upload.DefaultMaxDownloads < 1 || c.Upload.DefaultMaxDownloads > c.Upload.MaxDownloadsLimit {
		errs = append(errs, "TEMPSHARE_DEFAULT_MAX_DOWNLOADS must be between 1 and TEMPSHARE_MAX_DOWNLOADS_LIMIT")
	}

	validScan := map[string]bool{"off": true, "warn": true, "reject": true}
	if !validScan[c.Upload.ScanMode] {
		errs = append(errs, "TEMPSHARE_SCAN_MODE must be one of: off, warn, reject")
	}

	if c.Lifecycle.Retention <= 0 {
		errs = append(errs, "TEMPSHARE_RETENTION must be positive")
	}

	if c.Log.Format != "json" && c.Log.Format != "console" {
		errs = append(errs, "TEMPSHARE_LOG_FORMAT must be one of: json, console")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}

	return nil
}

// Address returns the server address string.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Helper functions for reading environment variables

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getEnvList reads a comma separated list. Extensions are normalised to ".ext".
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		item = strings.ToLower(strings.TrimSpace(item))
		if item == "" {
			continue
		}
		if !strings.HasPrefix(item, ".") {
			item = "." + item
		}
		out = append(out, item)
	}
	return out
}

func getEnvDurations(key string, defaultValue []time.Duration) []time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []time.Duration
	for _, item := range strings.Split(value, ",") {
		d, err := time.ParseDuration(strings.TrimSpace(item))
		if err != nil || d <= 0 {
			return defaultValue
		}
		out = append(out, d)
	}
	return out
}

func generateRandomKey(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}
