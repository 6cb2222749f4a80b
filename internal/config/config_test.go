package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func isolateEnv(t *testing.T) {
	t.Helper()
	t.Setenv("TEMPSHARE_ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	t.Setenv("TEMPSHARE_SECRET_KEY", "0123456789abcdef0123456789abcdef")
}

func TestLoadDefaults(t *testing.T) {
	isolateEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "local", cfg.Storage.Backend)
	assert.Equal(t, int64(10*1024*1024), cfg.Upload.MaxSize)
	assert.Equal(t, []time.Duration{5 * time.Minute, 30 * time.Minute, time.Hour}, cfg.Upload.ExpiryChoices)
	assert.Equal(t, 100, cfg.Upload.DefaultMaxDownloads)
	assert.Equal(t, 1000, cfg.Upload.MaxDownloadsLimit)
	assert.Contains(t, cfg.Upload.AllowedExtens, ".pdf")
	assert.Equal(t, "warn", cfg.Upload.ScanMode)
	assert.Equal(t, 7*24*time.Hour, cfg.Lifecycle.Retention)
	assert.Equal(t, "@every 5m", cfg.Lifecycle.ExpiredSchedule)
	assert.False(t, cfg.Lifecycle.SweepExhausted)
	assert.Equal(t, "0.0.0.0:8080", cfg.Address())
}

func TestLoadFromEnvironment(t *testing.T) {
	isolateEnv(t)
	t.Setenv("TEMPSHARE_PORT", "9090")
	t.Setenv("TEMPSHARE_ALLOWED_EXTENSIONS", "txt, .PDF ,")
	t.Setenv("TEMPSHARE_EXPIRY_CHOICES", "1m,2h")
	t.Setenv("TEMPSHARE_SWEEP_EXHAUSTED", "true")
	t.Setenv("TEMPSHARE_SITE_URL", "https://files.example.com/")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, []string{".txt", ".pdf"}, cfg.Upload.AllowedExtens)
	assert.Equal(t, []time.Duration{time.Minute, 2 * time.Hour}, cfg.Upload.ExpiryChoices)
	assert.True(t, cfg.Lifecycle.SweepExhausted)
	assert.Equal(t, "https://files.example.com", cfg.Site.URL)
}

func TestLoadReadsDotEnvFile(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(envFile, []byte("TEMPSHARE_SITE_NAME=FromFile\n"), 0o600))

	t.Setenv("TEMPSHARE_ENV_FILE", envFile)
	t.Setenv("TEMPSHARE_SECRET_KEY", "0123456789abcdef0123456789abcdef")
	t.Cleanup(func() { os.Unsetenv("TEMPSHARE_SITE_NAME") })

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "FromFile", cfg.Site.Name)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	isolateEnv(t)
	t.Setenv("TEMPSHARE_DB_DRIVER", "postgres")
	t.Setenv("TEMPSHARE_STORAGE_BACKEND", "ftp")
	t.Setenv("TEMPSHARE_SCAN_MODE", "paranoid")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TEMPSHARE_DB_DSN is required")
	assert.Contains(t, err.Error(), "TEMPSHARE_STORAGE_BACKEND")
	assert.Contains(t, err.Error(), "TEMPSHARE_SCAN_MODE")
}

func TestLoadRejectsPartialMinuteExpiry(t *testing.T) {
	isolateEnv(t)
	t.Setenv("TEMPSHARE_EXPIRY_CHOICES", "5m,90s")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TEMPSHARE_EXPIRY_CHOICES must be whole minutes, got 1m30s")
}

func TestValidateRejectsNonPositiveExpiry(t *testing.T) {
	isolateEnv(t)
	cfg, err := Load()
	require.NoError(t, err)

	cfg.Upload.ExpiryChoices = []time.Duration{0}
	err = cfg.validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TEMPSHARE_EXPIRY_CHOICES")
}

func TestLoadGeneratesSecretKey(t *testing.T) {
	t.Setenv("TEMPSHARE_ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	t.Setenv("TEMPSHARE_SECRET_KEY", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Len(t, cfg.Security.SecretKey, 64)
}
