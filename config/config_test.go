package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeJSON(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFrom_Defaults(t *testing.T) {
	c, err := LoadFrom(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)

	assert.Equal(t, "8080", c.AppPort)
	assert.Equal(t, BackendMemory, c.StorageBackend)
	assert.Equal(t, "uploads", c.UploadDir)
	assert.Equal(t, 10, c.MaxUploadMB)
	assert.Equal(t, int64(10<<20), c.MaxUploadBytes())
	assert.Equal(t, 10, c.MaxUploadFiles)
	assert.Equal(t, 1024, c.MaxWidth)
	assert.Equal(t, 85, c.JPEGQuality)
	assert.Equal(t, 12*time.Hour, c.CleanupInterval)
	assert.Equal(t, 24*time.Hour, c.SessionTTL)
	assert.Equal(t, "admin123", c.AdminPassword)
	assert.Zero(t, c.DefaultExpireDays)
	assert.NotEmpty(t, c.JWTSecret)
	assert.True(t, c.JWTSecretGenerated)
}

func TestLoadFrom_JSONThenEnv(t *testing.T) {
	path := writeJSON(t, `{
		"app": {"AppPort": "9000", "JWTSecret": "from-file", "AllowedOrigins": ["https://a.example"]},
		"storage": {"Backend": "sql", "UploadDir": "/data/img", "CleanupInterval": "30m"},
		"upload": {"MaxWidth": 800},
		"database": {"Driver": "mysql", "DBName": "pics"},
		"redis": {"Prefix": "x:"}
	}`)
	t.Setenv("APP_PORT", "9100")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://b.example, https://c.example ,")
	t.Setenv("DEFAULT_EXPIRE_DAYS", "5")
	t.Setenv("PUBLIC_BASE_URL", "https://img.example/")

	c, err := LoadFrom(path)
	require.NoError(t, err)

	assert.Equal(t, "9100", c.AppPort)
	assert.Equal(t, "from-file", c.JWTSecret)
	assert.False(t, c.JWTSecretGenerated)
	assert.Equal(t, []string{"https://b.example", "https://c.example"}, c.AllowedOrigins)
	assert.Equal(t, BackendSQL, c.StorageBackend)
	assert.Equal(t, DriverMySQL, c.DBDriver)
	assert.Equal(t, "pics", c.DBName)
	assert.Equal(t, "/data/img", c.UploadDir)
	assert.Equal(t, 30*time.Minute, c.CleanupInterval)
	assert.Equal(t, 800, c.MaxWidth)
	assert.Equal(t, 5, c.DefaultExpireDays)
	assert.Equal(t, "x:", c.RedisPrefix)
	assert.Equal(t, "https://img.example", c.PublicBaseURL)
}

func TestLoadFrom_InvalidJSON(t *testing.T) {
	_, err := LoadFrom(writeJSON(t, `{"app":`))
	assert.Error(t, err)
}

func TestLoadFrom_BadEnvValues(t *testing.T) {
	t.Setenv("MAX_UPLOAD_MB", "ten")
	t.Setenv("CLEANUP_INTERVAL", "soon")
	_, err := LoadFrom(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MAX_UPLOAD_MB")
	assert.Contains(t, err.Error(), "CLEANUP_INTERVAL")
}

func TestValidate(t *testing.T) {
	base, err := LoadFrom(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	require.NoError(t, base.Validate())

	bad := base
	bad.StorageBackend = "s3"
	assert.Error(t, bad.Validate())

	bad = base
	bad.StorageBackend = BackendSQL
	bad.DBDriver = "postgres"
	assert.Error(t, bad.Validate())

	bad = base
	bad.DefaultExpireDays = 366
	assert.Error(t, bad.Validate())

	bad = base
	bad.JPEGQuality = 101
	assert.Error(t, bad.Validate())

	bad = base
	bad.TLSCertFile = "cert.pem"
	assert.Error(t, bad.Validate())
}
