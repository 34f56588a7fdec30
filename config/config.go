package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

// Storage backends selectable with STORAGE_BACKEND.
const (
	BackendMemory = "memory"
	BackendSQL    = "sql"
	BackendRedis  = "redis"
)

// Database drivers selectable with DB_DRIVER when the sql backend is used.
const (
	DriverMySQL  = "mysql"
	DriverSQLite = "sqlite"
)

// AppConfig holds file and environment driven configuration values.
// Secrets have no defaults in code except the admin password, which mirrors the stock install.
type AppConfig struct {
	AppPort       string
	PublicBaseURL string
	TLSCertFile   string
	TLSKeyFile    string

	// Admin session
	AdminPassword string
	JWTSecret     string
	SessionTTL    time.Duration
	// JWTSecretGenerated is true when no secret was configured; sessions then die with the process.
	JWTSecretGenerated bool

	RateLimitPerMinute int
	AllowedOrigins     []string
	// Gin framework configuration
	GinMode string
	GinPath string

	// Storage and upload pipeline
	StorageBackend    string
	UploadDir         string
	MaxUploadMB       int
	MaxUploadFiles    int
	MaxWidth          int
	JPEGQuality       int
	DefaultExpireDays int
	CleanupInterval   time.Duration

	// SQL backend
	DBDriver    string
	DatabaseURI string
	DBHost      string
	DBPort      string
	DBUser      string
	DBPassword  string
	DBName      string
	SQLitePath  string

	// Redis backend and session revocation
	RedisHost     string
	RedisPort     int
	RedisDB       int
	RedisPassword string
	RedisPrefix   string

	// Logging configuration
	LogLevel      string
	LogPath       string
	LogMaxSizeMB  int
	LogMaxBackups int
	LogMaxAgeDays int
	LogCompress   bool
}

// MaxUploadBytes is the per-file limit in bytes.
func (c AppConfig) MaxUploadBytes() int64 {
	return int64(c.MaxUploadMB) << 20
}

// UsesRedis reports whether a redis connection is required at boot.
func (c AppConfig) UsesRedis() bool {
	return c.StorageBackend == BackendRedis
}

var (
	cfg    AppConfig
	loaded bool
	mu     sync.Mutex
)

// Load reads configuration once per process. Precedence:
// config/config.json -> defaults -> .env -> environment variable overrides.
func Load() (AppConfig, error) {
	mu.Lock()
	defer mu.Unlock()
	if loaded {
		return cfg, nil
	}
	c, err := LoadFrom(filepath.Join("config", "config.json"))
	if err != nil {
		return AppConfig{}, err
	}
	cfg = c
	loaded = true
	return cfg, nil
}

// LoadFrom builds a fresh configuration using the JSON file at path (missing file is fine).
func LoadFrom(path string) (AppConfig, error) {
	var c AppConfig
	if err := loadJSONConfig(path, &c); err != nil {
		return AppConfig{}, fmt.Errorf("parse %s: %w", path, err)
	}
	applyDefaults(&c)

	// .env never overrides variables that are already exported
	_ = godotenv.Load()
	if err := applyEnvOverrides(&c); err != nil {
		return AppConfig{}, err
	}

	if c.JWTSecret == "" {
		secret, err := randomSecret()
		if err != nil {
			return AppConfig{}, err
		}
		c.JWTSecret = secret
		c.JWTSecretGenerated = true
	}
	if err := c.Validate(); err != nil {
		return AppConfig{}, err
	}
	return c, nil
}

// Validate checks enumerations and limits after all sources are merged.
func (c AppConfig) Validate() error {
	var errs []error
	switch c.StorageBackend {
	case BackendMemory, BackendSQL, BackendRedis:
	default:
		errs = append(errs, fmt.Errorf("unknown storage backend %q", c.StorageBackend))
	}
	if c.StorageBackend == BackendSQL && c.DBDriver != DriverMySQL && c.DBDriver != DriverSQLite {
		errs = append(errs, fmt.Errorf("unknown db driver %q", c.DBDriver))
	}
	if c.MaxUploadMB <= 0 {
		errs = append(errs, errors.New("max upload size must be positive"))
	}
	if c.MaxUploadFiles <= 0 {
		errs = append(errs, errors.New("max upload files must be positive"))
	}
	if c.MaxWidth <= 0 {
		errs = append(errs, errors.New("max width must be positive"))
	}
	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		errs = append(errs, fmt.Errorf("jpeg quality %d out of range 1..100", c.JPEGQuality))
	}
	if c.DefaultExpireDays < 0 || c.DefaultExpireDays > 365 {
		errs = append(errs, fmt.Errorf("default expire days %d out of range 0..365", c.DefaultExpireDays))
	}
	if c.CleanupInterval <= 0 {
		errs = append(errs, errors.New("cleanup interval must be positive"))
	}
	if c.SessionTTL <= 0 {
		errs = append(errs, errors.New("session ttl must be positive"))
	}
	if c.AdminPassword == "" {
		errs = append(errs, errors.New("admin password must not be empty"))
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		errs = append(errs, errors.New("tls cert and key must be set together"))
	}
	return errors.Join(errs...)
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// loadJSONConfig reads JSON file into cfg if present. Returns error only for invalid JSON.
func loadJSONConfig(path string, out *AppConfig) error {
	f, err := os.Open(path)
	if err != nil {
		return nil // silently ignore missing file
	}
	defer f.Close()

	var raw map[string]any
	if err := json.NewDecoder(f).Decode(&raw); err != nil {
		return err
	}

	getString := func(m map[string]any, key string) string {
		if v, ok := m[key]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
		return ""
	}
	getInt := func(m map[string]any, key string) int {
		if v, ok := m[key]; ok {
			switch t := v.(type) {
			case float64:
				return int(t)
			case int:
				return t
			case json.Number:
				i, _ := t.Int64()
				return int(i)
			}
		}
		return 0
	}
	getBool := func(m map[string]any, key string) bool {
		if v, ok := m[key]; ok {
			if b, ok := v.(bool); ok {
				return b
			}
		}
		return false
	}
	getStringSlice := func(m map[string]any, key string) []string {
		if v, ok := m[key]; ok {
			if arr, ok := v.([]any); ok {
				res := make([]string, 0, len(arr))
				for _, it := range arr {
					if s, ok := it.(string); ok {
						res = append(res, s)
					}
				}
				return res
			}
		}
		return nil
	}
	getDuration := func(m map[string]any, key string) time.Duration {
		if s := getString(m, key); s != "" {
			d, _ := time.ParseDuration(s)
			return d
		}
		return 0
	}

	if app, ok := raw["app"].(map[string]any); ok {
		out.AppPort = getString(app, "AppPort")
		out.PublicBaseURL = getString(app, "PublicBaseURL")
		out.AdminPassword = getString(app, "AdminPassword")
		out.JWTSecret = getString(app, "JWTSecret")
		out.TLSCertFile = getString(app, "TLSCertFile")
		out.TLSKeyFile = getString(app, "TLSKeyFile")
		if v := getInt(app, "SessionTTLHours"); v != 0 {
			out.SessionTTL = time.Duration(v) * time.Hour
		}
		if v := getInt(app, "RateLimitPerMinute"); v != 0 {
			out.RateLimitPerMinute = v
		}
		if list := getStringSlice(app, "AllowedOrigins"); len(list) > 0 {
			out.AllowedOrigins = list
		}
	}

	if g, ok := raw["gin"].(map[string]any); ok {
		if v := getString(g, "Mode"); v != "" {
			out.GinMode = v
		}
		if v := getString(g, "LogPath"); v != "" {
			out.GinPath = v
		}
	}

	if st, ok := raw["storage"].(map[string]any); ok {
		out.StorageBackend = getString(st, "Backend")
		out.UploadDir = getString(st, "UploadDir")
		out.DefaultExpireDays = getInt(st, "DefaultExpireDays")
		out.CleanupInterval = getDuration(st, "CleanupInterval")
	}

	if up, ok := raw["upload"].(map[string]any); ok {
		out.MaxUploadMB = getInt(up, "MaxUploadMB")
		out.MaxUploadFiles = getInt(up, "MaxUploadFiles")
		out.MaxWidth = getInt(up, "MaxWidth")
		out.JPEGQuality = getInt(up, "JPEGQuality")
	}

	if dbs, ok := raw["database"].(map[string]any); ok {
		out.DBDriver = getString(dbs, "Driver")
		out.DatabaseURI = getString(dbs, "DatabaseURI")
		out.DBHost = getString(dbs, "DBHost")
		out.DBPort = getString(dbs, "DBPort")
		out.DBUser = getString(dbs, "DBUser")
		out.DBPassword = getString(dbs, "DBPassword")
		out.DBName = getString(dbs, "DBName")
		out.SQLitePath = getString(dbs, "SQLitePath")
	}

	if rds, ok := raw["redis"].(map[string]any); ok {
		out.RedisHost = getString(rds, "RedisHost")
		out.RedisPort = getInt(rds, "RedisPort")
		out.RedisDB = getInt(rds, "RedisDB")
		out.RedisPassword = getString(rds, "RedisPassword")
		out.RedisPrefix = getString(rds, "Prefix")
	}

	if lg, ok := raw["log"].(map[string]any); ok {
		out.LogLevel = getString(lg, "Level")
		out.LogPath = getString(lg, "Path")
		if v := getString(lg, "GinMode"); v != "" {
			out.GinMode = v
		}
		if v := getString(lg, "GinPath"); v != "" {
			out.GinPath = v
		}
		out.LogMaxSizeMB = getInt(lg, "MaxSizeMB")
		out.LogMaxBackups = getInt(lg, "MaxBackups")
		out.LogMaxAgeDays = getInt(lg, "MaxAgeDays")
		out.LogCompress = getBool(lg, "Compress")
	}

	return nil
}

// applyDefaults sets sane defaults for zero-value fields.
func applyDefaults(c *AppConfig) {
	if c.AppPort == "" {
		c.AppPort = "8080"
	}
	if c.AdminPassword == "" {
		c.AdminPassword = "admin123"
	}
	if c.SessionTTL == 0 {
		c.SessionTTL = 24 * time.Hour
	}
	if c.GinMode == "" {
		c.GinMode = "release"
	}
	if c.GinPath == "" {
		c.GinPath = "logs/go_gin.log"
	}
	if c.RateLimitPerMinute == 0 {
		c.RateLimitPerMinute = 60
	}
	if len(c.AllowedOrigins) == 0 {
		c.AllowedOrigins = []string{"*"}
	}
	if c.StorageBackend == "" {
		c.StorageBackend = BackendMemory
	}
	if c.UploadDir == "" {
		c.UploadDir = "uploads"
	}
	if c.MaxUploadMB == 0 {
		c.MaxUploadMB = 10
	}
	if c.MaxUploadFiles == 0 {
		c.MaxUploadFiles = 10
	}
	if c.MaxWidth == 0 {
		c.MaxWidth = 1024
	}
	if c.JPEGQuality == 0 {
		c.JPEGQuality = 85
	}
	if c.CleanupInterval == 0 {
		c.CleanupInterval = 12 * time.Hour
	}
	if c.DBDriver == "" {
		c.DBDriver = DriverSQLite
	}
	if c.DBHost == "" {
		c.DBHost = "127.0.0.1"
	}
	if c.DBPort == "" {
		c.DBPort = "3306"
	}
	if c.DBUser == "" {
		c.DBUser = "root"
	}
	if c.DBName == "" {
		c.DBName = "imghost"
	}
	if c.SQLitePath == "" {
		c.SQLitePath = "data/imghost.db"
	}
	if c.RedisHost == "" {
		c.RedisHost = "127.0.0.1"
	}
	if c.RedisPort == 0 {
		c.RedisPort = 6379
	}
	if c.RedisPrefix == "" {
		c.RedisPrefix = "imghost:"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogMaxSizeMB == 0 {
		c.LogMaxSizeMB = 100
	}
	if c.LogMaxBackups == 0 {
		c.LogMaxBackups = 3
	}
	if c.LogMaxAgeDays == 0 {
		c.LogMaxAgeDays = 7
	}
}

// applyEnvOverrides maps known environment variables onto config values when present.
func applyEnvOverrides(c *AppConfig) error {
	p := envParser{}

	if v := getEnv("APP_PORT", ""); v != "" {
		c.AppPort = v
	}
	if v := getEnv("PUBLIC_BASE_URL", ""); v != "" {
		c.PublicBaseURL = strings.TrimRight(v, "/")
	}
	if v := getEnv("TLS_CERT_FILE", ""); v != "" {
		c.TLSCertFile = v
	}
	if v := getEnv("TLS_KEY_FILE", ""); v != "" {
		c.TLSKeyFile = v
	}
	if v := getEnv("ADMIN_PASSWORD", ""); v != "" {
		c.AdminPassword = v
	}
	if v := getEnv("JWT_SECRET", ""); v != "" {
		c.JWTSecret = v
	}
	if v := getEnv("SESSION_TTL_HOURS", ""); v != "" {
		c.SessionTTL = time.Duration(p.parseInt("SESSION_TTL_HOURS", v)) * time.Hour
	}
	if v := getEnv("GIN_MODE", ""); v != "" {
		c.GinMode = v
	}
	if v := getEnv("GIN_PATH", ""); v != "" {
		c.GinPath = v
	}
	if v := getEnv("RATE_LIMIT_PER_MINUTE", ""); v != "" {
		c.RateLimitPerMinute = p.parseInt("RATE_LIMIT_PER_MINUTE", v)
	}
	if v := getEnv("CORS_ALLOWED_ORIGINS", ""); v != "" {
		c.AllowedOrigins = splitAndTrim(v)
	}

	if v := getEnv("STORAGE_BACKEND", ""); v != "" {
		c.StorageBackend = strings.ToLower(v)
	}
	if v := getEnv("UPLOAD_DIR", ""); v != "" {
		c.UploadDir = v
	}
	if v := getEnv("MAX_UPLOAD_MB", ""); v != "" {
		c.MaxUploadMB = p.parseInt("MAX_UPLOAD_MB", v)
	}
	if v := getEnv("MAX_UPLOAD_FILES", ""); v != "" {
		c.MaxUploadFiles = p.parseInt("MAX_UPLOAD_FILES", v)
	}
	if v := getEnv("MAX_WIDTH", ""); v != "" {
		c.MaxWidth = p.parseInt("MAX_WIDTH", v)
	}
	if v := getEnv("JPEG_QUALITY", ""); v != "" {
		c.JPEGQuality = p.parseInt("JPEG_QUALITY", v)
	}
	if v := getEnv("DEFAULT_EXPIRE_DAYS", ""); v != "" {
		c.DefaultExpireDays = p.parseInt("DEFAULT_EXPIRE_DAYS", v)
	}
	if v := getEnv("CLEANUP_INTERVAL", ""); v != "" {
		c.CleanupInterval = p.parseDuration("CLEANUP_INTERVAL", v)
	}

	if v := getEnv("DB_DRIVER", ""); v != "" {
		c.DBDriver = strings.ToLower(v)
	}
	if v := getEnv("DATABASE_URI", ""); v != "" {
		c.DatabaseURI = v
	}
	if v := getEnv("DB_HOST", ""); v != "" {
		c.DBHost = v
	}
	if v := getEnv("DB_PORT", ""); v != "" {
		c.DBPort = v
	}
	if v := getEnv("DB_USER", ""); v != "" {
		c.DBUser = v
	}
	if v := getEnv("DB_PASSWORD", ""); v != "" {
		c.DBPassword = v
	}
	if v := getEnv("DB_NAME", ""); v != "" {
		c.DBName = v
	}
	if v := getEnv("SQLITE_PATH", ""); v != "" {
		c.SQLitePath = v
	}

	if v := getEnv("REDIS_HOST", ""); v != "" {
		c.RedisHost = v
	}
	if v := getEnv("REDIS_PORT", ""); v != "" {
		c.RedisPort = p.parseInt("REDIS_PORT", v)
	}
	if v := getEnv("REDIS_DB", ""); v != "" {
		c.RedisDB = p.parseInt("REDIS_DB", v)
	}
	if v := getEnv("REDIS_PASSWORD", ""); v != "" {
		c.RedisPassword = v
	}
	if v := getEnv("REDIS_PREFIX", ""); v != "" {
		c.RedisPrefix = v
	}

	if v := getEnv("LOG_LEVEL", ""); v != "" {
		c.LogLevel = v
	}
	if v := getEnv("LOG_PATH", ""); v != "" {
		c.LogPath = v
	}
	if v := getEnv("LOG_MAX_SIZE_MB", ""); v != "" {
		c.LogMaxSizeMB = p.parseInt("LOG_MAX_SIZE_MB", v)
	}
	if v := getEnv("LOG_MAX_BACKUPS", ""); v != "" {
		c.LogMaxBackups = p.parseInt("LOG_MAX_BACKUPS", v)
	}
	if v := getEnv("LOG_MAX_AGE_DAYS", ""); v != "" {
		c.LogMaxAgeDays = p.parseInt("LOG_MAX_AGE_DAYS", v)
	}
	if v := getEnv("LOG_COMPRESS", ""); v != "" {
		c.LogCompress = v == "true"
	}
	return errors.Join(p.errs...)
}

// envParser collects conversion errors so every bad variable is reported at once.
type envParser struct {
	errs []error
}

func (p *envParser) parseInt(key, val string) int {
	i, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid integer value for %s: %q", key, val))
	}
	return i
}

func (p *envParser) parseDuration(key, val string) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(val))
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid duration value for %s: %q", key, val))
	}
	return d
}

func splitAndTrim(raw string) []string {
	items := []string{}
	for _, item := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}

func randomSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate jwt secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
