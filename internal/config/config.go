package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// LogConfig holds logging settings
type LogConfig struct {
	Level  string
	Format string // json or console
}

// PACSConfig holds DIMSE connection settings for the query client
type PACSConfig struct {
	Host        string
	Port        int
	CalledAET   string
	CallingAET  string
	Timeout     time.Duration
	MaxPoolSize int
}

// WADOConfig holds WADO-URI retrieval settings
type WADOConfig struct {
	BaseURL      string
	Timeout      time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
}

// ExportConfig holds bundle build and cache settings
type ExportConfig struct {
	CacheDir         string
	Retention        time.Duration
	SweepInterval    time.Duration
	PrecacheEnabled  bool
	PrecacheInterval time.Duration
	FetchConcurrency int
	BuildTimeout     time.Duration
	// FailureTolerance is the fraction of permanently failed images a build
	// may omit before it aborts. 0 means any permanent failure aborts.
	FailureTolerance float64
}

// StoreConfig selects the bundle index backend
type StoreConfig struct {
	Type string // memory or postgres
}

// DatabaseConfig holds PostgreSQL settings for the persisted bundle index
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	LogLevel string
}

// CacheConfig holds resolver memoization cache settings
type CacheConfig struct {
	Enabled bool
	Type    string // redis or memory
	TTL     time.Duration
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// CORSConfig holds CORS settings
type CORSConfig struct {
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
}

// MetricsConfig holds metrics settings
type MetricsConfig struct {
	Enabled bool
}

// Config is the root application configuration
type Config struct {
	Server   ServerConfig
	Log      LogConfig
	PACS     PACSConfig
	WADO     WADOConfig
	Export   ExportConfig
	Store    StoreConfig
	Database DatabaseConfig
	Cache    CacheConfig
	Redis    RedisConfig
	CORS     CORSConfig
	Metrics  MetricsConfig
}

// Load reads configuration from the environment. A .env file in the working
// directory is loaded first if present; real environment variables win.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 120*time.Second),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		PACS: PACSConfig{
			Host:        getEnv("PACS_HOST", "localhost"),
			Port:        getEnvInt("PACS_PORT", 11112),
			CalledAET:   getEnv("PACS_AETITLE", "MOKSHASERVER"),
			CallingAET:  getEnv("CALLING_AETITLE", "MDPROXY"),
			Timeout:     getEnvDuration("PACS_TIMEOUT", 30*time.Second),
			MaxPoolSize: getEnvInt("PACS_MAX_POOL_SIZE", 5),
		},
		WADO: WADOConfig{
			BaseURL:      getEnv("DICOM_SERVER_BASE_URL", "http://localhost:8000/wado"),
			Timeout:      getEnvDuration("WADO_TIMEOUT", 10*time.Second),
			MaxRetries:   getEnvInt("MAX_RETRIES", 3),
			RetryBackoff: getEnvDuration("RETRY_BACKOFF", 2*time.Second),
		},
		Export: ExportConfig{
			CacheDir:         getEnv("JPEG_ZIP_CACHE_DIR", "cache"),
			Retention:        getEnvDuration("CACHE_RETENTION", 24*time.Hour),
			SweepInterval:    getEnvDuration("SWEEP_INTERVAL", 1*time.Hour),
			PrecacheEnabled:  getEnvBool("PRECACHE_ENABLED", true),
			PrecacheInterval: getEnvDuration("PRECACHE_INTERVAL", 1*time.Hour),
			FetchConcurrency: getEnvInt("FETCH_CONCURRENCY", 4),
			BuildTimeout:     getEnvDuration("BUILD_TIMEOUT", 10*time.Minute),
			FailureTolerance: getEnvFloat("EXPORT_FAILURE_TOLERANCE", 0),
		},
		Store: StoreConfig{
			Type: getEnv("STORE_TYPE", "memory"),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "jpeg_export"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			LogLevel: getEnv("DB_LOG_LEVEL", "warn"),
		},
		Cache: CacheConfig{
			Enabled: getEnvBool("META_CACHE_ENABLED", true),
			Type:    getEnv("META_CACHE_TYPE", "memory"),
			TTL:     getEnvDuration("META_CACHE_TTL", 15*time.Minute),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		CORS: CORSConfig{
			AllowedOrigins: []string{getEnv("CORS_ALLOWED_ORIGINS", "*")},
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type"},
		},
		Metrics: MetricsConfig{
			Enabled: getEnvBool("METRICS_ENABLED", true),
		},
	}

	return cfg, nil
}

// Validate checks configuration for invalid combinations
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.WADO.BaseURL == "" {
		return fmt.Errorf("DICOM_SERVER_BASE_URL is required")
	}
	if c.WADO.MaxRetries < 1 {
		return fmt.Errorf("MAX_RETRIES must be at least 1")
	}
	if c.Export.FailureTolerance < 0 || c.Export.FailureTolerance >= 1 {
		return fmt.Errorf("EXPORT_FAILURE_TOLERANCE must be in [0, 1): %v", c.Export.FailureTolerance)
	}
	if c.Export.FetchConcurrency < 1 {
		return fmt.Errorf("FETCH_CONCURRENCY must be at least 1")
	}
	if c.Store.Type != "memory" && c.Store.Type != "postgres" {
		return fmt.Errorf("unsupported store type: %s", c.Store.Type)
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
