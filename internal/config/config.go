/**
 * Configuration for the OCR gateway
 *
 * Loaded once at startup from environment variables (optionally seeded
 * from a .env file by main).
 */

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Quota store backends
const (
	QuotaStoreMemory   = "memory"
	QuotaStoreRedis    = "redis"
	QuotaStorePostgres = "postgres"
)

// Config holds service configuration
type Config struct {
	ServerPort string
	LogLevel   string

	// Google Cloud Vision (primary backend)
	GoogleVisionAPIKey  string
	GoogleVisionEnabled bool
	GoogleVisionRPS     float64

	// Orchestrator
	MonthlyQuota    int
	FallbackEnabled bool
	MaxFileSize     int64
	Concurrency     int
	PrimaryTimeout  time.Duration
	FallbackTimeout time.Duration

	// Tesseract (fallback backend)
	TesseractLanguages []string
	MaxPDFPages        int
	PDFRenderDPI       float64

	// Quota persistence
	QuotaStore  string
	QuotaScope  string
	QuotaLocale string
	RedisURL    string
	DatabaseURL string

	// Async jobs and HTTP surface
	MaxBatchDocuments  int
	JobResultTTL       time.Duration
	AdminToken         string
	CORSAllowedOrigins []string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		ServerPort:          getEnvOrDefault("PORT", getEnvOrDefault("SERVER_PORT", "8080")),
		LogLevel:            getEnvOrDefault("LOG_LEVEL", "info"),
		GoogleVisionAPIKey:  getEnvOrDefault("GOOGLE_VISION_API_KEY", ""),
		GoogleVisionEnabled: getEnvAsBoolOrDefault("GOOGLE_VISION_ENABLED", true),
		GoogleVisionRPS:     getEnvAsFloatOrDefault("GOOGLE_VISION_RPS", 10),
		MonthlyQuota:        getEnvAsIntOrDefault("OCR_MONTHLY_QUOTA", 1000),
		FallbackEnabled:     getEnvAsBoolOrDefault("OCR_FALLBACK_ENABLED", true),
		MaxFileSize:         getEnvAsInt64OrDefault("OCR_MAX_FILE_SIZE", 10*1024*1024), // 10MB
		Concurrency:         getEnvAsIntOrDefault("OCR_CONCURRENCY", 3),
		PrimaryTimeout:      getEnvAsDurationOrDefault("OCR_PRIMARY_TIMEOUT", 30*time.Second),
		FallbackTimeout:     getEnvAsDurationOrDefault("OCR_FALLBACK_TIMEOUT", 120*time.Second),
		TesseractLanguages:  splitList(getEnvOrDefault("TESSERACT_LANGUAGES", "fra+eng"), "+"),
		MaxPDFPages:         getEnvAsIntOrDefault("OCR_MAX_PDF_PAGES", 10),
		PDFRenderDPI:        getEnvAsFloatOrDefault("OCR_PDF_RENDER_DPI", 200),
		QuotaStore:          strings.ToLower(getEnvOrDefault("OCR_QUOTA_STORE", QuotaStoreMemory)),
		QuotaScope:          getEnvOrDefault("OCR_QUOTA_SCOPE", "global"),
		QuotaLocale:         getEnvOrDefault("OCR_LOCALE", "fr"),
		RedisURL:            getEnvOrDefault("REDIS_URL", ""),
		DatabaseURL:         getEnvOrDefault("DATABASE_URL", ""),
		MaxBatchDocuments:   getEnvAsIntOrDefault("OCR_MAX_BATCH_DOCUMENTS", 20),
		JobResultTTL:        getEnvAsDurationOrDefault("OCR_JOB_RESULT_TTL", 24*time.Hour),
		AdminToken:          getEnvOrDefault("OCR_ADMIN_TOKEN", ""),
		CORSAllowedOrigins:  splitList(getEnvOrDefault("CORS_ALLOWED_ORIGINS", "http://localhost:3000"), ","),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if configuration is valid.
// A missing Vision API key is not an error; it only disables the primary backend.
func (c *Config) Validate() error {
	if c.MonthlyQuota < 1 {
		return fmt.Errorf("OCR_MONTHLY_QUOTA must be a positive integer, got %d", c.MonthlyQuota)
	}

	if c.MaxFileSize < 1 {
		return fmt.Errorf("OCR_MAX_FILE_SIZE must be positive, got %d", c.MaxFileSize)
	}

	if c.Concurrency < 1 || c.Concurrency > 32 {
		return fmt.Errorf("OCR_CONCURRENCY must be between 1 and 32, got %d", c.Concurrency)
	}

	if c.PrimaryTimeout <= 0 || c.FallbackTimeout <= 0 {
		return fmt.Errorf("OCR timeouts must be positive")
	}

	if c.MaxPDFPages < 1 {
		return fmt.Errorf("OCR_MAX_PDF_PAGES must be at least 1, got %d", c.MaxPDFPages)
	}

	if c.MaxBatchDocuments < 1 {
		return fmt.Errorf("OCR_MAX_BATCH_DOCUMENTS must be at least 1, got %d", c.MaxBatchDocuments)
	}

	switch c.QuotaStore {
	case QuotaStoreMemory:
	case QuotaStoreRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when OCR_QUOTA_STORE=redis")
		}
	case QuotaStorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when OCR_QUOTA_STORE=postgres")
		}
	default:
		return fmt.Errorf("OCR_QUOTA_STORE must be one of memory, redis, postgres; got %q", c.QuotaStore)
	}

	return nil
}

// PrimaryConfigured reports whether the Vision backend can be constructed at all
func (c *Config) PrimaryConfigured() bool {
	return c.GoogleVisionEnabled && c.GoogleVisionAPIKey != ""
}

// HTTPWriteTimeout covers the slowest synchronous batch: every chunk of
// Concurrency documents may hit both backend timeouts in turn
func (c *Config) HTTPWriteTimeout() time.Duration {
	concurrency := max(1, c.Concurrency)
	chunks := (max(1, c.MaxBatchDocuments) + concurrency - 1) / concurrency
	return time.Duration(chunks)*(c.PrimaryTimeout+c.FallbackTimeout) + 30*time.Second
}

// QueueEnabled reports whether async OCR jobs are available
func (c *Config) QueueEnabled() bool {
	return c.RedisURL != ""
}

// getEnvOrDefault gets environment variable or returns default
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault gets environment variable as int or returns default
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvAsInt64OrDefault gets environment variable as int64 or returns default
func getEnvAsInt64OrDefault(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsFloatOrDefault(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsBoolOrDefault(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvAsDurationOrDefault accepts Go durations ("45s") or bare milliseconds ("45000")
func getEnvAsDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	if ms, err := strconv.ParseInt(valueStr, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

func splitList(value, sep string) []string {
	var out []string
	for _, part := range strings.Split(value, sep) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
