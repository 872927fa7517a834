package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the application configuration
type Config struct {
	Retry          RetryConfig          `json:"retry"`
	CircuitBreaker CircuitBreakerConfig `json:"circuit_breaker"`
	Storage        StorageConfig        `json:"storage"`
	Idempotency    IdempotencyConfig    `json:"idempotency"`
	HealthMonitor  HealthMonitorConfig  `json:"health_monitor"`
	Performance    PerformanceConfig    `json:"performance"`
	Sync           SyncConfig           `json:"sync"`
	Admin          AdminConfig          `json:"admin"`
	Redis          RedisConfig          `json:"redis"`
	Database       DatabaseConfig       `json:"database"`
	Logging        LoggingConfig        `json:"logging"`
	Tracing        TracingConfig        `json:"tracing"`
}

// RetryConfig controls retry behavior and the shared retry budget
type RetryConfig struct {
	MaxAttempts         int           `json:"max_attempts"`
	BaseDelay           time.Duration `json:"base_delay"`
	MaxDelay            time.Duration `json:"max_delay"`
	JitterRatio         float64       `json:"jitter_ratio"`
	TimeoutMultiplier   float64       `json:"timeout_multiplier"`
	RetryBudget         int           `json:"retry_budget"`
	BudgetResetInterval time.Duration `json:"budget_reset_interval"`
	EnableJitter        bool          `json:"enable_jitter"`
}

// CircuitBreakerConfig controls per-feature and global circuit breakers
type CircuitBreakerConfig struct {
	FailureThreshold int           `json:"failure_threshold"`
	RecoveryTime     time.Duration `json:"recovery_time"`
	SuccessThreshold int           `json:"success_threshold"`
	MaxFailureRate   float64       `json:"max_failure_rate"`
	MinRequests      int           `json:"min_requests"`
	WindowSize       time.Duration `json:"window_size"`
	Timeout          time.Duration `json:"timeout"`

	// Global breaker uses looser multiples of the per-feature thresholds
	GlobalFailureThreshold int     `json:"global_failure_threshold"`
	GlobalMaxFailureRate   float64 `json:"global_max_failure_rate"`

	// Progressive degradation engages when more than EngageRatio of feature
	// breakers are simultaneously open, and disengages below DisengageRatio.
	ProgressiveEngageRatio    float64 `json:"progressive_engage_ratio"`
	ProgressiveDisengageRatio float64 `json:"progressive_disengage_ratio"`
}

// StorageConfig controls the tiered durable buffer
type StorageConfig struct {
	HotMaxSize    int64         `json:"hot_max_size"`
	WarmMaxSize   int64         `json:"warm_max_size"`
	ColdMaxSize   int64         `json:"cold_max_size"`
	HotRetention  time.Duration `json:"hot_retention"`
	WarmRetention time.Duration `json:"warm_retention"`
	ColdRetention time.Duration `json:"cold_retention"`
	SweepInterval time.Duration `json:"sweep_interval"`
	EncryptionKey string        `json:"-"`
}

// IdempotencyConfig controls request deduplication and response caching
type IdempotencyConfig struct {
	KeyTTL                time.Duration `json:"key_ttl"`
	ResponseCacheTTL      time.Duration `json:"response_cache_ttl"`
	MaxConcurrentRequests int           `json:"max_concurrent_requests"`
	MaxStoredKeys         int           `json:"max_stored_keys"`
	PurgeInterval         time.Duration `json:"purge_interval"`
}

// HealthEndpoint names one probed region. The first configured endpoint
// becomes the initial primary.
type HealthEndpoint struct {
	Region string `json:"region"`
	URL    string `json:"url"`
}

// HealthMonitorConfig controls endpoint health probing
type HealthMonitorConfig struct {
	Interval             time.Duration    `json:"interval"`
	Timeout              time.Duration    `json:"timeout"`
	FailureThreshold     int              `json:"failure_threshold"`
	RecoveryThreshold    int              `json:"recovery_threshold"`
	DegradationThreshold float64          `json:"degradation_threshold"`
	ProbeRetries         int              `json:"probe_retries"`
	SampleWindow         int              `json:"sample_window"`
	Endpoints            []HealthEndpoint `json:"endpoints"`
}

// PerformanceConfig drives the coordinator's adaptive mode
type PerformanceConfig struct {
	SlowRequest        time.Duration `json:"slow_request"`
	VerySlowRequest    time.Duration `json:"very_slow_request"`
	HighErrorRate      float64       `json:"high_error_rate"`
	CriticalErrorRate  float64       `json:"critical_error_rate"`
	EvaluationInterval time.Duration `json:"evaluation_interval"`
	SampleRetention    time.Duration `json:"sample_retention"`
}

// SyncConfig controls background draining of stored items.
// An empty UploadURL leaves items stored until drained via the admin API.
type SyncConfig struct {
	UploadURL   string        `json:"upload_url"`
	MinInterval time.Duration `json:"min_interval"`
}

// AdminConfig contains the introspection HTTP server configuration
type AdminConfig struct {
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout"`
}

// RedisConfig contains warm-tier Redis connection configuration.
// An empty Host disables the Redis backend.
type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// DatabaseConfig contains cold-tier Postgres connection configuration.
// An empty Host disables the Postgres backend.
type DatabaseConfig struct {
	Host            string        `json:"host"`
	Port            int           `json:"port"`
	Name            string        `json:"name"`
	User            string        `json:"user"`
	Password        string        `json:"password"`
	SSLMode         string        `json:"ssl_mode"`
	MaxOpenConns    int           `json:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
	Output string `json:"output"`
}

// TracingConfig contains distributed tracing configuration
type TracingConfig struct {
	Enabled        bool    `json:"enabled"`
	JaegerEndpoint string  `json:"jaeger_endpoint"`
	SamplingRate   float64 `json:"sampling_rate"`
}

// Load loads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	config := &Config{
		Retry: RetryConfig{
			MaxAttempts:         getEnvInt("RETRY_MAX_ATTEMPTS", 5),
			BaseDelay:           getEnvDuration("RETRY_BASE_DELAY", 1*time.Second),
			MaxDelay:            getEnvDuration("RETRY_MAX_DELAY", 30*time.Second),
			JitterRatio:         getEnvFloat("RETRY_JITTER_RATIO", 0.1),
			TimeoutMultiplier:   getEnvFloat("RETRY_TIMEOUT_MULTIPLIER", 1.0),
			RetryBudget:         getEnvInt("RETRY_BUDGET", 100),
			BudgetResetInterval: getEnvDuration("RETRY_BUDGET_RESET_INTERVAL", time.Minute),
			EnableJitter:        getEnvBool("RETRY_ENABLE_JITTER", true),
		},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold:          getEnvInt("CB_FAILURE_THRESHOLD", 5),
			RecoveryTime:              getEnvDuration("CB_RECOVERY_TIME", 60*time.Second),
			SuccessThreshold:          getEnvInt("CB_SUCCESS_THRESHOLD", 3),
			MaxFailureRate:            getEnvFloat("CB_MAX_FAILURE_RATE", 0.5),
			MinRequests:               getEnvInt("CB_MIN_REQUESTS", 5),
			WindowSize:                getEnvDuration("CB_WINDOW_SIZE", 60*time.Second),
			Timeout:                   getEnvDuration("CB_TIMEOUT", 10*time.Second),
			GlobalFailureThreshold:    getEnvInt("CB_GLOBAL_FAILURE_THRESHOLD", 15),
			GlobalMaxFailureRate:      getEnvFloat("CB_GLOBAL_MAX_FAILURE_RATE", 0.7),
			ProgressiveEngageRatio:    getEnvFloat("CB_PROGRESSIVE_ENGAGE_RATIO", 0.3),
			ProgressiveDisengageRatio: getEnvFloat("CB_PROGRESSIVE_DISENGAGE_RATIO", 0.1),
		},
		Storage: StorageConfig{
			HotMaxSize:    getEnvInt64("STORAGE_HOT_MAX_SIZE", 5*1024*1024),
			WarmMaxSize:   getEnvInt64("STORAGE_WARM_MAX_SIZE", 50*1024*1024),
			ColdMaxSize:   getEnvInt64("STORAGE_COLD_MAX_SIZE", 10*1024*1024),
			HotRetention:  getEnvDuration("STORAGE_HOT_RETENTION", 5*time.Minute),
			WarmRetention: getEnvDuration("STORAGE_WARM_RETENTION", 24*time.Hour),
			ColdRetention: getEnvDuration("STORAGE_COLD_RETENTION", 7*24*time.Hour),
			SweepInterval: getEnvDuration("STORAGE_SWEEP_INTERVAL", time.Minute),
			EncryptionKey: getEnvString("STORAGE_ENCRYPTION_KEY", ""),
		},
		Idempotency: IdempotencyConfig{
			KeyTTL:                getEnvDuration("IDEMPOTENCY_KEY_TTL", 5*time.Minute),
			ResponseCacheTTL:      getEnvDuration("IDEMPOTENCY_RESPONSE_CACHE_TTL", time.Minute),
			MaxConcurrentRequests: getEnvInt("IDEMPOTENCY_MAX_CONCURRENT", 10),
			MaxStoredKeys:         getEnvInt("IDEMPOTENCY_MAX_STORED_KEYS", 1000),
			PurgeInterval:         getEnvDuration("IDEMPOTENCY_PURGE_INTERVAL", 30*time.Second),
		},
		HealthMonitor: HealthMonitorConfig{
			Interval:             getEnvDuration("HEALTH_INTERVAL", 30*time.Second),
			Timeout:              getEnvDuration("HEALTH_TIMEOUT", 10*time.Second),
			FailureThreshold:     getEnvInt("HEALTH_FAILURE_THRESHOLD", 3),
			RecoveryThreshold:    getEnvInt("HEALTH_RECOVERY_THRESHOLD", 3),
			DegradationThreshold: getEnvFloat("HEALTH_DEGRADATION_THRESHOLD", 0.1),
			ProbeRetries:         getEnvInt("HEALTH_PROBE_RETRIES", 2),
			SampleWindow:         getEnvInt("HEALTH_SAMPLE_WINDOW", 50),
			Endpoints:            getEnvEndpoints("HEALTH_ENDPOINTS"),
		},
		Performance: PerformanceConfig{
			SlowRequest:        getEnvDuration("PERF_SLOW_REQUEST", 2*time.Second),
			VerySlowRequest:    getEnvDuration("PERF_VERY_SLOW_REQUEST", 5*time.Second),
			HighErrorRate:      getEnvFloat("PERF_HIGH_ERROR_RATE", 0.1),
			CriticalErrorRate:  getEnvFloat("PERF_CRITICAL_ERROR_RATE", 0.25),
			EvaluationInterval: getEnvDuration("PERF_EVALUATION_INTERVAL", 10*time.Second),
			SampleRetention:    getEnvDuration("PERF_SAMPLE_RETENTION", 5*time.Minute),
		},
		Sync: SyncConfig{
			UploadURL:   getEnvString("SYNC_UPLOAD_URL", ""),
			MinInterval: getEnvDuration("SYNC_MIN_INTERVAL", 30*time.Second),
		},
		Admin: AdminConfig{
			Host:         getEnvString("ADMIN_HOST", "0.0.0.0"),
			Port:         getEnvInt("ADMIN_PORT", 8080),
			ReadTimeout:  getEnvDuration("ADMIN_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getEnvDuration("ADMIN_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:  getEnvDuration("ADMIN_IDLE_TIMEOUT", 120*time.Second),
		},
		Redis: RedisConfig{
			Host:     getEnvString("REDIS_HOST", ""),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnvString("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 10),
		},
		Database: DatabaseConfig{
			Host:            getEnvString("DB_HOST", ""),
			Port:            getEnvInt("DB_PORT", 5432),
			Name:            getEnvString("DB_NAME", "telemetry_relay"),
			User:            getEnvString("DB_USER", "relay"),
			Password:        getEnvString("DB_PASSWORD", ""),
			SSLMode:         getEnvString("DB_SSL_MODE", "disable"),
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 10),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 2),
			ConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Logging: LoggingConfig{
			Level:  getEnvString("LOG_LEVEL", "info"),
			Format: getEnvString("LOG_FORMAT", "json"),
			Output: getEnvString("LOG_OUTPUT", "stdout"),
		},
		Tracing: TracingConfig{
			Enabled:        getEnvBool("TRACING_ENABLED", false),
			JaegerEndpoint: getEnvString("TRACING_JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
			SamplingRate:   getEnvFloat("TRACING_SAMPLING_RATE", 1.0),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// Validate checks the configuration for invalid values
func (c *Config) Validate() error {
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry max attempts must be at least 1")
	}
	if c.Retry.BaseDelay <= 0 || c.Retry.MaxDelay < c.Retry.BaseDelay {
		return fmt.Errorf("retry delays must satisfy 0 < base <= max")
	}
	if c.Retry.JitterRatio < 0 || c.Retry.JitterRatio > 1 {
		return fmt.Errorf("retry jitter ratio must be in [0, 1]")
	}
	if c.Retry.RetryBudget < 0 {
		return fmt.Errorf("retry budget must not be negative")
	}
	if c.CircuitBreaker.FailureThreshold < 1 {
		return fmt.Errorf("circuit breaker failure threshold must be at least 1")
	}
	if c.CircuitBreaker.MaxFailureRate <= 0 || c.CircuitBreaker.MaxFailureRate > 1 {
		return fmt.Errorf("circuit breaker max failure rate must be in (0, 1]")
	}
	if c.CircuitBreaker.ProgressiveDisengageRatio >= c.CircuitBreaker.ProgressiveEngageRatio {
		return fmt.Errorf("progressive degradation disengage ratio must be below engage ratio")
	}
	if c.Storage.HotMaxSize <= 0 || c.Storage.WarmMaxSize <= 0 || c.Storage.ColdMaxSize <= 0 {
		return fmt.Errorf("storage tier sizes must be positive")
	}
	if c.Idempotency.MaxConcurrentRequests < 1 {
		return fmt.Errorf("idempotency max concurrent requests must be at least 1")
	}
	if c.HealthMonitor.Interval <= 0 || c.HealthMonitor.Timeout <= 0 {
		return fmt.Errorf("health monitor interval and timeout must be positive")
	}
	if c.Performance.HighErrorRate >= c.Performance.CriticalErrorRate {
		return fmt.Errorf("high error rate threshold must be below critical error rate")
	}
	return nil
}

// DatabaseURL returns the Postgres connection string for the cold tier
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.Database.Host, c.Database.Port, c.Database.Name,
		c.Database.User, c.Database.Password, c.Database.SSLMode)
}

// RedisAddr returns the Redis address for the warm tier
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// Helper functions for environment variable parsing

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvEndpoints parses "region=url,region=url" pairs, preserving order
func getEnvEndpoints(key string) []HealthEndpoint {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var endpoints []HealthEndpoint
	for _, pair := range strings.Split(value, ",") {
		parts := strings.SplitN(strings.TrimSpace(pair), "=", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			continue
		}
		endpoints = append(endpoints, HealthEndpoint{Region: parts[0], URL: parts[1]})
	}
	return endpoints
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
