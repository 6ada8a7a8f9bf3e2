// Package config loads the daemon configuration from three layers:
// built-in defaults, an optional YAML file, and LATTICE_* environment
// variables. Later layers win, so an operator can pin a value in the
// environment while the file stays editable at runtime.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend driver names accepted by the daemon.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendDynamo = "dynamo"
	BackendBadger = "badger"
)

// Config holds the full daemon configuration.
type Config struct {
	// Server
	HTTPAddr    string
	Environment string

	// Backend selection
	Backend     string
	SQLitePath  string
	BadgerPath  string
	DynamoTable string
	DynamoIndex string
	AWSRegion   string

	// Write scheduling
	DebounceWindow    time.Duration
	DependencyTimeout time.Duration
	ActionTimeout     time.Duration
	MaxConcurrent     int
	TestMode          bool

	// Backend resilience
	RetryMaxAttempts        int
	RetryInitialDelay       time.Duration
	RetryMaxDelay           time.Duration
	BreakerFailureThreshold float64
	BreakerMinRequests      int
	BreakerTimeout          time.Duration

	// Logging
	LogLevel  string
	LogFormat string

	// Observability
	EnableMetrics bool
	EnableTracing bool
	OTLPEndpoint  string

	// FilePath is the YAML overlay this configuration was loaded from,
	// and the file the watcher follows for live changes. Empty disables
	// both.
	FilePath string
}

// Load builds the configuration from defaults, the optional YAML file
// named by LATTICE_CONFIG_FILE, and finally the environment.
func Load() (*Config, error) {
	return LoadFrom(getEnv("LATTICE_CONFIG_FILE", ""))
}

// LoadFrom is Load with the overlay path given explicitly. An empty path
// skips the file layer.
func LoadFrom(path string) (*Config, error) {
	cfg := defaultConfig()
	cfg.FilePath = path

	if cfg.FilePath != "" {
		if err := applyFile(cfg, cfg.FilePath); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config file %s: %w", cfg.FilePath, err)
			}
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		// The daemon serves local editor panes; bind loopback unless
		// told otherwise.
		HTTPAddr:    "127.0.0.1:6460",
		Environment: "development",

		Backend:     BackendSQLite,
		SQLitePath:  "lattice.db",
		BadgerPath:  "lattice-badger",
		DynamoTable: "lattice-nodes",
		DynamoIndex: "GSI1",
		AWSRegion:   "us-west-2",

		DebounceWindow:    500 * time.Millisecond,
		DependencyTimeout: 10 * time.Second,
		ActionTimeout:     30 * time.Second,
		MaxConcurrent:     4,

		RetryMaxAttempts:        3,
		RetryInitialDelay:       100 * time.Millisecond,
		RetryMaxDelay:           5 * time.Second,
		BreakerFailureThreshold: 0.8,
		BreakerMinRequests:      5,
		BreakerTimeout:          60 * time.Second,

		LogLevel:  "info",
		LogFormat: "json",

		EnableMetrics: true,
		OTLPEndpoint:  "localhost:4317",
	}
}

// fileConfig is the YAML schema of the overlay file. Durations are
// millisecond integers; zero values mean the file did not set the field.
type fileConfig struct {
	Server struct {
		HTTPAddr string `yaml:"httpAddr"`
	} `yaml:"server"`
	Backend struct {
		Driver      string `yaml:"driver"`
		SQLitePath  string `yaml:"sqlitePath"`
		BadgerPath  string `yaml:"badgerPath"`
		DynamoTable string `yaml:"dynamoTable"`
		DynamoIndex string `yaml:"dynamoIndex"`
		AWSRegion   string `yaml:"awsRegion"`
	} `yaml:"backend"`
	Sync struct {
		DebounceMs          int  `yaml:"debounceMs"`
		DependencyTimeoutMs int  `yaml:"dependencyTimeoutMs"`
		ActionTimeoutMs     int  `yaml:"actionTimeoutMs"`
		MaxConcurrent       int  `yaml:"maxConcurrent"`
		TestMode            bool `yaml:"testMode"`
	} `yaml:"sync"`
	Retry struct {
		MaxAttempts    int `yaml:"maxAttempts"`
		InitialDelayMs int `yaml:"initialDelayMs"`
		MaxDelayMs     int `yaml:"maxDelayMs"`
	} `yaml:"retry"`
	Breaker struct {
		FailureThreshold float64 `yaml:"failureThreshold"`
		MinRequests      int     `yaml:"minRequests"`
		TimeoutMs        int     `yaml:"timeoutMs"`
	} `yaml:"breaker"`
	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
}

func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}

	setString(&cfg.HTTPAddr, fc.Server.HTTPAddr)
	setString(&cfg.Backend, fc.Backend.Driver)
	setString(&cfg.SQLitePath, fc.Backend.SQLitePath)
	setString(&cfg.BadgerPath, fc.Backend.BadgerPath)
	setString(&cfg.DynamoTable, fc.Backend.DynamoTable)
	setString(&cfg.DynamoIndex, fc.Backend.DynamoIndex)
	setString(&cfg.AWSRegion, fc.Backend.AWSRegion)

	setMillis(&cfg.DebounceWindow, fc.Sync.DebounceMs)
	setMillis(&cfg.DependencyTimeout, fc.Sync.DependencyTimeoutMs)
	setMillis(&cfg.ActionTimeout, fc.Sync.ActionTimeoutMs)
	setInt(&cfg.MaxConcurrent, fc.Sync.MaxConcurrent)
	if fc.Sync.TestMode {
		cfg.TestMode = true
	}

	setInt(&cfg.RetryMaxAttempts, fc.Retry.MaxAttempts)
	setMillis(&cfg.RetryInitialDelay, fc.Retry.InitialDelayMs)
	setMillis(&cfg.RetryMaxDelay, fc.Retry.MaxDelayMs)

	if fc.Breaker.FailureThreshold > 0 {
		cfg.BreakerFailureThreshold = fc.Breaker.FailureThreshold
	}
	setInt(&cfg.BreakerMinRequests, fc.Breaker.MinRequests)
	setMillis(&cfg.BreakerTimeout, fc.Breaker.TimeoutMs)

	setString(&cfg.LogLevel, fc.Logging.Level)
	setString(&cfg.LogFormat, fc.Logging.Format)

	return nil
}

func applyEnv(cfg *Config) {
	cfg.HTTPAddr = getEnv("LATTICE_HTTP_ADDR", cfg.HTTPAddr)
	cfg.Environment = getEnv("LATTICE_ENV", cfg.Environment)

	cfg.Backend = getEnv("LATTICE_BACKEND", cfg.Backend)
	cfg.SQLitePath = getEnv("LATTICE_SQLITE_PATH", cfg.SQLitePath)
	cfg.BadgerPath = getEnv("LATTICE_BADGER_PATH", cfg.BadgerPath)
	cfg.DynamoTable = getEnv("LATTICE_DYNAMO_TABLE", cfg.DynamoTable)
	cfg.DynamoIndex = getEnv("LATTICE_DYNAMO_INDEX", cfg.DynamoIndex)
	cfg.AWSRegion = getEnv("AWS_REGION", cfg.AWSRegion)

	cfg.DebounceWindow = getEnvDuration("LATTICE_DEBOUNCE_WINDOW", cfg.DebounceWindow)
	cfg.DependencyTimeout = getEnvDuration("LATTICE_DEPENDENCY_TIMEOUT", cfg.DependencyTimeout)
	cfg.ActionTimeout = getEnvDuration("LATTICE_ACTION_TIMEOUT", cfg.ActionTimeout)
	cfg.MaxConcurrent = getEnvInt("LATTICE_MAX_CONCURRENT", cfg.MaxConcurrent)
	cfg.TestMode = getEnvBool("LATTICE_TEST_MODE", cfg.TestMode)

	cfg.RetryMaxAttempts = getEnvInt("LATTICE_RETRY_MAX_ATTEMPTS", cfg.RetryMaxAttempts)
	cfg.RetryInitialDelay = getEnvDuration("LATTICE_RETRY_INITIAL_DELAY", cfg.RetryInitialDelay)
	cfg.RetryMaxDelay = getEnvDuration("LATTICE_RETRY_MAX_DELAY", cfg.RetryMaxDelay)
	cfg.BreakerFailureThreshold = getEnvFloat("LATTICE_BREAKER_THRESHOLD", cfg.BreakerFailureThreshold)
	cfg.BreakerMinRequests = getEnvInt("LATTICE_BREAKER_MIN_REQUESTS", cfg.BreakerMinRequests)
	cfg.BreakerTimeout = getEnvDuration("LATTICE_BREAKER_TIMEOUT", cfg.BreakerTimeout)

	cfg.LogLevel = getEnv("LATTICE_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnv("LATTICE_LOG_FORMAT", cfg.LogFormat)

	cfg.EnableMetrics = getEnvBool("LATTICE_METRICS_ENABLED", cfg.EnableMetrics)
	cfg.EnableTracing = getEnvBool("LATTICE_TRACING_ENABLED", cfg.EnableTracing)
	cfg.OTLPEndpoint = getEnv("LATTICE_OTLP_ENDPOINT", cfg.OTLPEndpoint)
}

// Validate checks the configuration before the daemon commits to it.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendMemory, BackendSQLite, BackendDynamo, BackendBadger:
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}

	if c.Backend == BackendSQLite && c.SQLitePath == "" {
		return fmt.Errorf("sqlite backend requires a database path")
	}
	if c.Backend == BackendBadger && c.BadgerPath == "" {
		return fmt.Errorf("badger backend requires a data directory")
	}
	if c.Backend == BackendDynamo && c.DynamoTable == "" {
		return fmt.Errorf("dynamo backend requires a table name")
	}

	if c.DebounceWindow <= 0 {
		return fmt.Errorf("debounce window must be positive")
	}
	if c.MaxConcurrent <= 0 {
		return fmt.Errorf("max concurrent writes must be positive")
	}
	if c.RetryMaxAttempts < 0 {
		return fmt.Errorf("retry attempts cannot be negative")
	}
	if c.BreakerFailureThreshold <= 0 || c.BreakerFailureThreshold > 1 {
		return fmt.Errorf("breaker failure threshold must be in (0, 1]")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.LogLevel)
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}

	return nil
}

// IsDevelopment reports whether the daemon runs in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction reports whether the daemon runs in production mode.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v > 0 {
		*dst = v
	}
}

func setMillis(dst *time.Duration, ms int) {
	if ms > 0 {
		*dst = time.Duration(ms) * time.Millisecond
	}
}

// getEnv gets an environment variable with a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool gets a boolean environment variable with a default value.
func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value == "true" || value == "1" || value == "yes"
}

// getEnvInt gets an integer environment variable with a default value.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvFloat gets a float environment variable with a default value.
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

// getEnvDuration gets a duration environment variable ("750ms", "2s")
// with a default value.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
