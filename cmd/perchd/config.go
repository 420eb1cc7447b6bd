// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
	"github.com/zalando/go-keyring"
	"go.uber.org/zap"

	perchconfig "github.com/teradata-labs/perch/pkg/config"
	"github.com/teradata-labs/perch/pkg/engine"
	"github.com/teradata-labs/perch/pkg/monitor"
	"github.com/teradata-labs/perch/pkg/server"
)

const (
	// ServiceName for keyring storage
	ServiceName = "perch"
	// DefaultConfigFileName is the name of the config file
	DefaultConfigFileName = "perchd"
)

// Config holds all configuration for the perch control plane.
// Priority: CLI flags > config file > env vars > defaults
type Config struct {
	// DataDir is the perch data directory (computed from PERCH_DATA_DIR env var or ~/.perch)
	// This field is set during config initialization and is read-only.
	// It is not loaded from config file - use PERCH_DATA_DIR environment variable to override.
	DataDir string `mapstructure:"-"`

	// Backend configuration (observability backend the pipeline pulls traces from)
	Backend BackendConfig `mapstructure:"backend"`

	// Quality configuration
	Quality QualityConfig `mapstructure:"quality"`

	// Pipeline configuration (trace polling and aggregation)
	Pipeline PipelineConfig `mapstructure:"pipeline"`

	// Monitor configuration (alerting and trigger cooldown)
	Monitor MonitorConfig `mapstructure:"monitor"`

	// Audit configuration (change history persistence)
	Audit AuditConfig `mapstructure:"audit"`

	// Learning configuration (relational store for correction archives)
	Learning LearningConfig `mapstructure:"learning"`

	// Server configuration (HTTP API and SSE stream)
	Server ServerConfig `mapstructure:"server"`

	// Logging configuration
	Logging LoggingConfig `mapstructure:"logging"`
}

// BackendConfig holds the observability backend connection settings.
type BackendConfig struct {
	// BaseURL is the backend API endpoint
	BaseURL string `mapstructure:"base_url"`

	// APIKey authenticates against the backend (keyring fallback: obs_api_key)
	APIKey string `mapstructure:"api_key"`

	// OrgID scopes all backend requests to one organization
	OrgID string `mapstructure:"org_id"`

	// RateLimitPerMinute caps outbound backend requests
	RateLimitPerMinute int `mapstructure:"rate_limit_per_minute"`

	// FallbackTable is an optional YAML file mapping unsupported API
	// methods to their fallback behavior. Hot-reloaded when it changes.
	FallbackTable string `mapstructure:"fallback_table"`
}

// QualityConfig holds the quality gate settings.
type QualityConfig struct {
	// Threshold is the minimum acceptable mean quality score in (0, 1]
	Threshold float64 `mapstructure:"threshold"`
}

// PipelineConfig holds the trace ingestion settings.
type PipelineConfig struct {
	// PollIntervalSeconds is the backend polling cadence
	PollIntervalSeconds int `mapstructure:"poll_interval_seconds"`

	// BatchSize is the number of runs fetched per poll
	BatchSize int `mapstructure:"batch_size"`

	// TraceChanCapacity sizes the ingest channel (0 = 4x batch size)
	TraceChanCapacity int `mapstructure:"trace_chan_capacity"`

	// Sessions restricts ingestion to the named backend sessions (empty = all)
	Sessions []string `mapstructure:"sessions"`
}

// MonitorConfig holds the alerting settings.
type MonitorConfig struct {
	// CooldownSeconds is the minimum gap between automatic improvement cycles
	CooldownSeconds int `mapstructure:"cooldown_seconds"`
}

// AuditConfig holds the change-history persistence settings.
type AuditConfig struct {
	// MemSize is the number of change records kept in memory
	MemSize int `mapstructure:"mem_size"`

	// Path is the JSON history file location
	Path string `mapstructure:"path"`

	// KVURL is an optional redis URL; when set it takes precedence over Path
	KVURL string `mapstructure:"kv_url"`
}

// LearningConfig holds the relational store settings.
type LearningConfig struct {
	// Driver selects the database backend: sqlite3, postgres, or mysql
	Driver string `mapstructure:"driver"`

	// DSN is the driver-specific connection string (a file path for sqlite3)
	DSN string `mapstructure:"dsn"`

	// ArchiveKeepDays is the retention window for archived low-quality runs
	ArchiveKeepDays int `mapstructure:"archive_keep_days"`

	// OutcomeKeepDays is the retention window for recorded cycle outcomes
	OutcomeKeepDays int `mapstructure:"outcome_keep_days"`
}

// ServerConfig holds the HTTP API settings.
type ServerConfig struct {
	// Addr is the listen address, host:port
	Addr string `mapstructure:"addr"`

	// CORS controls cross-origin access to the API
	CORS CORSConfig `mapstructure:"cors"`
}

// CORSConfig holds CORS settings for the HTTP API.
type CORSConfig struct {
	// Enabled turns CORS headers on
	Enabled bool `mapstructure:"enabled"`

	// AllowedOrigins is the list of allowed origins (use ["*"] for all)
	AllowedOrigins []string `mapstructure:"allowed_origins"`

	// AllowedMethods is the list of allowed HTTP methods
	AllowedMethods []string `mapstructure:"allowed_methods"`

	// AllowedHeaders is the list of allowed request headers
	AllowedHeaders []string `mapstructure:"allowed_headers"`

	// ExposedHeaders is the list of headers exposed to browsers
	ExposedHeaders []string `mapstructure:"exposed_headers"`

	// AllowCredentials allows cookies and auth headers cross-origin
	AllowCredentials bool `mapstructure:"allow_credentials"`

	// MaxAge is the preflight cache duration in seconds
	MaxAge int `mapstructure:"max_age"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the log level: debug, info, warn, error
	Level string `mapstructure:"level"`

	// Format is the log encoding: json or console
	Format string `mapstructure:"format"`

	// File is an optional log file path (empty = stderr)
	File string `mapstructure:"file"`
}

// LoadConfig loads configuration from file, environment, and defaults.
func LoadConfig(cfgFile string) (*Config, error) {
	// Set defaults
	setDefaults()

	// Setup config file
	if cfgFile != "" {
		// Use config file from flag
		viper.SetConfigFile(cfgFile)
	} else {
		// Search for config in standard locations
		// Config search paths (in order of priority)
		viper.AddConfigPath(perchconfig.GetPerchDataDir()) // Perch data directory (respects PERCH_DATA_DIR)
		viper.AddConfigPath(".")                           // Current directory
		viper.AddConfigPath("/etc/perch/")                 // System-wide
		viper.SetConfigName(DefaultConfigFileName)         // perchd.yaml
		viper.SetConfigType("yaml")
	}

	// Read config file (if it exists)
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			// Config file was found but another error occurred
			return nil, fmt.Errorf("error reading config file %s: %w", viper.ConfigFileUsed(), err)
		}
		// Config file not found; using defaults + env vars + flags
	}

	// Bind environment variables
	viper.SetEnvPrefix("PERCH")
	viper.AutomaticEnv()
	bindContractEnv()

	// Unmarshal config
	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Set DataDir from environment or default
	// This must be done after unmarshal since it's not loaded from config file
	config.DataDir = perchconfig.GetPerchDataDir()

	// Load secrets from keyring if not provided via CLI/env
	// Non-fatal: keyring might not be available - user can provide secrets via CLI/env
	_ = loadSecretsFromKeyring(&config)

	return &config, nil
}

// bindContractEnv binds the unprefixed environment variable names. These
// predate the PERCH_ prefix and stay supported for existing deployments.
func bindContractEnv() {
	_ = viper.BindEnv("backend.base_url", "OBS_BASE_URL")
	_ = viper.BindEnv("backend.api_key", "OBS_API_KEY")
	_ = viper.BindEnv("backend.org_id", "OBS_ORG_ID")
	_ = viper.BindEnv("backend.rate_limit_per_minute", "RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("quality.threshold", "QUALITY_THRESHOLD")
	_ = viper.BindEnv("pipeline.poll_interval_seconds", "POLL_INTERVAL_SECONDS")
	_ = viper.BindEnv("pipeline.batch_size", "BATCH_SIZE")
	_ = viper.BindEnv("pipeline.trace_chan_capacity", "TRACE_CHAN_CAPACITY")
	_ = viper.BindEnv("monitor.cooldown_seconds", "COOLDOWN_SECONDS")
	_ = viper.BindEnv("audit.mem_size", "AUDIT_MEM_SIZE")
	_ = viper.BindEnv("audit.path", "AUDIT_PATH")
	_ = viper.BindEnv("audit.kv_url", "AUDIT_KV_URL")
	_ = viper.BindEnv("logging.level", "PERCH_LOG_LEVEL")
	_ = viper.BindEnv("logging.format", "PERCH_LOG_FORMAT")
	_ = viper.BindEnv("server.addr", "PERCH_SERVER_ADDR")
	_ = viper.BindEnv("backend.fallback_table", "PERCH_BACKEND_FALLBACK_TABLE")
}

// setDefaults sets default configuration values.
func setDefaults() {
	// Backend defaults
	viper.SetDefault("backend.base_url", "https://api.smith.langchain.com")
	viper.SetDefault("backend.rate_limit_per_minute", 1000)

	// Quality defaults
	viper.SetDefault("quality.threshold", engine.DefaultQualityThreshold)

	// Pipeline defaults
	viper.SetDefault("pipeline.poll_interval_seconds", 60)
	viper.SetDefault("pipeline.batch_size", 50)
	viper.SetDefault("pipeline.trace_chan_capacity", 200)

	// Monitor defaults
	viper.SetDefault("monitor.cooldown_seconds", 3600)

	// Audit defaults
	viper.SetDefault("audit.mem_size", 50)
	viper.SetDefault("audit.path", filepath.Join("audit_trails", "ai_changes_history.json"))

	// Learning defaults (use perch data directory)
	defaultDBPath := filepath.Join(perchconfig.GetPerchDataDir(), "perch.db")
	viper.SetDefault("learning.driver", "sqlite3")
	viper.SetDefault("learning.dsn", defaultDBPath)
	viper.SetDefault("learning.archive_keep_days", engine.DefaultArchiveKeepDays)
	viper.SetDefault("learning.outcome_keep_days", engine.DefaultOutcomeKeepDays)

	// Server defaults
	viper.SetDefault("server.addr", server.DefaultAddr)

	// CORS defaults (permissive for development, MUST be configured for production)
	// Set server.cors.allowed_origins in config for production.
	viper.SetDefault("server.cors.enabled", true)
	viper.SetDefault("server.cors.allowed_origins", []string{"*"})
	viper.SetDefault("server.cors.allowed_methods", []string{"GET", "POST", "OPTIONS"})
	viper.SetDefault("server.cors.allowed_headers", []string{"*"})
	viper.SetDefault("server.cors.exposed_headers", []string{"Content-Length", "Content-Type", "Content-Disposition"})
	viper.SetDefault("server.cors.allow_credentials", false) // MUST be false with wildcard origins
	viper.SetDefault("server.cors.max_age", 86400)           // 24 hours

	// Logging defaults
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
}

// SecretMapping maps a keyring key to its config field.
type SecretMapping struct {
	KeyringKey string
	Setter     func(*Config, string)
	IsSet      func(*Config) bool // Returns true if the value is already set (skip keyring lookup)
}

// GetSecretMappings returns all secret mappings for the application.
// Developers can extend this by adding new SecretMapping entries.
func GetSecretMappings() []SecretMapping {
	return []SecretMapping{
		{
			KeyringKey: "obs_api_key",
			Setter:     func(c *Config, val string) { c.Backend.APIKey = val },
			IsSet:      func(c *Config) bool { return c.Backend.APIKey != "" },
		},
	}
}

// loadSecretsFromKeyring loads API keys from system keyring using the secret mappings.
// This is extensible - just add more entries to GetSecretMappings().
func loadSecretsFromKeyring(config *Config) error {
	for _, mapping := range GetSecretMappings() {
		// Skip if value is already set (from CLI/env/config file)
		if mapping.IsSet(config) {
			continue
		}

		// Try to load from keyring
		value, err := GetSecretFromKeyring(mapping.KeyringKey)
		if err == nil && value != "" {
			mapping.Setter(config, value)
		}
		// Non-fatal: if keyring doesn't have the key, just continue
	}

	return nil
}

// GetSecretFromKeyring retrieves a secret from the system keyring.
func GetSecretFromKeyring(key string) (string, error) {
	return keyring.Get(ServiceName, key)
}

// SaveSecretToKeyring saves a secret to the system keyring.
func SaveSecretToKeyring(key, value string) error {
	return keyring.Set(ServiceName, key, value)
}

// DeleteSecretFromKeyring removes a secret from the system keyring.
func DeleteSecretFromKeyring(key string) error {
	return keyring.Delete(ServiceName, key)
}

// ListAvailableSecretKeys returns all known secret keys that can be stored in the keyring.
// Useful for CLI commands that need to show available options.
func ListAvailableSecretKeys() []string {
	mappings := GetSecretMappings()
	keys := make([]string, len(mappings))
	for i, mapping := range mappings {
		keys[i] = mapping.KeyringKey
	}
	return keys
}

// Validate checks the configuration for correctness.
func (c *Config) Validate() error {
	if c.Backend.APIKey == "" {
		return fmt.Errorf("backend API key is required (set OBS_API_KEY, backend.api_key in config, or save to keyring with 'perchd config set-key obs_api_key')")
	}
	if c.Backend.OrgID == "" {
		return fmt.Errorf("backend organization ID is required (set OBS_ORG_ID or backend.org_id in config)")
	}
	if c.Quality.Threshold <= 0 || c.Quality.Threshold > 1 {
		return fmt.Errorf("quality.threshold must be in (0, 1], got %v", c.Quality.Threshold)
	}

	// The configured threshold becomes the healthy line of the severity
	// tiers, so it must sit above the medium tier.
	tiers := monitor.DefaultThresholds()
	tiers.Low = c.Quality.Threshold
	if err := tiers.Validate(); err != nil {
		return fmt.Errorf("quality.threshold %v breaks the severity tier ordering: %w", c.Quality.Threshold, err)
	}

	if c.Pipeline.PollIntervalSeconds <= 0 {
		return fmt.Errorf("pipeline.poll_interval_seconds must be positive, got %d", c.Pipeline.PollIntervalSeconds)
	}
	if c.Pipeline.BatchSize <= 0 {
		return fmt.Errorf("pipeline.batch_size must be positive, got %d", c.Pipeline.BatchSize)
	}
	if c.Pipeline.TraceChanCapacity < 0 {
		return fmt.Errorf("pipeline.trace_chan_capacity must not be negative, got %d", c.Pipeline.TraceChanCapacity)
	}
	if c.Monitor.CooldownSeconds < 0 {
		return fmt.Errorf("monitor.cooldown_seconds must not be negative, got %d", c.Monitor.CooldownSeconds)
	}
	if c.Audit.MemSize <= 0 {
		return fmt.Errorf("audit.mem_size must be positive, got %d", c.Audit.MemSize)
	}
	if c.Audit.Path == "" && c.Audit.KVURL == "" {
		return fmt.Errorf("audit.path is required when audit.kv_url is not set")
	}

	switch c.Learning.Driver {
	case "sqlite", "sqlite3", "postgres", "mysql":
	default:
		return fmt.Errorf("unsupported learning.driver: %s (must be sqlite3, postgres, or mysql)", c.Learning.Driver)
	}
	if c.Learning.DSN == "" {
		return fmt.Errorf("learning.dsn is required")
	}

	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}

	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("unsupported logging.format: %s (must be json or console)", c.Logging.Format)
	}

	return nil
}

// EngineConfig translates the loaded configuration into the engine's
// runtime form.
func (c *Config) EngineConfig(logger *zap.Logger) engine.Config {
	return engine.Config{
		BaseURL:            c.Backend.BaseURL,
		APIKey:             c.Backend.APIKey,
		OrgID:              c.Backend.OrgID,
		RateLimitPerMinute: c.Backend.RateLimitPerMinute,
		FallbackTablePath:  c.Backend.FallbackTable,
		QualityThreshold:   c.Quality.Threshold,
		CooldownPeriod:     time.Duration(c.Monitor.CooldownSeconds) * time.Second,
		PollInterval:       time.Duration(c.Pipeline.PollIntervalSeconds) * time.Second,
		BatchSize:          c.Pipeline.BatchSize,
		ChanCapacity:       c.Pipeline.TraceChanCapacity,
		Sessions:           c.Pipeline.Sessions,
		AuditMemSize:       c.Audit.MemSize,
		AuditPath:          c.Audit.Path,
		AuditKVURL:         c.Audit.KVURL,
		DBDriver:           c.Learning.Driver,
		DBDSN:              c.Learning.DSN,
		ArchiveKeepDays:    c.Learning.ArchiveKeepDays,
		OutcomeKeepDays:    c.Learning.OutcomeKeepDays,
		Logger:             logger,
	}
}

// ServerCORSConfig translates the CORS section into the server's form.
func (c *Config) ServerCORSConfig() server.CORSConfig {
	return server.CORSConfig{
		Enabled:          c.Server.CORS.Enabled,
		AllowedOrigins:   c.Server.CORS.AllowedOrigins,
		AllowedMethods:   c.Server.CORS.AllowedMethods,
		AllowedHeaders:   c.Server.CORS.AllowedHeaders,
		ExposedHeaders:   c.Server.CORS.ExposedHeaders,
		AllowCredentials: c.Server.CORS.AllowCredentials,
		MaxAge:           c.Server.CORS.MaxAge,
	}
}

// GenerateExampleConfig generates an example configuration file.
func GenerateExampleConfig() string {
	return `# Perch Control Plane Configuration
# Priority: CLI flags > config file > environment variables > defaults

backend:
  # Observability backend the pipeline pulls traces from
  base_url: https://api.smith.langchain.com
  # api_key: set via OBS_API_KEY or keyring (perchd config set-key obs_api_key)
  # org_id: set via OBS_ORG_ID or here
  rate_limit_per_minute: 1000
  # fallback_table: fallbacks.yaml  # optional method fallback map, hot-reloaded

quality:
  # Minimum acceptable mean quality score in (0, 1]
  threshold: 0.90

pipeline:
  poll_interval_seconds: 60
  batch_size: 50
  trace_chan_capacity: 200
  # sessions:  # restrict ingestion to named sessions (default: all)
  #   - production-credit
  #   - production-loans

monitor:
  # Minimum gap between automatic improvement cycles
  cooldown_seconds: 3600

audit:
  mem_size: 50
  path: audit_trails/ai_changes_history.json
  # kv_url: redis://localhost:6379/0  # takes precedence over path when set

learning:
  # Driver options: sqlite3, postgres, mysql
  driver: sqlite3
  dsn: ~/.perch/perch.db
  archive_keep_days: 90
  outcome_keep_days: 90

server:
  addr: :8090
  cors:
    enabled: true
    allowed_origins: ["*"]  # restrict in production

logging:
  level: info    # debug, info, warn, error
  format: json   # json, console
  # file: /var/log/perchd.log  # default: stderr
`
}
