// Package config provides configuration loading for the control plane and
// the scan worker. Sources in priority order: env vars > config file >
// defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Config holds everything both binaries need to boot.
type Config struct {
	// Listen address for the control plane (default ":8080")
	ListenAddr string `json:"listen_addr"`
	// Data directory for the SQLite store and tool registry
	// (default "/var/lib/sentry")
	DataDir string `json:"data_dir"`
	// Database URL; postgres:// selects the pgx backend, empty means
	// SQLite under DataDir
	DatabaseURL string `json:"database_url,omitempty"`
	// Upload directory for evidence artifacts (default <data>/uploads)
	UploadDir string `json:"upload_dir,omitempty"`

	Temporal TemporalConfig `json:"temporal,omitempty"`

	// Redis URL for the event bridge and mission memory; empty disables
	// the bridge
	RedisURL string `json:"redis_url,omitempty"`

	LLM LLMConfig `json:"llm,omitempty"`

	// JWT secret for tenant tokens (HS256)
	JWTSecret string `json:"jwt_secret,omitempty"`
	// Bootstrap API key accepted until real keys are provisioned
	APIKeyBootstrap string `json:"api_key_bootstrap,omitempty"`

	// OTLP gRPC endpoint for traces; empty keeps the noop tracer
	OTLPEndpoint string `json:"otlp_endpoint,omitempty"`

	// Log level (debug, info, warn, error)
	LogLevel string `json:"log_level"`
	// Development switches zap to the console encoder
	Development bool `json:"development,omitempty"`
}

// TemporalConfig locates the workflow backend.
type TemporalConfig struct {
	Host      string `json:"host"`
	Namespace string `json:"namespace"`
}

// LLMConfig configures the agent's model provider.
type LLMConfig struct {
	Provider string `json:"provider,omitempty"`
	BaseURL  string `json:"base_url,omitempty"`
	APIKey   string `json:"api_key,omitempty"`
	Model    string `json:"model,omitempty"`
}

// Default returns configuration with sensible defaults.
func Default() Config {
	return Config{
		ListenAddr: ":8080",
		DataDir:    "/var/lib/sentry",
		Temporal: TemporalConfig{
			Host:      "temporal:7233",
			Namespace: "default",
		},
		LogLevel: "info",
	}
}

// Load reads configuration from a file, then overlays environment variables.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	if v := os.Getenv("SENTRY_LISTEN"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("SENTRY_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("SENTRY_DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("UPLOAD_DIR"); v != "" {
		cfg.UploadDir = v
	}
	if v := os.Getenv("TEMPORAL_HOST"); v != "" {
		cfg.Temporal.Host = v
	}
	if v := os.Getenv("TEMPORAL_NAMESPACE"); v != "" {
		cfg.Temporal.Namespace = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.RedisURL = v
	}
	if v := os.Getenv("LLM_PROVIDER"); v != "" {
		cfg.LLM.Provider = v
	}
	if v := os.Getenv("LLM_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("SENTRY_JWT_SECRET"); v != "" {
		cfg.JWTSecret = v
	}
	if v := os.Getenv("SENTRY_API_KEY_BOOTSTRAP"); v != "" {
		cfg.APIKeyBootstrap = v
	}
	if v := os.Getenv("SENTRY_OTLP_ENDPOINT"); v != "" {
		cfg.OTLPEndpoint = v
	}
	if v := os.Getenv("SENTRY_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("SENTRY_DEV"); v != "" {
		cfg.Development = v == "true" || v == "1"
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables only.
func LoadFromEnv() Config {
	cfg, _ := Load("")
	return cfg
}

// Save writes configuration to a file.
func (c Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o640)
}

// StorePath is the SQLite file used when no DatabaseURL is set.
func (c Config) StorePath() string {
	return filepath.Join(c.DataDir, "sentry.db")
}

// ToolDir is where registered tool schemas live.
func (c Config) ToolDir() string {
	return filepath.Join(c.DataDir, "tools")
}

// Uploads resolves the artifact directory, defaulting under DataDir.
func (c Config) Uploads() string {
	if c.UploadDir != "" {
		return c.UploadDir
	}
	return filepath.Join(c.DataDir, "uploads")
}

// HasRedis reports whether the event bridge should connect.
func (c Config) HasRedis() bool { return c.RedisURL != "" }

// HasLLM reports whether an agent model provider is configured.
func (c Config) HasLLM() bool { return c.LLM.APIKey != "" || c.LLM.BaseURL != "" }
