// Package config holds OPERATOR-LEVEL configuration for a Meridian installation.
//
// This is infrastructure config set by whoever deploys the agent, NOT
// conversation or persona state. Persona documents are loaded separately
// (internal/persona) and are immutable for the lifetime of the process;
// per-user memory lives in the SQLite store (internal/memory).
//
// Every key maps to an env var with the MERIDIAN_ prefix (e.g. "data_dir" →
// MERIDIAN_DATA_DIR) and to a YAML field in meridian.config.yaml.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Viper keys.
const (
	KeyDataDir            = "data_dir"
	KeyPersonaPath        = "persona_path"
	KeyBackend            = "backend"
	KeyOpenAIModel        = "openai_model"
	KeyOllamaBaseURL      = "ollama_base_url"
	KeyOllamaModel        = "ollama_model"
	KeyShortTermCapacity  = "short_term_capacity"
	KeySessionTTLSeconds  = "session_ttl_seconds"
	KeyEpisodicRetention  = "episodic_retention_days"
	KeyRetentionCron      = "retention_cron"
	KeyGlobalRPM          = "global_requests_per_min"
	KeyPerUserRPM         = "per_user_requests_per_min"
	KeyMaxInputChars      = "max_input_chars"
	KeyGenerateTimeoutSec = "generate_timeout_seconds"
)

// Defaults.
const (
	DefaultBackend           = "openai"
	DefaultOpenAIModel       = "gpt-4o-mini"
	DefaultOllamaURL         = "http://localhost:11434"
	DefaultOllamaModel       = "llama3.1"
	DefaultShortTermCapacity = 20
	DefaultSessionTTL        = 1800 // seconds
	DefaultEpisodicRetention = 30   // days
	DefaultRetentionCron     = "0 3 * * *"
	DefaultGlobalRPM         = 600
	DefaultPerUserRPM        = 60
	DefaultMaxInputChars     = 2000
	DefaultGenerateTimeout   = 90 // seconds
)

// Config holds resolved operator-level configuration for a Meridian process.
type Config struct {
	DataDir            string // base directory for all state (~/.meridian)
	PersonaPath        string // persona YAML; empty = embedded default persona
	Backend            string // "openai" or "ollama"
	OpenAIModel        string
	OllamaBaseURL      string
	OllamaModel        string
	ShortTermCapacity  int // max messages kept per session
	SessionTTLSeconds  int // idle TTL for short-term memory buckets
	EpisodicRetention  int // days episodic summaries are kept
	RetentionCron      string
	GlobalRPM          int
	PerUserRPM         int
	MaxInputChars      int
	GenerateTimeoutSec int
}

// MemoryDBPath returns the full path to the memory SQLite database.
func (c *Config) MemoryDBPath() string {
	return filepath.Join(c.DataDir, "memory.db")
}

// SessionTTL returns the idle TTL as a duration.
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLSeconds) * time.Second
}

// GenerateTimeout returns the hard wall-clock budget for a generation call.
func (c *Config) GenerateTimeout() time.Duration {
	return time.Duration(c.GenerateTimeoutSec) * time.Second
}

// EnsureDataDir creates the data directory if it doesn't exist.
func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.DataDir, 0o700)
}

func init() {
	viper.SetEnvPrefix("MERIDIAN")
	viper.AutomaticEnv()
	viper.SetDefault(KeyBackend, DefaultBackend)
	viper.SetDefault(KeyOpenAIModel, DefaultOpenAIModel)
	viper.SetDefault(KeyOllamaBaseURL, DefaultOllamaURL)
	viper.SetDefault(KeyOllamaModel, DefaultOllamaModel)
	viper.SetDefault(KeyShortTermCapacity, DefaultShortTermCapacity)
	viper.SetDefault(KeySessionTTLSeconds, DefaultSessionTTL)
	viper.SetDefault(KeyEpisodicRetention, DefaultEpisodicRetention)
	viper.SetDefault(KeyRetentionCron, DefaultRetentionCron)
	viper.SetDefault(KeyGlobalRPM, DefaultGlobalRPM)
	viper.SetDefault(KeyPerUserRPM, DefaultPerUserRPM)
	viper.SetDefault(KeyMaxInputChars, DefaultMaxInputChars)
	viper.SetDefault(KeyGenerateTimeoutSec, DefaultGenerateTimeout)
}

// Load reads configuration from Viper (which merges env vars, config file,
// and defaults) and returns a validated Config.
func Load() (*Config, error) {
	cfg := &Config{
		DataDir:            resolveDataDir(),
		PersonaPath:        viper.GetString(KeyPersonaPath),
		Backend:            viper.GetString(KeyBackend),
		OpenAIModel:        viper.GetString(KeyOpenAIModel),
		OllamaBaseURL:      viper.GetString(KeyOllamaBaseURL),
		OllamaModel:        viper.GetString(KeyOllamaModel),
		ShortTermCapacity:  viper.GetInt(KeyShortTermCapacity),
		SessionTTLSeconds:  viper.GetInt(KeySessionTTLSeconds),
		EpisodicRetention:  viper.GetInt(KeyEpisodicRetention),
		RetentionCron:      viper.GetString(KeyRetentionCron),
		GlobalRPM:          viper.GetInt(KeyGlobalRPM),
		PerUserRPM:         viper.GetInt(KeyPerUserRPM),
		MaxInputChars:      viper.GetInt(KeyMaxInputChars),
		GenerateTimeoutSec: viper.GetInt(KeyGenerateTimeoutSec),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func resolveDataDir() string {
	if dir := viper.GetString(KeyDataDir); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".meridian"
	}
	return filepath.Join(home, ".meridian")
}

func (c *Config) validate() error {
	switch c.Backend {
	case "openai", "ollama":
	default:
		return fmt.Errorf("backend must be openai or ollama, got %q", c.Backend)
	}
	if c.ShortTermCapacity <= 0 {
		return fmt.Errorf("short_term_capacity must be positive")
	}
	if c.SessionTTLSeconds <= 0 {
		return fmt.Errorf("session_ttl_seconds must be positive")
	}
	if c.MaxInputChars <= 0 {
		return fmt.Errorf("max_input_chars must be positive")
	}
	if c.GenerateTimeoutSec <= 0 {
		return fmt.Errorf("generate_timeout_seconds must be positive")
	}
	return nil
}
