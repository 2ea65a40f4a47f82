// Package config loads and validates MemBank configuration.
//
// Configuration is read from an optional YAML file, then overridden by
// environment variables. Every field has a usable default so the service
// can start with nothing but EMBEDDING_API_KEY set.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the service.
type Config struct {
	// DataDir is the directory holding all on-disk state.
	DataDir string `yaml:"data_dir"`

	Paths     PathsConfig     `yaml:"paths"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Chat      ChatConfig      `yaml:"chat"`
	Server    ServerConfig    `yaml:"server"`
	Rebuild   RebuildConfig   `yaml:"rebuild"`
	Logging   LoggingConfig   `yaml:"logging"`

	// Source is the file this config was loaded from, empty when running
	// on defaults. Child processes get it so they see the same settings.
	Source string `yaml:"-"`
}

// PathsConfig holds the on-disk state file locations. Empty entries are
// derived from DataDir when the config is loaded.
type PathsConfig struct {
	Records    string `yaml:"records"`
	Index      string `yaml:"index"`
	Metadata   string `yaml:"metadata"`
	IndexedIDs string `yaml:"indexed_ids"`
	DirtyFlag  string `yaml:"dirty_flag"`
	Status     string `yaml:"status"`
}

// EmbeddingConfig configures the remote embedding backend.
type EmbeddingConfig struct {
	BaseURL        string `yaml:"base_url"`
	APIKey         string `yaml:"api_key"`
	Model          string `yaml:"model"`
	BatchSize      int    `yaml:"batch_size"`
	CacheSize      int    `yaml:"cache_size"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	MaxRetries     int    `yaml:"max_retries"`
}

// Timeout returns the per-call embedding timeout.
func (c EmbeddingConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// ChatConfig configures the remote chat-completion backend.
// The chat backend shares the embedding endpoint credentials unless
// overridden here.
type ChatConfig struct {
	BaseURL        string `yaml:"base_url"`
	APIKey         string `yaml:"api_key"`
	Model          string `yaml:"model"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the per-call chat timeout.
func (c ChatConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// RebuildConfig configures the background rebuild supervisor.
type RebuildConfig struct {
	// IntervalMinutes is the fallback tick that rebuilds when the dirty
	// flag is still set.
	IntervalMinutes int `yaml:"interval_minutes"`
	// TimeoutMinutes is the hard limit for a child full rebuild.
	TimeoutMinutes int `yaml:"timeout_minutes"`
	// DebounceSeconds delays watcher-triggered incremental jobs so bursts
	// of writes coalesce into one job.
	DebounceSeconds int `yaml:"debounce_seconds"`
}

// Interval returns the fallback rebuild tick interval.
func (c RebuildConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMinutes) * time.Minute
}

// Timeout returns the child rebuild hard timeout.
func (c RebuildConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMinutes) * time.Minute
}

// Debounce returns the watcher debounce window.
func (c RebuildConfig) Debounce() time.Duration {
	return time.Duration(c.DebounceSeconds) * time.Second
}

// LoggingConfig configures slog output.
type LoggingConfig struct {
	Level    string `yaml:"level"`
	FilePath string `yaml:"file_path"`
}

// DefaultDataDir returns the default data directory (~/.membank).
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".membank")
	}
	return filepath.Join(home, ".membank")
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		DataDir: DefaultDataDir(),
		Embedding: EmbeddingConfig{
			BaseURL:        "https://api.openai.com/v1",
			Model:          "text-embedding-3-small",
			BatchSize:      20,
			CacheSize:      1000,
			TimeoutSeconds: 60,
			MaxRetries:     2,
		},
		Chat: ChatConfig{
			Model:          "gpt-4o-mini",
			TimeoutSeconds: 120,
		},
		Server: ServerConfig{
			Port: 8080,
		},
		Rebuild: RebuildConfig{
			IntervalMinutes: 30,
			TimeoutMinutes:  10,
			DebounceSeconds: 5,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the given YAML file (optional), applies
// environment overrides, derives paths, and validates the result.
// An empty path skips the file and uses defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
		cfg.Source = path
	}

	cfg.applyEnv()
	cfg.derivePaths()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnv applies environment variable overrides.
func (c *Config) applyEnv() {
	if v := os.Getenv("MEMBANK_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("EMBEDDING_API_KEY"); v != "" {
		c.Embedding.APIKey = v
	}
	if v := os.Getenv("EMBEDDING_MODEL"); v != "" {
		c.Embedding.Model = v
	}
	if v := os.Getenv("EMBEDDING_BASE_URL"); v != "" {
		c.Embedding.BaseURL = v
	}
	if v := os.Getenv("INDEX_PATH"); v != "" {
		c.Paths.Index = v
	}
	if v := os.Getenv("METADATA_PATH"); v != "" {
		c.Paths.Metadata = v
	}
	if v := os.Getenv("MEMBANK_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
}

// derivePaths fills in any state paths not set explicitly.
func (c *Config) derivePaths() {
	if c.Paths.Records == "" {
		c.Paths.Records = filepath.Join(c.DataDir, "records.json")
	}
	if c.Paths.Index == "" {
		c.Paths.Index = filepath.Join(c.DataDir, "memory.index")
	}
	if c.Paths.Metadata == "" {
		c.Paths.Metadata = filepath.Join(c.DataDir, "metadata.json")
	}
	if c.Paths.IndexedIDs == "" {
		c.Paths.IndexedIDs = filepath.Join(c.DataDir, "indexed_ids.json")
	}
	if c.Paths.DirtyFlag == "" {
		c.Paths.DirtyFlag = filepath.Join(c.DataDir, ".need_reindex")
	}
	if c.Paths.Status == "" {
		c.Paths.Status = filepath.Join(c.DataDir, ".index_status.json")
	}
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir cannot be empty")
	}
	if c.Embedding.Model == "" {
		return fmt.Errorf("embedding.model cannot be empty")
	}
	if c.Embedding.BatchSize <= 0 {
		return fmt.Errorf("embedding.batch_size must be positive, got %d", c.Embedding.BatchSize)
	}
	if c.Embedding.CacheSize <= 0 {
		return fmt.Errorf("embedding.cache_size must be positive, got %d", c.Embedding.CacheSize)
	}
	if c.Embedding.TimeoutSeconds <= 0 {
		return fmt.Errorf("embedding.timeout_seconds must be positive, got %d", c.Embedding.TimeoutSeconds)
	}
	if c.Chat.Model == "" {
		return fmt.Errorf("chat.model cannot be empty")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1..65535, got %d", c.Server.Port)
	}
	if c.Rebuild.IntervalMinutes <= 0 {
		return fmt.Errorf("rebuild.interval_minutes must be positive, got %d", c.Rebuild.IntervalMinutes)
	}
	if c.Rebuild.TimeoutMinutes <= 0 {
		return fmt.Errorf("rebuild.timeout_minutes must be positive, got %d", c.Rebuild.TimeoutMinutes)
	}
	return nil
}

// EnsureDataDir creates the data directory if it does not exist.
func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.DataDir, 0o755)
}
