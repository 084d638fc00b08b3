// Package config loads and resolves the Suzent server configuration.
// Configuration comes from a YAML file, a .env file, environment
// variables, and the OS keyring (for provider API keys), in that order
// of increasing precedence for secrets.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultPort is used when neither the config file nor SUZENT_PORT set one.
const DefaultPort = 25314

// Config is the root configuration for the Suzent server.
type Config struct {
	// Host is the bind address. Default 127.0.0.1.
	Host string `yaml:"host"`

	// Port is the TCP port. 0 means OS-assigned; the effective port is
	// written to $DATA/server.port after bind.
	Port int `yaml:"port"`

	// DataDir is the root for the database, vector index, and uploads.
	DataDir string `yaml:"data_dir"`

	// SharedDir is the workspace shared with the agent: markdown memory
	// files and HEARTBEAT.md live here.
	SharedDir string `yaml:"shared_dir"`

	Logging   LoggingConfig   `yaml:"logging"`
	Models    []ModelConfig   `yaml:"models"`
	Agent     AgentConfig     `yaml:"agent"`
	Memory    MemoryConfig    `yaml:"memory"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`

	// Channels maps platform name (telegram, slack, ...) to its settings.
	Channels map[string]ChannelConfig `yaml:"channels"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	// Level is debug, info, warn, or error. Default info.
	Level string `yaml:"level"`

	// Format is text or json. Default text.
	Format string `yaml:"format"`
}

// ModelConfig describes one LLM model the agent may use.
type ModelConfig struct {
	// Name is the provider model identifier (e.g. "gpt-4o").
	Name string `yaml:"name"`

	// Provider selects the API dialect. Only openai-compatible endpoints
	// are supported by the built-in client.
	Provider string `yaml:"provider"`

	// BaseURL overrides the provider endpoint (for local or proxy servers).
	BaseURL string `yaml:"base_url,omitempty"`

	// APIKey is resolved through the keyring chain; never written back.
	APIKey string `yaml:"api_key,omitempty"`

	Enabled bool `yaml:"enabled"`
}

// AgentConfig bounds the agent loop and its context window.
type AgentConfig struct {
	// Instructions is the base system prompt.
	Instructions string `yaml:"instructions,omitempty"`

	// MaxSteps bounds a single agent run. Default 20.
	MaxSteps int `yaml:"max_steps"`

	// MaxHistorySteps triggers compression when exceeded. Default 40.
	MaxHistorySteps int `yaml:"max_history_steps"`

	// MaxContextTokens triggers compression when the estimated token
	// count of the history exceeds it. Default 100000.
	MaxContextTokens int `yaml:"max_context_tokens"`

	// SandboxVolumes lists host paths visible to the agent, mentioned in
	// the composed instructions.
	SandboxVolumes []string `yaml:"sandbox_volumes,omitempty"`
}

// MemoryConfig configures the two-tier memory subsystem.
type MemoryConfig struct {
	Enabled bool `yaml:"enabled"`

	// ExtractorModel names the model used for fact extraction. Empty
	// falls back to a deterministic heuristic extractor.
	ExtractorModel string `yaml:"extractor_model,omitempty"`

	// EmbeddingModel names the embedding model. Default
	// "text-embedding-3-small".
	EmbeddingModel string `yaml:"embedding_model,omitempty"`

	// TranscriptIndexing chunks persisted chat logs into archival rows.
	TranscriptIndexing bool `yaml:"transcript_indexing"`
}

// SchedulerConfig configures the cron tick loop.
type SchedulerConfig struct {
	// TickSeconds is the poll interval for due jobs. Default 30.
	TickSeconds int `yaml:"tick_seconds"`
}

// HeartbeatConfig configures the periodic self-check.
type HeartbeatConfig struct {
	Enabled bool `yaml:"enabled"`

	// IntervalMinutes between heartbeat turns. Default 30, minimum 1.
	IntervalMinutes int `yaml:"interval_minutes"`
}

// ChannelConfig is the per-platform social channel configuration.
type ChannelConfig struct {
	Enabled bool `yaml:"enabled"`

	// Token is the platform bot token, resolved like API keys.
	Token string `yaml:"token,omitempty"`

	// AllowList restricts inbound senders by id or display name.
	// Empty means open.
	AllowList []string `yaml:"allow_list,omitempty"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	home, _ := os.UserHomeDir()
	root := filepath.Join(home, ".suzent")
	return Config{
		Host:      "127.0.0.1",
		Port:      DefaultPort,
		DataDir:   filepath.Join(root, "data"),
		SharedDir: filepath.Join(root, "shared"),
		Logging:   LoggingConfig{Level: "info", Format: "text"},
		Agent: AgentConfig{
			MaxSteps:         20,
			MaxHistorySteps:  40,
			MaxContextTokens: 100000,
		},
		Memory:    MemoryConfig{Enabled: true, EmbeddingModel: "text-embedding-3-small"},
		Scheduler: SchedulerConfig{TickSeconds: 30},
		Heartbeat: HeartbeatConfig{Enabled: true, IntervalMinutes: 30},
	}
}

// FindConfigFile returns the first existing config file from the standard
// locations, or empty when none exists.
func FindConfigFile() string {
	candidates := []string{"suzent.yaml", "config.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".suzent", "config.yaml"))
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}

// LoadFromFile reads the YAML config file at path and applies defaults
// and environment overrides. An empty path loads pure defaults.
func LoadFromFile(path string) (Config, error) {
	// .env is best-effort: absence is not an error.
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyDefaults()
	cfg.applyEnv()
	return cfg, nil
}

// SaveToFile writes the config back as YAML. Secrets resolved from the
// keyring or environment are not present in cfg by contract of ResolveKeys.
func SaveToFile(cfg Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

func (c *Config) applyDefaults() {
	d := Default()
	if c.Host == "" {
		c.Host = d.Host
	}
	if c.DataDir == "" {
		c.DataDir = d.DataDir
	}
	if c.SharedDir == "" {
		c.SharedDir = d.SharedDir
	}
	if c.Logging.Level == "" {
		c.Logging.Level = d.Logging.Level
	}
	if c.Logging.Format == "" {
		c.Logging.Format = d.Logging.Format
	}
	if c.Agent.MaxSteps <= 0 {
		c.Agent.MaxSteps = d.Agent.MaxSteps
	}
	if c.Agent.MaxHistorySteps <= 0 {
		c.Agent.MaxHistorySteps = d.Agent.MaxHistorySteps
	}
	if c.Agent.MaxContextTokens <= 0 {
		c.Agent.MaxContextTokens = d.Agent.MaxContextTokens
	}
	if c.Memory.EmbeddingModel == "" {
		c.Memory.EmbeddingModel = d.Memory.EmbeddingModel
	}
	if c.Scheduler.TickSeconds <= 0 {
		c.Scheduler.TickSeconds = d.Scheduler.TickSeconds
	}
	if c.Heartbeat.IntervalMinutes < 1 {
		c.Heartbeat.IntervalMinutes = d.Heartbeat.IntervalMinutes
	}
}

// applyEnv applies SUZENT_* environment overrides.
func (c *Config) applyEnv() {
	if v := os.Getenv("SUZENT_HOST"); v != "" {
		c.Host = v
	}
	if v, ok := os.LookupEnv("SUZENT_PORT"); ok {
		if p, err := strconv.Atoi(v); err == nil && p >= 0 && p <= 65535 {
			c.Port = p
		}
	}
	if v := os.Getenv("SUZENT_APP_DATA"); v != "" {
		c.DataDir = filepath.Join(v, "data")
		c.SharedDir = filepath.Join(v, "shared")
	}
}

// EnsureDirs creates the data and shared directory layout.
func (c *Config) EnsureDirs() error {
	dirs := []string{
		c.DataDir,
		filepath.Join(c.DataDir, "memory"),
		filepath.Join(c.DataDir, "uploads"),
		c.SharedDir,
		filepath.Join(c.SharedDir, "memory"),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", d, err)
		}
	}
	return nil
}

// DatabasePath is the chat store SQLite file.
func (c *Config) DatabasePath() string { return filepath.Join(c.DataDir, "suzent.db") }

// VectorDBPath is the vector index SQLite file.
func (c *Config) VectorDBPath() string { return filepath.Join(c.DataDir, "memory", "archival.db") }

// MemoryDir holds the markdown memory files.
func (c *Config) MemoryDir() string { return filepath.Join(c.SharedDir, "memory") }

// HeartbeatFile is the checklist gating the heartbeat loop.
func (c *Config) HeartbeatFile() string { return filepath.Join(c.SharedDir, "HEARTBEAT.md") }

// UploadsDir holds per-chat attachment files.
func (c *Config) UploadsDir() string { return filepath.Join(c.DataDir, "uploads") }

// PortFile is written with the effective TCP port after bind.
func (c *Config) PortFile() string { return filepath.Join(c.DataDir, "server.port") }

// EnabledModels returns the enabled model configs in declaration order.
func (c *Config) EnabledModels() []ModelConfig {
	var out []ModelConfig
	for _, m := range c.Models {
		if m.Enabled {
			out = append(out, m)
		}
	}
	return out
}

// HeartbeatInterval returns the heartbeat interval as a duration,
// clamped to the one-minute minimum.
func (c *Config) HeartbeatInterval() time.Duration {
	mins := c.Heartbeat.IntervalMinutes
	if mins < 1 {
		mins = 1
	}
	return time.Duration(mins) * time.Minute
}
