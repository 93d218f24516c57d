// Package config handles Parley configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order:
// ./config.yaml, ~/.config/parley/config.yaml, /etc/parley/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "parley", "config.yaml"))
	}

	paths = append(paths, "/etc/parley/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Parley configuration.
type Config struct {
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"` // text or json
	DataDir     string `yaml:"data_dir"`
	PersonaFile string `yaml:"persona_file"`

	Agent        AgentConfig        `yaml:"agent"`
	Providers    ProvidersConfig    `yaml:"providers"`
	Conversation ConversationConfig `yaml:"conversation"`
	Memory       MemoryConfig       `yaml:"memory"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
}

// AgentConfig tunes the agent loop.
type AgentConfig struct {
	// MaxIterations caps model calls per turn.
	MaxIterations int `yaml:"max_iterations"`
	// ProfileFacts bounds the always-on facts block.
	ProfileFacts int `yaml:"profile_facts"`
	// RecallLimit is how many retrieved memories to add to the prompt.
	RecallLimit int `yaml:"recall_limit"`
}

// ProvidersConfig lists the model backends. Every configured provider is
// registered; Default picks the one active at first start.
type ProvidersConfig struct {
	Default string `yaml:"default"`
	Model   string `yaml:"model"` // empty means the provider's default

	Anthropic AnthropicConfig `yaml:"anthropic"`
	OpenAI    OpenAIConfig    `yaml:"openai"`
	Gemini    GeminiConfig    `yaml:"gemini"`
	Ollama    OllamaConfig    `yaml:"ollama"`

	// Compatible registers extra OpenAI-compatible endpoints under their
	// own IDs (e.g. a local vLLM or LM Studio server).
	Compatible []CompatibleConfig `yaml:"openai_compatible"`
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey    string `yaml:"api_key"`
	Model     string `yaml:"model"`
	MaxTokens int64  `yaml:"max_tokens"`
	BaseURL   string `yaml:"base_url"`
}

// Configured reports whether Anthropic credentials are present.
func (c AnthropicConfig) Configured() bool { return c.APIKey != "" }

// OpenAIConfig defines OpenAI API settings.
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url"`
}

// Configured reports whether OpenAI credentials are present.
func (c OpenAIConfig) Configured() bool { return c.APIKey != "" }

// GeminiConfig defines Google Gemini API settings.
type GeminiConfig struct {
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

// Configured reports whether Gemini credentials are present.
func (c GeminiConfig) Configured() bool { return c.APIKey != "" }

// OllamaConfig defines the local Ollama server.
type OllamaConfig struct {
	URL   string `yaml:"url"`
	Model string `yaml:"model"`
}

// Configured reports whether an Ollama URL is set.
func (c OllamaConfig) Configured() bool { return c.URL != "" }

// CompatibleConfig is one extra OpenAI-compatible endpoint.
type CompatibleConfig struct {
	ID      string `yaml:"id"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url"`
}

// ConversationConfig selects the conversation store.
type ConversationConfig struct {
	// Backend is sqlite (default), postgres, or memory.
	Backend     string `yaml:"backend"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

// MemoryConfig covers long-term memory: facts, extraction and retrieval.
type MemoryConfig struct {
	Extraction ExtractionConfig `yaml:"extraction"`
	Retrieval  RetrievalConfig  `yaml:"retrieval"`
}

// ExtractionConfig controls background fact extraction.
type ExtractionConfig struct {
	Enabled        bool   `yaml:"enabled"`
	MinMessages    int    `yaml:"min_messages"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	Model          string `yaml:"model"` // empty uses the active model
}

// RetrievalConfig controls vector memory retrieval through Qdrant.
type RetrievalConfig struct {
	Enabled        bool    `yaml:"enabled"`
	QdrantAddr     string  `yaml:"qdrant_addr"`
	Collection     string  `yaml:"collection"`
	MinScore       float32 `yaml:"min_score"`
	TimeoutSeconds int     `yaml:"timeout_seconds"`
	EmbeddingModel string  `yaml:"embedding_model"`
	EmbeddingURL   string  `yaml:"embedding_url"` // defaults to providers.ollama.url
}

// TelemetryConfig controls OpenTelemetry tracing.
type TelemetryConfig struct {
	// Exporter is none (default), stdout, or otlp.
	Exporter     string `yaml:"exporter"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
}

// Load reads configuration from a YAML file. ${VAR} references are
// expanded from the environment before parsing, and defaults are applied
// to anything left unset. A relative persona_file is resolved against
// the config file's directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := preset()
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.applyDefaults()
	if cfg.PersonaFile != "" && !filepath.IsAbs(cfg.PersonaFile) {
		cfg.PersonaFile = filepath.Join(filepath.Dir(path), cfg.PersonaFile)
	}
	return cfg, nil
}

// Default returns the configuration used when no file is found: a local
// Ollama provider with SQLite storage.
func Default() *Config {
	cfg := preset()
	cfg.applyDefaults()
	return cfg
}

// preset holds defaults that must be in place before parsing because
// their zero value is meaningful.
func preset() *Config {
	return &Config{
		Memory: MemoryConfig{
			Extraction: ExtractionConfig{Enabled: true},
		},
	}
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.DataDir == "" {
		c.DataDir = "~/.local/share/parley"
	}
	c.DataDir = expandHome(c.DataDir)
	c.PersonaFile = expandHome(c.PersonaFile)

	if c.Agent.MaxIterations <= 0 {
		c.Agent.MaxIterations = 10
	}
	if c.Agent.ProfileFacts <= 0 {
		c.Agent.ProfileFacts = 20
	}
	if c.Agent.RecallLimit <= 0 {
		c.Agent.RecallLimit = 5
	}

	if c.Providers.Ollama.URL == "" {
		c.Providers.Ollama.URL = "http://localhost:11434"
	}
	if c.Providers.Default == "" {
		c.Providers.Default = "ollama"
	}

	if c.Conversation.Backend == "" {
		c.Conversation.Backend = "sqlite"
	}

	if c.Memory.Extraction.MinMessages <= 0 {
		c.Memory.Extraction.MinMessages = 2
	}
	if c.Memory.Extraction.TimeoutSeconds <= 0 {
		c.Memory.Extraction.TimeoutSeconds = 30
	}

	r := &c.Memory.Retrieval
	if r.QdrantAddr == "" {
		r.QdrantAddr = "localhost:6334"
	}
	if r.Collection == "" {
		r.Collection = "parley_memory"
	}
	if r.MinScore == 0 {
		r.MinScore = 0.3
	}
	if r.TimeoutSeconds <= 0 {
		r.TimeoutSeconds = 5
	}
	if r.EmbeddingModel == "" {
		r.EmbeddingModel = "nomic-embed-text"
	}
	if r.EmbeddingURL == "" {
		r.EmbeddingURL = c.Providers.Ollama.URL
	}

	if c.Telemetry.Exporter == "" {
		c.Telemetry.Exporter = "none"
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "parley"
	}
}

// DataPath returns name inside the data directory.
func (c *Config) DataPath(name string) string {
	return filepath.Join(c.DataDir, name)
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
