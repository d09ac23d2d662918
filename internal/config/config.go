package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// APIConfig holds connection details for the OpenAI-compatible endpoint used
// by the chat models.
type APIConfig struct {
	BaseURL     string `yaml:"base_url"`
	APIKeyEnv   string `yaml:"api_key_env"`
	TimeoutSecs int    `yaml:"timeout_secs"`
}

// ModelConfig configures a single chat model role.
type ModelConfig struct {
	Name        string  `yaml:"name"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
}

// ModelsConfig assigns a model to each pipeline role.
type ModelsConfig struct {
	Guardrail ModelConfig `yaml:"guardrail"`
	Generate  ModelConfig `yaml:"generate"`
	Evaluate  ModelConfig `yaml:"evaluate"`
}

// RAGConfig controls the self-correction loop. The boolean toggles are
// pointers so that an omitted key takes the default instead of false.
type RAGConfig struct {
	MaxAttempts        int   `yaml:"max_attempts"`
	MinAcceptableScore int   `yaml:"min_acceptable_score"`
	GuardrailEnabled   *bool `yaml:"guardrail_enabled"`
	ParallelGuardrail  *bool `yaml:"parallel_guardrail"`
	MaxContextChars    int   `yaml:"max_context_chars"`
	TopK               int   `yaml:"top_k"`
}

// SecurityConfig bounds user input.
type SecurityConfig struct {
	MaxQueryLength int `yaml:"max_query_length"`
}

// OpenAIEmbedderConfig holds configuration for the OpenAI-compatible embedder.
type OpenAIEmbedderConfig struct {
	BaseURL     string `yaml:"base_url"`
	APIKeyEnv   string `yaml:"api_key_env"`
	Model       string `yaml:"model"`
	TimeoutSecs int    `yaml:"timeout_secs"`
}

// EmbedderConfig selects and configures the text embedder implementation.
type EmbedderConfig struct {
	Type   string                `yaml:"type"`
	OpenAI *OpenAIEmbedderConfig `yaml:"openai,omitempty"`
}

// ChunkerConfig configures how documents are split into chunks.
type ChunkerConfig struct {
	Type              string `yaml:"type"`
	SentencesPerChunk int    `yaml:"sentences_per_chunk"`
	OverlapSentences  int    `yaml:"overlap_sentences"`
}

// VectorStoreConfig selects and configures the vector store implementation.
type VectorStoreConfig struct {
	Type         string        `yaml:"type"`
	SnapshotPath string        `yaml:"snapshot_path,omitempty"`
	Qdrant       *QdrantConfig `yaml:"qdrant,omitempty"`
}

// QdrantConfig contains connection details for a Qdrant vector store.
type QdrantConfig struct {
	URL         string `yaml:"url"`
	APIKey      string `yaml:"api_key"`
	Collection  string `yaml:"collection"`
	TimeoutSecs int    `yaml:"timeout_secs"`
}

// SummarizerConfig selects and configures the summarizer.
type SummarizerConfig struct {
	Type         string `yaml:"type"`
	MaxSentences int    `yaml:"max_sentences"`
}

// MetricsConfig controls query metrics collection. Enabled is a pointer so
// that an omitted key takes the default instead of false.
type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled"`
	File    string `yaml:"file,omitempty"`
}

// AppConfig is the root application configuration structure.
type AppConfig struct {
	API         APIConfig         `yaml:"api"`
	Models      ModelsConfig      `yaml:"models"`
	RAG         RAGConfig         `yaml:"rag"`
	Security    SecurityConfig    `yaml:"security"`
	Embedder    EmbedderConfig    `yaml:"embedder"`
	Chunker     ChunkerConfig     `yaml:"chunker"`
	VectorStore VectorStoreConfig `yaml:"vector_store"`
	Summarizer  SummarizerConfig  `yaml:"summarizer"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// Load reads a config from a specified path. If the file does not exist, returns defaults.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return defaultConfig(), nil
		}
		return nil, err
	}
	var cfg AppConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyConfigDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadDefault tries ./config.yaml first, then ~/.config/selfrag/config.yaml.
// If neither exists, it writes defaults to ~/.config/selfrag/config.yaml and returns them.
func LoadDefault() (*AppConfig, string, error) {
	cwdPath := "config.yaml"
	if _, err := os.Stat(cwdPath); err == nil {
		cfg, err := Load(cwdPath)
		return cfg, cwdPath, err
	}
	userPath, err := defaultUserConfigPath()
	if err != nil {
		return nil, "", err
	}
	if _, err := os.Stat(userPath); err == nil {
		cfg, err := Load(userPath)
		return cfg, userPath, err
	}
	cfg := defaultConfig()
	if err := Save(userPath, cfg); err != nil {
		return nil, "", err
	}
	return cfg, userPath, nil
}

// Save writes the config to the given path, creating directories as needed.
func Save(path string, cfg *AppConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Validate checks the correction-loop bounds. Violations are fatal at
// startup; the pipeline must never see them at query time.
func (c *AppConfig) Validate() error {
	if c.RAG.MaxAttempts < 1 {
		return fmt.Errorf("rag.max_attempts must be >= 1, got %d", c.RAG.MaxAttempts)
	}
	if c.RAG.MinAcceptableScore < 1 || c.RAG.MinAcceptableScore > 5 {
		return fmt.Errorf("rag.min_acceptable_score must be within [1, 5], got %d", c.RAG.MinAcceptableScore)
	}
	if c.RAG.TopK < 1 {
		return fmt.Errorf("rag.top_k must be >= 1, got %d", c.RAG.TopK)
	}
	return nil
}

func defaultUserConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "selfrag", "config.yaml"), nil
}

func defaultConfig() *AppConfig {
	cfg := &AppConfig{
		API: APIConfig{
			BaseURL:     "https://api.openai.com/v1",
			APIKeyEnv:   "OPENAI_API_KEY",
			TimeoutSecs: 60,
		},
		Models: ModelsConfig{
			Guardrail: ModelConfig{Name: "gpt-4o-mini", Temperature: 0, MaxTokens: 200},
			Generate:  ModelConfig{Name: "gpt-4o-mini", Temperature: 0.2, MaxTokens: 1000},
			Evaluate:  ModelConfig{Name: "gpt-4o-mini", Temperature: 0, MaxTokens: 300},
		},
		RAG: RAGConfig{
			MaxAttempts:        3,
			MinAcceptableScore: 3,
			GuardrailEnabled:   boolPtr(true),
			ParallelGuardrail:  boolPtr(true),
			MaxContextChars:    8000,
			TopK:               5,
		},
		Security:    SecurityConfig{MaxQueryLength: 1000},
		Embedder:    EmbedderConfig{Type: "tfidf"},
		Chunker:     ChunkerConfig{Type: "sentence", SentencesPerChunk: 5, OverlapSentences: 1},
		VectorStore: VectorStoreConfig{Type: "memory"},
		Summarizer:  SummarizerConfig{Type: "frequency", MaxSentences: 5},
		Metrics:     MetricsConfig{Enabled: boolPtr(true), File: "logs/metrics.json"},
	}
	return cfg
}

func boolPtr(v bool) *bool { return &v }

func applyConfigDefaults(cfg *AppConfig) {
	def := defaultConfig()
	if cfg.API.BaseURL == "" {
		cfg.API.BaseURL = def.API.BaseURL
	}
	if cfg.API.APIKeyEnv == "" {
		cfg.API.APIKeyEnv = def.API.APIKeyEnv
	}
	if cfg.API.TimeoutSecs == 0 {
		cfg.API.TimeoutSecs = def.API.TimeoutSecs
	}
	if cfg.Models.Guardrail.Name == "" {
		cfg.Models.Guardrail = def.Models.Guardrail
	}
	if cfg.Models.Generate.Name == "" {
		cfg.Models.Generate = def.Models.Generate
	}
	if cfg.Models.Evaluate.Name == "" {
		cfg.Models.Evaluate = def.Models.Evaluate
	}
	if cfg.RAG.MaxAttempts == 0 {
		cfg.RAG.MaxAttempts = def.RAG.MaxAttempts
	}
	if cfg.RAG.MinAcceptableScore == 0 {
		cfg.RAG.MinAcceptableScore = def.RAG.MinAcceptableScore
	}
	if cfg.RAG.MaxContextChars == 0 {
		cfg.RAG.MaxContextChars = def.RAG.MaxContextChars
	}
	if cfg.RAG.TopK == 0 {
		cfg.RAG.TopK = def.RAG.TopK
	}
	if cfg.RAG.GuardrailEnabled == nil {
		cfg.RAG.GuardrailEnabled = def.RAG.GuardrailEnabled
	}
	if cfg.RAG.ParallelGuardrail == nil {
		cfg.RAG.ParallelGuardrail = def.RAG.ParallelGuardrail
	}
	if cfg.Security.MaxQueryLength == 0 {
		cfg.Security.MaxQueryLength = def.Security.MaxQueryLength
	}
	if cfg.Chunker.SentencesPerChunk == 0 {
		cfg.Chunker.SentencesPerChunk = def.Chunker.SentencesPerChunk
	}
	if cfg.Summarizer.MaxSentences == 0 {
		cfg.Summarizer.MaxSentences = def.Summarizer.MaxSentences
	}
	if cfg.Metrics.Enabled == nil {
		cfg.Metrics.Enabled = def.Metrics.Enabled
	}
	if *cfg.Metrics.Enabled && cfg.Metrics.File == "" {
		cfg.Metrics.File = def.Metrics.File
	}
	if cfg.Embedder.Type == "openai" && cfg.Embedder.OpenAI != nil {
		if cfg.Embedder.OpenAI.BaseURL == "" {
			cfg.Embedder.OpenAI.BaseURL = "https://api.openai.com/v1"
		}
		if cfg.Embedder.OpenAI.APIKeyEnv == "" {
			cfg.Embedder.OpenAI.APIKeyEnv = "OPENAI_API_KEY"
		}
		if cfg.Embedder.OpenAI.Model == "" {
			cfg.Embedder.OpenAI.Model = "text-embedding-3-small"
		}
		if cfg.Embedder.OpenAI.TimeoutSecs == 0 {
			cfg.Embedder.OpenAI.TimeoutSecs = 30
		}
	}
}
