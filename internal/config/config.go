// Package config loads and validates the engine's YAML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nilcroak/memoryd/internal/logging"
)

// Config holds all engine configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	Store     StoreConfig     `yaml:"store"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Recall    RecallConfig    `yaml:"recall"`
	Sleep     SleepConfig     `yaml:"sleep"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// StoreConfig controls where and how the graph store is opened.
type StoreConfig struct {
	// Dir is the directory holding brain.db, the vector index, and logs.
	// Conventionally "<project>/.store/brain". A relative Dir is joined to
	// --workspace, which defaults to the process's working directory.
	Dir string `yaml:"dir"`

	// LockTimeout is parsed by GetLockTimeout. The store takes no
	// lockfile, so nothing waits on it and concurrent writers are not
	// excluded.
	LockTimeout string `yaml:"lock_timeout"`

	// RequireVectorExtension is parsed but read by nothing: startup
	// always falls back to the brute-force vector scan when vec0 is
	// unavailable.
	RequireVectorExtension bool `yaml:"require_vector_extension"`
}

// EmbeddingConfig selects and configures the embedding backend.
type EmbeddingConfig struct {
	Provider string `yaml:"provider"` // "genai", "ollama", "tfidf"

	GenAIAPIKey string `yaml:"-"`
	GenAIModel  string `yaml:"genai_model"`

	OllamaEndpoint string `yaml:"ollama_endpoint"`
	OllamaModel    string `yaml:"ollama_model"`

	TaskType string `yaml:"task_type"`
}

// RecallConfig holds default tunables for the recall pipeline.
type RecallConfig struct {
	DefaultTop      int     `yaml:"default_top"`
	DefaultDepth    int     `yaml:"default_depth"`
	SpreadDecay     float64 `yaml:"spread_decay"`
	SpreadMaxNodes  int     `yaml:"spread_max_nodes"`
	TypeBoost       float64 `yaml:"type_boost"`
	ConnectionsK    int     `yaml:"connections_k"`
	ReinforceFactor float64 `yaml:"reinforce_factor"`
	CoAccessedMax   float64 `yaml:"co_accessed_max"`
	CoAccessedStep  float64 `yaml:"co_accessed_step"`
	CoAccessedTopN  int     `yaml:"co_accessed_top_n"`
}

// SleepConfig holds tunables for the consolidation pipeline.
type SleepConfig struct {
	RelateThreshold      float64 `yaml:"relate_threshold"`
	RelateStratumSample  int     `yaml:"relate_stratum_sample"`
	RelateMaxComparisons int     `yaml:"relate_max_comparisons"`
	ModifiesSamePerBucket int    `yaml:"modifies_same_per_bucket"`
	ThemeMinCommits      int     `yaml:"theme_min_commits"`
	EdgeStaleDays        int     `yaml:"edge_stale_days"`
	RunInsights          bool    `yaml:"run_insights"`
}

// LoggingConfig controls the category-scoped file logger.
type LoggingConfig struct {
	DebugMode        bool     `yaml:"debug_mode"`
	EnabledCategories []string `yaml:"enabled_categories"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "memoryd",
		Version: "0.1.0",

		Store: StoreConfig{
			Dir:         ".store/brain",
			LockTimeout: "5s",
		},

		Embedding: EmbeddingConfig{
			Provider:       "ollama",
			OllamaEndpoint: "http://localhost:11434",
			OllamaModel:    "embeddinggemma",
			GenAIModel:     "gemini-embedding-001",
			TaskType:       "SEMANTIC_SIMILARITY",
		},

		Recall: RecallConfig{
			DefaultTop:      10,
			DefaultDepth:    2,
			SpreadDecay:     0.5,
			SpreadMaxNodes:  200,
			TypeBoost:       1.1,
			ConnectionsK:    5,
			ReinforceFactor: 1.05,
			CoAccessedMax:   1.0,
			CoAccessedStep:  0.05,
			CoAccessedTopN:  5,
		},

		Sleep: SleepConfig{
			RelateThreshold:       0.75,
			RelateStratumSample:   500,
			RelateMaxComparisons:  50000,
			ModifiesSamePerBucket: 20,
			ThemeMinCommits:       3,
			EdgeStaleDays:         90,
			RunInsights:           false,
		},

		Logging: LoggingConfig{
			DebugMode:         false,
			EnabledCategories: []string{"store", "embedding", "recall", "ingest", "sleep", "cognitive"},
		},
	}
}

// Load loads configuration from a YAML file, falling back to defaults
// when the file does not exist.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	logging.BootDebug("loading config from %s", path)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logging.Boot("config file not found, using defaults: %s", path)
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		logging.BootError("failed to read config file %s: %v", path, err)
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		logging.BootError("failed to parse config file %s: %v", path, err)
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	logging.Boot("config loaded: store=%s embedding=%s", cfg.Store.Dir, cfg.Embedding.Provider)

	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if dir := os.Getenv("MEMORYD_STORE_DIR"); dir != "" {
		c.Store.Dir = dir
	}
	if key := os.Getenv("GENAI_API_KEY"); key != "" {
		c.Embedding.GenAIAPIKey = key
		if c.Embedding.Provider == "" || c.Embedding.Provider == "ollama" {
			c.Embedding.Provider = "genai"
		}
	}
	if endpoint := os.Getenv("OLLAMA_ENDPOINT"); endpoint != "" {
		c.Embedding.OllamaEndpoint = endpoint
	}
	if model := os.Getenv("OLLAMA_EMBEDDING_MODEL"); model != "" {
		c.Embedding.OllamaModel = model
	}
}

// GetLockTimeout returns the store lock timeout as a duration.
func (c *Config) GetLockTimeout() time.Duration {
	d, err := time.ParseDuration(c.Store.LockTimeout)
	if err != nil {
		return 5 * time.Second
	}
	return d
}

// ValidProviders lists all supported embedding providers.
var ValidProviders = []string{"genai", "ollama", "tfidf"}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Store.Dir == "" {
		return fmt.Errorf("store.dir must not be empty")
	}

	validProvider := false
	for _, p := range ValidProviders {
		if c.Embedding.Provider == p {
			validProvider = true
			break
		}
	}
	if !validProvider {
		return fmt.Errorf("invalid embedding provider: %s (valid: %v)", c.Embedding.Provider, ValidProviders)
	}

	if c.Recall.DefaultTop <= 0 {
		return fmt.Errorf("recall.default_top must be positive")
	}
	if c.Sleep.RelateMaxComparisons <= 0 {
		return fmt.Errorf("sleep.relate_max_comparisons must be positive")
	}

	return nil
}
