package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server      ServerConfig
	LLM         LLMConfig
	OpenAI      OpenAIConfig
	Anthropic   AnthropicConfig
	Ollama      OllamaConfig
	Cube        CubeConfig
	Storage     StorageConfig
	Retrieval   RetrievalConfig
	Synthesis   SynthesisConfig
	Cache       CacheConfig
	Maintenance MaintenanceConfig
	Log         LogConfig
}

type ServerConfig struct {
	Port     int
	APIToken string
}

type LLMConfig struct {
	Provider      string
	EmbedProvider string
	ChatModel     string
	EmbedModel    string
	Timeout       time.Duration
	MaxRetries    int
	Temperature   float64
}

type OpenAIConfig struct {
	APIKey  string
	BaseURL string
}

type AnthropicConfig struct {
	APIKey    string
	MaxTokens int
}

type OllamaConfig struct {
	BaseURL string
}

type CubeConfig struct {
	APIURL       string
	APIToken     string
	Timeout      time.Duration
	MaxWaitPolls int
}

type StorageConfig struct {
	DataDir string
}

type RetrievalConfig struct {
	AugmentK    int
	MaxDistance float64
}

type SynthesisConfig struct {
	ContextK         int
	HistoryBudget    int
	SummarizeHistory bool
	PersistDrafts    bool
	DefaultOrder     string
}

type CacheConfig struct {
	RedisURL string
	TTL      time.Duration
}

type MaintenanceConfig struct {
	PollInterval time.Duration
}

type LogConfig struct {
	Level  string
	Format string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 8000,
		},
		LLM: LLMConfig{
			Provider:    "openai",
			ChatModel:   "gpt-4o-mini",
			EmbedModel:  "text-embedding-3-small",
			Timeout:     60 * time.Second,
			MaxRetries:  3,
			Temperature: 0,
		},
		Anthropic: AnthropicConfig{
			MaxTokens: 2048,
		},
		Ollama: OllamaConfig{
			BaseURL: "http://localhost:11434",
		},
		Cube: CubeConfig{
			APIURL:       "http://localhost:4000/cubejs-api/v1",
			Timeout:      30 * time.Second,
			MaxWaitPolls: 10,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Retrieval: RetrievalConfig{
			AugmentK: 5,
		},
		Synthesis: SynthesisConfig{
			ContextK:         15,
			HistoryBudget:    3000,
			SummarizeHistory: true,
			PersistDrafts:    true,
			DefaultOrder:     "Orders.orderCount",
		},
		Cache: CacheConfig{
			TTL: 720 * time.Hour,
		},
		Maintenance: MaintenanceConfig{
			PollInterval: time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads configuration in layers: defaults, the YAML config file at
// $XDG_CONFIG_HOME/askcube/config.yaml, a .env file in the working
// directory, ASKCUBE_* environment variables, and finally the platform
// secret store for secrets that are still empty.
//
// The .env file never overrides variables already set in the environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "[WARN] could not read .env file: %v\n", err)
	}
	return loadWith(newFileBackend(configFilePath()), keychainReader{})
}

// keychain abstracts secret store access for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)
	applySecrets(&cfg, kc)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applySecrets(cfg *Config, kc keychain) {
	for _, s := range specs {
		if !s.secret || s.extract(*cfg) != "" {
			continue
		}
		if v, err := kc.Get("askcube", s.key); err == nil && v != "" {
			s.apply(cfg, v)
		}
	}
}

func (c Config) validate() error {
	switch c.LLM.Provider {
	case "openai", "anthropic", "ollama":
	default:
		return fmt.Errorf("invalid llm.provider %q: must be openai, anthropic or ollama", c.LLM.Provider)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d", c.Server.Port)
	}
	if c.Cube.APIURL == "" {
		return fmt.Errorf("missing required config: cube.api_url. Set it via environment variable ASKCUBE_CUBE_API_URL")
	}
	if c.Retrieval.AugmentK <= 0 || c.Synthesis.ContextK <= 0 {
		return fmt.Errorf("retrieval.augment_k and synthesis.context_k must be positive")
	}
	if c.Retrieval.MaxDistance < 0 {
		return fmt.Errorf("retrieval.max_distance must not be negative")
	}
	return nil
}

// keychainReader reads secrets from the platform secret store.
type keychainReader struct{}

func (keychainReader) Get(service, account string) (string, error) {
	out, err := keychainGet(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
