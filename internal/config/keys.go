package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	aliases []string // legacy variable names, consulted when env is unset
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "ASKCUBE_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.api_token", typ: kString, env: "ASKCUBE_API_TOKEN",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "llm.provider", typ: kString, env: "ASKCUBE_LLM_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.LLM.Provider = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.Provider },
	},
	{
		key: "llm.embed_provider", typ: kString, env: "ASKCUBE_LLM_EMBED_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.LLM.EmbedProvider = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.EmbedProvider },
	},
	{
		key: "llm.chat_model", typ: kString, env: "ASKCUBE_LLM_CHAT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.LLM.ChatModel = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.ChatModel },
	},
	{
		key: "llm.embed_model", typ: kString, env: "ASKCUBE_LLM_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.LLM.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.EmbedModel },
	},
	{
		key: "llm.timeout", typ: kDuration, env: "ASKCUBE_LLM_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.LLM.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.LLM.Timeout },
	},
	{
		key: "llm.max_retries", typ: kInt, env: "ASKCUBE_LLM_MAX_RETRIES",
		apply:   func(cfg *Config, v any) { cfg.LLM.MaxRetries = v.(int) },
		extract: func(cfg Config) any { return cfg.LLM.MaxRetries },
	},
	{
		key: "llm.temperature", typ: kFloat, env: "ASKCUBE_LLM_TEMPERATURE",
		apply:   func(cfg *Config, v any) { cfg.LLM.Temperature = v.(float64) },
		extract: func(cfg Config) any { return cfg.LLM.Temperature },
	},
	{
		key: "openai.api_key", typ: kString, env: "ASKCUBE_OPENAI_API_KEY",
		secret: true,
		aliases: []string{"OPENAI_API_KEY"},
		apply:   func(cfg *Config, v any) { cfg.OpenAI.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenAI.APIKey },
	},
	{
		key: "openai.base_url", typ: kString, env: "ASKCUBE_OPENAI_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.OpenAI.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenAI.BaseURL },
	},
	{
		key: "anthropic.api_key", typ: kString, env: "ASKCUBE_ANTHROPIC_API_KEY",
		secret: true,
		aliases: []string{"ANTHROPIC_API_KEY"},
		apply:   func(cfg *Config, v any) { cfg.Anthropic.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Anthropic.APIKey },
	},
	{
		key: "anthropic.max_tokens", typ: kInt, env: "ASKCUBE_ANTHROPIC_MAX_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.Anthropic.MaxTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.Anthropic.MaxTokens },
	},
	{
		key: "ollama.base_url", typ: kString, env: "ASKCUBE_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "cube.api_url", typ: kString, env: "ASKCUBE_CUBE_API_URL",
		aliases: []string{"CUBEJS_API_URL"},
		apply:   func(cfg *Config, v any) { cfg.Cube.APIURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Cube.APIURL },
	},
	{
		key: "cube.api_token", typ: kString, env: "ASKCUBE_CUBE_API_TOKEN",
		secret: true,
		aliases: []string{"CUBEJS_API_TOKEN"},
		apply:   func(cfg *Config, v any) { cfg.Cube.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Cube.APIToken },
	},
	{
		key: "cube.timeout", typ: kDuration, env: "ASKCUBE_CUBE_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Cube.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Cube.Timeout },
	},
	{
		key: "cube.max_wait_polls", typ: kInt, env: "ASKCUBE_CUBE_MAX_WAIT_POLLS",
		apply:   func(cfg *Config, v any) { cfg.Cube.MaxWaitPolls = v.(int) },
		extract: func(cfg Config) any { return cfg.Cube.MaxWaitPolls },
	},
	{
		key: "storage.data_dir", typ: kString, env: "ASKCUBE_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "retrieval.augment_k", typ: kInt, env: "ASKCUBE_RETRIEVAL_AUGMENT_K",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.AugmentK = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.AugmentK },
	},
	{
		key: "retrieval.max_distance", typ: kFloat, env: "ASKCUBE_RETRIEVAL_MAX_DISTANCE",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.MaxDistance = v.(float64) },
		extract: func(cfg Config) any { return cfg.Retrieval.MaxDistance },
	},
	{
		key: "synthesis.context_k", typ: kInt, env: "ASKCUBE_SYNTHESIS_CONTEXT_K",
		apply:   func(cfg *Config, v any) { cfg.Synthesis.ContextK = v.(int) },
		extract: func(cfg Config) any { return cfg.Synthesis.ContextK },
	},
	{
		key: "synthesis.history_budget", typ: kInt, env: "ASKCUBE_SYNTHESIS_HISTORY_BUDGET",
		apply:   func(cfg *Config, v any) { cfg.Synthesis.HistoryBudget = v.(int) },
		extract: func(cfg Config) any { return cfg.Synthesis.HistoryBudget },
	},
	{
		key: "synthesis.summarize_history", typ: kBool, env: "ASKCUBE_SYNTHESIS_SUMMARIZE_HISTORY",
		apply:   func(cfg *Config, v any) { cfg.Synthesis.SummarizeHistory = v.(bool) },
		extract: func(cfg Config) any { return cfg.Synthesis.SummarizeHistory },
	},
	{
		key: "synthesis.persist_drafts", typ: kBool, env: "ASKCUBE_SYNTHESIS_PERSIST_DRAFTS",
		apply:   func(cfg *Config, v any) { cfg.Synthesis.PersistDrafts = v.(bool) },
		extract: func(cfg Config) any { return cfg.Synthesis.PersistDrafts },
	},
	{
		key: "synthesis.default_order", typ: kString, env: "ASKCUBE_SYNTHESIS_DEFAULT_ORDER",
		apply:   func(cfg *Config, v any) { cfg.Synthesis.DefaultOrder = v.(string) },
		extract: func(cfg Config) any { return cfg.Synthesis.DefaultOrder },
	},
	{
		key: "cache.redis_url", typ: kString, env: "ASKCUBE_CACHE_REDIS_URL",
		apply:   func(cfg *Config, v any) { cfg.Cache.RedisURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Cache.RedisURL },
	},
	{
		key: "cache.ttl", typ: kDuration, env: "ASKCUBE_CACHE_TTL",
		apply:   func(cfg *Config, v any) { cfg.Cache.TTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Cache.TTL },
	},
	{
		key: "maintenance.poll_interval", typ: kDuration, env: "ASKCUBE_MAINTENANCE_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Maintenance.PollInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Maintenance.PollInterval },
	},
	{
		key: "log.level", typ: kString, env: "ASKCUBE_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "log.format", typ: kString, env: "ASKCUBE_LOG_FORMAT",
		apply:   func(cfg *Config, v any) { cfg.Log.Format = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Format },
	},
}

func specFor(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

// parse converts raw text into the Go value for s.
func (s keySpec) parse(raw string) (any, error) {
	switch s.typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}

		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || (raw == "" && s.typ != kString) {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		name, raw := s.env, os.Getenv(s.env)
		for _, alias := range s.aliases {
			if raw != "" {
				break
			}
			name, raw = alias, os.Getenv(alias)
		}
		if raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", name, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
