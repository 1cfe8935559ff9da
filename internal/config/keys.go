package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "DOCKET_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "llm.base_url", typ: kString, env: "DOCKET_LLM_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.LLM.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.BaseURL },
	},
	{
		key: "llm.model", typ: kString, env: "DOCKET_LLM_MODEL",
		apply:   func(cfg *Config, v any) { cfg.LLM.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.Model },
	},
	{
		key: "llm.embed_model", typ: kString, env: "DOCKET_LLM_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.LLM.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.EmbedModel },
	},
	{
		key: "storage.data_dir", typ: kString, env: "DOCKET_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.uploads_dir", typ: kString, env: "DOCKET_STORAGE_UPLOADS_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.UploadsDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.UploadsDir },
	},
	{
		key: "rules.base_url", typ: kString, env: "DOCKET_RULES_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Rules.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Rules.BaseURL },
	},
	{
		key: "rules.cache_ttl", typ: kString, env: "DOCKET_RULES_CACHE_TTL",
		apply:   func(cfg *Config, v any) { cfg.Rules.CacheTTL = v.(string) },
		extract: func(cfg Config) any { return cfg.Rules.CacheTTL },
	},
	{
		key: "pipeline.batch_size", typ: kInt, env: "DOCKET_PIPELINE_BATCH_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.BatchSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Pipeline.BatchSize },
	},
	{
		key: "pipeline.pace", typ: kString, env: "DOCKET_PIPELINE_PACE",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.Pace = v.(string) },
		extract: func(cfg Config) any { return cfg.Pipeline.Pace },
	},
	{
		key: "pipeline.max_retries", typ: kInt, env: "DOCKET_PIPELINE_MAX_RETRIES",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.MaxRetries = v.(int) },
		extract: func(cfg Config) any { return cfg.Pipeline.MaxRetries },
	},
	{
		key: "pipeline.initial_delay", typ: kString, env: "DOCKET_PIPELINE_INITIAL_DELAY",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.InitialDelay = v.(string) },
		extract: func(cfg Config) any { return cfg.Pipeline.InitialDelay },
	},
	{
		key: "pipeline.top_k", typ: kInt, env: "DOCKET_PIPELINE_TOP_K",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.TopK = v.(int) },
		extract: func(cfg Config) any { return cfg.Pipeline.TopK },
	},
	{
		key: "log.level", typ: kString, env: "DOCKET_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
