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
	kBool
	kFloat
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.http_port", typ: kInt, env: "KATRA_SERVER_HTTP_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.HTTPPort = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.HTTPPort },
	},
	{
		key: "server.api_token", typ: kString, env: "KATRA_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "storage.data_dir", typ: kString, env: "KATRA_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "KATRA_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "pool.min_workers", typ: kInt, env: "KATRA_POOL_MIN_WORKERS",
		apply:   func(cfg *Config, v any) { cfg.Pool.MinWorkers = v.(int) },
		extract: func(cfg Config) any { return cfg.Pool.MinWorkers },
	},
	{
		key: "pool.max_workers", typ: kInt, env: "KATRA_POOL_MAX_WORKERS",
		apply:   func(cfg *Config, v any) { cfg.Pool.MaxWorkers = v.(int) },
		extract: func(cfg Config) any { return cfg.Pool.MaxWorkers },
	},
	{
		key: "pool.queue_capacity", typ: kInt, env: "KATRA_POOL_QUEUE_CAPACITY",
		apply:   func(cfg *Config, v any) { cfg.Pool.QueueCapacity = v.(int) },
		extract: func(cfg Config) any { return cfg.Pool.QueueCapacity },
	},
	{
		key: "pool.idle_timeout_ms", typ: kInt, env: "KATRA_POOL_IDLE_TIMEOUT_MS",
		apply:   func(cfg *Config, v any) { cfg.Pool.IdleTimeoutMS = v.(int) },
		extract: func(cfg Config) any { return cfg.Pool.IdleTimeoutMS },
	},
	{
		key: "synthesis.preset", typ: kString, env: "KATRA_SYNTHESIS_PRESET",
		apply:   func(cfg *Config, v any) { cfg.Synthesis.Preset = v.(string) },
		extract: func(cfg Config) any { return cfg.Synthesis.Preset },
	},
	{
		key: "synthesis.similarity_threshold", typ: kFloat, env: "KATRA_SYNTHESIS_SIMILARITY_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Synthesis.SimilarityThreshold = v.(float64) },
		extract: func(cfg Config) any { return cfg.Synthesis.SimilarityThreshold },
	},
	{
		key: "synthesis.max_results", typ: kInt, env: "KATRA_SYNTHESIS_MAX_RESULTS",
		apply:   func(cfg *Config, v any) { cfg.Synthesis.MaxResults = v.(int) },
		extract: func(cfg Config) any { return cfg.Synthesis.MaxResults },
	},
	{
		key: "graph.similarity_threshold", typ: kFloat, env: "KATRA_GRAPH_SIMILARITY_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Graph.SimilarityThreshold = v.(float64) },
		extract: func(cfg Config) any { return cfg.Graph.SimilarityThreshold },
	},
	{
		key: "graph.max_similar_edges", typ: kInt, env: "KATRA_GRAPH_MAX_SIMILAR_EDGES",
		apply:   func(cfg *Config, v any) { cfg.Graph.MaxSimilarEdges = v.(int) },
		extract: func(cfg Config) any { return cfg.Graph.MaxSimilarEdges },
	},
	{
		key: "working.enabled", typ: kBool, env: "KATRA_WORKING_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Working.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Working.Enabled },
	},
	{
		key: "working.capacity", typ: kInt, env: "KATRA_WORKING_CAPACITY",
		apply:   func(cfg *Config, v any) { cfg.Working.Capacity = v.(int) },
		extract: func(cfg Config) any { return cfg.Working.Capacity },
	},
	{
		key: "recall.max_topic_recall", typ: kInt, env: "KATRA_RECALL_MAX_TOPIC_RECALL",
		apply:   func(cfg *Config, v any) { cfg.Recall.MaxTopicRecall = v.(int) },
		extract: func(cfg Config) any { return cfg.Recall.MaxTopicRecall },
	},
	{
		key: "recall.max_context_age_days", typ: kInt, env: "KATRA_RECALL_MAX_CONTEXT_AGE_DAYS",
		apply:   func(cfg *Config, v any) { cfg.Recall.MaxContextAgeDays = v.(int) },
		extract: func(cfg Config) any { return cfg.Recall.MaxContextAgeDays },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
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
		case kBool:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if bv, err := strconv.ParseBool(v); err == nil {
					s.apply(cfg, bv)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		case kFloat:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if f, err := strconv.ParseFloat(v, 64); err == nil {
					s.apply(cfg, f)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse float from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
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
		case kBool:
			if b, err := strconv.ParseBool(raw); err == nil {
				s.apply(cfg, b)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kFloat:
			if f, err := strconv.ParseFloat(raw, 64); err == nil {
				s.apply(cfg, f)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse float from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
