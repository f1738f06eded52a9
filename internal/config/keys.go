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
	kFloat
	kDuration
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
		key: "server.port", typ: kInt, env: "STOREPULSE_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.mcp_port", typ: kInt, env: "STOREPULSE_SERVER_MCP_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.MCPPort = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.MCPPort },
	},
	{
		key: "assistant.base_url", typ: kString, env: "STOREPULSE_ASSISTANT_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Assistant.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Assistant.BaseURL },
	},
	{
		key: "assistant.api_key", typ: kString, env: "STOREPULSE_ASSISTANT_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Assistant.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Assistant.APIKey },
	},
	{
		key: "assistant.requests_per_second", typ: kFloat, env: "STOREPULSE_ASSISTANT_REQUESTS_PER_SECOND",
		apply:   func(cfg *Config, v any) { cfg.Assistant.RequestsPerSecond = v.(float64) },
		extract: func(cfg Config) any { return cfg.Assistant.RequestsPerSecond },
	},
	{
		key: "features.initial", typ: kString, env: "STOREPULSE_FEATURES_INITIAL",
		apply:   func(cfg *Config, v any) { cfg.Features.Initial = v.(string) },
		extract: func(cfg Config) any { return cfg.Features.Initial },
	},
	{
		key: "features.general.thread_id", typ: kString, env: "STOREPULSE_FEATURES_GENERAL_THREAD_ID",
		apply:   func(cfg *Config, v any) { cfg.Features.General.ThreadID = v.(string) },
		extract: func(cfg Config) any { return cfg.Features.General.ThreadID },
	},
	{
		key: "features.general.assistant_id", typ: kString, env: "STOREPULSE_FEATURES_GENERAL_ASSISTANT_ID",
		apply:   func(cfg *Config, v any) { cfg.Features.General.AssistantID = v.(string) },
		extract: func(cfg Config) any { return cfg.Features.General.AssistantID },
	},
	{
		key: "features.keywords.thread_id", typ: kString, env: "STOREPULSE_FEATURES_KEYWORDS_THREAD_ID",
		apply:   func(cfg *Config, v any) { cfg.Features.Keywords.ThreadID = v.(string) },
		extract: func(cfg Config) any { return cfg.Features.Keywords.ThreadID },
	},
	{
		key: "features.keywords.assistant_id", typ: kString, env: "STOREPULSE_FEATURES_KEYWORDS_ASSISTANT_ID",
		apply:   func(cfg *Config, v any) { cfg.Features.Keywords.AssistantID = v.(string) },
		extract: func(cfg Config) any { return cfg.Features.Keywords.AssistantID },
	},
	{
		key: "features.app_store.thread_id", typ: kString, env: "STOREPULSE_FEATURES_APP_STORE_THREAD_ID",
		apply:   func(cfg *Config, v any) { cfg.Features.AppStore.ThreadID = v.(string) },
		extract: func(cfg Config) any { return cfg.Features.AppStore.ThreadID },
	},
	{
		key: "features.app_store.assistant_id", typ: kString, env: "STOREPULSE_FEATURES_APP_STORE_ASSISTANT_ID",
		apply:   func(cfg *Config, v any) { cfg.Features.AppStore.AssistantID = v.(string) },
		extract: func(cfg Config) any { return cfg.Features.AppStore.AssistantID },
	},
	{
		key: "polling.interval", typ: kDuration, env: "STOREPULSE_POLLING_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Polling.Interval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Polling.Interval },
	},
	{
		key: "polling.max_attempts", typ: kInt, env: "STOREPULSE_POLLING_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Polling.MaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Polling.MaxAttempts },
	},
	{
		key: "polling.idle_interval", typ: kDuration, env: "STOREPULSE_POLLING_IDLE_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Polling.IdleInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Polling.IdleInterval },
	},
	{
		key: "polling.insert_delay", typ: kDuration, env: "STOREPULSE_POLLING_INSERT_DELAY",
		apply:   func(cfg *Config, v any) { cfg.Polling.InsertDelay = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Polling.InsertDelay },
	},
	{
		key: "polling.send_interval", typ: kDuration, env: "STOREPULSE_POLLING_SEND_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Polling.SendInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Polling.SendInterval },
	},
	{
		key: "polling.send_timeout", typ: kDuration, env: "STOREPULSE_POLLING_SEND_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Polling.SendTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Polling.SendTimeout },
	},
	{
		key: "storage.data_dir", typ: kString, env: "STOREPULSE_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.kv", typ: kString, env: "STOREPULSE_STORAGE_KV",
		apply:   func(cfg *Config, v any) { cfg.Storage.KV = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.KV },
	},
	{
		key: "feed.url", typ: kString, env: "STOREPULSE_FEED_URL",
		apply:   func(cfg *Config, v any) { cfg.Feed.URL = v.(string) },
		extract: func(cfg Config) any { return cfg.Feed.URL },
	},
	{
		key: "log.level", typ: kString, env: "STOREPULSE_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

// parse converts a raw string to the spec's type.
func (s keySpec) parse(raw string) (any, error) {
	switch s.typ {
	case kInt:
		return strconv.Atoi(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	}
	return raw, nil
}

func applyBackend(cfg *Config, b Backend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		raw, ok, err := b.Lookup(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || raw == "" {
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
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
