package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kalambet/storepulse/internal/feature"
)

type Config struct {
	Server    ServerConfig
	Assistant AssistantConfig
	Features  FeaturesConfig
	Polling   PollingConfig
	Storage   StorageConfig
	Feed      FeedConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port    int
	MCPPort int
}

type AssistantConfig struct {
	BaseURL           string
	APIKey            string
	RequestsPerSecond float64
}

// FeatureConfig is the default thread and assistant of one feature.
type FeatureConfig struct {
	ThreadID    string
	AssistantID string
}

type FeaturesConfig struct {
	Initial  string
	General  FeatureConfig
	Keywords FeatureConfig
	AppStore FeatureConfig
}

// Defaults converts the per-feature settings into registry defaults.
func (f FeaturesConfig) Defaults() feature.Defaults {
	return feature.Defaults{
		feature.General:  {ThreadID: f.General.ThreadID, AssistantID: f.General.AssistantID},
		feature.Keywords: {ThreadID: f.Keywords.ThreadID, AssistantID: f.Keywords.AssistantID},
		feature.AppStore: {ThreadID: f.AppStore.ThreadID, AssistantID: f.AppStore.AssistantID},
	}
}

type PollingConfig struct {
	Interval     time.Duration
	MaxAttempts  int
	IdleInterval time.Duration
	InsertDelay  time.Duration
	SendInterval time.Duration
	SendTimeout  time.Duration
}

type StorageConfig struct {
	DataDir string
	// KV is "sqlite", "memory" or a redis:// URL.
	KV string
}

type FeedConfig struct {
	// URL is empty for the in-process feed, or a redis:// or nats:// URL.
	URL string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:    4100,
			MCPPort: 4101,
		},
		Assistant: AssistantConfig{
			BaseURL:           "https://api.openai.com/v1",
			RequestsPerSecond: 5,
		},
		Features: FeaturesConfig{
			Initial: string(feature.General),
		},
		Polling: PollingConfig{
			Interval:     1500 * time.Millisecond,
			MaxAttempts:  20,
			IdleInterval: 15 * time.Second,
			InsertDelay:  time.Second,
			SendInterval: time.Second,
			SendTimeout:  90 * time.Second,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
			KV:      "sqlite",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.storepulse.app) and
// secrets fall back to macOS Keychain.
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/storepulse/config.json
// and secrets fall back to $XDG_DATA_HOME/storepulse/secrets.json.
//
// Environment variables (STOREPULSE_*) override backend values on all platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), NewKeychain())
}

// loadFromPath loads with a JSON file backend at path instead of the
// platform default.
func loadFromPath(path string, kc Keychain) (Config, error) {
	return loadWith(newFileBackend(path), kc)
}

func loadWith(b Backend, kc Keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Assistant.APIKey == "" {
		if key, err := kc.Get(keychainService, assistantKeyAccount); err == nil && key != "" {
			cfg.Assistant.APIKey = key
		}
	}

	if cfg.Assistant.APIKey == "" {
		msg := "missing required config: assistant API key. " +
			"Set it via environment variable STOREPULSE_ASSISTANT_API_KEY" +
			apiKeyHint()
		return Config{}, fmt.Errorf("%s", msg)
	}

	if _, err := feature.Parse(cfg.Features.Initial); err != nil {
		return Config{}, fmt.Errorf("features.initial: %w", err)
	}
	if cfg.Polling.MaxAttempts <= 0 {
		return Config{}, fmt.Errorf("polling.max_attempts must be positive, got %d", cfg.Polling.MaxAttempts)
	}
	cfg.Log.Level = strings.ToLower(cfg.Log.Level)

	return cfg, nil
}
