package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/storepulse/internal/feature"
)

// mockKeychain is an in-memory Keychain.
type mockKeychain struct {
	values map[string]string
	getErr error
	sets   int
}

func (m *mockKeychain) Get(service, account string) (string, error) {
	if m.getErr != nil {
		return "", m.getErr
	}
	v, ok := m.values[service+"/"+account]
	if !ok {
		return "", errors.New("not found")
	}
	return v, nil
}

func (m *mockKeychain) Set(service, account, value string) error {
	if m.values == nil {
		m.values = make(map[string]string)
	}
	m.values[service+"/"+account] = value
	m.sets++
	return nil
}

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// TestDefaults verifies all default values are applied when loading an empty config file.
func TestDefaults(t *testing.T) {
	path := writeTempConfig(t, `{}`)
	t.Setenv("STOREPULSE_ASSISTANT_API_KEY", "test-key")

	cfg, err := loadFromPath(path, &mockKeychain{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 4100 {
		t.Errorf("Server.Port = %d, want 4100", cfg.Server.Port)
	}
	if cfg.Server.MCPPort != 4101 {
		t.Errorf("Server.MCPPort = %d, want 4101", cfg.Server.MCPPort)
	}
	if cfg.Assistant.BaseURL != "https://api.openai.com/v1" {
		t.Errorf("Assistant.BaseURL = %q", cfg.Assistant.BaseURL)
	}
	if cfg.Polling.Interval != 1500*time.Millisecond {
		t.Errorf("Polling.Interval = %v, want 1.5s", cfg.Polling.Interval)
	}
	if cfg.Polling.MaxAttempts != 20 {
		t.Errorf("Polling.MaxAttempts = %d, want 20", cfg.Polling.MaxAttempts)
	}
	if cfg.Polling.IdleInterval != 15*time.Second {
		t.Errorf("Polling.IdleInterval = %v, want 15s", cfg.Polling.IdleInterval)
	}
	if cfg.Polling.SendTimeout != 90*time.Second {
		t.Errorf("Polling.SendTimeout = %v, want 90s", cfg.Polling.SendTimeout)
	}
	if cfg.Storage.KV != "sqlite" {
		t.Errorf("Storage.KV = %q, want sqlite", cfg.Storage.KV)
	}
	if cfg.Feed.URL != "" {
		t.Errorf("Feed.URL = %q, want in-process", cfg.Feed.URL)
	}
	if cfg.Features.Initial != "general" {
		t.Errorf("Features.Initial = %q, want general", cfg.Features.Initial)
	}
}

// TestEnvOverride verifies that environment variables override config file values.
func TestEnvOverride(t *testing.T) {
	path := writeTempConfig(t, `{"server.port": 5000, "polling.interval": "2s"}`)

	t.Setenv("STOREPULSE_ASSISTANT_API_KEY", "env-key")
	t.Setenv("STOREPULSE_SERVER_PORT", "6000")
	t.Setenv("STOREPULSE_POLLING_INTERVAL", "750ms")
	t.Setenv("STOREPULSE_FEED_URL", "redis://localhost:6379/0")

	cfg, err := loadFromPath(path, &mockKeychain{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Assistant.APIKey != "env-key" {
		t.Errorf("APIKey = %q, want %q", cfg.Assistant.APIKey, "env-key")
	}
	if cfg.Server.Port != 6000 {
		t.Errorf("Server.Port = %d, want 6000", cfg.Server.Port)
	}
	if cfg.Polling.Interval != 750*time.Millisecond {
		t.Errorf("Polling.Interval = %v, want 750ms", cfg.Polling.Interval)
	}
	if cfg.Feed.URL != "redis://localhost:6379/0" {
		t.Errorf("Feed.URL = %q", cfg.Feed.URL)
	}
}

// TestInvalidEnvKeepsDefault verifies an unparsable env var falls back to the default.
func TestInvalidEnvKeepsDefault(t *testing.T) {
	path := writeTempConfig(t, `{}`)
	t.Setenv("STOREPULSE_ASSISTANT_API_KEY", "k")
	t.Setenv("STOREPULSE_POLLING_IDLE_INTERVAL", "soon")

	cfg, err := loadFromPath(path, &mockKeychain{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Polling.IdleInterval != 15*time.Second {
		t.Errorf("Polling.IdleInterval = %v, want default 15s", cfg.Polling.IdleInterval)
	}
}

// TestMissingRequiredField verifies a clear error when the API key is missing everywhere.
func TestMissingRequiredField(t *testing.T) {
	path := writeTempConfig(t, `{}`)
	t.Setenv("STOREPULSE_ASSISTANT_API_KEY", "")

	_, err := loadFromPath(path, &mockKeychain{})
	if err == nil {
		t.Fatal("expected error for missing API key, got nil")
	}

	want := "missing required config"
	if got := err.Error(); !strings.Contains(got, want) {
		t.Errorf("error = %q, want it to contain %q", got, want)
	}
}

// TestFileParsing verifies that fields are correctly read from the JSON file.
func TestFileParsing(t *testing.T) {
	content := `{
  "server.port": 5000,
  "server.mcp_port": 5001,
  "assistant.base_url": "http://localhost:8080/v1",
  "assistant.requests_per_second": 2.5,
  "features.initial": "keywords",
  "features.keywords.thread_id": "thread_kw",
  "features.keywords.assistant_id": "asst_kw",
  "polling.max_attempts": 10,
  "polling.insert_delay": "250ms",
  "storage.data_dir": "/tmp/storepulse-test",
  "storage.kv": "memory",
  "log.level": "DEBUG"
}`
	path := writeTempConfig(t, content)
	t.Setenv("STOREPULSE_ASSISTANT_API_KEY", "k")

	cfg, err := loadFromPath(path, &mockKeychain{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 5000 || cfg.Server.MCPPort != 5001 {
		t.Errorf("Server = %+v", cfg.Server)
	}
	if cfg.Assistant.BaseURL != "http://localhost:8080/v1" {
		t.Errorf("Assistant.BaseURL = %q", cfg.Assistant.BaseURL)
	}
	if cfg.Assistant.RequestsPerSecond != 2.5 {
		t.Errorf("Assistant.RequestsPerSecond = %v", cfg.Assistant.RequestsPerSecond)
	}
	if cfg.Features.Initial != "keywords" {
		t.Errorf("Features.Initial = %q", cfg.Features.Initial)
	}
	if cfg.Polling.MaxAttempts != 10 {
		t.Errorf("Polling.MaxAttempts = %d", cfg.Polling.MaxAttempts)
	}
	if cfg.Polling.InsertDelay != 250*time.Millisecond {
		t.Errorf("Polling.InsertDelay = %v", cfg.Polling.InsertDelay)
	}
	if cfg.Storage.DataDir != "/tmp/storepulse-test" || cfg.Storage.KV != "memory" {
		t.Errorf("Storage = %+v", cfg.Storage)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want lowercased debug", cfg.Log.Level)
	}

	d := cfg.Features.Defaults()
	if b := d.For(feature.Keywords); b.ThreadID != "thread_kw" || b.AssistantID != "asst_kw" {
		t.Errorf("Defaults().For(keywords) = %+v", b)
	}
	if !d.IsDefaultThread(feature.Keywords, "thread_kw") {
		t.Error("thread_kw should be the keywords default thread")
	}
}

// TestInvalidInitialFeature verifies features.initial is validated.
func TestInvalidInitialFeature(t *testing.T) {
	path := writeTempConfig(t, `{"features.initial": "billing"}`)
	t.Setenv("STOREPULSE_ASSISTANT_API_KEY", "k")

	if _, err := loadFromPath(path, &mockKeychain{}); err == nil {
		t.Fatal("expected error for unknown initial feature")
	}
}

// TestKeychainFallback verifies the keychain is consulted when no API key is in file or env.
func TestKeychainFallback(t *testing.T) {
	path := writeTempConfig(t, `{}`)
	t.Setenv("STOREPULSE_ASSISTANT_API_KEY", "")

	kc := &mockKeychain{values: map[string]string{"storepulse/assistant_api_key": "keychain-secret"}}
	cfg, err := loadFromPath(path, kc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Assistant.APIKey != "keychain-secret" {
		t.Errorf("APIKey = %q, want %q", cfg.Assistant.APIKey, "keychain-secret")
	}
}

func TestGetAPIToken(t *testing.T) {
	t.Run("env wins", func(t *testing.T) {
		t.Setenv("STOREPULSE_API_TOKEN", "from-env")
		tok, err := GetAPIToken(&mockKeychain{})
		if err != nil || tok != "from-env" {
			t.Errorf("GetAPIToken = %q, %v", tok, err)
		}
	})

	t.Run("generated once", func(t *testing.T) {
		t.Setenv("STOREPULSE_API_TOKEN", "")
		kc := &mockKeychain{}
		first, err := GetAPIToken(kc)
		if err != nil {
			t.Fatalf("GetAPIToken: %v", err)
		}
		if len(first) != 64 {
			t.Errorf("token length = %d, want 64 hex chars", len(first))
		}
		second, err := GetAPIToken(kc)
		if err != nil {
			t.Fatalf("GetAPIToken: %v", err)
		}
		if first != second {
			t.Error("token changed between calls")
		}
		if kc.sets != 1 {
			t.Errorf("keychain writes = %d, want 1", kc.sets)
		}
	})
}

func TestSetKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	b := newFileBackend(path)

	if err := setKey(b, "polling.interval", "3s"); err != nil {
		t.Fatalf("setKey: %v", err)
	}
	if err := setKey(b, "server.port", "4200"); err != nil {
		t.Fatalf("setKey: %v", err)
	}
	if err := setKey(b, "polling.interval", "fast"); err == nil {
		t.Error("expected error for invalid duration")
	}
	if err := setKey(b, "assistant.api_key", "sk-1"); err == nil {
		t.Error("expected error for secret key")
	}
	if err := setKey(b, "nope", "1"); err == nil {
		t.Error("expected error for unknown key")
	}

	t.Setenv("STOREPULSE_ASSISTANT_API_KEY", "k")
	cfg, err := loadFromPath(path, &mockKeychain{})
	if err != nil {
		t.Fatalf("loadFromPath: %v", err)
	}
	if cfg.Polling.Interval != 3*time.Second || cfg.Server.Port != 4200 {
		t.Errorf("persisted values not loaded: interval=%v port=%d", cfg.Polling.Interval, cfg.Server.Port)
	}

	if err := unsetKey(newFileBackend(path), "server.port"); err != nil {
		t.Fatalf("unsetKey: %v", err)
	}
	cfg, err = loadFromPath(path, &mockKeychain{})
	if err != nil {
		t.Fatalf("loadFromPath: %v", err)
	}
	if cfg.Server.Port != 4100 || cfg.Polling.Interval != 3*time.Second {
		t.Errorf("after unset: port=%d interval=%v, want default port and kept interval", cfg.Server.Port, cfg.Polling.Interval)
	}
}

func TestFileBackend_Lookup(t *testing.T) {
	path := writeTempConfig(t, `{"a": 42, "b": 2.5, "c": "text", "d": true, "e": null, "f": [1]}`)
	b := newFileBackend(path)

	tests := []struct {
		key    string
		want   string
		ok     bool
		errors bool
	}{
		{"a", "42", true, false},
		{"b", "2.5", true, false},
		{"c", "text", true, false},
		{"d", "true", true, false},
		{"e", "", false, false},
		{"missing", "", false, false},
		{"f", "", true, true},
	}
	for _, tt := range tests {
		got, ok, err := b.Lookup(tt.key)
		if (err != nil) != tt.errors || ok != tt.ok || got != tt.want {
			t.Errorf("Lookup(%q) = %q, %v, %v", tt.key, got, ok, err)
		}
	}
}

func TestFileBackend_UnparsableFileUsesDefaults(t *testing.T) {
	path := writeTempConfig(t, `{not json`)
	t.Setenv("STOREPULSE_ASSISTANT_API_KEY", "k")

	cfg, err := loadFromPath(path, &mockKeychain{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 4100 {
		t.Errorf("Server.Port = %d, want default", cfg.Server.Port)
	}
}

func TestShowAllHidesSecrets(t *testing.T) {
	cfg := defaults()
	cfg.Assistant.APIKey = "sk-secret"
	for _, k := range ShowAll(cfg) {
		if k.Key == "assistant.api_key" || strings.Contains(k.Value, "sk-secret") {
			t.Errorf("secret leaked: %+v", k)
		}
	}
}
