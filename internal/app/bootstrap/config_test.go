package bootstrap

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sampleConfig = `
service:
  id: aigrading-test
  http_port: 18080
storage:
  driver: memory
kafka:
  brokers: ["kafka:9092"]
  topics:
    grading.completed: grading-events
grading:
  device_free_quota: 0
  rate_limit_per_window: 5
  rate_limit_window_seconds: 10
providers:
  - name: openai
    kind: openai
    endpoint: https://api.openai.com/v1
    models: {default: gpt-4o-mini}
  - name: gemini
    kind: gemini
    timeout_seconds: 20
    api_key_env: GOOGLE_KEY
    models: {default: gemini-2.0-flash}
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigFileThenEnv(t *testing.T) {
	t.Setenv("HTTP_PORT", "19090")
	t.Setenv("GOOGLE_KEY", "g-secret")
	t.Setenv("OPENAI_API_KEY", "o-secret")
	t.Setenv("AI_PROVIDER_ORDER", "gemini")

	cfg, err := LoadConfig(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ServiceID != "aigrading-test" || cfg.HTTPPort != 19090 {
		t.Fatalf("service settings not merged: %+v", cfg)
	}
	if cfg.StorageDriver != StorageDriverMemory {
		t.Fatalf("expected memory storage, got %q", cfg.StorageDriver)
	}
	if cfg.DeviceFreeQuota != 0 {
		t.Fatalf("explicit zero free quota must be kept, got %d", cfg.DeviceFreeQuota)
	}
	if cfg.RateLimitPerWindow != 5 || cfg.RateLimitWindow != 10*time.Second {
		t.Fatalf("rate limit not merged: %d/%s", cfg.RateLimitPerWindow, cfg.RateLimitWindow)
	}
	if cfg.KafkaTopics["grading.completed"] != "grading-events" || len(cfg.KafkaBrokers) != 1 {
		t.Fatalf("kafka settings not merged: %+v %+v", cfg.KafkaBrokers, cfg.KafkaTopics)
	}
	if len(cfg.Providers) != 2 || cfg.Providers[0].Name != "gemini" || cfg.Providers[1].Name != "openai" {
		t.Fatalf("provider order not applied: %+v", cfg.Providers)
	}
	if cfg.Providers[0].APIKey != "g-secret" || cfg.Providers[0].Timeout != 20*time.Second {
		t.Fatalf("gemini settings wrong: %+v", cfg.Providers[0])
	}
	if cfg.Providers[1].APIKeyEnv != "OPENAI_API_KEY" || cfg.Providers[1].APIKey != "o-secret" {
		t.Fatalf("default api key env not derived: %+v", cfg.Providers[1])
	}
}

func TestLoadConfigRequiresDatabaseForPostgres(t *testing.T) {
	t.Setenv("STORAGE_DRIVER", "postgres")
	t.Setenv("DB_URL", "")
	t.Setenv("POSTGRES_URL", "")
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error without database url")
	}
}

func TestLoadConfigRejectsUnknownDriver(t *testing.T) {
	t.Setenv("STORAGE_DRIVER", "sqlite")
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected unsupported driver error")
	}
}

func TestOrderProvidersIgnoresUnknownNames(t *testing.T) {
	t.Parallel()
	in := []ProviderSettings{{Name: "a"}, {Name: "b"}, {Name: "c"}}
	out := orderProviders(in, []string{"C", "zzz", "a"})
	got := []string{out[0].Name, out[1].Name, out[2].Name}
	if got[0] != "c" || got[1] != "a" || got[2] != "b" {
		t.Fatalf("unexpected order: %v", got)
	}
}
