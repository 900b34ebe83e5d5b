package bootstrap

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	StorageDriverPostgres = "postgres"
	StorageDriverMemory   = "memory"
)

// Config is the resolved runtime configuration for the grading service.
type Config struct {
	ServiceID string

	HTTPPort int
	GRPCPort int

	StorageDriver string
	DatabaseURL   string
	MaxDBConns    int32
	RedisURL      string

	KafkaBrokers      []string
	KafkaDefaultTopic string
	KafkaTopics       map[string]string

	RateLimitPerWindow int
	RateLimitWindow    time.Duration
	DeviceFreeQuota    int64
	IdempotencyTTL     time.Duration
	CommitTimeout      time.Duration
	CodePrefix         string
	MaxImageBytes      int

	AdminJWTKeyID         string
	AdminJWTIssuer        string
	AdminJWTPrivateKeyPEM string
	AdminJWTPublicKeyPEM  string
	AllowEphemeralJWT     bool

	OutboxPollInterval time.Duration
	OutboxBatchSize    int
	OutboxClaimTTL     time.Duration
	OutboxMaxRetries   int

	Providers []ProviderSettings
}

// ProviderSettings is one AI provider entry. APIKey is only ever read from the environment.
type ProviderSettings struct {
	Name       string
	Kind       string
	Endpoint   string
	APIKeyEnv  string
	APIKey     string
	APIVersion string
	Timeout    time.Duration
	Models     map[string]string
}

type providerFile struct {
	Name           string            `yaml:"name"`
	Kind           string            `yaml:"kind"`
	Endpoint       string            `yaml:"endpoint"`
	APIKeyEnv      string            `yaml:"api_key_env"`
	APIVersion     string            `yaml:"api_version"`
	TimeoutSeconds int               `yaml:"timeout_seconds"`
	Models         map[string]string `yaml:"models"`
}

// configFile mirrors the YAML schema used by configs/default.yaml.
type configFile struct {
	Service struct {
		ID       string `yaml:"id"`
		HTTPPort int    `yaml:"http_port"`
		GRPCPort int    `yaml:"grpc_port"`
	} `yaml:"service"`
	Storage struct {
		Driver     string `yaml:"driver"`
		MaxDBConns int    `yaml:"max_db_conns"`
	} `yaml:"storage"`
	Dependencies struct {
		PostgresURL string `yaml:"postgres_url"`
		RedisURL    string `yaml:"redis_url"`
	} `yaml:"dependencies"`
	Kafka struct {
		Brokers      []string          `yaml:"brokers"`
		DefaultTopic string            `yaml:"default_topic"`
		Topics       map[string]string `yaml:"topics"`
	} `yaml:"kafka"`
	Grading struct {
		RateLimitPerWindow   int    `yaml:"rate_limit_per_window"`
		RateLimitWindowSecs  int    `yaml:"rate_limit_window_seconds"`
		DeviceFreeQuota      *int64 `yaml:"device_free_quota"`
		IdempotencyTTLHours  int    `yaml:"idempotency_ttl_hours"`
		CodePrefix           string `yaml:"code_prefix"`
		MaxImageBytes        int    `yaml:"max_image_bytes"`
		CommitTimeoutSeconds int    `yaml:"commit_timeout_seconds"`
	} `yaml:"grading"`
	Admin struct {
		KeyID  string `yaml:"key_id"`
		Issuer string `yaml:"issuer"`
	} `yaml:"admin"`
	Providers []providerFile `yaml:"providers"`
}

// LoadConfig resolves configuration in priority order: defaults -> file -> env.
func LoadConfig(path string) (Config, error) {
	cfg := Config{
		ServiceID:          "aigrading",
		HTTPPort:           8080,
		GRPCPort:           9090,
		StorageDriver:      StorageDriverPostgres,
		MaxDBConns:         20,
		KafkaDefaultTopic:  "aigrading.events",
		KafkaTopics:        map[string]string{},
		RateLimitPerWindow: 30,
		RateLimitWindow:    time.Minute,
		DeviceFreeQuota:    3,
		IdempotencyTTL:     7 * 24 * time.Hour,
		CommitTimeout:      10 * time.Second,
		CodePrefix:         "AIG",
		MaxImageBytes:      8 << 20,
		AdminJWTKeyID:      "aigrading-admin-1",
		AdminJWTIssuer:     "aigrading",
		AllowEphemeralJWT:  true,
		OutboxPollInterval: 2 * time.Second,
		OutboxBatchSize:    100,
		OutboxClaimTTL:     30 * time.Second,
		OutboxMaxRetries:   5,
	}

	raw, err := os.ReadFile(path)
	if err == nil {
		var f configFile
		if unmarshalErr := yaml.Unmarshal(raw, &f); unmarshalErr != nil {
			return Config{}, fmt.Errorf("parse config file: %w", unmarshalErr)
		}
		applyFile(&cfg, f)
	}

	cfg.ServiceID = envOrDefault("SERVICE_ID", cfg.ServiceID)
	cfg.HTTPPort = envInt("HTTP_PORT", cfg.HTTPPort)
	cfg.GRPCPort = envInt("GRPC_PORT", cfg.GRPCPort)
	cfg.StorageDriver = strings.ToLower(strings.TrimSpace(envOrDefault("STORAGE_DRIVER", cfg.StorageDriver)))
	cfg.DatabaseURL = envOrDefault("DB_URL", envOrDefault("POSTGRES_URL", cfg.DatabaseURL))
	cfg.MaxDBConns = int32(envInt("DB_MAX_CONNS", int(cfg.MaxDBConns)))
	cfg.RedisURL = envOrDefault("REDIS_URL", cfg.RedisURL)
	cfg.KafkaBrokers = envCSV("KAFKA_BROKERS", cfg.KafkaBrokers)
	cfg.KafkaDefaultTopic = envOrDefault("KAFKA_DEFAULT_TOPIC", cfg.KafkaDefaultTopic)

	cfg.RateLimitPerWindow = envInt("RATE_LIMIT_PER_WINDOW", cfg.RateLimitPerWindow)
	cfg.RateLimitWindow = time.Duration(envInt("RATE_LIMIT_WINDOW_SECONDS", int(cfg.RateLimitWindow.Seconds()))) * time.Second
	cfg.DeviceFreeQuota = int64(envInt("DEVICE_FREE_QUOTA", int(cfg.DeviceFreeQuota)))
	cfg.IdempotencyTTL = time.Duration(envInt("IDEMPOTENCY_TTL_HOURS", int(cfg.IdempotencyTTL.Hours()))) * time.Hour
	cfg.CodePrefix = strings.ToUpper(strings.TrimSpace(envOrDefault("LICENSE_CODE_PREFIX", cfg.CodePrefix)))

	cfg.AdminJWTKeyID = envOrDefault("ADMIN_JWT_KEY_ID", cfg.AdminJWTKeyID)
	cfg.AdminJWTIssuer = envOrDefault("ADMIN_JWT_ISSUER", cfg.AdminJWTIssuer)
	cfg.AdminJWTPrivateKeyPEM = envOrDefault("ADMIN_JWT_PRIVATE_KEY_PEM", cfg.AdminJWTPrivateKeyPEM)
	cfg.AdminJWTPublicKeyPEM = envOrDefault("ADMIN_JWT_PUBLIC_KEY_PEM", cfg.AdminJWTPublicKeyPEM)
	cfg.AllowEphemeralJWT = envBool("ADMIN_JWT_ALLOW_EPHEMERAL", cfg.AllowEphemeralJWT)

	cfg.OutboxPollInterval = time.Duration(envInt("OUTBOX_POLL_SECONDS", int(cfg.OutboxPollInterval.Seconds()))) * time.Second
	cfg.OutboxBatchSize = envInt("OUTBOX_BATCH_SIZE", cfg.OutboxBatchSize)
	cfg.OutboxClaimTTL = time.Duration(envInt("OUTBOX_CLAIM_TTL_SECONDS", int(cfg.OutboxClaimTTL.Seconds()))) * time.Second
	cfg.OutboxMaxRetries = envInt("OUTBOX_MAX_RETRIES", cfg.OutboxMaxRetries)

	cfg.Providers = orderProviders(cfg.Providers, envCSV("AI_PROVIDER_ORDER", nil))
	for i := range cfg.Providers {
		p := &cfg.Providers[i]
		if p.APIKeyEnv == "" {
			p.APIKeyEnv = strings.ToUpper(strings.ReplaceAll(p.Name, "-", "_")) + "_API_KEY"
		}
		p.APIKey = os.Getenv(p.APIKeyEnv)
	}

	switch cfg.StorageDriver {
	case StorageDriverPostgres:
		if cfg.DatabaseURL == "" {
			return Config{}, fmt.Errorf("missing DB_URL/POSTGRES_URL")
		}
	case StorageDriverMemory:
	default:
		return Config{}, fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}
	if cfg.AdminJWTPublicKeyPEM == "" && !cfg.AllowEphemeralJWT {
		return Config{}, fmt.Errorf("missing ADMIN_JWT_PUBLIC_KEY_PEM")
	}

	return cfg, nil
}

func applyFile(cfg *Config, f configFile) {
	if f.Service.ID != "" {
		cfg.ServiceID = f.Service.ID
	}
	if f.Service.HTTPPort > 0 {
		cfg.HTTPPort = f.Service.HTTPPort
	}
	if f.Service.GRPCPort > 0 {
		cfg.GRPCPort = f.Service.GRPCPort
	}
	if f.Storage.Driver != "" {
		cfg.StorageDriver = f.Storage.Driver
	}
	if f.Storage.MaxDBConns > 0 {
		cfg.MaxDBConns = int32(f.Storage.MaxDBConns)
	}
	if f.Dependencies.PostgresURL != "" {
		cfg.DatabaseURL = f.Dependencies.PostgresURL
	}
	if f.Dependencies.RedisURL != "" {
		cfg.RedisURL = f.Dependencies.RedisURL
	}
	if len(f.Kafka.Brokers) > 0 {
		cfg.KafkaBrokers = f.Kafka.Brokers
	}
	if f.Kafka.DefaultTopic != "" {
		cfg.KafkaDefaultTopic = f.Kafka.DefaultTopic
	}
	for eventType, topic := range f.Kafka.Topics {
		cfg.KafkaTopics[eventType] = topic
	}
	if f.Grading.RateLimitPerWindow > 0 {
		cfg.RateLimitPerWindow = f.Grading.RateLimitPerWindow
	}
	if f.Grading.RateLimitWindowSecs > 0 {
		cfg.RateLimitWindow = time.Duration(f.Grading.RateLimitWindowSecs) * time.Second
	}
	// Zero is meaningful here: it switches the free tier off.
	if f.Grading.DeviceFreeQuota != nil {
		cfg.DeviceFreeQuota = *f.Grading.DeviceFreeQuota
	}
	if f.Grading.IdempotencyTTLHours > 0 {
		cfg.IdempotencyTTL = time.Duration(f.Grading.IdempotencyTTLHours) * time.Hour
	}
	if f.Grading.CodePrefix != "" {
		cfg.CodePrefix = f.Grading.CodePrefix
	}
	if f.Grading.MaxImageBytes > 0 {
		cfg.MaxImageBytes = f.Grading.MaxImageBytes
	}
	if f.Grading.CommitTimeoutSeconds > 0 {
		cfg.CommitTimeout = time.Duration(f.Grading.CommitTimeoutSeconds) * time.Second
	}
	if f.Admin.KeyID != "" {
		cfg.AdminJWTKeyID = f.Admin.KeyID
	}
	if f.Admin.Issuer != "" {
		cfg.AdminJWTIssuer = f.Admin.Issuer
	}
	for _, p := range f.Providers {
		timeout := 60 * time.Second
		if p.TimeoutSeconds > 0 {
			timeout = time.Duration(p.TimeoutSeconds) * time.Second
		}
		cfg.Providers = append(cfg.Providers, ProviderSettings{
			Name:       strings.TrimSpace(p.Name),
			Kind:       strings.TrimSpace(p.Kind),
			Endpoint:   strings.TrimSpace(p.Endpoint),
			APIKeyEnv:  strings.TrimSpace(p.APIKeyEnv),
			APIVersion: strings.TrimSpace(p.APIVersion),
			Timeout:    timeout,
			Models:     p.Models,
		})
	}
}

// orderProviders moves the named providers to the front in the given order.
// Unnamed providers keep their file order behind them; unknown names are ignored.
func orderProviders(providers []ProviderSettings, order []string) []ProviderSettings {
	if len(order) == 0 {
		return providers
	}
	out := make([]ProviderSettings, 0, len(providers))
	used := make(map[int]bool, len(providers))
	for _, name := range order {
		for i, p := range providers {
			if !used[i] && strings.EqualFold(p.Name, name) {
				out = append(out, p)
				used[i] = true
				break
			}
		}
	}
	for i, p := range providers {
		if !used[i] {
			out = append(out, p)
		}
	}
	return out
}

func envOrDefault(name, fallback string) string {
	if value := os.Getenv(name); value != "" {
		return value
	}
	return fallback
}

// envInt parses integer env vars with safe fallback on empty/invalid values.
func envInt(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func envBool(name string, fallback bool) bool {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	switch raw {
	case "1", "true", "TRUE", "yes", "YES":
		return true
	case "0", "false", "FALSE", "no", "NO":
		return false
	default:
		return fallback
	}
}

// envCSV parses comma-separated env vars and removes empty segments.
func envCSV(name string, fallback []string) []string {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	parts := make([]string, 0)
	for _, part := range strings.Split(raw, ",") {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		parts = append(parts, trimmed)
	}
	if len(parts) == 0 {
		return fallback
	}
	return parts
}
