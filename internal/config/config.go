// Package config loads process configuration from the environment.
// Every worker process (orchestrator, departments, executor) loads the same
// Config at startup; front-door settings are carried so tenant context can be
// bootstrapped from a bearer token in-process.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ModelDefaults holds the server-default model identifier per LLM role.
type ModelDefaults struct {
	Planner    string
	Aggregator string
	Tool       string
	Creative   string
}

// Config holds all environment-derived settings.
type Config struct {
	// Persistence
	DatabaseURL     string
	DatabaseSyncURL string // sync variant, used by migration tooling only

	// Broker
	BrokerURL string
	Prefetch  int

	// Secrets
	CredentialKey string // symmetric key for credential encryption at rest
	JWTSecret     string
	JWTAlgorithm  string
	JWTLifetime   time.Duration
	AppSecret     string

	// External commerce API
	CommerceAPIKey    string
	CommerceAPISecret string
	AllowedScopes     []string
	CommerceTimeout   time.Duration

	// LLM provider
	LLMBaseURL string
	LLMAPIKey  string
	Models     ModelDefaults

	// Update bus
	RedisURL string

	// Tuning
	CacheTTL     time.Duration
	PollInterval time.Duration

	// Telemetry
	OTLPEndpoint string // optional
	MetricsAddr  string
}

// Load reads configuration from the environment, applying defaults and
// validating required fields. All missing required variables are reported in
// a single error.
func Load() (*Config, error) {
	cfg := &Config{
		DatabaseURL:       os.Getenv("ATLAS_DATABASE_URL"),
		DatabaseSyncURL:   os.Getenv("ATLAS_DATABASE_SYNC_URL"),
		BrokerURL:         os.Getenv("ATLAS_BROKER_URL"),
		Prefetch:          envInt("ATLAS_PREFETCH", 10),
		CredentialKey:     os.Getenv("ATLAS_CREDENTIAL_KEY"),
		JWTSecret:         os.Getenv("ATLAS_JWT_SECRET"),
		JWTAlgorithm:      envString("ATLAS_JWT_ALGORITHM", "HS256"),
		JWTLifetime:       envDuration("ATLAS_JWT_LIFETIME", 24*time.Hour),
		AppSecret:         os.Getenv("ATLAS_APP_SECRET"),
		CommerceAPIKey:    os.Getenv("ATLAS_COMMERCE_API_KEY"),
		CommerceAPISecret: os.Getenv("ATLAS_COMMERCE_API_SECRET"),
		AllowedScopes:     envCSV("ATLAS_ALLOWED_SCOPES", "read_products,write_products,read_orders,read_inventory,write_inventory,write_discounts"),
		CommerceTimeout:   envDuration("ATLAS_COMMERCE_TIMEOUT", 30*time.Second),
		LLMBaseURL:        envString("ATLAS_LLM_BASE_URL", "https://api.openai.com/v1"),
		LLMAPIKey:         os.Getenv("ATLAS_LLM_API_KEY"),
		RedisURL:          envString("ATLAS_REDIS_URL", "redis://localhost:6379/0"),
		CacheTTL:          envDuration("ATLAS_CACHE_TTL", time.Hour),
		PollInterval:      envDuration("ATLAS_POLL_INTERVAL", 2*time.Second),
		OTLPEndpoint:      os.Getenv("ATLAS_OTLP_ENDPOINT"),
		MetricsAddr:       envString("ATLAS_METRICS_ADDR", ":9090"),
		Models: ModelDefaults{
			Planner:    envString("ATLAS_MODEL_PLANNER", "gpt-4o"),
			Aggregator: envString("ATLAS_MODEL_AGGREGATOR", "gpt-4o"),
			Tool:       envString("ATLAS_MODEL_TOOL", "gpt-4o-mini"),
			Creative:   envString("ATLAS_MODEL_CREATIVE", "gpt-4o"),
		},
	}
	if cfg.DatabaseSyncURL == "" {
		cfg.DatabaseSyncURL = cfg.DatabaseURL
	}

	var missing []string
	for _, required := range []struct {
		name  string
		value string
	}{
		{"ATLAS_DATABASE_URL", cfg.DatabaseURL},
		{"ATLAS_BROKER_URL", cfg.BrokerURL},
		{"ATLAS_CREDENTIAL_KEY", cfg.CredentialKey},
		{"ATLAS_JWT_SECRET", cfg.JWTSecret},
		{"ATLAS_LLM_API_KEY", cfg.LLMAPIKey},
	} {
		if required.value == "" {
			missing = append(missing, required.name)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}
	if cfg.JWTAlgorithm != "HS256" {
		return nil, errors.New("only HS256 JWT signing is supported")
	}

	return cfg, nil
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

// envDuration accepts either a Go duration string ("90s") or a bare number of
// seconds ("90"), matching how deployments usually export TTLs.
func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if seconds, err := strconv.Atoi(v); err == nil {
		return time.Duration(seconds) * time.Second
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	return fallback
}

func envCSV(key, fallback string) []string {
	v := os.Getenv(key)
	if v == "" {
		v = fallback
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
