// Package config loads and exposes the broker's static configuration.
// Values are read once at process start from a YAML file plus environment
// variable overrides; apart from the optional CLICKHOUSE_* settings that
// cmd/server reads itself, no other package reads the environment directly.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ProviderConfig carries the per-provider settings the OAuth manager and
// relay engine need to talk to a specific upstream.
type ProviderConfig struct {
	// BaseURL is the upstream API origin, e.g. "https://api.anthropic.com".
	BaseURL string `yaml:"base-url" json:"base-url"`
	// TokenURL is the OAuth token-refresh endpoint, empty for non-OAuth providers.
	TokenURL string `yaml:"token-url,omitempty" json:"token-url,omitempty"`
	// ClientID is the OAuth client id used for refresh requests.
	ClientID string `yaml:"client-id,omitempty" json:"client-id,omitempty"`
	// ClientSecret is the OAuth client secret, required by providers (Gemini)
	// whose token endpoint uses the standard confidential-client flow instead
	// of a bare bearer-refresh call.
	ClientSecret string `yaml:"client-secret,omitempty" json:"-"`
	// BetaHeaders are provider "anthropic-beta"-style feature flags sent on every request.
	BetaHeaders []string `yaml:"beta-headers,omitempty" json:"beta-headers,omitempty"`
	// APIVersion is injected as a version header when non-empty (e.g. "2023-06-01").
	APIVersion string `yaml:"api-version,omitempty" json:"api-version,omitempty"`
}

// StreamingConfig carries the SSE keep-alive setting and controls pre-byte
// retry behavior.
type StreamingConfig struct {
	// KeepAliveSeconds is parsed (default 15) but no component reads it; the
	// relay sends no SSE heartbeats.
	KeepAliveSeconds int `yaml:"keepalive-seconds,omitempty" json:"keepalive-seconds,omitempty"`
	// BootstrapRetries is how many times a stream may be retried against a
	// different account before the first response byte has reached the client.
	BootstrapRetries int `yaml:"bootstrap-retries,omitempty" json:"bootstrap-retries,omitempty"`
}

// RetryConfig configures exponential backoff for retryable upstream failures.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max-attempts" json:"max-attempts"`
	BaseDelay   time.Duration `yaml:"base-delay" json:"base-delay"`
	Factor      float64       `yaml:"factor" json:"factor"`
}

// BreakerConfig configures the per-account circuit breaker.
type BreakerConfig struct {
	Window           time.Duration `yaml:"window" json:"window"`
	MinSamples       int           `yaml:"min-samples" json:"min-samples"`
	ErrorRatio       float64       `yaml:"error-ratio" json:"error-ratio"`
	OpenDuration     time.Duration `yaml:"open-duration" json:"open-duration"`
	MaxOpenDuration  time.Duration `yaml:"max-open-duration" json:"max-open-duration"`
}

// Config is the fully resolved, immutable configuration consumed by the
// composition root. Nothing downstream re-reads the environment.
type Config struct {
	ListenAddr string `yaml:"listen-addr" json:"listen-addr"`
	Debug      bool   `yaml:"debug" json:"debug"`

	// LoggingToFile switches the logger from stdout to a rotating file.
	LoggingToFile      bool   `yaml:"logging-to-file" json:"logging-to-file"`
	LogDir             string `yaml:"log-dir" json:"log-dir"`
	LogsMaxTotalSizeMB int    `yaml:"logs-max-total-size-mb" json:"logs-max-total-size-mb"`

	// EncryptionKeyHex is the hex-encoded symmetric key (>= 32 bytes of entropy)
	// used to derive the AES-GCM key for the OAuth envelope cipher.
	EncryptionKeyHex string `yaml:"encryption-key" json:"-"`

	// KVAddr/KVPassword/KVDB address the remote in-memory store (Redis-compatible).
	KVAddr     string `yaml:"kv-addr" json:"kv-addr"`
	KVPassword string `yaml:"kv-password" json:"-"`
	KVDB       int    `yaml:"kv-db" json:"kv-db"`

	// DefaultProxyURL is used for accounts without a dedicated outboundProxy.
	DefaultProxyURL string `yaml:"default-proxy-url,omitempty" json:"default-proxy-url,omitempty"`

	Providers map[string]ProviderConfig `yaml:"providers" json:"providers"`

	Streaming StreamingConfig `yaml:"streaming" json:"streaming"`
	Retry     RetryConfig     `yaml:"retry" json:"retry"`
	Breaker   BreakerConfig   `yaml:"breaker" json:"breaker"`

	// StickySessionTTL is how long a session->account mapping survives between uses.
	StickySessionTTL time.Duration `yaml:"sticky-session-ttl" json:"sticky-session-ttl"`

	// RequestTimeout bounds a single non-streaming upstream call.
	RequestTimeout time.Duration `yaml:"request-timeout" json:"request-timeout"`
	// StreamTimeout bounds the total lifetime of a streaming upstream call.
	StreamTimeout time.Duration `yaml:"stream-timeout" json:"stream-timeout"`
	// StreamIdleTimeout bounds the gap between two successive reads while streaming.
	StreamIdleTimeout time.Duration `yaml:"stream-idle-timeout" json:"stream-idle-timeout"`

	// RefreshSkew is how far ahead of expiry EnsureFresh treats a token as stale.
	RefreshSkew time.Duration `yaml:"refresh-skew" json:"refresh-skew"`

	// MaxBodyBytes caps the size of a buffered (non-streaming) request body.
	MaxBodyBytes int64 `yaml:"max-body-bytes" json:"max-body-bytes"`

	// PricingTablePath optionally points at a YAML file of per-model costs; the
	// table is keyed by model name only, not by provider. When empty or
	// unreadable, the server uses an empty price table.
	PricingTablePath string `yaml:"pricing-table,omitempty" json:"pricing-table,omitempty"`
}

// Default returns a Config populated with the documented defaults; callers
// overlay a loaded file and environment variables on top of it.
func Default() *Config {
	return &Config{
		ListenAddr:         ":8080",
		LogDir:             "logs",
		LogsMaxTotalSizeMB: 512,
		KVAddr:             "127.0.0.1:6379",
		Providers:          map[string]ProviderConfig{},
		Streaming:          StreamingConfig{KeepAliveSeconds: 15, BootstrapRetries: 1},
		Retry:              RetryConfig{MaxAttempts: 3, BaseDelay: time.Second, Factor: 2},
		Breaker: BreakerConfig{
			Window:          30 * time.Second,
			MinSamples:      5,
			ErrorRatio:      0.5,
			OpenDuration:    30 * time.Second,
			MaxOpenDuration: 10 * time.Minute,
		},
		StickySessionTTL:  time.Hour,
		RequestTimeout:    300 * time.Second,
		StreamTimeout:     600 * time.Second,
		StreamIdleTimeout: 60 * time.Second,
		RefreshSkew:       10 * time.Second,
		MaxBodyBytes:      10 << 20,
	}
}

// Load reads a YAML config file, if present, and overlays environment
// variable overrides on top of the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: read %q: %w", path, err)
			}
		} else if err = yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %q: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if strings.TrimSpace(cfg.EncryptionKeyHex) == "" {
		return nil, fmt.Errorf("config: ENCRYPTION_KEY is required")
	}
	if strings.TrimSpace(cfg.KVAddr) == "" {
		return nil, fmt.Errorf("config: KV_ADDR is required")
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v, ok := lookupEnv("ENCRYPTION_KEY"); ok {
		cfg.EncryptionKeyHex = v
	}
	if v, ok := lookupEnv("KV_ADDR"); ok {
		cfg.KVAddr = v
	}
	if v, ok := lookupEnv("KV_PASSWORD"); ok {
		cfg.KVPassword = v
	}
	if v, ok := lookupEnv("KV_DB"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.KVDB = n
		}
	}
	if v, ok := lookupEnv("LISTEN_ADDR"); ok {
		cfg.ListenAddr = v
	}
	if v, ok := lookupEnv("DEFAULT_PROXY_URL"); ok {
		cfg.DefaultProxyURL = v
	}
	if v, ok := lookupEnv("LOG_LEVEL"); ok {
		cfg.Debug = strings.EqualFold(v, "debug")
	}
}

func lookupEnv(keys ...string) (string, bool) {
	for _, key := range keys {
		if value, ok := os.LookupEnv(key); ok {
			if trimmed := strings.TrimSpace(value); trimmed != "" {
				return trimmed, true
			}
		}
	}
	return "", false
}
