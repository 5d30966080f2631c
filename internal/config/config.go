// Copyright 2025 The coderelay Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads and validates the daemon configuration: YAML file,
// environment overrides, then defaults.
package config

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/coderelay/coderelay/internal/api"
	"github.com/coderelay/coderelay/internal/approval"
	"github.com/coderelay/coderelay/internal/capability"
	"github.com/coderelay/coderelay/internal/reliability"
	"github.com/coderelay/coderelay/pkg/errors"
)

// Store backends.
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
)

// Rate-limit backends.
const (
	RateLimitMemory = "memory"
	RateLimitRedis  = "redis"
)

// Config is the full daemon configuration.
type Config struct {
	Server     ServerConfig      `yaml:"server"`
	Store      StoreConfig       `yaml:"store"`
	Log        LogConfig         `yaml:"log"`
	Worker     WorkerConfig      `yaml:"worker"`
	RateLimit  RateLimitConfig   `yaml:"rate_limit"`
	Breaker    BreakerConfig     `yaml:"breaker"`
	LLM        LLMConfig         `yaml:"llm"`
	Connector  ConnectorConfig   `yaml:"connector"`
	Tracing    TracingConfig     `yaml:"tracing"`
	Tenants    []TenantConfig    `yaml:"tenants"`
	Triggers   []api.TriggerRule `yaml:"triggers"`
	AutoPolicy []approval.Rule   `yaml:"auto_policy"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StoreConfig selects the document-store backend.
type StoreConfig struct {
	Backend string `yaml:"backend"`

	// Path is the sqlite database file. Ignored for the memory backend.
	Path string `yaml:"path"`
}

// LogConfig holds structured-logging settings.
type LogConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
}

// WorkerConfig tunes the run-processing loop.
type WorkerConfig struct {
	Enabled           bool          `yaml:"enabled"`
	ID                string        `yaml:"id"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	SweepInterval     time.Duration `yaml:"sweep_interval"`
}

// RateLimitConfig bounds inbound requests per tenant over a sliding window.
type RateLimitConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Requests  int           `yaml:"requests"`
	Window    time.Duration `yaml:"window"`
	Backend   string        `yaml:"backend"`
	RedisAddr string        `yaml:"redis_addr"`
}

// BreakerConfig mirrors the named-breaker settings.
type BreakerConfig struct {
	FailureThreshold uint32        `yaml:"failure_threshold"`
	FailureRate      float64       `yaml:"failure_rate"`
	MinRequests      uint32        `yaml:"min_requests"`
	Window           time.Duration `yaml:"window"`
	Cooldown         time.Duration `yaml:"cooldown"`
}

// LLMConfig points at the model gateway and paces calls to it.
type LLMConfig struct {
	Endpoint string  `yaml:"endpoint"`
	Token    string  `yaml:"token"`
	RPS      float64 `yaml:"rps"`
	Burst    int     `yaml:"burst"`
}

// ConnectorConfig points at the host-connector service that applies
// mutations.
type ConnectorConfig struct {
	Endpoint string `yaml:"endpoint"`
	Token    string `yaml:"token"`
}

// TracingConfig enables OpenTelemetry span export.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// TenantConfig declares one tenant: its webhook secret and who may approve
// which capabilities.
type TenantConfig struct {
	ID            string           `yaml:"id"`
	WebhookSecret string           `yaml:"webhook_secret"`
	Approvers     []ApproverConfig `yaml:"approvers"`
}

// ApproverConfig binds an approver identity to an Ed25519 public key and
// the capabilities they may authorize.
type ApproverConfig struct {
	Name string `yaml:"name"`

	// PublicKey is the base64-encoded 32-byte Ed25519 public key.
	PublicKey string `yaml:"public_key"`

	Capabilities []string `yaml:"capabilities"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8420",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Store: StoreConfig{
			Backend: StoreSQLite,
			Path:    "coderelay.db",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Worker: WorkerConfig{
			Enabled:       true,
			PollInterval:  2 * time.Second,
			SweepInterval: 30 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Enabled:  true,
			Requests: 120,
			Window:   time.Minute,
			Backend:  RateLimitMemory,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			FailureRate:      0.5,
			MinRequests:      10,
			Window:           time.Minute,
			Cooldown:         30 * time.Second,
		},
		LLM: LLMConfig{
			Endpoint: "http://localhost:8421",
			RPS:      2,
			Burst:    4,
		},
		Connector: ConnectorConfig{
			Endpoint: "http://localhost:8422",
		},
		Tracing: TracingConfig{
			ServiceName: "coderelay",
			SampleRate:  0.1,
		},
	}
}

// Load reads the config file at path (optional), applies environment
// overrides and defaults, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.loadFromFile(path); err != nil {
			return nil, err
		}
	}
	cfg.loadFromEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	return nil
}

func (c *Config) loadFromEnv() {
	if val := os.Getenv("RELAY_ADDR"); val != "" {
		c.Server.Addr = val
	}
	if val := os.Getenv("RELAY_SHUTDOWN_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Server.ShutdownTimeout = d
		}
	}
	if val := os.Getenv("RELAY_STORE_BACKEND"); val != "" {
		c.Store.Backend = strings.ToLower(val)
	}
	if val := os.Getenv("RELAY_STORE_PATH"); val != "" {
		c.Store.Path = val
	}
	if val := os.Getenv("RELAY_LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("RELAY_LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}
	if val := os.Getenv("RELAY_WORKER_ENABLED"); val != "" {
		c.Worker.Enabled = val == "1" || strings.ToLower(val) == "true"
	}
	if val := os.Getenv("RELAY_WORKER_ID"); val != "" {
		c.Worker.ID = val
	}
	if val := os.Getenv("RELAY_RATE_LIMIT_REQUESTS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.RateLimit.Requests = n
		}
	}
	if val := os.Getenv("RELAY_REDIS_ADDR"); val != "" {
		c.RateLimit.Backend = RateLimitRedis
		c.RateLimit.RedisAddr = val
	}
	if val := os.Getenv("RELAY_LLM_ENDPOINT"); val != "" {
		c.LLM.Endpoint = val
	}
	if val := os.Getenv("RELAY_LLM_TOKEN"); val != "" {
		c.LLM.Token = val
	}
	if val := os.Getenv("RELAY_CONNECTOR_ENDPOINT"); val != "" {
		c.Connector.Endpoint = val
	}
	if val := os.Getenv("RELAY_CONNECTOR_TOKEN"); val != "" {
		c.Connector.Token = val
	}
	if val := os.Getenv("RELAY_TRACING_ENDPOINT"); val != "" {
		c.Tracing.Enabled = true
		c.Tracing.Endpoint = val
	}
}

func (c *Config) applyDefaults() {
	defaults := Default()
	if c.Server.Addr == "" {
		c.Server.Addr = defaults.Server.Addr
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = defaults.Server.ShutdownTimeout
	}
	if c.Store.Backend == "" {
		c.Store.Backend = defaults.Store.Backend
	}
	if c.Store.Backend == StoreSQLite && c.Store.Path == "" {
		c.Store.Path = defaults.Store.Path
	}
	if c.Log.Level == "" {
		c.Log.Level = defaults.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = defaults.Log.Format
	}
	if c.Worker.PollInterval == 0 {
		c.Worker.PollInterval = defaults.Worker.PollInterval
	}
	if c.Worker.SweepInterval == 0 {
		c.Worker.SweepInterval = defaults.Worker.SweepInterval
	}
	if c.RateLimit.Requests == 0 {
		c.RateLimit.Requests = defaults.RateLimit.Requests
	}
	if c.RateLimit.Window == 0 {
		c.RateLimit.Window = defaults.RateLimit.Window
	}
	if c.RateLimit.Backend == "" {
		c.RateLimit.Backend = defaults.RateLimit.Backend
	}
	if c.Breaker.FailureThreshold == 0 {
		c.Breaker = defaults.Breaker
	}
	if c.LLM.Endpoint == "" {
		c.LLM.Endpoint = defaults.LLM.Endpoint
	}
	if c.LLM.RPS == 0 {
		c.LLM.RPS = defaults.LLM.RPS
	}
	if c.LLM.Burst == 0 {
		c.LLM.Burst = defaults.LLM.Burst
	}
	if c.Connector.Endpoint == "" {
		c.Connector.Endpoint = defaults.Connector.Endpoint
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = defaults.Tracing.ServiceName
	}
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case StoreMemory, StoreSQLite:
	default:
		return &errors.ValidationError{Field: "store.backend", Message: "must be memory or sqlite"}
	}
	switch c.RateLimit.Backend {
	case RateLimitMemory:
	case RateLimitRedis:
		if c.RateLimit.RedisAddr == "" {
			return &errors.ValidationError{Field: "rate_limit.redis_addr", Message: "required for redis backend"}
		}
	default:
		return &errors.ValidationError{Field: "rate_limit.backend", Message: "must be memory or redis"}
	}

	seen := map[string]bool{}
	for _, t := range c.Tenants {
		if t.ID == "" {
			return &errors.ValidationError{Field: "tenants.id", Message: "required"}
		}
		if seen[t.ID] {
			return &errors.ValidationError{Field: "tenants." + t.ID, Message: "duplicate tenant id"}
		}
		seen[t.ID] = true
		if t.WebhookSecret == "" {
			return &errors.ValidationError{Field: "tenants." + t.ID + ".webhook_secret", Message: "required"}
		}
		for _, a := range t.Approvers {
			if a.Name == "" {
				return &errors.ValidationError{Field: "tenants." + t.ID + ".approvers.name", Message: "required"}
			}
			if _, err := decodeKey(a.PublicKey); err != nil {
				return &errors.ValidationError{
					Field:   "tenants." + t.ID + ".approvers." + a.Name,
					Message: err.Error(),
				}
			}
			for _, cap := range a.Capabilities {
				if !capability.Capability(cap).Valid() {
					return &errors.ValidationError{
						Field:   "tenants." + t.ID + ".approvers." + a.Name,
						Message: "unknown capability " + cap,
					}
				}
			}
		}
	}

	if _, err := api.CompileTriggers(c.Triggers); err != nil {
		return err
	}
	if _, err := approval.CompilePolicy(c.AutoPolicy); err != nil {
		return err
	}
	return nil
}

// TenantIDs returns the configured tenant ids in declaration order.
func (c *Config) TenantIDs() []string {
	ids := make([]string, 0, len(c.Tenants))
	for _, t := range c.Tenants {
		ids = append(ids, t.ID)
	}
	return ids
}

// WebhookSecrets builds the per-tenant secret source for webhook ingress.
func (c *Config) WebhookSecrets() api.StaticSecrets {
	secrets := api.StaticSecrets{}
	for _, t := range c.Tenants {
		secrets[t.ID] = t.WebhookSecret
	}
	return secrets
}

// Keyring builds the approver keyring from tenant approver declarations.
// Approver identities are global; declaring the same name with different
// keys in two tenants is a configuration error.
func (c *Config) Keyring() (approval.StaticKeyring, error) {
	keys := approval.StaticKeyring{}
	for _, t := range c.Tenants {
		for _, a := range t.Approvers {
			key, err := decodeKey(a.PublicKey)
			if err != nil {
				return nil, err
			}
			if existing, ok := keys[a.Name]; ok && !existing.Equal(key) {
				return nil, &errors.ValidationError{
					Field:   "approvers." + a.Name,
					Message: "declared with conflicting public keys",
				}
			}
			keys[a.Name] = key
		}
	}
	return keys, nil
}

// Authorizer builds the tenant -> approver -> capability grants.
func (c *Config) Authorizer() approval.StaticAuthorizer {
	authz := approval.StaticAuthorizer{}
	for _, t := range c.Tenants {
		grants := map[string][]capability.Capability{}
		for _, a := range t.Approvers {
			caps := make([]capability.Capability, 0, len(a.Capabilities))
			for _, cap := range a.Capabilities {
				caps = append(caps, capability.Capability(cap))
			}
			grants[a.Name] = caps
		}
		authz[t.ID] = grants
	}
	return authz
}

// BreakerSettings converts the config section to the reliability type.
func (c *Config) BreakerSettings() reliability.BreakerConfig {
	return reliability.BreakerConfig{
		FailureThreshold: c.Breaker.FailureThreshold,
		FailureRate:      c.Breaker.FailureRate,
		MinRequests:      c.Breaker.MinRequests,
		Window:           c.Breaker.Window,
		Cooldown:         c.Breaker.Cooldown,
	}
}

func decodeKey(encoded string) (ed25519.PublicKey, error) {
	if encoded == "" {
		return nil, fmt.Errorf("public_key is required")
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("public_key is not valid base64: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public_key must be %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}
