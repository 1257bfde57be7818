// Copyright 2025 Open Parachute PBC
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

// Package config defines the typed configuration for the parachute agent
// server: one struct per subsystem, each with SetDefaults and Validate,
// plus a provider-based loader with environment variable expansion.
package config

import (
	"fmt"
	"time"

	"github.com/OpenParachutePBC/parachute-agent/pkg/observability"
)

// Config is the root configuration for the agent server.
//
// Every field can be set from a YAML (or JSON) config file; environment
// variables override file values for the handful of knobs documented in
// ApplyEnvOverrides, and CLI flags override both.
type Config struct {
	// Server configures the HTTP/SSE surface.
	Server ServerConfig `yaml:"server,omitempty"`

	// Vault configures the document root all agents operate on.
	Vault VaultConfig `yaml:"vault,omitempty"`

	// Queue configures the execution queue.
	Queue QueueConfig `yaml:"queue,omitempty"`

	// Orchestrator configures execution dispatch and background loops.
	Orchestrator OrchestratorConfig `yaml:"orchestrator,omitempty"`

	// Sessions configures the conversation session store.
	Sessions SessionsConfig `yaml:"sessions,omitempty"`

	// Context configures history replay and token budgeting.
	Context ContextConfig `yaml:"context,omitempty"`

	// Permissions configures the write-approval broker.
	Permissions PermissionsConfig `yaml:"permissions,omitempty"`

	// Upstream configures the LLM client.
	Upstream UpstreamConfig `yaml:"upstream,omitempty"`

	// Logging configures log level, format, and destination.
	Logging LoggingConfig `yaml:"logging,omitempty"`

	// Observability configures tracing and metrics.
	Observability *observability.Config `yaml:"observability,omitempty"`
}

// SetDefaults applies default values to all sections.
func (c *Config) SetDefaults() {
	c.Server.SetDefaults()
	c.Vault.SetDefaults()
	c.Queue.SetDefaults()
	c.Orchestrator.SetDefaults()
	c.Sessions.SetDefaults()
	c.Context.SetDefaults()
	c.Permissions.SetDefaults()
	c.Upstream.SetDefaults()
	c.Logging.SetDefaults()
	if c.Observability == nil {
		c.Observability = &observability.Config{}
	}
	c.Observability.SetDefaults()
}

// Validate checks all sections for errors.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if err := c.Vault.Validate(); err != nil {
		return fmt.Errorf("vault: %w", err)
	}
	if err := c.Queue.Validate(); err != nil {
		return fmt.Errorf("queue: %w", err)
	}
	if err := c.Orchestrator.Validate(); err != nil {
		return fmt.Errorf("orchestrator: %w", err)
	}
	if err := c.Sessions.Validate(); err != nil {
		return fmt.Errorf("sessions: %w", err)
	}
	if err := c.Context.Validate(); err != nil {
		return fmt.Errorf("context: %w", err)
	}
	if err := c.Permissions.Validate(); err != nil {
		return fmt.Errorf("permissions: %w", err)
	}
	if err := c.Upstream.Validate(); err != nil {
		return fmt.Errorf("upstream: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if c.Observability != nil {
		if err := c.Observability.Validate(); err != nil {
			return fmt.Errorf("observability: %w", err)
		}
	}
	return nil
}

// Default returns a fully-defaulted configuration, the same one the server
// runs with when no config file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}

// ServerConfig configures the HTTP/SSE surface.
type ServerConfig struct {
	// Host to bind to. Empty means all interfaces.
	Host string `yaml:"host,omitempty"`

	// Port to listen on.
	// Default: 3333
	Port int `yaml:"port,omitempty"`

	// APIKey, when set, is required on every /api/* request via the
	// X-API-Key header. Empty disables the check.
	APIKey string `yaml:"api_key,omitempty"`

	// CORS configuration.
	CORS *CORSConfig `yaml:"cors,omitempty"`

	// MaxMessageBytes caps the chat message field (and request bodies).
	// Default: 102400
	MaxMessageBytes int `yaml:"max_message_bytes,omitempty"`

	// ShutdownTimeout bounds how long graceful shutdown waits for
	// in-flight executions.
	// Default: 30s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout,omitempty"`

	// StreamHeartbeat is the interval between SSE keep-alive comments
	// on long-lived streams.
	// Default: 30s
	StreamHeartbeat time.Duration `yaml:"stream_heartbeat,omitempty"`

	// StreamLinger is how long a queue item's event stream stays up
	// after the terminal event so late subscribers can observe it.
	// Default: 5s
	StreamLinger time.Duration `yaml:"stream_linger,omitempty"`
}

// SetDefaults applies default values to ServerConfig.
func (c *ServerConfig) SetDefaults() {
	if c.Port == 0 {
		c.Port = 3333
	}
	if c.CORS == nil {
		c.CORS = &CORSConfig{}
	}
	c.CORS.SetDefaults()
	if c.MaxMessageBytes == 0 {
		c.MaxMessageBytes = 102400
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	if c.StreamHeartbeat == 0 {
		c.StreamHeartbeat = 30 * time.Second
	}
	if c.StreamLinger == 0 {
		c.StreamLinger = 5 * time.Second
	}
}

// Validate checks ServerConfig for errors.
func (c *ServerConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	if c.MaxMessageBytes < 1 {
		return fmt.Errorf("max_message_bytes must be positive, got %d", c.MaxMessageBytes)
	}
	return nil
}

// CORSConfig configures cross-origin access.
type CORSConfig struct {
	// AllowedOrigins lists origins permitted to call the API.
	// Default: ["*"]
	AllowedOrigins []string `yaml:"allowed_origins,omitempty"`
}

// SetDefaults applies default values to CORSConfig.
func (c *CORSConfig) SetDefaults() {
	if len(c.AllowedOrigins) == 0 {
		c.AllowedOrigins = []string{"*"}
	}
}

// VaultConfig configures the document root.
type VaultConfig struct {
	// Path is the vault root directory. All document paths are resolved
	// relative to it and confined within it.
	// Default: examples/vault (the bundled sample)
	Path string `yaml:"path,omitempty"`
}

// SetDefaults applies default values to VaultConfig.
func (c *VaultConfig) SetDefaults() {
	if c.Path == "" {
		c.Path = "examples/vault"
	}
}

// Validate checks VaultConfig for errors.
func (c *VaultConfig) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("path is required")
	}
	return nil
}

// QueueConfig configures the execution queue.
type QueueConfig struct {
	// Capacity is the maximum number of items the queue holds;
	// enqueue beyond it fails.
	// Default: 100
	Capacity int `yaml:"capacity,omitempty"`

	// TerminalRetention is how many completed/failed/cancelled items
	// are kept before the oldest are pruned.
	// Default: 50
	TerminalRetention int `yaml:"terminal_retention,omitempty"`

	// Persist enables best-effort snapshots to <vault>/.queue/queue.json
	// on every mutation.
	// Default: true
	Persist *bool `yaml:"persist,omitempty"`
}

// SetDefaults applies default values to QueueConfig.
func (c *QueueConfig) SetDefaults() {
	if c.Capacity == 0 {
		c.Capacity = 100
	}
	if c.TerminalRetention == 0 {
		c.TerminalRetention = 50
	}
	if c.Persist == nil {
		persist := true
		c.Persist = &persist
	}
}

// Validate checks QueueConfig for errors.
func (c *QueueConfig) Validate() error {
	if c.Capacity < 1 {
		return fmt.Errorf("capacity must be positive, got %d", c.Capacity)
	}
	if c.TerminalRetention < 0 {
		return fmt.Errorf("terminal_retention cannot be negative, got %d", c.TerminalRetention)
	}
	return nil
}

// PersistEnabled reports whether queue snapshots are written.
func (c *QueueConfig) PersistEnabled() bool {
	if c.Persist == nil {
		return true
	}
	return *c.Persist
}

// OrchestratorConfig configures execution dispatch and the background loops.
type OrchestratorConfig struct {
	// MaxConcurrent caps simultaneous queue-driven executions.
	// Immediate and streaming chat runs are not subject to this cap.
	// Default: 1
	MaxConcurrent int `yaml:"max_concurrent,omitempty"`

	// MaxSpawnDepth is the fallback spawn-depth ceiling for agents that
	// do not set their own. An item at depth >= the ceiling cannot
	// spawn children.
	// Default: 3
	MaxSpawnDepth int `yaml:"max_spawn_depth,omitempty"`

	// DrainInterval is how often the drain loop polls for claimable
	// work. Enqueues nudge it immediately.
	// Default: 5s
	DrainInterval time.Duration `yaml:"drain_interval,omitempty"`

	// TriggerInterval is how often scheduled agents are evaluated.
	// Default: 60s
	TriggerInterval time.Duration `yaml:"trigger_interval,omitempty"`

	// TriggerBootDelay is the one-shot trigger pass delay after boot.
	// Default: 5s
	TriggerBootDelay time.Duration `yaml:"trigger_boot_delay,omitempty"`

	// SessionCleanupInterval is how often idle sessions are evicted.
	// Default: 1h
	SessionCleanupInterval time.Duration `yaml:"session_cleanup_interval,omitempty"`

	// SessionCleanupBootDelay is the first cleanup pass delay after boot.
	// Default: 30s
	SessionCleanupBootDelay time.Duration `yaml:"session_cleanup_boot_delay,omitempty"`

	// PermissionSweepInterval is how often stale permission requests
	// are swept.
	// Default: 2m
	PermissionSweepInterval time.Duration `yaml:"permission_sweep_interval,omitempty"`

	// PermissionSweepBootDelay is the first sweep delay after boot.
	// Default: 30s
	PermissionSweepBootDelay time.Duration `yaml:"permission_sweep_boot_delay,omitempty"`
}

// SetDefaults applies default values to OrchestratorConfig.
func (c *OrchestratorConfig) SetDefaults() {
	if c.MaxConcurrent == 0 {
		c.MaxConcurrent = 1
	}
	if c.MaxSpawnDepth == 0 {
		c.MaxSpawnDepth = 3
	}
	if c.DrainInterval == 0 {
		c.DrainInterval = 5 * time.Second
	}
	if c.TriggerInterval == 0 {
		c.TriggerInterval = 60 * time.Second
	}
	if c.TriggerBootDelay == 0 {
		c.TriggerBootDelay = 5 * time.Second
	}
	if c.SessionCleanupInterval == 0 {
		c.SessionCleanupInterval = time.Hour
	}
	if c.SessionCleanupBootDelay == 0 {
		c.SessionCleanupBootDelay = 30 * time.Second
	}
	if c.PermissionSweepInterval == 0 {
		c.PermissionSweepInterval = 2 * time.Minute
	}
	if c.PermissionSweepBootDelay == 0 {
		c.PermissionSweepBootDelay = 30 * time.Second
	}
}

// Validate checks OrchestratorConfig for errors.
func (c *OrchestratorConfig) Validate() error {
	if c.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be positive, got %d", c.MaxConcurrent)
	}
	if c.MaxSpawnDepth < 1 {
		return fmt.Errorf("max_spawn_depth must be positive, got %d", c.MaxSpawnDepth)
	}
	return nil
}

// SessionsConfig configures the session store.
type SessionsConfig struct {
	// IdleEviction is how long a loaded session may sit unaccessed
	// before it is dropped from memory. Files are never deleted.
	// Default: 30m
	IdleEviction time.Duration `yaml:"idle_eviction,omitempty"`

	// SynthesizeTitles enables asynchronous title generation for new
	// conversational sessions.
	// Default: true
	SynthesizeTitles *bool `yaml:"synthesize_titles,omitempty"`
}

// SetDefaults applies default values to SessionsConfig.
func (c *SessionsConfig) SetDefaults() {
	if c.IdleEviction == 0 {
		c.IdleEviction = 30 * time.Minute
	}
	if c.SynthesizeTitles == nil {
		synth := true
		c.SynthesizeTitles = &synth
	}
}

// Validate checks SessionsConfig for errors.
func (c *SessionsConfig) Validate() error {
	if c.IdleEviction < 0 {
		return fmt.Errorf("idle_eviction cannot be negative")
	}
	return nil
}

// TitlesEnabled reports whether session titles are synthesized.
func (c *SessionsConfig) TitlesEnabled() bool {
	if c.SynthesizeTitles == nil {
		return true
	}
	return *c.SynthesizeTitles
}

// ContextConfig configures history replay and token budgeting.
type ContextConfig struct {
	// TokenBudget caps how much conversation history is replayed into
	// a composed prompt before older messages are truncated.
	// Default: 50000
	TokenBudget int `yaml:"token_budget,omitempty"`

	// Estimator selects how token counts are estimated.
	// Values: "heuristic" (default, ~4 chars/token), "tiktoken"
	Estimator string `yaml:"estimator,omitempty"`

	// Encoding is the tiktoken encoding used when Estimator is
	// "tiktoken".
	// Default: cl100k_base
	Encoding string `yaml:"encoding,omitempty"`
}

// SetDefaults applies default values to ContextConfig.
func (c *ContextConfig) SetDefaults() {
	if c.TokenBudget == 0 {
		c.TokenBudget = 50000
	}
	if c.Estimator == "" {
		c.Estimator = "heuristic"
	}
	if c.Encoding == "" {
		c.Encoding = "cl100k_base"
	}
}

// Validate checks ContextConfig for errors.
func (c *ContextConfig) Validate() error {
	if c.TokenBudget < 1 {
		return fmt.Errorf("token_budget must be positive, got %d", c.TokenBudget)
	}
	switch c.Estimator {
	case "heuristic", "tiktoken":
		return nil
	default:
		return fmt.Errorf("unknown estimator %q (valid: heuristic, tiktoken)", c.Estimator)
	}
}

// PermissionsConfig configures the write-approval broker.
type PermissionsConfig struct {
	// Timeout is how long a write-class tool call waits for a client
	// decision before it is denied.
	// Default: 120s
	Timeout time.Duration `yaml:"timeout,omitempty"`

	// PendingMaxAge is the sweeper ceiling for unresolved requests.
	// Default: 5m
	PendingMaxAge time.Duration `yaml:"pending_max_age,omitempty"`

	// ResolvedMaxAge is the sweeper ceiling for resolved requests.
	// Default: 1m
	ResolvedMaxAge time.Duration `yaml:"resolved_max_age,omitempty"`
}

// SetDefaults applies default values to PermissionsConfig.
func (c *PermissionsConfig) SetDefaults() {
	if c.Timeout == 0 {
		c.Timeout = 120 * time.Second
	}
	if c.PendingMaxAge == 0 {
		c.PendingMaxAge = 5 * time.Minute
	}
	if c.ResolvedMaxAge == 0 {
		c.ResolvedMaxAge = time.Minute
	}
}

// Validate checks PermissionsConfig for errors.
func (c *PermissionsConfig) Validate() error {
	if c.Timeout < 0 {
		return fmt.Errorf("timeout cannot be negative")
	}
	return nil
}

// UpstreamProvider identifies the LLM backend.
type UpstreamProvider string

const (
	ProviderAnthropic UpstreamProvider = "anthropic"
	ProviderGemini    UpstreamProvider = "gemini"
)

// UpstreamConfig configures the LLM client.
type UpstreamConfig struct {
	// Provider selects the backend (anthropic, gemini).
	// Default: anthropic
	Provider UpstreamProvider `yaml:"provider,omitempty"`

	// Model is the default model for agents that do not name one.
	// Default: claude-sonnet-4-5-20250929 (anthropic), gemini-2.0-flash (gemini)
	Model string `yaml:"model,omitempty"`

	// APIKey authenticates against the provider. Falls back to
	// ANTHROPIC_API_KEY or GEMINI_API_KEY.
	APIKey string `yaml:"api_key,omitempty"`

	// MaxTokens caps the tokens generated per assistant turn.
	// Default: 8192
	MaxTokens int `yaml:"max_tokens,omitempty"`

	// Timeout bounds a single query, zero means no bound.
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// SetDefaults applies default values to UpstreamConfig.
func (c *UpstreamConfig) SetDefaults() {
	if c.Provider == "" {
		c.Provider = ProviderAnthropic
	}
	if c.Model == "" {
		switch c.Provider {
		case ProviderGemini:
			c.Model = "gemini-2.0-flash"
		default:
			c.Model = "claude-sonnet-4-5-20250929"
		}
	}
	if c.APIKey == "" {
		c.APIKey = ProviderAPIKey(string(c.Provider))
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 8192
	}
}

// Validate checks UpstreamConfig for errors.
func (c *UpstreamConfig) Validate() error {
	switch c.Provider {
	case ProviderAnthropic, ProviderGemini:
	default:
		return fmt.Errorf("unknown provider %q (valid: anthropic, gemini)", c.Provider)
	}
	if c.MaxTokens < 1 {
		return fmt.Errorf("max_tokens must be positive, got %d", c.MaxTokens)
	}
	return nil
}

// LoggingConfig configures logging behavior.
//
// Priority order (highest to lowest):
//  1. CLI flags (--log-level)
//  2. Environment variables (LOG_LEVEL, LOG_FILE, LOG_FORMAT)
//  3. Config file (logging section)
//  4. Defaults (info level, simple format, stderr)
type LoggingConfig struct {
	// Level specifies the log level (debug, info, warn, error).
	// Default: info
	Level string `yaml:"level,omitempty"`

	// File specifies the log file path. Empty logs to stderr.
	File string `yaml:"file,omitempty"`

	// Format specifies the log format: "simple" (level + message) or
	// "verbose" (time + level + message).
	// Default: simple
	Format string `yaml:"format,omitempty"`
}

// SetDefaults applies default values to LoggingConfig.
func (c *LoggingConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "simple"
	}
}

// Validate checks LoggingConfig for errors.
func (c *LoggingConfig) Validate() error {
	switch c.Level {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log level %q (valid: debug, info, warn, error)", c.Level)
	}
	return nil
}
