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

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/OpenParachutePBC/parachute-agent/pkg/agent"
	"github.com/OpenParachutePBC/parachute-agent/pkg/bus"
	"github.com/OpenParachutePBC/parachute-agent/pkg/config"
	"github.com/OpenParachutePBC/parachute-agent/pkg/config/provider"
	"github.com/OpenParachutePBC/parachute-agent/pkg/observability"
	"github.com/OpenParachutePBC/parachute-agent/pkg/orchestrator"
	"github.com/OpenParachutePBC/parachute-agent/pkg/permission"
	"github.com/OpenParachutePBC/parachute-agent/pkg/queue"
	"github.com/OpenParachutePBC/parachute-agent/pkg/scanner"
	"github.com/OpenParachutePBC/parachute-agent/pkg/server"
	"github.com/OpenParachutePBC/parachute-agent/pkg/session"
	"github.com/OpenParachutePBC/parachute-agent/pkg/upstream"
	"github.com/OpenParachutePBC/parachute-agent/pkg/vault"
)

// ServeCmd starts the agent server.
type ServeCmd struct {
	Vault    string `help:"Path to the vault root directory." type:"path"`
	Host     string `help:"Host to bind to."`
	Port     int    `help:"Port to listen on."`
	APIKey   string `name:"api-key" help:"Require this key in the X-API-Key header."`
	Provider string `help:"LLM provider (anthropic, gemini)."`
	Model    string `help:"Default model for agents that do not name one."`
	Watch    bool   `help:"Watch the config file for changes."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("Shutting down...")
		cancel()
	}()

	cfg, loader, err := c.loadConfig(ctx, cli.Config)
	if err != nil {
		return err
	}
	if loader != nil {
		defer loader.Close()
	}
	c.applyFlags(cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// The config file's logging section only applies when no flag or
	// env var already configured logging.
	if !cliOverrodeLogging(cli) {
		if _, err := initLoggerFromCLI(cfg.Logging.Level, cfg.Logging.File, cfg.Logging.Format); err != nil {
			return err
		}
	}

	if c.Watch && loader != nil {
		go func() {
			if err := loader.Watch(ctx); err != nil && ctx.Err() == nil {
				slog.Error("Config watch error", "error", err)
			}
		}()
	}

	obs := observability.NewManager(*cfg.Observability)
	if err := obs.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize observability: %w", err)
	}

	v, err := vault.New(cfg.Vault.Path)
	if err != nil {
		return fmt.Errorf("failed to open vault: %w", err)
	}

	agents, err := agent.NewLoader(v, cfg.Upstream.Model)
	if err != nil {
		return err
	}

	var snapshotPath string
	if cfg.Queue.PersistEnabled() {
		snapshotPath = filepath.Join(v.Root(), ".queue", "queue.json")
	}
	q := queue.New(queue.Config{
		Capacity:          cfg.Queue.Capacity,
		TerminalRetention: cfg.Queue.TerminalRetention,
		MaxDepth:          cfg.Orchestrator.MaxSpawnDepth,
		Path:              snapshotPath,
	})

	sessions, err := session.NewStore(v, session.Config{
		IdleEviction:     cfg.Sessions.IdleEviction,
		SynthesizeTitles: cfg.Sessions.TitlesEnabled(),
	})
	if err != nil {
		return err
	}

	sc, err := scanner.New(v)
	if err != nil {
		return err
	}

	b := bus.New()
	broker := permission.NewBroker(permission.Config{
		Timeout:        cfg.Permissions.Timeout,
		PendingMaxAge:  cfg.Permissions.PendingMaxAge,
		ResolvedMaxAge: cfg.Permissions.ResolvedMaxAge,
	}, v, b)

	estimator, err := buildEstimator(cfg.Context)
	if err != nil {
		return err
	}

	client, err := buildUpstreamClient(cfg.Upstream)
	if err != nil {
		return err
	}

	orch, err := orchestrator.New(cfg.Orchestrator, cfg.Upstream, orchestrator.Deps{
		Vault:     v,
		Loader:    agents,
		Queue:     q,
		Sessions:  sessions,
		Builder:   session.NewContextBuilder(cfg.Context.TokenBudget, estimator),
		Broker:    broker,
		Scanner:   sc,
		Bus:       b,
		Client:    client,
		Estimator: estimator,
	})
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}
	if err := orch.Start(ctx); err != nil {
		return fmt.Errorf("failed to start orchestrator: %w", err)
	}

	srv, err := server.New(cfg.Server, server.Deps{
		Orchestrator:  orch,
		Queue:         q,
		Sessions:      sessions,
		Broker:        broker,
		Scanner:       sc,
		Bus:           b,
		Vault:         v,
		Loader:        agents,
		Observability: obs,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	printStartupInfo(cfg)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("Server shutdown", "error", err)
	}
	if err := orch.Shutdown(shutdownCtx); err != nil {
		slog.Warn("Orchestrator shutdown", "error", err)
	}
	if err := obs.Shutdown(shutdownCtx); err != nil {
		slog.Warn("Observability shutdown", "error", err)
	}
	return nil
}

// loadConfig loads the config file, or the defaults when none is given.
func (c *ServeCmd) loadConfig(ctx context.Context, path string) (*config.Config, *config.Loader, error) {
	if path == "" {
		path = os.Getenv("PARACHUTE_CONFIG")
	}
	if path == "" {
		cfg := config.Default()
		if err := config.ApplyEnvOverrides(cfg); err != nil {
			return nil, nil, err
		}
		slog.Info("No config file, using defaults")
		return cfg, nil, nil
	}

	p, err := provider.New(provider.ProviderConfig{Type: provider.TypeFile, Path: path})
	if err != nil {
		return nil, nil, err
	}
	loader := config.NewLoader(p)
	cfg, err := loader.Load(ctx)
	if err != nil {
		loader.Close()
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := config.ApplyEnvOverrides(cfg); err != nil {
		loader.Close()
		return nil, nil, err
	}
	slog.Info("Loaded configuration", "path", path)
	return cfg, loader, nil
}

// applyFlags copies explicitly-set CLI flags over the loaded config.
func (c *ServeCmd) applyFlags(cfg *config.Config) {
	if c.Vault != "" {
		cfg.Vault.Path = c.Vault
	}
	if c.Host != "" {
		cfg.Server.Host = c.Host
	}
	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}
	if c.APIKey != "" {
		cfg.Server.APIKey = c.APIKey
	}
	if c.Provider != "" {
		cfg.Upstream.Provider = config.UpstreamProvider(c.Provider)
		cfg.Upstream.Model = ""
		cfg.Upstream.APIKey = ""
		cfg.Upstream.SetDefaults()
	}
	if c.Model != "" {
		cfg.Upstream.Model = c.Model
	}
}

// buildEstimator selects the token estimator for context budgeting.
func buildEstimator(cfg config.ContextConfig) (session.Estimator, error) {
	switch cfg.Estimator {
	case "tiktoken":
		return session.NewTiktokenEstimator(cfg.Encoding)
	default:
		return session.HeuristicEstimator{}, nil
	}
}

// buildUpstreamClient builds the LLM client for the configured provider.
func buildUpstreamClient(cfg config.UpstreamConfig) (upstream.Client, error) {
	switch cfg.Provider {
	case config.ProviderGemini:
		return upstream.NewGemini(upstream.GeminiConfig{
			APIKey:    cfg.APIKey,
			Model:     cfg.Model,
			MaxTokens: cfg.MaxTokens,
		})
	default:
		return upstream.NewAnthropic(upstream.AnthropicConfig{
			APIKey:    cfg.APIKey,
			Model:     cfg.Model,
			MaxTokens: cfg.MaxTokens,
		})
	}
}

// printStartupInfo prints the endpoints the server exposes.
func printStartupInfo(cfg *config.Config) {
	host := cfg.Server.Host
	if host == "" {
		host = "localhost"
	}
	addr := fmt.Sprintf("%s:%d", host, cfg.Server.Port)

	green := "\033[38;2;16;185;129m"
	reset := "\033[0m"
	fmt.Printf("\n%sParachute agent server ready%s\n", green, reset)
	fmt.Printf("   API:         http://%s/api\n", addr)
	fmt.Printf("   Health:      http://%s/api/health\n", addr)
	fmt.Printf("   Vault:       %s\n", cfg.Vault.Path)
	fmt.Printf("   Provider:    %s (%s)\n", cfg.Upstream.Provider, cfg.Upstream.Model)
	if cfg.Server.APIKey != "" {
		fmt.Printf("   Auth:        X-API-Key required\n")
	}
	if cfg.Observability != nil {
		if cfg.Observability.Tracing.Enabled {
			fmt.Printf("   Tracing:     %s (%s)\n", cfg.Observability.Tracing.Exporter, cfg.Observability.Tracing.Endpoint)
		}
		if cfg.Observability.Metrics.Enabled {
			fmt.Printf("   Metrics:     http://%s%s\n", addr, cfg.Observability.Metrics.Endpoint)
		}
	}
	fmt.Println("\nPress Ctrl+C to stop")
}
