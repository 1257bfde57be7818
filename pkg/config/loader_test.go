package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/OpenParachutePBC/parachute-agent/pkg/config/provider"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 8080
  max_message_bytes: 2048
vault:
  path: /tmp/vault
queue:
  capacity: 10
  terminal_retention: 5
permissions:
  timeout: 90s
sessions:
  idle_eviction: 10m
`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("expected port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Server.MaxMessageBytes != 2048 {
		t.Errorf("expected max_message_bytes 2048, got %d", cfg.Server.MaxMessageBytes)
	}
	if cfg.Vault.Path != "/tmp/vault" {
		t.Errorf("expected vault path /tmp/vault, got %s", cfg.Vault.Path)
	}
	if cfg.Queue.Capacity != 10 {
		t.Errorf("expected capacity 10, got %d", cfg.Queue.Capacity)
	}
	if cfg.Permissions.Timeout != 90*time.Second {
		t.Errorf("expected timeout 90s, got %v", cfg.Permissions.Timeout)
	}
	if cfg.Sessions.IdleEviction != 10*time.Minute {
		t.Errorf("expected idle_eviction 10m, got %v", cfg.Sessions.IdleEviction)
	}

	// Untouched sections still get defaults.
	if cfg.Orchestrator.MaxConcurrent != 1 {
		t.Errorf("expected default max_concurrent 1, got %d", cfg.Orchestrator.MaxConcurrent)
	}
}

func TestLoadFile_JSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{"server": {"port": 9090}, "vault": {"path": "/data/vault"}}`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("failed to load JSON config: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Vault.Path != "/data/vault" {
		t.Errorf("expected vault path /data/vault, got %s", cfg.Vault.Path)
	}
}

func TestLoadFile_EmptyIsDefaults(t *testing.T) {
	path := writeConfig(t, "")

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("failed to load empty config: %v", err)
	}
	if cfg.Server.Port != 3333 {
		t.Errorf("expected default port 3333, got %d", cfg.Server.Port)
	}
}

func TestLoadFile_EnvExpansion(t *testing.T) {
	t.Setenv("TEST_VAULT_DIR", "/srv/vault")
	t.Setenv("TEST_PORT", "4444")

	path := writeConfig(t, `
server:
  port: ${TEST_PORT}
vault:
  path: ${TEST_VAULT_DIR}
upstream:
  model: ${TEST_MISSING_MODEL:-claude-sonnet-4-5-20250929}
`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if cfg.Server.Port != 4444 {
		t.Errorf("expected port 4444, got %d", cfg.Server.Port)
	}
	if cfg.Vault.Path != "/srv/vault" {
		t.Errorf("expected vault path /srv/vault, got %s", cfg.Vault.Path)
	}
	if cfg.Upstream.Model != "claude-sonnet-4-5-20250929" {
		t.Errorf("expected default-expanded model, got %s", cfg.Upstream.Model)
	}
}

func TestLoadFile_NotFound(t *testing.T) {
	_, err := LoadFile("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("expected error for nonexistent file")
	}
}

func TestLoadFile_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "server:\n  port: [unclosed\n")
	if _, err := LoadFile(path); err == nil {
		t.Fatal("expected error for invalid YAML")
	}
}

func TestLoadFile_ValidationError(t *testing.T) {
	path := writeConfig(t, "context:\n  estimator: wordcount\n")
	if _, err := LoadFile(path); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestLoader_Watch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: 3333\n"), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	p, err := provider.NewFileProvider(path)
	if err != nil {
		t.Fatalf("failed to create provider: %v", err)
	}
	defer p.Close()

	reloaded := make(chan *Config, 1)
	loader := NewLoader(p, WithOnChange(func(c *Config) {
		select {
		case reloaded <- c:
		default:
		}
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- loader.Watch(ctx) }()

	// Let the watcher establish before touching the file.
	time.Sleep(200 * time.Millisecond)

	if err := os.WriteFile(path, []byte("server:\n  port: 4444\n"), 0644); err != nil {
		t.Fatalf("failed to rewrite config: %v", err)
	}

	select {
	case cfg := <-reloaded:
		if cfg.Server.Port != 4444 {
			t.Errorf("expected reloaded port 4444, got %d", cfg.Server.Port)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for config reload")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("watch did not stop after cancel")
	}
}

func TestLoader_Watch_BadReloadKeepsRunning(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: 3333\n"), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	p, err := provider.NewFileProvider(path)
	if err != nil {
		t.Fatalf("failed to create provider: %v", err)
	}
	defer p.Close()

	reloaded := make(chan *Config, 1)
	loader := NewLoader(p, WithOnChange(func(c *Config) {
		select {
		case reloaded <- c:
		default:
		}
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = loader.Watch(ctx) }()
	time.Sleep(200 * time.Millisecond)

	// Broken config: reload fails, previous config stays in force.
	if err := os.WriteFile(path, []byte("context:\n  estimator: bogus\n"), 0644); err != nil {
		t.Fatalf("failed to rewrite config: %v", err)
	}
	select {
	case <-reloaded:
		t.Fatal("broken config should not trigger onChange")
	case <-time.After(500 * time.Millisecond):
	}

	// A subsequent valid write still reloads.
	if err := os.WriteFile(path, []byte("server:\n  port: 5555\n"), 0644); err != nil {
		t.Fatalf("failed to rewrite config: %v", err)
	}
	select {
	case cfg := <-reloaded:
		if cfg.Server.Port != 5555 {
			t.Errorf("expected reloaded port 5555, got %d", cfg.Server.Port)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for recovery reload")
	}
}
