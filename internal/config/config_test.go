package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()
	if cfg.CursorCLI.Path != "cursor" {
		t.Errorf("expected cursor, got %s", cfg.CursorCLI.Path)
	}
	if cfg.CursorCLI.TimeoutMS != 300_000 {
		t.Errorf("expected 300000, got %d", cfg.CursorCLI.TimeoutMS)
	}
	if cfg.CursorCLI.MaxOutputSize != 10*1024*1024 {
		t.Errorf("expected 10 MiB, got %d", cfg.CursorCLI.MaxOutputSize)
	}
	if cfg.CursorCLI.MaxConcurrent != 5 {
		t.Errorf("expected 5, got %d", cfg.CursorCLI.MaxConcurrent)
	}
	if cfg.Loop.MaxIterations != 5 {
		t.Errorf("expected 5, got %d", cfg.Loop.MaxIterations)
	}
	if cfg.Redis.TTLSeconds != 3600 {
		t.Errorf("expected 3600, got %d", cfg.Redis.TTLSeconds)
	}
	if cfg.Webhook.CallbackBaseURL != "http://app:3000" {
		t.Errorf("unexpected callback base: %s", cfg.Webhook.CallbackBaseURL)
	}
}

func TestLoadFromTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.toml")
	os.WriteFile(path, []byte(`
[cursor_cli]
path = "/usr/local/bin/cursor"
max_concurrent = 2

[redis]
key_prefix = "test:"
`), 0644)

	cfg := Load(path)
	if cfg.CursorCLI.Path != "/usr/local/bin/cursor" {
		t.Errorf("expected /usr/local/bin/cursor, got %s", cfg.CursorCLI.Path)
	}
	if cfg.CursorCLI.MaxConcurrent != 2 {
		t.Errorf("expected 2, got %d", cfg.CursorCLI.MaxConcurrent)
	}
	if cfg.Redis.KeyPrefix != "test:" {
		t.Errorf("expected test:, got %s", cfg.Redis.KeyPrefix)
	}
	// Defaults preserved
	if cfg.Server.Addr != ":3000" {
		t.Errorf("default should be preserved, got %s", cfg.Server.Addr)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("CURSOR_CLI_PATH", "/opt/cursor")
	t.Setenv("CURSOR_CLI_TIMEOUT_MS", "120000")
	t.Setenv("WEBHOOK_SECRET", "s3cret")

	cfg := Load("/nonexistent/path.toml")
	if cfg.CursorCLI.Path != "/opt/cursor" {
		t.Errorf("expected /opt/cursor, got %s", cfg.CursorCLI.Path)
	}
	if cfg.CursorCLI.TimeoutMS != 120_000 {
		t.Errorf("expected 120000, got %d", cfg.CursorCLI.TimeoutMS)
	}
	if cfg.Webhook.Secret != "s3cret" {
		t.Errorf("expected s3cret, got %s", cfg.Webhook.Secret)
	}
}

func TestClampCeilings(t *testing.T) {
	t.Setenv("CURSOR_CLI_TIMEOUT_MS", "7200000") // 2h, above the 1h ceiling
	t.Setenv("MAX_ITERATIONS", "100")

	cfg := Load("/nonexistent/path.toml")
	if cfg.CursorCLI.TimeoutMS != 3_600_000 {
		t.Errorf("hard timeout should clamp to 3600000, got %d", cfg.CursorCLI.TimeoutMS)
	}
	if cfg.Loop.MaxIterations != MaxIterationsCap {
		t.Errorf("iterations should clamp to %d, got %d", MaxIterationsCap, cfg.Loop.MaxIterations)
	}
}

func TestClampRepairsInvalid(t *testing.T) {
	t.Setenv("CURSOR_CLI_MAX_CONCURRENT", "0")
	t.Setenv("TTL_SECONDS", "-5")

	cfg := Load("/nonexistent/path.toml")
	if cfg.CursorCLI.MaxConcurrent != 5 {
		t.Errorf("expected default 5, got %d", cfg.CursorCLI.MaxConcurrent)
	}
	if cfg.Redis.TTLSeconds != 3600 {
		t.Errorf("expected default 3600, got %d", cfg.Redis.TTLSeconds)
	}
}
