package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()
	if cfg.ListenAddr != ":8080" {
		t.Errorf("expected :8080, got %s", cfg.ListenAddr)
	}
	if cfg.DataDir != "/var/lib/sentry" {
		t.Errorf("expected /var/lib/sentry, got %s", cfg.DataDir)
	}
	if cfg.Temporal.Host != "temporal:7233" {
		t.Errorf("expected temporal:7233, got %s", cfg.Temporal.Host)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("expected info, got %s", cfg.LogLevel)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	os.WriteFile(path, []byte(`{
		"listen_addr": ":9090",
		"data_dir": "/tmp/test",
		"redis_url": "redis://cache:6379/0",
		"llm": {
			"provider": "anthropic",
			"model": "claude-sonnet-4-5"
		}
	}`), 0o644)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.ListenAddr != ":9090" {
		t.Errorf("expected :9090, got %s", cfg.ListenAddr)
	}
	if cfg.DataDir != "/tmp/test" {
		t.Errorf("expected /tmp/test, got %s", cfg.DataDir)
	}
	if !cfg.HasRedis() {
		t.Error("expected redis configured")
	}
	if cfg.LLM.Provider != "anthropic" {
		t.Errorf("expected anthropic, got %s", cfg.LLM.Provider)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	os.WriteFile(path, []byte(`{"listen_addr": ":9090", "temporal": {"host": "old:7233"}}`), 0o644)

	t.Setenv("SENTRY_LISTEN", ":7070")
	t.Setenv("TEMPORAL_HOST", "temporal.internal:7233")
	t.Setenv("LLM_API_KEY", "sk-test")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.ListenAddr != ":7070" {
		t.Errorf("env should override file: got %s", cfg.ListenAddr)
	}
	if cfg.Temporal.Host != "temporal.internal:7233" {
		t.Errorf("env should override file: got %s", cfg.Temporal.Host)
	}
	if !cfg.HasLLM() {
		t.Error("LLM_API_KEY should mark the provider configured")
	}
}

func TestLoadFromEnvOnly(t *testing.T) {
	t.Setenv("SENTRY_DATA_DIR", "/tmp/env-test")
	t.Setenv("SENTRY_LOG_LEVEL", "debug")

	cfg := LoadFromEnv()
	if cfg.DataDir != "/tmp/env-test" {
		t.Errorf("expected /tmp/env-test, got %s", cfg.DataDir)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("expected debug, got %s", cfg.LogLevel)
	}
	if cfg.StorePath() != "/tmp/env-test/sentry.db" {
		t.Errorf("unexpected store path %s", cfg.StorePath())
	}
	if cfg.ToolDir() != "/tmp/env-test/tools" {
		t.Errorf("unexpected tool dir %s", cfg.ToolDir())
	}
}

func TestSaveAndReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.json")

	cfg := Default()
	cfg.ListenAddr = ":3000"
	cfg.LLM.Provider = "openai"

	if err := cfg.Save(path); err != nil {
		t.Fatal(err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if loaded.ListenAddr != ":3000" {
		t.Errorf("expected :3000, got %s", loaded.ListenAddr)
	}
	if loaded.LLM.Provider != "openai" {
		t.Errorf("expected openai, got %s", loaded.LLM.Provider)
	}
}

func TestUploadsDefaultsUnderDataDir(t *testing.T) {
	cfg := Default()
	if cfg.Uploads() != "/var/lib/sentry/uploads" {
		t.Errorf("unexpected uploads dir %s", cfg.Uploads())
	}
	cfg.UploadDir = "/srv/evidence"
	if cfg.Uploads() != "/srv/evidence" {
		t.Errorf("explicit dir ignored: %s", cfg.Uploads())
	}
}
