package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("expected error for explicit missing config file")
	}

	cfg = Default()
	if cfg.Proxy.Frontend != "tcp://0.0.0.0:10123" {
		t.Fatalf("frontend default = %q", cfg.Proxy.Frontend)
	}
	if !cfg.Worker.RestartDead {
		t.Fatal("restart_dead should default to true")
	}
	if cfg.Cache.TTLSeconds != 300 {
		t.Fatalf("cache ttl default = %d", cfg.Cache.TTLSeconds)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vdispatch.yaml")
	body := `
proxy:
  frontend: tcp://0.0.0.0:20123
worker:
  concurrency: 4
  restart_dead: false
cache:
  ttl: 60
log:
  level: debug
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Proxy.Frontend != "tcp://0.0.0.0:20123" {
		t.Fatalf("frontend = %q", cfg.Proxy.Frontend)
	}
	// untouched keys keep defaults
	if cfg.Proxy.Backend != "tcp://0.0.0.0:10124" {
		t.Fatalf("backend = %q", cfg.Proxy.Backend)
	}
	if cfg.Worker.Concurrency != 4 || cfg.Worker.RestartDead {
		t.Fatalf("worker = %+v", cfg.Worker)
	}
	if cfg.Cache.TTLSeconds != 60 {
		t.Fatalf("cache ttl = %d", cfg.Cache.TTLSeconds)
	}
	if cfg.Log.Level != "debug" {
		t.Fatalf("log level = %q", cfg.Log.Level)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("VDISPATCH_LOG_LEVEL", "warn")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Log.Level != "warn" {
		t.Fatalf("log level = %q, want env override", cfg.Log.Level)
	}
}

func TestValidateRejectsBadLevel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(path, []byte("log:\n  level: loud\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid log level")
	}
}
