package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadFromPath(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("port = %d", cfg.Server.Port)
	}
	if cfg.Commission.DefaultRateBps != 1000 {
		t.Fatalf("rate = %d", cfg.Commission.DefaultRateBps)
	}
	if cfg.Commission.RollupSchedule == "" {
		t.Fatal("rollup schedule empty")
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobcore.yaml")
	data := []byte(`
server:
  host: 127.0.0.1
  port: 9090
commission:
  default_rate_bps: 850
redis:
  addr: localhost:6379
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Host != "127.0.0.1" || cfg.Server.Port != 9090 {
		t.Fatalf("server = %+v", cfg.Server)
	}
	if cfg.Commission.DefaultRateBps != 850 {
		t.Fatalf("rate = %d", cfg.Commission.DefaultRateBps)
	}
	if cfg.Redis.Addr != "localhost:6379" {
		t.Fatalf("redis = %+v", cfg.Redis)
	}
	// Unset sections keep their defaults.
	if cfg.Logging.Level != "info" {
		t.Fatalf("log level = %s", cfg.Logging.Level)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SERVER_PORT", "7001")
	t.Setenv("COMMISSION_DEFAULT_RATE_BPS", "1250")
	t.Setenv("REALTIME_JWT_SECRET", "s3cret")

	cfg, err := LoadFromPath(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 7001 {
		t.Fatalf("port = %d", cfg.Server.Port)
	}
	if cfg.Commission.DefaultRateBps != 1250 {
		t.Fatalf("rate = %d", cfg.Commission.DefaultRateBps)
	}
	if cfg.Realtime.JWTSecret != "s3cret" {
		t.Fatal("jwt secret not applied")
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("SERVER_PORT", "70000")
	if _, err := LoadFromPath(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("port out of range accepted")
	}

	t.Setenv("SERVER_PORT", "8080")
	t.Setenv("COMMISSION_DEFAULT_RATE_BPS", "10500")
	if _, err := LoadFromPath(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("rate over 100% accepted")
	}
}
