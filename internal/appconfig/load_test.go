package appconfig

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store.Backend != "redis" || cfg.Runtime.Backend != "docker" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

func TestLoadOverridesFromFile(t *testing.T) {
	path := writeConfig(t, `
config_version: 1
store:
  backend: postgres
  postgres:
    dsn: postgres://u@db/moorage
runtime:
  backend: podman
  serialize_create: true
  exec_shell: ["sh", "-c"]
sweep:
  inactivity_threshold: 5m
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store.Backend != "postgres" || cfg.Store.Postgres.DSN != "postgres://u@db/moorage" {
		t.Fatalf("unexpected store %+v", cfg.Store)
	}
	if cfg.Store.Postgres.Table != "moorage_sessions" {
		t.Fatalf("expected default table, got %q", cfg.Store.Postgres.Table)
	}
	if !cfg.Runtime.SerializeCreate || cfg.Runtime.Backend != "podman" {
		t.Fatalf("unexpected runtime %+v", cfg.Runtime)
	}
	if strings.Join(cfg.Runtime.ExecShell, " ") != "sh -c" {
		t.Fatalf("unexpected exec shell %v", cfg.Runtime.ExecShell)
	}
	if cfg.Sweep.Threshold().Minutes() != 5 {
		t.Fatalf("unexpected threshold %q", cfg.Sweep.InactivityThreshold)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("MOORAGE_STORE_REDIS_ADDR", "redis.internal:6380")
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store.Redis.Addr != "redis.internal:6380" {
		t.Fatalf("expected env override, got %q", cfg.Store.Redis.Addr)
	}
}

func TestLoadRejectsUnsupportedConfigVersion(t *testing.T) {
	path := writeConfig(t, `
config_version: 3
store:
  backend: redis
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "unsupported config_version") {
		t.Fatalf("expected config_version error, got %v", err)
	}
}

func TestLoadRequiresConfigVersion(t *testing.T) {
	path := writeConfig(t, `
store:
  backend: redis
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "config_version is required") {
		t.Fatalf("expected config_version error, got %v", err)
	}
}

func TestLoadRejectsUnsupportedRuntime(t *testing.T) {
	path := writeConfig(t, `
config_version: 1
runtime:
  backend: nope
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "unsupported runtime.backend") {
		t.Fatalf("expected runtime error, got %v", err)
	}
}

func TestLoadRejectsContainerdWithoutBuildKit(t *testing.T) {
	path := writeConfig(t, `
config_version: 1
runtime:
  backend: containerd
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "requires runtime.build.builder buildkit") {
		t.Fatalf("expected builder error, got %v", err)
	}
}

func TestLoadRejectsBadSchedule(t *testing.T) {
	path := writeConfig(t, `
config_version: 1
sweep:
  schedule: "every now and then"
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "sweep.schedule") {
		t.Fatalf("expected schedule error, got %v", err)
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := writeConfig(t, `
config_version: 1
sweep:
  cleanup_max_age: forever
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "sweep.cleanup_max_age") {
		t.Fatalf("expected duration error, got %v", err)
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("FOO", "bar")
	value := expandEnv("$FOO/$UID/$GID/$MISSING")
	if !strings.HasPrefix(value, "bar/") {
		t.Fatalf("expected env expansion, got %q", value)
	}
	if strings.Contains(value, "$UID") || strings.Contains(value, "$GID") {
		t.Fatalf("expected UID/GID expansion, got %q", value)
	}
	if !strings.HasSuffix(value, "/$MISSING") {
		t.Fatalf("expected missing vars to remain, got %q", value)
	}
}

func TestWriteDefaultRespectsOverwrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	written, err := WriteDefault(path, false)
	if err != nil {
		t.Fatalf("write default: %v", err)
	}
	if written != path {
		t.Fatalf("expected path %q, got %q", path, written)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected config to exist: %v", err)
	}
	if _, err := WriteDefault(path, false); err == nil {
		t.Fatalf("expected error when config exists")
	}
	if _, err := WriteDefault(path, true); err != nil {
		t.Fatalf("expected overwrite to succeed: %v", err)
	}
	if _, err := Load(path); err != nil {
		t.Fatalf("written default does not load: %v", err)
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(strings.TrimSpace(content)+"\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}
