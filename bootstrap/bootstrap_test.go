package bootstrap

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"pkt.systems/moorage/internal/appconfig"
)

func TestSandboxContainerfileEmbedded(t *testing.T) {
	data, err := SandboxContainerfile()
	if err != nil {
		t.Fatalf("SandboxContainerfile: %v", err)
	}
	text := string(data)
	if !strings.HasPrefix(text, "FROM ") || !strings.Contains(text, "uv") {
		t.Fatalf("unexpected containerfile:\n%s", text)
	}
}

func TestWriteBuildContextUsesOverride(t *testing.T) {
	src := filepath.Join(t.TempDir(), "Custom")
	if err := os.WriteFile(src, []byte("FROM busybox\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	path, err := WriteBuildContext(dir, src)
	if err != nil {
		t.Fatalf("WriteBuildContext: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil || string(data) != "FROM busybox\n" {
		t.Fatalf("containerfile = %q, %v", data, err)
	}
	if filepath.Dir(path) != dir {
		t.Fatalf("unexpected path %q", path)
	}
}

func TestDefaultFilesComposeAndConfig(t *testing.T) {
	files, err := DefaultFiles(Options{ImageTag: "v1.2.3"})
	if err != nil {
		t.Fatalf("DefaultFiles: %v", err)
	}
	compose := string(files.ComposeYAML)
	if !strings.Contains(compose, "docker.io/pktsystems/moorage:v1.2.3") {
		t.Fatalf("compose missing server image:\n%s", compose)
	}
	var parsed struct {
		Services map[string]any `yaml:"services"`
	}
	if err := yaml.Unmarshal(files.ComposeYAML, &parsed); err != nil {
		t.Fatalf("compose is not yaml: %v", err)
	}
	if _, ok := parsed.Services["redis"]; !ok {
		t.Fatalf("compose missing redis service")
	}
	var cfg appconfig.Config
	if err := yaml.Unmarshal(files.ConfigYAML, &cfg); err != nil {
		t.Fatalf("config: %v", err)
	}
	if cfg.Store.Redis.Addr != "redis:6379" || cfg.HTTP.Addr != "0.0.0.0:27480" {
		t.Fatalf("unexpected container config %+v", cfg)
	}
}

func TestDefaultFilesAppliesOverrides(t *testing.T) {
	override, err := ParseOverride("runtime.serialize_create=true")
	if err != nil {
		t.Fatalf("ParseOverride: %v", err)
	}
	files, err := DefaultFiles(Options{Overrides: []ConfigOverride{override}})
	if err != nil {
		t.Fatalf("DefaultFiles: %v", err)
	}
	var cfg appconfig.Config
	if err := yaml.Unmarshal(files.ConfigYAML, &cfg); err != nil {
		t.Fatalf("config: %v", err)
	}
	if !cfg.Runtime.SerializeCreate {
		t.Fatalf("override not applied")
	}
}

func TestDefaultFilesRejectsInvalidOverride(t *testing.T) {
	_, err := DefaultFiles(Options{Overrides: []ConfigOverride{{Path: "runtime.backend", Value: "lxc"}}})
	if err == nil || !strings.Contains(err.Error(), "runtime.backend") {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestParseOverrideRejectsMissingValue(t *testing.T) {
	if _, err := ParseOverride("store.backend"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestWriteFilesRespectsOverwrite(t *testing.T) {
	files, err := DefaultFiles(Options{})
	if err != nil {
		t.Fatalf("DefaultFiles: %v", err)
	}
	dir := t.TempDir()
	paths, err := WriteFiles(dir, files, false)
	if err != nil {
		t.Fatalf("WriteFiles: %v", err)
	}
	for _, p := range []string{paths.ConfigPath, paths.ComposePath, paths.SandboxContainerfile} {
		if _, err := os.Stat(p); err != nil {
			t.Fatalf("missing %s: %v", p, err)
		}
	}
	if _, err := WriteFiles(dir, files, false); err == nil {
		t.Fatalf("expected error when files exist")
	}
	if _, err := WriteFiles(dir, files, true); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
}

func TestStripImageTag(t *testing.T) {
	cases := map[string]string{
		"docker.io/pktsystems/moorage:v1":       "docker.io/pktsystems/moorage",
		"localhost:5000/moorage":                "localhost:5000/moorage",
		"docker.io/pktsystems/moorage@sha256:x": "docker.io/pktsystems/moorage",
	}
	for in, want := range cases {
		if got := stripImageTag(in); got != want {
			t.Fatalf("stripImageTag(%q) = %q, want %q", in, got, want)
		}
	}
}
