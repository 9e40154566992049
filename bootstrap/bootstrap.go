// Package bootstrap carries the embedded sandbox build definition and
// generates a compose bundle for running the orchestrator next to Redis.
package bootstrap

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"

	"pkt.systems/moorage/internal/appconfig"
	"pkt.systems/moorage/internal/shipohoy"
	"pkt.systems/moorage/internal/version"
)

const (
	sandboxContainerfileRel = "files/Containerfile.sandbox"
	containerConfigName     = "config-for-container.yaml"
	defaultServerImage      = "docker.io/pktsystems/moorage"
	defaultRedisImage       = "docker.io/library/redis:7-alpine"
	defaultPublishAddr      = "127.0.0.1:27480"
	defaultDockerSock       = "/var/run/docker.sock"
)

// SandboxContainerfile returns the embedded sandbox image definition.
func SandboxContainerfile() ([]byte, error) {
	return readEmbeddedFile(sandboxContainerfileRel)
}

// WriteBuildContext writes the sandbox Containerfile into dir and returns
// its path. A non-empty overridePath replaces the embedded definition.
func WriteBuildContext(dir, overridePath string) (string, error) {
	if strings.TrimSpace(dir) == "" {
		return "", fmt.Errorf("build context directory is required")
	}
	var (
		data []byte
		err  error
	)
	if strings.TrimSpace(overridePath) != "" {
		data, err = os.ReadFile(overridePath)
		if err != nil {
			return "", fmt.Errorf("read containerfile %s: %w", overridePath, err)
		}
	} else {
		data, err = SandboxContainerfile()
		if err != nil {
			return "", err
		}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, shipohoy.DefaultContainerfile)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// Files represents generated bundle artifacts.
type Files struct {
	ConfigYAML           []byte
	ComposeYAML          []byte
	SandboxContainerfile []byte
}

// BundlePaths lists output locations for generated artifacts.
type BundlePaths struct {
	ConfigPath           string
	ComposePath          string
	SandboxContainerfile string
}

// Options controls optional bundle behaviors.
type Options struct {
	ImageTag    string
	PublishAddr string
	DockerSock  string
	Overrides   []ConfigOverride
}

// ConfigOverride sets a dotted config path in the generated config.
type ConfigOverride struct {
	Path  string
	Value any
}

type templateData struct {
	ConfigFile     string
	ServerImage    string
	RedisImage     string
	PublishAddr    string
	HostDockerSock string
}

// DefaultFiles returns the compose bundle with options applied.
func DefaultFiles(opts Options) (Files, error) {
	cfg, err := ContainerConfig()
	if err != nil {
		return Files{}, err
	}
	configYAML, err := yaml.Marshal(cfg)
	if err != nil {
		return Files{}, err
	}
	configYAML, err = applyOverridesToYAML(configYAML, opts.Overrides)
	if err != nil {
		return Files{}, err
	}
	if err := validateYAML(configYAML); err != nil {
		return Files{}, err
	}
	compose, err := renderTemplate("templates/docker-compose.yaml.tmpl", templateData{
		ConfigFile:     containerConfigName,
		ServerImage:    tagImage(defaultServerImage, resolveImageTag(opts.ImageTag)),
		RedisImage:     defaultRedisImage,
		PublishAddr:    firstNonEmpty(opts.PublishAddr, defaultPublishAddr),
		HostDockerSock: firstNonEmpty(opts.DockerSock, defaultDockerSock),
	})
	if err != nil {
		return Files{}, err
	}
	containerfile, err := SandboxContainerfile()
	if err != nil {
		return Files{}, err
	}
	return Files{
		ConfigYAML:           configYAML,
		ComposeYAML:          compose,
		SandboxContainerfile: containerfile,
	}, nil
}

// ContainerConfig returns the config used by the server inside the compose
// bundle: Redis by service name, the mounted Docker socket, and a listener
// on all interfaces.
func ContainerConfig() (appconfig.Config, error) {
	cfg, err := appconfig.DefaultConfig()
	if err != nil {
		return appconfig.Config{}, err
	}
	cfg.Store.Backend = "redis"
	cfg.Store.Redis.Addr = "redis:6379"
	cfg.Store.File.Dir = "/var/lib/moorage/sessions"
	cfg.Runtime.Backend = "docker"
	cfg.Runtime.Docker.Host = "unix://" + defaultDockerSock
	cfg.Runtime.Podman.Address = ""
	cfg.Runtime.Containerd.Address = ""
	cfg.HTTP.Addr = "0.0.0.0:27480"
	return cfg, nil
}

// WriteFiles writes the bundle to outputDir.
func WriteFiles(outputDir string, files Files, overwrite bool) (BundlePaths, error) {
	if strings.TrimSpace(outputDir) == "" {
		return BundlePaths{}, fmt.Errorf("output directory is required")
	}
	paths := BundlePaths{
		ConfigPath:           filepath.Join(outputDir, containerConfigName),
		ComposePath:          filepath.Join(outputDir, "docker-compose.yaml"),
		SandboxContainerfile: filepath.Join(outputDir, "Containerfile.sandbox"),
	}
	if !overwrite {
		for _, path := range []string{paths.ConfigPath, paths.ComposePath, paths.SandboxContainerfile} {
			if _, err := os.Stat(path); err == nil {
				return BundlePaths{}, fmt.Errorf("file already exists: %s", path)
			}
		}
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return BundlePaths{}, err
	}
	if err := os.WriteFile(paths.ConfigPath, files.ConfigYAML, 0o644); err != nil {
		return BundlePaths{}, err
	}
	if err := os.WriteFile(paths.ComposePath, files.ComposeYAML, 0o644); err != nil {
		return BundlePaths{}, err
	}
	if err := os.WriteFile(paths.SandboxContainerfile, files.SandboxContainerfile, 0o644); err != nil {
		return BundlePaths{}, err
	}
	return paths, nil
}

func renderTemplate(name string, data templateData) ([]byte, error) {
	raw, err := readEmbeddedFile(name)
	if err != nil {
		return nil, err
	}
	tpl, err := template.New(filepath.Base(name)).Parse(string(raw))
	if err != nil {
		return nil, fmt.Errorf("parse template %s: %w", name, err)
	}
	var buf bytes.Buffer
	if err := tpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("render template %s: %w", name, err)
	}
	return buf.Bytes(), nil
}

func validateYAML(configYAML []byte) error {
	var cfg appconfig.Config
	if err := yaml.Unmarshal(configYAML, &cfg); err != nil {
		return fmt.Errorf("generated config: %w", err)
	}
	if err := appconfig.Validate(cfg); err != nil {
		return fmt.Errorf("generated config: %w", err)
	}
	return nil
}

func applyOverridesToYAML(configYAML []byte, overrides []ConfigOverride) ([]byte, error) {
	if len(overrides) == 0 {
		return configYAML, nil
	}
	var data map[string]any
	if err := yaml.Unmarshal(configYAML, &data); err != nil {
		return nil, err
	}
	for _, override := range overrides {
		if err := setOverrideValue(data, override.Path, override.Value); err != nil {
			return nil, err
		}
	}
	return yaml.Marshal(data)
}

// ParseOverride parses "path=value". Values are decoded as YAML scalars,
// so "true", "3" and "[a, b]" keep their types.
func ParseOverride(raw string) (ConfigOverride, error) {
	path, value, ok := strings.Cut(raw, "=")
	if !ok || strings.TrimSpace(path) == "" {
		return ConfigOverride{}, fmt.Errorf("invalid override %q (want path=value)", raw)
	}
	var decoded any
	if err := yaml.Unmarshal([]byte(value), &decoded); err != nil {
		return ConfigOverride{}, fmt.Errorf("override %q: %w", raw, err)
	}
	if decoded == nil {
		decoded = ""
	}
	return ConfigOverride{Path: strings.TrimSpace(path), Value: decoded}, nil
}

func setOverrideValue(root map[string]any, path string, value any) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return fmt.Errorf("config override path is required")
	}
	parts := strings.Split(path, ".")
	node := root
	for i, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			return fmt.Errorf("invalid config override path %q", path)
		}
		if i == len(parts)-1 {
			node[part] = value
			return nil
		}
		next, ok := node[part]
		if !ok || next == nil {
			child := map[string]any{}
			node[part] = child
			node = child
			continue
		}
		child, ok := next.(map[string]any)
		if !ok {
			return fmt.Errorf("config override %q: %q is not a map", path, part)
		}
		node = child
	}
	return nil
}

func resolveImageTag(override string) string {
	if value := strings.TrimSpace(override); value != "" {
		return value
	}
	value := strings.TrimSpace(version.Current())
	if value == "" {
		return "v0.0.0-unknown"
	}
	return value
}

func tagImage(base, tag string) string {
	base = stripImageTag(base)
	if base == "" {
		return ""
	}
	if strings.TrimSpace(tag) == "" {
		tag = "v0.0.0-unknown"
	}
	return base + ":" + tag
}

func stripImageTag(image string) string {
	image = strings.TrimSpace(image)
	if at := strings.LastIndex(image, "@"); at != -1 {
		image = image[:at]
	}
	lastSlash := strings.LastIndex(image, "/")
	lastColon := strings.LastIndex(image, ":")
	if lastColon > lastSlash {
		return image[:lastColon]
	}
	return image
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
