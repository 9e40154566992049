package appconfig

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes environment overrides, e.g. MOORAGE_STORE_REDIS_ADDR.
const EnvPrefix = "MOORAGE"

// Load reads configuration from the provided path. If path is empty, uses
// DefaultConfigPath; a missing file yields the defaults.
func Load(path string) (Config, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return Config{}, err
		}
		path = defaultPath
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, cfg)

	configLoaded := false
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return Config{}, err
		}
	} else {
		configLoaded = true
	}

	if configLoaded {
		if !v.IsSet("config_version") {
			return Config{}, fmt.Errorf("config_version is required; expected %d", CurrentConfigVersion)
		}
		if v.GetInt("config_version") != CurrentConfigVersion {
			return Config{}, fmt.Errorf("unsupported config_version %d; expected %d", v.GetInt("config_version"), CurrentConfigVersion)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	expandConfigEnv(&cfg)
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("config_version", cfg.ConfigVersion)
	v.SetDefault("store.backend", cfg.Store.Backend)
	v.SetDefault("store.key_prefix", cfg.Store.KeyPrefix)
	v.SetDefault("store.retry.max_attempts", cfg.Store.Retry.MaxAttempts)
	v.SetDefault("store.retry.initial_interval_ms", cfg.Store.Retry.InitialIntervalMS)
	v.SetDefault("store.retry.max_interval_ms", cfg.Store.Retry.MaxIntervalMS)
	v.SetDefault("store.redis.addr", cfg.Store.Redis.Addr)
	v.SetDefault("store.redis.username", cfg.Store.Redis.Username)
	v.SetDefault("store.redis.password", cfg.Store.Redis.Password)
	v.SetDefault("store.redis.db", cfg.Store.Redis.DB)
	v.SetDefault("store.etcd.endpoints", cfg.Store.Etcd.Endpoints)
	v.SetDefault("store.etcd.username", cfg.Store.Etcd.Username)
	v.SetDefault("store.etcd.password", cfg.Store.Etcd.Password)
	v.SetDefault("store.etcd.dial_timeout_seconds", cfg.Store.Etcd.DialTimeoutSeconds)
	v.SetDefault("store.postgres.dsn", cfg.Store.Postgres.DSN)
	v.SetDefault("store.postgres.table", cfg.Store.Postgres.Table)
	v.SetDefault("store.mongo.uri", cfg.Store.Mongo.URI)
	v.SetDefault("store.mongo.database", cfg.Store.Mongo.Database)
	v.SetDefault("store.mongo.collection", cfg.Store.Mongo.Collection)
	v.SetDefault("store.file.dir", cfg.Store.File.Dir)
	v.SetDefault("runtime.backend", cfg.Runtime.Backend)
	v.SetDefault("runtime.image", cfg.Runtime.Image)
	v.SetDefault("runtime.name_prefix", cfg.Runtime.NamePrefix)
	v.SetDefault("runtime.exec_shell", cfg.Runtime.ExecShell)
	v.SetDefault("runtime.exec_timeout_seconds", cfg.Runtime.ExecTimeoutSeconds)
	v.SetDefault("runtime.serialize_create", cfg.Runtime.SerializeCreate)
	v.SetDefault("runtime.stop_timeout_seconds", cfg.Runtime.StopTimeoutSeconds)
	v.SetDefault("runtime.pull_timeout_minutes", cfg.Runtime.PullTimeoutMinutes)
	v.SetDefault("runtime.build.builder", cfg.Runtime.Build.Builder)
	v.SetDefault("runtime.build.containerfile", cfg.Runtime.Build.Containerfile)
	v.SetDefault("runtime.build.timeout_minutes", cfg.Runtime.Build.TimeoutMinutes)
	v.SetDefault("runtime.docker.host", cfg.Runtime.Docker.Host)
	v.SetDefault("runtime.podman.address", cfg.Runtime.Podman.Address)
	v.SetDefault("runtime.podman.userns_mode", cfg.Runtime.Podman.UserNSMode)
	v.SetDefault("runtime.containerd.address", cfg.Runtime.Containerd.Address)
	v.SetDefault("runtime.containerd.namespace", cfg.Runtime.Containerd.Namespace)
	v.SetDefault("runtime.containerd.snapshotter", cfg.Runtime.Containerd.Snapshotter)
	v.SetDefault("runtime.buildkit.address", cfg.Runtime.BuildKit.Address)
	v.SetDefault("sweep.schedule", cfg.Sweep.Schedule)
	v.SetDefault("sweep.inactivity_threshold", cfg.Sweep.InactivityThreshold)
	v.SetDefault("sweep.cleanup_schedule", cfg.Sweep.CleanupSchedule)
	v.SetDefault("sweep.cleanup_max_age", cfg.Sweep.CleanupMaxAge)
	v.SetDefault("http.addr", cfg.HTTP.Addr)
	v.SetDefault("http.base_path", cfg.HTTP.BasePath)
}

// Validate checks cross-field constraints that defaults cannot express.
func Validate(cfg Config) error {
	switch cfg.Store.Backend {
	case "memory", "redis", "etcd", "postgres", "mongo", "file":
	default:
		return fmt.Errorf("unsupported store.backend %q", cfg.Store.Backend)
	}
	if strings.TrimSpace(cfg.Store.KeyPrefix) == "" {
		return fmt.Errorf("store.key_prefix is required")
	}
	if cfg.Store.Retry.MaxAttempts < 1 {
		return fmt.Errorf("store.retry.max_attempts must be at least 1")
	}
	switch cfg.Runtime.Backend {
	case "docker", "podman", "containerd":
	default:
		return fmt.Errorf("unsupported runtime.backend %q", cfg.Runtime.Backend)
	}
	switch cfg.Runtime.Build.Builder {
	case "native", "buildkit":
	default:
		return fmt.Errorf("unsupported runtime.build.builder %q", cfg.Runtime.Build.Builder)
	}
	if cfg.Runtime.Backend == "containerd" && cfg.Runtime.Build.Builder != "buildkit" {
		return fmt.Errorf("runtime.backend containerd requires runtime.build.builder buildkit")
	}
	if strings.TrimSpace(cfg.Runtime.Image) == "" {
		return fmt.Errorf("runtime.image is required")
	}
	if len(cfg.Runtime.ExecShell) == 0 {
		return fmt.Errorf("runtime.exec_shell is required")
	}
	if cfg.Runtime.ExecTimeoutSeconds < 0 {
		return fmt.Errorf("runtime.exec_timeout_seconds must not be negative")
	}
	for key, value := range map[string]string{
		"sweep.inactivity_threshold": cfg.Sweep.InactivityThreshold,
		"sweep.cleanup_max_age":      cfg.Sweep.CleanupMaxAge,
	} {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	for key, value := range map[string]string{
		"sweep.schedule":         cfg.Sweep.Schedule,
		"sweep.cleanup_schedule": cfg.Sweep.CleanupSchedule,
	} {
		if strings.TrimSpace(value) == "" {
			continue
		}
		if _, err := parser.Parse(value); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	if strings.TrimSpace(cfg.HTTP.Addr) == "" {
		return fmt.Errorf("http.addr is required")
	}
	return nil
}

func expandConfigEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	cfg.Store.File.Dir = expandEnv(cfg.Store.File.Dir)
	cfg.Store.Postgres.DSN = expandEnv(cfg.Store.Postgres.DSN)
	cfg.Store.Mongo.URI = expandEnv(cfg.Store.Mongo.URI)
	cfg.Runtime.Build.Containerfile = expandEnv(cfg.Runtime.Build.Containerfile)
	cfg.Runtime.Docker.Host = expandEnv(cfg.Runtime.Docker.Host)
	cfg.Runtime.Podman.Address = expandEnv(cfg.Runtime.Podman.Address)
	cfg.Runtime.Containerd.Address = expandEnv(cfg.Runtime.Containerd.Address)
	cfg.Runtime.BuildKit.Address = expandEnv(cfg.Runtime.BuildKit.Address)
}

func expandEnv(value string) string {
	if value == "" {
		return value
	}
	return os.Expand(value, func(key string) string {
		if key == "" {
			return ""
		}
		if val, ok := lookupEnv(key); ok {
			return val
		}
		return "$" + key
	})
}

func lookupEnv(key string) (string, bool) {
	if val, ok := os.LookupEnv(key); ok {
		return val, true
	}
	switch key {
	case "UID":
		return fmt.Sprintf("%d", os.Getuid()), true
	case "GID":
		return fmt.Sprintf("%d", os.Getgid()), true
	}
	return "", false
}

// WriteDefault writes the default config to the target path.
func WriteDefault(path string, overwrite bool) (string, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return "", err
		}
		path = defaultPath
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return "", fmt.Errorf("config already exists at %s", path)
		}
	}
	cfg, err := DefaultConfig()
	if err != nil {
		return "", err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}
