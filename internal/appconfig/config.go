package appconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config is the top-level application configuration.
type Config struct {
	ConfigVersion int           `mapstructure:"config_version" yaml:"config_version"`
	Store         StoreConfig   `mapstructure:"store" yaml:"store"`
	Runtime       RuntimeConfig `mapstructure:"runtime" yaml:"runtime"`
	Sweep         SweepConfig   `mapstructure:"sweep" yaml:"sweep"`
	HTTP          HTTPConfig    `mapstructure:"http" yaml:"http"`
}

// CurrentConfigVersion marks the supported config version.
const CurrentConfigVersion = 1

// StoreConfig selects and configures the session store backend.
type StoreConfig struct {
	Backend   string         `mapstructure:"backend" yaml:"backend"`
	KeyPrefix string         `mapstructure:"key_prefix" yaml:"key_prefix"`
	Retry     RetryConfig    `mapstructure:"retry" yaml:"retry"`
	Redis     RedisConfig    `mapstructure:"redis" yaml:"redis"`
	Etcd      EtcdConfig     `mapstructure:"etcd" yaml:"etcd"`
	Postgres  PostgresConfig `mapstructure:"postgres" yaml:"postgres"`
	Mongo     MongoConfig    `mapstructure:"mongo" yaml:"mongo"`
	File      FileConfig     `mapstructure:"file" yaml:"file"`
}

// RetryConfig bounds the optimistic update loop.
type RetryConfig struct {
	MaxAttempts       int `mapstructure:"max_attempts" yaml:"max_attempts"`
	InitialIntervalMS int `mapstructure:"initial_interval_ms" yaml:"initial_interval_ms"`
	MaxIntervalMS     int `mapstructure:"max_interval_ms" yaml:"max_interval_ms"`
}

// RedisConfig configures the Redis store.
type RedisConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Username string `mapstructure:"username" yaml:"username"`
	Password string `mapstructure:"password" yaml:"password"`
	DB       int    `mapstructure:"db" yaml:"db"`
}

// EtcdConfig configures the etcd store.
type EtcdConfig struct {
	Endpoints          []string `mapstructure:"endpoints" yaml:"endpoints"`
	Username           string   `mapstructure:"username" yaml:"username"`
	Password           string   `mapstructure:"password" yaml:"password"`
	DialTimeoutSeconds int      `mapstructure:"dial_timeout_seconds" yaml:"dial_timeout_seconds"`
}

// PostgresConfig configures the PostgreSQL store.
type PostgresConfig struct {
	DSN   string `mapstructure:"dsn" yaml:"dsn"`
	Table string `mapstructure:"table" yaml:"table"`
}

// MongoConfig configures the MongoDB store.
type MongoConfig struct {
	URI        string `mapstructure:"uri" yaml:"uri"`
	Database   string `mapstructure:"database" yaml:"database"`
	Collection string `mapstructure:"collection" yaml:"collection"`
}

// FileConfig configures the single-host file store.
type FileConfig struct {
	Dir string `mapstructure:"dir" yaml:"dir"`
}

// RuntimeConfig configures the container runtime and sandbox provisioning.
type RuntimeConfig struct {
	Backend            string           `mapstructure:"backend" yaml:"backend"`
	Image              string           `mapstructure:"image" yaml:"image"`
	NamePrefix         string           `mapstructure:"name_prefix" yaml:"name_prefix"`
	ExecShell          []string         `mapstructure:"exec_shell" yaml:"exec_shell"`
	ExecTimeoutSeconds int              `mapstructure:"exec_timeout_seconds" yaml:"exec_timeout_seconds"`
	SerializeCreate    bool             `mapstructure:"serialize_create" yaml:"serialize_create"`
	StopTimeoutSeconds int              `mapstructure:"stop_timeout_seconds" yaml:"stop_timeout_seconds"`
	PullTimeoutMinutes int              `mapstructure:"pull_timeout_minutes" yaml:"pull_timeout_minutes"`
	Build              BuildConfig      `mapstructure:"build" yaml:"build"`
	Docker             DockerConfig     `mapstructure:"docker" yaml:"docker"`
	Podman             PodmanConfig     `mapstructure:"podman" yaml:"podman"`
	Containerd         ContainerdConfig `mapstructure:"containerd" yaml:"containerd"`
	BuildKit           BuildKitConfig   `mapstructure:"buildkit" yaml:"buildkit"`
}

// BuildConfig controls how the sandbox image is built.
type BuildConfig struct {
	// Builder is "native" (the runtime's own builder) or "buildkit".
	Builder        string `mapstructure:"builder" yaml:"builder"`
	Containerfile  string `mapstructure:"containerfile" yaml:"containerfile"`
	TimeoutMinutes int    `mapstructure:"timeout_minutes" yaml:"timeout_minutes"`
}

// DockerConfig configures the Docker endpoint. Empty uses DOCKER_HOST.
type DockerConfig struct {
	Host string `mapstructure:"host" yaml:"host"`
}

// PodmanConfig configures the podman runtime endpoint.
type PodmanConfig struct {
	Address    string `mapstructure:"address" yaml:"address"`
	UserNSMode string `mapstructure:"userns_mode" yaml:"userns_mode"`
}

// ContainerdConfig configures the containerd runtime endpoint.
type ContainerdConfig struct {
	Address     string `mapstructure:"address" yaml:"address"`
	Namespace   string `mapstructure:"namespace" yaml:"namespace"`
	Snapshotter string `mapstructure:"snapshotter" yaml:"snapshotter"`
}

// BuildKitConfig configures the BuildKit endpoint.
type BuildKitConfig struct {
	Address string `mapstructure:"address" yaml:"address"`
}

// SweepConfig schedules eviction and record cleanup. Durations use Go
// duration syntax; schedules use cron syntax or @every descriptors.
type SweepConfig struct {
	Schedule            string `mapstructure:"schedule" yaml:"schedule"`
	InactivityThreshold string `mapstructure:"inactivity_threshold" yaml:"inactivity_threshold"`
	CleanupSchedule     string `mapstructure:"cleanup_schedule" yaml:"cleanup_schedule"`
	CleanupMaxAge       string `mapstructure:"cleanup_max_age" yaml:"cleanup_max_age"`
}

// Threshold returns the parsed inactivity threshold.
func (s SweepConfig) Threshold() time.Duration {
	d, _ := time.ParseDuration(s.InactivityThreshold)
	return d
}

// MaxAge returns the parsed cleanup age.
func (s SweepConfig) MaxAge() time.Duration {
	d, _ := time.ParseDuration(s.CleanupMaxAge)
	return d
}

// HTTPConfig configures the HTTP dispatch adapter.
type HTTPConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	BasePath string `mapstructure:"base_path" yaml:"base_path,omitempty"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, err
	}
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir == "" {
		runtimeDir = filepath.Join("/run", "user", fmt.Sprintf("%d", os.Getuid()))
	}
	return Config{
		ConfigVersion: CurrentConfigVersion,
		Store: StoreConfig{
			Backend:   "redis",
			KeyPrefix: "moorage:session:",
			Retry: RetryConfig{
				MaxAttempts:       64,
				InitialIntervalMS: 1,
				MaxIntervalMS:     50,
			},
			Redis: RedisConfig{Addr: "127.0.0.1:6379"},
			Etcd: EtcdConfig{
				Endpoints:          []string{"127.0.0.1:2379"},
				DialTimeoutSeconds: 5,
			},
			Postgres: PostgresConfig{
				DSN:   "postgres://moorage@127.0.0.1:5432/moorage?sslmode=disable",
				Table: "moorage_sessions",
			},
			Mongo: MongoConfig{
				URI:        "mongodb://127.0.0.1:27017",
				Database:   "moorage",
				Collection: "sessions",
			},
			File: FileConfig{Dir: filepath.Join(home, ".moorage", "sessions")},
		},
		Runtime: RuntimeConfig{
			Backend:            "docker",
			Image:              "sandbox",
			NamePrefix:         "moorage",
			ExecShell:          []string{"bash", "-c"},
			ExecTimeoutSeconds: 0,
			SerializeCreate:    false,
			StopTimeoutSeconds: 10,
			PullTimeoutMinutes: 5,
			Build: BuildConfig{
				Builder:        "native",
				TimeoutMinutes: 20,
			},
			Podman: PodmanConfig{
				Address: fmt.Sprintf("unix://%s", filepath.Join(runtimeDir, "podman", "podman.sock")),
			},
			Containerd: ContainerdConfig{
				Address:   fmt.Sprintf("unix://%s", filepath.Join(runtimeDir, "containerd", "containerd.sock")),
				Namespace: "moorage",
			},
		},
		Sweep: SweepConfig{
			Schedule:            "@every 15m",
			InactivityThreshold: "30m",
			CleanupSchedule:     "@every 1h",
			CleanupMaxAge:       "24h",
		},
		HTTP: HTTPConfig{Addr: "127.0.0.1:27480"},
	}, nil
}

// DefaultConfigPath returns the standard config path.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".moorage", "config.yaml"), nil
}
