package core

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"

	"pkt.systems/moorage/internal/appconfig"
	"pkt.systems/moorage/internal/metrics"
	"pkt.systems/moorage/internal/sessionstore"
	"pkt.systems/moorage/internal/shipohoy"
	"pkt.systems/moorage/schema"
)

// Container labels applied to every sandbox.
const (
	LabelSession = "moorage.session"
	LabelManaged = "moorage.managed"
)

// SessionStore is the subset of the session store the core depends on.
type SessionStore interface {
	RegisterTask(ctx context.Context, id schema.SessionID, name string) (schema.Session, error)
	FinishTask(ctx context.Context, id schema.SessionID) (schema.Session, bool, error)
	SetSandboxState(ctx context.Context, id schema.SessionID, hasSandbox bool) (schema.Session, bool, error)
	SetContainerID(ctx context.Context, id schema.SessionID, containerID string) (schema.Session, bool, error)
	ClearContainerID(ctx context.Context, id schema.SessionID, stale string) (schema.Session, bool, error)
	GetState(ctx context.Context, id schema.SessionID) (schema.Session, bool, error)
	GetContainerID(ctx context.Context, id schema.SessionID) (string, error)
	Scan(ctx context.Context, fn func(schema.Session) error) error
	CleanupOldTasks(ctx context.Context, maxAge time.Duration, remover sessionstore.ContainerRemover) ([]schema.SessionID, error)
}

// Config holds orchestrator settings.
type Config struct {
	// Image is the sandbox image tag.
	Image      string
	NamePrefix string
	// ExecShell prefixes every command, e.g. ["bash", "-c"].
	ExecShell []string
	// ExecTimeout bounds a single exec; zero waits for the runtime.
	ExecTimeout time.Duration
	// SerializeCreate collapses concurrent creates for one session.
	SerializeCreate bool
	// Containerfile overrides the embedded sandbox definition.
	Containerfile string
	BuildTimeout  time.Duration
	Snapshotter   string
}

// DefaultConfig returns the orchestrator defaults.
func DefaultConfig() Config {
	return Config{
		Image:        "sandbox",
		NamePrefix:   "moorage",
		ExecShell:    []string{"bash", "-c"},
		BuildTimeout: 20 * time.Minute,
	}
}

// ConfigFromApp maps the runtime section of the application config.
func ConfigFromApp(rc appconfig.RuntimeConfig) Config {
	cfg := DefaultConfig()
	if rc.Image != "" {
		cfg.Image = rc.Image
	}
	if rc.NamePrefix != "" {
		cfg.NamePrefix = rc.NamePrefix
	}
	if len(rc.ExecShell) > 0 {
		cfg.ExecShell = append([]string(nil), rc.ExecShell...)
	}
	cfg.ExecTimeout = time.Duration(rc.ExecTimeoutSeconds) * time.Second
	cfg.SerializeCreate = rc.SerializeCreate
	cfg.Containerfile = rc.Build.Containerfile
	if rc.Build.TimeoutMinutes > 0 {
		cfg.BuildTimeout = time.Duration(rc.Build.TimeoutMinutes) * time.Minute
	}
	cfg.Snapshotter = rc.Containerd.Snapshotter
	return cfg
}

// Deps captures the collaborators of the orchestrator and sweeper.
type Deps struct {
	Store   SessionStore
	Runtime shipohoy.Runtime
	Builder shipohoy.Builder
	Metrics *metrics.Metrics
	Tracer  trace.Tracer
	// Now overrides time.Now for the sweeper.
	Now func() time.Time
}
