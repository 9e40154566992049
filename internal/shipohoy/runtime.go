package shipohoy

import "context"

// Runtime manages container lifecycles. Implementations classify failures
// with *Error so callers can tell a vanished container (ErrNotFound) from
// an unreachable runtime (ErrUnavailable) and from anything else.
type Runtime interface {
	// Ping checks that the runtime answers.
	Ping(ctx context.Context) error
	// ImageExists reports whether image is available locally.
	ImageExists(ctx context.Context, image string) (bool, error)
	// Create creates a container from spec and starts it.
	Create(ctx context.Context, spec ContainerSpec) (Handle, error)
	// Inspect resolves a container id to its live status.
	Inspect(ctx context.Context, id string) (Status, error)
	// Start starts an existing container.
	Start(ctx context.Context, id string) error
	// Stop stops a running container.
	Stop(ctx context.Context, id string) error
	// Remove force-removes a container.
	Remove(ctx context.Context, id string) error
	// Exec runs a command in a running container.
	Exec(ctx context.Context, id string, spec ExecSpec) (ExecResult, error)
	// Close releases client resources.
	Close() error
}

// Builder builds container images.
type Builder interface {
	Build(ctx context.Context, spec BuildSpec) (BuildResult, error)
}

// BuilderWithEvents streams build progress events.
type BuilderWithEvents interface {
	BuildWithEvents(ctx context.Context, spec BuildSpec, events chan<- BuildEvent) (BuildResult, error)
}

// ImageImporter loads an OCI image archive into a runtime's image store.
type ImageImporter interface {
	Import(ctx context.Context, archivePath string, tags []string) error
}

// Handle identifies a created container.
type Handle interface {
	Name() string
	ID() string
}

// NewHandle returns a Handle for a known name and id.
func NewHandle(name, id string) Handle {
	return handle{name: name, id: id}
}

type handle struct {
	name string
	id   string
}

func (h handle) Name() string { return h.name }
func (h handle) ID() string   { return h.id }
