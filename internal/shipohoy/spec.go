package shipohoy

import (
	"io"
	"time"
)

// ResourceCaps sets optional resource limits (0 means runtime default).
type ResourceCaps struct {
	MemoryBytes int64
	// CPUPeriod and CPUQuota are CFS values in microseconds.
	CPUPeriod int64
	CPUQuota  int64
	// CPUShares is the relative CPU weight.
	CPUShares int64
}

// SecurityProfile restricts what processes inside the container may do.
type SecurityProfile struct {
	NoNewPrivileges bool
	CapDrop         []string
	CapAdd          []string
}

// ContainerSpec describes a container.
type ContainerSpec struct {
	Name         string
	Image        string
	Snapshotter  string
	Env          map[string]string
	Labels       map[string]string
	Command      []string
	WorkingDir   string
	TTY          bool
	ResourceCaps *ResourceCaps
	Security     SecurityProfile
}

// Status is the live state of a container as reported by the runtime.
type Status struct {
	ID      string
	Name    string
	Running bool
	State   string
	Labels  map[string]string
}

// BuildSpec describes a container image build.
type BuildSpec struct {
	ContextDir        string
	ContainerfilePath string
	ContainerfileData []byte
	Tags              []string
	BuildArgs         map[string]string
	Timeout           time.Duration
	OutputPath        string
}

// BuildResult captures build output metadata.
type BuildResult struct {
	ImageNames []string
}

// BuildEventKind categorizes build progress updates.
type BuildEventKind string

const (
	// BuildEventVertexStarted marks a build vertex start event.
	BuildEventVertexStarted BuildEventKind = "vertex_started"
	// BuildEventVertexCompleted marks a build vertex completion event.
	BuildEventVertexCompleted BuildEventKind = "vertex_completed"
	// BuildEventLog indicates a build log event.
	BuildEventLog BuildEventKind = "log"
	// BuildEventWarning indicates a build warning event.
	BuildEventWarning BuildEventKind = "warning"
)

// BuildEvent reports a build progress update.
type BuildEvent struct {
	Kind      BuildEventKind
	VertexID  string
	Name      string
	Message   string
	Timestamp time.Time
	Error     string
}

// ExecSpec describes a command execution inside a running container.
// Stdout and Stderr may be the same writer to capture combined output.
type ExecSpec struct {
	Command    []string
	Env        map[string]string
	WorkingDir string
	Stdout     io.Writer
	Stderr     io.Writer
	Timeout    time.Duration
}

// ExecResult captures exec completion metadata.
type ExecResult struct {
	ExitCode int
	Started  time.Time
	Finished time.Time
}
