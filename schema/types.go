package schema

import "time"

// SessionID identifies a caller-supplied correlation key.
type SessionID string

// ContainerState is the observed liveness of a sandbox container. An absent
// container has no handle: lookups report it with ok == false.
type ContainerState string

const (
	// ContainerRunning means the runtime reports the container as running.
	ContainerRunning ContainerState = "running"
	// ContainerNotRunning means the container exists but is not running.
	ContainerNotRunning ContainerState = "not running"
)

// Session is the persisted record of one correlation id's task activity
// and container association.
type Session struct {
	ID                  SessionID
	FirstSeen           time.Time
	LastSeen            time.Time
	RunningTaskCount    int
	TaskHistory         []string
	HasSandbox          bool
	ContainerID         string
	ContainerCreatedAt  time.Time
	LastTaskCompletedAt time.Time
}

// HasContainer reports whether a container is bound to the session.
func (s Session) HasContainer() bool {
	return s.ContainerID != ""
}

// IdleSince returns the reference time for inactivity: the last task
// completion when known, otherwise the last activity.
func (s Session) IdleSince() time.Time {
	if !s.LastTaskCompletedAt.IsZero() {
		return s.LastTaskCompletedAt
	}
	return s.LastSeen
}

// IdleFor returns how long the session has been idle at now.
func (s Session) IdleFor(now time.Time) time.Duration {
	return now.Sub(s.IdleSince())
}

// ContainerHandle is a container identity plus its observed status,
// resolved live from the runtime.
type ContainerHandle struct {
	ID        string         `json:"id"`
	Name      string         `json:"name,omitempty"`
	State     ContainerState `json:"state"`
	SessionID SessionID      `json:"session_id"`
}

// Running reports whether the handle was observed running.
func (h ContainerHandle) Running() bool {
	return h.State == ContainerRunning
}
