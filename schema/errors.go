package schema

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidArgument indicates an empty or missing session id.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrStoreUnavailable indicates the session store cannot be reached.
	ErrStoreUnavailable = errors.New("session store unavailable")
	// ErrStoreConflict indicates a concurrent write collided with an update.
	ErrStoreConflict = errors.New("session store conflict")
	// ErrRetriesExhausted indicates an update kept conflicting past the retry budget.
	ErrRetriesExhausted = fmt.Errorf("%w: retries exhausted", ErrStoreConflict)
	// ErrRuntimeUnavailable indicates the container runtime is unreachable.
	ErrRuntimeUnavailable = errors.New("container runtime unavailable")
	// ErrNotFound indicates a container or image vanished from the runtime.
	ErrNotFound = errors.New("not found")
	// ErrCommandFailed indicates a command exited with a nonzero status.
	ErrCommandFailed = errors.New("command failed")
)

// CommandError reports a failed exec envelope at the dispatch boundary.
type CommandError struct {
	Result ExecResult
}

func (e *CommandError) Error() string {
	if e == nil {
		return ErrCommandFailed.Error()
	}
	return fmt.Sprintf("command failed in session %s with exit code %d", e.Result.CorrelationID, e.Result.ExitCode)
}

func (e *CommandError) Unwrap() error {
	return ErrCommandFailed
}
