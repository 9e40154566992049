package schema

// ExecResult is the envelope returned for every command executed in a
// session sandbox.
type ExecResult struct {
	ExitCode      int       `json:"exit_code"`
	Output        string    `json:"output"`
	ContainerID   string    `json:"container_id"`
	CorrelationID SessionID `json:"correlation_id"`
	Command       string    `json:"command"`
	Success       bool      `json:"success"`
}

// Err returns a *CommandError when the command did not succeed.
func (r ExecResult) Err() error {
	if r.Success {
		return nil
	}
	return &CommandError{Result: r}
}
