package core

import (
	"context"
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"

	"pkt.systems/moorage/schema"
	"pkt.systems/pslog"
)

// Task names registered with the tracker.
const (
	TaskExec            = "exec"
	TaskCreate          = "create"
	TaskEnsure          = "ensure"
	TaskStop            = "stop"
	TaskRemove          = "remove"
	TaskDebug           = "debug_task"
	TaskCloneAndInstall = "clone_and_install_package"
	TaskExecuteModule   = "execute_module"
)

// Executor runs commands in a session sandbox.
type Executor interface {
	Exec(ctx context.Context, id schema.SessionID, command string) (schema.ExecResult, error)
}

// SessionReader reads and flags session records.
type SessionReader interface {
	GetState(ctx context.Context, id schema.SessionID) (schema.Session, bool, error)
	SetSandboxState(ctx context.Context, id schema.SessionID, hasSandbox bool) (schema.Session, bool, error)
}

// Tasks are the task bodies exposed to the dispatch layer. Each runs
// inside the session sandbox through the Executor.
type Tasks struct {
	exec  Executor
	store SessionReader
}

// NewTasks returns the task bodies over exec and store.
func NewTasks(exec Executor, store SessionReader) *Tasks {
	return &Tasks{exec: exec, store: store}
}

// TaskHistory summarizes a session for the debug task.
type TaskHistory struct {
	FirstSeen  *time.Time `json:"first_seen"`
	TotalTasks int        `json:"total_tasks"`
	HasSandbox bool       `json:"has_sandbox"`
}

// DebugResult is returned by Debug.
type DebugResult struct {
	Status        string           `json:"status"`
	CorrelationID schema.SessionID `json:"correlation_id"`
	Message       string           `json:"message"`
	Level         string           `json:"level"`
	TaskHistory   TaskHistory      `json:"task_history"`
}

// Debug logs message at level and reports what is known about the session.
func (t *Tasks) Debug(ctx context.Context, id schema.SessionID, message, level string) (DebugResult, error) {
	if id == "" {
		return DebugResult{}, schema.ErrInvalidArgument
	}
	if message == "" {
		message = "Debug message"
	}
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "" {
		level = "info"
	}
	log := pslog.Ctx(ctx)
	switch level {
	case "debug":
		log.Debug("debug task", "message", message)
	case "warn", "warning":
		log.Warn("debug task", "message", message)
	case "error":
		log.Error("debug task", "message", message)
	default:
		log.Info("debug task", "message", message)
	}
	sess, ok, err := t.store.GetState(ctx, id)
	if err != nil {
		return DebugResult{}, err
	}
	history := TaskHistory{TotalTasks: 1}
	if ok {
		first := sess.FirstSeen
		history = TaskHistory{
			FirstSeen:  &first,
			TotalTasks: len(sess.TaskHistory),
			HasSandbox: sess.HasSandbox,
		}
	}
	return DebugResult{
		Status:        "success",
		CorrelationID: id,
		Message:       message,
		Level:         level,
		TaskHistory:   history,
	}, nil
}

// CloneAndInstall clones gitURL into the sandbox workspace and installs its
// dependencies with uv. On success the session is flagged as having a
// sandbox. A failed command returns the envelope together with a
// *schema.CommandError.
func (t *Tasks) CloneAndInstall(ctx context.Context, id schema.SessionID, gitURL string) (schema.ExecResult, error) {
	gitURL = strings.TrimSpace(gitURL)
	if gitURL == "" || strings.HasPrefix(gitURL, "-") {
		return schema.ExecResult{}, fmt.Errorf("%w: git url is required", schema.ErrInvalidArgument)
	}
	dir := repoDir(gitURL)
	command := fmt.Sprintf("rm -rf %[2]s && git clone -- %[1]s %[2]s && cd %[2]s && uv sync",
		shellQuote(gitURL), shellQuote(dir))
	log := pslog.Ctx(ctx).With("git_url", gitURL, "dir", dir)
	log.Info("clone and install start")
	res, err := t.exec.Exec(ctx, id, command)
	if err != nil {
		return res, err
	}
	if !res.Success {
		log.Warn("clone and install failed", "exit_code", res.ExitCode)
		return res, res.Err()
	}
	if _, _, err := t.store.SetSandboxState(ctx, id, true); err != nil {
		return res, err
	}
	log.Info("clone and install ok")
	return res, nil
}

var moduleName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)*$`)

// ExecuteModule runs "python -m module args..." in the sandbox. A failed
// command returns the envelope together with a *schema.CommandError.
func (t *Tasks) ExecuteModule(ctx context.Context, id schema.SessionID, module string, args ...string) (schema.ExecResult, error) {
	module = strings.TrimSpace(module)
	if !moduleName.MatchString(module) {
		return schema.ExecResult{}, fmt.Errorf("%w: invalid module name %q", schema.ErrInvalidArgument, module)
	}
	parts := []string{"python", "-m", module}
	for _, arg := range args {
		parts = append(parts, shellQuote(arg))
	}
	log := pslog.Ctx(ctx).With("module", module, "args", len(args))
	log.Info("execute module start")
	res, err := t.exec.Exec(ctx, id, strings.Join(parts, " "))
	if err != nil {
		return res, err
	}
	if !res.Success {
		log.Warn("execute module failed", "exit_code", res.ExitCode)
		return res, res.Err()
	}
	log.Info("execute module ok")
	return res, nil
}

// repoDir derives a workspace directory name from a git URL.
func repoDir(gitURL string) string {
	trimmed := strings.TrimRight(gitURL, "/")
	if i := strings.LastIndexAny(trimmed, "/:"); i >= 0 {
		trimmed = trimmed[i+1:]
	}
	name := strings.TrimSuffix(path.Base(trimmed), ".git")
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	out := strings.Trim(b.String(), ".-")
	if out == "" {
		return "repo"
	}
	return out
}

func shellQuote(value string) string {
	if value == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(value, "'", `'\''`) + "'"
}
