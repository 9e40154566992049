package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"pkt.systems/moorage/core"
	"pkt.systems/moorage/schema"
)

// sessionRun is the body of a tracked session command. args excludes the
// session id.
type sessionRun[T any] func(ctx context.Context, s *stack, id schema.SessionID, args []string) (T, error)

// trackedCommand builds a command whose first argument is the session id
// and whose body runs inside a tracked task.
func trackedCommand[T any](cfgPath *string, use, short, task string, minArgs int, withRuntime bool, run sessionRun[T]) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.MinimumNArgs(minArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadStack(cmd.Context(), *cfgPath, stackOptions{withRuntime: withRuntime})
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()
			id := schema.SessionID(strings.TrimSpace(args[0]))
			out, err := core.Track(cmd.Context(), s.tracker, id, task, func(ctx context.Context) (T, error) {
				return run(ctx, s, id, args[1:])
			})
			if err != nil {
				if res, ok := any(out).(schema.ExecResult); ok && res.CorrelationID != "" {
					_ = printJSON(cmd.OutOrStdout(), res)
				}
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
}

func newSessionCmds(cfgPath *string) []*cobra.Command {
	execCmd := trackedCommand(cfgPath, "exec <session> <command...>", "Run a shell command in the session sandbox", core.TaskExec, 2, true,
		func(ctx context.Context, s *stack, id schema.SessionID, args []string) (schema.ExecResult, error) {
			res, err := s.orch.Exec(ctx, id, strings.Join(args, " "))
			if err != nil {
				return res, err
			}
			return res, res.Err()
		})

	createCmd := trackedCommand(cfgPath, "create <session>", "Create or reuse the session container", core.TaskCreate, 1, true,
		func(ctx context.Context, s *stack, id schema.SessionID, _ []string) (map[string]string, error) {
			containerID, err := s.orch.Create(ctx, id)
			return map[string]string{"container_id": containerID}, err
		})

	ensureCmd := trackedCommand(cfgPath, "ensure <session>", "Return a running container for the session", core.TaskEnsure, 1, true,
		func(ctx context.Context, s *stack, id schema.SessionID, _ []string) (schema.ContainerHandle, error) {
			return s.orch.Ensure(ctx, id)
		})

	stopCmd := trackedCommand(cfgPath, "stop <session>", "Stop the session container", core.TaskStop, 1, true,
		func(ctx context.Context, s *stack, id schema.SessionID, _ []string) (map[string]bool, error) {
			stopped, err := s.orch.Stop(ctx, id)
			return map[string]bool{"stopped": stopped}, err
		})

	removeCmd := trackedCommand(cfgPath, "remove <session>", "Force-remove the session container", core.TaskRemove, 1, true,
		func(ctx context.Context, s *stack, id schema.SessionID, _ []string) (map[string]bool, error) {
			removed, err := s.orch.Remove(ctx, id)
			return map[string]bool{"removed": removed}, err
		})

	cloneCmd := trackedCommand(cfgPath, "clone <session> <git-url>", "Clone a repository into the sandbox and install it with uv", core.TaskCloneAndInstall, 2, true,
		func(ctx context.Context, s *stack, id schema.SessionID, args []string) (schema.ExecResult, error) {
			return s.tasks.CloneAndInstall(ctx, id, args[0])
		})

	moduleCmd := trackedCommand(cfgPath, "run-module <session> <module> [args...]", "Run python -m <module> in the sandbox", core.TaskExecuteModule, 2, true,
		func(ctx context.Context, s *stack, id schema.SessionID, args []string) (schema.ExecResult, error) {
			return s.tasks.ExecuteModule(ctx, id, args[0], args[1:]...)
		})
	moduleCmd.Flags().SetInterspersed(false)
	execCmd.Flags().SetInterspersed(false)

	var message, level string
	debugCmd := trackedCommand(cfgPath, "debug <session>", "Log a message and report the session's task history", core.TaskDebug, 1, false,
		func(ctx context.Context, s *stack, id schema.SessionID, _ []string) (core.DebugResult, error) {
			return s.tasks.Debug(ctx, id, message, level)
		})
	debugCmd.Flags().StringVar(&message, "message", "", "message to log")
	debugCmd.Flags().StringVar(&level, "level", "info", "log level (debug, info, warn, error)")

	return []*cobra.Command{
		execCmd,
		createCmd,
		ensureCmd,
		stopCmd,
		removeCmd,
		newStateCmd(cfgPath),
		cloneCmd,
		moduleCmd,
		debugCmd,
	}
}

func newStateCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "state <session>",
		Short: "Print the session record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadStack(cmd.Context(), *cfgPath, stackOptions{})
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()
			id := schema.SessionID(strings.TrimSpace(args[0]))
			if id == "" {
				return schema.ErrInvalidArgument
			}
			sess, ok, err := s.store.GetState(cmd.Context(), id)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("session %s not found", id)
			}
			return printJSON(cmd.OutOrStdout(), sess)
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
