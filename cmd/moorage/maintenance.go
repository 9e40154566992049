package main

import (
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/moorage/schema"
	"pkt.systems/pslog"
)

func newSweepCmd(cfgPath *string) *cobra.Command {
	var threshold time.Duration
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Stop and remove containers of idle sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadStack(cmd.Context(), *cfgPath, stackOptions{withRuntime: true})
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()
			if threshold <= 0 {
				threshold = s.cfg.Sweep.Threshold()
			}
			evicted, err := s.sweeper.SweepInactive(cmd.Context(), threshold)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{"evicted": orEmpty(evicted), "threshold": threshold.String()})
		},
	}
	cmd.Flags().DurationVar(&threshold, "threshold", 0, "inactivity threshold (defaults to sweep.inactivity_threshold)")
	return cmd
}

func newCleanupCmd(cfgPath *string) *cobra.Command {
	var maxAge time.Duration
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete session records idle longer than max age",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadStack(cmd.Context(), *cfgPath, stackOptions{withRuntime: true})
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()
			if maxAge <= 0 {
				maxAge = s.cfg.Sweep.MaxAge()
			}
			deleted, err := s.sweeper.Cleanup(cmd.Context(), maxAge)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{"deleted": orEmpty(deleted), "max_age": maxAge.String()})
		},
	}
	cmd.Flags().DurationVar(&maxAge, "max-age", 0, "record max age (defaults to sweep.cleanup_max_age)")
	return cmd
}

func newBuildImageCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "build-image",
		Short: "Build the sandbox image if it is missing",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadStack(cmd.Context(), *cfgPath, stackOptions{withRuntime: true})
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()
			logger := pslog.Ctx(cmd.Context()).With("image", s.orch.Config().Image)
			logger.Info("build image start")
			if err := s.orch.BuildImage(cmd.Context()); err != nil {
				return err
			}
			logger.Info("build image ok")
			return nil
		},
	}
}

func orEmpty(ids []schema.SessionID) []schema.SessionID {
	if ids == nil {
		return []schema.SessionID{}
	}
	return ids
}
