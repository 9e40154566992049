package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/moorage"
	"pkt.systems/moorage/core"
	"pkt.systems/moorage/httpapi"
	"pkt.systems/moorage/internal/appconfig"
	"pkt.systems/pslog"
)

func newServeCmd(cfgPath *string) *cobra.Command {
	var noScheduler bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the maintenance scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())
			s, err := loadStack(cmd.Context(), *cfgPath, stackOptions{withRuntime: true})
			if err != nil {
				return err
			}
			if s.orch.Available() {
				logger.Info("sandbox image verify start", "image", s.cfg.Runtime.Image)
				if err := s.orch.BuildImage(cmd.Context()); err != nil {
					logger.Warn("sandbox image unavailable; first create will retry", "image", s.cfg.Runtime.Image, "err", err)
				} else {
					logger.Info("sandbox image verify ok", "image", s.cfg.Runtime.Image)
				}
			}

			opts := []moorage.ServerOption{moorage.WithHTTP()}
			if !noScheduler {
				opts = append(opts, moorage.WithScheduler())
			}
			server, err := moorage.New(toServerConfig(s.cfg), moorage.ServerDeps{
				Store:        s.store,
				Orchestrator: s.orch,
				Metrics:      s.metrics,
				Gatherer:     s.registry,
				Closers:      s.closers(),
			}, opts...)
			if err != nil {
				_ = s.Close()
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := server.Stop(stopCtx); err != nil {
					logger.Warn("server stop failed", "err", err)
				}
			}()
			if err := server.Start(ctx); err != nil {
				_ = s.Close()
				return err
			}
			return server.Wait()
		},
	}
	cmd.Flags().BoolVar(&noScheduler, "no-scheduler", false, "disable the periodic sweep and cleanup jobs")
	return cmd
}

func toServerConfig(cfg appconfig.Config) moorage.ServerConfig {
	return moorage.ServerConfig{
		HTTP: httpapi.Config{
			Addr:           cfg.HTTP.Addr,
			BasePath:       cfg.HTTP.BasePath,
			SweepThreshold: cfg.Sweep.Threshold(),
			CleanupMaxAge:  cfg.Sweep.MaxAge(),
		},
		Schedule: core.Schedule{
			Sweep:     cfg.Sweep.Schedule,
			Threshold: cfg.Sweep.Threshold(),
			Cleanup:   cfg.Sweep.CleanupSchedule,
			MaxAge:    cfg.Sweep.MaxAge(),
		},
	}
}
