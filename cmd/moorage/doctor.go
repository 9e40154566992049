package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/moorage/internal/appconfig"
	"pkt.systems/pslog"
)

const doctorCheckTimeout = 5 * time.Second

func newDoctorCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check the session store, the container runtime and the sandbox image",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())
			configPath := *cfgPath
			if strings.TrimSpace(configPath) == "" {
				path, err := appconfig.DefaultConfigPath()
				if err != nil {
					return err
				}
				configPath = path
			}
			logger.Info("doctor start", "config", configPath)

			s, err := loadStack(cmd.Context(), *cfgPath, stackOptions{})
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			var failed []string
			ctx, cancel := context.WithTimeout(cmd.Context(), doctorCheckTimeout)
			err = s.store.Ping(ctx)
			cancel()
			if err != nil {
				logger.Error("doctor store failed", "backend", s.cfg.Store.Backend, "err", err)
				failed = append(failed, "store")
			} else {
				logger.Info("doctor store ok", "backend", s.cfg.Store.Backend)
			}

			rt, err := runtimeOpener(cmd.Context(), s.cfg.Runtime)
			if err != nil {
				logger.Error("doctor runtime failed", "backend", s.cfg.Runtime.Backend, "err", err)
				failed = append(failed, "runtime")
			} else {
				defer func() { _ = rt.Close() }()
				logger.Info("doctor runtime ok", "backend", s.cfg.Runtime.Backend)
				ctx, cancel := context.WithTimeout(cmd.Context(), doctorCheckTimeout)
				exists, err := rt.ImageExists(ctx, s.cfg.Runtime.Image)
				cancel()
				switch {
				case err != nil:
					logger.Error("doctor image check failed", "image", s.cfg.Runtime.Image, "err", err)
					failed = append(failed, "image")
				case !exists:
					logger.Warn("doctor image missing; build it with: moorage build-image", "image", s.cfg.Runtime.Image)
				default:
					logger.Info("doctor image ok", "image", s.cfg.Runtime.Image)
				}
			}

			if len(failed) > 0 {
				return fmt.Errorf("doctor failed: %s", strings.Join(failed, ", "))
			}
			logger.Info("doctor ok")
			return nil
		},
	}
}
