package main

import (
	"github.com/spf13/cobra"

	"pkt.systems/moorage/bootstrap"
	"pkt.systems/pslog"
)

func newBootstrapCmd() *cobra.Command {
	var outputDir string
	var overwrite bool
	var opts bootstrap.Options
	var sets []string
	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Generate a compose bundle with Redis and the sandbox Containerfile",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())
			for _, raw := range sets {
				override, err := bootstrap.ParseOverride(raw)
				if err != nil {
					return err
				}
				opts.Overrides = append(opts.Overrides, override)
			}
			files, err := bootstrap.DefaultFiles(opts)
			if err != nil {
				return err
			}
			paths, err := bootstrap.WriteFiles(outputDir, files, overwrite)
			if err != nil {
				return err
			}
			logger.Info("bootstrap wrote", "path", paths.ConfigPath, "name", "config-for-container.yaml")
			logger.Info("bootstrap wrote", "path", paths.ComposePath, "name", "docker-compose.yaml")
			logger.Info("bootstrap wrote", "path", paths.SandboxContainerfile, "name", "Containerfile")
			return nil
		},
	}
	cmd.Flags().StringVarP(&outputDir, "output", "o", "deploy", "output directory")
	cmd.Flags().BoolVar(&overwrite, "force", false, "overwrite existing files")
	cmd.Flags().StringVar(&opts.ImageTag, "image-tag", "", "server image tag (defaults to the build version)")
	cmd.Flags().StringVar(&opts.PublishAddr, "publish", "", "host address the HTTP port is published on")
	cmd.Flags().StringVar(&opts.DockerSock, "docker-sock", "", "host docker socket mounted into the server")
	cmd.Flags().StringArrayVar(&sets, "set", nil, "override a config value (path=value), repeatable")
	return cmd
}
