package main

import (
	"context"
	"fmt"
	"time"

	"pkt.systems/moorage/internal/appconfig"
	"pkt.systems/moorage/internal/shipohoy"
	"pkt.systems/moorage/internal/shipohoy/buildkit"
	"pkt.systems/moorage/internal/shipohoy/containerd"
	"pkt.systems/moorage/internal/shipohoy/docker"
	"pkt.systems/moorage/internal/shipohoy/podman"
)

func selectRuntime(ctx context.Context, cfg appconfig.RuntimeConfig) (shipohoy.Runtime, error) {
	stop := time.Duration(cfg.StopTimeoutSeconds) * time.Second
	switch cfg.Backend {
	case "docker":
		rt, err := docker.New(ctx, docker.Config{Host: cfg.Docker.Host, StopTimeout: stop})
		if err != nil {
			return nil, fmt.Errorf("docker connection failed (%s): %w", cfg.Docker.Host, err)
		}
		return rt, nil
	case "podman":
		rt, err := podman.New(ctx, podman.Config{
			Address:     cfg.Podman.Address,
			UserNSMode:  cfg.Podman.UserNSMode,
			StopTimeout: stop,
		})
		if err != nil {
			return nil, fmt.Errorf("podman connection failed (%s): %w", cfg.Podman.Address, err)
		}
		return rt, nil
	case "containerd":
		rt, err := containerd.New(ctx, containerd.Config{
			Address:     cfg.Containerd.Address,
			Namespace:   cfg.Containerd.Namespace,
			PullTimeout: time.Duration(cfg.PullTimeoutMinutes) * time.Minute,
			StopTimeout: stop,
		})
		if err != nil {
			return nil, fmt.Errorf("containerd connection failed (%s): %w", cfg.Containerd.Address, err)
		}
		return rt, nil
	default:
		return nil, fmt.Errorf("unsupported runtime.backend %q", cfg.Backend)
	}
}

// selectBuilder returns the image builder for cfg. rt may be nil when the
// runtime is unreachable; the buildkit builder then has no importer.
func selectBuilder(cfg appconfig.RuntimeConfig, rt shipohoy.Runtime) (shipohoy.Builder, error) {
	if cfg.Build.Builder == "buildkit" {
		var importer shipohoy.ImageImporter
		if imp, ok := rt.(shipohoy.ImageImporter); ok {
			importer = imp
		}
		return buildkit.New(buildkit.Config{Address: cfg.BuildKit.Address, Importer: importer}), nil
	}
	switch cfg.Backend {
	case "docker":
		return docker.NewBuilder(docker.Config{Host: cfg.Docker.Host}), nil
	case "podman":
		return podman.NewBuilder(podman.Config{Address: cfg.Podman.Address}), nil
	default:
		return nil, fmt.Errorf("runtime.backend %q has no native builder; set runtime.build.builder to buildkit", cfg.Backend)
	}
}
