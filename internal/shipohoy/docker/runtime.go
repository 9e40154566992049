// Package docker implements shipohoy.Runtime and shipohoy.Builder on the
// Docker Engine API.
package docker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"pkt.systems/moorage/internal/shipohoy"
	"pkt.systems/pslog"
)

// Config configures the Docker runtime. An empty Host uses DOCKER_HOST and
// the rest of the standard environment.
type Config struct {
	Host        string
	StopTimeout time.Duration
}

// Runtime implements shipohoy.Runtime with the Docker client.
type Runtime struct {
	cli         *client.Client
	stopTimeout time.Duration
}

// New connects to the Docker daemon and pings it.
func New(ctx context.Context, cfg Config) (*Runtime, error) {
	log := pslog.Ctx(ctx).With("runtime", "docker")
	cli, err := newClient(cfg)
	if err != nil {
		log.Warn("docker client init failed", "err", err)
		return nil, err
	}
	stop := cfg.StopTimeout
	if stop <= 0 {
		stop = 10 * time.Second
	}
	rt := &Runtime{cli: cli, stopTimeout: stop}
	if err := rt.Ping(ctx); err != nil {
		_ = cli.Close()
		log.Warn("docker runtime unavailable", "err", err)
		return nil, err
	}
	log.Info("docker runtime ready", "host", cli.DaemonHost())
	return rt, nil
}

func newClient(cfg Config) (*client.Client, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host := strings.TrimSpace(cfg.Host); host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("docker client init: %w", err)
	}
	return cli, nil
}

// Close releases the client.
func (r *Runtime) Close() error {
	return r.cli.Close()
}

// Ping checks that the daemon answers.
func (r *Runtime) Ping(ctx context.Context) error {
	if _, err := r.cli.Ping(ctx); err != nil {
		return classify("ping", "", err)
	}
	return nil
}

// ImageExists reports whether image is present locally.
func (r *Runtime) ImageExists(ctx context.Context, image string) (bool, error) {
	if strings.TrimSpace(image) == "" {
		return false, errors.New("image is required")
	}
	if _, err := r.cli.ImageInspect(ctx, image); err != nil {
		if cerrdefs.IsNotFound(err) {
			return false, nil
		}
		return false, classify("image inspect", image, err)
	}
	return true, nil
}

// Create creates and starts a container. A container that fails to start is
// removed again.
func (r *Runtime) Create(ctx context.Context, spec shipohoy.ContainerSpec) (shipohoy.Handle, error) {
	if strings.TrimSpace(spec.Name) == "" || strings.TrimSpace(spec.Image) == "" {
		return nil, errors.New("container name and image are required")
	}
	log := r.logger(ctx).With("container", spec.Name, "image", spec.Image)
	log.Info("docker create start")
	cfg, hostCfg := containerConfig(spec)
	resp, err := r.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		log.Warn("docker create failed", "err", err)
		return nil, classify("create", spec.Name, err)
	}
	if resp.ID == "" {
		return nil, shipohoy.Failed("create", spec.Name, errors.New("empty container id"))
	}
	log = log.With("id", resp.ID)
	if err := r.Start(ctx, resp.ID); err != nil {
		log.Warn("docker create start failed", "err", err)
		if rmErr := r.Remove(ctx, resp.ID); rmErr != nil {
			log.Warn("docker create cleanup failed", "err", rmErr)
		}
		return nil, err
	}
	log.Info("docker create ok")
	return shipohoy.NewHandle(spec.Name, resp.ID), nil
}

func containerConfig(spec shipohoy.ContainerSpec) (*container.Config, *container.HostConfig) {
	cfg := &container.Config{
		Image:      spec.Image,
		Labels:     spec.Labels,
		Tty:        spec.TTY,
		OpenStdin:  spec.TTY,
		WorkingDir: spec.WorkingDir,
		Cmd:        spec.Command,
	}
	for k, v := range spec.Env {
		cfg.Env = append(cfg.Env, k+"="+v)
	}
	hostCfg := &container.HostConfig{
		CapDrop: spec.Security.CapDrop,
		CapAdd:  spec.Security.CapAdd,
	}
	if spec.Security.NoNewPrivileges {
		hostCfg.SecurityOpt = []string{"no-new-privileges"}
	}
	if caps := spec.ResourceCaps; caps != nil {
		hostCfg.Resources = container.Resources{
			Memory:    caps.MemoryBytes,
			CPUPeriod: caps.CPUPeriod,
			CPUQuota:  caps.CPUQuota,
			CPUShares: caps.CPUShares,
		}
	}
	return cfg, hostCfg
}

// Inspect resolves id to its live status.
func (r *Runtime) Inspect(ctx context.Context, id string) (shipohoy.Status, error) {
	info, err := r.cli.ContainerInspect(ctx, id)
	if err != nil {
		return shipohoy.Status{}, classify("inspect", id, err)
	}
	status := shipohoy.Status{
		ID:   info.ID,
		Name: strings.TrimPrefix(info.Name, "/"),
	}
	if info.State != nil {
		status.Running = info.State.Running
		status.State = string(info.State.Status)
	}
	if info.Config != nil {
		status.Labels = info.Config.Labels
	}
	return status, nil
}

// Start starts a container.
func (r *Runtime) Start(ctx context.Context, id string) error {
	log := r.logger(ctx).With("id", id)
	if err := r.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		log.Warn("docker start failed", "err", err)
		return classify("start", id, err)
	}
	log.Info("docker start ok")
	return nil
}

// Stop stops a container.
func (r *Runtime) Stop(ctx context.Context, id string) error {
	log := r.logger(ctx).With("id", id)
	timeout := int(r.stopTimeout.Seconds())
	if err := r.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil {
		log.Warn("docker stop failed", "err", err)
		return classify("stop", id, err)
	}
	log.Info("docker stop ok")
	return nil
}

// Remove force-removes a container.
func (r *Runtime) Remove(ctx context.Context, id string) error {
	log := r.logger(ctx).With("id", id)
	if err := r.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		log.Warn("docker remove failed", "err", err)
		return classify("remove", id, err)
	}
	log.Info("docker remove ok")
	return nil
}

// Exec runs a command inside a running container.
func (r *Runtime) Exec(ctx context.Context, id string, spec shipohoy.ExecSpec) (shipohoy.ExecResult, error) {
	if len(spec.Command) == 0 {
		return shipohoy.ExecResult{}, errors.New("exec command is required")
	}
	log := r.logger(ctx).With("id", id, "cmd_len", len(spec.Command))
	started := time.Now()
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}
	opts := container.ExecOptions{
		Cmd:          spec.Command,
		WorkingDir:   spec.WorkingDir,
		AttachStdout: true,
		AttachStderr: true,
	}
	for k, v := range spec.Env {
		opts.Env = append(opts.Env, k+"="+v)
	}
	created, err := r.cli.ContainerExecCreate(ctx, id, opts)
	if err != nil {
		log.Warn("docker exec failed", "err", err)
		return shipohoy.ExecResult{}, classify("exec", id, err)
	}
	attach, err := r.cli.ContainerExecAttach(ctx, created.ID, container.ExecStartOptions{})
	if err != nil {
		log.Warn("docker exec failed", "err", err)
		return shipohoy.ExecResult{}, classify("exec", id, err)
	}
	defer attach.Close()
	stdout, stderr := spec.Stdout, spec.Stderr
	if stdout == nil {
		stdout = discard{}
	}
	if stderr == nil {
		stderr = discard{}
	}
	if _, err := stdcopy.StdCopy(stdout, stderr, attach.Reader); err != nil {
		log.Warn("docker exec output failed", "err", err)
		return shipohoy.ExecResult{}, shipohoy.Failed("exec", id, err)
	}
	inspect, err := r.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return shipohoy.ExecResult{}, classify("exec inspect", id, err)
	}
	finished := time.Now()
	log.Info("docker exec done", "exit_code", inspect.ExitCode, "duration_ms", finished.Sub(started).Milliseconds())
	return shipohoy.ExecResult{ExitCode: inspect.ExitCode, Started: started, Finished: finished}, nil
}

func (r *Runtime) logger(ctx context.Context) pslog.Logger {
	return pslog.Ctx(ctx).With("runtime", "docker")
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

// classify maps Docker client errors onto shipohoy error kinds.
func classify(op, id string, err error) error {
	switch {
	case err == nil:
		return nil
	case cerrdefs.IsNotFound(err):
		return shipohoy.NotFound(op, id, err)
	case client.IsErrConnectionFailed(err), cerrdefs.IsUnavailable(err):
		return shipohoy.Unavailable(op, err)
	default:
		return shipohoy.Failed(op, id, err)
	}
}
