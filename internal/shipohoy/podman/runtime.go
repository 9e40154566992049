// Package podman implements shipohoy.Runtime and shipohoy.Builder on the
// Podman REST service.
package podman

import (
	"context"
	"io"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/pkg/stdcopy"

	"pkt.systems/moorage/internal/shipohoy"
	"pkt.systems/pslog"
)

const labelManaged = "moorage.managed"

// Config configures the Podman runtime.
type Config struct {
	Address     string
	UserNSMode  string
	StopTimeout time.Duration
}

// Runtime implements shipohoy.Runtime over the Podman API.
type Runtime struct {
	client      *client
	usernsMode  string
	stopTimeout time.Duration
}

// New connects to the first answering socket among cfg.Address and the
// standard rootless and rootful locations.
func New(ctx context.Context, cfg Config) (*Runtime, error) {
	log := pslog.Ctx(ctx).With("runtime", "podman")
	cl, err := dialFirst(ctx, candidateAddresses(cfg.Address))
	if err != nil {
		log.Warn("podman runtime unavailable", "err", err)
		return nil, err
	}
	stop := cfg.StopTimeout
	if stop <= 0 {
		stop = 10 * time.Second
	}
	log.Info("podman runtime ready", "address", cl.address)
	return &Runtime{client: cl, usernsMode: strings.TrimSpace(cfg.UserNSMode), stopTimeout: stop}, nil
}

func dialFirst(ctx context.Context, addresses []string) (*client, error) {
	log := pslog.Ctx(ctx)
	var lastErr error
	for _, addr := range addresses {
		cl, err := newClient(addr)
		if err == nil {
			err = cl.ping(ctx)
		}
		if err == nil {
			return cl, nil
		}
		log.Debug("podman connect failed", "address", addr, "err", err)
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errors.New("podman address not configured")
	}
	return nil, shipohoy.Unavailable("connect", lastErr)
}

// Close is a no-op; connections are per request.
func (r *Runtime) Close() error { return nil }

// Ping checks that the service answers.
func (r *Runtime) Ping(ctx context.Context) error {
	return r.client.ping(ctx)
}

// ImageExists reports whether image is present locally without pulling.
func (r *Runtime) ImageExists(ctx context.Context, image string) (bool, error) {
	if strings.TrimSpace(image) == "" {
		return false, errors.New("image is required")
	}
	_, err := r.client.call(ctx, "image exists", image, http.MethodGet, "/libpod/images/"+imagePath(image)+"/exists", nil, nil, nil)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, shipohoy.ErrNotFound):
		return false, nil
	default:
		r.logger(ctx).Warn("podman image check failed", "image", image, "err", err)
		return false, err
	}
}

// Create creates and starts a container. A container that was created but
// failed to start is removed again.
func (r *Runtime) Create(ctx context.Context, spec shipohoy.ContainerSpec) (shipohoy.Handle, error) {
	if strings.TrimSpace(spec.Name) == "" || strings.TrimSpace(spec.Image) == "" {
		return nil, errors.New("container name and image are required")
	}
	log := r.logger(ctx).With("container", spec.Name, "image", spec.Image)
	log.Info("podman create start")
	var created createResponse
	query := url.Values{"name": {spec.Name}}
	if _, err := r.client.call(ctx, "create", spec.Name, http.MethodPost, "/containers/create", query, r.createRequest(spec), &created); err != nil {
		log.Warn("podman create failed", "err", err)
		return nil, err
	}
	if created.ID == "" {
		return nil, shipohoy.Failed("create", spec.Name, errors.New("empty container id"))
	}
	log = log.With("id", created.ID)
	if err := r.Start(ctx, created.ID); err != nil {
		log.Warn("podman create start failed", "err", err)
		if rmErr := r.Remove(ctx, created.ID); rmErr != nil {
			log.Warn("podman create cleanup failed", "err", rmErr)
		}
		return nil, err
	}
	log.Info("podman create ok")
	return shipohoy.NewHandle(spec.Name, created.ID), nil
}

func (r *Runtime) createRequest(spec shipohoy.ContainerSpec) createRequest {
	labels := map[string]string{labelManaged: "true"}
	for k, v := range spec.Labels {
		labels[k] = v
	}
	host := hostConfig{
		UsernsMode: r.usernsMode,
		CapDrop:    spec.Security.CapDrop,
		CapAdd:     spec.Security.CapAdd,
	}
	if caps := spec.ResourceCaps; caps != nil {
		host.Memory = caps.MemoryBytes
		host.CPUPeriod = caps.CPUPeriod
		host.CPUQuota = caps.CPUQuota
		host.CPUShares = caps.CPUShares
	}
	if spec.Security.NoNewPrivileges {
		host.SecurityOpt = []string{"no-new-privileges"}
	}
	return createRequest{
		Image:      spec.Image,
		Cmd:        spec.Command,
		Env:        envList(spec.Env),
		WorkingDir: spec.WorkingDir,
		Labels:     labels,
		Tty:        spec.TTY,
		OpenStdin:  spec.TTY,
		HostConfig: &host,
	}
}

// Inspect resolves a container id to its live status.
func (r *Runtime) Inspect(ctx context.Context, id string) (shipohoy.Status, error) {
	var in inspectContainer
	if _, err := r.client.call(ctx, "inspect", id, http.MethodGet, containerPath(id, "json"), nil, nil, &in); err != nil {
		return shipohoy.Status{}, err
	}
	return shipohoy.Status{
		ID:      in.ID,
		Name:    strings.TrimPrefix(in.Name, "/"),
		Running: in.State.Running,
		State:   in.State.Status,
		Labels:  in.Config.Labels,
	}, nil
}

// Start starts a container. Starting a running container is a no-op.
func (r *Runtime) Start(ctx context.Context, id string) error {
	return r.lifecycle(ctx, "start", id, containerPath(id, "start"), nil, http.MethodPost)
}

// Stop stops a container. Stopping a stopped container is a no-op.
func (r *Runtime) Stop(ctx context.Context, id string) error {
	query := url.Values{"t": {strconv.Itoa(int(r.stopTimeout.Seconds()))}}
	return r.lifecycle(ctx, "stop", id, containerPath(id, "stop"), query, http.MethodPost)
}

// Remove force-removes a container.
func (r *Runtime) Remove(ctx context.Context, id string) error {
	return r.lifecycle(ctx, "remove", id, containerPath(id), url.Values{"force": {"true"}}, http.MethodDelete)
}

func (r *Runtime) lifecycle(ctx context.Context, op, id, endpoint string, query url.Values, method string) error {
	log := r.logger(ctx).With("id", id)
	log.Info("podman " + op + " start")
	status, err := r.client.call(ctx, op, id, method, endpoint, query, nil, nil)
	if err != nil {
		log.Warn("podman "+op+" failed", "status", status, "err", err)
		return err
	}
	if status == http.StatusNotModified {
		log.Info("podman "+op+" skipped", "reason", "no state change")
		return nil
	}
	log.Info("podman " + op + " ok")
	return nil
}

// Exec runs a command in a running container and waits for it to finish.
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

	var created execCreateResponse
	if _, err := r.client.call(ctx, "exec", id, http.MethodPost, containerPath(id, "exec"), nil, execCreateRequest{
		AttachStdout: true,
		AttachStderr: true,
		Cmd:          spec.Command,
		Env:          envList(spec.Env),
		WorkingDir:   spec.WorkingDir,
	}, &created); err != nil {
		log.Warn("podman exec failed", "err", err)
		return shipohoy.ExecResult{}, err
	}
	if err := r.attachExec(ctx, id, created.ID, spec); err != nil {
		log.Warn("podman exec failed", "err", err)
		return shipohoy.ExecResult{}, err
	}
	var state execInspect
	if _, err := r.client.call(ctx, "exec inspect", id, http.MethodGet, "/exec/"+url.PathEscape(created.ID)+"/json", nil, nil, &state); err != nil {
		log.Warn("podman exec failed", "err", err)
		return shipohoy.ExecResult{}, err
	}
	if state.Running {
		return shipohoy.ExecResult{}, shipohoy.Failed("exec", id, errors.New("exec still running after stream closed"))
	}
	finished := time.Now()
	log.Info("podman exec ok", "exit_code", state.ExitCode, "duration_ms", finished.Sub(started).Milliseconds())
	return shipohoy.ExecResult{ExitCode: state.ExitCode, Started: started, Finished: finished}, nil
}

// attachExec starts the exec and demultiplexes its framed output stream.
func (r *Runtime) attachExec(ctx context.Context, id, execID string, spec shipohoy.ExecSpec) error {
	res, err := r.client.do(ctx, http.MethodPost, "/exec/"+url.PathEscape(execID)+"/start", nil,
		strings.NewReader(`{"Detach":false,"Tty":false}`), "application/json")
	if err != nil {
		return classify("exec start", id, err)
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode >= 300 {
		return classify("exec start", id, readAPIError(res))
	}
	if _, err := stdcopy.StdCopy(writerOrDiscard(spec.Stdout), writerOrDiscard(spec.Stderr), res.Body); err != nil {
		return shipohoy.Failed("exec stream", id, err)
	}
	return nil
}

func (r *Runtime) logger(ctx context.Context) pslog.Logger {
	return pslog.Ctx(ctx).With("runtime", "podman")
}

func writerOrDiscard(w io.Writer) io.Writer {
	if w == nil {
		return io.Discard
	}
	return w
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
