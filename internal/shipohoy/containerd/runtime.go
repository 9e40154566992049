package containerd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	containerd "github.com/containerd/containerd/v2/client"
	"github.com/containerd/containerd/v2/core/containers"
	"github.com/containerd/containerd/v2/core/images"
	transferimage "github.com/containerd/containerd/v2/core/transfer/image"
	"github.com/containerd/containerd/v2/core/transfer/registry"
	"github.com/containerd/containerd/v2/pkg/cio"
	"github.com/containerd/containerd/v2/pkg/namespaces"
	"github.com/containerd/containerd/v2/pkg/oci"
	"github.com/containerd/errdefs"
	"github.com/containerd/platforms"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/opencontainers/runtime-spec/specs-go"
	"golang.org/x/sys/unix"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"pkt.systems/moorage/internal/shipohoy"
	"pkt.systems/pslog"
)

const labelManaged = "moorage.managed"

// Config configures the containerd runtime.
type Config struct {
	Address     string
	Namespace   string
	PullTimeout time.Duration
	StopTimeout time.Duration
}

// Runtime implements shipohoy.Runtime using containerd. Container ids and
// names are the same string.
type Runtime struct {
	client      *containerd.Client
	namespace   string
	pullTimeout time.Duration
	stopTimeout time.Duration
}

// New constructs a containerd runtime, trying fallback socket paths if needed.
func New(ctx context.Context, cfg Config) (*Runtime, error) {
	log := pslog.Ctx(ctx).With("runtime", "containerd")
	var lastErr error
	for _, addr := range candidateAddresses(cfg.Address, "containerd") {
		log.Debug("containerd connect attempt", "address", addr)
		client, err := containerd.New(addr)
		if err != nil {
			log.Warn("containerd connect failed", "address", addr, "err", err)
			lastErr = err
			continue
		}
		rt := &Runtime{
			client:      client,
			namespace:   firstNonEmpty(cfg.Namespace, "moorage"),
			pullTimeout: durationOr(cfg.PullTimeout, 5*time.Minute),
			stopTimeout: durationOr(cfg.StopTimeout, 10*time.Second),
		}
		if err := rt.Ping(ctx); err != nil {
			_ = client.Close()
			log.Warn("containerd ping failed", "address", addr, "err", err)
			lastErr = err
			continue
		}
		log.Info("containerd runtime ready", "address", addr, "namespace", rt.namespace)
		return rt, nil
	}
	if lastErr == nil {
		lastErr = errors.New("containerd address not configured")
	}
	log.Warn("containerd runtime unavailable", "err", lastErr)
	return nil, shipohoy.Unavailable("connect", lastErr)
}

// Close releases the containerd client.
func (r *Runtime) Close() error {
	if r == nil || r.client == nil {
		return nil
	}
	return r.client.Close()
}

// Ping checks that the daemon answers.
func (r *Runtime) Ping(ctx context.Context) error {
	if _, err := r.client.Version(ctx); err != nil {
		return classify("ping", "", err)
	}
	return nil
}

// ImageExists reports whether an image exists locally without pulling.
func (r *Runtime) ImageExists(ctx context.Context, image string) (bool, error) {
	if strings.TrimSpace(image) == "" {
		return false, errors.New("image is required")
	}
	ctx = namespaces.WithNamespace(ctx, r.namespace)
	_, err := r.client.GetImage(ctx, image)
	switch {
	case err == nil:
		return true, nil
	case errdefs.IsNotFound(err):
		return false, nil
	default:
		r.logger(ctx).Warn("containerd image check failed", "image", image, "err", err)
		return false, classify("image exists", image, err)
	}
}

// Import loads an OCI tar image into the containerd image store and tags it.
func (r *Runtime) Import(ctx context.Context, tarPath string, tags []string) error {
	if strings.TrimSpace(tarPath) == "" {
		return errors.New("tar path is required")
	}
	log := r.logger(ctx).With("tar", tarPath, "tags", tags)
	log.Info("containerd import start")
	file, err := os.Open(tarPath)
	if err != nil {
		log.Warn("containerd import failed", "err", err)
		return err
	}
	defer func() { _ = file.Close() }()

	ctx = namespaces.WithNamespace(ctx, r.namespace)
	imported, err := r.client.Import(ctx, file)
	if err != nil {
		log.Warn("containerd import failed", "err", err)
		return classify("import", tarPath, err)
	}
	if len(imported) == 0 {
		return errors.New("import did not return any images")
	}
	target := imported[0].Target
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if err := r.tagImage(ctx, tag, target); err != nil {
			log.Warn("containerd import tag failed", "tag", tag, "err", err)
			return err
		}
	}
	log.Info("containerd import ok", "images", len(imported))
	return nil
}

func (r *Runtime) tagImage(ctx context.Context, name string, target ocispec.Descriptor) error {
	img := images.Image{Name: name, Target: target}
	if _, err := r.client.GetImage(ctx, name); err == nil {
		_, err = r.client.ImageService().Update(ctx, img, "target")
		return err
	} else if !errdefs.IsNotFound(err) {
		return err
	}
	_, err := r.client.ImageService().Create(ctx, img)
	return err
}

func (r *Runtime) ensureImage(ctx context.Context, image, snapshotter string) (containerd.Image, error) {
	log := r.logger(ctx).With("image", image)
	rootless := os.Geteuid() != 0
	img, err := r.client.GetImage(ctx, image)
	if err == nil {
		if snapshotter != "" && !rootless {
			if err := img.Unpack(ctx, snapshotter); err != nil && !errdefs.IsAlreadyExists(err) {
				return nil, err
			}
		}
		return img, nil
	}
	if !errdefs.IsNotFound(err) {
		return nil, err
	}
	pullCtx, cancel := context.WithTimeout(ctx, r.pullTimeout)
	defer cancel()
	log.Info("containerd image pull start", "rootless", rootless)
	storeOpts := []transferimage.StoreOpt{}
	if !rootless {
		storeOpts = append(storeOpts, transferimage.WithUnpack(platforms.DefaultSpec(), snapshotter))
	}
	reg, err := registry.NewOCIRegistry(pullCtx, image)
	if err != nil {
		return nil, err
	}
	if err := r.client.Transfer(pullCtx, reg, transferimage.NewStore(image, storeOpts...)); err != nil {
		log.Warn("containerd image pull failed", "err", err)
		return nil, err
	}
	log.Info("containerd image pull ok")
	return r.client.GetImage(ctx, image)
}

// Create creates a container and starts its task.
func (r *Runtime) Create(ctx context.Context, spec shipohoy.ContainerSpec) (shipohoy.Handle, error) {
	if strings.TrimSpace(spec.Name) == "" || strings.TrimSpace(spec.Image) == "" {
		return nil, errors.New("container name and image are required")
	}
	log := r.logger(ctx).With("container", spec.Name, "image", spec.Image)
	log.Info("containerd create start")
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	image, err := r.ensureImage(ctx, spec.Image, spec.Snapshotter)
	if err != nil {
		log.Warn("containerd create failed", "err", err)
		return nil, classify("create", spec.Name, err)
	}
	labels := map[string]string{labelManaged: "true"}
	for k, v := range spec.Labels {
		labels[k] = v
	}
	specOpts := append([]oci.SpecOpts{oci.WithImageConfig(image)}, specOptions(spec)...)
	opts := []containerd.NewContainerOpts{
		containerd.WithImage(image),
		containerd.WithContainerLabels(labels),
	}
	if strings.TrimSpace(spec.Snapshotter) != "" {
		opts = append(opts, containerd.WithSnapshotter(spec.Snapshotter))
	}
	opts = append(opts,
		containerd.WithNewSnapshot(spec.Name+"-snapshot", image),
		containerd.WithNewSpec(specOpts...),
	)
	container, err := r.client.NewContainer(ctx, spec.Name, opts...)
	if err != nil {
		log.Warn("containerd create failed", "err", err)
		return nil, classify("create", spec.Name, err)
	}
	if err := r.startTask(ctx, container); err != nil {
		log.Warn("containerd create start failed", "err", err)
		if delErr := container.Delete(ctx, containerd.WithSnapshotCleanup); delErr != nil {
			log.Warn("containerd create cleanup failed", "err", delErr)
		}
		return nil, classify("start", spec.Name, err)
	}
	log.Info("containerd create ok", "id", container.ID())
	return shipohoy.NewHandle(spec.Name, container.ID()), nil
}

// Inspect resolves a container id to its live status.
func (r *Runtime) Inspect(ctx context.Context, id string) (shipohoy.Status, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)
	container, err := r.client.LoadContainer(ctx, id)
	if err != nil {
		return shipohoy.Status{}, classify("inspect", id, err)
	}
	labels, err := container.Labels(ctx)
	if err != nil {
		return shipohoy.Status{}, classify("inspect", id, err)
	}
	out := shipohoy.Status{ID: container.ID(), Name: container.ID(), Labels: labels, State: "created"}
	task, err := container.Task(ctx, nil)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return out, nil
		}
		return shipohoy.Status{}, classify("inspect", id, err)
	}
	st, err := task.Status(ctx)
	if err != nil {
		return shipohoy.Status{}, classify("inspect", id, err)
	}
	out.State = string(st.Status)
	out.Running = st.Status == containerd.Running
	return out, nil
}

// Start starts the container task, replacing a stopped one.
func (r *Runtime) Start(ctx context.Context, id string) error {
	log := r.logger(ctx).With("id", id)
	ctx = namespaces.WithNamespace(ctx, r.namespace)
	container, err := r.client.LoadContainer(ctx, id)
	if err != nil {
		log.Warn("containerd start failed", "err", err)
		return classify("start", id, err)
	}
	if err := r.startTask(ctx, container); err != nil {
		log.Warn("containerd start failed", "err", err)
		return classify("start", id, err)
	}
	log.Info("containerd start ok")
	return nil
}

func (r *Runtime) startTask(ctx context.Context, container containerd.Container) error {
	task, err := container.Task(ctx, nil)
	if err == nil {
		st, err := task.Status(ctx)
		if err != nil {
			return err
		}
		switch st.Status {
		case containerd.Running:
			return nil
		case containerd.Created:
			return task.Start(ctx)
		}
		if _, err := task.Delete(ctx); err != nil && !errdefs.IsNotFound(err) {
			return err
		}
	} else if !errdefs.IsNotFound(err) {
		return err
	}
	ociSpec, err := container.Spec(ctx)
	if err != nil {
		return err
	}
	streams := []cio.Opt{cio.WithStreams(nil, io.Discard, io.Discard)}
	if ociSpec.Process != nil && ociSpec.Process.Terminal {
		streams = append(streams, cio.WithTerminal)
	}
	task, err = container.NewTask(ctx, cio.NewCreator(streams...))
	if err != nil {
		return err
	}
	if err := task.Start(ctx); err != nil {
		_, _ = task.Delete(ctx)
		return err
	}
	return nil
}

// Stop terminates the container task. The container itself is kept.
func (r *Runtime) Stop(ctx context.Context, id string) error {
	log := r.logger(ctx).With("id", id)
	ctx = namespaces.WithNamespace(ctx, r.namespace)
	container, err := r.client.LoadContainer(ctx, id)
	if err != nil {
		log.Warn("containerd stop failed", "err", err)
		return classify("stop", id, err)
	}
	if err := r.stopTask(ctx, container); err != nil {
		log.Warn("containerd stop failed", "err", err)
		return classify("stop", id, err)
	}
	log.Info("containerd stop ok")
	return nil
}

func (r *Runtime) stopTask(ctx context.Context, container containerd.Container) error {
	task, err := container.Task(ctx, nil)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return err
	}
	waitCh, err := task.Wait(ctx)
	if err != nil {
		return err
	}
	_ = task.Kill(ctx, unix.SIGTERM)
	select {
	case <-waitCh:
	case <-time.After(r.stopTimeout):
		_ = task.Kill(ctx, unix.SIGKILL)
		<-waitCh
	case <-ctx.Done():
		return ctx.Err()
	}
	if _, err := task.Delete(ctx); err != nil && !errdefs.IsNotFound(err) {
		return err
	}
	return nil
}

// Remove stops the task and deletes the container with its snapshot.
func (r *Runtime) Remove(ctx context.Context, id string) error {
	log := r.logger(ctx).With("id", id)
	ctx = namespaces.WithNamespace(ctx, r.namespace)
	container, err := r.client.LoadContainer(ctx, id)
	if err != nil {
		log.Warn("containerd remove failed", "err", err)
		return classify("remove", id, err)
	}
	if err := r.stopTask(ctx, container); err != nil {
		log.Warn("containerd remove failed", "err", err)
		return classify("remove", id, err)
	}
	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		log.Warn("containerd remove failed", "err", err)
		return classify("remove", id, err)
	}
	log.Info("containerd remove ok")
	return nil
}

// Exec runs a command inside the running container task.
func (r *Runtime) Exec(ctx context.Context, id string, spec shipohoy.ExecSpec) (shipohoy.ExecResult, error) {
	if len(spec.Command) == 0 {
		return shipohoy.ExecResult{}, errors.New("exec command is required")
	}
	log := r.logger(ctx).With("id", id, "cmd_len", len(spec.Command))
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}
	ctx = namespaces.WithNamespace(ctx, r.namespace)
	container, err := r.client.LoadContainer(ctx, id)
	if err != nil {
		log.Warn("containerd exec failed", "err", err)
		return shipohoy.ExecResult{}, classify("exec", id, err)
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		log.Warn("containerd exec failed", "err", err)
		return shipohoy.ExecResult{}, classify("exec", id, err)
	}
	proc, err := processSpec(ctx, container, spec)
	if err != nil {
		return shipohoy.ExecResult{}, classify("exec", id, err)
	}
	stdout, stderr := spec.Stdout, spec.Stderr
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}
	started := time.Now()
	process, err := task.Exec(ctx, fmt.Sprintf("exec-%d", started.UnixNano()), proc, cio.NewCreator(cio.WithStreams(nil, stdout, stderr)))
	if err != nil {
		log.Warn("containerd exec failed", "err", err)
		return shipohoy.ExecResult{}, classify("exec", id, err)
	}
	defer func() { _, _ = process.Delete(context.WithoutCancel(ctx)) }()
	waitCh, err := process.Wait(ctx)
	if err != nil {
		return shipohoy.ExecResult{}, classify("exec", id, err)
	}
	if err := process.Start(ctx); err != nil {
		log.Warn("containerd exec failed", "err", err)
		return shipohoy.ExecResult{}, classify("exec", id, err)
	}
	select {
	case st := <-waitCh:
		code, _, err := st.Result()
		if err != nil {
			return shipohoy.ExecResult{}, classify("exec", id, err)
		}
		finished := time.Now()
		log.Info("containerd exec done", "exit_code", int(code), "duration_ms", finished.Sub(started).Milliseconds())
		return shipohoy.ExecResult{ExitCode: int(code), Started: started, Finished: finished}, nil
	case <-ctx.Done():
		_ = process.Kill(context.WithoutCancel(ctx), unix.SIGKILL)
		log.Warn("containerd exec timeout", "err", ctx.Err())
		return shipohoy.ExecResult{}, ctx.Err()
	}
}

func specOptions(spec shipohoy.ContainerSpec) []oci.SpecOpts {
	opts := []oci.SpecOpts{oci.WithEnv(flattenEnv(spec.Env))}
	if spec.WorkingDir != "" {
		opts = append(opts, oci.WithProcessCwd(spec.WorkingDir))
	}
	if len(spec.Command) > 0 {
		opts = append(opts, oci.WithProcessArgs(spec.Command...))
	}
	if spec.TTY {
		opts = append(opts, oci.WithTTY)
	}
	if spec.ResourceCaps != nil {
		opts = append(opts, withResources(*spec.ResourceCaps))
	}
	if spec.Security.NoNewPrivileges {
		opts = append(opts, oci.WithNoNewPrivileges)
	}
	if len(spec.Security.CapDrop) > 0 || len(spec.Security.CapAdd) > 0 {
		opts = append(opts, withCapabilities(spec.Security))
	}
	return opts
}

func withResources(caps shipohoy.ResourceCaps) oci.SpecOpts {
	return func(_ context.Context, _ oci.Client, _ *containers.Container, s *specs.Spec) error {
		if s.Linux == nil {
			s.Linux = &specs.Linux{}
		}
		if s.Linux.Resources == nil {
			s.Linux.Resources = &specs.LinuxResources{}
		}
		res := s.Linux.Resources
		if caps.MemoryBytes > 0 {
			limit := caps.MemoryBytes
			res.Memory = &specs.LinuxMemory{Limit: &limit}
		}
		if caps.CPUPeriod > 0 || caps.CPUQuota > 0 || caps.CPUShares > 0 {
			if res.CPU == nil {
				res.CPU = &specs.LinuxCPU{}
			}
			if caps.CPUPeriod > 0 {
				period := uint64(caps.CPUPeriod)
				res.CPU.Period = &period
			}
			if caps.CPUQuota > 0 {
				quota := caps.CPUQuota
				res.CPU.Quota = &quota
			}
			if caps.CPUShares > 0 {
				shares := uint64(caps.CPUShares)
				res.CPU.Shares = &shares
			}
		}
		return nil
	}
}

// withCapabilities applies the drop list first. Dropping ALL empties every set.
func withCapabilities(profile shipohoy.SecurityProfile) oci.SpecOpts {
	return func(_ context.Context, _ oci.Client, _ *containers.Container, s *specs.Spec) error {
		if s.Process == nil {
			s.Process = &specs.Process{}
		}
		if s.Process.Capabilities == nil {
			s.Process.Capabilities = &specs.LinuxCapabilities{}
		}
		c := s.Process.Capabilities
		for _, name := range profile.CapDrop {
			name = capName(name)
			if name == "CAP_ALL" {
				c.Bounding, c.Effective, c.Permitted, c.Inheritable, c.Ambient = nil, nil, nil, nil, nil
				continue
			}
			c.Bounding = without(c.Bounding, name)
			c.Effective = without(c.Effective, name)
			c.Permitted = without(c.Permitted, name)
			c.Inheritable = without(c.Inheritable, name)
			c.Ambient = without(c.Ambient, name)
		}
		for _, name := range profile.CapAdd {
			name = capName(name)
			c.Bounding = append(without(c.Bounding, name), name)
			c.Effective = append(without(c.Effective, name), name)
			c.Permitted = append(without(c.Permitted, name), name)
		}
		return nil
	}
}

func capName(name string) string {
	name = strings.ToUpper(strings.TrimSpace(name))
	if !strings.HasPrefix(name, "CAP_") {
		name = "CAP_" + name
	}
	return name
}

func without(list []string, name string) []string {
	out := list[:0:0]
	for _, v := range list {
		if v != name {
			out = append(out, v)
		}
	}
	return out
}

func processSpec(ctx context.Context, container containerd.Container, spec shipohoy.ExecSpec) (*specs.Process, error) {
	base, err := container.Spec(ctx)
	if err != nil {
		return nil, err
	}
	proc := &specs.Process{Args: spec.Command}
	if base.Process != nil {
		proc.Cwd = base.Process.Cwd
		proc.Env = base.Process.Env
		proc.User = base.Process.User
		proc.Capabilities = base.Process.Capabilities
		proc.NoNewPrivileges = base.Process.NoNewPrivileges
	}
	proc.Env = mergeEnv(proc.Env, spec.Env)
	if spec.WorkingDir != "" {
		proc.Cwd = spec.WorkingDir
	}
	return proc, nil
}

func flattenEnv(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

func mergeEnv(base []string, add map[string]string) []string {
	if len(add) == 0 {
		return base
	}
	out := make([]string, 0, len(base)+len(add))
	for _, entry := range base {
		key, _, _ := strings.Cut(entry, "=")
		if _, ok := add[key]; !ok {
			out = append(out, entry)
		}
	}
	return append(out, flattenEnv(add)...)
}

// classify maps containerd and gRPC errors onto shipohoy error kinds.
func classify(op, id string, err error) error {
	if err == nil {
		return nil
	}
	var rerr *shipohoy.Error
	if errors.As(err, &rerr) {
		return err
	}
	switch {
	case errdefs.IsNotFound(err):
		return shipohoy.NotFound(op, id, err)
	case errdefs.IsUnavailable(err), status.Code(err) == codes.Unavailable:
		return shipohoy.Unavailable(op, err)
	default:
		return shipohoy.Failed(op, id, err)
	}
}

func candidateAddresses(primary string, name string) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(addr string) {
		addr = strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(addr), "unix://"), "unix:")
		if addr == "" {
			return
		}
		if _, ok := seen[addr]; ok {
			return
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	add(primary)
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir != "" {
		add(filepath.Join(runtimeDir, name, name+".sock"))
	}
	userRunDir := filepath.Join("/run", "user", fmt.Sprintf("%d", os.Getuid()))
	if userRunDir != runtimeDir {
		add(filepath.Join(userRunDir, name, name+".sock"))
	}
	add(filepath.Join("/run", name, name+".sock"))
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func durationOr(v, fallback time.Duration) time.Duration {
	if v <= 0 {
		return fallback
	}
	return v
}

func (r *Runtime) logger(ctx context.Context) pslog.Logger {
	return pslog.Ctx(ctx).With("runtime", "containerd")
}
