package core

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"pkt.systems/moorage/internal/logx"
	"pkt.systems/moorage/internal/metrics"
	"pkt.systems/moorage/internal/shipohoy"
	"pkt.systems/moorage/schema"
	"pkt.systems/pslog"
)

const tracerName = "pkt.systems/moorage/core"

// Orchestrator maps session ids to running sandbox containers. One
// Orchestrator is constructed per process and shared by every caller.
//
// It does not serialize reconciliation per session unless
// Config.SerializeCreate is set: two callers that both observe a missing
// container can each create one, and the record keeps the last write.
type Orchestrator struct {
	cfg       Config
	store     SessionStore
	rt        shipohoy.Runtime
	builder   shipohoy.Builder
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	available bool
	builds    singleflight.Group
	creates   singleflight.Group
}

// NewOrchestrator pings the runtime and returns an orchestrator. A runtime
// that does not answer disables every container operation for the life of
// the orchestrator; those operations then fail with
// schema.ErrRuntimeUnavailable.
func NewOrchestrator(ctx context.Context, cfg Config, deps Deps) (*Orchestrator, error) {
	if deps.Store == nil {
		return nil, errors.New("orchestrator requires a session store")
	}
	def := DefaultConfig()
	if strings.TrimSpace(cfg.Image) == "" {
		cfg.Image = def.Image
	}
	if strings.TrimSpace(cfg.NamePrefix) == "" {
		cfg.NamePrefix = def.NamePrefix
	}
	if len(cfg.ExecShell) == 0 {
		cfg.ExecShell = def.ExecShell
	}
	if cfg.BuildTimeout <= 0 {
		cfg.BuildTimeout = def.BuildTimeout
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	o := &Orchestrator{
		cfg:     cfg,
		store:   deps.Store,
		rt:      deps.Runtime,
		builder: deps.Builder,
		metrics: deps.Metrics,
		tracer:  tracer,
	}
	log := pslog.Ctx(ctx)
	switch {
	case deps.Runtime == nil:
		log.Warn("orchestrator runtime not configured; container operations disabled")
	default:
		if err := deps.Runtime.Ping(ctx); err != nil {
			log.Warn("orchestrator runtime unavailable; container operations disabled", "err", err)
		} else {
			o.available = true
		}
	}
	return o, nil
}

// Available reports whether the runtime answered at construction.
func (o *Orchestrator) Available() bool {
	return o != nil && o.available
}

// Config returns the effective configuration.
func (o *Orchestrator) Config() Config {
	return o.cfg
}

func (o *Orchestrator) check(id schema.SessionID) error {
	if strings.TrimSpace(string(id)) == "" {
		return fmt.Errorf("%w: session id is required", schema.ErrInvalidArgument)
	}
	if !o.Available() {
		return schema.ErrRuntimeUnavailable
	}
	return nil
}

// runtimeErr maps an unreachable runtime to schema.ErrRuntimeUnavailable
// and keeps any other failure as is.
func runtimeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, shipohoy.ErrUnavailable) {
		return fmt.Errorf("%s: %w: %w", op, schema.ErrRuntimeUnavailable, err)
	}
	if errors.Is(err, shipohoy.ErrNotFound) {
		return fmt.Errorf("%s: %w: %w", op, schema.ErrNotFound, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (o *Orchestrator) span(ctx context.Context, name string, id schema.SessionID) (context.Context, trace.Span) {
	return o.tracer.Start(ctx, name, trace.WithAttributes(attribute.String("moorage.session_id", string(id))))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Create returns a running container for id, reusing the stored one when
// the runtime still knows it and creating a new one otherwise.
func (o *Orchestrator) Create(ctx context.Context, id schema.SessionID) (containerID string, err error) {
	if err := o.check(id); err != nil {
		return "", err
	}
	ctx = logx.ContextWithSession(ctx, id)
	ctx, span := o.span(ctx, "orchestrator.create", id)
	defer func() { endSpan(span, err) }()
	h, err := o.createSerialized(ctx, id)
	if err != nil {
		return "", err
	}
	return h.ID, nil
}

func (o *Orchestrator) createSerialized(ctx context.Context, id schema.SessionID) (schema.ContainerHandle, error) {
	if !o.cfg.SerializeCreate {
		return o.create(ctx, id)
	}
	v, err, shared := o.creates.Do(string(id), func() (any, error) {
		return o.create(ctx, id)
	})
	if shared {
		pslog.Ctx(ctx).Debug("orchestrator create joined in-flight create")
	}
	if err != nil {
		return schema.ContainerHandle{}, err
	}
	return v.(schema.ContainerHandle), nil
}

func (o *Orchestrator) create(ctx context.Context, id schema.SessionID) (schema.ContainerHandle, error) {
	log := pslog.Ctx(ctx)
	log.Info("orchestrator create start")

	stored, err := o.store.GetContainerID(ctx, id)
	if err != nil {
		log.Warn("orchestrator create failed", "err", err)
		return schema.ContainerHandle{}, err
	}
	if stored != "" {
		clog := logx.WithContainer(log, stored)
		st, err := o.rt.Inspect(ctx, stored)
		switch {
		case err == nil && st.Running:
			clog.Info("orchestrator create reused running container")
			return handleFromStatus(id, stored, st), nil
		case err == nil:
			if err := o.rt.Start(ctx, stored); err != nil {
				clog.Warn("orchestrator create failed", "err", err)
				return schema.ContainerHandle{}, runtimeErr("start", err)
			}
			clog.Info("orchestrator create restarted stopped container")
			h := handleFromStatus(id, stored, st)
			h.State = schema.ContainerRunning
			return h, nil
		case errors.Is(err, shipohoy.ErrNotFound):
			clog.Info("orchestrator create stored container gone")
		default:
			clog.Warn("orchestrator create failed", "err", err)
			return schema.ContainerHandle{}, runtimeErr("inspect", err)
		}
	}

	if err := o.ensureImage(ctx); err != nil {
		log.Warn("orchestrator create failed", "err", err)
		return schema.ContainerHandle{}, err
	}
	spec := o.containerSpec(id)
	created, err := o.rt.Create(ctx, spec)
	if err != nil {
		log.Warn("orchestrator create failed", "err", err)
		return schema.ContainerHandle{}, runtimeErr("create", err)
	}
	clog := logx.WithContainer(log, created.ID())
	if _, _, err := o.store.SetContainerID(ctx, id, created.ID()); err != nil {
		clog.Warn("orchestrator create failed to persist container", "err", err)
		if rerr := o.rt.Remove(context.WithoutCancel(ctx), created.ID()); rerr != nil {
			clog.Warn("orchestrator create cleanup failed", "err", rerr)
		}
		return schema.ContainerHandle{}, err
	}
	o.metrics.ContainerCreated()
	clog.Info("orchestrator create ok", "name", created.Name())
	return schema.ContainerHandle{
		ID:        created.ID(),
		Name:      created.Name(),
		State:     schema.ContainerRunning,
		SessionID: id,
	}, nil
}

func (o *Orchestrator) containerSpec(id schema.SessionID) shipohoy.ContainerSpec {
	env := shipohoy.SandboxEnvelope()
	env.NamePrefix = o.cfg.NamePrefix + "-"
	env.Labels = map[string]string{
		LabelSession: string(id),
		LabelManaged: "true",
	}
	return env.Apply(shipohoy.ContainerSpec{
		Name:        uuid.NewString(),
		Image:       o.cfg.Image,
		Snapshotter: o.cfg.Snapshotter,
	})
}

func handleFromStatus(id schema.SessionID, containerID string, st shipohoy.Status) schema.ContainerHandle {
	state := schema.ContainerNotRunning
	if st.Running {
		state = schema.ContainerRunning
	}
	return schema.ContainerHandle{ID: containerID, Name: st.Name, State: state, SessionID: id}
}

// Get resolves the container bound to id. A container the runtime no
// longer knows is unbound from the record and reported as absent; other
// runtime failures are logged and also reported as absent. Only an
// unreachable runtime or store is an error.
func (o *Orchestrator) Get(ctx context.Context, id schema.SessionID) (h schema.ContainerHandle, ok bool, err error) {
	if err := o.check(id); err != nil {
		return schema.ContainerHandle{}, false, err
	}
	ctx = logx.ContextWithSession(ctx, id)
	ctx, span := o.span(ctx, "orchestrator.get", id)
	defer func() { endSpan(span, err) }()
	return o.get(ctx, id)
}

func (o *Orchestrator) get(ctx context.Context, id schema.SessionID) (schema.ContainerHandle, bool, error) {
	stored, err := o.store.GetContainerID(ctx, id)
	if err != nil {
		return schema.ContainerHandle{}, false, err
	}
	if stored == "" {
		return schema.ContainerHandle{}, false, nil
	}
	log := logx.WithContainer(pslog.Ctx(ctx), stored)
	st, err := o.rt.Inspect(ctx, stored)
	switch {
	case err == nil:
		return handleFromStatus(id, stored, st), true, nil
	case errors.Is(err, shipohoy.ErrNotFound):
		log.Info("orchestrator get cleared stale container")
		if _, _, cerr := o.store.ClearContainerID(ctx, id, stored); cerr != nil {
			log.Warn("orchestrator get clear failed", "err", cerr)
		}
		return schema.ContainerHandle{}, false, nil
	case errors.Is(err, shipohoy.ErrUnavailable):
		return schema.ContainerHandle{}, false, runtimeErr("inspect", err)
	default:
		log.Warn("orchestrator get failed; treating as absent", "err", err)
		return schema.ContainerHandle{}, false, nil
	}
}

// Ensure reconciles id to a running container, starting a stopped one or
// recreating a missing or broken one. It fails only when the runtime or
// the store cannot be reached.
func (o *Orchestrator) Ensure(ctx context.Context, id schema.SessionID) (h schema.ContainerHandle, err error) {
	if err := o.check(id); err != nil {
		return schema.ContainerHandle{}, err
	}
	ctx = logx.ContextWithSession(ctx, id)
	ctx, span := o.span(ctx, "orchestrator.ensure", id)
	defer func() { endSpan(span, err) }()
	return o.ensure(ctx, id)
}

func (o *Orchestrator) ensure(ctx context.Context, id schema.SessionID) (schema.ContainerHandle, error) {
	h, ok, err := o.get(ctx, id)
	if err != nil {
		return schema.ContainerHandle{}, err
	}
	if !ok {
		return o.createSerialized(ctx, id)
	}
	if h.Running() {
		return h, nil
	}

	log := logx.WithContainer(pslog.Ctx(ctx), h.ID)
	log.Info("orchestrator ensure starting stopped container")
	reason := "start_failed"
	if err := o.rt.Start(ctx, h.ID); err != nil {
		switch {
		case errors.Is(err, shipohoy.ErrUnavailable):
			return schema.ContainerHandle{}, runtimeErr("start", err)
		case errors.Is(err, shipohoy.ErrNotFound):
			return o.recreate(ctx, id, h.ID, "vanished")
		}
		log.Warn("orchestrator ensure start failed", "err", err)
	} else {
		st, err := o.rt.Inspect(ctx, h.ID)
		switch {
		case err == nil && st.Running:
			return handleFromStatus(id, h.ID, st), nil
		case err == nil:
			log.Warn("orchestrator ensure container still not running", "state", st.State)
			reason = "not_running"
		case errors.Is(err, shipohoy.ErrUnavailable):
			return schema.ContainerHandle{}, runtimeErr("inspect", err)
		case errors.Is(err, shipohoy.ErrNotFound):
			return o.recreate(ctx, id, h.ID, "vanished")
		default:
			log.Warn("orchestrator ensure status check failed", "err", err)
		}
	}
	if err := o.rt.Remove(ctx, h.ID); err != nil && !errors.Is(err, shipohoy.ErrNotFound) {
		if errors.Is(err, shipohoy.ErrUnavailable) {
			return schema.ContainerHandle{}, runtimeErr("remove", err)
		}
		log.Warn("orchestrator ensure remove stale container failed", "err", err)
	}
	return o.recreate(ctx, id, h.ID, reason)
}

// recreate unbinds stale from the record, so create does not try to reuse
// it, and creates a new container.
func (o *Orchestrator) recreate(ctx context.Context, id schema.SessionID, stale, reason string) (schema.ContainerHandle, error) {
	o.metrics.ContainerRecreated(reason)
	log := logx.WithContainer(pslog.Ctx(ctx), stale)
	log.Info("orchestrator recreating container", "reason", reason)
	if _, _, err := o.store.ClearContainerID(ctx, id, stale); err != nil {
		return schema.ContainerHandle{}, err
	}
	return o.createSerialized(ctx, id)
}

// Stop stops the container bound to id. It returns false when there is no
// container or the stop failed.
func (o *Orchestrator) Stop(ctx context.Context, id schema.SessionID) (stopped bool, err error) {
	if err := o.check(id); err != nil {
		return false, err
	}
	ctx = logx.ContextWithSession(ctx, id)
	ctx, span := o.span(ctx, "orchestrator.stop", id)
	defer func() { endSpan(span, err) }()
	return o.detach(ctx, id, "stop", o.rt.Stop)
}

// Remove force-removes the container bound to id. It returns false when
// there is no container or the removal failed. The record keeps its
// container id; the next Get or Ensure unbinds it.
func (o *Orchestrator) Remove(ctx context.Context, id schema.SessionID) (removed bool, err error) {
	if err := o.check(id); err != nil {
		return false, err
	}
	ctx = logx.ContextWithSession(ctx, id)
	ctx, span := o.span(ctx, "orchestrator.remove", id)
	defer func() { endSpan(span, err) }()
	return o.detach(ctx, id, "remove", o.rt.Remove)
}

func (o *Orchestrator) detach(ctx context.Context, id schema.SessionID, op string, fn func(context.Context, string) error) (bool, error) {
	h, ok, err := o.get(ctx, id)
	if err != nil {
		return false, err
	}
	if !ok {
		pslog.Ctx(ctx).Debug("orchestrator " + op + " skipped; no container")
		return false, nil
	}
	log := logx.WithContainer(pslog.Ctx(ctx), h.ID)
	log.Info("orchestrator " + op + " start")
	if err := fn(ctx, h.ID); err != nil {
		if errors.Is(err, shipohoy.ErrUnavailable) {
			return false, runtimeErr(op, err)
		}
		log.Warn("orchestrator "+op+" failed", "err", err)
		return false, nil
	}
	log.Info("orchestrator " + op + " ok")
	return true, nil
}
