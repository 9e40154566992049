package core

import (
	"context"
	"errors"
	"fmt"
	"os"

	"pkt.systems/moorage/bootstrap"
	"pkt.systems/moorage/internal/shipohoy"
	"pkt.systems/moorage/schema"
	"pkt.systems/pslog"
)

// BuildImage builds the sandbox image unless the runtime already has it.
// Concurrent calls share one build.
func (o *Orchestrator) BuildImage(ctx context.Context) (err error) {
	if !o.Available() {
		return schema.ErrRuntimeUnavailable
	}
	ctx, span := o.tracer.Start(ctx, "orchestrator.build_image")
	defer func() { endSpan(span, err) }()
	return o.ensureImage(ctx)
}

func (o *Orchestrator) ensureImage(ctx context.Context) error {
	exists, err := o.rt.ImageExists(ctx, o.cfg.Image)
	if err != nil {
		return runtimeErr("image exists", err)
	}
	if exists {
		return nil
	}
	// The build outlives any one caller; BuildTimeout bounds it.
	shared := context.WithoutCancel(ctx)
	ch := o.builds.DoChan(o.cfg.Image, func() (any, error) {
		exists, err := o.rt.ImageExists(shared, o.cfg.Image)
		if err != nil {
			return nil, runtimeErr("image exists", err)
		}
		if exists {
			return nil, nil
		}
		return nil, o.buildImage(shared)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) buildImage(ctx context.Context) error {
	log := pslog.Ctx(ctx).With("image", o.cfg.Image)
	if o.builder == nil {
		return fmt.Errorf("image %s missing and no builder configured", o.cfg.Image)
	}
	log.Info("orchestrator image build start")
	dir, err := os.MkdirTemp("", "moorage-build-")
	if err != nil {
		return err
	}
	defer func() { _ = os.RemoveAll(dir) }()
	path, err := bootstrap.WriteBuildContext(dir, o.cfg.Containerfile)
	if err != nil {
		return err
	}
	spec := shipohoy.BuildSpec{
		ContextDir:        dir,
		ContainerfilePath: path,
		Tags:              []string{o.cfg.Image},
		Timeout:           o.cfg.BuildTimeout,
	}
	if o.cfg.BuildTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.BuildTimeout)
		defer cancel()
	}

	if eb, ok := o.builder.(shipohoy.BuilderWithEvents); ok {
		events := make(chan shipohoy.BuildEvent, 64)
		done := make(chan struct{})
		go func() {
			for {
				select {
				case ev := <-events:
					logBuildEvent(log, ev)
				case <-done:
					return
				}
			}
		}()
		_, err = eb.BuildWithEvents(ctx, spec, events)
		close(done)
	} else {
		_, err = o.builder.Build(ctx, spec)
	}
	if err != nil {
		o.metrics.ImageBuild("error")
		log.Warn("orchestrator image build failed", "err", err)
		if errors.Is(err, shipohoy.ErrUnavailable) {
			return runtimeErr("build", err)
		}
		return fmt.Errorf("build image %s: %w", o.cfg.Image, err)
	}
	o.metrics.ImageBuild("ok")
	log.Info("orchestrator image build ok")
	return nil
}

func logBuildEvent(log pslog.Logger, ev shipohoy.BuildEvent) {
	switch ev.Kind {
	case shipohoy.BuildEventWarning:
		log.Warn("image build warning", "message", ev.Message)
	case shipohoy.BuildEventVertexCompleted:
		if ev.Error != "" {
			log.Warn("image build step failed", "step", ev.Name, "err", ev.Error)
			return
		}
		log.Debug("image build step done", "step", ev.Name)
	case shipohoy.BuildEventVertexStarted:
		log.Debug("image build step", "step", ev.Name)
	default:
		log.Trace("image build log", "message", ev.Message)
	}
}
