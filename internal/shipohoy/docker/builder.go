package docker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"

	"pkt.systems/moorage/internal/shipohoy"
	"pkt.systems/pslog"
)

// Builder implements shipohoy.Builder with the classic Docker build API.
type Builder struct {
	cfg Config
}

// NewBuilder returns a Docker image builder.
func NewBuilder(cfg Config) *Builder {
	return &Builder{cfg: cfg}
}

// Build builds an image.
func (b *Builder) Build(ctx context.Context, spec shipohoy.BuildSpec) (shipohoy.BuildResult, error) {
	return b.BuildWithEvents(ctx, spec, nil)
}

// BuildWithEvents builds an image and streams its log lines as events.
func (b *Builder) BuildWithEvents(ctx context.Context, spec shipohoy.BuildSpec, events chan<- shipohoy.BuildEvent) (shipohoy.BuildResult, error) {
	log := pslog.Ctx(ctx).With("backend", "docker", "tags", spec.Tags)
	if len(spec.Tags) == 0 {
		return shipohoy.BuildResult{}, errors.New("build tags are required")
	}
	containerfile, err := shipohoy.PrepareContext(spec)
	if err != nil {
		log.Warn("docker build rejected", "err", err)
		return shipohoy.BuildResult{}, err
	}
	cli, err := newClient(b.cfg)
	if err != nil {
		return shipohoy.BuildResult{}, err
	}
	defer func() { _ = cli.Close() }()
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	buildArgs := make(map[string]*string, len(spec.BuildArgs))
	for k, v := range spec.BuildArgs {
		buildArgs[k] = &v
	}
	tarStream := shipohoy.ContextTar(spec.ContextDir)
	defer func() { _ = tarStream.Close() }()

	log.Info("docker build start")
	resp, err := cli.ImageBuild(ctx, tarStream, build.ImageBuildOptions{
		Tags:        spec.Tags,
		Dockerfile:  containerfile,
		BuildArgs:   buildArgs,
		Remove:      true,
		ForceRemove: true,
	})
	if err != nil {
		log.Warn("docker build failed", "err", err)
		if client.IsErrConnectionFailed(err) {
			return shipohoy.BuildResult{}, shipohoy.Unavailable("build", err)
		}
		return shipohoy.BuildResult{}, shipohoy.Failed("build", "", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if err := decodeBuildStream(resp.Body, events); err != nil {
		log.Warn("docker build failed", "err", err)
		return shipohoy.BuildResult{}, shipohoy.Failed("build", "", err)
	}
	log.Info("docker build ok")
	return shipohoy.BuildResult{ImageNames: spec.Tags}, nil
}

func decodeBuildStream(body io.Reader, events chan<- shipohoy.BuildEvent) error {
	dec := json.NewDecoder(body)
	for {
		var msg jsonmessage.JSONMessage
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if msg.Error != nil {
			return msg.Error
		}
		if line := strings.TrimSpace(msg.Stream); line != "" {
			shipohoy.SendBuildEvent(events, shipohoy.BuildEvent{
				Kind:      shipohoy.BuildEventLog,
				Name:      "docker.build",
				Message:   line,
				Timestamp: time.Now(),
			})
		}
	}
}
