package podman

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"pkt.systems/moorage/internal/shipohoy"
	"pkt.systems/pslog"
)

// Builder implements shipohoy.Builder using the Podman API.
type Builder struct {
	addresses []string
}

// NewBuilder constructs a Podman builder with fallback socket addresses.
func NewBuilder(cfg Config) *Builder {
	return &Builder{addresses: candidateAddresses(cfg.Address)}
}

// Build builds an image using Podman.
func (b *Builder) Build(ctx context.Context, spec shipohoy.BuildSpec) (shipohoy.BuildResult, error) {
	return b.build(ctx, spec, nil)
}

// BuildWithEvents builds an image and streams progress events.
func (b *Builder) BuildWithEvents(ctx context.Context, spec shipohoy.BuildSpec, events chan<- shipohoy.BuildEvent) (shipohoy.BuildResult, error) {
	return b.build(ctx, spec, events)
}

func (b *Builder) build(ctx context.Context, spec shipohoy.BuildSpec, events chan<- shipohoy.BuildEvent) (shipohoy.BuildResult, error) {
	log := pslog.Ctx(ctx).With("backend", "podman")
	if len(spec.Tags) == 0 {
		log.Warn("podman build rejected", "reason", "missing tags")
		return shipohoy.BuildResult{}, errors.New("build tags are required")
	}
	containerfile, err := shipohoy.PrepareContext(spec)
	if err != nil {
		log.Warn("podman build rejected", "err", err)
		return shipohoy.BuildResult{}, err
	}

	client, err := dialFirst(ctx, b.addresses)
	if err != nil {
		log.Warn("podman build failed", "err", err)
		return shipohoy.BuildResult{}, err
	}

	ctx, cancel := withTimeout(ctx, spec.Timeout)
	defer cancel()
	log = log.With("tags", spec.Tags)
	log.Info("podman build start")

	tarStream := shipohoy.ContextTar(spec.ContextDir)
	defer func() { _ = tarStream.Close() }()

	query := url.Values{}
	query.Set("dockerfile", containerfile)
	for _, tag := range spec.Tags {
		query.Add("t", tag)
	}
	if len(spec.BuildArgs) > 0 {
		args, err := json.Marshal(spec.BuildArgs)
		if err != nil {
			log.Warn("podman build failed", "err", err)
			return shipohoy.BuildResult{}, err
		}
		query.Set("buildargs", string(args))
	}

	res, err := client.do(ctx, http.MethodPost, "/build", query, tarStream, "application/x-tar")
	if err != nil {
		log.Warn("podman build failed", "err", err)
		return shipohoy.BuildResult{}, err
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode >= 300 {
		err := classify("build", "", readAPIError(res))
		log.Warn("podman build failed", "status", res.StatusCode, "err", err)
		return shipohoy.BuildResult{}, err
	}
	if err := decodeBuildStream(ctx, res.Body, events); err != nil {
		log.Warn("podman build failed", "err", err)
		return shipohoy.BuildResult{}, shipohoy.Failed("build", "", err)
	}
	log.Info("podman build ok")
	return shipohoy.BuildResult{ImageNames: spec.Tags}, nil
}

// decodeBuildStream reads the JSON lines emitted by the build endpoint.
func decodeBuildStream(ctx context.Context, body io.Reader, events chan<- shipohoy.BuildEvent) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var resp buildResponse
		if err := json.Unmarshal([]byte(line), &resp); err != nil {
			shipohoy.SendBuildEvent(events, shipohoy.BuildEvent{
				Kind:      shipohoy.BuildEventLog,
				Name:      "podman.build",
				Message:   line,
				Timestamp: time.Now(),
			})
			continue
		}
		if msg := firstNonEmpty(resp.Error, resp.ErrorDetail.Message); msg != "" {
			return errors.New(msg)
		}
		if resp.Stream != "" {
			shipohoy.SendBuildEvent(events, shipohoy.BuildEvent{
				Kind:      shipohoy.BuildEventLog,
				Name:      "podman.build",
				Message:   strings.TrimSpace(resp.Stream),
				Timestamp: time.Now(),
			})
		}
	}
	return scanner.Err()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
