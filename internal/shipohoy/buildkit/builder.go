// Package buildkit builds images through a BuildKit daemon.
package buildkit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/moby/buildkit/client"

	"pkt.systems/moorage/internal/shipohoy"
	"pkt.systems/pslog"
)

// Config configures the BuildKit builder. When Importer is set the image is
// exported as an OCI archive and loaded through it; otherwise the daemon's
// own image store receives it.
type Config struct {
	Address  string
	Importer shipohoy.ImageImporter
}

// Builder implements shipohoy.Builder using BuildKit.
type Builder struct {
	addresses []string
	importer  shipohoy.ImageImporter
}

// New constructs a BuildKit builder with fallback socket addresses.
func New(cfg Config) *Builder {
	return &Builder{addresses: candidateAddresses(cfg.Address), importer: cfg.Importer}
}

// Build builds an image using BuildKit.
func (b *Builder) Build(ctx context.Context, spec shipohoy.BuildSpec) (shipohoy.BuildResult, error) {
	return b.build(ctx, spec, nil)
}

// BuildWithEvents builds an image and streams progress events.
func (b *Builder) BuildWithEvents(ctx context.Context, spec shipohoy.BuildSpec, events chan<- shipohoy.BuildEvent) (shipohoy.BuildResult, error) {
	return b.build(ctx, spec, events)
}

func (b *Builder) build(ctx context.Context, spec shipohoy.BuildSpec, events chan<- shipohoy.BuildEvent) (shipohoy.BuildResult, error) {
	log := pslog.Ctx(ctx).With("backend", "buildkit")
	if len(spec.Tags) == 0 {
		log.Warn("buildkit build rejected", "reason", "missing tags")
		return shipohoy.BuildResult{}, errors.New("build tags are required")
	}
	containerfile, err := shipohoy.PrepareContext(spec)
	if err != nil {
		log.Warn("buildkit build rejected", "err", err)
		return shipohoy.BuildResult{}, err
	}
	containerfilePath := filepath.Join(spec.ContextDir, filepath.FromSlash(containerfile))

	timeout := spec.Timeout
	if timeout == 0 {
		timeout = 20 * time.Minute
	}
	log = log.With("tags", spec.Tags)
	log.Info("buildkit build start", "timeout_ms", timeout.Milliseconds())
	buildCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	bkclient, err := b.dial(buildCtx)
	if err != nil {
		log.Warn("buildkit build failed", "err", err)
		return shipohoy.BuildResult{}, err
	}
	defer func() { _ = bkclient.Close() }()

	attrs := map[string]string{"filename": filepath.Base(containerfilePath)}
	for k, v := range spec.BuildArgs {
		attrs["build-arg:"+k] = v
	}

	archive := ""
	if b.importer != nil {
		dir, err := os.MkdirTemp("", "moorage-build-*")
		if err != nil {
			return shipohoy.BuildResult{}, err
		}
		defer func() { _ = os.RemoveAll(dir) }()
		archive = filepath.Join(dir, "image.tar")
	}

	var statusCh chan *client.SolveStatus
	var wg sync.WaitGroup
	if events != nil {
		statusCh = make(chan *client.SolveStatus)
		wg.Add(1)
		go func() {
			defer wg.Done()
			emitEvents(buildCtx, statusCh, events)
		}()
	}
	_, err = bkclient.Solve(buildCtx, nil, client.SolveOpt{
		Frontend:      "dockerfile.v0",
		FrontendAttrs: attrs,
		LocalDirs: map[string]string{
			"context":    spec.ContextDir,
			"dockerfile": filepath.Dir(containerfilePath),
		},
		Exports: exports(spec.Tags, archive),
	}, statusCh)
	if statusCh != nil {
		wg.Wait()
	}
	if err != nil {
		log.Warn("buildkit build failed", "err", err)
		return shipohoy.BuildResult{}, shipohoy.Failed("build", "", err)
	}
	if archive != "" {
		if err := b.importer.Import(ctx, archive, spec.Tags); err != nil {
			log.Warn("buildkit build import failed", "err", err)
			return shipohoy.BuildResult{}, fmt.Errorf("import built image: %w", err)
		}
	}
	log.Info("buildkit build ok")
	return shipohoy.BuildResult{ImageNames: spec.Tags}, nil
}

func exports(tags []string, archive string) []client.ExportEntry {
	name := strings.Join(tags, ",")
	if archive != "" {
		return []client.ExportEntry{{
			Type: client.ExporterOCI,
			Output: func(map[string]string) (io.WriteCloser, error) {
				return os.Create(archive)
			},
			Attrs: map[string]string{"name": name, "tar": "true", "oci-mediatypes": "true"},
		}}
	}
	return []client.ExportEntry{{
		Type: client.ExporterImage,
		Attrs: map[string]string{
			"name":   name,
			"push":   "false",
			"store":  "true",
			"unpack": "true",
		},
	}}
}

func emitEvents(ctx context.Context, statusCh <-chan *client.SolveStatus, events chan<- shipohoy.BuildEvent) {
	names := map[string]string{}
	started := map[string]bool{}
	completed := map[string]bool{}
	for {
		select {
		case <-ctx.Done():
			// Solve still writes to statusCh until it returns.
			for range statusCh {
			}
			return
		case status, ok := <-statusCh:
			if !ok {
				return
			}
			for _, v := range status.Vertexes {
				if v == nil {
					continue
				}
				id := v.Digest.String()
				if v.Name != "" {
					names[id] = v.Name
				}
				if v.Started != nil && !started[id] {
					started[id] = true
					shipohoy.SendBuildEvent(events, shipohoy.BuildEvent{
						Kind: shipohoy.BuildEventVertexStarted, VertexID: id, Name: names[id], Timestamp: *v.Started,
					})
				}
				if v.Completed != nil && !completed[id] {
					completed[id] = true
					shipohoy.SendBuildEvent(events, shipohoy.BuildEvent{
						Kind: shipohoy.BuildEventVertexCompleted, VertexID: id, Name: names[id], Timestamp: *v.Completed, Error: v.Error,
					})
				}
			}
			for _, l := range status.Logs {
				if l == nil {
					continue
				}
				if msg := strings.TrimSpace(string(l.Data)); msg != "" {
					shipohoy.SendBuildEvent(events, shipohoy.BuildEvent{
						Kind: shipohoy.BuildEventLog, VertexID: l.Vertex.String(), Name: names[l.Vertex.String()], Message: msg, Timestamp: l.Timestamp,
					})
				}
			}
			for _, w := range status.Warnings {
				if w == nil {
					continue
				}
				if msg := strings.TrimSpace(string(w.Short)); msg != "" {
					shipohoy.SendBuildEvent(events, shipohoy.BuildEvent{
						Kind: shipohoy.BuildEventWarning, VertexID: w.Vertex.String(), Name: names[w.Vertex.String()], Message: msg,
					})
				}
			}
		}
	}
}

func (b *Builder) dial(ctx context.Context) (*client.Client, error) {
	var lastErr error
	for _, addr := range b.addresses {
		c, err := client.New(ctx, addr)
		if err != nil {
			lastErr = err
			continue
		}
		if _, err := c.Info(ctx); err != nil {
			_ = c.Close()
			lastErr = err
			continue
		}
		return c, nil
	}
	if lastErr == nil {
		lastErr = errors.New("buildkit address not configured")
	}
	return nil, shipohoy.Unavailable("build", lastErr)
}

func candidateAddresses(primary string) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(addr string) {
		if addr == "" {
			return
		}
		if _, ok := seen[addr]; ok {
			return
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	add(strings.TrimSpace(primary))
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir != "" {
		add("unix://" + filepath.Join(runtimeDir, "buildkit", "buildkitd.sock"))
	}
	userRunDir := filepath.Join("/run", "user", fmt.Sprintf("%d", os.Getuid()))
	if userRunDir != runtimeDir {
		add("unix://" + filepath.Join(userRunDir, "buildkit", "buildkitd.sock"))
	}
	add("unix:///run/buildkit/buildkitd.sock")
	return out
}
