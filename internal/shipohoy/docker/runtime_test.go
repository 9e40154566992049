package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	cerrdefs "github.com/containerd/errdefs"

	"pkt.systems/moorage/internal/shipohoy"
)

func TestContainerConfigCarriesEnvelope(t *testing.T) {
	spec := shipohoy.SandboxEnvelope().Apply(shipohoy.ContainerSpec{
		Name:   "moorage-x",
		Image:  "sandbox",
		Labels: map[string]string{"moorage.session": "s1"},
		Env:    map[string]string{"A": "1"},
	})
	cfg, host := containerConfig(spec)
	if !cfg.Tty || len(cfg.Cmd) != 0 {
		t.Fatalf("expected keep-alive tty, got tty=%v cmd=%v", cfg.Tty, cfg.Cmd)
	}
	if cfg.Labels["moorage.session"] != "s1" || len(cfg.Env) != 1 || cfg.Env[0] != "A=1" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if host.Memory != shipohoy.SandboxMemoryBytes || host.CPUPeriod != shipohoy.SandboxCPUPeriod ||
		host.CPUQuota != shipohoy.SandboxCPUQuota || host.CPUShares != shipohoy.SandboxCPUShares {
		t.Fatalf("unexpected resources %+v", host.Resources)
	}
	if len(host.SecurityOpt) != 1 || host.SecurityOpt[0] != "no-new-privileges" {
		t.Fatalf("unexpected security opts %v", host.SecurityOpt)
	}
	if len(host.CapDrop) != 1 || host.CapDrop[0] != "ALL" {
		t.Fatalf("unexpected cap drop %v", host.CapDrop)
	}
}

func TestClassify(t *testing.T) {
	if err := classify("inspect", "c1", fmt.Errorf("x: %w", cerrdefs.ErrNotFound)); !errors.Is(err, shipohoy.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := classify("ping", "", fmt.Errorf("x: %w", cerrdefs.ErrUnavailable)); !errors.Is(err, shipohoy.ErrUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	if err := classify("start", "c1", errors.New("boom")); shipohoy.KindOf(err) != shipohoy.KindFailed {
		t.Fatalf("expected failed, got %v", err)
	}
}

func TestRuntimeLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping docker integration test in short mode")
	}
	if os.Getenv("MOORAGE_DOCKER_IT") == "" {
		t.Skip("set MOORAGE_DOCKER_IT=1 to run against a local docker daemon")
	}
	ctx := context.Background()
	rt, err := New(ctx, Config{})
	if err != nil {
		t.Skipf("docker not available: %v", err)
	}
	t.Cleanup(func() { _ = rt.Close() })
	const image = "docker.io/library/busybox:1.36"
	if ok, err := rt.ImageExists(ctx, image); err != nil || !ok {
		t.Skipf("image %s not present: %v", image, err)
	}
	spec := shipohoy.SandboxEnvelope().Apply(shipohoy.ContainerSpec{
		Name:  fmt.Sprintf("moorage-test-%d", time.Now().UnixNano()),
		Image: image,
	})
	handle, err := rt.Create(ctx, spec)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() { _ = rt.Remove(context.Background(), handle.ID()) })

	var out bytes.Buffer
	res, err := rt.Exec(ctx, handle.ID(), shipohoy.ExecSpec{
		Command: []string{"sh", "-c", "echo hi; echo oops >&2"},
		Stdout:  &out,
		Stderr:  &out,
	})
	if err != nil || res.ExitCode != 0 {
		t.Fatalf("Exec: %v (exit %d)", err, res.ExitCode)
	}
	if !bytes.Contains(out.Bytes(), []byte("hi")) || !bytes.Contains(out.Bytes(), []byte("oops")) {
		t.Fatalf("output = %q", out.String())
	}
	if err := rt.Remove(ctx, handle.ID()); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := rt.Inspect(ctx, handle.ID()); !errors.Is(err, shipohoy.ErrNotFound) {
		t.Fatalf("Inspect after remove: %v", err)
	}
}
