package podman

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"pkt.systems/moorage/internal/shipohoy"
)

const testImage = "docker.io/library/busybox:1.36"

func TestRuntimeLifecycle(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()
	requireTestImage(t, rt, testImage)

	spec := shipohoy.SandboxEnvelope().Apply(shipohoy.ContainerSpec{
		Name:   fmt.Sprintf("moorage-test-%d", time.Now().UnixNano()),
		Image:  testImage,
		Labels: map[string]string{"moorage.session": "podman-it"},
	})
	handle, err := rt.Create(ctx, spec)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() { _ = rt.Remove(context.Background(), handle.ID()) })

	status, err := rt.Inspect(ctx, handle.ID())
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if !status.Running || status.Labels["moorage.session"] != "podman-it" {
		t.Fatalf("unexpected status %+v", status)
	}

	var out bytes.Buffer
	result, err := rt.Exec(ctx, handle.ID(), shipohoy.ExecSpec{
		Command: []string{"sh", "-c", "echo exec-ok; echo err-ok 1>&2; exit 3"},
		Stdout:  &out,
		Stderr:  &out,
		Timeout: 10 * time.Second,
	})
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if result.ExitCode != 3 {
		t.Fatalf("Exec exit code: %d", result.ExitCode)
	}
	if !bytes.Contains(out.Bytes(), []byte("exec-ok")) || !bytes.Contains(out.Bytes(), []byte("err-ok")) {
		t.Fatalf("combined output missing markers: %q", out.String())
	}

	if err := rt.Stop(ctx, handle.ID()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := rt.Start(ctx, handle.ID()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := rt.Remove(ctx, handle.ID()); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := rt.Inspect(ctx, handle.ID()); !errors.Is(err, shipohoy.ErrNotFound) {
		t.Fatalf("Inspect after remove: %v", err)
	}
}

func newTestRuntime(t *testing.T) *Runtime {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping podman integration test in short mode")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rt, err := New(ctx, Config{Address: os.Getenv("MOORAGE_PODMAN_ADDR")})
	if err != nil {
		t.Skipf("podman not available: %v", err)
	}
	return rt
}

func requireTestImage(t *testing.T, rt *Runtime, image string) {
	t.Helper()
	ok, err := rt.ImageExists(context.Background(), image)
	if err != nil {
		t.Fatalf("ImageExists(%s): %v", image, err)
	}
	if !ok {
		t.Skipf("image %s not present locally", image)
	}
}
