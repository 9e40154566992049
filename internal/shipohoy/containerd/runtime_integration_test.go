//go:build containerd

package containerd

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

func TestRuntimeLifecycle(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()
	spec := shipohoy.SandboxEnvelope().Apply(shipohoy.ContainerSpec{
		Name:        fmt.Sprintf("moorage-test-%d", time.Now().UnixNano()),
		Image:       "docker.io/library/busybox:1.36",
		Snapshotter: "native",
		Command:     []string{"sleep", "3600"},
	})
	spec.TTY = false
	spec.Command = []string{"sleep", "3600"}

	handle, err := rt.Create(ctx, spec)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() { _ = rt.Remove(context.Background(), handle.ID()) })

	status, err := rt.Inspect(ctx, handle.ID())
	if err != nil || !status.Running {
		t.Fatalf("Inspect: %+v %v", status, err)
	}

	var out bytes.Buffer
	res, err := rt.Exec(ctx, handle.ID(), shipohoy.ExecSpec{
		Command: []string{"sh", "-c", "echo exec-ok"},
		Stdout:  &out,
		Timeout: 10 * time.Second,
	})
	if err != nil || res.ExitCode != 0 {
		t.Fatalf("Exec: %v (exit %d)", err, res.ExitCode)
	}
	if !bytes.Contains(out.Bytes(), []byte("exec-ok")) {
		t.Fatalf("Exec output = %q", out.String())
	}

	if err := rt.Stop(ctx, handle.ID()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if status, err := rt.Inspect(ctx, handle.ID()); err != nil || status.Running {
		t.Fatalf("Inspect after stop: %+v %v", status, err)
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
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rt, err := New(ctx, Config{Address: os.Getenv("MOORAGE_CONTAINERD_ADDR")})
	if err != nil {
		t.Skipf("containerd not available: %v", err)
	}
	t.Cleanup(func() { _ = rt.Close() })
	return rt
}
