package podman

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/moorage/internal/shipohoy"
)

type fakeAPI struct {
	mu      sync.Mutex
	created map[string]any
	removed []string
	running bool
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	path := strings.TrimPrefix(r.URL.Path, "/"+apiVersion)
	switch {
	case path == "/libpod/_ping":
		_, _ = w.Write([]byte("OK"))
	case path == "/containers/create" && r.Method == http.MethodPost:
		_ = json.NewDecoder(r.Body).Decode(&f.created)
		_ = json.NewEncoder(w).Encode(createResponse{ID: "c1"})
	case path == "/containers/c1/start":
		if f.running {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		f.running = true
		w.WriteHeader(http.StatusNoContent)
	case path == "/containers/c1/json":
		var inspect inspectContainer
		inspect.ID = "c1"
		inspect.Name = "/moorage-c1"
		inspect.State.Running = f.running
		inspect.State.Status = "running"
		_ = json.NewEncoder(w).Encode(inspect)
	case path == "/containers/c1/exec":
		_ = json.NewEncoder(w).Encode(execCreateResponse{ID: "e1"})
	case path == "/exec/e1/start":
		w.WriteHeader(http.StatusOK)
		writeFrame(w, 1, "out\n")
		writeFrame(w, 2, "err\n")
	case path == "/exec/e1/json":
		_ = json.NewEncoder(w).Encode(execInspect{ExitCode: 7})
	case path == "/containers/c1" && r.Method == http.MethodDelete:
		f.removed = append(f.removed, "c1")
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "no such container", http.StatusNotFound)
	}
}

func writeFrame(w http.ResponseWriter, stream byte, payload string) {
	header := make([]byte, 8)
	header[0] = stream
	binary.BigEndian.PutUint32(header[4:], uint32(len(payload)))
	_, _ = w.Write(header)
	_, _ = w.Write([]byte(payload))
}

func newFakeRuntime(t *testing.T) (*Runtime, *fakeAPI) {
	t.Helper()
	api := &fakeAPI{}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	cl, err := newClient(srv.URL)
	if err != nil {
		t.Fatalf("newClient: %v", err)
	}
	return &Runtime{client: cl, stopTimeout: time.Second}, api
}

func TestCreateSendsSandboxEnvelope(t *testing.T) {
	rt, api := newFakeRuntime(t)
	spec := shipohoy.SandboxEnvelope().Apply(shipohoy.ContainerSpec{Name: "moorage-c1", Image: "sandbox"})
	handle, err := rt.Create(context.Background(), spec)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if handle.ID() != "c1" || handle.Name() != "moorage-c1" {
		t.Fatalf("unexpected handle %s/%s", handle.Name(), handle.ID())
	}
	host, ok := api.created["HostConfig"].(map[string]any)
	if !ok {
		t.Fatalf("missing host config: %v", api.created)
	}
	if host["Memory"].(float64) != float64(shipohoy.SandboxMemoryBytes) ||
		host["CpuQuota"].(float64) != float64(shipohoy.SandboxCPUQuota) ||
		host["CpuShares"].(float64) != float64(shipohoy.SandboxCPUShares) {
		t.Fatalf("unexpected resources %v", host)
	}
	if opts, _ := host["SecurityOpt"].([]any); len(opts) != 1 || opts[0] != "no-new-privileges" {
		t.Fatalf("unexpected security opts %v", host["SecurityOpt"])
	}
	if api.created["Tty"] != true {
		t.Fatalf("expected tty, got %v", api.created["Tty"])
	}
	if !api.running {
		t.Fatalf("expected container to be started")
	}
}

func TestInspectMissingIsNotFound(t *testing.T) {
	rt, _ := newFakeRuntime(t)
	_, err := rt.Inspect(context.Background(), "gone")
	if !errors.Is(err, shipohoy.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := rt.Start(context.Background(), "gone"); !errors.Is(err, shipohoy.ErrNotFound) {
		t.Fatalf("expected start not found, got %v", err)
	}
}

func TestStartAlreadyRunningIsNoop(t *testing.T) {
	rt, api := newFakeRuntime(t)
	api.running = true
	if err := rt.Start(context.Background(), "c1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
}

func TestExecCombinesOutput(t *testing.T) {
	rt, _ := newFakeRuntime(t)
	var out bytes.Buffer
	res, err := rt.Exec(context.Background(), "c1", shipohoy.ExecSpec{
		Command: []string{"bash", "-c", "true"},
		Stdout:  &out,
		Stderr:  &out,
	})
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if res.ExitCode != 7 {
		t.Fatalf("exit code = %d", res.ExitCode)
	}
	if out.String() != "out\nerr\n" {
		t.Fatalf("output = %q", out.String())
	}
}

func TestUnreachableDaemonIsUnavailable(t *testing.T) {
	cl, err := newClient("http://127.0.0.1:1")
	if err != nil {
		t.Fatalf("newClient: %v", err)
	}
	rt := &Runtime{client: cl, stopTimeout: time.Second}
	if err := rt.Ping(context.Background()); !errors.Is(err, shipohoy.ErrUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
}
