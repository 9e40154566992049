package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"pkt.systems/moorage/core"
	"pkt.systems/moorage/internal/metrics"
	"pkt.systems/moorage/internal/sessionstore"
	"pkt.systems/moorage/internal/shipohoy/shipohoytest"
	"pkt.systems/moorage/schema"
	"pkt.systems/pslog"
)

type testServer struct {
	store *sessionstore.Store
	rt    *shipohoytest.Runtime
	orch  *core.Orchestrator
	http  *httptest.Server
}

func newTestServer(t *testing.T, cfg Config) *testServer {
	t.Helper()
	ctx := pslog.ContextWithLogger(context.Background(), pslog.NewWithOptions(io.Discard, pslog.Options{Mode: pslog.ModeStructured, NoColor: true}))
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	if err != nil {
		t.Fatalf("metrics.New: %v", err)
	}
	store := sessionstore.New(sessionstore.NewMemoryBackend(), sessionstore.WithMetrics(m))
	rt := shipohoytest.NewRuntime(core.DefaultConfig().Image)
	deps := core.Deps{Store: store, Runtime: rt, Builder: shipohoytest.NewBuilder(rt), Metrics: m}
	orch, err := core.NewOrchestrator(ctx, core.DefaultConfig(), deps)
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}
	srv := NewServer(cfg, Deps{
		Orchestrator: orch,
		Store:        store,
		Tracker:      core.NewTracker(store, m),
		Tasks:        core.NewTasks(orch, store),
		Maintenance:  core.NewSweeper(orch, deps),
		Gatherer:     reg,
	})
	ts := httptest.NewUnstartedServer(srv.Handler())
	ts.Config.BaseContext = func(_ net.Listener) context.Context { return ctx }
	ts.Start()
	t.Cleanup(ts.Close)
	return &testServer{store: store, rt: rt, orch: orch, http: ts}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, ts.http.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := ts.http.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	out := map[string]any{}
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(raw, &out); err != nil {
			t.Fatalf("decode %s: %v", raw, err)
		}
	}
	return resp.StatusCode, out
}

func TestExecRouteTracksAndReturnsEnvelope(t *testing.T) {
	ts := newTestServer(t, Config{})
	status, body := ts.do(t, http.MethodPost, "/v1/sessions/s1/exec", map[string]string{"command": "echo hi"})
	if status != http.StatusOK {
		t.Fatalf("status = %d, body %v", status, body)
	}
	if body["success"] != true || !strings.Contains(fmt.Sprint(body["output"]), "hi") || body["correlation_id"] != "s1" {
		t.Fatalf("unexpected envelope %v", body)
	}

	status, state := ts.do(t, http.MethodGet, "/v1/sessions/s1", nil)
	if status != http.StatusOK {
		t.Fatalf("state status = %d", status)
	}
	if state["running_task_count"] != float64(0) || state["container_id"] != body["container_id"] {
		t.Fatalf("unexpected state %v", state)
	}
	history, _ := state["task_history"].([]any)
	if len(history) != 1 || history[0] != core.TaskExec {
		t.Fatalf("unexpected history %v", state["task_history"])
	}
}

func TestExecFailedEnvelopeStatus(t *testing.T) {
	ts := newTestServer(t, Config{})
	status, body := ts.do(t, http.MethodPost, "/v1/sessions/s1/exec", map[string]string{"command": "exit 4"})
	if status != http.StatusOK || body["success"] != false || body["exit_code"] != float64(4) {
		t.Fatalf("status = %d, body %v", status, body)
	}
	status, _ = ts.do(t, http.MethodPost, "/v1/sessions/s1/exec?strict=true", map[string]string{"command": "exit 4"})
	if status != http.StatusUnprocessableEntity {
		t.Fatalf("strict status = %d", status)
	}
}

func TestExecRejectsBadRequests(t *testing.T) {
	ts := newTestServer(t, Config{})
	if status, _ := ts.do(t, http.MethodPost, "/v1/sessions/s1/exec", map[string]string{"command": " "}); status != http.StatusBadRequest {
		t.Fatalf("empty command status = %d", status)
	}
	if status, _ := ts.do(t, http.MethodPost, "/v1/sessions/s1/exec", map[string]string{"cmd": "ls"}); status != http.StatusBadRequest {
		t.Fatalf("unknown field status = %d", status)
	}
	if status, _ := ts.do(t, http.MethodPost, "/v1/sessions/%20/exec", map[string]string{"command": "ls"}); status != http.StatusBadRequest {
		t.Fatalf("blank id status = %d", status)
	}
}

func TestLifecycleRoutes(t *testing.T) {
	ts := newTestServer(t, Config{})
	status, created := ts.do(t, http.MethodPost, "/v1/sessions/s1/container", nil)
	if status != http.StatusOK || created["container_id"] == "" {
		t.Fatalf("create = %d %v", status, created)
	}
	status, ensured := ts.do(t, http.MethodPost, "/v1/sessions/s1/ensure", nil)
	if status != http.StatusOK || ensured["id"] != created["container_id"] || ensured["state"] != string(schema.ContainerRunning) {
		t.Fatalf("ensure = %d %v", status, ensured)
	}
	status, stopped := ts.do(t, http.MethodPost, "/v1/sessions/s1/stop", nil)
	if status != http.StatusOK || stopped["stopped"] != true {
		t.Fatalf("stop = %d %v", status, stopped)
	}
	status, removed := ts.do(t, http.MethodDelete, "/v1/sessions/s1/container", nil)
	if status != http.StatusOK || removed["removed"] != true {
		t.Fatalf("remove = %d %v", status, removed)
	}
	status, removed = ts.do(t, http.MethodDelete, "/v1/sessions/s1/container", nil)
	if status != http.StatusOK || removed["removed"] != false {
		t.Fatalf("second remove = %d %v", status, removed)
	}
}

func TestRuntimeOutageMapsTo503(t *testing.T) {
	ts := newTestServer(t, Config{})
	ts.rt.SetUnavailable(true)
	status, body := ts.do(t, http.MethodPost, "/v1/sessions/s1/ensure", nil)
	if status != http.StatusServiceUnavailable {
		t.Fatalf("ensure during outage = %d %v", status, body)
	}
	status, body = ts.do(t, http.MethodPost, "/v1/sessions/s1/exec", map[string]string{"command": "ls"})
	if status != http.StatusOK || body["success"] != false {
		t.Fatalf("exec during outage = %d %v", status, body)
	}
}

func TestStateNotFound(t *testing.T) {
	ts := newTestServer(t, Config{})
	if status, _ := ts.do(t, http.MethodGet, "/v1/sessions/ghost", nil); status != http.StatusNotFound {
		t.Fatalf("status = %d", status)
	}
}

func TestTaskRoutes(t *testing.T) {
	ts := newTestServer(t, Config{})
	status, body := ts.do(t, http.MethodPost, "/v1/sessions/s1/clone", map[string]string{"git_url": "https://example.com/acme/widgets.git"})
	if status != http.StatusOK || body["success"] != true {
		t.Fatalf("clone = %d %v", status, body)
	}
	status, body = ts.do(t, http.MethodPost, "/v1/sessions/s1/modules", map[string]any{"module": "bad module"})
	if status != http.StatusBadRequest {
		t.Fatalf("invalid module = %d %v", status, body)
	}
	status, body = ts.do(t, http.MethodPost, "/v1/sessions/s1/debug", map[string]string{"message": "ping"})
	if status != http.StatusOK || body["message"] != "ping" {
		t.Fatalf("debug = %d %v", status, body)
	}
	history, _ := body["task_history"].(map[string]any)
	if history["has_sandbox"] != true || history["total_tasks"] != float64(3) {
		t.Fatalf("unexpected task history %v", history)
	}
}

func TestSweepAndCleanupRoutes(t *testing.T) {
	ts := newTestServer(t, Config{})
	if status, _ := ts.do(t, http.MethodPost, "/v1/sessions/s1/exec", map[string]string{"command": "ls"}); status != http.StatusOK {
		t.Fatalf("exec status = %d", status)
	}
	status, body := ts.do(t, http.MethodPost, "/v1/sweep", map[string]string{"threshold": "1h"})
	if status != http.StatusOK {
		t.Fatalf("sweep = %d %v", status, body)
	}
	if evicted, _ := body["evicted"].([]any); len(evicted) != 0 {
		t.Fatalf("fresh session evicted: %v", body)
	}
	if status, _ := ts.do(t, http.MethodPost, "/v1/sweep", map[string]string{"threshold": "soon"}); status != http.StatusBadRequest {
		t.Fatalf("bad threshold status = %d", status)
	}
	status, body = ts.do(t, http.MethodPost, "/v1/cleanup", nil)
	if status != http.StatusOK || body["max_age"] != (24*time.Hour).String() {
		t.Fatalf("cleanup = %d %v", status, body)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t, Config{BasePath: "/moorage"})
	status, body := ts.do(t, http.MethodGet, "/moorage/healthz", nil)
	if status != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("healthz = %d %v", status, body)
	}
	if status, _ := ts.do(t, http.MethodPost, "/moorage/v1/sessions/s1/exec", map[string]string{"command": "ls"}); status != http.StatusOK {
		t.Fatalf("exec status = %d", status)
	}
	resp, err := ts.http.Client().Get(ts.http.URL + "/moorage/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(raw), "moorage_") {
		t.Fatalf("expected moorage metrics, got %s", raw)
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{schema.ErrInvalidArgument, http.StatusBadRequest},
		{schema.ErrRetriesExhausted, http.StatusConflict},
		{fmt.Errorf("op: %w", schema.ErrStoreUnavailable), http.StatusServiceUnavailable},
		{fmt.Errorf("op: %w", schema.ErrRuntimeUnavailable), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := statusFor(tc.err); got != tc.want {
			t.Fatalf("statusFor(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}
