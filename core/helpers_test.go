package core

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"pkt.systems/moorage/internal/sessionstore"
	"pkt.systems/moorage/internal/shipohoy/shipohoytest"
	"pkt.systems/moorage/schema"
	"pkt.systems/pslog"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	ctx     context.Context
	store   *sessionstore.Store
	rt      *shipohoytest.Runtime
	builder *shipohoytest.Builder
	orch    *Orchestrator
	clock   *fakeClock
	logs    *logCapture
}

func (h *harness) deps() Deps {
	return Deps{Store: h.store, Runtime: h.rt, Builder: h.builder, Now: h.clock.Now}
}

// newHarness wires an orchestrator over an in-memory store and a fake
// runtime that does not have the sandbox image yet.
func newHarness(t *testing.T, mutate ...func(*Config)) *harness {
	t.Helper()
	logs := newLogCapture(t)
	logger := pslog.NewWithOptions(logs, pslog.Options{
		Mode:          pslog.ModeStructured,
		NoColor:       true,
		VerboseFields: true,
		MinLevel:      pslog.DebugLevel,
	})
	clock := newFakeClock()
	rt := shipohoytest.NewRuntime()
	h := &harness{
		ctx:     pslog.ContextWithLogger(context.Background(), logger),
		store:   sessionstore.New(sessionstore.NewMemoryBackend(), sessionstore.WithClock(clock.Now)),
		rt:      rt,
		builder: shipohoytest.NewBuilder(rt),
		clock:   clock,
		logs:    logs,
	}
	cfg := DefaultConfig()
	for _, fn := range mutate {
		fn(&cfg)
	}
	orch, err := NewOrchestrator(h.ctx, cfg, h.deps())
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}
	if !orch.Available() {
		t.Fatalf("expected orchestrator to be available")
	}
	h.orch = orch
	return h
}

func (h *harness) state(t *testing.T, id schema.SessionID) schema.Session {
	t.Helper()
	sess, ok, err := h.store.GetState(h.ctx, id)
	if err != nil {
		t.Fatalf("GetState(%s): %v", id, err)
	}
	if !ok {
		t.Fatalf("GetState(%s): no record", id)
	}
	return sess
}

type logEntry struct {
	Level   string
	Message string
	Fields  map[string]any
	Raw     string
}

type logCapture struct {
	t     *testing.T
	mu    sync.Mutex
	buf   bytes.Buffer
	lines []string
}

func newLogCapture(t *testing.T) *logCapture {
	t.Helper()
	return &logCapture{t: t}
}

func (c *logCapture) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = c.buf.Write(p)
	for {
		data := c.buf.Bytes()
		idx := bytes.IndexByte(data, '\n')
		if idx == -1 {
			break
		}
		c.lines = append(c.lines, string(data[:idx]))
		c.buf.Next(idx + 1)
	}
	return len(p), nil
}

func (c *logCapture) Entries() []logEntry {
	c.mu.Lock()
	lines := append([]string(nil), c.lines...)
	c.mu.Unlock()
	entries := make([]logEntry, 0, len(lines))
	for _, line := range lines {
		entries = append(entries, parseLogEntry(line))
	}
	return entries
}

func parseLogEntry(line string) logEntry {
	payload := map[string]any{}
	if err := json.Unmarshal([]byte(line), &payload); err != nil {
		return logEntry{Raw: line}
	}
	level, _ := payload["level"].(string)
	if level == "" {
		level, _ = payload["lvl"].(string)
	}
	message, _ := payload["message"].(string)
	if message == "" {
		message, _ = payload["msg"].(string)
	}
	return logEntry{Level: level, Message: message, Fields: payload, Raw: line}
}

func (c *logCapture) has(message string) bool {
	for _, entry := range c.Entries() {
		if entry.Message == message {
			return true
		}
	}
	return false
}
