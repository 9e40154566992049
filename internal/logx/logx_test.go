package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"pkt.systems/pslog"
)

func newCaptureLogger(capture *logCapture) pslog.Logger {
	return pslog.NewWithOptions(capture, pslog.Options{
		Mode:          pslog.ModeStructured,
		NoColor:       true,
		MinLevel:      pslog.InfoLevel,
		VerboseFields: true,
	})
}

func TestWithSessionAddsField(t *testing.T) {
	capture := &logCapture{}
	log := WithContainer(WithSession(newCaptureLogger(capture), "s1"), "c1")
	log.Info("hello")

	entry := capture.firstEntry(t)
	if entry["session_id"] != "s1" {
		t.Fatalf("expected session_id field, got %+v", entry)
	}
	if entry["container_id"] != "c1" {
		t.Fatalf("expected container_id field, got %+v", entry)
	}
}

func TestWithSessionSkipsEmpty(t *testing.T) {
	capture := &logCapture{}
	WithContainer(WithSession(newCaptureLogger(capture), ""), "").Info("hello")

	entry := capture.firstEntry(t)
	if _, ok := entry["session_id"]; ok {
		t.Fatalf("did not expect session_id for empty id")
	}
	if _, ok := entry["container_id"]; ok {
		t.Fatalf("did not expect container_id for empty id")
	}
}

func TestContextWithSessionDoesNotRepeatField(t *testing.T) {
	capture := &logCapture{}
	ctx := pslog.ContextWithLogger(context.Background(), newCaptureLogger(capture))
	ctx = ContextWithSession(ctx, "s1")
	ctx = ContextWithSession(ctx, "s1")
	ForSession(ctx, "s1").Info("hello")

	line := capture.buf.String()
	if got := bytes.Count([]byte(line), []byte(`"session_id"`)); got != 1 {
		t.Fatalf("expected one session_id field, got %d in %s", got, line)
	}
	if id, ok := SessionFromContext(ctx); !ok || id != "s1" {
		t.Fatalf("session from context = %q %v", id, ok)
	}
}

type logCapture struct {
	buf bytes.Buffer
}

func (c *logCapture) Write(p []byte) (int, error) {
	return c.buf.Write(p)
}

func (c *logCapture) firstEntry(t *testing.T) map[string]any {
	t.Helper()
	data := c.buf.Bytes()
	idx := bytes.IndexByte(data, '\n')
	if idx == -1 {
		idx = len(data)
	}
	line := bytes.TrimSpace(data[:idx])
	entry := map[string]any{}
	if err := json.Unmarshal(line, &entry); err != nil {
		t.Fatalf("parse log entry: %v", err)
	}
	return entry
}
