package shipohoy

import (
	"errors"
	"fmt"
	"testing"
)

func TestSandboxEnvelopeApply(t *testing.T) {
	env := SandboxEnvelope()
	env.NamePrefix = "moorage-"
	env.Labels = map[string]string{"moorage.managed": "true", "team": "default"}

	spec := env.Apply(ContainerSpec{
		Name:    "abc",
		Image:   "sandbox",
		Command: []string{"sleep", "1"},
		Labels:  map[string]string{"team": "override"},
		ResourceCaps: &ResourceCaps{
			MemoryBytes: 1,
		},
	})
	if spec.Name != "moorage-abc" {
		t.Fatalf("name = %q", spec.Name)
	}
	if spec.Labels["team"] != "override" || spec.Labels["moorage.managed"] != "true" {
		t.Fatalf("labels = %v", spec.Labels)
	}
	caps := spec.ResourceCaps
	if caps == nil || caps.MemoryBytes != 4<<30 || caps.CPUPeriod != 100000 || caps.CPUQuota != 200000 || caps.CPUShares != 512 {
		t.Fatalf("resources = %+v", caps)
	}
	if !spec.Security.NoNewPrivileges || len(spec.Security.CapDrop) != 1 || spec.Security.CapDrop[0] != "ALL" || len(spec.Security.CapAdd) != 0 {
		t.Fatalf("security = %+v", spec.Security)
	}
	if !spec.TTY || len(spec.Command) != 0 {
		t.Fatalf("expected tty with no command, got tty=%v cmd=%v", spec.TTY, spec.Command)
	}
}

func TestEnvelopeApplyDoesNotAliasInput(t *testing.T) {
	labels := map[string]string{"a": "1"}
	out := SandboxEnvelope().Apply(ContainerSpec{Labels: labels})
	out.Labels["b"] = "2"
	if _, ok := labels["b"]; ok {
		t.Fatalf("input labels mutated")
	}
}

func TestErrorClassification(t *testing.T) {
	cause := errors.New("no such container")
	cases := []struct {
		name        string
		err         error
		kind        ErrorKind
		notFound    bool
		unavailable bool
	}{
		{"not found", NotFound("inspect", "c1", cause), KindNotFound, true, false},
		{"unavailable", Unavailable("ping", cause), KindUnavailable, false, true},
		{"failed", Failed("start", "c1", cause), KindFailed, false, false},
		{"wrapped", fmt.Errorf("ensure: %w", NotFound("inspect", "c1", cause)), KindNotFound, true, false},
		{"plain", cause, KindFailed, false, false},
	}
	for _, tc := range cases {
		if got := KindOf(tc.err); got != tc.kind {
			t.Fatalf("%s: kind = %s, want %s", tc.name, got, tc.kind)
		}
		if got := errors.Is(tc.err, ErrNotFound); got != tc.notFound {
			t.Fatalf("%s: is not found = %v", tc.name, got)
		}
		if got := errors.Is(tc.err, ErrUnavailable); got != tc.unavailable {
			t.Fatalf("%s: is unavailable = %v", tc.name, got)
		}
	}
	if !errors.Is(NotFound("inspect", "c1", cause), cause) {
		t.Fatalf("expected cause to unwrap")
	}
}
