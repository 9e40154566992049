package core

import (
	"errors"
	"sort"
	"testing"
	"time"

	"pkt.systems/moorage/internal/shipohoy"
	"pkt.systems/moorage/internal/shipohoy/shipohoytest"
	"pkt.systems/moorage/schema"
)

// idleSession registers and finishes a task for id and gives it a
// container.
func idleSession(t *testing.T, h *harness, id schema.SessionID) string {
	t.Helper()
	if _, err := h.store.RegisterTask(h.ctx, id, "build"); err != nil {
		t.Fatalf("RegisterTask: %v", err)
	}
	cid, err := h.orch.Create(h.ctx, id)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, _, err := h.store.FinishTask(h.ctx, id); err != nil {
		t.Fatalf("FinishTask: %v", err)
	}
	return cid
}

func TestSweepEvictsIdleContainerAndKeepsRecord(t *testing.T) {
	h := newHarness(t)
	cid := idleSession(t, h, "s1")
	h.clock.Advance(2 * time.Hour)

	sweeper := NewSweeper(h.orch, h.deps())
	evicted, err := sweeper.SweepInactive(h.ctx, 30*time.Minute)
	if err != nil {
		t.Fatalf("SweepInactive: %v", err)
	}
	if len(evicted) != 1 || evicted[0] != "s1" {
		t.Fatalf("evicted = %v", evicted)
	}
	if _, ok := h.rt.Container(cid); ok {
		t.Fatalf("expected container removed")
	}
	if sess := h.state(t, "s1"); sess.ContainerID != cid {
		t.Fatalf("record must still name the evicted container, got %+v", sess)
	}

	handle, err := h.orch.Ensure(h.ctx, "s1")
	if err != nil {
		t.Fatalf("Ensure after sweep: %v", err)
	}
	if handle.ID == cid || !handle.Running() {
		t.Fatalf("expected self-heal to a new container, got %+v", handle)
	}
}

func TestSweepNeverEvictsBusySession(t *testing.T) {
	h := newHarness(t)
	if _, err := h.store.RegisterTask(h.ctx, "busy", "long"); err != nil {
		t.Fatalf("RegisterTask: %v", err)
	}
	cid, err := h.orch.Create(h.ctx, "busy")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	h.clock.Advance(240 * time.Hour)
	evicted, err := NewSweeper(h.orch, h.deps()).SweepInactive(h.ctx, time.Minute)
	if err != nil {
		t.Fatalf("SweepInactive: %v", err)
	}
	if len(evicted) != 0 {
		t.Fatalf("busy session evicted: %v", evicted)
	}
	if c, ok := h.rt.Container(cid); !ok || !c.Running {
		t.Fatalf("busy container touched")
	}
}

func TestSweepSkipsRecentlyActiveSession(t *testing.T) {
	h := newHarness(t)
	idleSession(t, h, "fresh")
	h.clock.Advance(10 * time.Minute)
	evicted, err := NewSweeper(h.orch, h.deps()).SweepInactive(h.ctx, 30*time.Minute)
	if err != nil || len(evicted) != 0 {
		t.Fatalf("SweepInactive = %v, %v", evicted, err)
	}
}

func TestSweepContinuesPastFailures(t *testing.T) {
	h := newHarness(t)
	idleSession(t, h, "a")
	idleSession(t, h, "b")
	h.clock.Advance(time.Hour)
	h.rt.FailNext(shipohoytest.OpRemove, shipohoy.Failed("remove", "", errors.New("device busy")))
	evicted, err := NewSweeper(h.orch, h.deps()).SweepInactive(h.ctx, 30*time.Minute)
	if err != nil {
		t.Fatalf("SweepInactive: %v", err)
	}
	if len(evicted) != 1 {
		t.Fatalf("expected one eviction past the failure, got %v", evicted)
	}
	if got := h.rt.Calls(shipohoytest.OpRemove); got != 2 {
		t.Fatalf("expected both sessions attempted, got %d removes", got)
	}
}

func TestSweepIgnoresSessionsWithoutContainer(t *testing.T) {
	h := newHarness(t)
	if _, err := h.store.RegisterTask(h.ctx, "bare", "debug_task"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := h.store.FinishTask(h.ctx, "bare"); err != nil {
		t.Fatal(err)
	}
	h.clock.Advance(time.Hour)
	evicted, err := NewSweeper(h.orch, h.deps()).SweepInactive(h.ctx, time.Minute)
	if err != nil || len(evicted) != 0 {
		t.Fatalf("SweepInactive = %v, %v", evicted, err)
	}
	if h.rt.Calls(shipohoytest.OpStop) != 0 {
		t.Fatalf("unexpected stop calls")
	}
}

func TestCleanupDeletesOldRecordsAndContainers(t *testing.T) {
	h := newHarness(t)
	oldCID := idleSession(t, h, "old")
	h.clock.Advance(25 * time.Hour)
	if _, err := h.store.RegisterTask(h.ctx, "active", "build"); err != nil {
		t.Fatal(err)
	}
	deleted, err := NewSweeper(h.orch, h.deps()).Cleanup(h.ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	sort.Slice(deleted, func(i, j int) bool { return deleted[i] < deleted[j] })
	if len(deleted) != 1 || deleted[0] != "old" {
		t.Fatalf("deleted = %v", deleted)
	}
	if _, ok, _ := h.store.GetState(h.ctx, "old"); ok {
		t.Fatalf("expected record deleted")
	}
	if _, ok := h.rt.Container(oldCID); ok {
		t.Fatalf("expected container removed")
	}
	h.state(t, "active")
}
