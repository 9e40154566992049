package filestore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/gofrs/flock"
	"pkt.systems/moorage/internal/sessionstore"
	"pkt.systems/moorage/internal/sessionstore/storetest"
	"pkt.systems/moorage/schema"
)

func TestFileStoreConcurrentRegister(t *testing.T) {
	backend, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	store := sessionstore.New(backend)
	ctx := context.Background()
	const n = 16
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.RegisterTask(ctx, "s1", "exec"); err != nil {
				t.Errorf("register: %v", err)
			}
		}()
	}
	wg.Wait()
	sess, ok, err := store.GetState(ctx, "s1")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if sess.RunningTaskCount != n {
		t.Fatalf("count = %d, want %d", sess.RunningTaskCount, n)
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	first, err := New(dir)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, _, err := sessionstore.New(first).SetContainerID(ctx, "team/alpha", "c1"); err != nil {
		t.Fatalf("set container: %v", err)
	}

	second, err := New(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	store := sessionstore.New(second)
	id, err := store.GetContainerID(ctx, "team/alpha")
	if err != nil || id != "c1" {
		t.Fatalf("container id = %q err=%v", id, err)
	}
	var seen []schema.SessionID
	if err := store.Scan(ctx, func(sess schema.Session) error {
		seen = append(seen, sess.ID)
		return nil
	}); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(seen) != 1 || seen[0] != "team/alpha" {
		t.Fatalf("seen = %v", seen)
	}
}

func TestFileStoreDetectsConflict(t *testing.T) {
	dir := t.TempDir()
	backend, err := New(dir)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()
	key := "k"
	err = backend.Update(ctx, key, func(current []byte, exists bool) ([]byte, sessionstore.Action, error) {
		// A second writer lands between our read and our write.
		if err := os.WriteFile(backend.pathForKey(key), []byte("other"), 0o600); err != nil {
			t.Fatalf("interleaved write: %v", err)
		}
		return []byte("mine"), sessionstore.Put, nil
	})
	if !errors.Is(err, schema.ErrStoreConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, filepath.Base(backend.pathForKey(key))))
	if err != nil || string(data) != "other" {
		t.Fatalf("expected interleaved value kept, got %q err=%v", data, err)
	}
}

func TestFileBackend(t *testing.T) {
	storetest.Run(t, func(t *testing.T) sessionstore.Backend {
		backend, err := New(t.TempDir())
		if err != nil {
			t.Fatalf("new: %v", err)
		}
		return backend
	})
}

func TestFileStoreCleanupRemovesLockFiles(t *testing.T) {
	dir := t.TempDir()
	backend, err := New(dir)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	store := sessionstore.New(backend)
	ctx := context.Background()
	for _, id := range []schema.SessionID{"a", "b"} {
		if _, err := store.RegisterTask(ctx, id, "build"); err != nil {
			t.Fatalf("register: %v", err)
		}
		if _, _, err := store.FinishTask(ctx, id); err != nil {
			t.Fatalf("finish: %v", err)
		}
	}
	deleted, err := store.CleanupOldTasks(ctx, -1, nil)
	if err != nil || len(deleted) != 2 {
		t.Fatalf("cleanup: deleted=%v err=%v", deleted, err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 0 {
		var names []string
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Fatalf("expected empty state dir, found %v", names)
	}

	if _, err := store.RegisterTask(ctx, "a", "exec"); err != nil {
		t.Fatalf("register after cleanup: %v", err)
	}
}

func TestFileStoreRejectsOrphanedLock(t *testing.T) {
	backend, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	lockPath := backend.pathForKey("k") + lockSuffix
	held := flock.New(lockPath)
	if err := held.Lock(); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if !holdsCurrentLock(held) {
		t.Fatalf("expected fresh lock to be current")
	}
	if err := os.Remove(lockPath); err != nil {
		t.Fatalf("unlink: %v", err)
	}
	if holdsCurrentLock(held) {
		t.Fatalf("expected unlinked lock to be rejected")
	}
	_ = held.Unlock()
}
