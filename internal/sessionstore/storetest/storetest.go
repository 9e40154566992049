// Package storetest runs the conformance checks every sessionstore.Backend
// must pass against a live backend.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"pkt.systems/moorage/internal/sessionstore"
	"pkt.systems/moorage/schema"
)

// Opener returns an empty backend. Keys from earlier calls must be gone.
type Opener func(t *testing.T) sessionstore.Backend

// Run executes the backend checks as subtests of t.
func Run(t *testing.T, open Opener) {
	t.Run("ConcurrentRegister", func(t *testing.T) { concurrentRegister(t, open(t)) })
	t.Run("ConcurrentCreate", func(t *testing.T) { concurrentCreate(t, open(t)) })
	t.Run("StaleWriteConflicts", func(t *testing.T) { staleWriteConflicts(t, open(t)) })
	t.Run("RecreatedKeyConflicts", func(t *testing.T) { recreatedKeyConflicts(t, open(t)) })
	t.Run("StaleDeleteConflicts", func(t *testing.T) { staleDeleteConflicts(t, open(t)) })
	t.Run("CleanupDeletes", func(t *testing.T) { cleanupDeletes(t, open(t)) })
	t.Run("ScanPrefix", func(t *testing.T) { scanPrefix(t, open(t)) })
}

type record struct {
	N int `json:"n"`
}

func encode(t *testing.T, n int) []byte {
	t.Helper()
	data, err := json.Marshal(record{N: n})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return data
}

// read decodes the stored value of key. Backends may normalize JSON, so
// values are compared decoded.
func read(t *testing.T, b sessionstore.Backend, key string) (int, bool) {
	t.Helper()
	data, ok, err := b.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("get %s: %v", key, err)
	}
	if !ok {
		return 0, false
	}
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		t.Fatalf("decode %s: %v", key, err)
	}
	return r.N, true
}

func put(t *testing.T, b sessionstore.Backend, key string, n int) {
	t.Helper()
	err := b.Update(context.Background(), key, func([]byte, bool) ([]byte, sessionstore.Action, error) {
		return encode(t, n), sessionstore.Put, nil
	})
	if err != nil {
		t.Fatalf("put %s: %v", key, err)
	}
}

func remove(t *testing.T, b sessionstore.Backend, key string) {
	t.Helper()
	err := b.Update(context.Background(), key, func([]byte, bool) ([]byte, sessionstore.Action, error) {
		return nil, sessionstore.Delete, nil
	})
	if err != nil {
		t.Fatalf("delete %s: %v", key, err)
	}
}

func expectConflict(t *testing.T, err error) {
	t.Helper()
	if !errors.Is(err, schema.ErrStoreConflict) {
		t.Fatalf("expected store conflict, got %v", err)
	}
}

func concurrentRegister(t *testing.T, b sessionstore.Backend) {
	store := sessionstore.New(b)
	ctx := context.Background()
	const n = 24
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.RegisterTask(ctx, "hot", "exec"); err != nil {
				t.Errorf("register: %v", err)
			}
		}()
	}
	wg.Wait()
	sess, ok, err := store.GetState(ctx, "hot")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if sess.RunningTaskCount != n || len(sess.TaskHistory) != n {
		t.Fatalf("count = %d history = %d, want %d", sess.RunningTaskCount, len(sess.TaskHistory), n)
	}
}

func concurrentCreate(t *testing.T, b sessionstore.Backend) {
	err := b.Update(context.Background(), "fresh", func(current []byte, exists bool) ([]byte, sessionstore.Action, error) {
		if exists {
			t.Fatalf("fresh key reported as existing")
		}
		put(t, b, "fresh", 2)
		return encode(t, 1), sessionstore.Put, nil
	})
	expectConflict(t, err)
	if n, _ := read(t, b, "fresh"); n != 2 {
		t.Fatalf("value = %d, want the competing create", n)
	}
}

func staleWriteConflicts(t *testing.T, b sessionstore.Backend) {
	put(t, b, "k", 1)
	err := b.Update(context.Background(), "k", func(current []byte, exists bool) ([]byte, sessionstore.Action, error) {
		put(t, b, "k", 2)
		return encode(t, 10), sessionstore.Put, nil
	})
	expectConflict(t, err)
	if n, _ := read(t, b, "k"); n != 2 {
		t.Fatalf("value = %d, want 2", n)
	}
}

func recreatedKeyConflicts(t *testing.T, b sessionstore.Backend) {
	put(t, b, "k", 1)
	err := b.Update(context.Background(), "k", func(current []byte, exists bool) ([]byte, sessionstore.Action, error) {
		remove(t, b, "k")
		put(t, b, "k", 7)
		return encode(t, 0), sessionstore.Put, nil
	})
	expectConflict(t, err)
	if n, ok := read(t, b, "k"); !ok || n != 7 {
		t.Fatalf("value = %d ok=%v, want recreated 7", n, ok)
	}
}

func staleDeleteConflicts(t *testing.T, b sessionstore.Backend) {
	put(t, b, "k", 1)
	err := b.Update(context.Background(), "k", func(current []byte, exists bool) ([]byte, sessionstore.Action, error) {
		put(t, b, "k", 3)
		return nil, sessionstore.Delete, nil
	})
	expectConflict(t, err)
	if n, ok := read(t, b, "k"); !ok || n != 3 {
		t.Fatalf("value = %d ok=%v, want 3 kept", n, ok)
	}
}

func cleanupDeletes(t *testing.T, b sessionstore.Backend) {
	store := sessionstore.New(b)
	ctx := context.Background()
	if _, err := store.RegisterTask(ctx, "old", "build"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, _, err := store.FinishTask(ctx, "old"); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if _, err := store.RegisterTask(ctx, "busy", "exec"); err != nil {
		t.Fatalf("register: %v", err)
	}
	deleted, err := store.CleanupOldTasks(ctx, -1, nil)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if len(deleted) != 1 || deleted[0] != "old" {
		t.Fatalf("deleted = %v", deleted)
	}
	if _, ok, _ := b.Get(ctx, store.Key("old")); ok {
		t.Fatalf("expected old record removed")
	}
	if _, ok, _ := b.Get(ctx, store.Key("busy")); !ok {
		t.Fatalf("expected busy record kept")
	}
}

func scanPrefix(t *testing.T, b sessionstore.Backend) {
	const n = 7
	for i := 0; i < n; i++ {
		put(t, b, fmt.Sprintf("p:%02d", i), i)
	}
	put(t, b, "other:1", 100)
	put(t, b, "q", 200)

	var keys []string
	sum := 0
	err := b.Scan(context.Background(), "p:", func(key string, value []byte) error {
		var r record
		if err := json.Unmarshal(value, &r); err != nil {
			return err
		}
		keys = append(keys, key)
		sum += r.N
		return nil
	})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(keys) != n || sum != 21 {
		t.Fatalf("keys = %v sum = %d", keys, sum)
	}
	seen := map[string]bool{}
	for _, k := range keys {
		if seen[k] {
			t.Fatalf("key %s visited twice", k)
		}
		seen[k] = true
	}
}
