// Package filestore implements the session store backend on a local
// directory: one file per key, written atomically, with conditional writes
// serialized by a per-key file lock so several processes on one host can
// share the directory.
package filestore

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"pkt.systems/moorage/internal/sessionstore"
	"pkt.systems/moorage/schema"
	"pkt.systems/pslog"
)

const (
	dataSuffix = ".json"
	lockSuffix = ".lock"

	lockRetryDelay = 5 * time.Millisecond
)

// Backend is a sessionstore.Backend on the local filesystem.
type Backend struct {
	dir string
	log pslog.Logger
}

// New constructs a file backend rooted at dir.
func New(dir string) (*Backend, error) {
	return NewWithLogger(dir, nil)
}

// NewWithLogger constructs a file backend with logging.
func NewWithLogger(dir string, logger pslog.Logger) (*Backend, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("state directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("%w: %v", schema.ErrStoreUnavailable, err)
	}
	if logger != nil {
		logger = logger.With("state_dir", dir)
	}
	return &Backend{dir: dir, log: logger}, nil
}

// Update implements sessionstore.Backend. The value read before fn runs is
// compared with the value on disk under the key lock; any difference is a
// conflict.
func (b *Backend) Update(ctx context.Context, key string, fn sessionstore.MutateFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path := b.pathForKey(key)
	current, exists, err := readFile(path)
	if err != nil {
		return err
	}
	next, action, err := fn(current, exists)
	if err != nil {
		return err
	}
	if action == sessionstore.Keep {
		return nil
	}

	lock := flock.New(path + lockSuffix)
	locked, err := lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil || !locked {
		if err == nil {
			err = errors.New("lock not acquired")
		}
		b.warn("state lock failed", "key", key, "err", err)
		return fmt.Errorf("%w: lock %s: %v", schema.ErrStoreUnavailable, key, err)
	}
	defer func() { _ = lock.Unlock() }()
	if !holdsCurrentLock(lock) {
		return fmt.Errorf("%w: %s lock replaced", schema.ErrStoreConflict, key)
	}

	onDisk, stillExists, err := readFile(path)
	if err != nil {
		return err
	}
	if stillExists != exists || !bytes.Equal(onDisk, current) {
		return fmt.Errorf("%w: %s", schema.ErrStoreConflict, key)
	}
	switch action {
	case sessionstore.Put:
		return b.writeAtomic(path, next)
	case sessionstore.Delete:
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			b.warn("state delete failed", "key", key, "err", err)
			return fmt.Errorf("%w: %v", schema.ErrStoreUnavailable, err)
		}
		// Unlinked while held: a waiter that then wins the old inode fails
		// holdsCurrentLock and retries against a fresh lock file.
		if err := os.Remove(lock.Path()); err != nil && !errors.Is(err, os.ErrNotExist) {
			b.warn("state lock cleanup failed", "key", key, "err", err)
		}
		return nil
	default:
		return errors.New("unknown update action")
	}
}

// Get implements sessionstore.Backend.
func (b *Backend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	return readFile(b.pathForKey(key))
}

// Scan implements sessionstore.Backend.
func (b *Backend) Scan(ctx context.Context, prefix string, fn func(string, []byte) error) error {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return fmt.Errorf("%w: %v", schema.ErrStoreUnavailable, err)
	}
	keys := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, dataSuffix) {
			continue
		}
		raw, err := base64.RawURLEncoding.DecodeString(strings.TrimSuffix(name, dataSuffix))
		if err != nil {
			continue
		}
		if key := string(raw); strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, ok, err := readFile(b.pathForKey(key))
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := fn(key, data); err != nil {
			return err
		}
	}
	return nil
}

// Ping implements sessionstore.Backend.
func (b *Backend) Ping(context.Context) error {
	info, err := os.Stat(b.dir)
	if err != nil {
		return fmt.Errorf("%w: %v", schema.ErrStoreUnavailable, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", schema.ErrStoreUnavailable, b.dir)
	}
	return nil
}

// Close implements sessionstore.Backend.
func (b *Backend) Close() error { return nil }

func (b *Backend) pathForKey(key string) string {
	return filepath.Join(b.dir, base64.RawURLEncoding.EncodeToString([]byte(key))+dataSuffix)
}

// holdsCurrentLock reports whether the locked handle is still the file at
// the lock path. Delete unlinks lock files, so a handle opened before that
// locks an orphaned inode.
func holdsCurrentLock(lock *flock.Flock) bool {
	held, err := lock.Stat()
	if err != nil {
		return false
	}
	onDisk, err := os.Stat(lock.Path())
	if err != nil {
		return false
	}
	return os.SameFile(held, onDisk)
}

func readFile(path string) ([]byte, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("%w: %v", schema.ErrStoreUnavailable, err)
	}
	return data, true, nil
}

func (b *Backend) writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "state-*.tmp")
	if err != nil {
		b.warn("state save failed", "err", err)
		return fmt.Errorf("%w: %v", schema.ErrStoreUnavailable, err)
	}
	fail := func(err error) error {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		b.warn("state save failed", "err", err)
		return fmt.Errorf("%w: %v", schema.ErrStoreUnavailable, err)
	}
	if _, err := tmp.Write(data); err != nil {
		return fail(err)
	}
	if err := tmp.Sync(); err != nil {
		return fail(err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		return fail(err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		b.warn("state save failed", "err", err)
		return fmt.Errorf("%w: %v", schema.ErrStoreUnavailable, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		b.warn("state save failed", "err", err)
		return fmt.Errorf("%w: %v", schema.ErrStoreUnavailable, err)
	}
	if b.log != nil {
		b.log.Trace("state save ok", "path", path)
	}
	return nil
}

func (b *Backend) warn(msg string, kv ...any) {
	if b.log != nil {
		b.log.Warn(msg, kv...)
	}
}
