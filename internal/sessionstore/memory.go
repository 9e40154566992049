package sessionstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"pkt.systems/moorage/schema"
)

type memoryItem struct {
	value   []byte
	version uint64
}

// MemoryBackend is an in-process Backend. It keeps optimistic semantics:
// the read and the conditional write are separate critical sections, so
// concurrent updates to one key conflict exactly as they would remotely.
type MemoryBackend struct {
	mu      sync.Mutex
	items   map[string]memoryItem
	version uint64
	closed  bool
}

// NewMemoryBackend returns an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{items: make(map[string]memoryItem)}
}

var errMemoryClosed = fmt.Errorf("%w: memory backend closed", schema.ErrStoreUnavailable)

// Update implements Backend.
func (m *MemoryBackend) Update(ctx context.Context, key string, fn MutateFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errMemoryClosed
	}
	item, exists := m.items[key]
	m.mu.Unlock()

	var current []byte
	if exists {
		current = append([]byte(nil), item.value...)
	}
	next, action, err := fn(current, exists)
	if err != nil {
		return err
	}
	if action == Keep {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errMemoryClosed
	}
	now, ok := m.items[key]
	if ok != exists || (ok && now.version != item.version) {
		return fmt.Errorf("%w: key %s modified", schema.ErrStoreConflict, key)
	}
	switch action {
	case Put:
		m.version++
		m.items[key] = memoryItem{value: append([]byte(nil), next...), version: m.version}
	case Delete:
		delete(m.items, key)
	default:
		return errors.New("unknown update action")
	}
	return nil
}

// Get implements Backend.
func (m *MemoryBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, false, errMemoryClosed
	}
	item, ok := m.items[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), item.value...), true, nil
}

// Scan implements Backend. Keys are visited in sorted order over a
// snapshot taken at call time.
func (m *MemoryBackend) Scan(ctx context.Context, prefix string, fn func(string, []byte) error) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errMemoryClosed
	}
	snapshot := make(map[string][]byte, len(m.items))
	for k, item := range m.items {
		if strings.HasPrefix(k, prefix) {
			snapshot[k] = append([]byte(nil), item.value...)
		}
	}
	m.mu.Unlock()

	keys := make([]string, 0, len(snapshot))
	for k := range snapshot {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(k, snapshot[k]); err != nil {
			return err
		}
	}
	return nil
}

// Ping implements Backend.
func (m *MemoryBackend) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errMemoryClosed
	}
	return nil
}

// Close implements Backend.
func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
