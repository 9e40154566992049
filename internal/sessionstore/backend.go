package sessionstore

import "context"

// Action tells a Backend what to do with the value returned by a MutateFunc.
type Action int

const (
	// Keep leaves the stored value untouched.
	Keep Action = iota
	// Put writes the returned value.
	Put
	// Delete removes the key.
	Delete
)

// MutateFunc computes the next value for a key. current is nil and exists
// is false when the key is absent. It may be called once per attempt and
// must not have side effects.
type MutateFunc func(current []byte, exists bool) (next []byte, action Action, err error)

// Backend is a key/value store offering a single-attempt compare-and-swap.
//
// Update reads key, calls fn and applies its action only if key was not
// modified since the read. A concurrent modification is reported as an
// error matching schema.ErrStoreConflict; connection failures match
// schema.ErrStoreUnavailable. Errors returned by fn are passed through.
type Backend interface {
	Update(ctx context.Context, key string, fn MutateFunc) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Scan(ctx context.Context, prefix string, fn func(key string, value []byte) error) error
	Ping(ctx context.Context) error
	Close() error
}
