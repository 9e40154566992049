// Package redisstore implements the session store backend on Redis using
// WATCH/MULTI/EXEC optimistic transactions.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"pkt.systems/moorage/internal/sessionstore"
	"pkt.systems/moorage/schema"
)

// Config configures the Redis connection.
type Config struct {
	Addr     string
	Username string
	Password string
	DB       int
}

// Backend is a sessionstore.Backend on Redis.
type Backend struct {
	client redis.UniversalClient
	owned  bool
}

// New connects to Redis.
func New(cfg Config) (*Backend, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Backend{client: client, owned: true}, nil
}

// NewFromClient wraps an existing client. Close does not close it.
func NewFromClient(client redis.UniversalClient) *Backend {
	return &Backend{client: client}
}

// Update implements sessionstore.Backend.
func (b *Backend) Update(ctx context.Context, key string, fn sessionstore.MutateFunc) error {
	var fnErr error
	err := b.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Bytes()
		exists := true
		if errors.Is(err, redis.Nil) {
			current, exists = nil, false
		} else if err != nil {
			return err
		}
		next, action, err := fn(current, exists)
		if err != nil {
			fnErr = err
			return err
		}
		if action == sessionstore.Keep {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			switch action {
			case sessionstore.Put:
				pipe.Set(ctx, key, next, 0)
			case sessionstore.Delete:
				pipe.Del(ctx, key)
			}
			return nil
		})
		return err
	}, key)
	switch {
	case err == nil:
		return nil
	case fnErr != nil:
		return fnErr
	case errors.Is(err, redis.TxFailedErr):
		return fmt.Errorf("%w: %s", schema.ErrStoreConflict, key)
	default:
		return classify(err)
	}
}

// Get implements sessionstore.Backend.
func (b *Backend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := b.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, classify(err)
	}
	return data, true, nil
}

// Scan implements sessionstore.Backend with SCAN MATCH prefix*. Keys
// removed between the scan and the read are skipped.
func (b *Backend) Scan(ctx context.Context, prefix string, fn func(string, []byte) error) error {
	iter := b.client.Scan(ctx, 0, escapeGlob(prefix)+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		data, ok, err := b.Get(ctx, key)
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
	if err := iter.Err(); err != nil {
		return classify(err)
	}
	return nil
}

// Ping implements sessionstore.Backend.
func (b *Backend) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return classify(err)
	}
	return nil
}

// Close implements sessionstore.Backend.
func (b *Backend) Close() error {
	if !b.owned {
		return nil
	}
	return b.client.Close()
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: redis: %v", schema.ErrStoreUnavailable, err)
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
