// Package sessionstore persists per-session records and applies every
// mutation as an optimistic read-modify-write against one key.
package sessionstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"pkt.systems/moorage/internal/logx"
	"pkt.systems/moorage/internal/metrics"
	"pkt.systems/moorage/schema"
	"pkt.systems/pslog"
)

// DefaultKeyPrefix namespaces session records in shared backends.
const DefaultKeyPrefix = "moorage:session:"

// RetryPolicy bounds the optimistic retry loop.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy returns the retry budget used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     64,
		InitialInterval: time.Millisecond,
		MaxInterval:     50 * time.Millisecond,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = def.InitialInterval
	}
	if p.MaxInterval < p.InitialInterval {
		p.MaxInterval = p.InitialInterval
	}
	return p
}

// Option configures a Store.
type Option func(*Store)

// WithKeyPrefix overrides DefaultKeyPrefix.
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

// WithRetryPolicy overrides DefaultRetryPolicy.
func WithRetryPolicy(policy RetryPolicy) Option {
	return func(s *Store) { s.retry = policy.normalized() }
}

// WithClock overrides time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithMetrics records conflicts and purges.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// Store is the session store. It is safe for concurrent use; all state
// lives in the backend.
type Store struct {
	backend Backend
	prefix  string
	retry   RetryPolicy
	now     func() time.Time
	metrics *metrics.Metrics
}

// New constructs a Store over backend.
func New(backend Backend, opts ...Option) *Store {
	s := &Store{
		backend: backend,
		prefix:  DefaultKeyPrefix,
		retry:   DefaultRetryPolicy(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ping checks backend reachability.
func (s *Store) Ping(ctx context.Context) error {
	return s.backend.Ping(ctx)
}

// Close closes the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

// Key returns the backend key for id.
func (s *Store) Key(id schema.SessionID) string {
	return s.prefix + string(id)
}

type mutation func(sess *schema.Session, exists bool, now time.Time) (Action, error)

// update runs fn against the current record of id until the conditional
// write lands or the retry budget is spent. It returns the record as
// written (or as read when fn keeps it) and whether a record exists.
func (s *Store) update(ctx context.Context, op string, id schema.SessionID, fn mutation) (schema.Session, bool, error) {
	if err := validateID(id); err != nil {
		return schema.Session{}, false, err
	}
	log := logx.WithSession(pslog.Ctx(ctx), id).With("op", op)
	key := s.Key(id)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.retry.InitialInterval
	b.MaxInterval = s.retry.MaxInterval
	b.MaxElapsedTime = 0
	b.Reset()
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(s.retry.MaxAttempts-1)), ctx)

	var (
		result   schema.Session
		found    bool
		attempts int
	)
	err := backoff.Retry(func() error {
		attempts++
		result, found = schema.Session{}, false
		err := s.backend.Update(ctx, key, func(current []byte, exists bool) ([]byte, Action, error) {
			var sess schema.Session
			if exists {
				if err := json.Unmarshal(current, &sess); err != nil {
					return nil, Keep, fmt.Errorf("decode session %s: %w", id, err)
				}
			}
			action, err := fn(&sess, exists, s.now())
			if err != nil {
				return nil, Keep, err
			}
			switch action {
			case Put:
				data, err := json.Marshal(sess)
				if err != nil {
					return nil, Keep, fmt.Errorf("encode session %s: %w", id, err)
				}
				result, found = sess, true
				return data, Put, nil
			case Delete:
				result, found = sess, false
				return nil, Delete, nil
			default:
				result, found = sess, exists
				return nil, Keep, nil
			}
		})
		if err == nil {
			return nil
		}
		if errors.Is(err, schema.ErrStoreConflict) {
			s.metrics.StoreConflict(op)
			log.Debug("session update conflict", "attempt", attempts)
			return err
		}
		return backoff.Permanent(err)
	}, policy)
	if err != nil {
		if errors.Is(err, schema.ErrStoreConflict) {
			s.metrics.StoreRetriesExhausted(op)
			log.Warn("session update failed", "attempts", attempts, "err", err)
			return schema.Session{}, false, fmt.Errorf("%s %s after %d attempts: %w", op, id, attempts, schema.ErrRetriesExhausted)
		}
		log.Warn("session update failed", "err", err)
		return schema.Session{}, false, err
	}
	return result, found, nil
}

func validateID(id schema.SessionID) error {
	if strings.TrimSpace(string(id)) == "" {
		return fmt.Errorf("%w: session id is required", schema.ErrInvalidArgument)
	}
	return nil
}
