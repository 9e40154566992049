package core

import (
	"context"
	"time"

	"pkt.systems/moorage/internal/logx"
	"pkt.systems/moorage/internal/metrics"
	"pkt.systems/moorage/schema"
	"pkt.systems/pslog"
)

const finishTimeout = 10 * time.Second

// TaskTracker records task start and finish for a session.
type TaskTracker interface {
	RegisterTask(ctx context.Context, id schema.SessionID, name string) (schema.Session, error)
	FinishTask(ctx context.Context, id schema.SessionID) (schema.Session, bool, error)
}

// Tracker brackets task bodies with start and finish bookkeeping.
type Tracker struct {
	store   TaskTracker
	metrics *metrics.Metrics
}

// NewTracker returns a Tracker over store.
func NewTracker(store TaskTracker, m *metrics.Metrics) *Tracker {
	return &Tracker{store: store, metrics: m}
}

// Begin registers task name for id. The returned finish must be called
// exactly once; it records completion even when ctx has been cancelled.
func (t *Tracker) Begin(ctx context.Context, id schema.SessionID, name string) (context.Context, func(), error) {
	sess, err := t.store.RegisterTask(ctx, id, name)
	if err != nil {
		return ctx, nil, err
	}
	ctx = logx.ContextWithSession(ctx, id)
	log := pslog.Ctx(ctx).With("task", name)
	log.Info("task start", "running", sess.RunningTaskCount)
	t.metrics.TaskStarted(name)
	started := time.Now()
	finish := func() {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
		defer cancel()
		t.metrics.TaskFinished(name)
		if _, _, err := t.store.FinishTask(fctx, id); err != nil {
			log.Warn("task finish failed", "err", err)
			return
		}
		log.Info("task finished", "took", time.Since(started).String())
	}
	return ctx, finish, nil
}

// Track registers task name for id, runs fn, and records the finish on
// every exit path, including a panic in fn.
func Track[T any](ctx context.Context, t *Tracker, id schema.SessionID, name string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if id == "" {
		return zero, schema.ErrInvalidArgument
	}
	ctx, finish, err := t.Begin(ctx, id, name)
	if err != nil {
		return zero, err
	}
	defer finish()
	return fn(ctx)
}
