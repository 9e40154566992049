package core

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/moorage/internal/logx"
	"pkt.systems/moorage/internal/metrics"
	"pkt.systems/moorage/schema"
	"pkt.systems/pslog"
)

// ContainerReclaimer stops and removes the container bound to a session.
// *Orchestrator implements it.
type ContainerReclaimer interface {
	Stop(ctx context.Context, id schema.SessionID) (bool, error)
	Remove(ctx context.Context, id schema.SessionID) (bool, error)
}

// Sweeper reclaims containers of idle sessions and purges old records.
type Sweeper struct {
	store     SessionStore
	reclaimer ContainerReclaimer
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	now       func() time.Time
}

// NewSweeper returns a sweeper over deps.Store that detaches containers
// through reclaimer.
func NewSweeper(reclaimer ContainerReclaimer, deps Deps) *Sweeper {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	return &Sweeper{
		store:     deps.Store,
		reclaimer: reclaimer,
		metrics:   deps.Metrics,
		tracer:    tracer,
		now:       now,
	}
}

// SweepInactive stops and removes the container of every session that
// has no running task and has been idle longer than threshold. It returns
// the ids whose container was removed. Session records are kept and still
// name the removed container; the next Get or Ensure unbinds it.
//
// Failures on one session are logged and skipped.
func (s *Sweeper) SweepInactive(ctx context.Context, threshold time.Duration) (evicted []schema.SessionID, err error) {
	ctx, span := s.tracer.Start(ctx, "sweeper.sweep_inactive", trace.WithAttributes(attribute.String("moorage.threshold", threshold.String())))
	defer func() {
		span.SetAttributes(attribute.Int("moorage.evicted", len(evicted)))
		endSpan(span, err)
	}()
	log := pslog.Ctx(ctx).With("threshold", threshold.String())
	log.Info("sweep start")
	started := time.Now()

	now := s.now()
	var candidates []schema.SessionID
	if err := s.store.Scan(ctx, func(sess schema.Session) error {
		if idleWithContainer(sess, now, threshold) {
			candidates = append(candidates, sess.ID)
		}
		return nil
	}); err != nil {
		log.Warn("sweep failed", "err", err)
		return nil, err
	}

	for _, id := range candidates {
		if err := ctx.Err(); err != nil {
			log.Warn("sweep interrupted", "evicted", len(evicted), "err", err)
			return evicted, err
		}
		if s.evict(ctx, id, threshold) {
			evicted = append(evicted, id)
		}
	}
	took := time.Since(started)
	s.metrics.Sweep(len(evicted), took)
	log.Info("sweep ok", "candidates", len(candidates), "evicted", len(evicted), "took", took.String())
	return evicted, nil
}

func (s *Sweeper) evict(ctx context.Context, id schema.SessionID, threshold time.Duration) bool {
	ctx = logx.ContextWithSession(ctx, id)
	log := pslog.Ctx(ctx)
	sess, ok, err := s.store.GetState(ctx, id)
	if err != nil {
		log.Warn("sweep session read failed", "err", err)
		return false
	}
	if !ok || !idleWithContainer(sess, s.now(), threshold) {
		log.Debug("sweep session no longer idle")
		return false
	}
	log = logx.WithContainer(log, sess.ContainerID)
	if _, err := s.reclaimer.Stop(ctx, id); err != nil {
		log.Warn("sweep stop failed", "err", err)
	}
	removed, err := s.reclaimer.Remove(ctx, id)
	if err != nil {
		log.Warn("sweep remove failed", "err", err)
		return false
	}
	if !removed {
		log.Info("sweep found no container to remove")
		return false
	}
	log.Info("sweep evicted container", "idle", sess.IdleFor(s.now()).String())
	return true
}

func idleWithContainer(sess schema.Session, now time.Time, threshold time.Duration) bool {
	return sess.HasContainer() && sess.RunningTaskCount == 0 && sess.IdleFor(now) > threshold
}

// Cleanup deletes records idle longer than maxAge with no running task,
// removing any attached container first.
func (s *Sweeper) Cleanup(ctx context.Context, maxAge time.Duration) (deleted []schema.SessionID, err error) {
	ctx, span := s.tracer.Start(ctx, "sweeper.cleanup", trace.WithAttributes(attribute.String("moorage.max_age", maxAge.String())))
	defer func() { endSpan(span, err) }()
	deleted, err = s.store.CleanupOldTasks(ctx, maxAge, reclaimerRemover{s.reclaimer})
	if err != nil && !errors.Is(err, context.Canceled) {
		pslog.Ctx(ctx).Warn("cleanup failed", "err", err)
	}
	return deleted, err
}

// reclaimerRemover stops before removing so cleanup matches the sweep.
type reclaimerRemover struct {
	r ContainerReclaimer
}

func (rr reclaimerRemover) Remove(ctx context.Context, id schema.SessionID) (bool, error) {
	if _, err := rr.r.Stop(ctx, id); err != nil {
		pslog.Ctx(ctx).Debug("cleanup stop failed", "session_id", id, "err", err)
	}
	return rr.r.Remove(ctx, id)
}
