package sessionstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"pkt.systems/moorage/internal/logx"
	"pkt.systems/moorage/schema"
	"pkt.systems/pslog"
)

// ContainerRemover detaches the container bound to a session.
type ContainerRemover interface {
	Remove(ctx context.Context, id schema.SessionID) (bool, error)
}

// RegisterTask records the start of task name for id, creating the record
// on first use.
func (s *Store) RegisterTask(ctx context.Context, id schema.SessionID, name string) (schema.Session, error) {
	sess, _, err := s.update(ctx, "register_task", id, func(sess *schema.Session, exists bool, now time.Time) (Action, error) {
		if !exists {
			*sess = schema.Session{
				ID:          id,
				FirstSeen:   now,
				TaskHistory: []string{},
			}
		}
		sess.RunningTaskCount++
		if name != "" {
			sess.TaskHistory = append(sess.TaskHistory, name)
		}
		sess.LastSeen = now
		return Put, nil
	})
	if err != nil {
		return schema.Session{}, err
	}
	logx.WithSession(pslog.Ctx(ctx), id).Debug("task registered", "task", name, "running", sess.RunningTaskCount)
	return sess, nil
}

// FinishTask records the end of one task for id. The running count never
// drops below zero. found is false when no record exists.
func (s *Store) FinishTask(ctx context.Context, id schema.SessionID) (schema.Session, bool, error) {
	return s.update(ctx, "finish_task", id, func(sess *schema.Session, exists bool, now time.Time) (Action, error) {
		if !exists {
			return Keep, nil
		}
		if sess.RunningTaskCount > 0 {
			sess.RunningTaskCount--
		}
		sess.LastSeen = now
		sess.LastTaskCompletedAt = now
		return Put, nil
	})
}

// SetSandboxState sets has_sandbox on an existing record.
func (s *Store) SetSandboxState(ctx context.Context, id schema.SessionID, hasSandbox bool) (schema.Session, bool, error) {
	return s.update(ctx, "set_sandbox_state", id, func(sess *schema.Session, exists bool, _ time.Time) (Action, error) {
		if !exists {
			return Keep, nil
		}
		sess.HasSandbox = hasSandbox
		return Put, nil
	})
}

// SetContainerID binds containerID to id, creating the record if missing
// and stamping container_created_at. An empty containerID clears the
// binding of an existing record.
func (s *Store) SetContainerID(ctx context.Context, id schema.SessionID, containerID string) (schema.Session, bool, error) {
	containerID = strings.TrimSpace(containerID)
	return s.update(ctx, "set_container_id", id, func(sess *schema.Session, exists bool, now time.Time) (Action, error) {
		if containerID == "" {
			if !exists {
				return Keep, nil
			}
			sess.ContainerID = ""
			sess.ContainerCreatedAt = time.Time{}
			return Put, nil
		}
		if !exists {
			*sess = schema.Session{
				ID:          id,
				FirstSeen:   now,
				LastSeen:    now,
				TaskHistory: []string{},
			}
		}
		sess.ContainerID = containerID
		sess.ContainerCreatedAt = now
		return Put, nil
	})
}

// ClearContainerID clears the binding only while it still names stale.
// cleared reports whether the record was changed.
func (s *Store) ClearContainerID(ctx context.Context, id schema.SessionID, stale string) (sess schema.Session, cleared bool, err error) {
	sess, _, err = s.update(ctx, "clear_container_id", id, func(sess *schema.Session, exists bool, _ time.Time) (Action, error) {
		cleared = false
		if !exists || stale == "" || sess.ContainerID != stale {
			return Keep, nil
		}
		sess.ContainerID = ""
		sess.ContainerCreatedAt = time.Time{}
		cleared = true
		return Put, nil
	})
	if err != nil {
		return schema.Session{}, false, err
	}
	return sess, cleared, nil
}

// GetState returns the record for id.
func (s *Store) GetState(ctx context.Context, id schema.SessionID) (schema.Session, bool, error) {
	if err := validateID(id); err != nil {
		return schema.Session{}, false, err
	}
	data, ok, err := s.backend.Get(ctx, s.Key(id))
	if err != nil || !ok {
		return schema.Session{}, false, err
	}
	var sess schema.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return schema.Session{}, false, fmt.Errorf("decode session %s: %w", id, err)
	}
	return sess, true, nil
}

// GetContainerID returns the container bound to id, or "" when none.
func (s *Store) GetContainerID(ctx context.Context, id schema.SessionID) (string, error) {
	sess, ok, err := s.GetState(ctx, id)
	if err != nil || !ok {
		return "", err
	}
	return sess.ContainerID, nil
}

// Scan calls fn for every decodable session record. Records that fail to
// decode are logged and skipped.
func (s *Store) Scan(ctx context.Context, fn func(schema.Session) error) error {
	log := pslog.Ctx(ctx)
	return s.backend.Scan(ctx, s.prefix, func(key string, value []byte) error {
		var sess schema.Session
		if err := json.Unmarshal(value, &sess); err != nil {
			log.Warn("session scan skipped record", "key", key, "err", err)
			return nil
		}
		if sess.ID == "" {
			sess.ID = schema.SessionID(strings.TrimPrefix(key, s.prefix))
		}
		return fn(sess)
	})
}

// CleanupOldTasks deletes records idle for longer than maxAge with no
// running tasks, removing any attached container through remover first.
// The idle condition is re-checked at delete time, so a record that picked
// up a new task after the scan is kept.
func (s *Store) CleanupOldTasks(ctx context.Context, maxAge time.Duration, remover ContainerRemover) ([]schema.SessionID, error) {
	log := pslog.Ctx(ctx).With("max_age", maxAge.String())
	log.Info("session cleanup start")
	now := s.now()
	var candidates []schema.Session
	if err := s.Scan(ctx, func(sess schema.Session) error {
		if sess.RunningTaskCount == 0 && sess.IdleFor(now) > maxAge {
			candidates = append(candidates, sess)
		}
		return nil
	}); err != nil {
		log.Warn("session cleanup failed", "err", err)
		return nil, err
	}

	var deleted []schema.SessionID
	for _, cand := range candidates {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
		sessLog := logx.WithSession(log, cand.ID)
		if cand.ContainerID != "" && remover != nil {
			if _, err := remover.Remove(ctx, cand.ID); err != nil {
				sessLog.Warn("session cleanup remove failed", "container_id", cand.ContainerID, "err", err)
				continue
			}
		}
		purged := false
		_, _, err := s.update(ctx, "cleanup_old_tasks", cand.ID, func(sess *schema.Session, exists bool, now time.Time) (Action, error) {
			purged = false
			if !exists || sess.RunningTaskCount > 0 || sess.IdleFor(now) <= maxAge {
				return Keep, nil
			}
			purged = true
			return Delete, nil
		})
		if err != nil {
			if errors.Is(err, schema.ErrStoreUnavailable) {
				log.Warn("session cleanup failed", "err", err)
				return deleted, err
			}
			sessLog.Warn("session cleanup delete failed", "err", err)
			continue
		}
		if !purged {
			sessLog.Info("session cleanup skipped", "reason", "active again")
			continue
		}
		deleted = append(deleted, cand.ID)
	}
	s.metrics.RecordsDeleted(len(deleted))
	log.Info("session cleanup ok", "deleted", len(deleted), "candidates", len(candidates))
	return deleted, nil
}
