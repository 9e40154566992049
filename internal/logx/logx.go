package logx

import (
	"context"

	"pkt.systems/moorage/schema"
	"pkt.systems/pslog"
)

type contextKey int

const (
	sessionKey contextKey = iota
)

// Ctx returns the logger bound to the provided context.
func Ctx(ctx context.Context) pslog.Logger {
	return pslog.Ctx(ctx)
}

// WithSession annotates the logger with a session id when available.
func WithSession(log pslog.Logger, sessionID schema.SessionID) pslog.Logger {
	if sessionID != "" {
		log = log.With("session_id", sessionID)
	}
	return log
}

// WithContainer annotates the logger with a container id when available.
func WithContainer(log pslog.Logger, containerID string) pslog.Logger {
	if containerID != "" {
		log = log.With("container_id", containerID)
	}
	return log
}

// ForSession returns the context logger annotated with sessionID, unless
// the context already carries that annotation.
func ForSession(ctx context.Context, sessionID schema.SessionID) pslog.Logger {
	log := pslog.Ctx(ctx)
	if current, ok := ctx.Value(sessionKey).(schema.SessionID); ok && current == sessionID {
		return log
	}
	return WithSession(log, sessionID)
}

// ContextWithSession attaches a session-annotated logger and the session
// marker to ctx, so nested calls do not repeat the field.
func ContextWithSession(ctx context.Context, sessionID schema.SessionID) context.Context {
	if ctx == nil || sessionID == "" {
		return ctx
	}
	if current, ok := ctx.Value(sessionKey).(schema.SessionID); ok && current == sessionID {
		return ctx
	}
	ctx = pslog.ContextWithLogger(ctx, WithSession(pslog.Ctx(ctx), sessionID))
	return context.WithValue(ctx, sessionKey, sessionID)
}

// SessionFromContext returns the session marker set by ContextWithSession.
func SessionFromContext(ctx context.Context) (schema.SessionID, bool) {
	if ctx == nil {
		return "", false
	}
	id, ok := ctx.Value(sessionKey).(schema.SessionID)
	return id, ok && id != ""
}
