package logx

import (
	"context"

	"pkt.systems/pslog"

	"github.com/canopyide/termflow/schema"
)

type contextKey int

const sessionKey contextKey = iota

// Ctx returns the logger bound to the provided context.
func Ctx(ctx context.Context) pslog.Logger {
	return pslog.Ctx(ctx)
}

// WithSession annotates the logger with the session id if present.
func WithSession(ctx context.Context, sessionID schema.SessionID) pslog.Logger {
	log := pslog.Ctx(ctx)
	if sessionID != "" {
		if current, ok := ctx.Value(sessionKey).(schema.SessionID); ok && current == sessionID {
			return log
		}
		log = log.With("session", sessionID)
	}
	return log
}

// SessionLogger annotates an existing logger with a session id.
func SessionLogger(log pslog.Logger, sessionID schema.SessionID) pslog.Logger {
	if sessionID != "" {
		log = log.With("session", sessionID)
	}
	return log
}

// TransportLogger annotates an existing logger with the transport kind.
func TransportLogger(log pslog.Logger, kind schema.TransportKind) pslog.Logger {
	if kind != "" {
		log = log.With("transport", kind)
	}
	return log
}

// ContextWithSession stores the session marker on the context for log
// de-duplication.
func ContextWithSession(ctx context.Context, sessionID schema.SessionID) context.Context {
	if ctx == nil || sessionID == "" {
		return ctx
	}
	return context.WithValue(ctx, sessionKey, sessionID)
}

// ContextWithSessionLogger attaches the logger and session marker to the
// context.
func ContextWithSessionLogger(ctx context.Context, log pslog.Logger, sessionID schema.SessionID) context.Context {
	ctx = pslog.ContextWithLogger(ctx, log)
	return ContextWithSession(ctx, sessionID)
}

// CopyContextFields copies the session marker from src to dst.
func CopyContextFields(dst context.Context, src context.Context) context.Context {
	if src == nil {
		return dst
	}
	if session, ok := src.Value(sessionKey).(schema.SessionID); ok && session != "" {
		dst = ContextWithSession(dst, session)
	}
	return dst
}
