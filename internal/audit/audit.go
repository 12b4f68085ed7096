// Package audit records authentication events on a best-effort basis.
// Audit is observational: a failure to persist an event never fails or
// rolls back the operation it describes.
package audit

import (
	"context"
	"strings"
	"time"
)

// Event kinds emitted by the auth subsystem.
const (
	KindLoginSuccess    = "login.success"
	KindLoginFailure    = "login.failure"
	KindLoginLockout    = "login.lockout"
	KindRefreshRotated  = "refresh.rotated"
	KindRefreshReuse    = "refresh.reuse"
	KindLogout          = "logout"
	KindSessionsRevoked = "sessions.revoked"
)

// Event is one audit record.
type Event struct {
	ID         string
	Kind       string
	ActorID    string
	TargetID   string
	SourceAddr string
	Detail     map[string]string
	OccurredAt time.Time
}

// Store appends immutable audit events.
type Store interface {
	Append(ctx context.Context, ev *Event) error
}

// Sink accepts events without ever surfacing an error to the caller.
type Sink interface {
	Record(ctx context.Context, ev Event)
}

// Discard is a Sink that drops everything. Useful in tests and as a
// default when no recorder is wired.
var Discard Sink = discard{}

type discard struct{}

func (discard) Record(context.Context, Event) {}

type ctxKey string

const sourceAddrKey ctxKey = "audit_source_addr"

// WithSourceAddr attaches the request's source address to the context so
// events recorded downstream carry it.
func WithSourceAddr(ctx context.Context, addr string) context.Context {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return ctx
	}
	return context.WithValue(ctx, sourceAddrKey, addr)
}

func sourceAddrFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(sourceAddrKey).(string); ok {
		return v
	}
	return ""
}
