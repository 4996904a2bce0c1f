// Package audit is the append-only change log of session-affecting
// events. It is subordinate to the session and capture stores: a failed
// audit write is reported to the caller, which logs it and carries on.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rhuss/labflow/pkg/api"
	"github.com/rhuss/labflow/pkg/storage"
)

// Recorder appends audit entries.
type Recorder interface {
	Record(ctx context.Context, e api.AuditEntry) error
}

// Log records and lists audit entries. There is no update
// or delete operation.
type Log struct {
	store storage.AuditStore
	now   func() time.Time
}

var _ Recorder = (*Log)(nil)

// New creates an audit log backed by store.
func New(store storage.AuditStore) *Log {
	return &Log{store: store, now: time.Now}
}

// Record appends e. CreatedAt defaults to now and Actor defaults to the
// actor carried by ctx.
func (l *Log) Record(ctx context.Context, e api.AuditEntry) error {
	if e.SessionID == "" {
		return fmt.Errorf("audit entry without session id")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = l.now()
	}
	if e.Actor == "" {
		e.Actor = storage.GetActor(ctx)
	}
	if err := l.store.AppendAudit(ctx, &e); err != nil {
		return fmt.Errorf("recording %s for %s: %w", e.EventType, e.SessionID, err)
	}
	return nil
}

// List returns a session's audit trail, oldest first.
func (l *Log) List(ctx context.Context, sessionID string) ([]*api.AuditEntry, error) {
	return l.store.ListAudit(ctx, sessionID)
}

// Emit records e and logs a failure instead of returning it. Session and
// capture operations use it so that a broken audit trail never blocks a
// state change.
func Emit(ctx context.Context, r Recorder, e api.AuditEntry) {
	if r == nil {
		return
	}
	if err := r.Record(ctx, e); err != nil {
		slog.Warn("audit write failed", "session_id", e.SessionID, "event", e.EventType, "error", err)
	}
}
