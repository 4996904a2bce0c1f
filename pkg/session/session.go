// Package session is the durable record of protocol executions. The
// Manager owns every session mutation: start, advance, regress, cancel,
// and fail. Each mutation is a single compare-and-swap write, so step
// pointer and step data always change together or not at all.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rhuss/labflow/pkg/api"
	"github.com/rhuss/labflow/pkg/audit"
	"github.com/rhuss/labflow/pkg/catalog"
	"github.com/rhuss/labflow/pkg/debug"
	"github.com/rhuss/labflow/pkg/storage"
)

// Options configures a Manager.
type Options struct {
	// ClearForwardOnRegress drops recorded data for the target step and
	// every later step when a session is regressed.
	ClearForwardOnRegress bool

	// Now overrides the clock used for timestamps.
	Now func() time.Time
}

// Manager creates and mutates sessions.
type Manager struct {
	store   storage.SessionStore
	catalog catalog.Catalog
	audit   audit.Recorder
	opts    Options
}

// NewManager creates a session manager. rec may be nil to disable
// auditing.
func NewManager(store storage.SessionStore, cat catalog.Catalog, rec audit.Recorder, opts Options) *Manager {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{store: store, catalog: cat, audit: rec, opts: opts}
}

// Start creates a session for an active protocol, positioned on step 1.
// The session pins a copy of the protocol's steps and is owned by the
// actor in ctx.
func (m *Manager) Start(ctx context.Context, protocolID string, refs api.SessionRefs) (*api.Session, error) {
	p, err := m.catalog.Protocol(ctx, protocolID)
	if err != nil {
		return nil, err
	}

	now := m.opts.Now()
	sess := &api.Session{
		ID:          api.NewSessionID(),
		Object:      "session",
		ProtocolID:  p.ID,
		Refs:        refs,
		Status:      api.SessionStatusStarted,
		CurrentStep: 1,
		Steps:       api.CloneSteps(p.Steps),
		Data:        api.StepData{},
		Owner:       storage.GetActor(ctx),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := m.store.CreateSession(ctx, sess); err != nil {
		return nil, api.NewPersistenceError("creating session", err)
	}

	slog.Info("session started", "session_id", sess.ID, "protocol_id", p.ID, "steps", len(sess.Steps))
	audit.Emit(ctx, m.audit, api.AuditEntry{
		SessionID:   sess.ID,
		EventType:   api.AuditSessionCreated,
		AfterStatus: string(sess.Status),
		StepOrder:   1,
	})
	return sess, nil
}

// Get returns a session by ID.
func (m *Manager) Get(ctx context.Context, id string) (*api.Session, error) {
	sess, err := m.store.GetSession(ctx, id)
	if err != nil {
		return nil, storeError("loading session", id, err)
	}
	return sess, nil
}

// List returns a page of sessions.
func (m *Manager) List(ctx context.Context, opts storage.ListOptions) (*storage.SessionList, error) {
	list, err := m.store.ListSessions(ctx, opts)
	if err != nil {
		return nil, api.NewPersistenceError("listing sessions", err)
	}
	return list, nil
}

// Delete removes a session together with its captures and audit trail.
func (m *Manager) Delete(ctx context.Context, id string) error {
	if err := m.store.DeleteSession(ctx, id); err != nil {
		return storeError("deleting session", id, err)
	}
	slog.Info("session deleted", "session_id", id, "actor", storage.GetActor(ctx))
	return nil
}

// Advance records payload as the output of stepOrder and moves the session
// forward. stepOrder must equal the session's current step; anything else
// is a stale submission. Completing the last step completes the session
// and copies the step data into Results.
func (m *Manager) Advance(ctx context.Context, id string, stepOrder int, payload api.StepOutput) (*api.Session, error) {
	var before api.SessionStatus
	sess, err := m.mutate(ctx, id, func(s *api.Session) error {
		if s.CurrentStep != stepOrder {
			return api.NewStaleStepError(stepOrder, s.CurrentStep)
		}
		before = s.Status

		if s.Data == nil {
			s.Data = api.StepData{}
		}
		out := payload.Clone()
		if out == nil {
			out = api.StepOutput{}
		}
		s.Data[stepOrder] = out

		next := api.SessionStatusInProgress
		if stepOrder >= s.StepCount() {
			next = api.SessionStatusCompleted
		}
		if apiErr := api.ValidateSessionTransition(s.Status, next); apiErr != nil {
			return apiErr
		}
		s.Status = next

		if next == api.SessionStatusCompleted {
			now := m.opts.Now()
			s.Results = s.Data.Clone()
			s.CompletedAt = &now
		} else {
			s.CurrentStep = stepOrder + 1
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	debug.Log(debug.Engine, "step advanced", "session_id", id, "order", stepOrder, "status", sess.Status)
	audit.Emit(ctx, m.audit, api.AuditEntry{
		SessionID:    id,
		EventType:    api.AuditStepCompleted,
		BeforeStatus: string(before),
		AfterStatus:  string(sess.Status),
		StepOrder:    stepOrder,
	})
	if sess.Status == api.SessionStatusCompleted {
		slog.Info("session completed", "session_id", id, "protocol_id", sess.ProtocolID)
		audit.Emit(ctx, m.audit, api.AuditEntry{
			SessionID:    id,
			EventType:    api.AuditSessionCompleted,
			BeforeStatus: string(before),
			AfterStatus:  string(sess.Status),
			StepOrder:    stepOrder,
		})
	}
	return sess, nil
}

// Regress moves the step pointer back to target, which must lie in
// [1, current]. Data recorded for later steps is kept unless the manager
// was configured with ClearForwardOnRegress.
func (m *Manager) Regress(ctx context.Context, id string, target int) (*api.Session, error) {
	var from int
	sess, err := m.mutate(ctx, id, func(s *api.Session) error {
		if target < 1 || target > s.CurrentStep {
			return api.NewInvalidRequestError("target_step",
				fmt.Sprintf("target step %d must be between 1 and the current step %d", target, s.CurrentStep))
		}
		from = s.CurrentStep
		s.CurrentStep = target
		if m.opts.ClearForwardOnRegress {
			for order := range s.Data {
				if order >= target {
					delete(s.Data, order)
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	audit.Emit(ctx, m.audit, api.AuditEntry{
		SessionID:    id,
		EventType:    api.AuditStepRegressed,
		BeforeStatus: string(sess.Status),
		AfterStatus:  string(sess.Status),
		StepOrder:    target,
		Comment:      fmt.Sprintf("regressed from step %d to step %d", from, target),
	})
	return sess, nil
}

// Cancel terminates the session as cancelled.
func (m *Manager) Cancel(ctx context.Context, id, reason string) (*api.Session, error) {
	return m.terminate(ctx, id, api.SessionStatusCancelled, api.AuditSessionCancelled, reason)
}

// Fail terminates the session as failed.
func (m *Manager) Fail(ctx context.Context, id, reason string) (*api.Session, error) {
	return m.terminate(ctx, id, api.SessionStatusFailed, api.AuditSessionFailed, reason)
}

func (m *Manager) terminate(ctx context.Context, id string, status api.SessionStatus, event api.AuditEventType, reason string) (*api.Session, error) {
	var before api.SessionStatus
	sess, err := m.mutate(ctx, id, func(s *api.Session) error {
		if apiErr := api.ValidateSessionTransition(s.Status, status); apiErr != nil {
			return apiErr
		}
		before = s.Status
		s.Status = status
		s.Reason = reason
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("session terminated", "session_id", id, "status", status, "reason", reason)
	audit.Emit(ctx, m.audit, api.AuditEntry{
		SessionID:    id,
		EventType:    event,
		BeforeStatus: string(before),
		AfterStatus:  string(status),
		StepOrder:    sess.CurrentStep,
		Comment:      reason,
	})
	return sess, nil
}

// mutate loads the session, applies fn, and writes it back with a
// compare-and-swap. On a version conflict the session is reloaded and fn
// applied once more, so fn sees the fresh state and can reject it.
func (m *Manager) mutate(ctx context.Context, id string, fn func(*api.Session) error) (*api.Session, error) {
	for attempt := 0; ; attempt++ {
		sess, err := m.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if sess.Status.Terminal() {
			return nil, api.NewSessionTerminalError(id, sess.Status)
		}

		if err := fn(sess); err != nil {
			return nil, err
		}
		sess.UpdatedAt = m.opts.Now()

		err = m.store.UpdateSession(ctx, sess)
		if err == nil {
			return sess, nil
		}
		if errors.Is(err, storage.ErrVersionConflict) {
			if attempt == 0 {
				debug.Log(debug.Storage, "session version conflict, retrying", "session_id", id)
				continue
			}
			return nil, api.NewConflictError(fmt.Sprintf("session %s was modified concurrently", id))
		}
		return nil, storeError("updating session", id, err)
	}
}

// storeError maps storage errors onto API errors.
func storeError(op, id string, err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return api.NewNotFoundError(fmt.Sprintf("session %s not found", id))
	}
	return api.NewPersistenceError(op, err)
}
