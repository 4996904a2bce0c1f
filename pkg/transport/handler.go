package transport

import (
	"context"

	"github.com/rhuss/labflow/pkg/api"
	"github.com/rhuss/labflow/pkg/catalog"
	"github.com/rhuss/labflow/pkg/engine"
	"github.com/rhuss/labflow/pkg/storage"
)

// Executor mutates sessions. *engine.Engine implements it.
type Executor interface {
	Start(ctx context.Context, protocolID string, refs api.SessionRefs) (*api.Session, error)
	Complete(ctx context.Context, sessionID string, order int, input engine.Input) (*api.Session, error)
	Regress(ctx context.Context, sessionID string, target int) (*api.Session, error)
	Cancel(ctx context.Context, sessionID, reason string) (*api.Session, error)
	Fail(ctx context.Context, sessionID, reason string) (*api.Session, error)
	Delete(ctx context.Context, sessionID string) error

	StartTimer(ctx context.Context, sessionID string) (*engine.TimerState, error)
	PauseTimer(ctx context.Context, sessionID string) (*engine.TimerState, error)
	ResetTimer(ctx context.Context, sessionID string) (*engine.TimerState, error)
	Timer(ctx context.Context, sessionID string) (*engine.TimerState, error)

	// Analyze re-submits a capture for analysis.
	Analyze(ctx context.Context, captureID string) (*api.Capture, error)

	// Subscribe streams events for one session, or all when sessionID is
	// empty, until the returned function is called.
	Subscribe(sessionID string) (<-chan api.Event, func())
}

// SessionReader reads sessions.
type SessionReader interface {
	Get(ctx context.Context, id string) (*api.Session, error)
	List(ctx context.Context, opts storage.ListOptions) (*storage.SessionList, error)
}

// CaptureReader reads captures.
type CaptureReader interface {
	Get(ctx context.Context, id string) (*api.Capture, error)
	List(ctx context.Context, sessionID string) ([]*api.Capture, error)
}

// AuditReader reads a session's audit timeline.
type AuditReader interface {
	List(ctx context.Context, sessionID string) ([]*api.AuditEntry, error)
}

// HealthChecker reports whether a backing store is usable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Services bundles what the HTTP adapter serves. Audit and Health may be
// nil; the corresponding endpoints then report that they are unavailable
// or always healthy.
type Services struct {
	Executor Executor
	Sessions SessionReader
	Captures CaptureReader
	Audit    AuditReader
	Catalog  catalog.Catalog
	Health   HealthChecker
}

var _ Executor = (*engine.Engine)(nil)
