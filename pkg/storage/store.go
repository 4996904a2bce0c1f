package storage

import (
	"context"

	"github.com/rhuss/labflow/pkg/api"
)

// List limits applied when ListOptions.Limit is out of range.
const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// SessionStore persists sessions. UpdateSession is a compare-and-swap on
// Session.Version: it fails with ErrVersionConflict when the stored version
// differs from the one passed in, and increments the version on success.
type SessionStore interface {
	CreateSession(ctx context.Context, s *api.Session) error
	GetSession(ctx context.Context, id string) (*api.Session, error)
	UpdateSession(ctx context.Context, s *api.Session) error
	// DeleteSession removes the session together with its captures and
	// audit entries.
	DeleteSession(ctx context.Context, id string) error
	ListSessions(ctx context.Context, opts ListOptions) (*SessionList, error)
}

// CaptureStore persists captures.
type CaptureStore interface {
	CreateCapture(ctx context.Context, c *api.Capture) error
	GetCapture(ctx context.Context, id string) (*api.Capture, error)
	UpdateCapture(ctx context.Context, c *api.Capture) error
	// ListCaptures returns a session's captures ordered by creation time.
	ListCaptures(ctx context.Context, sessionID string) ([]*api.Capture, error)
}

// AuditStore is append-only: entries cannot be updated or deleted except
// through the cascade of DeleteSession.
type AuditStore interface {
	AppendAudit(ctx context.Context, e *api.AuditEntry) error
	ListAudit(ctx context.Context, sessionID string) ([]*api.AuditEntry, error)
}

// Store is the full persistence surface an adapter provides.
type Store interface {
	SessionStore
	CaptureStore
	AuditStore
	HealthCheck(ctx context.Context) error
	Close() error
}

// ListOptions controls session listing.
type ListOptions struct {
	After  string // cursor: return items after this ID
	Before string // cursor: return items before this ID
	Limit  int    // max items (default 20, max 100)
	Order  string // "asc" or "desc" (default "desc")

	ProtocolID string
	Status     api.SessionStatus
	Owner      string
}

// NormalizedLimit clamps Limit into [1, MaxListLimit].
func (o ListOptions) NormalizedLimit() int {
	if o.Limit <= 0 {
		return DefaultListLimit
	}
	if o.Limit > MaxListLimit {
		return MaxListLimit
	}
	return o.Limit
}

// Ascending reports whether the list is ordered oldest first.
func (o ListOptions) Ascending() bool {
	return o.Order == "asc"
}

// SessionList is a page of sessions.
type SessionList struct {
	Object  string         `json:"object"`
	Data    []*api.Session `json:"data"`
	HasMore bool           `json:"has_more"`
	FirstID string         `json:"first_id,omitempty"`
	LastID  string         `json:"last_id,omitempty"`
}

// NewSessionList builds a page from already filtered, sorted matches.
// matches may hold one more element than the limit to signal HasMore.
func NewSessionList(matches []*api.Session, limit int) *SessionList {
	hasMore := len(matches) > limit
	if hasMore {
		matches = matches[:limit]
	}
	list := &SessionList{
		Object:  "list",
		Data:    matches,
		HasMore: hasMore,
	}
	if len(matches) > 0 {
		list.FirstID = matches[0].ID
		list.LastID = matches[len(matches)-1].ID
	}
	if list.Data == nil {
		list.Data = []*api.Session{}
	}
	return list
}
