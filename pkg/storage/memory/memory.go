// Package memory provides an in-memory implementation of storage.Store
// for testing and lightweight deployments. Sessions, captures, and audit
// entries are lost when the process restarts. Optional LRU eviction limits
// memory usage; evicting a session evicts everything it owns.
package memory

import (
	"container/list"
	"context"
	"sort"
	"sync"

	"github.com/rhuss/labflow/pkg/api"
	"github.com/rhuss/labflow/pkg/storage"
)

// entry holds a stored session and everything it owns.
type entry struct {
	session  *api.Session
	captures []string // capture IDs in creation order
	audit    []*api.AuditEntry
	lruElem  *list.Element // position in LRU list
}

// Store is an in-memory storage.Store with optional LRU eviction.
// Records are cloned on the way in and on the way out, so callers never
// share memory with the store.
type Store struct {
	mu       sync.RWMutex
	entries  map[string]*entry
	captures map[string]*api.Capture
	lruList  *list.List // front = most recently used, back = least recently used
	maxSize  int        // 0 = unlimited
	auditSeq int64
}

// Ensure Store implements storage.Store at compile time.
var _ storage.Store = (*Store)(nil)

// New creates a new in-memory store. If maxSize is 0, the store grows
// without limit. If maxSize > 0, the least recently used session is
// evicted when the limit is reached.
func New(maxSize int) *Store {
	return &Store{
		entries:  make(map[string]*entry),
		captures: make(map[string]*api.Capture),
		lruList:  list.New(),
		maxSize:  maxSize,
	}
}

// CreateSession persists a new session with version 1.
func (s *Store) CreateSession(_ context.Context, sess *api.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[sess.ID]; exists {
		return storage.ErrConflict
	}

	if s.maxSize > 0 && len(s.entries) >= s.maxSize {
		s.evictOldest()
	}

	sess.Version = 1
	elem := s.lruList.PushFront(sess.ID)
	s.entries[sess.ID] = &entry{
		session: api.CloneSession(sess),
		lruElem: elem,
	}
	return nil
}

// GetSession retrieves a session by ID.
func (s *Store) GetSession(_ context.Context, id string) (*api.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	s.lruList.MoveToFront(e.lruElem)
	return api.CloneSession(e.session), nil
}

// UpdateSession replaces the stored session if its version still matches,
// then bumps the version on both the stored copy and sess.
func (s *Store) UpdateSession(_ context.Context, sess *api.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[sess.ID]
	if !ok {
		return storage.ErrNotFound
	}
	if e.session.Version != sess.Version {
		return storage.ErrVersionConflict
	}

	sess.Version++
	e.session = api.CloneSession(sess)
	s.lruList.MoveToFront(e.lruElem)
	return nil
}

// DeleteSession removes a session, its captures, and its audit trail.
func (s *Store) DeleteSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return storage.ErrNotFound
	}
	s.removeEntry(id, e)
	return nil
}

// ListSessions returns a paginated list of sessions, optionally filtered
// by protocol, status, and owner.
func (s *Store) ListSessions(_ context.Context, opts storage.ListOptions) (*storage.SessionList, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matches []*api.Session
	for _, e := range s.entries {
		sess := e.session
		if opts.ProtocolID != "" && sess.ProtocolID != opts.ProtocolID {
			continue
		}
		if opts.Status != "" && sess.Status != opts.Status {
			continue
		}
		if opts.Owner != "" && sess.Owner != opts.Owner {
			continue
		}
		matches = append(matches, sess)
	}

	// Sort by created_at. Default is desc (newest first).
	asc := opts.Ascending()
	sort.Slice(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			if asc {
				return a.CreatedAt.Before(b.CreatedAt)
			}
			return a.CreatedAt.After(b.CreatedAt)
		}
		if asc {
			return a.ID < b.ID
		}
		return a.ID > b.ID
	})

	if opts.After != "" {
		idx := indexOf(matches, opts.After)
		if idx >= 0 {
			matches = matches[idx+1:]
		} else {
			matches = nil
		}
	} else if opts.Before != "" {
		idx := indexOf(matches, opts.Before)
		if idx > 0 {
			matches = matches[:idx]
		} else {
			matches = nil
		}
	}

	limit := opts.NormalizedLimit()
	if len(matches) > limit+1 {
		matches = matches[:limit+1]
	}
	out := make([]*api.Session, len(matches))
	for i, m := range matches {
		out[i] = api.CloneSession(m)
	}
	return storage.NewSessionList(out, limit), nil
}

// CreateCapture persists a new capture. The owning session must exist.
func (s *Store) CreateCapture(_ context.Context, c *api.Capture) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[c.SessionID]
	if !ok {
		return storage.ErrNotFound
	}
	if _, exists := s.captures[c.ID]; exists {
		return storage.ErrConflict
	}

	s.captures[c.ID] = api.CloneCapture(c)
	e.captures = append(e.captures, c.ID)
	return nil
}

// GetCapture retrieves a capture by ID.
func (s *Store) GetCapture(_ context.Context, id string) (*api.Capture, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.captures[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return api.CloneCapture(c), nil
}

// UpdateCapture replaces a stored capture.
func (s *Store) UpdateCapture(_ context.Context, c *api.Capture) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.captures[c.ID]; !ok {
		return storage.ErrNotFound
	}
	s.captures[c.ID] = api.CloneCapture(c)
	return nil
}

// ListCaptures returns a session's captures in creation order.
func (s *Store) ListCaptures(_ context.Context, sessionID string) ([]*api.Capture, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[sessionID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	out := make([]*api.Capture, 0, len(e.captures))
	for _, id := range e.captures {
		out = append(out, api.CloneCapture(s.captures[id]))
	}
	return out, nil
}

// AppendAudit appends an entry to a session's audit trail and assigns
// its sequential ID.
func (s *Store) AppendAudit(_ context.Context, a *api.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[a.SessionID]
	if !ok {
		return storage.ErrNotFound
	}
	s.auditSeq++
	a.ID = s.auditSeq
	cp := *a
	e.audit = append(e.audit, &cp)
	return nil
}

// ListAudit returns a session's audit trail, oldest first.
func (s *Store) ListAudit(_ context.Context, sessionID string) ([]*api.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[sessionID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	out := make([]*api.AuditEntry, len(e.audit))
	for i, a := range e.audit {
		cp := *a
		out[i] = &cp
	}
	return out, nil
}

// HealthCheck always returns nil for the in-memory store.
func (s *Store) HealthCheck(_ context.Context) error {
	return nil
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() error {
	return nil
}

// Len returns the number of stored sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func indexOf(sessions []*api.Session, id string) int {
	for i, sess := range sessions {
		if sess.ID == id {
			return i
		}
	}
	return -1
}

// removeEntry drops a session and everything it owns.
// Must be called with s.mu held.
func (s *Store) removeEntry(id string, e *entry) {
	for _, cid := range e.captures {
		delete(s.captures, cid)
	}
	s.lruList.Remove(e.lruElem)
	delete(s.entries, id)
}

// evictOldest removes the least recently used session.
// Must be called with s.mu held.
func (s *Store) evictOldest() {
	back := s.lruList.Back()
	if back == nil {
		return
	}
	id := back.Value.(string)
	s.removeEntry(id, s.entries[id])
}
