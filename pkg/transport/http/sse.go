package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/rhuss/labflow/pkg/api"
)

// writerState tracks the state of an event stream writer.
type writerState int

const (
	writerIdle      writerState = iota // Initial state, headers not sent
	writerStreaming                    // Headers sent, events may follow
	writerCompleted                    // Terminal event sent
)

// eventStreamWriter writes engine events as server-sent events.
type eventStreamWriter struct {
	w  http.ResponseWriter
	rc *http.ResponseController

	mu    sync.Mutex
	state writerState
}

func newEventStreamWriter(w http.ResponseWriter) *eventStreamWriter {
	return &eventStreamWriter{
		w:  w,
		rc: http.NewResponseController(w),
	}
}

// open sends the SSE headers so clients see the stream before the first
// event arrives.
func (s *eventStreamWriter) open() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != writerIdle {
		return nil
	}
	s.w.Header().Set("Content-Type", "text/event-stream")
	s.w.Header().Set("Cache-Control", "no-cache")
	s.w.Header().Set("Connection", "keep-alive")
	s.w.WriteHeader(http.StatusOK)
	s.state = writerStreaming
	return s.rc.Flush()
}

// writeEvent sends a single SSE event. The event is formatted as:
//
//	event: {type}\n
//	data: {json}\n
//	\n
//
// After a session.* event, it also sends:
//
//	data: [DONE]\n
//	\n
func (s *eventStreamWriter) writeEvent(ev api.Event) error {
	if err := s.open(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == writerCompleted {
		return errors.New("cannot write event: stream is completed")
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	if err := s.rc.Flush(); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}

	if ev.IsTerminal() {
		if _, err := fmt.Fprint(s.w, "data: [DONE]\n\n"); err != nil {
			return fmt.Errorf("failed to write [DONE]: %w", err)
		}
		if err := s.rc.Flush(); err != nil {
			return fmt.Errorf("failed to flush [DONE]: %w", err)
		}
		s.state = writerCompleted
	}
	return nil
}

// keepAlive writes an SSE comment so proxies keep idle streams open.
func (s *eventStreamWriter) keepAlive() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != writerStreaming {
		return nil
	}
	if _, err := fmt.Fprint(s.w, ": keep-alive\n\n"); err != nil {
		return err
	}
	return s.rc.Flush()
}

func (s *eventStreamWriter) completed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == writerCompleted
}

// terminalEvent returns the event that ends the stream of a session that
// is already terminal when a client subscribes.
func terminalEvent(sess *api.Session) (api.Event, bool) {
	ev := api.Event{SessionID: sess.ID, Session: sess, Reason: sess.Reason, Time: sess.UpdatedAt}
	switch sess.Status {
	case api.SessionStatusCompleted:
		ev.Type = api.EventSessionCompleted
	case api.SessionStatusCancelled:
		ev.Type = api.EventSessionCancelled
	case api.SessionStatusFailed:
		ev.Type = api.EventSessionFailed
	default:
		return api.Event{}, false
	}
	return ev, true
}
