package engine

import (
	"sync"

	"github.com/rhuss/labflow/pkg/api"
	"github.com/rhuss/labflow/pkg/debug"
	"github.com/rhuss/labflow/pkg/observability"
)

// bus fans engine events out to subscribers. Publishing never blocks: a
// subscriber whose buffer is full misses the event.
type bus struct {
	mu     sync.Mutex
	seq    int64
	nextID int
	subs   map[int]*subscriber
	buffer int
	closed bool
}

type subscriber struct {
	sessionID string
	ch        chan api.Event
}

func newBus(buffer int) *bus {
	return &bus{subs: make(map[int]*subscriber), buffer: buffer}
}

// subscribe registers a subscriber for sessionID, or for every session
// when sessionID is empty. The returned function unsubscribes and closes
// the channel.
func (b *bus) subscribe(sessionID string) (<-chan api.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan api.Event, b.buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = &subscriber{sessionID: sessionID, ch: ch}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if s, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(s.ch)
			}
		})
	}
}

// publish stamps ev with the next sequence number and delivers it.
func (b *bus) publish(ev api.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	b.seq++
	ev.SequenceNumber = b.seq

	for _, s := range b.subs {
		if s.sessionID != "" && s.sessionID != ev.SessionID {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			observability.EventsDropped.Inc()
			debug.Log(debug.Engine, "event dropped for slow subscriber",
				"session_id", ev.SessionID, "type", ev.Type, "sequence", ev.SequenceNumber)
		}
	}
}

// close closes every subscription. Later subscriptions are closed at once.
func (b *bus) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		delete(b.subs, id)
		close(s.ch)
	}
}

func (b *bus) subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
