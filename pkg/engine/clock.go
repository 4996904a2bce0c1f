package engine

import (
	"sort"
	"sync"
	"time"
)

// Clock schedules repeating callbacks. Timers tick through it so tests can
// drive time by hand.
type Clock interface {
	Now() time.Time

	// Every calls fn once per period until the returned stop function is
	// called. Stop may be called more than once and from within fn.
	Every(period time.Duration, fn func(time.Time)) (stop func())
}

type wallClock struct{}

// WallClock returns a Clock backed by time.Ticker.
func WallClock() Clock { return wallClock{} }

func (wallClock) Now() time.Time { return time.Now() }

func (wallClock) Every(period time.Duration, fn func(time.Time)) func() {
	t := time.NewTicker(period)
	quit := make(chan struct{})
	var once sync.Once

	go func() {
		defer t.Stop()
		for {
			select {
			case now := <-t.C:
				select {
				case <-quit:
					return
				default:
				}
				fn(now)
			case <-quit:
				return
			}
		}
	}()

	return func() { once.Do(func() { close(quit) }) }
}

// ManualClock is a Clock that only moves when Advance is called. Due
// callbacks run synchronously on the caller of Advance, in time order.
type ManualClock struct {
	mu      sync.Mutex
	now     time.Time
	entries []*manualEntry
}

type manualEntry struct {
	period  time.Duration
	next    time.Time
	fn      func(time.Time)
	stopped bool
}

// NewManualClock creates a manual clock set to start.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

// Now returns the clock's current time.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Every registers fn to run each time the clock passes another period.
func (c *ManualClock) Every(period time.Duration, fn func(time.Time)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := &manualEntry{period: period, next: c.now.Add(period), fn: fn}
	c.entries = append(c.entries, e)
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		e.stopped = true
	}
}

// Advance moves the clock forward by d, running every callback that comes
// due on the way.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	for {
		e := c.nextDue(target)
		if e == nil {
			break
		}
		c.now = e.next
		e.next = e.next.Add(e.period)
		now := c.now
		c.mu.Unlock()
		e.fn(now)
		c.mu.Lock()
	}
	c.now = target
	c.mu.Unlock()
}

// Pending returns the number of registered callbacks that have not been
// stopped.
func (c *ManualClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.compact()
	return len(c.entries)
}

// nextDue returns the earliest live entry due at or before target.
// c.mu must be held.
func (c *ManualClock) nextDue(target time.Time) *manualEntry {
	c.compact()
	sort.SliceStable(c.entries, func(i, j int) bool {
		return c.entries[i].next.Before(c.entries[j].next)
	})
	if len(c.entries) == 0 || c.entries[0].next.After(target) {
		return nil
	}
	return c.entries[0]
}

func (c *ManualClock) compact() {
	live := c.entries[:0]
	for _, e := range c.entries {
		if !e.stopped {
			live = append(live, e)
		}
	}
	for i := len(live); i < len(c.entries); i++ {
		c.entries[i] = nil
	}
	c.entries = live
}
