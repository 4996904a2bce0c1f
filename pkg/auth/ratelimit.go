package auth

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// RateLimiter decides whether an operator may make another request.
type RateLimiter interface {
	Allow(ctx context.Context, id *Identity) error
}

// LimitError is returned when an operator exhausted their window. It
// wraps ErrTooManyRequests.
type LimitError struct {
	Limit      int
	RetryAfter time.Duration
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("%v: %d requests per minute, retry in %s", ErrTooManyRequests, e.Limit, e.RetryAfter.Round(time.Second))
}

func (e *LimitError) Unwrap() error { return ErrTooManyRequests }

// WindowLimiter counts requests per operator in fixed one-minute windows.
// Limits are per role; a role without an entry uses the default, and a
// limit of zero or less is unlimited.
type WindowLimiter struct {
	perRole  map[string]int
	fallback int
	now      func() time.Time

	mu        sync.Mutex
	windows   map[string]*window
	lastSweep time.Time
}

type window struct {
	start time.Time
	count int
}

const windowLength = time.Minute

// NewWindowLimiter returns a limiter with requests-per-minute limits by
// role and a default for roles not listed.
func NewWindowLimiter(perRole map[string]int, defaultRPM int) *WindowLimiter {
	return &WindowLimiter{
		perRole:  perRole,
		fallback: defaultRPM,
		now:      time.Now,
		windows:  make(map[string]*window),
	}
}

func (l *WindowLimiter) limit(role string) int {
	if n, ok := l.perRole[role]; ok {
		return n
	}
	return l.fallback
}

// Allow counts the request against the operator's current window.
func (l *WindowLimiter) Allow(_ context.Context, id *Identity) error {
	role := id.Role
	if role == "" {
		role = DefaultRole
	}
	limit := l.limit(role)
	if limit <= 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.sweep(now)

	key := role + "/" + id.Subject
	w := l.windows[key]
	if w == nil || now.Sub(w.start) >= windowLength {
		l.windows[key] = &window{start: now, count: 1}
		return nil
	}
	if w.count >= limit {
		return &LimitError{Limit: limit, RetryAfter: w.start.Add(windowLength).Sub(now)}
	}
	w.count++
	return nil
}

// sweep drops expired windows at most once per window length so idle
// operators do not accumulate.
func (l *WindowLimiter) sweep(now time.Time) {
	if now.Sub(l.lastSweep) < windowLength {
		return
	}
	for key, w := range l.windows {
		if now.Sub(w.start) >= windowLength {
			delete(l.windows, key)
		}
	}
	l.lastSweep = now
}

// tracked reports how many windows are held.
func (l *WindowLimiter) tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}
