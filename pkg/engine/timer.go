package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rhuss/labflow/pkg/api"
	"github.com/rhuss/labflow/pkg/debug"
	"github.com/rhuss/labflow/pkg/observability"
)

// TimerState is a snapshot of a session's step timer.
type TimerState struct {
	SessionID string `json:"session_id"`
	StepOrder int    `json:"step_order"`
	Duration  int    `json:"duration_seconds"`
	Remaining int    `json:"remaining_seconds"`
	Running   bool   `json:"running"`
	Completed bool   `json:"completed"`
}

// timer counts down whole seconds. Remaining only changes on a tick, so
// pausing and resuming never gains or loses a second.
type timer struct {
	sessionID string
	order     int
	duration  int
	remaining int
	stop      func()
}

func (t *timer) running() bool { return t.stop != nil }

func (t *timer) snapshot() *TimerState {
	return &TimerState{
		SessionID: t.sessionID,
		StepOrder: t.order,
		Duration:  t.duration,
		Remaining: t.remaining,
		Running:   t.running(),
		Completed: t.remaining == 0,
	}
}

// halt stops the tick callback. e.mu must be held.
func (t *timer) halt() {
	if t.stop == nil {
		return
	}
	t.stop()
	t.stop = nil
	observability.TimersActive.Dec()
}

// StartTimer starts or resumes the countdown of the session's current
// step, which must be a timer step. Starting a running or finished timer
// is a no-op.
func (e *Engine) StartTimer(ctx context.Context, sessionID string) (*TimerState, error) {
	unlock := e.locks.lock(sessionID)
	defer unlock()

	t, err := e.currentTimer(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	if t.running() || t.remaining == 0 {
		return t.snapshot(), nil
	}

	t.stop = e.clock.Every(time.Second, func(time.Time) { e.tick(t) })
	observability.TimersActive.Inc()
	debug.Log(debug.Timer, "timer started", "session_id", sessionID, "step", t.order, "remaining", t.remaining)
	return t.snapshot(), nil
}

// PauseTimer stops the countdown, keeping the remaining seconds.
func (e *Engine) PauseTimer(ctx context.Context, sessionID string) (*TimerState, error) {
	unlock := e.locks.lock(sessionID)
	defer unlock()

	t, err := e.currentTimer(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	t.halt()
	debug.Log(debug.Timer, "timer paused", "session_id", sessionID, "step", t.order, "remaining", t.remaining)
	return t.snapshot(), nil
}

// ResetTimer stops the countdown and restores the full duration.
func (e *Engine) ResetTimer(ctx context.Context, sessionID string) (*TimerState, error) {
	unlock := e.locks.lock(sessionID)
	defer unlock()

	t, err := e.currentTimer(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	t.halt()
	t.remaining = t.duration
	debug.Log(debug.Timer, "timer reset", "session_id", sessionID, "step", t.order)
	return t.snapshot(), nil
}

// Timer returns the timer of the session's current step. A timer step
// that was never started reports its full duration.
func (e *Engine) Timer(ctx context.Context, sessionID string) (*TimerState, error) {
	unlock := e.locks.lock(sessionID)
	defer unlock()

	t, err := e.currentTimer(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return t.snapshot(), nil
}

// currentTimer returns the timer for the session's current step, creating
// it if needed. A timer left over from another step is discarded. The
// session lock must be held.
func (e *Engine) currentTimer(ctx context.Context, sessionID string) (*timer, error) {
	sess, err := e.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status.Terminal() {
		return nil, api.NewSessionTerminalError(sessionID, sess.Status)
	}
	step, ok := sess.Current()
	if !ok {
		return nil, api.NewServerError(fmt.Sprintf("session %s has no step %d", sessionID, sess.CurrentStep))
	}
	cfg, ok := step.Config.(api.TimerConfig)
	if !ok {
		return nil, api.NewInvalidRequestError("step", fmt.Sprintf("step %d is a %s step, not a timer step", step.Order, step.Kind))
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.timers[sessionID]; ok {
		if t.order == step.Order {
			return t, nil
		}
		t.halt()
	}
	t := &timer{
		sessionID: sessionID,
		order:     step.Order,
		duration:  cfg.Seconds(),
		remaining: cfg.Seconds(),
	}
	e.timers[sessionID] = t
	return t, nil
}

// tick runs once per second for a running timer.
func (e *Engine) tick(t *timer) {
	e.mu.Lock()
	defer e.mu.Unlock()

	// A tick may race with pause or reset on the wall clock.
	if !t.running() || e.timers[t.sessionID] != t {
		return
	}

	t.remaining--
	remaining := t.remaining
	e.bus.publish(api.Event{
		Type:      api.EventTimerTick,
		SessionID: t.sessionID,
		StepOrder: t.order,
		Remaining: &remaining,
		Time:      e.clock.Now(),
	})
	if t.remaining > 0 {
		return
	}

	t.halt()
	debug.Log(debug.Timer, "timer completed", "session_id", t.sessionID, "step", t.order)
	e.bus.publish(api.Event{
		Type:      api.EventTimerCompleted,
		SessionID: t.sessionID,
		StepOrder: t.order,
		Remaining: &remaining,
		Time:      e.clock.Now(),
	})
}

// timerOutput builds the completion payload of a timer step and drops the
// timer. The session lock must be held.
func (e *Engine) timerOutput(sessionID string, step api.Step, cfg api.TimerConfig) (api.StepOutput, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	duration := cfg.Seconds()
	remaining := duration
	t, ok := e.timers[sessionID]
	if ok && t.order == step.Order {
		remaining = t.remaining
	}

	if remaining > 0 && step.Required {
		return nil, api.NewValidationError(api.CodeTimerRunning, "",
			fmt.Sprintf("timer for step %d has %d seconds remaining", step.Order, remaining))
	}
	return api.StepOutput{
		"timer_completed": remaining == 0,
		"actual_duration": duration - remaining,
	}, nil
}

// dropTimer stops and forgets the session's timer.
func (e *Engine) dropTimer(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.timers[sessionID]; ok {
		t.halt()
		delete(e.timers, sessionID)
	}
}
