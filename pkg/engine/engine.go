package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/rhuss/labflow/pkg/analysis"
	"github.com/rhuss/labflow/pkg/api"
	"github.com/rhuss/labflow/pkg/capture"
	"github.com/rhuss/labflow/pkg/debug"
	"github.com/rhuss/labflow/pkg/observability"
	"github.com/rhuss/labflow/pkg/session"
)

// ErrClosed is returned by timer operations after Close.
var ErrClosed = errors.New("engine closed")

// Hook observes a session that reached a terminal status. Hooks run after
// the session lock is released, so they may call back into the engine.
type Hook func(sess *api.Session)

// Engine is the step executor. Operations on one session are serialized;
// distinct sessions never contend.
type Engine struct {
	sessions   *session.Manager
	captures   *capture.Service
	dispatcher *analysis.Dispatcher
	cfg        Config
	clock      Clock
	bus        *bus
	locks      sessionLocks

	// mu guards timers, hooks, and closed.
	mu         sync.Mutex
	timers     map[string]*timer
	onComplete []Hook
	onCancel   []Hook
	closed     bool
}

// New creates an Engine. The session manager and capture service must not
// be nil. The dispatcher can be nil, in which case captures are never
// analyzed and stay pending.
func New(sessions *session.Manager, captures *capture.Service, dispatcher *analysis.Dispatcher, cfg Config) (*Engine, error) {
	if sessions == nil {
		return nil, fmt.Errorf("engine: session manager must not be nil")
	}
	if captures == nil {
		return nil, fmt.Errorf("engine: capture service must not be nil")
	}
	e := &Engine{
		sessions:   sessions,
		captures:   captures,
		dispatcher: dispatcher,
		cfg:        cfg,
		clock:      cfg.clock(),
		bus:        newBus(cfg.eventBuffer()),
		timers:     make(map[string]*timer),
	}
	if dispatcher != nil {
		dispatcher.Listen(e.captureAnalyzed)
	}
	return e, nil
}

// Sessions returns the session manager the engine drives.
func (e *Engine) Sessions() *session.Manager { return e.sessions }

// Captures returns the capture service the engine records into.
func (e *Engine) Captures() *capture.Service { return e.captures }

// OnComplete registers fn to run exactly once for each session that
// reaches completed through this engine.
func (e *Engine) OnComplete(fn Hook) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onComplete = append(e.onComplete, fn)
}

// OnCancel registers fn to run when a session is cancelled.
func (e *Engine) OnCancel(fn Hook) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onCancel = append(e.onCancel, fn)
}

// Subscribe returns a channel of events for sessionID, or for every
// session when sessionID is empty, and a function that ends the
// subscription. Events are dropped for a subscriber that falls more than
// the configured buffer behind.
func (e *Engine) Subscribe(sessionID string) (<-chan api.Event, func()) {
	return e.bus.subscribe(sessionID)
}

// Start begins a session of protocolID and enters its first step.
func (e *Engine) Start(ctx context.Context, protocolID string, refs api.SessionRefs) (*api.Session, error) {
	sess, err := e.sessions.Start(ctx, protocolID, refs)
	if err != nil {
		return nil, err
	}
	observability.SessionsStarted.WithLabelValues(protocolID).Inc()
	e.publish(api.Event{Type: api.EventStepEntered, SessionID: sess.ID, StepOrder: sess.CurrentStep})
	return sess, nil
}

// Complete evaluates the completion contract of step order against input
// and, when it holds, records the step output and advances the session.
// The session is left untouched when the contract fails.
func (e *Engine) Complete(ctx context.Context, sessionID string, order int, input Input) (*api.Session, error) {
	if input == nil {
		return nil, api.NewMissingInputError("input", "step input is required")
	}

	// Waiting for analysis happens before the session lock is taken so
	// the session stays cancellable meanwhile.
	if in, ok := input.(AnalysisInput); ok && in.Wait {
		if err := e.awaitAnalysis(ctx, sessionID, order); err != nil {
			return nil, err
		}
	}

	updated, err := e.complete(ctx, sessionID, order, input)
	if err != nil {
		return nil, err
	}
	if updated.Status == api.SessionStatusCompleted {
		e.runHooks(e.completeHooks(), updated)
	}
	return updated, nil
}

func (e *Engine) complete(ctx context.Context, sessionID string, order int, input Input) (*api.Session, error) {
	unlock := e.locks.lock(sessionID)
	defer unlock()

	sess, err := e.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status.Terminal() {
		return nil, api.NewSessionTerminalError(sessionID, sess.Status)
	}
	if order != sess.CurrentStep {
		return nil, api.NewStaleStepError(order, sess.CurrentStep)
	}
	step, ok := sess.Step(order)
	if !ok {
		return nil, api.NewServerError(fmt.Sprintf("session %s has no step %d", sessionID, order))
	}
	if input.Kind() != step.Kind {
		return nil, api.NewInvalidRequestError("input",
			fmt.Sprintf("step %d is a %s step, got %s input", order, step.Kind, input.Kind()))
	}

	output, settle, err := e.evaluate(ctx, sess, step, input)
	if err != nil {
		debug.Log(debug.Engine, "step contract not met", "session_id", sessionID, "step", order, "error", err)
		return nil, err
	}

	updated, err := e.sessions.Advance(ctx, sessionID, order, output)
	if err != nil {
		if settle != nil {
			settle(err)
		}
		return nil, err
	}
	e.dropTimer(sessionID)

	observability.StepsCompleted.WithLabelValues(string(step.Kind)).Inc()
	e.publish(api.Event{Type: api.EventStepCompleted, SessionID: sessionID, StepOrder: order, Output: output.Clone()})

	if updated.Status == api.SessionStatusCompleted {
		observability.SessionsFinished.WithLabelValues(string(updated.Status)).Inc()
		e.publish(api.Event{Type: api.EventSessionCompleted, SessionID: sessionID, Session: api.CloneSession(updated)})
	} else {
		e.publish(api.Event{Type: api.EventStepEntered, SessionID: sessionID, StepOrder: updated.CurrentStep})
	}

	if settle != nil {
		settle(nil)
	}
	return updated, nil
}

// evaluate checks the step's completion contract and builds its output.
// The returned function, when non-nil, is called with the result of the
// advance that follows.
func (e *Engine) evaluate(ctx context.Context, sess *api.Session, step api.Step, input Input) (api.StepOutput, func(error), error) {
	switch cfg := step.Config.(type) {
	case api.InstructionConfig:
		return api.StepOutput{"acknowledged": true}, nil, nil

	case api.TimerConfig:
		out, err := e.timerOutput(sess.ID, step, cfg)
		return out, nil, err

	case api.CaptureConfig:
		return e.captureOutput(ctx, sess, step, cfg, input.(CaptureInput))

	case api.AnalysisConfig:
		out, err := e.analysisOutput(ctx, sess, cfg)
		return out, nil, err

	case api.ValidationConfig:
		notes := strings.TrimSpace(input.(ValidationInput).Notes)
		if notes == "" {
			return nil, nil, api.NewMissingInputError("notes", fmt.Sprintf("step %d requires validation notes", step.Order))
		}
		return api.StepOutput{"validated": true, "notes": notes}, nil, nil
	}
	return nil, nil, api.NewServerError(fmt.Sprintf("step %d has no configuration", step.Order))
}

// captureOutput records the capture and arranges for it to be submitted
// for analysis once the step is advanced. When the advance fails the
// capture is marked failed so it does not linger as pending.
func (e *Engine) captureOutput(ctx context.Context, sess *api.Session, step api.Step, cfg api.CaptureConfig, in CaptureInput) (api.StepOutput, func(error), error) {
	var output api.StepOutput
	if cfg.CaptureType.IsScalar() {
		value := strings.TrimSpace(in.Value)
		if value == "" {
			return nil, nil, api.NewMissingInputError("value", fmt.Sprintf("step %d requires a %s value", step.Order, cfg.CaptureType))
		}
		var parsed any = value
		if cfg.CaptureType == api.CaptureKindNumeric {
			f, err := strconv.ParseFloat(value, 64)
			if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
				return nil, nil, api.NewValidationError(api.CodeInvalidInput, "value",
					fmt.Sprintf("step %d requires a number, got %q", step.Order, value))
			}
			parsed = f
		}
		in.Value = value
		output = api.StepOutput{"value": parsed}
	} else if in.Artifact == nil || in.Artifact.URI == "" {
		return nil, nil, api.NewMissingInputError("artifact", fmt.Sprintf("step %d requires a %s artifact", step.Order, cfg.CaptureType))
	}

	c, err := e.captures.Create(ctx, capture.CreateRequest{
		SessionID:    sess.ID,
		StepID:       step.ID,
		StepOrder:    step.Order,
		Kind:         cfg.CaptureType,
		Artifact:     in.Artifact,
		Value:        in.Value,
		Service:      cfg.AnalysisService,
		AnalysisKind: cfg.AnalysisKind,
	})
	if err != nil {
		return nil, nil, err
	}
	if output == nil {
		output = api.StepOutput{"capture_id": c.ID, "artifact_uri": c.Artifact.URI}
	}

	settle := func(advanceErr error) {
		bg := context.WithoutCancel(ctx)
		switch {
		case advanceErr != nil:
			cause := fmt.Errorf("step %d was not completed: %w", step.Order, advanceErr)
			if _, err := e.captures.RecordFailure(bg, c.ID, cause); err != nil {
				slog.Warn("discarding capture of an uncompleted step", "capture_id", c.ID, "error", err)
			}
		case cfg.AnalysisService != "":
			e.submit(bg, c.ID)
		}
	}
	return output, settle, nil
}

// submit hands a capture to the dispatcher. A failed submission is
// recorded on the capture and never affects the session.
func (e *Engine) submit(ctx context.Context, captureID string) {
	if e.dispatcher == nil {
		slog.Warn("capture has an analysis service but no dispatcher is configured", "capture_id", captureID)
		return
	}
	if _, err := e.dispatcher.Submit(ctx, captureID); err != nil {
		slog.Warn("submitting capture for analysis", "capture_id", captureID, "error", err)
		if errors.Is(err, api.ErrConflict) {
			return
		}
		if _, rerr := e.captures.RecordFailure(ctx, captureID, err); rerr != nil {
			slog.Warn("recording submission failure", "capture_id", captureID, "error", rerr)
		}
	}
}

// Analyze re-submits a capture for analysis.
func (e *Engine) Analyze(ctx context.Context, captureID string) (*api.Capture, error) {
	if e.dispatcher == nil {
		return nil, api.NewInvalidRequestError("", "analysis is not configured")
	}
	return e.dispatcher.Submit(ctx, captureID)
}

// sourceCapture finds the capture an analysis step waits on.
func (e *Engine) sourceCapture(ctx context.Context, sessionID string, cfg api.AnalysisConfig) (*api.Capture, error) {
	c, err := e.captures.LatestForStep(ctx, sessionID, cfg.SourceStep)
	if err != nil {
		var apiErr *api.APIError
		if errors.As(err, &apiErr) && apiErr.Type == api.ErrorTypeNotFound {
			return nil, api.NewMissingInputError("capture", apiErr.Message)
		}
		return nil, err
	}
	return c, nil
}

func (e *Engine) analysisOutput(ctx context.Context, sess *api.Session, cfg api.AnalysisConfig) (api.StepOutput, error) {
	c, err := e.sourceCapture(ctx, sess.ID, cfg)
	if err != nil {
		return nil, err
	}

	switch c.AnalysisStatus {
	case api.AnalysisStatusCompleted:
		out := api.StepOutput{
			"capture_id":      c.ID,
			"analysis_status": string(c.AnalysisStatus),
			"result":          c.Result,
		}
		if c.Confidence != nil {
			out["confidence"] = *c.Confidence
		}
		return out, nil

	case api.AnalysisStatusFailed:
		if e.cfg.BlockOnAnalysisFailure {
			return nil, api.NewValidationError(api.CodeAnalysisFailed, "capture",
				fmt.Sprintf("analysis of capture %s failed: %s", c.ID, c.Error))
		}
		return api.StepOutput{
			"capture_id":      c.ID,
			"analysis_status": string(c.AnalysisStatus),
			"error":           c.Error,
		}, nil
	}

	// A capture nobody submitted yet is routed to this step's service.
	if c.AnalysisStatus == api.AnalysisStatusPending && e.dispatcher != nil {
		if c, err = e.routeAndSubmit(ctx, c, cfg); err != nil {
			return nil, err
		}
	}
	return nil, api.NewValidationError(api.CodeAnalysisPending, "capture",
		fmt.Sprintf("analysis of capture %s is %s", c.ID, c.AnalysisStatus))
}

func (e *Engine) routeAndSubmit(ctx context.Context, c *api.Capture, cfg api.AnalysisConfig) (*api.Capture, error) {
	if c.Service == "" {
		if cfg.Service == "" {
			return c, nil
		}
		routed, err := e.captures.Route(ctx, c.ID, cfg.Service, cfg.AnalysisKind)
		if err != nil {
			return nil, err
		}
		c = routed
	}
	if !e.dispatcher.Handles(c.Service) {
		return c, nil
	}
	submitted, err := e.dispatcher.Submit(context.WithoutCancel(ctx), c.ID)
	if err != nil {
		if errors.Is(err, api.ErrConflict) {
			return c, nil
		}
		return nil, err
	}
	return submitted, nil
}

// awaitAnalysis blocks until the capture behind an analysis step settles
// or ctx ends. Steps that are not analysis steps return immediately.
func (e *Engine) awaitAnalysis(ctx context.Context, sessionID string, order int) error {
	if e.dispatcher == nil {
		return nil
	}
	sess, err := e.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	step, ok := sess.Step(order)
	if !ok || order != sess.CurrentStep || sess.Status.Terminal() {
		return nil
	}
	cfg, ok := step.Config.(api.AnalysisConfig)
	if !ok {
		return nil
	}
	c, err := e.sourceCapture(ctx, sessionID, cfg)
	if err != nil || c.AnalysisStatus.Settled() {
		return nil
	}
	if c.AnalysisStatus == api.AnalysisStatusPending {
		if c, err = e.routeAndSubmit(ctx, c, cfg); err != nil {
			return err
		}
	}

	debug.Log(debug.Engine, "waiting for analysis", "session_id", sessionID, "capture_id", c.ID)
	select {
	case <-e.dispatcher.Done(c.ID):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Regress moves the session back to target. A running timer is stopped.
func (e *Engine) Regress(ctx context.Context, sessionID string, target int) (*api.Session, error) {
	unlock := e.locks.lock(sessionID)
	defer unlock()

	sess, err := e.sessions.Regress(ctx, sessionID, target)
	if err != nil {
		return nil, err
	}
	e.dropTimer(sessionID)
	e.publish(api.Event{Type: api.EventStepRegressed, SessionID: sessionID, StepOrder: target})
	e.publish(api.Event{Type: api.EventStepEntered, SessionID: sessionID, StepOrder: target})
	return sess, nil
}

// Cancel aborts the session and runs the OnCancel hooks.
func (e *Engine) Cancel(ctx context.Context, sessionID, reason string) (*api.Session, error) {
	sess, err := e.cancel(ctx, sessionID, reason)
	if err != nil {
		return nil, err
	}
	e.runHooks(e.cancelHooks(), sess)
	return sess, nil
}

func (e *Engine) cancel(ctx context.Context, sessionID, reason string) (*api.Session, error) {
	unlock := e.locks.lock(sessionID)
	defer unlock()

	sess, err := e.sessions.Cancel(ctx, sessionID, reason)
	if err != nil {
		return nil, err
	}
	e.dropTimer(sessionID)
	observability.SessionsFinished.WithLabelValues(string(sess.Status)).Inc()
	e.publish(api.Event{Type: api.EventSessionCancelled, SessionID: sessionID, Session: api.CloneSession(sess), Reason: reason})
	return sess, nil
}

// Fail terminates the session as failed.
func (e *Engine) Fail(ctx context.Context, sessionID, reason string) (*api.Session, error) {
	unlock := e.locks.lock(sessionID)
	defer unlock()

	sess, err := e.sessions.Fail(ctx, sessionID, reason)
	if err != nil {
		return nil, err
	}
	e.dropTimer(sessionID)
	observability.SessionsFinished.WithLabelValues(string(sess.Status)).Inc()
	e.publish(api.Event{Type: api.EventSessionFailed, SessionID: sessionID, Session: api.CloneSession(sess), Reason: reason})
	return sess, nil
}

// Delete removes the session with its captures and audit trail. Running
// analyses of its captures are cancelled first.
func (e *Engine) Delete(ctx context.Context, sessionID string) error {
	unlock := e.locks.lock(sessionID)
	defer unlock()

	e.dropTimer(sessionID)
	if e.dispatcher != nil {
		if list, err := e.captures.List(ctx, sessionID); err == nil {
			for _, c := range list {
				if e.dispatcher.Cancel(c.ID) {
					<-e.dispatcher.Done(c.ID)
				}
			}
		}
	}
	return e.sessions.Delete(ctx, sessionID)
}

// Close stops every running timer and ends all subscriptions. Sessions
// are left as they are in the store.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	for id, t := range e.timers {
		t.halt()
		delete(e.timers, id)
	}
	e.mu.Unlock()
	e.bus.close()
}

func (e *Engine) captureAnalyzed(c *api.Capture) {
	e.publish(api.Event{Type: api.EventCaptureAnalyzed, SessionID: c.SessionID, StepOrder: c.StepOrder, Capture: c})
}

func (e *Engine) publish(ev api.Event) {
	if ev.Time.IsZero() {
		ev.Time = e.clock.Now()
	}
	debug.Log(debug.Engine, "event", "type", ev.Type, "session_id", ev.SessionID, "step", ev.StepOrder)
	e.bus.publish(ev)
}

func (e *Engine) completeHooks() []Hook {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Hook(nil), e.onComplete...)
}

func (e *Engine) cancelHooks() []Hook {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Hook(nil), e.onCancel...)
}

func (e *Engine) runHooks(hooks []Hook, sess *api.Session) {
	for _, fn := range hooks {
		fn(api.CloneSession(sess))
	}
}
