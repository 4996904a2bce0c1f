package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rhuss/labflow/pkg/api"
	"github.com/rhuss/labflow/pkg/capture"
	"github.com/rhuss/labflow/pkg/debug"
	"github.com/rhuss/labflow/pkg/observability"
)

// DefaultTimeout bounds a single analysis when no timeout is configured.
const DefaultTimeout = 30 * time.Second

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("analysis dispatcher closed")

// Listener is notified after an analysis outcome has been recorded.
type Listener func(c *api.Capture)

// inflight tracks one running analysis.
type inflight struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Dispatcher runs analyses in the background and records their outcome
// on the capture. There is no automatic retry: a failed capture stays
// failed until it is submitted again.
type Dispatcher struct {
	captures *capture.Service
	registry *Registry
	timeout  time.Duration

	// base parents every analysis context so Close can cancel them all.
	base       context.Context
	cancelBase context.CancelFunc

	mu        sync.Mutex
	inflight  map[string]*inflight
	listeners []Listener
	closed    bool
	wg        sync.WaitGroup
}

// NewDispatcher creates a dispatcher. A zero timeout selects DefaultTimeout.
func NewDispatcher(captures *capture.Service, registry *Registry, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	base, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		captures:   captures,
		registry:   registry,
		timeout:    timeout,
		base:       base,
		cancelBase: cancel,
		inflight:   make(map[string]*inflight),
	}
}

// Listen registers fn to be called with the updated capture after each
// recorded outcome. Listeners run on the analysis goroutine.
func (d *Dispatcher) Listen(fn Listener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners = append(d.listeners, fn)
}

// Handles reports whether an analyzer is registered for service.
func (d *Dispatcher) Handles(service string) bool {
	_, ok := d.registry.Lookup(service)
	return ok
}

// Submit moves the capture into processing and starts its analysis. The
// status change is synchronous; the analysis itself is not. Pending and
// failed captures may be submitted. The returned capture is the
// processing snapshot.
func (d *Dispatcher) Submit(ctx context.Context, captureID string) (*api.Capture, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrClosed
	}
	if _, busy := d.inflight[captureID]; busy {
		d.mu.Unlock()
		return nil, api.NewConflictError(fmt.Sprintf("analysis of capture %s is already in progress", captureID))
	}
	d.mu.Unlock()

	c, err := d.captures.Get(ctx, captureID)
	if err != nil {
		return nil, err
	}
	analyzer, ok := d.registry.Lookup(c.Service)
	if !ok {
		return nil, api.NewInvalidRequestError("service", fmt.Sprintf("no analysis service registered as %q", c.Service))
	}

	c, err = d.captures.MarkProcessing(ctx, captureID)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		// Leave the capture re-submittable instead of stuck in processing.
		d.record(context.WithoutCancel(ctx), c, nil, ErrClosed)
		return nil, ErrClosed
	}
	actx, cancel := context.WithTimeout(d.base, d.timeout)
	f := &inflight{cancel: cancel, done: make(chan struct{})}
	d.inflight[captureID] = f
	d.wg.Add(1)
	d.mu.Unlock()

	debug.Log(debug.Analysis, "analysis submitted", "capture_id", captureID, "service", c.Service)
	go d.run(actx, f, analyzer, api.CloneCapture(c))
	return c, nil
}

func (d *Dispatcher) run(ctx context.Context, f *inflight, analyzer Analyzer, c *api.Capture) {
	defer d.wg.Done()
	defer close(f.done)
	defer func() {
		d.mu.Lock()
		delete(d.inflight, c.ID)
		d.mu.Unlock()
	}()
	defer f.cancel()

	observability.AnalysisInFlight.Inc()
	defer observability.AnalysisInFlight.Dec()

	start := time.Now()
	res, err := analyze(ctx, analyzer, newRequest(c))
	observability.AnalysisLatency.WithLabelValues(c.Service).Observe(time.Since(start).Seconds())

	if err == nil && res == nil {
		err = errors.New("analyzer returned no result")
	}
	if err != nil {
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			err = api.NewAnalysisError(api.CodeTimeout, fmt.Sprintf("analysis timed out after %s", d.timeout))
		case errors.Is(ctx.Err(), context.Canceled):
			err = api.NewAnalysisError(api.CodeBackend, "analysis cancelled")
		}
	}

	// The analysis context may be done by now; recording must still happen.
	d.record(context.WithoutCancel(ctx), c, res, err)
}

// analyze runs the analyzer on its own goroutine and gives up when ctx
// ends, whether or not the analyzer honors ctx. A result that arrives
// after that is discarded.
func analyze(ctx context.Context, analyzer Analyzer, req *Request) (*Result, error) {
	type outcome struct {
		res *Result
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		res, err := analyzer.Analyze(ctx, req)
		ch <- outcome{res, err}
	}()

	select {
	case o := <-ch:
		return o.res, o.err
	case <-ctx.Done():
		debug.Log(debug.Analysis, "abandoning analyzer", "capture_id", req.CaptureID, "reason", ctx.Err())
		return nil, ctx.Err()
	}
}

func (d *Dispatcher) record(ctx context.Context, c *api.Capture, res *Result, cause error) {
	var (
		updated *api.Capture
		err     error
		status  = "ok"
	)
	if cause != nil {
		status = "failed"
		var apiErr *api.APIError
		if errors.As(cause, &apiErr) && apiErr.Code == api.CodeTimeout {
			status = "timeout"
		}
		slog.Warn("analysis failed", "capture_id", c.ID, "service", c.Service, "error", cause)
		updated, err = d.captures.RecordFailure(ctx, c.ID, cause)
	} else {
		updated, err = d.captures.RecordResult(ctx, c.ID, res.Fields, res.Confidence)
	}
	observability.AnalysisRequestsTotal.WithLabelValues(c.Service, status).Inc()

	if err != nil {
		// The capture or its session may have been deleted meanwhile.
		slog.Warn("recording analysis outcome", "capture_id", c.ID, "error", err)
		return
	}
	debug.Log(debug.Analysis, "analysis recorded", "capture_id", c.ID, "status", updated.AnalysisStatus)

	d.mu.Lock()
	listeners := append([]Listener(nil), d.listeners...)
	d.mu.Unlock()
	for _, fn := range listeners {
		fn(api.CloneCapture(updated))
	}
}

// Cancel aborts the in-flight analysis of captureID. The capture is
// recorded as failed. It reports whether an analysis was running.
func (d *Dispatcher) Cancel(captureID string) bool {
	d.mu.Lock()
	f, ok := d.inflight[captureID]
	d.mu.Unlock()
	if ok {
		f.cancel()
	}
	return ok
}

// Done returns a channel closed when the analysis of captureID has been
// recorded. For a capture with no analysis in flight the channel is
// already closed.
func (d *Dispatcher) Done(captureID string) <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	if f, ok := d.inflight[captureID]; ok {
		return f.done
	}
	done := make(chan struct{})
	close(done)
	return done
}

// InFlight returns the number of running analyses.
func (d *Dispatcher) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inflight)
}

// Close cancels every in-flight analysis and waits for their outcomes to
// be recorded. Submit fails with ErrClosed afterwards.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.cancelBase()
	d.wg.Wait()
}
