package engine

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/rhuss/labflow/pkg/analysis"
	"github.com/rhuss/labflow/pkg/api"
	"github.com/rhuss/labflow/pkg/audit"
	"github.com/rhuss/labflow/pkg/capture"
	"github.com/rhuss/labflow/pkg/catalog"
	"github.com/rhuss/labflow/pkg/session"
	"github.com/rhuss/labflow/pkg/storage/memory"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func protocols() []*api.Protocol {
	return []*api.Protocol{
		{
			ID: "basic", Name: "Basic", Active: true,
			Steps: []api.Step{
				{ID: "read", Order: 1, Kind: api.StepKindInstruction, Required: true, Config: api.InstructionConfig{}},
				{ID: "wait", Order: 2, Kind: api.StepKindTimer, Required: true, Config: api.TimerConfig{Duration: 10 * time.Second}},
				{ID: "volume", Order: 3, Kind: api.StepKindCapture, Required: true,
					Config: api.CaptureConfig{CaptureType: api.CaptureKindNumeric, Unit: "mL"}},
			},
		},
		{
			ID: "optional-wait", Name: "Optional wait", Active: true,
			Steps: []api.Step{
				{ID: "wait", Order: 1, Kind: api.StepKindTimer, Required: false, Config: api.TimerConfig{Duration: 10 * time.Second}},
				{ID: "done", Order: 2, Kind: api.StepKindInstruction, Required: true, Config: api.InstructionConfig{}},
			},
		},
		{
			ID: "strip", Name: "Dipstick", Active: true,
			Steps: []api.Step{
				{ID: "photo", Order: 1, Kind: api.StepKindCapture, Required: true,
					Config: api.CaptureConfig{CaptureType: api.CaptureKindImage, AnalysisService: "vision", AnalysisKind: "color_card"}},
				{ID: "read", Order: 2, Kind: api.StepKindAnalysis, Required: true, Config: api.AnalysisConfig{SourceStep: 1}},
				{ID: "review", Order: 3, Kind: api.StepKindValidation, Required: true, Config: api.ValidationConfig{Prompt: "Confirm"}},
			},
		},
		{
			ID: "label", Name: "Label", Active: true,
			Steps: []api.Step{
				{ID: "label", Order: 1, Kind: api.StepKindCapture, Required: true,
					Config: api.CaptureConfig{CaptureType: api.CaptureKindText}},
				{ID: "ocr", Order: 2, Kind: api.StepKindAnalysis, Required: true,
					Config: api.AnalysisConfig{SourceStep: 1, Service: "ocr", AnalysisKind: "label"}},
			},
		},
		{
			ID: "photo", Name: "Photo only", Active: true,
			Steps: []api.Step{
				{ID: "photo", Order: 1, Kind: api.StepKindCapture, Required: true,
					Config: api.CaptureConfig{CaptureType: api.CaptureKindImage}},
				{ID: "done", Order: 2, Kind: api.StepKindInstruction, Required: true, Config: api.InstructionConfig{}},
			},
		},
	}
}

type fixture struct {
	engine     *Engine
	clock      *ManualClock
	captures   *capture.Service
	dispatcher *analysis.Dispatcher
}

func newFixture(t *testing.T, cfg Config, analyzers map[string]analysis.Analyzer) *fixture {
	t.Helper()
	cat, err := catalog.NewMemory(protocols()...)
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	store := memory.New(0)
	log := audit.New(store)
	caps := capture.NewService(store, log)

	var d *analysis.Dispatcher
	if analyzers != nil {
		reg := analysis.NewRegistry()
		for name, a := range analyzers {
			reg.Register(name, a)
		}
		d = analysis.NewDispatcher(caps, reg, 5*time.Second)
		t.Cleanup(d.Close)
	}

	clock := NewManualClock(time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC))
	cfg.Clock = clock
	e, err := New(session.NewManager(store, cat, log, session.Options{}), caps, d, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(e.Close)
	return &fixture{engine: e, clock: clock, captures: caps, dispatcher: d}
}

func (f *fixture) start(t *testing.T, protocolID string) *api.Session {
	t.Helper()
	sess, err := f.engine.Start(context.Background(), protocolID, api.SessionRefs{OrderID: "ord_1"})
	if err != nil {
		t.Fatalf("Start(%s): %v", protocolID, err)
	}
	return sess
}

func (f *fixture) complete(t *testing.T, id string, order int, in Input) *api.Session {
	t.Helper()
	sess, err := f.engine.Complete(context.Background(), id, order, in)
	if err != nil {
		t.Fatalf("Complete(step %d): %v", order, err)
	}
	return sess
}

func drain(ch <-chan api.Event) []api.Event {
	var out []api.Event
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func eventTypes(events []api.Event) []api.EventType {
	out := make([]api.EventType, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Type)
	}
	return out
}

func waitFor(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting")
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := New(nil, nil, nil, Config{}); err == nil {
		t.Error("New(nil, ...) succeeded, want error")
	}
}

func TestInstructionTimerCaptureScenario(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	ctx := context.Background()

	var completed []*api.Session
	f.engine.OnComplete(func(s *api.Session) { completed = append(completed, s) })
	events, unsubscribe := f.engine.Subscribe("")
	defer unsubscribe()

	sess := f.start(t, "basic")
	sess = f.complete(t, sess.ID, 1, Acknowledge{})
	if sess.CurrentStep != 2 || sess.Status != api.SessionStatusInProgress {
		t.Fatalf("after step 1: current=%d status=%s, want 2/in_progress", sess.CurrentStep, sess.Status)
	}

	if _, err := f.engine.StartTimer(ctx, sess.ID); err != nil {
		t.Fatalf("StartTimer: %v", err)
	}
	f.clock.Advance(10 * time.Second)

	state, err := f.engine.Timer(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Timer: %v", err)
	}
	if !state.Completed || state.Running || state.Remaining != 0 {
		t.Errorf("timer = %+v, want completed and stopped", state)
	}

	sess = f.complete(t, sess.ID, 2, TimerInput{})
	if sess.CurrentStep != 3 {
		t.Fatalf("after step 2: current=%d, want 3", sess.CurrentStep)
	}
	sess = f.complete(t, sess.ID, 3, CaptureInput{Value: "4.5"})
	if sess.Status != api.SessionStatusCompleted {
		t.Fatalf("status = %s, want completed", sess.Status)
	}

	want := api.StepData{
		1: {"acknowledged": true},
		2: {"timer_completed": true, "actual_duration": 10},
		3: {"value": 4.5},
	}
	if len(completed) != 1 {
		t.Fatalf("OnComplete fired %d times, want 1", len(completed))
	}
	if !reflect.DeepEqual(completed[0].Data, want) {
		t.Errorf("completed data = %v, want %v", completed[0].Data, want)
	}
	if !reflect.DeepEqual(completed[0].Results, want) {
		t.Errorf("results = %v, want %v", completed[0].Results, want)
	}

	types := eventTypes(drain(events))
	var ticks, timerDone int
	for _, typ := range types {
		switch typ {
		case api.EventTimerTick:
			ticks++
		case api.EventTimerCompleted:
			timerDone++
		}
	}
	if ticks != 10 || timerDone != 1 {
		t.Errorf("ticks=%d timer.completed=%d, want 10 and 1", ticks, timerDone)
	}
	if types[0] != api.EventStepEntered || types[len(types)-1] != api.EventSessionCompleted {
		t.Errorf("events = %v, want step.entered first and session.completed last", types)
	}
	if f.clock.Pending() != 0 {
		t.Errorf("clock has %d pending callbacks, want 0", f.clock.Pending())
	}
}

func TestCancelAtStepTwo(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	ctx := context.Background()

	var completed, cancelled int
	f.engine.OnComplete(func(*api.Session) { completed++ })
	f.engine.OnCancel(func(*api.Session) { cancelled++ })

	sess := f.start(t, "basic")
	f.complete(t, sess.ID, 1, Acknowledge{})
	if _, err := f.engine.StartTimer(ctx, sess.ID); err != nil {
		t.Fatalf("StartTimer: %v", err)
	}
	f.clock.Advance(3 * time.Second)

	sess, err := f.engine.Cancel(ctx, sess.ID, "sample contaminated")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if sess.Status != api.SessionStatusCancelled || sess.CurrentStep != 2 {
		t.Errorf("session = %s at %d, want cancelled at 2", sess.Status, sess.CurrentStep)
	}
	if sess.Reason != "sample contaminated" {
		t.Errorf("Reason = %q", sess.Reason)
	}
	if completed != 0 || cancelled != 1 {
		t.Errorf("OnComplete=%d OnCancel=%d, want 0 and 1", completed, cancelled)
	}
	if f.clock.Pending() != 0 {
		t.Error("timer still scheduled after cancel")
	}

	if _, err := f.engine.Complete(ctx, sess.ID, 2, TimerInput{}); !errors.Is(err, api.ErrSessionTerminal) {
		t.Errorf("Complete after cancel error = %v, want session terminal", err)
	}
	if _, err := f.engine.StartTimer(ctx, sess.ID); !errors.Is(err, api.ErrSessionTerminal) {
		t.Errorf("StartTimer after cancel error = %v, want session terminal", err)
	}
}

func TestHooksMayCallBackIntoEngine(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	ctx := context.Background()

	reentered := make(chan error, 2)
	f.engine.OnComplete(func(s *api.Session) {
		_, err := f.engine.Regress(ctx, s.ID, 1)
		reentered <- err
	})
	f.engine.OnCancel(func(s *api.Session) {
		_, err := f.engine.Timer(ctx, s.ID)
		reentered <- err
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		if a, err := f.engine.Start(ctx, "optional-wait", api.SessionRefs{}); err == nil {
			f.engine.Complete(ctx, a.ID, 1, TimerInput{})
			f.engine.Complete(ctx, a.ID, 2, Acknowledge{})
		}
		if b, err := f.engine.Start(ctx, "basic", api.SessionRefs{}); err == nil {
			f.engine.Cancel(ctx, b.ID, "spilled")
		}
	}()
	waitFor(t, done)

	for _, name := range []string{"OnComplete", "OnCancel"} {
		select {
		case err := <-reentered:
			if !errors.Is(err, api.ErrSessionTerminal) {
				t.Errorf("%s hook call error = %v, want session terminal", name, err)
			}
		default:
			t.Errorf("%s hook did not run", name)
		}
	}
}

// failingUpdates is a memory store whose session updates can be made to
// fail.
type failingUpdates struct {
	*memory.Store
	fail bool
}

func (s *failingUpdates) UpdateSession(ctx context.Context, sess *api.Session) error {
	if s.fail {
		return errors.New("connection reset")
	}
	return s.Store.UpdateSession(ctx, sess)
}

func TestCaptureOfFailedAdvanceIsNotLeftPending(t *testing.T) {
	cat, err := catalog.NewMemory(protocols()...)
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	store := &failingUpdates{Store: memory.New(0)}
	log := audit.New(store)
	caps := capture.NewService(store, log)
	e, err := New(session.NewManager(store, cat, log, session.Options{}), caps, nil,
		Config{Clock: NewManualClock(time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC))})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(e.Close)
	ctx := context.Background()

	sess, err := e.Start(ctx, "photo", api.SessionRefs{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	store.fail = true
	_, err = e.Complete(ctx, sess.ID, 1, CaptureInput{Artifact: &api.ArtifactRef{URI: "s3://captures/tube.jpg"}})
	if !errors.Is(err, api.ErrPersistence) {
		t.Fatalf("Complete error = %v, want persistence error", err)
	}

	list, err := caps.List(ctx, sess.ID)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 || list[0].AnalysisStatus != api.AnalysisStatusFailed {
		t.Fatalf("captures = %+v, want one failed capture", list)
	}

	store.fail = false
	sess, err = e.Complete(ctx, sess.ID, 1, CaptureInput{Artifact: &api.ArtifactRef{URI: "s3://captures/tube.jpg"}})
	if err != nil {
		t.Fatalf("retry Complete: %v", err)
	}
	latest, err := caps.LatestForStep(ctx, sess.ID, 1)
	if err != nil {
		t.Fatalf("LatestForStep: %v", err)
	}
	if sess.Data[1]["capture_id"] != latest.ID || latest.AnalysisStatus != api.AnalysisStatusPending {
		t.Errorf("step output %v does not point at the pending retry capture %s", sess.Data[1], latest.ID)
	}
}

func TestStaleSubmission(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	ctx := context.Background()

	sess := f.start(t, "basic")
	f.complete(t, sess.ID, 1, Acknowledge{})

	_, err := f.engine.Complete(ctx, sess.ID, 1, Acknowledge{})
	if !errors.Is(err, api.ErrStaleStep) {
		t.Fatalf("second Complete(1) error = %v, want stale step", err)
	}

	got, err := f.engine.Sessions().Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.CurrentStep != 2 || len(got.Data) != 1 {
		t.Errorf("session changed: current=%d data=%v", got.CurrentStep, got.Data)
	}
}

func TestOnCompleteFiresOnceUnderDuplicates(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	ctx := context.Background()

	var mu sync.Mutex
	var fired int
	f.engine.OnComplete(func(*api.Session) {
		mu.Lock()
		fired++
		mu.Unlock()
	})

	sess := f.start(t, "optional-wait")
	f.complete(t, sess.ID, 1, TimerInput{})

	var wg sync.WaitGroup
	var okCount int
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.engine.Complete(ctx, sess.ID, 2, Acknowledge{}); err == nil {
				mu.Lock()
				okCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if okCount != 1 || fired != 1 {
		t.Errorf("successes=%d OnComplete=%d, want 1 and 1", okCount, fired)
	}
}

func TestStepContracts(t *testing.T) {
	tests := []struct {
		name     string
		protocol string
		prepare  func(t *testing.T, f *fixture, id string)
		order    int
		input    Input
		want     error
	}{
		{
			name: "required timer not finished", protocol: "basic",
			prepare: func(t *testing.T, f *fixture, id string) { f.complete(t, id, 1, Acknowledge{}) },
			order:   2, input: TimerInput{},
			want: &api.APIError{Type: api.ErrorTypeValidation, Code: api.CodeTimerRunning},
		},
		{
			name: "numeric value missing", protocol: "basic",
			prepare: func(t *testing.T, f *fixture, id string) {
				f.complete(t, id, 1, Acknowledge{})
				f.engine.StartTimer(context.Background(), id)
				f.clock.Advance(10 * time.Second)
				f.complete(t, id, 2, TimerInput{})
			},
			order: 3, input: CaptureInput{Value: "  "},
			want: api.ErrMissingInput,
		},
		{
			name: "numeric value not a number", protocol: "basic",
			prepare: func(t *testing.T, f *fixture, id string) {
				f.complete(t, id, 1, Acknowledge{})
				f.engine.StartTimer(context.Background(), id)
				f.clock.Advance(10 * time.Second)
				f.complete(t, id, 2, TimerInput{})
			},
			order: 3, input: CaptureInput{Value: "four"},
			want: &api.APIError{Type: api.ErrorTypeValidation, Code: api.CodeInvalidInput},
		},
		{
			name: "numeric value NaN", protocol: "basic",
			prepare: func(t *testing.T, f *fixture, id string) {
				f.complete(t, id, 1, Acknowledge{})
				f.engine.StartTimer(context.Background(), id)
				f.clock.Advance(10 * time.Second)
				f.complete(t, id, 2, TimerInput{})
			},
			order: 3, input: CaptureInput{Value: "NaN"},
			want: &api.APIError{Type: api.ErrorTypeValidation, Code: api.CodeInvalidInput},
		},
		{
			name: "numeric value -Inf", protocol: "basic",
			prepare: func(t *testing.T, f *fixture, id string) {
				f.complete(t, id, 1, Acknowledge{})
				f.engine.StartTimer(context.Background(), id)
				f.clock.Advance(10 * time.Second)
				f.complete(t, id, 2, TimerInput{})
			},
			order: 3, input: CaptureInput{Value: "-Inf"},
			want: &api.APIError{Type: api.ErrorTypeValidation, Code: api.CodeInvalidInput},
		},
		{
			name: "numeric value 1e400", protocol: "basic",
			prepare: func(t *testing.T, f *fixture, id string) {
				f.complete(t, id, 1, Acknowledge{})
				f.engine.StartTimer(context.Background(), id)
				f.clock.Advance(10 * time.Second)
				f.complete(t, id, 2, TimerInput{})
			},
			order: 3, input: CaptureInput{Value: "1e400"},
			want: &api.APIError{Type: api.ErrorTypeValidation, Code: api.CodeInvalidInput},
		},
		{
			name: "artifact missing", protocol: "photo",
			order: 1, input: CaptureInput{Value: "not an artifact"},
			want: api.ErrMissingInput,
		},
		{
			name: "wrong input kind", protocol: "basic",
			order: 1, input: ValidationInput{Notes: "ok"},
			want: api.ErrInvalidRequest,
		},
		{
			name: "nil input", protocol: "basic",
			order: 1, input: nil,
			want: api.ErrMissingInput,
		},
		{
			name: "future step", protocol: "basic",
			order: 3, input: CaptureInput{Value: "1"},
			want: api.ErrStaleStep,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Config{}, nil)
			sess := f.start(t, tt.protocol)
			if tt.prepare != nil {
				tt.prepare(t, f, sess.ID)
			}
			before, _ := f.engine.Sessions().Get(context.Background(), sess.ID)

			_, err := f.engine.Complete(context.Background(), sess.ID, tt.order, tt.input)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Complete error = %v, want %v", err, tt.want)
			}

			after, _ := f.engine.Sessions().Get(context.Background(), sess.ID)
			if after.CurrentStep != before.CurrentStep || after.Version != before.Version {
				t.Errorf("session changed on rejected input: %d/v%d -> %d/v%d",
					before.CurrentStep, before.Version, after.CurrentStep, after.Version)
			}
		})
	}
}

func TestOptionalTimerAdvancesEarly(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	ctx := context.Background()

	sess := f.start(t, "optional-wait")
	if _, err := f.engine.StartTimer(ctx, sess.ID); err != nil {
		t.Fatalf("StartTimer: %v", err)
	}
	f.clock.Advance(4 * time.Second)

	sess = f.complete(t, sess.ID, 1, TimerInput{})
	want := api.StepOutput{"timer_completed": false, "actual_duration": 4}
	if !reflect.DeepEqual(sess.Data[1], want) {
		t.Errorf("step 1 output = %v, want %v", sess.Data[1], want)
	}
	if f.clock.Pending() != 0 {
		t.Error("timer still scheduled after the step was completed")
	}
}

func TestCaptureWithoutServiceStaysPending(t *testing.T) {
	analyzed := make(chan struct{}, 1)
	f := newFixture(t, Config{}, map[string]analysis.Analyzer{
		"vision": analysis.AnalyzerFunc(func(context.Context, *analysis.Request) (*analysis.Result, error) {
			analyzed <- struct{}{}
			return &analysis.Result{}, nil
		}),
	})
	ctx := context.Background()

	sess := f.start(t, "photo")
	sess = f.complete(t, sess.ID, 1, CaptureInput{Artifact: &api.ArtifactRef{URI: "s3://captures/tube.jpg"}})
	f.complete(t, sess.ID, 2, Acknowledge{})

	list, err := f.captures.List(ctx, sess.ID)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 || list[0].AnalysisStatus != api.AnalysisStatusPending {
		t.Fatalf("captures = %+v, want one pending capture", list)
	}
	if sess.Data[1]["capture_id"] != list[0].ID || sess.Data[1]["artifact_uri"] != "s3://captures/tube.jpg" {
		t.Errorf("step output = %v", sess.Data[1])
	}
	select {
	case <-analyzed:
		t.Error("capture without an analysis service was analyzed")
	default:
	}
}

func TestAnalysisStepWaitsForCapture(t *testing.T) {
	release := make(chan struct{})
	conf := 0.92
	f := newFixture(t, Config{}, map[string]analysis.Analyzer{
		"vision": analysis.AnalyzerFunc(func(ctx context.Context, req *analysis.Request) (*analysis.Result, error) {
			select {
			case <-release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			return &analysis.Result{Fields: map[string]any{"glucose": "negative"}, Confidence: &conf}, nil
		}),
	})
	ctx := context.Background()
	events, unsubscribe := f.engine.Subscribe("")
	defer unsubscribe()

	sess := f.start(t, "strip")
	sess = f.complete(t, sess.ID, 1, CaptureInput{Artifact: &api.ArtifactRef{URI: "s3://captures/strip.jpg"}})
	captureID := sess.Data[1]["capture_id"].(string)

	c, _ := f.captures.Get(ctx, captureID)
	if c.AnalysisStatus != api.AnalysisStatusProcessing {
		t.Fatalf("capture status = %s, want processing", c.AnalysisStatus)
	}

	_, err := f.engine.Complete(ctx, sess.ID, 2, AnalysisInput{})
	if !errors.Is(err, &api.APIError{Type: api.ErrorTypeValidation, Code: api.CodeAnalysisPending}) {
		t.Fatalf("Complete while processing error = %v, want analysis_pending", err)
	}

	close(release)
	sess, err = f.engine.Complete(ctx, sess.ID, 2, AnalysisInput{Wait: true})
	if err != nil {
		t.Fatalf("Complete with wait: %v", err)
	}
	out := sess.Data[2]
	if out["analysis_status"] != "completed" || out["confidence"] != conf {
		t.Errorf("analysis output = %v", out)
	}
	if res, ok := out["result"].(map[string]any); !ok || res["glucose"] != "negative" {
		t.Errorf("analysis result = %v", out["result"])
	}

	if _, err := f.engine.Complete(ctx, sess.ID, 3, ValidationInput{Notes: "  "}); !errors.Is(err, api.ErrMissingInput) {
		t.Errorf("empty notes error = %v, want missing input", err)
	}
	sess = f.complete(t, sess.ID, 3, ValidationInput{Notes: "matches color card"})
	if sess.Status != api.SessionStatusCompleted {
		t.Errorf("status = %s, want completed", sess.Status)
	}
	want := api.StepOutput{"validated": true, "notes": "matches color card"}
	if !reflect.DeepEqual(sess.Data[3], want) {
		t.Errorf("validation output = %v, want %v", sess.Data[3], want)
	}

	var analyzed bool
	for _, ev := range drain(events) {
		if ev.Type == api.EventCaptureAnalyzed && ev.Capture != nil && ev.Capture.ID == captureID {
			analyzed = true
		}
	}
	if !analyzed {
		t.Error("no capture.analyzed event")
	}
}

func TestFailedAnalysisPolicy(t *testing.T) {
	tests := []struct {
		name  string
		block bool
	}{
		{"proceed", false},
		{"block", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Config{BlockOnAnalysisFailure: tt.block}, map[string]analysis.Analyzer{
				"vision": analysis.AnalyzerFunc(func(context.Context, *analysis.Request) (*analysis.Result, error) {
					return nil, errors.New("scanner offline")
				}),
			})
			ctx := context.Background()

			sess := f.start(t, "strip")
			sess = f.complete(t, sess.ID, 1, CaptureInput{Artifact: &api.ArtifactRef{URI: "s3://captures/strip.jpg"}})
			captureID := sess.Data[1]["capture_id"].(string)
			waitFor(t, f.dispatcher.Done(captureID))

			got, err := f.engine.Complete(ctx, sess.ID, 2, AnalysisInput{})
			if tt.block {
				if !errors.Is(err, &api.APIError{Type: api.ErrorTypeValidation, Code: api.CodeAnalysisFailed}) {
					t.Fatalf("error = %v, want analysis_failed", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Complete: %v", err)
			}
			out := got.Data[2]
			if out["analysis_status"] != "failed" || out["error"] != "scanner offline" {
				t.Errorf("output = %v, want failed with error", out)
			}
			if got.Status.Terminal() {
				t.Errorf("failed analysis ended the session: %s", got.Status)
			}
		})
	}
}

func TestAnalysisStepRoutesUnassignedCapture(t *testing.T) {
	f := newFixture(t, Config{}, map[string]analysis.Analyzer{
		"ocr": analysis.AnalyzerFunc(func(_ context.Context, req *analysis.Request) (*analysis.Result, error) {
			return &analysis.Result{Fields: map[string]any{"text": req.Value, "kind": req.Kind}}, nil
		}),
	})

	sess := f.start(t, "label")
	sess = f.complete(t, sess.ID, 1, CaptureInput{Value: "LOT-42"})
	if sess.Data[1]["value"] != "LOT-42" {
		t.Errorf("text output = %v", sess.Data[1])
	}

	sess = f.complete(t, sess.ID, 2, AnalysisInput{Wait: true})
	res, _ := sess.Data[2]["result"].(map[string]any)
	if res["text"] != "LOT-42" || res["kind"] != "label" {
		t.Errorf("analysis result = %v", sess.Data[2])
	}
}

func TestAnalysisStepWithoutCapture(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	ctx := context.Background()

	sess := f.start(t, "label")
	// Step 1 has not been completed, so there is no capture yet.
	_, err := f.engine.analysisOutput(ctx, sess, api.AnalysisConfig{SourceStep: 1})
	if !errors.Is(err, api.ErrMissingInput) {
		t.Errorf("error = %v, want missing input", err)
	}
}

func TestRegressKeepsForwardData(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	ctx := context.Background()
	events, unsubscribe := f.engine.Subscribe("")
	defer unsubscribe()

	sess := f.start(t, "basic")
	f.complete(t, sess.ID, 1, Acknowledge{})
	if _, err := f.engine.StartTimer(ctx, sess.ID); err != nil {
		t.Fatalf("StartTimer: %v", err)
	}
	drain(events)

	sess, err := f.engine.Regress(ctx, sess.ID, 1)
	if err != nil {
		t.Fatalf("Regress: %v", err)
	}
	if sess.CurrentStep != 1 || len(sess.Data) != 1 {
		t.Errorf("after regress: current=%d data=%v", sess.CurrentStep, sess.Data)
	}
	if f.clock.Pending() != 0 {
		t.Error("timer still scheduled after regress")
	}
	got := eventTypes(drain(events))
	want := []api.EventType{api.EventStepRegressed, api.EventStepEntered}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestFail(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	var cancelled int
	f.engine.OnCancel(func(*api.Session) { cancelled++ })

	sess := f.start(t, "basic")
	sess, err := f.engine.Fail(context.Background(), sess.ID, "instrument fault")
	if err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if sess.Status != api.SessionStatusFailed {
		t.Errorf("status = %s, want failed", sess.Status)
	}
	if cancelled != 0 {
		t.Error("OnCancel fired for a failed session")
	}
}

func TestDeleteCancelsAnalysis(t *testing.T) {
	started := make(chan struct{})
	f := newFixture(t, Config{}, map[string]analysis.Analyzer{
		"vision": analysis.AnalyzerFunc(func(ctx context.Context, _ *analysis.Request) (*analysis.Result, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		}),
	})
	ctx := context.Background()

	sess := f.start(t, "strip")
	f.complete(t, sess.ID, 1, CaptureInput{Artifact: &api.ArtifactRef{URI: "s3://captures/strip.jpg"}})
	waitFor(t, started)

	if err := f.engine.Delete(ctx, sess.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if f.dispatcher.InFlight() != 0 {
		t.Errorf("InFlight = %d after delete, want 0", f.dispatcher.InFlight())
	}
	if _, err := f.engine.Sessions().Get(ctx, sess.ID); !errors.Is(err, api.ErrNotFound) {
		t.Errorf("Get after delete error = %v, want not found", err)
	}
}

func TestSubscribeFiltersBySession(t *testing.T) {
	f := newFixture(t, Config{}, nil)

	a := f.start(t, "basic")
	events, unsubscribe := f.engine.Subscribe(a.ID)
	defer unsubscribe()

	b := f.start(t, "basic")
	f.complete(t, b.ID, 1, Acknowledge{})
	f.complete(t, a.ID, 1, Acknowledge{})

	for _, ev := range drain(events) {
		if ev.SessionID != a.ID {
			t.Errorf("received event for session %s", ev.SessionID)
		}
	}
}

func TestCloseStopsTimersAndSubscriptions(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	ctx := context.Background()

	sess := f.start(t, "basic")
	f.complete(t, sess.ID, 1, Acknowledge{})
	events, _ := f.engine.Subscribe(sess.ID)
	if _, err := f.engine.StartTimer(ctx, sess.ID); err != nil {
		t.Fatalf("StartTimer: %v", err)
	}

	f.engine.Close()
	if f.clock.Pending() != 0 {
		t.Error("timer still scheduled after Close")
	}
	drain(events)
	if _, ok := <-events; ok {
		t.Error("subscription still open after Close")
	}
	if _, err := f.engine.StartTimer(ctx, sess.ID); !errors.Is(err, ErrClosed) {
		t.Errorf("StartTimer after Close error = %v, want ErrClosed", err)
	}
}
