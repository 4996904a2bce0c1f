// Package capture records artifacts and values produced by capture steps
// and tracks each capture's asynchronous analysis status. That status is
// independent of the owning session: analysis may still be settling after
// the session has moved on or ended.
package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rhuss/labflow/pkg/api"
	"github.com/rhuss/labflow/pkg/audit"
	"github.com/rhuss/labflow/pkg/debug"
	"github.com/rhuss/labflow/pkg/storage"
)

// CreateRequest describes a new capture.
type CreateRequest struct {
	SessionID string
	StepID    string
	StepOrder int
	Kind      api.CaptureKind
	Artifact  *api.ArtifactRef
	Value     string

	// Service and AnalysisKind name the analysis the capture is meant for.
	// Both may be empty.
	Service      string
	AnalysisKind string
}

// Service is the capture store.
type Service struct {
	store storage.CaptureStore
	audit audit.Recorder
	now   func() time.Time

	// mu serializes read-validate-write cycles on analysis status.
	mu sync.Mutex
}

// NewService creates a capture service. rec may be nil.
func NewService(store storage.CaptureStore, rec audit.Recorder) *Service {
	return &Service{store: store, audit: rec, now: time.Now}
}

// Create records a new capture with analysis status pending. Artifact
// kinds need an artifact reference and scalar kinds need a value.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*api.Capture, error) {
	if !req.Kind.Valid() {
		return nil, api.NewInvalidRequestError("kind", fmt.Sprintf("unknown capture kind %q", req.Kind))
	}
	if req.Kind.IsScalar() && req.Value == "" {
		return nil, api.NewMissingInputError("value", fmt.Sprintf("%s capture requires a value", req.Kind))
	}
	if !req.Kind.IsScalar() && (req.Artifact == nil || req.Artifact.URI == "") {
		return nil, api.NewMissingInputError("artifact", fmt.Sprintf("%s capture requires an artifact reference", req.Kind))
	}

	now := s.now()
	c := &api.Capture{
		ID:             api.NewCaptureID(),
		Object:         "capture",
		SessionID:      req.SessionID,
		StepID:         req.StepID,
		StepOrder:      req.StepOrder,
		Kind:           req.Kind,
		Artifact:       req.Artifact,
		Value:          req.Value,
		Service:        req.Service,
		AnalysisKind:   req.AnalysisKind,
		AnalysisStatus: api.AnalysisStatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.store.CreateCapture(ctx, c); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, api.NewNotFoundError(fmt.Sprintf("session %s not found", req.SessionID))
		}
		return nil, api.NewPersistenceError("creating capture", err)
	}

	audit.Emit(ctx, s.audit, api.AuditEntry{
		SessionID:   c.SessionID,
		EventType:   api.AuditCaptureCreated,
		AfterStatus: string(c.AnalysisStatus),
		StepOrder:   c.StepOrder,
		CaptureID:   c.ID,
	})
	return c, nil
}

// Get returns a capture by ID.
func (s *Service) Get(ctx context.Context, id string) (*api.Capture, error) {
	c, err := s.store.GetCapture(ctx, id)
	if err != nil {
		return nil, captureError("loading capture", id, err)
	}
	return c, nil
}

// List returns a session's captures in creation order.
func (s *Service) List(ctx context.Context, sessionID string) ([]*api.Capture, error) {
	list, err := s.store.ListCaptures(ctx, sessionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, api.NewNotFoundError(fmt.Sprintf("session %s not found", sessionID))
		}
		return nil, api.NewPersistenceError("listing captures", err)
	}
	return list, nil
}

// LatestForStep returns the most recent capture recorded for the given
// step order, or the most recent capture of the session when order is 0.
func (s *Service) LatestForStep(ctx context.Context, sessionID string, order int) (*api.Capture, error) {
	list, err := s.List(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	for i := len(list) - 1; i >= 0; i-- {
		if order == 0 || list[i].StepOrder == order {
			return list[i], nil
		}
	}
	if order == 0 {
		return nil, api.NewNotFoundError(fmt.Sprintf("session %s has no captures", sessionID))
	}
	return nil, api.NewNotFoundError(fmt.Sprintf("session %s has no capture for step %d", sessionID, order))
}

// Route assigns an analysis service to a pending capture that has none.
// A capture that already names a service keeps it.
func (s *Service) Route(ctx context.Context, id, service, kind string) (*api.Capture, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.store.GetCapture(ctx, id)
	if err != nil {
		return nil, captureError("loading capture", id, err)
	}
	if c.Service != "" || service == "" {
		return c, nil
	}
	if c.AnalysisStatus != api.AnalysisStatusPending {
		return nil, api.NewConflictError(fmt.Sprintf("capture %s is %s and cannot be rerouted", id, c.AnalysisStatus))
	}

	c.Service = service
	c.AnalysisKind = kind
	c.UpdatedAt = s.now()
	if err := s.store.UpdateCapture(ctx, c); err != nil {
		return nil, captureError("updating capture", id, err)
	}
	return c, nil
}

// MarkProcessing moves a capture into processing. Pending and failed
// captures qualify; a failed capture is re-submitted this way.
func (s *Service) MarkProcessing(ctx context.Context, id string) (*api.Capture, error) {
	return s.transition(ctx, id, api.AnalysisStatusProcessing, api.AuditAnalysisSubmitted, func(c *api.Capture) {
		c.Error = ""
	})
}

// RecordResult stores the analysis result and marks the capture completed.
// Recording a result on a completed capture overwrites it without error.
func (s *Service) RecordResult(ctx context.Context, id string, result map[string]any, confidence *float64) (*api.Capture, error) {
	return s.transition(ctx, id, api.AnalysisStatusCompleted, api.AuditAnalysisCompleted, func(c *api.Capture) {
		now := s.now()
		c.Result = result
		c.Confidence = confidence
		c.Error = ""
		c.AnalyzedAt = &now
	})
}

// RecordFailure marks the capture failed with cause. There is no
// automatic retry.
func (s *Service) RecordFailure(ctx context.Context, id string, cause error) (*api.Capture, error) {
	msg := "analysis failed"
	if cause != nil {
		msg = cause.Error()
	}
	return s.transition(ctx, id, api.AnalysisStatusFailed, api.AuditAnalysisFailed, func(c *api.Capture) {
		now := s.now()
		c.Error = msg
		c.AnalyzedAt = &now
	})
}

func (s *Service) transition(ctx context.Context, id string, to api.AnalysisStatus, event api.AuditEventType, apply func(*api.Capture)) (*api.Capture, error) {
	s.mu.Lock()
	c, err := s.store.GetCapture(ctx, id)
	if err != nil {
		s.mu.Unlock()
		return nil, captureError("loading capture", id, err)
	}

	from := c.AnalysisStatus
	if apiErr := api.ValidateAnalysisTransition(from, to); apiErr != nil {
		s.mu.Unlock()
		return nil, apiErr
	}

	apply(c)
	c.AnalysisStatus = to
	c.UpdatedAt = s.now()

	if err := s.store.UpdateCapture(ctx, c); err != nil {
		s.mu.Unlock()
		return nil, captureError("updating capture", id, err)
	}
	s.mu.Unlock()

	debug.Log(debug.Analysis, "capture status", "capture_id", id, "from", from, "to", to)
	audit.Emit(ctx, s.audit, api.AuditEntry{
		SessionID:    c.SessionID,
		EventType:    event,
		BeforeStatus: string(from),
		AfterStatus:  string(to),
		StepOrder:    c.StepOrder,
		CaptureID:    c.ID,
		Comment:      c.Error,
	})
	return c, nil
}

func captureError(op, id string, err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return api.NewNotFoundError(fmt.Sprintf("capture %s not found", id))
	}
	return api.NewPersistenceError(op, err)
}
