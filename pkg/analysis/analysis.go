// Package analysis dispatches captures to external analysis services
// (OCR, color-card reading, vision models) and records the outcome on the
// capture. Analysis runs asynchronously and never blocks the step that
// produced the capture.
package analysis

import (
	"context"
	"sort"
	"sync"

	"github.com/rhuss/labflow/pkg/api"
)

// Request is what an Analyzer sees of a capture.
type Request struct {
	CaptureID   string
	SessionID   string
	StepOrder   int
	Service     string
	Kind        string
	CaptureKind api.CaptureKind
	Artifact    *api.ArtifactRef
	Value       string
}

// Result is the structured outcome of an analysis.
type Result struct {
	Fields     map[string]any
	Confidence *float64
}

// Analyzer performs one analysis. Implementations must honor ctx
// cancellation; the dispatcher enforces a hard timeout through it.
type Analyzer interface {
	Analyze(ctx context.Context, req *Request) (*Result, error)
}

// AnalyzerFunc adapts a function to the Analyzer interface.
type AnalyzerFunc func(ctx context.Context, req *Request) (*Result, error)

// Analyze calls f.
func (f AnalyzerFunc) Analyze(ctx context.Context, req *Request) (*Result, error) {
	return f(ctx, req)
}

// Registry maps analysis service names to analyzers.
type Registry struct {
	mu        sync.RWMutex
	analyzers map[string]Analyzer
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{analyzers: make(map[string]Analyzer)}
}

// Register binds name to a. A later registration for the same name wins.
func (r *Registry) Register(name string, a Analyzer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.analyzers[name] = a
}

// Lookup returns the analyzer registered for name.
func (r *Registry) Lookup(name string) (Analyzer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.analyzers[name]
	return a, ok
}

// Names returns the registered service names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.analyzers))
	for n := range r.analyzers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func newRequest(c *api.Capture) *Request {
	return &Request{
		CaptureID:   c.ID,
		SessionID:   c.SessionID,
		StepOrder:   c.StepOrder,
		Service:     c.Service,
		Kind:        c.AnalysisKind,
		CaptureKind: c.Kind,
		Artifact:    c.Artifact,
		Value:       c.Value,
	}
}
