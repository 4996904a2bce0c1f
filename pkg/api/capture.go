package api

import "time"

// AnalysisStatus is the asynchronous analysis status of a capture. It is
// independent of the owning session's status.
type AnalysisStatus string

const (
	AnalysisStatusPending    AnalysisStatus = "pending"
	AnalysisStatusProcessing AnalysisStatus = "processing"
	AnalysisStatusCompleted  AnalysisStatus = "completed"
	AnalysisStatusFailed     AnalysisStatus = "failed"
)

// Settled reports whether the analysis reached a final outcome.
func (s AnalysisStatus) Settled() bool {
	return s == AnalysisStatusCompleted || s == AnalysisStatusFailed
}

// ArtifactRef points at an artifact held by the external artifact store.
// The engine never stores artifact bytes.
type ArtifactRef struct {
	URI         string            `json:"uri"`
	ContentType string            `json:"content_type,omitempty"`
	Size        int64             `json:"size,omitempty"`
	Checksum    string            `json:"checksum,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Capture is an artifact or value recorded during a step.
type Capture struct {
	ID        string       `json:"id"`
	Object    string       `json:"object"`
	SessionID string       `json:"session_id"`
	StepID    string       `json:"step_id"`
	StepOrder int          `json:"step_order"`
	Kind      CaptureKind  `json:"kind"`
	Artifact  *ArtifactRef `json:"artifact,omitempty"`
	Value     string       `json:"value,omitempty"`

	Service        string         `json:"service,omitempty"`
	AnalysisKind   string         `json:"analysis_kind,omitempty"`
	AnalysisStatus AnalysisStatus `json:"analysis_status"`
	Result         map[string]any `json:"result,omitempty"`
	Confidence     *float64       `json:"confidence,omitempty"`
	Error          string         `json:"error,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	AnalyzedAt *time.Time `json:"analyzed_at,omitempty"`
}

// CloneCapture returns a deep copy safe for in-memory stores.
func CloneCapture(in *Capture) *Capture {
	if in == nil {
		return nil
	}
	out := *in
	if in.Artifact != nil {
		a := *in.Artifact
		if in.Artifact.Metadata != nil {
			a.Metadata = make(map[string]string, len(in.Artifact.Metadata))
			for k, v := range in.Artifact.Metadata {
				a.Metadata[k] = v
			}
		}
		out.Artifact = &a
	}
	out.Result = cloneMap(in.Result)
	if in.Confidence != nil {
		c := *in.Confidence
		out.Confidence = &c
	}
	if in.AnalyzedAt != nil {
		t := *in.AnalyzedAt
		out.AnalyzedAt = &t
	}
	return &out
}
