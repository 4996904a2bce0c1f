package api

import (
	"fmt"
	"time"
)

// StepKind identifies what a step requires from the operator.
type StepKind string

const (
	StepKindCapture     StepKind = "capture"
	StepKindTimer       StepKind = "timer"
	StepKindInstruction StepKind = "instruction"
	StepKindAnalysis    StepKind = "analysis"
	StepKindValidation  StepKind = "validation"
)

// Valid reports whether k is one of the known step kinds.
func (k StepKind) Valid() bool {
	switch k {
	case StepKindCapture, StepKindTimer, StepKindInstruction, StepKindAnalysis, StepKindValidation:
		return true
	}
	return false
}

// CaptureKind identifies the type of artifact or value a capture step records.
type CaptureKind string

const (
	CaptureKindImage    CaptureKind = "image"
	CaptureKindDocument CaptureKind = "document"
	CaptureKindVideo    CaptureKind = "video"
	CaptureKindAudio    CaptureKind = "audio"
	CaptureKindNumeric  CaptureKind = "numeric"
	CaptureKindText     CaptureKind = "text"
)

// Valid reports whether k is one of the known capture kinds.
func (k CaptureKind) Valid() bool {
	switch k {
	case CaptureKindImage, CaptureKindDocument, CaptureKindVideo, CaptureKindAudio,
		CaptureKindNumeric, CaptureKindText:
		return true
	}
	return false
}

// IsScalar reports whether the capture kind records a typed value rather
// than an artifact held by the external artifact store.
func (k CaptureKind) IsScalar() bool {
	return k == CaptureKindNumeric || k == CaptureKindText
}

// Protocol is a named, ordered list of steps.
type Protocol struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Category string `json:"category,omitempty"`
	Active   bool   `json:"active"`
	Steps    []Step `json:"steps"`
}

// StepByOrder returns the step with the given 1-based order.
func (p *Protocol) StepByOrder(order int) (Step, bool) {
	return stepByOrder(p.Steps, order)
}

// Step is one unit of work within a protocol. Config always holds the
// variant that matches Kind.
type Step struct {
	ID                string
	ProtocolID        string
	Order             int
	Kind              StepKind
	Title             string
	Description       string
	Required          bool
	EstimatedDuration time.Duration
	Config            StepConfig
}

// StepConfig is the kind-specific configuration of a step. The set of
// implementations is closed: InstructionConfig, TimerConfig, CaptureConfig,
// AnalysisConfig, and ValidationConfig.
type StepConfig interface {
	StepKind() StepKind
	isStepConfig()
}

// InstructionConfig configures an instruction step. Instructions only need
// to be acknowledged.
type InstructionConfig struct{}

// TimerConfig configures a countdown step.
type TimerConfig struct {
	// Duration is the countdown length; whole seconds.
	Duration time.Duration
}

// CaptureConfig configures a capture step.
type CaptureConfig struct {
	CaptureType CaptureKind
	Unit        string

	// AnalysisService names the external analysis service the capture is
	// submitted to when the step completes. Empty means no analysis.
	AnalysisService string
	AnalysisKind    string
}

// AnalysisConfig configures an analysis step, which waits on the analysis
// of a capture recorded by an earlier step.
type AnalysisConfig struct {
	// SourceStep is the order of the capture step whose capture is awaited.
	// Zero selects the most recent capture of the session.
	SourceStep   int
	Service      string
	AnalysisKind string
}

// ValidationConfig configures a human validation step.
type ValidationConfig struct {
	Prompt string
}

func (InstructionConfig) StepKind() StepKind { return StepKindInstruction }
func (TimerConfig) StepKind() StepKind       { return StepKindTimer }
func (CaptureConfig) StepKind() StepKind     { return StepKindCapture }
func (AnalysisConfig) StepKind() StepKind    { return StepKindAnalysis }
func (ValidationConfig) StepKind() StepKind  { return StepKindValidation }

func (InstructionConfig) isStepConfig() {}
func (TimerConfig) isStepConfig()       {}
func (CaptureConfig) isStepConfig()     {}
func (AnalysisConfig) isStepConfig()    {}
func (ValidationConfig) isStepConfig()  {}

// Seconds returns the timer duration in whole seconds.
func (c TimerConfig) Seconds() int {
	return int(c.Duration / time.Second)
}

// StepDocument is the serialized form of a Step, shared by the JSON wire
// format and the YAML catalog format. The config block is flat; only the
// fields relevant to the step kind are read.
type StepDocument struct {
	ID                string         `json:"id" yaml:"id"`
	ProtocolID        string         `json:"protocol_id,omitempty" yaml:"protocol_id,omitempty"`
	Order             int            `json:"order" yaml:"order"`
	Kind              StepKind       `json:"kind" yaml:"kind"`
	Title             string         `json:"title" yaml:"title"`
	Description       string         `json:"description,omitempty" yaml:"description,omitempty"`
	Required          *bool          `json:"required,omitempty" yaml:"required,omitempty"`
	EstimatedDuration int            `json:"estimated_duration_seconds,omitempty" yaml:"estimated_duration_seconds,omitempty"`
	Config            ConfigDocument `json:"config" yaml:"config"`
}

// ConfigDocument is the flat serialized form of every StepConfig variant.
type ConfigDocument struct {
	DurationSeconds int         `json:"duration_seconds,omitempty" yaml:"duration_seconds,omitempty"`
	CaptureType     CaptureKind `json:"capture_type,omitempty" yaml:"capture_type,omitempty"`
	Unit            string      `json:"unit,omitempty" yaml:"unit,omitempty"`
	AnalysisService string      `json:"analysis_service,omitempty" yaml:"analysis_service,omitempty"`
	AnalysisKind    string      `json:"analysis_kind,omitempty" yaml:"analysis_kind,omitempty"`
	SourceStep      int         `json:"source_step,omitempty" yaml:"source_step,omitempty"`
	Service         string      `json:"service,omitempty" yaml:"service,omitempty"`
	Prompt          string      `json:"prompt,omitempty" yaml:"prompt,omitempty"`
}

// Document converts a Step into its serialized form.
func (s Step) Document() StepDocument {
	required := s.Required
	doc := StepDocument{
		ID:                s.ID,
		ProtocolID:        s.ProtocolID,
		Order:             s.Order,
		Kind:              s.Kind,
		Title:             s.Title,
		Description:       s.Description,
		Required:          &required,
		EstimatedDuration: int(s.EstimatedDuration / time.Second),
	}
	switch c := s.Config.(type) {
	case TimerConfig:
		doc.Config.DurationSeconds = c.Seconds()
	case CaptureConfig:
		doc.Config.CaptureType = c.CaptureType
		doc.Config.Unit = c.Unit
		doc.Config.AnalysisService = c.AnalysisService
		doc.Config.AnalysisKind = c.AnalysisKind
	case AnalysisConfig:
		doc.Config.SourceStep = c.SourceStep
		doc.Config.Service = c.Service
		doc.Config.AnalysisKind = c.AnalysisKind
	case ValidationConfig:
		doc.Config.Prompt = c.Prompt
	}
	return doc
}

// Step converts the document into a Step with the config variant selected
// by Kind. Required defaults to true when omitted.
func (d StepDocument) Step() (Step, error) {
	step := Step{
		ID:                d.ID,
		ProtocolID:        d.ProtocolID,
		Order:             d.Order,
		Kind:              d.Kind,
		Title:             d.Title,
		Description:       d.Description,
		Required:          d.Required == nil || *d.Required,
		EstimatedDuration: time.Duration(d.EstimatedDuration) * time.Second,
	}
	switch d.Kind {
	case StepKindInstruction:
		step.Config = InstructionConfig{}
	case StepKindTimer:
		step.Config = TimerConfig{Duration: time.Duration(d.Config.DurationSeconds) * time.Second}
	case StepKindCapture:
		step.Config = CaptureConfig{
			CaptureType:     d.Config.CaptureType,
			Unit:            d.Config.Unit,
			AnalysisService: d.Config.AnalysisService,
			AnalysisKind:    d.Config.AnalysisKind,
		}
	case StepKindAnalysis:
		step.Config = AnalysisConfig{
			SourceStep:   d.Config.SourceStep,
			Service:      d.Config.Service,
			AnalysisKind: d.Config.AnalysisKind,
		}
	case StepKindValidation:
		step.Config = ValidationConfig{Prompt: d.Config.Prompt}
	default:
		return Step{}, fmt.Errorf("step %d: unknown kind %q", d.Order, d.Kind)
	}
	return step, nil
}

// CloneSteps returns a copy of the step list. Step configs are values, so a
// shallow element copy is a deep copy.
func CloneSteps(in []Step) []Step {
	if in == nil {
		return nil
	}
	out := make([]Step, len(in))
	copy(out, in)
	return out
}

func stepByOrder(steps []Step, order int) (Step, bool) {
	// Orders are contiguous from 1, so the index is order-1; fall back to a
	// scan for lists that have not been validated.
	if order >= 1 && order <= len(steps) && steps[order-1].Order == order {
		return steps[order-1], true
	}
	for _, s := range steps {
		if s.Order == order {
			return s, true
		}
	}
	return Step{}, false
}
