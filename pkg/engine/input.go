package engine

import (
	"encoding/json"
	"fmt"

	"github.com/rhuss/labflow/pkg/api"
)

// Input is the operator's submission for one step. Each step kind has
// exactly one input type.
type Input interface {
	Kind() api.StepKind
}

// Acknowledge completes an instruction step.
type Acknowledge struct{}

// TimerInput completes a timer step. The outcome is taken from the
// step's timer, not from the submission.
type TimerInput struct{}

// CaptureInput completes a capture step with either an artifact held by
// the external artifact store or a scalar value, depending on the step's
// capture type.
type CaptureInput struct {
	Artifact *api.ArtifactRef `json:"artifact,omitempty"`
	Value    string           `json:"value,omitempty"`
}

// AnalysisInput completes an analysis step. With Wait set, completion
// waits for an in-flight analysis to settle instead of failing with
// analysis_pending.
type AnalysisInput struct {
	Wait bool `json:"wait,omitempty"`
}

// ValidationInput completes a validation step.
type ValidationInput struct {
	Notes string `json:"notes"`
}

func (Acknowledge) Kind() api.StepKind     { return api.StepKindInstruction }
func (TimerInput) Kind() api.StepKind      { return api.StepKindTimer }
func (CaptureInput) Kind() api.StepKind    { return api.StepKindCapture }
func (AnalysisInput) Kind() api.StepKind   { return api.StepKindAnalysis }
func (ValidationInput) Kind() api.StepKind { return api.StepKindValidation }

// DecodeInput decodes a JSON submission for a step of the given kind. An
// empty body is accepted for kinds whose input has no required fields.
func DecodeInput(kind api.StepKind, data []byte) (Input, error) {
	var in Input
	switch kind {
	case api.StepKindInstruction:
		return Acknowledge{}, nil
	case api.StepKindTimer:
		return TimerInput{}, nil
	case api.StepKindCapture:
		var c CaptureInput
		if err := decode(data, &c); err != nil {
			return nil, err
		}
		in = c
	case api.StepKindAnalysis:
		var a AnalysisInput
		if err := decode(data, &a); err != nil {
			return nil, err
		}
		in = a
	case api.StepKindValidation:
		var v ValidationInput
		if err := decode(data, &v); err != nil {
			return nil, err
		}
		in = v
	default:
		return nil, api.NewInvalidRequestError("kind", fmt.Sprintf("unknown step kind %q", kind))
	}
	return in, nil
}

func decode(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return api.NewInvalidRequestError("", fmt.Sprintf("invalid step input: %s", err.Error()))
	}
	return nil
}
