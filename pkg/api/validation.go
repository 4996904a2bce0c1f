package api

import (
	"fmt"
	"strings"
)

// ValidateProtocol checks a protocol definition. It returns an *APIError
// describing the first problem found, or nil if the protocol is usable.
//
// Step orders must be unique and contiguous starting at 1, and each step's
// config variant must match its kind.
func ValidateProtocol(p *Protocol) *APIError {
	if p == nil {
		return NewInvalidRequestError("protocol", "protocol is required")
	}
	if strings.TrimSpace(p.ID) == "" {
		return NewInvalidRequestError("id", "protocol id is required")
	}
	if strings.TrimSpace(p.Name) == "" {
		return NewInvalidRequestError("name", fmt.Sprintf("protocol %s: name is required", p.ID))
	}
	if len(p.Steps) == 0 {
		return NewInvalidRequestError("steps", fmt.Sprintf("protocol %s: at least one step is required", p.ID))
	}

	seen := make(map[int]bool, len(p.Steps))
	for i, s := range p.Steps {
		param := fmt.Sprintf("steps[%d]", i)
		if s.Order < 1 || s.Order > len(p.Steps) {
			return NewInvalidRequestError(param,
				fmt.Sprintf("protocol %s: step order %d out of range 1..%d", p.ID, s.Order, len(p.Steps)))
		}
		if seen[s.Order] {
			return NewInvalidRequestError(param,
				fmt.Sprintf("protocol %s: duplicate step order %d", p.ID, s.Order))
		}
		seen[s.Order] = true

		if apiErr := validateStep(p.ID, param, s); apiErr != nil {
			return apiErr
		}
	}

	for _, s := range p.Steps {
		if c, ok := s.Config.(AnalysisConfig); ok && c.SourceStep != 0 {
			src, found := p.StepByOrder(c.SourceStep)
			if !found || src.Kind != StepKindCapture || c.SourceStep >= s.Order {
				return NewInvalidRequestError(fmt.Sprintf("steps[%d].config.source_step", s.Order-1),
					fmt.Sprintf("protocol %s: step %d must reference an earlier capture step", p.ID, s.Order))
			}
		}
	}

	return nil
}

func validateStep(protocolID, param string, s Step) *APIError {
	if !s.Kind.Valid() {
		return NewInvalidRequestError(param+".kind",
			fmt.Sprintf("protocol %s: step %d has unknown kind %q", protocolID, s.Order, s.Kind))
	}
	if s.Config == nil || s.Config.StepKind() != s.Kind {
		return NewInvalidRequestError(param+".config",
			fmt.Sprintf("protocol %s: step %d config does not match kind %q", protocolID, s.Order, s.Kind))
	}

	switch c := s.Config.(type) {
	case TimerConfig:
		if c.Seconds() <= 0 {
			return NewInvalidRequestError(param+".config.duration_seconds",
				fmt.Sprintf("protocol %s: timer step %d needs a positive duration", protocolID, s.Order))
		}
	case CaptureConfig:
		if !c.CaptureType.Valid() {
			return NewInvalidRequestError(param+".config.capture_type",
				fmt.Sprintf("protocol %s: capture step %d has unknown capture type %q", protocolID, s.Order, c.CaptureType))
		}
	}
	return nil
}
