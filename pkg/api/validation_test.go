package api

import (
	"strings"
	"testing"
	"time"
)

func validProtocol() *Protocol {
	return &Protocol{
		ID:     "urinalysis",
		Name:   "Urinalysis",
		Active: true,
		Steps: []Step{
			{ID: "s1", Order: 1, Kind: StepKindInstruction, Title: "Prepare", Required: true, Config: InstructionConfig{}},
			{ID: "s2", Order: 2, Kind: StepKindTimer, Title: "Wait", Required: true, Config: TimerConfig{Duration: 10 * time.Second}},
			{ID: "s3", Order: 3, Kind: StepKindCapture, Title: "Photo", Required: true,
				Config: CaptureConfig{CaptureType: CaptureKindImage, AnalysisService: "vision"}},
			{ID: "s4", Order: 4, Kind: StepKindAnalysis, Title: "Read strip", Required: true, Config: AnalysisConfig{SourceStep: 3}},
		},
	}
}

func TestValidateProtocol(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(p *Protocol)
		wantErr string
	}{
		{name: "valid", mutate: func(p *Protocol) {}},
		{name: "missing id", mutate: func(p *Protocol) { p.ID = "" }, wantErr: "id is required"},
		{name: "no steps", mutate: func(p *Protocol) { p.Steps = nil }, wantErr: "at least one step"},
		{name: "gap in orders", mutate: func(p *Protocol) { p.Steps[1].Order = 5 }, wantErr: "out of range"},
		{name: "duplicate order", mutate: func(p *Protocol) { p.Steps[1].Order = 1 }, wantErr: "duplicate step order"},
		{name: "zero order", mutate: func(p *Protocol) { p.Steps[0].Order = 0 }, wantErr: "out of range"},
		{name: "config mismatch", mutate: func(p *Protocol) { p.Steps[0].Config = TimerConfig{Duration: time.Second} }, wantErr: "does not match kind"},
		{name: "zero timer", mutate: func(p *Protocol) { p.Steps[1].Config = TimerConfig{} }, wantErr: "positive duration"},
		{name: "bad capture type", mutate: func(p *Protocol) {
			p.Steps[2].Config = CaptureConfig{CaptureType: "hologram"}
		}, wantErr: "unknown capture type"},
		{name: "analysis source not capture", mutate: func(p *Protocol) {
			p.Steps[3].Config = AnalysisConfig{SourceStep: 2}
		}, wantErr: "earlier capture step"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validProtocol()
			tt.mutate(p)
			err := ValidateProtocol(p)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("ValidateProtocol() = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("ValidateProtocol() = nil, want error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Message, tt.wantErr) {
				t.Errorf("error message %q does not contain %q", err.Message, tt.wantErr)
			}
		})
	}
}

func TestValidateProtocolUnorderedListIsAccepted(t *testing.T) {
	p := validProtocol()
	p.Steps[0], p.Steps[1] = p.Steps[1], p.Steps[0]
	if err := ValidateProtocol(p); err != nil {
		t.Fatalf("ValidateProtocol() = %v, want nil", err)
	}
	s, ok := p.StepByOrder(1)
	if !ok || s.ID != "s1" {
		t.Errorf("StepByOrder(1) = %+v, %v; want s1", s, ok)
	}
}
