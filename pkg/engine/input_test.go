package engine

import (
	"errors"
	"reflect"
	"testing"

	"github.com/rhuss/labflow/pkg/api"
)

func TestDecodeInput(t *testing.T) {
	tests := []struct {
		kind    api.StepKind
		body    string
		want    Input
		wantErr bool
	}{
		{kind: api.StepKindInstruction, body: `{"acknowledged": true}`, want: Acknowledge{}},
		{kind: api.StepKindTimer, body: ``, want: TimerInput{}},
		{kind: api.StepKindCapture, body: `{"value": "4.5"}`, want: CaptureInput{Value: "4.5"}},
		{kind: api.StepKindCapture, body: `{"artifact": {"uri": "s3://a/b.jpg", "content_type": "image/jpeg"}}`,
			want: CaptureInput{Artifact: &api.ArtifactRef{URI: "s3://a/b.jpg", ContentType: "image/jpeg"}}},
		{kind: api.StepKindAnalysis, body: `{"wait": true}`, want: AnalysisInput{Wait: true}},
		{kind: api.StepKindAnalysis, body: ``, want: AnalysisInput{}},
		{kind: api.StepKindValidation, body: `{"notes": "ok"}`, want: ValidationInput{Notes: "ok"}},
		{kind: api.StepKindValidation, body: `{"notes": `, wantErr: true},
		{kind: "dance", body: `{}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			got, err := DecodeInput(tt.kind, []byte(tt.body))
			if tt.wantErr {
				if !errors.Is(err, api.ErrInvalidRequest) {
					t.Errorf("error = %v, want invalid request", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeInput: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("DecodeInput = %#v, want %#v", got, tt.want)
			}
			if got.Kind() != tt.kind {
				t.Errorf("Kind() = %s, want %s", got.Kind(), tt.kind)
			}
		})
	}
}
