package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rhuss/labflow/pkg/analysis/openaicompat"
)

func TestParsePrompt(t *testing.T) {
	req := &openaicompat.ChatCompletionRequest{
		Messages: []openaicompat.ChatMessage{
			{Role: "system", Content: "Analysis kind: ignored."},
			{Role: "user", Content: []any{
				map[string]any{"type": "text", "text": `Analysis kind: urine_color. Capture kind: image. Captured value: "x".`},
				map[string]any{"type": "image_url", "image_url": map[string]any{"url": "s3://bucket/a.png"}},
			}},
		},
	}
	got := parsePrompt(req)
	want := promptInfo{Kind: "urine_color", CaptureKind: "image", Value: "x", HasImage: true}
	if got != want {
		t.Errorf("parsePrompt() = %+v, want %+v", got, want)
	}
}

func TestAnalyzeByKind(t *testing.T) {
	tests := []struct {
		kind  string
		field string
		want  any
	}{
		{"urine_color", "color", "straw"},
		{"ocr", "text", "LOT 4821-B EXP 2027-03"},
		{"rapid_card", "result", "negative"},
		{"general", "kind", "general"},
	}
	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			reply := analyze(promptInfo{Kind: tt.kind, HasImage: true})
			if reply.Fields[tt.field] != tt.want {
				t.Errorf("fields[%s] = %v, want %v", tt.field, reply.Fields[tt.field], tt.want)
			}
			if reply.Confidence == nil {
				t.Fatal("confidence missing")
			}
		})
	}
}

func TestChatCompletionsReplyParses(t *testing.T) {
	b := &backend{failKinds: map[string]bool{"ocr": true}}

	body := `{"model":"m","messages":[{"role":"user","content":"Analysis kind: color. Capture kind: text."}]}`
	rec := httptest.NewRecorder()
	b.handleChatCompletions(rec, httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp openaicompat.ChatCompletionResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	res, err := openaicompat.ParseReply(resp.Choices[0].Message.Content)
	if err != nil {
		t.Fatalf("ParseReply: %v", err)
	}
	if res.Fields["color"] != "straw" {
		t.Errorf("color = %v, want straw", res.Fields["color"])
	}

	body = `{"model":"m","messages":[{"role":"user","content":"Analysis kind: ocr. Capture kind: image."}]}`
	rec = httptest.NewRecorder()
	b.handleChatCompletions(rec, httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body)))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("failing kind status = %d, want 500", rec.Code)
	}
}
