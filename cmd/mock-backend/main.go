// Command mock-backend runs a deterministic Chat Completions server that
// stands in for a vision or OCR model during development and testing.
// Replies follow the analysis contract of the labflow analysis client:
// a JSON object with "confidence" and "fields", chosen by the analysis
// kind named in the prompt.
//
// Configuration:
//
//	MOCK_PORT       - Listen port (default: 9090)
//	MOCK_DELAY      - Artificial latency per request, e.g. "2s" (default: none)
//	MOCK_FAIL_KINDS - Comma-separated analysis kinds answered with HTTP 500
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/rhuss/labflow/pkg/analysis/openaicompat"
)

func main() {
	port := os.Getenv("MOCK_PORT")
	if port == "" {
		port = "9090"
	}

	var delay time.Duration
	if v := os.Getenv("MOCK_DELAY"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			slog.Error("invalid MOCK_DELAY", "value", v, "error", err)
			os.Exit(1)
		}
		delay = d
	}

	b := &backend{delay: delay, failKinds: map[string]bool{}}
	for _, k := range strings.Split(os.Getenv("MOCK_FAIL_KINDS"), ",") {
		if k = strings.TrimSpace(k); k != "" {
			b.failKinds[k] = true
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat/completions", b.handleChatCompletions)
	mux.HandleFunc("GET /v1/models", handleModels)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	})

	srv := &http.Server{Addr: ":" + port, Handler: mux}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Info("mock backend starting", "port", port, "delay", delay)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("mock backend failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("mock backend shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
}

type backend struct {
	delay     time.Duration
	failKinds map[string]bool
}

// promptInfo is what the mock extracts from the analysis prompt.
type promptInfo struct {
	Kind        string
	CaptureKind string
	Value       string
	HasImage    bool
}

var (
	kindPattern        = regexp.MustCompile(`Analysis kind: ([^.]+)\.`)
	captureKindPattern = regexp.MustCompile(`Capture kind: ([^.]+)\.`)
	valuePattern       = regexp.MustCompile(`Captured value: "([^"]*)"`)
)

func (b *backend) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req openaicompat.ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	if b.delay > 0 {
		select {
		case <-time.After(b.delay):
		case <-r.Context().Done():
			return
		}
	}

	info := parsePrompt(&req)
	if b.failKinds[info.Kind] {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("analysis kind %s is configured to fail", info.Kind))
		return
	}

	content, err := json.Marshal(analyze(info))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	model := req.Model
	if model == "" {
		model = "mock-model"
	}
	resp := openaicompat.ChatCompletionResponse{
		ID:     "chatcmpl-" + uuid.NewString(),
		Object: "chat.completion",
		Model:  model,
		Choices: []openaicompat.ChatChoice{{
			Message:      openaicompat.ResponseMessage{Role: "assistant", Content: string(content)},
			FinishReason: "stop",
		}},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// analyze returns a fixed reply per analysis kind. Kinds are matched by
// substring so "urine_color" and "color" behave alike.
func analyze(info promptInfo) openaicompat.AnalysisReply {
	confidence := 0.92
	fields := map[string]any{}

	switch {
	case strings.Contains(info.Kind, "ocr"):
		text := info.Value
		if text == "" {
			text = "LOT 4821-B EXP 2027-03"
		}
		fields["text"] = text
	case strings.Contains(info.Kind, "color"):
		fields["color"] = "straw"
		fields["hex"] = "#E4D96F"
	case strings.Contains(info.Kind, "card"):
		fields["result"] = "negative"
		fields["control_line"] = true
		fields["test_line"] = false
	default:
		confidence = 0.5
		fields["kind"] = info.Kind
		if info.Value != "" {
			fields["value"] = info.Value
		}
	}

	if info.HasImage {
		fields["image"] = true
	} else if info.CaptureKind == "image" {
		confidence = 0.1
	}
	return openaicompat.AnalysisReply{Confidence: &confidence, Fields: fields}
}

func parsePrompt(req *openaicompat.ChatCompletionRequest) promptInfo {
	var info promptInfo
	for _, msg := range req.Messages {
		if msg.Role != "user" {
			continue
		}
		switch v := msg.Content.(type) {
		case string:
			info.fillFromText(v)
		case []any:
			for _, part := range v {
				m, ok := part.(map[string]any)
				if !ok {
					continue
				}
				switch m["type"] {
				case "text":
					if text, ok := m["text"].(string); ok {
						info.fillFromText(text)
					}
				case "image_url":
					info.HasImage = true
				}
			}
		}
	}
	if info.Kind == "" {
		info.Kind = "general"
	}
	return info
}

func (p *promptInfo) fillFromText(text string) {
	if m := kindPattern.FindStringSubmatch(text); m != nil {
		p.Kind = m[1]
	}
	if m := captureKindPattern.FindStringSubmatch(text); m != nil {
		p.CaptureKind = m[1]
	}
	if m := valuePattern.FindStringSubmatch(text); m != nil {
		p.Value = m[1]
	}
}

func handleModels(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"object": "list",
		"data": []map[string]any{
			{"id": "mock-model", "object": "model", "owned_by": "labflow-mock"},
		},
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	var body openaicompat.ChatErrorResponse
	body.Error.Message = msg
	body.Error.Type = "server_error"
	if status < 500 {
		body.Error.Type = "invalid_request_error"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
