package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rhuss/labflow/pkg/analysis"
	"github.com/rhuss/labflow/pkg/api"
	"github.com/rhuss/labflow/pkg/debug"
)

const systemPrompt = "You are a laboratory analysis service. Inspect the capture and reply with a single JSON object " +
	`of the form {"confidence": <number between 0 and 1>, "fields": {<field name>: <value>}}. ` +
	"Do not add any other text."

// Client performs analyses against an OpenAI-compatible Chat Completions
// backend.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
}

// NewClient creates a new Client. The HTTP timeout is a backstop; the
// dispatcher's context deadline is normally hit first.
func NewClient(baseURL, apiKey, model string, timeout time.Duration) *Client {
	baseURL = strings.TrimRight(baseURL, "/")

	if timeout == 0 {
		timeout = 120 * time.Second
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		baseURL: baseURL,
		apiKey:  apiKey,
		model:   model,
	}
}

// Analyze implements analysis.Analyzer.
func (c *Client) Analyze(ctx context.Context, req *analysis.Request) (*analysis.Result, error) {
	body, err := json.Marshal(c.buildRequest(req))
	if err != nil {
		return nil, api.NewServerError(fmt.Sprintf("failed to marshal request: %s", err.Error()))
	}

	url := c.baseURL + "/v1/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, api.NewServerError(fmt.Sprintf("failed to create HTTP request: %s", err.Error()))
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	debug.Log(debug.Analysis, "backend request", "url", url, "model", c.model, "capture_id", req.CaptureID)
	debug.Trace(debug.Analysis, "backend request body", "capture_id", req.CaptureID, "body", debug.Truncate(string(body), 4096))

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, MapNetworkError(err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return nil, MapHTTPError(httpResp)
	}

	var chatResp ChatCompletionResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&chatResp); err != nil {
		return nil, api.NewAnalysisError(api.CodeBackend, fmt.Sprintf("failed to parse backend response: %s", err.Error()))
	}
	if len(chatResp.Choices) == 0 {
		return nil, api.NewAnalysisError(api.CodeBackend, "backend returned no choices")
	}

	content := chatResp.Choices[0].Message.Content
	debug.Log(debug.Analysis, "backend reply", "capture_id", req.CaptureID, "content", debug.Truncate(content, 200))
	return ParseReply(content)
}

func (c *Client) buildRequest(req *analysis.Request) *ChatCompletionRequest {
	var temperature float64
	return &ChatCompletionRequest{
		Model: c.model,
		Messages: []ChatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userParts(req)},
		},
		Temperature:    &temperature,
		ResponseFormat: &ResponseFormat{Type: "json_object"},
	}
}

func userParts(req *analysis.Request) []ContentPart {
	kind := req.Kind
	if kind == "" {
		kind = "general"
	}
	text := fmt.Sprintf("Analysis kind: %s. Capture kind: %s.", kind, req.CaptureKind)
	if req.Value != "" {
		text += fmt.Sprintf(" Captured value: %q.", req.Value)
	}

	parts := []ContentPart{{Type: "text", Text: text}}
	if req.Artifact != nil && req.Artifact.URI != "" && isImage(req) {
		parts = append(parts, ContentPart{
			Type:     "image_url",
			ImageURL: &ImageURL{URL: req.Artifact.URI},
		})
	} else if req.Artifact != nil && req.Artifact.URI != "" {
		parts[0].Text += fmt.Sprintf(" Artifact: %s.", req.Artifact.URI)
	}
	return parts
}

func isImage(req *analysis.Request) bool {
	if req.CaptureKind == api.CaptureKindImage {
		return true
	}
	return strings.HasPrefix(req.Artifact.ContentType, "image/")
}

// ParseReply decodes the model's JSON reply. Code fences around the
// object are tolerated. A reply without a "fields" key is taken as the
// fields themselves.
func ParseReply(content string) (*analysis.Result, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	var reply AnalysisReply
	if err := json.Unmarshal([]byte(content), &reply); err != nil {
		return nil, api.NewAnalysisError(api.CodeBackend, fmt.Sprintf("backend reply is not a JSON object: %s", err.Error()))
	}
	if reply.Fields == nil {
		var raw map[string]any
		if err := json.Unmarshal([]byte(content), &raw); err != nil {
			return nil, api.NewAnalysisError(api.CodeBackend, fmt.Sprintf("backend reply is not a JSON object: %s", err.Error()))
		}
		delete(raw, "confidence")
		reply.Fields = raw
	}
	if reply.Confidence != nil && (*reply.Confidence < 0 || *reply.Confidence > 1) {
		return nil, api.NewAnalysisError(api.CodeBackend, fmt.Sprintf("confidence %v out of range [0, 1]", *reply.Confidence))
	}
	return &analysis.Result{Fields: reply.Fields, Confidence: reply.Confidence}, nil
}

var _ analysis.Analyzer = (*Client)(nil)
